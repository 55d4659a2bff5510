package session

import (
	"context"
	"fmt"
	"strings"

	"github.com/user/storyforge/internal/types"
)

// GenerateStory asks the provider for a new story and appends it to the
// history as the current version.
func (s *Session) GenerateStory(ctx context.Context, prompt string) (*types.StoryVersion, error) {
	if strings.TrimSpace(prompt) == "" {
		return nil, types.InvalidArgument("Prompt is required")
	}

	s.storyMu.Lock()
	defer s.storyMu.Unlock()

	s.logger.Info("generating story", "scene_count", s.sceneCount)
	story, err := s.gen.GenerateStory(ctx, prompt, s.sceneCount)
	if err != nil {
		return nil, fmt.Errorf("generate story: %w", err)
	}
	if story == nil {
		return nil, &types.ProviderError{Op: "generate story", Message: "provider returned no story"}
	}
	return s.appendStory(ctx, *story), nil
}

// ImproveStory revises the current story. It fails with FailedPrecondition
// when no story exists yet.
func (s *Session) ImproveStory(ctx context.Context, prompt string) (*types.StoryVersion, error) {
	s.storyMu.Lock()
	defer s.storyMu.Unlock()

	current := s.CurrentStory()
	if current == nil {
		return nil, types.FailedPrecondition("No story to improve. Generate a story first.")
	}

	s.logger.Info("improving story", "version", len(s.StoryHistory()))
	story, err := s.gen.ImproveStory(ctx, current, prompt)
	if err != nil {
		return nil, fmt.Errorf("improve story: %w", err)
	}
	if story == nil {
		return nil, &types.ProviderError{Op: "improve story", Message: "provider returned no story"}
	}
	return s.appendStory(ctx, *story), nil
}

// appendStory records v as the newest version. Caller must hold storyMu.
func (s *Session) appendStory(ctx context.Context, v types.StoryVersion) *types.StoryVersion {
	v = v.Clone()
	v.CreatedAt = s.now()

	s.mu.Lock()
	s.history = append(s.history, v)
	s.current = len(s.history) - 1
	s.touchLocked()
	out := v.Clone()
	s.mu.Unlock()

	s.autosave(ctx)
	return &out
}

// RevertToStory truncates the history to index+1 entries and makes that
// entry current.
func (s *Session) RevertToStory(index int) (*types.StoryVersion, error) {
	s.storyMu.Lock()
	defer s.storyMu.Unlock()

	s.mu.Lock()
	if index < 0 || index >= len(s.history) {
		s.mu.Unlock()
		return nil, types.InvalidArgument("Invalid story index")
	}
	s.history = s.history[:index+1:index+1]
	s.current = index
	s.touchLocked()
	out := s.history[index].Clone()
	s.mu.Unlock()

	s.logger.Info("reverted story", "index", index)
	s.autosave(context.Background())
	return &out, nil
}

// CurrentStory returns a copy of the current story, or nil before any story exists.
func (s *Session) CurrentStory() *types.StoryVersion {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.currentStoryLocked()
}

func (s *Session) currentStoryLocked() *types.StoryVersion {
	if s.current < 0 || s.current >= len(s.history) {
		return nil
	}
	out := s.history[s.current].Clone()
	return &out
}

// StoryHistory returns a copy of every story version, oldest first.
func (s *Session) StoryHistory() []types.StoryVersion {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]types.StoryVersion, len(s.history))
	for i, v := range s.history {
		out[i] = v.Clone()
	}
	return out
}
