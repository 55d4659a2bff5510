package session

import (
	"context"
	"strings"

	"github.com/user/storyforge/internal/types"
)

const (
	DefaultFrameDuration   = 5000
	DefaultFrameTransition = "fade"
)

// CreateStoryboard assembles frames from every entity with an active image:
// scenes in story order, then characters, then locations. It replaces any
// previous storyboard.
func (s *Session) CreateStoryboard() types.Storyboard {
	s.mu.Lock()
	var frames []types.Frame
	for _, sl := range s.scenes {
		img := sl.ActiveImage()
		if img == nil {
			continue
		}
		frames = append(frames, newFrame(types.FrameScene, string(sl.ID), sl.SceneIndex, img.URL, sl.Title))
	}
	for _, typ := range []types.ElementType{types.ElementCharacter, types.ElementLocation} {
		for _, e := range s.elements {
			if e.Type != typ {
				continue
			}
			img := e.ActiveImage()
			if img == nil {
				continue
			}
			frames = append(frames, newFrame(types.FrameKind(typ), string(e.ID), -1, img.URL, e.Name))
		}
	}
	if frames == nil {
		frames = []types.Frame{}
	}

	now := s.now()
	sb := &types.Storyboard{Frames: frames, CreatedAt: now, UpdatedAt: now}
	s.storyboard = sb
	s.touchLocked()
	out := cloneStoryboard(*sb)
	s.mu.Unlock()

	s.logger.Info("created storyboard", "frames", len(out.Frames))
	s.autosave(context.Background())
	return out
}

func newFrame(kind types.FrameKind, sourceID string, sceneIndex int, url, caption string) types.Frame {
	return types.Frame{
		ID:         types.NewFrameID(),
		Kind:       kind,
		SourceID:   sourceID,
		SceneIndex: sceneIndex,
		ImageURL:   url,
		Caption:    caption,
		DurationMS: DefaultFrameDuration,
		Transition: DefaultFrameTransition,
	}
}

// Storyboard returns the current storyboard, or nil before one is created.
func (s *Session) Storyboard() *types.Storyboard {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.storyboard == nil {
		return nil
	}
	out := cloneStoryboard(*s.storyboard)
	return &out
}

// ReorderStoryboardFrames rearranges frames so that new position i holds the
// frame previously at order[i]. order must be a permutation of the current
// frame indices.
func (s *Session) ReorderStoryboardFrames(order []int) (types.Storyboard, error) {
	s.mu.Lock()
	if s.storyboard == nil {
		s.mu.Unlock()
		return types.Storyboard{}, types.FailedPrecondition("No storyboard. Create a storyboard first.")
	}
	frames := s.storyboard.Frames
	if !isPermutation(order, len(frames)) {
		s.mu.Unlock()
		return types.Storyboard{}, types.InvalidArgument("Frame order must be a permutation of the current frame indices")
	}
	reordered := make([]types.Frame, len(frames))
	for i, from := range order {
		reordered[i] = frames[from]
	}
	s.storyboard.Frames = reordered
	s.storyboard.UpdatedAt = s.now()
	s.touchLocked()
	out := cloneStoryboard(*s.storyboard)
	s.mu.Unlock()

	s.autosave(context.Background())
	return out, nil
}

func isPermutation(order []int, n int) bool {
	if len(order) != n {
		return false
	}
	seen := make([]bool, n)
	for _, i := range order {
		if i < 0 || i >= n || seen[i] {
			return false
		}
		seen[i] = true
	}
	return true
}

// UpdateStoryboardFrame merges the non-nil fields of patch into the frame at index.
func (s *Session) UpdateStoryboardFrame(index int, patch types.FramePatch) (types.Frame, error) {
	if patch.DurationMS != nil && *patch.DurationMS <= 0 {
		return types.Frame{}, types.InvalidArgument("Frame duration must be positive")
	}
	if patch.Transition != nil && strings.TrimSpace(*patch.Transition) == "" {
		return types.Frame{}, types.InvalidArgument("Frame transition must not be empty")
	}

	s.mu.Lock()
	if s.storyboard == nil || index < 0 || index >= len(s.storyboard.Frames) {
		s.mu.Unlock()
		return types.Frame{}, types.InvalidArgument("Invalid frame index")
	}
	f := &s.storyboard.Frames[index]
	if patch.DurationMS != nil {
		f.DurationMS = *patch.DurationMS
	}
	if patch.Transition != nil {
		f.Transition = strings.TrimSpace(*patch.Transition)
	}
	if patch.Caption != nil {
		f.Caption = *patch.Caption
	}
	s.storyboard.UpdatedAt = s.now()
	s.touchLocked()
	out := *f
	s.mu.Unlock()

	s.autosave(context.Background())
	return out, nil
}

func cloneStoryboard(sb types.Storyboard) types.Storyboard {
	if sb.Frames != nil {
		sb.Frames = append([]types.Frame{}, sb.Frames...)
	}
	return sb
}
