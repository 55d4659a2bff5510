package session

import (
	"context"
	"time"

	"github.com/user/storyforge/internal/types"
	"github.com/user/storyforge/internal/video"
)

// StartVideoGeneration resets every scene-video job and starts a new run.
// The run outlives ctx's cancellation; use StopVideoGeneration to end it.
func (s *Session) StartVideoGeneration(ctx context.Context) error {
	s.mu.RLock()
	n := len(s.scenes)
	closed := s.closed
	s.mu.RUnlock()
	if closed {
		return types.FailedPrecondition("Session is closed")
	}
	if n == 0 {
		return types.FailedPrecondition("No scenes to generate. Extract scenes first.")
	}
	s.pipeline.StartAll(context.WithoutCancel(ctx))
	return nil
}

// GenerateNextScene dispatches the next pending scene after delay.
func (s *Session) GenerateNextScene(delay time.Duration) {
	s.pipeline.GenerateNext(delay)
}

// StopVideoGeneration cancels the current run.
func (s *Session) StopVideoGeneration() {
	s.pipeline.Stop()
}

func (s *Session) VideoJobs() []types.SceneVideoJob {
	return s.pipeline.Jobs()
}

func (s *Session) VideoProgress() float64 {
	return s.pipeline.Progress()
}

// Pipeline exposes the session's video pipeline for read access and waiting.
func (s *Session) Pipeline() *video.Pipeline {
	return s.pipeline
}

func (s *Session) handleVideoUpdate(job types.SceneVideoJob) {
	s.mu.Lock()
	s.touchLocked()
	s.mu.Unlock()

	s.autosave(context.Background())
	if s.onVideoUpdate != nil {
		s.onVideoUpdate(job)
	}
}
