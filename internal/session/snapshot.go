package session

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"

	"github.com/user/storyforge/internal/types"
)

// SnapshotVersion is the current session document format.
const SnapshotVersion = 1

// Snapshot is the persisted and exported form of a session.
type Snapshot struct {
	Version      int                   `json:"version"`
	ID           types.SessionID       `json:"id"`
	Name         string                `json:"name"`
	CreatedAt    time.Time             `json:"created_at"`
	UpdatedAt    time.Time             `json:"updated_at"`
	StoryHistory []types.StoryVersion  `json:"story_history"`
	CurrentIndex int                   `json:"current_index"`
	Elements     []types.WorldElement  `json:"elements"`
	Scenes       []types.SceneSlot     `json:"scenes"`
	Storyboard   *types.Storyboard     `json:"storyboard,omitempty"`
	VideoJobs    []types.SceneVideoJob `json:"video_jobs"`
}

// DecodeSnapshot parses and validates a session document. Every failure
// matches types.ErrInvalidSessionData.
func DecodeSnapshot(data []byte) (*Snapshot, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	var snap Snapshot
	if err := dec.Decode(&snap); err != nil {
		return nil, types.InvalidSessionData("malformed session document", err)
	}
	if dec.More() {
		return nil, types.InvalidSessionData("trailing data after session document", nil)
	}
	if err := snap.Validate(); err != nil {
		return nil, err
	}
	return &snap, nil
}

// Validate reports whether a session document is well formed.
func (s *Snapshot) Validate() error {
	invalid := func(format string, args ...any) error {
		return types.InvalidSessionData(fmt.Sprintf(format, args...), nil)
	}

	if s.Version < 1 || s.Version > SnapshotVersion {
		return invalid("unsupported session version %d", s.Version)
	}
	if s.ID == "" {
		return invalid("session id is required")
	}
	if len(s.StoryHistory) == 0 {
		if s.CurrentIndex != -1 {
			return invalid("current_index %d with empty story history", s.CurrentIndex)
		}
	} else if s.CurrentIndex < 0 || s.CurrentIndex >= len(s.StoryHistory) {
		return invalid("current_index %d out of range", s.CurrentIndex)
	}

	elementIDs := make(map[types.ElementID]bool, len(s.Elements))
	for i, e := range s.Elements {
		if e.ID == "" {
			return invalid("element %d has no id", i)
		}
		if elementIDs[e.ID] {
			return invalid("duplicate element id %s", e.ID)
		}
		elementIDs[e.ID] = true
		if !e.Type.Valid() {
			return invalid("element %s has unknown type %q", e.ID, e.Type)
		}
		if err := validateProfile(string(e.ID), &e.Profile); err != nil {
			return err
		}
	}

	sceneIDs := make(map[types.SceneID]bool, len(s.Scenes))
	for i, sc := range s.Scenes {
		if sc.ID == "" {
			return invalid("scene %d has no id", i)
		}
		if sceneIDs[sc.ID] {
			return invalid("duplicate scene id %s", sc.ID)
		}
		sceneIDs[sc.ID] = true
		for _, eid := range sc.Elements {
			if !elementIDs[eid] {
				return invalid("scene %s references unknown element %s", sc.ID, eid)
			}
		}
		if err := validateProfile(string(sc.ID), &sc.Profile); err != nil {
			return err
		}
	}

	if s.Storyboard != nil {
		for i, f := range s.Storyboard.Frames {
			if f.DurationMS < 0 {
				return invalid("frame %d has negative duration", i)
			}
		}
	}

	for _, j := range s.VideoJobs {
		if !j.Status.Valid() {
			return invalid("video job %d has unknown status %q", j.SceneIndex, j.Status)
		}
		if j.Progress < 0 || j.Progress > 100 {
			return invalid("video job %d progress %d out of range", j.SceneIndex, j.Progress)
		}
		if j.RetryCount < 0 {
			return invalid("video job %d has negative retry count", j.SceneIndex)
		}
	}
	return nil
}

func validateProfile(owner string, p *types.Profile) error {
	active := 0
	for _, img := range p.Images {
		if img.ID == "" {
			return types.InvalidSessionData(fmt.Sprintf("%s has an image without id", owner), nil)
		}
		if img.IsActive {
			active++
		}
	}
	if active > 1 {
		return types.InvalidSessionData(fmt.Sprintf("%s has %d active images", owner, active), nil)
	}
	return nil
}

// Snapshot returns a deep copy of the session's persistent state.
func (s *Session) Snapshot() *Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snapshotLocked()
}

func (s *Session) snapshotLocked() *Snapshot {
	snap := &Snapshot{
		Version:      SnapshotVersion,
		ID:           s.id,
		Name:         s.name,
		CreatedAt:    s.createdAt,
		UpdatedAt:    s.updatedAt,
		StoryHistory: make([]types.StoryVersion, len(s.history)),
		CurrentIndex: s.current,
		Elements:     make([]types.WorldElement, len(s.elements)),
		Scenes:       make([]types.SceneSlot, len(s.scenes)),
		VideoJobs:    s.pipeline.Jobs(),
	}
	for i, v := range s.history {
		snap.StoryHistory[i] = v.Clone()
	}
	for i, e := range s.elements {
		snap.Elements[i] = e.Clone()
	}
	for i, sc := range s.scenes {
		snap.Scenes[i] = sc.Clone()
	}
	if s.storyboard != nil {
		sb := cloneStoryboard(*s.storyboard)
		snap.Storyboard = &sb
	}
	return snap
}

// restore replaces in-memory state with snap. Video jobs that were in flight
// when the snapshot was taken are reset to pending.
func (s *Session) restore(snap *Snapshot) {
	jobs := make([]types.SceneVideoJob, len(snap.VideoJobs))
	for i, j := range snap.VideoJobs {
		if !j.Status.Terminal() && j.Status != types.JobPending {
			j.Status = types.JobPending
			j.NextAttemptAt = nil
			j.Message = ""
		}
		jobs[i] = j
	}
	s.pipeline.Restore(jobs)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.name = snap.Name
	s.createdAt = snap.CreatedAt
	s.updatedAt = snap.UpdatedAt
	s.history = make([]types.StoryVersion, len(snap.StoryHistory))
	for i, v := range snap.StoryHistory {
		s.history[i] = v.Clone()
	}
	s.current = snap.CurrentIndex
	s.elements = make([]*types.WorldElement, len(snap.Elements))
	for i, e := range snap.Elements {
		e := e.Clone()
		s.elements[i] = &e
	}
	s.scenes = make([]*types.SceneSlot, len(snap.Scenes))
	for i, sc := range snap.Scenes {
		sc := sc.Clone()
		s.scenes[i] = &sc
	}
	s.storyboard = nil
	if snap.Storyboard != nil {
		sb := cloneStoryboard(*snap.Storyboard)
		s.storyboard = &sb
	}
}

// Export returns the session as an indented JSON document.
func (s *Session) Export() ([]byte, error) {
	data, err := json.MarshalIndent(s.Snapshot(), "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshal session: %w", err)
	}
	return data, nil
}
