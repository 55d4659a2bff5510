package types

import (
	"slices"
	"time"
)

type SessionMetadata struct {
	ID             SessionID `json:"id"`
	Name           string    `json:"name"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
	StoryCount     int       `json:"story_count"`
	CharacterCount int       `json:"character_count"`
}

type StoryVersion struct {
	Title      string           `json:"title"`
	Scenes     []StoryScene     `json:"scenes"`
	Characters []StoryCharacter `json:"characters"`
	Locations  []StoryLocation  `json:"locations"`
	Raw        string           `json:"raw"`
	CreatedAt  time.Time        `json:"created_at"`
}

type StoryScene struct {
	Title       string   `json:"title"`
	Description string   `json:"description"`
	Dialog      string   `json:"dialog,omitempty"`
	Action      string   `json:"action,omitempty"`
	Characters  []string `json:"characters,omitempty"`
	Location    string   `json:"location,omitempty"`
}

type StoryCharacter struct {
	Name        string `json:"name"`
	Description string `json:"description"`
}

type StoryLocation struct {
	Name        string `json:"name"`
	Description string `json:"description"`
}

type ElementType string

const (
	ElementCharacter ElementType = "character"
	ElementLocation  ElementType = "location"
	ElementObject    ElementType = "object"
	ElementConcept   ElementType = "concept"
)

// Valid reports whether t is one of the known element types.
func (t ElementType) Valid() bool {
	switch t {
	case ElementCharacter, ElementLocation, ElementObject, ElementConcept:
		return true
	}
	return false
}

type ElementImage struct {
	ID            ImageID   `json:"id"`
	URL           string    `json:"url"`
	RevisedPrompt string    `json:"revised_prompt,omitempty"`
	Style         string    `json:"style,omitempty"`
	Size          string    `json:"size,omitempty"`
	Quality       string    `json:"quality,omitempty"`
	IsActive      bool      `json:"is_active"`
	CreatedAt     time.Time `json:"created_at"`
}

// Snapshot is one entry of an entity's version history.
type Snapshot struct {
	Version             int       `json:"version"`
	Description         string    `json:"description"`
	EnhancedDescription string    `json:"enhanced_description,omitempty"`
	Prompt              string    `json:"prompt,omitempty"`
	ImageID             ImageID   `json:"image_id,omitempty"`
	CreatedAt           time.Time `json:"created_at"`
}

type WorldElement struct {
	ID   ElementID   `json:"id"`
	Name string      `json:"name"`
	Type ElementType `json:"type"`
	Profile
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

type SlotStatus string

const (
	SlotPending    SlotStatus = "pending"
	SlotGenerating SlotStatus = "generating"
	SlotCompleted  SlotStatus = "completed"
	SlotFailed     SlotStatus = "failed"
)

type SceneSlot struct {
	ID         SceneID     `json:"id"`
	SceneIndex int         `json:"scene_index"`
	Title      string      `json:"title"`
	Dialog     string      `json:"dialog,omitempty"`
	Action     string      `json:"action,omitempty"`
	Location   string      `json:"location,omitempty"`
	Elements   []ElementID `json:"elements"`
	// Unassigned holds elements removed by hand; re-extraction leaves them off.
	Unassigned []ElementID `json:"unassigned,omitempty"`
	Status     SlotStatus  `json:"status"`
	Error      string      `json:"error,omitempty"`
	Profile
}

// HasElement reports whether id is assigned to the scene.
func (s *SceneSlot) HasElement(id ElementID) bool {
	for _, e := range s.Elements {
		if e == id {
			return true
		}
	}
	return false
}

// RemoveElement drops id from the assigned elements and reports whether it was present.
func (s *SceneSlot) RemoveElement(id ElementID) bool {
	for i, e := range s.Elements {
		if e == id {
			s.Elements = append(s.Elements[:i:i], s.Elements[i+1:]...)
			return true
		}
	}
	return false
}

// Unassign removes id from the scene and remembers the choice. It reports
// whether id was assigned.
func (s *SceneSlot) Unassign(id ElementID) bool {
	if !s.RemoveElement(id) {
		return false
	}
	if !slices.Contains(s.Unassigned, id) {
		s.Unassigned = append(s.Unassigned, id)
	}
	return true
}

// Assign adds id to the scene and clears any earlier Unassign of it.
func (s *SceneSlot) Assign(id ElementID) {
	s.Unassigned = slices.DeleteFunc(s.Unassigned, func(e ElementID) bool { return e == id })
	if len(s.Unassigned) == 0 {
		s.Unassigned = nil
	}
	if !s.HasElement(id) {
		s.Elements = append(s.Elements, id)
	}
}

type FrameKind string

const (
	FrameScene     FrameKind = "scene"
	FrameCharacter FrameKind = "character"
	FrameLocation  FrameKind = "location"
)

type Frame struct {
	ID         FrameID   `json:"id"`
	Kind       FrameKind `json:"kind"`
	SourceID   string    `json:"source_id"`
	SceneIndex int       `json:"scene_index"`
	ImageURL   string    `json:"image_url"`
	Caption    string    `json:"caption,omitempty"`
	DurationMS int       `json:"duration_ms"`
	Transition string    `json:"transition"`
}

// FramePatch carries the fields UpdateStoryboardFrame merges; nil fields are left alone.
type FramePatch struct {
	DurationMS *int    `json:"duration_ms,omitempty"`
	Transition *string `json:"transition,omitempty"`
	Caption    *string `json:"caption,omitempty"`
}

type Storyboard struct {
	Frames    []Frame   `json:"frames"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

type JobStatus string

const (
	JobPending        JobStatus = "pending"
	JobQueued         JobStatus = "queued"
	JobGenerating     JobStatus = "generating"
	JobRetryScheduled JobStatus = "retry_scheduled"
	JobCompleted      JobStatus = "completed"
	JobFailed         JobStatus = "failed"
)

// Terminal reports whether the status is completed or failed.
func (s JobStatus) Terminal() bool {
	return s == JobCompleted || s == JobFailed
}

// Valid reports whether s is a known job status.
func (s JobStatus) Valid() bool {
	switch s {
	case JobPending, JobQueued, JobGenerating, JobRetryScheduled, JobCompleted, JobFailed:
		return true
	}
	return false
}

type SceneVideoJob struct {
	SceneIndex    int        `json:"scene_index"`
	SceneID       SceneID    `json:"scene_id"`
	VideoID       string     `json:"video_id,omitempty"`
	VideoURL      string     `json:"video_url,omitempty"`
	Status        JobStatus  `json:"status"`
	Progress      int        `json:"progress"`
	Error         string     `json:"error,omitempty"`
	Message       string     `json:"message,omitempty"`
	RetryCount    int        `json:"retry_count"`
	NextAttemptAt *time.Time `json:"next_attempt_at,omitempty"`
	UpdatedAt     time.Time  `json:"updated_at"`
}

type ImageOptions struct {
	Style   string `json:"style,omitempty"`
	Size    string `json:"size,omitempty"`
	Quality string `json:"quality,omitempty"`
}

type ImageResult struct {
	ImageURL      string `json:"image_url"`
	RevisedPrompt string `json:"revised_prompt,omitempty"`
}

type VideoOptions struct {
	Provider string `json:"provider,omitempty"`
	Sound    bool   `json:"sound"`
}

type VideoSubmission struct {
	VideoID string `json:"video_id"`
}

// VideoStatus is the provider's view of a submitted video. Status is one of
// "queued", "processing", "completed" or "failed".
type VideoStatus struct {
	Status   string `json:"status"`
	Progress int    `json:"progress"`
	VideoURL string `json:"video_url,omitempty"`
	Error    string `json:"error,omitempty"`
}
