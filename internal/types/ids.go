package types

import (
	"github.com/google/uuid"
)

type SessionID string
type ElementID string
type SceneID string
type ImageID string
type FrameID string

func NewSessionID() SessionID {
	return SessionID(uuid.New().String())
}

func NewElementID() ElementID {
	return ElementID(uuid.New().String())
}

func NewSceneID() SceneID {
	return SceneID(uuid.New().String())
}

func NewImageID() ImageID {
	return ImageID(uuid.New().String())
}

func NewFrameID() FrameID {
	return FrameID(uuid.New().String())
}

// ValidSessionID reports whether id has the form NewSessionID produces.
// Reserved keys such as "index" and "active" never do.
func ValidSessionID(id SessionID) bool {
	_, err := uuid.Parse(string(id))
	return err == nil
}

// SessionKey returns the storage key holding the full snapshot of a session.
func SessionKey(id SessionID) string {
	return SessionPrefix + string(id)
}

const (
	SessionPrefix    = "sessions/"
	SessionIndexKey  = "sessions/index"
	ActiveSessionKey = "sessions/active"
)
