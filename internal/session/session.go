package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/user/storyforge/internal/types"
	"github.com/user/storyforge/internal/video"
)

// DefaultSceneCount is the scene-count hint passed to story generation.
const DefaultSceneCount = 5

// Session owns one project's story history, derived entities, storyboard and
// video pipeline. All methods are safe for concurrent use.
//
// Lock order is storyMu → entity lock → mu → pipeline. Provider calls are made
// while holding storyMu or an entity lock, never mu.
type Session struct {
	id    types.SessionID
	gen   types.GenerationService
	store types.StorageAdapter

	logger        *slog.Logger
	now           func() time.Time
	sceneCount    int
	onSave        func(ctx context.Context, meta types.SessionMetadata) error
	onVideoUpdate func(types.SceneVideoJob)

	storyMu sync.Mutex
	saveMu  sync.Mutex

	lockMu      sync.Mutex
	entityLocks map[string]*sync.Mutex

	mu         sync.RWMutex
	name       string
	createdAt  time.Time
	updatedAt  time.Time
	history    []types.StoryVersion
	current    int
	elements   []*types.WorldElement
	scenes     []*types.SceneSlot
	storyboard *types.Storyboard
	autoSave   bool
	closed     bool

	pipeline *video.Pipeline
}

// Option configures a Session.
type Option func(*config)

type config struct {
	sceneCount    int
	autoSave      bool
	logger        *slog.Logger
	video         video.Options
	onSave        func(ctx context.Context, meta types.SessionMetadata) error
	onVideoUpdate func(types.SceneVideoJob)
	now           func() time.Time
}

// WithSceneCount sets the scene-count hint for story generation.
func WithSceneCount(n int) Option {
	return func(c *config) { c.sceneCount = n }
}

// WithAutoSave enables saving after every mutating call.
func WithAutoSave(enabled bool) Option {
	return func(c *config) { c.autoSave = enabled }
}

func WithLogger(l *slog.Logger) Option {
	return func(c *config) { c.logger = l }
}

// WithVideoOptions configures the session's video pipeline. OnUpdate is
// replaced by the session's own handler; use WithOnVideoUpdate instead.
func WithVideoOptions(opts video.Options) Option {
	return func(c *config) { c.video = opts }
}

// WithOnSave registers a hook run after every successful save.
func WithOnSave(fn func(ctx context.Context, meta types.SessionMetadata) error) Option {
	return func(c *config) { c.onSave = fn }
}

// WithOnVideoUpdate registers a hook receiving every scene-video job change.
func WithOnVideoUpdate(fn func(types.SceneVideoJob)) Option {
	return func(c *config) { c.onVideoUpdate = fn }
}

func WithClock(now func() time.Time) Option {
	return func(c *config) { c.now = now }
}

func defaultNow() time.Time {
	return time.Now().UTC().Round(0)
}

// New creates an empty session. It is not persisted until Save is called.
func New(id types.SessionID, name string, gen types.GenerationService, store types.StorageAdapter, opts ...Option) *Session {
	cfg := config{sceneCount: DefaultSceneCount, now: defaultNow}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.logger == nil {
		cfg.logger = slog.Default()
	}
	if cfg.sceneCount <= 0 {
		cfg.sceneCount = DefaultSceneCount
	}

	now := cfg.now()
	s := &Session{
		id:            id,
		gen:           gen,
		store:         store,
		logger:        cfg.logger.With("session_id", string(id)),
		now:           cfg.now,
		sceneCount:    cfg.sceneCount,
		onSave:        cfg.onSave,
		onVideoUpdate: cfg.onVideoUpdate,
		entityLocks:   make(map[string]*sync.Mutex),
		name:          name,
		createdAt:     now,
		updatedAt:     now,
		current:       -1,
		autoSave:      cfg.autoSave,
	}

	vopts := cfg.video
	vopts.OnUpdate = s.handleVideoUpdate
	if vopts.Logger == nil {
		vopts.Logger = s.logger
	}
	s.pipeline = video.New(gen, s, vopts)
	return s
}

func (s *Session) ID() types.SessionID {
	return s.id
}

func (s *Session) Name() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.name
}

// Rename changes the display name.
func (s *Session) Rename(name string) {
	s.mu.Lock()
	s.name = name
	s.touchLocked()
	s.mu.Unlock()
	s.autosave(context.Background())
}

// Metadata returns the session's summary.
func (s *Session) Metadata() types.SessionMetadata {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.metadataLocked()
}

func (s *Session) metadataLocked() types.SessionMetadata {
	characters := 0
	for _, e := range s.elements {
		if e.Type == types.ElementCharacter {
			characters++
		}
	}
	return types.SessionMetadata{
		ID:             s.id,
		Name:           s.name,
		CreatedAt:      s.createdAt,
		UpdatedAt:      s.updatedAt,
		StoryCount:     len(s.history),
		CharacterCount: characters,
	}
}

// EnableAutoSave makes every later mutating call persist the session once
// the mutation has been applied in memory.
func (s *Session) EnableAutoSave() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.autoSave = true
}

func (s *Session) AutoSaveEnabled() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.autoSave
}

// touchLocked advances UpdatedAt. It never moves backwards.
func (s *Session) touchLocked() {
	now := s.now()
	if now.After(s.updatedAt) {
		s.updatedAt = now
	}
}

// Save persists the full session snapshot under sessions/{id}. Saves for one
// session are sequential; each writes the state current at the time it runs.
func (s *Session) Save(ctx context.Context) error {
	s.saveMu.Lock()
	defer s.saveMu.Unlock()

	s.mu.RLock()
	if s.closed {
		s.mu.RUnlock()
		return types.FailedPrecondition("Session is closed")
	}
	snap := s.snapshotLocked()
	meta := s.metadataLocked()
	s.mu.RUnlock()

	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal session: %w", err)
	}
	if err := s.store.Save(ctx, types.SessionKey(s.id), data); err != nil {
		return fmt.Errorf("save session: %w", err)
	}
	if s.onSave != nil {
		if err := s.onSave(ctx, meta); err != nil {
			return fmt.Errorf("after save: %w", err)
		}
	}
	s.logger.Debug("session saved", "bytes", len(data))
	return nil
}

// Load replaces in-memory state with the persisted snapshot.
func (s *Session) Load(ctx context.Context) error {
	data, err := s.store.Load(ctx, types.SessionKey(s.id))
	if err != nil {
		if errors.Is(err, types.ErrNotFound) {
			return types.NotFound("Session not found")
		}
		return fmt.Errorf("load session: %w", err)
	}
	snap, err := DecodeSnapshot(data)
	if err != nil {
		return err
	}
	if snap.ID != s.id {
		return types.InvalidSessionData(fmt.Sprintf("snapshot id %q does not match session %q", snap.ID, s.id), nil)
	}
	s.restore(snap)
	return nil
}

// autosave persists after a committed mutation when autosave is enabled.
// Failures are logged; the mutation itself already succeeded.
func (s *Session) autosave(ctx context.Context) {
	s.mu.RLock()
	enabled := s.autoSave && !s.closed
	s.mu.RUnlock()
	if !enabled {
		return
	}
	if err := s.Save(context.WithoutCancel(ctx)); err != nil {
		s.logger.Warn("autosave failed", "error", err)
	}
}

// Close stops the video pipeline and disables further saves.
func (s *Session) Close() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.pipeline.Stop()

	// Wait out a save that started before the session was closed.
	s.saveMu.Lock()
	s.saveMu.Unlock()
}

// lockEntity serializes operations on one entity and returns the unlock func.
func (s *Session) lockEntity(id string) func() {
	s.lockMu.Lock()
	lock, ok := s.entityLocks[id]
	if !ok {
		lock = &sync.Mutex{}
		s.entityLocks[id] = lock
	}
	s.lockMu.Unlock()

	lock.Lock()
	return lock.Unlock
}
