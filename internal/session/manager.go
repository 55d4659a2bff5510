package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"github.com/patrickmn/go-cache"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/user/storyforge/internal/types"
)

// DefaultSessionName is used when CreateSession gets an empty name.
const DefaultSessionName = "Untitled Session"

// ManagerOptions configures a Manager.
type ManagerOptions struct {
	Logger *slog.Logger
	// AutoSave enables autosave on every session the manager creates or loads.
	AutoSave bool
	// SessionOptions are applied to every session before the manager's own hooks.
	SessionOptions []Option
	// ExportConcurrency bounds concurrent loads in ExportAllSessions.
	ExportConcurrency int
	// OnVideoUpdate receives every scene-video job change of every session.
	OnVideoUpdate func(id types.SessionID, job types.SceneVideoJob)
}

// Manager creates, loads and tracks sessions. LoadSession returns the same
// *Session for an id for as long as the session stays registered.
type Manager struct {
	store  types.StorageAdapter
	gen    types.GenerationService
	opts   ManagerOptions
	logger *slog.Logger

	sessions *cache.Cache
	loads    singleflight.Group

	// indexMu serializes read-modify-write of the persisted index.
	indexMu sync.Mutex
}

// NewManager creates a Manager over store.
func NewManager(store types.StorageAdapter, gen types.GenerationService, opts ManagerOptions) *Manager {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.ExportConcurrency <= 0 {
		opts.ExportConcurrency = 4
	}
	return &Manager{
		store:    store,
		gen:      gen,
		opts:     opts,
		logger:   opts.Logger,
		sessions: cache.New(cache.NoExpiration, 0),
	}
}

func (m *Manager) newSession(id types.SessionID, name string) *Session {
	opts := append([]Option{WithLogger(m.logger)}, m.opts.SessionOptions...)
	opts = append(opts, WithAutoSave(m.opts.AutoSave), WithOnSave(m.updateIndex))
	if fn := m.opts.OnVideoUpdate; fn != nil {
		opts = append(opts, WithOnVideoUpdate(func(job types.SceneVideoJob) { fn(id, job) }))
	}
	return New(id, name, m.gen, m.store, opts...)
}

func (m *Manager) cached(id types.SessionID) (*Session, bool) {
	v, ok := m.sessions.Get(string(id))
	if !ok {
		return nil, false
	}
	s, ok := v.(*Session)
	return s, ok
}

// CreateSession creates and persists a new session. It becomes the active
// session when none is set.
func (m *Manager) CreateSession(ctx context.Context, name string) (*Session, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		name = DefaultSessionName
	}
	s := m.newSession(types.NewSessionID(), name)
	if err := s.Save(ctx); err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}
	m.sessions.Set(string(s.ID()), s, cache.NoExpiration)

	if _, err := m.activeID(ctx); errors.Is(err, types.ErrNotFound) {
		if err := m.writeActive(ctx, s.ID()); err != nil {
			return nil, err
		}
	} else if err != nil {
		return nil, err
	}
	m.logger.Info("session created", "session_id", string(s.ID()), "name", name)
	return s, nil
}

// LoadSession returns the cached session or deserializes it from storage.
// Concurrent loads of one id share a single storage read and instance.
func (m *Manager) LoadSession(ctx context.Context, id types.SessionID) (*Session, error) {
	if !types.ValidSessionID(id) {
		return nil, errSessionNotFound()
	}
	if s, ok := m.cached(id); ok {
		return s, nil
	}

	v, err, _ := m.loads.Do(string(id), func() (interface{}, error) {
		if s, ok := m.cached(id); ok {
			return s, nil
		}
		data, err := m.store.Load(ctx, types.SessionKey(id))
		if err != nil {
			if errors.Is(err, types.ErrNotFound) {
				return nil, errSessionNotFound()
			}
			return nil, fmt.Errorf("load session %s: %w", id, err)
		}
		snap, err := DecodeSnapshot(data)
		if err != nil {
			return nil, err
		}
		s := m.newSession(id, snap.Name)
		s.restore(snap)
		m.sessions.Set(string(id), s, cache.NoExpiration)
		m.logger.Debug("session loaded", "session_id", string(id))
		return s, nil
	})
	if err != nil {
		return nil, err
	}
	s, ok := v.(*Session)
	if !ok {
		return nil, fmt.Errorf("unexpected return type from singleflight: %T", v)
	}
	return s, nil
}

// ListSessions returns metadata for every session, most recently updated first.
func (m *Manager) ListSessions(ctx context.Context) ([]types.SessionMetadata, error) {
	index, err := m.loadIndex(ctx)
	if err != nil {
		return nil, err
	}
	for i := range index {
		if s, ok := m.cached(index[i].ID); ok {
			index[i] = s.Metadata()
		}
	}
	sortByUpdated(index)
	return index, nil
}

// DeleteSession stops the session's pipeline and removes it from the cache,
// storage and index. The active pointer is cleared if it referenced id.
func (m *Manager) DeleteSession(ctx context.Context, id types.SessionID) error {
	if !types.ValidSessionID(id) {
		return errSessionNotFound()
	}
	s, wasCached := m.cached(id)
	if wasCached {
		s.Close()
	}
	if err := m.store.Delete(ctx, types.SessionKey(id)); err != nil {
		if !errors.Is(err, types.ErrNotFound) {
			return fmt.Errorf("delete session %s: %w", id, err)
		}
		if !wasCached {
			return errSessionNotFound()
		}
	}
	m.sessions.Delete(string(id))

	if err := m.removeFromIndex(ctx, id); err != nil {
		return err
	}
	if active, err := m.activeID(ctx); err == nil && active == id {
		if err := m.clearActive(ctx); err != nil {
			return err
		}
	}
	m.logger.Info("session deleted", "session_id", string(id))
	return nil
}

// SetActiveSession marks id as the active session.
func (m *Manager) SetActiveSession(ctx context.Context, id types.SessionID) error {
	if !types.ValidSessionID(id) {
		return errSessionNotFound()
	}
	if _, err := m.LoadSession(ctx, id); err != nil {
		return err
	}
	return m.writeActive(ctx, id)
}

// ActiveSession returns the active session, or nil when none is set.
func (m *Manager) ActiveSession(ctx context.Context) (*Session, error) {
	id, err := m.activeID(ctx)
	if errors.Is(err, types.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	s, err := m.LoadSession(ctx, id)
	if errors.Is(err, types.ErrNotFound) {
		m.logger.Warn("active session missing, clearing pointer", "session_id", string(id))
		return nil, m.clearActive(ctx)
	}
	return s, err
}

// DeleteAllSessions removes every session, the index and the active pointer.
func (m *Manager) DeleteAllSessions(ctx context.Context) error {
	for _, item := range m.sessions.Items() {
		if s, ok := item.Object.(*Session); ok {
			s.Close()
		}
	}
	m.sessions.Flush()

	keys, err := m.store.List(ctx, types.SessionPrefix)
	if err != nil {
		return fmt.Errorf("list sessions: %w", err)
	}
	m.indexMu.Lock()
	defer m.indexMu.Unlock()
	for _, key := range keys {
		if err := m.store.Delete(ctx, key); err != nil && !errors.Is(err, types.ErrNotFound) {
			return fmt.Errorf("delete %s: %w", key, err)
		}
	}
	m.logger.Info("all sessions deleted", "keys", len(keys))
	return nil
}

// ExportSession returns the full JSON document of one session.
func (m *Manager) ExportSession(ctx context.Context, id types.SessionID) ([]byte, error) {
	s, err := m.LoadSession(ctx, id)
	if err != nil {
		return nil, err
	}
	return s.Export()
}

// ImportSession validates a session document and registers it under a new id.
func (m *Manager) ImportSession(ctx context.Context, data []byte) (*Session, error) {
	snap, err := DecodeSnapshot(data)
	if err != nil {
		return nil, err
	}
	return m.register(ctx, snap)
}

func (m *Manager) register(ctx context.Context, snap *Snapshot) (*Session, error) {
	original := snap.ID
	snap.ID = types.NewSessionID()
	s := m.newSession(snap.ID, snap.Name)
	s.restore(snap)
	if err := s.Save(ctx); err != nil {
		return nil, fmt.Errorf("import session: %w", err)
	}
	m.sessions.Set(string(s.ID()), s, cache.NoExpiration)
	m.logger.Info("session imported", "session_id", string(s.ID()), "source_id", string(original))
	return s, nil
}

// ExportAllSessions returns a JSON array of every session document, in index order.
func (m *Manager) ExportAllSessions(ctx context.Context) ([]byte, error) {
	index, err := m.ListSessions(ctx)
	if err != nil {
		return nil, err
	}

	snaps := make([]*Snapshot, len(index))
	eg, egCtx := errgroup.WithContext(ctx)
	eg.SetLimit(m.opts.ExportConcurrency)
	for i, meta := range index {
		eg.Go(func() error {
			s, err := m.LoadSession(egCtx, meta.ID)
			if err != nil {
				return fmt.Errorf("export session %s: %w", meta.ID, err)
			}
			snaps[i] = s.Snapshot()
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return nil, err
	}

	data, err := json.MarshalIndent(snaps, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshal sessions: %w", err)
	}
	return data, nil
}

// ImportAllSessions imports an array of session documents. Every document is
// validated before any is registered.
func (m *Manager) ImportAllSessions(ctx context.Context, data []byte) ([]*Session, error) {
	var raw []json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, types.InvalidSessionData("expected a JSON array of sessions", err)
	}
	snaps := make([]*Snapshot, 0, len(raw))
	for i, r := range raw {
		snap, err := DecodeSnapshot(r)
		if err != nil {
			return nil, types.InvalidSessionData(fmt.Sprintf("session %d", i), err)
		}
		snaps = append(snaps, snap)
	}

	out := make([]*Session, 0, len(snaps))
	for _, snap := range snaps {
		s, err := m.register(ctx, snap)
		if err != nil {
			return out, err
		}
		out = append(out, s)
	}
	return out, nil
}

// Close stops the pipelines of every cached session.
func (m *Manager) Close() {
	for _, item := range m.sessions.Items() {
		if s, ok := item.Object.(*Session); ok {
			s.StopVideoGeneration()
		}
	}
}

func (m *Manager) loadIndex(ctx context.Context) ([]types.SessionMetadata, error) {
	data, err := m.store.Load(ctx, types.SessionIndexKey)
	if err != nil {
		if errors.Is(err, types.ErrNotFound) {
			return []types.SessionMetadata{}, nil
		}
		return nil, fmt.Errorf("load session index: %w", err)
	}
	var index []types.SessionMetadata
	if err := json.Unmarshal(data, &index); err != nil {
		return nil, fmt.Errorf("unmarshal session index: %w", err)
	}
	return index, nil
}

func (m *Manager) saveIndex(ctx context.Context, index []types.SessionMetadata) error {
	sortByUpdated(index)
	data, err := json.MarshalIndent(index, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal session index: %w", err)
	}
	if err := m.store.Save(ctx, types.SessionIndexKey, data); err != nil {
		return fmt.Errorf("save session index: %w", err)
	}
	return nil
}

// updateIndex is the save hook of every managed session.
func (m *Manager) updateIndex(ctx context.Context, meta types.SessionMetadata) error {
	m.indexMu.Lock()
	defer m.indexMu.Unlock()

	index, err := m.loadIndex(ctx)
	if err != nil {
		return err
	}
	replaced := false
	for i := range index {
		if index[i].ID == meta.ID {
			index[i] = meta
			replaced = true
			break
		}
	}
	if !replaced {
		index = append(index, meta)
	}
	return m.saveIndex(ctx, index)
}

func (m *Manager) removeFromIndex(ctx context.Context, id types.SessionID) error {
	m.indexMu.Lock()
	defer m.indexMu.Unlock()

	index, err := m.loadIndex(ctx)
	if err != nil {
		return err
	}
	kept := index[:0]
	for _, meta := range index {
		if meta.ID != id {
			kept = append(kept, meta)
		}
	}
	return m.saveIndex(ctx, kept)
}

type activePointer struct {
	ID types.SessionID `json:"id"`
}

func (m *Manager) activeID(ctx context.Context) (types.SessionID, error) {
	data, err := m.store.Load(ctx, types.ActiveSessionKey)
	if err != nil {
		return "", err
	}
	var ptr activePointer
	if err := json.Unmarshal(data, &ptr); err != nil {
		return "", fmt.Errorf("unmarshal active session: %w", err)
	}
	if ptr.ID == "" {
		return "", types.NotFound("No active session")
	}
	return ptr.ID, nil
}

func (m *Manager) writeActive(ctx context.Context, id types.SessionID) error {
	data, err := json.Marshal(activePointer{ID: id})
	if err != nil {
		return fmt.Errorf("marshal active session: %w", err)
	}
	if err := m.store.Save(ctx, types.ActiveSessionKey, data); err != nil {
		return fmt.Errorf("save active session: %w", err)
	}
	return nil
}

func (m *Manager) clearActive(ctx context.Context) error {
	if err := m.store.Delete(ctx, types.ActiveSessionKey); err != nil && !errors.Is(err, types.ErrNotFound) {
		return fmt.Errorf("clear active session: %w", err)
	}
	return nil
}

func sortByUpdated(index []types.SessionMetadata) {
	sort.SliceStable(index, func(i, j int) bool {
		return index[i].UpdatedAt.After(index[j].UpdatedAt)
	})
}

func errSessionNotFound() error {
	return types.NotFound("Session not found")
}
