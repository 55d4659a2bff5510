package session

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/user/storyforge/internal/state"
	"github.com/user/storyforge/internal/types"
	"github.com/user/storyforge/pkg/genai"
)

func newTestManager(t *testing.T, store types.StorageAdapter) *Manager {
	t.Helper()
	if store == nil {
		store = state.NewMemoryStore()
	}
	m := NewManager(store, &genai.Fake{}, ManagerOptions{
		Logger:         quietLogger(),
		AutoSave:       true,
		SessionOptions: []Option{WithVideoOptions(fastVideo()), WithSceneCount(3)},
	})
	t.Cleanup(m.Close)
	return m
}

func TestCreateSessionBecomesActive(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(t, nil)

	active, err := m.ActiveSession(ctx)
	require.NoError(t, err)
	assert.Nil(t, active)

	first, err := m.CreateSession(ctx, "Noir")
	require.NoError(t, err)
	second, err := m.CreateSession(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, DefaultSessionName, second.Name())

	active, err = m.ActiveSession(ctx)
	require.NoError(t, err)
	assert.Same(t, first, active, "only the first session becomes active automatically")

	require.NoError(t, m.SetActiveSession(ctx, second.ID()))
	active, err = m.ActiveSession(ctx)
	require.NoError(t, err)
	assert.Same(t, second, active)

	require.ErrorIs(t, m.SetActiveSession(ctx, "missing"), types.ErrNotFound)
}

func TestLoadSessionIdentity(t *testing.T) {
	ctx := context.Background()
	store := state.NewMemoryStore()
	m := newTestManager(t, store)
	created, err := m.CreateSession(ctx, "Noir")
	require.NoError(t, err)

	a, err := m.LoadSession(ctx, created.ID())
	require.NoError(t, err)
	b, err := m.LoadSession(ctx, created.ID())
	require.NoError(t, err)
	assert.Same(t, a, b)
	assert.Same(t, created, a)

	_, err = a.GenerateStory(ctx, "A detective story")
	require.NoError(t, err)
	assert.Len(t, b.StoryHistory(), 1, "mutation through one reference is visible through the other")

	_, err = m.LoadSession(ctx, "missing")
	require.ErrorIs(t, err, types.ErrNotFound)
	assert.Equal(t, "Session not found", err.Error())
}

func TestLoadSessionFromStorageConcurrent(t *testing.T) {
	ctx := context.Background()
	store := state.NewMemoryStore()
	m1 := newTestManager(t, store)
	created, err := m1.CreateSession(ctx, "Noir")
	require.NoError(t, err)
	_, err = created.GenerateStory(ctx, "A detective story")
	require.NoError(t, err)

	// A second manager over the same store starts with a cold cache.
	m2 := newTestManager(t, store)
	var wg sync.WaitGroup
	results := make([]*Session, 8)
	for i := range results {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s, err := m2.LoadSession(ctx, created.ID())
			assert.NoError(t, err)
			results[i] = s
		}()
	}
	wg.Wait()

	for _, s := range results {
		assert.Same(t, results[0], s)
	}
	assert.Equal(t, created.StoryHistory(), results[0].StoryHistory())
}

func TestListSessionsSortedByUpdated(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(t, nil)

	a, err := m.CreateSession(ctx, "a")
	require.NoError(t, err)
	time.Sleep(2 * time.Millisecond)
	b, err := m.CreateSession(ctx, "b")
	require.NoError(t, err)
	time.Sleep(2 * time.Millisecond)
	_, err = a.GenerateStory(ctx, "A detective story")
	require.NoError(t, err)

	list, err := m.ListSessions(ctx)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, a.ID(), list[0].ID)
	assert.Equal(t, b.ID(), list[1].ID)
	assert.Equal(t, 1, list[0].StoryCount)
}

func TestDeleteSession(t *testing.T) {
	ctx := context.Background()
	store := state.NewMemoryStore()
	m := newTestManager(t, store)

	s, err := m.CreateSession(ctx, "doomed")
	require.NoError(t, err)
	keep, err := m.CreateSession(ctx, "keep")
	require.NoError(t, err)

	require.NoError(t, m.DeleteSession(ctx, s.ID()))

	_, err = store.Load(ctx, types.SessionKey(s.ID()))
	require.ErrorIs(t, err, types.ErrNotFound)
	_, err = m.LoadSession(ctx, s.ID())
	require.ErrorIs(t, err, types.ErrNotFound)

	list, err := m.ListSessions(ctx)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, keep.ID(), list[0].ID)

	active, err := m.ActiveSession(ctx)
	require.NoError(t, err)
	assert.Nil(t, active, "active pointer cleared with its session")

	require.ErrorIs(t, m.DeleteSession(ctx, s.ID()), types.ErrNotFound)
}

func TestDeleteSessionStopsPipeline(t *testing.T) {
	ctx := context.Background()
	store := state.NewMemoryStore()
	gen := &genai.Fake{VideoPolls: 1000}
	m := NewManager(store, gen, ManagerOptions{
		Logger:         quietLogger(),
		AutoSave:       true,
		SessionOptions: []Option{WithVideoOptions(fastVideo()), WithSceneCount(2)},
	})
	defer m.Close()

	s, err := m.CreateSession(ctx, "video")
	require.NoError(t, err)
	_, err = s.GenerateStory(ctx, "A detective story")
	require.NoError(t, err)
	s.ExtractScenes()
	require.NoError(t, s.StartVideoGeneration(ctx))
	require.Eventually(t, func() bool { return gen.VideoCalls() == 1 }, time.Second, time.Millisecond)

	require.NoError(t, m.DeleteSession(ctx, s.ID()))
	assert.False(t, s.Pipeline().Running())

	time.Sleep(20 * time.Millisecond)
	_, err = store.Load(ctx, types.SessionKey(s.ID()))
	require.ErrorIs(t, err, types.ErrNotFound, "a stopped pipeline never resurrects the session")
}

func TestReservedKeysAreNotSessions(t *testing.T) {
	ctx := context.Background()
	store := state.NewMemoryStore()
	m := newTestManager(t, store)
	s, err := m.CreateSession(ctx, "live")
	require.NoError(t, err)

	for _, id := range []types.SessionID{"index", "active", "../index", ""} {
		_, err := m.LoadSession(ctx, id)
		require.ErrorIs(t, err, types.ErrNotFound, "load %q", id)
		assert.Equal(t, "Session not found", err.Error())
		require.ErrorIs(t, m.DeleteSession(ctx, id), types.ErrNotFound, "delete %q", id)
		require.ErrorIs(t, m.SetActiveSession(ctx, id), types.ErrNotFound, "use %q", id)
	}

	list, err := m.ListSessions(ctx)
	require.NoError(t, err)
	require.Len(t, list, 1, "index survives")
	assert.Equal(t, s.ID(), list[0].ID)
	active, err := m.ActiveSession(ctx)
	require.NoError(t, err)
	require.NotNil(t, active, "active pointer survives")
	assert.Equal(t, s.ID(), active.ID())
}

func TestDeleteAllSessions(t *testing.T) {
	ctx := context.Background()
	store := state.NewMemoryStore()
	m := newTestManager(t, store)
	for _, name := range []string{"a", "b", "c"} {
		_, err := m.CreateSession(ctx, name)
		require.NoError(t, err)
	}

	require.NoError(t, m.DeleteAllSessions(ctx))

	keys, err := store.List(ctx, types.SessionPrefix)
	require.NoError(t, err)
	assert.Empty(t, keys)
	list, err := m.ListSessions(ctx)
	require.NoError(t, err)
	assert.Empty(t, list)
	active, err := m.ActiveSession(ctx)
	require.NoError(t, err)
	assert.Nil(t, active)
}

func buildRichSession(t *testing.T, s *Session) {
	t.Helper()
	ctx := context.Background()
	_, err := s.GenerateStory(ctx, "A detective story")
	require.NoError(t, err)
	_, err = s.ImproveStory(ctx, "more rain")
	require.NoError(t, err)
	char := s.ExtractCharacters()[0]
	scenes := s.ExtractScenes()
	_, err = s.EnhanceCharacter(ctx, char.ID, "")
	require.NoError(t, err)
	_, err = s.GenerateCharacterImage(ctx, char.ID, types.ImageOptions{})
	require.NoError(t, err)
	_, err = s.EnhanceScene(ctx, scenes[0].ID, "")
	require.NoError(t, err)
	_, err = s.GenerateSceneImage(ctx, scenes[0].ID, types.ImageOptions{})
	require.NoError(t, err)
	s.CreateStoryboard()
}

func TestExportImportRoundTrip(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(t, nil)
	original, err := m.CreateSession(ctx, "Noir")
	require.NoError(t, err)
	buildRichSession(t, original)

	data, err := m.ExportSession(ctx, original.ID())
	require.NoError(t, err)
	imported, err := m.ImportSession(ctx, data)
	require.NoError(t, err)

	assert.NotEqual(t, original.ID(), imported.ID(), "imports get a fresh id")
	assert.Equal(t, original.StoryHistory(), imported.StoryHistory())
	assert.Equal(t, original.Elements(), imported.Elements())
	assert.Equal(t, original.Scenes(), imported.Scenes())
	assert.Equal(t, original.Storyboard(), imported.Storyboard())

	for _, el := range original.Elements() {
		want, err := original.ElementHistory(el.ID)
		require.NoError(t, err)
		got, err := imported.ElementHistory(el.ID)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}

	loaded, err := m.LoadSession(ctx, imported.ID())
	require.NoError(t, err)
	assert.Same(t, imported, loaded)
}

func TestImportSessionRejectsMalformed(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(t, nil)

	_, err := m.ImportSession(ctx, []byte(`{"version":1}`))
	require.ErrorIs(t, err, types.ErrInvalidSessionData)
	_, err = m.ImportSession(ctx, []byte(`[]`))
	require.ErrorIs(t, err, types.ErrInvalidSessionData)

	list, err := m.ListSessions(ctx)
	require.NoError(t, err)
	assert.Empty(t, list)
}

func TestExportImportAll(t *testing.T) {
	ctx := context.Background()
	src := newTestManager(t, nil)
	for _, name := range []string{"a", "b", "c"} {
		s, err := src.CreateSession(ctx, name)
		require.NoError(t, err)
		buildRichSession(t, s)
	}

	data, err := src.ExportAllSessions(ctx)
	require.NoError(t, err)
	var docs []json.RawMessage
	require.NoError(t, json.Unmarshal(data, &docs))
	assert.Len(t, docs, 3)

	dst := newTestManager(t, nil)
	imported, err := dst.ImportAllSessions(ctx, data)
	require.NoError(t, err)
	assert.Len(t, imported, 3)

	list, err := dst.ListSessions(ctx)
	require.NoError(t, err)
	assert.Len(t, list, 3)
}

func TestImportAllIsAllOrNothing(t *testing.T) {
	ctx := context.Background()
	src := newTestManager(t, nil)
	s, err := src.CreateSession(ctx, "good")
	require.NoError(t, err)
	good, err := src.ExportSession(ctx, s.ID())
	require.NoError(t, err)

	bundle := []byte("[" + string(good) + `,{"version":1,"id":""}]`)
	dst := newTestManager(t, nil)
	_, err = dst.ImportAllSessions(ctx, bundle)
	require.ErrorIs(t, err, types.ErrInvalidSessionData)

	list, err := dst.ListSessions(ctx)
	require.NoError(t, err)
	assert.Empty(t, list, "no session registered when any document is invalid")

	_, err = dst.ImportAllSessions(ctx, []byte(`{"not":"an array"}`))
	require.ErrorIs(t, err, types.ErrInvalidSessionData)
}

func TestManagerOverFileStore(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	m1 := newTestManager(t, state.NewFileStore(dir))
	s, err := m1.CreateSession(ctx, "persisted")
	require.NoError(t, err)
	buildRichSession(t, s)

	m2 := newTestManager(t, state.NewFileStore(dir))
	active, err := m2.ActiveSession(ctx)
	require.NoError(t, err)
	require.NotNil(t, active)
	assert.Equal(t, s.ID(), active.ID())
	assert.Equal(t, s.StoryHistory(), active.StoryHistory())
	assert.Equal(t, s.Elements(), active.Elements())
}
