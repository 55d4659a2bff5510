//go:build integration

package test

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/user/storyforge/internal/api"
	"github.com/user/storyforge/internal/notify"
	"github.com/user/storyforge/internal/session"
	"github.com/user/storyforge/internal/state"
	"github.com/user/storyforge/internal/types"
	"github.com/user/storyforge/internal/video"
	"github.com/user/storyforge/pkg/genai"
)

type recorder struct {
	mu       sync.Mutex
	messages []string
}

func (r *recorder) handle(target, message string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.messages = append(r.messages, message)
	return nil
}

func (r *recorder) all() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.messages...)
}

func newManager(t *testing.T, store types.StorageAdapter, gen types.GenerationService, onUpdate func(types.SessionID, types.SceneVideoJob)) *session.Manager {
	t.Helper()
	m := session.NewManager(store, gen, session.ManagerOptions{
		Logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
		AutoSave: true,
		SessionOptions: []session.Option{
			session.WithSceneCount(3),
			session.WithVideoOptions(video.Options{
				Retry:        &video.RetryPolicy{MaxRetries: 3, RetryDelay: 5 * time.Millisecond},
				PollInterval: 2 * time.Millisecond,
				SettleDelay:  time.Millisecond,
			}),
		},
		OnVideoUpdate: onUpdate,
	})
	t.Cleanup(m.Close)
	return m
}

func call(t *testing.T, srv *httptest.Server, method, path string, body any, out any) int {
	t.Helper()
	var r io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		r = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, srv.URL+path, r)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	resp, err := srv.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	if out != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp.StatusCode
}

func TestEndToEnd(t *testing.T) {
	ctx := context.Background()
	dbPath := filepath.Join(t.TempDir(), "storyforge.db")

	store, err := state.Open(ctx, state.Options{Driver: "sqlite", SQLitePath: dbPath})
	require.NoError(t, err)

	gen := &genai.Fake{
		VideoPolls: 2,
		VideoErr: func(call int, _ string) error {
			if call == 1 {
				return &types.ProviderError{Op: "generate video", StatusCode: http.StatusTooManyRequests, Message: "Too Many Requests"}
			}
			return nil
		},
	}

	rec := &recorder{}
	reg := notify.NewRegistry()
	reg.Register("test:", rec.handle)
	notifier := notify.NewVideoNotifier(reg, "test:", nil)
	defer notifier.Close()

	hub := api.NewHub()
	m := newManager(t, store, gen, func(id types.SessionID, job types.SceneVideoJob) {
		hub.Publish(id, job)
		notifier.Handle(id, job)
	})
	srv := httptest.NewServer(api.New(m, hub, slog.New(slog.NewTextHandler(io.Discard, nil))).Handler())
	defer srv.Close()

	var created struct {
		ID types.SessionID `json:"id"`
	}
	require.Equal(t, http.StatusCreated, call(t, srv, http.MethodPost, "/api/sessions", map[string]string{"name": "Noir"}, &created))
	require.NotEmpty(t, created.ID)
	base := "/api/sessions/" + string(created.ID)

	require.Equal(t, http.StatusOK, call(t, srv, http.MethodPost, base+"/story", map[string]string{"prompt": "A detective story in a rainy city"}, nil))
	require.Equal(t, http.StatusOK, call(t, srv, http.MethodPost, base+"/story/improve", map[string]string{"prompt": "Add more rain"}, nil))

	var chars struct {
		Characters []types.WorldElement `json:"characters"`
	}
	require.Equal(t, http.StatusOK, call(t, srv, http.MethodPost, base+"/characters/extract", nil, &chars))
	require.NotEmpty(t, chars.Characters)

	var scenes struct {
		Scenes []types.SceneSlot `json:"scenes"`
	}
	require.Equal(t, http.StatusOK, call(t, srv, http.MethodPost, base+"/scenes/extract", nil, &scenes))
	require.Len(t, scenes.Scenes, 3)

	charID := string(chars.Characters[0].ID)
	require.Equal(t, http.StatusOK, call(t, srv, http.MethodPost, base+"/elements/"+charID+"/enhance", nil, nil))
	require.Equal(t, http.StatusOK, call(t, srv, http.MethodPost, base+"/elements/"+charID+"/image", nil, nil))
	for _, sc := range scenes.Scenes {
		require.Equal(t, http.StatusOK, call(t, srv, http.MethodPost, base+"/scenes/"+string(sc.ID)+"/image", nil, nil))
	}

	var board types.Storyboard
	require.Equal(t, http.StatusCreated, call(t, srv, http.MethodPost, base+"/storyboard", nil, &board))
	assert.Len(t, board.Frames, 4, "one character frame and three scene frames")

	require.Equal(t, http.StatusAccepted, call(t, srv, http.MethodPost, base+"/video/start", nil, nil))
	sess, err := m.LoadSession(ctx, created.ID)
	require.NoError(t, err)
	waitCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	require.NoError(t, sess.Pipeline().Wait(waitCtx))

	var status struct {
		Jobs     []types.SceneVideoJob `json:"jobs"`
		Progress float64               `json:"progress"`
		Running  bool                  `json:"running"`
	}
	require.Equal(t, http.StatusOK, call(t, srv, http.MethodGet, base+"/video", nil, &status))
	require.Len(t, status.Jobs, 3)
	assert.False(t, status.Running)
	assert.Equal(t, 100.0, status.Progress)
	for _, j := range status.Jobs {
		assert.Equal(t, types.JobCompleted, j.Status, "scene %d", j.SceneIndex)
	}
	assert.Equal(t, 1, status.Jobs[0].RetryCount, "first submission was rate limited")

	// Notifications are delivered in the background.
	var retries, ready int
	require.Eventually(t, func() bool {
		retries, ready = 0, 0
		for _, msg := range rec.all() {
			switch {
			case strings.Contains(msg, "video ready"):
				ready++
			case strings.Contains(msg, "scene 1:"):
				retries++
			}
		}
		return ready == 3
	}, time.Second, 5*time.Millisecond, "messages: %v", rec.all())
	assert.GreaterOrEqual(t, retries, 1, "messages: %v", rec.all())

	// The run can go idle before the last completion has been saved.
	m.Close()
	require.Eventually(t, func() bool {
		data, err := store.Load(ctx, types.SessionKey(created.ID))
		return err == nil && bytes.Count(data, []byte(`"status": "completed"`)) == 3
	}, time.Second, 5*time.Millisecond)
	require.NoError(t, store.(io.Closer).Close())

	reopened, err := state.Open(ctx, state.Options{Driver: "sqlite", SQLitePath: dbPath})
	require.NoError(t, err)
	defer reopened.(io.Closer).Close()

	m2 := newManager(t, reopened, &genai.Fake{}, nil)
	active, err := m2.ActiveSession(ctx)
	require.NoError(t, err)
	require.NotNil(t, active)
	assert.Equal(t, created.ID, active.ID())
	assert.Len(t, active.StoryHistory(), 2)
	assert.Equal(t, sess.Elements(), active.Elements())
	assert.Equal(t, sess.Storyboard(), active.Storyboard())
	assert.Equal(t, 100.0, active.VideoProgress())
	assert.False(t, active.Pipeline().Running(), "loading never restarts video generation")
}

func TestExportImportAcrossStores(t *testing.T) {
	ctx := context.Background()
	src := newManager(t, state.NewFileStore(t.TempDir()), &genai.Fake{}, nil)
	dst := newManager(t, state.NewMemoryStore(), &genai.Fake{}, nil)

	for i := 0; i < 3; i++ {
		s, err := src.CreateSession(ctx, fmt.Sprintf("session %d", i))
		require.NoError(t, err)
		_, err = s.GenerateStory(ctx, "A heist at the opera")
		require.NoError(t, err)
		s.ExtractCharacters()
		s.ExtractScenes()
	}

	bundle, err := src.ExportAllSessions(ctx)
	require.NoError(t, err)
	imported, err := dst.ImportAllSessions(ctx, bundle)
	require.NoError(t, err)
	require.Len(t, imported, 3)

	list, err := dst.ListSessions(ctx)
	require.NoError(t, err)
	assert.Len(t, list, 3)
	for _, s := range imported {
		assert.Len(t, s.StoryHistory(), 1)
		assert.NotEmpty(t, s.Scenes())
	}
}
