package video

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/user/storyforge/internal/types"
)

type staticScenes []Scene

func (s staticScenes) VideoScenes() []Scene { return s }

func makeScenes(n int) staticScenes {
	out := make(staticScenes, n)
	for i := range out {
		out[i] = Scene{Index: i, ID: types.SceneID(fmt.Sprintf("scene-%d", i)), Description: fmt.Sprintf("scene %d", i)}
	}
	return out
}

// fakeVideoGen completes every video on its first status check. submitErr,
// when set, decides the outcome of each submission by call order.
type fakeVideoGen struct {
	types.GenerationService

	mu         sync.Mutex
	submitted  []string
	calls      int
	submitErr  func(call int, desc string) error
	statusErr  map[string]error
	inFlight   int
	maxFlight  int
	statusHits int
}

func (f *fakeVideoGen) GenerateVideo(_ context.Context, desc, _ string, _ types.VideoOptions) (*types.VideoSubmission, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.submitErr != nil {
		if err := f.submitErr(f.calls, desc); err != nil {
			return nil, err
		}
	}
	f.submitted = append(f.submitted, desc)
	f.inFlight++
	if f.inFlight > f.maxFlight {
		f.maxFlight = f.inFlight
	}
	return &types.VideoSubmission{VideoID: "vid-" + desc}, nil
}

func (f *fakeVideoGen) CheckVideoStatus(_ context.Context, id string) (*types.VideoStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.statusHits++
	f.inFlight--
	if err := f.statusErr[id]; err != nil {
		return nil, err
	}
	return &types.VideoStatus{Status: "succeeded", Progress: 100, VideoURL: "https://cdn.example/" + id + ".mp4"}, nil
}

func (f *fakeVideoGen) order() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.submitted...)
}

func fastOptions() Options {
	return Options{
		Retry:        &RetryPolicy{MaxRetries: 3, RetryDelay: 5 * time.Millisecond},
		PollInterval: 5 * time.Millisecond,
		SettleDelay:  time.Millisecond,
		Logger:       slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
}

func TestOptionsDefaults(t *testing.T) {
	p := New(&fakeVideoGen{}, makeScenes(1), Options{})
	assert.Equal(t, DefaultPollInterval, p.opts.PollInterval)
	assert.Equal(t, 5*time.Second, p.opts.SettleDelay)
	assert.Equal(t, int64(1), p.opts.MaxInFlight)
	assert.Equal(t, DefaultRetryPolicy(), p.opts.Retry)

	p = New(&fakeVideoGen{}, makeScenes(1), Options{SettleDelay: -time.Second})
	assert.Equal(t, DefaultSettleDelay, p.opts.SettleDelay)
}

func waitIdle(t *testing.T, p *Pipeline) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, p.Wait(ctx))
}

func TestPipelineCompletesAllScenesInOrder(t *testing.T) {
	gen := &fakeVideoGen{}
	var idle sync.WaitGroup
	idle.Add(1)
	opts := fastOptions()
	opts.OnIdle = idle.Done

	p := New(gen, makeScenes(5), opts)
	p.StartAll(context.Background())
	waitIdle(t, p)
	idle.Wait()

	assert.Equal(t, []string{"scene 0", "scene 1", "scene 2", "scene 3", "scene 4"}, gen.order())
	assert.Equal(t, 1, gen.maxFlight, "only one scene may be in flight")
	for _, j := range p.Jobs() {
		assert.Equal(t, types.JobCompleted, j.Status)
		assert.Equal(t, 100, j.Progress)
		assert.NotEmpty(t, j.VideoURL)
	}
	assert.Equal(t, 100.0, p.Progress())
	assert.False(t, p.Running())
}

func TestPipelineRetriesRateLimitThenSucceeds(t *testing.T) {
	gen := &fakeVideoGen{submitErr: func(call int, _ string) error {
		if call <= 2 {
			return errors.New("429 Too Many Requests")
		}
		return nil
	}}
	var mu sync.Mutex
	var retryMessages []string
	opts := fastOptions()
	opts.OnUpdate = func(j types.SceneVideoJob) {
		if j.Status == types.JobRetryScheduled {
			mu.Lock()
			retryMessages = append(retryMessages, j.Message)
			mu.Unlock()
			assert.NotNil(t, j.NextAttemptAt)
		}
	}

	p := New(gen, makeScenes(1), opts)
	p.StartAll(context.Background())
	waitIdle(t, p)

	job, ok := p.Job(0)
	require.True(t, ok)
	assert.Equal(t, types.JobCompleted, job.Status)
	assert.Equal(t, 2, job.RetryCount)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, retryMessages, 2)
	assert.Contains(t, retryMessages[0], "attempt 1/3")
	assert.Contains(t, retryMessages[1], "attempt 2/3")
}

func TestPipelineRateLimitExhaustion(t *testing.T) {
	gen := &fakeVideoGen{submitErr: func(_ int, desc string) error {
		if desc == "scene 0" {
			return errors.New("rate limit exceeded")
		}
		return nil
	}}

	p := New(gen, makeScenes(2), fastOptions())
	p.StartAll(context.Background())
	waitIdle(t, p)

	first, _ := p.Job(0)
	assert.Equal(t, types.JobFailed, first.Status)
	assert.Equal(t, 3, first.RetryCount)
	assert.Contains(t, first.Error, "rate limit retries exhausted (3/3)")
	assert.Nil(t, first.NextAttemptAt)

	second, _ := p.Job(1)
	assert.Equal(t, types.JobCompleted, second.Status, "batch continues after a failed scene")

	gen.mu.Lock()
	assert.Equal(t, 5, gen.calls, "four attempts for scene 0, one for scene 1")
	gen.mu.Unlock()
}

func TestPipelineNonRateLimitErrorFailsImmediately(t *testing.T) {
	gen := &fakeVideoGen{submitErr: func(_ int, desc string) error {
		if desc == "scene 1" {
			return &types.ProviderError{Op: "generate video", StatusCode: 400, Message: "bad prompt"}
		}
		return nil
	}}

	p := New(gen, makeScenes(3), fastOptions())
	p.StartAll(context.Background())
	waitIdle(t, p)

	jobs := p.Jobs()
	require.Len(t, jobs, 3)
	assert.Equal(t, types.JobCompleted, jobs[0].Status)
	assert.Equal(t, types.JobFailed, jobs[1].Status)
	assert.Equal(t, 0, jobs[1].RetryCount)
	assert.Contains(t, jobs[1].Error, "bad prompt")
	assert.Equal(t, types.JobCompleted, jobs[2].Status)
}

func TestPipelinePollErrorAdvances(t *testing.T) {
	gen := &fakeVideoGen{statusErr: map[string]error{"vid-scene 0": errors.New("status endpoint down")}}

	p := New(gen, makeScenes(2), fastOptions())
	p.StartAll(context.Background())
	waitIdle(t, p)

	jobs := p.Jobs()
	assert.Equal(t, types.JobFailed, jobs[0].Status)
	assert.Equal(t, "status endpoint down", jobs[0].Error)
	assert.Equal(t, types.JobCompleted, jobs[1].Status)
}

func TestPipelineStopCancelsScheduledRetry(t *testing.T) {
	gen := &fakeVideoGen{submitErr: func(int, string) error { return errors.New("too many requests") }}
	opts := fastOptions()
	opts.Retry = &RetryPolicy{MaxRetries: 3, RetryDelay: 50 * time.Millisecond}

	p := New(gen, makeScenes(1), opts)
	p.StartAll(context.Background())

	require.Eventually(t, func() bool {
		j, _ := p.Job(0)
		return j.Status == types.JobRetryScheduled
	}, time.Second, time.Millisecond)

	p.Stop()
	j, _ := p.Job(0)
	assert.Equal(t, types.JobPending, j.Status)
	assert.False(t, p.Running())

	time.Sleep(150 * time.Millisecond)
	gen.mu.Lock()
	calls := gen.calls
	gen.mu.Unlock()
	assert.Equal(t, 1, calls, "no submission after stop")
}

func TestPipelineStartAllResetsJobs(t *testing.T) {
	gen := &fakeVideoGen{}
	p := New(gen, makeScenes(2), fastOptions())
	p.Restore([]types.SceneVideoJob{
		{SceneIndex: 0, Status: types.JobCompleted, Progress: 100, VideoURL: "old"},
		{SceneIndex: 1, Status: types.JobFailed, Error: "old"},
	})
	assert.Equal(t, 50.0, p.Progress())

	p.StartAll(context.Background())
	waitIdle(t, p)

	for _, j := range p.Jobs() {
		assert.Equal(t, types.JobCompleted, j.Status)
		assert.Empty(t, j.Error)
		assert.NotEqual(t, "old", j.VideoURL)
	}
	assert.Len(t, gen.order(), 2)
}

func TestPipelineGenerateNextResumesRestoredJobs(t *testing.T) {
	gen := &fakeVideoGen{}
	p := New(gen, makeScenes(3), fastOptions())
	p.Restore([]types.SceneVideoJob{
		{SceneIndex: 0, Status: types.JobCompleted, Progress: 100},
		{SceneIndex: 1, Status: types.JobPending},
		{SceneIndex: 2, Status: types.JobPending},
	})

	p.GenerateNext(0)
	waitIdle(t, p)

	assert.Equal(t, []string{"scene 1", "scene 2"}, gen.order())
}

func TestPipelineParallelSlots(t *testing.T) {
	gen := &fakeVideoGen{}
	opts := fastOptions()
	opts.MaxInFlight = 2

	p := New(gen, makeScenes(4), opts)
	p.StartAll(context.Background())
	waitIdle(t, p)

	assert.LessOrEqual(t, gen.maxFlight, 2)
	for _, j := range p.Jobs() {
		assert.Equal(t, types.JobCompleted, j.Status)
	}
}

func TestPipelineEmptyRunGoesIdle(t *testing.T) {
	idle := make(chan struct{})
	opts := fastOptions()
	opts.OnIdle = func() { close(idle) }

	p := New(&fakeVideoGen{}, staticScenes(nil), opts)
	p.StartAll(context.Background())

	select {
	case <-idle:
	case <-time.After(time.Second):
		t.Fatal("pipeline never went idle")
	}
	assert.Equal(t, 0.0, p.Progress())
}

func TestNormalizeStatus(t *testing.T) {
	tests := []struct {
		in   string
		want types.JobStatus
	}{
		{"succeeded", types.JobCompleted},
		{"COMPLETED", types.JobCompleted},
		{"failed", types.JobFailed},
		{"cancelled", types.JobFailed},
		{"queued", types.JobQueued},
		{"in_progress", types.JobGenerating},
		{"", types.JobGenerating},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.want, normalizeStatus(tt.in))
		})
	}
}
