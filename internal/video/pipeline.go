package video

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/user/storyforge/internal/types"
)

// Scene is the input for one scene-video job.
type Scene struct {
	Index       int
	ID          types.SceneID
	Description string
	ImageURL    string
}

// SceneSource supplies the scenes a run should cover, in scene order.
type SceneSource interface {
	VideoScenes() []Scene
}

// Options tune a Pipeline. Zero durations fall back to the defaults.
type Options struct {
	Retry        *RetryPolicy
	PollInterval time.Duration
	SettleDelay  time.Duration
	// MaxInFlight bounds concurrent submissions. The default of 1 keeps a
	// single scene in flight to stay under provider rate limits.
	MaxInFlight int64
	Video       types.VideoOptions

	// OnUpdate is called, outside the pipeline lock, with a copy of every job
	// whose state changed.
	OnUpdate func(job types.SceneVideoJob)
	// OnIdle is called once when a run has no pending or active jobs left.
	OnIdle func()
	Logger *slog.Logger
}

const (
	DefaultPollInterval = 5 * time.Second
	DefaultSettleDelay  = 5 * time.Second
)

func (o *Options) applyDefaults() {
	if o.Retry == nil {
		o.Retry = DefaultRetryPolicy()
	}
	if o.PollInterval <= 0 {
		o.PollInterval = DefaultPollInterval
	}
	if o.SettleDelay <= 0 {
		o.SettleDelay = DefaultSettleDelay
	}
	if o.MaxInFlight <= 0 {
		o.MaxInFlight = 1
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
}

// Pipeline drives scene-video jobs through
// pending → queued → generating → completed | failed, dispatching in scene
// index order. Rate-limited submissions pass through retry_scheduled.
//
// Every run has an epoch. StartAll and Stop bump it and cancel outstanding
// timers; callbacks carrying an older epoch do nothing.
type Pipeline struct {
	gen    types.GenerationService
	source SceneSource
	opts   Options

	mu         sync.Mutex
	jobs       []*types.SceneVideoJob
	scenes     map[int]Scene
	epoch      uint64
	running    bool
	polling    bool
	ctx        context.Context
	cancel     context.CancelFunc
	slots      *semaphore.Weighted
	submitting map[int]bool
	timers     map[*time.Timer]struct{}
	done       chan struct{}
}

// New creates an idle Pipeline.
func New(gen types.GenerationService, source SceneSource, opts Options) *Pipeline {
	opts.applyDefaults()
	done := make(chan struct{})
	close(done)
	return &Pipeline{
		gen:        gen,
		source:     source,
		opts:       opts,
		scenes:     make(map[int]Scene),
		submitting: make(map[int]bool),
		timers:     make(map[*time.Timer]struct{}),
		done:       done,
	}
}

// StartAll resets every scene job to pending and begins sequential dispatch.
// Any previous run is superseded.
func (p *Pipeline) StartAll(ctx context.Context) {
	scenes := p.source.VideoScenes()

	p.mu.Lock()
	p.stopLocked()
	now := time.Now()
	p.jobs = make([]*types.SceneVideoJob, 0, len(scenes))
	for _, sc := range scenes {
		p.jobs = append(p.jobs, &types.SceneVideoJob{
			SceneIndex: sc.Index,
			SceneID:    sc.ID,
			Status:     types.JobPending,
			UpdatedAt:  now,
		})
	}
	p.beginRunLocked(ctx, scenes)
	epoch := p.epoch
	updates := p.copyJobsLocked()
	p.scheduleLocked(epoch, 0, func() { p.dispatch(epoch) })
	p.mu.Unlock()

	p.opts.Logger.Info("video run started", "scenes", len(scenes), "epoch", epoch)
	p.emit(updates)
}

// GenerateNext dispatches the first pending scene after delay. When no run is
// active but pending jobs exist (for instance after Restore), a new run is
// started for them without resetting finished jobs.
func (p *Pipeline) GenerateNext(delay time.Duration) {
	scenes := p.source.VideoScenes()

	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.running {
		if p.nextPendingLocked() == nil {
			return
		}
		p.beginRunLocked(context.Background(), scenes)
	}
	epoch := p.epoch
	p.scheduleLocked(epoch, delay, func() { p.dispatch(epoch) })
}

// Stop tears the pipeline down: timers are cancelled, in-flight provider calls
// see a cancelled context and jobs that were still active go back to pending.
func (p *Pipeline) Stop() {
	p.mu.Lock()
	wasRunning := p.running
	updates := p.stopLocked()
	p.mu.Unlock()

	if wasRunning {
		p.opts.Logger.Info("video run stopped")
	}
	p.emit(updates)
}

// Restore replaces the job list with persisted state. Timers are not started;
// call GenerateNext or StartAll to continue.
func (p *Pipeline) Restore(jobs []types.SceneVideoJob) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stopLocked()
	p.jobs = make([]*types.SceneVideoJob, 0, len(jobs))
	for _, j := range jobs {
		j := j
		p.jobs = append(p.jobs, &j)
	}
}

// Jobs returns a copy of every job in scene order.
func (p *Pipeline) Jobs() []types.SceneVideoJob {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.copyJobsLocked()
}

// Job returns the job for a scene index.
func (p *Pipeline) Job(sceneIndex int) (types.SceneVideoJob, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if j := p.jobByIndexLocked(sceneIndex); j != nil {
		return *j, true
	}
	return types.SceneVideoJob{}, false
}

// Progress is the arithmetic mean of per-scene progress, 0 when there are no jobs.
func (p *Pipeline) Progress() float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.jobs) == 0 {
		return 0
	}
	total := 0
	for _, j := range p.jobs {
		total += j.Progress
	}
	return float64(total) / float64(len(p.jobs))
}

// Running reports whether a run is in progress.
func (p *Pipeline) Running() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.running
}

// Done returns a channel closed when the current run goes idle or is stopped.
func (p *Pipeline) Done() <-chan struct{} {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.done
}

// Wait blocks until the current run is idle or ctx is done.
func (p *Pipeline) Wait(ctx context.Context) error {
	select {
	case <-p.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *Pipeline) beginRunLocked(ctx context.Context, scenes []Scene) {
	p.ctx, p.cancel = context.WithCancel(ctx)
	p.slots = semaphore.NewWeighted(p.opts.MaxInFlight)
	p.submitting = make(map[int]bool)
	p.scenes = make(map[int]Scene, len(scenes))
	for _, sc := range scenes {
		p.scenes[sc.Index] = sc
	}
	p.running = true
	p.done = make(chan struct{})
}

// stopLocked invalidates the current epoch and returns the jobs it reset.
func (p *Pipeline) stopLocked() []types.SceneVideoJob {
	p.epoch++
	for t := range p.timers {
		t.Stop()
	}
	p.timers = make(map[*time.Timer]struct{})
	if p.cancel != nil {
		p.cancel()
		p.cancel = nil
	}
	p.polling = false
	p.submitting = make(map[int]bool)

	var updates []types.SceneVideoJob
	if p.running {
		p.running = false
		close(p.done)
		now := time.Now()
		for _, j := range p.jobs {
			switch j.Status {
			case types.JobQueued, types.JobGenerating, types.JobRetryScheduled:
				j.Status = types.JobPending
				j.Message = "cancelled"
				j.NextAttemptAt = nil
				j.UpdatedAt = now
				updates = append(updates, *j)
			}
		}
	}
	return updates
}

// scheduleLocked runs fn after delay unless the epoch has moved on by then.
func (p *Pipeline) scheduleLocked(epoch uint64, delay time.Duration, fn func()) {
	if delay <= 0 {
		go fn()
		return
	}
	var t *time.Timer
	t = time.AfterFunc(delay, func() {
		p.mu.Lock()
		delete(p.timers, t)
		stale := p.epoch != epoch
		p.mu.Unlock()
		if stale {
			return
		}
		fn()
	})
	p.timers[t] = struct{}{}
}

func (p *Pipeline) dispatch(epoch uint64) {
	p.mu.Lock()
	if epoch != p.epoch || !p.running {
		p.mu.Unlock()
		return
	}
	job := p.nextPendingLocked()
	if job == nil {
		idle := p.finishIfIdleLocked()
		p.mu.Unlock()
		if idle {
			p.opts.Logger.Info("video run idle", "epoch", epoch)
			if p.opts.OnIdle != nil {
				p.opts.OnIdle()
			}
		}
		return
	}
	if !p.slots.TryAcquire(1) {
		p.mu.Unlock()
		return
	}
	idx := job.SceneIndex
	p.submitting[idx] = true
	scene := p.scenes[idx]
	ctx, slots := p.ctx, p.slots
	attempt := job.RetryCount
	p.mu.Unlock()

	p.opts.Logger.Debug("submitting scene video", "scene_index", idx, "retry_count", attempt)
	sub, err := p.gen.GenerateVideo(ctx, scene.Description, scene.ImageURL, p.opts.Video)
	if err == nil && (sub == nil || sub.VideoID == "") {
		err = &types.ProviderError{Op: "generate video", Message: "provider returned no video id"}
	}

	p.mu.Lock()
	if epoch != p.epoch {
		p.mu.Unlock()
		return
	}
	delete(p.submitting, idx)
	now := time.Now()
	job.UpdatedAt = now

	switch {
	case err == nil:
		job.Status = types.JobQueued
		job.VideoID = sub.VideoID
		job.Progress = 0
		job.Error = ""
		job.Message = ""
		job.NextAttemptAt = nil
		p.startPollingLocked(epoch)
		if p.opts.MaxInFlight > 1 {
			p.scheduleLocked(epoch, 0, func() { p.dispatch(epoch) })
		}
	case p.opts.Retry.ShouldRetry(err, job.RetryCount):
		job.RetryCount++
		backoff := p.opts.Retry.Backoff(job.RetryCount)
		at := now.Add(backoff)
		job.Status = types.JobRetryScheduled
		job.Error = err.Error()
		job.Message = fmt.Sprintf("rate limited, retrying in %s (attempt %d/%d)", backoff, job.RetryCount, p.opts.Retry.MaxRetries)
		job.NextAttemptAt = &at
		// The slot stays held through the backoff so no other scene is
		// submitted while the provider is throttling.
		p.scheduleLocked(epoch, backoff, func() { p.resubmit(epoch, idx, slots) })
		p.opts.Logger.Warn("scene video rate limited", "scene_index", idx, "retry_count", job.RetryCount, "backoff", backoff)
	default:
		p.failLocked(job, err)
		slots.Release(1)
		p.scheduleLocked(epoch, 0, func() { p.dispatch(epoch) })
	}
	update := *job
	p.mu.Unlock()

	p.emit([]types.SceneVideoJob{update})
}

func (p *Pipeline) resubmit(epoch uint64, sceneIndex int, slots *semaphore.Weighted) {
	p.mu.Lock()
	if epoch != p.epoch {
		p.mu.Unlock()
		return
	}
	job := p.jobByIndexLocked(sceneIndex)
	if job == nil || job.Status != types.JobRetryScheduled {
		p.mu.Unlock()
		return
	}
	job.Status = types.JobPending
	job.NextAttemptAt = nil
	job.Message = fmt.Sprintf("retrying now (attempt %d/%d)", job.RetryCount, p.opts.Retry.MaxRetries)
	job.UpdatedAt = time.Now()
	slots.Release(1)
	update := *job
	p.mu.Unlock()

	p.emit([]types.SceneVideoJob{update})
	p.dispatch(epoch)
}

func (p *Pipeline) failLocked(job *types.SceneVideoJob, err error) {
	job.Status = types.JobFailed
	job.NextAttemptAt = nil
	job.Message = ""
	if types.IsRateLimit(err) {
		job.Error = fmt.Sprintf("rate limit retries exhausted (%d/%d): %s", job.RetryCount, p.opts.Retry.MaxRetries, err)
	} else {
		job.Error = err.Error()
	}
	p.opts.Logger.Error("scene video failed", "scene_index", job.SceneIndex, "error", job.Error)
}

func (p *Pipeline) startPollingLocked(epoch uint64) {
	if p.polling {
		return
	}
	p.polling = true
	p.scheduleLocked(epoch, p.opts.PollInterval, func() { p.poll(epoch) })
}

type pollTarget struct {
	index   int
	videoID string
}

type pollResult struct {
	pollTarget
	status *types.VideoStatus
	err    error
}

func (p *Pipeline) poll(epoch uint64) {
	p.mu.Lock()
	if epoch != p.epoch {
		p.mu.Unlock()
		return
	}
	var targets []pollTarget
	for _, j := range p.jobs {
		if j.Status == types.JobQueued || j.Status == types.JobGenerating {
			targets = append(targets, pollTarget{index: j.SceneIndex, videoID: j.VideoID})
		}
	}
	if len(targets) == 0 {
		p.polling = false
		p.mu.Unlock()
		return
	}
	ctx, slots := p.ctx, p.slots
	p.mu.Unlock()

	results := make([]pollResult, 0, len(targets))
	for _, tg := range targets {
		st, err := p.gen.CheckVideoStatus(ctx, tg.videoID)
		if err == nil && st == nil {
			err = &types.ProviderError{Op: "check video status", Message: "empty status response"}
		}
		results = append(results, pollResult{pollTarget: tg, status: st, err: err})
	}

	p.mu.Lock()
	if epoch != p.epoch {
		p.mu.Unlock()
		return
	}
	now := time.Now()
	var updates []types.SceneVideoJob
	for _, r := range results {
		job := p.jobByIndexLocked(r.index)
		if job == nil || job.VideoID != r.videoID || job.Status.Terminal() {
			continue
		}
		job.UpdatedAt = now
		if r.err != nil {
			p.failLocked(job, r.err)
			slots.Release(1)
			p.scheduleLocked(epoch, 0, func() { p.dispatch(epoch) })
			updates = append(updates, *job)
			continue
		}
		job.Progress = clampProgress(r.status.Progress)
		switch normalizeStatus(r.status.Status) {
		case types.JobCompleted:
			job.Status = types.JobCompleted
			job.Progress = 100
			job.VideoURL = r.status.VideoURL
			job.Error = ""
			slots.Release(1)
			p.scheduleLocked(epoch, p.opts.SettleDelay, func() { p.dispatch(epoch) })
			p.opts.Logger.Info("scene video completed", "scene_index", job.SceneIndex, "video_id", job.VideoID)
		case types.JobFailed:
			job.Status = types.JobFailed
			job.Error = r.status.Error
			if job.Error == "" {
				job.Error = "video generation failed"
			}
			slots.Release(1)
			p.scheduleLocked(epoch, p.opts.SettleDelay, func() { p.dispatch(epoch) })
			p.opts.Logger.Error("scene video failed", "scene_index", job.SceneIndex, "error", job.Error)
		case types.JobQueued:
			job.Status = types.JobQueued
		default:
			job.Status = types.JobGenerating
		}
		updates = append(updates, *job)
	}

	p.polling = false
	for _, j := range p.jobs {
		if j.Status == types.JobQueued || j.Status == types.JobGenerating {
			p.startPollingLocked(epoch)
			break
		}
	}
	p.mu.Unlock()

	p.emit(updates)
}

// finishIfIdleLocked ends the run when nothing is pending, submitting or active.
func (p *Pipeline) finishIfIdleLocked() bool {
	if !p.running || len(p.submitting) > 0 {
		return false
	}
	for _, j := range p.jobs {
		if !j.Status.Terminal() {
			return false
		}
	}
	p.running = false
	p.polling = false
	if p.cancel != nil {
		p.cancel()
		p.cancel = nil
	}
	close(p.done)
	return true
}

func (p *Pipeline) nextPendingLocked() *types.SceneVideoJob {
	for _, j := range p.jobs {
		if j.Status == types.JobPending && !p.submitting[j.SceneIndex] {
			return j
		}
	}
	return nil
}

func (p *Pipeline) jobByIndexLocked(sceneIndex int) *types.SceneVideoJob {
	for _, j := range p.jobs {
		if j.SceneIndex == sceneIndex {
			return j
		}
	}
	return nil
}

func (p *Pipeline) copyJobsLocked() []types.SceneVideoJob {
	out := make([]types.SceneVideoJob, len(p.jobs))
	for i, j := range p.jobs {
		out[i] = *j
	}
	return out
}

func (p *Pipeline) emit(updates []types.SceneVideoJob) {
	if p.opts.OnUpdate == nil {
		return
	}
	for _, u := range updates {
		p.opts.OnUpdate(u)
	}
}

func normalizeStatus(s string) types.JobStatus {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "completed", "complete", "succeeded", "success", "done":
		return types.JobCompleted
	case "failed", "error", "cancelled", "canceled":
		return types.JobFailed
	case "queued", "pending", "submitted":
		return types.JobQueued
	default:
		return types.JobGenerating
	}
}

func clampProgress(n int) int {
	if n < 0 {
		return 0
	}
	if n > 100 {
		return 100
	}
	return n
}
