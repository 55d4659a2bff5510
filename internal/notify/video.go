package notify

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/user/storyforge/internal/types"
)

// VideoMessage renders a job change as a user-facing message. Progress-only
// updates and cancellations render as "".
func VideoMessage(id types.SessionID, job types.SceneVideoJob) string {
	scene := job.SceneIndex + 1
	switch job.Status {
	case types.JobRetryScheduled:
		return fmt.Sprintf("Session %s, scene %d: %s", id, scene, job.Message)
	case types.JobFailed:
		return fmt.Sprintf("Session %s, scene %d failed: %s", id, scene, job.Error)
	case types.JobCompleted:
		return fmt.Sprintf("Session %s, scene %d video ready: %s", id, scene, job.VideoURL)
	}
	return ""
}

// videoQueueSize bounds the updates waiting for delivery.
const videoQueueSize = 64

type videoUpdate struct {
	id  types.SessionID
	msg string
}

// VideoNotifier delivers retry countdowns, failures and completions to a
// target from a single background goroutine. Updates arriving while the
// queue is full are dropped with a warning.
type VideoNotifier struct {
	reg    *Registry
	target string
	logger *slog.Logger

	queue chan videoUpdate
	done  chan struct{}

	mu     sync.RWMutex
	closed bool
}

// NewVideoNotifier starts the delivery goroutine. Call Close to drain and stop it.
func NewVideoNotifier(r *Registry, target string, logger *slog.Logger) *VideoNotifier {
	if logger == nil {
		logger = slog.Default()
	}
	n := &VideoNotifier{
		reg:    r,
		target: target,
		logger: logger,
		queue:  make(chan videoUpdate, videoQueueSize),
		done:   make(chan struct{}),
	}
	go n.run()
	return n
}

// Handle queues the message for job, if it has one. It never blocks.
func (n *VideoNotifier) Handle(id types.SessionID, job types.SceneVideoJob) {
	msg := VideoMessage(id, job)
	if msg == "" {
		return
	}
	n.mu.RLock()
	defer n.mu.RUnlock()
	if n.closed {
		return
	}
	select {
	case n.queue <- videoUpdate{id: id, msg: msg}:
	default:
		n.logger.Warn("notify queue full, dropping video update", "session_id", string(id), "target", n.target)
	}
}

// Close stops accepting updates and waits for queued ones to be sent.
func (n *VideoNotifier) Close() {
	n.mu.Lock()
	if !n.closed {
		n.closed = true
		close(n.queue)
	}
	n.mu.Unlock()
	<-n.done
}

func (n *VideoNotifier) run() {
	defer close(n.done)
	for u := range n.queue {
		if err := n.reg.Send(n.target, u.msg); err != nil {
			n.logger.Warn("notify video update failed", "session_id", string(u.id), "target", n.target, "error", err)
		}
	}
}
