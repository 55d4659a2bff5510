package api

import (
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/user/storyforge/internal/types"
)

const (
	writeWait     = 10 * time.Second
	pongWait      = 60 * time.Second
	pingPeriod    = pongWait * 9 / 10
	subscriberBuf = 64
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// Hub fans scene-video job updates out to websocket subscribers of each
// session. Slow subscribers drop updates rather than block the pipeline.
type Hub struct {
	mu     sync.Mutex
	subs   map[types.SessionID]map[chan types.SceneVideoJob]struct{}
	closed bool
}

func NewHub() *Hub {
	return &Hub{subs: make(map[types.SessionID]map[chan types.SceneVideoJob]struct{})}
}

// Publish delivers job to every subscriber of session id.
func (h *Hub) Publish(id types.SessionID, job types.SceneVideoJob) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for ch := range h.subs[id] {
		select {
		case ch <- job:
		default:
		}
	}
}

// subscribe registers a subscriber; the returned func unregisters it and
// closes the channel.
func (h *Hub) subscribe(id types.SessionID) (<-chan types.SceneVideoJob, func()) {
	ch := make(chan types.SceneVideoJob, subscriberBuf)
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		close(ch)
		return ch, func() {}
	}
	if h.subs[id] == nil {
		h.subs[id] = make(map[chan types.SceneVideoJob]struct{})
	}
	h.subs[id][ch] = struct{}{}

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			h.mu.Lock()
			defer h.mu.Unlock()
			if _, ok := h.subs[id][ch]; ok {
				delete(h.subs[id], ch)
				if len(h.subs[id]) == 0 {
					delete(h.subs, id)
				}
				close(ch)
			}
		})
	}
}

// Subscribers returns the number of subscribers of session id.
func (h *Hub) Subscribers(id types.SessionID) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs[id])
}

// Close disconnects every subscriber.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	for id, set := range h.subs {
		for ch := range set {
			close(ch)
		}
		delete(h.subs, id)
	}
}

type streamMessage struct {
	Type     string                `json:"type"`
	Jobs     []types.SceneVideoJob `json:"jobs,omitempty"`
	Job      *types.SceneVideoJob  `json:"job,omitempty"`
	Progress float64               `json:"progress"`
}

// videoStream upgrades to a websocket, sends the current jobs and then every
// job change until the client disconnects.
func (s *Server) videoStream(c *gin.Context) {
	sess, ok := s.session(c)
	if !ok {
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	updates, unsubscribe := s.hub.subscribe(sess.ID())
	defer unsubscribe()

	// The read loop only handles control frames; it ends when the peer goes away.
	done := make(chan struct{})
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	write := func(msg streamMessage) bool {
		conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := conn.WriteJSON(msg); err != nil {
			s.logger.Debug("websocket write failed", "session_id", string(sess.ID()), "error", err)
			return false
		}
		return true
	}

	if !write(streamMessage{Type: "snapshot", Jobs: sess.VideoJobs(), Progress: sess.VideoProgress()}) {
		return
	}

	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case job, ok := <-updates:
			if !ok {
				conn.SetWriteDeadline(time.Now().Add(writeWait))
				conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"))
				return
			}
			if !write(streamMessage{Type: "job", Job: &job, Progress: sess.VideoProgress()}) {
				return
			}
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-done:
			return
		}
	}
}
