package notify

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"storytime/internal/domain"
)

const writeWait = 5 * time.Second

// Hub tracks live websocket listeners per job. Pushes are best effort: a
// slow or dead connection is dropped, never retried, and never blocks
// webhook delivery. After a terminal event the job's connections are closed.
type Hub struct {
	mu     sync.Mutex
	conns  map[string]map[*websocket.Conn]struct{}
	logger zerolog.Logger
}

// NewHub creates an empty hub.
func NewHub(logger zerolog.Logger) *Hub {
	return &Hub{conns: make(map[string]map[*websocket.Conn]struct{}), logger: logger}
}

// Subscribe attaches a connection to a job's event feed.
func (h *Hub) Subscribe(jobID string, conn *websocket.Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.conns[jobID] == nil {
		h.conns[jobID] = make(map[*websocket.Conn]struct{})
	}
	h.conns[jobID][conn] = struct{}{}
}

// Unsubscribe detaches a connection. The caller owns closing it.
func (h *Hub) Unsubscribe(jobID string, conn *websocket.Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if set, ok := h.conns[jobID]; ok {
		delete(set, conn)
		if len(set) == 0 {
			delete(h.conns, jobID)
		}
	}
}

// Broadcast pushes the event to every listener of its job. On a terminal
// stage the listeners are closed and forgotten afterwards.
func (h *Hub) Broadcast(event domain.TransitionEvent) {
	h.mu.Lock()
	set := h.conns[event.JobID]
	targets := make([]*websocket.Conn, 0, len(set))
	for conn := range set {
		targets = append(targets, conn)
	}
	if event.NewStage.IsTerminal() {
		delete(h.conns, event.JobID)
	}
	h.mu.Unlock()

	for _, conn := range targets {
		conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := conn.WriteJSON(event); err != nil {
			h.logger.Debug().Err(err).Str("job_id", event.JobID).Msg("websocket push dropped")
			h.Unsubscribe(event.JobID, conn)
			conn.Close()
			continue
		}
		if event.NewStage.IsTerminal() {
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, string(event.NewStage)))
			conn.Close()
		}
	}
}

// Listeners reports how many connections follow a job.
func (h *Hub) Listeners(jobID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.conns[jobID])
}
