package handlers

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"storytime/internal/domain"
	"storytime/internal/middleware"
)

const (
	wsWriteWait     = 5 * time.Second
	wsSubscribeWait = 30 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Browsers cannot set an Authorization header on websockets; the token
	// query parameter already authenticated the caller.
	CheckOrigin: func(*http.Request) bool { return true },
}

type subscribeCommand struct {
	Type  string `json:"type"`
	JobID string `json:"job_id"`
}

// Events upgrades to a websocket. The client then names the job to follow
// with {"type":"subscribe","job_id":...} and receives transition payloads
// until the job reaches a terminal stage, after which the server hangs up.
func (a *App) Events(w http.ResponseWriter, r *http.Request) {
	ownerID := middleware.UserIDFromContext(r.Context())
	if ownerID == "" {
		a.error(w, http.StatusUnauthorized, "unauthorized", "missing user context")
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		a.Logger.Debug().Err(err).Msg("websocket upgrade")
		return
	}

	var cmd subscribeCommand
	conn.SetReadDeadline(time.Now().Add(wsSubscribeWait))
	if err := conn.ReadJSON(&cmd); err != nil || cmd.Type != "subscribe" || cmd.JobID == "" {
		closeConn(conn, websocket.ClosePolicyViolation, "expected a subscribe message")
		return
	}
	conn.SetReadDeadline(time.Time{})

	job, err := a.Registry.Get(r.Context(), cmd.JobID)
	if err != nil || job.OwnerID != ownerID {
		closeConn(conn, websocket.ClosePolicyViolation, "job not found")
		return
	}

	if job.IsTerminal() {
		// Nothing more will happen; replay the final state and hang up.
		replayTerminal(conn, job)
		return
	}

	a.Hub.Subscribe(job.ID, conn)

	// The terminal transition may have been broadcast between the lookup
	// and the subscribe; re-check so the subscriber is not left attached
	// to a job that will never emit again.
	if current, getErr := a.Registry.Get(r.Context(), job.ID); getErr == nil && current.IsTerminal() {
		a.Hub.Unsubscribe(job.ID, conn)
		replayTerminal(conn, current)
		return
	}

	// Drain client frames so pings and close handshakes are processed; the
	// hub owns all writes from here on.
	go func() {
		defer func() {
			a.Hub.Unsubscribe(job.ID, conn)
			conn.Close()
		}()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}

// replayTerminal pushes a finished job's final state as a transition payload
// and closes the connection.
func replayTerminal(conn *websocket.Conn, job *domain.Job) {
	event := domain.TransitionEvent{
		JobID:     job.ID,
		OwnerID:   job.OwnerID,
		NewStage:  job.Stage,
		Error:     job.Error,
		Timestamp: job.UpdatedAt,
	}
	if job.Stage == domain.StageCompleted {
		result := job.Result
		event.Result = &result
	}
	conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
	conn.WriteJSON(event)
	closeConn(conn, websocket.CloseNormalClosure, string(job.Stage))
}

func closeConn(conn *websocket.Conn, code int, reason string) {
	conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
	conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason))
	conn.Close()
}
