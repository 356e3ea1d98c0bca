package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/jo-hoe/subtitler/internal/jobs"
)

// stateWaiting is the synthetic state pushed while the job record is not yet
// visible to the status socket.
const stateWaiting = "waiting"

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// The API is CORS-open; the socket follows suit.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// handleEvents serves the push status protocol: a websocket that immediately
// reports the current state, then pushes a frame on every observed
// (state, step, message) change, ending with exactly one terminal frame
// before a clean close. A client disconnect stops the poller and nothing
// else; it is never treated as cancellation.
func (svc *Service) handleEvents(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the error response.
		svc.Log.Debug("websocket upgrade failed", "job_id", id, "err", err)
		return
	}
	defer func() { _ = conn.Close() }()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	// Reader goroutine: we never expect client frames, but reading is how a
	// closed peer is detected.
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(svc.Cfg.Server.PushInterval)
	defer ticker.Stop()

	var lastState, lastMessage string
	var lastStep int
	first := true
	for {
		view, err := svc.statusView(ctx, id)
		if err != nil {
			svc.Log.Warn("status socket read", "job_id", id, "err", err)
			return
		}
		changed := first || view.State != lastState || view.Step != lastStep || view.Message != lastMessage
		if changed {
			if err := conn.WriteJSON(view); err != nil {
				return
			}
			first = false
			lastState, lastStep, lastMessage = view.State, view.Step, view.Message
			if terminal(view.State) {
				_ = conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, "job finished"))
				return
			}
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// statusView reads the minimal change-detection view. An unknown id is the
// waiting sub-state, not an error: the socket may be opened before the job
// row is visible.
func (svc *Service) statusView(ctx context.Context, id string) (*statusResponse, error) {
	job, err := svc.Store.GetJob(ctx, id)
	if err != nil {
		if errors.Is(err, jobs.ErrNotFound) {
			return &statusResponse{JobID: id, State: stateWaiting}, nil
		}
		return nil, err
	}
	v := jobToStatus(job)
	return &v, nil
}

func terminal(state string) bool {
	return jobs.State(state).IsTerminal()
}
