package server

import (
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
)

const (
	writeWait    = 10 * time.Second
	pollInterval = 500 * time.Millisecond
	streamLimit  = 30 * time.Minute
)

// handleJobStream pushes import-job progress frames over a WebSocket until
// the job reaches a terminal state. The UI subscribes here instead of polling
// the job endpoint during a large import.
func (s *Server) handleJobStream(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	upgrader := websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     s.checkOrigin,
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error().Err(err).Msg("Failed to upgrade connection")
		return
	}
	defer conn.Close()

	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	deadline := time.Now().Add(streamLimit)

	var lastUpdated time.Time
	for {
		job, err := s.store.GetJob(r.Context(), id)
		if err != nil {
			s.logger.Error().Err(err).Str("job", id).Msg("Job stream read failed")
			return
		}
		if job == nil {
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			_ = conn.WriteJSON(map[string]string{"error": "job not found"})
			return
		}

		if job.UpdatedAt.After(lastUpdated) {
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(job); err != nil {
				s.logger.Warn().Err(err).Str("job", id).Msg("Job stream write failed")
				return
			}
			lastUpdated = job.UpdatedAt
		}

		if job.Status.Terminal() {
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			_ = conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, string(job.Status)))
			return
		}
		if time.Now().After(deadline) {
			s.logger.Warn().Str("job", id).Msg("Job stream exceeded time limit")
			return
		}

		select {
		case <-ticker.C:
		case <-r.Context().Done():
			return
		}
	}
}

// checkOrigin validates the request's Origin against the configured
// allowlist. Same-origin requests carry no Origin header and pass.
func (s *Server) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, allowed := range s.cfg.Server.AllowedOrigins {
		if origin == allowed {
			return true
		}
	}
	s.logger.Warn().Str("origin", origin).Msg("Rejected WebSocket connection: origin not in allowlist")
	return false
}
