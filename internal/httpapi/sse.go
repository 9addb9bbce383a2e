package httpapi

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"invitebot/pkg/logx"
)

const (
	sseBuffer    = 64
	sseHeartbeat = 15 * time.Second
)

// handleEvents streams session events as server-sent events. The optional
// ?session= filter narrows the stream to one tenant; without it the
// client sees everything.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	flusher, canFlush := w.(http.Flusher)
	if !canFlush {
		fail(w, fmt.Errorf("streaming unsupported"))
		return
	}

	sessionKey := r.URL.Query().Get("session")
	events, unsubscribe := s.opts.Bus.Subscribe(sessionKey, sseBuffer)
	defer unsubscribe()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	s.log.Debug("event stream opened", logx.String("session", sessionKey))
	defer s.log.Debug("event stream closed", logx.String("session", sessionKey))

	heartbeat := time.NewTicker(sseHeartbeat)
	defer heartbeat.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-heartbeat.C:
			if _, err := fmt.Fprint(w, ": ping\n\n"); err != nil {
				return
			}
			flusher.Flush()
		case ev, open := <-events:
			if !open {
				return
			}
			payload, err := json.Marshal(map[string]any{
				"sessionId": ev.SessionKey,
				"time":      ev.Time,
				"data":      ev.Data,
			})
			if err != nil {
				continue
			}
			if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Type, payload); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}
