package httpserver

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

const sseHeartbeatInterval = 15 * time.Second

// handleStream exposes the event hub over Server-Sent Events: one frame per
// published stream-start/stream-complete/stream-error event, plus a
// periodic comment-only heartbeat to keep idle connections alive through
// proxies.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		RespondError(w, r, http.StatusInternalServerError, "internal", "streaming unsupported")
		return
	}

	sub := s.hub.Subscribe()
	defer s.hub.Unsubscribe(sub)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	heartbeat := time.NewTicker(sseHeartbeatInterval)
	defer heartbeat.Stop()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case <-heartbeat.C:
			fmt.Fprint(w, ": heartbeat\n\n")
			flusher.Flush()
		case evt, ok := <-sub.C:
			if !ok {
				return
			}
			if lagged := sub.Lagged(); lagged > 0 {
				s.Logger.Warn("sse subscriber lagged, events dropped", "dropped", lagged)
			}
			payload, err := json.Marshal(evt.Payload)
			if err != nil {
				s.Logger.Error("marshaling sse event payload", "error", err)
				continue
			}
			fmt.Fprintf(w, "id: %s\nevent: %s\ndata: %s\n\n", evt.ID, evt.Event, payload)
			flusher.Flush()
		}
	}
}
