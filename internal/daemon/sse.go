package daemon

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/blah-code/daemon/internal/eventstore"
	"github.com/blah-code/daemon/internal/metrics"
)

const heartbeatInterval = 30 * time.Second

// handleEventStream serves the SSE protocol from spec: one snapshot event
// reflecting every prior event atomically with listener registration, then
// one update event per subsequently appended event, then a heartbeat every
// 30s until the client disconnects.
func (s *Server) handleEventStream(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	updates := make(chan eventstore.Event, 256)
	handle, snapshot, err := s.Store.SubscribeWithSnapshot(id, func(ev eventstore.Event) {
		select {
		case updates <- ev:
		default:
			metrics.RecordEventDrop(id)
		}
	})
	if err != nil {
		writeSSE(w, "error", map[string]string{"message": err.Error()})
		flusher.Flush()
		return
	}
	defer s.Store.Unsubscribe(id, handle)

	writeSSE(w, "snapshot", map[string]any{"events": snapshot})
	flusher.Flush()

	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case ev := <-updates:
			writeSSE(w, "update", map[string]any{"event": ev})
			flusher.Flush()
		case <-ticker.C:
			writeSSE(w, "heartbeat", map[string]any{"ts": time.Now().Unix()})
			flusher.Flush()
		case <-r.Context().Done():
			return
		}
	}
}

func writeSSE(w http.ResponseWriter, event string, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		return
	}
	fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, data)
}
