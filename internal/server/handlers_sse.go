package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/user/translateq/internal/job"
)

// handleJobEvents streams job snapshots as Server-Sent Events until the job
// reaches a terminal state or the client goes away.
func (s *Server) handleJobEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported", "SSE_UNSUPPORTED")
		return
	}

	id := chi.URLParam(r, "id")
	// Subscribe before reading the current state so no transition is missed.
	updates, stop, watchErr := s.queue.Watch(id)
	snap, err := s.queue.GetStatus(id)
	if err != nil {
		if watchErr == nil {
			stop()
		}
		writeQueueError(w, err)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	seq := 0
	var last job.Status
	send := func(snap job.Snapshot) {
		last = snap.Status
		data, err := json.Marshal(snap)
		if err != nil {
			return
		}
		seq++
		_, _ = fmt.Fprintf(w, "id: %d\nevent: %s\ndata: %s\n\n", seq, snap.Status, data)
		flusher.Flush()
	}

	send(snap)
	if watchErr != nil || snap.Status.Terminal() {
		if watchErr == nil {
			stop()
		}
		return
	}
	defer stop()

	keepalive := time.NewTicker(s.config.SSEKeepalive)
	defer keepalive.Stop()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case <-keepalive.C:
			_, _ = fmt.Fprintf(w, ":keepalive\n\n")
			flusher.Flush()
		case snap, ok := <-updates:
			if !ok {
				// A dropped terminal update is recovered from the retained record.
				if !last.Terminal() {
					if final, err := s.queue.GetStatus(id); err == nil {
						send(final)
					}
				}
				return
			}
			send(snap)
		}
	}
}
