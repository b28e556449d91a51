package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/me/cycleflow/internal/config"
	"github.com/me/cycleflow/pkg/model"
)

// handleEvents streams task state changes via Server-Sent Events. The first
// event is the current dump; the stream ends with "complete" when the
// scheduler stops.
// GET /api/v1/events?task=<pattern>
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())
	patterns := r.URL.Query()["task"]

	// Subscribe before the dump so no change falls between the two.
	events, cancel := s.scheduler.Subscribe(256)
	defer cancel()

	ctx, done := s.commandContext(r)
	dump, err := s.scheduler.Dump(ctx, patterns...)
	done()
	if err != nil {
		respondCommandError(w, reqID, err)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no") // Disable nginx buffering

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "SSE not supported", http.StatusInternalServerError)
		return
	}

	if err := sendSSEEvent(w, flusher, "init", dump); err != nil {
		s.logger.Debug("sse client disconnected", "error", err)
		return
	}

	ticker := time.NewTicker(s.heartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case ev, ok := <-events:
			if !ok {
				sendSSEEvent(w, flusher, "complete", model.CommandResult{OK: true, Message: "scheduler stopped"})
				return
			}
			if !matchesAny(patterns, ev.Task) {
				continue
			}
			if err := sendSSEEvent(w, flusher, "task", ev); err != nil {
				s.logger.Debug("sse client disconnected", "error", err)
				return
			}
		case <-ticker.C:
			fmt.Fprintf(w, ": heartbeat\n\n")
			flusher.Flush()
		}
	}
}

func sendSSEEvent(w http.ResponseWriter, flusher http.Flusher, event string, data any) error {
	jsonData, err := json.Marshal(data)
	if err != nil {
		return err
	}

	_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, jsonData)
	if err != nil {
		return err
	}

	flusher.Flush()
	return nil
}

func matchesAny(patterns []string, id model.TaskID) bool {
	if len(patterns) == 0 {
		return true
	}
	for _, p := range patterns {
		if config.MatchID(p, id) {
			return true
		}
	}
	return false
}
