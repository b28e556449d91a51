package server

import (
	"context"
	"fmt"
	"net/http"
	"sort"
	"strings"

	"github.com/me/cycleflow/internal/broadcast"
	"github.com/me/cycleflow/pkg/model"
)

// commandContext bounds a request's wait for the scheduler loop.
func (s *Server) commandContext(r *http.Request) (context.Context, context.CancelFunc) {
	return context.WithTimeout(r.Context(), s.commandTimeout)
}

func requireTasks(w http.ResponseWriter, reqID string, tasks []string) bool {
	if len(tasks) == 0 {
		respondError(w, reqID, http.StatusBadRequest, model.NewValidationError("no tasks given",
			model.FieldError{Field: "tasks", Message: "at least one point/name pattern is required"}))
		return false
	}
	return true
}

// GET /api/v1/dump?task=<pattern>
func (s *Server) handleDump(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())
	ctx, cancel := s.commandContext(r)
	defer cancel()

	d, err := s.scheduler.Dump(ctx, r.URL.Query()["task"]...)
	if err != nil {
		respondCommandError(w, reqID, err)
		return
	}
	respondOK(w, reqID, d)
}

// POST /api/v1/broadcast
func (s *Server) handleBroadcast(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())
	var req model.BroadcastRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if len(req.Settings) == 0 {
		respondError(w, reqID, http.StatusBadRequest, model.NewValidationError("no settings given",
			model.FieldError{Field: "settings", Message: "at least one setting is required"}))
		return
	}
	settings := make([]broadcast.Setting, 0, len(req.Settings))
	for k, v := range req.Settings {
		settings = append(settings, broadcast.Setting{Key: k, Value: v})
	}
	sort.Slice(settings, func(i, j int) bool { return settings[i].Key < settings[j].Key })

	ctx, cancel := s.commandContext(r)
	defer cancel()
	out, err := s.scheduler.Broadcast(ctx, req.Points, req.Namespaces, settings)
	if err != nil {
		respondCommandError(w, reqID, err)
		return
	}
	respondOK(w, reqID, out)
}

// DELETE /api/v1/broadcast
func (s *Server) handleClearBroadcast(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())
	var req model.BroadcastRequest
	if !decodeBody(w, r, &req) {
		return
	}
	ctx, cancel := s.commandContext(r)
	defer cancel()
	out, err := s.scheduler.ClearBroadcast(ctx, req.Points, req.Namespaces, req.Clear)
	if err != nil {
		respondCommandError(w, reqID, err)
		return
	}
	respondOK(w, reqID, out)
}

// POST /api/v1/hold
func (s *Server) handleHold(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())
	var req model.HoldRequest
	if !decodeBody(w, r, &req) {
		return
	}
	ctx, cancel := s.commandContext(r)
	defer cancel()

	if req.After != "" {
		if err := s.scheduler.HoldAfter(ctx, req.After); err != nil {
			respondCommandError(w, reqID, err)
			return
		}
		if len(req.Tasks) == 0 {
			respondOK(w, reqID, model.CommandResult{OK: true, Message: "hold point set to " + req.After})
			return
		}
	}
	if !requireTasks(w, reqID, req.Tasks) {
		return
	}
	n, err := s.scheduler.Hold(ctx, req.Tasks)
	if err != nil {
		respondCommandError(w, reqID, err)
		return
	}
	respondOK(w, reqID, model.CommandResult{OK: true, Count: n, Message: fmt.Sprintf("held %d task(s)", n)})
}

// POST /api/v1/release
func (s *Server) handleRelease(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())
	var req model.ReleaseRequest
	if !decodeBody(w, r, &req) {
		return
	}
	ctx, cancel := s.commandContext(r)
	defer cancel()

	if req.All {
		if err := s.scheduler.ReleaseHoldPoint(ctx); err != nil {
			respondCommandError(w, reqID, err)
			return
		}
		respondOK(w, reqID, model.CommandResult{OK: true, Message: "hold point cleared, all tasks released"})
		return
	}
	if !requireTasks(w, reqID, req.Tasks) {
		return
	}
	n, err := s.scheduler.Release(ctx, req.Tasks)
	if err != nil {
		respondCommandError(w, reqID, err)
		return
	}
	respondOK(w, reqID, model.CommandResult{OK: true, Count: n, Message: fmt.Sprintf("released %d task(s)", n)})
}

// POST /api/v1/pause
func (s *Server) handlePause(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())
	ctx, cancel := s.commandContext(r)
	defer cancel()
	if err := s.scheduler.Pause(ctx); err != nil {
		respondCommandError(w, reqID, err)
		return
	}
	respondOK(w, reqID, model.CommandResult{OK: true, Message: "paused"})
}

// POST /api/v1/resume
func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())
	ctx, cancel := s.commandContext(r)
	defer cancel()
	if err := s.scheduler.Resume(ctx); err != nil {
		respondCommandError(w, reqID, err)
		return
	}
	respondOK(w, reqID, model.CommandResult{OK: true, Message: "resumed"})
}

// POST /api/v1/stop
func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())
	var req model.StopRequestBody
	if !decodeBody(w, r, &req) {
		return
	}
	ctx, cancel := s.commandContext(r)
	defer cancel()
	if err := s.scheduler.RequestStop(ctx, req); err != nil {
		respondCommandError(w, reqID, err)
		return
	}

	var msg string
	switch {
	case req.Point != "":
		msg = "stopping after cycle point " + req.Point
	case req.Task != "":
		msg = "stopping after task " + req.Task
	case !req.ClockTime.IsZero():
		msg = "stopping at " + req.ClockTime.UTC().Format("2006-01-02T15:04:05Z")
	case req.Mode == "":
		msg = "stopping (" + string(model.StopRequest) + ")"
	default:
		msg = "stopping (" + string(req.Mode) + ")"
	}
	respondOK(w, reqID, model.CommandResult{OK: true, Message: msg})
}

// POST /api/v1/trigger
func (s *Server) handleTrigger(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())
	var req model.TriggerRequest
	if !decodeBody(w, r, &req) || !requireTasks(w, reqID, req.Tasks) {
		return
	}
	ctx, cancel := s.commandContext(r)
	defer cancel()
	ids, err := s.scheduler.Trigger(ctx, req.Tasks, req.Flow, req.Wait)
	if err != nil {
		respondCommandError(w, reqID, err)
		return
	}
	respondOK(w, reqID, model.CommandResult{OK: true, Matched: ids, Message: "triggered " + strings.Join(ids, ", ")})
}

// POST /api/v1/set
func (s *Server) handleSet(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())
	var req model.SetRequest
	if !decodeBody(w, r, &req) || !requireTasks(w, reqID, req.Tasks) {
		return
	}
	ctx, cancel := s.commandContext(r)
	defer cancel()
	ids, err := s.scheduler.SetOutputs(ctx, req.Tasks, req.Outputs, req.Flow)
	if err != nil {
		respondCommandError(w, reqID, err)
		return
	}
	respondOK(w, reqID, model.CommandResult{OK: true, Matched: ids})
}

// POST /api/v1/kill
func (s *Server) handleKill(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())
	var req model.TasksRequest
	if !decodeBody(w, r, &req) || !requireTasks(w, reqID, req.Tasks) {
		return
	}
	ctx, cancel := s.commandContext(r)
	defer cancel()
	ids, err := s.scheduler.Kill(ctx, req.Tasks)
	if err != nil {
		respondCommandError(w, reqID, err)
		return
	}
	respondOK(w, reqID, model.CommandResult{OK: true, Matched: ids})
}

// POST /api/v1/remove
func (s *Server) handleRemove(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())
	var req model.TasksRequest
	if !decodeBody(w, r, &req) || !requireTasks(w, reqID, req.Tasks) {
		return
	}
	ctx, cancel := s.commandContext(r)
	defer cancel()
	n, err := s.scheduler.Remove(ctx, req.Tasks)
	if err != nil {
		respondCommandError(w, reqID, err)
		return
	}
	respondOK(w, reqID, model.CommandResult{OK: true, Count: n, Message: fmt.Sprintf("removed %d task(s)", n)})
}

// POST /api/v1/checkpoint
func (s *Server) handleCheckpoint(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())
	var req model.CheckpointRequest
	if !decodeBody(w, r, &req) {
		return
	}
	ctx, cancel := s.commandContext(r)
	defer cancel()
	id, err := s.scheduler.TakeCheckpoint(ctx, req.Name)
	if err != nil {
		respondCommandError(w, reqID, err)
		return
	}
	respondOK(w, reqID, model.CommandResult{OK: true, Checkpoint: id, Message: fmt.Sprintf("checkpoint %d taken", id)})
}
