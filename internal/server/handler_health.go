package server

import (
	"net/http"
	"runtime"
	"time"
)

type healthResponse struct {
	Status    string `json:"status"`
	Version   string `json:"version"`
	GoVersion string `json:"go_version"`
	Workflow  string `json:"workflow"`
	Uptime    string `json:"uptime"`
	Scheduler string `json:"scheduler"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())
	state := "running"
	select {
	case <-s.scheduler.Done():
		state = "stopped"
	default:
	}
	respondOK(w, reqID, healthResponse{
		Status:    "healthy",
		Version:   Version,
		GoVersion: runtime.Version(),
		Workflow:  s.workflow,
		Uptime:    time.Since(s.startTime).Round(time.Second).String(),
		Scheduler: state,
	})
}
