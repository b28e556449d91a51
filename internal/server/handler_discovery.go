package server

import "net/http"

type endpointInfo struct {
	Path        string   `json:"path"`
	Methods     []string `json:"methods"`
	Description string   `json:"description"`
}

type discoveryResponse struct {
	Name        string         `json:"name"`
	Version     string         `json:"version"`
	Workflow    string         `json:"workflow"`
	Description string         `json:"description"`
	Endpoints   []endpointInfo `json:"endpoints"`
}

func (s *Server) handleDiscovery(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())
	respondOK(w, reqID, discoveryResponse{
		Name:        "cycleflow API",
		Version:     "v1",
		Workflow:    s.workflow,
		Description: "Command API of a running cycleflow scheduler",
		Endpoints: []endpointInfo{
			{"/api/v1/health", []string{"GET"}, "Server health and version"},
			{"/api/v1/dump", []string{"GET"}, "Task pool and scheduler state; ?task= filters by point/name glob"},
			{"/api/v1/events", []string{"GET"}, "Task state changes as Server-Sent Events"},
			{"/api/v1/metrics", []string{"GET"}, "Prometheus metrics"},
			{"/api/v1/broadcast", []string{"POST", "DELETE"}, "Set or clear runtime overrides by cycle point and namespace"},
			{"/api/v1/hold", []string{"POST"}, "Hold tasks, or every task after a cycle point"},
			{"/api/v1/release", []string{"POST"}, "Release held tasks, or clear the hold point"},
			{"/api/v1/pause", []string{"POST"}, "Stop submitting jobs"},
			{"/api/v1/resume", []string{"POST"}, "Resume job submission"},
			{"/api/v1/stop", []string{"POST"}, "Stop now, after active jobs, or after a point, task or clock time"},
			{"/api/v1/trigger", []string{"POST"}, "Run tasks regardless of prerequisites"},
			{"/api/v1/set", []string{"POST"}, "Mark task outputs as emitted"},
			{"/api/v1/kill", []string{"POST"}, "Kill active jobs and hold their tasks"},
			{"/api/v1/remove", []string{"POST"}, "Remove tasks from the pool"},
			{"/api/v1/checkpoint", []string{"POST"}, "Take a named checkpoint"},
		},
	})
}
