package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/me/cycleflow/internal/scheduler"
	"github.com/me/cycleflow/pkg/model"
)

// requestID generates a unique request identifier.
func requestID() string {
	return "req_" + uuid.New().String()[:8]
}

// respondOK writes a success response with the standard envelope.
func respondOK(w http.ResponseWriter, reqID string, data any) {
	respondJSON(w, http.StatusOK, reqID, data, nil)
}

// respondError writes an error response with the standard envelope.
func respondError(w http.ResponseWriter, reqID string, status int, apiErr *model.APIError) {
	respondJSON(w, status, reqID, nil, apiErr)
}

func respondJSON(w http.ResponseWriter, status int, reqID string, data any, apiErr *model.APIError) {
	resp := model.Response{
		RequestID: reqID,
		Timestamp: time.Now().UTC(),
		Data:      data,
		Error:     apiErr,
	}
	if apiErr != nil {
		resp.Status = "error"
	} else {
		resp.Status = "ok"
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(resp)
}

// respondCommandError maps a scheduler error onto a status and error code.
func respondCommandError(w http.ResponseWriter, reqID string, err error) {
	var (
		rejected  *model.CommandRejectedError
		conflict  *model.BroadcastConflictError
		malformed *model.MalformedCyclePointError
	)
	switch {
	case errors.As(err, &rejected):
		respondError(w, reqID, http.StatusConflict, &model.APIError{Code: model.ErrRejected, Message: err.Error()})
	case errors.As(err, &conflict), errors.As(err, &malformed):
		respondError(w, reqID, http.StatusBadRequest, model.NewValidationError(err.Error()))
	case errors.Is(err, scheduler.ErrNotRunning):
		respondError(w, reqID, http.StatusServiceUnavailable, &model.APIError{Code: model.ErrUnavailable, Message: err.Error()})
	case errors.Is(err, context.DeadlineExceeded):
		respondError(w, reqID, http.StatusGatewayTimeout, &model.APIError{Code: model.ErrUnavailable, Message: "scheduler did not respond in time"})
	default:
		respondError(w, reqID, http.StatusInternalServerError, &model.APIError{Code: model.ErrInternal, Message: err.Error()})
	}
}

// decodeBody reads a JSON request body into v. An empty body leaves v
// untouched.
func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	if r.Body == nil {
		return true
	}
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil && !errors.Is(err, io.EOF) {
		respondError(w, RequestIDFromContext(r.Context()), http.StatusBadRequest,
			model.NewValidationError("invalid JSON: "+err.Error()))
		return false
	}
	return true
}
