// Package api implements the HTTP surface of the orchestrator. It uses Chi
// as the router and exposes the job lifecycle, the per-job SSE event feed,
// artifact downloads and the skill catalog under a configurable prefix
// (default /api/v1).
package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/waaall/opencode-agent/internal/orchestrator"
	"github.com/waaall/opencode-agent/internal/repositories"
	"github.com/waaall/opencode-agent/internal/skills"
)

// envelope is the standard JSON response wrapper for all API responses.
// Successful responses wrap the payload in a "data" key; error responses
// use an "error" key with a human-readable message and a machine code.
//
// Success:  {"data": <payload>}
// Error:    {"error": {"message": "...", "code": "..."}}
type envelope map[string]any

// JSON writes a JSON-encoded response with the given status code.
// It sets Content-Type to application/json automatically.
func JSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

// Ok writes a 200 OK response with the payload wrapped in {"data": payload}.
func Ok(w http.ResponseWriter, payload any) {
	JSON(w, http.StatusOK, envelope{"data": payload})
}

// Created writes a 201 Created response with the payload wrapped in {"data": payload}.
func Created(w http.ResponseWriter, payload any) {
	JSON(w, http.StatusCreated, envelope{"data": payload})
}

// errorResponse is the shape of the "error" object in error responses.
type errorResponse struct {
	Message string `json:"message"`
	Code    string `json:"code,omitempty"`
}

// errJSON writes a JSON error response with the given status, message and
// machine-readable code (e.g. "not_found", "bad_request").
func errJSON(w http.ResponseWriter, status int, message, code string) {
	JSON(w, status, envelope{
		"error": errorResponse{
			Message: message,
			Code:    code,
		},
	})
}

// ErrBadRequest writes a 400 Bad Request error response.
func ErrBadRequest(w http.ResponseWriter, message string) {
	errJSON(w, http.StatusBadRequest, message, "bad_request")
}

// ErrNotFound writes a 404 Not Found error response.
func ErrNotFound(w http.ResponseWriter, message string) {
	if message == "" {
		message = "resource not found"
	}
	errJSON(w, http.StatusNotFound, message, "not_found")
}

// ErrConflict writes a 409 Conflict error response.
func ErrConflict(w http.ResponseWriter, message string) {
	errJSON(w, http.StatusConflict, message, "conflict")
}

// ErrUnavailable writes a 503 Service Unavailable error response.
func ErrUnavailable(w http.ResponseWriter, message string) {
	errJSON(w, http.StatusServiceUnavailable, message, "service_unavailable")
}

// ErrInternal writes a 500 Internal Server Error response.
// The internal error detail is intentionally not exposed to the client.
func ErrInternal(w http.ResponseWriter) {
	errJSON(w, http.StatusInternalServerError, "an internal error occurred", "internal_error")
}

// writeServiceError maps an orchestrator error to its HTTP status by kind:
// invalid argument 400, unknown resource 404, conflict 409, agent
// unavailable 503, everything else 500.
func writeServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, orchestrator.ErrInvalidArgument):
		ErrBadRequest(w, err.Error())
	case errors.Is(err, repositories.ErrNotFound), errors.Is(err, skills.ErrUnknownSkill):
		ErrNotFound(w, err.Error())
	case errors.Is(err, orchestrator.ErrConflict):
		ErrConflict(w, err.Error())
	case errors.Is(err, orchestrator.ErrAgentUnavailable):
		ErrUnavailable(w, err.Error())
	default:
		ErrInternal(w)
	}
}
