// Package api provides the HTTP request surface for songsync sessions.
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/ashureev/songsync/internal/domain"
)

// Error codes carried in the "code" field of error bodies.
const (
	CodeSessionNotFound     = "SESSION_NOT_FOUND"
	CodeVersionNotFound     = "VERSION_NOT_FOUND"
	CodeIllegalTransition   = "ILLEGAL_TRANSITION"
	CodeSessionClosed       = "SESSION_CLOSED"
	CodeInvalidProgress     = "INVALID_PROGRESS"
	CodeSessionNotCompleted = "SESSION_NOT_COMPLETED"
	CodeInvalidRequest      = "INVALID_REQUEST"
	CodeRateLimited         = "RATE_LIMITED"
	CodeUnavailable         = "SERVICE_UNAVAILABLE"
	CodeInternal            = "INTERNAL_ERROR"
)

// ErrorBody is the JSON shape of every error response.
type ErrorBody struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

// JSON writes a JSON response with the given status code.
func JSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"error": "failed to encode response"}`, http.StatusInternalServerError)
	}
}

// Error writes a JSON error response.
func Error(w http.ResponseWriter, status int, code, message string) {
	JSON(w, status, ErrorBody{Error: message, Code: code})
}

// DomainError maps a tracker error onto its HTTP status and code.
func DomainError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, domain.ErrSessionNotFound):
		Error(w, http.StatusNotFound, CodeSessionNotFound, err.Error())
	case errors.Is(err, domain.ErrVersionNotFound):
		Error(w, http.StatusNotFound, CodeVersionNotFound, err.Error())
	case errors.Is(err, domain.ErrResultNotReady):
		Error(w, http.StatusConflict, CodeSessionNotCompleted, err.Error())
	// Closed before illegal transition: a closed-session error matches both.
	case errors.Is(err, domain.ErrSessionClosed):
		Error(w, http.StatusConflict, CodeSessionClosed, err.Error())
	case errors.Is(err, domain.ErrIllegalTransition):
		Error(w, http.StatusConflict, CodeIllegalTransition, err.Error())
	case errors.Is(err, domain.ErrInvalidProgress):
		Error(w, http.StatusConflict, CodeInvalidProgress, err.Error())
	default:
		slog.Error("Request failed", "error", err)
		Error(w, http.StatusInternalServerError, CodeInternal, "internal error")
	}
}

// decodeJSON reads a JSON body of at most limit bytes into v.
func decodeJSON(w http.ResponseWriter, r *http.Request, limit int64, v any) error {
	r.Body = http.MaxBytesReader(w, r.Body, limit)
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(v); err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			return fmt.Errorf("request body exceeds %d bytes", maxErr.Limit)
		}
		return fmt.Errorf("invalid request body: %w", err)
	}
	return nil
}
