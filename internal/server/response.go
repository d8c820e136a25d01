package server

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/opencode-ai/codexhost/internal/codex"
	"github.com/opencode-ai/codexhost/internal/event"
	"github.com/opencode-ai/codexhost/internal/logging"
	"github.com/opencode-ai/codexhost/internal/permission"
	"github.com/opencode-ai/codexhost/internal/session"
	"github.com/opencode-ai/codexhost/internal/storage"
)

// ErrorResponse represents an API error response.
type ErrorResponse struct {
	Error ErrorDetail `json:"error"`
}

// ErrorDetail contains error details.
type ErrorDetail struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}

// Error codes
const (
	ErrCodeInvalidRequest = "INVALID_REQUEST"
	ErrCodeNotFound       = "NOT_FOUND"
	ErrCodeBackendError   = "BACKEND_ERROR"
	ErrCodeUnavailable    = "UNAVAILABLE"
	ErrCodeInternalError  = "INTERNAL_ERROR"
)

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		logging.Debug().Err(err).Msg("write response")
	}
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, ErrorResponse{Error: ErrorDetail{Code: code, Message: message}})
}

// writeServiceError maps an error from the session service or the app-server
// onto a status and error code.
func writeServiceError(w http.ResponseWriter, err error) {
	status, code := classify(err)
	detail := ErrorDetail{Code: code, Message: err.Error()}

	var rpcErr *codex.RPCError
	var exitErr *codex.ExitError
	switch {
	case errors.As(err, &rpcErr) && rpcErr.Code != 0:
		detail.Details = map[string]any{"rpcCode": rpcErr.Code}
	case errors.As(err, &exitErr):
		detail.Details = map[string]any{"exitCode": exitErr.Code}
	}
	writeJSON(w, status, ErrorResponse{Error: detail})
}

func classify(err error) (int, string) {
	var invalid permission.ErrInvalidResponse
	var rpcErr *codex.RPCError
	switch {
	case errors.As(err, &invalid), errors.Is(err, storage.ErrInvalidKey):
		return http.StatusBadRequest, ErrCodeInvalidRequest
	case errors.Is(err, storage.ErrNotFound), errors.Is(err, permission.ErrRequestNotFound):
		return http.StatusNotFound, ErrCodeNotFound
	case errors.Is(err, session.ErrShutdown), errors.Is(err, codex.ErrClosed), errors.Is(err, event.ErrClosed):
		return http.StatusServiceUnavailable, ErrCodeUnavailable
	case errors.As(err, &rpcErr), errors.Is(err, codex.ErrProcessExited):
		return http.StatusBadGateway, ErrCodeBackendError
	default:
		return http.StatusInternalServerError, ErrCodeInternalError
	}
}

// writeSuccess writes `true`.
func writeSuccess(w http.ResponseWriter) {
	writeJSON(w, http.StatusOK, true)
}
