package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opencode-ai/codexhost/internal/codex"
	"github.com/opencode-ai/codexhost/internal/event"
	"github.com/opencode-ai/codexhost/internal/permission"
	"github.com/opencode-ai/codexhost/internal/session"
	"github.com/opencode-ai/codexhost/internal/storage"
)

func TestWriteJSON(t *testing.T) {
	w := httptest.NewRecorder()
	writeJSON(w, http.StatusCreated, map[string]string{"id": "ses_1"})

	assert.Equal(t, http.StatusCreated, w.Code)
	assert.Equal(t, "application/json", w.Header().Get("Content-Type"))

	var body map[string]string
	require.NoError(t, json.NewDecoder(w.Body).Decode(&body))
	assert.Equal(t, "ses_1", body["id"])
}

func TestWriteSuccess(t *testing.T) {
	w := httptest.NewRecorder()
	writeSuccess(w)

	assert.Equal(t, http.StatusOK, w.Code)
	var ok bool
	require.NoError(t, json.NewDecoder(w.Body).Decode(&ok))
	assert.True(t, ok)
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		status int
		code   string
	}{
		{"invalid response", permission.ErrInvalidResponse{Response: "maybe"}, http.StatusBadRequest, ErrCodeInvalidRequest},
		{"invalid key", fmt.Errorf("read: %w", storage.ErrInvalidKey), http.StatusBadRequest, ErrCodeInvalidRequest},
		{"missing message", fmt.Errorf("read msg_1: %w", storage.ErrNotFound), http.StatusNotFound, ErrCodeNotFound},
		{"missing permission", permission.ErrRequestNotFound, http.StatusNotFound, ErrCodeNotFound},
		{"shutdown", session.ErrShutdown, http.StatusServiceUnavailable, ErrCodeUnavailable},
		{"closed transport", codex.ErrClosed, http.StatusServiceUnavailable, ErrCodeUnavailable},
		{"closed bus", event.ErrClosed, http.StatusServiceUnavailable, ErrCodeUnavailable},
		{"rpc error", &codex.RPCError{Code: -32600, Message: "bad"}, http.StatusBadGateway, ErrCodeBackendError},
		{"process exit", &codex.ExitError{Pid: 42, Code: 1}, http.StatusBadGateway, ErrCodeBackendError},
		{"other", errors.New("disk full"), http.StatusInternalServerError, ErrCodeInternalError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			status, code := classify(tt.err)
			assert.Equal(t, tt.status, status)
			assert.Equal(t, tt.code, code)
		})
	}
}

func TestWriteServiceErrorDetails(t *testing.T) {
	w := httptest.NewRecorder()
	writeServiceError(w, fmt.Errorf("model/list: %w", &codex.RPCError{Code: -32001, Message: "unauthorized"}))

	assert.Equal(t, http.StatusBadGateway, w.Code)
	var body ErrorResponse
	require.NoError(t, json.NewDecoder(w.Body).Decode(&body))
	assert.Equal(t, ErrCodeBackendError, body.Error.Code)
	assert.Contains(t, body.Error.Message, "unauthorized")
	assert.EqualValues(t, -32001, body.Error.Details["rpcCode"])

	w = httptest.NewRecorder()
	writeServiceError(w, &codex.ExitError{Pid: 7, Code: 2})
	require.NoError(t, json.NewDecoder(w.Body).Decode(&body))
	assert.EqualValues(t, 2, body.Error.Details["exitCode"])
}
