package server

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/opencode-ai/codexhost/internal/logging"
	"github.com/opencode-ai/codexhost/internal/permission"
	"github.com/opencode-ai/codexhost/internal/session"
	"github.com/opencode-ai/codexhost/pkg/types"
)

// SendMessageRequest is the body of POST /session/{sessionID}/message.
type SendMessageRequest struct {
	Text         string  `json:"text"`
	Model        string  `json:"model,omitempty"`
	Effort       string  `json:"effort,omitempty"`
	Instructions *string `json:"instructions,omitempty"`
}

// MessageResponse is a message with its parts.
type MessageResponse struct {
	Info  *types.Message `json:"info"`
	Parts []types.Part   `json:"parts"`
}

// PermissionResponseRequest is the body of POST /session/{sessionID}/permissions/{permissionID}.
type PermissionResponseRequest struct {
	Response permission.Response `json:"response"`
}

// SessionStatusResponse reports whether a session is running a turn.
type SessionStatusResponse struct {
	SessionID string `json:"sessionID"`
	Status    string `json:"status"`
}

// sendMessage runs one turn and responds when it ends. Closing the request
// interrupts the turn.
func (s *Server) sendMessage(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")

	var req SendMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, ErrCodeInvalidRequest, "invalid request body")
		return
	}
	if req.Text == "" {
		writeError(w, http.StatusBadRequest, ErrCodeInvalidRequest, "text is required")
		return
	}

	msg, parts, err := s.service.Prompt(r.Context(), sessionID, session.PromptInput{
		Text:         req.Text,
		Model:        req.Model,
		Effort:       req.Effort,
		Instructions: req.Instructions,
	})
	if msg == nil {
		// Nothing to write when the client went away while waiting for the session.
		if r.Context().Err() == nil || errors.Is(err, session.ErrShutdown) {
			writeServiceError(w, err)
		}
		return
	}
	if err != nil {
		logging.Debug().Err(err).Str("sessionID", sessionID).Str("messageID", msg.ID).Msg("turn failed")
	}
	if parts == nil {
		parts = []types.Part{}
	}
	writeJSON(w, http.StatusOK, MessageResponse{Info: msg, Parts: parts})
}

func (s *Server) listMessages(w http.ResponseWriter, r *http.Request) {
	msgs, err := s.service.Messages(r.Context(), chi.URLParam(r, "sessionID"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	if msgs == nil {
		msgs = []*types.Message{}
	}
	writeJSON(w, http.StatusOK, msgs)
}

func (s *Server) getMessage(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")
	messageID := chi.URLParam(r, "messageID")

	msg, err := s.service.Message(r.Context(), sessionID, messageID)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	parts, err := s.service.Parts(r.Context(), sessionID, messageID)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	if parts == nil {
		parts = []types.Part{}
	}
	writeJSON(w, http.StatusOK, MessageResponse{Info: msg, Parts: parts})
}

func (s *Server) abortSession(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.service.Abort(chi.URLParam(r, "sessionID")))
}

func (s *Server) sessionStatus(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")
	status := types.SessionStatusIdle
	if s.service.IsProcessing(sessionID) {
		status = types.SessionStatusBusy
	}
	writeJSON(w, http.StatusOK, SessionStatusResponse{SessionID: sessionID, Status: status})
}

// listPermissions lists pending approvals, for one session when routed
// under /session/{sessionID}.
func (s *Server) listPermissions(w http.ResponseWriter, r *http.Request) {
	pending := s.service.PendingPermissions(chi.URLParam(r, "sessionID"))
	if pending == nil {
		pending = []permission.Request{}
	}
	writeJSON(w, http.StatusOK, pending)
}

func (s *Server) respondPermission(w http.ResponseWriter, r *http.Request) {
	var req PermissionResponseRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, ErrCodeInvalidRequest, "invalid request body")
		return
	}

	err := s.service.RespondPermission(chi.URLParam(r, "sessionID"), chi.URLParam(r, "permissionID"), req.Response)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeSuccess(w)
}
