package server

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/opencode-ai/codexhost/internal/codex"
	"github.com/opencode-ai/codexhost/internal/logging"
)

func (s *Server) listModels(w http.ResponseWriter, r *http.Request) {
	models, err := s.service.Models(r.Context())
	if err != nil {
		writeServiceError(w, err)
		return
	}
	if models == nil {
		models = []codex.Model{}
	}
	writeJSON(w, http.StatusOK, models)
}

func (s *Server) getAccount(w http.ResponseWriter, r *http.Request) {
	account, err := s.service.Account(r.Context())
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, account)
}

// startLogin begins a login and watches it in the background. The outcome is
// published as an account.login.completed event.
func (s *Server) startLogin(w http.ResponseWriter, r *http.Request) {
	var params codex.LoginParams
	if err := json.NewDecoder(r.Body).Decode(&params); err != nil {
		writeError(w, http.StatusBadRequest, ErrCodeInvalidRequest, "invalid request body")
		return
	}
	if params.Type == "" {
		writeError(w, http.StatusBadRequest, ErrCodeInvalidRequest, "type is required")
		return
	}

	flow, err := s.service.Login(r.Context(), params)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	if flow.LoginID != "" {
		ctx, cancel := context.WithTimeout(context.Background(), s.config.LoginTimeout)
		s.mu.Lock()
		s.logins[flow.LoginID] = &watchedLogin{flow: flow, cancel: cancel}
		s.mu.Unlock()

		go func() {
			defer cancel()
			if err := flow.Wait(ctx); err != nil {
				logging.Debug().Err(err).Str("loginID", flow.LoginID).Msg("login not completed")
			}
			s.mu.Lock()
			delete(s.logins, flow.LoginID)
			s.mu.Unlock()
		}()
	}

	writeJSON(w, http.StatusOK, flow.LoginResult)
}

func (s *Server) cancelLogin(w http.ResponseWriter, r *http.Request) {
	loginID := chi.URLParam(r, "loginID")

	s.mu.Lock()
	l, ok := s.logins[loginID]
	delete(s.logins, loginID)
	s.mu.Unlock()
	if !ok {
		writeError(w, http.StatusNotFound, ErrCodeNotFound, "login not found")
		return
	}

	l.cancel()
	if err := l.flow.Cancel(r.Context()); err != nil {
		writeServiceError(w, err)
		return
	}
	writeSuccess(w)
}

func (s *Server) logout(w http.ResponseWriter, r *http.Request) {
	if err := s.service.Logout(r.Context()); err != nil {
		writeServiceError(w, err)
		return
	}
	writeSuccess(w)
}
