package server

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/opencode-ai/codexhost/internal/storage"
)

// setupRoutes configures all API routes.
func (s *Server) setupRoutes() {
	r := s.router

	r.Route("/session/{sessionID}", func(r chi.Router) {
		r.Use(validIDs("sessionID"))
		r.Get("/message", s.listMessages)
		r.Post("/message", s.sendMessage)
		r.With(validIDs("messageID")).Get("/message/{messageID}", s.getMessage)
		r.Post("/abort", s.abortSession)
		r.Get("/status", s.sessionStatus)

		r.Get("/permissions", s.listPermissions)
		r.Post("/permissions/{permissionID}", s.respondPermission)
	})

	r.Get("/permissions", s.listPermissions)

	// Event streaming (SSE)
	r.Get("/event", s.events)

	r.Get("/model", s.listModels)

	r.Route("/auth", func(r chi.Router) {
		r.Get("/", s.getAccount)
		r.Post("/login", s.startLogin)
		r.Post("/login/{loginID}/cancel", s.cancelLogin)
		r.Post("/logout", s.logout)
	})
}

// validIDs rejects requests whose named URL params cannot name a file in
// storage.
func validIDs(params ...string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			for _, name := range params {
				if !storage.ValidSegment(chi.URLParam(r, name)) {
					writeError(w, http.StatusBadRequest, ErrCodeInvalidRequest, "invalid "+name)
					return
				}
			}
			next.ServeHTTP(w, r)
		})
	}
}
