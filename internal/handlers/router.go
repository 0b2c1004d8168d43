package handlers

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
)

// NewRouter builds the HTTP API. Sessions must be set first.
func NewRouter() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)

	r.Get("/health", Health)

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(chimw.Logger)

		r.Get("/backends", ListBackends)

		r.Get("/sessions", ListSessions)
		r.Post("/sessions", CreateSession)
		r.Get("/sessions/{id}", GetSession)
		r.Delete("/sessions/{id}", DeleteSession)
		r.Post("/sessions/{id}/reopen", ReopenSession)
		r.Post("/sessions/{id}/run", RunCommand)
		r.Post("/sessions/{id}/cancel", CancelCommand)
		r.Get("/sessions/{id}/commands", ListCommands)
		r.Get("/sessions/{id}/events", StreamEvents)

		r.Get("/commands/{commandId}/transcript", GetTranscript)
		r.Get("/stored-sessions", ListStoredSessions)

		r.Get("/logs", GetServerLogs)
		r.Delete("/logs", ClearServerLogs)
	})

	return r
}
