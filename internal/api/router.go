package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func NewRouter(apiHandler *APIHandler) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.Logger)       // Basic request logging
	r.Use(middleware.Recoverer)    // Recover from panics
	r.Use(middleware.StripSlashes) // Ensure consistent path handling

	r.Handle("/metrics", promhttp.Handler())

	// All API routes will be under /api
	r.Route("/api", func(r chi.Router) {
		// Public routes
		r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusOK)
			w.Write([]byte(`{"status":"ok"}`))
		})

		// User-authenticated routes
		r.Group(func(r chi.Router) {
			r.Use(apiHandler.JWTAuthMiddleware)

			// Relay routes
			r.Post("/chat/stream", apiHandler.ChatStreamHandler)
			r.Post("/chat", apiHandler.ChatHandler)

			// Conversation log routes
			r.Get("/messages", apiHandler.ListMessagesHandler)
			r.Post("/messages", apiHandler.PostMessageHandler)
			r.Get("/messages/live", apiHandler.LiveMessagesHandler)
		})
	})

	return r
}
