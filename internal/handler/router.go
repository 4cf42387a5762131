package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"

	custommiddleware "github.com/mmeshcher/raw2insight/internal/middleware"
)

// SetupRouter настраивает HTTP-маршруты и middleware тестового бэкенда.
func (h *Handler) SetupRouter() *chi.Mux {
	r := chi.NewRouter()

	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.Recoverer)
	if h.metrics != nil {
		r.Use(h.metrics.Middleware)
	}
	r.Use(custommiddleware.Logger(h.logger))
	r.Use(chimiddleware.Compress(5, "application/json"))

	r.Get("/health", h.Health)
	r.Get("/ping", h.Ping)
	if h.metrics != nil {
		r.Handle("/metrics", h.metrics.Handler())
	}

	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/auth/signup", h.Signup)
		r.Post("/auth/login", h.Login)

		r.Group(func(r chi.Router) {
			r.Use(h.authMiddleware.Middleware)

			r.Get("/auth/me", h.Me)

			r.Post("/upload", h.Upload)
			r.Get("/status/{jobID}", h.Status)
			r.Get("/result/{jobID}", h.Result)
			r.Patch("/result/{jobID}/save", h.SaveResult)

			r.Get("/jobs", h.Jobs)
			r.Get("/my-documents", h.MyDocuments)
			r.Delete("/cleanup/{jobID}", h.Cleanup)
		})
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeDetail(w, http.StatusNotFound, "Not Found")
	})

	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		writeDetail(w, http.StatusMethodNotAllowed, "Method Not Allowed")
	})

	return r
}
