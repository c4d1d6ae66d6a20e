package httpserver

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"o2y-gateway/internal/handlers"
	"o2y-gateway/internal/metrics"
	"o2y-gateway/internal/middleware"
)

type Handlers struct {
	Chat       *handlers.ChatHandler
	Embeddings *handlers.EmbeddingsHandler
	Images     *handlers.ImagesHandler
	Models     *handlers.ModelsHandler
}

type Options struct {
	Resolver middleware.CredentialResolver
	// RequestTimeout bounds embedding and catalog requests. Chat and image
	// requests are bounded by the upstream timeout and the poll budget.
	RequestTimeout time.Duration
	MaxBodyBytes   int64
}

func SetupRouter(r *chi.Mux, baseLogger *zap.Logger, h Handlers, opts Options) {

	r.Use(metrics.Middleware)

	// base middleware
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)

	r.Use(middleware.LoggingContext(baseLogger))
	r.Use(middleware.Recoverer())                    // panic recovery
	r.Use(middleware.MaxBodySize(opts.MaxBodyBytes)) // request body cap

	// routes, served with and without the /v1 prefix
	api := func(r chi.Router) {
		r.Get("/health", handlers.Health)
		r.Get("/models", h.Models.List)
		r.Get("/images/{name}", h.Images.Serve)

		r.Group(func(r chi.Router) {
			r.Use(middleware.Auth(opts.Resolver))

			r.Post("/chat/completions", h.Chat.ChatCompletion)
			r.Post("/images/generations", h.Images.Generate)

			r.Group(func(r chi.Router) {
				if opts.RequestTimeout > 0 {
					r.Use(middleware.Timeout(opts.RequestTimeout))
				}
				r.Post("/embeddings", h.Embeddings.Embeddings)
			})
		})
	}
	r.Route("/v1", api)
	r.Group(api)

	// plain-text liveness probe
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	r.Handle("/metrics", metrics.Handler())
}
