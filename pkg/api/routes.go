package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// buildRouter constructs the chi router with all routes and middleware.
func (s *server) buildRouter() http.Handler {
	r := chi.NewRouter()

	// Global middleware.
	r.Use(chimw.Recoverer)
	r.Use(s.requestLogger)
	r.Use(s.corsMiddleware())

	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/health", s.handleHealth)

		// Probe uploads.
		r.Group(func(r chi.Router) {
			if s.cfg.API.Server.RateLimit.Enabled {
				r.Use(s.rateLimitMiddleware(
					"upload", s.cfg.API.Server.RateLimit.Upload,
				))
			}

			r.Post("/results/new", s.handleUpload)
		})

		// Read endpoints and ranking publication.
		r.Group(func(r chi.Router) {
			if s.cfg.API.Server.RateLimit.Enabled {
				r.Use(s.rateLimitMiddleware(
					"public", s.cfg.API.Server.RateLimit.Public,
				))
			}

			r.Route("/results/{id}", func(r chi.Router) {
				r.Get("/", s.handleResult)
				r.Get("/pipeline", s.handlePipelineStatus)
				r.Post("/pipeline/revoke", s.handlePipelineRevoke)
				r.Get("/recommendation", s.handleRecommendation)
				r.Get("/backup", s.handleBackup)
				r.Get("/series/{metric}", s.handleSeries)
			})

			r.Get("/applications/{id}/timeline", s.handleTimeline)
			r.Post("/rankings", s.handlePublishRanking)
			r.Get("/catalog/{type}/{version}", s.handleCatalogEntry)
		})
	})

	return r
}

// corsMiddleware returns a CORS handler configured from the API config.
func (s *server) corsMiddleware() func(http.Handler) http.Handler {
	opts := cors.Options{
		AllowedMethods: []string{"GET", "HEAD", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Content-Type"},
		MaxAge:         300,
	}

	origins := s.cfg.API.Server.CORSOrigins

	if len(origins) == 0 || (len(origins) == 1 && origins[0] == "*") {
		opts.AllowedOrigins = []string{"*"}
	} else {
		opts.AllowedOrigins = origins
	}

	return cors.Handler(opts)
}
