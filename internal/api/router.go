package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"ruleforge-lab/internal/api/handlers"
	apimiddleware "ruleforge-lab/internal/api/middleware"
	"ruleforge-lab/internal/config"
	"ruleforge-lab/pkg/logger"
)

// Router holds dependencies for the API router
type Router struct {
	config   config.Config
	handlers *handlers.Handlers
	limiter  apimiddleware.RateLimitChecker
	logger   *logger.Logger
}

// NewRouter creates a new Router instance; limiter may be nil when rate limiting is off
func NewRouter(cfg config.Config, h *handlers.Handlers, limiter apimiddleware.RateLimitChecker, log *logger.Logger) *Router {
	return &Router{
		config:   cfg,
		handlers: h,
		limiter:  limiter,
		logger:   log.WithComponent("router"),
	}
}

// Setup sets up the Chi router with all routes and middleware
func (r *Router) Setup() http.Handler {
	router := chi.NewRouter()

	// Core middleware
	router.Use(middleware.RequestID)
	router.Use(middleware.RealIP)
	router.Use(apimiddleware.Logger(r.logger))
	router.Use(middleware.Recoverer)

	// CORS
	router.Use(cors.Handler(cors.Options{
		AllowedOrigins:   r.config.CORS.AllowedOrigins,
		AllowedMethods:   r.config.CORS.AllowedMethods,
		AllowedHeaders:   r.config.CORS.AllowedHeaders,
		AllowCredentials: r.config.CORS.AllowCredentials,
		MaxAge:           r.config.CORS.MaxAge,
	}))

	// Public routes
	router.Get("/health", r.handlers.Health.Check)
	router.Get("/ready", r.handlers.Health.Ready)

	// API v1 routes (authenticated)
	router.Route("/api/v1", func(api chi.Router) {
		api.Use(apimiddleware.APIKeyAuth(r.config.Auth))
		if r.config.RateLimit.Enabled && r.limiter != nil {
			api.Use(apimiddleware.RateLimiter(r.limiter, r.config.RateLimit, r.logger))
		}

		// WebSocket connections are long-lived and stay outside the request timeout
		api.Get("/coverage/stream", r.handlers.Streaming.HandleWebSocket)

		api.Group(func(timed chi.Router) {
			timed.Use(middleware.Timeout(r.requestTimeout()))

			timed.Get("/stats", r.handlers.Stats.Get)
			timed.Get("/stream/stats", r.handlers.Streaming.GetStats)

			timed.Route("/techniques", func(t chi.Router) {
				t.Post("/bulk", r.handlers.Techniques.Bulk)
				t.Get("/{id}", r.handlers.Techniques.Get)
				t.Get("/{id}/graph", r.handlers.Techniques.Graph)
				t.Get("/{id}/detections", r.handlers.Techniques.Covering)
			})

			timed.Route("/coverage", func(c chi.Router) {
				c.Post("/detections/{id}", r.handlers.Coverage.AnalyzeDetection)
				c.Post("/libraries/{id}", r.handlers.Coverage.AnalyzeLibrary)
				c.Get("/libraries/{id}/latest", r.handlers.Coverage.LatestSnapshot)
				c.Get("/libraries/{id}/navigator", r.handlers.Coverage.Navigator)
				c.Post("/libraries/{id}/navigator/export", r.handlers.Coverage.ExportNavigator)
			})
		})
	})

	return router
}

// requestTimeout bounds analysis requests; library analysis can take minutes
func (r *Router) requestTimeout() time.Duration {
	if t := r.config.Server.WriteTimeout; t > 0 {
		return t
	}
	return 5 * time.Minute
}
