package api

import (
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// RouterConfig tunes the router.
type RouterConfig struct {
	// DeleteBurst is the number of DELETEs allowed at once; afterwards one
	// more is allowed per DeleteRefill. Zero disables the limit.
	DeleteBurst  int
	DeleteRefill time.Duration

	// Registry, when set, receives request metrics and is served at /metrics.
	Registry *prometheus.Registry
}

// DefaultDeleteRefill sustains 10 deletes per second after a burst.
const DefaultDeleteRefill = 100 * time.Millisecond

// NewRouter creates a new router with all routes configured
func NewRouter(h *Handler, cfg RouterConfig) *chi.Mux {
	r := chi.NewRouter()

	// Global middleware (all routes)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(LoggingMiddleware)
	r.Use(RecoveryMiddleware)
	if cfg.Registry != nil {
		r.Use(newRequestMetrics(cfg.Registry).Middleware)
		r.Handle("/metrics", promhttp.HandlerFor(cfg.Registry, promhttp.HandlerOpts{}))
	}

	refill := cfg.DeleteRefill
	if refill <= 0 {
		refill = DefaultDeleteRefill
	}
	deleteRateLimiter := NewDeleteRateLimiter(cfg.DeleteBurst, refill)

	r.Route("/api/v1", func(r chi.Router) {
		// Public routes
		r.Get("/health", h.Health)

		// Protected routes
		r.Group(func(r chi.Router) {
			r.Use(AuthMiddleware(h.apiKey))
			r.Route("/{collection}", func(r chi.Router) {
				r.Use(KindMiddleware)
				r.Get("/", h.List)
				r.Post("/", h.Create)
				r.Get("/{id}", h.Get)
				r.Patch("/{id}", h.Update)
				r.With(deleteRateLimiter.Middleware).Delete("/{id}", h.Delete)
			})
		})
	})

	return r
}
