// Package handler provides the HTTP API of bastion.
package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"github.com/prn-tf/bastion/internal/metrics"
)

// HealthChecker reports whether a dependency is usable.
type HealthChecker interface {
	Health(ctx context.Context) error
}

// Router assembles the API.
type Router struct {
	identities     *IdentityHandler
	punishments    *PunishmentHandler
	sessions       *SessionHandler
	health         map[string]HealthChecker
	metrics        *metrics.Metrics
	metricsPath    string
	authMiddleware func(http.Handler) http.Handler
	logger         zerolog.Logger
}

// RouterConfig contains configuration for the router.
type RouterConfig struct {
	Identities  *IdentityHandler
	Punishments *PunishmentHandler
	Sessions    *SessionHandler

	// Health names the dependencies checked by /health.
	Health map[string]HealthChecker

	// Metrics is served on MetricsPath when set.
	Metrics     *metrics.Metrics
	MetricsPath string

	AuthMiddleware func(http.Handler) http.Handler
	Logger         zerolog.Logger
}

// NewRouter creates a new Router.
func NewRouter(config RouterConfig) *Router {
	auth := config.AuthMiddleware
	if auth == nil {
		auth = func(next http.Handler) http.Handler { return next }
	}
	metricsPath := config.MetricsPath
	if metricsPath == "" {
		metricsPath = "/metrics"
	}
	return &Router{
		identities:     config.Identities,
		punishments:    config.Punishments,
		sessions:       config.Sessions,
		health:         config.Health,
		metrics:        config.Metrics,
		metricsPath:    metricsPath,
		authMiddleware: auth,
		logger:         config.Logger.With().Str("component", "router").Logger(),
	}
}

// Handler returns the main HTTP handler.
func (rt *Router) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(observe(rt.metrics, rt.logger))

	// Health check (no auth)
	r.Get("/health", rt.handleHealth)
	if rt.metrics != nil {
		r.Method(http.MethodGet, rt.metricsPath, rt.metrics.Handler())
	}

	r.Route("/v1", func(r chi.Router) {
		r.Use(rt.authMiddleware)
		rt.identities.RegisterRoutes(r)
		rt.punishments.RegisterRoutes(r)
		rt.sessions.RegisterRoutes(r)
	})

	return r
}

// handleHealth reports every configured dependency.
func (rt *Router) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	status := http.StatusOK
	components := make(map[string]string, len(rt.health))
	for name, checker := range rt.health {
		if err := checker.Health(ctx); err != nil {
			rt.logger.Warn().Err(err).Str("dependency", name).Msg("health check failed")
			components[name] = "unhealthy"
			status = http.StatusServiceUnavailable
			continue
		}
		components[name] = "healthy"
	}

	body := map[string]any{"status": "healthy", "components": components}
	if status != http.StatusOK {
		body["status"] = "unhealthy"
	}
	writeJSON(w, status, body)
}
