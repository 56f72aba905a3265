package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"agent-spend-authorizer/internal/middleware"
)

// RouterOptions configures the middleware stack around the handlers.
type RouterOptions struct {
	CronSecret     string
	AdminSecret    string
	AllowedOrigins []string

	// Limiter throttles the operator routes. Nil disables rate limiting.
	Limiter middleware.Limiter
}

// NewRouter mounts every route. The authorization webhook is authenticated by
// its signature and is never rate limited; operator routes need a bearer token.
func NewRouter(h *Handler, opts RouterOptions) http.Handler {
	r := chi.NewRouter()

	// Middleware (order matters)
	r.Use(chimw.RequestID)
	r.Use(middleware.RequestLogger())
	r.Use(chimw.RealIP)
	r.Use(chimw.Logger)
	r.Use(chimw.Recoverer)
	r.Use(middleware.TracingMiddleware())

	r.Get("/health", h.Health)
	r.Post("/webhooks/authorization", h.AuthorizeWebhook)

	r.Route("/internal", func(r chi.Router) {
		if opts.Limiter != nil {
			r.Use(middleware.RateLimitMiddleware(opts.Limiter))
		}
		r.Use(middleware.RequireBearer(opts.CronSecret, "cron"))
		r.Post("/anomaly-scan", h.AnomalyScan)
	})

	r.Route("/admin", func(r chi.Router) {
		origins := opts.AllowedOrigins
		if len(origins) == 0 {
			origins = []string{"*"}
		}
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: origins,
			AllowedMethods: []string{"GET", "POST", "OPTIONS"},
			AllowedHeaders: []string{"Accept", "Authorization", "Content-Type"},
			ExposedHeaders: []string{"X-RateLimit-Limit", "X-RateLimit-Remaining", "Retry-After"},
			MaxAge:         300,
		}))
		if opts.Limiter != nil {
			r.Use(middleware.RateLimitMiddleware(opts.Limiter))
		}
		r.Use(middleware.RequireBearer(opts.AdminSecret, "admin"))

		r.Post("/agents/{agent_id}/circuit-breaker/reset", h.ResetCircuit)
		r.Get("/ledger/dead-letters", h.ListDeadLetters)
		r.Post("/ledger/dead-letters/{correlation_id}/retry", h.RetryDeadLetter)
	})

	return r
}
