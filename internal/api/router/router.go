package router

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/wolfman30/payreminder/internal/http/handlers"
	httpmiddleware "github.com/wolfman30/payreminder/internal/http/middleware"
	"github.com/wolfman30/payreminder/pkg/logging"
)

// Config holds router configuration
type Config struct {
	Logger              *logging.Logger
	Webhook             *handlers.WebhookHandler
	Batches             *handlers.BatchesHandler
	Conversations       *handlers.ConversationsHandler
	Session             *handlers.SessionHandler
	Health              http.Handler
	MetricsHandler      http.Handler
	AdminAuthSecret     string
	AdminAllowedOrigins string
	WebhookRateLimiter  *httpmiddleware.RateLimiter
}

// New creates a new Chi router with all routes configured
func New(cfg *Config) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RealIP)
	r.Use(httpmiddleware.RequestLogger(cfg.Logger))
	r.Use(middleware.Recoverer)

	// Public endpoints (webhooks, health checks)
	r.Group(func(public chi.Router) {
		if cfg.Health != nil {
			public.Method(http.MethodGet, "/health", cfg.Health)
		}
		if cfg.MetricsHandler != nil {
			public.Handle("/metrics", cfg.MetricsHandler)
		}
		if cfg.Webhook != nil {
			webhook := public.With()
			if cfg.WebhookRateLimiter != nil {
				webhook = public.With(httpmiddleware.RateLimit(cfg.WebhookRateLimiter))
			}
			webhook.Post("/webhooks/gateway", cfg.Webhook.Handle)
		}
	})

	// Admin routes are only mounted when a signing secret is configured.
	if cfg.AdminAuthSecret != "" {
		r.Route("/admin", func(admin chi.Router) {
			admin.Use(httpmiddleware.AdminCORS(cfg.AdminAllowedOrigins))
			admin.Use(httpmiddleware.AdminJWT(cfg.AdminAuthSecret))
			admin.Use(middleware.Compress(5))

			admin.Post("/clients/validate", handlers.ValidateClients)
			if cfg.Batches != nil {
				admin.Route("/batches", func(batches chi.Router) {
					batches.Post("/", cfg.Batches.Start)
					batches.Get("/current", cfg.Batches.Current)
					batches.Get("/{batchID}", cfg.Batches.Get)
				})
			}
			if cfg.Conversations != nil {
				admin.Route("/conversations/{phone}", func(conv chi.Router) {
					conv.Get("/", cfg.Conversations.Get)
					conv.Post("/close", cfg.Conversations.Close)
				})
			}
			if cfg.Session != nil {
				admin.Get("/gateway/session", cfg.Session.Get)
			}
		})
	}

	return r
}
