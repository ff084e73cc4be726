package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/wolfman30/payreminder/cmd/mainconfig"
	"github.com/wolfman30/payreminder/internal/api/router"
	appbootstrap "github.com/wolfman30/payreminder/internal/app/bootstrap"
	appconfig "github.com/wolfman30/payreminder/internal/config"
	"github.com/wolfman30/payreminder/internal/http/handlers"
	httpmiddleware "github.com/wolfman30/payreminder/internal/http/middleware"
	"github.com/wolfman30/payreminder/pkg/logging"
)

const (
	shutdownTimeout     = 30 * time.Second
	webhookRateLimitIPs = 10000
)

func main() {
	// Load configuration
	cfg := appconfig.Load()

	// Initialize logger
	logger := logging.NewWithOptions(logging.Options{Level: cfg.LogLevel, Format: cfg.LogFormat})
	logger.Info("starting payreminder API server",
		"env", cfg.Env,
		"port", cfg.Port,
		"queue", cfg.UsesQueue(),
	)

	awsCfg, err := mainconfig.LoadAWSConfig(context.Background(), cfg)
	if err != nil {
		logger.Error("failed to load AWS config", "error", err)
		os.Exit(1)
	}

	app, err := appbootstrap.Build(context.Background(), cfg, awsCfg, logger)
	if err != nil {
		logger.Error("failed to build runtime", "error", err)
		os.Exit(1)
	}
	defer func() {
		if err := app.Close(); err != nil {
			logger.Warn("failed to release resources", "error", err)
		}
	}()

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           newHandler(app),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	// Start server in a goroutine
	serverErr := make(chan error, 1)
	go func() {
		logger.Info("server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	// Wait for interrupt signal to gracefully shutdown the server
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-quit:
	case err := <-serverErr:
		logger.Error("server error", "error", err)
	}

	logger.Info("shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		logger.Error("server forced to shutdown", "error", err)
	}
	if err := app.Shutdown(ctx); err != nil {
		logger.Error("conversation lanes did not drain", "error", err)
	}

	logger.Info("server stopped")
}

// newHandler mounts every HTTP surface of the runtime.
func newHandler(app *appbootstrap.App) http.Handler {
	cfg := app.Config
	logger := app.Logger

	checks := make(map[string]handlers.HealthCheck)
	for name, check := range app.HealthChecks() {
		checks[name] = check
	}

	var limiter *httpmiddleware.RateLimiter
	if cfg.WebhookRateLimit > 0 {
		limiter = httpmiddleware.NewRateLimiter(cfg.WebhookRateLimit, cfg.WebhookRateBurst, webhookRateLimitIPs)
	}

	return router.New(&router.Config{
		Logger:              logger,
		Webhook:             handlers.NewWebhookHandler(app.Ingestor, logger),
		Batches:             handlers.NewBatchesHandler(app.Dispatcher, logger),
		Conversations:       handlers.NewConversationsHandler(app.Orchestrator, logger),
		Session:             handlers.NewSessionHandler(app.Gateway.Sessions, logger),
		Health:              handlers.NewHealthHandler(app.Gateway.Sessions, checks),
		MetricsHandler:      promhttp.HandlerFor(app.Registry, promhttp.HandlerOpts{Registry: app.Registry}),
		AdminAuthSecret:     cfg.AdminJWTSecret,
		AdminAllowedOrigins: cfg.AdminAllowedOrigins,
		WebhookRateLimiter:  limiter,
	})
}
