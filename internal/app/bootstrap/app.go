package bootstrap

import (
	"context"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"

	appconfig "github.com/wolfman30/payreminder/internal/config"
	"github.com/wolfman30/payreminder/internal/conversation"
	"github.com/wolfman30/payreminder/internal/dispatch"
	"github.com/wolfman30/payreminder/internal/ingest"
	"github.com/wolfman30/payreminder/internal/observability/metrics"
	"github.com/wolfman30/payreminder/internal/templates"
	"github.com/wolfman30/payreminder/pkg/logging"
)

// App is the fully wired runtime shared by the API server and the
// conversation worker.
type App struct {
	Config       *appconfig.Config
	Logger       *logging.Logger
	Registry     *prometheus.Registry
	Pool         *pgxpool.Pool
	Redis        *redis.Client
	Gateway      *Gateway
	Renderer     *templates.Renderer
	Orchestrator *conversation.Orchestrator
	Dispatcher   *dispatch.Dispatcher
	Ingestor     *ingest.Ingestor

	closers []func() error
}

// Build connects external dependencies and wires every service. Postgres and
// Redis are optional: without them the in-memory stores and LRU dedupe are used.
func Build(ctx context.Context, cfg *appconfig.Config, awsCfg aws.Config, logger *logging.Logger) (*App, error) {
	if cfg == nil {
		return nil, fmt.Errorf("bootstrap: config is required")
	}
	if logger == nil {
		logger = logging.Default()
	}
	if ctx == nil {
		ctx = context.Background()
	}

	app := &App{Config: cfg, Logger: logger}

	app.Registry = prometheus.NewRegistry()
	app.Registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	pool, err := BuildPostgresPool(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	if pool != nil {
		app.Pool = pool
		app.closers = append(app.closers, func() error { pool.Close(); return nil })
	} else {
		logger.Warn("DATABASE_URL not set; batches and conversations are kept in memory")
	}

	if client := BuildRedisClient(ctx, cfg, logger, true); client != nil {
		app.Redis = client
		app.closers = append(app.closers, client.Close)
	}

	gw, err := BuildGateway(cfg, logger)
	if err != nil {
		_ = app.Close()
		return nil, err
	}
	app.Gateway = gw

	loc := LoadLocation(cfg, logger)
	app.Renderer = templates.NewRenderer(
		templates.WithLocale(cfg.MessageLocale),
		templates.WithCurrencySymbol(cfg.CurrencySymbol),
		templates.WithLocation(loc),
	)

	cls, closeClassifier, err := BuildClassifier(ctx, cfg, awsCfg, logger)
	if err != nil {
		_ = app.Close()
		return nil, err
	}
	app.closers = append(app.closers, closeClassifier)

	convOpts := []conversation.Option{
		conversation.WithRenderer(app.Renderer),
		conversation.WithMetrics(metrics.NewConversationMetrics(app.Registry)),
	}
	if app.Pool != nil {
		convOpts = append(convOpts, conversation.WithStore(conversation.NewPostgresStore(app.Pool)))
	}
	email := BuildEmailSender(cfg, awsCfg, logger)
	if notifier := BuildEscalationNotifier(cfg, email, loc, logger); notifier != nil {
		convOpts = append(convOpts, conversation.WithEscalationNotifier(notifier))
	}
	app.Orchestrator = conversation.New(cls, gw.Sender, conversation.Config{
		ConfidenceThreshold: cfg.ConfidenceThreshold,
		ClassifierTimeout:   cfg.ClassifierTimeout,
		ReplyTimeout:        cfg.ReplySendTimeout,
		HistoryWindow:       cfg.HistoryWindow,
	}, logger, convOpts...)

	dispatchOpts := []dispatch.Option{
		dispatch.WithRecorder(app.Orchestrator),
		dispatch.WithMetrics(metrics.NewDispatchMetrics(app.Registry)),
	}
	if app.Pool != nil {
		dispatchOpts = append(dispatchOpts, dispatch.WithStore(dispatch.NewPostgresStore(app.Pool)))
	}
	app.Dispatcher = dispatch.New(gw.Sender, app.Renderer, dispatch.Config{
		Delay:          cfg.DispatchDelay,
		Concurrency:    cfg.DispatchConcurrency,
		MaxRetries:     cfg.DispatchMaxRetries,
		SendTimeout:    cfg.DispatchSendTimeout,
		BackoffInitial: cfg.DispatchBackoffInitial,
		BackoffMax:     cfg.DispatchBackoffMax,
	}, logger, dispatchOpts...)

	var forwarder ingest.Forwarder = ingest.NewOrchestratorForwarder(app.Orchestrator)
	if cfg.UsesQueue() {
		forwarder = ingest.NewSQSForwarder(sqs.NewFromConfig(awsCfg), cfg.ConversationQueueURL)
		logger.Info("inbound messages forwarded to SQS", "queue_url", cfg.ConversationQueueURL)
	}
	app.Ingestor = ingest.New(ingest.Config{
		Verifier:  ingest.NewVerifier(cfg.WebhookSecret),
		Deduper:   BuildDeduper(cfg, app.Redis, app.Pool),
		Forwarder: forwarder,
		Sessions:  gw.Sessions,
		Metrics:   metrics.NewWebhookMetrics(app.Registry),
		Logger:    logger,
	})
	if cfg.WebhookSecret == "" {
		logger.Warn("WEBHOOK_SECRET not set; every webhook will be rejected")
	}

	return app, nil
}

// HealthChecks returns the dependency probes reported by /health.
func (a *App) HealthChecks() map[string]func(context.Context) error {
	checks := make(map[string]func(context.Context) error)
	if a.Pool != nil {
		checks["postgres"] = a.Pool.Ping
	}
	if a.Redis != nil {
		checks["redis"] = func(ctx context.Context) error { return a.Redis.Ping(ctx).Err() }
	}
	return checks
}

// Shutdown waits for in-flight conversation work, bounded by ctx.
func (a *App) Shutdown(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		a.Orchestrator.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close releases connections in reverse order of acquisition.
func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}
