package bootstrap

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/aws/aws-sdk-go-v2/service/sesv2"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/wolfman30/payreminder/internal/classifier"
	appconfig "github.com/wolfman30/payreminder/internal/config"
	"github.com/wolfman30/payreminder/internal/conversation"
	"github.com/wolfman30/payreminder/internal/events"
	"github.com/wolfman30/payreminder/internal/gateway"
	"github.com/wolfman30/payreminder/internal/ingest"
	"github.com/wolfman30/payreminder/internal/notify"
	"github.com/wolfman30/payreminder/pkg/logging"
)

const (
	ClassifierKeyword = "keyword"
	ClassifierBedrock = "bedrock"
	ClassifierGemini  = "gemini"

	EmailSendGrid = "sendgrid"
	EmailSES      = "ses"

	processedEventsProvider = "gateway"
)

// BuildClassifier selects the intent classifier named by CLASSIFIER_PROVIDER.
// The returned close function releases provider clients and is never nil.
func BuildClassifier(ctx context.Context, cfg *appconfig.Config, awsCfg aws.Config, logger *logging.Logger) (conversation.Classifier, func() error, error) {
	noop := func() error { return nil }
	if cfg == nil {
		return nil, noop, fmt.Errorf("bootstrap: config is required")
	}
	if logger == nil {
		logger = logging.Default()
	}

	switch provider := strings.ToLower(strings.TrimSpace(cfg.ClassifierProvider)); provider {
	case "", ClassifierKeyword:
		logger.Info("using keyword classifier")
		return classifier.NewKeywordClassifier(), noop, nil
	case ClassifierBedrock:
		if strings.TrimSpace(cfg.BedrockModelID) == "" {
			return nil, noop, fmt.Errorf("bootstrap: BEDROCK_MODEL_ID is required for the bedrock classifier")
		}
		logger.Info("using bedrock classifier", "model", cfg.BedrockModelID)
		return classifier.NewBedrockClassifier(bedrockruntime.NewFromConfig(awsCfg), cfg.BedrockModelID), noop, nil
	case ClassifierGemini:
		c, err := classifier.NewGeminiClassifier(ctx, cfg.GeminiAPIKey, cfg.GeminiModelID)
		if err != nil {
			return nil, noop, fmt.Errorf("bootstrap: %w", err)
		}
		logger.Info("using gemini classifier", "model", cfg.GeminiModelID)
		return c, c.Close, nil
	default:
		return nil, noop, fmt.Errorf("bootstrap: unknown classifier provider %q", provider)
	}
}

// BuildEmailSender picks the escalation email transport. Without a usable
// provider it falls back to a sender that only logs.
func BuildEmailSender(cfg *appconfig.Config, awsCfg aws.Config, logger *logging.Logger) notify.EmailSender {
	if logger == nil {
		logger = logging.Default()
	}
	if cfg == nil {
		return notify.NewStubEmailSender(logger)
	}
	switch cfg.EmailProvider {
	case EmailSendGrid:
		if s := notify.NewSendGridSender(notify.SendGridConfig{
			APIKey:    cfg.SendGridAPIKey,
			FromEmail: cfg.SendGridFromEmail,
			FromName:  cfg.SendGridFromName,
		}, logger); s != nil {
			return s
		}
		logger.Warn("EMAIL_PROVIDER=sendgrid without SENDGRID_API_KEY; escalation emails will only be logged")
	case EmailSES:
		return notify.NewSESSender(sesv2.NewFromConfig(awsCfg), notify.SESConfig{
			FromEmail: cfg.SESFromEmail,
			FromName:  cfg.SendGridFromName,
		}, logger)
	}
	return notify.NewStubEmailSender(logger)
}

// BuildEscalationNotifier returns nil when no escalation recipients are configured.
func BuildEscalationNotifier(cfg *appconfig.Config, email notify.EmailSender, loc *time.Location, logger *logging.Logger) conversation.EscalationNotifier {
	if cfg == nil || strings.TrimSpace(cfg.EscalationEmail) == "" || email == nil {
		return nil
	}
	return notify.NewEscalationNotifier(email, cfg.EscalationEmail, loc, logger)
}

// BuildDeduper layers the webhook dedupe tiers from fastest to most durable:
// process LRU, then Redis, then the processed_events table.
func BuildDeduper(cfg *appconfig.Config, redisClient *redis.Client, pool *pgxpool.Pool) ingest.Deduper {
	size := 0
	ttl := time.Duration(0)
	if cfg != nil {
		size = cfg.DedupeCacheSize
		ttl = cfg.DedupeTTL
	}
	tiers := []ingest.Deduper{ingest.NewLRUDeduper(size)}
	if redisClient != nil {
		tiers = append(tiers, ingest.NewRedisDeduper(redisClient, ttl))
	}
	if pool != nil {
		tiers = append(tiers, events.NewProcessedStore(pool, processedEventsProvider))
	}
	if len(tiers) == 1 {
		return tiers[0]
	}
	return ingest.NewTieredDeduper(tiers...)
}

// Gateway bundles the transport client with its breaker and session monitor.
type Gateway struct {
	Client   *gateway.Client
	Sender   *gateway.BreakerSender
	Sessions *gateway.SessionMonitor
}

// BuildGateway wires the chat gateway client behind a circuit breaker.
func BuildGateway(cfg *appconfig.Config, logger *logging.Logger) (*Gateway, error) {
	if cfg == nil {
		return nil, fmt.Errorf("bootstrap: config is required")
	}
	if logger == nil {
		logger = logging.Default()
	}
	client, err := gateway.NewClient(gateway.ClientConfig{
		BaseURL: cfg.GatewayBaseURL,
		APIKey:  cfg.GatewayAPIKey,
		Session: cfg.GatewaySession,
		Timeout: cfg.GatewayTimeout,
		Logger:  logger.Component("gateway"),
	})
	if err != nil {
		return nil, fmt.Errorf("bootstrap: %w", err)
	}
	sender := gateway.NewBreakerSender(client, gateway.BreakerConfig{
		Name:     "gateway-" + cfg.GatewaySession,
		Trips:    cfg.GatewayBreakerTrips,
		Cooldown: cfg.GatewayBreakerTimeout,
		Logger:   logger,
	})
	return &Gateway{
		Client:   client,
		Sender:   sender,
		Sessions: gateway.NewSessionMonitor(client),
	}, nil
}
