package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds application configuration
type Config struct {
	Port          string
	Env           string
	LogLevel      string
	LogFormat     string
	DatabaseURL   string
	RedisAddr     string
	RedisPassword string
	RedisTLS      bool

	// Messaging gateway (chat channel HTTP API)
	GatewayBaseURL        string
	GatewayAPIKey         string
	GatewaySession        string
	GatewayTimeout        time.Duration
	GatewayBreakerTrips   int
	GatewayBreakerTimeout time.Duration
	WebhookSecret         string
	WebhookRateLimit      float64
	WebhookRateBurst      int
	DedupeCacheSize       int
	DedupeTTL             time.Duration

	// Batch dispatch defaults
	DispatchDelay          time.Duration
	DispatchConcurrency    int
	DispatchMaxRetries     int
	DispatchBackoffInitial time.Duration
	DispatchBackoffMax     time.Duration
	DispatchSendTimeout    time.Duration

	// Conversation orchestration
	ConfidenceThreshold  float64
	ClassifierProvider   string
	ClassifierTimeout    time.Duration
	ReplySendTimeout     time.Duration
	HistoryWindow        int
	ConversationQueueURL string
	WorkerCount          int
	MessageLocale        string
	CurrencySymbol       string
	Timezone             string

	// Classifier adapters
	AWSRegion           string
	AWSAccessKeyID      string
	AWSSecretAccessKey  string
	AWSEndpointOverride string
	BedrockModelID      string
	GeminiAPIKey        string
	GeminiModelID       string

	// Escalation notifications
	EmailProvider     string
	EscalationEmail   string
	SendGridAPIKey    string
	SendGridFromEmail string
	SendGridFromName  string
	SESFromEmail      string

	AdminJWTSecret      string
	AdminAllowedOrigins string
}

// Load reads configuration from environment variables. A .env file in the
// working directory is loaded first when present; real environment wins.
func Load() *Config {
	_ = godotenv.Load()

	return &Config{
		Port:          getEnv("PORT", "8080"),
		Env:           getEnv("ENV", "development"),
		LogLevel:      getEnv("LOG_LEVEL", "info"),
		LogFormat:     getEnv("LOG_FORMAT", "json"),
		DatabaseURL:   getEnv("DATABASE_URL", ""),
		RedisAddr:     getEnv("REDIS_ADDR", ""),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		RedisTLS:      getEnvAsBool("REDIS_TLS", false),

		GatewayBaseURL:        getEnv("GATEWAY_BASE_URL", "http://localhost:21465"),
		GatewayAPIKey:         getEnv("GATEWAY_API_KEY", ""),
		GatewaySession:        getEnv("GATEWAY_SESSION", "default"),
		GatewayTimeout:        getEnvAsDuration("GATEWAY_TIMEOUT", 15*time.Second),
		GatewayBreakerTrips:   getEnvAsInt("GATEWAY_BREAKER_TRIPS", 5),
		GatewayBreakerTimeout: getEnvAsDuration("GATEWAY_BREAKER_TIMEOUT", 30*time.Second),
		WebhookSecret:         getEnv("WEBHOOK_SECRET", ""),
		WebhookRateLimit:      getEnvAsFloat("WEBHOOK_RATE_LIMIT", 20),
		WebhookRateBurst:      getEnvAsInt("WEBHOOK_RATE_BURST", 40),
		DedupeCacheSize:       getEnvAsInt("DEDUPE_CACHE_SIZE", 10000),
		DedupeTTL:             getEnvAsDuration("DEDUPE_TTL", 24*time.Hour),

		DispatchDelay:          getEnvAsDuration("DISPATCH_DELAY", 2*time.Second),
		DispatchConcurrency:    getEnvAsInt("DISPATCH_CONCURRENCY", 3),
		DispatchMaxRetries:     getEnvAsInt("DISPATCH_MAX_RETRIES", 3),
		DispatchBackoffInitial: getEnvAsDuration("DISPATCH_BACKOFF_INITIAL", 500*time.Millisecond),
		DispatchBackoffMax:     getEnvAsDuration("DISPATCH_BACKOFF_MAX", 30*time.Second),
		DispatchSendTimeout:    getEnvAsDuration("DISPATCH_SEND_TIMEOUT", 20*time.Second),

		ConfidenceThreshold:  getEnvAsFloat("CONFIDENCE_THRESHOLD", 0.5),
		ClassifierProvider:   strings.ToLower(strings.TrimSpace(getEnv("CLASSIFIER_PROVIDER", "keyword"))),
		ClassifierTimeout:    getEnvAsDuration("CLASSIFIER_TIMEOUT", 10*time.Second),
		ReplySendTimeout:     getEnvAsDuration("REPLY_SEND_TIMEOUT", 20*time.Second),
		HistoryWindow:        getEnvAsInt("CLASSIFIER_HISTORY_WINDOW", 6),
		ConversationQueueURL: getEnv("CONVERSATION_QUEUE_URL", ""),
		WorkerCount:          getEnvAsInt("WORKER_COUNT", 2),
		MessageLocale:        getEnv("MESSAGE_LOCALE", "pt-BR"),
		CurrencySymbol:       getEnv("CURRENCY_SYMBOL", "R$"),
		Timezone:             getEnv("TIMEZONE", "America/Sao_Paulo"),

		AWSRegion:           getEnv("AWS_REGION", "us-east-1"),
		AWSAccessKeyID:      getEnv("AWS_ACCESS_KEY_ID", ""),
		AWSSecretAccessKey:  getEnv("AWS_SECRET_ACCESS_KEY", ""),
		AWSEndpointOverride: getEnv("AWS_ENDPOINT_OVERRIDE", ""),
		BedrockModelID:      getEnv("BEDROCK_MODEL_ID", ""),
		GeminiAPIKey:        getEnv("GEMINI_API_KEY", ""),
		GeminiModelID:       getEnv("GEMINI_MODEL_ID", "gemini-2.5-flash"),

		EmailProvider:     strings.ToLower(strings.TrimSpace(getEnv("EMAIL_PROVIDER", ""))),
		EscalationEmail:   getEnv("ESCALATION_EMAIL", ""),
		SendGridAPIKey:    getEnv("SENDGRID_API_KEY", ""),
		SendGridFromEmail: getEnv("SENDGRID_FROM_EMAIL", ""),
		SendGridFromName:  getEnv("SENDGRID_FROM_NAME", "Lembretes de Pagamento"),
		SESFromEmail:      getEnv("SES_FROM_EMAIL", getEnv("SENDGRID_FROM_EMAIL", "")),

		AdminJWTSecret:      getEnv("ADMIN_JWT_SECRET", ""),
		AdminAllowedOrigins: getEnv("ADMIN_ALLOWED_ORIGINS", ""),
	}
}

// UsesQueue reports whether inbound events travel through SQS to a separate worker.
func (c *Config) UsesQueue() bool {
	return c != nil && strings.TrimSpace(c.ConversationQueueURL) != ""
}

// getEnv retrieves an environment variable or returns a default value
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvAsInt retrieves an environment variable as an integer or returns a default value
func getEnvAsInt(key string, defaultValue int) int {
	valueStr := getEnv(key, "")
	if value, err := strconv.Atoi(valueStr); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsFloat(key string, defaultValue float64) float64 {
	valueStr := getEnv(key, "")
	if value, err := strconv.ParseFloat(valueStr, 64); err == nil {
		return value
	}
	return defaultValue
}

// getEnvAsBool retrieves an environment variable as a boolean or returns a default value
func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := getEnv(key, "")
	if value, err := strconv.ParseBool(valueStr); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}
	if value, err := time.ParseDuration(valueStr); err == nil {
		return value
	}
	return defaultValue
}
