package internal

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Store backends selectable with STORE_BACKEND.
const (
	StoreBackendPostgres = "postgres"
	StoreBackendMongo    = "mongo"
	StoreBackendMemory   = "memory"
)

type Config struct {
	Env      string
	Port     int
	LogLevel string

	// BaseURL is the public origin of the front-end; checkout redirects
	// are built from it.
	BaseURL string

	// Store
	StoreBackend  string
	DatabaseUrl   string
	MongoURL      string
	MongoDatabase string
	PlansFile     string

	// Optional infrastructure. Empty means the in-process fallback.
	RedisURL       string
	AMQPURL        string
	EventsExchange string

	// Stripe
	StripeSecretKey     string
	StripeWebhookSecret string
	StripeTimeout       time.Duration
	CheckoutSuccessPath string
	CheckoutCancelPath  string

	// Identity provider
	AuthJWKSURL    string
	AuthIssuer     string
	AuthAudience   string
	AuthHMACSecret string

	CORSAllowedOrigins []string

	// Storage Configuration
	StorageProvider string // "local" or "r2"

	// Local Storage (development)
	LocalStoragePath string
	LocalStorageURL  string

	// R2 Storage (production)
	R2AccountID       string
	R2AccessKeyID     string
	R2SecretAccessKey string
	R2BucketName      string
	R2PublicURL       string

	// AI Provider Configuration
	AIProvider       string // "openai", "anthropic" or "mock"
	OpenAIAPIKey     string
	OpenAIModel      string
	AnthropicAPIKey  string
	AnthropicModel   string
	AIMaxRetries     int
	AIRetryBaseDelay time.Duration
	AIRequestTimeout time.Duration

	// Worker Configuration
	WorkerEnabled      bool
	WorkerConcurrency  int
	WorkerPollInterval time.Duration
	WorkerJobTimeout   time.Duration

	// ExpirySchedule is a cron spec for the subscription expiry sweep.
	ExpirySchedule string

	// Rate limits per caller, applied separately to checkout and analysis.
	RateLimitCheckout int
	RateLimitAnalysis int
	RateLimitWindow   time.Duration

	// Metrics endpoint authentication
	// If both are empty, the /metrics endpoint will be unprotected (not recommended)
	MetricsUsername string
	MetricsPassword string
}

func NewConfig() (*Config, error) {
	// Load .env file if it exists (ignored in production)
	_ = godotenv.Load()

	cfg := &Config{
		Env:      getEnv("ENV", "development"),
		Port:     getEnvInt("PORT", 8080),
		LogLevel: getEnv("LOG_LEVEL", "debug"),
		BaseURL:  strings.TrimSuffix(getEnv("BASE_URL", "http://localhost:3000"), "/"),

		StoreBackend:  getEnv("STORE_BACKEND", StoreBackendPostgres),
		DatabaseUrl:   getEnv("DATABASE_URL", ""),
		MongoURL:      getEnv("MONGO_URL", ""),
		MongoDatabase: getEnv("MONGO_DATABASE", "meanas"),
		PlansFile:     getEnv("PLANS_FILE", ""),

		RedisURL:       getEnv("REDIS_URL", ""),
		AMQPURL:        getEnv("AMQP_URL", ""),
		EventsExchange: getEnv("EVENTS_EXCHANGE", "meanas.subscriptions"),

		StripeSecretKey:     getEnv("STRIPE_SECRET_KEY", ""),
		StripeWebhookSecret: getEnv("STRIPE_WEBHOOK_SECRET", ""),
		StripeTimeout:       getEnvDuration("STRIPE_TIMEOUT", 10*time.Second),
		CheckoutSuccessPath: getEnv("CHECKOUT_SUCCESS_PATH", "/purchase/success"),
		CheckoutCancelPath:  getEnv("CHECKOUT_CANCEL_PATH", "/purchase/cancel"),

		AuthJWKSURL:    getEnv("AUTH_JWKS_URL", ""),
		AuthIssuer:     getEnv("AUTH_ISSUER", ""),
		AuthAudience:   getEnv("AUTH_AUDIENCE", ""),
		AuthHMACSecret: getEnv("AUTH_HMAC_SECRET", ""),

		CORSAllowedOrigins: getEnvList("CORS_ALLOWED_ORIGINS"),

		// Storage defaults to local filesystem for development
		StorageProvider:  getEnv("STORAGE_PROVIDER", "local"),
		LocalStoragePath: getEnv("LOCAL_STORAGE_PATH", "./storage"),
		LocalStorageURL:  getEnv("LOCAL_STORAGE_URL", "http://localhost:8080/files"),

		R2AccountID:       getEnv("R2_ACCOUNT_ID", ""),
		R2AccessKeyID:     getEnv("R2_ACCESS_KEY_ID", ""),
		R2SecretAccessKey: getEnv("R2_SECRET_ACCESS_KEY", ""),
		R2BucketName:      getEnv("R2_BUCKET_NAME", ""),
		R2PublicURL:       getEnv("R2_PUBLIC_URL", ""),

		AIProvider:       getEnv("AI_PROVIDER", "mock"),
		OpenAIAPIKey:     getEnv("OPENAI_API_KEY", ""),
		OpenAIModel:      getEnv("OPENAI_MODEL", ""),
		AnthropicAPIKey:  getEnv("ANTHROPIC_API_KEY", ""),
		AnthropicModel:   getEnv("ANTHROPIC_MODEL", ""),
		AIMaxRetries:     getEnvInt("AI_MAX_RETRIES", 3),
		AIRetryBaseDelay: getEnvDuration("AI_RETRY_BASE_DELAY", 1*time.Second),
		AIRequestTimeout: getEnvDuration("AI_REQUEST_TIMEOUT", 5*time.Minute),

		WorkerEnabled:      getEnvBool("WORKER_ENABLED", true),
		WorkerConcurrency:  getEnvInt("WORKER_CONCURRENCY", 2),
		WorkerPollInterval: getEnvDuration("WORKER_POLL_INTERVAL", 2*time.Second),
		WorkerJobTimeout:   getEnvDuration("WORKER_JOB_TIMEOUT", time.Minute),

		ExpirySchedule: getEnv("EXPIRY_SCHEDULE", "@every 15m"),

		RateLimitCheckout: getEnvInt("RATE_LIMIT_CHECKOUT", 10),
		RateLimitAnalysis: getEnvInt("RATE_LIMIT_ANALYSIS", 30),
		RateLimitWindow:   getEnvDuration("RATE_LIMIT_WINDOW", time.Minute),

		MetricsUsername: getEnv("METRICS_USERNAME", ""),
		MetricsPassword: getEnv("METRICS_PASSWORD", ""),
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (cfg *Config) validate() error {
	switch cfg.StoreBackend {
	case StoreBackendPostgres:
		if cfg.DatabaseUrl == "" {
			return fmt.Errorf("DATABASE_URL is required when STORE_BACKEND is 'postgres'")
		}
	case StoreBackendMongo:
		if cfg.MongoURL == "" {
			return fmt.Errorf("MONGO_URL is required when STORE_BACKEND is 'mongo'")
		}
	case StoreBackendMemory:
		if cfg.IsProduction() {
			return fmt.Errorf("STORE_BACKEND 'memory' is not allowed in production")
		}
	default:
		return fmt.Errorf("STORE_BACKEND must be 'postgres', 'mongo' or 'memory', got: %s", cfg.StoreBackend)
	}

	if cfg.AuthJWKSURL == "" && cfg.AuthHMACSecret == "" {
		return fmt.Errorf("either AUTH_JWKS_URL or AUTH_HMAC_SECRET is required")
	}

	// Checkout and webhooks cannot work without both Stripe secrets.
	if cfg.StripeSecretKey == "" || cfg.StripeWebhookSecret == "" {
		return fmt.Errorf("STRIPE_SECRET_KEY and STRIPE_WEBHOOK_SECRET are required")
	}
	if !strings.HasPrefix(cfg.CheckoutSuccessPath, "/") || !strings.HasPrefix(cfg.CheckoutCancelPath, "/") {
		return fmt.Errorf("CHECKOUT_SUCCESS_PATH and CHECKOUT_CANCEL_PATH must start with '/'")
	}

	// Validate storage configuration
	switch cfg.StorageProvider {
	case "local":
	case "r2":
		if cfg.R2AccountID == "" {
			return fmt.Errorf("R2_ACCOUNT_ID is required when STORAGE_PROVIDER is 'r2'")
		}
		if cfg.R2AccessKeyID == "" || cfg.R2SecretAccessKey == "" {
			return fmt.Errorf("R2_ACCESS_KEY_ID and R2_SECRET_ACCESS_KEY are required when STORAGE_PROVIDER is 'r2'")
		}
		if cfg.R2BucketName == "" {
			return fmt.Errorf("R2_BUCKET_NAME is required when STORAGE_PROVIDER is 'r2'")
		}
	default:
		return fmt.Errorf("STORAGE_PROVIDER must be either 'local' or 'r2', got: %s", cfg.StorageProvider)
	}

	// Validate AI provider configuration
	switch cfg.AIProvider {
	case "mock":
	case "openai":
		if cfg.OpenAIAPIKey == "" {
			return fmt.Errorf("OPENAI_API_KEY is required when AI_PROVIDER is 'openai'")
		}
	case "anthropic":
		if cfg.AnthropicAPIKey == "" {
			return fmt.Errorf("ANTHROPIC_API_KEY is required when AI_PROVIDER is 'anthropic'")
		}
	default:
		return fmt.Errorf("AI_PROVIDER must be 'openai', 'anthropic' or 'mock', got: %s", cfg.AIProvider)
	}

	if cfg.RateLimitWindow < time.Second {
		return fmt.Errorf("RATE_LIMIT_WINDOW must be at least 1s, got %v", cfg.RateLimitWindow)
	}
	return nil
}

// IsProduction reports whether the service runs outside development.
func (cfg *Config) IsProduction() bool {
	return cfg.Env != "development" && cfg.Env != "test"
}

func getEnv(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return fallback
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return fallback
}

// getEnvList splits a comma-separated variable, dropping blanks.
func getEnvList(key string) []string {
	var out []string
	for _, part := range strings.Split(os.Getenv(key), ",") {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
