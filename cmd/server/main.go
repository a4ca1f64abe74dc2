package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/DukeRupert/meanas/internal"
	"github.com/DukeRupert/meanas/internal/ai"
	"github.com/DukeRupert/meanas/internal/ai/anthropic"
	"github.com/DukeRupert/meanas/internal/ai/mock"
	"github.com/DukeRupert/meanas/internal/ai/openai"
	"github.com/DukeRupert/meanas/internal/billing"
	"github.com/DukeRupert/meanas/internal/domain"
	"github.com/DukeRupert/meanas/internal/events"
	"github.com/DukeRupert/meanas/internal/handler"
	"github.com/DukeRupert/meanas/internal/identity"
	"github.com/DukeRupert/meanas/internal/jobs"
	"github.com/DukeRupert/meanas/internal/metrics"
	"github.com/DukeRupert/meanas/internal/middleware"
	"github.com/DukeRupert/meanas/internal/repository"
	"github.com/DukeRupert/meanas/internal/repository/mongo"
	"github.com/DukeRupert/meanas/internal/repository/postgres"
	"github.com/DukeRupert/meanas/internal/scheduler"
	"github.com/DukeRupert/meanas/internal/service"
	"github.com/DukeRupert/meanas/internal/storage"
	"github.com/DukeRupert/meanas/internal/worker"
)

func run() error {
	ctx := context.Background()

	// Load configuration
	cfg, err := internal.NewConfig()
	if err != nil {
		return fmt.Errorf("config initialization failed: %w", err)
	}

	// Configure logger
	logger := internal.NewLogger(os.Stdout, cfg.Env, cfg.LogLevel)

	// ==========================================================================
	// Store
	// ==========================================================================

	store, err := openStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer store.Close()
	logger.Info("Store ready", "backend", cfg.StoreBackend)

	plans, err := service.LoadPlanCatalog(cfg.PlansFile)
	if err != nil {
		return fmt.Errorf("plan catalog: %w", err)
	}
	planService := service.NewPlanService(store, logger)
	if err := planService.Seed(ctx, plans); err != nil {
		return fmt.Errorf("plan seeding failed: %w", err)
	}

	// ==========================================================================
	// External collaborators
	// ==========================================================================

	billingService := billing.NewStripeService(billing.Config{
		SecretKey:         cfg.StripeSecretKey,
		WebhookSecret:     cfg.StripeWebhookSecret,
		Timeout:           cfg.StripeTimeout,
		MaxNetworkRetries: 2,
	}, logger)

	verifier, err := identity.NewVerifier(identity.Config{
		JWKSURL:    cfg.AuthJWKSURL,
		Issuer:     cfg.AuthIssuer,
		Audience:   cfg.AuthAudience,
		HMACSecret: cfg.AuthHMACSecret,
	})
	if err != nil {
		return fmt.Errorf("identity verifier: %w", err)
	}

	publisher := events.Connect(cfg.AMQPURL, cfg.EventsExchange, logger)
	defer publisher.Close()

	blobs, err := storage.New(storage.Config{
		Provider: cfg.StorageProvider,
		Local: storage.LocalConfig{
			BasePath: cfg.LocalStoragePath,
			BaseURL:  cfg.LocalStorageURL,
		},
		R2: storage.R2Config{
			AccountID:       cfg.R2AccountID,
			AccessKeyID:     cfg.R2AccessKeyID,
			SecretAccessKey: cfg.R2SecretAccessKey,
			BucketName:      cfg.R2BucketName,
			PublicURL:       cfg.R2PublicURL,
		},
	}, logger)
	if err != nil {
		return fmt.Errorf("storage initialization failed: %w", err)
	}

	provider, err := newAIProvider(cfg, logger)
	if err != nil {
		return fmt.Errorf("ai provider initialization failed: %w", err)
	}
	logger.Info("AI provider ready", "provider", provider.Name())

	// ==========================================================================
	// Services
	// ==========================================================================

	checkoutService := service.NewCheckoutService(store, billingService, service.CheckoutConfig{
		BaseURL:     cfg.BaseURL,
		SuccessPath: cfg.CheckoutSuccessPath,
		CancelPath:  cfg.CheckoutCancelPath,
	}, logger)
	webhookService := service.NewWebhookService(store, billingService, logger)
	activationService := service.NewActivationService(store, publisher, logger)
	entitlementService := service.NewEntitlementService(store, logger)
	transactionService := service.NewTransactionService(store, billingService, logger)
	expiryService := service.NewExpiryService(store, publisher, logger)
	analysisService := service.NewAnalysisService(store, entitlementService, blobs, provider,
		service.NewImageNormalizer(domain.AnalysisImageMaxDimension, domain.AnalysisImageJPEGQuality),
		cfg.AIRequestTimeout, logger)

	// ==========================================================================
	// Background work
	// ==========================================================================

	workerCfg := worker.DefaultConfig()
	workerCfg.Concurrency = cfg.WorkerConcurrency
	workerCfg.PollInterval = cfg.WorkerPollInterval
	workerCfg.JobTimeout = cfg.WorkerJobTimeout
	jobWorker, err := worker.New(store, workerCfg, logger)
	if err != nil {
		return fmt.Errorf("worker initialization failed: %w", err)
	}
	jobWorker.Register(jobs.NewActivateSubscriptionHandler(activationService, logger))

	workerCtx, stopWorker := context.WithCancel(ctx)
	defer stopWorker()
	if cfg.WorkerEnabled {
		jobWorker.Start(workerCtx)
	} else {
		logger.Warn("Worker disabled; activation jobs will queue until a worker runs")
	}

	cron := scheduler.New(time.Minute, logger)
	if err := cron.Add("expiry_sweep", cfg.ExpirySchedule, scheduler.ExpirySweep(expiryService, logger)); err != nil {
		return err
	}
	if cfg.WorkerEnabled {
		if err := cron.Add("stale_job_recovery", "@every 5m", scheduler.StaleJobRecovery(jobWorker, logger)); err != nil {
			return err
		}
	}
	cron.Start()

	// ==========================================================================
	// Middleware
	// ==========================================================================

	authMw := middleware.NewAuthMiddleware(verifier, logger)
	gate := middleware.NewEntitlementGate(entitlementService, logger)

	checkoutLimiter, analysisLimiter, closeLimiters, err := newLimiters(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeLimiters()
	limitCheckout := middleware.NewRateLimitMiddleware(checkoutLimiter, "checkout", logger).Limit
	limitAnalysis := middleware.NewRateLimitMiddleware(analysisLimiter, "analysis", logger).Limit

	requireUser := authMw.RequireUser
	metered := middleware.Stack(authMw.RequireUser, limitAnalysis, gate.Require)

	// ==========================================================================
	// Create router and register routes
	// ==========================================================================

	mux := http.NewServeMux()

	handler.NewHealthHandler(store, logger).RegisterRoutes(mux)
	mux.Handle("GET /metrics", middleware.NewMetricsAuthMiddleware(cfg.MetricsUsername, cfg.MetricsPassword, logger).Handler(promhttp.Handler()))

	if cfg.StorageProvider == storage.ProviderLocal {
		files := http.FileServer(http.Dir(cfg.LocalStoragePath))
		mux.Handle("GET /files/", http.StripPrefix("/files/", files))
	}

	handler.NewWebhookHandler(webhookService, logger).RegisterRoutes(mux)
	handler.NewBillingHandler(checkoutService, transactionService, logger).RegisterRoutes(mux, requireUser, limitCheckout)
	handler.NewSubscriptionHandler(planService, entitlementService, logger).RegisterRoutes(mux, requireUser)
	handler.NewAnalysisHandler(analysisService, logger).RegisterRoutes(mux, requireUser, metered)

	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		handler.NotFoundResponse(w, r, logger)
	})

	corsMw := cors.Handler(cors.Options{
		AllowedOrigins:   cfg.CORSAllowedOrigins,
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", middleware.RequestIDHeader},
		ExposedHeaders:   []string{middleware.RequestIDHeader, middleware.UsageRemainingHeader, "Retry-After"},
		AllowCredentials: false,
		MaxAge:           300,
	})

	root := middleware.Stack(
		middleware.NewRequestLoggingMiddleware(logger).Handler,
		metrics.Middleware,
		middleware.NewSecurityHeadersMiddleware(cfg.IsProduction()).Handler,
		corsMw,
	)(mux)

	// ==========================================================================
	// Start server
	// ==========================================================================

	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           root,
		ReadHeaderTimeout: 10 * time.Second,
		// Analysis calls may take as long as the AI timeout.
		WriteTimeout: cfg.AIRequestTimeout + 30*time.Second,
		IdleTimeout:  2 * time.Minute,
	}

	// Channel to listen for interrupt signals
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	serverErr := make(chan error, 1)
	go func() {
		logger.Info("Server started", "address", server.Addr, "env", cfg.Env)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	select {
	case <-sigChan:
		logger.Info("Shutdown signal received, initiating graceful shutdown...")
	case err := <-serverErr:
		logger.Error("Server failed", "error", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("Server shutdown error", "error", err)
	}

	stopWorker()
	jobWorker.Stop()

	select {
	case <-cron.Stop().Done():
	case <-shutdownCtx.Done():
		logger.Warn("Scheduled tasks still running at shutdown")
	}

	logger.Info("Graceful shutdown complete")
	return nil
}

// openStore connects the configured backend and prepares its schema.
func openStore(ctx context.Context, cfg *internal.Config, logger *slog.Logger) (repository.Store, error) {
	switch cfg.StoreBackend {
	case internal.StoreBackendMemory:
		logger.Warn("Using in-memory store; all state is lost on restart")
		return repository.NewMemory(), nil

	case internal.StoreBackendMongo:
		store, err := mongo.Connect(ctx, mongo.Config{
			URL:            cfg.MongoURL,
			Database:       cfg.MongoDatabase,
			ConnectTimeout: 10 * time.Second,
			RetryAttempts:  5,
			RetryInterval:  2 * time.Second,
		}, logger)
		if err != nil {
			return nil, fmt.Errorf("mongo connection failed: %w", err)
		}
		if err := store.EnsureIndexes(ctx); err != nil {
			_ = store.Close()
			return nil, fmt.Errorf("mongo indexes: %w", err)
		}
		return store, nil

	default:
		pool, err := postgres.Connect(ctx, cfg.DatabaseUrl, 5, 2*time.Second, logger)
		if err != nil {
			return nil, fmt.Errorf("database connection failed: %w", err)
		}
		if err := internal.RunMigrations(pool, logger); err != nil {
			pool.Close()
			return nil, fmt.Errorf("migration failed: %w", err)
		}
		return postgres.New(pool), nil
	}
}

func newAIProvider(cfg *internal.Config, logger *slog.Logger) (ai.Provider, error) {
	providerCfg := ai.ProviderConfig{
		MaxRetries:     cfg.AIMaxRetries,
		RetryBaseDelay: cfg.AIRetryBaseDelay,
		RequestTimeout: cfg.AIRequestTimeout,
	}

	switch cfg.AIProvider {
	case "openai":
		return openai.New(openai.Config{APIKey: cfg.OpenAIAPIKey, Model: cfg.OpenAIModel, ProviderConfig: providerCfg}, logger)
	case "anthropic":
		return anthropic.New(anthropic.Config{APIKey: cfg.AnthropicAPIKey, Model: cfg.AnthropicModel, ProviderConfig: providerCfg}, logger)
	default:
		return mock.New(logger), nil
	}
}

// newLimiters returns the checkout and analysis limiters: Redis-backed
// when REDIS_URL is set so every instance shares one budget, in-process
// otherwise.
func newLimiters(ctx context.Context, cfg *internal.Config, logger *slog.Logger) (middleware.Limiter, middleware.Limiter, func(), error) {
	if cfg.RedisURL == "" {
		checkout := middleware.NewRateLimiter(cfg.RateLimitCheckout, cfg.RateLimitWindow, logger)
		analysis := middleware.NewRateLimiter(cfg.RateLimitAnalysis, cfg.RateLimitWindow, logger)
		return checkout, analysis, func() {
			checkout.Close()
			analysis.Close()
		}, nil
	}

	connectCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()
	client, err := middleware.ConnectRedis(connectCtx, cfg.RedisURL, 5, 2*time.Second)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("redis connection failed: %w", err)
	}
	logger.Info("Rate limiting backed by Redis")

	checkout := middleware.NewRedisLimiter(client, "meanas:rate_limit", cfg.RateLimitCheckout, cfg.RateLimitWindow)
	analysis := middleware.NewRedisLimiter(client, "meanas:rate_limit", cfg.RateLimitAnalysis, cfg.RateLimitWindow)
	return checkout, analysis, func() { _ = client.Close() }, nil
}

func main() {
	if err := run(); err != nil {
		log.Fatal(err)
	}
}
