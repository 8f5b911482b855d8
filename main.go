package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"golang.org/x/time/rate"

	"github.com/onurcolak/insider-dispatch-service/environments"
	"github.com/onurcolak/insider-dispatch-service/handlers"
	"github.com/onurcolak/insider-dispatch-service/internal/credentials"
	"github.com/onurcolak/insider-dispatch-service/internal/domain"
	"github.com/onurcolak/insider-dispatch-service/internal/middlewares"
	"github.com/onurcolak/insider-dispatch-service/internal/pubsub"
	"github.com/onurcolak/insider-dispatch-service/internal/queue"
	"github.com/onurcolak/insider-dispatch-service/internal/ratelimit"
	"github.com/onurcolak/insider-dispatch-service/internal/repository"
	"github.com/onurcolak/insider-dispatch-service/internal/scheduler"
	"github.com/onurcolak/insider-dispatch-service/internal/service"
	"github.com/onurcolak/insider-dispatch-service/pkg/database"
	"github.com/onurcolak/insider-dispatch-service/pkg/logger"
	"github.com/onurcolak/insider-dispatch-service/pkg/provider"
	"github.com/onurcolak/insider-dispatch-service/pkg/redis"
	"github.com/onurcolak/insider-dispatch-service/pkg/secrets"
	"github.com/onurcolak/insider-dispatch-service/pkg/validator"
	"github.com/onurcolak/insider-dispatch-service/pkg/webhook"
	"github.com/onurcolak/insider-dispatch-service/routes"

	_ "github.com/onurcolak/insider-dispatch-service/docs" // swagger docs
)

// @title Insider Dispatch Service API
// @version 1.0
// @description Multi-tenant outbound messaging dispatcher: job queue, rate limiting, campaign scheduling and provider delivery.
// @termsOfService http://swagger.io/terms/

// @contact.name API Support
// @contact.email onur.colak@useinsider.com

// @license.name MIT
// @license.url https://opensource.org/licenses/MIT

// @host localhost:8080
// @BasePath /

// @schemes http https
func main() {
	// Load config
	cfg := environments.Load()

	logger.Init(cfg.Log.Level, cfg.Log.Pretty)

	// Hard-fail if required secrets are missing
	if cfg.Secrets.EncryptionKey == "" {
		logger.Fatalf("SECRETS_ENCRYPTION_KEY is required but not set")
	}
	if cfg.Auth.DispatchAPIKey == "" {
		logger.Fatalf("DISPATCH_API_KEY is required but not set")
	}
	if cfg.Auth.SchedulerAPIKey == "" {
		logger.Fatalf("SCHEDULER_API_KEY is required but not set")
	}

	cipher, err := secrets.NewCipher(cfg.Secrets.EncryptionKey)
	if err != nil {
		logger.Fatalf("Invalid SECRETS_ENCRYPTION_KEY: %v", err)
	}

	logger.Infof("Starting Insider Dispatch Service...")

	// Init DB
	db, err := database.NewMySQLDB(cfg.Database)
	if err != nil {
		logger.Fatalf("Failed to connect to database: %v", err)
	}

	// Run migrations
	if err := database.RunMigrations(db); err != nil {
		logger.Fatalf("Failed to run migrations: %v", err)
	}

	// Seed data
	if os.Getenv("SEED_DATA") == "true" {
		token := environments.GetEnv("SEED_ACCESS_TOKEN", "test-access-token")
		if err := database.SeedTestData(db, cipher, token); err != nil {
			logger.Warnf("Failed to seed test data: %v", err)
		}
	}

	// Init Valkey. The shared queue needs it; with the memory queue it only
	// backs the rate limiter and fan-out when reachable.
	redisClient, err := redis.NewRedisClient(cfg.Redis)
	if err != nil {
		if cfg.Queue.Backend != "memory" {
			logger.Fatalf("Valkey is required for the %s queue backend: %v", cfg.Queue.Backend, err)
		}
		logger.Warnf("Valkey not available, using in-process stores: %v", err)
		redisClient = nil
	}

	var (
		rateStore    ratelimit.Store
		jobBackend   queue.Backend
		broker       pubsub.Broker
		valkeyHealth interface{ Ping(context.Context) error }
	)
	if redisClient != nil {
		rateStore = redisClient
		broker = pubsub.NewValkeyBroker(redisClient.Valkey(), cfg.PubSub.Channel, cfg.Redis.OpTimeout)
		valkeyHealth = redisClient
	} else {
		rateStore = ratelimit.NewMemoryStore()
		broker = pubsub.NewMemoryBroker()
	}
	if cfg.Queue.Backend == "memory" {
		jobBackend = queue.NewMemoryBackend()
	} else {
		jobBackend = queue.NewValkeyBackend(redisClient.Valkey(), cfg.Queue.Prefix, cfg.Redis.OpTimeout)
	}
	logger.Infof("Queue backend: %s", cfg.Queue.Backend)

	// Rate limiting
	tenantBuckets := ratelimit.NewTokenBucket(rateStore, cfg.RateLimit.OnStoreUnavailable,
		ratelimit.WithBucketTTL(cfg.RateLimit.BucketTTL))
	requestWindow := ratelimit.NewFixedWindow(rateStore, cfg.RateLimit.GlobalRequestsPerMin, time.Minute,
		cfg.RateLimit.OnStoreUnavailable)

	// Initialize provider client
	providerClient := provider.NewClient(cfg.Provider)
	logger.Infof("Provider configured: %s", providerClient.MessagesURL("{routingId}"))

	// Initialize repositories
	messageRepo := repository.NewMessageRepository(db)
	campaignRepo := repository.NewCampaignRepository(db)
	credentialRepo := repository.NewCredentialRepository(db)
	tenantRepo := repository.NewTenantRepository(db)

	// Initialize services
	credentialStore := credentials.NewStore(credentialRepo, tenantRepo, broker)
	jobs := queue.New(jobBackend, cfg.Queue.MaxAttempts)

	sender := service.NewMessageSender(
		messageRepo,
		credentialStore,
		tenantBuckets,
		cipher,
		providerClient,
		broker,
		service.SenderConfig{
			TenantMaxTokens:       cfg.RateLimit.TenantMaxTokens,
			TenantRefillPerSecond: cfg.RateLimit.TenantRefillPerSecond,
			GlobalMaxTokens:       cfg.RateLimit.GlobalSendPerSecond,
			GlobalRefillPerSecond: cfg.RateLimit.GlobalSendPerSecond,
		},
	)
	executor := service.NewCampaignExecutor(campaignRepo, messageRepo, credentialStore, jobs, broker)
	webhookProcessor := service.NewWebhookProcessor(credentialStore, broker)
	dispatchService := service.NewDispatchService(messageRepo, credentialStore, jobs)

	// Create context for graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Queue consumers
	retry := queue.RetryPolicy{Base: cfg.Queue.BackoffBase, Max: cfg.Queue.BackoffMax, Jitter: 0.2}
	consumers := []*queue.Consumer{
		queue.NewConsumer(jobBackend, queue.ConsumerConfig{
			Queue:        queue.MessageSend,
			Concurrency:  cfg.Queue.SendConcurrency,
			Limiter:      sendLimiter(cfg.Queue.SendRatePerSecond),
			JobTimeout:   cfg.Queue.JobTimeout,
			PollInterval: cfg.Queue.PollInterval,
			Retry:        retry,
		}, sender.HandleJob),
		queue.NewConsumer(jobBackend, queue.ConsumerConfig{
			Queue:        queue.CampaignExecute,
			Concurrency:  cfg.Queue.CampaignConcurrency,
			JobTimeout:   cfg.Queue.JobTimeout,
			PollInterval: cfg.Queue.PollInterval,
			Retry:        retry,
		}, executor.HandleJob),
		queue.NewConsumer(jobBackend, queue.ConsumerConfig{
			Queue:        queue.WebhookProcessing,
			Concurrency:  cfg.Queue.WebhookConcurrency,
			JobTimeout:   cfg.Queue.JobTimeout,
			PollInterval: cfg.Queue.PollInterval,
			Retry:        retry,
		}, webhookProcessor.HandleJob),
	}
	for _, consumer := range consumers {
		if err := consumer.Start(ctx); err != nil {
			logger.Fatalf("Failed to start queue consumer: %v", err)
		}
	}

	janitor := queue.NewJanitor(jobBackend, cfg.Queue.JanitorSpec, cfg.Queue.DeadLetterRetention,
		queue.MessageSend, queue.CampaignExecute, queue.WebhookProcessing)
	if err := janitor.Start(ctx); err != nil {
		logger.Fatalf("Failed to start dead-letter janitor: %v", err)
	}

	// Event log: every process logs what it sees on the fan-out channel.
	go pubsub.Listen(ctx, broker, func(e domain.Event) {
		logger.Debugf("Event %s (tenant %d)", e.Type, e.TenantID)
	})

	// Initialize scheduler
	var alerts scheduler.Alerter
	if cfg.Scheduler.AlertWebhookURL != "" {
		alertClient := webhook.NewWebhookClient(cfg.Scheduler)
		logger.Infof("Scheduler alerts configured: %s", alertClient.GetURL())
		alerts = alertClient
	}
	sched := scheduler.NewScheduler(campaignRepo, jobs, broker, alerts, scheduler.Config{
		Interval:       cfg.Scheduler.Interval,
		BatchSize:      cfg.Scheduler.BatchSize,
		AlertThreshold: cfg.Scheduler.AlertThreshold,
	})

	// Initialize handlers
	consumerViews := make([]handlers.ConsumerSnapshotter, 0, len(consumers))
	for _, consumer := range consumers {
		consumerViews = append(consumerViews, consumer)
	}
	h := routes.Handlers{
		Health:    handlers.NewHealthHandler(db, valkeyHealth),
		Dispatch:  handlers.NewDispatchHandler(dispatchService, sched, jobs, messageRepo, consumerViews...),
		Webhook:   handlers.NewWebhookHandler(dispatchService),
		Tenant:    handlers.NewTenantHandler(credentialStore),
		Scheduler: handlers.NewSchedulerHandler(sched, ctx),
	}

	// Auto-start scheduler
	if cfg.Scheduler.AutoStart {
		logger.Infof("Auto-starting scheduler...")
		if err := sched.Start(ctx); err != nil {
			logger.Warnf("Failed to auto-start scheduler: %v", err)
		}
	}

	e := echo.New()
	e.HideBanner = true
	e.Validator = validator.New()

	// Middleware
	e.Use(middleware.RequestID())
	e.Use(middlewares.RequestLogger())
	e.Use(middleware.Recover())
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete, http.MethodOptions},
		AllowHeaders: []string{
			echo.HeaderOrigin,
			echo.HeaderContentType,
			echo.HeaderAccept,
			echo.HeaderAuthorization,
			middlewares.APIKeyHeader,
		},
	}))

	// Setup routes
	routes.RegisterRoutes(e, h, requestWindow, cfg)

	// Start server in goroutine
	go func() {
		addr := ":" + cfg.Server.Port
		logger.Infof("Server starting on http://localhost%s", addr)
		logger.Infof("Swagger docs available at http://localhost%s/swagger/index.html", addr)
		if err := e.Start(addr); err != nil && err != http.ErrServerClosed {
			logger.Fatalf("Failed to start server: %v", err)
		}
	}()

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Infof("Shutting down gracefully...")

	// Stop intake first so no new jobs arrive while workers drain
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	logger.Infof("Shutting down HTTP server...")
	if err := e.Shutdown(shutdownCtx); err != nil {
		logger.Errorf("Server forced to shutdown: %v", err)
	} else {
		logger.Infof("HTTP server stopped successfully")
	}

	if sched.IsRunning() {
		logger.Infof("Stopping scheduler...")
		if err := sched.Stop(); err != nil {
			logger.Errorf("Error stopping scheduler: %v", err)
		}
	}

	// Consumers finish their in-flight jobs; a job still running when the
	// timeout hits keeps its lease and is redelivered after it expires.
	logger.Infof("Draining queue consumers...")
	drained := make(chan struct{})
	go func() {
		for _, consumer := range consumers {
			consumer.Stop()
		}
		close(drained)
	}()
	select {
	case <-drained:
		logger.Infof("Queue consumers stopped")
	case <-time.After(cfg.Queue.JobTimeout + 5*time.Second):
		logger.Warnf("Consumer drain timeout, forcing shutdown")
	}

	janitor.Stop()

	// Cancel context to signal all remaining goroutines to stop
	cancel()

	// Close database connection
	logger.Infof("Closing database connection...")
	if err := db.Close(); err != nil {
		logger.Errorf("Error closing database: %v", err)
	}

	// Close Valkey connection
	if redisClient != nil {
		logger.Infof("Closing Valkey connection...")
		if err := redisClient.Close(); err != nil {
			logger.Errorf("Error closing Valkey: %v", err)
		}
	}

	logger.Infof("Graceful shutdown completed")
}

// sendLimiter smooths local send bursts. A non-positive rate disables it.
func sendLimiter(perSecond int) *rate.Limiter {
	if perSecond <= 0 {
		return nil
	}
	return rate.NewLimiter(rate.Limit(perSecond), perSecond)
}
