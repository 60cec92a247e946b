/**
 * @description
 * This is the main entry point for the entitlement-service.
 * It initializes and wires together all the components of the application:
 * configuration, database pool, Redis, RabbitMQ, the Stripe gateway, the
 * repositories and services, the reconciliation scheduler, and the HTTP
 * router. Finally, it starts the HTTP server to listen for incoming requests.
 */
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	"github.com/dentalpulse/entitlement-service/internal/api"
	"github.com/dentalpulse/entitlement-service/internal/app"
	"github.com/dentalpulse/entitlement-service/internal/config"
	"github.com/dentalpulse/entitlement-service/internal/domain"
	"github.com/dentalpulse/entitlement-service/internal/store"
	"github.com/dentalpulse/entitlement-service/pkg/rabbitmq"
	"github.com/dentalpulse/entitlement-service/pkg/stripeclient"
)

func main() {
	// Initialize structured logger
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))

	// Load .env if present; real deployments set environment variables directly.
	_ = godotenv.Load()

	// Load application configuration from environment variables
	cfg, err := config.LoadConfig()
	if err != nil {
		logger.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	// Create a context that can be cancelled
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Set up channel to listen for OS signals
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	// Establish connection to the PostgreSQL database with connection pool configuration
	poolConfig, err := pgxpool.ParseConfig(cfg.DatabaseURL)
	if err != nil {
		logger.Error("unable to parse database URL", "error", err)
		os.Exit(1)
	}

	poolConfig.MaxConns = 50
	poolConfig.MinConns = 10
	poolConfig.MaxConnLifetime = 30 * time.Minute
	poolConfig.MaxConnIdleTime = 5 * time.Minute

	// Use simple protocol so the pool works behind PgBouncer transaction pooling.
	poolConfig.ConnConfig.DefaultQueryExecMode = pgx.QueryExecModeSimpleProtocol

	dbpool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		logger.Error("unable to connect to database", "error", err)
		os.Exit(1)
	}
	defer dbpool.Close()
	logger.Info("database connection established")

	// Redis backs the API rate limiter; the service runs without it.
	var limiter *app.RedisRateLimiter
	if cfg.RedisURL != "" {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			logger.Error("invalid redis URL", "error", err)
			os.Exit(1)
		}
		limiter = app.NewRedisRateLimiter(redis.NewClient(opts), "entitlement:rate_limit")
		logger.Info("redis rate limiter enabled")
	}

	// RabbitMQ carries billing lifecycle events to the notification pipeline.
	var publisher rabbitmq.Publisher
	if cfg.RabbitMQURL != "" {
		producer, err := rabbitmq.NewEventProducer(cfg.RabbitMQURL, domain.BillingExchange)
		if err != nil {
			logger.Warn("rabbitmq unavailable, falling back to no-op publisher", "error", err)
			publisher = &rabbitmq.EventProducerFallback{}
		} else {
			publisher = producer
		}
	} else {
		publisher = &rabbitmq.EventProducerFallback{}
	}
	defer publisher.Close()

	// Initialize application layers
	subscriptionRepo := store.NewSubscriptionRepository(dbpool)
	usageRepo := store.NewUsageRepository(dbpool)

	gateway := stripeclient.New(cfg.StripeSecretKey)
	billing := app.NewBillingService(gateway, subscriptionRepo, publisher, logger, app.BillingConfig{
		PlanPrices: map[domain.PlanID]string{
			domain.PlanStarter:      cfg.StripePriceStarter,
			domain.PlanProfessional: cfg.StripePriceProfessional,
			domain.PlanEnterprise:   cfg.StripePriceEnterprise,
		},
		MeteredPrices: map[domain.FeatureType]string{
			domain.FeatureTypeAIQueries: cfg.StripeMeteredPriceAIQueries,
		},
		SuccessURL: cfg.CheckoutSuccessURL,
		CancelURL:  cfg.CheckoutCancelURL,
	})

	entitlements := app.NewEntitlementService(subscriptionRepo, usageRepo, logger, cfg.StrictFeatureGating)
	ledger := app.NewLedgerService(usageRepo, subscriptionRepo, billing, logger)

	// The reconciliation job closes the gap between the local ledger and
	// Stripe's metered usage.
	reconciler := app.NewReconciler(usageRepo, subscriptionRepo, billing, logger, cfg.ReconcileBatchSize)
	scheduler := app.NewScheduler(reconciler, logger, cfg.ReconcileSchedule)
	scheduler.Start()
	defer scheduler.Stop()

	handler := api.NewHandler(entitlements, ledger, billing, cfg.StripeWebhookSecret, logger)
	routerCfg := api.RouterConfig{
		Auth: api.AuthMiddlewareConfig{
			JWKSURL: cfg.ClerkJWKSURL,
		},
		RateLimitPerMinute: cfg.RateLimitPerMinute,
	}
	if limiter != nil {
		routerCfg.RateLimiter = limiter
	}
	router := api.NewRouter(handler, routerCfg)

	// Configure and start the HTTP server
	server := &http.Server{
		Addr:    fmt.Sprintf(":%s", cfg.ServerPort),
		Handler: router,
	}

	go func() {
		logger.Info("starting server", "port", cfg.ServerPort)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server failed to start", "error", err)
			os.Exit(1)
		}
	}()

	// Wait for an OS signal
	<-sigCh
	logger.Info("shutdown signal received, gracefully shutting down")

	// Create a context with a timeout for shutdown
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	// Attempt to gracefully shut down the server
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown failed", "error", err)
	}

	logger.Info("server stopped")
}
