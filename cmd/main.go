/**
 * @description
 * This is the main entry point for the entitlement service.
 * It initializes and wires together all the components of the application,
 * including configuration, database connection, repository, billing client,
 * application services, the sweep scheduler, and the HTTP router, then
 * starts the HTTP server and runs until a termination signal arrives.
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

	"github.com/seosnap/entitlement-service/internal/api"
	"github.com/seosnap/entitlement-service/internal/app"
	"github.com/seosnap/entitlement-service/internal/config"
	"github.com/seosnap/entitlement-service/internal/store"
	"github.com/seosnap/entitlement-service/pkg/billing"
)

func main() {
	// Initialize structured logger
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))

	// Load a local .env file if present (development convenience)
	_ = godotenv.Load()

	// Load application configuration from environment variables
	cfg, err := config.LoadConfig()
	if err != nil {
		logger.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Establish connection to the PostgreSQL database with connection pool configuration
	poolCfg, err := pgxpool.ParseConfig(cfg.DatabaseURL)
	if err != nil {
		logger.Error("unable to parse database URL", "error", err)
		os.Exit(1)
	}

	// Configure connection pool for high-traffic scenarios
	poolCfg.MaxConns = 100
	poolCfg.MinConns = 20
	poolCfg.MaxConnLifetime = 30 * time.Minute
	poolCfg.MaxConnIdleTime = 5 * time.Minute

	// IMPORTANT: Disable prepared statements to work with PgBouncer transaction pooling
	// Use simple protocol to avoid statement cache errors (SQLSTATE 42P05)
	poolCfg.ConnConfig.DefaultQueryExecMode = pgx.QueryExecModeSimpleProtocol

	dbpool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		logger.Error("unable to connect to database", "error", err)
		os.Exit(1)
	}
	defer dbpool.Close()
	logger.Info("database connection established")

	// Initialize application layers
	repository := store.NewRepository(dbpool)
	billingClient := billing.NewClient(cfg.StripeAPIKey)

	reconciler := app.NewReconciler(repository, billingClient, logger,
		time.Duration(cfg.FreePeriodDays)*24*time.Hour)
	sweeper := app.NewSweeper(repository, logger, app.SweeperConfig{
		PaymentGracePeriod: cfg.SweepGracePeriod,
		FreePeriod:         time.Duration(cfg.FreePeriodDays) * 24 * time.Hour,
		Parallelism:        cfg.SweepParallelism,
	})
	quota := app.NewQuotaGuard(repository, logger)
	entitlements := app.NewEntitlementService(repository, billingClient, logger)
	health := app.NewHealthReporter(repository, logger, cfg.SweepGracePeriod)

	// Start the cron scheduler for the periodic expiry sweep
	scheduler := app.NewScheduler(sweeper, logger, cfg.SweepSchedule)
	scheduler.Start()
	logger.Info("sweep scheduler started", "schedule", cfg.SweepSchedule)

	handler := api.NewHandler(reconciler, sweeper, quota, entitlements, health, cfg.StripeWebhookSecret, cfg.PortalReturnURL, logger)
	router := api.NewRouter(handler, repository, cfg.JWTSecret, cfg.OperatorToken)

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
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	logger.Info("shutdown signal received, gracefully shutting down")

	// Stop the scheduler first so no new sweep starts mid-shutdown
	stopCtx := scheduler.Stop()
	<-stopCtx.Done()
	logger.Info("sweep scheduler stopped")

	// Create a context with a timeout for shutdown
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	// Attempt to gracefully shut down the server
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown failed", "error", err)
	}

	logger.Info("server stopped")
}
