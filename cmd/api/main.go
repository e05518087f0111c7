// Package main is the entry point for the credit engine API server.
//
// It loads configuration, connects the Postgres pool, wires the ledger
// client, scheduler loop, and HTTP chassis, and serves until SIGINT or
// SIGTERM. The scheduler loop starts automatically when
// SCHEDULER_AUTO_START is true; otherwise an operator starts it through
// POST /v1/scheduler/start.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/go-chi/chi/v5"

	"creditengine/internal/analytics"
	"creditengine/internal/api/handlers"
	"creditengine/internal/config"
	"creditengine/internal/core"
	"creditengine/internal/db"
	"creditengine/internal/eligibility"
	"creditengine/internal/events"
	"creditengine/internal/executor"
	"creditengine/internal/ledger"
	"creditengine/internal/observability"
	"creditengine/internal/schedule"
	"creditengine/internal/scheduler"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}

// run encapsulates the startup lifecycle so main() can cleanly exit on error.
func run() error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}

	logger := newLogger(cfg.LogLevel)
	slog.SetDefault(logger)
	logger.Info("credit engine starting",
		"environment", cfg.Environment,
		"service", cfg.Service,
		"port", cfg.Server.Port,
	)

	ctx := context.Background()

	pool, err := db.NewPool(ctx, cfg.Database.URL.Unmask(), cfg.Database.MaxConns, cfg.Database.MinConns)
	if err != nil {
		return fmt.Errorf("connecting database: %w", err)
	}
	defer pool.Close()

	// Repositories share the pool; transactional paths rebind via WithTx.
	schedules := db.NewScheduleRepository(pool)
	executions := db.NewExecutionRepository(pool)
	cohorts := db.NewCohortRepository(pool)
	analyticsRepo := db.NewAnalyticsRepository(pool)

	ledgerClient := ledger.NewClient(
		&http.Client{Timeout: cfg.Ledger.Timeout},
		ledger.ClientConfig{
			BaseURL:    cfg.Ledger.BaseURL,
			ServiceKey: cfg.Ledger.ServiceKey,
			Logger:     logger,
		},
	)

	evaluator := eligibility.NewEvaluator(cohorts, ledgerClient, nil)

	runner := executor.New(executor.Config{
		Concurrency:  cfg.Executor.Concurrency,
		PageSize:     cfg.Executor.PageSize,
		GrantRetries: cfg.Executor.GrantRetries,
	}, evaluator, ledgerClient, logger)

	eventPublisher, metricPublisher, err := buildAWSPublishers(ctx, cfg, logger)
	if err != nil {
		return err
	}

	loop := scheduler.New(scheduler.Config{
		Schedules:  schedules,
		Executions: executions,
		Runner:     runner,
		Finalizer:  scheduler.NewTxFinalizer(pool, schedules, executions),
		Events:     eventPublisher,
		Metrics:    metricPublisher,
		Logger:     logger,
		Interval:   cfg.Scheduler.Interval,
		StaleAfter: cfg.Scheduler.StaleAfter,
	})

	scheduleSvc := schedule.NewService(schedules, executions, evaluator, logger, nil)
	analyticsSvc := analytics.NewService(analyticsRepo, schedules, nil)

	srv, err := core.NewServer(cfg, logger)
	if err != nil {
		return fmt.Errorf("creating server: %w", err)
	}
	srv.HealthProbes = append(srv.HealthProbes, core.PingProbe{
		ProbeName: "database",
		PingFn:    pool.Ping,
	})

	scheduleHandler := handlers.NewScheduleHandler(scheduleSvc, loop, srv.Validator, logger)
	schedulerHandler := handlers.NewSchedulerHandler(loop, logger)
	analyticsHandler := handlers.NewAnalyticsHandler(analyticsSvc, loop, logger)
	srv.V1RouteRegistrars = append(srv.V1RouteRegistrars,
		func(r chi.Router) { scheduleHandler.Routes(r) },
		func(r chi.Router) { schedulerHandler.Routes(r) },
		func(r chi.Router) { analyticsHandler.Routes(r) },
	)
	srv.MountRoutes()

	if cfg.Scheduler.AutoStart {
		if err := loop.Start(ctx); err != nil {
			return fmt.Errorf("starting scheduler loop: %w", err)
		}
	}

	return serveHTTP(srv, cfg, loop, logger)
}

// buildAWSPublishers wires the optional SQS event producer and CloudWatch
// metrics. Both return nil when not configured; the loop treats nil
// publishers as disabled.
func buildAWSPublishers(ctx context.Context, cfg *config.Config, logger *slog.Logger) (scheduler.EventPublisher, scheduler.MetricPublisher, error) {
	if cfg.AWS.EventsQueueURL == "" && !cfg.AWS.MetricsEnabled {
		return nil, nil, nil
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.AWS.Region))
	if err != nil {
		return nil, nil, fmt.Errorf("loading AWS config: %w", err)
	}

	var eventPublisher scheduler.EventPublisher
	if cfg.AWS.EventsQueueURL != "" {
		sqsClient := sqs.NewFromConfig(awsCfg, func(o *sqs.Options) {
			if cfg.AWS.EndpointURL != "" {
				o.BaseEndpoint = aws.String(cfg.AWS.EndpointURL)
			}
		})
		eventPublisher = events.NewProducer(sqsClient, cfg.AWS.EventsQueueURL, logger)
	}

	var metricPublisher scheduler.MetricPublisher
	if cfg.AWS.MetricsEnabled {
		cwClient := cloudwatch.NewFromConfig(awsCfg, func(o *cloudwatch.Options) {
			if cfg.AWS.EndpointURL != "" {
				o.BaseEndpoint = aws.String(cfg.AWS.EndpointURL)
			}
		})
		metricPublisher = observability.NewCloudWatchMetrics(cwClient)
	}

	return eventPublisher, metricPublisher, nil
}

// serveHTTP runs the HTTP server until a shutdown signal or listen error,
// then drains in-flight requests and stops the scheduler loop.
func serveHTTP(srv *core.Server, cfg *config.Config, loop *scheduler.Loop, logger *slog.Logger) error {
	addr := ":" + cfg.Server.Port

	httpServer := &http.Server{
		Addr:              addr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		logger.Info("HTTP server listening", "addr", addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
		close(serverErr)
	}()

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-shutdown:
		logger.Info("shutdown signal received", "signal", sig.String())
	case err := <-serverErr:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
	}

	logger.Info("initiating graceful shutdown")
	ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := httpServer.Shutdown(ctx); err != nil {
		logger.Error("HTTP server shutdown error", "error", err)
	}

	// Let an in-flight tick finish; a hard cut would leave running claims
	// for the stale sweep to mop up after restart.
	if err := loop.Stop(ctx); err != nil {
		logger.Warn("scheduler loop stop", "error", err)
	}

	logger.Info("server stopped cleanly")
	return nil
}

// newLogger creates a structured slog.Logger for the given log level.
func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))
}
