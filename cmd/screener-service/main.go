package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/algomatic/screener-service/internal/alerts"
	"github.com/algomatic/screener-service/internal/cache"
	"github.com/algomatic/screener-service/internal/config"
	"github.com/algomatic/screener-service/internal/db"
	"github.com/algomatic/screener-service/internal/enricher"
	"github.com/algomatic/screener-service/internal/redisbus"
	"github.com/algomatic/screener-service/internal/repository"
	"github.com/algomatic/screener-service/internal/runner"
	"github.com/algomatic/screener-service/internal/runtracker"
	"github.com/algomatic/screener-service/internal/screener"
	"github.com/algomatic/screener-service/internal/server"
	"github.com/algomatic/screener-service/internal/tracing"
)

const shutdownTimeout = 30 * time.Second

func main() {
	envFile := os.Getenv("SCREENER_ENV_FILE")
	if envFile == "" {
		envFile = ".env"
	}
	if err := config.LoadEnvFile(envFile); err != nil {
		fmt.Fprintf(os.Stderr, "failed to load env file: %v\n", err)
		os.Exit(1)
	}

	cfg, err := config.Load(os.Getenv("SCREENER_CONFIG"))
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger := setupLogger(cfg.Log.Level)
	slog.SetDefault(logger)

	if err := run(cfg, logger); err != nil {
		logger.Error("Screener service failed", "error", err)
		os.Exit(1)
	}
	logger.Info("Screener service stopped")
}

func setupLogger(level string) *slog.Logger {
	logLevel := slog.LevelInfo
	switch level {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel}))
}

func run(cfg *config.Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger.Info("Starting screener-service",
		"grpc_port", cfg.GRPC.Port,
		"db_host", cfg.Database.Host,
		"db_name", cfg.Database.Name,
		"max_conns", cfg.Database.MaxConns,
		"redis", cfg.Redis.Enabled,
		"alerts", cfg.Alerts.Enabled,
		"cache", cfg.Cache.Enabled,
	)

	shutdownTracing, err := tracing.Init(cfg.Tracing, os.Stderr)
	if err != nil {
		return fmt.Errorf("initializing tracing: %w", err)
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(sctx); err != nil {
			logger.Warn("Tracing shutdown failed", "error", err)
		}
	}()

	pool, err := db.NewPool(ctx, cfg.Database, logger)
	if err != nil {
		return fmt.Errorf("creating database pool: %w", err)
	}
	defer pool.Close()

	fundamentals := repository.NewFundamentalsRepo(pool, logger)
	var history enricher.History
	if cfg.Screener.HistoryEnabled {
		history = fundamentals
	}

	tracker := runtracker.NewTracker(logger, runtracker.DefaultRetention)
	svc := screener.NewService(
		runner.New(pool, runner.Options{
			AcquireTimeout:   cfg.Database.AcquireTimeout,
			StatementTimeout: cfg.Database.StatementTimeout,
			Logger:           logger,
		}),
		enricher.New(history, cfg.Screener.HistoryQuarters, logger),
		tracker,
		logger,
	)

	var rdb redis.UniversalClient
	var bus *redisbus.Bus
	if cfg.Redis.Enabled {
		rdb = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr(),
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer rdb.Close()

		bus = redisbus.NewBus(rdb, cfg.Redis.ChannelPrefix, logger)
		if err := bus.HealthCheck(ctx); err != nil {
			// Alerts and the cache degrade individually; screening does not need redis.
			logger.Warn("Redis unreachable at startup", "addr", cfg.Redis.Addr(), "error", err)
		}
	}

	var front server.Screener = svc
	var alertScreener alerts.Screener = svc
	if cfg.Cache.Enabled {
		results := cache.New(cache.NewRedisKV(rdb), cfg.Cache.TTL, cfg.Redis.ChannelPrefix, logger)
		cached := screener.NewCachedService(svc, results, logger)
		front, alertScreener = cached, cached
	}

	var sched *alerts.Scheduler
	if cfg.Alerts.Enabled {
		sched, err = startAlerts(ctx, cfg.Alerts, alertScreener, bus, logger)
		if err != nil {
			return err
		}
	}

	grpcServer, healthServer := server.New(front, fundamentals, logger)

	addr := server.Addr(cfg.GRPC.Port)
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", addr, err)
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("gRPC server listening", "addr", addr)
		serveErr <- grpcServer.Serve(lis)
	}()

	select {
	case err := <-serveErr:
		return fmt.Errorf("gRPC server: %w", err)
	case <-ctx.Done():
	}

	logger.Info("Received signal, shutting down")
	healthServer.SetServingStatus(server.ServiceName, healthpb.HealthCheckResponse_NOT_SERVING)

	sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if sched != nil {
		if err := sched.Stop(sctx); err != nil {
			logger.Warn("Alert scheduler did not stop cleanly", "error", err, "in_flight", sched.Guard().InFlight())
		}
	}

	stopped := make(chan struct{})
	go func() {
		grpcServer.GracefulStop()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-sctx.Done():
		logger.Warn("Graceful stop timed out, forcing")
		grpcServer.Stop()
	}

	if err := <-serveErr; err != nil && !errors.Is(err, net.ErrClosed) {
		return fmt.Errorf("gRPC server: %w", err)
	}
	return nil
}

func startAlerts(ctx context.Context, cfg config.AlertsConfig, s alerts.Screener, bus *redisbus.Bus, logger *slog.Logger) (*alerts.Scheduler, error) {
	rules, err := alerts.LoadRules(cfg.RulesFile)
	if err != nil {
		return nil, fmt.Errorf("loading alert rules: %w", err)
	}

	var notifier alerts.Notifier = alerts.NewLogNotifier(logger)
	if bus != nil {
		notifier = alerts.NewBusNotifier(bus, "")
	}

	sched, err := alerts.NewScheduler(rules, alerts.NewEvaluator(s, notifier, logger), alerts.Options{Logger: logger})
	if err != nil {
		return nil, fmt.Errorf("creating alert scheduler: %w", err)
	}
	sched.Start()

	go func() {
		results := sched.RunAll(ctx, cfg.Parallelism)
		for _, r := range results {
			if r.Err != nil {
				logger.Warn("Startup alert evaluation failed", "alert_id", r.AlertID, "error", r.Err)
			}
		}
	}()

	logger.Info("Alert scheduler started", "rules", len(rules), "rules_file", cfg.RulesFile)
	return sched, nil
}
