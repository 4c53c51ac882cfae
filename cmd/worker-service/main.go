package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cuongbtq/convo-transfer/internal/artifact"
	"github.com/cuongbtq/convo-transfer/internal/config"
	"github.com/cuongbtq/convo-transfer/internal/conversation"
	"github.com/cuongbtq/convo-transfer/internal/importer"
	"github.com/cuongbtq/convo-transfer/internal/jobstore"
	"github.com/cuongbtq/convo-transfer/internal/metrics"
	"github.com/cuongbtq/convo-transfer/internal/scheduler"
	"github.com/cuongbtq/convo-transfer/internal/transfer"
	"github.com/cuongbtq/convo-transfer/internal/worker"
	"github.com/cuongbtq/convo-transfer/shared/logger"
	"github.com/cuongbtq/convo-transfer/shared/postgresql"
	"github.com/cuongbtq/convo-transfer/shared/rabbitmq"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func main() {
	if err := run(); err != nil {
		log.Fatal(err)
	}
}

func run() error {
	// Load .env file if it exists
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, using environment variables or flags")
	}

	// Parse command-line flags
	defaultConfigPath := os.Getenv("WORKER_SERVICE_CONFIG_PATH")
	if defaultConfigPath == "" {
		defaultConfigPath = "configs/worker-service/config.yaml"
	}
	configPath := flag.String("config", defaultConfigPath, "Path to configuration file")
	flag.Parse()

	// Load configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	if err := cfg.ValidateWorkerConfig(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	// Initialize logger
	appLogger, err := initLogger(&cfg.Logging)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer appLogger.Close()

	appLogger.Info("Starting worker service",
		slog.String("app", cfg.App.Name),
		slog.String("version", cfg.App.Version),
		slog.String("environment", cfg.App.Environment),
	)

	// Initialize PostgreSQL client
	dbClient, err := initPostgreSQL(&cfg.Database, appLogger.Logger)
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	defer dbClient.Close()

	if cfg.Database.AutoMigrate {
		if err := dbClient.Migrate(context.Background()); err != nil {
			return fmt.Errorf("failed to migrate database: %w", err)
		}
	}

	appLogger.Info("Database connection established")

	var sink metrics.Sink = metrics.NewNoopSink()
	var metricsServer *http.Server
	if cfg.Metrics.Enabled {
		registry := prometheus.NewRegistry()
		registry.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
		sink = metrics.NewPrometheusSink(registry, appLogger.Logger)
		metricsServer = startMetricsServer(cfg.Metrics, registry, appLogger.Logger)
	}

	artifacts, err := artifact.NewManager(artifact.Config{
		Dir:           cfg.Artifact.Dir,
		TTL:           cfg.Artifact.TTL,
		SweepSchedule: cfg.Artifact.SweepSchedule,
	}, artifact.NewPostgresStore(dbClient.GetDB(), appLogger.Logger), appLogger.Logger)
	if err != nil {
		return fmt.Errorf("failed to initialize artifact manager: %w", err)
	}
	artifacts.WithMetrics(sink)

	sched := scheduler.New(jobstore.NewStore(dbClient.GetDB(), appLogger.Logger), scheduler.Config{
		Concurrency:  cfg.Worker.Concurrency,
		PollInterval: cfg.Worker.PollInterval,
		JobTimeout:   cfg.Worker.JobTimeout,
		StaleGrace:   cfg.Worker.StaleGrace,
		ReapSchedule: cfg.Worker.ReapSchedule,
	}, appLogger.Logger).WithMetrics(sink)

	repo := conversation.NewPostgresRepository(dbClient.GetDB(), appLogger.Logger)
	err = transfer.Register(sched,
		transfer.NewImportHandler(importer.DefaultRegistry(), repo, appLogger.Logger),
		transfer.NewExportHandler(repo, artifacts, appLogger.Logger).WithFetchConcurrency(cfg.Worker.FetchParallel),
	)
	if err != nil {
		return fmt.Errorf("failed to register job handlers: %w", err)
	}

	workerCfg := &worker.Config{
		Logger:    appLogger.Logger,
		Runner:    sched,
		Artifacts: artifacts,
		WorkerID:  workerID(cfg.RabbitMQ.Consumer.Tag),
	}

	// RabbitMQ only speeds up pickup; the scheduler polls either way
	if cfg.RabbitMQ.Enabled() {
		rabbitClient, err := initRabbitMQ(&cfg.RabbitMQ, appLogger.Logger)
		if err != nil {
			return fmt.Errorf("failed to initialize RabbitMQ: %w", err)
		}
		defer rabbitClient.Close()

		workerCfg.Deliveries = rabbitClient
		workerCfg.PrefetchCount = cfg.RabbitMQ.Consumer.PrefetchCount
		appLogger.Info("RabbitMQ connection established")
	}

	workerInstance := worker.NewWorker(workerCfg)

	// Create context for graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	errChan := make(chan error, 1)
	go func() {
		errChan <- workerInstance.Start(ctx)
	}()

	appLogger.Info("Worker service started successfully")

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		appLogger.Info("Received signal, shutting down gracefully",
			slog.String("signal", sig.String()),
		)
	case err := <-errChan:
		if err != nil {
			appLogger.Error("Worker error", slog.Any("error", err))
		}
		shutdownMetrics(metricsServer, appLogger.Logger)
		return err
	}

	// Cancel context to stop worker
	cancel()

	shutdownTimeout := cfg.Worker.ShutdownTimeout
	if shutdownTimeout <= 0 {
		shutdownTimeout = 30 * time.Second
	}

	select {
	case err := <-errChan:
		if err != nil {
			appLogger.Error("Worker stopped with error", slog.Any("error", err))
		} else {
			appLogger.Info("Worker stopped gracefully")
		}
	case <-time.After(shutdownTimeout):
		appLogger.Warn("Worker shutdown timeout exceeded, forcing exit")
	}

	shutdownMetrics(metricsServer, appLogger.Logger)
	appLogger.Info("Worker service shutdown complete")
	return nil
}

// workerID prefers the configured consumer tag, falling back to the hostname
func workerID(tag string) string {
	if tag != "" {
		return tag
	}
	host, err := os.Hostname()
	if err != nil || host == "" {
		return fmt.Sprintf("worker-%d", os.Getpid())
	}
	return fmt.Sprintf("worker-%s-%d", host, os.Getpid())
}

// startMetricsServer exposes the registry on its own listener
func startMetricsServer(cfg config.MetricsConfig, registry *prometheus.Registry, logger *slog.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.Handle(cfg.Path, promhttp.HandlerFor(registry, promhttp.HandlerOpts{Registry: registry}))

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		logger.Info("Serving metrics",
			slog.String("address", cfg.Addr),
			slog.String("path", cfg.Path),
		)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("Metrics server failed", slog.Any("error", err))
		}
	}()
	return srv
}

func shutdownMetrics(srv *http.Server, logger *slog.Logger) {
	if srv == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		logger.Warn("Metrics server shutdown failed", slog.Any("error", err))
	}
}

// initLogger initializes and configures the application logger
func initLogger(cfg *config.LoggingConfig) (*logger.Logger, error) {
	loggerCfg := &logger.Config{
		Level:        cfg.Level,
		Format:       cfg.Format,
		Output:       cfg.Output,
		EnableSource: cfg.EnableCaller,
		NoColor:      cfg.NoColor,
		TimeFormat:   time.RFC3339,
	}

	return logger.New(loggerCfg)
}

// initPostgreSQL initializes the PostgreSQL database client
func initPostgreSQL(cfg *config.DatabaseConfig, logger *slog.Logger) (*postgresql.Client, error) {
	dbConfig := &postgresql.Config{
		Host:            cfg.Host,
		Port:            cfg.Port,
		User:            cfg.User,
		Password:        cfg.Password,
		Database:        cfg.Database,
		SSLMode:         cfg.SSLMode,
		MaxOpenConns:    cfg.MaxOpenConns,
		MaxIdleConns:    cfg.MaxIdleConns,
		ConnMaxLifetime: cfg.ConnMaxLifetime,
		ConnMaxIdleTime: cfg.ConnMaxIdleTime,
		ConnectTimeout:  cfg.ConnectTimeout,
	}

	return postgresql.NewClient(dbConfig, logger)
}

// initRabbitMQ initializes the RabbitMQ client
func initRabbitMQ(cfg *config.RabbitMQConfig, logger *slog.Logger) (*rabbitmq.Client, error) {
	rabbitConfig := &rabbitmq.Config{
		Host:               cfg.Host,
		Port:               cfg.Port,
		User:               cfg.User,
		Password:           cfg.Password,
		VHost:              cfg.VHost,
		ExchangeName:       cfg.Exchange.Name,
		ExchangeType:       cfg.Exchange.Type,
		ExchangeDurable:    cfg.Exchange.Durable,
		ExchangeAutoDelete: cfg.Exchange.AutoDelete,
		QueueName:          cfg.Queue.Name,
		QueueDurable:       cfg.Queue.Durable,
		QueueAutoDelete:    cfg.Queue.AutoDelete,
		QueueExclusive:     cfg.Queue.Exclusive,
		RoutingKey:         cfg.RoutingKey,
		RetryAttempts:      cfg.Connection.RetryAttempts,
		RetryInterval:      cfg.Connection.RetryInterval,
		Heartbeat:          cfg.Connection.Heartbeat,
		ConnectionTimeout:  cfg.Connection.ConnectionTimeout,
	}

	return rabbitmq.NewClient(rabbitConfig, logger)
}
