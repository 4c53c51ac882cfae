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

	"github.com/cuongbtq/convo-transfer/internal/api/handler"
	"github.com/cuongbtq/convo-transfer/internal/api/router"
	"github.com/cuongbtq/convo-transfer/internal/artifact"
	"github.com/cuongbtq/convo-transfer/internal/config"
	"github.com/cuongbtq/convo-transfer/internal/identity"
	"github.com/cuongbtq/convo-transfer/internal/jobstore"
	"github.com/cuongbtq/convo-transfer/internal/metrics"
	"github.com/cuongbtq/convo-transfer/internal/notify"
	"github.com/cuongbtq/convo-transfer/internal/ratelimit"
	"github.com/cuongbtq/convo-transfer/internal/scheduler"
	"github.com/cuongbtq/convo-transfer/shared/logger"
	"github.com/cuongbtq/convo-transfer/shared/postgresql"
	"github.com/cuongbtq/convo-transfer/shared/rabbitmq"
	"github.com/cuongbtq/convo-transfer/shared/redis"
	"github.com/gin-gonic/gin"
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
	defaultConfigPath := os.Getenv("API_SERVICE_CONFIG_PATH")
	if defaultConfigPath == "" {
		defaultConfigPath = "configs/api-service/config.yaml"
	}
	configPath := flag.String("config", defaultConfigPath, "Path to configuration file")
	flag.Parse()

	// Load configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	if err := cfg.ValidateAPIConfig(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	// Initialize logger
	appLogger, err := initLogger(&cfg.Logging)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer appLogger.Close()

	appLogger.Info("Starting API service",
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

	registry := newRegistry()
	sink := metrics.NewPrometheusSink(registry, appLogger.Logger)

	sched := scheduler.New(jobstore.NewStore(dbClient.GetDB(), appLogger.Logger), scheduler.Config{}, appLogger.Logger).
		WithMetrics(sink)

	healthChecks := map[string]router.HealthCheck{
		"postgres": dbClient.HealthCheck,
	}

	// RabbitMQ is optional: workers fall back to polling without it
	if cfg.RabbitMQ.Enabled() {
		rabbitClient, err := initRabbitMQ(&cfg.RabbitMQ, appLogger.Logger)
		if err != nil {
			return fmt.Errorf("failed to initialize RabbitMQ: %w", err)
		}
		defer rabbitClient.Close()

		sched.WithNotifier(notify.NewPublisher(rabbitClient, appLogger.Logger))
		appLogger.Info("RabbitMQ connection established")
	}

	var redisClient *redis.Client
	if cfg.RateLimit.Backend == config.RateLimitBackendRedis {
		redisClient, err = initRedis(&cfg.Redis, appLogger.Logger)
		if err != nil {
			return fmt.Errorf("failed to initialize Redis: %w", err)
		}
		defer redisClient.Close()
		healthChecks["redis"] = redisClient.HealthCheck
	}

	uploadLimits, exportLimits, err := initLimits(cfg, redisClient, sink, appLogger.Logger)
	if err != nil {
		return fmt.Errorf("failed to initialize rate limiters: %w", err)
	}

	artifacts, err := artifact.NewManager(artifact.Config{
		Dir: cfg.Artifact.Dir,
		TTL: cfg.Artifact.TTL,
	}, artifact.NewPostgresStore(dbClient.GetDB(), appLogger.Logger), appLogger.Logger)
	if err != nil {
		return fmt.Errorf("failed to initialize artifact manager: %w", err)
	}

	// Initialize router
	if cfg.App.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	opts := router.Options{
		ServiceName:  cfg.App.Name,
		Resolver:     identity.NewHeaderResolver(),
		UploadLimits: uploadLimits,
		ExportLimits: exportLimits,
		HealthChecks: healthChecks,
	}
	if cfg.Metrics.Enabled {
		opts.MetricsHandler = promhttp.HandlerFor(registry, promhttp.HandlerOpts{Registry: registry})
		opts.MetricsPath = cfg.Metrics.Path
	}

	r := router.SetupRouter(&handler.Dependencies{
		Logger:         appLogger.Logger,
		Jobs:           sched,
		Artifacts:      artifacts,
		MaxUploadBytes: cfg.Server.MaxUploadBytes,
	}, opts)

	// Create HTTP server
	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      r,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	appLogger.Info("Starting HTTP server",
		slog.String("address", addr),
		slog.Duration("read_timeout", cfg.Server.ReadTimeout),
		slog.Duration("write_timeout", cfg.Server.WriteTimeout),
	)

	serverErr := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	// Wait for interrupt signal to gracefully shutdown the server
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		appLogger.Info("Shutting down server...", slog.String("signal", sig.String()))
	case err := <-serverErr:
		return fmt.Errorf("server failed: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		appLogger.Error("Server forced to shutdown",
			slog.Any("error", err),
		)
		return err
	}

	appLogger.Info("Server shutdown complete")
	return nil
}

type limitSpec struct {
	scope     ratelimit.Scope
	limit     config.LimitConfig
	key       ratelimit.KeyFunc
	prefix    string
	message   string
	violation string
}

// initLimits builds the ip then user chain for imports and the per-user
// chain for exports
func initLimits(cfg *config.Config, redisClient *redis.Client, sink metrics.Sink, logger *slog.Logger) (upload, export []gin.HandlerFunc, err error) {
	var audit ratelimit.AuditSink = ratelimit.NewLogSink(logger)
	if redisClient != nil {
		audit = ratelimit.Fanout{
			audit,
			ratelimit.NewRedisSink(redisClient.GetClient(), cfg.Redis.KeyPrefix, cfg.RateLimit.AuditRetention),
		}
	}

	build := func(specs []limitSpec) ([]gin.HandlerFunc, error) {
		chain := make([]gin.HandlerFunc, 0, len(specs))
		for _, l := range specs {
			rlCfg := ratelimit.Config{Scope: l.scope, Max: l.limit.Max, Window: l.limit.Window}
			if err := rlCfg.Validate(); err != nil {
				return nil, err
			}

			var limiter ratelimit.Limiter
			if redisClient != nil {
				limiter = ratelimit.NewRedisLimiter(redisClient.GetClient(), l.prefix, rlCfg)
			} else {
				limiter = ratelimit.NewMemoryLimiter(rlCfg)
			}

			logger.Info("Rate limit configured",
				slog.String("limit", l.violation),
				slog.String("scope", string(l.scope)),
				slog.String("backend", cfg.RateLimit.Backend),
				slog.Int("max", l.limit.Max),
				slog.Duration("window", l.limit.Window),
			)

			chain = append(chain, ratelimit.Middleware(ratelimit.MiddlewareConfig{
				Limiter:       limiter,
				Key:           l.key,
				UserID:        identity.UserKey,
				Audit:         audit,
				Metrics:       sink,
				Logger:        logger,
				Message:       l.message,
				ViolationType: l.violation,
			}))
		}
		return chain, nil
	}

	upload, err = build([]limitSpec{
		{ratelimit.ScopeIP, cfg.RateLimit.IP, ratelimit.ClientIP, cfg.Redis.KeyPrefix, ratelimit.RejectionMessage, ratelimit.ViolationFileUpload},
		{ratelimit.ScopeUser, cfg.RateLimit.User, identity.UserKey, cfg.Redis.KeyPrefix, ratelimit.RejectionMessage, ratelimit.ViolationFileUpload},
	})
	if err != nil {
		return nil, nil, err
	}

	// Export windows live under their own prefix so they never share a
	// sorted set with the upload user limit.
	export, err = build([]limitSpec{
		{ratelimit.ScopeUser, cfg.RateLimit.Export, identity.UserKey, cfg.Redis.KeyPrefix + ":export", ratelimit.ExportRejectionMessage, ratelimit.ViolationExport},
	})
	if err != nil {
		return nil, nil, err
	}
	return upload, export, nil
}

func newRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return reg
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
		PublishRetries:     cfg.Publish.RetryAttempts,
		PublishRetryDelay:  cfg.Publish.RetryInterval,
		PublishBackoffMult: cfg.Publish.BackoffMultiplier,
	}

	return rabbitmq.NewClient(rabbitConfig, logger)
}

// initRedis initializes the Redis client backing the distributed limiter
func initRedis(cfg *config.RedisConfig, logger *slog.Logger) (*redis.Client, error) {
	return redis.NewClient(&redis.Config{
		Addr:        cfg.Addr,
		Password:    cfg.Password,
		DB:          cfg.DB,
		DialTimeout: cfg.DialTimeout,
	}, logger)
}
