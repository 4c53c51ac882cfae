package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"
)

const (
	// MinPort is the minimum valid port number
	MinPort = 1
	// MaxPort is the maximum valid port number
	MaxPort = 65535

	RateLimitBackendMemory = "memory"
	RateLimitBackendRedis  = "redis"

	DefaultIPMax          = 100
	DefaultUserMax        = 50
	DefaultExportMax      = 10
	DefaultLimitWindow    = 15 * time.Minute
	DefaultArtifactTTL    = 5 * time.Minute
	DefaultSweepSchedule  = "@every 1m"
	DefaultReapSchedule   = "@every 1m"
	DefaultMaxUploadBytes = 32 << 20
)

// Environment variables that override the file
const (
	EnvImportIPMax      = "IMPORT_IP_MAX"
	EnvImportIPWindow   = "IMPORT_IP_WINDOW"
	EnvImportUserMax    = "IMPORT_USER_MAX"
	EnvImportUserWindow = "IMPORT_USER_WINDOW"
	EnvExportUserMax    = "EXPORT_USER_MAX"
	EnvExportUserWindow = "EXPORT_USER_WINDOW"
	EnvArtifactTTL      = "EXPORT_ARTIFACT_TTL"
	EnvRateLimitBackend = "RATE_LIMIT_BACKEND"
	EnvRedisAddr        = "REDIS_ADDR"
	EnvDatabasePassword = "DATABASE_PASSWORD"
	EnvRabbitMQPassword = "RABBITMQ_PASSWORD"
)

// Config represents the complete application configuration
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Database  DatabaseConfig  `yaml:"database"`
	RabbitMQ  RabbitMQConfig  `yaml:"rabbitmq"`
	Redis     RedisConfig     `yaml:"redis"`
	Logging   LoggingConfig   `yaml:"logging"`
	App       AppConfig       `yaml:"app"`
	Worker    WorkerConfig    `yaml:"worker"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
	Artifact  ArtifactConfig  `yaml:"artifact"`
	Metrics   MetricsConfig   `yaml:"metrics"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	IdleTimeout     time.Duration `yaml:"idle_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	MaxUploadBytes  int64         `yaml:"max_upload_bytes"`
}

// DatabaseConfig holds PostgreSQL connection configuration
type DatabaseConfig struct {
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	User            string        `yaml:"user"`
	Password        string        `yaml:"password"`
	Database        string        `yaml:"database"`
	SSLMode         string        `yaml:"sslmode"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `yaml:"conn_max_idle_time"`
	ConnectTimeout  time.Duration `yaml:"connect_timeout"`
	AutoMigrate     bool          `yaml:"auto_migrate"`
}

// RabbitMQConfig holds RabbitMQ connection and exchange/queue configuration.
// An empty host disables job-ready notifications; workers then rely on polling.
type RabbitMQConfig struct {
	Host       string           `yaml:"host"`
	Port       int              `yaml:"port"`
	User       string           `yaml:"user"`
	Password   string           `yaml:"password"`
	VHost      string           `yaml:"vhost"`
	Exchange   ExchangeConfig   `yaml:"exchange"`
	Queue      QueueConfig      `yaml:"queue"`
	RoutingKey string           `yaml:"routing_key"`
	Connection ConnectionConfig `yaml:"connection"`
	Publish    PublishConfig    `yaml:"publish"`
	Consumer   ConsumerConfig   `yaml:"consumer"`
}

// Enabled reports whether a broker is configured.
func (c RabbitMQConfig) Enabled() bool {
	return c.Host != ""
}

// ExchangeConfig holds RabbitMQ exchange configuration
type ExchangeConfig struct {
	Name       string `yaml:"name"`
	Type       string `yaml:"type"`
	Durable    bool   `yaml:"durable"`
	AutoDelete bool   `yaml:"auto_delete"`
}

// QueueConfig holds RabbitMQ queue configuration
type QueueConfig struct {
	Name       string `yaml:"name"`
	Durable    bool   `yaml:"durable"`
	AutoDelete bool   `yaml:"auto_delete"`
	Exclusive  bool   `yaml:"exclusive"`
}

// ConnectionConfig holds RabbitMQ connection settings
type ConnectionConfig struct {
	RetryAttempts     int           `yaml:"retry_attempts"`
	RetryInterval     time.Duration `yaml:"retry_interval"`
	Heartbeat         time.Duration `yaml:"heartbeat"`
	ConnectionTimeout time.Duration `yaml:"connection_timeout"`
}

// PublishConfig holds RabbitMQ publish retry settings
type PublishConfig struct {
	RetryAttempts     int           `yaml:"retry_attempts"`
	RetryInterval     time.Duration `yaml:"retry_interval"`
	BackoffMultiplier float64       `yaml:"backoff_multiplier"`
}

// ConsumerConfig holds RabbitMQ consumer settings
type ConsumerConfig struct {
	PrefetchCount int    `yaml:"prefetch_count"`
	Tag           string `yaml:"tag"`
}

// RedisConfig holds Redis connection settings
type RedisConfig struct {
	Addr        string        `yaml:"addr"`
	Password    string        `yaml:"password"`
	DB          int           `yaml:"db"`
	DialTimeout time.Duration `yaml:"dial_timeout"`
	KeyPrefix   string        `yaml:"key_prefix"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level        string `yaml:"level"`
	Format       string `yaml:"format"`
	Output       string `yaml:"output"`
	EnableCaller bool   `yaml:"enable_caller"`
	NoColor      bool   `yaml:"no_color"`
}

// AppConfig holds application metadata
type AppConfig struct {
	Name        string `yaml:"name"`
	Version     string `yaml:"version"`
	Environment string `yaml:"environment"`
}

// WorkerConfig holds worker service configuration
type WorkerConfig struct {
	Concurrency     int           `yaml:"concurrency"`
	PollInterval    time.Duration `yaml:"poll_interval"`
	JobTimeout      time.Duration `yaml:"job_timeout"`
	StaleGrace      time.Duration `yaml:"stale_grace"`
	ReapSchedule    string        `yaml:"reap_schedule"`
	FetchParallel   int           `yaml:"fetch_parallel"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// RateLimitConfig holds the submission limiter settings. IP and User guard
// imports; Export is a per-user limit on export requests.
type RateLimitConfig struct {
	Backend        string        `yaml:"backend"`
	IP             LimitConfig   `yaml:"ip"`
	User           LimitConfig   `yaml:"user"`
	Export         LimitConfig   `yaml:"export"`
	AuditRetention time.Duration `yaml:"audit_retention"`
}

// LimitConfig is one sliding window
type LimitConfig struct {
	Max    int           `yaml:"max"`
	Window time.Duration `yaml:"window"`
}

// ArtifactConfig holds export artifact settings
type ArtifactConfig struct {
	Dir           string        `yaml:"dir"`
	TTL           time.Duration `yaml:"ttl"`
	SweepSchedule string        `yaml:"sweep_schedule"`
}

// MetricsConfig holds Prometheus exposition settings. The API serves
// metrics on its own router; the worker listens on Addr.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
	Addr    string `yaml:"addr"`
}

// Load reads the configuration file, fills defaults and applies
// environment overrides.
func Load(configPath string) (*Config, error) {
	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	config.applyDefaults()

	if err := config.applyEnv(os.LookupEnv); err != nil {
		return nil, fmt.Errorf("failed to apply environment overrides: %w", err)
	}

	return &config, nil
}

func (c *Config) applyDefaults() {
	if c.Server.MaxUploadBytes <= 0 {
		c.Server.MaxUploadBytes = DefaultMaxUploadBytes
	}
	if c.Server.ShutdownTimeout <= 0 {
		c.Server.ShutdownTimeout = 10 * time.Second
	}

	if c.RateLimit.Backend == "" {
		c.RateLimit.Backend = RateLimitBackendMemory
	}
	if c.RateLimit.IP.Max == 0 {
		c.RateLimit.IP.Max = DefaultIPMax
	}
	if c.RateLimit.IP.Window == 0 {
		c.RateLimit.IP.Window = DefaultLimitWindow
	}
	if c.RateLimit.User.Max == 0 {
		c.RateLimit.User.Max = DefaultUserMax
	}
	if c.RateLimit.User.Window == 0 {
		c.RateLimit.User.Window = DefaultLimitWindow
	}
	if c.RateLimit.Export.Max == 0 {
		c.RateLimit.Export.Max = DefaultExportMax
	}
	if c.RateLimit.Export.Window == 0 {
		c.RateLimit.Export.Window = DefaultLimitWindow
	}
	if c.RateLimit.AuditRetention == 0 {
		c.RateLimit.AuditRetention = 24 * time.Hour
	}

	if c.Redis.KeyPrefix == "" {
		c.Redis.KeyPrefix = "convo-transfer"
	}

	if c.Artifact.TTL == 0 {
		c.Artifact.TTL = DefaultArtifactTTL
	}
	if c.Artifact.SweepSchedule == "" {
		c.Artifact.SweepSchedule = DefaultSweepSchedule
	}

	if c.Worker.ReapSchedule == "" {
		c.Worker.ReapSchedule = DefaultReapSchedule
	}
	if c.Worker.ShutdownTimeout <= 0 {
		c.Worker.ShutdownTimeout = 30 * time.Second
	}

	if c.Metrics.Path == "" {
		c.Metrics.Path = "/metrics"
	}
	if c.Metrics.Addr == "" {
		c.Metrics.Addr = ":9091"
	}
}

// applyEnv overlays environment variables on top of the file values.
func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	var errs []error

	setInt := func(name string, dst *int) {
		v, ok := lookup(name)
		if !ok || v == "" {
			return
		}
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
			return
		}
		*dst = n
	}

	setWindow := func(name string, dst *time.Duration) {
		v, ok := lookup(name)
		if !ok || v == "" {
			return
		}
		d, err := parseWindow(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
			return
		}
		*dst = d
	}

	setString := func(name string, dst *string) {
		if v, ok := lookup(name); ok && v != "" {
			*dst = v
		}
	}

	setInt(EnvImportIPMax, &c.RateLimit.IP.Max)
	setWindow(EnvImportIPWindow, &c.RateLimit.IP.Window)
	setInt(EnvImportUserMax, &c.RateLimit.User.Max)
	setWindow(EnvImportUserWindow, &c.RateLimit.User.Window)
	setInt(EnvExportUserMax, &c.RateLimit.Export.Max)
	setWindow(EnvExportUserWindow, &c.RateLimit.Export.Window)

	if v, ok := lookup(EnvArtifactTTL); ok && v != "" {
		d, err := time.ParseDuration(strings.TrimSpace(v))
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", EnvArtifactTTL, err))
		} else {
			c.Artifact.TTL = d
		}
	}

	setString(EnvRateLimitBackend, &c.RateLimit.Backend)
	setString(EnvRedisAddr, &c.Redis.Addr)
	setString(EnvDatabasePassword, &c.Database.Password)
	setString(EnvRabbitMQPassword, &c.RabbitMQ.Password)

	return errors.Join(errs...)
}

// parseWindow accepts whole minutes ("15") or a Go duration ("90s").
func parseWindow(v string) (time.Duration, error) {
	v = strings.TrimSpace(v)
	if minutes, err := strconv.Atoi(v); err == nil {
		return time.Duration(minutes) * time.Minute, nil
	}
	return time.ParseDuration(v)
}

// Validate checks the settings shared by every service
func (c *Config) Validate() error {
	if c.Database.Host == "" {
		return fmt.Errorf("database host is required")
	}

	if c.Database.Port < MinPort || c.Database.Port > MaxPort {
		return fmt.Errorf("invalid database port: %d (must be between %d and %d)", c.Database.Port, MinPort, MaxPort)
	}

	if c.Database.Database == "" {
		return fmt.Errorf("database name is required")
	}

	if c.RabbitMQ.Enabled() {
		if c.RabbitMQ.Port < MinPort || c.RabbitMQ.Port > MaxPort {
			return fmt.Errorf("invalid rabbitmq port: %d (must be between %d and %d)", c.RabbitMQ.Port, MinPort, MaxPort)
		}

		if c.RabbitMQ.Exchange.Name == "" {
			return fmt.Errorf("rabbitmq exchange name is required")
		}

		if c.RabbitMQ.Queue.Name == "" {
			return fmt.Errorf("rabbitmq queue name is required")
		}
	}

	if c.Artifact.Dir == "" {
		return fmt.Errorf("artifact dir is required")
	}

	if c.Artifact.TTL <= 0 {
		return fmt.Errorf("artifact ttl must be greater than 0")
	}

	return nil
}

// ValidateAPIConfig checks the API service configuration
func (c *Config) ValidateAPIConfig() error {
	if c.Server.Port < MinPort || c.Server.Port > MaxPort {
		return fmt.Errorf("invalid server port: %d (must be between %d and %d)", c.Server.Port, MinPort, MaxPort)
	}

	if err := c.Validate(); err != nil {
		return err
	}

	limits := []struct {
		scope string
		limit LimitConfig
	}{
		{"ip", c.RateLimit.IP},
		{"user", c.RateLimit.User},
		{"export", c.RateLimit.Export},
	}
	for _, l := range limits {
		if l.limit.Max <= 0 {
			return fmt.Errorf("rate limit %s max must be greater than 0", l.scope)
		}
		if l.limit.Window <= 0 {
			return fmt.Errorf("rate limit %s window must be greater than 0", l.scope)
		}
	}

	switch c.RateLimit.Backend {
	case RateLimitBackendMemory:
	case RateLimitBackendRedis:
		if c.Redis.Addr == "" {
			return fmt.Errorf("redis addr is required for the redis rate limit backend")
		}
	default:
		return fmt.Errorf("unknown rate limit backend %q", c.RateLimit.Backend)
	}

	return nil
}

// ValidateWorkerConfig checks the worker service configuration
func (c *Config) ValidateWorkerConfig() error {
	if err := c.Validate(); err != nil {
		return err
	}

	if c.Worker.Concurrency <= 0 {
		return fmt.Errorf("worker concurrency must be greater than 0")
	}

	if c.Worker.JobTimeout <= 0 {
		return fmt.Errorf("worker job_timeout must be greater than 0")
	}

	if c.Worker.PollInterval <= 0 {
		return fmt.Errorf("worker poll_interval must be greater than 0")
	}

	if _, err := cron.ParseStandard(c.Worker.ReapSchedule); err != nil {
		return fmt.Errorf("invalid worker reap_schedule %q: %w", c.Worker.ReapSchedule, err)
	}

	if _, err := cron.ParseStandard(c.Artifact.SweepSchedule); err != nil {
		return fmt.Errorf("invalid artifact sweep_schedule %q: %w", c.Artifact.SweepSchedule, err)
	}

	return nil
}
