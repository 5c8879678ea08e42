// Package config provides centralized configuration management for the batch
// service. It loads configuration from environment variables with sensible
// defaults and validates all settings on startup to fail fast on
// misconfiguration.
package config

import (
	"net"
	"strconv"
	"time"
)

// Config holds all application configuration.
// All settings can be configured via environment variables.
type Config struct {
	Server      ServerConfig
	Store       StoreConfig
	Batch       BatchConfig
	Engine      EngineConfig
	ObjectStore ObjectStoreConfig
	Metrics     MetricsConfig
	Scheduler   SchedulerConfig
	Security    SecurityConfig
	Logging     LoggingConfig
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	// Host is the interface to bind to (default: 0.0.0.0)
	Host string `env:"SERVER_HOST" default:"0.0.0.0"`

	// Port is the port to listen on (default: 8080)
	Port int `env:"SERVER_PORT" default:"8080"`

	// ReadTimeout is the maximum duration for reading a request, uploads
	// included (default: 5m)
	ReadTimeout time.Duration `env:"SERVER_READ_TIMEOUT" default:"5m"`

	// WriteTimeout is the maximum duration for writing a response (default: 0 for SSE and downloads)
	WriteTimeout time.Duration `env:"SERVER_WRITE_TIMEOUT" default:"0s"`

	// IdleTimeout is the keep-alive timeout (default: 60s)
	IdleTimeout time.Duration `env:"SERVER_IDLE_TIMEOUT" default:"60s"`

	// ShutdownTimeout is the maximum duration to wait for graceful shutdown (default: 30s)
	ShutdownTimeout time.Duration `env:"SERVER_SHUTDOWN_TIMEOUT" default:"30s"`
}

// StoreConfig selects the job execution store.
type StoreConfig struct {
	// Driver is sqlite or postgres (default: sqlite)
	Driver string `env:"STORE_DRIVER" default:"sqlite"`

	// URL is the PostgreSQL connection string, required for the postgres driver.
	// Supports both DATABASE_URL and DB_URL env vars for compatibility
	URL string `env:"DATABASE_URL" envAlt:"DB_URL"`

	// SQLitePath is the database file of the sqlite driver (default: vdyp-batch.db)
	SQLitePath string `env:"SQLITE_PATH" default:"vdyp-batch.db"`

	MaxConns        int           `env:"DB_MAX_CONNS" default:"10"`
	MinConns        int           `env:"DB_MIN_CONNS" default:"2"`
	MaxConnLifetime time.Duration `env:"DB_MAX_CONN_LIFETIME" default:"1h"`
	MaxConnIdleTime time.Duration `env:"DB_MAX_CONN_IDLE_TIME" default:"30m"`
}

// BatchConfig holds the partitioning, pool and fault-tolerance settings.
type BatchConfig struct {
	// WorkDir is the parent of every job's base directory (default: system temp dir)
	WorkDir string `env:"BATCH_WORK_DIR"`

	// PartitionGridSize is the default number of partitions (default: 4)
	PartitionGridSize int `env:"BATCH_PARTITION_GRID_SIZE" default:"4"`

	// ChunkSize is the default number of polygons per chunk (default: 1000)
	ChunkSize int `env:"BATCH_CHUNK_SIZE" default:"1000"`

	// CorePoolSize is the number of persistent partition workers (default: 4)
	CorePoolSize int `env:"BATCH_CORE_POOL_SIZE" default:"4"`

	// MaxPoolSizeMultiplier bounds the pool at CorePoolSize times this value (default: 2)
	MaxPoolSizeMultiplier int `env:"BATCH_MAX_POOL_SIZE_MULTIPLIER" default:"2"`

	// RetryMaxAttempts counts the first try (default: 3)
	RetryMaxAttempts int `env:"BATCH_RETRY_MAX_ATTEMPTS" default:"3"`

	// RetryBackoff is the fixed delay between attempts (default: 1s)
	RetryBackoff time.Duration `env:"BATCH_RETRY_BACKOFF" default:"1s"`

	// SkipMaxCount is the number of chunks a partition may skip (default: 5)
	SkipMaxCount int `env:"BATCH_SKIP_MAX_COUNT" default:"5"`

	// MinValidFileSize is the smallest fragment used for header recovery (default: 1)
	MinValidFileSize int64 `env:"BATCH_MIN_VALID_FILE_SIZE" default:"1"`

	// CleanupEnabled removes partition directories after a job (default: true)
	CleanupEnabled bool `env:"BATCH_CLEANUP_ENABLED" default:"true"`

	// MetricsKeep is the number of jobs kept in the metrics ledger (default: 100)
	MetricsKeep int `env:"BATCH_METRICS_KEEP" default:"100"`

	// MaxConcurrentJobs bounds jobs running at once (default: 2)
	MaxConcurrentJobs int `env:"BATCH_MAX_CONCURRENT_JOBS" default:"2"`

	// MaxUploadSize is the largest accepted multipart upload in bytes (default: 2GB)
	MaxUploadSize int64 `env:"BATCH_MAX_UPLOAD_SIZE" default:"2147483648"`
}

// PoolSizes returns the core size, max size and queue capacity of the
// partition worker pool.
func (c BatchConfig) PoolSizes() (core, maxWorkers, queue int) {
	return c.CorePoolSize, c.CorePoolSize * c.MaxPoolSizeMultiplier, c.CorePoolSize
}

// EngineConfig configures the external projection binary.
type EngineConfig struct {
	// Command is the projection binary (required)
	Command string `env:"ENGINE_COMMAND" required:"true"`

	// Args is a comma-separated argument list
	Args []string `env:"ENGINE_ARGS"`

	// ScratchDir holds per-chunk staging directories (default: system temp dir)
	ScratchDir string `env:"ENGINE_SCRATCH_DIR"`
}

// ObjectStoreConfig configures input fetch and archive persistence.
type ObjectStoreConfig struct {
	Enabled   bool   `env:"OBJECT_STORE_ENABLED" default:"false"`
	Endpoint  string `env:"OBJECT_STORE_ENDPOINT"`
	AccessKey string `env:"OBJECT_STORE_ACCESS_KEY"`
	SecretKey string `env:"OBJECT_STORE_SECRET_KEY"`
	Bucket    string `env:"OBJECT_STORE_BUCKET" default:"vdyp-batch"`
	UseSSL    bool   `env:"OBJECT_STORE_USE_SSL" default:"false"`
	Prefix    string `env:"OBJECT_STORE_PREFIX" default:"results/"`
}

// MetricsConfig holds Prometheus export settings.
type MetricsConfig struct {
	Enabled   bool   `env:"METRICS_ENABLED" default:"true"`
	Namespace string `env:"METRICS_NAMESPACE" default:"vdyp_batch"`
}

// SchedulerConfig holds background job intervals.
type SchedulerConfig struct {
	// ProgressInterval is how often running jobs publish progress (default: 2s)
	ProgressInterval time.Duration `env:"PROGRESS_INTERVAL" default:"2s"`

	// RetentionInterval is how often old jobs are pruned (default: 1h)
	RetentionInterval time.Duration `env:"RETENTION_INTERVAL" default:"1h"`

	// JobRetention is how long finished job records are kept (default: 168h)
	JobRetention time.Duration `env:"JOB_RETENTION" default:"168h"`
}

// SecurityConfig holds security-related settings.
type SecurityConfig struct {
	// TrustedProxies is a comma-separated list of trusted proxy CIDRs
	TrustedProxies []string `env:"TRUSTED_PROXIES"`

	// RequireAPIKey rejects /api requests without a valid X-API-Key (default: false)
	RequireAPIKey bool `env:"REQUIRE_API_KEY" default:"false"`

	// APIKeys is a comma-separated list of accepted API keys
	APIKeys []string `env:"API_KEYS"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	// Level is the minimum log level: debug, info, warn, error (default: info)
	Level string `env:"LOG_LEVEL" default:"info"`

	// Format is the log format: text or json (default: text)
	Format string `env:"LOG_FORMAT" default:"text"`
}

// Addr returns the server listen address in host:port format.
func (c *ServerConfig) Addr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}
