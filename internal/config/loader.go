package config

import (
	"fmt"
	"os"
	"reflect"
	"strconv"
	"strings"
	"time"
)

// Load reads configuration from environment variables.
// It applies defaults for unset values and validates the result.
// Returns an error if required values are missing or validation fails.
func Load() (*Config, error) {
	cfg := &Config{}

	if err := loadStruct(reflect.ValueOf(cfg).Elem()); err != nil {
		return nil, fmt.Errorf("config load: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}

	return cfg, nil
}

// MustLoad loads configuration and panics on error.
// Use this only in main() where early termination is desired.
func MustLoad() *Config {
	cfg, err := Load()
	if err != nil {
		panic(fmt.Sprintf("failed to load configuration: %v", err))
	}
	return cfg
}

// loadStruct recursively populates struct fields from environment variables.
func loadStruct(v reflect.Value) error {
	t := v.Type()

	for i := 0; i < t.NumField(); i++ {
		field := t.Field(i)
		fieldVal := v.Field(i)

		// Skip unexported fields
		if !fieldVal.CanSet() {
			continue
		}

		// Recurse into nested structs
		if field.Type.Kind() == reflect.Struct && field.Type != reflect.TypeOf(time.Time{}) {
			if err := loadStruct(fieldVal); err != nil {
				return err
			}
			continue
		}

		// Get tags
		envName := field.Tag.Get("env")
		envAlt := field.Tag.Get("envAlt")
		defaultVal := field.Tag.Get("default")
		required := field.Tag.Get("required") == "true"

		if envName == "" {
			continue
		}

		// Try primary env var, then alternate
		value := os.Getenv(envName)
		if value == "" && envAlt != "" {
			value = os.Getenv(envAlt)
		}

		// Apply default if not set
		if value == "" {
			if required {
				return fmt.Errorf("required environment variable %s is not set", envName)
			}
			value = defaultVal
		}

		if value == "" {
			continue
		}

		// Set the field value
		if err := setField(fieldVal, value); err != nil {
			return fmt.Errorf("invalid value for %s=%q: %w", envName, value, err)
		}
	}

	return nil
}

// setField sets a reflect.Value from a string based on its type.
func setField(field reflect.Value, value string) error {
	switch field.Kind() {
	case reflect.String:
		field.SetString(value)

	case reflect.Int, reflect.Int64:
		// Handle time.Duration specially
		if field.Type() == reflect.TypeOf(time.Duration(0)) {
			d, err := time.ParseDuration(value)
			if err != nil {
				return fmt.Errorf("invalid duration: %w", err)
			}
			field.Set(reflect.ValueOf(d))
		} else {
			i, err := strconv.ParseInt(value, 10, 64)
			if err != nil {
				return fmt.Errorf("invalid integer: %w", err)
			}
			field.SetInt(i)
		}

	case reflect.Bool:
		b, err := strconv.ParseBool(value)
		if err != nil {
			return fmt.Errorf("invalid boolean: %w", err)
		}
		field.SetBool(b)

	case reflect.Slice:
		if field.Type().Elem().Kind() == reflect.String {
			// Split comma-separated values, trim whitespace
			parts := strings.Split(value, ",")
			result := make([]string, 0, len(parts))
			for _, p := range parts {
				p = strings.TrimSpace(p)
				if p != "" {
					result = append(result, p)
				}
			}
			field.Set(reflect.ValueOf(result))
		} else {
			return fmt.Errorf("unsupported slice type: %s", field.Type().Elem().Kind())
		}

	default:
		return fmt.Errorf("unsupported field type: %s", field.Kind())
	}

	return nil
}

// Validate checks that the configuration is valid.
// Returns an error describing all validation failures.
func (c *Config) Validate() error {
	var errs []string

	// Store validation
	switch strings.ToLower(c.Store.Driver) {
	case "sqlite":
		if c.Store.SQLitePath == "" {
			errs = append(errs, "SQLITE_PATH is required when STORE_DRIVER=sqlite")
		}
	case "postgres":
		if c.Store.URL == "" {
			errs = append(errs, "DATABASE_URL is required when STORE_DRIVER=postgres")
		}
		if c.Store.MaxConns <= 0 {
			errs = append(errs, "DB_MAX_CONNS must be positive")
		}
		if c.Store.MinConns < 0 {
			errs = append(errs, "DB_MIN_CONNS must be non-negative")
		}
		if c.Store.MaxConns < c.Store.MinConns {
			errs = append(errs, fmt.Sprintf("DB_MAX_CONNS (%d) must be >= DB_MIN_CONNS (%d)",
				c.Store.MaxConns, c.Store.MinConns))
		}
	default:
		errs = append(errs, fmt.Sprintf("STORE_DRIVER (%q) must be one of: sqlite, postgres", c.Store.Driver))
	}

	// Server validation
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Sprintf("SERVER_PORT (%d) must be 1-65535", c.Server.Port))
	}
	if c.Server.ReadTimeout < 0 {
		errs = append(errs, "SERVER_READ_TIMEOUT must be non-negative")
	}
	if c.Server.ShutdownTimeout <= 0 {
		errs = append(errs, "SERVER_SHUTDOWN_TIMEOUT must be positive")
	}

	// Batch validation
	positive := []struct {
		name  string
		value int64
	}{
		{"BATCH_PARTITION_GRID_SIZE", int64(c.Batch.PartitionGridSize)},
		{"BATCH_CHUNK_SIZE", int64(c.Batch.ChunkSize)},
		{"BATCH_CORE_POOL_SIZE", int64(c.Batch.CorePoolSize)},
		{"BATCH_MAX_POOL_SIZE_MULTIPLIER", int64(c.Batch.MaxPoolSizeMultiplier)},
		{"BATCH_RETRY_MAX_ATTEMPTS", int64(c.Batch.RetryMaxAttempts)},
		{"BATCH_SKIP_MAX_COUNT", int64(c.Batch.SkipMaxCount)},
		{"BATCH_MAX_CONCURRENT_JOBS", int64(c.Batch.MaxConcurrentJobs)},
		{"BATCH_MAX_UPLOAD_SIZE", c.Batch.MaxUploadSize},
	}
	for _, p := range positive {
		if p.value <= 0 {
			errs = append(errs, p.name+" must be positive")
		}
	}
	if c.Batch.RetryBackoff < 0 {
		errs = append(errs, "BATCH_RETRY_BACKOFF must be non-negative")
	}
	if c.Batch.MinValidFileSize < 0 {
		errs = append(errs, "BATCH_MIN_VALID_FILE_SIZE must be non-negative")
	}
	if c.Batch.MetricsKeep < 0 {
		errs = append(errs, "BATCH_METRICS_KEEP must be non-negative")
	}

	// Engine validation
	if c.Engine.Command == "" {
		errs = append(errs, "ENGINE_COMMAND is required")
	}

	// Object store validation
	if c.ObjectStore.Enabled {
		if c.ObjectStore.Endpoint == "" {
			errs = append(errs, "OBJECT_STORE_ENDPOINT is required when OBJECT_STORE_ENABLED=true")
		}
		if c.ObjectStore.Bucket == "" {
			errs = append(errs, "OBJECT_STORE_BUCKET is required when OBJECT_STORE_ENABLED=true")
		}
	}

	// Scheduler validation
	if c.Scheduler.ProgressInterval <= 0 {
		errs = append(errs, "PROGRESS_INTERVAL must be positive")
	}
	if c.Scheduler.RetentionInterval <= 0 {
		errs = append(errs, "RETENTION_INTERVAL must be positive")
	}
	if c.Scheduler.JobRetention <= 0 {
		errs = append(errs, "JOB_RETENTION must be positive")
	}

	// Security validation
	if c.Security.RequireAPIKey && len(c.Security.APIKeys) == 0 {
		errs = append(errs, "REQUIRE_API_KEY is true but API_KEYS is empty; configure at least one API key or disable auth")
	}

	// Logging validation
	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(c.Logging.Level)] {
		errs = append(errs, fmt.Sprintf("LOG_LEVEL (%q) must be one of: debug, info, warn, error", c.Logging.Level))
	}

	validFormats := map[string]bool{"text": true, "json": true}
	if !validFormats[strings.ToLower(c.Logging.Format)] {
		errs = append(errs, fmt.Sprintf("LOG_FORMAT (%q) must be one of: text, json", c.Logging.Format))
	}

	if len(errs) > 0 {
		return fmt.Errorf("validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}

	return nil
}

// String returns a safe string representation of the config for logging.
// Sensitive values like database URLs and object store keys are masked.
func (c *Config) String() string {
	var b strings.Builder
	b.WriteString("Config{")
	b.WriteString(fmt.Sprintf("Server: {Host: %q, Port: %d}, ", c.Server.Host, c.Server.Port))
	b.WriteString(fmt.Sprintf("Store: {Driver: %q, URL: %s, SQLitePath: %q}, ",
		c.Store.Driver, mask(c.Store.URL), c.Store.SQLitePath))
	b.WriteString(fmt.Sprintf("Batch: {GridSize: %d, ChunkSize: %d, CorePoolSize: %d, RetryMaxAttempts: %d, SkipMaxCount: %d}, ",
		c.Batch.PartitionGridSize, c.Batch.ChunkSize, c.Batch.CorePoolSize, c.Batch.RetryMaxAttempts, c.Batch.SkipMaxCount))
	b.WriteString(fmt.Sprintf("Engine: {Command: %q}, ", c.Engine.Command))
	b.WriteString(fmt.Sprintf("ObjectStore: {Enabled: %v, Endpoint: %q, Bucket: %q, SecretKey: %s}, ",
		c.ObjectStore.Enabled, c.ObjectStore.Endpoint, c.ObjectStore.Bucket, mask(c.ObjectStore.SecretKey)))
	b.WriteString(fmt.Sprintf("Security: {RequireAPIKey: %v, APIKeys: %d configured}, ",
		c.Security.RequireAPIKey, len(c.Security.APIKeys)))
	b.WriteString(fmt.Sprintf("Logging: {Level: %q, Format: %q}",
		c.Logging.Level, c.Logging.Format))
	b.WriteString("}")
	return b.String()
}

func mask(secret string) string {
	if secret == "" {
		return "[EMPTY]"
	}
	return "[MASKED]"
}
