// Package config provides configuration management for syncd.
// It supports a YAML configuration file, environment variable overrides
// and defaults.
package config

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/kimhsiao/ledgersync/internal/errors"
	"github.com/kimhsiao/ledgersync/internal/logging"
	syncpkg "github.com/kimhsiao/ledgersync/internal/sync"
	"github.com/kimhsiao/ledgersync/internal/sync/backoff"
	"github.com/kimhsiao/ledgersync/internal/sync/conflict"
	"github.com/kimhsiao/ledgersync/internal/sync/events"
	"github.com/kimhsiao/ledgersync/internal/sync/idempotency"
	"github.com/kimhsiao/ledgersync/internal/sync/remote"
	"github.com/kimhsiao/ledgersync/internal/sync/scheduler"
)

// Config represents the complete syncd configuration.
type Config struct {
	Database     DatabaseConfig     `yaml:"database"`
	Orchestrator OrchestratorConfig `yaml:"orchestrator"`
	Retry        RetryConfig        `yaml:"retry"`
	Idempotency  IdempotencyConfig  `yaml:"idempotency"`
	Conflict     ConflictConfig     `yaml:"conflict"`
	Background   scheduler.Config   `yaml:"background"`
	Events       EventsConfig       `yaml:"events"`
	Redis        RedisConfig        `yaml:"redis"`
	S3           S3Config           `yaml:"s3"`
	API          APIConfig          `yaml:"api"`
	Logging      LoggingConfig      `yaml:"logging"`

	// DeviceID is stamped into payloads enqueued without one.
	DeviceID string `yaml:"deviceId"`
}

// DatabaseConfig holds the local queue database settings.
type DatabaseConfig struct {
	// Path is the SQLite file; ":memory:" keeps the queue in memory
	Path string `yaml:"path"`
}

// OrchestratorConfig holds dispatch loop settings.
type OrchestratorConfig struct {
	MaxConcurrency int  `yaml:"maxConcurrency"`
	BatchSize      int  `yaml:"batchSize"`
	AutoStart      bool `yaml:"autoStart"`
	// Enabled=false runs the orchestrator in write-only mode
	Enabled         bool          `yaml:"enabled"`
	DispatchTimeout time.Duration `yaml:"dispatchTimeout"`
	PollInterval    time.Duration `yaml:"pollInterval"`
	StaleAfter      time.Duration `yaml:"staleAfter"`
}

// RetryConfig holds the backoff schedule.
type RetryConfig struct {
	BaseDelay      time.Duration `yaml:"baseDelay"`
	CapDelay       time.Duration `yaml:"capDelay"`
	MaxRetries     int           `yaml:"maxRetries"`
	JitterFraction float64       `yaml:"jitterFraction"`
}

// IdempotencyConfig holds the operation id bucketing.
type IdempotencyConfig struct {
	Bucket time.Duration `yaml:"bucket"`
}

// ConflictConfig holds conflict resolution policies.
type ConflictConfig struct {
	// StalePolicy is rebase or discard
	StalePolicy string `yaml:"stalePolicy"`
	// MergePolicy is manual, lastWriterWins or fieldMerge
	MergePolicy string `yaml:"mergePolicy"`
}

// EventsConfig holds event stream settings.
type EventsConfig struct {
	BufferSize int `yaml:"bufferSize"`
}

// RedisConfig holds the remote document store connection.
type RedisConfig struct {
	Addr      string `yaml:"addr"`
	DB        int    `yaml:"db"`
	Password  string `yaml:"password"`
	KeyPrefix string `yaml:"keyPrefix"`
}

// S3Config holds the blob store used by upload_file items.
// An empty bucket disables blob uploads.
type S3Config struct {
	Bucket         string `yaml:"bucket"`
	Region         string `yaml:"region"`
	Endpoint       string `yaml:"endpoint"`
	ForcePathStyle bool   `yaml:"forcePathStyle"`
}

// APIConfig holds the HTTP listener.
type APIConfig struct {
	Addr string `yaml:"addr"`
}

// LoggingConfig holds log output settings.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Default returns the default configuration.
func Default() *Config {
	return &Config{
		Database: DatabaseConfig{
			Path: "syncd.db",
		},
		Orchestrator: OrchestratorConfig{
			MaxConcurrency:  4,
			BatchSize:       50,
			AutoStart:       true,
			Enabled:         true,
			DispatchTimeout: 30 * time.Second,
			PollInterval:    30 * time.Second,
			StaleAfter:      5 * time.Minute,
		},
		Retry: RetryConfig{
			BaseDelay:      backoff.DefaultBaseDelay,
			CapDelay:       backoff.DefaultCapDelay,
			MaxRetries:     backoff.DefaultMaxRetries,
			JitterFraction: 0.1,
		},
		Idempotency: IdempotencyConfig{
			Bucket: idempotency.DefaultBucket,
		},
		Conflict: ConflictConfig{
			StalePolicy: string(conflict.StalePolicyRebase),
			MergePolicy: conflict.PolicyManual,
		},
		Background: scheduler.DefaultConfig(),
		Events: EventsConfig{
			BufferSize: events.DefaultBufferSize,
		},
		Redis: RedisConfig{
			Addr:      "localhost:6379",
			KeyPrefix: remote.DefaultKeyPrefix,
		},
		S3: S3Config{
			Region: "us-east-1",
		},
		API: APIConfig{
			Addr: ":8080",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: string(logging.FormatJSON),
		},
	}
}

// Load loads the configuration from path, merging with defaults.
// An empty path, or a path that does not exist, yields the defaults with
// environment overrides applied.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		// #nosec G304 - path is provided by the operator
		data, err := os.ReadFile(filepath.Clean(path))
		switch {
		case err == nil:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, errors.Wrap(errors.ErrValidation, "failed to parse config file", err)
			}
		case os.IsNotExist(err):
			logging.Debug("Config file not found, using defaults", map[string]interface{}{"path": path})
		default:
			return nil, errors.Wrap(errors.ErrInternal, "failed to read config file", err)
		}
	}

	cfg.applyEnvironment()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnvironment applies environment variable overrides.
// Environment variables follow the pattern SYNCD_<KEY>.
func (c *Config) applyEnvironment() {
	c.Database.Path = getEnv("SYNCD_DB_PATH", c.Database.Path)
	c.Redis.Addr = getEnv("SYNCD_REDIS_ADDR", c.Redis.Addr)
	c.Redis.DB = getEnvInt("SYNCD_REDIS_DB", c.Redis.DB)
	c.API.Addr = getEnv("SYNCD_API_ADDR", c.API.Addr)
	c.DeviceID = getEnv("SYNCD_DEVICE_ID", c.DeviceID)
	c.Logging.Level = getEnv("SYNCD_LOG_LEVEL", c.Logging.Level)
	c.S3.Bucket = getEnv("SYNCD_S3_BUCKET", c.S3.Bucket)
	c.S3.Endpoint = getEnv("SYNCD_S3_ENDPOINT", c.S3.Endpoint)
	if v := os.Getenv("SYNCD_ENABLED"); v != "" {
		c.Orchestrator.Enabled = parseBool(v)
	}
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getEnvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func parseBool(v string) bool {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "1", "true", "yes", "on":
		return true
	default:
		return false
	}
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	if c.Orchestrator.MaxConcurrency < 1 {
		return errors.New(errors.ErrValidation, "orchestrator.maxConcurrency must be at least 1")
	}
	if c.Orchestrator.BatchSize < 1 {
		return errors.New(errors.ErrValidation, "orchestrator.batchSize must be at least 1")
	}
	if c.Orchestrator.DispatchTimeout <= 0 || c.Orchestrator.PollInterval <= 0 {
		return errors.New(errors.ErrValidation, "orchestrator durations must be positive")
	}
	if c.Retry.MaxRetries < 0 {
		return errors.New(errors.ErrValidation, "retry.maxRetries must not be negative")
	}
	if c.Retry.BaseDelay <= 0 || c.Retry.CapDelay < c.Retry.BaseDelay {
		return errors.New(errors.ErrValidation, "retry.capDelay must be at least retry.baseDelay")
	}
	if c.Retry.JitterFraction < 0 || c.Retry.JitterFraction > 1 {
		return errors.New(errors.ErrValidation, "retry.jitterFraction must be between 0 and 1")
	}
	switch conflict.StalePolicy(c.Conflict.StalePolicy) {
	case conflict.StalePolicyRebase, conflict.StalePolicyDiscard:
	default:
		return errors.Newf(errors.ErrValidation, "unknown conflict.stalePolicy %q", c.Conflict.StalePolicy)
	}
	if _, err := conflict.PolicyByName(c.Conflict.MergePolicy); err != nil {
		return err
	}
	if err := c.Background.Validate(); err != nil {
		return errors.Wrap(errors.ErrValidation, "background", err)
	}
	if c.Events.BufferSize < 0 {
		return errors.New(errors.ErrValidation, "events.bufferSize must not be negative")
	}
	return nil
}

// Engine returns the orchestrator configuration.
func (c *Config) Engine() syncpkg.Config {
	mode := syncpkg.Active
	if !c.Orchestrator.Enabled {
		mode = syncpkg.WriteOnly
	}
	return syncpkg.Config{
		MaxConcurrency:  c.Orchestrator.MaxConcurrency,
		BatchSize:       c.Orchestrator.BatchSize,
		AutoStart:       c.Orchestrator.AutoStart,
		Mode:            mode,
		DispatchTimeout: c.Orchestrator.DispatchTimeout,
		PollInterval:    c.Orchestrator.PollInterval,
		StaleAfter:      c.Orchestrator.StaleAfter,
		DeviceID:        c.DeviceID,
	}
}

// Backoff returns the retry schedule.
func (c *Config) Backoff() *backoff.Policy {
	return &backoff.Policy{
		Base:           c.Retry.BaseDelay,
		Cap:            c.Retry.CapDelay,
		MaxRetries:     c.Retry.MaxRetries,
		JitterFraction: c.Retry.JitterFraction,
	}
}

// Resolver builds the conflict resolver.
func (c *Config) Resolver() (*conflict.Resolver, error) {
	merge, err := conflict.PolicyByName(c.Conflict.MergePolicy)
	if err != nil {
		return nil, err
	}
	return conflict.NewResolver(
		conflict.WithStalePolicy(conflict.StalePolicy(c.Conflict.StalePolicy)),
		conflict.WithMergePolicy(merge),
	), nil
}

// LogLevel returns the parsed log level.
func (c *Config) LogLevel() logging.LogLevel {
	return logging.ParseLevel(c.Logging.Level)
}

// LogFormat returns the log output format.
func (c *Config) LogFormat() logging.Format {
	if strings.EqualFold(c.Logging.Format, string(logging.FormatText)) {
		return logging.FormatText
	}
	return logging.FormatJSON
}

// SaveToPath writes the configuration to path.
func (c *Config) SaveToPath(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return err
	}
	data, err := yaml.Marshal(c)
	if err != nil {
		return err
	}
	// #nosec G306 - config file should be readable by user
	return os.WriteFile(path, data, 0o644)
}
