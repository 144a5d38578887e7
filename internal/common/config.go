package common

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/pelletier/go-toml/v2"
)

// Config represents the application configuration. Values come from TOML
// files (later files override earlier ones) with environment-variable
// overrides applied last.
type Config struct {
	Environment string          `toml:"environment" validate:"omitempty,oneof=development production"`
	Server      ServerConfig    `toml:"server"`
	Database    DatabaseConfig  `toml:"database"`
	Bus         BusConfig       `toml:"bus"`
	VectorStore VectorConfig    `toml:"vector_store"`
	Embedding   EmbeddingConfig `toml:"embedding"`
	Scheduler   SchedulerConfig `toml:"scheduler"`
	Workers     WorkersConfig   `toml:"workers"`
	Storage     StorageConfig   `toml:"storage"`
	Logging     LoggingConfig   `toml:"logging"`
}

type ServerConfig struct {
	Host string `toml:"host"`
	Port int    `toml:"port" validate:"omitempty,min=1,max=65535"`
	// ProgressThrottleMS caps how often progress events are pushed to
	// each websocket subscriber. Zero disables throttling.
	ProgressThrottleMS int `toml:"progress_throttle_ms"`
}

type DatabaseConfig struct {
	URLRW                   string `toml:"url_rw"` // read/write endpoint
	URLRO                   string `toml:"url_ro"` // read replica; falls back to url_rw when empty
	StatementTimeoutSeconds int    `toml:"statement_timeout_seconds"`
	MaxOpenConns            int    `toml:"max_open_conns"`
	MaxIdleConns            int    `toml:"max_idle_conns"`
}

type BusConfig struct {
	URL string `toml:"url"`
	// RetryLimit is the delivery attempt ceiling before dead-letter.
	RetryLimit int `toml:"retry_limit" validate:"omitempty,min=1"`
}

type VectorConfig struct {
	URL string `toml:"url"`
}

type EmbeddingConfig struct {
	Model      string `toml:"model"`
	Dimensions int    `toml:"dimensions" validate:"omitempty,min=1"`
	APIKey     string `toml:"api_key"`
	// Offline switches to the deterministic embedder (no provider call).
	// Forced on when no API key is configured.
	Offline bool `toml:"offline"`
	// Fields maps table name -> ordered field list fed to the embedding
	// text assembler. Tables absent from the map use their full field
	// set in name order.
	Fields map[string][]string `toml:"fields"`
	// TimeoutSeconds is the embedding call deadline.
	TimeoutSeconds int `toml:"timeout_seconds"`
}

type SchedulerConfig struct {
	// TenantTimeZone is the fallback zone when a tenant has none set.
	TenantTimeZone string `toml:"tenant_time_zone"`
	// StartupReset controls recovery of schedules stuck in running state:
	// "idle" (default) or "failed".
	StartupReset string `toml:"startup_reset" validate:"omitempty,oneof=idle failed"`
	// StaleSweepSchedule and RequeueSweepSchedule are cron expressions
	// for the maintenance jobs.
	StaleSweepSchedule   string `toml:"stale_sweep_schedule"`
	RequeueSweepSchedule string `toml:"requeue_sweep_schedule"`
	// ShutdownTimeoutSeconds bounds the wait for in-flight handlers.
	ShutdownTimeoutSeconds int `toml:"shutdown_timeout_seconds"`
}

type WorkersConfig struct {
	// Counts maps "<tier>/<stage>" or "tenant:<id>/<stage>" to the
	// desired worker count for that consumer group.
	Counts map[string]int `toml:"counts"`
	// DefaultCount applies to any group missing from Counts.
	DefaultCount int `toml:"default_count" validate:"omitempty,min=1"`
	// CrashThreshold and CrashWindowSeconds drive the restart backoff:
	// at or above CrashThreshold crashes within the window, the group
	// backs off exponentially.
	CrashThreshold     int `toml:"crash_threshold"`
	CrashWindowSeconds int `toml:"crash_window_seconds"`
}

type StorageConfig struct {
	// BadgerPath is the embedded credential store directory.
	BadgerPath string `toml:"badger_path"`
}

type LoggingConfig struct {
	Level  string   `toml:"level" validate:"omitempty,oneof=debug info warn error"`
	Output []string `toml:"output"`
}

// DefaultConfig returns the built-in defaults.
func DefaultConfig() *Config {
	return &Config{
		Environment: "development",
		Server:      ServerConfig{Host: "localhost", Port: 8765, ProgressThrottleMS: 250},
		Database: DatabaseConfig{
			StatementTimeoutSeconds: 10,
			MaxOpenConns:            20,
			MaxIdleConns:            5,
		},
		Bus: BusConfig{RetryLimit: 5},
		Embedding: EmbeddingConfig{
			Model:          "gemini-embedding-001",
			Dimensions:     768,
			Offline:        true,
			TimeoutSeconds: 60,
		},
		Scheduler: SchedulerConfig{
			TenantTimeZone:         "UTC",
			StartupReset:           "idle",
			StaleSweepSchedule:     "*/5 * * * *",
			RequeueSweepSchedule:   "*/15 * * * *",
			ShutdownTimeoutSeconds: 30,
		},
		Workers: WorkersConfig{
			DefaultCount:       1,
			CrashThreshold:     3,
			CrashWindowSeconds: 60,
		},
		Storage: StorageConfig{BadgerPath: "./data/credentials"},
		Logging: LoggingConfig{Level: "info", Output: []string{"stdout"}},
	}
}

// LoadConfig reads config files in order, applies environment overrides,
// and validates the result.
func LoadConfig(paths ...string) (*Config, error) {
	config := DefaultConfig()

	for _, path := range paths {
		if path == "" {
			continue
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := toml.Unmarshal(data, config); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	applyEnvOverrides(config)

	if err := validator.New().Struct(config); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return config, nil
}

// applyEnvOverrides maps the enumerated environment keys onto the config.
func applyEnvOverrides(config *Config) {
	if v := os.Getenv("DB_URL_RW"); v != "" {
		config.Database.URLRW = v
	}
	if v := os.Getenv("DB_URL_RO"); v != "" {
		config.Database.URLRO = v
	}
	if v := os.Getenv("BUS_URL"); v != "" {
		config.Bus.URL = v
	}
	if v := os.Getenv("VECTOR_STORE_URL"); v != "" {
		config.VectorStore.URL = v
	}
	if v := os.Getenv("TENANT_TIME_ZONE"); v != "" {
		config.Scheduler.TenantTimeZone = v
	}
	if v := os.Getenv("RETRY_LIMIT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			config.Bus.RetryLimit = n
		}
	}
	if v := os.Getenv("EMBEDDING_DEFAULT_MODEL"); v != "" {
		config.Embedding.Model = v
	}
	if v := os.Getenv("EMBEDDING_API_KEY"); v != "" {
		config.Embedding.APIKey = v
		config.Embedding.Offline = false
	}
	if v := os.Getenv("WORKER_COUNTS"); v != "" {
		if counts, err := ParseWorkerCounts(v); err == nil {
			config.Workers.Counts = counts
		}
	}
}

// ParseWorkerCounts parses the WORKER_COUNTS environment form:
// "free/extraction=4,tenant:7/transform=2".
func ParseWorkerCounts(raw string) (map[string]int, error) {
	counts := make(map[string]int)
	for _, pair := range strings.Split(raw, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		key, value, found := strings.Cut(pair, "=")
		if !found {
			return nil, fmt.Errorf("invalid worker count entry %q", pair)
		}
		n, err := strconv.Atoi(strings.TrimSpace(value))
		if err != nil || n < 0 {
			return nil, fmt.Errorf("invalid worker count %q", pair)
		}
		counts[strings.TrimSpace(key)] = n
	}
	return counts, nil
}

// WorkerCount resolves the configured worker count for a group key such as
// "premium/extraction" or "tenant:7/transform".
func (c *Config) WorkerCount(key string) int {
	if n, ok := c.Workers.Counts[key]; ok && n > 0 {
		return n
	}
	if c.Workers.DefaultCount > 0 {
		return c.Workers.DefaultCount
	}
	return 1
}
