// Package config loads board settings from the environment and an optional
// .env file.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/drfirst/go-edflow/internal/domain/ews"
)

// Cache backends
const (
	CacheMemory   = "memory"
	CacheFile     = "file"
	CachePostgres = "postgres"
	CacheRedis    = "redis"
)

type Config struct {
	Env      string `mapstructure:"ENV"`
	LogLevel string `mapstructure:"LOG_LEVEL"`
	HTTPPort string `mapstructure:"HTTP_PORT"`

	CacheBackend  string        `mapstructure:"CACHE_BACKEND"`
	CacheDir      string        `mapstructure:"CACHE_DIR"`
	CacheDebounce time.Duration `mapstructure:"CACHE_DEBOUNCE"`
	CacheTTL      time.Duration `mapstructure:"CACHE_TTL"`
	DatabaseURL   string        `mapstructure:"DATABASE_URL"`
	RedisAddr     string        `mapstructure:"REDIS_ADDR"`
	RedisPassword string        `mapstructure:"REDIS_PASSWORD"`
	RedisDB       int           `mapstructure:"REDIS_DB"`

	KafkaBrokers   []string `mapstructure:"KAFKA_BROKERS"`
	KafkaGroupID   string   `mapstructure:"KAFKA_GROUP_ID"`
	IngestWorkers  int      `mapstructure:"INGEST_WORKERS"`
	PublishEnabled bool     `mapstructure:"PUBLISH_ENABLED"`

	TracingEnabled  bool    `mapstructure:"TRACING_ENABLED"`
	OTLPEndpoint    string  `mapstructure:"OTLP_ENDPOINT"`
	TraceSampleRate float64 `mapstructure:"TRACE_SAMPLE_RATE"`

	EWSHighThreshold   int           `mapstructure:"EWS_HIGH_THRESHOLD"`
	EWSMediumThreshold int           `mapstructure:"EWS_MEDIUM_THRESHOLD"`
	CadenceHigh        time.Duration `mapstructure:"CADENCE_HIGH"`
	CadenceMedium      time.Duration `mapstructure:"CADENCE_MEDIUM"`
	CadenceLow         time.Duration `mapstructure:"CADENCE_LOW"`
	DuplicateWindow    time.Duration `mapstructure:"DUPLICATE_WINDOW"`
}

var keys = []string{
	"ENV", "LOG_LEVEL", "HTTP_PORT",
	"CACHE_BACKEND", "CACHE_DIR", "CACHE_DEBOUNCE", "CACHE_TTL",
	"DATABASE_URL", "REDIS_ADDR", "REDIS_PASSWORD", "REDIS_DB",
	"KAFKA_BROKERS", "KAFKA_GROUP_ID", "INGEST_WORKERS", "PUBLISH_ENABLED",
	"TRACING_ENABLED", "OTLP_ENDPOINT", "TRACE_SAMPLE_RATE",
	"EWS_HIGH_THRESHOLD", "EWS_MEDIUM_THRESHOLD",
	"CADENCE_HIGH", "CADENCE_MEDIUM", "CADENCE_LOW", "DUPLICATE_WINDOW",
}

// Load reads ./.env if present, then the environment.
func Load() (*Config, error) {
	return LoadFile(".env")
}

// LoadFile reads path if it exists, then the environment, which wins.
func LoadFile(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("env")
	v.AutomaticEnv()

	v.SetDefault("ENV", "development")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("HTTP_PORT", "8080")
	v.SetDefault("CACHE_BACKEND", CacheMemory)
	v.SetDefault("CACHE_DIR", "./data")
	v.SetDefault("CACHE_DEBOUNCE", "250ms")
	v.SetDefault("CACHE_TTL", "0s")
	v.SetDefault("REDIS_ADDR", "localhost:6379")
	v.SetDefault("REDIS_DB", 0)
	v.SetDefault("KAFKA_BROKERS", "localhost:9092")
	v.SetDefault("KAFKA_GROUP_ID", "edflow-board")
	v.SetDefault("INGEST_WORKERS", 8)
	v.SetDefault("PUBLISH_ENABLED", true)
	v.SetDefault("TRACING_ENABLED", false)
	v.SetDefault("OTLP_ENDPOINT", "localhost:4317")
	v.SetDefault("TRACE_SAMPLE_RATE", 0.1)
	v.SetDefault("EWS_HIGH_THRESHOLD", 7)
	v.SetDefault("EWS_MEDIUM_THRESHOLD", 4)
	v.SetDefault("CADENCE_HIGH", "15m")
	v.SetDefault("CADENCE_MEDIUM", "30m")
	v.SetDefault("CADENCE_LOW", "60m")
	v.SetDefault("DUPLICATE_WINDOW", "100ms")

	// Bind env vars explicitly so Unmarshal picks them up
	for _, k := range keys {
		_ = v.BindEnv(k)
	}

	// a missing .env is fine
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	cfg.KafkaBrokers = splitList(cfg.KafkaBrokers)
	cfg.CacheBackend = strings.ToLower(strings.TrimSpace(cfg.CacheBackend))

	return cfg, nil
}

// splitList flattens comma-separated entries and drops blanks.
func splitList(in []string) []string {
	var out []string
	for _, s := range in {
		for _, part := range strings.Split(s, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// IsProduction returns true when running in production mode.
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// Policy returns the configured EWS thresholds
func (c *Config) Policy() ews.Policy {
	return ews.Policy{HighThreshold: c.EWSHighThreshold, MediumThreshold: c.EWSMediumThreshold}
}

// Cadence returns the configured observation intervals
func (c *Config) Cadence() ews.Cadence {
	return ews.Cadence{High: c.CadenceHigh, Medium: c.CadenceMedium, Low: c.CadenceLow}
}

// Validate checks that the configuration is safe to run.
func (c *Config) Validate() error {
	if err := c.Policy().Validate(); err != nil {
		return fmt.Errorf("EWS thresholds: %w", err)
	}
	if err := c.Cadence().Validate(); err != nil {
		return fmt.Errorf("CADENCE: %w", err)
	}
	if c.DuplicateWindow < 0 {
		return fmt.Errorf("DUPLICATE_WINDOW must not be negative, got %s", c.DuplicateWindow)
	}

	switch c.CacheBackend {
	case CacheMemory:
	case CacheFile:
		if c.CacheDir == "" {
			return fmt.Errorf("CACHE_DIR is required when CACHE_BACKEND is %q", CacheFile)
		}
	case CachePostgres:
		if c.DatabaseURL == "" {
			return fmt.Errorf("DATABASE_URL is required when CACHE_BACKEND is %q", CachePostgres)
		}
	case CacheRedis:
		if c.RedisAddr == "" {
			return fmt.Errorf("REDIS_ADDR is required when CACHE_BACKEND is %q", CacheRedis)
		}
	default:
		return fmt.Errorf("CACHE_BACKEND must be memory, file, postgres or redis, got %q", c.CacheBackend)
	}
	if c.IsProduction() && c.CacheBackend == CacheMemory {
		return fmt.Errorf("CACHE_BACKEND=memory loses the board on restart and is not allowed in production")
	}

	if len(c.KafkaBrokers) == 0 {
		return fmt.Errorf("KAFKA_BROKERS is required")
	}
	if c.IngestWorkers <= 0 {
		return fmt.Errorf("INGEST_WORKERS must be positive, got %d", c.IngestWorkers)
	}
	if c.TraceSampleRate < 0 || c.TraceSampleRate > 1 {
		return fmt.Errorf("TRACE_SAMPLE_RATE must be between 0 and 1, got %g", c.TraceSampleRate)
	}
	return nil
}
