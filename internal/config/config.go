package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Transport names accepted by KVP_TRANSPORT.
const (
	TransportMemory = "memory"
	TransportRedis  = "redis"
	TransportNATS   = "nats"
)

// Config holds the bridge settings shared by kvp-host and kvp-agent.
type Config struct {
	Env      string `env:"KVP_ENV" envDefault:"development"`
	LogLevel string `env:"KVP_LOG_LEVEL" envDefault:"info"`

	// Protocol
	Prefix         string        `env:"KVP_PREFIX" envDefault:"DevSetup"`
	MaxChunkSize   int           `env:"KVP_MAX_CHUNK_SIZE" envDefault:"1000"`
	PollInterval   time.Duration `env:"KVP_POLL_INTERVAL" envDefault:"500ms"`
	Retention      time.Duration `env:"KVP_RETENTION" envDefault:"10m"`
	RequestTimeout time.Duration `env:"KVP_REQUEST_TIMEOUT" envDefault:"30s"`

	// Agent request rate; 0 disables the limit.
	RateLimit float64 `env:"KVP_RATE_LIMIT" envDefault:"0"`
	RateBurst int     `env:"KVP_RATE_BURST" envDefault:"10"`

	// Transport
	Transport string `env:"KVP_TRANSPORT" envDefault:"memory"`
	RedisURL  string `env:"KVP_REDIS_URL" envDefault:"redis://localhost:6379/0"`
	NATSURL   string `env:"KVP_NATS_URL" envDefault:"nats://localhost:4222"`
	FromHost  string `env:"KVP_FROM_HOST" envDefault:"kvp_from_host"`
	ToHost    string `env:"KVP_TO_HOST" envDefault:"kvp_to_host"`

	// Observability
	MetricsAddr    string `env:"KVP_METRICS_ADDR" envDefault:":9464"`
	TracingEnabled bool   `env:"KVP_TRACING" envDefault:"false"`
	OTEL           OTELConfig
}

// Load reads an optional .env file and then the environment.
func Load() (*Config, error) {
	// A missing .env file is normal outside development.
	_ = godotenv.Load() //nolint:errcheck // Optional file

	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks values env.Parse cannot.
func (c *Config) Validate() error {
	var errs []error

	if c.Prefix == "" || strings.ContainsAny(c.Prefix, "{}~") {
		errs = append(errs, fmt.Errorf("KVP_PREFIX %q must be non-empty and must not contain '{', '}' or '~'", c.Prefix))
	}
	if c.MaxChunkSize <= 0 {
		errs = append(errs, fmt.Errorf("KVP_MAX_CHUNK_SIZE must be positive, got %d", c.MaxChunkSize))
	}
	if c.PollInterval <= 0 {
		errs = append(errs, fmt.Errorf("KVP_POLL_INTERVAL must be positive, got %s", c.PollInterval))
	}
	if c.Retention <= 0 {
		errs = append(errs, fmt.Errorf("KVP_RETENTION must be positive, got %s", c.Retention))
	}
	if c.RequestTimeout <= 0 {
		errs = append(errs, fmt.Errorf("KVP_REQUEST_TIMEOUT must be positive, got %s", c.RequestTimeout))
	}
	if c.RateLimit < 0 || c.RateBurst < 1 {
		errs = append(errs, fmt.Errorf("KVP_RATE_LIMIT must not be negative and KVP_RATE_BURST must be positive"))
	}
	if c.OTEL.SampleRatio < 0 || c.OTEL.SampleRatio > 1 {
		errs = append(errs, fmt.Errorf("KVP_TRACE_SAMPLE_RATIO must be within [0, 1], got %g", c.OTEL.SampleRatio))
	}
	switch c.Transport {
	case TransportMemory, TransportRedis, TransportNATS:
	default:
		errs = append(errs, fmt.Errorf("KVP_TRANSPORT must be one of memory, redis, nats, got %q", c.Transport))
	}
	if c.FromHost == "" || c.ToHost == "" || strings.EqualFold(c.FromHost, c.ToHost) {
		errs = append(errs, fmt.Errorf("KVP_FROM_HOST and KVP_TO_HOST must be distinct and non-empty"))
	}

	return errors.Join(errs...)
}

// IsDevelopment reports whether human-readable logs are wanted.
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}
