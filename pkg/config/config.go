// Package config loads fleetwatch runtime settings from the environment.
package config

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/sethvargo/go-envconfig"
)

const (
	StorePostgres = "postgres"
	StoreMemory   = "memory"
)

// Config holds runtime configuration shared by the fleetwatch binaries.
type Config struct {
	Addr         string `env:"ADDR,default=:8080"`
	DBDSN        string `env:"DB_DSN"`
	NATSURL      string `env:"NATS_URL"`
	OTLPEndpoint string `env:"OTEL_EXPORTER_OTLP_ENDPOINT"`
	ServiceName  string `env:"SERVICE_NAME,default=fleet-api"`
	LogLevel     string `env:"LOG_LEVEL,default=info"`
	LogFormat    string `env:"LOG_FORMAT,default=json"`
	Store        string `env:"STORE,default=postgres"`

	// TraceSampleRatio keeps this fraction of root spans; 1 keeps all.
	TraceSampleRatio float64 `env:"TRACE_SAMPLE_RATIO,default=1"`

	AllowedOrigins     []string `env:"CORS_ALLOWED_ORIGINS,default=*"`
	RateLimitPerMinute int      `env:"RATE_LIMIT_PER_MINUTE,default=100"`

	Poll    Poll
	Storage Storage
	Archive Archive
}

// Poll configures the status poller.
type Poll struct {
	ProbeTimeout time.Duration `env:"PROBE_TIMEOUT,default=5s"`
	AgentPort    int           `env:"AGENT_PORT,default=8000"`
	MetricsPath  string        `env:"AGENT_METRICS_PATH,default=/api/metrics"`
	Concurrency  int           `env:"POLL_CONCURRENCY,default=0"`
	Dedup        bool          `env:"POLL_DEDUP,default=true"`
	// Interval enables the background poll loop when positive.
	Interval time.Duration `env:"POLL_INTERVAL,default=0s"`
}

// Storage configures the storage aggregator.
type Storage struct {
	RetentionWindow time.Duration `env:"RETENTION_WINDOW,default=4320h"`
	LargeFileMB     float64       `env:"LARGE_FILE_MB,default=500"`
	RiskThreshold   int           `env:"RISK_THRESHOLD,default=50"`
}

// Archive configures the S3-compatible bucket storage reports are archived
// to. Archiving is disabled while Endpoint is empty.
type Archive struct {
	Endpoint       string `env:"S3_ENDPOINT"`
	AccessKey      string `env:"S3_ACCESS_KEY"`
	SecretKey      string `env:"S3_SECRET_KEY"`
	Region         string `env:"S3_REGION,default=us-east-1"`
	Bucket         string `env:"S3_BUCKET,default=fleetwatch-reports"`
	DisableTLS     bool   `env:"S3_DISABLE_TLS,default=false"`
	ForcePathStyle bool   `env:"S3_FORCE_PATH_STYLE,default=true"`
}

// Enabled reports whether an archive endpoint is configured.
func (a Archive) Enabled() bool { return strings.TrimSpace(a.Endpoint) != "" }

// Load reads .env when present and then the process environment.
func Load(ctx context.Context) (Config, error) {
	_ = godotenv.Load()
	return LoadWith(ctx, envconfig.OsLookuper())
}

// LoadWith populates a Config from lookuper and validates it.
func LoadWith(ctx context.Context, lookuper envconfig.Lookuper) (Config, error) {
	var cfg Config
	if err := envconfig.ProcessWith(ctx, &envconfig.Config{
		Target:   &cfg,
		Lookuper: lookuper,
	}); err != nil {
		return Config{}, fmt.Errorf("process env: %w", err)
	}

	cfg.Store = strings.ToLower(strings.TrimSpace(cfg.Store))
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate rejects combinations the services cannot run with.
func (c Config) Validate() error {
	var errs []error

	switch c.Store {
	case StorePostgres:
		if c.DBDSN == "" {
			errs = append(errs, errors.New("DB_DSN is required when STORE=postgres"))
		}
	case StoreMemory:
	default:
		errs = append(errs, fmt.Errorf("STORE must be %q or %q, got %q", StorePostgres, StoreMemory, c.Store))
	}

	if c.Poll.ProbeTimeout <= 0 {
		errs = append(errs, errors.New("PROBE_TIMEOUT must be positive"))
	}
	if c.Poll.AgentPort <= 0 || c.Poll.AgentPort > 65535 {
		errs = append(errs, fmt.Errorf("AGENT_PORT %d out of range", c.Poll.AgentPort))
	}
	if c.Poll.Concurrency < 0 {
		errs = append(errs, errors.New("POLL_CONCURRENCY must not be negative"))
	}
	if !strings.HasPrefix(c.Poll.MetricsPath, "/") {
		errs = append(errs, errors.New("AGENT_METRICS_PATH must start with /"))
	}
	if c.Storage.RetentionWindow <= 0 {
		errs = append(errs, errors.New("RETENTION_WINDOW must be positive"))
	}
	if c.Storage.LargeFileMB <= 0 {
		errs = append(errs, errors.New("LARGE_FILE_MB must be positive"))
	}
	if c.Storage.RiskThreshold < 0 || c.Storage.RiskThreshold > 100 {
		errs = append(errs, errors.New("RISK_THRESHOLD must be within 0-100"))
	}
	if c.Archive.Enabled() {
		if c.Archive.AccessKey == "" || c.Archive.SecretKey == "" {
			errs = append(errs, errors.New("S3_ACCESS_KEY and S3_SECRET_KEY are required when S3_ENDPOINT is set"))
		}
		if c.Archive.Bucket == "" {
			errs = append(errs, errors.New("S3_BUCKET must not be empty"))
		}
	}
	if c.TraceSampleRatio < 0 || c.TraceSampleRatio > 1 {
		errs = append(errs, errors.New("TRACE_SAMPLE_RATIO must be within 0-1"))
	}
	if c.RateLimitPerMinute < 0 {
		errs = append(errs, errors.New("RATE_LIMIT_PER_MINUTE must not be negative"))
	}

	return errors.Join(errs...)
}
