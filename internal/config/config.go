package config

import (
	"fmt"
	"os"
	"runtime"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	Runway    RunwayConfig
	Orch      OrchestratorConfig
	Retry     RetryConfig
	RateLimit RateLimitConfig
	Store     StoreConfig
	Archive   ArchiveConfig
	Notify    NotifyConfig
	Status    StatusConfig
	Trace     TraceConfig
}

type RunwayConfig struct {
	APIKey          string
	BaseURL         string
	CallTimeout     time.Duration
	DownloadTimeout time.Duration
}

type OrchestratorConfig struct {
	Workers          int
	PollInterval     time.Duration
	DownloadInterval time.Duration
	OutputDir        string
}

type RetryConfig struct {
	MaxAttempts      int
	RateLimitCeiling int
	BaseDelay        time.Duration
	MaxDelay         time.Duration
	JitterFraction   float64
}

type RateLimitConfig struct {
	// Interval between submissions under the local gate.
	Interval time.Duration
	// RedisAddr switches the gate to the shared Redis token bucket so
	// several machines can split one API quota.
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	RatePerMinute int
	Burst         int
}

type StoreConfig struct {
	// Backend selects "file", "memory" or "postgres".
	Backend string
	Path    string
	DSN     string
}

type ArchiveConfig struct {
	Enabled   bool
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	UseSSL    bool
	Prefix    string
}

type NotifyConfig struct {
	Endpoint      string
	SigningSecret string
}

type StatusConfig struct {
	Addr string
}

type TraceConfig struct {
	Exporter     string
	OTLPEndpoint string
	OTLPInsecure bool
}

func Load() (Config, error) {
	cfg := Config{
		Runway: RunwayConfig{
			APIKey:          env("RUNWAY_API_KEY", ""),
			BaseURL:         env("RUNWAY_BASE_URL", "https://api.dev.runwayml.com/v1"),
			CallTimeout:     envDuration("RUNWAY_CALL_TIMEOUT", 30*time.Second),
			DownloadTimeout: envDuration("RUNWAY_DOWNLOAD_TIMEOUT", 5*time.Minute),
		},
		Orch: OrchestratorConfig{
			Workers:          envInt("ACTFLOW_WORKERS", max(2, runtime.NumCPU()/2)),
			PollInterval:     envDuration("ACTFLOW_POLL_INTERVAL", 10*time.Second),
			DownloadInterval: envDuration("ACTFLOW_DOWNLOAD_INTERVAL", 5*time.Second),
			OutputDir:        env("ACTFLOW_OUTPUT_DIR", "./output"),
		},
		Retry: RetryConfig{
			MaxAttempts:      envInt("ACTFLOW_RETRY_MAX_ATTEMPTS", 3),
			RateLimitCeiling: envInt("ACTFLOW_RETRY_RATE_LIMIT_CEILING", 50),
			BaseDelay:        envDuration("ACTFLOW_RETRY_BASE_DELAY", 2*time.Second),
			MaxDelay:         envDuration("ACTFLOW_RETRY_MAX_DELAY", time.Minute),
			JitterFraction:   envFloat("ACTFLOW_RETRY_JITTER", 0.2),
		},
		RateLimit: RateLimitConfig{
			Interval:      envDuration("ACTFLOW_SUBMIT_INTERVAL", 12*time.Second),
			RedisAddr:     env("REDIS_ADDR", ""),
			RedisPassword: env("REDIS_PASSWORD", ""),
			RedisDB:       envInt("REDIS_DB", 0),
			RatePerMinute: envInt("ACTFLOW_RATE_PER_MINUTE", 5),
			Burst:         envInt("ACTFLOW_RATE_BURST", 1),
		},
		Store: StoreConfig{
			Backend: env("ACTFLOW_STORE", "file"),
			Path:    env("ACTFLOW_STORE_PATH", "./actflow-jobs.json"),
			DSN:     env("POSTGRES_DSN", ""),
		},
		Archive: ArchiveConfig{
			Enabled:   envBool("ACTFLOW_ARCHIVE_ENABLED", false),
			Endpoint:  env("MINIO_ENDPOINT", "localhost:9000"),
			AccessKey: env("MINIO_ACCESS_KEY", "minioadmin"),
			SecretKey: env("MINIO_SECRET_KEY", "minioadmin"),
			Bucket:    env("MINIO_BUCKET", "actflow-assets"),
			UseSSL:    envBool("MINIO_USE_SSL", false),
			Prefix:    env("ACTFLOW_ARCHIVE_PREFIX", "performances"),
		},
		Notify: NotifyConfig{
			Endpoint:      env("ACTFLOW_NOTIFY_URL", ""),
			SigningSecret: env("ACTFLOW_NOTIFY_SECRET", ""),
		},
		Status: StatusConfig{
			Addr: env("ACTFLOW_STATUS_ADDR", ":8080"),
		},
		Trace: TraceConfig{
			Exporter:     env("ACTFLOW_TRACE_EXPORTER", "none"),
			OTLPEndpoint: env("OTEL_EXPORTER_OTLP_ENDPOINT", ""),
			OTLPInsecure: envBool("OTEL_EXPORTER_OTLP_INSECURE", false),
		},
	}

	return cfg, cfg.validate()
}

func (c Config) validate() error {
	if strings.TrimSpace(c.Runway.APIKey) == "" {
		return fmt.Errorf("RUNWAY_API_KEY is required")
	}
	switch c.Store.Backend {
	case "file", "memory":
	case "postgres":
		if strings.TrimSpace(c.Store.DSN) == "" {
			return fmt.Errorf("POSTGRES_DSN is required for the postgres store")
		}
	default:
		return fmt.Errorf("unsupported store backend: %q", c.Store.Backend)
	}
	if c.Orch.Workers < 1 {
		return fmt.Errorf("worker count must be at least 1")
	}
	return nil
}

func env(key, fallback string) string {
	value, ok := os.LookupEnv(key)
	if !ok || value == "" {
		return fallback
	}
	return value
}

func envInt(key string, fallback int) int {
	value := env(key, "")
	if value == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return fallback
	}
	return parsed
}

func envBool(key string, fallback bool) bool {
	value := env(key, "")
	if value == "" {
		return fallback
	}
	parsed, err := strconv.ParseBool(value)
	if err != nil {
		return fallback
	}
	return parsed
}

func envFloat(key string, fallback float64) float64 {
	value := env(key, "")
	if value == "" {
		return fallback
	}
	parsed, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return fallback
	}
	return parsed
}

func envDuration(key string, fallback time.Duration) time.Duration {
	value := env(key, "")
	if value == "" {
		return fallback
	}
	parsed, err := time.ParseDuration(value)
	if err != nil {
		return fallback
	}
	return parsed
}

func max(a, b int) int {
	if a > b {
		return a
	}
	return b
}
