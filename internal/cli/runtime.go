package cli

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/dunamismax/actflow/internal/api"
	"github.com/dunamismax/actflow/internal/archive"
	"github.com/dunamismax/actflow/internal/config"
	"github.com/dunamismax/actflow/internal/notify"
	"github.com/dunamismax/actflow/internal/orchestrator"
	"github.com/dunamismax/actflow/internal/ratelimit"
	"github.com/dunamismax/actflow/internal/retry"
	"github.com/dunamismax/actflow/internal/runway"
	"github.com/dunamismax/actflow/internal/store"
	"github.com/dunamismax/actflow/internal/telemetry"
	"github.com/redis/go-redis/v9"
)

// runtime bundles everything a batch command needs, wired once from
// the environment.
type runtime struct {
	cfg      config.Config
	logger   *log.Logger
	jobStore store.JobStore
	manager  *orchestrator.Manager

	closers []func(context.Context) error
}

func newRuntime(ctx context.Context, logger *log.Logger) (*runtime, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}

	rt := &runtime{cfg: cfg, logger: logger}

	shutdownTracing, err := telemetry.SetupTracing(ctx, telemetry.TraceConfig{
		ServiceName:  "actflow",
		Exporter:     cfg.Trace.Exporter,
		OTLPEndpoint: cfg.Trace.OTLPEndpoint,
		OTLPInsecure: cfg.Trace.OTLPInsecure,
	}, logger)
	if err != nil {
		return nil, err
	}
	rt.closers = append(rt.closers, shutdownTracing)

	jobStore, err := rt.openStore(ctx)
	if err != nil {
		return nil, err
	}
	rt.jobStore = jobStore

	gate, err := rt.buildGate()
	if err != nil {
		return nil, err
	}

	client, err := runway.NewClient(runway.Config{
		APIKey:          cfg.Runway.APIKey,
		BaseURL:         cfg.Runway.BaseURL,
		CallTimeout:     cfg.Runway.CallTimeout,
		DownloadTimeout: cfg.Runway.DownloadTimeout,
	}, gate)
	if err != nil {
		return nil, err
	}

	policy := retry.Policy{
		MaxAttempts:      cfg.Retry.MaxAttempts,
		RateLimitCeiling: cfg.Retry.RateLimitCeiling,
		BaseDelay:        cfg.Retry.BaseDelay,
		MaxDelay:         cfg.Retry.MaxDelay,
		JitterFraction:   cfg.Retry.JitterFraction,
	}

	var notifier *notify.Client
	if cfg.Notify.Endpoint != "" {
		notifier = notify.NewClient(notify.Config{
			SigningSecret: cfg.Notify.SigningSecret,
			MaxAttempts:   3,
		})
	}

	var archiver *archive.Client
	if cfg.Archive.Enabled {
		archiver, err = archive.NewClient(archive.Config{
			Endpoint: cfg.Archive.Endpoint,
			Access:   cfg.Archive.AccessKey,
			Secret:   cfg.Archive.SecretKey,
			Bucket:   cfg.Archive.Bucket,
			UseSSL:   cfg.Archive.UseSSL,
		})
		if err != nil {
			return nil, err
		}
		if err := archiver.EnsureBucket(ctx); err != nil {
			return nil, err
		}
		logger.Printf("archive enabled bucket=%s prefix=%s", archiver.Bucket(), cfg.Archive.Prefix)
	}

	// A nil *Client inside a non-nil interface would dodge the
	// manager's nil checks; only assign when actually configured.
	var (
		managerNotifier orchestrator.Notifier
		managerArchiver orchestrator.Archiver
	)
	if notifier != nil {
		managerNotifier = notifier
	}
	if archiver != nil {
		managerArchiver = archiver
	}

	manager, err := orchestrator.NewManager(
		logger,
		jobStore,
		client,
		policy,
		orchestrator.Config{
			Workers:          cfg.Orch.Workers,
			PollInterval:     cfg.Orch.PollInterval,
			DownloadInterval: cfg.Orch.DownloadInterval,
			OutputDir:        cfg.Orch.OutputDir,
			NotifyURL:        cfg.Notify.Endpoint,
			ArchivePrefix:    cfg.Archive.Prefix,
		},
		managerNotifier,
		managerArchiver,
	)
	if err != nil {
		return nil, err
	}
	rt.manager = manager
	return rt, nil
}

func (rt *runtime) openStore(ctx context.Context) (store.JobStore, error) {
	switch rt.cfg.Store.Backend {
	case "memory":
		return store.NewMemoryJobStore(), nil
	case "file":
		fs, err := store.NewFileJobStore(rt.cfg.Store.Path)
		if err != nil {
			return nil, err
		}
		return fs, nil
	case "postgres":
		pg, err := store.NewPostgresJobStore(ctx, rt.cfg.Store.DSN)
		if err != nil {
			return nil, err
		}
		rt.closers = append(rt.closers, func(context.Context) error { return pg.Close() })
		return pg, nil
	default:
		return nil, fmt.Errorf("unsupported store backend: %q", rt.cfg.Store.Backend)
	}
}

func (rt *runtime) buildGate() (ratelimit.Gate, error) {
	if rt.cfg.RateLimit.RedisAddr != "" {
		client := redis.NewClient(&redis.Options{
			Addr:     rt.cfg.RateLimit.RedisAddr,
			Password: rt.cfg.RateLimit.RedisPassword,
			DB:       rt.cfg.RateLimit.RedisDB,
		})
		rt.closers = append(rt.closers, func(context.Context) error { return client.Close() })

		capacity := rt.cfg.RateLimit.RatePerMinute
		if burst := rt.cfg.RateLimit.Burst; burst > 0 && burst < capacity {
			capacity = burst
		}
		rt.logger.Printf("rate gate backend=redis addr=%s rate_per_minute=%d", rt.cfg.RateLimit.RedisAddr, rt.cfg.RateLimit.RatePerMinute)
		bucket, err := ratelimit.NewRedisTokenBucket(client, capacity, time.Minute, "")
		if err != nil {
			return nil, err
		}
		return bucket, nil
	}
	rt.logger.Printf("rate gate backend=local interval=%s", rt.cfg.RateLimit.Interval)
	gate, err := ratelimit.NewIntervalGate(rt.cfg.RateLimit.Interval)
	if err != nil {
		return nil, err
	}
	return gate, nil
}

// startStatusServer serves health, status, jobs and metrics for the
// duration of the batch.
func (rt *runtime) startStatusServer(ctx context.Context) func(context.Context) error {
	srv := api.NewServer(rt.logger, rt.manager, rt.jobStore, rt.manager.MetricsHandler())
	httpServer := &http.Server{
		Addr:              rt.cfg.Status.Addr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		rt.logger.Printf("status server listening addr=%s", rt.cfg.Status.Addr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			rt.logger.Printf("status server failed err=%v", err)
		}
	}()
	return httpServer.Shutdown
}

func (rt *runtime) close(ctx context.Context) {
	for i := len(rt.closers) - 1; i >= 0; i-- {
		if err := rt.closers[i](ctx); err != nil {
			rt.logger.Printf("shutdown step failed err=%v", err)
		}
	}
}
