// Package app assembles the trust gate service from configuration.
package app

import (
	"context"
	"errors"
	"time"

	"github.com/rotisserie/eris"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/stratumai/trustgate/internal/alerting"
	"github.com/stratumai/trustgate/internal/api"
	"github.com/stratumai/trustgate/internal/audit"
	"github.com/stratumai/trustgate/internal/config"
	"github.com/stratumai/trustgate/internal/decision"
	"github.com/stratumai/trustgate/internal/engine"
	"github.com/stratumai/trustgate/internal/scheduler"
	"github.com/stratumai/trustgate/internal/storage"
	"github.com/stratumai/trustgate/internal/telemetry"
	"github.com/stratumai/trustgate/internal/version"
)

// App owns every long-lived component of the service.
type App struct {
	cfg    *config.Config
	logger zerolog.Logger

	store     storage.Store
	closers   []func() error
	telemetry *telemetry.Provider
	recorder  *audit.Recorder
	engine    *engine.Engine
	scheduler *scheduler.Scheduler
	server    *api.Server
}

// New wires the service. On error every component opened so far is closed.
func New(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (_ *App, err error) {
	a := &App{cfg: cfg, logger: logger}
	defer func() {
		if err != nil {
			_ = a.Close()
		}
	}()

	a.telemetry, err = telemetry.New(ctx, telemetry.Config{
		Enabled:        cfg.Telemetry.Enabled,
		OTLPEndpoint:   cfg.Telemetry.OTLPEndpoint,
		Insecure:       cfg.Telemetry.Insecure,
		ExportInterval: cfg.Telemetry.ExportInterval,
		ServiceName:    cfg.App.Name,
		ServiceVersion: version.Version,
		Environment:    cfg.App.Environment,
	}, logger)
	if err != nil {
		return nil, err
	}

	a.store, err = OpenStore(ctx, cfg.Storage)
	if err != nil {
		return nil, eris.Wrap(err, "open store")
	}
	a.closers = append(a.closers, a.store.Close)
	logger.Info().Str("driver", cfg.Storage.Driver).Msg("store opened")

	be, err := stateBackend(ctx, cfg, a.store)
	if err != nil {
		return nil, eris.Wrap(err, "open state backend")
	}
	if be.redis != nil {
		a.closers = append(a.closers, be.redis.Close)
	}

	source, err := NewSource(cfg.Adapter, logger)
	if err != nil {
		return nil, eris.Wrap(err, "create signal source")
	}

	rules, err := decision.NewRules()
	if err != nil {
		return nil, err
	}
	registry, err := LoadTenants(cfg.Tenants.PolicyDir, rules)
	if err != nil {
		return nil, err
	}
	logger.Info().Int("tenants", registry.Len()).Str("dir", cfg.Tenants.PolicyDir).Msg("tenant policies loaded")

	notifier := alerting.Multi{alerting.NewLogNotifier(logger)}
	if cfg.Alerting.WebhookURL != "" {
		notifier = append(notifier, alerting.NewWebhookNotifier(cfg.Alerting.WebhookURL, cfg.Alerting.Timeout, logger))
	}

	a.recorder = audit.NewRecorder(a.store, audit.Options{
		MaxPending: cfg.Audit.MaxPending,
		Notifier:   notifier,
		Metrics:    a.telemetry.Metrics,
		Logger:     logger,
	})

	a.engine, err = engine.New(engine.Options{
		Registry:               registry,
		Source:                 source,
		Snapshots:              a.store,
		States:                 be.states,
		Audit:                  a.recorder,
		Locker:                 be.locker,
		Rules:                  rules,
		Notifier:               notifier,
		Metrics:                a.telemetry.Metrics,
		Logger:                 logger,
		ViewTTL:                cfg.Engine.ViewTTL,
		MaxPlatformConcurrency: cfg.Scheduler.MaxPlatformConcurrency,
		UnhealthyCyclesAlert:   cfg.Alerting.UnhealthyCyclesAlert,
	})
	if err != nil {
		return nil, err
	}

	a.scheduler = scheduler.New(a.engine, scheduler.Options{
		AlignToInterval:      cfg.Scheduler.AlignToInterval,
		StartupDelay:         cfg.Scheduler.StartupDelay,
		MaxTenantConcurrency: cfg.Scheduler.MaxTenantConcurrency,
	}, logger)

	a.server = api.NewServer(a.engine, api.Config{
		Addr:           cfg.Server.Addr(),
		ReadTimeout:    cfg.Server.ReadTimeout,
		WriteTimeout:   cfg.Server.WriteTimeout,
		AllowedOrigins: cfg.Server.CORSAllowedOrigins,
	}, a.ready(be), logger)

	return a, nil
}

// ready pings the store, and Redis when it backs state or locking.
func (a *App) ready(b backend) api.ReadinessFunc {
	return func(ctx context.Context) error {
		if err := a.store.Ping(ctx); err != nil {
			return eris.Wrap(err, "store")
		}
		if b.redis != nil {
			if err := b.redis.Ping(ctx); err != nil {
				return eris.Wrap(err, "redis")
			}
		}
		return nil
	}
}

// Engine exposes the wired engine.
func (a *App) Engine() *engine.Engine { return a.engine }

// Store exposes the wired store.
func (a *App) Store() storage.Store { return a.store }

// Scheduler exposes the wired scheduler.
func (a *App) Scheduler() *scheduler.Scheduler { return a.scheduler }

// Run serves the API, runs scheduled cycles and flushes queued audit entries
// until ctx is cancelled, then shuts down gracefully.
func (a *App) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	if a.cfg.Scheduler.Enabled {
		if err := a.scheduler.Start(gctx); err != nil {
			return err
		}
	} else {
		a.logger.Info().Msg("scheduler disabled, cycles run on demand only")
	}

	g.Go(func() error {
		return a.server.Start()
	})
	g.Go(func() error {
		a.recorder.Run(gctx, a.cfg.Audit.FlushInterval)
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		return a.shutdown()
	})

	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (a *App) shutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), a.cfg.Server.ShutdownTimeout)
	defer cancel()

	var errs []error
	if err := a.server.Shutdown(ctx); err != nil {
		errs = append(errs, eris.Wrap(err, "shutdown api"))
	}
	a.scheduler.Stop()

	if err := a.recorder.Flush(ctx); err != nil {
		a.logger.Warn().Err(err).Msg("audit entries still pending at shutdown")
	}
	a.logger.Info().Dur("timeout", a.cfg.Server.ShutdownTimeout).Msg("shutdown complete")
	return errors.Join(errs...)
}

// Close flushes telemetry and releases the store and any Redis connection.
func (a *App) Close() error {
	var errs []error
	if a.telemetry != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := a.telemetry.Shutdown(ctx); err != nil {
			errs = append(errs, err)
		}
		cancel()
		a.telemetry = nil
	}
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}
