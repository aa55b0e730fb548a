package app

import (
	"context"
	"strings"

	"github.com/rotisserie/eris"
	"github.com/rs/zerolog"

	"github.com/stratumai/trustgate/internal/adapter/httpsource"
	"github.com/stratumai/trustgate/internal/adapter/synthetic"
	"github.com/stratumai/trustgate/internal/config"
	"github.com/stratumai/trustgate/internal/decision"
	"github.com/stratumai/trustgate/internal/signal"
	"github.com/stratumai/trustgate/internal/storage"
	"github.com/stratumai/trustgate/internal/storage/memory"
	"github.com/stratumai/trustgate/internal/storage/postgres"
	"github.com/stratumai/trustgate/internal/storage/redisstore"
	"github.com/stratumai/trustgate/internal/storage/sqlite"
	"github.com/stratumai/trustgate/internal/tenant"
)

// OpenStore opens the snapshot, state and audit backend named by cfg.Driver.
// Postgres schemas are migrated on open.
func OpenStore(ctx context.Context, cfg config.StorageConfig) (storage.Store, error) {
	switch cfg.Driver {
	case "memory":
		return memory.NewStore(), nil
	case "sqlite":
		s, err := sqlite.NewStore(cfg.SQLitePath)
		if err != nil {
			return nil, err
		}
		return s, nil
	case "postgres":
		pg, err := postgres.NewPostgres(ctx, cfg.PostgresDSN, &postgres.PoolConfig{MaxConns: cfg.MaxConns})
		if err != nil {
			return nil, err
		}
		if err := pg.Migrate(ctx); err != nil {
			pg.Close()
			return nil, err
		}
		return pg, nil
	default:
		return nil, eris.Errorf("unknown storage driver %q", cfg.Driver)
	}
}

// NewSource builds the signal source named by cfg.Type.
func NewSource(cfg config.AdapterConfig, logger zerolog.Logger) (signal.Source, error) {
	switch cfg.Type {
	case "synthetic":
		src := synthetic.NewAdapter()
		if err := src.LoadPath(cfg.FixturesPath); err != nil {
			return nil, err
		}
		logger.Info().Str("path", cfg.FixturesPath).Strs("tenants", src.Tenants()).Msg("synthetic fixtures loaded")
		return src, nil
	case "http":
		hc := httpsource.DefaultConfig(cfg.BaseURL)
		hc.Timeout = cfg.Timeout
		if cfg.MaxConcurrency > 0 {
			hc.MaxConcurrency = int64(cfg.MaxConcurrency)
		}
		hc.RatePerSecond = cfg.RatePerSecond
		if cfg.Burst > 0 {
			hc.Burst = cfg.Burst
		}
		if cfg.RetryAttempts > 0 {
			hc.RetryAttempts = cfg.RetryAttempts
		}
		logger.Info().Str("base_url", cfg.BaseURL).Msg("using connector signal source")
		return httpsource.NewAdapter(hc, logger), nil
	default:
		return nil, eris.Errorf("unknown adapter type %q", cfg.Type)
	}
}

// LoadTenants validates every policy under dir and provisions the resolved
// tenants into a registry that checks action rules with rules.
func LoadTenants(dir string, rules *decision.Rules) (*tenant.Registry, error) {
	v, err := tenant.NewValidator()
	if err != nil {
		return nil, err
	}
	v.WithRuleChecker(rules.Check)

	configs, errs := v.LoadDirectory(dir)
	if len(errs) > 0 {
		msgs := make([]string, 0, len(errs))
		for _, e := range errs {
			msgs = append(msgs, e.Error())
		}
		return nil, eris.Wrapf(tenant.ErrInvalidConfig, "%d policy error(s): %s", len(errs), strings.Join(msgs, "; "))
	}

	registry := tenant.NewRegistry()
	registry.SetRuleChecker(rules.Check)
	for _, cfg := range configs {
		if err := registry.Provision(cfg); err != nil {
			return nil, eris.Wrapf(err, "provision %s", cfg.TenantID)
		}
	}
	return registry, nil
}

// backend is where gate state lives and which lock, if any, serializes
// cycles across replicas. redis is set when either one uses Redis.
type backend struct {
	states storage.StateStore
	locker storage.Locker
	redis  *redisstore.Store
}

func stateBackend(ctx context.Context, cfg *config.Config, store storage.Store) (backend, error) {
	b := backend{states: store}

	if cfg.Lock.Driver == "postgres" {
		pg, ok := store.(*postgres.Store)
		if !ok {
			return b, eris.Errorf("postgres lock requires the postgres storage driver, got %T", store)
		}
		b.locker = pg
	}

	if cfg.State.Driver != "redis" && cfg.Lock.Driver != "redis" {
		return b, nil
	}
	rs, err := redisstore.Dial(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB, redisstore.Options{
		KeyPrefix: cfg.Redis.KeyPrefix,
		LockTTL:   cfg.Redis.LockTTL,
	})
	if err != nil {
		return b, err
	}
	b.redis = rs
	if cfg.State.Driver == "redis" {
		b.states = rs
	}
	if cfg.Lock.Driver == "redis" {
		b.locker = rs
	}
	return b, nil
}
