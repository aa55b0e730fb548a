// Package engine ties the scorer, gate, evaluator and stores into the
// per-tenant trust gate. The scoring cycle is the only writer of gate state;
// everything else reads through a cached tenant view.
package engine

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"github.com/rs/zerolog"

	"github.com/stratumai/trustgate/internal/alerting"
	"github.com/stratumai/trustgate/internal/audit"
	"github.com/stratumai/trustgate/internal/decision"
	"github.com/stratumai/trustgate/internal/signal"
	"github.com/stratumai/trustgate/internal/storage"
	"github.com/stratumai/trustgate/internal/telemetry"
	"github.com/stratumai/trustgate/internal/tenant"
)

var (
	// ErrStoreUnavailable is returned when a store cannot be reached and no
	// cached view can stand in for it.
	ErrStoreUnavailable = eris.New("store unavailable")
	// ErrSnapshotNotFound is returned when a tenant has no snapshot for the
	// requested day.
	ErrSnapshotNotFound = eris.New("snapshot not found")
	// ErrInvalidCycleDate is returned when a cycle is asked to score a day
	// other than the engine's current day.
	ErrInvalidCycleDate = eris.New("cycle date must be today")
)

const (
	DefaultViewTTL                = 30 * time.Second
	DefaultMaxPlatformConcurrency = 4
	DefaultUnhealthyCyclesAlert   = 6
)

// Options configures an Engine. Registry, Source, Snapshots, States and
// Audit are required.
type Options struct {
	Registry  *tenant.Registry
	Source    signal.Source
	Snapshots storage.SnapshotStore
	States    storage.StateStore
	Audit     *audit.Recorder
	// Locker serializes cycles across replicas. Nil means in-process only.
	Locker   storage.Locker
	Rules    *decision.Rules
	Notifier alerting.Notifier
	Metrics  *telemetry.Metrics
	Logger   zerolog.Logger
	Now      func() time.Time

	ViewTTL                time.Duration
	MaxPlatformConcurrency int
	// UnhealthyCyclesAlert is the streak of non-PASS cycles that raises a
	// persistently_unhealthy alert. Zero disables it.
	UnhealthyCyclesAlert int
}

// Engine is the trust gate for every provisioned tenant.
type Engine struct {
	registry  *tenant.Registry
	source    signal.Source
	snapshots storage.SnapshotStore
	states    storage.StateStore
	audit     *audit.Recorder
	locker    storage.Locker
	evaluator *decision.Evaluator
	notifier  alerting.Notifier
	metrics   *telemetry.Metrics
	logger    zerolog.Logger
	now       func() time.Time
	newID     func() string

	views                  *viewCache
	locks                  *tenantLocks
	maxPlatformConcurrency int
	unhealthyCyclesAlert   int
}

// New creates an engine from opts.
func New(opts Options) (*Engine, error) {
	switch {
	case opts.Registry == nil:
		return nil, eris.New("engine: registry is required")
	case opts.Source == nil:
		return nil, eris.New("engine: signal source is required")
	case opts.Snapshots == nil || opts.States == nil:
		return nil, eris.New("engine: snapshot and state stores are required")
	case opts.Audit == nil:
		return nil, eris.New("engine: audit recorder is required")
	}

	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.ViewTTL <= 0 {
		opts.ViewTTL = DefaultViewTTL
	}
	if opts.MaxPlatformConcurrency <= 0 {
		opts.MaxPlatformConcurrency = DefaultMaxPlatformConcurrency
	}
	if opts.UnhealthyCyclesAlert < 0 {
		opts.UnhealthyCyclesAlert = 0
	}

	return &Engine{
		registry:               opts.Registry,
		source:                 opts.Source,
		snapshots:              opts.Snapshots,
		states:                 opts.States,
		audit:                  opts.Audit,
		locker:                 opts.Locker,
		evaluator:              decision.NewEvaluator(opts.Rules),
		notifier:               opts.Notifier,
		metrics:                opts.Metrics,
		logger:                 opts.Logger.With().Str("component", "engine").Logger(),
		now:                    opts.Now,
		newID:                  uuid.NewString,
		views:                  newViewCache(opts.ViewTTL),
		locks:                  newTenantLocks(),
		maxPlatformConcurrency: opts.MaxPlatformConcurrency,
		unhealthyCyclesAlert:   opts.UnhealthyCyclesAlert,
	}, nil
}

// Tenants returns the provisioned tenant IDs, sorted.
func (e *Engine) Tenants() []string {
	return e.registry.IDs()
}

// TenantConfig returns a tenant's current settings.
func (e *Engine) TenantConfig(tenantID string) (*tenant.Config, error) {
	return e.registry.Get(tenantID)
}

func (e *Engine) notify(ctx context.Context, a alerting.Alert) {
	if e.notifier == nil {
		return
	}
	if a.At.IsZero() {
		a.At = e.now()
	}
	nctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := e.notifier.Notify(nctx, a); err != nil {
		e.logger.Warn().Err(err).Str("kind", a.Kind).Str("tenant_id", a.TenantID).Msg("alert delivery failed")
	}
}

// tenantLocks hands out one mutex per tenant so cycles for the same tenant
// never overlap inside this process.
type tenantLocks struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func newTenantLocks() *tenantLocks {
	return &tenantLocks{locks: make(map[string]*sync.Mutex)}
}

func (l *tenantLocks) get(tenantID string) *sync.Mutex {
	l.mu.Lock()
	defer l.mu.Unlock()

	m, ok := l.locks[tenantID]
	if !ok {
		m = &sync.Mutex{}
		l.locks[tenantID] = m
	}
	return m
}

func (l *tenantLocks) drop(tenantID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.locks, tenantID)
}

func storeUnavailable(err error, op string) error {
	return eris.Wrapf(ErrStoreUnavailable, "%s: %v", op, err)
}
