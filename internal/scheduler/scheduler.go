// Package scheduler drives the per-tenant scoring cycles.
package scheduler

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/stratumai/trustgate/internal/engine"
	"github.com/stratumai/trustgate/internal/tenant"
)

// Cycler runs scoring cycles. *engine.Engine implements it.
type Cycler interface {
	Tenants() []string
	TenantConfig(tenantID string) (*tenant.Config, error)
	RunCycle(ctx context.Context, tenantID string, date time.Time) (*engine.CycleResult, error)
}

// Options tune scheduler behaviour.
type Options struct {
	// AlignToInterval fires cycles on wall-clock multiples of each tenant's
	// evaluation interval instead of relative to start.
	AlignToInterval      bool
	StartupDelay         time.Duration
	MaxTenantConcurrency int
	// ResyncInterval is how often loops are reconciled with the provisioned
	// tenants.
	ResyncInterval time.Duration
}

const (
	DefaultMaxTenantConcurrency = 8
	DefaultResyncInterval       = time.Minute
)

// Scheduler runs one cycle loop per tenant.
type Scheduler struct {
	cycler Cycler
	opts   Options
	logger zerolog.Logger

	mu      sync.Mutex
	ctx     context.Context
	cancel  context.CancelFunc
	loops   map[string]context.CancelFunc
	wg      sync.WaitGroup
	running bool
}

// New creates a scheduler.
func New(cycler Cycler, opts Options, logger zerolog.Logger) *Scheduler {
	if opts.MaxTenantConcurrency <= 0 {
		opts.MaxTenantConcurrency = DefaultMaxTenantConcurrency
	}
	if opts.ResyncInterval <= 0 {
		opts.ResyncInterval = DefaultResyncInterval
	}
	return &Scheduler{
		cycler: cycler,
		opts:   opts,
		logger: logger.With().Str("component", "scheduler").Logger(),
		loops:  make(map[string]context.CancelFunc),
	}
}

// Start begins one cycle loop per provisioned tenant.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return eris.New("scheduler already running")
	}
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.running = true
	s.mu.Unlock()

	n := s.Sync()
	s.wg.Add(1)
	go s.resyncLoop()

	s.logger.Info().Int("tenants", n).Bool("aligned", s.opts.AlignToInterval).Msg("scheduler started")
	return nil
}

// Stop cancels every loop and waits for in-flight cycles to finish.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.cancel()
	s.running = false
	s.loops = make(map[string]context.CancelFunc)
	s.mu.Unlock()

	s.logger.Info().Msg("stopping scheduler")
	s.wg.Wait()
	s.logger.Info().Msg("scheduler stopped")
}

// Sync starts loops for newly provisioned tenants and stops loops of
// offboarded ones. It returns the number of running loops.
func (s *Scheduler) Sync() int {
	want := make(map[string]bool)
	for _, id := range s.cycler.Tenants() {
		want[id] = true
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return 0
	}

	for id, stop := range s.loops {
		if !want[id] {
			stop()
			delete(s.loops, id)
			s.logger.Info().Str("tenant_id", id).Msg("stopped tenant loop")
		}
	}
	for id := range want {
		if _, ok := s.loops[id]; ok {
			continue
		}
		ctx, cancel := context.WithCancel(s.ctx)
		s.loops[id] = cancel
		s.wg.Add(1)
		go s.tenantLoop(ctx, id)
	}
	return len(s.loops)
}

// Active returns the tenants with a running loop, sorted.
func (s *Scheduler) Active() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]string, 0, len(s.loops))
	for id := range s.loops {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// RunOnce runs one cycle for every tenant, at most MaxTenantConcurrency at a
// time. One tenant's failure never cancels another's cycle; all failures are
// returned joined.
func (s *Scheduler) RunOnce(ctx context.Context) error {
	var (
		mu   sync.Mutex
		errs []error
	)
	var g errgroup.Group
	g.SetLimit(s.opts.MaxTenantConcurrency)
	for _, id := range s.cycler.Tenants() {
		g.Go(func() error {
			if _, err := s.runCycle(ctx, id); err != nil {
				mu.Lock()
				errs = append(errs, eris.Wrapf(err, "tenant %q", id))
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()
	return errors.Join(errs...)
}

func (s *Scheduler) resyncLoop() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.opts.ResyncInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			s.Sync()
		}
	}
}

// tenantLoop runs a tenant's cycles until ctx ends or the tenant is
// offboarded. The interval is re-read from the tenant config every cycle.
func (s *Scheduler) tenantLoop(ctx context.Context, tenantID string) {
	defer s.wg.Done()
	logger := s.logger.With().Str("tenant_id", tenantID).Logger()

	if s.opts.StartupDelay > 0 && !sleep(ctx, s.opts.StartupDelay) {
		return
	}

	if _, err := s.runCycle(ctx, tenantID); errors.Is(err, tenant.ErrTenantNotFound) {
		return
	}

	for {
		cfg, err := s.cycler.TenantConfig(tenantID)
		if err != nil {
			logger.Info().Msg("tenant gone, loop exiting")
			return
		}

		next := nextTick(time.Now().UTC(), cfg.EvaluationInterval, s.opts.AlignToInterval)
		logger.Debug().Time("next_cycle", next).Msg("waiting for next cycle")
		if !sleep(ctx, time.Until(next)) {
			return
		}

		if _, err := s.runCycle(ctx, tenantID); errors.Is(err, tenant.ErrTenantNotFound) {
			return
		}
	}
}

func (s *Scheduler) runCycle(ctx context.Context, tenantID string) (*engine.CycleResult, error) {
	res, err := s.cycler.RunCycle(ctx, tenantID, time.Time{})
	if err != nil {
		if ctx.Err() == nil {
			s.logger.Error().Err(err).Str("tenant_id", tenantID).Msg("cycle failed")
		}
		return nil, err
	}
	s.logger.Debug().Str("tenant_id", tenantID).Str("outcome", res.Outcome).
		Dur("duration", res.Duration).Msg("cycle finished")
	return res, nil
}

func nextTick(now time.Time, interval time.Duration, align bool) time.Time {
	if interval <= 0 {
		interval = tenant.DefaultEvaluationInterval
	}
	if !align {
		return now.Add(interval)
	}
	bucket := now.Truncate(interval)
	if !bucket.After(now) {
		bucket = bucket.Add(interval)
	}
	return bucket
}

// sleep waits for d and reports false when ctx ended first.
func sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
