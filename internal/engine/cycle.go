package engine

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"golang.org/x/sync/errgroup"

	"github.com/stratumai/trustgate/internal/alerting"
	"github.com/stratumai/trustgate/internal/banner"
	"github.com/stratumai/trustgate/internal/gate"
	"github.com/stratumai/trustgate/internal/health"
	"github.com/stratumai/trustgate/internal/signal"
	"github.com/stratumai/trustgate/internal/storage"
	"github.com/stratumai/trustgate/internal/tenant"
)

// Cycle outcomes.
const (
	OutcomeOK      = "ok"
	OutcomeMissed  = "missed"
	OutcomeSkipped = "skipped"
)

// CycleResult describes one scoring cycle.
type CycleResult struct {
	TenantID   string           `json:"tenant_id"`
	Outcome    string           `json:"outcome"`
	Cause      string           `json:"cause,omitempty"`
	Snapshot   *health.Snapshot `json:"snapshot,omitempty"`
	State      *gate.State      `json:"state,omitempty"`
	Transition *gate.Transition `json:"transition,omitempty"`
	Duration   time.Duration    `json:"duration"`
}

// RunCycle scores a tenant's signals for date (today when zero) and advances
// its gate. Any date other than today fails with ErrInvalidCycleDate. Cycles
// for one tenant are serialized in-process and, with a Locker, across
// replicas; a cycle that cannot take the distributed lock is skipped. A cycle that times out or cannot reach any signal source is
// applied as a missed cycle, which drops the gate to BLOCK and keeps the
// previous snapshot.
func (e *Engine) RunCycle(ctx context.Context, tenantID string, date time.Time) (*CycleResult, error) {
	cfg, err := e.registry.Get(tenantID)
	if err != nil {
		return nil, err
	}
	start := e.now()
	today := signal.Day(start)
	if !date.IsZero() && !signal.Day(date).Equal(today) {
		return nil, eris.Wrapf(ErrInvalidCycleDate, "got %s, today is %s",
			signal.Day(date).Format(time.DateOnly), today.Format(time.DateOnly))
	}
	date = today

	mu := e.locks.get(tenantID)
	mu.Lock()
	defer mu.Unlock()

	// The tenant may have been offboarded while this cycle waited for the lock.
	if cfg, err = e.registry.Get(tenantID); err != nil {
		return nil, err
	}

	res := &CycleResult{TenantID: tenantID}
	run := func(ctx context.Context) error {
		return e.runCycle(ctx, cfg, date, res)
	}

	if e.locker == nil {
		err = run(ctx)
	} else {
		var acquired bool
		acquired, err = e.locker.WithTenantLock(ctx, tenantID, run)
		if err == nil && !acquired {
			res.Outcome = OutcomeSkipped
			res.Cause = "tenant lock held elsewhere"
		}
	}

	res.Duration = e.now().Sub(start)
	if err != nil {
		e.metrics.RecordCycle(ctx, tenantID, OutcomeMissed)
		e.logger.Error().Err(err).Str("tenant_id", tenantID).Msg("scoring cycle failed")
		return nil, err
	}
	e.metrics.RecordCycle(ctx, tenantID, res.Outcome)
	return res, nil
}

func (e *Engine) runCycle(ctx context.Context, cfg *tenant.Config, date time.Time, res *CycleResult) error {
	tenantID := cfg.TenantID
	logger := e.logger.With().Str("tenant_id", tenantID).Logger()

	cctx, cancel := context.WithTimeout(ctx, cfg.CycleTimeout)
	defer cancel()

	prev, err := e.states.GetState(cctx, tenantID)
	if err != nil {
		return storeUnavailable(err, "load gate state")
	}
	if prev == nil {
		initial := gate.Initial(tenantID, e.now())
		prev = &initial
	}

	platforms, variance, sourceErrs := e.collect(cctx, cfg, date)

	if cause := missedCause(cctx, cfg, sourceErrs); cause != "" {
		return e.missCycle(ctx, cfg, *prev, cause, res)
	}

	now := e.now()
	opts := health.OptionsFor(cfg, now)
	opts.SourceErrors = sourceErrs
	snap := health.ComputeSnapshot(tenantID, date, platforms, variance, opts)
	snap.ID = e.newID()

	next, tr := gate.Apply(*prev, snap, cfg.HysteresisCycles)
	snap.Banners = banner.ComposeBanners(snap, snap.Variance, &next)

	if err := e.snapshots.SaveSnapshot(cctx, snap); err != nil {
		return storeUnavailable(err, "save snapshot")
	}
	if err := e.states.SaveState(cctx, next, tr); err != nil {
		if errors.Is(err, storage.ErrStaleVersion) {
			e.views.delete(tenantID)
			res.Outcome = OutcomeSkipped
			res.Cause = "gate state advanced by another writer"
			res.Snapshot = snap
			logger.Warn().Int64("version", next.Version).Msg("gate state write lost to a newer version")
			return nil
		}
		return storeUnavailable(err, "save gate state")
	}

	e.views.set(tenantID, &View{State: &next, Snapshot: snap, LoadedAt: now})
	e.afterApply(ctx, cfg, next, tr)

	res.Outcome = OutcomeOK
	res.Snapshot = snap
	res.State = &next
	res.Transition = tr

	ev := logger.Info().Str("status", string(snap.Status)).Str("gate_status", string(next.CurrentStatus))
	if snap.OverallScore != nil {
		ev = ev.Float64("score", *snap.OverallScore)
	}
	ev.Int("source_errors", len(sourceErrs)).Msg("scoring cycle complete")
	return nil
}

// missedCause explains why a cycle cannot produce a snapshot, or returns ""
// when it can. A partial source failure still scores the reachable platforms.
func missedCause(ctx context.Context, cfg *tenant.Config, sourceErrs map[string]string) string {
	if err := ctx.Err(); err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return fmt.Sprintf("cycle exceeded timeout of %s", cfg.CycleTimeout)
		}
		return "cycle cancelled"
	}
	if n := len(cfg.Platforms); n > 0 && len(sourceErrs) == n {
		names := make([]string, 0, n)
		for name := range sourceErrs {
			names = append(names, name)
		}
		sort.Strings(names)
		return "signal source failed for " + strings.Join(names, ", ")
	}
	return ""
}

func (e *Engine) missCycle(ctx context.Context, cfg *tenant.Config, prev gate.State, cause string, res *CycleResult) error {
	tenantID := cfg.TenantID
	now := e.now()
	next, tr := gate.ApplyMissedCycle(prev, now, cause)

	sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := e.states.SaveState(sctx, next, tr); err != nil {
		if errors.Is(err, storage.ErrStaleVersion) {
			e.views.delete(tenantID)
			res.Outcome = OutcomeSkipped
			res.Cause = cause
			return nil
		}
		return storeUnavailable(err, "save gate state")
	}

	var snap *health.Snapshot
	if cached, ok := e.views.get(tenantID); ok {
		snap = cached.Snapshot
	} else if latest, err := e.snapshots.LatestSnapshot(sctx, tenantID); err == nil {
		snap = latest
	}
	e.views.set(tenantID, &View{State: &next, Snapshot: snap, LoadedAt: now})

	e.logger.Warn().Str("tenant_id", tenantID).Str("cause", cause).
		Str("gate_status", string(next.CurrentStatus)).Msg("scoring cycle missed")
	e.notify(ctx, alerting.Alert{
		Kind:     alerting.KindCycleFailed,
		Severity: alerting.SeverityWarning,
		TenantID: tenantID,
		Title:    "Scoring cycle missed",
		Message:  cause,
		At:       now,
	})
	e.afterApply(ctx, cfg, next, tr)

	res.Outcome = OutcomeMissed
	res.Cause = cause
	res.Snapshot = snap
	res.State = &next
	res.Transition = tr
	return nil
}

// afterApply reports a transition and the unhealthy streak of a freshly
// written state.
func (e *Engine) afterApply(ctx context.Context, cfg *tenant.Config, next gate.State, tr *gate.Transition) {
	if tr != nil {
		e.metrics.RecordTransition(ctx, tr.TenantID, string(tr.From), string(tr.To))
		e.logger.Info().Str("tenant_id", tr.TenantID).Str("from", string(tr.From)).
			Str("to", string(tr.To)).Str("reason", tr.Reason).Msg("gate transition")

		fields := map[string]string{"from": string(tr.From), "to": string(tr.To), "reason": tr.Reason}
		if tr.Score != nil {
			fields["score"] = fmt.Sprintf("%.2f", *tr.Score)
		}
		e.notify(ctx, alerting.Alert{
			Kind:     alerting.KindGateTransition,
			Severity: transitionSeverity(tr.To),
			TenantID: tr.TenantID,
			Title:    fmt.Sprintf("Gate %s -> %s", tr.From, tr.To),
			Message:  fmt.Sprintf("Automation gate moved from %s to %s (%s)", tr.From, tr.To, tr.Reason),
			Fields:   fields,
			At:       tr.At,
		})
	}

	if e.unhealthyCyclesAlert > 0 && next.ConsecutiveUnhealthyCycles == e.unhealthyCyclesAlert {
		e.notify(ctx, alerting.Alert{
			Kind:     alerting.KindPersistentlyUnhealthy,
			Severity: alerting.SeverityWarning,
			TenantID: cfg.TenantID,
			Title:    "Tenant persistently unhealthy",
			Message: fmt.Sprintf("%d consecutive cycles without a healthy snapshot; gate is %s",
				next.ConsecutiveUnhealthyCycles, next.CurrentStatus),
			At: next.UpdatedAt,
		})
	}
}

func transitionSeverity(to gate.Status) alerting.Severity {
	switch to {
	case gate.StatusBlock:
		return alerting.SeverityCritical
	case gate.StatusHold:
		return alerting.SeverityWarning
	default:
		return alerting.SeverityInfo
	}
}

// collect fetches every configured platform's signal and variance reading.
// Fetches run concurrently, bounded by maxPlatformConcurrency, and one
// platform's failure never cancels another's fetch.
func (e *Engine) collect(ctx context.Context, cfg *tenant.Config, date time.Time) ([]*signal.PlatformSignal, []*signal.VarianceSignal, map[string]string) {
	var (
		mu         sync.Mutex
		platforms  []*signal.PlatformSignal
		variance   []*signal.VarianceSignal
		sourceErrs = make(map[string]string)
	)

	var g errgroup.Group
	g.SetLimit(e.maxPlatformConcurrency)
	for _, name := range cfg.PlatformNames() {
		g.Go(func() error {
			ps, err := e.source.GetPlatformSignal(ctx, cfg.TenantID, name, date)
			if err != nil {
				mu.Lock()
				sourceErrs[name] = err.Error()
				mu.Unlock()
				e.logger.Warn().Err(err).Str("tenant_id", cfg.TenantID).Str("platform", name).Msg("platform signal fetch failed")
				return nil
			}

			vs, verr := e.source.GetVarianceSignal(ctx, cfg.TenantID, name, date)
			if verr != nil {
				e.logger.Warn().Err(verr).Str("tenant_id", cfg.TenantID).Str("platform", name).Msg("variance fetch failed")
			}

			mu.Lock()
			defer mu.Unlock()
			if ps != nil {
				platforms = append(platforms, ps)
			}
			if vs != nil {
				variance = append(variance, vs)
			}
			return nil
		})
	}
	_ = g.Wait()

	if len(sourceErrs) == 0 {
		sourceErrs = nil
	}
	return platforms, variance, sourceErrs
}
