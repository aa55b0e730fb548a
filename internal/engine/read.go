package engine

import (
	"context"
	"errors"
	"time"

	"github.com/rotisserie/eris"

	"github.com/stratumai/trustgate/internal/audit"
	"github.com/stratumai/trustgate/internal/banner"
	"github.com/stratumai/trustgate/internal/gate"
	"github.com/stratumai/trustgate/internal/health"
	"github.com/stratumai/trustgate/internal/signal"
	"github.com/stratumai/trustgate/internal/tenant"
)

const (
	DefaultHistoryDays      = 7
	MaxHistoryDays          = 90
	DefaultTransitionsLimit = 50
	MaxTransitionsLimit     = 500
)

// CurrentState is a tenant's gate state as seen by readers.
type CurrentState struct {
	gate.State
	Stale           bool        `json:"stale"`
	Provisional     bool        `json:"provisional"`
	EffectiveStatus gate.Status `json:"effective_status"`
}

// TrustStatus is the consolidated trust view of a tenant for one day.
type TrustStatus struct {
	TenantID            string                   `json:"tenant_id"`
	Date                time.Time                `json:"date"`
	OverallStatus       health.Status            `json:"overall_status"`
	AutomationAllowed   bool                     `json:"automation_allowed"`
	GateStatus          gate.Status              `json:"gate_status"`
	Stale               bool                     `json:"stale"`
	SignalHealth        *health.Snapshot         `json:"signal_health"`
	AttributionVariance *health.VarianceSnapshot `json:"attribution_variance"`
	Banners             []health.Banner          `json:"banners"`
}

// GetCurrentState returns the tenant's gate state. A tenant no cycle has run
// for yet reports the provisional BLOCK state.
func (e *Engine) GetCurrentState(ctx context.Context, tenantID string) (*CurrentState, error) {
	cfg, err := e.registry.Get(tenantID)
	if err != nil {
		return nil, err
	}
	v, err := e.view(ctx, tenantID)
	if err != nil {
		return nil, err
	}

	now := e.now()
	state := gate.Initial(tenantID, now)
	if v.State != nil {
		state = *v.State
	}
	out := &CurrentState{
		State:           state,
		Stale:           state.IsStale(now, cfg.StalenessSLA()),
		Provisional:     state.Provisional(),
		EffectiveStatus: state.CurrentStatus,
	}
	if out.Stale {
		out.EffectiveStatus = gate.StatusBlock
	}
	return out, nil
}

// GetSnapshot returns the tenant's snapshot for date, or the latest one when
// date is nil.
func (e *Engine) GetSnapshot(ctx context.Context, tenantID string, date *time.Time) (*health.Snapshot, error) {
	if _, err := e.registry.Get(tenantID); err != nil {
		return nil, err
	}

	var snap *health.Snapshot
	if date == nil {
		v, err := e.view(ctx, tenantID)
		if err != nil {
			return nil, err
		}
		snap = v.Snapshot
	} else {
		var err error
		snap, err = e.snapshots.SnapshotForDate(ctx, tenantID, signal.Day(*date))
		if err != nil {
			return nil, storeUnavailable(err, "load snapshot")
		}
	}
	if snap == nil {
		return nil, eris.Wrapf(ErrSnapshotNotFound, "tenant %q", tenantID)
	}
	return snap, nil
}

// GetSnapshotHistory returns the latest snapshot of each of the last days
// days, oldest first. With a platform, each snapshot keeps only that
// platform's row.
func (e *Engine) GetSnapshotHistory(ctx context.Context, tenantID string, days int, platform string) ([]*health.Snapshot, error) {
	if _, err := e.registry.Get(tenantID); err != nil {
		return nil, err
	}
	if days <= 0 {
		days = DefaultHistoryDays
	}
	if days > MaxHistoryDays {
		days = MaxHistoryDays
	}

	to := signal.Day(e.now())
	from := to.AddDate(0, 0, -(days - 1))
	snaps, err := e.snapshots.SnapshotHistory(ctx, tenantID, from, to)
	if err != nil {
		return nil, storeUnavailable(err, "load snapshot history")
	}
	if snaps == nil {
		snaps = []*health.Snapshot{}
	}
	if platform == "" {
		return snaps, nil
	}

	out := make([]*health.Snapshot, 0, len(snaps))
	for _, s := range snaps {
		out = append(out, s.ForPlatform(platform))
	}
	return out, nil
}

// QueryAuditLog pages through a tenant's recorded decisions.
func (e *Engine) QueryAuditLog(ctx context.Context, tenantID string, q audit.Query) (*audit.Page, error) {
	if _, err := e.registry.Get(tenantID); err != nil {
		return nil, err
	}
	page, err := e.audit.Query(ctx, tenantID, q)
	if err != nil {
		if errors.Is(err, audit.ErrInvalidQuery) {
			return nil, err
		}
		return nil, storeUnavailable(err, "query audit log")
	}
	return page, nil
}

// GetTrustStatus consolidates a tenant's snapshot, gate and banners. Without
// a date the current view is used; a day with no snapshot reports no_data.
func (e *Engine) GetTrustStatus(ctx context.Context, tenantID string, date *time.Time) (*TrustStatus, error) {
	cfg, err := e.registry.Get(tenantID)
	if err != nil {
		return nil, err
	}
	v, err := e.view(ctx, tenantID)
	if err != nil {
		return nil, err
	}

	now := e.now()
	snap := v.Snapshot
	day := signal.Day(now)
	if snap != nil {
		day = snap.Date
	}
	if date != nil {
		day = signal.Day(*date)
		if snap == nil || !snap.Date.Equal(day) {
			snap, err = e.snapshots.SnapshotForDate(ctx, tenantID, day)
			if err != nil {
				return nil, storeUnavailable(err, "load snapshot")
			}
		}
	}

	stale := v.State == nil || v.State.IsStale(now, cfg.StalenessSLA())
	gateStatus := gate.StatusBlock
	if v.State != nil {
		gateStatus = v.State.CurrentStatus
	}

	ts := &TrustStatus{
		TenantID:          tenantID,
		Date:              day,
		OverallStatus:     health.StatusNoData,
		GateStatus:        gateStatus,
		Stale:             stale,
		AutomationAllowed: gateStatus == gate.StatusPass && !stale,
		SignalHealth:      snap,
	}
	var variance *health.VarianceSnapshot
	if snap != nil {
		ts.OverallStatus = snap.Status
		variance = snap.Variance
	}
	ts.AttributionVariance = variance
	ts.Banners = banner.Compose(banner.Input{Snapshot: snap, Variance: variance, State: v.State, Stale: stale})
	if ts.Banners == nil {
		ts.Banners = []health.Banner{}
	}
	return ts, nil
}

// ListTransitions returns the tenant's most recent gate transitions, newest
// first.
func (e *Engine) ListTransitions(ctx context.Context, tenantID string, limit int) ([]gate.Transition, error) {
	if _, err := e.registry.Get(tenantID); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = DefaultTransitionsLimit
	}
	if limit > MaxTransitionsLimit {
		limit = MaxTransitionsLimit
	}
	trs, err := e.states.ListTransitions(ctx, tenantID, limit)
	if err != nil {
		return nil, storeUnavailable(err, "list transitions")
	}
	if trs == nil {
		trs = []gate.Transition{}
	}
	return trs, nil
}

// UpdateTenantConfig validates and applies a runtime settings change. The
// new settings take effect on the next evaluation and cycle.
func (e *Engine) UpdateTenantConfig(_ context.Context, tenantID string, u tenant.ConfigUpdate) (*tenant.Config, error) {
	cfg, err := e.registry.Update(tenantID, u)
	if err != nil {
		return nil, err
	}
	e.logger.Info().Str("tenant_id", tenantID).
		Float64("healthy_threshold", cfg.Thresholds.Healthy).
		Float64("degraded_threshold", cfg.Thresholds.Degraded).
		Int("hysteresis_cycles", cfg.HysteresisCycles).
		Msg("tenant config updated")
	return cfg, nil
}

// ProvisionTenant registers a tenant. Its gate starts in the provisional
// BLOCK state until the first cycle runs.
func (e *Engine) ProvisionTenant(_ context.Context, cfg *tenant.Config) error {
	if err := e.registry.Provision(cfg); err != nil {
		return err
	}
	e.views.delete(cfg.TenantID)
	e.logger.Info().Str("tenant_id", cfg.TenantID).Int("platforms", len(cfg.Platforms)).Msg("tenant provisioned")
	return nil
}

// OffboardTenant removes a tenant's settings, cached view and gate state.
// Its snapshots and audit log are retained.
func (e *Engine) OffboardTenant(ctx context.Context, tenantID string) error {
	mu := e.locks.get(tenantID)
	mu.Lock()
	defer mu.Unlock()

	if !e.registry.Offboard(tenantID) {
		return eris.Wrapf(tenant.ErrTenantNotFound, "tenant %q", tenantID)
	}
	e.views.delete(tenantID)
	defer e.locks.drop(tenantID)

	if err := e.states.DeleteState(ctx, tenantID); err != nil {
		return storeUnavailable(err, "delete gate state")
	}
	e.logger.Info().Str("tenant_id", tenantID).Msg("tenant offboarded")
	return nil
}
