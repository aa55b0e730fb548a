package decision

import (
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"

	"github.com/stratumai/trustgate/internal/gate"
	"github.com/stratumai/trustgate/internal/health"
	"github.com/stratumai/trustgate/internal/tenant"
)

// Input is the tenant view an action is evaluated against. State and
// Snapshot may be nil.
type Input struct {
	Config   *tenant.Config
	State    *gate.State
	Snapshot *health.Snapshot
	Now      time.Time
}

// Evaluator turns an action plus the tenant's gate view into a decision. It
// has no side effects; recording is the caller's job.
type Evaluator struct {
	rules *Rules
	newID func() string
}

// NewEvaluator creates an evaluator. rules may be nil, in which case tenant
// action rules are ignored.
func NewEvaluator(rules *Rules) *Evaluator {
	return &Evaluator{rules: rules, newID: uuid.NewString}
}

// Evaluate decides whether the action may execute. It only fails for an
// invalid action, including an override nobody approved, or a missing
// tenant config.
func (e *Evaluator) Evaluate(in Input, a Action) (GateDecision, error) {
	if a.ActionType == "" {
		return GateDecision{}, eris.Wrap(ErrInvalidAction, "action_type is required")
	}
	if a.Override != nil && strings.TrimSpace(a.Override.ApprovedBy) == "" {
		return GateDecision{}, eris.Wrap(ErrInvalidAction, "override requires approved_by")
	}
	if in.Config == nil {
		return GateDecision{}, eris.Wrap(tenant.ErrTenantNotFound, "no tenant config")
	}
	cfg := in.Config

	reason := Reason{GateStatus: gate.StatusBlock}
	effective, cause := e.effectiveStatus(in)
	if in.State != nil {
		reason.GateStatus = in.State.CurrentStatus
		reason.StateVersion = in.State.Version
		reason.SnapshotID = in.State.LastSnapshotID
	}
	reason.EffectiveStatus = effective
	reason.Cause = cause

	auto := decisionFor(effective)

	revenueSensitive := a.IsRevenueSensitive
	manualOnly := false
	if e.rules != nil {
		vars := ruleVars(cfg, in.Snapshot, a)
		matched, err := e.rules.Match(cfg.ActionRules.RevenueSensitiveWhen, vars)
		if err == nil {
			revenueSensitive = revenueSensitive || matched
			matched, err = e.rules.Match(cfg.ActionRules.ManualOnlyWhen, vars)
			manualOnly = matched
		}
		if err != nil {
			revenueSensitive, manualOnly = true, true
			reason.RuleError = err.Error()
		}
	}
	reason.RevenueSensitive = revenueSensitive

	var variance *health.VarianceSnapshot
	if in.Snapshot != nil {
		variance = in.Snapshot.Variance
	}
	if variance != nil {
		reason.VarianceStatus = variance.Status
	}
	if revenueSensitive {
		reason.VarianceCap = cfg.RevenueSensitiveVarianceCap
	}
	if a.Platform != "" {
		reason.PlatformStatus = platformStatus(in.Snapshot, a.Platform)
	}

	if auto == TypeExecute {
		switch {
		case revenueSensitive && variance != nil && variance.Status.AtLeast(health.VarianceStatus(cfg.RevenueSensitiveVarianceCap)):
			auto, reason.Cause = TypeHold, CauseRevenueSensitive
		case a.Platform != "" && !platformUsable(in.Snapshot, a.Platform):
			auto, reason.Cause = TypeHold, CausePlatformUnhealthy
		case manualOnly:
			auto, reason.Cause = TypeHold, CauseManualOnlyRule
		}
	}

	entityBlocked := false
	if o, ok := cfg.EntityOverride(a.EntityType, a.EntityID); ok {
		reason.EntityOverride = o.Mode
		switch o.Mode {
		case tenant.OverrideBlock:
			entityBlocked = true
			auto, reason.Cause = TypeBlock, CauseEntityBlock
		case tenant.OverrideManualOnly:
			if auto == TypeExecute {
				auto, reason.Cause = TypeHold, CauseEntityManualOnly
			}
		}
	}
	reason.AutomaticDecision = auto

	d := GateDecision{
		ID:                 e.newID(),
		TenantID:           cfg.TenantID,
		CreatedAt:          in.Now,
		DecisionType:       auto,
		ActionType:         a.ActionType,
		EntityType:         a.EntityType,
		EntityID:           a.EntityID,
		Platform:           a.Platform,
		GatePassed:         auto == TypeExecute,
		IsDryRun:           a.DryRun,
		HealthyThreshold:   cfg.Thresholds.Healthy,
		DegradedThreshold:  cfg.Thresholds.Degraded,
		TriggeredBySystem:  true,
		RequestedBy:        a.RequestedBy,
		SignalHealthStatus: health.StatusNoData,
	}
	if in.Snapshot != nil {
		d.SignalHealthScore = in.Snapshot.OverallScore
		d.SignalHealthStatus = in.Snapshot.Status
	}

	if o := a.Override; o != nil {
		d.TriggeredBySystem = false
		d.RecommendationID = o.RecommendationID
		reason.ApprovedBy = o.ApprovedBy
		reason.OverrideReason = o.Reason
		reason.Confidence = o.Confidence

		switch {
		case auto == TypeExecute:
			reason.OverrideRejected = OverrideNotNeededExecute
		case auto == TypeHold:
			reason.OverrideApplied = true
		case entityBlocked:
			reason.OverrideRejected = OverrideRejectedEntity
		case cfg.AllowOverrideOnBlock:
			reason.OverrideApplied = true
		default:
			reason.OverrideRejected = OverrideRejectedBlock
		}
		if reason.OverrideApplied {
			d.DecisionType = TypeExecute
		}
	}

	d.GateReason = reason
	return d, nil
}

func (e *Evaluator) effectiveStatus(in Input) (gate.Status, string) {
	if in.State == nil {
		return gate.StatusBlock, CauseNoGateState
	}
	if in.State.IsStale(in.Now, in.Config.StalenessSLA()) {
		return gate.StatusBlock, CauseStaleState
	}
	switch in.State.CurrentStatus {
	case gate.StatusPass:
		return gate.StatusPass, CauseGatePass
	case gate.StatusHold:
		return gate.StatusHold, CauseGateHold
	default:
		return gate.StatusBlock, CauseGateBlock
	}
}

func decisionFor(s gate.Status) Type {
	switch s {
	case gate.StatusPass:
		return TypeExecute
	case gate.StatusHold:
		return TypeHold
	default:
		return TypeBlock
	}
}

func platformStatus(snap *health.Snapshot, platform string) health.Status {
	if snap == nil {
		return health.StatusNoData
	}
	row, ok := snap.Row(platform)
	if !ok {
		return health.StatusNoData
	}
	return row.Status
}

func platformUsable(snap *health.Snapshot, platform string) bool {
	if snap == nil {
		return false
	}
	row, ok := snap.Row(platform)
	return ok && row.Included && !row.Status.BlocksAutomation()
}

func ruleVars(cfg *tenant.Config, snap *health.Snapshot, a Action) map[string]any {
	sig := map[string]any{
		"status":          string(health.StatusNoData),
		"score":           0.0,
		"has_score":       false,
		"variance_status": "",
	}
	if snap != nil {
		sig["status"] = string(snap.Status)
		if snap.OverallScore != nil {
			sig["score"] = *snap.OverallScore
			sig["has_score"] = true
		}
		if snap.Variance != nil {
			sig["variance_status"] = string(snap.Variance.Status)
		}
	}
	return map[string]any{
		"tenant": cfg.TenantID,
		"signal": sig,
		"action": map[string]any{
			"action_type":          a.ActionType,
			"entity_type":          a.EntityType,
			"entity_id":            a.EntityID,
			"platform":             a.Platform,
			"is_revenue_sensitive": a.IsRevenueSensitive,
			"requested_by":         a.RequestedBy,
			"dry_run":              a.DryRun,
		},
	}
}
