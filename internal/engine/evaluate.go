package engine

import (
	"context"
	"strings"

	"github.com/rotisserie/eris"

	"github.com/stratumai/trustgate/internal/decision"
)

// Result is the outcome of one gate evaluation. DegradedAudit is set when
// the decision could not be written to the audit store yet and was queued
// for a later flush.
type Result struct {
	Decision      decision.GateDecision `json:"decision"`
	DegradedAudit bool                  `json:"degraded_audit"`
}

// Evaluate decides whether an automated action may run for a tenant and
// records the decision. It reads the cached tenant view only; the gate state
// is never written here. Dry runs are evaluated and recorded the same way.
func (e *Engine) Evaluate(ctx context.Context, tenantID string, action decision.Action) (*Result, error) {
	start := e.now()
	if strings.TrimSpace(action.ActionType) == "" {
		return nil, eris.Wrap(decision.ErrInvalidAction, "action_type is required")
	}
	cfg, err := e.registry.Get(tenantID)
	if err != nil {
		return nil, err
	}

	v, err := e.view(ctx, tenantID)
	if err != nil {
		return nil, err
	}

	d, err := e.evaluator.Evaluate(decision.Input{
		Config:   cfg,
		State:    v.State,
		Snapshot: v.Snapshot,
		Now:      start,
	}, action)
	if err != nil {
		return nil, err
	}

	res := &Result{Decision: d}
	if err := e.audit.Record(ctx, d); err != nil {
		res.DegradedAudit = true
		e.logger.Warn().Err(err).Str("tenant_id", tenantID).Str("decision_id", d.ID).
			Msg("decision audit degraded")
	}

	e.metrics.RecordDecision(ctx, tenantID, string(d.DecisionType), d.IsDryRun, e.now().Sub(start))
	e.logger.Debug().
		Str("tenant_id", tenantID).
		Str("decision_type", string(d.DecisionType)).
		Str("action_type", d.ActionType).
		Str("cause", d.GateReason.Cause).
		Bool("dry_run", d.IsDryRun).
		Msg("gate decision")
	return res, nil
}

// Approval is a human sign-off on a recommended action.
type Approval struct {
	Action     decision.Action `json:"action"`
	ApprovedBy string          `json:"approved_by"`
	Reason     string          `json:"reason,omitempty"`
	Confidence *float64        `json:"confidence,omitempty"`
}

// ApproveRecommendation evaluates a recommended action carrying a human
// override. Whether the override may lift the automatic decision is up to the
// evaluator; either way the decision is recorded.
func (e *Engine) ApproveRecommendation(ctx context.Context, tenantID, recommendationID string, a Approval) (*Result, error) {
	if strings.TrimSpace(a.ApprovedBy) == "" {
		return nil, eris.Wrap(decision.ErrInvalidAction, "approved_by is required")
	}
	if strings.TrimSpace(recommendationID) == "" {
		return nil, eris.Wrap(decision.ErrInvalidAction, "recommendation id is required")
	}

	action := a.Action
	if action.RequestedBy == "" {
		action.RequestedBy = a.ApprovedBy
	}
	action.Override = &decision.Override{
		ApprovedBy:       a.ApprovedBy,
		Reason:           a.Reason,
		RecommendationID: recommendationID,
		Confidence:       a.Confidence,
	}
	return e.Evaluate(ctx, tenantID, action)
}
