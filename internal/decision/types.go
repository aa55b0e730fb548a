// Package decision evaluates attempted automated actions against a tenant's
// gate state and produces auditable decisions.
package decision

import (
	"time"

	"github.com/rotisserie/eris"

	"github.com/stratumai/trustgate/internal/gate"
	"github.com/stratumai/trustgate/internal/health"
)

// ErrInvalidAction is returned for actions that cannot be evaluated.
var ErrInvalidAction = eris.New("invalid action")

// Type is the outcome of an evaluation.
type Type string

const (
	TypeExecute Type = "execute"
	TypeHold    Type = "hold"
	TypeBlock   Type = "block"
)

// Valid reports whether t is a known decision type.
func (t Type) Valid() bool {
	return t == TypeExecute || t == TypeHold || t == TypeBlock
}

// Causes recorded in Reason.Cause.
const (
	CauseGatePass            = "gate_pass"
	CauseGateHold            = "gate_hold"
	CauseGateBlock           = "gate_block"
	CauseNoGateState         = "no_gate_state"
	CauseStaleState          = "stale_state"
	CauseRevenueSensitive    = "revenue_sensitive_variance"
	CausePlatformUnhealthy   = "platform_signal_unhealthy"
	CauseManualOnlyRule      = "manual_only_rule"
	CauseEntityBlock         = "entity_override_block"
	CauseEntityManualOnly    = "entity_override_manual_only"
	OverrideRejectedBlock    = "block_not_overridable"
	OverrideRejectedEntity   = "entity_block_not_overridable"
	OverrideNotNeededExecute = "gate_already_passed"
)

// Override is a human approval attached to an action.
type Override struct {
	ApprovedBy       string   `json:"approved_by"`
	Reason           string   `json:"reason,omitempty"`
	RecommendationID string   `json:"recommendation_id,omitempty"`
	Confidence       *float64 `json:"confidence,omitempty"`
}

// Action is an attempted automated action.
type Action struct {
	ActionType         string    `json:"action_type"`
	EntityType         string    `json:"entity_type"`
	EntityID           string    `json:"entity_id"`
	Platform           string    `json:"platform,omitempty"`
	IsRevenueSensitive bool      `json:"is_revenue_sensitive"`
	RequestedBy        string    `json:"requested_by,omitempty"`
	DryRun             bool      `json:"dry_run"`
	Override           *Override `json:"override,omitempty"`
}

// Reason explains a decision. It holds nothing that depends on when the
// evaluation ran, so re-evaluating against the same state yields the same Reason.
type Reason struct {
	GateStatus        gate.Status           `json:"gate_status"`
	EffectiveStatus   gate.Status           `json:"effective_status"`
	AutomaticDecision Type                  `json:"automatic_decision"`
	Cause             string                `json:"cause"`
	SnapshotID        string                `json:"snapshot_id,omitempty"`
	StateVersion      int64                 `json:"state_version"`
	VarianceStatus    health.VarianceStatus `json:"variance_status,omitempty"`
	VarianceCap       string                `json:"variance_cap,omitempty"`
	RevenueSensitive  bool                  `json:"revenue_sensitive"`
	PlatformStatus    health.Status         `json:"platform_status,omitempty"`
	EntityOverride    string                `json:"entity_override,omitempty"`
	RuleError         string                `json:"rule_error,omitempty"`
	OverrideApplied   bool                  `json:"override_applied"`
	OverrideRejected  string                `json:"override_rejected,omitempty"`
	ApprovedBy        string                `json:"approved_by,omitempty"`
	OverrideReason    string                `json:"override_reason,omitempty"`
	Confidence        *float64              `json:"confidence,omitempty"`
}

// GateDecision is one audit log row. It is never mutated once recorded.
type GateDecision struct {
	ID                 string        `json:"id"`
	TenantID           string        `json:"tenant_id"`
	CreatedAt          time.Time     `json:"created_at"`
	DecisionType       Type          `json:"decision_type"`
	ActionType         string        `json:"action_type"`
	EntityType         string        `json:"entity_type"`
	EntityID           string        `json:"entity_id"`
	Platform           string        `json:"platform,omitempty"`
	SignalHealthScore  *float64      `json:"signal_health_score"`
	SignalHealthStatus health.Status `json:"signal_health_status"`
	GatePassed         bool          `json:"gate_passed"`
	GateReason         Reason        `json:"gate_reason"`
	IsDryRun           bool          `json:"is_dry_run"`
	HealthyThreshold   float64       `json:"healthy_threshold"`
	DegradedThreshold  float64       `json:"degraded_threshold"`
	TriggeredBySystem  bool          `json:"triggered_by_system"`
	RequestedBy        string        `json:"requested_by,omitempty"`
	RecommendationID   string        `json:"recommendation_id,omitempty"`
}
