// Package gate holds the per-tenant PASS/HOLD/BLOCK state machine.
package gate

import (
	"time"

	"github.com/stratumai/trustgate/internal/health"
)

// Status is the gate's automation permission level.
type Status string

const (
	StatusPass  Status = "PASS"
	StatusHold  Status = "HOLD"
	StatusBlock Status = "BLOCK"
)

// Rank orders statuses from most permissive (0) to most restrictive.
func (s Status) Rank() int {
	switch s {
	case StatusPass:
		return 0
	case StatusHold:
		return 1
	default:
		return 2
	}
}

// better returns the status one level more permissive than s.
func (s Status) better() Status {
	if s == StatusBlock {
		return StatusHold
	}
	return StatusPass
}

// Transition reasons.
const (
	ReasonFirstSnapshot = "first_snapshot"
	ReasonDegraded      = "signal_degraded"
	ReasonRecovered     = "hysteresis_satisfied"
	ReasonMissedCycle   = "missed_cycle"
)

// TargetFor maps a snapshot status to the gate level it calls for.
func TargetFor(s health.Status) Status {
	switch s {
	case health.StatusOK:
		return StatusPass
	case health.StatusRisk:
		return StatusHold
	default:
		return StatusBlock
	}
}

// State is a tenant's current gate record. It only changes through Apply and
// ApplyMissedCycle.
type State struct {
	TenantID                   string        `json:"tenant_id"`
	CurrentStatus              Status        `json:"current_status"`
	ScoreAtTransition          *float64      `json:"score_at_transition"`
	EnteredAt                  time.Time     `json:"entered_at"`
	ConsecutiveHealthyCycles   int           `json:"consecutive_healthy_cycles"`
	ConsecutiveUnhealthyCycles int           `json:"consecutive_unhealthy_cycles"`
	LastSnapshotID             string        `json:"last_snapshot_id,omitempty"`
	LastSnapshotAt             time.Time     `json:"last_snapshot_at"`
	LastSnapshotStatus         health.Status `json:"last_snapshot_status,omitempty"`
	LastScore                  *float64      `json:"last_score"`
	Version                    int64         `json:"version"`
	UpdatedAt                  time.Time     `json:"updated_at"`
}

// Initial returns the provisional BLOCK state of a tenant with no snapshot yet.
func Initial(tenantID string, at time.Time) State {
	return State{
		TenantID:      tenantID,
		CurrentStatus: StatusBlock,
		EnteredAt:     at,
		UpdatedAt:     at,
	}
}

// Provisional reports whether no snapshot has been applied yet.
func (s State) Provisional() bool {
	return s.LastSnapshotAt.IsZero()
}

// IsStale reports whether the last applied snapshot is older than sla, or
// whether there never was one.
func (s State) IsStale(now time.Time, sla time.Duration) bool {
	if s.Provisional() {
		return true
	}
	return now.Sub(s.LastSnapshotAt) > sla
}

// Transition records a status change.
type Transition struct {
	TenantID string    `json:"tenant_id"`
	From     Status    `json:"from"`
	To       Status    `json:"to"`
	Score    *float64  `json:"score"`
	Reason   string    `json:"reason"`
	At       time.Time `json:"at"`
}

// Apply advances the state by one scoring cycle. Worse targets take effect
// immediately; better ones need hysteresisCycles consecutive better cycles and
// then relax by one level. The first snapshot a tenant ever gets can lift the
// provisional BLOCK to HOLD, never straight to PASS. Re-applying the snapshot
// last applied is a no-op.
func Apply(prev State, snap *health.Snapshot, hysteresisCycles int) (State, *Transition) {
	if snap == nil || (snap.ID != "" && snap.ID == prev.LastSnapshotID) {
		return prev, nil
	}
	if hysteresisCycles < 1 {
		hysteresisCycles = 1
	}

	current := prev.CurrentStatus
	if current == "" {
		current = StatusBlock
	}
	target := TargetFor(snap.Status)

	next := prev
	next.TenantID = snap.TenantID
	next.CurrentStatus = current
	next.LastSnapshotID = snap.ID
	next.LastSnapshotAt = snap.ComputedAt
	next.LastSnapshotStatus = snap.Status
	next.LastScore = copyScore(snap.OverallScore)
	next.Version++
	next.UpdatedAt = snap.ComputedAt

	if target == StatusPass {
		next.ConsecutiveUnhealthyCycles = 0
	} else {
		next.ConsecutiveUnhealthyCycles++
	}

	var to Status
	var reason string
	switch {
	case target.Rank() > current.Rank():
		next.ConsecutiveHealthyCycles = 0
		to, reason = target, ReasonDegraded
	case target.Rank() < current.Rank() && prev.Provisional():
		next.ConsecutiveHealthyCycles = 0
		to, reason = StatusHold, ReasonFirstSnapshot
	case target.Rank() < current.Rank():
		next.ConsecutiveHealthyCycles++
		if next.ConsecutiveHealthyCycles < hysteresisCycles {
			return next, nil
		}
		next.ConsecutiveHealthyCycles = 0
		to, reason = current.better(), ReasonRecovered
	default:
		next.ConsecutiveHealthyCycles = 0
		return next, nil
	}

	if to == current {
		return next, nil
	}
	next.CurrentStatus = to
	next.EnteredAt = snap.ComputedAt
	next.ScoreAtTransition = copyScore(snap.OverallScore)
	return next, &Transition{
		TenantID: next.TenantID,
		From:     current,
		To:       to,
		Score:    copyScore(snap.OverallScore),
		Reason:   reason,
		At:       snap.ComputedAt,
	}
}

// ApplyMissedCycle handles a cycle that timed out or failed to collect
// signals. It is treated like a no_data snapshot: the gate drops to BLOCK at
// once. The last applied snapshot is left as is.
func ApplyMissedCycle(prev State, at time.Time, cause string) (State, *Transition) {
	next := prev
	if next.CurrentStatus == "" {
		next.CurrentStatus = StatusBlock
	}
	next.Version++
	next.UpdatedAt = at
	next.ConsecutiveHealthyCycles = 0
	next.ConsecutiveUnhealthyCycles++

	if next.CurrentStatus == StatusBlock {
		return next, nil
	}

	from := next.CurrentStatus
	next.CurrentStatus = StatusBlock
	next.EnteredAt = at
	next.ScoreAtTransition = nil

	reason := ReasonMissedCycle
	if cause != "" {
		reason += ": " + cause
	}
	return next, &Transition{
		TenantID: next.TenantID,
		From:     from,
		To:       StatusBlock,
		Reason:   reason,
		At:       at,
	}
}

func copyScore(v *float64) *float64 {
	if v == nil {
		return nil
	}
	c := *v
	return &c
}
