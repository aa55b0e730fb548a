// Package storage defines the persistence contracts for snapshots, gate
// state and the decision audit log.
package storage

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/stratumai/trustgate/internal/decision"
	"github.com/stratumai/trustgate/internal/gate"
	"github.com/stratumai/trustgate/internal/health"
)

// ErrStaleVersion is returned when a gate state write would overwrite a newer
// version.
var ErrStaleVersion = eris.New("stale gate state version")

// SnapshotStore persists health snapshots. Snapshots are immutable; the most
// recently computed one per (tenant, date) is authoritative for that date.
type SnapshotStore interface {
	SaveSnapshot(ctx context.Context, snap *health.Snapshot) error
	// LatestSnapshot returns nil when the tenant has no snapshot.
	LatestSnapshot(ctx context.Context, tenantID string) (*health.Snapshot, error)
	// SnapshotForDate returns nil when the tenant has no snapshot for the date.
	SnapshotForDate(ctx context.Context, tenantID string, date time.Time) (*health.Snapshot, error)
	// SnapshotHistory returns one snapshot per day in [from, to], oldest first.
	SnapshotHistory(ctx context.Context, tenantID string, from, to time.Time) ([]*health.Snapshot, error)
}

// StateStore persists the per-tenant gate state and its transition history.
type StateStore interface {
	// GetState returns nil when the tenant has no stored state.
	GetState(ctx context.Context, tenantID string) (*gate.State, error)
	// SaveState writes the state and, when tr is non-nil, appends the
	// transition. Writes older than the stored version fail with
	// ErrStaleVersion.
	SaveState(ctx context.Context, state gate.State, tr *gate.Transition) error
	// ListTransitions returns up to limit transitions, newest first.
	ListTransitions(ctx context.Context, tenantID string, limit int) ([]gate.Transition, error)
	DeleteState(ctx context.Context, tenantID string) error
}

// AuditStore is the append-only decision log.
type AuditStore interface {
	// AppendDecision is idempotent on the decision ID.
	AppendDecision(ctx context.Context, d decision.GateDecision) error
	// QueryDecisions returns matching decisions, newest first, paged by the
	// filter's Limit and Offset.
	QueryDecisions(ctx context.Context, f AuditFilter) ([]decision.GateDecision, error)
	// SummarizeDecisions aggregates every decision matching the filter,
	// ignoring pagination.
	SummarizeDecisions(ctx context.Context, f AuditFilter) (AuditSummary, error)
}

// Store bundles every contract a backend provides.
type Store interface {
	SnapshotStore
	StateStore
	AuditStore
	Ping(ctx context.Context) error
	Close() error
}

// Locker serializes work on one tenant across replicas. WithTenantLock runs fn
// only when the lock was acquired and reports whether it was.
type Locker interface {
	WithTenantLock(ctx context.Context, tenantID string, fn func(context.Context) error) (bool, error)
}

// AuditFilter narrows audit queries. Zero values match everything.
type AuditFilter struct {
	TenantID     string
	From         *time.Time
	To           *time.Time
	DecisionType string
	EntityType   string
	Limit        int
	Offset       int
}

// Matches reports whether d passes the filter's predicates.
func (f AuditFilter) Matches(d decision.GateDecision) bool {
	if f.TenantID != "" && d.TenantID != f.TenantID {
		return false
	}
	if f.From != nil && d.CreatedAt.Before(*f.From) {
		return false
	}
	if f.To != nil && d.CreatedAt.After(*f.To) {
		return false
	}
	if f.DecisionType != "" && string(d.DecisionType) != f.DecisionType {
		return false
	}
	if f.EntityType != "" && d.EntityType != f.EntityType {
		return false
	}
	return true
}

// AuditSummary aggregates decisions. First and Last bound the observed
// created_at range and are zero when Total is 0.
type AuditSummary struct {
	Total    int
	Executed int
	Held     int
	Blocked  int
	Passed   int
	First    time.Time
	Last     time.Time
}

// Add folds one decision into the summary.
func (s *AuditSummary) Add(d decision.GateDecision) {
	s.Total++
	switch d.DecisionType {
	case decision.TypeExecute:
		s.Executed++
	case decision.TypeHold:
		s.Held++
	case decision.TypeBlock:
		s.Blocked++
	}
	if d.GatePassed {
		s.Passed++
	}
	if s.First.IsZero() || d.CreatedAt.Before(s.First) {
		s.First = d.CreatedAt
	}
	if d.CreatedAt.After(s.Last) {
		s.Last = d.CreatedAt
	}
}
