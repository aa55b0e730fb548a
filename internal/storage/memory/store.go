// Package memory is an in-process storage backend for tests, offline scoring
// and single-replica deployments that accept losing history on restart.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/stratumai/trustgate/internal/decision"
	"github.com/stratumai/trustgate/internal/gate"
	"github.com/stratumai/trustgate/internal/health"
	"github.com/stratumai/trustgate/internal/signal"
	"github.com/stratumai/trustgate/internal/storage"
)

// Store keeps everything in maps guarded by one RWMutex.
type Store struct {
	mu          sync.RWMutex
	snapshots   map[string][]*health.Snapshot
	states      map[string]gate.State
	transitions map[string][]gate.Transition
	decisions   []decision.GateDecision
	decisionIDs map[string]bool
}

var _ storage.Store = (*Store)(nil)

// NewStore creates an empty store.
func NewStore() *Store {
	return &Store{
		snapshots:   make(map[string][]*health.Snapshot),
		states:      make(map[string]gate.State),
		transitions: make(map[string][]gate.Transition),
		decisionIDs: make(map[string]bool),
	}
}

func (s *Store) SaveSnapshot(_ context.Context, snap *health.Snapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.snapshots[snap.TenantID] {
		if existing.ID == snap.ID {
			return nil
		}
	}
	c := *snap
	s.snapshots[snap.TenantID] = append(s.snapshots[snap.TenantID], &c)
	return nil
}

func (s *Store) LatestSnapshot(_ context.Context, tenantID string) (*health.Snapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return latest(s.snapshots[tenantID], func(*health.Snapshot) bool { return true }), nil
}

func (s *Store) SnapshotForDate(_ context.Context, tenantID string, date time.Time) (*health.Snapshot, error) {
	day := signal.Day(date)
	s.mu.RLock()
	defer s.mu.RUnlock()
	return latest(s.snapshots[tenantID], func(sn *health.Snapshot) bool { return sn.Date.Equal(day) }), nil
}

func (s *Store) SnapshotHistory(_ context.Context, tenantID string, from, to time.Time) ([]*health.Snapshot, error) {
	from, to = signal.Day(from), signal.Day(to)
	s.mu.RLock()
	defer s.mu.RUnlock()

	byDay := make(map[time.Time]*health.Snapshot)
	for _, sn := range s.snapshots[tenantID] {
		if sn.Date.Before(from) || sn.Date.After(to) {
			continue
		}
		if cur, ok := byDay[sn.Date]; !ok || sn.ComputedAt.After(cur.ComputedAt) {
			byDay[sn.Date] = sn
		}
	}

	out := make([]*health.Snapshot, 0, len(byDay))
	for _, sn := range byDay {
		out = append(out, sn)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Date.Before(out[j].Date) })
	return out, nil
}

func (s *Store) GetState(_ context.Context, tenantID string) (*gate.State, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st, ok := s.states[tenantID]
	if !ok {
		return nil, nil
	}
	return &st, nil
}

func (s *Store) SaveState(_ context.Context, state gate.State, tr *gate.Transition) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cur, ok := s.states[state.TenantID]; ok && cur.Version >= state.Version {
		return storage.ErrStaleVersion
	}
	s.states[state.TenantID] = state
	if tr != nil {
		s.transitions[state.TenantID] = append(s.transitions[state.TenantID], *tr)
	}
	return nil
}

func (s *Store) ListTransitions(_ context.Context, tenantID string, limit int) ([]gate.Transition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	all := s.transitions[tenantID]
	out := make([]gate.Transition, 0, len(all))
	for i := len(all) - 1; i >= 0; i-- {
		if limit > 0 && len(out) == limit {
			break
		}
		out = append(out, all[i])
	}
	return out, nil
}

func (s *Store) DeleteState(_ context.Context, tenantID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.states, tenantID)
	delete(s.transitions, tenantID)
	return nil
}

func (s *Store) AppendDecision(_ context.Context, d decision.GateDecision) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.decisionIDs[d.ID] {
		return nil
	}
	s.decisionIDs[d.ID] = true
	s.decisions = append(s.decisions, d)
	return nil
}

func (s *Store) QueryDecisions(_ context.Context, f storage.AuditFilter) ([]decision.GateDecision, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var matched []decision.GateDecision
	for i := len(s.decisions) - 1; i >= 0; i-- {
		if f.Matches(s.decisions[i]) {
			matched = append(matched, s.decisions[i])
		}
	}
	sort.SliceStable(matched, func(i, j int) bool { return matched[i].CreatedAt.After(matched[j].CreatedAt) })

	if f.Offset >= len(matched) {
		return []decision.GateDecision{}, nil
	}
	matched = matched[f.Offset:]
	if f.Limit > 0 && len(matched) > f.Limit {
		matched = matched[:f.Limit]
	}
	return matched, nil
}

func (s *Store) SummarizeDecisions(_ context.Context, f storage.AuditFilter) (storage.AuditSummary, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var sum storage.AuditSummary
	for _, d := range s.decisions {
		if f.Matches(d) {
			sum.Add(d)
		}
	}
	return sum, nil
}

func (s *Store) Ping(context.Context) error { return nil }

func (s *Store) Close() error { return nil }

func latest(snaps []*health.Snapshot, keep func(*health.Snapshot) bool) *health.Snapshot {
	var best *health.Snapshot
	for _, sn := range snaps {
		if keep(sn) && (best == nil || sn.ComputedAt.After(best.ComputedAt)) {
			best = sn
		}
	}
	return best
}
