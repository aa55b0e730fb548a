// Package storagetest holds behavior checks shared by every storage backend.
package storagetest

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stratumai/trustgate/internal/decision"
	"github.com/stratumai/trustgate/internal/gate"
	"github.com/stratumai/trustgate/internal/health"
	"github.com/stratumai/trustgate/internal/storage"
	"github.com/stratumai/trustgate/internal/tenant"
)

// Base is the reference time used by the fixtures.
var Base = time.Date(2026, 3, 10, 8, 0, 0, 0, time.UTC)

// Snapshot builds a fixture snapshot for a day offset from Base.
func Snapshot(id, tenantID string, day int, computedAt time.Time, status health.Status, score *float64) *health.Snapshot {
	return &health.Snapshot{
		ID:                id,
		TenantID:          tenantID,
		Date:              time.Date(2026, 3, 10+day, 0, 0, 0, 0, time.UTC),
		ComputedAt:        computedAt,
		OverallScore:      score,
		Status:            status,
		AutomationBlocked: status.BlocksAutomation(),
		PlatformRows: []health.PlatformRow{
			{Platform: "meta", DisplayName: "Meta", Included: score != nil, Weight: 1, Score: score, Status: status},
		},
		Issues:     []string{},
		Banners:    []health.Banner{},
		Thresholds: tenant.DefaultThresholds(),
	}
}

// Decision builds a fixture decision.
func Decision(id, tenantID string, at time.Time, typ decision.Type, entityType string) decision.GateDecision {
	score := 88.5
	return decision.GateDecision{
		ID:                 id,
		TenantID:           tenantID,
		CreatedAt:          at,
		DecisionType:       typ,
		ActionType:         "budget_increase",
		EntityType:         entityType,
		EntityID:           "cmp-1",
		SignalHealthScore:  &score,
		SignalHealthStatus: health.StatusOK,
		GatePassed:         typ == decision.TypeExecute,
		GateReason: decision.Reason{
			GateStatus:        gate.StatusPass,
			EffectiveStatus:   gate.StatusPass,
			AutomaticDecision: typ,
			Cause:             decision.CauseGatePass,
			StateVersion:      4,
		},
		HealthyThreshold:  70,
		DegradedThreshold: 40,
		TriggeredBySystem: true,
	}
}

func score(v float64) *float64 { return &v }

// RunSnapshotStore checks the SnapshotStore contract.
func RunSnapshotStore(t *testing.T, s storage.SnapshotStore) {
	ctx := context.Background()

	t.Run("empty", func(t *testing.T) {
		snap, err := s.LatestSnapshot(ctx, "nobody")
		require.NoError(t, err)
		assert.Nil(t, snap)
	})

	day0a := Snapshot("s-0a", "acme", 0, Base, health.StatusOK, score(91))
	day0b := Snapshot("s-0b", "acme", 0, Base.Add(5*time.Minute), health.StatusRisk, score(60))
	day2 := Snapshot("s-2", "acme", 2, Base.Add(48*time.Hour), health.StatusNoData, nil)
	other := Snapshot("s-x", "globex", 3, Base.Add(72*time.Hour), health.StatusOK, score(99))
	for _, snap := range []*health.Snapshot{day0a, day0b, day2, other} {
		require.NoError(t, s.SaveSnapshot(ctx, snap))
	}
	require.NoError(t, s.SaveSnapshot(ctx, day0a), "saving the same snapshot twice is a no-op")

	t.Run("latest", func(t *testing.T) {
		snap, err := s.LatestSnapshot(ctx, "acme")
		require.NoError(t, err)
		require.NotNil(t, snap)
		assert.Equal(t, "s-2", snap.ID)
		assert.Nil(t, snap.OverallScore)
		assert.Equal(t, health.StatusNoData, snap.Status)
	})

	t.Run("for date", func(t *testing.T) {
		snap, err := s.SnapshotForDate(ctx, "acme", Base.Add(3*time.Hour))
		require.NoError(t, err)
		require.NotNil(t, snap)
		assert.Equal(t, "s-0b", snap.ID)
		assert.Equal(t, 60.0, *snap.OverallScore)
		assert.Equal(t, day0b.Date, snap.Date)
		assert.Equal(t, day0b.ComputedAt, snap.ComputedAt)

		snap, err = s.SnapshotForDate(ctx, "acme", Base.Add(24*time.Hour))
		require.NoError(t, err)
		assert.Nil(t, snap)
	})

	t.Run("history", func(t *testing.T) {
		history, err := s.SnapshotHistory(ctx, "acme", Base.Add(-24*time.Hour), Base.Add(72*time.Hour))
		require.NoError(t, err)
		ids := make([]string, 0, len(history))
		for _, h := range history {
			ids = append(ids, h.ID)
		}
		assert.Equal(t, []string{"s-0b", "s-2"}, ids)

		history, err = s.SnapshotHistory(ctx, "acme", Base.Add(24*time.Hour), Base.Add(24*time.Hour))
		require.NoError(t, err)
		assert.Empty(t, history)
	})
}

// RunStateStore checks the StateStore contract.
func RunStateStore(t *testing.T, s storage.StateStore) {
	ctx := context.Background()

	t.Run("missing state", func(t *testing.T) {
		st, err := s.GetState(ctx, "nobody")
		require.NoError(t, err)
		assert.Nil(t, st)
	})

	state := gate.State{
		TenantID:           "acme",
		CurrentStatus:      gate.StatusHold,
		ScoreAtTransition:  score(92),
		EnteredAt:          Base,
		LastSnapshotID:     "s-1",
		LastSnapshotAt:     Base,
		LastSnapshotStatus: health.StatusOK,
		LastScore:          score(92),
		Version:            1,
		UpdatedAt:          Base,
	}
	tr := &gate.Transition{TenantID: "acme", From: gate.StatusBlock, To: gate.StatusHold, Score: score(92), Reason: gate.ReasonFirstSnapshot, At: Base}

	t.Run("save and get", func(t *testing.T) {
		require.NoError(t, s.SaveState(ctx, state, tr))
		got, err := s.GetState(ctx, "acme")
		require.NoError(t, err)
		require.NotNil(t, got)
		assert.Equal(t, state, *got)
	})

	t.Run("stale version rejected", func(t *testing.T) {
		older := state
		older.CurrentStatus = gate.StatusPass
		err := s.SaveState(ctx, older, nil)
		assert.True(t, errors.Is(err, storage.ErrStaleVersion), "got %v", err)

		got, err := s.GetState(ctx, "acme")
		require.NoError(t, err)
		assert.Equal(t, gate.StatusHold, got.CurrentStatus)
	})

	t.Run("transitions newest first", func(t *testing.T) {
		for v := 2; v <= 4; v++ {
			next := state
			next.Version = int64(v)
			next.UpdatedAt = Base.Add(time.Duration(v) * time.Minute)
			var ntr *gate.Transition
			if v%2 == 0 {
				ntr = &gate.Transition{TenantID: "acme", From: gate.StatusHold, To: gate.StatusPass, Reason: fmt.Sprintf("r%d", v), At: next.UpdatedAt}
			}
			require.NoError(t, s.SaveState(ctx, next, ntr))
		}

		all, err := s.ListTransitions(ctx, "acme", 0)
		require.NoError(t, err)
		require.Len(t, all, 3)
		assert.Equal(t, "r4", all[0].Reason)
		assert.Nil(t, all[0].Score)
		assert.Equal(t, gate.ReasonFirstSnapshot, all[2].Reason)
		assert.Equal(t, 92.0, *all[2].Score)
		assert.Equal(t, Base, all[2].At)

		limited, err := s.ListTransitions(ctx, "acme", 1)
		require.NoError(t, err)
		assert.Len(t, limited, 1)
	})

	t.Run("delete", func(t *testing.T) {
		require.NoError(t, s.DeleteState(ctx, "acme"))
		got, err := s.GetState(ctx, "acme")
		require.NoError(t, err)
		assert.Nil(t, got)

		all, err := s.ListTransitions(ctx, "acme", 0)
		require.NoError(t, err)
		assert.Empty(t, all)

		state.Version = 1
		assert.NoError(t, s.SaveState(ctx, state, nil), "a reprovisioned tenant starts over")
	})
}

// RunAuditStore checks the AuditStore contract.
func RunAuditStore(t *testing.T, s storage.AuditStore) {
	ctx := context.Background()

	fixtures := []decision.GateDecision{
		Decision("d-1", "acme", Base, decision.TypeExecute, "campaign"),
		Decision("d-2", "acme", Base.Add(time.Minute), decision.TypeHold, "campaign"),
		Decision("d-3", "acme", Base.Add(2*time.Minute), decision.TypeBlock, "ad_set"),
		Decision("d-4", "acme", Base.Add(3*time.Minute), decision.TypeExecute, "ad_set"),
		Decision("d-5", "globex", Base.Add(4*time.Minute), decision.TypeExecute, "campaign"),
	}
	for _, d := range fixtures {
		require.NoError(t, s.AppendDecision(ctx, d))
	}
	require.NoError(t, s.AppendDecision(ctx, fixtures[0]), "appending the same decision twice is a no-op")

	t.Run("newest first", func(t *testing.T) {
		got, err := s.QueryDecisions(ctx, storage.AuditFilter{TenantID: "acme"})
		require.NoError(t, err)
		require.Len(t, got, 4)
		assert.Equal(t, "d-4", got[0].ID)
		assert.Equal(t, "d-1", got[3].ID)
		assert.Equal(t, fixtures[0], got[3])
	})

	t.Run("filters", func(t *testing.T) {
		from := Base.Add(time.Minute)
		to := Base.Add(2 * time.Minute)
		tests := []struct {
			name   string
			filter storage.AuditFilter
			want   []string
		}{
			{"decision type", storage.AuditFilter{TenantID: "acme", DecisionType: "execute"}, []string{"d-4", "d-1"}},
			{"entity type", storage.AuditFilter{TenantID: "acme", EntityType: "ad_set"}, []string{"d-4", "d-3"}},
			{"date range", storage.AuditFilter{TenantID: "acme", From: &from, To: &to}, []string{"d-3", "d-2"}},
			{"page", storage.AuditFilter{TenantID: "acme", Limit: 2, Offset: 1}, []string{"d-3", "d-2"}},
			{"past the end", storage.AuditFilter{TenantID: "acme", Limit: 2, Offset: 10}, []string{}},
		}
		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				got, err := s.QueryDecisions(ctx, tt.filter)
				require.NoError(t, err)
				ids := []string{}
				for _, d := range got {
					ids = append(ids, d.ID)
				}
				assert.Equal(t, tt.want, ids)
			})
		}
	})

	t.Run("summary ignores pagination", func(t *testing.T) {
		sum, err := s.SummarizeDecisions(ctx, storage.AuditFilter{TenantID: "acme", Limit: 1})
		require.NoError(t, err)
		assert.Equal(t, storage.AuditSummary{
			Total:    4,
			Executed: 2,
			Held:     1,
			Blocked:  1,
			Passed:   2,
			First:    Base,
			Last:     Base.Add(3 * time.Minute),
		}, sum)
	})

	t.Run("empty summary", func(t *testing.T) {
		sum, err := s.SummarizeDecisions(ctx, storage.AuditFilter{TenantID: "nobody"})
		require.NoError(t, err)
		assert.Equal(t, storage.AuditSummary{}, sum)
	})
}

// RunStore runs every contract check against a full backend.
func RunStore(t *testing.T, s storage.Store) {
	t.Run("snapshots", func(t *testing.T) { RunSnapshotStore(t, s) })
	t.Run("state", func(t *testing.T) { RunStateStore(t, s) })
	t.Run("audit", func(t *testing.T) { RunAuditStore(t, s) })
	t.Run("ping", func(t *testing.T) { assert.NoError(t, s.Ping(context.Background())) })
}
