package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/rotisserie/eris"

	"github.com/stratumai/trustgate/internal/decision"
	"github.com/stratumai/trustgate/internal/gate"
	"github.com/stratumai/trustgate/internal/health"
	"github.com/stratumai/trustgate/internal/signal"
	"github.com/stratumai/trustgate/internal/storage"
)

const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// Store implements storage.Store using SQLite
type Store struct {
	db *sql.DB
}

var _ storage.Store = (*Store)(nil)

// NewStore opens the database at dbPath and applies the schema.
func NewStore(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open database")
	}

	// A single connection serializes writers and avoids SQLITE_BUSY.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(Schema); err != nil {
		db.Close()
		return nil, eris.Wrap(err, "sqlite: create schema")
	}

	return &Store{db: db}, nil
}

// NewWithDB wraps an existing handle without running migrations.
func NewWithDB(db *sql.DB) *Store {
	return &Store{db: db}
}

// SaveSnapshot persists a snapshot. Saving the same ID twice is a no-op.
func (s *Store) SaveSnapshot(ctx context.Context, snap *health.Snapshot) error {
	body, err := json.Marshal(snap)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal snapshot")
	}

	query := `
		INSERT OR IGNORE INTO health_snapshots (id, tenant_id, snapshot_date, computed_at, overall_score, status, snapshot_json)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`
	_, err = s.db.ExecContext(ctx, query,
		snap.ID,
		snap.TenantID,
		snap.Date.UTC().Format(signal.DateLayout),
		formatTime(snap.ComputedAt),
		nullFloat(snap.OverallScore),
		string(snap.Status),
		string(body),
	)
	if err != nil {
		return eris.Wrap(err, "sqlite: save snapshot")
	}
	return nil
}

// LatestSnapshot returns the most recently computed snapshot for the tenant.
func (s *Store) LatestSnapshot(ctx context.Context, tenantID string) (*health.Snapshot, error) {
	query := `
		SELECT snapshot_json FROM health_snapshots
		WHERE tenant_id = ?
		ORDER BY computed_at DESC, seq DESC
		LIMIT 1
	`
	return s.oneSnapshot(ctx, query, tenantID)
}

// SnapshotForDate returns the most recently computed snapshot for the day.
func (s *Store) SnapshotForDate(ctx context.Context, tenantID string, date time.Time) (*health.Snapshot, error) {
	query := `
		SELECT snapshot_json FROM health_snapshots
		WHERE tenant_id = ? AND snapshot_date = ?
		ORDER BY computed_at DESC, seq DESC
		LIMIT 1
	`
	return s.oneSnapshot(ctx, query, tenantID, signal.Day(date).Format(signal.DateLayout))
}

// SnapshotHistory returns the latest snapshot of each day in [from, to].
func (s *Store) SnapshotHistory(ctx context.Context, tenantID string, from, to time.Time) ([]*health.Snapshot, error) {
	query := `
		SELECT h.snapshot_json FROM health_snapshots h
		WHERE h.tenant_id = ? AND h.snapshot_date BETWEEN ? AND ?
		  AND h.seq = (
			SELECT l.seq FROM health_snapshots l
			WHERE l.tenant_id = h.tenant_id AND l.snapshot_date = h.snapshot_date
			ORDER BY l.computed_at DESC, l.seq DESC
			LIMIT 1
		  )
		ORDER BY h.snapshot_date ASC
	`
	rows, err := s.db.QueryContext(ctx, query, tenantID,
		signal.Day(from).Format(signal.DateLayout),
		signal.Day(to).Format(signal.DateLayout),
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: query snapshot history")
	}
	defer rows.Close()

	var out []*health.Snapshot
	for rows.Next() {
		var body string
		if err := rows.Scan(&body); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan snapshot")
		}
		snap, err := decodeSnapshot(body)
		if err != nil {
			return nil, err
		}
		out = append(out, snap)
	}
	if err := rows.Err(); err != nil {
		return nil, eris.Wrap(err, "sqlite: snapshot rows")
	}
	return out, nil
}

func (s *Store) oneSnapshot(ctx context.Context, query string, args ...any) (*health.Snapshot, error) {
	var body string
	err := s.db.QueryRowContext(ctx, query, args...).Scan(&body)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: get snapshot")
	}
	return decodeSnapshot(body)
}

// GetState returns the tenant's gate state, or nil if none is stored.
func (s *Store) GetState(ctx context.Context, tenantID string) (*gate.State, error) {
	var body string
	err := s.db.QueryRowContext(ctx, "SELECT state_json FROM gate_state WHERE tenant_id = ?", tenantID).Scan(&body)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: get state")
	}

	var st gate.State
	if err := json.Unmarshal([]byte(body), &st); err != nil {
		return nil, eris.Wrap(err, "sqlite: unmarshal state")
	}
	return &st, nil
}

// SaveState upserts the state and appends the transition in one transaction.
func (s *Store) SaveState(ctx context.Context, state gate.State, tr *gate.Transition) error {
	body, err := json.Marshal(state)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal state")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "sqlite: begin")
	}
	defer tx.Rollback() //nolint:errcheck

	query := `
		INSERT INTO gate_state (tenant_id, current_status, version, state_json, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(tenant_id) DO UPDATE SET
			current_status = excluded.current_status,
			version = excluded.version,
			state_json = excluded.state_json,
			updated_at = excluded.updated_at
		WHERE gate_state.version < excluded.version
	`
	res, err := tx.ExecContext(ctx, query,
		state.TenantID,
		string(state.CurrentStatus),
		state.Version,
		string(body),
		formatTime(state.UpdatedAt),
	)
	if err != nil {
		return eris.Wrap(err, "sqlite: save state")
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return eris.Wrapf(storage.ErrStaleVersion, "sqlite: tenant %q version %d", state.TenantID, state.Version)
	}

	if tr != nil {
		_, err = tx.ExecContext(ctx,
			`INSERT INTO gate_transitions (tenant_id, from_status, to_status, score, reason, at) VALUES (?, ?, ?, ?, ?, ?)`,
			tr.TenantID, string(tr.From), string(tr.To), nullFloat(tr.Score), tr.Reason, formatTime(tr.At),
		)
		if err != nil {
			return eris.Wrap(err, "sqlite: append transition")
		}
	}

	return eris.Wrap(tx.Commit(), "sqlite: commit state")
}

// ListTransitions returns the newest transitions first.
func (s *Store) ListTransitions(ctx context.Context, tenantID string, limit int) ([]gate.Transition, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT tenant_id, from_status, to_status, score, reason, at
		FROM gate_transitions
		WHERE tenant_id = ?
		ORDER BY seq DESC
		LIMIT ?
	`, tenantID, limit)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: query transitions")
	}
	defer rows.Close()

	out := []gate.Transition{}
	for rows.Next() {
		var tr gate.Transition
		var from, to, at string
		var score sql.NullFloat64
		if err := rows.Scan(&tr.TenantID, &from, &to, &score, &tr.Reason, &at); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan transition")
		}
		tr.From, tr.To = gate.Status(from), gate.Status(to)
		tr.Score = floatPtr(score)
		if tr.At, err = parseTime(at); err != nil {
			return nil, err
		}
		out = append(out, tr)
	}
	if err := rows.Err(); err != nil {
		return nil, eris.Wrap(err, "sqlite: transition rows")
	}
	return out, nil
}

// DeleteState removes the tenant's state and transition history.
func (s *Store) DeleteState(ctx context.Context, tenantID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "sqlite: begin")
	}
	defer tx.Rollback() //nolint:errcheck

	if _, err := tx.ExecContext(ctx, "DELETE FROM gate_state WHERE tenant_id = ?", tenantID); err != nil {
		return eris.Wrap(err, "sqlite: delete state")
	}
	if _, err := tx.ExecContext(ctx, "DELETE FROM gate_transitions WHERE tenant_id = ?", tenantID); err != nil {
		return eris.Wrap(err, "sqlite: delete transitions")
	}
	return eris.Wrap(tx.Commit(), "sqlite: commit delete")
}

// AppendDecision inserts a decision. A repeated ID is ignored.
func (s *Store) AppendDecision(ctx context.Context, d decision.GateDecision) error {
	reason, err := json.Marshal(d.GateReason)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal gate reason")
	}

	query := `
		INSERT OR IGNORE INTO gate_decisions (
			id, tenant_id, created_at, decision_type, action_type, entity_type, entity_id, platform,
			signal_health_score, signal_health_status, gate_passed, gate_reason_json, is_dry_run,
			healthy_threshold, degraded_threshold, triggered_by_system, requested_by, recommendation_id
		)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err = s.db.ExecContext(ctx, query,
		d.ID,
		d.TenantID,
		formatTime(d.CreatedAt),
		string(d.DecisionType),
		d.ActionType,
		d.EntityType,
		d.EntityID,
		d.Platform,
		nullFloat(d.SignalHealthScore),
		string(d.SignalHealthStatus),
		d.GatePassed,
		string(reason),
		d.IsDryRun,
		d.HealthyThreshold,
		d.DegradedThreshold,
		d.TriggeredBySystem,
		d.RequestedBy,
		d.RecommendationID,
	)
	if err != nil {
		return eris.Wrap(err, "sqlite: append decision")
	}
	return nil
}

// QueryDecisions retrieves decisions with optional filtering, newest first.
func (s *Store) QueryDecisions(ctx context.Context, f storage.AuditFilter) ([]decision.GateDecision, error) {
	where, args := whereClause(f)
	query := `
		SELECT id, tenant_id, created_at, decision_type, action_type, entity_type, entity_id, platform,
		       signal_health_score, signal_health_status, gate_passed, gate_reason_json, is_dry_run,
		       healthy_threshold, degraded_threshold, triggered_by_system, requested_by, recommendation_id
		FROM gate_decisions` + where + `
		ORDER BY created_at DESC, seq DESC`

	limit := f.Limit
	if limit <= 0 {
		limit = -1
	}
	query += " LIMIT ? OFFSET ?"
	args = append(args, limit, f.Offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: query decisions")
	}
	defer rows.Close()

	out := []decision.GateDecision{}
	for rows.Next() {
		var d decision.GateDecision
		var createdAt, decisionType, status, reason string
		var score sql.NullFloat64

		err := rows.Scan(
			&d.ID,
			&d.TenantID,
			&createdAt,
			&decisionType,
			&d.ActionType,
			&d.EntityType,
			&d.EntityID,
			&d.Platform,
			&score,
			&status,
			&d.GatePassed,
			&reason,
			&d.IsDryRun,
			&d.HealthyThreshold,
			&d.DegradedThreshold,
			&d.TriggeredBySystem,
			&d.RequestedBy,
			&d.RecommendationID,
		)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: scan decision")
		}
		if d.CreatedAt, err = parseTime(createdAt); err != nil {
			return nil, err
		}
		d.DecisionType = decision.Type(decisionType)
		d.SignalHealthStatus = health.Status(status)
		d.SignalHealthScore = floatPtr(score)
		if err := json.Unmarshal([]byte(reason), &d.GateReason); err != nil {
			return nil, eris.Wrap(err, "sqlite: unmarshal gate reason")
		}
		out = append(out, d)
	}
	if err := rows.Err(); err != nil {
		return nil, eris.Wrap(err, "sqlite: decision rows")
	}
	return out, nil
}

// SummarizeDecisions aggregates every matching decision.
func (s *Store) SummarizeDecisions(ctx context.Context, f storage.AuditFilter) (storage.AuditSummary, error) {
	where, args := whereClause(f)
	query := `
		SELECT COUNT(*),
		       COALESCE(SUM(CASE WHEN decision_type = 'execute' THEN 1 ELSE 0 END), 0),
		       COALESCE(SUM(CASE WHEN decision_type = 'hold' THEN 1 ELSE 0 END), 0),
		       COALESCE(SUM(CASE WHEN decision_type = 'block' THEN 1 ELSE 0 END), 0),
		       COALESCE(SUM(CASE WHEN gate_passed THEN 1 ELSE 0 END), 0),
		       MIN(created_at), MAX(created_at)
		FROM gate_decisions` + where

	var sum storage.AuditSummary
	var first, last sql.NullString
	err := s.db.QueryRowContext(ctx, query, args...).Scan(
		&sum.Total, &sum.Executed, &sum.Held, &sum.Blocked, &sum.Passed, &first, &last,
	)
	if err != nil {
		return storage.AuditSummary{}, eris.Wrap(err, "sqlite: summarize decisions")
	}
	if first.Valid {
		if sum.First, err = parseTime(first.String); err != nil {
			return storage.AuditSummary{}, err
		}
	}
	if last.Valid {
		if sum.Last, err = parseTime(last.String); err != nil {
			return storage.AuditSummary{}, err
		}
	}
	return sum, nil
}

// Ping checks the database handle.
func (s *Store) Ping(ctx context.Context) error {
	return eris.Wrap(s.db.PingContext(ctx), "sqlite: ping")
}

// Close closes the database connection
func (s *Store) Close() error {
	return s.db.Close()
}

func whereClause(f storage.AuditFilter) (string, []any) {
	var conditions []string
	var args []any

	if f.TenantID != "" {
		conditions = append(conditions, "tenant_id = ?")
		args = append(args, f.TenantID)
	}
	if f.From != nil {
		conditions = append(conditions, "created_at >= ?")
		args = append(args, formatTime(*f.From))
	}
	if f.To != nil {
		conditions = append(conditions, "created_at <= ?")
		args = append(args, formatTime(*f.To))
	}
	if f.DecisionType != "" {
		conditions = append(conditions, "decision_type = ?")
		args = append(args, f.DecisionType)
	}
	if f.EntityType != "" {
		conditions = append(conditions, "entity_type = ?")
		args = append(args, f.EntityType)
	}

	if len(conditions) == 0 {
		return "", args
	}
	return " WHERE " + strings.Join(conditions, " AND "), args
}

func decodeSnapshot(body string) (*health.Snapshot, error) {
	var snap health.Snapshot
	if err := json.Unmarshal([]byte(body), &snap); err != nil {
		return nil, eris.Wrap(err, "sqlite: unmarshal snapshot")
	}
	return &snap, nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		return time.Time{}, eris.Wrapf(err, "sqlite: parse time %q", s)
	}
	return t, nil
}

func nullFloat(v *float64) sql.NullFloat64 {
	if v == nil {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: *v, Valid: true}
}

func floatPtr(v sql.NullFloat64) *float64 {
	if !v.Valid {
		return nil
	}
	f := v.Float64
	return &f
}
