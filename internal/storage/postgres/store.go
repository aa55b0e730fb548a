// Package postgres is the shared storage backend for multi-replica
// deployments.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"github.com/stratumai/trustgate/internal/decision"
	"github.com/stratumai/trustgate/internal/gate"
	"github.com/stratumai/trustgate/internal/health"
	"github.com/stratumai/trustgate/internal/signal"
	"github.com/stratumai/trustgate/internal/storage"
)

// Pool is the subset of pgxpool.Pool the store uses.
type Pool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Begin(ctx context.Context) (pgx.Tx, error)
}

// Store implements storage.Store and storage.Locker on PostgreSQL.
type Store struct {
	pool    Pool
	closeFn func()
}

var (
	_ storage.Store  = (*Store)(nil)
	_ storage.Locker = (*Store)(nil)
)

// PoolConfig holds optional connection pool tuning parameters.
type PoolConfig struct {
	MaxConns int32 `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns int32 `yaml:"min_conns" mapstructure:"min_conns"`
}

// NewPostgres connects a pool and verifies it with a ping.
func NewPostgres(ctx context.Context, connString string, poolCfg *PoolConfig) (*Store, error) {
	pgxCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: parse config")
	}

	maxConns := int32(10)
	minConns := int32(1)
	if poolCfg != nil {
		if poolCfg.MaxConns > 0 {
			maxConns = poolCfg.MaxConns
		}
		if poolCfg.MinConns > 0 {
			minConns = poolCfg.MinConns
		}
	}
	pgxCfg.MaxConns = maxConns
	pgxCfg.MinConns = minConns
	pgxCfg.MaxConnLifetime = 30 * time.Minute
	pgxCfg.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, pgxCfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: create pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "postgres: ping")
	}
	return &Store{pool: pool, closeFn: pool.Close}, nil
}

// NewWithPool wraps an existing pool. The caller keeps ownership of it.
func NewWithPool(pool Pool) *Store {
	return &Store{pool: pool}
}

const migration = `
CREATE TABLE IF NOT EXISTS health_snapshots (
	seq           BIGSERIAL PRIMARY KEY,
	id            TEXT NOT NULL UNIQUE,
	tenant_id     TEXT NOT NULL,
	snapshot_date DATE NOT NULL,
	computed_at   TIMESTAMPTZ NOT NULL,
	overall_score DOUBLE PRECISION,
	status        TEXT NOT NULL,
	snapshot      JSONB NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_health_snapshots_tenant_date ON health_snapshots(tenant_id, snapshot_date, computed_at DESC);

CREATE TABLE IF NOT EXISTS gate_state (
	tenant_id      TEXT PRIMARY KEY,
	current_status TEXT NOT NULL,
	version        BIGINT NOT NULL,
	state          JSONB NOT NULL,
	updated_at     TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS gate_transitions (
	seq         BIGSERIAL PRIMARY KEY,
	tenant_id   TEXT NOT NULL,
	from_status TEXT NOT NULL,
	to_status   TEXT NOT NULL,
	score       DOUBLE PRECISION,
	reason      TEXT NOT NULL,
	at          TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_gate_transitions_tenant ON gate_transitions(tenant_id, seq DESC);

CREATE TABLE IF NOT EXISTS gate_decisions (
	seq                  BIGSERIAL PRIMARY KEY,
	id                   TEXT NOT NULL UNIQUE,
	tenant_id            TEXT NOT NULL,
	created_at           TIMESTAMPTZ NOT NULL,
	decision_type        TEXT NOT NULL,
	action_type          TEXT NOT NULL,
	entity_type          TEXT NOT NULL,
	entity_id            TEXT NOT NULL,
	platform             TEXT NOT NULL DEFAULT '',
	signal_health_score  DOUBLE PRECISION,
	signal_health_status TEXT NOT NULL,
	gate_passed          BOOLEAN NOT NULL,
	gate_reason          JSONB NOT NULL,
	is_dry_run           BOOLEAN NOT NULL DEFAULT false,
	healthy_threshold    DOUBLE PRECISION NOT NULL,
	degraded_threshold   DOUBLE PRECISION NOT NULL,
	triggered_by_system  BOOLEAN NOT NULL,
	requested_by         TEXT NOT NULL DEFAULT '',
	recommendation_id    TEXT NOT NULL DEFAULT ''
);

CREATE INDEX IF NOT EXISTS idx_gate_decisions_tenant_created ON gate_decisions(tenant_id, created_at DESC);
`

// Migrate creates the schema. It is safe to run repeatedly.
func (s *Store) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, migration)
	return eris.Wrap(err, "postgres: migrate")
}

func (s *Store) Ping(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, "SELECT 1")
	return eris.Wrap(err, "postgres: ping")
}

func (s *Store) Close() error {
	if s.closeFn != nil {
		s.closeFn()
	}
	return nil
}

func (s *Store) SaveSnapshot(ctx context.Context, snap *health.Snapshot) error {
	body, err := json.Marshal(snap)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal snapshot")
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO health_snapshots (id, tenant_id, snapshot_date, computed_at, overall_score, status, snapshot)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 ON CONFLICT (id) DO NOTHING`,
		snap.ID, snap.TenantID, signal.Day(snap.Date), snap.ComputedAt.UTC(), snap.OverallScore, string(snap.Status), body,
	)
	return eris.Wrapf(err, "postgres: save snapshot %s", snap.ID)
}

func (s *Store) LatestSnapshot(ctx context.Context, tenantID string) (*health.Snapshot, error) {
	return s.oneSnapshot(ctx,
		`SELECT snapshot FROM health_snapshots WHERE tenant_id = $1 ORDER BY computed_at DESC, seq DESC LIMIT 1`,
		tenantID,
	)
}

func (s *Store) SnapshotForDate(ctx context.Context, tenantID string, date time.Time) (*health.Snapshot, error) {
	return s.oneSnapshot(ctx,
		`SELECT snapshot FROM health_snapshots WHERE tenant_id = $1 AND snapshot_date = $2 ORDER BY computed_at DESC, seq DESC LIMIT 1`,
		tenantID, signal.Day(date),
	)
}

func (s *Store) SnapshotHistory(ctx context.Context, tenantID string, from, to time.Time) ([]*health.Snapshot, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT DISTINCT ON (snapshot_date) snapshot FROM health_snapshots
		 WHERE tenant_id = $1 AND snapshot_date BETWEEN $2 AND $3
		 ORDER BY snapshot_date ASC, computed_at DESC, seq DESC`,
		tenantID, signal.Day(from), signal.Day(to),
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: snapshot history")
	}
	defer rows.Close()

	var out []*health.Snapshot
	for rows.Next() {
		var body []byte
		if err := rows.Scan(&body); err != nil {
			return nil, eris.Wrap(err, "postgres: scan snapshot")
		}
		snap, err := decodeSnapshot(body)
		if err != nil {
			return nil, err
		}
		out = append(out, snap)
	}
	return out, eris.Wrap(rows.Err(), "postgres: snapshot history iterate")
}

func (s *Store) oneSnapshot(ctx context.Context, query string, args ...any) (*health.Snapshot, error) {
	var body []byte
	err := s.pool.QueryRow(ctx, query, args...).Scan(&body)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrap(err, "postgres: get snapshot")
	}
	return decodeSnapshot(body)
}

func (s *Store) GetState(ctx context.Context, tenantID string) (*gate.State, error) {
	var body []byte
	err := s.pool.QueryRow(ctx, `SELECT state FROM gate_state WHERE tenant_id = $1`, tenantID).Scan(&body)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get state %s", tenantID)
	}
	var st gate.State
	if err := json.Unmarshal(body, &st); err != nil {
		return nil, eris.Wrap(err, "postgres: unmarshal state")
	}
	return &st, nil
}

func (s *Store) SaveState(ctx context.Context, state gate.State, tr *gate.Transition) error {
	body, err := json.Marshal(state)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal state")
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return eris.Wrap(err, "postgres: begin")
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	tag, err := tx.Exec(ctx,
		`INSERT INTO gate_state (tenant_id, current_status, version, state, updated_at)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (tenant_id) DO UPDATE SET
			current_status = EXCLUDED.current_status,
			version = EXCLUDED.version,
			state = EXCLUDED.state,
			updated_at = EXCLUDED.updated_at
		 WHERE gate_state.version < EXCLUDED.version`,
		state.TenantID, string(state.CurrentStatus), state.Version, body, state.UpdatedAt.UTC(),
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: save state %s", state.TenantID)
	}
	if tag.RowsAffected() == 0 {
		return eris.Wrapf(storage.ErrStaleVersion, "postgres: tenant %q version %d", state.TenantID, state.Version)
	}

	if tr != nil {
		_, err = tx.Exec(ctx,
			`INSERT INTO gate_transitions (tenant_id, from_status, to_status, score, reason, at) VALUES ($1, $2, $3, $4, $5, $6)`,
			tr.TenantID, string(tr.From), string(tr.To), tr.Score, tr.Reason, tr.At.UTC(),
		)
		if err != nil {
			return eris.Wrap(err, "postgres: append transition")
		}
	}
	return eris.Wrap(tx.Commit(ctx), "postgres: commit state")
}

func (s *Store) ListTransitions(ctx context.Context, tenantID string, limit int) ([]gate.Transition, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx,
		`SELECT tenant_id, from_status, to_status, score, reason, at FROM gate_transitions
		 WHERE tenant_id = $1 ORDER BY seq DESC LIMIT $2`,
		tenantID, limit,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list transitions")
	}
	defer rows.Close()

	out := []gate.Transition{}
	for rows.Next() {
		var tr gate.Transition
		var from, to string
		if err := rows.Scan(&tr.TenantID, &from, &to, &tr.Score, &tr.Reason, &tr.At); err != nil {
			return nil, eris.Wrap(err, "postgres: scan transition")
		}
		tr.From, tr.To = gate.Status(from), gate.Status(to)
		tr.At = tr.At.UTC()
		out = append(out, tr)
	}
	return out, eris.Wrap(rows.Err(), "postgres: list transitions iterate")
}

func (s *Store) DeleteState(ctx context.Context, tenantID string) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return eris.Wrap(err, "postgres: begin")
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	if _, err := tx.Exec(ctx, `DELETE FROM gate_state WHERE tenant_id = $1`, tenantID); err != nil {
		return eris.Wrap(err, "postgres: delete state")
	}
	if _, err := tx.Exec(ctx, `DELETE FROM gate_transitions WHERE tenant_id = $1`, tenantID); err != nil {
		return eris.Wrap(err, "postgres: delete transitions")
	}
	return eris.Wrap(tx.Commit(ctx), "postgres: commit delete")
}

func (s *Store) AppendDecision(ctx context.Context, d decision.GateDecision) error {
	reason, err := json.Marshal(d.GateReason)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal gate reason")
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO gate_decisions (
			id, tenant_id, created_at, decision_type, action_type, entity_type, entity_id, platform,
			signal_health_score, signal_health_status, gate_passed, gate_reason, is_dry_run,
			healthy_threshold, degraded_threshold, triggered_by_system, requested_by, recommendation_id
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18)
		ON CONFLICT (id) DO NOTHING`,
		d.ID, d.TenantID, d.CreatedAt.UTC(), string(d.DecisionType), d.ActionType, d.EntityType, d.EntityID, d.Platform,
		d.SignalHealthScore, string(d.SignalHealthStatus), d.GatePassed, reason, d.IsDryRun,
		d.HealthyThreshold, d.DegradedThreshold, d.TriggeredBySystem, d.RequestedBy, d.RecommendationID,
	)
	return eris.Wrapf(err, "postgres: append decision %s", d.ID)
}

func (s *Store) QueryDecisions(ctx context.Context, f storage.AuditFilter) ([]decision.GateDecision, error) {
	where, args := whereClause(f)
	query := `SELECT id, tenant_id, created_at, decision_type, action_type, entity_type, entity_id, platform,
		signal_health_score, signal_health_status, gate_passed, gate_reason, is_dry_run,
		healthy_threshold, degraded_threshold, triggered_by_system, requested_by, recommendation_id
		FROM gate_decisions WHERE true` + where + ` ORDER BY created_at DESC, seq DESC`

	if f.Limit > 0 {
		args = append(args, f.Limit)
		query += fmt.Sprintf(` LIMIT $%d`, len(args))
	}
	if f.Offset > 0 {
		args = append(args, f.Offset)
		query += fmt.Sprintf(` OFFSET $%d`, len(args))
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: query decisions")
	}
	defer rows.Close()

	out := []decision.GateDecision{}
	for rows.Next() {
		var d decision.GateDecision
		var decisionType, status string
		var reason []byte
		err := rows.Scan(
			&d.ID, &d.TenantID, &d.CreatedAt, &decisionType, &d.ActionType, &d.EntityType, &d.EntityID, &d.Platform,
			&d.SignalHealthScore, &status, &d.GatePassed, &reason, &d.IsDryRun,
			&d.HealthyThreshold, &d.DegradedThreshold, &d.TriggeredBySystem, &d.RequestedBy, &d.RecommendationID,
		)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan decision")
		}
		d.CreatedAt = d.CreatedAt.UTC()
		d.DecisionType = decision.Type(decisionType)
		d.SignalHealthStatus = health.Status(status)
		if err := json.Unmarshal(reason, &d.GateReason); err != nil {
			return nil, eris.Wrap(err, "postgres: unmarshal gate reason")
		}
		out = append(out, d)
	}
	return out, eris.Wrap(rows.Err(), "postgres: query decisions iterate")
}

func (s *Store) SummarizeDecisions(ctx context.Context, f storage.AuditFilter) (storage.AuditSummary, error) {
	where, args := whereClause(f)
	query := `SELECT COUNT(*),
		COUNT(*) FILTER (WHERE decision_type = 'execute'),
		COUNT(*) FILTER (WHERE decision_type = 'hold'),
		COUNT(*) FILTER (WHERE decision_type = 'block'),
		COUNT(*) FILTER (WHERE gate_passed),
		MIN(created_at), MAX(created_at)
		FROM gate_decisions WHERE true` + where

	var total, executed, held, blocked, passed int64
	var first, last *time.Time
	err := s.pool.QueryRow(ctx, query, args...).Scan(&total, &executed, &held, &blocked, &passed, &first, &last)
	if err != nil {
		return storage.AuditSummary{}, eris.Wrap(err, "postgres: summarize decisions")
	}

	sum := storage.AuditSummary{
		Total:    int(total),
		Executed: int(executed),
		Held:     int(held),
		Blocked:  int(blocked),
		Passed:   int(passed),
	}
	if first != nil {
		sum.First = first.UTC()
	}
	if last != nil {
		sum.Last = last.UTC()
	}
	return sum, nil
}

// WithTenantLock takes a transaction-scoped advisory lock keyed on the tenant
// and runs fn while holding it. The lock is released when the transaction
// ends, so a crashed holder never strands it.
func (s *Store) WithTenantLock(ctx context.Context, tenantID string, fn func(context.Context) error) (bool, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return false, eris.Wrap(err, "postgres: begin lock")
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	var acquired bool
	if err := tx.QueryRow(ctx, `SELECT pg_try_advisory_xact_lock(hashtext($1))`, "trustgate:"+tenantID).Scan(&acquired); err != nil {
		return false, eris.Wrapf(err, "postgres: lock tenant %s", tenantID)
	}
	if !acquired {
		return false, nil
	}
	if err := fn(ctx); err != nil {
		return true, err
	}
	return true, eris.Wrap(tx.Commit(ctx), "postgres: release lock")
}

func whereClause(f storage.AuditFilter) (string, []any) {
	var where string
	var args []any
	add := func(cond string, v any) {
		args = append(args, v)
		where += fmt.Sprintf(" AND "+cond, len(args))
	}

	if f.TenantID != "" {
		add("tenant_id = $%d", f.TenantID)
	}
	if f.From != nil {
		add("created_at >= $%d", f.From.UTC())
	}
	if f.To != nil {
		add("created_at <= $%d", f.To.UTC())
	}
	if f.DecisionType != "" {
		add("decision_type = $%d", f.DecisionType)
	}
	if f.EntityType != "" {
		add("entity_type = $%d", f.EntityType)
	}
	return where, args
}

func decodeSnapshot(body []byte) (*health.Snapshot, error) {
	var snap health.Snapshot
	if err := json.Unmarshal(body, &snap); err != nil {
		return nil, eris.Wrap(err, "postgres: unmarshal snapshot")
	}
	return &snap, nil
}
