package sqlite

// Schema defines the SQLite database schema. Timestamps are stored as
// fixed-width UTC text so they compare lexically.
const Schema = `
-- Health snapshots, immutable once written
CREATE TABLE IF NOT EXISTS health_snapshots (
	seq INTEGER PRIMARY KEY AUTOINCREMENT,
	id TEXT NOT NULL UNIQUE,
	tenant_id TEXT NOT NULL,
	snapshot_date TEXT NOT NULL,
	computed_at TEXT NOT NULL,
	overall_score REAL,
	status TEXT NOT NULL,
	snapshot_json TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_snapshots_tenant_date ON health_snapshots(tenant_id, snapshot_date, computed_at DESC);
CREATE INDEX IF NOT EXISTS idx_snapshots_tenant_computed ON health_snapshots(tenant_id, computed_at DESC);

-- Current gate state (one row per tenant)
CREATE TABLE IF NOT EXISTS gate_state (
	tenant_id TEXT PRIMARY KEY,
	current_status TEXT NOT NULL,
	version INTEGER NOT NULL,
	state_json TEXT NOT NULL,
	updated_at TEXT NOT NULL
);

-- Gate transition history
CREATE TABLE IF NOT EXISTS gate_transitions (
	seq INTEGER PRIMARY KEY AUTOINCREMENT,
	tenant_id TEXT NOT NULL,
	from_status TEXT NOT NULL,
	to_status TEXT NOT NULL,
	score REAL,
	reason TEXT NOT NULL,
	at TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_transitions_tenant ON gate_transitions(tenant_id, seq DESC);

-- Decision audit log, append-only
CREATE TABLE IF NOT EXISTS gate_decisions (
	seq INTEGER PRIMARY KEY AUTOINCREMENT,
	id TEXT NOT NULL UNIQUE,
	tenant_id TEXT NOT NULL,
	created_at TEXT NOT NULL,
	decision_type TEXT NOT NULL,
	action_type TEXT NOT NULL,
	entity_type TEXT NOT NULL,
	entity_id TEXT NOT NULL,
	platform TEXT NOT NULL DEFAULT '',
	signal_health_score REAL,
	signal_health_status TEXT NOT NULL,
	gate_passed BOOLEAN NOT NULL,
	gate_reason_json TEXT NOT NULL,
	is_dry_run BOOLEAN NOT NULL DEFAULT 0,
	healthy_threshold REAL NOT NULL,
	degraded_threshold REAL NOT NULL,
	triggered_by_system BOOLEAN NOT NULL,
	requested_by TEXT NOT NULL DEFAULT '',
	recommendation_id TEXT NOT NULL DEFAULT ''
);

CREATE INDEX IF NOT EXISTS idx_decisions_tenant_created ON gate_decisions(tenant_id, created_at DESC);
CREATE INDEX IF NOT EXISTS idx_decisions_type ON gate_decisions(decision_type);
CREATE INDEX IF NOT EXISTS idx_decisions_entity_type ON gate_decisions(entity_type);
`
