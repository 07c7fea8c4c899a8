package repository

const schema = `
CREATE TABLE IF NOT EXISTS changes (
	id TEXT PRIMARY KEY,
	title TEXT NOT NULL,
	change_type TEXT NOT NULL,
	action TEXT NOT NULL,
	environment TEXT NOT NULL,
	description TEXT NOT NULL DEFAULT '',
	execution_plan TEXT NOT NULL DEFAULT '',
	rollback_plan TEXT NOT NULL DEFAULT '',
	maintenance_window_start TIMESTAMP,
	maintenance_window_end TIMESTAMP,
	target_components TEXT NOT NULL DEFAULT '[]',
	status TEXT NOT NULL DEFAULT 'Draft',
	risk_score REAL,
	risk_level TEXT,
	reject_reason TEXT,
	created_by TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMP NOT NULL,
	updated_at TIMESTAMP NOT NULL,
	impact_json TEXT
);
CREATE INDEX IF NOT EXISTS idx_changes_status ON changes(status);

CREATE TABLE IF NOT EXISTS approvals (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	change_id TEXT NOT NULL REFERENCES changes(id),
	role_required TEXT NOT NULL,
	status TEXT NOT NULL DEFAULT 'Pending',
	decided_by TEXT,
	decided_at TIMESTAMP,
	comment TEXT NOT NULL DEFAULT '',
	expires_at TIMESTAMP NOT NULL,
	created_at TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_approvals_change ON approvals(change_id);
CREATE INDEX IF NOT EXISTS idx_approvals_status ON approvals(status);

CREATE TABLE IF NOT EXISTS audit_log (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	change_id TEXT,
	user_id TEXT,
	action TEXT NOT NULL,
	details TEXT NOT NULL DEFAULT '',
	timestamp TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_audit_change ON audit_log(change_id);
CREATE INDEX IF NOT EXISTS idx_audit_action ON audit_log(action);

CREATE TABLE IF NOT EXISTS policies (
	id TEXT PRIMARY KEY,
	name TEXT NOT NULL,
	rule_type TEXT NOT NULL,
	condition TEXT NOT NULL DEFAULT '{}',
	action TEXT NOT NULL,
	enabled INTEGER NOT NULL DEFAULT 1,
	created_at TIMESTAMP NOT NULL,
	last_triggered_at TIMESTAMP
);

CREATE TABLE IF NOT EXISTS connectors (
	id TEXT PRIMARY KEY,
	name TEXT NOT NULL,
	connector_type TEXT NOT NULL,
	endpoint TEXT NOT NULL DEFAULT '',
	config TEXT NOT NULL DEFAULT '{}',
	sync_interval_minutes INTEGER NOT NULL DEFAULT 15,
	status TEXT NOT NULL DEFAULT 'pending',
	last_sync_at TIMESTAMP,
	last_error TEXT,
	created_at TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS graph_checkpoints (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	revision INTEGER NOT NULL,
	data BLOB NOT NULL,
	created_at TIMESTAMP NOT NULL
);
`
