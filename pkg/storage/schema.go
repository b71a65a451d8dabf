package storage

// Schema is the PostgreSQL DDL for all fleet state. Statements are
// idempotent so the migrate tool can be re-run safely.
const Schema = `
CREATE TABLE IF NOT EXISTS users (
	id         TEXT PRIMARY KEY,
	username   TEXT NOT NULL,
	email      TEXT NOT NULL DEFAULT '',
	admin      BOOLEAN NOT NULL DEFAULT FALSE,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS nodes (
	id             TEXT PRIMARY KEY,
	hostname       TEXT NOT NULL,
	public_address TEXT NOT NULL DEFAULT '',
	secret         TEXT NOT NULL,
	is_online      BOOLEAN NOT NULL DEFAULT FALSE,
	last_seen_at   TIMESTAMPTZ NOT NULL DEFAULT now(),
	max_memory_mb  BIGINT NOT NULL DEFAULT 0,
	max_cpu_cores  DOUBLE PRECISION NOT NULL DEFAULT 0,
	location_id    TEXT NOT NULL DEFAULT '',
	created_at     TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at     TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS servers (
	id                  TEXT PRIMARY KEY,
	uuid                TEXT NOT NULL UNIQUE,
	name                TEXT NOT NULL DEFAULT '',
	owner_id            TEXT NOT NULL,
	node_id             TEXT NOT NULL,
	template_id         TEXT NOT NULL DEFAULT '',
	status              TEXT NOT NULL,
	allocated_memory_mb BIGINT NOT NULL DEFAULT 0,
	allocated_cpu_cores DOUBLE PRECISION NOT NULL DEFAULT 0,
	allocated_disk_mb   BIGINT NOT NULL DEFAULT 0,
	primary_ip          TEXT NOT NULL DEFAULT '',
	primary_port        INTEGER NOT NULL DEFAULT 0,
	port_bindings       JSONB NOT NULL DEFAULT '[]',
	network_mode        TEXT NOT NULL DEFAULT 'bridge',
	environment         JSONB NOT NULL DEFAULT '{}',
	restart_policy      TEXT NOT NULL DEFAULT 'never',
	crash_count         INTEGER NOT NULL DEFAULT 0,
	max_crash_count     INTEGER NOT NULL DEFAULT 3,
	last_crash_at       TIMESTAMPTZ,
	suspended_at        TIMESTAMPTZ,
	suspension_reason   TEXT NOT NULL DEFAULT '',
	container_id        TEXT NOT NULL DEFAULT '',
	container_name      TEXT NOT NULL DEFAULT '',
	created_at          TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at          TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_servers_node   ON servers (node_id);
CREATE INDEX IF NOT EXISTS idx_servers_status ON servers (status);

CREATE TABLE IF NOT EXISTS server_templates (
	id              TEXT PRIMARY KEY,
	name            TEXT NOT NULL,
	image           TEXT NOT NULL,
	startup_command TEXT NOT NULL DEFAULT '',
	environment     JSONB NOT NULL DEFAULT '{}',
	min_memory_mb   BIGINT NOT NULL DEFAULT 0,
	created_at      TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at      TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS server_access (
	user_id     TEXT NOT NULL,
	server_id   TEXT NOT NULL,
	permissions JSONB NOT NULL DEFAULT '[]',
	created_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
	PRIMARY KEY (user_id, server_id)
);

CREATE INDEX IF NOT EXISTS idx_access_server ON server_access (server_id);

CREATE TABLE IF NOT EXISTS server_logs (
	id        TEXT PRIMARY KEY,
	server_id TEXT NOT NULL,
	stream    TEXT NOT NULL,
	data      TEXT NOT NULL,
	ts        TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_server_logs ON server_logs (server_id, ts);

CREATE TABLE IF NOT EXISTS server_metrics (
	server_id        TEXT NOT NULL,
	ts               TIMESTAMPTZ NOT NULL,
	cpu_percent      DOUBLE PRECISION NOT NULL DEFAULT 0,
	memory_usage_mb  DOUBLE PRECISION NOT NULL DEFAULT 0,
	disk_usage_mb    DOUBLE PRECISION NOT NULL DEFAULT 0,
	disk_io_mb       DOUBLE PRECISION NOT NULL DEFAULT 0,
	network_rx_bytes BIGINT NOT NULL DEFAULT 0,
	network_tx_bytes BIGINT NOT NULL DEFAULT 0
);

CREATE INDEX IF NOT EXISTS idx_server_metrics ON server_metrics (server_id, ts DESC);

CREATE TABLE IF NOT EXISTS node_metrics (
	node_id          TEXT NOT NULL,
	ts               TIMESTAMPTZ NOT NULL,
	cpu_percent      DOUBLE PRECISION NOT NULL DEFAULT 0,
	memory_usage_mb  DOUBLE PRECISION NOT NULL DEFAULT 0,
	memory_total_mb  DOUBLE PRECISION NOT NULL DEFAULT 0,
	disk_usage_mb    DOUBLE PRECISION NOT NULL DEFAULT 0,
	disk_total_mb    DOUBLE PRECISION NOT NULL DEFAULT 0,
	network_rx_bytes BIGINT NOT NULL DEFAULT 0,
	network_tx_bytes BIGINT NOT NULL DEFAULT 0,
	container_count  INTEGER NOT NULL DEFAULT 0
);

CREATE INDEX IF NOT EXISTS idx_node_metrics ON node_metrics (node_id, ts DESC);

CREATE TABLE IF NOT EXISTS backups (
	id           TEXT PRIMARY KEY,
	server_id    TEXT NOT NULL,
	name         TEXT NOT NULL,
	path         TEXT NOT NULL DEFAULT '',
	size_mb      DOUBLE PRECISION NOT NULL DEFAULT 0,
	checksum     TEXT NOT NULL DEFAULT '',
	storage_mode TEXT NOT NULL DEFAULT 'local',
	metadata     JSONB NOT NULL DEFAULT '{}',
	created_at   TIMESTAMPTZ NOT NULL DEFAULT now(),
	restored_at  TIMESTAMPTZ
);

CREATE INDEX IF NOT EXISTS idx_backups_server ON backups (server_id, name);

CREATE TABLE IF NOT EXISTS scheduled_tasks (
	id          TEXT PRIMARY KEY,
	server_id   TEXT NOT NULL,
	name        TEXT NOT NULL,
	schedule    TEXT NOT NULL,
	action      TEXT NOT NULL,
	payload     JSONB NOT NULL DEFAULT '{}',
	enabled     BOOLEAN NOT NULL DEFAULT TRUE,
	last_run_at TIMESTAMPTZ,
	next_run_at TIMESTAMPTZ,
	run_count   INTEGER NOT NULL DEFAULT 0,
	last_status TEXT NOT NULL DEFAULT '',
	last_error  TEXT NOT NULL DEFAULT '',
	created_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at  TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_tasks_enabled ON scheduled_tasks (enabled);

CREATE TABLE IF NOT EXISTS alert_rules (
	id          TEXT PRIMARY KEY,
	user_id     TEXT NOT NULL DEFAULT '',
	name        TEXT NOT NULL,
	description TEXT NOT NULL DEFAULT '',
	type        TEXT NOT NULL,
	target      TEXT NOT NULL,
	target_id   TEXT NOT NULL DEFAULT '',
	conditions  JSONB NOT NULL DEFAULT '{}',
	actions     JSONB NOT NULL DEFAULT '{}',
	enabled     BOOLEAN NOT NULL DEFAULT TRUE,
	created_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at  TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS alerts (
	id          TEXT PRIMARY KEY,
	rule_id     TEXT NOT NULL DEFAULT '',
	user_id     TEXT NOT NULL DEFAULT '',
	server_id   TEXT NOT NULL DEFAULT '',
	node_id     TEXT NOT NULL DEFAULT '',
	type        TEXT NOT NULL,
	severity    TEXT NOT NULL,
	title       TEXT NOT NULL,
	message     TEXT NOT NULL DEFAULT '',
	metadata    JSONB NOT NULL DEFAULT '{}',
	created_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
	resolved    BOOLEAN NOT NULL DEFAULT FALSE,
	resolved_at TIMESTAMPTZ,
	resolved_by TEXT NOT NULL DEFAULT ''
);

CREATE INDEX IF NOT EXISTS idx_alerts_unresolved ON alerts (resolved, created_at);

CREATE TABLE IF NOT EXISTS alert_deliveries (
	id              TEXT PRIMARY KEY,
	alert_id        TEXT NOT NULL,
	channel         TEXT NOT NULL,
	target          TEXT NOT NULL,
	status          TEXT NOT NULL DEFAULT 'pending',
	attempts        INTEGER NOT NULL DEFAULT 0,
	last_attempt_at TIMESTAMPTZ,
	last_error      TEXT NOT NULL DEFAULT '',
	created_at      TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_deliveries_retry ON alert_deliveries (status, attempts, last_attempt_at);
`
