package store

// schemaDDL creates the relational tables of spec.md section 6. Applied
// once at startup; migrations beyond this are out of scope for the
// execution plane itself.
const schemaDDL = `
CREATE TABLE IF NOT EXISTS runs (
	id               TEXT PRIMARY KEY,
	workflow_id      TEXT NOT NULL,
	workflow_version INTEGER NOT NULL,
	tenant_id        TEXT NOT NULL,
	idempotency_key  TEXT NOT NULL,
	trigger_payload  JSONB NOT NULL DEFAULT '{}',
	priority         INTEGER NOT NULL DEFAULT 0,
	state            TEXT NOT NULL,
	failure_reason   TEXT NOT NULL DEFAULT '',
	retry_count      INTEGER NOT NULL DEFAULT 0,
	node_states      JSONB NOT NULL DEFAULT '{}',
	lease_owner      TEXT NOT NULL DEFAULT '',
	lease_expiry     TIMESTAMPTZ,
	seq_counter      BIGINT NOT NULL DEFAULT 0,
	created_at       TIMESTAMPTZ NOT NULL DEFAULT now(),
	started_at       TIMESTAMPTZ,
	finished_at      TIMESTAMPTZ,
	UNIQUE (tenant_id, workflow_id, idempotency_key)
);

CREATE INDEX IF NOT EXISTS idx_runs_recovery
	ON runs (lease_expiry)
	WHERE state NOT IN ('succeeded', 'failed', 'cancelled', 'timed_out');

CREATE TABLE IF NOT EXISTS steps (
	id               TEXT PRIMARY KEY,
	run_id           TEXT NOT NULL REFERENCES runs (id),
	node_id          TEXT NOT NULL,
	attempt          INTEGER NOT NULL,
	state            TEXT NOT NULL,
	idempotency_key  TEXT NOT NULL UNIQUE,
	input            JSONB NOT NULL DEFAULT '{}',
	output           JSONB NOT NULL DEFAULT '{}',
	error_kind       TEXT NOT NULL DEFAULT '',
	error_message    TEXT NOT NULL DEFAULT '',
	retryable        BOOLEAN NOT NULL DEFAULT false,
	wait_token       TEXT NOT NULL DEFAULT '',
	duration_ms      BIGINT NOT NULL DEFAULT 0,
	retries_seen     INTEGER NOT NULL DEFAULT 0,
	bytes_in         BIGINT NOT NULL DEFAULT 0,
	bytes_out        BIGINT NOT NULL DEFAULT 0,
	queued_at        TIMESTAMPTZ NOT NULL DEFAULT now(),
	started_at       TIMESTAMPTZ,
	finished_at      TIMESTAMPTZ,
	UNIQUE (run_id, node_id, attempt)
);

CREATE TABLE IF NOT EXISTS run_events (
	seq          BIGINT NOT NULL,
	run_id       TEXT NOT NULL REFERENCES runs (id),
	workflow_id  TEXT NOT NULL,
	tenant_id    TEXT NOT NULL,
	node_id      TEXT NOT NULL DEFAULT '',
	attempt      INTEGER NOT NULL DEFAULT 0,
	kind         TEXT NOT NULL,
	occurred_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
	payload      JSONB NOT NULL DEFAULT '{}',
	PRIMARY KEY (run_id, seq)
);
`
