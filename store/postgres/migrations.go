package postgres

// migration is a named, idempotently tracked schema change. New
// migrations append to the list; applied names are recorded in
// conveyor_migrations and never re-run.
type migration struct {
	name string
	sql  string
}

var migrations = []migration{
	{
		name: "001_create_jobs",
		sql: `
			CREATE TABLE IF NOT EXISTS conveyor_jobs (
				id               TEXT PRIMARY KEY,
				type             TEXT NOT NULL,
				queue            TEXT NOT NULL DEFAULT 'default',
				payload          JSONB,
				state            TEXT NOT NULL DEFAULT 'queued',
				priority         INTEGER NOT NULL DEFAULT 0,
				progress         DOUBLE PRECISION NOT NULL DEFAULT 0,
				message          TEXT NOT NULL DEFAULT '',
				result           JSONB,
				error_code       TEXT NOT NULL DEFAULT '',
				error_message    TEXT NOT NULL DEFAULT '',
				max_retries      INTEGER NOT NULL DEFAULT 3,
				retry_count      INTEGER NOT NULL DEFAULT 0,
				reap_count       INTEGER NOT NULL DEFAULT 0,
				cancel_requested BOOLEAN NOT NULL DEFAULT FALSE,
				worker_id        TEXT NOT NULL DEFAULT '',
				run_at           TIMESTAMPTZ NOT NULL DEFAULT NOW(),
				lease_expires_at TIMESTAMPTZ,
				started_at       TIMESTAMPTZ,
				completed_at     TIMESTAMPTZ,
				heartbeat_at     TIMESTAMPTZ,
				timeout          BIGINT NOT NULL DEFAULT 0,
				created_at       TIMESTAMPTZ NOT NULL DEFAULT NOW(),
				updated_at       TIMESTAMPTZ NOT NULL DEFAULT NOW()
			)`,
	},
	{
		name: "002_create_lease_index",
		sql: `
			CREATE INDEX IF NOT EXISTS idx_conveyor_jobs_lease
				ON conveyor_jobs (queue, priority DESC, run_at ASC)
				WHERE state IN ('queued', 'retrying')`,
	},
	{
		name: "003_create_state_index",
		sql: `
			CREATE INDEX IF NOT EXISTS idx_conveyor_jobs_state
				ON conveyor_jobs (state)`,
	},
	{
		name: "004_create_expiry_index",
		sql: `
			CREATE INDEX IF NOT EXISTS idx_conveyor_jobs_expiry
				ON conveyor_jobs (lease_expires_at)
				WHERE state = 'running'`,
	},
}
