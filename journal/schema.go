package journal

// schemaMigrationsTable creates the schema_migrations table for tracking database versions.
const schemaMigrationsTable = `
CREATE TABLE IF NOT EXISTS schema_migrations (
    version INTEGER PRIMARY KEY,
    applied_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
    description TEXT
);
`

// initialSchema contains the initial database schema (version 1).
const initialSchema = `
-- commit_runs table: one row per commit attempt
CREATE TABLE IF NOT EXISTS commit_runs (
    id TEXT PRIMARY KEY,
    status TEXT NOT NULL DEFAULT 'running',
    code INTEGER NOT NULL DEFAULT 0,
    actions INTEGER NOT NULL,
    destructive BOOLEAN NOT NULL DEFAULT 0,
    last_action TEXT,
    extended_error TEXT,
    started_at DATETIME NOT NULL,
    finished_at DATETIME,
    duration_ms INTEGER,

    CHECK (status IN ('running', 'ok', 'failed')),
    CHECK (actions >= 0),
    CHECK (destructive IN (0, 1))
);

CREATE INDEX IF NOT EXISTS idx_commit_runs_started_at ON commit_runs(started_at);
CREATE INDEX IF NOT EXISTS idx_commit_runs_status ON commit_runs(status);

-- commit_steps table: the outcome of every executed action
CREATE TABLE IF NOT EXISTS commit_steps (
    run_id TEXT NOT NULL,
    idx INTEGER NOT NULL,
    stage TEXT NOT NULL,
    op TEXT NOT NULL,
    target TEXT NOT NULL,
    description TEXT NOT NULL,
    destructive BOOLEAN NOT NULL DEFAULT 0,
    status TEXT NOT NULL,
    output TEXT,
    error TEXT,
    started_at DATETIME NOT NULL,
    duration_ms INTEGER NOT NULL,

    PRIMARY KEY (run_id, idx),
    FOREIGN KEY (run_id) REFERENCES commit_runs(id) ON DELETE CASCADE,
    CHECK (status IN ('done', 'skipped', 'ignored', 'failed')),
    CHECK (duration_ms >= 0)
);

CREATE INDEX IF NOT EXISTS idx_commit_steps_target ON commit_steps(target);
`

// traceCorrelationSchema links runs to their trace (version 2).
const traceCorrelationSchema = `
ALTER TABLE commit_runs ADD COLUMN trace_id TEXT;
CREATE INDEX IF NOT EXISTS idx_commit_runs_trace_id ON commit_runs(trace_id);
`
