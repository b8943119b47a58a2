package db

import (
	"context"
	"database/sql"

	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite" // registers the "sqlite" driver
)

// SQLQuerier is the statement surface shared by *sql.DB and *sql.Tx.
type SQLQuerier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// OpenSQLite opens a SQLite database, configures WAL mode and applies the
// schema. The handle is limited to one connection: SQLite serializes writers
// anyway and a single connection keeps per-connection pragmas stable.
func OpenSQLite(ctx context.Context, dsn string) (*sql.DB, error) {
	conn, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	conn.SetMaxOpenConns(1)
	conn.SetMaxIdleConns(1)
	conn.SetConnMaxLifetime(0)

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := conn.ExecContext(ctx, pragma); err != nil {
			conn.Close() //nolint:errcheck
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	if _, err := conn.ExecContext(ctx, sqliteSchema); err != nil {
		conn.Close() //nolint:errcheck
		return nil, eris.Wrap(err, "sqlite: apply schema")
	}
	return conn, nil
}

// InSQLTx runs fn inside a database/sql transaction.
func InSQLTx(ctx context.Context, conn *sql.DB, fn func(tx *sql.Tx) error) error {
	tx, err := conn.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "sqlite: begin tx")
	}
	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil && !eris.Is(rbErr, sql.ErrTxDone) {
			return eris.Wrapf(err, "sqlite: rollback failed: %v", rbErr)
		}
		return err
	}
	if err := tx.Commit(); err != nil {
		return eris.Wrap(err, "sqlite: commit tx")
	}
	return nil
}

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS leads (
	id               TEXT PRIMARY KEY,
	full_name        TEXT,
	first_contact_at DATETIME,
	last_activity_at DATETIME,
	created_at       DATETIME NOT NULL,
	updated_at       DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS lead_identifiers (
	id               TEXT PRIMARY KEY,
	lead_id          TEXT NOT NULL REFERENCES leads(id) ON DELETE CASCADE,
	type             TEXT NOT NULL,
	value            TEXT NOT NULL,
	value_normalized TEXT NOT NULL,
	is_primary       INTEGER NOT NULL DEFAULT 0,
	created_at       DATETIME NOT NULL,
	UNIQUE (type, value_normalized)
);

CREATE TABLE IF NOT EXISTS lead_sources (
	id            TEXT PRIMARY KEY,
	lead_id       TEXT NOT NULL REFERENCES leads(id) ON DELETE CASCADE,
	source_system TEXT NOT NULL,
	source_ref    TEXT NOT NULL,
	first_seen_at DATETIME NOT NULL,
	last_seen_at  DATETIME NOT NULL,
	meta          TEXT,
	UNIQUE (lead_id, source_system, source_ref)
);

CREATE TABLE IF NOT EXISTS tags (
	id       TEXT PRIMARY KEY,
	key      TEXT NOT NULL UNIQUE,
	name     TEXT NOT NULL,
	category TEXT
);

CREATE TABLE IF NOT EXISTS lead_tags (
	id            TEXT PRIMARY KEY,
	lead_id       TEXT NOT NULL REFERENCES leads(id) ON DELETE CASCADE,
	tag_id        TEXT NOT NULL REFERENCES tags(id),
	source_system TEXT NOT NULL,
	source_ref    TEXT,
	first_seen_at DATETIME NOT NULL,
	last_seen_at  DATETIME NOT NULL,
	meta          TEXT,
	UNIQUE (lead_id, tag_id, source_system)
);

CREATE TABLE IF NOT EXISTS lead_events (
	id            TEXT PRIMARY KEY,
	lead_id       TEXT NOT NULL REFERENCES leads(id) ON DELETE CASCADE,
	event_type    TEXT NOT NULL,
	source_system TEXT NOT NULL,
	occurred_at   DATETIME NOT NULL,
	ingested_at   DATETIME NOT NULL,
	dedupe_key    TEXT NOT NULL UNIQUE,
	payload       TEXT
);

CREATE TABLE IF NOT EXISTS funnels (
	id            TEXT PRIMARY KEY,
	key           TEXT NOT NULL UNIQUE,
	name          TEXT NOT NULL,
	source_system TEXT NOT NULL,
	created_at    DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS funnel_aliases (
	funnel_id     TEXT NOT NULL REFERENCES funnels(id) ON DELETE CASCADE,
	source_system TEXT NOT NULL,
	source_key    TEXT NOT NULL,
	UNIQUE (source_system, source_key)
);

CREATE TABLE IF NOT EXISTS funnel_stages (
	id        TEXT PRIMARY KEY,
	funnel_id TEXT NOT NULL REFERENCES funnels(id) ON DELETE CASCADE,
	key       TEXT NOT NULL,
	name      TEXT NOT NULL,
	position  INTEGER NOT NULL DEFAULT 999,
	UNIQUE (funnel_id, key)
);

CREATE TABLE IF NOT EXISTS funnel_entries (
	id               TEXT PRIMARY KEY,
	lead_id          TEXT NOT NULL REFERENCES leads(id),
	funnel_id        TEXT NOT NULL REFERENCES funnels(id),
	current_stage_id TEXT REFERENCES funnel_stages(id),
	status           TEXT NOT NULL,
	source_system    TEXT NOT NULL,
	external_ref     TEXT NOT NULL,
	first_seen_at    DATETIME NOT NULL,
	last_seen_at     DATETIME NOT NULL,
	meta             TEXT,
	UNIQUE (source_system, external_ref)
);

CREATE TABLE IF NOT EXISTS funnel_transitions (
	id            TEXT PRIMARY KEY,
	entry_id      TEXT NOT NULL REFERENCES funnel_entries(id) ON DELETE CASCADE,
	from_stage_id TEXT REFERENCES funnel_stages(id),
	to_stage_id   TEXT REFERENCES funnel_stages(id),
	from_status   TEXT,
	to_status     TEXT,
	occurred_at   DATETIME NOT NULL,
	dedupe_key    TEXT NOT NULL UNIQUE
);

CREATE TABLE IF NOT EXISTS form_schemas (
	id            TEXT PRIMARY KEY,
	source_system TEXT NOT NULL,
	source_ref    TEXT NOT NULL,
	name          TEXT NOT NULL,
	created_at    DATETIME NOT NULL,
	UNIQUE (source_system, source_ref)
);

CREATE TABLE IF NOT EXISTS form_questions (
	id             TEXT PRIMARY KEY,
	form_schema_id TEXT NOT NULL REFERENCES form_schemas(id) ON DELETE CASCADE,
	key            TEXT NOT NULL,
	label          TEXT NOT NULL,
	position       INTEGER NOT NULL,
	data_type      TEXT NOT NULL DEFAULT 'text',
	UNIQUE (form_schema_id, key)
);

CREATE TABLE IF NOT EXISTS form_submissions (
	id             TEXT PRIMARY KEY,
	form_schema_id TEXT NOT NULL REFERENCES form_schemas(id) ON DELETE CASCADE,
	lead_id        TEXT NOT NULL REFERENCES leads(id),
	submitted_at   DATETIME,
	source_ref     TEXT,
	dedupe_key     TEXT NOT NULL,
	raw_payload    TEXT,
	created_at     DATETIME NOT NULL,
	UNIQUE (form_schema_id, dedupe_key)
);

CREATE TABLE IF NOT EXISTS form_answers (
	id                 TEXT PRIMARY KEY,
	form_submission_id TEXT NOT NULL REFERENCES form_submissions(id) ON DELETE CASCADE,
	question_id        TEXT NOT NULL REFERENCES form_questions(id) ON DELETE CASCADE,
	value_text         TEXT,
	value_number       REAL,
	value_bool         INTEGER,
	UNIQUE (form_submission_id, question_id)
);

CREATE TABLE IF NOT EXISTS ingest_runs (
	id           INTEGER PRIMARY KEY AUTOINCREMENT,
	source       TEXT NOT NULL,
	kind         TEXT NOT NULL,
	status       TEXT NOT NULL DEFAULT 'running',
	started_at   DATETIME NOT NULL,
	completed_at DATETIME,
	report       TEXT,
	error        TEXT
);

CREATE INDEX IF NOT EXISTS idx_lead_identifiers_lead ON lead_identifiers(lead_id);
CREATE INDEX IF NOT EXISTS idx_lead_events_lead ON lead_events(lead_id);
CREATE INDEX IF NOT EXISTS idx_funnel_entries_lead ON funnel_entries(lead_id);
CREATE INDEX IF NOT EXISTS idx_funnel_transitions_entry ON funnel_transitions(entry_id);
CREATE INDEX IF NOT EXISTS idx_form_submissions_lead ON form_submissions(lead_id);
CREATE INDEX IF NOT EXISTS idx_ingest_runs_source ON ingest_runs(source);
`
