package store

import (
	"fmt"

	"codescout/internal/logging"
)

// Schema versions:
// v1: learning_records, failure_records, evolution_loop_state, backoff_state, daily_quota
// v2: file_hashes content-addressed cache
// v3: sessions transcript persistence
const currentSchemaVersion = 3

// migration is one additive column change. Migrations are forward-only:
// columns are added, never dropped or retyped.
type migration struct {
	Table  string
	Column string
	Def    string
}

// pendingMigrations lists column additions for databases created before the
// column existed. Base tables are created unconditionally below.
var pendingMigrations = []migration{
	{"learning_records", "domain", "TEXT NOT NULL DEFAULT ''"},
	{"evolution_loop_state", "stop_reason", "TEXT NOT NULL DEFAULT ''"},
}

// migrate brings the schema to the current version.
func (r *Repository) migrate() error {
	if _, err := r.db.Exec(`CREATE TABLE IF NOT EXISTS schema_version (version INTEGER NOT NULL)`); err != nil {
		return fmt.Errorf("failed to create schema_version: %w", err)
	}

	var version int
	row := r.db.QueryRow(`SELECT version FROM schema_version LIMIT 1`)
	if err := row.Scan(&version); err != nil {
		version = 0
		if _, err := r.db.Exec(`INSERT INTO schema_version (version) VALUES (0)`); err != nil {
			return fmt.Errorf("failed to seed schema_version: %w", err)
		}
	}

	schema := `
	CREATE TABLE IF NOT EXISTS learning_records (
		id                TEXT PRIMARY KEY,
		project_key       TEXT NOT NULL,
		created_at        DATETIME NOT NULL,
		question          TEXT NOT NULL,
		question_type     TEXT NOT NULL DEFAULT '',
		answer            TEXT NOT NULL DEFAULT '',
		exploration_path  TEXT NOT NULL DEFAULT '[]',
		confidence        REAL NOT NULL DEFAULT 0,
		source_files      TEXT NOT NULL DEFAULT '[]',
		tags              TEXT NOT NULL DEFAULT '[]',
		domain            TEXT NOT NULL DEFAULT ''
	);
	CREATE INDEX IF NOT EXISTS idx_learning_project_time ON learning_records(project_key, created_at);

	CREATE TABLE IF NOT EXISTS failure_records (
		id          TEXT PRIMARY KEY,
		project_key TEXT NOT NULL,
		phase       TEXT NOT NULL DEFAULT '',
		message     TEXT NOT NULL DEFAULT '',
		occurred_at DATETIME NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_failure_project_time ON failure_records(project_key, occurred_at);

	CREATE TABLE IF NOT EXISTS evolution_loop_state (
		project_key                 TEXT PRIMARY KEY,
		phase                       TEXT NOT NULL DEFAULT 'idle',
		total_iterations            INTEGER NOT NULL DEFAULT 0,
		successful_iterations       INTEGER NOT NULL DEFAULT 0,
		consecutive_duplicate_count INTEGER NOT NULL DEFAULT 0,
		current_question            TEXT NOT NULL DEFAULT '',
		current_question_hash       TEXT NOT NULL DEFAULT '',
		exploration_progress        INTEGER NOT NULL DEFAULT 0,
		partial_steps               TEXT NOT NULL DEFAULT '[]',
		started_at                  DATETIME,
		last_project_hash           TEXT NOT NULL DEFAULT '',
		stop_reason                 TEXT NOT NULL DEFAULT '',
		last_updated_at             DATETIME
	);

	CREATE TABLE IF NOT EXISTS backoff_state (
		project_key        TEXT PRIMARY KEY,
		consecutive_errors INTEGER NOT NULL DEFAULT 0,
		last_error_time    DATETIME,
		backoff_until      DATETIME
	);

	CREATE TABLE IF NOT EXISTS daily_quota (
		project_key        TEXT PRIMARY KEY,
		questions_today    INTEGER NOT NULL DEFAULT 0,
		explorations_today INTEGER NOT NULL DEFAULT 0,
		last_reset_date    TEXT NOT NULL DEFAULT ''
	);

	CREATE TABLE IF NOT EXISTS file_hashes (
		project_key TEXT NOT NULL,
		path        TEXT NOT NULL,
		hash        TEXT NOT NULL,
		updated_at  DATETIME NOT NULL,
		PRIMARY KEY (project_key, path)
	);

	CREATE TABLE IF NOT EXISTS sessions (
		id          TEXT PRIMARY KEY,
		project_key TEXT NOT NULL,
		parent_id   TEXT NOT NULL DEFAULT '',
		transcript  TEXT NOT NULL DEFAULT '[]',
		created_at  DATETIME NOT NULL,
		updated_at  DATETIME NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_sessions_project ON sessions(project_key, updated_at);
	`
	if _, err := r.db.Exec(schema); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}

	for _, m := range pendingMigrations {
		if r.columnExists(m.Table, m.Column) {
			continue
		}
		stmt := fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s %s", m.Table, m.Column, m.Def)
		if _, err := r.db.Exec(stmt); err != nil {
			return fmt.Errorf("migration %s.%s failed: %w", m.Table, m.Column, err)
		}
		logging.Store("Applied migration: %s.%s", m.Table, m.Column)
	}

	if version < currentSchemaVersion {
		if _, err := r.db.Exec(`UPDATE schema_version SET version = ?`, currentSchemaVersion); err != nil {
			return fmt.Errorf("failed to bump schema version: %w", err)
		}
		logging.StoreDebug("Schema at version %d", currentSchemaVersion)
	}
	return nil
}

func (r *Repository) columnExists(table, column string) bool {
	rows, err := r.db.Query(fmt.Sprintf("PRAGMA table_info(%s)", table))
	if err != nil {
		return false
	}
	defer rows.Close()
	for rows.Next() {
		var cid int
		var name, ctype string
		var notnull, pk int
		var dflt interface{}
		if err := rows.Scan(&cid, &name, &ctype, &notnull, &dflt, &pk); err != nil {
			continue
		}
		if name == column {
			return true
		}
	}
	return false
}
