package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// Store is the SQLite-backed persistence layer for the engine: jobs and
// their dependency edges, config dumps, and the relational account state
// (conversations, contacts, interactions, attachments).
type Store struct {
	db *sql.DB

	// now is injectable for tests.
	now func() time.Time
}

// Open opens (or creates) the database at dbPath and runs migrations.
func Open(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}

	// WAL mode for better concurrent read performance; the engine has one
	// writer (the runner) and several readers.
	if _, err = db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable WAL mode: %w", err)
	}
	if _, err = db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable foreign keys: %w", err)
	}

	s := &Store{db: db, now: time.Now}
	if err = s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

func (s *Store) migrate() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS jobs (
			id                TEXT PRIMARY KEY,
			variant           TEXT NOT NULL,
			behaviour         TEXT NOT NULL DEFAULT 'run_once',
			state             TEXT NOT NULL DEFAULT 'pending',
			thread_id         TEXT NOT NULL DEFAULT '',
			interaction_id    INTEGER NOT NULL DEFAULT 0,
			details           BLOB,
			failure_count     INTEGER NOT NULL DEFAULT 0,
			max_failures      INTEGER NOT NULL DEFAULT 10,
			next_run_at       INTEGER NOT NULL DEFAULT 0,
			last_error        TEXT NOT NULL DEFAULT '',
			created_at        DATETIME NOT NULL,
			updated_at        DATETIME NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_jobs_state_due ON jobs(state, next_run_at);
		CREATE INDEX IF NOT EXISTS idx_jobs_thread   ON jobs(variant, thread_id);

		CREATE TABLE IF NOT EXISTS job_dependencies (
			dependent_id    TEXT NOT NULL REFERENCES jobs(id) ON DELETE CASCADE,
			prerequisite_id TEXT NOT NULL,
			PRIMARY KEY (dependent_id, prerequisite_id)
		);
		CREATE INDEX IF NOT EXISTS idx_job_deps_prereq ON job_dependencies(prerequisite_id);

		CREATE TABLE IF NOT EXISTS config_dumps (
			variant      TEXT NOT NULL,
			public_key   TEXT NOT NULL,
			data         BLOB NOT NULL,
			timestamp_ms INTEGER NOT NULL,
			PRIMARY KEY (variant, public_key)
		);

		CREATE TABLE IF NOT EXISTS conversations (
			id                 TEXT PRIMARY KEY,
			kind               TEXT NOT NULL,
			priority           INTEGER NOT NULL DEFAULT 0,
			draft              INTEGER NOT NULL DEFAULT 0,
			last_read_at       INTEGER NOT NULL DEFAULT 0,
			expires_in         INTEGER NOT NULL DEFAULT 0,
			expire_mode        TEXT NOT NULL DEFAULT 'none',
			expire_updated_at  INTEGER NOT NULL DEFAULT 0,
			name               TEXT NOT NULL DEFAULT '',
			leaving_status     TEXT NOT NULL DEFAULT '',
			created_at         INTEGER NOT NULL
		);

		CREATE TABLE IF NOT EXISTS contacts (
			public_key     TEXT PRIMARY KEY,
			name           TEXT NOT NULL DEFAULT '',
			nickname       TEXT NOT NULL DEFAULT '',
			approved       INTEGER NOT NULL DEFAULT 0,
			blocked        INTEGER NOT NULL DEFAULT 0,
			did_approve_me INTEGER NOT NULL DEFAULT 0,
			updated_at     INTEGER NOT NULL DEFAULT 0
		);

		CREATE TABLE IF NOT EXISTS interactions (
			id                 INTEGER PRIMARY KEY AUTOINCREMENT,
			thread_id          TEXT NOT NULL,
			kind               TEXT NOT NULL DEFAULT 'standard',
			body               TEXT NOT NULL DEFAULT '',
			server_hash        TEXT NOT NULL DEFAULT '',
			sent_at            INTEGER NOT NULL,
			read_at            INTEGER NOT NULL DEFAULT 0,
			expires_in         INTEGER NOT NULL DEFAULT 0,
			expires_started_at INTEGER NOT NULL DEFAULT 0,
			delivery_status    TEXT NOT NULL DEFAULT 'sending',
			outgoing           INTEGER NOT NULL DEFAULT 0
		);
		CREATE INDEX IF NOT EXISTS idx_interactions_thread ON interactions(thread_id, sent_at);
		CREATE INDEX IF NOT EXISTS idx_interactions_expiry ON interactions(expires_started_at)
			WHERE expires_started_at > 0;

		CREATE TABLE IF NOT EXISTS attachments (
			id             TEXT PRIMARY KEY,
			interaction_id INTEGER NOT NULL DEFAULT 0,
			state          TEXT NOT NULL DEFAULT 'pending_upload',
			remote_id      TEXT NOT NULL DEFAULT '',
			size           INTEGER NOT NULL DEFAULT 0,
			created_at     DATETIME NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_attachments_interaction ON attachments(interaction_id);
	`)
	return err
}

// SetNow overrides the store's clock. Tests only.
func (s *Store) SetNow(now func() time.Time) { s.now = now }

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// withTx runs fn inside a transaction, rolling back on error.
func (s *Store) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}
