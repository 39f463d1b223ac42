// Package sqlite provides SQLite-based persistent storage for appgrader.
// Uses WAL mode and a busy timeout so the intake service, the round drivers
// and the evaluator can share one database file from separate processes.
package sqlite

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite" // Pure-Go SQLite driver (no CGO required)
)

// Sealer protects the shared secret column at rest. The zero Sealer stores
// secrets as given.
type Sealer interface {
	Seal(plaintext string) (string, error)
	Open(stored string) (string, error)
}

// DB wraps a SQLite connection with WAL mode and migrations.
type DB struct {
	db     *sql.DB
	sealer Sealer
	now    func() time.Time
}

// Open creates or opens the SQLite database at dir/appgrader.db.
// Schema creation is idempotent, so every process start may call it.
func Open(dir string) (*DB, error) {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}

	dbPath := filepath.Join(dir, "appgrader.db")
	dsn := dbPath + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)"

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	// SQLite is single-writer; serialize writers inside this process and let
	// busy_timeout arbitrate between processes.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	d := &DB{db: db, now: time.Now}
	if err := d.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return d, nil
}

// SetSealer enables at-rest protection of stored secrets.
func (d *DB) SetSealer(s Sealer) { d.sealer = s }

// Close cleanly shuts down the database.
func (d *DB) Close() error {
	return d.db.Close()
}

// Ping checks database connectivity.
func (d *DB) Ping() error {
	return d.db.Ping()
}

// migrate runs idempotent schema migrations.
func (d *DB) migrate() error {
	migrations := []string{
		// Submitted tasks, written by the intake endpoint after publication.
		`CREATE TABLE IF NOT EXISTS tasks (
			id             INTEGER PRIMARY KEY AUTOINCREMENT,
			email          TEXT NOT NULL,
			task           TEXT NOT NULL,
			round          INTEGER NOT NULL,
			nonce          TEXT NOT NULL DEFAULT '',
			brief          TEXT NOT NULL DEFAULT '',
			attachments    TEXT NOT NULL DEFAULT '[]',
			checks         TEXT NOT NULL DEFAULT '[]',
			evaluation_url TEXT NOT NULL DEFAULT '',
			endpoint       TEXT NOT NULL DEFAULT '',
			statuscode     INTEGER NOT NULL DEFAULT 0,
			secret         TEXT NOT NULL DEFAULT '',
			repo_url       TEXT,
			commit_sha     TEXT,
			pages_url      TEXT,
			created_at     INTEGER NOT NULL,
			UNIQUE (email, task, round)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_email_round ON tasks(email, round)`,

		// Dispatch attempts by the round drivers. One per recipient and round.
		`CREATE TABLE IF NOT EXISTS dispatches (
			id             INTEGER PRIMARY KEY AUTOINCREMENT,
			email          TEXT NOT NULL,
			task           TEXT NOT NULL,
			round          INTEGER NOT NULL,
			nonce          TEXT NOT NULL,
			brief          TEXT NOT NULL DEFAULT '',
			attachments    TEXT NOT NULL DEFAULT '[]',
			checks         TEXT NOT NULL DEFAULT '[]',
			evaluation_url TEXT NOT NULL DEFAULT '',
			endpoint       TEXT NOT NULL DEFAULT '',
			statuscode     INTEGER NOT NULL DEFAULT -1,
			error          TEXT NOT NULL DEFAULT '',
			secret         TEXT NOT NULL DEFAULT '',
			expect_text    TEXT NOT NULL DEFAULT '',
			created_at     INTEGER NOT NULL,
			completed_at   INTEGER,
			UNIQUE (email, round)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_dispatches_task ON dispatches(task, round)`,

		// Repos reported through the evaluation callback.
		`CREATE TABLE IF NOT EXISTS repos (
			id         INTEGER PRIMARY KEY AUTOINCREMENT,
			email      TEXT NOT NULL,
			task       TEXT NOT NULL,
			round      INTEGER NOT NULL,
			repo_url   TEXT NOT NULL,
			commit_sha TEXT NOT NULL DEFAULT '',
			pages_url  TEXT NOT NULL DEFAULT '',
			created_at INTEGER NOT NULL,
			UNIQUE (email, task, round, commit_sha)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_repos_round ON repos(round)`,

		// Evaluation results. Append-only.
		`CREATE TABLE IF NOT EXISTS results (
			id         INTEGER PRIMARY KEY AUTOINCREMENT,
			email      TEXT NOT NULL,
			task       TEXT NOT NULL,
			round      INTEGER NOT NULL,
			target     TEXT NOT NULL DEFAULT '',
			repo_url   TEXT NOT NULL,
			commit_sha TEXT NOT NULL DEFAULT '',
			pages_url  TEXT NOT NULL DEFAULT '',
			check_name TEXT NOT NULL,
			score      INTEGER NOT NULL,
			reason     TEXT NOT NULL DEFAULT '',
			logs       TEXT,
			created_at INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_results_target ON results(target, round)`,
	}

	for _, m := range migrations {
		if _, err := d.db.Exec(m); err != nil {
			return fmt.Errorf("migration failed: %w\nSQL: %s", err, m)
		}
	}
	return nil
}

// ─── Helpers ────────────────────────────────────────────────────────────────

// scanner is satisfied by both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func (d *DB) seal(secret string) (string, error) {
	if d.sealer == nil || secret == "" {
		return secret, nil
	}
	return d.sealer.Seal(secret)
}

func (d *DB) open(stored string) (string, error) {
	if d.sealer == nil || stored == "" {
		return stored, nil
	}
	return d.sealer.Open(stored)
}

func marshalJSON(v any) string {
	b, err := json.Marshal(v)
	if err != nil || string(b) == "null" {
		return "[]"
	}
	return string(b)
}

func nullableString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func nullableUnix(t time.Time) sql.NullInt64 {
	if t.IsZero() {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.Unix(), Valid: true}
}

func fromUnix(v sql.NullInt64) time.Time {
	if !v.Valid {
		return time.Time{}
	}
	return time.Unix(v.Int64, 0)
}

// where builds a conjunction from the non-zero filter fields.
func where(email, task string, round int) (string, []any) {
	clause := " WHERE 1=1"
	var args []any
	if email != "" {
		clause += " AND email = ?"
		args = append(args, email)
	}
	if task != "" {
		clause += " AND task = ?"
		args = append(args, task)
	}
	if round > 0 {
		clause += " AND round = ?"
		args = append(args, round)
	}
	return clause, args
}
