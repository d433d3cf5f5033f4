package store

import (
	"database/sql"
	"fmt"
)

// Migration is a single schema migration applied during SQLite open.
// Funcs receive the raw handle because the runner already holds an exclusive
// transaction; the pool is capped at one connection so every statement runs
// inside it.
type Migration struct {
	Name string
	Func func(*sql.DB) error
}

// migrationsList is the ordered list of all migrations. Applied migrations
// are recorded in schema_migrations and skipped on subsequent opens, so the
// list is append-only: never reorder or edit an entry that has shipped.
var migrationsList = []Migration{
	{"initial_schema", migrateInitialSchema},
	{"project_history", migrateProjectHistory},
	{"decision_column", migrateDecisionColumn},
}

// runMigrations applies all pending migrations inside one exclusive
// transaction. The exclusive lock serializes concurrent processes opening
// the same database so check-then-apply cannot race.
func runMigrations(db *sql.DB) error {
	if _, err := db.Exec("BEGIN EXCLUSIVE"); err != nil {
		return fmt.Errorf("failed to acquire exclusive lock for migrations: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			_, _ = db.Exec("ROLLBACK")
		}
	}()

	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS schema_migrations (
		name       TEXT PRIMARY KEY,
		applied_at TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ', 'now'))
	)`); err != nil {
		return fmt.Errorf("failed to create schema_migrations table: %w", err)
	}

	applied := make(map[string]bool)
	rows, err := db.Query("SELECT name FROM schema_migrations")
	if err != nil {
		return fmt.Errorf("failed to read applied migrations: %w", err)
	}
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			rows.Close()
			return fmt.Errorf("failed to scan migration name: %w", err)
		}
		applied[name] = true
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return fmt.Errorf("failed to iterate applied migrations: %w", err)
	}

	for _, m := range migrationsList {
		if applied[m.Name] {
			continue
		}
		if err := applyMigration(db, m); err != nil {
			return fmt.Errorf("migration %s failed: %w", m.Name, err)
		}
	}

	if _, err := db.Exec("COMMIT"); err != nil {
		return fmt.Errorf("failed to commit migrations: %w", err)
	}
	committed = true
	return nil
}

func applyMigration(db *sql.DB, m Migration) error {
	if err := m.Func(db); err != nil {
		return err
	}
	if _, err := db.Exec("INSERT INTO schema_migrations (name) VALUES (?)", m.Name); err != nil {
		return fmt.Errorf("failed to record migration: %w", err)
	}
	return nil
}

func migrateInitialSchema(db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS tasks (
			id                    TEXT PRIMARY KEY,
			title                 TEXT NOT NULL,
			description           TEXT NOT NULL DEFAULT '',
			workspace_path        TEXT NOT NULL,
			sandbox_path          TEXT NOT NULL DEFAULT '',
			sandbox_owned         INTEGER NOT NULL DEFAULT 0,
			merge_target_path     TEXT NOT NULL DEFAULT '',
			author                TEXT NOT NULL,
			reviewers             TEXT NOT NULL DEFAULT '[]',
			options               TEXT NOT NULL DEFAULT '{}',
			status                TEXT NOT NULL,
			rounds_completed      INTEGER NOT NULL DEFAULT 0,
			last_gate_reason      TEXT NOT NULL DEFAULT '',
			workspace_fingerprint TEXT NOT NULL DEFAULT '',
			created_at            TEXT NOT NULL,
			updated_at            TEXT NOT NULL,
			terminated_at         TEXT
		)`,
		`CREATE TABLE IF NOT EXISTS task_seq (
			task_id TEXT PRIMARY KEY,
			next    INTEGER NOT NULL DEFAULT 0
		)`,
		`CREATE TABLE IF NOT EXISTS task_events (
			task_id        TEXT NOT NULL,
			seq            INTEGER NOT NULL,
			kind           TEXT NOT NULL,
			participant_id TEXT NOT NULL DEFAULT '',
			payload        TEXT NOT NULL DEFAULT '',
			ts             TEXT NOT NULL,
			UNIQUE (task_id, seq)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_status ON tasks (status)`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_created ON tasks (created_at DESC)`,
	}
	for _, stmt := range stmts {
		if _, err := db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

func migrateProjectHistory(db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS project_history (
			id            TEXT PRIMARY KEY,
			project       TEXT NOT NULL,
			task_id       TEXT NOT NULL,
			title         TEXT NOT NULL DEFAULT '',
			status        TEXT NOT NULL,
			gate_reason   TEXT NOT NULL DEFAULT '',
			core_findings TEXT NOT NULL DEFAULT '',
			revisions     INTEGER NOT NULL DEFAULT 0,
			disputes      INTEGER NOT NULL DEFAULT 0,
			next_steps    TEXT NOT NULL DEFAULT '',
			created_at_ms INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_history_project ON project_history (project, created_at_ms DESC)`,
	}
	for _, stmt := range stmts {
		if _, err := db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

func migrateDecisionColumn(db *sql.DB) error {
	exists, err := columnExists(db, "tasks", "decision")
	if err != nil {
		return err
	}
	if exists {
		return nil
	}
	_, err = db.Exec(`ALTER TABLE tasks ADD COLUMN decision TEXT NOT NULL DEFAULT ''`)
	return err
}

// columnExists reports whether a table already has the named column.
// Used by additive migrations to stay idempotent.
func columnExists(db *sql.DB, table, column string) (bool, error) {
	rows, err := db.Query(fmt.Sprintf("PRAGMA table_info(%s)", table))
	if err != nil {
		return false, fmt.Errorf("failed to inspect table %s: %w", table, err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			cid        int
			name, typ  string
			notnull    int
			dfltValue  sql.NullString
			primaryKey int
		)
		if err := rows.Scan(&cid, &name, &typ, &notnull, &dfltValue, &primaryKey); err != nil {
			return false, fmt.Errorf("failed to scan column info: %w", err)
		}
		if name == column {
			return true, nil
		}
	}
	return false, rows.Err()
}
