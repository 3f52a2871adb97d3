package storage

import (
	"database/sql"
	"fmt"
	"log/slog"
)

// Migration represents a database schema migration
type Migration struct {
	Version int
	Name    string
	Up      func(*sql.Tx) error
}

// allMigrations defines all migrations in order
var allMigrations = []Migration{
	{
		Version: 1,
		Name:    "add_pending_operations_table",
		Up:      migration001AddPendingOperations,
	},
	{
		Version: 2,
		Name:    "add_local_sequence_table",
		Up:      migration002AddLocalSequence,
	},
	{
		Version: 3,
		Name:    "add_sync_runs_table",
		Up:      migration003AddSyncRunsTable,
	},
	{
		Version: 4,
		Name:    "add_api_calls_table",
		Up:      migration004AddAPICallsTable,
	},
	{
		Version: 5,
		Name:    "add_notices_table",
		Up:      migration005AddNoticesTable,
	},
}

// runMigrations executes all pending migrations
func (s *Storage) runMigrations() error {
	// Ensure migrations table exists
	if err := s.ensureMigrationsTable(); err != nil {
		return fmt.Errorf("failed to create migrations table: %w", err)
	}

	applied, err := s.getAppliedMigrations()
	if err != nil {
		return fmt.Errorf("failed to get applied migrations: %w", err)
	}

	for _, migration := range allMigrations {
		if applied[migration.Version] {
			continue
		}

		slog.Info("running migration",
			slog.String("system", "storage"),
			slog.Int("version", migration.Version),
			slog.String("name", migration.Name))

		tx, err := s.db.Begin()
		if err != nil {
			return fmt.Errorf("failed to begin transaction for migration %d: %w", migration.Version, err)
		}

		if err := migration.Up(tx); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("migration %d (%s) failed: %w", migration.Version, migration.Name, err)
		}

		_, err = tx.Exec(`
			INSERT INTO schema_migrations (version, name) VALUES (?, ?)
		`, migration.Version, migration.Name)
		if err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("failed to record migration %d: %w", migration.Version, err)
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("failed to commit migration %d: %w", migration.Version, err)
		}
	}

	return nil
}

// ensureMigrationsTable creates the schema_migrations table
func (s *Storage) ensureMigrationsTable() error {
	query := `
	CREATE TABLE IF NOT EXISTS schema_migrations (
		version INTEGER PRIMARY KEY,
		name TEXT NOT NULL,
		applied_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	)`

	_, err := s.db.Exec(query)
	return err
}

// getAppliedMigrations returns a set of applied migration versions
func (s *Storage) getAppliedMigrations() (map[int]bool, error) {
	applied := make(map[int]bool)

	rows, err := s.db.Query(`SELECT version FROM schema_migrations`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	for rows.Next() {
		var version int
		if err := rows.Scan(&version); err != nil {
			return nil, err
		}
		applied[version] = true
	}

	return applied, rows.Err()
}

// ================================================================
// MIGRATION FUNCTIONS
// ================================================================

func execAll(tx *sql.Tx, queries []string) error {
	for _, query := range queries {
		if _, err := tx.Exec(query); err != nil {
			return fmt.Errorf("failed to execute query: %w", err)
		}
	}
	return nil
}

// migration001AddPendingOperations creates the operation log.
// seq gives the global submission order; payload holds the JSON encoded
// transaction or allocation change.
func migration001AddPendingOperations(tx *sql.Tx) error {
	return execAll(tx, []string{
		`CREATE TABLE IF NOT EXISTS pending_operations (
			seq INTEGER PRIMARY KEY AUTOINCREMENT,
			handle TEXT UNIQUE NOT NULL,
			budget_id TEXT NOT NULL,
			kind TEXT NOT NULL,
			entity TEXT NOT NULL,
			target TEXT NOT NULL DEFAULT '',
			payload TEXT NOT NULL DEFAULT '{}',
			attempts INTEGER NOT NULL DEFAULT 0,
			last_attempt_at TIMESTAMP,
			next_attempt_at TIMESTAMP NOT NULL,
			status TEXT NOT NULL DEFAULT 'pending',
			last_error TEXT NOT NULL DEFAULT '',
			enqueued_at TIMESTAMP NOT NULL
		)`,

		`CREATE INDEX IF NOT EXISTS idx_pending_operations_budget
		 ON pending_operations(budget_id, seq)`,
	})
}

// migration002AddLocalSequence creates the counter temporary ids are drawn
// from. It survives restarts so ids are never reused.
func migration002AddLocalSequence(tx *sql.Tx) error {
	return execAll(tx, []string{
		`CREATE TABLE IF NOT EXISTS local_sequence (
			name TEXT PRIMARY KEY,
			value INTEGER NOT NULL
		)`,
		`INSERT OR IGNORE INTO local_sequence (name, value) VALUES ('temporary_id', 0)`,
	})
}

// migration003AddSyncRunsTable creates the sync_runs table
func migration003AddSyncRunsTable(tx *sql.Tx) error {
	return execAll(tx, []string{
		`CREATE TABLE IF NOT EXISTS sync_runs (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			budget_id TEXT NOT NULL,
			mode TEXT NOT NULL,
			started_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
			completed_at TIMESTAMP,
			cursor_before INTEGER DEFAULT 0,
			cursor_after INTEGER DEFAULT 0,
			entities_changed INTEGER DEFAULT 0,
			entities_deferred INTEGER DEFAULT 0,
			ops_submitted INTEGER DEFAULT 0,
			ops_confirmed INTEGER DEFAULT 0,
			ops_failed INTEGER DEFAULT 0,
			status TEXT DEFAULT 'running',
			error TEXT DEFAULT ''
		)`,

		`CREATE INDEX IF NOT EXISTS idx_sync_runs_budget
		 ON sync_runs(budget_id)`,

		`CREATE INDEX IF NOT EXISTS idx_sync_runs_started
		 ON sync_runs(started_at DESC)`,
	})
}

// migration004AddAPICallsTable creates the api_calls table for logging
func migration004AddAPICallsTable(tx *sql.Tx) error {
	return execAll(tx, []string{
		`CREATE TABLE IF NOT EXISTS api_calls (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			run_id INTEGER,
			budget_id TEXT NOT NULL DEFAULT '',
			timestamp TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
			method TEXT NOT NULL,
			path TEXT NOT NULL,
			status_code INTEGER DEFAULT 0,
			request_json TEXT DEFAULT '',
			response_json TEXT DEFAULT '',
			error TEXT DEFAULT '',
			duration_ms INTEGER DEFAULT 0,
			FOREIGN KEY (run_id) REFERENCES sync_runs(id)
		)`,

		`CREATE INDEX IF NOT EXISTS idx_api_calls_run_id
		 ON api_calls(run_id)`,

		`CREATE INDEX IF NOT EXISTS idx_api_calls_budget
		 ON api_calls(budget_id, timestamp DESC)`,
	})
}

// migration005AddNoticesTable creates the notices table
func migration005AddNoticesTable(tx *sql.Tx) error {
	return execAll(tx, []string{
		`CREATE TABLE IF NOT EXISTS notices (
			id TEXT PRIMARY KEY,
			budget_id TEXT NOT NULL,
			kind TEXT NOT NULL,
			entity_kind TEXT NOT NULL DEFAULT '',
			entity_id TEXT NOT NULL DEFAULT '',
			op_kind TEXT NOT NULL DEFAULT '',
			requested TEXT NOT NULL DEFAULT '',
			server_state TEXT NOT NULL DEFAULT '',
			reason TEXT NOT NULL,
			raised_at TIMESTAMP NOT NULL,
			acknowledged BOOLEAN NOT NULL DEFAULT 0
		)`,

		`CREATE INDEX IF NOT EXISTS idx_notices_budget
		 ON notices(budget_id, acknowledged, raised_at DESC)`,
	})
}
