package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/eshaffer321/ynab-sync/internal/domain/budget"
)

// Storage provides SQLite database access for the operation log, sync run
// history, gateway call log and notices. It implements the Repository
// interface.
type Storage struct {
	db  *sql.DB
	now func() time.Time

	// recovered is set when the database could not be opened and was
	// replaced by an empty one.
	recovered error
}

// Compile-time check that Storage implements Repository
var _ Repository = (*Storage)(nil)

// NewStorage creates a new storage instance with SQLite database
func NewStorage(dbPath string) (*Storage, error) {
	if dbPath != ":memory:" {
		if dir := filepath.Dir(dbPath); dir != "" {
			if err := os.MkdirAll(dir, 0o700); err != nil {
				return nil, fmt.Errorf("failed to create database directory: %w", err)
			}
		}
	}

	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, err
	}

	// A single connection serialises writers; the engine holds its own
	// lock around every log change anyway.
	db.SetMaxOpenConns(1)

	// Enable foreign key constraints (SQLite-specific)
	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	var check string
	if err := db.QueryRow("PRAGMA quick_check").Scan(&check); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("integrity check failed: %w", err)
	}
	if check != "ok" {
		_ = db.Close()
		return nil, fmt.Errorf("integrity check failed: %s", check)
	}

	s := &Storage{db: db, now: time.Now}

	// Run all pending migrations
	if err := s.runMigrations(); err != nil {
		_ = db.Close()
		return nil, err
	}

	return s, nil
}

// OpenOrRecover opens the database at dbPath. If it cannot be opened or
// migrated the file is moved aside and an empty database is created in
// its place; Recovered then reports what was lost.
func OpenOrRecover(dbPath string) (*Storage, error) {
	s, err := NewStorage(dbPath)
	if err == nil || dbPath == ":memory:" {
		return s, err
	}

	aside := fmt.Sprintf("%s.corrupt-%d", dbPath, time.Now().Unix())
	if renameErr := os.Rename(dbPath, aside); renameErr != nil {
		if errors.Is(renameErr, fs.ErrNotExist) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to move unreadable database aside: %w (open error: %v)", renameErr, err)
	}
	for _, suffix := range []string{"-wal", "-shm", "-journal"} {
		_ = os.Rename(dbPath+suffix, aside+suffix)
	}

	fresh, freshErr := NewStorage(dbPath)
	if freshErr != nil {
		return nil, freshErr
	}
	fresh.recovered = fmt.Errorf("%w: %v (moved to %s)", budget.ErrLogCorrupt, err, filepath.Base(aside))
	return fresh, nil
}

// Recovered returns a budget.ErrLogCorrupt error if OpenOrRecover had to
// replace the database, nil otherwise.
func (s *Storage) Recovered() error {
	return s.recovered
}

// Close closes the database connection
func (s *Storage) Close() error {
	return s.db.Close()
}

// StartSyncRun records the start of a sync run
func (s *Storage) StartSyncRun(budgetID string, mode string, cursorBefore int64) (int64, error) {
	query := `
		INSERT INTO sync_runs (budget_id, mode, cursor_before, started_at, status)
		VALUES (?, ?, ?, ?, 'running')
	`

	result, err := s.db.Exec(query, budgetID, mode, cursorBefore, s.now().UTC())
	if err != nil {
		return 0, err
	}

	return result.LastInsertId()
}

// CompleteSyncRun records the completion of a sync run
func (s *Storage) CompleteSyncRun(runID int64, r SyncRunResult) error {
	status := RunStatusCompleted
	switch {
	case r.Error != "":
		status = RunStatusFailed
	case r.Stale:
		status = RunStatusStale
	}

	query := `
		UPDATE sync_runs
		SET completed_at = ?,
		    mode = COALESCE(NULLIF(?, ''), mode),
		    cursor_after = ?,
		    entities_changed = ?,
		    entities_deferred = ?,
		    ops_submitted = ?,
		    ops_confirmed = ?,
		    ops_failed = ?,
		    status = ?,
		    error = ?
		WHERE id = ?
	`

	_, err := s.db.Exec(query,
		s.now().UTC(),
		r.Mode,
		r.CursorAfter,
		r.EntitiesChanged,
		r.EntitiesDeferred,
		r.OpsSubmitted,
		r.OpsConfirmed,
		r.OpsFailed,
		status,
		r.Error,
		runID,
	)
	return err
}

const syncRunColumns = `
	id, budget_id, mode, started_at, completed_at, cursor_before, cursor_after,
	entities_changed, entities_deferred, ops_submitted, ops_confirmed, ops_failed,
	status, error`

func scanSyncRun(row interface{ Scan(...any) error }) (*SyncRun, error) {
	var run SyncRun
	var startedAt time.Time
	var completedAt sql.NullTime
	err := row.Scan(
		&run.ID,
		&run.BudgetID,
		&run.Mode,
		&startedAt,
		&completedAt,
		&run.CursorBefore,
		&run.CursorAfter,
		&run.EntitiesChanged,
		&run.EntitiesDeferred,
		&run.OpsSubmitted,
		&run.OpsConfirmed,
		&run.OpsFailed,
		&run.Status,
		&run.Error,
	)
	if err != nil {
		return nil, err
	}
	run.StartedAt = startedAt.UTC().Format(time.RFC3339)
	if completedAt.Valid {
		run.CompletedAt = completedAt.Time.UTC().Format(time.RFC3339)
	}
	return &run, nil
}

// ListSyncRuns returns recent sync runs. An empty budgetID lists all budgets.
func (s *Storage) ListSyncRuns(budgetID string, limit int) ([]SyncRun, error) {
	if limit <= 0 {
		limit = 20
	}

	query := `SELECT ` + syncRunColumns + `
		FROM sync_runs
		WHERE (? = '' OR budget_id = ?)
		ORDER BY id DESC
		LIMIT ?`

	rows, err := s.db.Query(query, budgetID, budgetID, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var runs []SyncRun
	for rows.Next() {
		run, err := scanSyncRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, *run)
	}

	return runs, rows.Err()
}

// GetSyncRun retrieves a sync run by ID
func (s *Storage) GetSyncRun(runID int64) (*SyncRun, error) {
	query := `SELECT ` + syncRunColumns + ` FROM sync_runs WHERE id = ?`

	run, err := scanSyncRun(s.db.QueryRow(query, runID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("sync run %d: %w", runID, budget.ErrNotFound)
	}
	return run, err
}

// LogAPICall logs a gateway call to the database
func (s *Storage) LogAPICall(call *APICall) error {
	query := `
		INSERT INTO api_calls
		(run_id, budget_id, timestamp, method, path, status_code, request_json, response_json, error, duration_ms)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	ts := call.Timestamp
	if ts.IsZero() {
		ts = s.now()
	}

	var runID sql.NullInt64
	if call.RunID != nil {
		runID = sql.NullInt64{Int64: *call.RunID, Valid: true}
	}

	result, err := s.db.Exec(query,
		runID,
		call.BudgetID,
		ts.UTC(),
		call.Method,
		call.Path,
		call.StatusCode,
		call.RequestJSON,
		call.ResponseJSON,
		call.Error,
		call.DurationMs,
	)
	if err != nil {
		return err
	}

	call.ID, _ = result.LastInsertId()
	return nil
}

const apiCallColumns = `
	id, run_id, budget_id, timestamp, method, path, status_code,
	request_json, response_json, error, duration_ms`

func (s *Storage) queryAPICalls(query string, args ...any) ([]APICall, error) {
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var calls []APICall
	for rows.Next() {
		var call APICall
		var runID sql.NullInt64
		err := rows.Scan(
			&call.ID,
			&runID,
			&call.BudgetID,
			&call.Timestamp,
			&call.Method,
			&call.Path,
			&call.StatusCode,
			&call.RequestJSON,
			&call.ResponseJSON,
			&call.Error,
			&call.DurationMs,
		)
		if err != nil {
			return nil, err
		}
		if runID.Valid {
			id := runID.Int64
			call.RunID = &id
		}
		calls = append(calls, call)
	}

	return calls, rows.Err()
}

// GetAPICallsByRunID retrieves all gateway calls for a specific sync run
func (s *Storage) GetAPICallsByRunID(runID int64) ([]APICall, error) {
	return s.queryAPICalls(`SELECT `+apiCallColumns+`
		FROM api_calls
		WHERE run_id = ?
		ORDER BY id ASC`, runID)
}

// ListAPICalls returns the most recent gateway calls of a budget
func (s *Storage) ListAPICalls(budgetID string, limit int) ([]APICall, error) {
	if limit <= 0 {
		limit = 50
	}
	return s.queryAPICalls(`SELECT `+apiCallColumns+`
		FROM api_calls
		WHERE budget_id = ?
		ORDER BY id DESC
		LIMIT ?`, budgetID, limit)
}
