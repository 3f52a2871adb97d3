package storage

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestMigrations_FreshDatabase tests running migrations on a fresh database
func TestMigrations_FreshDatabase(t *testing.T) {
	tmpDB := createTempDB(t)
	defer os.Remove(tmpDB)

	store, err := NewStorage(tmpDB)
	require.NoError(t, err)
	defer store.Close()

	var count int
	err = store.db.QueryRow("SELECT COUNT(*) FROM schema_migrations").Scan(&count)
	require.NoError(t, err)
	assert.Equal(t, len(allMigrations), count)
}

// TestMigrations_Idempotency tests that migrations can be run multiple times
func TestMigrations_Idempotency(t *testing.T) {
	tmpDB := createTempDB(t)
	defer os.Remove(tmpDB)

	store, err := NewStorage(tmpDB)
	require.NoError(t, err)
	store.Close()

	store, err = NewStorage(tmpDB)
	require.NoError(t, err)
	defer store.Close()

	var count int
	err = store.db.QueryRow("SELECT COUNT(*) FROM schema_migrations").Scan(&count)
	require.NoError(t, err)
	assert.Equal(t, len(allMigrations), count, "Should still have exactly one row per migration")
}

// TestMigrations_Schema tests that the correct schema is created
func TestMigrations_Schema(t *testing.T) {
	tmpDB := createTempDB(t)
	defer os.Remove(tmpDB)

	store, err := NewStorage(tmpDB)
	require.NoError(t, err)
	defer store.Close()

	for _, table := range []string{"pending_operations", "local_sequence", "sync_runs", "api_calls", "notices"} {
		err = store.db.QueryRow("SELECT COUNT(*) FROM " + table).Scan(new(int))
		assert.NoError(t, err, "%s table should exist", table)
	}
}

// TestMigrations_ForeignKeyConstraints tests that foreign keys are enforced
func TestMigrations_ForeignKeyConstraints(t *testing.T) {
	tmpDB := createTempDB(t)
	defer os.Remove(tmpDB)

	store, err := NewStorage(tmpDB)
	require.NoError(t, err)
	defer store.Close()

	var fkEnabled int
	err = store.db.QueryRow("PRAGMA foreign_keys").Scan(&fkEnabled)
	require.NoError(t, err)
	assert.Equal(t, 1, fkEnabled, "Foreign keys should be enabled")

	_, err = store.db.Exec(`
		INSERT INTO api_calls (run_id, budget_id, method, path)
		VALUES (99999, 'b1', 'GET', '/budgets/b1')
	`)
	assert.Error(t, err, "Should fail to insert api_call with non-existent run_id")
	assert.Contains(t, err.Error(), "FOREIGN KEY constraint failed")
}

// TestMigrations_Sequential tests that migrations are recorded in order
func TestMigrations_Sequential(t *testing.T) {
	tmpDB := createTempDB(t)
	defer os.Remove(tmpDB)

	store, err := NewStorage(tmpDB)
	require.NoError(t, err)
	defer store.Close()

	rows, err := store.db.Query("SELECT version FROM schema_migrations ORDER BY version")
	require.NoError(t, err)
	defer rows.Close()

	var versions []int
	for rows.Next() {
		var version int
		require.NoError(t, rows.Scan(&version))
		versions = append(versions, version)
	}

	require.Len(t, versions, len(allMigrations))
	for i, v := range versions {
		assert.Equal(t, i+1, v, "Migration %d should have version %d", i, i+1)
	}
}

// TestOpenOrRecover_CorruptFile tests that an unreadable database is moved
// aside and replaced.
func TestOpenOrRecover_CorruptFile(t *testing.T) {
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "sync.db")
	require.NoError(t, os.WriteFile(dbPath, bytes.Repeat([]byte("not a database "), 300), 0o600))

	store, err := OpenOrRecover(dbPath)
	require.NoError(t, err)
	defer store.Close()

	require.Error(t, store.Recovered())
	assert.Contains(t, store.Recovered().Error(), "pending operation log corrupt")

	matches, _ := filepath.Glob(filepath.Join(dir, "sync.db.corrupt-*"))
	assert.Len(t, matches, 1)

	ops, err := store.ListPending("b1")
	require.NoError(t, err)
	assert.Empty(t, ops)
}

// TestOpenOrRecover_HealthyFile tests that a good database is left alone
func TestOpenOrRecover_HealthyFile(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "sync.db")

	store, err := OpenOrRecover(dbPath)
	require.NoError(t, err)
	defer store.Close()

	assert.NoError(t, store.Recovered())
}

func createTempDB(t *testing.T) string {
	tmpFile, err := os.CreateTemp("", "test_*.db")
	require.NoError(t, err)
	tmpFile.Close()
	return tmpFile.Name()
}
