package cache

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eshaffer321/ynab-sync/internal/domain/budget"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := NewStore(t.TempDir(), nil)
	require.NoError(t, err)
	s.now = func() time.Time { return time.Date(2024, 5, 20, 12, 0, 0, 0, time.UTC) }
	return s
}

func sampleSnapshot() *budget.Snapshot {
	s := budget.NewSnapshot(budget.Budget{ID: "b1", Name: "Household"})
	s.ServerKnowledge = 42
	s.Accounts["acc-1"] = budget.Account{ID: "acc-1", Name: "Checking", OnBudget: true}
	s.Transactions[budget.ServerID("t1")] = budget.Transaction{
		ID: budget.ServerID("t1"), AccountID: "acc-1", Date: "2024-05-01", Amount: -2500,
	}
	s.Allocations[budget.AllocationKey{CategoryID: "cat-1", Month: "2024-05"}] = budget.Allocation{
		CategoryID: "cat-1", Month: "2024-05", Budgeted: 10000,
	}
	return s
}

func TestStore_LoadMissing(t *testing.T) {
	s := newTestStore(t)

	_, err := s.Load("b1")

	assert.True(t, errors.Is(err, budget.ErrNotFound))
}

func TestStore_SaveAndLoad(t *testing.T) {
	s := newTestStore(t)
	snap := sampleSnapshot()

	require.NoError(t, s.Save(snap))
	loaded, err := s.Load("b1")

	require.NoError(t, err)
	assert.Equal(t, int64(42), loaded.ServerKnowledge)
	assert.Equal(t, snap.Transactions, loaded.Transactions)
	assert.Equal(t, snap.Allocations, loaded.Allocations)
	assert.NotNil(t, loaded.Deferred)
}

func TestStore_SaveLeavesNoTempFiles(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.Save(sampleSnapshot()))
	require.NoError(t, s.Save(sampleSnapshot()))

	entries, err := os.ReadDir(s.Dir())
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "budget_b1.json", entries[0].Name())
}

func TestStore_SaveReplacesPrivateFile(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.Save(sampleSnapshot()))

	next := sampleSnapshot()
	next.ServerKnowledge = 43
	require.NoError(t, s.Save(next))

	info, err := os.Stat(s.Path("b1"))
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	loaded, err := s.Load("b1")
	require.NoError(t, err)
	assert.Equal(t, int64(43), loaded.ServerKnowledge)
}

func TestStore_CorruptFileMovedAside(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, os.WriteFile(s.Path("b1"), []byte("{not json"), 0o600))

	_, err := s.Load("b1")

	assert.True(t, errors.Is(err, budget.ErrCacheCorrupt))
	_, statErr := os.Stat(s.Path("b1"))
	assert.True(t, os.IsNotExist(statErr))

	matches, _ := filepath.Glob(filepath.Join(s.Dir(), "budget_b1.json.corrupt-*"))
	assert.Len(t, matches, 1)

	// The next load behaves as if nothing was cached.
	_, err = s.Load("b1")
	assert.True(t, errors.Is(err, budget.ErrNotFound))
}

func TestStore_WrongVersionIsCorrupt(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, os.WriteFile(s.Path("b1"), []byte(`{"version":99,"snapshot":{}}`), 0o600))

	_, err := s.Load("b1")

	assert.True(t, errors.Is(err, budget.ErrCacheCorrupt))
}

func TestStore_MismatchedBudgetIsCorrupt(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.Save(sampleSnapshot()))
	require.NoError(t, os.Rename(s.Path("b1"), s.Path("b2")))

	_, err := s.Load("b2")

	assert.True(t, errors.Is(err, budget.ErrCacheCorrupt))
}

func TestStore_ApplyDeltaIdempotent(t *testing.T) {
	s := newTestStore(t)
	base := sampleSnapshot()
	d := &budget.Delta{
		ServerKnowledge: 43,
		Transactions: []budget.Transaction{
			{ID: budget.ServerID("t1"), AccountID: "acc-1", Date: "2024-05-01", Amount: -3000},
		},
	}

	once, report := s.ApplyDelta(base, d, nil)
	twice, again := s.ApplyDelta(once, d, nil)

	assert.Equal(t, 1, report.Applied)
	assert.True(t, again.Skipped)
	assert.Equal(t, once, twice)
	assert.Equal(t, int64(43), twice.ServerKnowledge)
}

func TestStore_EvictAndList(t *testing.T) {
	s := newTestStore(t)
	second := sampleSnapshot()
	second.Budget.ID = "b2"
	require.NoError(t, s.Save(sampleSnapshot()))
	require.NoError(t, s.Save(second))
	require.NoError(t, os.WriteFile(filepath.Join(s.Dir(), "notes.txt"), []byte("x"), 0o600))

	ids, err := s.List()
	require.NoError(t, err)
	assert.Equal(t, []string{"b1", "b2"}, ids)

	require.NoError(t, s.Evict("b1"))
	require.NoError(t, s.Evict("b1"))

	ids, err = s.List()
	require.NoError(t, err)
	assert.Equal(t, []string{"b2"}, ids)
}

func TestStore_RejectsPathLikeIDs(t *testing.T) {
	s := newTestStore(t)

	for _, id := range []string{"", "..", "a/b", `a\b`} {
		_, err := s.Load(id)
		require.Error(t, err, id)
		assert.False(t, strings.Contains(err.Error(), "not found"), id)
	}
}
