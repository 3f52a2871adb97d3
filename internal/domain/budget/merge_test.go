package budget

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testNow = time.Date(2024, 5, 20, 12, 0, 0, 0, time.UTC)

func seededSnapshot() *Snapshot {
	s := NewSnapshot(Budget{ID: "b1", Name: "Household"})
	s.ServerKnowledge = 10
	s.Accounts["acc-1"] = Account{ID: "acc-1", Name: "Checking", Type: AccountChecking, OnBudget: true}
	s.Categories["cat-1"] = Category{ID: "cat-1", GroupID: "grp-1", Name: "Groceries"}
	s.Allocations[AllocationKey{CategoryID: "cat-1", Month: "2024-05"}] = Allocation{
		CategoryID: "cat-1", Month: "2024-05", Budgeted: 50000, Activity: -2000, Balance: 48000,
	}
	s.Transactions[ServerID("t1")] = Transaction{
		ID: ServerID("t1"), AccountID: "acc-1", Date: "2024-05-02", Amount: -500,
		CategoryID: "cat-1", Cleared: Uncleared,
	}
	s.Transactions[ServerID("t2")] = Transaction{
		ID: ServerID("t2"), AccountID: "acc-1", Date: "2024-05-03", Amount: -1500,
		CategoryID: "cat-1", Cleared: Uncleared,
	}
	return s
}

func TestApplyDelta_OverwritesAndAdvancesCursor(t *testing.T) {
	base := seededSnapshot()
	delta := &Delta{
		ServerKnowledge: 12,
		Transactions: []Transaction{
			{ID: ServerID("t1"), AccountID: "acc-1", Date: "2024-05-02", Amount: -700, CategoryID: "cat-1", Cleared: Cleared},
			{ID: ServerID("t3"), AccountID: "acc-1", Date: "2024-05-04", Amount: 9000, Cleared: Cleared},
		},
		Payees: []Payee{{ID: "p1", Name: "Grocer"}},
	}

	out, report := ApplyDelta(base, delta, nil, testNow)

	assert.Equal(t, int64(12), out.ServerKnowledge)
	assert.Equal(t, Milliunits(-700), out.Transactions[ServerID("t1")].Amount)
	assert.Contains(t, out.Transactions, ServerID("t3"))
	assert.Contains(t, out.Payees, "p1")
	assert.Equal(t, 3, report.Applied)
	assert.Empty(t, report.Deferred)

	// base untouched
	assert.Equal(t, int64(10), base.ServerKnowledge)
	assert.Equal(t, Milliunits(-500), base.Transactions[ServerID("t1")].Amount)
}

func TestApplyDelta_Idempotent(t *testing.T) {
	base := seededSnapshot()
	delta := &Delta{
		ServerKnowledge: 11,
		Transactions: []Transaction{
			{ID: ServerID("t2"), AccountID: "acc-1", Date: "2024-05-03", Amount: -1500, Deleted: true},
		},
	}

	once, _ := ApplyDelta(base, delta, nil, testNow)
	twice, report := ApplyDelta(once, delta, nil, testNow)

	assert.True(t, report.Skipped)
	assert.Equal(t, once, twice)
}

func TestApplyDelta_CursorNeverDecreases(t *testing.T) {
	s := seededSnapshot()
	cursors := []int64{15, 13, 15, 20, 2}
	last := s.ServerKnowledge
	for _, c := range cursors {
		s, _ = ApplyDelta(s, &Delta{ServerKnowledge: c}, nil, testNow)
		assert.GreaterOrEqual(t, s.ServerKnowledge, last)
		last = s.ServerKnowledge
	}
	assert.Equal(t, int64(20), s.ServerKnowledge)
}

func TestApplyDelta_DefersOutstandingEntities(t *testing.T) {
	base := seededSnapshot()
	key := AllocationKey{CategoryID: "cat-1", Month: "2024-05"}
	pending := map[EntityRef]bool{
		TransactionRef(ServerID("t1")): true,
		AllocationRef(key):             true,
	}
	delta := &Delta{
		ServerKnowledge: 11,
		Transactions: []Transaction{
			{ID: ServerID("t1"), AccountID: "acc-1", Date: "2024-05-02", Amount: -999},
		},
		Allocations: []Allocation{{CategoryID: "cat-1", Month: "2024-05", Budgeted: 1}},
	}

	out, report := ApplyDelta(base, delta, func(ref EntityRef) bool { return pending[ref] }, testNow)

	assert.Len(t, report.Deferred, 2)
	assert.Equal(t, Milliunits(-500), out.Transactions[ServerID("t1")].Amount, "local value must survive")
	assert.Equal(t, Milliunits(50000), out.Allocations[key].Budgeted)

	buffered, ok := out.Deferred[TransactionRef(ServerID("t1"))]
	require.True(t, ok)
	assert.Equal(t, Milliunits(-999), buffered.Transaction.Amount)
	assert.Equal(t, int64(11), buffered.ServerKnowledge)
}

func TestReplaceFull_PurgesDeletedAndKeepsPendingBase(t *testing.T) {
	base := seededSnapshot()

	full := NewSnapshot(Budget{ID: "b1", Name: "Household"})
	full.ServerKnowledge = 40
	full.Transactions[ServerID("t1")] = Transaction{ID: ServerID("t1"), AccountID: "acc-1", Date: "2024-05-02", Amount: -800}
	full.Transactions[ServerID("t9")] = Transaction{ID: ServerID("t9"), AccountID: "acc-1", Date: "2024-05-09", Amount: -1, Deleted: true}

	pending := TransactionRef(ServerID("t1"))
	out, report := ReplaceFull(base, full, func(ref EntityRef) bool { return ref == pending }, testNow)

	assert.Equal(t, int64(40), out.ServerKnowledge)
	assert.NotContains(t, out.Transactions, ServerID("t9"))
	assert.NotContains(t, out.Transactions, ServerID("t2"), "full fetch replaces the prior snapshot")
	assert.Equal(t, Milliunits(-500), out.Transactions[ServerID("t1")].Amount)
	assert.Equal(t, Milliunits(-800), out.Deferred[pending].Transaction.Amount)
	assert.Equal(t, 1, report.Dropped)
}

func TestReplaceFull_VanishedEntityBufferedAsDeleted(t *testing.T) {
	base := seededSnapshot()
	full := NewSnapshot(Budget{ID: "b1"})
	full.ServerKnowledge = 41

	ref := TransactionRef(ServerID("t2"))
	out, _ := ReplaceFull(base, full, func(r EntityRef) bool { return r == ref }, testNow)

	require.Contains(t, out.Deferred, ref)
	assert.True(t, out.Deferred[ref].Transaction.Deleted)
	assert.Contains(t, out.Transactions, ServerID("t2"))
}

func TestPruneTemporary(t *testing.T) {
	s := seededSnapshot()
	s.Transactions[TemporaryID(1)] = Transaction{ID: TemporaryID(1), AccountID: "acc-1", Date: "2024-05-05"}
	s.Transactions[TemporaryID(2)] = Transaction{ID: TemporaryID(2), AccountID: "acc-1", Date: "2024-05-05"}

	out, removed := PruneTemporary(s, []Operation{{Kind: OpCreate, Entity: EntityTransaction, Target: TemporaryID(2)}})

	assert.Equal(t, 1, removed)
	assert.NotContains(t, out.Transactions, TemporaryID(1))
	assert.Contains(t, out.Transactions, TemporaryID(2))
}

func TestSnapshot_JSONRoundTripKeepsKeys(t *testing.T) {
	s := seededSnapshot()
	s.Transactions[TemporaryID(7)] = Transaction{ID: TemporaryID(7), AccountID: "acc-1", Date: "2024-05-07"}
	s.Deferred[TransactionRef(ServerID("t1"))] = DeferredChange{ServerKnowledge: 3}

	data, err := json.Marshal(s)
	require.NoError(t, err)

	var decoded Snapshot
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Contains(t, decoded.Transactions, TemporaryID(7))
	assert.Contains(t, decoded.Allocations, AllocationKey{CategoryID: "cat-1", Month: "2024-05"})
	assert.Contains(t, decoded.Deferred, TransactionRef(ServerID("t1")))
}
