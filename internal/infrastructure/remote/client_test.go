package remote_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eshaffer321/ynab-sync/internal/domain/budget"
	"github.com/eshaffer321/ynab-sync/internal/infrastructure/remote"
	"github.com/eshaffer321/ynab-sync/internal/infrastructure/remote/remotetest"
	"github.com/eshaffer321/ynab-sync/internal/infrastructure/storage"
)

const testToken = "secret-token"

type fixture struct {
	srv       *remotetest.Server
	client    *remote.Client
	budgetID  string
	accountID string
	groceries string
	dining    string
}

func newFixture(t *testing.T, tweak ...func(*remote.Config)) *fixture {
	t.Helper()

	srv := remotetest.NewServer(remotetest.Options{AccessToken: testToken})
	t.Cleanup(srv.Close)

	f := &fixture{srv: srv}
	f.budgetID = srv.AddBudget(budget.Budget{ID: "b1", Name: "Household"})
	f.accountID = srv.AddAccount(f.budgetID, budget.Account{ID: "acct-1", Name: "Checking", OnBudget: true})
	group := srv.AddCategoryGroup(f.budgetID, budget.CategoryGroup{ID: "grp-1", Name: "Everyday"})
	f.groceries = srv.AddCategory(f.budgetID, budget.Category{ID: "cat-groceries", GroupID: group, Name: "Groceries"})
	f.dining = srv.AddCategory(f.budgetID, budget.Category{ID: "cat-dining", GroupID: group, Name: "Dining", GoalType: "MF", GoalTarget: 100000})

	cfg := remote.Config{
		BaseURL:      srv.URL(),
		AccessToken:  testToken,
		Timeout:      5 * time.Second,
		FetchRetries: 2,
		RetryWaitMin: time.Millisecond,
		RetryWaitMax: 5 * time.Millisecond,
	}
	for _, fn := range tweak {
		fn(&cfg)
	}
	f.client = remote.NewClient(cfg, quietLogger())
	return f
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestListBudgets(t *testing.T) {
	f := newFixture(t)
	f.srv.AddBudget(budget.Budget{ID: "b2", Name: "Side Business", CurrencyISOCode: "EUR"})

	budgets, err := f.client.ListBudgets(context.Background())
	require.NoError(t, err)
	require.Len(t, budgets, 2)
	assert.Equal(t, "Household", budgets[0].Name)
	assert.Equal(t, "USD", budgets[0].CurrencyISOCode)
	assert.Equal(t, "EUR", budgets[1].CurrencyISOCode)
	assert.False(t, budgets[0].LastModifiedOn.IsZero())
}

func TestFetchFull(t *testing.T) {
	f := newFixture(t)
	f.srv.SetAllocation(f.budgetID, f.groceries, "2024-05", 400000)
	split := f.srv.AddTransaction(f.budgetID, budget.Transaction{
		AccountID: f.accountID,
		Date:      "2024-05-03",
		Amount:    -30000,
		Subtransactions: []budget.Subtransaction{
			{Amount: -20000, CategoryID: f.groceries},
			{Amount: -10000, CategoryID: f.dining, Memo: "coffee"},
		},
	})
	plain := f.srv.AddTransaction(f.budgetID, budget.Transaction{
		AccountID:  f.accountID,
		Date:       "2024-05-04",
		Amount:     -5000,
		CategoryID: f.groceries,
		Cleared:    budget.Reconciled,
		FlagColor:  budget.FlagRed,
	})

	snap, err := f.client.FetchFull(context.Background(), f.budgetID)
	require.NoError(t, err)

	assert.Equal(t, f.srv.Knowledge(f.budgetID), snap.ServerKnowledge)
	assert.Equal(t, "Household", snap.Budget.Name)
	require.Contains(t, snap.Accounts, f.accountID)
	assert.Equal(t, budget.Milliunits(-35000), snap.Accounts[f.accountID].Balance)
	assert.NotEmpty(t, snap.Accounts[f.accountID].TransferPayeeID)
	assert.Contains(t, snap.Payees, snap.Accounts[f.accountID].TransferPayeeID)
	assert.Len(t, snap.Categories, 2)
	assert.Equal(t, "MF", snap.Categories[f.dining].GoalType)

	alloc := snap.Allocations[budget.AllocationKey{CategoryID: f.groceries, Month: "2024-05"}]
	assert.Equal(t, budget.Milliunits(400000), alloc.Budgeted)
	assert.Equal(t, budget.Milliunits(-25000), alloc.Activity)
	assert.Equal(t, budget.Milliunits(375000), alloc.Balance)

	got := snap.Transactions[split.ID]
	require.Len(t, got.Subtransactions, 2)
	assert.Empty(t, got.CategoryID)
	assert.Equal(t, "coffee", got.Subtransactions[1].Memo)
	assert.Equal(t, budget.Reconciled, snap.Transactions[plain.ID].Cleared)
	assert.Equal(t, budget.FlagRed, snap.Transactions[plain.ID].FlagColor)
}

func TestFetchDelta_OnlyChanges(t *testing.T) {
	f := newFixture(t)
	first := f.srv.AddTransaction(f.budgetID, budget.Transaction{AccountID: f.accountID, Date: "2024-05-01", Amount: -1000, CategoryID: f.groceries})
	f.srv.AddTransaction(f.budgetID, budget.Transaction{AccountID: f.accountID, Date: "2024-05-02", Amount: -2000})
	cursor := f.srv.Knowledge(f.budgetID)

	require.NoError(t, f.srv.DeleteTransaction(f.budgetID, first.ID.Server))

	d, err := f.client.FetchDelta(context.Background(), f.budgetID, cursor)
	require.NoError(t, err)
	assert.Greater(t, d.ServerKnowledge, cursor)
	require.Len(t, d.Transactions, 1)
	assert.Equal(t, first.ID, d.Transactions[0].ID)
	assert.True(t, d.Transactions[0].Deleted)
	assert.Empty(t, d.Accounts)

	require.Len(t, d.Allocations, 1)
	assert.Equal(t, f.groceries, d.Allocations[0].CategoryID)
	assert.Equal(t, budget.Milliunits(0), d.Allocations[0].Activity)

	assert.Equal(t, 1, f.srv.CountRequests(http.MethodGet, "/budgets/b1"))
	assert.Contains(t, f.srv.Requests()[0].Query, "last_knowledge_of_server=")
}

func TestFetchDelta_CursorInvalid(t *testing.T) {
	t.Run("expired cursor", func(t *testing.T) {
		f := newFixture(t)
		f.srv.ExpireCursorsBelow(f.budgetID, f.srv.Knowledge(f.budgetID))

		_, err := f.client.FetchDelta(context.Background(), f.budgetID, 1)
		assert.ErrorIs(t, err, budget.ErrCursorInvalid)
	})

	t.Run("unknown cursor", func(t *testing.T) {
		f := newFixture(t)
		_, err := f.client.FetchDelta(context.Background(), f.budgetID, 999)
		assert.ErrorIs(t, err, budget.ErrCursorInvalid)
	})

	t.Run("gone", func(t *testing.T) {
		f := newFixture(t)
		f.srv.FailNext(http.MethodGet, "/budgets/b1", http.StatusGone, "")
		_, err := f.client.FetchDelta(context.Background(), f.budgetID, 1)
		assert.ErrorIs(t, err, budget.ErrCursorInvalid)
	})
}

func TestFetch_RetriesTransientFailures(t *testing.T) {
	f := newFixture(t)
	f.srv.FailNext(http.MethodGet, "/budgets/b1", http.StatusServiceUnavailable, "")
	f.srv.FailNext(http.MethodGet, "/budgets/b1", http.StatusTooManyRequests, "too_many_requests")

	snap, err := f.client.FetchFull(context.Background(), f.budgetID)
	require.NoError(t, err)
	assert.Equal(t, f.budgetID, snap.BudgetID())
	assert.Equal(t, 3, f.srv.CountRequests(http.MethodGet, "/budgets/b1"))
}

func TestFetch_GivesUpAfterRetries(t *testing.T) {
	f := newFixture(t, func(c *remote.Config) { c.FetchRetries = 1 })
	for i := 0; i < 2; i++ {
		f.srv.FailNext(http.MethodGet, "/budgets/b1", http.StatusInternalServerError, "")
	}

	_, err := f.client.FetchFull(context.Background(), f.budgetID)
	assert.ErrorIs(t, err, budget.ErrTransientNetwork)
	assert.True(t, budget.IsRetriable(err))
}

func TestFetch_UnknownBudget(t *testing.T) {
	f := newFixture(t)
	_, err := f.client.FetchFull(context.Background(), "missing")
	assert.ErrorIs(t, err, budget.ErrNotFound)
}

func TestSubmitCreate(t *testing.T) {
	f := newFixture(t)
	before := f.srv.Knowledge(f.budgetID)

	conf, err := f.client.SubmitCreate(context.Background(), f.budgetID, budget.Transaction{
		ID:         budget.TemporaryID(7),
		AccountID:  f.accountID,
		Date:       "2024-05-10",
		Amount:     -4200,
		CategoryID: f.dining,
		Memo:       "lunch",
		FlagColor:  budget.FlagGreen,
	})
	require.NoError(t, err)
	require.NotNil(t, conf.Transaction)
	assert.False(t, conf.Transaction.ID.IsTemporary())
	assert.NotEmpty(t, conf.Transaction.ID.Server)
	assert.Equal(t, "lunch", conf.Transaction.Memo)
	assert.Equal(t, budget.Uncleared, conf.Transaction.Cleared)
	assert.Greater(t, conf.ServerKnowledge, before)

	stored, ok := f.srv.Transaction(f.budgetID, conf.Transaction.ID.Server)
	require.True(t, ok)
	assert.Equal(t, budget.Milliunits(-4200), stored.Amount)
	assert.Equal(t, budget.FlagGreen, stored.FlagColor)
}

func TestSubmitCreate_SplitMismatchRejected(t *testing.T) {
	f := newFixture(t)

	_, err := f.client.SubmitCreate(context.Background(), f.budgetID, budget.Transaction{
		AccountID: f.accountID,
		Date:      "2024-05-10",
		Amount:    -3000,
		Subtransactions: []budget.Subtransaction{
			{Amount: -1000, CategoryID: f.groceries},
			{Amount: -1000, CategoryID: f.dining},
		},
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, budget.ErrEntityRejected)
	assert.NotErrorIs(t, err, budget.ErrEntityConflict)
	assert.False(t, budget.IsRetriable(err))

	var rejected *budget.RejectedError
	require.True(t, errors.As(err, &rejected))
	assert.Equal(t, http.StatusBadRequest, rejected.StatusCode)
	assert.Contains(t, rejected.Detail, "subtransactions")
}

func TestSubmit_NotRetried(t *testing.T) {
	f := newFixture(t)
	f.srv.FailNext(http.MethodPost, "/transactions", http.StatusServiceUnavailable, "")

	_, err := f.client.SubmitCreate(context.Background(), f.budgetID, budget.Transaction{AccountID: f.accountID, Date: "2024-05-10", Amount: -100})
	assert.ErrorIs(t, err, budget.ErrTransientNetwork)
	assert.Equal(t, 1, f.srv.CountRequests(http.MethodPost, "/transactions"))
	assert.Empty(t, f.srv.Transactions(f.budgetID))
}

func TestSubmit_ConnectionDropped(t *testing.T) {
	f := newFixture(t)
	f.srv.FailNext(http.MethodPost, "/transactions", 0, "")

	_, err := f.client.SubmitCreate(context.Background(), f.budgetID, budget.Transaction{AccountID: f.accountID, Date: "2024-05-10", Amount: -100})
	assert.ErrorIs(t, err, budget.ErrTransientNetwork)
}

func TestSubmit_Conflict(t *testing.T) {
	f := newFixture(t)
	f.srv.FailNext(http.MethodPost, "/transactions", http.StatusConflict, "conflict")

	_, err := f.client.SubmitCreate(context.Background(), f.budgetID, budget.Transaction{AccountID: f.accountID, Date: "2024-05-10", Amount: -100})
	assert.ErrorIs(t, err, budget.ErrEntityConflict)
	assert.ErrorIs(t, err, budget.ErrEntityRejected)
}

func TestSubmit_Unauthorized(t *testing.T) {
	f := newFixture(t, func(c *remote.Config) { c.AccessToken = "stale" })

	_, err := f.client.SubmitDelete(context.Background(), f.budgetID, "whatever")
	assert.ErrorIs(t, err, budget.ErrUnauthorized)
	assert.True(t, budget.IsRetriable(err))

	f.client.SetAccessToken(testToken)
	_, err = f.client.ListBudgets(context.Background())
	assert.NoError(t, err)
}

func TestSubmitUpdateAndDelete(t *testing.T) {
	f := newFixture(t)
	txn := f.srv.AddTransaction(f.budgetID, budget.Transaction{AccountID: f.accountID, Date: "2024-05-01", Amount: -1000, CategoryID: f.groceries})

	txn.Amount = -1500
	txn.Cleared = budget.Cleared
	conf, err := f.client.SubmitUpdate(context.Background(), f.budgetID, txn)
	require.NoError(t, err)
	assert.Equal(t, txn.ID, conf.Transaction.ID)
	assert.Equal(t, budget.Milliunits(-1500), conf.Transaction.Amount)
	assert.Equal(t, budget.Cleared, conf.Transaction.Cleared)

	conf, err = f.client.SubmitDelete(context.Background(), f.budgetID, txn.ID.Server)
	require.NoError(t, err)
	assert.True(t, conf.Transaction.Deleted)

	_, err = f.client.SubmitDelete(context.Background(), f.budgetID, txn.ID.Server)
	assert.ErrorIs(t, err, budget.ErrEntityRejected)
	assert.NotErrorIs(t, err, budget.ErrNotFound)
}

func TestSubmitUpdate_TemporaryID(t *testing.T) {
	f := newFixture(t)
	_, err := f.client.SubmitUpdate(context.Background(), f.budgetID, budget.Transaction{ID: budget.TemporaryID(1), AccountID: f.accountID, Date: "2024-05-01"})
	assert.ErrorIs(t, err, budget.ErrInvalidMutation)
	assert.Empty(t, f.srv.Requests())
}

func TestSubmitAllocation(t *testing.T) {
	f := newFixture(t)

	conf, err := f.client.SubmitAllocation(context.Background(), f.budgetID, budget.Allocation{
		CategoryID: f.dining,
		Month:      "2024-06",
		Budgeted:   80000,
	})
	require.NoError(t, err)
	require.NotNil(t, conf.Allocation)
	assert.Equal(t, "2024-06", conf.Allocation.Month)
	assert.Equal(t, budget.Milliunits(80000), conf.Allocation.Budgeted)
	assert.Equal(t, budget.Milliunits(20000), conf.Allocation.GoalUnderFunded)
	assert.Equal(t, budget.Milliunits(80000), f.srv.Budgeted(f.budgetID, f.dining, "2024-06"))
	assert.Equal(t, 1, f.srv.CountRequests(http.MethodPatch, "/months/2024-06-01/categories/"+f.dining))

	_, err = f.client.SubmitAllocation(context.Background(), f.budgetID, budget.Allocation{CategoryID: "nope", Month: "2024-06"})
	assert.ErrorIs(t, err, budget.ErrEntityRejected)
}

func TestRecorder(t *testing.T) {
	f := newFixture(t)
	repo := storage.NewMockRepository()
	f.client.SetRecorder(repo)

	ctx := remote.WithRunID(context.Background(), 42)
	_, err := f.client.FetchFull(ctx, f.budgetID)
	require.NoError(t, err)

	_, err = f.client.SubmitCreate(context.Background(), f.budgetID, budget.Transaction{AccountID: "missing", Date: "2024-05-10", Amount: -100})
	require.Error(t, err)

	calls := repo.APICalls()
	require.Len(t, calls, 2)

	assert.Equal(t, http.MethodGet, calls[0].Method)
	require.NotNil(t, calls[0].RunID)
	assert.Equal(t, int64(42), *calls[0].RunID)
	assert.Equal(t, http.StatusOK, calls[0].StatusCode)
	assert.Contains(t, calls[0].ResponseJSON, "server_knowledge")

	assert.Nil(t, calls[1].RunID)
	assert.Equal(t, http.StatusBadRequest, calls[1].StatusCode)
	assert.Contains(t, calls[1].RequestJSON, `"account_id":"missing"`)
	assert.NotEmpty(t, calls[1].Error)
}

func TestContextCanceled(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := f.client.FetchFull(ctx, f.budgetID)
	assert.ErrorIs(t, err, context.Canceled)
	assert.NotErrorIs(t, err, budget.ErrTransientNetwork)
}

func TestThrottle(t *testing.T) {
	f := newFixture(t, func(c *remote.Config) {
		c.RateInterval = 30 * time.Millisecond
		c.RateBurst = 1
	})

	start := time.Now()
	for i := 0; i < 3; i++ {
		_, err := f.client.ListBudgets(context.Background())
		require.NoError(t, err)
	}
	assert.GreaterOrEqual(t, time.Since(start), 55*time.Millisecond)
}
