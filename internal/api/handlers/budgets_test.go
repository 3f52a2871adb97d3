package handlers_test

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eshaffer321/ynab-sync/internal/api/dto"
	"github.com/eshaffer321/ynab-sync/internal/api/handlers"
	appsync "github.com/eshaffer321/ynab-sync/internal/application/sync"
	"github.com/eshaffer321/ynab-sync/internal/domain/budget"
	"github.com/eshaffer321/ynab-sync/internal/domain/view"
)

func budgetRequest(method, path, body string) *http.Request {
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	return req.WithContext(setChiURLParam(req.Context(), "budgetID", "b1"))
}

func sampleView() *view.BudgetView {
	return &view.BudgetView{
		BudgetID:        "b1",
		BudgetName:      "Household",
		ServerKnowledge: 12,
		ReadyToAssign:   150000,
		Accounts: []view.AccountBalance{
			{AccountID: "acct-1", Name: "Checking", OnBudget: true, Cleared: 100000, Uncleared: -2500, Working: 97500},
		},
		Categories: []view.CategoryMonth{
			{CategoryID: "cat-1", Name: "Dining", GroupName: "Fun", Budgeted: 50000, Activity: -2500, Available: 47500, Classification: view.FullyFunded},
		},
		Transactions: []budget.Transaction{
			{ID: budget.TemporaryID(3), AccountID: "acct-1", Date: "2024-05-02", Amount: -2500, Cleared: budget.Uncleared},
		},
	}
}

func TestBudgetsHandler_View(t *testing.T) {
	t.Run("returns the view with formatted amounts", func(t *testing.T) {
		engine := newFakeEngine()
		engine.view = sampleView()
		handler := handlers.NewBudgetsHandler(engine)

		rec := httptest.NewRecorder()
		handler.View(rec, budgetRequest(http.MethodGet, "/api/budgets/b1/view?month=2024-05", ""))

		require.Equal(t, http.StatusOK, rec.Code)

		var response dto.ViewResponse
		require.NoError(t, json.NewDecoder(rec.Body).Decode(&response))

		assert.Equal(t, "2024-05", response.Month)
		assert.Equal(t, "$150.00", response.ReadyToAssign.Display)
		require.Len(t, response.Accounts, 1)
		assert.Equal(t, int64(97500), response.Accounts[0].Working.Milliunits)
		assert.Equal(t, "-$2.50", response.Accounts[0].Uncleared.Display)
		require.Len(t, response.Transactions, 1)
		assert.True(t, response.Transactions[0].Temporary)
		assert.Equal(t, "~tmp-3", response.Transactions[0].ID)
		assert.Equal(t, []string{"b1"}, engine.opened)
	})

	t.Run("rejects an invalid month", func(t *testing.T) {
		engine := newFakeEngine()
		engine.view = sampleView()
		handler := handlers.NewBudgetsHandler(engine)

		rec := httptest.NewRecorder()
		handler.View(rec, budgetRequest(http.MethodGet, "/api/budgets/b1/view?month=13-2024", ""))

		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("returns 503 once the engine is closed", func(t *testing.T) {
		engine := newFakeEngine()
		engine.openErr = appsync.ErrClosed
		handler := handlers.NewBudgetsHandler(engine)

		rec := httptest.NewRecorder()
		handler.View(rec, budgetRequest(http.MethodGet, "/api/budgets/b1/view", ""))

		assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

		var response dto.APIError
		require.NoError(t, json.NewDecoder(rec.Body).Decode(&response))
		assert.Equal(t, dto.ErrCodeUnavailable, response.Code)
	})
}

func TestBudgetsHandler_Status(t *testing.T) {
	engine := newFakeEngine()
	engine.status = appsync.Status{
		State:    appsync.StateReady,
		Cursor:   42,
		Pending:  2,
		Notices:  1,
		LastSync: time.Date(2024, 5, 2, 10, 0, 0, 0, time.UTC),
	}
	handler := handlers.NewBudgetsHandler(engine)

	rec := httptest.NewRecorder()
	handler.Status(rec, budgetRequest(http.MethodGet, "/api/budgets/b1/status", ""))

	require.Equal(t, http.StatusOK, rec.Code)

	var response dto.StatusResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&response))
	assert.Equal(t, "b1", response.BudgetID)
	assert.Equal(t, "ready", response.State)
	assert.Equal(t, int64(42), response.Cursor)
	assert.Equal(t, 2, response.Pending)
	assert.Equal(t, "2024-05-02T10:00:00Z", response.LastSync)
}

func TestBudgetsHandler_Refresh(t *testing.T) {
	engine := newFakeEngine()
	handler := handlers.NewBudgetsHandler(engine)

	rec := httptest.NewRecorder()
	handler.Refresh(rec, budgetRequest(http.MethodPost, "/api/budgets/b1/refresh", ""))

	assert.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, []string{"b1"}, engine.refreshed)
}

func TestBudgetsHandler_Enqueue(t *testing.T) {
	t.Run("queues a split create", func(t *testing.T) {
		engine := newFakeEngine()
		handler := handlers.NewBudgetsHandler(engine)

		body := `{
			"kind": "create",
			"transaction": {
				"account_id": "acct-1",
				"date": "2024-05-02",
				"amount": "-30.00",
				"subtransactions": [
					{"amount": "-20", "category_id": "cat-1"},
					{"amount": "-10.00", "category_id": "cat-2"}
				]
			}
		}`
		rec := httptest.NewRecorder()
		handler.Enqueue(rec, budgetRequest(http.MethodPost, "/api/budgets/b1/mutations", body))

		require.Equal(t, http.StatusAccepted, rec.Code)

		var response dto.MutationResponse
		require.NoError(t, json.NewDecoder(rec.Body).Decode(&response))
		assert.Equal(t, "op-1", response.Handle)
		assert.Equal(t, "queued", response.Status)

		require.Len(t, engine.enqueued, 1)
		m := engine.enqueued[0]
		assert.Equal(t, budget.OpCreate, m.Kind)
		assert.Equal(t, budget.EntityTransaction, m.Entity)
		assert.Equal(t, budget.Milliunits(-30000), m.Transaction.Amount)
		assert.Equal(t, budget.Uncleared, m.Transaction.Cleared)
		require.Len(t, m.Transaction.Subtransactions, 2)
		assert.Equal(t, budget.Milliunits(-10000), m.Transaction.Subtransactions[1].Amount)
	})

	t.Run("queues an allocation change", func(t *testing.T) {
		engine := newFakeEngine()
		handler := handlers.NewBudgetsHandler(engine)

		body := `{"kind":"update","entity":"allocation","allocation":{"category_id":"cat-1","month":"2024-05","budgeted":"125.50"}}`
		rec := httptest.NewRecorder()
		handler.Enqueue(rec, budgetRequest(http.MethodPost, "/api/budgets/b1/mutations", body))

		require.Equal(t, http.StatusAccepted, rec.Code)
		require.Len(t, engine.enqueued, 1)
		assert.Equal(t, budget.Milliunits(125500), engine.enqueued[0].Allocation.Budgeted)
	})

	t.Run("queues a delete by temporary id", func(t *testing.T) {
		engine := newFakeEngine()
		handler := handlers.NewBudgetsHandler(engine)

		rec := httptest.NewRecorder()
		handler.Enqueue(rec, budgetRequest(http.MethodPost, "/api/budgets/b1/mutations", `{"kind":"delete","target":"~tmp-7"}`))

		require.Equal(t, http.StatusAccepted, rec.Code)
		assert.Equal(t, budget.TemporaryID(7), engine.enqueued[0].Target)
	})

	tests := []struct {
		name string
		body string
		code string
	}{
		{name: "malformed json", body: `{"kind":`, code: dto.ErrCodeBadRequest},
		{name: "unknown field", body: `{"kind":"delete","target":"t1","force":true}`, code: dto.ErrCodeBadRequest},
		{name: "bad amount", body: `{"kind":"create","transaction":{"account_id":"a","date":"2024-05-02","amount":"ten"}}`, code: dto.ErrCodeValidation},
		{name: "missing target", body: `{"kind":"delete"}`, code: dto.ErrCodeValidation},
		{name: "unknown kind", body: `{"kind":"merge","target":"t1"}`, code: dto.ErrCodeValidation},
	}
	for _, tt := range tests {
		t.Run("rejects "+tt.name, func(t *testing.T) {
			engine := newFakeEngine()
			handler := handlers.NewBudgetsHandler(engine)

			rec := httptest.NewRecorder()
			handler.Enqueue(rec, budgetRequest(http.MethodPost, "/api/budgets/b1/mutations", tt.body))

			assert.Equal(t, http.StatusBadRequest, rec.Code)

			var response dto.APIError
			require.NoError(t, json.NewDecoder(rec.Body).Decode(&response))
			assert.Equal(t, tt.code, response.Code)
			assert.Empty(t, engine.enqueued)
		})
	}

	t.Run("reports engine validation failures", func(t *testing.T) {
		engine := newFakeEngine()
		engine.enqueueFn = func(budget.Mutation) (budget.OperationHandle, error) {
			return "", fmt.Errorf("%w: Split amounts are $5.00 under the total", budget.ErrInvalidMutation)
		}
		handler := handlers.NewBudgetsHandler(engine)

		body := `{"kind":"create","transaction":{"account_id":"a","date":"2024-05-02","amount":"-1"}}`
		rec := httptest.NewRecorder()
		handler.Enqueue(rec, budgetRequest(http.MethodPost, "/api/budgets/b1/mutations", body))

		assert.Equal(t, http.StatusBadRequest, rec.Code)

		var response dto.APIError
		require.NoError(t, json.NewDecoder(rec.Body).Decode(&response))
		assert.Contains(t, response.Message, "under the total")
	})
}

func TestBudgetsHandler_Operations(t *testing.T) {
	engine := newFakeEngine()
	next := time.Date(2024, 5, 2, 10, 0, 5, 0, time.UTC)
	engine.ops = []budget.Operation{
		{
			Handle: "h1", Kind: budget.OpCreate, Entity: budget.EntityTransaction, Target: budget.TemporaryID(1),
			Transaction: &budget.Transaction{ID: budget.TemporaryID(1), AccountID: "acct-1", Date: "2024-05-02", Amount: -1000},
			Status:      budget.OpFailed, Attempts: 2, LastError: "timeout", NextAttemptAt: next,
		},
		{
			Handle: "h2", Kind: budget.OpDelete, Entity: budget.EntityAllocation,
			Allocation: &budget.AllocationChange{CategoryID: "cat-1", Month: "2024-05", Budgeted: 9000},
			Status:     budget.OpPending,
		},
	}
	handler := handlers.NewBudgetsHandler(engine)

	rec := httptest.NewRecorder()
	handler.Operations(rec, budgetRequest(http.MethodGet, "/api/budgets/b1/operations", ""))

	require.Equal(t, http.StatusOK, rec.Code)

	var response dto.OperationListResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&response))
	require.Equal(t, 2, response.Count)

	first := response.Operations[0]
	assert.Equal(t, "~tmp-1", first.Target)
	assert.Equal(t, "failed", first.Status)
	assert.Equal(t, 2, first.Attempts)
	assert.Equal(t, "2024-05-02T10:00:05Z", first.NextAttemptAt)
	require.NotNil(t, first.Transaction)
	assert.Equal(t, "-$1.00", first.Transaction.Amount.Display)

	second := response.Operations[1]
	assert.Empty(t, second.Target)
	require.NotNil(t, second.Allocation)
	assert.Equal(t, int64(0), second.Allocation.Budgeted.Milliunits, "deleting an allocation sets it to zero")
}

func TestBudgetsHandler_Notices(t *testing.T) {
	engine := newFakeEngine()
	require.NoError(t, engine.repo.SaveNotice(&budget.Notice{
		ID: "n1", BudgetID: "b1", Kind: budget.NoticeRejected, EntityKind: budget.EntityTransaction,
		EntityID: "txn-1", Reason: "the server refused this change", RaisedAt: time.Now(),
	}))
	require.NoError(t, engine.repo.SaveNotice(&budget.Notice{
		ID: "n2", BudgetID: "b1", Kind: budget.NoticeSuperseded, Reason: "server edit", RaisedAt: time.Now(), Acknowledged: true,
	}))
	handler := handlers.NewBudgetsHandler(engine)

	rec := httptest.NewRecorder()
	handler.Notices(rec, budgetRequest(http.MethodGet, "/api/budgets/b1/notices", ""))

	require.Equal(t, http.StatusOK, rec.Code)
	var response dto.NoticeListResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&response))
	require.Equal(t, 1, response.Count)
	assert.Equal(t, "n1", response.Notices[0].ID)
	assert.Equal(t, "warning", response.Notices[0].Severity)

	rec = httptest.NewRecorder()
	handler.Notices(rec, budgetRequest(http.MethodGet, "/api/budgets/b1/notices?all=true", ""))

	require.NoError(t, json.NewDecoder(rec.Body).Decode(&response))
	assert.Equal(t, 2, response.Count)
}
