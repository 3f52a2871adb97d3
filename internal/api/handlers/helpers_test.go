package handlers_test

import (
	"context"
	"fmt"
	"sync"

	"github.com/go-chi/chi/v5"

	appsync "github.com/eshaffer321/ynab-sync/internal/application/sync"
	"github.com/eshaffer321/ynab-sync/internal/domain/budget"
	"github.com/eshaffer321/ynab-sync/internal/domain/view"
	"github.com/eshaffer321/ynab-sync/internal/infrastructure/storage"
)

// setChiURLParam sets a chi URL parameter in the request context.
func setChiURLParam(ctx context.Context, key, value string) context.Context {
	rctx := chi.NewRouteContext()
	rctx.URLParams.Add(key, value)
	return context.WithValue(ctx, chi.RouteCtxKey, rctx)
}

// fakeEngine records calls and answers from its fields. Runs and notices
// come from a MockRepository.
type fakeEngine struct {
	mu sync.Mutex

	repo      *storage.MockRepository
	openErr   error
	view      *view.BudgetView
	viewErr   error
	status    appsync.Status
	ops       []budget.Operation
	enqueued  []budget.Mutation
	enqueueFn func(m budget.Mutation) (budget.OperationHandle, error)
	refreshed []string
	opened    []string
}

func newFakeEngine() *fakeEngine {
	return &fakeEngine{repo: storage.NewMockRepository()}
}

func (f *fakeEngine) Open(_ context.Context, budgetID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.opened = append(f.opened, budgetID)
	return f.openErr
}

func (f *fakeEngine) CurrentView(budgetID, month string) (*view.BudgetView, error) {
	if f.viewErr != nil {
		return nil, f.viewErr
	}
	if month == "" {
		month = "2024-05"
	}
	if _, err := budget.NormalizeMonth(month); err != nil {
		return nil, fmt.Errorf("%w: %v", budget.ErrInvalidMutation, err)
	}
	v := *f.view
	v.Month = month
	return &v, nil
}

func (f *fakeEngine) SyncStatus(budgetID string) appsync.Status {
	s := f.status
	s.BudgetID = budgetID
	return s
}

func (f *fakeEngine) Refresh(budgetID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.refreshed = append(f.refreshed, budgetID)
}

func (f *fakeEngine) EnqueueMutation(_ context.Context, _ string, m budget.Mutation) (budget.OperationHandle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.enqueueFn != nil {
		return f.enqueueFn(m)
	}
	if err := m.Validate(); err != nil {
		return "", err
	}
	f.enqueued = append(f.enqueued, m)
	return budget.OperationHandle(fmt.Sprintf("op-%d", len(f.enqueued))), nil
}

func (f *fakeEngine) PendingOperations(string) ([]budget.Operation, error) {
	return f.ops, nil
}

func (f *fakeEngine) Notices(budgetID string) ([]budget.Notice, error) {
	return f.repo.ListNotices(budgetID, false)
}

func (f *fakeEngine) NoticeHistory(budgetID string) ([]budget.Notice, error) {
	return f.repo.ListNotices(budgetID, true)
}

func (f *fakeEngine) AcknowledgeNotice(id string) error {
	return f.repo.AcknowledgeNotice(id)
}

func (f *fakeEngine) SyncRuns(budgetID string, limit int) ([]storage.SyncRun, error) {
	return f.repo.ListSyncRuns(budgetID, limit)
}

func (f *fakeEngine) SyncRun(runID int64) (*storage.SyncRun, error) {
	return f.repo.GetSyncRun(runID)
}

func (f *fakeEngine) RunCalls(runID int64) ([]storage.APICall, error) {
	return f.repo.GetAPICallsByRunID(runID)
}

type budgetList []string

func (b budgetList) Budgets() []string { return b }
