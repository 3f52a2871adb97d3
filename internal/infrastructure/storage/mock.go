package storage

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/eshaffer321/ynab-sync/internal/domain/budget"
)

// MockRepository is an in-memory implementation of Repository for testing.
// It stores all data in maps and slices, making tests fast and isolated.
type MockRepository struct {
	mu sync.Mutex

	ops       []budget.Operation
	nextSeq   int64
	tempSeq   uint64
	syncRuns  map[int64]*SyncRun
	nextRunID int64
	apiCalls  []APICall
	notices   map[string]*budget.Notice

	// Now is the clock used for attempts and backoff.
	Now func() time.Time

	// Hooks for test assertions
	EnqueueCalls       int
	MarkConfirmedCalls int
	MarkFailedCalls    int
	StartSyncRunCalled bool
	LogAPICallCalled   bool

	// Error injection for testing error paths
	EnqueueErr       error
	ListPendingErr   error
	MarkConfirmedErr error
	MarkFailedErr    error
	RemoveErr        error
	StartSyncRunErr  error
	LogAPICallErr    error
	SaveNoticeErr    error
}

// NewMockRepository creates a new mock repository for testing
func NewMockRepository() *MockRepository {
	return &MockRepository{
		syncRuns:  make(map[int64]*SyncRun),
		notices:   make(map[string]*budget.Notice),
		apiCalls:  make([]APICall, 0),
		nextSeq:   1,
		nextRunID: 1,
		Now:       time.Now,
	}
}

// Compile-time check that MockRepository implements Repository
var _ Repository = (*MockRepository)(nil)

// Close does nothing for mock
func (m *MockRepository) Close() error {
	return nil
}

// Enqueue appends to the in-memory log
func (m *MockRepository) Enqueue(op budget.Operation) (budget.OperationHandle, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.EnqueueCalls++
	if m.EnqueueErr != nil {
		return "", m.EnqueueErr
	}
	if op.Handle == "" {
		op.Handle = budget.OperationHandle(uuid.NewString())
	}
	if op.EnqueuedAt.IsZero() {
		op.EnqueuedAt = m.Now()
	}
	if op.NextAttemptAt.IsZero() {
		op.NextAttemptAt = op.EnqueuedAt
	}
	if op.Status == "" {
		op.Status = budget.OpPending
	}
	op.Seq = m.nextSeq
	m.nextSeq++
	m.ops = append(m.ops, op)
	return op.Handle, nil
}

// ListPending returns a copy of the budget's operations in seq order
func (m *MockRepository) ListPending(budgetID string) ([]budget.Operation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.ListPendingErr != nil {
		return nil, m.ListPendingErr
	}
	var out []budget.Operation
	for _, op := range m.ops {
		if op.BudgetID == budgetID {
			out = append(out, op)
		}
	}
	return out, nil
}

func (m *MockRepository) indexOf(handle budget.OperationHandle) int {
	for i, op := range m.ops {
		if op.Handle == handle {
			return i
		}
	}
	return -1
}

// MarkConfirmed removes the operation and rewrites temporary ids
func (m *MockRepository) MarkConfirmed(handle budget.OperationHandle, serverID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.MarkConfirmedCalls++
	if m.MarkConfirmedErr != nil {
		return m.MarkConfirmedErr
	}
	i := m.indexOf(handle)
	if i < 0 {
		return fmt.Errorf("operation %s: %w", handle, budget.ErrNotFound)
	}
	op := m.ops[i]
	m.ops = append(m.ops[:i], m.ops[i+1:]...)

	if op.Target.IsTemporary() && serverID != "" {
		for j := range m.ops {
			if m.ops[j].BudgetID == op.BudgetID {
				m.ops[j] = m.ops[j].RewriteID(op.Target, budget.ServerID(serverID))
			}
		}
	}
	return nil
}

// MarkFailed records an attempt, removing the operation when terminal
func (m *MockRepository) MarkFailed(handle budget.OperationHandle, retriable bool, reason string, policy RetryPolicy) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.MarkFailedCalls++
	if m.MarkFailedErr != nil {
		return false, m.MarkFailedErr
	}
	i := m.indexOf(handle)
	if i < 0 {
		return false, fmt.Errorf("operation %s: %w", handle, budget.ErrNotFound)
	}

	op := &m.ops[i]
	op.Attempts++
	if !retriable || policy.Exhausted(op.Attempts) {
		m.ops = append(m.ops[:i], m.ops[i+1:]...)
		return true, nil
	}
	now := m.Now()
	op.LastAttemptAt = &now
	op.NextAttemptAt = now.Add(policy.Backoff(op.Attempts))
	op.Status = budget.OpFailed
	op.LastError = reason
	return false, nil
}

// Remove deletes an operation
func (m *MockRepository) Remove(handle budget.OperationHandle) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.RemoveErr != nil {
		return m.RemoveErr
	}
	i := m.indexOf(handle)
	if i < 0 {
		return fmt.Errorf("operation %s: %w", handle, budget.ErrNotFound)
	}
	m.ops = append(m.ops[:i], m.ops[i+1:]...)
	return nil
}

// ClearPending drops every operation of a budget
func (m *MockRepository) ClearPending(budgetID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	kept := m.ops[:0]
	removed := 0
	for _, op := range m.ops {
		if op.BudgetID == budgetID {
			removed++
			continue
		}
		kept = append(kept, op)
	}
	m.ops = kept
	return removed, nil
}

// NextTemporaryID returns increasing temporary ids
func (m *MockRepository) NextTemporaryID() (budget.ID, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.tempSeq++
	return budget.TemporaryID(m.tempSeq), nil
}

// StartSyncRun records a sync run in memory
func (m *MockRepository) StartSyncRun(budgetID string, mode string, cursorBefore int64) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.StartSyncRunCalled = true
	if m.StartSyncRunErr != nil {
		return 0, m.StartSyncRunErr
	}
	id := m.nextRunID
	m.nextRunID++
	m.syncRuns[id] = &SyncRun{
		ID:           id,
		BudgetID:     budgetID,
		Mode:         mode,
		StartedAt:    m.Now().UTC().Format(time.RFC3339),
		CursorBefore: cursorBefore,
		Status:       RunStatusRunning,
	}
	return id, nil
}

// CompleteSyncRun marks a sync run as completed
func (m *MockRepository) CompleteSyncRun(runID int64, r SyncRunResult) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	run, ok := m.syncRuns[runID]
	if !ok {
		return fmt.Errorf("sync run %d: %w", runID, budget.ErrNotFound)
	}
	if r.Mode != "" {
		run.Mode = r.Mode
	}
	run.CompletedAt = m.Now().UTC().Format(time.RFC3339)
	run.CursorAfter = r.CursorAfter
	run.EntitiesChanged = r.EntitiesChanged
	run.EntitiesDeferred = r.EntitiesDeferred
	run.OpsSubmitted = r.OpsSubmitted
	run.OpsConfirmed = r.OpsConfirmed
	run.OpsFailed = r.OpsFailed
	run.Error = r.Error
	switch {
	case r.Error != "":
		run.Status = RunStatusFailed
	case r.Stale:
		run.Status = RunStatusStale
	default:
		run.Status = RunStatusCompleted
	}
	return nil
}

// ListSyncRuns returns recent sync runs, newest first
func (m *MockRepository) ListSyncRuns(budgetID string, limit int) ([]SyncRun, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var runs []SyncRun
	for _, run := range m.syncRuns {
		if budgetID == "" || run.BudgetID == budgetID {
			runs = append(runs, *run)
		}
	}
	sort.Slice(runs, func(i, j int) bool { return runs[i].ID > runs[j].ID })
	if limit > 0 && len(runs) > limit {
		runs = runs[:limit]
	}
	return runs, nil
}

// GetSyncRun retrieves a sync run by ID
func (m *MockRepository) GetSyncRun(runID int64) (*SyncRun, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	run, ok := m.syncRuns[runID]
	if !ok {
		return nil, fmt.Errorf("sync run %d: %w", runID, budget.ErrNotFound)
	}
	copied := *run
	return &copied, nil
}

// LogAPICall records a gateway call in memory
func (m *MockRepository) LogAPICall(call *APICall) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.LogAPICallCalled = true
	if m.LogAPICallErr != nil {
		return m.LogAPICallErr
	}
	call.ID = int64(len(m.apiCalls) + 1)
	m.apiCalls = append(m.apiCalls, *call)
	return nil
}

// GetAPICallsByRunID filters recorded calls by run
func (m *MockRepository) GetAPICallsByRunID(runID int64) ([]APICall, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var calls []APICall
	for _, c := range m.apiCalls {
		if c.RunID != nil && *c.RunID == runID {
			calls = append(calls, c)
		}
	}
	return calls, nil
}

// ListAPICalls returns recorded calls of a budget, newest first
func (m *MockRepository) ListAPICalls(budgetID string, limit int) ([]APICall, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var calls []APICall
	for i := len(m.apiCalls) - 1; i >= 0; i-- {
		if m.apiCalls[i].BudgetID == budgetID {
			calls = append(calls, m.apiCalls[i])
		}
		if limit > 0 && len(calls) == limit {
			break
		}
	}
	return calls, nil
}

// SaveNotice stores a notice in memory
func (m *MockRepository) SaveNotice(n *budget.Notice) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.SaveNoticeErr != nil {
		return m.SaveNoticeErr
	}
	copied := *n
	m.notices[n.ID] = &copied
	return nil
}

// ListNotices returns notices of a budget, newest first
func (m *MockRepository) ListNotices(budgetID string, includeAcked bool) ([]budget.Notice, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []budget.Notice
	for _, n := range m.notices {
		if n.BudgetID != budgetID || (n.Acknowledged && !includeAcked) {
			continue
		}
		out = append(out, *n)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].RaisedAt.Equal(out[j].RaisedAt) {
			return out[i].RaisedAt.After(out[j].RaisedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

// AcknowledgeNotice marks a notice as seen
func (m *MockRepository) AcknowledgeNotice(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	n, ok := m.notices[id]
	if !ok {
		return fmt.Errorf("notice %s: %w", id, budget.ErrNotFound)
	}
	n.Acknowledged = true
	return nil
}

// CountUnacknowledged returns the number of open notices of a budget
func (m *MockRepository) CountUnacknowledged(budgetID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	count := 0
	for _, n := range m.notices {
		if n.BudgetID == budgetID && !n.Acknowledged {
			count++
		}
	}
	return count, nil
}

// Helper methods for testing

// Operations returns a copy of every logged operation
func (m *MockRepository) Operations() []budget.Operation {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]budget.Operation, len(m.ops))
	copy(out, m.ops)
	return out
}

// APICalls returns a copy of every recorded call
func (m *MockRepository) APICalls() []APICall {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]APICall, len(m.apiCalls))
	copy(out, m.apiCalls)
	return out
}
