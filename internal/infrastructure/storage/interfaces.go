package storage

import (
	"time"

	"github.com/eshaffer321/ynab-sync/internal/domain/budget"
)

// Repository defines the complete storage interface.
// This interface allows swapping implementations and makes testing with
// mocks straightforward.
type Repository interface {
	OperationRepository
	SyncRunRepository
	APICallRepository
	NoticeRepository
	Close() error
}

// OperationRepository is the durable log of local mutations that have not
// been confirmed by the server.
type OperationRepository interface {
	// Enqueue appends op to the log. Seq, Handle and EnqueuedAt are
	// assigned when empty.
	Enqueue(op budget.Operation) (budget.OperationHandle, error)

	// ListPending returns the non-terminal operations of a budget in
	// submission order. An undecodable row yields budget.ErrLogCorrupt.
	ListPending(budgetID string) ([]budget.Operation, error)

	// MarkConfirmed removes the operation and, in the same transaction,
	// rewrites its temporary id to serverID in every remaining operation
	// of the budget.
	MarkConfirmed(handle budget.OperationHandle, serverID string) error

	// MarkFailed records a failed attempt. The operation becomes terminal
	// and is removed when the failure is not retriable or the policy's
	// attempt ceiling is reached.
	MarkFailed(handle budget.OperationHandle, retriable bool, reason string, policy RetryPolicy) (terminal bool, err error)

	// Remove deletes an operation without further bookkeeping.
	Remove(handle budget.OperationHandle) error

	// ClearPending drops every operation of a budget.
	ClearPending(budgetID string) (int, error)

	// NextTemporaryID allocates a process-wide unique temporary id.
	NextTemporaryID() (budget.ID, error)
}

// SyncRunRepository handles sync run tracking
type SyncRunRepository interface {
	// StartSyncRun records the start of a sync run and returns the run ID
	StartSyncRun(budgetID string, mode string, cursorBefore int64) (int64, error)

	// CompleteSyncRun records the outcome of a sync run
	CompleteSyncRun(runID int64, result SyncRunResult) error

	// ListSyncRuns returns recent sync runs, newest first
	ListSyncRuns(budgetID string, limit int) ([]SyncRun, error)

	// GetSyncRun retrieves a sync run by ID
	GetSyncRun(runID int64) (*SyncRun, error)
}

// SyncRunResult is what a finished run reports.
type SyncRunResult struct {
	Mode             string
	CursorAfter      int64
	EntitiesChanged  int
	EntitiesDeferred int
	OpsSubmitted     int
	OpsConfirmed     int
	OpsFailed        int
	Stale            bool
	Error            string
}

// SyncRun represents a sync run record
type SyncRun struct {
	ID               int64  `json:"id"`
	BudgetID         string `json:"budget_id"`
	Mode             string `json:"mode"`
	StartedAt        string `json:"started_at"`
	CompletedAt      string `json:"completed_at,omitempty"`
	CursorBefore     int64  `json:"cursor_before"`
	CursorAfter      int64  `json:"cursor_after"`
	EntitiesChanged  int    `json:"entities_changed"`
	EntitiesDeferred int    `json:"entities_deferred"`
	OpsSubmitted     int    `json:"ops_submitted"`
	OpsConfirmed     int    `json:"ops_confirmed"`
	OpsFailed        int    `json:"ops_failed"`
	Status           string `json:"status"`
	Error            string `json:"error,omitempty"`
}

// Sync run statuses.
const (
	RunStatusRunning   = "running"
	RunStatusCompleted = "completed"
	RunStatusFailed    = "failed"
	RunStatusStale     = "stale"
)

// APICallRepository handles gateway call logging
type APICallRepository interface {
	// LogAPICall logs a gateway call to the database
	LogAPICall(call *APICall) error

	// GetAPICallsByRunID retrieves all gateway calls for a specific sync run
	GetAPICallsByRunID(runID int64) ([]APICall, error)

	// ListAPICalls returns the most recent gateway calls of a budget
	ListAPICalls(budgetID string, limit int) ([]APICall, error)
}

// APICall is one request made to the remote service.
type APICall struct {
	ID           int64     `json:"id"`
	RunID        *int64    `json:"run_id,omitempty"`
	BudgetID     string    `json:"budget_id"`
	Method       string    `json:"method"`
	Path         string    `json:"path"`
	StatusCode   int       `json:"status_code"`
	RequestJSON  string    `json:"request_json,omitempty"`
	ResponseJSON string    `json:"response_json,omitempty"`
	Error        string    `json:"error,omitempty"`
	DurationMs   int64     `json:"duration_ms"`
	Timestamp    time.Time `json:"timestamp"`
}

// NoticeRepository persists user-facing notices.
type NoticeRepository interface {
	// SaveNotice stores a new notice
	SaveNotice(n *budget.Notice) error

	// ListNotices returns notices of a budget, newest first. Acknowledged
	// notices are included only when includeAcked is set.
	ListNotices(budgetID string, includeAcked bool) ([]budget.Notice, error)

	// AcknowledgeNotice marks a notice as seen. Unknown ids yield
	// budget.ErrNotFound.
	AcknowledgeNotice(id string) error

	// CountUnacknowledged returns the number of open notices of a budget
	CountUnacknowledged(budgetID string) (int, error)
}
