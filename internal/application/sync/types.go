package sync

import (
	"context"
	"log/slog"
	gosync "sync"
	"sync/atomic"
	"time"

	"github.com/eshaffer321/ynab-sync/internal/domain/budget"
	"github.com/eshaffer321/ynab-sync/internal/domain/resolver"
	"github.com/eshaffer321/ynab-sync/internal/infrastructure/cache"
	"github.com/eshaffer321/ynab-sync/internal/infrastructure/remote"
	"github.com/eshaffer321/ynab-sync/internal/infrastructure/storage"
)

// Gateway is the part of the remote client the engine depends on.
// *remote.Client satisfies it.
type Gateway interface {
	ListBudgets(ctx context.Context) ([]budget.Budget, error)
	FetchFull(ctx context.Context, budgetID string) (*budget.Snapshot, error)
	FetchDelta(ctx context.Context, budgetID string, cursor int64) (*budget.Delta, error)
	SubmitCreate(ctx context.Context, budgetID string, t budget.Transaction) (*remote.Confirmation, error)
	SubmitUpdate(ctx context.Context, budgetID string, t budget.Transaction) (*remote.Confirmation, error)
	SubmitDelete(ctx context.Context, budgetID, id string) (*remote.Confirmation, error)
	SubmitAllocation(ctx context.Context, budgetID string, a budget.Allocation) (*remote.Confirmation, error)
}

// Sync modes.
const (
	ModeFull  = "full"
	ModeDelta = "delta"
)

// State is the lifecycle state of one budget.
type State string

const (
	// StateIdle: nothing has been fetched yet.
	StateIdle State = "idle"
	// StateFullSyncing: a full fetch is in flight.
	StateFullSyncing State = "full_syncing"
	// StateDeltaSyncing: a delta fetch is in flight.
	StateDeltaSyncing State = "delta_syncing"
	// StateReady: the snapshot holds server data.
	StateReady State = "ready"
)

// Options holds engine configuration
type Options struct {
	// RetryPolicy paces retriable submission failures.
	RetryPolicy storage.RetryPolicy

	// AutoDrain submits pending operations in the background after
	// every enqueue and when a retry comes due. Tests that want to step
	// the engine by hand turn it off.
	AutoDrain bool

	// Now is the clock. Defaults to time.Now.
	Now func() time.Time
}

// DefaultOptions returns the options used by the commands.
func DefaultOptions() Options {
	return Options{
		RetryPolicy: storage.DefaultRetryPolicy(),
		AutoDrain:   true,
		Now:         time.Now,
	}
}

// SyncResult describes one Sync call.
type SyncResult struct {
	BudgetID         string
	RunID            int64
	Mode             string
	FellBack         bool // a delta was refused and a full fetch replaced it
	CursorBefore     int64
	CursorAfter      int64
	EntitiesChanged  int
	EntitiesDeferred int
	Stale            bool // a newer fetch superseded this one; nothing was merged
	Drain            *DrainResult
}

// DrainResult describes one pass over the pending operation log.
type DrainResult struct {
	Submitted int
	Confirmed int
	Retried   int
	Failed    int
	Skipped   int
	Postponed bool // a fetch or another drain was running; a drain was requested instead
}

// Status is a point-in-time summary of one budget for the UI.
type Status struct {
	BudgetID  string    `json:"budget_id"`
	State     State     `json:"state"`
	Syncing   bool      `json:"syncing"`
	Cursor    int64     `json:"cursor"`
	Pending   int       `json:"pending"`
	Notices   int       `json:"notices"`
	LastSync  time.Time `json:"last_sync,omitempty"`
	LastError string    `json:"last_error,omitempty"`
}

// Engine keeps one budget snapshot per opened budget current with the
// server and delivers local mutations in order.
//
// All state changes happen under mu. Network calls never do. Readers load
// the published snapshot and status without locking.
type Engine struct {
	gateway  Gateway
	cache    *cache.Store
	repo     storage.Repository
	resolver *resolver.Resolver
	policy   storage.RetryPolicy
	logger   *slog.Logger
	now      func() time.Time

	autoDrain bool
	recovered error // set when the operation log had to be recreated

	mu      gosync.Mutex
	budgets gosync.Map // budget id -> *budgetState
	closed  bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     gosync.WaitGroup
}

// budgetState is owned by the engine mutex except for the two published
// pointers.
type budgetState struct {
	id   string
	base *budget.Snapshot

	visible atomic.Pointer[budget.Snapshot]
	status  atomic.Pointer[Status]

	state          State
	forceFull      bool
	generation     uint64
	fetching       bool
	draining       bool
	drainRequested bool
	lastErr        error
	lastSync       time.Time

	// confirmed maps temporary ids to the server ids they became, so a
	// caller still holding a temporary id can keep editing the entry.
	confirmed map[budget.ID]budget.ID
	// delivered holds operations the server accepted but the log could
	// not drop. They are hidden until the process exits.
	delivered map[budget.OperationHandle]bool

	refreshCancel context.CancelFunc
	retryTimer    *time.Timer
}
