// Package sync keeps a local copy of each budget current with the server
// and delivers local edits to it.
//
// Two snapshots exist per budget. The base snapshot is server truth and is
// what the cache persists. The visible snapshot is the base with every
// pending operation replayed over it and is what readers see.
package sync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/eshaffer321/ynab-sync/internal/domain/budget"
	"github.com/eshaffer321/ynab-sync/internal/domain/resolver"
	"github.com/eshaffer321/ynab-sync/internal/domain/view"
	"github.com/eshaffer321/ynab-sync/internal/infrastructure/cache"
	"github.com/eshaffer321/ynab-sync/internal/infrastructure/storage"
)

// ErrNotOpen is returned by readers for a budget that was never opened.
var ErrNotOpen = errors.New("budget not open")

// ErrClosed is returned after Close.
var ErrClosed = errors.New("engine closed")

// NewEngine creates a sync engine
func NewEngine(
	gateway Gateway,
	store *cache.Store,
	repo storage.Repository,
	opts Options,
	logger *slog.Logger,
) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.RetryPolicy.MaxAttempts == 0 {
		opts.RetryPolicy = storage.DefaultRetryPolicy()
	}

	ctx, cancel := context.WithCancel(context.Background())
	e := &Engine{
		gateway:   gateway,
		cache:     store,
		repo:      repo,
		resolver:  resolver.New().WithClock(opts.Now),
		policy:    opts.RetryPolicy,
		logger:    logger,
		now:       opts.Now,
		autoDrain: opts.AutoDrain,
		ctx:       ctx,
		cancel:    cancel,
	}

	if r, ok := repo.(interface{ Recovered() error }); ok {
		e.recovered = r.Recovered()
	}
	return e
}

// Open loads the cached snapshot of a budget and publishes it together
// with any pending operations. It performs no network access; call Sync to
// bring the budget up to date.
func (e *Engine) Open(ctx context.Context, budgetID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return ErrClosed
	}
	if _, ok := e.budgets.Load(budgetID); ok {
		return nil
	}

	st := &budgetState{id: budgetID, state: StateIdle, confirmed: make(map[budget.ID]budget.ID),
		delivered: make(map[budget.OperationHandle]bool)}

	snap, err := e.cache.Load(budgetID)
	switch {
	case err == nil:
	case errors.Is(err, budget.ErrNotFound):
		snap = budget.NewSnapshot(budget.Budget{ID: budgetID})
	case errors.Is(err, budget.ErrCacheCorrupt):
		e.logger.Warn("Cached snapshot unreadable, rebuilding from server", "budget", budgetID, "error", err)
		e.saveNotice(e.resolver.CacheReset(budgetID, err))
		snap = budget.NewSnapshot(budget.Budget{ID: budgetID})
	default:
		return fmt.Errorf("failed to load budget %s: %w", budgetID, err)
	}
	st.base = snap

	if e.recovered != nil {
		e.logger.Warn("Pending operation log was recreated; unsent edits may be lost",
			"budget", budgetID, "error", e.recovered)
		e.saveNotice(e.resolver.LogLost(budgetID, e.recovered))
		st.forceFull = true
	}

	ops := e.pending(st)
	e.recoverBase(st, ops)

	if st.base.HasCursor() {
		st.state = StateReady
		st.lastSync = st.base.FetchedAt
	}

	e.budgets.Store(budgetID, st)
	e.publish(st, ops)

	e.logger.Info("Opened budget",
		"budget", budgetID,
		"cursor", st.base.ServerKnowledge,
		"pending", len(ops),
	)
	return nil
}

// recoverBase repairs what a crash between two writes can leave behind in
// the base snapshot.
func (e *Engine) recoverBase(st *budgetState, ops []budget.Operation) {
	base, pruned := budget.PruneTemporary(st.base, ops)
	if pruned > 0 {
		e.logger.Info("Pruned unconfirmed temporary entries", "budget", st.id, "count", pruned)
	}

	outstanding := resolver.Index(ops)
	var orphaned []budget.EntityRef
	for ref := range base.Deferred {
		if outstanding[ref] == 0 {
			orphaned = append(orphaned, ref)
		}
	}
	if len(orphaned) > 0 {
		if pruned == 0 {
			base = base.Clone()
		}
		for _, ref := range orphaned {
			d, _ := base.TakeDeferred(ref)
			base.ApplyDeferred(d)
		}
		e.logger.Info("Applied buffered changes with no pending operation", "budget", st.id, "count", len(orphaned))
	}

	if pruned > 0 || len(orphaned) > 0 {
		e.saveBase(st, base)
		return
	}
	st.base = base
}

// ensureOpen returns the state of a budget, opening it on first use.
func (e *Engine) ensureOpen(ctx context.Context, budgetID string) (*budgetState, error) {
	if st, ok := e.lookup(budgetID); ok {
		return st, nil
	}
	if err := e.Open(ctx, budgetID); err != nil {
		return nil, err
	}
	st, _ := e.lookup(budgetID)
	return st, nil
}

func (e *Engine) lookup(budgetID string) (*budgetState, bool) {
	v, ok := e.budgets.Load(budgetID)
	if !ok {
		return nil, false
	}
	return v.(*budgetState), true
}

// pending reads the operation log of a budget. An unreadable log is
// cleared, reported and answered with a full resync. Callers hold mu.
func (e *Engine) pending(st *budgetState) []budget.Operation {
	ops, err := e.repo.ListPending(st.id)
	if err == nil {
		return e.withConfirmed(st, ops)
	}
	if !errors.Is(err, budget.ErrLogCorrupt) {
		e.logger.Error("Failed to read pending operations", "budget", st.id, "error", err)
		st.lastErr = err
		return nil
	}

	e.logger.Error("Pending operation log corrupt, discarding it", "budget", st.id, "error", err)
	if n, cerr := e.repo.ClearPending(st.id); cerr != nil {
		e.logger.Error("Failed to clear pending operations", "budget", st.id, "error", cerr)
	} else {
		e.logger.Warn("Discarded pending operations", "budget", st.id, "count", n)
	}
	e.saveNotice(e.resolver.LogLost(st.id, err))
	st.forceFull = true
	return nil
}

// withConfirmed hides delivered operations and points the rest at the
// server ids of creates confirmed in this process. The log normally
// rewrites those itself; this covers a failed log write. Callers hold mu.
func (e *Engine) withConfirmed(st *budgetState, ops []budget.Operation) []budget.Operation {
	if len(st.delivered) == 0 && len(st.confirmed) == 0 {
		return ops
	}
	out := ops[:0]
	for _, op := range ops {
		if st.delivered[op.Handle] {
			continue
		}
		for tmp, id := range st.confirmed {
			op = op.RewriteID(tmp, id)
		}
		out = append(out, op)
	}
	return out
}

// publish rebuilds the visible snapshot and status. Callers hold mu.
func (e *Engine) publish(st *budgetState, ops []budget.Operation) {
	st.visible.Store(budget.Overlay(st.base, ops))

	notices, err := e.repo.CountUnacknowledged(st.id)
	if err != nil {
		e.logger.Warn("Failed to count notices", "budget", st.id, "error", err)
	}

	status := &Status{
		BudgetID: st.id,
		State:    st.state,
		Syncing:  st.fetching || st.draining,
		Cursor:   st.base.ServerKnowledge,
		Pending:  len(ops),
		Notices:  notices,
		LastSync: st.lastSync,
	}
	if st.lastErr != nil {
		status.LastError = st.lastErr.Error()
	}
	st.status.Store(status)
}

// republish reloads the pending operations and publishes. Callers hold mu.
func (e *Engine) republish(st *budgetState) {
	e.publish(st, e.pending(st))
}

// saveBase persists a new base snapshot and installs it. A failed write
// keeps the new state in memory; the next successful save catches up.
// Callers hold mu.
func (e *Engine) saveBase(st *budgetState, base *budget.Snapshot) {
	st.base = base
	if err := e.cache.Save(base); err != nil {
		e.logger.Error("Failed to save snapshot", "budget", st.id, "error", err)
		st.lastErr = err
	}
}

// CurrentView builds the budget view for month ("" means the current
// month) from the visible snapshot. It never blocks on sync work.
func (e *Engine) CurrentView(budgetID, month string) (*view.BudgetView, error) {
	snap, err := e.Snapshot(budgetID)
	if err != nil {
		return nil, err
	}
	if month == "" {
		month = e.now().Format("2006-01")
	}
	month, err = budget.NormalizeMonth(month)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", budget.ErrInvalidMutation, err)
	}
	return view.Build(snap, month), nil
}

// Snapshot returns the visible snapshot of a budget. The caller must not
// modify it.
func (e *Engine) Snapshot(budgetID string) (*budget.Snapshot, error) {
	st, ok := e.lookup(budgetID)
	if !ok {
		return nil, fmt.Errorf("budget %s: %w", budgetID, ErrNotOpen)
	}
	return st.visible.Load(), nil
}

// SyncStatus returns the last published status of a budget. A budget that
// was never opened reports StateIdle.
func (e *Engine) SyncStatus(budgetID string) Status {
	st, ok := e.lookup(budgetID)
	if !ok {
		return Status{BudgetID: budgetID, State: StateIdle}
	}
	return *st.status.Load()
}

// Budgets lists the ids of opened budgets.
func (e *Engine) Budgets() []string {
	var ids []string
	e.budgets.Range(func(k, _ any) bool {
		ids = append(ids, k.(string))
		return true
	})
	return ids
}

// RemoteBudgets lists the budgets the access token can see.
func (e *Engine) RemoteBudgets(ctx context.Context) ([]budget.Budget, error) {
	budgets, err := e.gateway.ListBudgets(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list budgets: %w", err)
	}
	return budgets, nil
}

// PendingOperations returns the undelivered operations of a budget in
// submission order.
func (e *Engine) PendingOperations(budgetID string) ([]budget.Operation, error) {
	ops, err := e.repo.ListPending(budgetID)
	if err != nil {
		return nil, err
	}
	if st, ok := e.lookup(budgetID); ok {
		e.mu.Lock()
		defer e.mu.Unlock()
		ops = e.withConfirmed(st, ops)
	}
	return ops, nil
}

// Notices lists the unacknowledged notices of a budget, newest first.
func (e *Engine) Notices(budgetID string) ([]budget.Notice, error) {
	return e.repo.ListNotices(budgetID, false)
}

// NoticeHistory lists every notice of a budget, acknowledged or not.
func (e *Engine) NoticeHistory(budgetID string) ([]budget.Notice, error) {
	return e.repo.ListNotices(budgetID, true)
}

// SyncRuns returns recent sync runs of a budget ("" for all), newest first.
func (e *Engine) SyncRuns(budgetID string, limit int) ([]storage.SyncRun, error) {
	return e.repo.ListSyncRuns(budgetID, limit)
}

// SyncRun returns one recorded run.
func (e *Engine) SyncRun(runID int64) (*storage.SyncRun, error) {
	return e.repo.GetSyncRun(runID)
}

// RunCalls returns the gateway calls made during a sync run, oldest first.
func (e *Engine) RunCalls(runID int64) ([]storage.APICall, error) {
	return e.repo.GetAPICallsByRunID(runID)
}

// AcknowledgeNotice marks a notice as seen.
func (e *Engine) AcknowledgeNotice(id string) error {
	if err := e.repo.AcknowledgeNotice(id); err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	e.budgets.Range(func(_, v any) bool {
		e.republish(v.(*budgetState))
		return true
	})
	return nil
}

// Reset drops the cached snapshot of a budget so the next Sync performs a
// full fetch. Pending operations are kept.
func (e *Engine) Reset(ctx context.Context, budgetID string) error {
	st, err := e.ensureOpen(ctx, budgetID)
	if err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.cache.Evict(budgetID); err != nil {
		return fmt.Errorf("failed to evict budget %s: %w", budgetID, err)
	}
	st.base = budget.NewSnapshot(st.base.Budget)
	st.forceFull = true
	st.state = StateIdle
	// A fetch already in flight predates the reset.
	st.generation++
	st.fetching = false
	e.republish(st)

	e.logger.Info("Reset budget cache", "budget", budgetID)
	return nil
}

// Close stops background work and waits for it to finish. The repository
// and the cache stay open; they belong to the caller.
func (e *Engine) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	e.budgets.Range(func(_, v any) bool {
		st := v.(*budgetState)
		if st.retryTimer != nil {
			st.retryTimer.Stop()
		}
		if st.refreshCancel != nil {
			st.refreshCancel()
		}
		return true
	})
	e.cancel()
	e.mu.Unlock()

	e.wg.Wait()
	return nil
}

// goBackground runs fn on a goroutine tracked by Close. It reports false
// once the engine is closed. Callers hold mu.
func (e *Engine) goBackground(fn func()) bool {
	if e.closed {
		return false
	}
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		fn()
	}()
	return true
}
