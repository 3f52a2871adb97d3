package sync

import (
	"context"
	"errors"
	"fmt"

	"github.com/eshaffer321/ynab-sync/internal/domain/budget"
	"github.com/eshaffer321/ynab-sync/internal/domain/resolver"
	"github.com/eshaffer321/ynab-sync/internal/infrastructure/remote"
)

// Fetching and merging server state for the sync engine.

// Sync brings a budget up to date with the server and then drains its
// pending operations. It fetches a delta when the snapshot has a cursor and
// a full budget otherwise, falling back to a full fetch when the server
// refuses the cursor.
//
// When a newer Sync or Refresh for the same budget starts before this one
// finishes, this one's response is discarded and the result is marked
// Stale.
func (e *Engine) Sync(ctx context.Context, budgetID string) (*SyncResult, error) {
	st, err := e.ensureOpen(ctx, budgetID)
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil, ErrClosed
	}
	st.generation++
	gen := st.generation
	st.fetching = true
	result := &SyncResult{
		BudgetID:     budgetID,
		Mode:         ModeDelta,
		CursorBefore: st.base.ServerKnowledge,
	}
	if st.forceFull || !st.base.HasCursor() {
		result.Mode = ModeFull
	}
	e.setFetchState(st, result.Mode)
	e.republish(st)
	e.mu.Unlock()

	result.RunID = e.startRun(budgetID, result.Mode, result.CursorBefore)
	ctx = remote.WithRunID(ctx, result.RunID)

	e.logger.Debug("Starting sync",
		"budget", budgetID,
		"mode", result.Mode,
		"cursor", result.CursorBefore,
		"run_id", result.RunID,
	)

	delta, full, err := e.fetch(ctx, st, result)

	e.mu.Lock()
	if gen != st.generation {
		e.mu.Unlock()
		result.Stale = true
		e.logger.Info("Discarding superseded fetch", "budget", budgetID, "mode", result.Mode)
		e.completeRun(result, nil)
		return result, nil
	}

	st.fetching = false
	if err != nil {
		if !errors.Is(err, context.Canceled) {
			st.lastErr = err
		}
		st.state = StateIdle
		if st.base.HasCursor() {
			st.state = StateReady
		}
		e.republish(st)
		again := st.drainRequested
		e.mu.Unlock()

		if errors.Is(err, context.Canceled) {
			e.logger.Debug("Sync canceled", "budget", budgetID)
		} else {
			e.logger.Error("Sync failed", "budget", budgetID, "mode", result.Mode, "error", err)
		}
		// Local edits can still go out when only the fetch failed.
		if again && ctx.Err() == nil {
			result.Drain, _ = e.Drain(ctx, budgetID)
		}
		e.completeRun(result, err)
		return result, fmt.Errorf("failed to sync budget %s: %w", budgetID, err)
	}

	e.merge(st, result, delta, full)
	e.mu.Unlock()

	e.logger.Info("Sync merged",
		"budget", budgetID,
		"mode", result.Mode,
		"cursor", result.CursorAfter,
		"changed", result.EntitiesChanged,
		"deferred", result.EntitiesDeferred,
	)

	drain, derr := e.Drain(ctx, budgetID)
	result.Drain = drain
	e.completeRun(result, derr)
	if derr != nil {
		return result, derr
	}
	return result, nil
}

// fetch performs the network half of a sync. It runs without the mutex.
func (e *Engine) fetch(ctx context.Context, st *budgetState, result *SyncResult) (*budget.Delta, *budget.Snapshot, error) {
	if result.Mode == ModeDelta {
		delta, err := e.gateway.FetchDelta(ctx, st.id, result.CursorBefore)
		if err == nil {
			return delta, nil, nil
		}
		if !errors.Is(err, budget.ErrCursorInvalid) {
			return nil, nil, err
		}

		e.logger.Warn("Delta cursor refused, falling back to full fetch",
			"budget", st.id,
			"cursor", result.CursorBefore,
		)
		result.Mode = ModeFull
		result.FellBack = true
		e.mu.Lock()
		e.setFetchState(st, ModeFull)
		e.republish(st)
		e.mu.Unlock()
	}

	full, err := e.gateway.FetchFull(ctx, st.id)
	if err != nil {
		return nil, nil, err
	}
	return nil, full, nil
}

// merge folds a fetch response into the base snapshot. Callers hold mu.
func (e *Engine) merge(st *budgetState, result *SyncResult, delta *budget.Delta, full *budget.Snapshot) {
	ops := e.pending(st)
	deferFn := e.resolver.DeferFunc(resolver.Index(ops))

	var (
		base   *budget.Snapshot
		report budget.MergeReport
	)
	if full != nil {
		base, report = e.cache.ReplaceFull(st.base, full, deferFn)
	} else {
		base, report = e.cache.ApplyDelta(st.base, delta, deferFn)
	}

	if report.Skipped {
		e.logger.Debug("Delta older than cache, nothing merged",
			"budget", st.id,
			"cursor", st.base.ServerKnowledge,
		)
	} else {
		e.saveBase(st, base)
	}

	result.CursorAfter = st.base.ServerKnowledge
	result.EntitiesChanged = report.Applied
	result.EntitiesDeferred = len(report.Deferred)

	st.forceFull = false
	st.lastErr = nil
	st.lastSync = e.now()
	st.state = StateReady
	st.drainRequested = false
	e.publish(st, ops)
}

// setFetchState moves a budget into the syncing state for mode. Callers
// hold mu.
func (e *Engine) setFetchState(st *budgetState, mode string) {
	if mode == ModeFull {
		st.state = StateFullSyncing
		return
	}
	st.state = StateDeltaSyncing
}

// Refresh starts a Sync in the background and returns immediately. A
// refresh still running for the same budget is canceled.
func (e *Engine) Refresh(budgetID string) {
	st, err := e.ensureOpen(e.ctx, budgetID)
	if err != nil {
		e.logger.Error("Refresh failed", "budget", budgetID, "error", err)
		return
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if st.refreshCancel != nil {
		st.refreshCancel()
	}
	ctx, cancel := context.WithCancel(e.ctx)
	st.refreshCancel = cancel
	started := e.goBackground(func() {
		defer cancel()
		if _, err := e.Sync(ctx, budgetID); err != nil && !errors.Is(err, context.Canceled) {
			e.logger.Warn("Background refresh failed", "budget", budgetID, "error", err)
		}
	})
	if !started {
		cancel()
	}
}
