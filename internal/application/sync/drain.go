package sync

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/eshaffer321/ynab-sync/internal/domain/budget"
	"github.com/eshaffer321/ynab-sync/internal/infrastructure/remote"
)

// Delivering pending operations for the sync engine.

// Drain submits the due operations of a budget in log order. Operations on
// one entity go out strictly in order: once one of them cannot be
// delivered in this pass, the later ones wait too. Operations on other
// entities are not held back.
//
// Drain never overlaps a fetch of the same budget. When a fetch is in
// flight, or another drain is running, a drain is requested and performed
// when that work finishes.
func (e *Engine) Drain(ctx context.Context, budgetID string) (*DrainResult, error) {
	st, err := e.ensureOpen(ctx, budgetID)
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil, ErrClosed
	}
	if st.fetching || st.draining {
		st.drainRequested = true
		fetching := st.fetching
		e.mu.Unlock()
		e.logger.Debug("Drain postponed", "budget", budgetID, "fetching", fetching)
		return &DrainResult{Postponed: true}, nil
	}
	st.draining = true
	st.drainRequested = false
	ops := e.pending(st)
	e.publish(st, ops)
	e.mu.Unlock()

	result := &DrainResult{}
	defer e.finishDrain(st)

	if len(ops) == 0 {
		return result, nil
	}
	e.logger.Debug("Draining pending operations", "budget", budgetID, "count", len(ops))

	blocked := make(map[budget.EntityRef]bool)
	dropped := make(map[budget.OperationHandle]bool)

	for i := 0; i < len(ops); i++ {
		op := ops[i]
		if dropped[op.Handle] {
			continue
		}
		ref := op.Ref()
		if blocked[ref] || !op.Due(e.now()) {
			blocked[ref] = true
			result.Skipped++
			continue
		}
		// Edits of an entry whose create has not been confirmed cannot be
		// addressed to the server yet.
		if op.Kind != budget.OpCreate && op.Target.IsTemporary() {
			blocked[ref] = true
			result.Skipped++
			continue
		}
		if err := ctx.Err(); err != nil {
			return result, err
		}

		e.mu.Lock()
		if st.fetching {
			st.drainRequested = true
			e.mu.Unlock()
			e.logger.Debug("Fetch started, pausing drain", "budget", budgetID)
			return result, nil
		}
		e.mu.Unlock()

		conf, err := e.submit(ctx, op)
		result.Submitted++

		if errors.Is(err, context.Canceled) {
			return result, err
		}

		e.mu.Lock()
		switch {
		case err == nil:
			if e.confirm(st, op, conf) {
				result.Confirmed++
			}
			if op.Kind == budget.OpCreate && conf.Transaction != nil {
				for j := i + 1; j < len(ops); j++ {
					ops[j] = ops[j].RewriteID(op.Target, conf.Transaction.ID)
				}
			}

		case budget.IsRetriable(err):
			terminal, ferr := e.repo.MarkFailed(op.Handle, true, err.Error(), e.policy)
			if ferr != nil {
				e.logger.Error("Failed to record attempt", "handle", op.Handle, "error", ferr)
			}
			if terminal {
				e.logger.Warn("Giving up on operation",
					"budget", budgetID,
					"handle", op.Handle,
					"entity", ref.String(),
					"attempts", op.Attempts+1,
					"error", err,
				)
				for _, h := range e.fail(st, op, budget.NoticeRetryExhausted, err) {
					dropped[h] = true
				}
				result.Failed++
			} else {
				e.logger.Info("Operation will be retried",
					"budget", budgetID,
					"handle", op.Handle,
					"entity", ref.String(),
					"error", err,
				)
				result.Retried++
			}
			blocked[ref] = true
			if errors.Is(err, budget.ErrUnauthorized) {
				st.lastErr = err
			}

		default:
			if _, ferr := e.repo.MarkFailed(op.Handle, false, err.Error(), e.policy); ferr != nil {
				e.logger.Error("Failed to record rejection", "handle", op.Handle, "error", ferr)
			}
			e.logger.Warn("Server rejected operation",
				"budget", budgetID,
				"handle", op.Handle,
				"entity", ref.String(),
				"error", err,
			)
			for _, h := range e.fail(st, op, budget.NoticeRejected, err) {
				dropped[h] = true
			}
			result.Failed++
		}
		e.republish(st)
		e.mu.Unlock()
	}

	e.logger.Info("Drain finished",
		"budget", budgetID,
		"submitted", result.Submitted,
		"confirmed", result.Confirmed,
		"retried", result.Retried,
		"failed", result.Failed,
	)
	return result, nil
}

// finishDrain releases the drain slot, honours a drain requested meanwhile
// and arms the retry timer.
func (e *Engine) finishDrain(st *budgetState) {
	e.mu.Lock()
	defer e.mu.Unlock()

	st.draining = false
	ops := e.pending(st)
	e.publish(st, ops)

	if st.drainRequested && !st.fetching {
		st.drainRequested = false
		e.drainLater(st.id)
		return
	}
	e.scheduleRetry(st, ops)
}

// submit sends one operation. It runs without the mutex.
func (e *Engine) submit(ctx context.Context, op budget.Operation) (*remote.Confirmation, error) {
	switch op.Entity {
	case budget.EntityTransaction:
		switch op.Kind {
		case budget.OpCreate:
			return e.gateway.SubmitCreate(ctx, op.BudgetID, *op.Transaction)
		case budget.OpUpdate:
			t := op.Transaction.Clone()
			t.ID = op.Target
			return e.gateway.SubmitUpdate(ctx, op.BudgetID, t)
		case budget.OpDelete:
			return e.gateway.SubmitDelete(ctx, op.BudgetID, op.Target.Server)
		}
	case budget.EntityAllocation:
		return e.gateway.SubmitAllocation(ctx, op.BudgetID, budget.Allocation{
			CategoryID: op.Allocation.CategoryID,
			Month:      op.Allocation.Month,
			Budgeted:   op.Budgeted(),
		})
	}
	return nil, fmt.Errorf("%w: cannot submit %s %s", budget.ErrInvalidMutation, op.Kind, op.Entity)
}

// confirm removes a delivered operation from the log and writes the
// server's answer into the base snapshot. It reports whether the log was
// updated. When it was not, the operation is still never sent again.
// Callers hold mu.
func (e *Engine) confirm(st *budgetState, op budget.Operation, conf *remote.Confirmation) bool {
	ref := op.Ref()
	serverID := ""
	if conf.Transaction != nil {
		serverID = conf.Transaction.ID.Server
		if op.Target.IsTemporary() {
			st.confirmed[op.Target] = conf.Transaction.ID
			ref = budget.TransactionRef(conf.Transaction.ID)
		}
	}

	// The log goes first: after a crash here the snapshot still shows the
	// temporary entry, which Open prunes, and the next delta restores the
	// server copy.
	logged := true
	if err := e.repo.MarkConfirmed(op.Handle, serverID); err != nil {
		e.logger.Error("Failed to record confirmed operation", "handle", op.Handle, "error", err)
		st.lastErr = err
		logged = false
		if rerr := e.repo.Remove(op.Handle); rerr != nil && !errors.Is(rerr, budget.ErrNotFound) {
			e.logger.Error("Failed to remove confirmed operation", "handle", op.Handle, "error", rerr)
			st.delivered[op.Handle] = true
		}
	}

	laterPending := e.hasPending(st, ref)
	base := st.base.Clone()

	var deferred *budget.DeferredChange
	if d, ok := base.TakeDeferred(ref); ok {
		deferred = &d
	}
	confirmed := budget.DeferredChange{
		Transaction:     conf.Transaction,
		Allocation:      conf.Allocation,
		ServerKnowledge: conf.ServerKnowledge,
		ReceivedAt:      e.now(),
	}

	res := e.resolver.OnConfirmed(op, confirmed, deferred, laterPending)
	if res.Apply != nil {
		applyChange(base, op.Target, *res.Apply)
	}
	if res.Keep != nil {
		base.Deferred[ref] = *res.Keep
	}
	if res.Discarded != nil {
		e.logger.Debug("Dropped buffered server change older than confirmation",
			"budget", st.id,
			"entity", ref.String(),
			"buffered_knowledge", res.Discarded.ServerKnowledge,
			"confirmed_knowledge", conf.ServerKnowledge,
		)
	}
	e.saveNotice(res.Notice)
	e.saveBase(st, base)

	e.logger.Debug("Operation confirmed",
		"budget", st.id,
		"handle", op.Handle,
		"kind", op.Kind,
		"entity", ref.String(),
	)
	return logged
}

// fail ends an operation that will not be delivered: the server's version
// of the entity becomes visible again and the user is told. A failed
// create takes every later operation on the same entry down with it. fail
// returns the handles of those cascaded operations. Callers hold mu.
func (e *Engine) fail(st *budgetState, op budget.Operation, kind budget.NoticeKind, cause error) []budget.OperationHandle {
	// MarkFailed removes rejected and exhausted operations, but a log
	// write error must not leave the operation behind for another pass.
	if err := e.repo.Remove(op.Handle); err != nil && !errors.Is(err, budget.ErrNotFound) {
		e.logger.Error("Failed to remove failed operation", "handle", op.Handle, "error", err)
	}

	ref := op.Ref()
	var cascaded []budget.OperationHandle
	if op.Kind == budget.OpCreate && op.Target.IsTemporary() {
		cascaded = e.cascade(st, op, cause)
	}

	laterPending := e.hasPending(st, ref)
	base := st.base.Clone()

	var deferred *budget.DeferredChange
	if d, ok := base.TakeDeferred(ref); ok {
		deferred = &d
	}

	res := e.resolver.OnFailed(op, kind, cause, deferred, currentValue(base, op), laterPending)
	if res.Apply != nil {
		base.ApplyDeferred(*res.Apply)
	}
	if res.Keep != nil {
		base.Deferred[ref] = *res.Keep
	}
	e.saveNotice(res.Notice)
	e.saveBase(st, base)
	return cascaded
}

// cascade drops every pending operation that edits the entry a failed
// create would have produced. Callers hold mu.
func (e *Engine) cascade(st *budgetState, create budget.Operation, cause error) []budget.OperationHandle {
	var handles []budget.OperationHandle
	for _, op := range e.pending(st) {
		if op.Target != create.Target {
			continue
		}
		if err := e.repo.Remove(op.Handle); err != nil {
			e.logger.Error("Failed to remove dependent operation", "handle", op.Handle, "error", err)
			continue
		}
		res := e.resolver.OnFailed(op, budget.NoticeCascade, cause, nil, nil, false)
		e.saveNotice(res.Notice)
		handles = append(handles, op.Handle)
	}
	if len(handles) > 0 {
		e.logger.Warn("Dropped operations depending on a failed create",
			"budget", st.id,
			"entity", create.Target.String(),
			"count", len(handles),
		)
	}
	return handles
}

// hasPending reports whether any logged operation targets ref. Callers
// hold mu.
func (e *Engine) hasPending(st *budgetState, ref budget.EntityRef) bool {
	for _, op := range e.pending(st) {
		if op.Ref() == ref {
			return true
		}
	}
	return false
}

// scheduleRetry arms a timer for the earliest operation waiting on
// backoff. Only the first operation of each entity counts: the ones
// behind it go out when it does, and edits of an unconfirmed create wait
// for the create. Callers hold mu.
func (e *Engine) scheduleRetry(st *budgetState, ops []budget.Operation) {
	if st.retryTimer != nil {
		st.retryTimer.Stop()
		st.retryTimer = nil
	}
	if !e.autoDrain || e.closed {
		return
	}

	var next time.Time
	seen := make(map[budget.EntityRef]bool)
	for _, op := range ops {
		ref := op.Ref()
		if seen[ref] {
			continue
		}
		seen[ref] = true
		if op.Kind != budget.OpCreate && op.Target.IsTemporary() {
			continue
		}
		if op.NextAttemptAt.IsZero() {
			continue
		}
		if next.IsZero() || op.NextAttemptAt.Before(next) {
			next = op.NextAttemptAt
		}
	}
	if next.IsZero() {
		return
	}

	wait := next.Sub(e.now())
	if wait < 0 {
		wait = 0
	}
	budgetID := st.id
	st.retryTimer = time.AfterFunc(wait, func() {
		e.mu.Lock()
		defer e.mu.Unlock()
		e.drainLater(budgetID)
	})
	e.logger.Debug("Retry scheduled", "budget", budgetID, "in", wait)
}

// drainLater runs a drain in the background when automatic draining is
// on. Callers hold mu.
func (e *Engine) drainLater(budgetID string) {
	if !e.autoDrain {
		return
	}
	e.goBackground(func() {
		if _, err := e.Drain(e.ctx, budgetID); err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, ErrClosed) {
			e.logger.Warn("Background drain failed", "budget", budgetID, "error", err)
		}
	})
}

// applyChange writes a server value into base, replacing the entry a
// temporary id stood for.
func applyChange(base *budget.Snapshot, previous budget.ID, d budget.DeferredChange) {
	if d.Transaction != nil {
		base.PutTransaction(previous, *d.Transaction)
	}
	if d.Allocation != nil {
		base.PutAllocation(*d.Allocation)
	}
}

// currentValue returns the base value of the entity op targets, if the
// server has one.
func currentValue(base *budget.Snapshot, op budget.Operation) *budget.DeferredChange {
	switch op.Entity {
	case budget.EntityTransaction:
		t, ok := base.Transactions[op.Target]
		if !ok || op.Target.IsTemporary() {
			return nil
		}
		t = t.Clone()
		return &budget.DeferredChange{Transaction: &t, ServerKnowledge: base.ServerKnowledge}
	case budget.EntityAllocation:
		if op.Allocation == nil {
			return nil
		}
		a, ok := base.Allocations[op.Allocation.Key()]
		if !ok {
			return nil
		}
		return &budget.DeferredChange{Allocation: &a, ServerKnowledge: base.ServerKnowledge}
	}
	return nil
}
