package sync

import (
	"context"
	"fmt"

	"github.com/eshaffer321/ynab-sync/internal/domain/budget"
	"github.com/eshaffer321/ynab-sync/internal/domain/validator"
)

// EnqueueMutation records a local change and makes it visible at once.
// The change is delivered to the server by the next drain, which starts in
// the background when automatic draining is on.
//
// Creates are given a temporary id; PendingOperations shows it as the
// operation's target until the server assigns the real one. Mutations
// that would break a split or reference an unknown entry are refused with
// budget.ErrInvalidMutation and nothing is queued.
func (e *Engine) EnqueueMutation(ctx context.Context, budgetID string, m budget.Mutation) (budget.OperationHandle, error) {
	if err := m.Validate(); err != nil {
		return "", err
	}
	if m.Transaction != nil {
		if err := validator.ValidateTransaction(*m.Transaction); err != nil {
			return "", err
		}
	}

	st, err := e.ensureOpen(ctx, budgetID)
	if err != nil {
		return "", err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return "", ErrClosed
	}

	op := budget.Operation{
		BudgetID:   budgetID,
		Kind:       m.Kind,
		Entity:     m.Entity,
		EnqueuedAt: e.now(),
		Status:     budget.OpPending,
	}

	visible := st.visible.Load()
	switch m.Entity {
	case budget.EntityTransaction:
		target, err := e.resolveTarget(st, visible, m)
		if err != nil {
			return "", err
		}
		op.Target = target
		if m.Transaction != nil {
			t := m.Transaction.Clone()
			t.ID = target
			op.Transaction = &t
		}

	case budget.EntityAllocation:
		month, _ := budget.NormalizeMonth(m.Allocation.Month)
		if c, ok := visible.Categories[m.Allocation.CategoryID]; !ok || c.Deleted {
			return "", fmt.Errorf("%w: unknown category %s", budget.ErrInvalidMutation, m.Allocation.CategoryID)
		}
		change := *m.Allocation
		change.Month = month
		op.Allocation = &change
	}

	handle, err := e.repo.Enqueue(op)
	if err != nil {
		return "", fmt.Errorf("failed to record change: %w", err)
	}
	e.republish(st)

	e.logger.Debug("Mutation enqueued",
		"budget", budgetID,
		"handle", handle,
		"kind", op.Kind,
		"entity", op.Ref().String(),
	)

	e.drainLater(budgetID)
	return handle, nil
}

// resolveTarget picks the id a transaction mutation applies to. Callers
// hold mu.
func (e *Engine) resolveTarget(st *budgetState, visible *budget.Snapshot, m budget.Mutation) (budget.ID, error) {
	if m.Kind == budget.OpCreate {
		id, err := e.repo.NextTemporaryID()
		if err != nil {
			return budget.ID{}, fmt.Errorf("failed to allocate id: %w", err)
		}
		return id, nil
	}

	target := m.Target
	if id, ok := st.confirmed[target]; ok {
		target = id
	}
	t, ok := visible.Transactions[target]
	if !ok || t.Deleted {
		return budget.ID{}, fmt.Errorf("%w: unknown transaction %s", budget.ErrInvalidMutation, m.Target)
	}
	return target, nil
}
