package sync

import (
	"github.com/eshaffer321/ynab-sync/internal/domain/budget"
	"github.com/eshaffer321/ynab-sync/internal/infrastructure/storage"
)

// Recording and audit trail functions for the sync engine.
// These persist run history and notices; a failed write is logged and
// never fails the sync itself.

// startRun records the start of a sync run. It returns 0 when the run
// could not be recorded, which disables call logging for it.
func (e *Engine) startRun(budgetID, mode string, cursorBefore int64) int64 {
	runID, err := e.repo.StartSyncRun(budgetID, mode, cursorBefore)
	if err != nil {
		e.logger.Warn("Failed to record sync run", "budget", budgetID, "error", err)
		return 0
	}
	return runID
}

// completeRun records the outcome of a sync run
func (e *Engine) completeRun(result *SyncResult, runErr error) {
	if result.RunID == 0 {
		return
	}

	r := storage.SyncRunResult{
		Mode:             result.Mode,
		CursorAfter:      result.CursorAfter,
		EntitiesChanged:  result.EntitiesChanged,
		EntitiesDeferred: result.EntitiesDeferred,
		Stale:            result.Stale,
	}
	if d := result.Drain; d != nil {
		r.OpsSubmitted = d.Submitted
		r.OpsConfirmed = d.Confirmed
		r.OpsFailed = d.Failed
	}
	if runErr != nil {
		r.Error = runErr.Error()
	}

	if err := e.repo.CompleteSyncRun(result.RunID, r); err != nil {
		e.logger.Warn("Failed to complete sync run", "run_id", result.RunID, "error", err)
	}
}

// saveNotice stores a notice for the user. nil is ignored.
func (e *Engine) saveNotice(n *budget.Notice) {
	if n == nil {
		return
	}
	if err := e.repo.SaveNotice(n); err != nil {
		e.logger.Error("Failed to save notice",
			"budget", n.BudgetID,
			"kind", n.Kind,
			"entity", n.EntityID,
			"error", err,
		)
		return
	}
	e.logger.Info("Notice raised",
		"budget", n.BudgetID,
		"kind", n.Kind,
		"entity", n.EntityID,
		"reason", n.Reason,
	)
}
