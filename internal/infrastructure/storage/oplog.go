package storage

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"

	"github.com/eshaffer321/ynab-sync/internal/domain/budget"
)

// RetryPolicy is the backoff schedule for retriable delivery failures.
type RetryPolicy struct {
	BaseDelay   time.Duration
	Multiplier  float64
	MaxDelay    time.Duration
	MaxAttempts int
}

// DefaultRetryPolicy returns the schedule used when none is configured.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		BaseDelay:   2 * time.Second,
		Multiplier:  2,
		MaxDelay:    5 * time.Minute,
		MaxAttempts: 8,
	}
}

// Backoff returns the delay before attempt number attempts+1.
func (p RetryPolicy) Backoff(attempts int) time.Duration {
	if attempts < 1 {
		attempts = 1
	}
	mult := p.Multiplier
	if mult < 1 {
		mult = 1
	}
	d := float64(p.BaseDelay) * math.Pow(mult, float64(attempts-1))
	if p.MaxDelay > 0 && d > float64(p.MaxDelay) {
		return p.MaxDelay
	}
	return time.Duration(d)
}

// Exhausted reports whether attempts reached the ceiling.
func (p RetryPolicy) Exhausted(attempts int) bool {
	return p.MaxAttempts > 0 && attempts >= p.MaxAttempts
}

type opPayload struct {
	Transaction *budget.Transaction      `json:"transaction,omitempty"`
	Allocation  *budget.AllocationChange `json:"allocation,omitempty"`
}

// Enqueue appends an operation to the log.
func (s *Storage) Enqueue(op budget.Operation) (budget.OperationHandle, error) {
	if op.BudgetID == "" {
		return "", fmt.Errorf("operation has no budget")
	}
	if op.Handle == "" {
		op.Handle = budget.OperationHandle(uuid.NewString())
	}
	if op.EnqueuedAt.IsZero() {
		op.EnqueuedAt = s.now()
	}
	if op.NextAttemptAt.IsZero() {
		op.NextAttemptAt = op.EnqueuedAt
	}
	if op.Status == "" {
		op.Status = budget.OpPending
	}

	payload, err := json.Marshal(opPayload{Transaction: op.Transaction, Allocation: op.Allocation})
	if err != nil {
		return "", fmt.Errorf("failed to encode operation: %w", err)
	}

	query := `
		INSERT INTO pending_operations
		(handle, budget_id, kind, entity, target, payload, attempts, next_attempt_at, status, last_error, enqueued_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err = s.db.Exec(query,
		string(op.Handle),
		op.BudgetID,
		string(op.Kind),
		string(op.Entity),
		op.Target.String(),
		string(payload),
		op.Attempts,
		op.NextAttemptAt.UTC(),
		string(op.Status),
		op.LastError,
		op.EnqueuedAt.UTC(),
	)
	if err != nil {
		return "", fmt.Errorf("failed to enqueue operation: %w", err)
	}

	return op.Handle, nil
}

const opColumns = `
	seq, handle, budget_id, kind, entity, target, payload, attempts,
	last_attempt_at, next_attempt_at, status, last_error, enqueued_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanOperation(row rowScanner) (budget.Operation, error) {
	var op budget.Operation
	var handle, kind, entity, target, payload, status string
	var lastAttempt sql.NullTime

	err := row.Scan(
		&op.Seq,
		&handle,
		&op.BudgetID,
		&kind,
		&entity,
		&target,
		&payload,
		&op.Attempts,
		&lastAttempt,
		&op.NextAttemptAt,
		&status,
		&op.LastError,
		&op.EnqueuedAt,
	)
	if err != nil {
		return op, err
	}

	op.Handle = budget.OperationHandle(handle)
	op.Kind = budget.OpKind(kind)
	op.Entity = budget.EntityKind(entity)
	op.Status = budget.OpStatus(status)
	if lastAttempt.Valid {
		t := lastAttempt.Time
		op.LastAttemptAt = &t
	}

	if op.Target, err = budget.ParseID(target); err != nil {
		return op, fmt.Errorf("%w: operation %d: %v", budget.ErrLogCorrupt, op.Seq, err)
	}
	var p opPayload
	if err := json.Unmarshal([]byte(payload), &p); err != nil {
		return op, fmt.Errorf("%w: operation %d: %v", budget.ErrLogCorrupt, op.Seq, err)
	}
	op.Transaction = p.Transaction
	op.Allocation = p.Allocation

	switch op.Kind {
	case budget.OpCreate, budget.OpUpdate, budget.OpDelete:
	default:
		return op, fmt.Errorf("%w: operation %d has kind %q", budget.ErrLogCorrupt, op.Seq, kind)
	}
	return op, nil
}

// ListPending returns the non-terminal operations of a budget in
// submission order.
func (s *Storage) ListPending(budgetID string) ([]budget.Operation, error) {
	return listPending(s.db, budgetID)
}

type queryer interface {
	Query(query string, args ...any) (*sql.Rows, error)
}

func listPending(q queryer, budgetID string) ([]budget.Operation, error) {
	rows, err := q.Query(`SELECT `+opColumns+`
		FROM pending_operations
		WHERE budget_id = ?
		ORDER BY seq ASC`, budgetID)
	if err != nil {
		return nil, fmt.Errorf("failed to list operations: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var ops []budget.Operation
	for rows.Next() {
		op, err := scanOperation(rows)
		if err != nil {
			return nil, err
		}
		ops = append(ops, op)
	}
	return ops, rows.Err()
}

// MarkConfirmed removes a delivered operation. When it created an entity
// under a temporary id, every later operation that refers to that id is
// rewritten to serverID in the same transaction.
func (s *Storage) MarkConfirmed(handle budget.OperationHandle, serverID string) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	op, err := scanOperation(tx.QueryRow(`SELECT `+opColumns+`
		FROM pending_operations WHERE handle = ?`, string(handle)))
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("operation %s: %w", handle, budget.ErrNotFound)
	}
	if err != nil {
		return err
	}

	if _, err := tx.Exec(`DELETE FROM pending_operations WHERE handle = ?`, string(handle)); err != nil {
		return fmt.Errorf("failed to remove operation: %w", err)
	}

	if op.Target.IsTemporary() && serverID != "" {
		if err := rewriteTemporary(tx, op.BudgetID, op.Target, budget.ServerID(serverID)); err != nil {
			return err
		}
	}

	return tx.Commit()
}

func rewriteTemporary(tx *sql.Tx, budgetID string, from, to budget.ID) error {
	remaining, err := listPending(tx, budgetID)
	if err != nil {
		return err
	}

	for _, op := range remaining {
		rewritten := op.RewriteID(from, to)
		if rewritten.Target == op.Target && rewritten.Transaction == op.Transaction {
			continue
		}
		payload, err := json.Marshal(opPayload{Transaction: rewritten.Transaction, Allocation: rewritten.Allocation})
		if err != nil {
			return fmt.Errorf("failed to encode operation: %w", err)
		}
		_, err = tx.Exec(`UPDATE pending_operations SET target = ?, payload = ? WHERE seq = ?`,
			rewritten.Target.String(), string(payload), op.Seq)
		if err != nil {
			return fmt.Errorf("failed to rewrite operation %d: %w", op.Seq, err)
		}
	}
	return nil
}

// MarkFailed records a failed delivery attempt.
func (s *Storage) MarkFailed(handle budget.OperationHandle, retriable bool, reason string, policy RetryPolicy) (bool, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return false, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var attempts int
	err = tx.QueryRow(`SELECT attempts FROM pending_operations WHERE handle = ?`, string(handle)).Scan(&attempts)
	if errors.Is(err, sql.ErrNoRows) {
		return false, fmt.Errorf("operation %s: %w", handle, budget.ErrNotFound)
	}
	if err != nil {
		return false, err
	}

	attempts++
	now := s.now()
	terminal := !retriable || policy.Exhausted(attempts)

	if terminal {
		_, err = tx.Exec(`DELETE FROM pending_operations WHERE handle = ?`, string(handle))
	} else {
		_, err = tx.Exec(`
			UPDATE pending_operations
			SET attempts = ?, last_attempt_at = ?, next_attempt_at = ?, status = ?, last_error = ?
			WHERE handle = ?`,
			attempts, now.UTC(), now.Add(policy.Backoff(attempts)).UTC(), string(budget.OpFailed), reason, string(handle))
	}
	if err != nil {
		return false, fmt.Errorf("failed to record failure: %w", err)
	}

	return terminal, tx.Commit()
}

// Remove deletes an operation.
func (s *Storage) Remove(handle budget.OperationHandle) error {
	result, err := s.db.Exec(`DELETE FROM pending_operations WHERE handle = ?`, string(handle))
	if err != nil {
		return fmt.Errorf("failed to remove operation: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return fmt.Errorf("operation %s: %w", handle, budget.ErrNotFound)
	}
	return nil
}

// ClearPending drops every operation of a budget.
func (s *Storage) ClearPending(budgetID string) (int, error) {
	result, err := s.db.Exec(`DELETE FROM pending_operations WHERE budget_id = ?`, budgetID)
	if err != nil {
		return 0, fmt.Errorf("failed to clear operations: %w", err)
	}
	n, _ := result.RowsAffected()
	return int(n), nil
}

// NextTemporaryID allocates a temporary id. Ids are never reused, even
// across restarts.
func (s *Storage) NextTemporaryID() (budget.ID, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return budget.ID{}, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.Exec(`UPDATE local_sequence SET value = value + 1 WHERE name = 'temporary_id'`); err != nil {
		return budget.ID{}, fmt.Errorf("failed to advance sequence: %w", err)
	}
	var value uint64
	if err := tx.QueryRow(`SELECT value FROM local_sequence WHERE name = 'temporary_id'`).Scan(&value); err != nil {
		return budget.ID{}, fmt.Errorf("failed to read sequence: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return budget.ID{}, err
	}
	return budget.TemporaryID(value), nil
}
