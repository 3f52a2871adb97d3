package storage

import (
	"fmt"

	"github.com/eshaffer321/ynab-sync/internal/domain/budget"
)

// SaveNotice stores a new notice
func (s *Storage) SaveNotice(n *budget.Notice) error {
	query := `
		INSERT INTO notices
		(id, budget_id, kind, entity_kind, entity_id, op_kind, requested, server_state, reason, raised_at, acknowledged)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	raisedAt := n.RaisedAt
	if raisedAt.IsZero() {
		raisedAt = s.now()
	}

	_, err := s.db.Exec(query,
		n.ID,
		n.BudgetID,
		string(n.Kind),
		string(n.EntityKind),
		n.EntityID,
		string(n.OpKind),
		string(n.Requested),
		string(n.ServerState),
		n.Reason,
		raisedAt.UTC(),
		n.Acknowledged,
	)
	if err != nil {
		return fmt.Errorf("failed to save notice: %w", err)
	}
	return nil
}

// ListNotices returns notices of a budget, newest first.
func (s *Storage) ListNotices(budgetID string, includeAcked bool) ([]budget.Notice, error) {
	query := `
		SELECT id, budget_id, kind, entity_kind, entity_id, op_kind, requested, server_state,
		       reason, raised_at, acknowledged
		FROM notices
		WHERE budget_id = ? AND (? OR acknowledged = 0)
		ORDER BY raised_at DESC, id ASC
	`

	rows, err := s.db.Query(query, budgetID, includeAcked)
	if err != nil {
		return nil, fmt.Errorf("failed to list notices: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var notices []budget.Notice
	for rows.Next() {
		var n budget.Notice
		var kind, entityKind, opKind, requested, serverState string
		err := rows.Scan(
			&n.ID,
			&n.BudgetID,
			&kind,
			&entityKind,
			&n.EntityID,
			&opKind,
			&requested,
			&serverState,
			&n.Reason,
			&n.RaisedAt,
			&n.Acknowledged,
		)
		if err != nil {
			return nil, err
		}
		n.Kind = budget.NoticeKind(kind)
		n.EntityKind = budget.EntityKind(entityKind)
		n.OpKind = budget.OpKind(opKind)
		if requested != "" {
			n.Requested = []byte(requested)
		}
		if serverState != "" {
			n.ServerState = []byte(serverState)
		}
		notices = append(notices, n)
	}

	return notices, rows.Err()
}

// AcknowledgeNotice marks a notice as seen
func (s *Storage) AcknowledgeNotice(id string) error {
	result, err := s.db.Exec(`UPDATE notices SET acknowledged = 1 WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to acknowledge notice: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return fmt.Errorf("notice %s: %w", id, budget.ErrNotFound)
	}
	return nil
}

// CountUnacknowledged returns the number of open notices of a budget
func (s *Storage) CountUnacknowledged(budgetID string) (int, error) {
	var count int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM notices WHERE budget_id = ? AND acknowledged = 0`, budgetID).Scan(&count)
	return count, err
}
