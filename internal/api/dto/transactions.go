package dto

import (
	"time"

	"github.com/eshaffer321/ynab-sync/internal/domain/budget"
	"github.com/eshaffer321/ynab-sync/internal/domain/view"
)

// ViewResponse is the budget view of one month.
type ViewResponse struct {
	BudgetID        string                `json:"budget_id"`
	BudgetName      string                `json:"budget_name"`
	Month           string                `json:"month"`
	ServerKnowledge int64                 `json:"server_knowledge"`
	ReadyToAssign   Amount                `json:"ready_to_assign"`
	Conflicts       int                   `json:"conflicts"`
	Accounts        []AccountResponse     `json:"accounts"`
	Categories      []CategoryResponse    `json:"categories"`
	Transactions    []TransactionResponse `json:"transactions"`
}

// AccountResponse is the derived balance of an account.
type AccountResponse struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Type      string `json:"type,omitempty"`
	OnBudget  bool   `json:"on_budget"`
	Closed    bool   `json:"closed"`
	Cleared   Amount `json:"cleared"`
	Uncleared Amount `json:"uncleared"`
	Working   Amount `json:"working"`
}

// CategoryResponse is one category in one month.
type CategoryResponse struct {
	ID             string  `json:"id"`
	Name           string  `json:"name"`
	GroupName      string  `json:"group_name"`
	Budgeted       Amount  `json:"budgeted"`
	Activity       Amount  `json:"activity"`
	Available      Amount  `json:"available"`
	GoalTarget     *Amount `json:"goal_target,omitempty"`
	Classification string  `json:"classification"`
	Conflicted     bool    `json:"conflicted"`
}

// TransactionResponse represents a transaction in API responses.
type TransactionResponse struct {
	ID              string                   `json:"id"`
	Temporary       bool                     `json:"temporary"`
	AccountID       string                   `json:"account_id"`
	Date            string                   `json:"date"`
	Amount          Amount                   `json:"amount"`
	PayeeID         string                   `json:"payee_id,omitempty"`
	CategoryID      string                   `json:"category_id,omitempty"`
	Memo            string                   `json:"memo,omitempty"`
	Cleared         string                   `json:"cleared"`
	Approved        bool                     `json:"approved"`
	FlagColor       string                   `json:"flag_color,omitempty"`
	Subtransactions []SubtransactionResponse `json:"subtransactions,omitempty"`
}

// SubtransactionResponse represents a split within a transaction.
type SubtransactionResponse struct {
	Amount     Amount `json:"amount"`
	CategoryID string `json:"category_id,omitempty"`
	PayeeID    string `json:"payee_id,omitempty"`
	Memo       string `json:"memo,omitempty"`
}

// OperationResponse is a pending operation.
type OperationResponse struct {
	Handle        string               `json:"handle"`
	Kind          string               `json:"kind"`
	Entity        string               `json:"entity"`
	Target        string               `json:"target,omitempty"`
	Status        string               `json:"status"`
	Attempts      int                  `json:"attempts"`
	LastError     string               `json:"last_error,omitempty"`
	NextAttemptAt string               `json:"next_attempt_at,omitempty"`
	EnqueuedAt    string               `json:"enqueued_at"`
	Transaction   *TransactionResponse `json:"transaction,omitempty"`
	Allocation    *AllocationResponse  `json:"allocation,omitempty"`
}

// AllocationResponse is the payload of an allocation operation.
type AllocationResponse struct {
	CategoryID string `json:"category_id"`
	Month      string `json:"month"`
	Budgeted   Amount `json:"budgeted"`
}

// OperationListResponse is returned when listing pending operations.
type OperationListResponse struct {
	Operations []OperationResponse `json:"operations"`
	Count      int                 `json:"count"`
}

// NewViewResponse converts a budget view.
func NewViewResponse(v *view.BudgetView) ViewResponse {
	resp := ViewResponse{
		BudgetID:        v.BudgetID,
		BudgetName:      v.BudgetName,
		Month:           v.Month,
		ServerKnowledge: v.ServerKnowledge,
		ReadyToAssign:   NewAmount(v.ReadyToAssign),
		Conflicts:       v.Conflicts,
		Accounts:        make([]AccountResponse, 0, len(v.Accounts)),
		Categories:      make([]CategoryResponse, 0, len(v.Categories)),
		Transactions:    make([]TransactionResponse, 0, len(v.Transactions)),
	}

	for _, a := range v.Accounts {
		resp.Accounts = append(resp.Accounts, AccountResponse{
			ID:        a.AccountID,
			Name:      a.Name,
			Type:      string(a.Type),
			OnBudget:  a.OnBudget,
			Closed:    a.Closed,
			Cleared:   NewAmount(a.Cleared),
			Uncleared: NewAmount(a.Uncleared),
			Working:   NewAmount(a.Working),
		})
	}

	for _, c := range v.Categories {
		cr := CategoryResponse{
			ID:             c.CategoryID,
			Name:           c.Name,
			GroupName:      c.GroupName,
			Budgeted:       NewAmount(c.Budgeted),
			Activity:       NewAmount(c.Activity),
			Available:      NewAmount(c.Available),
			Classification: string(c.Classification),
			Conflicted:     c.Conflicted,
		}
		if c.GoalTarget != 0 {
			goal := NewAmount(c.GoalTarget)
			cr.GoalTarget = &goal
		}
		resp.Categories = append(resp.Categories, cr)
	}

	for _, t := range v.Transactions {
		resp.Transactions = append(resp.Transactions, NewTransactionResponse(t))
	}
	return resp
}

// NewTransactionResponse converts a transaction.
func NewTransactionResponse(t budget.Transaction) TransactionResponse {
	resp := TransactionResponse{
		ID:         t.ID.String(),
		Temporary:  t.ID.IsTemporary(),
		AccountID:  t.AccountID,
		Date:       t.Date,
		Amount:     NewAmount(t.Amount),
		PayeeID:    t.PayeeID,
		CategoryID: t.CategoryID,
		Memo:       t.Memo,
		Cleared:    string(t.Cleared),
		Approved:   t.Approved,
		FlagColor:  string(t.FlagColor),
	}
	for _, sub := range t.Subtransactions {
		resp.Subtransactions = append(resp.Subtransactions, SubtransactionResponse{
			Amount:     NewAmount(sub.Amount),
			CategoryID: sub.CategoryID,
			PayeeID:    sub.PayeeID,
			Memo:       sub.Memo,
		})
	}
	return resp
}

// NewOperationResponse converts a pending operation.
func NewOperationResponse(op budget.Operation) OperationResponse {
	resp := OperationResponse{
		Handle:     string(op.Handle),
		Kind:       string(op.Kind),
		Entity:     string(op.Entity),
		Status:     string(op.Status),
		Attempts:   op.Attempts,
		LastError:  op.LastError,
		EnqueuedAt: op.EnqueuedAt.UTC().Format(time.RFC3339),
	}
	if !op.Target.IsZero() {
		resp.Target = op.Target.String()
	}
	if !op.NextAttemptAt.IsZero() {
		resp.NextAttemptAt = op.NextAttemptAt.UTC().Format(time.RFC3339)
	}
	if op.Transaction != nil {
		t := NewTransactionResponse(*op.Transaction)
		resp.Transaction = &t
	}
	if op.Allocation != nil {
		resp.Allocation = &AllocationResponse{
			CategoryID: op.Allocation.CategoryID,
			Month:      op.Allocation.Month,
			Budgeted:   NewAmount(op.Budgeted()),
		}
	}
	return resp
}
