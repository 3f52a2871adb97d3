package dto

import (
	"fmt"

	"github.com/eshaffer321/ynab-sync/internal/domain/budget"
	"github.com/eshaffer321/ynab-sync/internal/domain/money"
)

// MutationRequest is the body of POST /api/budgets/{budgetID}/mutations.
// Amounts are decimal strings in currency units, e.g. "-12.34".
type MutationRequest struct {
	Kind        string              `json:"kind"`             // "create", "update", "delete"
	Entity      string              `json:"entity,omitempty"` // "transaction" (default) or "allocation"
	Target      string              `json:"target,omitempty"` // server id or "~tmp-N"
	Transaction *TransactionRequest `json:"transaction,omitempty"`
	Allocation  *AllocationRequest  `json:"allocation,omitempty"`
}

// TransactionRequest carries the fields of a created or edited transaction.
type TransactionRequest struct {
	AccountID       string                  `json:"account_id"`
	Date            string                  `json:"date"`
	Amount          string                  `json:"amount"`
	PayeeID         string                  `json:"payee_id,omitempty"`
	CategoryID      string                  `json:"category_id,omitempty"`
	Memo            string                  `json:"memo,omitempty"`
	Cleared         string                  `json:"cleared,omitempty"`
	Approved        bool                    `json:"approved"`
	FlagColor       string                  `json:"flag_color,omitempty"`
	Subtransactions []SubtransactionRequest `json:"subtransactions,omitempty"`
}

// SubtransactionRequest is one part of a split.
type SubtransactionRequest struct {
	Amount     string `json:"amount"`
	CategoryID string `json:"category_id,omitempty"`
	PayeeID    string `json:"payee_id,omitempty"`
	Memo       string `json:"memo,omitempty"`
}

// AllocationRequest sets the budgeted amount of a category month.
type AllocationRequest struct {
	CategoryID string `json:"category_id"`
	Month      string `json:"month"`
	Budgeted   string `json:"budgeted"`
}

// SyncRunListParams represents query parameters for listing sync runs.
type SyncRunListParams struct {
	BudgetID string `json:"budget_id"`
	Limit    int    `json:"limit"`
}

// DefaultSyncRunListParams returns default values for sync run list params.
func DefaultSyncRunListParams() SyncRunListParams {
	return SyncRunListParams{
		Limit: 20,
	}
}

// ToMutation converts the request into a domain mutation. Structural
// checks are left to budget.Mutation.Validate.
func (r MutationRequest) ToMutation() (budget.Mutation, error) {
	m := budget.Mutation{
		Kind:   budget.OpKind(r.Kind),
		Entity: budget.EntityTransaction,
	}
	if r.Entity != "" {
		m.Entity = budget.EntityKind(r.Entity)
	}

	if r.Target != "" {
		id, err := budget.ParseID(r.Target)
		if err != nil {
			return budget.Mutation{}, fmt.Errorf("invalid target: %w", err)
		}
		m.Target = id
	}

	if r.Transaction != nil {
		t, err := r.Transaction.toTransaction()
		if err != nil {
			return budget.Mutation{}, err
		}
		m.Transaction = &t
	}

	if r.Allocation != nil {
		amount, err := parseAmount("budgeted", r.Allocation.Budgeted)
		if err != nil {
			return budget.Mutation{}, err
		}
		m.Allocation = &budget.AllocationChange{
			CategoryID: r.Allocation.CategoryID,
			Month:      r.Allocation.Month,
			Budgeted:   amount,
		}
	}
	return m, nil
}

func (r TransactionRequest) toTransaction() (budget.Transaction, error) {
	amount, err := parseAmount("amount", r.Amount)
	if err != nil {
		return budget.Transaction{}, err
	}

	t := budget.Transaction{
		AccountID:  r.AccountID,
		Date:       r.Date,
		Amount:     amount,
		PayeeID:    r.PayeeID,
		CategoryID: r.CategoryID,
		Memo:       r.Memo,
		Cleared:    budget.ClearedStatus(r.Cleared),
		Approved:   r.Approved,
		FlagColor:  budget.FlagColor(r.FlagColor),
	}
	if t.Cleared == "" {
		t.Cleared = budget.Uncleared
	}

	for i, sub := range r.Subtransactions {
		amount, err := parseAmount(fmt.Sprintf("subtransactions[%d].amount", i), sub.Amount)
		if err != nil {
			return budget.Transaction{}, err
		}
		t.Subtransactions = append(t.Subtransactions, budget.Subtransaction{
			Amount:     amount,
			CategoryID: sub.CategoryID,
			PayeeID:    sub.PayeeID,
			Memo:       sub.Memo,
		})
	}
	return t, nil
}

func parseAmount(field, s string) (budget.Milliunits, error) {
	m, err := money.Parse(s)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", field, err)
	}
	return m, nil
}
