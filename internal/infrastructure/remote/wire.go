package remote

import (
	"fmt"
	"time"

	"github.com/eshaffer321/ynab-sync/internal/domain/budget"
)

type envelope[T any] struct {
	Data T `json:"data"`
}

type errorBody struct {
	Error struct {
		ID     string `json:"id"`
		Name   string `json:"name"`
		Detail string `json:"detail"`
	} `json:"error"`
}

type currencyFormat struct {
	ISOCode string `json:"iso_code"`
}

type budgetSummary struct {
	ID             string          `json:"id"`
	Name           string          `json:"name"`
	LastModifiedOn *time.Time      `json:"last_modified_on"`
	CurrencyFormat *currencyFormat `json:"currency_format"`
}

type budgetDetail struct {
	budgetSummary
	Accounts        []account        `json:"accounts"`
	Payees          []payee          `json:"payees"`
	CategoryGroups  []categoryGroup  `json:"category_groups"`
	Categories      []category       `json:"categories"`
	Months          []month          `json:"months"`
	Transactions    []transaction    `json:"transactions"`
	Subtransactions []subtransaction `json:"subtransactions"`
}

type budgetDetailResponse struct {
	Budget          budgetDetail `json:"budget"`
	ServerKnowledge int64        `json:"server_knowledge"`
}

type budgetsResponse struct {
	Budgets []budgetSummary `json:"budgets"`
}

type account struct {
	ID               string  `json:"id"`
	Name             string  `json:"name"`
	Type             string  `json:"type"`
	OnBudget         bool    `json:"on_budget"`
	Closed           bool    `json:"closed"`
	Note             *string `json:"note"`
	Balance          int64   `json:"balance"`
	ClearedBalance   int64   `json:"cleared_balance"`
	UnclearedBalance int64   `json:"uncleared_balance"`
	TransferPayeeID  *string `json:"transfer_payee_id"`
	Deleted          bool    `json:"deleted"`
}

type payee struct {
	ID                string  `json:"id"`
	Name              string  `json:"name"`
	TransferAccountID *string `json:"transfer_account_id"`
	Deleted           bool    `json:"deleted"`
}

type categoryGroup struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	Hidden  bool   `json:"hidden"`
	Deleted bool   `json:"deleted"`
}

type category struct {
	ID              string  `json:"id"`
	CategoryGroupID string  `json:"category_group_id"`
	Name            string  `json:"name"`
	Hidden          bool    `json:"hidden"`
	Budgeted        int64   `json:"budgeted"`
	Activity        int64   `json:"activity"`
	Balance         int64   `json:"balance"`
	GoalType        *string `json:"goal_type"`
	GoalTarget      *int64  `json:"goal_target"`
	GoalUnderFunded *int64  `json:"goal_under_funded"`
	GoalSnoozedAt   *string `json:"goal_snoozed_at"`
	Deleted         bool    `json:"deleted"`
}

type month struct {
	Month      string     `json:"month"`
	Categories []category `json:"categories"`
}

type transaction struct {
	ID                string           `json:"id"`
	Date              string           `json:"date"`
	Amount            int64            `json:"amount"`
	Memo              *string          `json:"memo"`
	Cleared           string           `json:"cleared"`
	Approved          bool             `json:"approved"`
	FlagColor         *string          `json:"flag_color"`
	AccountID         string           `json:"account_id"`
	PayeeID           *string          `json:"payee_id"`
	CategoryID        *string          `json:"category_id"`
	TransferAccountID *string          `json:"transfer_account_id"`
	ImportID          *string          `json:"import_id"`
	Deleted           bool             `json:"deleted"`
	Subtransactions   []subtransaction `json:"subtransactions,omitempty"`
}

type subtransaction struct {
	ID            string  `json:"id"`
	TransactionID string  `json:"transaction_id"`
	Amount        int64   `json:"amount"`
	Memo          *string `json:"memo"`
	PayeeID       *string `json:"payee_id"`
	CategoryID    *string `json:"category_id"`
	Deleted       bool    `json:"deleted"`
}

type transactionResponse struct {
	Transaction     transaction `json:"transaction"`
	ServerKnowledge int64       `json:"server_knowledge"`
}

type categoryResponse struct {
	Category        category `json:"category"`
	ServerKnowledge int64    `json:"server_knowledge"`
}

type saveSubtransaction struct {
	Amount     int64   `json:"amount"`
	PayeeID    *string `json:"payee_id,omitempty"`
	CategoryID *string `json:"category_id,omitempty"`
	Memo       *string `json:"memo,omitempty"`
}

type saveTransaction struct {
	AccountID       string               `json:"account_id"`
	Date            string               `json:"date"`
	Amount          int64                `json:"amount"`
	PayeeID         *string              `json:"payee_id"`
	CategoryID      *string              `json:"category_id"`
	Memo            *string              `json:"memo"`
	Cleared         string               `json:"cleared"`
	Approved        bool                 `json:"approved"`
	FlagColor       *string              `json:"flag_color"`
	ImportID        *string              `json:"import_id,omitempty"`
	Subtransactions []saveSubtransaction `json:"subtransactions,omitempty"`
}

type saveTransactionRequest struct {
	Transaction saveTransaction `json:"transaction"`
}

type saveMonthCategory struct {
	Budgeted int64 `json:"budgeted"`
}

type saveMonthCategoryRequest struct {
	Category saveMonthCategory `json:"category"`
}

func (b budgetSummary) toDomain() budget.Budget {
	out := budget.Budget{ID: b.ID, Name: b.Name}
	if b.LastModifiedOn != nil {
		out.LastModifiedOn = b.LastModifiedOn.UTC()
	}
	if b.CurrencyFormat != nil {
		out.CurrencyISOCode = b.CurrencyFormat.ISOCode
	}
	return out
}

// toDelta converts a budget detail response. Subtransactions arrive as a
// flat list and are attached to their parents here.
func (r *budgetDetailResponse) toDelta() (*budget.Delta, error) {
	info := r.Budget.toDomain()
	d := &budget.Delta{
		ServerKnowledge: r.ServerKnowledge,
		Budget:          &info,
	}

	for _, a := range r.Budget.Accounts {
		d.Accounts = append(d.Accounts, budget.Account{
			ID:               a.ID,
			Name:             a.Name,
			Type:             budget.AccountType(a.Type),
			OnBudget:         a.OnBudget,
			Closed:           a.Closed,
			Note:             deref(a.Note),
			Balance:          budget.Milliunits(a.Balance),
			ClearedBalance:   budget.Milliunits(a.ClearedBalance),
			UnclearedBalance: budget.Milliunits(a.UnclearedBalance),
			TransferPayeeID:  deref(a.TransferPayeeID),
			Deleted:          a.Deleted,
		})
	}
	for _, p := range r.Budget.Payees {
		d.Payees = append(d.Payees, budget.Payee{
			ID:                p.ID,
			Name:              p.Name,
			TransferAccountID: deref(p.TransferAccountID),
			Deleted:           p.Deleted,
		})
	}
	for _, g := range r.Budget.CategoryGroups {
		d.CategoryGroups = append(d.CategoryGroups, budget.CategoryGroup{
			ID:      g.ID,
			Name:    g.Name,
			Hidden:  g.Hidden,
			Deleted: g.Deleted,
		})
	}
	for _, c := range r.Budget.Categories {
		d.Categories = append(d.Categories, c.toCategory())
	}
	for _, m := range r.Budget.Months {
		monthKey, err := budget.NormalizeMonth(m.Month)
		if err != nil {
			return nil, fmt.Errorf("failed to decode month: %w", err)
		}
		for _, c := range m.Categories {
			d.Allocations = append(d.Allocations, c.toAllocation(monthKey))
		}
	}

	subs := make(map[string][]subtransaction)
	for _, s := range r.Budget.Subtransactions {
		subs[s.TransactionID] = append(subs[s.TransactionID], s)
	}
	for _, t := range r.Budget.Transactions {
		d.Transactions = append(d.Transactions, t.toDomain(subs[t.ID]))
	}
	return d, nil
}

// toSnapshot converts a full budget response.
func (r *budgetDetailResponse) toSnapshot() (*budget.Snapshot, error) {
	d, err := r.toDelta()
	if err != nil {
		return nil, err
	}
	s := budget.NewSnapshot(*d.Budget)
	s.ServerKnowledge = d.ServerKnowledge
	for _, a := range d.Accounts {
		s.Accounts[a.ID] = a
	}
	for _, p := range d.Payees {
		s.Payees[p.ID] = p
	}
	for _, g := range d.CategoryGroups {
		s.CategoryGroups[g.ID] = g
	}
	for _, c := range d.Categories {
		s.Categories[c.ID] = c
	}
	for _, a := range d.Allocations {
		s.Allocations[a.Key()] = a
	}
	for _, t := range d.Transactions {
		s.Transactions[t.ID] = t
	}
	return s, nil
}

func (c category) toCategory() budget.Category {
	out := budget.Category{
		ID:          c.ID,
		GroupID:     c.CategoryGroupID,
		Name:        c.Name,
		Hidden:      c.Hidden,
		Deleted:     c.Deleted,
		GoalType:    deref(c.GoalType),
		GoalSnoozed: c.GoalSnoozedAt != nil,
	}
	if c.GoalTarget != nil {
		out.GoalTarget = budget.Milliunits(*c.GoalTarget)
	}
	return out
}

func (c category) toAllocation(monthKey string) budget.Allocation {
	out := budget.Allocation{
		CategoryID: c.ID,
		Month:      monthKey,
		Budgeted:   budget.Milliunits(c.Budgeted),
		Activity:   budget.Milliunits(c.Activity),
		Balance:    budget.Milliunits(c.Balance),
		Deleted:    c.Deleted,
	}
	if c.GoalUnderFunded != nil {
		out.GoalUnderFunded = budget.Milliunits(*c.GoalUnderFunded)
	}
	return out
}

// toDomain converts a transaction. subs overrides the nested
// subtransactions when the response carried them separately.
func (t transaction) toDomain(subs []subtransaction) budget.Transaction {
	out := budget.Transaction{
		ID:                budget.ServerID(t.ID),
		AccountID:         t.AccountID,
		Date:              t.Date,
		Amount:            budget.Milliunits(t.Amount),
		PayeeID:           deref(t.PayeeID),
		CategoryID:        deref(t.CategoryID),
		Memo:              deref(t.Memo),
		Cleared:           budget.ClearedStatus(t.Cleared),
		Approved:          t.Approved,
		FlagColor:         budget.FlagColor(deref(t.FlagColor)),
		TransferAccountID: deref(t.TransferAccountID),
		ImportID:          deref(t.ImportID),
		Deleted:           t.Deleted,
	}
	if subs == nil {
		subs = t.Subtransactions
	}
	for _, s := range subs {
		if s.Deleted && !t.Deleted {
			continue
		}
		out.Subtransactions = append(out.Subtransactions, budget.Subtransaction{
			Amount:     budget.Milliunits(s.Amount),
			CategoryID: deref(s.CategoryID),
			PayeeID:    deref(s.PayeeID),
			Memo:       deref(s.Memo),
		})
	}
	if out.IsSplit() {
		out.CategoryID = ""
	}
	return out
}

func fromTransaction(t budget.Transaction) saveTransaction {
	out := saveTransaction{
		AccountID:  t.AccountID,
		Date:       t.Date,
		Amount:     int64(t.Amount),
		PayeeID:    optional(t.PayeeID),
		CategoryID: optional(t.CategoryID),
		Memo:       optional(t.Memo),
		Cleared:    string(t.Cleared),
		Approved:   t.Approved,
		FlagColor:  optional(string(t.FlagColor)),
		ImportID:   optional(t.ImportID),
	}
	if out.Cleared == "" {
		out.Cleared = string(budget.Uncleared)
	}
	if t.IsSplit() {
		out.CategoryID = nil
		for _, s := range t.Subtransactions {
			out.Subtransactions = append(out.Subtransactions, saveSubtransaction{
				Amount:     int64(s.Amount),
				PayeeID:    optional(s.PayeeID),
				CategoryID: optional(s.CategoryID),
				Memo:       optional(s.Memo),
			})
		}
	}
	return out
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
