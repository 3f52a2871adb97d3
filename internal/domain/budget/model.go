// Package budget holds the cached budget model: entities, snapshots, deltas,
// pending operations and the pure functions that combine them.
//
// Amounts are milliunits (1000 = one currency unit). Outflows are negative.
package budget

import (
	"fmt"
	"time"
)

// Milliunits is a signed amount in thousandths of the budget currency.
type Milliunits int64

// ClearedStatus is the reconciliation state of a transaction.
type ClearedStatus string

const (
	Uncleared  ClearedStatus = "uncleared"
	Cleared    ClearedStatus = "cleared"
	Reconciled ClearedStatus = "reconciled"
)

// IsCleared reports whether the status counts toward the cleared balance.
func (c ClearedStatus) IsCleared() bool {
	return c == Cleared || c == Reconciled
}

// FlagColor is the optional flag on a transaction.
type FlagColor string

const (
	FlagNone   FlagColor = ""
	FlagRed    FlagColor = "red"
	FlagOrange FlagColor = "orange"
	FlagYellow FlagColor = "yellow"
	FlagGreen  FlagColor = "green"
	FlagBlue   FlagColor = "blue"
	FlagPurple FlagColor = "purple"
)

// AccountType mirrors the remote service's account types.
type AccountType string

const (
	AccountChecking       AccountType = "checking"
	AccountSavings        AccountType = "savings"
	AccountCash           AccountType = "cash"
	AccountCreditCard     AccountType = "creditCard"
	AccountLineOfCredit   AccountType = "lineOfCredit"
	AccountOtherAsset     AccountType = "otherAsset"
	AccountOtherLiability AccountType = "otherLiability"
	AccountMortgage       AccountType = "mortgage"
	AccountAutoLoan       AccountType = "autoLoan"
	AccountStudentLoan    AccountType = "studentLoan"
	AccountPersonalLoan   AccountType = "personalLoan"
	AccountMedicalDebt    AccountType = "medicalDebt"
	AccountOtherDebt      AccountType = "otherDebt"
)

// Budget is the top-level container the delta cursor is scoped to.
type Budget struct {
	ID              string    `json:"id"`
	Name            string    `json:"name"`
	LastModifiedOn  time.Time `json:"last_modified_on"`
	CurrencyISOCode string    `json:"currency_iso_code,omitempty"`
}

// Account is a budget account.
type Account struct {
	ID               string      `json:"id"`
	Name             string      `json:"name"`
	Type             AccountType `json:"type"`
	OnBudget         bool        `json:"on_budget"`
	Closed           bool        `json:"closed"`
	Note             string      `json:"note,omitempty"`
	Balance          Milliunits  `json:"balance"`
	ClearedBalance   Milliunits  `json:"cleared_balance"`
	UnclearedBalance Milliunits  `json:"uncleared_balance"`
	TransferPayeeID  string      `json:"transfer_payee_id,omitempty"`
	Deleted          bool        `json:"deleted"`
}

// CategoryGroup groups categories for display.
type CategoryGroup struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	Hidden  bool   `json:"hidden"`
	Deleted bool   `json:"deleted"`
}

// Category is a budget category. Monthly figures live in Allocation.
type Category struct {
	ID          string     `json:"id"`
	GroupID     string     `json:"group_id"`
	Name        string     `json:"name"`
	Hidden      bool       `json:"hidden"`
	Deleted     bool       `json:"deleted"`
	GoalType    string     `json:"goal_type,omitempty"`
	GoalTarget  Milliunits `json:"goal_target,omitempty"`
	GoalSnoozed bool       `json:"goal_snoozed,omitempty"`
}

// HasActiveGoal reports whether the category has a goal that is not snoozed.
func (c Category) HasActiveGoal() bool {
	return c.GoalType != "" && !c.GoalSnoozed
}

// Allocation is the monthly figures of one category.
type Allocation struct {
	CategoryID      string     `json:"category_id"`
	Month           string     `json:"month"`
	Budgeted        Milliunits `json:"budgeted"`
	Activity        Milliunits `json:"activity"`
	Balance         Milliunits `json:"balance"`
	GoalUnderFunded Milliunits `json:"goal_under_funded,omitempty"`
	Deleted         bool       `json:"deleted,omitempty"`
}

// Key returns the map key of the allocation.
func (a Allocation) Key() AllocationKey {
	return AllocationKey{CategoryID: a.CategoryID, Month: a.Month}
}

// Payee is a transaction counterparty. Transfer payees point at an account.
type Payee struct {
	ID                string `json:"id"`
	Name              string `json:"name"`
	TransferAccountID string `json:"transfer_account_id,omitempty"`
	Deleted           bool   `json:"deleted"`
}

// Subtransaction is one part of a split transaction.
type Subtransaction struct {
	Amount     Milliunits `json:"amount"`
	CategoryID string     `json:"category_id,omitempty"`
	PayeeID    string     `json:"payee_id,omitempty"`
	Memo       string     `json:"memo,omitempty"`
}

// Transaction is a single account transaction, optionally split.
type Transaction struct {
	ID                ID               `json:"id"`
	AccountID         string           `json:"account_id"`
	Date              string           `json:"date"`
	Amount            Milliunits       `json:"amount"`
	PayeeID           string           `json:"payee_id,omitempty"`
	CategoryID        string           `json:"category_id,omitempty"`
	Memo              string           `json:"memo,omitempty"`
	Cleared           ClearedStatus    `json:"cleared"`
	Approved          bool             `json:"approved"`
	FlagColor         FlagColor        `json:"flag_color,omitempty"`
	TransferAccountID string           `json:"transfer_account_id,omitempty"`
	ImportID          string           `json:"import_id,omitempty"`
	Deleted           bool             `json:"deleted"`
	Subtransactions   []Subtransaction `json:"subtransactions,omitempty"`
}

// IsSplit reports whether the transaction is distributed over subtransactions.
func (t Transaction) IsSplit() bool {
	return len(t.Subtransactions) > 0
}

// Month returns the YYYY-MM month the transaction falls in.
func (t Transaction) Month() string {
	if len(t.Date) < 7 {
		return ""
	}
	return t.Date[:7]
}

// Clone returns a copy that shares no slices with t.
func (t Transaction) Clone() Transaction {
	if t.Subtransactions != nil {
		subs := make([]Subtransaction, len(t.Subtransactions))
		copy(subs, t.Subtransactions)
		t.Subtransactions = subs
	}
	return t
}

// NormalizeMonth accepts YYYY-MM or YYYY-MM-DD and returns YYYY-MM.
func NormalizeMonth(s string) (string, error) {
	layout := "2006-01"
	if len(s) == len("2006-01-02") {
		layout = "2006-01-02"
	}
	t, err := time.Parse(layout, s)
	if err != nil {
		return "", fmt.Errorf("invalid month %q: %w", s, err)
	}
	return t.Format("2006-01"), nil
}
