// Package view derives the read-only figures the UI shows from a snapshot.
//
// Nothing here is cached: Build is a pure function and callers run it
// against the latest snapshot every time.
package view

import (
	"sort"

	"github.com/eshaffer321/ynab-sync/internal/domain/budget"
)

// Classification buckets a category month for filtering.
type Classification string

const (
	Underfunded Classification = "underfunded"
	Overfunded  Classification = "overfunded"
	FullyFunded Classification = "fully_funded"
	NoActivity  Classification = "no_activity"
)

// AccountBalance is the derived balance of one account.
type AccountBalance struct {
	AccountID        string             `json:"account_id"`
	Name             string             `json:"name"`
	Type             budget.AccountType `json:"type"`
	OnBudget         bool               `json:"on_budget"`
	Closed           bool               `json:"closed"`
	Cleared          budget.Milliunits  `json:"cleared"`
	Uncleared        budget.Milliunits  `json:"uncleared"`
	Working          budget.Milliunits  `json:"working"`
	TransactionCount int                `json:"transaction_count"`
}

// CategoryMonth is the derived state of one category in one month.
type CategoryMonth struct {
	CategoryID      string            `json:"category_id"`
	GroupID         string            `json:"group_id"`
	GroupName       string            `json:"group_name"`
	Name            string            `json:"name"`
	Month           string            `json:"month"`
	Hidden          bool              `json:"hidden"`
	CarryIn         budget.Milliunits `json:"carry_in"`
	Budgeted        budget.Milliunits `json:"budgeted"`
	Activity        budget.Milliunits `json:"activity"`
	Available       budget.Milliunits `json:"available"`
	GoalTarget      budget.Milliunits `json:"goal_target,omitempty"`
	GoalUnderFunded budget.Milliunits `json:"goal_under_funded,omitempty"`
	GoalSnoozed     bool              `json:"goal_snoozed,omitempty"`
	Classification  Classification    `json:"classification"`
	Conflicted      bool              `json:"conflicted"`
}

// BudgetView is everything the UI reads for one budget and month.
type BudgetView struct {
	BudgetID        string               `json:"budget_id"`
	BudgetName      string               `json:"budget_name"`
	Month           string               `json:"month"`
	ServerKnowledge int64                `json:"server_knowledge"`
	Accounts        []AccountBalance     `json:"accounts"`
	Categories      []CategoryMonth      `json:"categories"`
	Transactions    []budget.Transaction `json:"transactions"`
	ReadyToAssign   budget.Milliunits    `json:"ready_to_assign"`
	Conflicts       int                  `json:"conflicts"`
}

// Build derives the view of month (YYYY-MM) from s.
func Build(s *budget.Snapshot, month string) *BudgetView {
	v := &BudgetView{
		BudgetID:        s.Budget.ID,
		BudgetName:      s.Budget.Name,
		Month:           month,
		ServerKnowledge: s.ServerKnowledge,
		Conflicts:       len(s.Deferred),
	}

	v.Accounts = accountBalances(s)
	v.Categories = categoryMonths(s, month)
	v.Transactions = monthTransactions(s, month)

	var onBudget, assigned budget.Milliunits
	for _, a := range v.Accounts {
		if a.OnBudget && !a.Closed {
			onBudget += a.Working
		}
	}
	for _, c := range v.Categories {
		if c.Available > 0 {
			assigned += c.Available
		}
	}
	v.ReadyToAssign = onBudget - assigned

	return v
}

// Filter returns the categories with classification c.
func (v *BudgetView) Filter(c Classification) []CategoryMonth {
	var out []CategoryMonth
	for _, cm := range v.Categories {
		if cm.Classification == c {
			out = append(out, cm)
		}
	}
	return out
}

// Account returns the balance of one account.
func (v *BudgetView) Account(id string) (AccountBalance, bool) {
	for _, a := range v.Accounts {
		if a.AccountID == id {
			return a, true
		}
	}
	return AccountBalance{}, false
}

// Category returns the derived month of one category.
func (v *BudgetView) Category(id string) (CategoryMonth, bool) {
	for _, c := range v.Categories {
		if c.CategoryID == id {
			return c, true
		}
	}
	return CategoryMonth{}, false
}

func accountBalances(s *budget.Snapshot) []AccountBalance {
	byID := make(map[string]*AccountBalance, len(s.Accounts))
	for id, a := range s.Accounts {
		if a.Deleted {
			continue
		}
		byID[id] = &AccountBalance{
			AccountID: id,
			Name:      a.Name,
			Type:      a.Type,
			OnBudget:  a.OnBudget,
			Closed:    a.Closed,
		}
	}

	for _, t := range s.Transactions {
		if t.Deleted {
			continue
		}
		ab, ok := byID[t.AccountID]
		if !ok {
			continue
		}
		if t.Cleared.IsCleared() {
			ab.Cleared += t.Amount
		} else {
			ab.Uncleared += t.Amount
		}
		ab.TransactionCount++
	}

	out := make([]AccountBalance, 0, len(byID))
	for _, ab := range byID {
		ab.Working = ab.Cleared + ab.Uncleared
		out = append(out, *ab)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Name != out[j].Name {
			return out[i].Name < out[j].Name
		}
		return out[i].AccountID < out[j].AccountID
	})
	return out
}

func categoryMonths(s *budget.Snapshot, month string) []CategoryMonth {
	history := make(map[string][]budget.Allocation)
	for _, a := range s.Allocations {
		if a.Deleted || a.Month > month {
			continue
		}
		history[a.CategoryID] = append(history[a.CategoryID], a)
	}

	out := make([]CategoryMonth, 0, len(s.Categories))
	for id, c := range s.Categories {
		if c.Deleted {
			continue
		}
		group := s.CategoryGroups[c.GroupID]
		cm := CategoryMonth{
			CategoryID:  id,
			GroupID:     c.GroupID,
			GroupName:   group.Name,
			Name:        c.Name,
			Month:       month,
			Hidden:      c.Hidden || group.Hidden,
			GoalTarget:  c.GoalTarget,
			GoalSnoozed: c.GoalSnoozed,
		}
		rollForward(&cm, history[id])
		_, cm.Conflicted = s.Deferred[budget.AllocationRef(budget.AllocationKey{CategoryID: id, Month: month})]
		cm.Classification = classify(c, cm)
		out = append(out, cm)
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].GroupName != out[j].GroupName {
			return out[i].GroupName < out[j].GroupName
		}
		if out[i].Name != out[j].Name {
			return out[i].Name < out[j].Name
		}
		return out[i].CategoryID < out[j].CategoryID
	})
	return out
}

// rollForward computes the available balance of cm.Month from the
// category's allocations up to and including that month. The carry into
// the earliest cached month is taken from the server's own figures; after
// that only positive balances carry forward.
func rollForward(cm *CategoryMonth, allocs []budget.Allocation) {
	if len(allocs) == 0 {
		return
	}
	sort.Slice(allocs, func(i, j int) bool { return allocs[i].Month < allocs[j].Month })

	first := allocs[0]
	carry := first.Balance - first.Budgeted - first.Activity
	for _, a := range allocs {
		available := carry + a.Budgeted + a.Activity
		if a.Month == cm.Month {
			cm.CarryIn = carry
			cm.Budgeted = a.Budgeted
			cm.Activity = a.Activity
			cm.Available = available
			cm.GoalUnderFunded = a.GoalUnderFunded
			return
		}
		carry = carryOver(available)
	}

	// No allocation for the month itself: nothing budgeted or spent yet.
	cm.CarryIn = carry
	cm.Available = carry
}

func carryOver(available budget.Milliunits) budget.Milliunits {
	if available < 0 {
		return 0
	}
	return available
}

func classify(c budget.Category, cm CategoryMonth) Classification {
	switch {
	case cm.Available < 0:
		return Underfunded
	case c.HasActiveGoal() && cm.GoalUnderFunded > 0:
		return Underfunded
	case c.GoalTarget > 0 && cm.Available > c.GoalTarget:
		return Overfunded
	case cm.Budgeted == 0 && cm.Activity == 0 && cm.Available == 0 && c.GoalType == "":
		return NoActivity
	default:
		return FullyFunded
	}
}

func monthTransactions(s *budget.Snapshot, month string) []budget.Transaction {
	var out []budget.Transaction
	for _, t := range s.Transactions {
		if t.Deleted || t.Month() != month {
			continue
		}
		out = append(out, t.Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Date != out[j].Date {
			return out[i].Date > out[j].Date
		}
		return out[i].ID.String() < out[j].ID.String()
	})
	return out
}
