package cli

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/eshaffer321/ynab-sync/internal/domain/allocator"
	"github.com/eshaffer321/ynab-sync/internal/domain/budget"
	"github.com/eshaffer321/ynab-sync/internal/domain/money"
	"github.com/eshaffer321/ynab-sync/internal/domain/view"
)

// TxnFlags are the transaction fields shared by txn add and txn edit.
// Amounts are decimal strings in currency units.
type TxnFlags struct {
	Account   string
	Date      string
	Amount    string
	Payee     string
	Category  string
	Memo      string
	Cleared   string
	Approved  bool
	Flag      string
	Splits    []string
	Prorate   bool
	QueueOnly bool
}

func (f *TxnFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.Account, "account", "", "Account id")
	cmd.Flags().StringVar(&f.Date, "date", "", "Date (YYYY-MM-DD)")
	cmd.Flags().StringVar(&f.Amount, "amount", "", "Amount, negative for outflows (e.g. -12.34)")
	cmd.Flags().StringVar(&f.Payee, "payee", "", "Payee id")
	cmd.Flags().StringVar(&f.Category, "category", "", "Category id")
	cmd.Flags().StringVar(&f.Memo, "memo", "", "Memo")
	cmd.Flags().StringVar(&f.Cleared, "cleared", "", "cleared, uncleared or reconciled")
	cmd.Flags().BoolVar(&f.Approved, "approved", false, "Mark approved")
	cmd.Flags().StringVar(&f.Flag, "flag", "", "Flag color")
	cmd.Flags().StringArrayVar(&f.Splits, "split", nil, "Split part as category:amount (repeatable)")
	cmd.Flags().BoolVar(&f.Prorate, "prorate", false, "Treat split amounts as receipt prices and scale them to --amount")
	cmd.Flags().BoolVar(&f.QueueOnly, "queue-only", false, "Record the change without contacting the server")
}

// ToTransaction builds the transaction for a create.
func (f TxnFlags) ToTransaction() (budget.Transaction, error) {
	if f.Account == "" {
		return budget.Transaction{}, fmt.Errorf("--account is required")
	}
	if f.Amount == "" {
		return budget.Transaction{}, fmt.Errorf("--amount is required")
	}
	t := budget.Transaction{
		AccountID: f.Account,
		Date:      f.Date,
		Cleared:   budget.Uncleared,
	}
	if err := f.apply(&t, nil); err != nil {
		return budget.Transaction{}, err
	}
	return t, nil
}

// Apply overlays the flags the user changed onto an existing transaction.
func (f TxnFlags) Apply(cmd *cobra.Command, t *budget.Transaction) error {
	return f.apply(t, cmd)
}

// apply copies the flag values into t. When cmd is set only the flags the
// user changed are copied.
func (f TxnFlags) apply(t *budget.Transaction, cmd *cobra.Command) error {
	set := func(name string) bool { return cmd == nil || cmd.Flags().Changed(name) }

	if cmd != nil && set("account") {
		t.AccountID = f.Account
	}
	if cmd != nil && set("date") {
		t.Date = f.Date
	}
	if set("amount") && f.Amount != "" {
		amount, err := money.Parse(f.Amount)
		if err != nil {
			return fmt.Errorf("--amount: %w", err)
		}
		t.Amount = amount
	}
	if set("payee") {
		t.PayeeID = f.Payee
	}
	if set("category") {
		t.CategoryID = f.Category
	}
	if set("memo") {
		t.Memo = f.Memo
	}
	if set("cleared") && f.Cleared != "" {
		t.Cleared = budget.ClearedStatus(f.Cleared)
	}
	if set("approved") {
		t.Approved = f.Approved
	}
	if set("flag") {
		t.FlagColor = budget.FlagColor(f.Flag)
	}
	if set("split") && len(f.Splits) > 0 {
		subs, err := ParseSplits(f.Splits)
		if err != nil {
			return err
		}
		if f.Prorate {
			if subs, err = ProrateSplits(subs, t.Amount); err != nil {
				return err
			}
		}
		t.Subtransactions = subs
		t.CategoryID = ""
	}
	return nil
}

// ParseSplits parses category:amount pairs.
func ParseSplits(parts []string) ([]budget.Subtransaction, error) {
	subs := make([]budget.Subtransaction, 0, len(parts))
	for _, p := range parts {
		category, amount, ok := strings.Cut(p, ":")
		if !ok || category == "" {
			return nil, fmt.Errorf("invalid split %q: want category:amount", p)
		}
		m, err := money.Parse(amount)
		if err != nil {
			return nil, fmt.Errorf("invalid split %q: %w", p, err)
		}
		subs = append(subs, budget.Subtransaction{CategoryID: category, Amount: m})
	}
	return subs, nil
}

// ProrateSplits scales split amounts, read as receipt line prices, so they
// add up to total. Tax and discounts are spread in proportion to price.
func ProrateSplits(subs []budget.Subtransaction, total budget.Milliunits) ([]budget.Subtransaction, error) {
	lines := make([]allocator.Line, len(subs))
	for i, s := range subs {
		lines[i] = allocator.Line{CategoryID: s.CategoryID, Price: s.Amount}
	}
	result, err := allocator.Allocate(lines, total)
	if err != nil {
		return nil, fmt.Errorf("--prorate: %w", err)
	}
	return result.Parts, nil
}

// ParseFilter maps a --filter value onto a category predicate. The empty
// filter keeps everything.
func ParseFilter(name string) (func(view.CategoryMonth) bool, error) {
	switch name {
	case "", "all":
		return func(view.CategoryMonth) bool { return true }, nil
	case "underfunded":
		return classified(view.Underfunded), nil
	case "overfunded":
		return classified(view.Overfunded), nil
	case "overspent":
		return func(c view.CategoryMonth) bool { return c.Available < 0 }, nil
	case "funded", "fully_funded":
		return classified(view.FullyFunded), nil
	case "inactive", "no_activity":
		return classified(view.NoActivity), nil
	case "available":
		return func(c view.CategoryMonth) bool { return c.Available > 0 }, nil
	case "snoozed":
		return func(c view.CategoryMonth) bool { return c.GoalSnoozed }, nil
	default:
		return nil, fmt.Errorf("unknown filter %q", name)
	}
}

func classified(c view.Classification) func(view.CategoryMonth) bool {
	return func(cm view.CategoryMonth) bool { return cm.Classification == c }
}
