// Package validator checks local mutations before they are queued.
//
// The split validator enforces the split-transaction invariant: a split
// transaction has no category of its own and at least two subtransactions
// whose amounts add up exactly to the parent amount. Anything else would be
// refused by the server after a round trip, so it is caught up front.
package validator

import (
	"fmt"

	"github.com/eshaffer321/ynab-sync/internal/domain/budget"
	"github.com/eshaffer321/ynab-sync/internal/domain/money"
)

// MinSplitParts is the smallest number of subtransactions a split may have.
const MinSplitParts = 2

// SplitValidation contains the result of validating a transaction's split.
type SplitValidation struct {
	// Valid is true if the transaction satisfies the split invariant
	Valid bool

	// PartsSum is the sum of all subtransaction amounts
	PartsSum budget.Milliunits

	// Difference is PartsSum minus the parent amount
	Difference budget.Milliunits

	// Reason explains why validation failed (empty if valid)
	Reason string
}

// ValidateSplit checks t against the split invariant. Unsplit transactions
// are always valid.
func ValidateSplit(t budget.Transaction) *SplitValidation {
	if !t.IsSplit() {
		return &SplitValidation{Valid: true}
	}

	var sum budget.Milliunits
	for _, sub := range t.Subtransactions {
		sum += sub.Amount
	}
	diff := sum - t.Amount

	result := &SplitValidation{
		PartsSum:   sum,
		Difference: diff,
	}

	switch {
	case t.CategoryID != "":
		result.Reason = "a split transaction cannot also have a category"
	case len(t.Subtransactions) < MinSplitParts:
		result.Reason = fmt.Sprintf("a split needs at least %d parts, got %d", MinSplitParts, len(t.Subtransactions))
	case diff == 0:
		result.Valid = true
	default:
		result.Reason = splitMismatchReason(t.Amount, diff)
	}

	return result
}

// ValidateTransaction returns an error wrapping budget.ErrInvalidMutation
// when t violates the split invariant.
func ValidateTransaction(t budget.Transaction) error {
	result := ValidateSplit(t)
	if result.Valid {
		return nil
	}
	return fmt.Errorf("%w: %s", budget.ErrInvalidMutation, result.Reason)
}

// splitMismatchReason phrases the gap from the user's point of view. For an
// outflow the parts are "under" when they spend less than the total.
func splitMismatchReason(total, diff budget.Milliunits) string {
	gap := diff
	if gap < 0 {
		gap = -gap
	}
	direction := "over"
	if (total < 0 && diff > 0) || (total >= 0 && diff < 0) {
		direction = "under"
	}
	return fmt.Sprintf("Split amounts are %s %s the total", money.Format(gap), direction)
}
