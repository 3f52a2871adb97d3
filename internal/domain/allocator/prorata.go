// Package allocator spreads a transaction total across split parts.
//
// The pro-rata allocator scales receipt line prices so they add up to what
// was actually charged. Discounts, coupons and tax all fold into one ratio:
//
//	multiplier = total / sum(line_prices)
//	part = line_price * multiplier
package allocator

import (
	"errors"

	"github.com/eshaffer321/ynab-sync/internal/domain/budget"
)

// Line is one receipt line to allocate to.
type Line struct {
	CategoryID string
	Price      budget.Milliunits
}

// Result contains the allocated split parts.
type Result struct {
	Multiplier float64
	Parts      []budget.Subtransaction
}

// Allocate distributes total across lines proportionally to their prices.
// Prices are taken by magnitude and every part carries the sign of total,
// so outflows stay negative. Parts always sum to total exactly: the
// rounding remainder goes to the largest line.
func Allocate(lines []Line, total budget.Milliunits) (*Result, error) {
	if len(lines) == 0 {
		return nil, errors.New("no lines to allocate")
	}

	var sum int64
	for _, l := range lines {
		sum += abs(int64(l.Price))
	}
	if sum == 0 {
		return nil, errors.New("line prices are all zero")
	}

	magnitude := abs(int64(total))
	sign := int64(1)
	if total < 0 {
		sign = -1
	}

	parts := make([]budget.Subtransaction, len(lines))
	var allocated int64
	largest := 0
	for i, l := range lines {
		price := abs(int64(l.Price))
		share := (price*magnitude + sum/2) / sum
		parts[i] = budget.Subtransaction{CategoryID: l.CategoryID, Amount: budget.Milliunits(sign * share)}
		allocated += share
		if price > abs(int64(lines[largest].Price)) {
			largest = i
		}
	}

	if diff := magnitude - allocated; diff != 0 {
		parts[largest].Amount += budget.Milliunits(sign * diff)
	}

	return &Result{
		Multiplier: float64(magnitude) / float64(sum),
		Parts:      parts,
	}, nil
}

func abs(n int64) int64 {
	if n < 0 {
		return -n
	}
	return n
}
