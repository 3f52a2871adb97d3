package validator

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/eshaffer321/ynab-sync/internal/domain/budget"
)

func TestValidateSplit_Unsplit(t *testing.T) {
	result := ValidateSplit(budget.Transaction{Amount: -4500, CategoryID: "cat-1"})

	assert.True(t, result.Valid)
	assert.Empty(t, result.Reason)
}

func TestValidateSplit_Balanced(t *testing.T) {
	txn := budget.Transaction{
		Amount: -10000,
		Subtransactions: []budget.Subtransaction{
			{Amount: -6000, CategoryID: "groceries"},
			{Amount: -4000, CategoryID: "household"},
		},
	}

	result := ValidateSplit(txn)

	assert.True(t, result.Valid)
	assert.Equal(t, budget.Milliunits(-10000), result.PartsSum)
	assert.Equal(t, budget.Milliunits(0), result.Difference)
}

func TestValidateSplit_UnderTotal(t *testing.T) {
	// Outflow of $100 with parts covering only $95
	txn := budget.Transaction{
		Amount: -100000,
		Subtransactions: []budget.Subtransaction{
			{Amount: -60000, CategoryID: "groceries"},
			{Amount: -35000, CategoryID: "household"},
		},
	}

	result := ValidateSplit(txn)

	assert.False(t, result.Valid)
	assert.Equal(t, budget.Milliunits(5000), result.Difference)
	assert.Equal(t, "Split amounts are $5.00 under the total", result.Reason)
}

func TestValidateSplit_OverTotal(t *testing.T) {
	txn := budget.Transaction{
		Amount: -10000,
		Subtransactions: []budget.Subtransaction{
			{Amount: -8000, CategoryID: "groceries"},
			{Amount: -4500, CategoryID: "household"},
		},
	}

	result := ValidateSplit(txn)

	assert.False(t, result.Valid)
	assert.Equal(t, "Split amounts are $2.50 over the total", result.Reason)
}

func TestValidateSplit_Inflow(t *testing.T) {
	txn := budget.Transaction{
		Amount: 20000,
		Subtransactions: []budget.Subtransaction{
			{Amount: 15000, CategoryID: "income"},
			{Amount: 1000, CategoryID: "refunds"},
		},
	}

	result := ValidateSplit(txn)

	assert.False(t, result.Valid)
	assert.Contains(t, result.Reason, "$4.00 under")
}

func TestValidateSplit_SinglePart(t *testing.T) {
	txn := budget.Transaction{
		Amount:          -1000,
		Subtransactions: []budget.Subtransaction{{Amount: -1000, CategoryID: "groceries"}},
	}

	result := ValidateSplit(txn)

	assert.False(t, result.Valid)
	assert.Contains(t, result.Reason, "at least 2 parts")
}

func TestValidateSplit_CategoryAndParts(t *testing.T) {
	txn := budget.Transaction{
		Amount:     -2000,
		CategoryID: "groceries",
		Subtransactions: []budget.Subtransaction{
			{Amount: -1000, CategoryID: "groceries"},
			{Amount: -1000, CategoryID: "household"},
		},
	}

	err := ValidateTransaction(txn)

	assert.True(t, errors.Is(err, budget.ErrInvalidMutation))
	assert.Contains(t, err.Error(), "cannot also have a category")
}
