package allocator

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eshaffer321/ynab-sync/internal/domain/budget"
)

func sum(parts []budget.Subtransaction) budget.Milliunits {
	var s budget.Milliunits
	for _, p := range parts {
		s += p.Amount
	}
	return s
}

func TestAllocate_BasicProRata(t *testing.T) {
	// Lines total $100, charged $95 (5% discount)
	lines := []Line{
		{CategoryID: "a", Price: 50000},
		{CategoryID: "b", Price: 30000},
		{CategoryID: "c", Price: 20000},
	}

	result, err := Allocate(lines, -95000)
	require.NoError(t, err)

	assert.InDelta(t, 0.95, result.Multiplier, 0.001)
	assert.Equal(t, budget.Milliunits(-47500), result.Parts[0].Amount)
	assert.Equal(t, budget.Milliunits(-28500), result.Parts[1].Amount)
	assert.Equal(t, budget.Milliunits(-19000), result.Parts[2].Amount)
	assert.Equal(t, "b", result.Parts[1].CategoryID)
}

func TestAllocate_WithTaxIncrease(t *testing.T) {
	// Lines $100, charged $106 (6% tax)
	lines := []Line{
		{CategoryID: "a", Price: 60000},
		{CategoryID: "b", Price: 40000},
	}

	result, err := Allocate(lines, -106000)
	require.NoError(t, err)

	assert.InDelta(t, 1.06, result.Multiplier, 0.001)
	assert.Equal(t, budget.Milliunits(-63600), result.Parts[0].Amount)
	assert.Equal(t, budget.Milliunits(-42400), result.Parts[1].Amount)
}

func TestAllocate_RealReceipt(t *testing.T) {
	// Lines sum to $107.26, card charged $103.27
	lines := []Line{
		{CategoryID: "toys", Price: 19990},
		{CategoryID: "home", Price: 12720},
		{CategoryID: "home", Price: 16990},
		{CategoryID: "grocery", Price: 7990},
		{CategoryID: "toys", Price: 6490},
		{CategoryID: "toys", Price: 26990},
		{CategoryID: "toys", Price: 16090},
	}

	result, err := Allocate(lines, -103270)
	require.NoError(t, err)

	assert.Equal(t, budget.Milliunits(-103270), sum(result.Parts))
	for _, p := range result.Parts {
		assert.Negative(t, int64(p.Amount))
	}
}

func TestAllocate_RemainderGoesToLargest(t *testing.T) {
	// equal lines tie, so the first one takes the odd milliunit
	lines := []Line{
		{CategoryID: "a", Price: 1000},
		{CategoryID: "b", Price: 1000},
		{CategoryID: "c", Price: 1000},
	}

	result, err := Allocate(lines, -10000)
	require.NoError(t, err)

	assert.Equal(t, budget.Milliunits(-10000), sum(result.Parts))
	assert.Equal(t, budget.Milliunits(-3334), result.Parts[0].Amount)
	assert.Equal(t, budget.Milliunits(-3333), result.Parts[1].Amount)
	assert.Equal(t, budget.Milliunits(-3333), result.Parts[2].Amount)

	lines[2].Price = 2000
	result, err = Allocate(lines, -10001)
	require.NoError(t, err)

	assert.Equal(t, budget.Milliunits(-10001), sum(result.Parts))
	assert.Equal(t, budget.Milliunits(-5001), result.Parts[2].Amount)
}

func TestAllocate_Inflow(t *testing.T) {
	result, err := Allocate([]Line{{CategoryID: "a", Price: -2000}, {CategoryID: "b", Price: -6000}}, 4000)
	require.NoError(t, err)

	assert.Equal(t, budget.Milliunits(1000), result.Parts[0].Amount)
	assert.Equal(t, budget.Milliunits(3000), result.Parts[1].Amount)
}

func TestAllocate_Errors(t *testing.T) {
	_, err := Allocate(nil, -1000)
	assert.Error(t, err)

	_, err = Allocate([]Line{{CategoryID: "a"}, {CategoryID: "b"}}, -1000)
	assert.Error(t, err)
}
