// Package money converts between milliunit amounts and human-readable
// decimal strings.
package money

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/eshaffer321/ynab-sync/internal/domain/budget"
)

var thousand = decimal.NewFromInt(1000)

// ToDecimal returns m in currency units.
func ToDecimal(m budget.Milliunits) decimal.Decimal {
	return decimal.New(int64(m), -3)
}

// FromDecimal converts a currency amount to milliunits, rounding half away
// from zero at the third decimal place.
func FromDecimal(d decimal.Decimal) budget.Milliunits {
	return budget.Milliunits(d.Mul(thousand).Round(0).IntPart())
}

// Parse reads amounts such as "12.34", "-5", "$1,234.50" or "(20.00)".
func Parse(s string) (budget.Milliunits, error) {
	raw := strings.TrimSpace(s)
	negative := false
	if strings.HasPrefix(raw, "(") && strings.HasSuffix(raw, ")") {
		negative = true
		raw = strings.TrimSuffix(strings.TrimPrefix(raw, "("), ")")
	}
	if strings.HasPrefix(raw, "-") {
		negative = !negative
		raw = strings.TrimPrefix(raw, "-")
	}
	raw = strings.TrimPrefix(raw, "$")
	raw = strings.ReplaceAll(raw, ",", "")
	if raw == "" {
		return 0, fmt.Errorf("empty amount")
	}

	d, err := decimal.NewFromString(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid amount %q: %w", s, err)
	}
	if negative {
		d = d.Neg()
	}
	return FromDecimal(d), nil
}

// Format renders m as "$1,234.50" or "-$12.00".
func Format(m budget.Milliunits) string {
	d := ToDecimal(m)
	sign := ""
	if d.IsNegative() {
		sign = "-"
		d = d.Abs()
	}
	return sign + "$" + groupThousands(d.StringFixed(2))
}

// FormatPlain renders m with two decimals and no symbol, e.g. "-12.00".
func FormatPlain(m budget.Milliunits) string {
	return ToDecimal(m).StringFixed(2)
}

func groupThousands(fixed string) string {
	whole, frac, _ := strings.Cut(fixed, ".")
	if len(whole) <= 3 {
		return fixed
	}
	var b strings.Builder
	lead := len(whole) % 3
	if lead > 0 {
		b.WriteString(whole[:lead])
	}
	for i := lead; i < len(whole); i += 3 {
		if b.Len() > 0 {
			b.WriteByte(',')
		}
		b.WriteString(whole[i : i+3])
	}
	return b.String() + "." + frac
}
