package money

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

var ErrNegative = errors.New("amount must not be negative")
var ErrNotPositive = errors.New("amount must be positive")

// Parse accepts a decimal string and rejects negative values.
// Bounty amounts may be zero (volunteer tasks), so zero is allowed here.
func Parse(s string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, fmt.Errorf("bad amount %q: %w", s, err)
	}
	if d.IsNegative() {
		return decimal.Zero, ErrNegative
	}
	return d, nil
}

// ParsePositive is Parse with zero rejected, for deposits and withdrawals.
func ParsePositive(s string) (decimal.Decimal, error) {
	d, err := Parse(s)
	if err != nil {
		return decimal.Zero, err
	}
	if !d.IsPositive() {
		return decimal.Zero, ErrNotPositive
	}
	return d, nil
}

// Clamp floors d at zero. Balance fields are never allowed to go negative;
// penalty and forfeiture paths clamp instead of failing.
func Clamp(d decimal.Decimal) decimal.Decimal {
	if d.IsNegative() {
		return decimal.Zero
	}
	return d
}
