package vault

import (
	"github.com/shopspring/decimal"
)

// MaxAmount is the largest value a numeric(20,2) column holds.
var MaxAmount = decimal.New(1, 18).Sub(decimal.New(1, -2))

func checkedAdd(a, b decimal.Decimal) (decimal.Decimal, error) {
	sum := a.Add(b)
	if sum.GreaterThan(MaxAmount) {
		return decimal.Zero, ErrOverflow
	}
	return sum, nil
}

// checkedSub refuses to go negative. A negative result here means the ledger
// is already inconsistent.
func checkedSub(a, b decimal.Decimal) (decimal.Decimal, error) {
	if b.GreaterThan(a) {
		return decimal.Zero, ErrVaultInvariantViolated
	}
	return a.Sub(b), nil
}

// saturatingSub clamps at zero and reports whether it had to.
func saturatingSub(a, b decimal.Decimal) (decimal.Decimal, bool) {
	if b.GreaterThan(a) {
		return decimal.Zero, true
	}
	return a.Sub(b), false
}
