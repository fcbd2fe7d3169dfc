package rebase

import "github.com/holiman/uint256"

var (
	// precision scales per-second rates: a rate equal to precision is 100%
	// per second.
	precision = uint256.NewInt(1_000_000_000_000_000_000)
	maxAmount = new(uint256.Int).SetAllOne()
)

// PrecisionFactor returns the fixed-point scale of interest rates (1e18).
func PrecisionFactor() *uint256.Int {
	return new(uint256.Int).Set(precision)
}

// MaxAmount returns the sentinel that burn, transfer and redeem resolve to the
// holder's full settled balance.
func MaxAmount() *uint256.Int {
	return new(uint256.Int).Set(maxAmount)
}

// IsMaxAmount reports whether amount is the "everything" sentinel.
func IsMaxAmount(amount *uint256.Int) bool {
	return amount != nil && amount.Eq(maxAmount)
}

// AccruedMultiplier returns PRECISION + rate * (now - last). Growth is linear,
// not compounding. A clock that has not advanced yields the identity
// multiplier.
func AccruedMultiplier(now, last uint64, rate *uint256.Int) (*uint256.Int, error) {
	multiplier := new(uint256.Int).Set(precision)
	if rate == nil || rate.IsZero() || now <= last {
		return multiplier, nil
	}
	growth, overflow := new(uint256.Int).MulOverflow(rate, uint256.NewInt(now-last))
	if overflow {
		return nil, ErrOverflow
	}
	if _, overflow := multiplier.AddOverflow(multiplier, growth); overflow {
		return nil, ErrOverflow
	}
	return multiplier, nil
}

// accrue applies multiplier to principal, truncating toward zero. The
// intermediate product is computed at 512 bits so only a result that does not
// fit in 256 bits fails.
func accrue(principal, multiplier *uint256.Int) (*uint256.Int, error) {
	if principal == nil || principal.IsZero() {
		return new(uint256.Int), nil
	}
	balance, overflow := new(uint256.Int).MulDivOverflow(principal, multiplier, precision)
	if overflow {
		return nil, ErrOverflow
	}
	return balance, nil
}
