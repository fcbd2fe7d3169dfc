package rebase

import "github.com/holiman/uint256"

// HolderAccount is the per-holder accounting record. Principal excludes
// interest that has not been settled yet; LastAccrual is the timestamp up to
// which interest has been folded into Principal.
type HolderAccount struct {
	Principal   *uint256.Int
	Rate        *uint256.Int
	LastAccrual uint64

	// indexed is set once the holder is known to be in the holder index.
	indexed bool
}

func newHolderAccount() *HolderAccount {
	return &HolderAccount{Principal: new(uint256.Int), Rate: new(uint256.Int)}
}

// Clone returns a deep copy of the account.
func (a *HolderAccount) Clone() *HolderAccount {
	if a == nil {
		return nil
	}
	clone := newHolderAccount()
	if a.Principal != nil {
		clone.Principal.Set(a.Principal)
	}
	if a.Rate != nil {
		clone.Rate.Set(a.Rate)
	}
	clone.LastAccrual = a.LastAccrual
	clone.indexed = a.indexed
	return clone
}

func (a *HolderAccount) normalize() {
	if a.Principal == nil {
		a.Principal = new(uint256.Int)
	}
	if a.Rate == nil {
		a.Rate = new(uint256.Int)
	}
}

// GlobalState holds the rate offered to new depositors.
type GlobalState struct {
	Rate        *uint256.Int
	Initialized bool
}

type allowanceRecord struct {
	Amount *uint256.Int
}
