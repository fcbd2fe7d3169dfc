package events

import (
	"github.com/holiman/uint256"

	"rebasechain/core/types"
	"rebasechain/crypto"
)

const (
	// TypeRateChanged is emitted when the global interest rate is lowered.
	TypeRateChanged = "rebase.rate_changed"
	// TypeMint is emitted for every ledger mint, including settled interest.
	TypeMint = "rebase.mint"
	// TypeBurn is emitted for every ledger burn.
	TypeBurn = "rebase.burn"
	// TypeTransfer is emitted when principal moves between holders.
	TypeTransfer = "rebase.transfer"
	// TypeInterestSettled is emitted when owed interest is folded into principal.
	TypeInterestSettled = "rebase.interest_settled"
	// TypeApproval is emitted when an allowance is set.
	TypeApproval = "rebase.approval"
)

type RateChanged struct {
	Previous *uint256.Int
	Rate     *uint256.Int
}

func (RateChanged) EventType() string { return TypeRateChanged }

func (e RateChanged) Event() *types.Event {
	return &types.Event{Type: TypeRateChanged, Attributes: map[string]string{
		"rate":     formatAmount(e.Rate),
		"previous": formatAmount(e.Previous),
	}}
}

type Mint struct {
	To     crypto.Address
	Amount *uint256.Int
	Rate   *uint256.Int
}

func (Mint) EventType() string { return TypeMint }

func (e Mint) Event() *types.Event {
	return &types.Event{Type: TypeMint, Attributes: map[string]string{
		"to":     formatAddress(e.To),
		"amount": formatAmount(e.Amount),
		"rate":   formatAmount(e.Rate),
	}}
}

type Burn struct {
	From   crypto.Address
	Amount *uint256.Int
}

func (Burn) EventType() string { return TypeBurn }

func (e Burn) Event() *types.Event {
	return &types.Event{Type: TypeBurn, Attributes: map[string]string{
		"from":   formatAddress(e.From),
		"amount": formatAmount(e.Amount),
	}}
}

type Transfer struct {
	From   crypto.Address
	To     crypto.Address
	Amount *uint256.Int
}

func (Transfer) EventType() string { return TypeTransfer }

func (e Transfer) Event() *types.Event {
	return &types.Event{Type: TypeTransfer, Attributes: map[string]string{
		"from":   formatAddress(e.From),
		"to":     formatAddress(e.To),
		"amount": formatAmount(e.Amount),
	}}
}

type InterestSettled struct {
	Holder    crypto.Address
	Amount    *uint256.Int
	Timestamp uint64
}

func (InterestSettled) EventType() string { return TypeInterestSettled }

func (e InterestSettled) Event() *types.Event {
	return &types.Event{Type: TypeInterestSettled, Attributes: map[string]string{
		"holder":    formatAddress(e.Holder),
		"amount":    formatAmount(e.Amount),
		"timestamp": formatUint(e.Timestamp),
	}}
}

type Approval struct {
	Owner   crypto.Address
	Spender crypto.Address
	Amount  *uint256.Int
}

func (Approval) EventType() string { return TypeApproval }

func (e Approval) Event() *types.Event {
	return &types.Event{Type: TypeApproval, Attributes: map[string]string{
		"owner":   formatAddress(e.Owner),
		"spender": formatAddress(e.Spender),
		"amount":  formatAmount(e.Amount),
	}}
}
