package events

import (
	"github.com/holiman/uint256"

	"rebasechain/core/types"
	"rebasechain/crypto"
)

const (
	TypeVaultDeposit = "vault.deposit"
	TypeVaultRedeem  = "vault.redeem"
	TypeVaultReward  = "vault.reward"
)

// VaultFlow describes backing asset entering or leaving the vault.
type VaultFlow struct {
	Kind   string
	Holder crypto.Address
	Amount *uint256.Int
}

func (e VaultFlow) EventType() string { return e.Kind }

func (e VaultFlow) Event() *types.Event {
	return &types.Event{Type: e.Kind, Attributes: map[string]string{
		"holder": formatAddress(e.Holder),
		"amount": formatAmount(e.Amount),
	}}
}
