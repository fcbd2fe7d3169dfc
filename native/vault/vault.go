// Package vault pegs ledger units 1:1 to a backing asset held in the domain
// state. Deposits mint at the current global rate and redemptions burn before
// the asset is released.
package vault

import (
	"errors"
	"fmt"

	"github.com/holiman/uint256"

	"rebasechain/core/events"
	"rebasechain/crypto"
	nativecommon "rebasechain/native/common"
	"rebasechain/native/rebase"
)

var (
	ErrInvalidAmount       = errors.New("vault: amount must be positive")
	ErrAssetReleaseFailed  = errors.New("vault: asset release failed")
	ErrInsufficientReserve = errors.New("vault: insufficient reserve")
	errNilLedger           = errors.New("vault: ledger not configured")
)

// AssetStore is the slice of the state manager holding backing asset balances
// and rollback points.
type AssetStore interface {
	Balance(addr []byte, symbol string) (*uint256.Int, error)
	MoveBalance(from, to []byte, symbol string, amount *uint256.Int) error
	Snapshot() int
	RevertToSnapshot(id int) error
}

// ReleaseHook runs after the reserve check and before the asset moves. A
// non-nil error means the recipient refused the payout.
type ReleaseHook func(to crypto.Address, amount *uint256.Int) error

// Vault is the collateral gateway of one domain.
type Vault struct {
	ledger        *rebase.Ledger
	ledgerAddress crypto.Address
	assets        AssetStore
	address       crypto.Address
	symbol        string
	emitter       events.Emitter
	pauses        nativecommon.PauseView
	onRelease     ReleaseHook
}

// New constructs a vault. The vault address must hold the mint/burn role on
// the ledger.
func New(ledger *rebase.Ledger, ledgerAddress crypto.Address, assets AssetStore, symbol string) *Vault {
	return &Vault{
		ledger:        ledger,
		ledgerAddress: ledgerAddress,
		assets:        assets,
		address:       crypto.ModuleAddress(nativecommon.ModuleVault),
		symbol:        symbol,
		emitter:       events.NoopEmitter{},
	}
}

// SetEmitter configures the event emitter. Passing nil installs a no-op.
func (v *Vault) SetEmitter(emitter events.Emitter) {
	if emitter == nil {
		v.emitter = events.NoopEmitter{}
		return
	}
	v.emitter = emitter
}

func (v *Vault) SetPauses(p nativecommon.PauseView) { v.pauses = p }

// SetReleaseHook installs a recipient acceptance check for redemptions.
func (v *Vault) SetReleaseHook(hook ReleaseHook) { v.onRelease = hook }

// Address is the vault's own holder address; it custodies the reserve.
func (v *Vault) Address() crypto.Address { return v.address }

// LedgerAddress returns the address of the ledger the vault mints on.
func (v *Vault) LedgerAddress() crypto.Address { return v.ledgerAddress }

// Symbol returns the backing asset symbol.
func (v *Vault) Symbol() string { return v.symbol }

// Reserve returns the backing asset currently held by the vault.
func (v *Vault) Reserve() (*uint256.Int, error) {
	return v.assets.Balance(v.address.Bytes(), v.symbol)
}

// Deposit takes paid units of the backing asset from caller and mints the same
// number of ledger units at the current global rate.
func (v *Vault) Deposit(caller crypto.Address, paid *uint256.Int) error {
	if err := v.ready(); err != nil {
		return err
	}
	if paid == nil || paid.IsZero() {
		return ErrInvalidAmount
	}
	return v.atomic(func() error {
		rate, err := v.ledger.InterestRate()
		if err != nil {
			return err
		}
		if err := v.assets.MoveBalance(caller.Bytes(), v.address.Bytes(), v.symbol, paid); err != nil {
			return fmt.Errorf("vault: collect deposit: %w", err)
		}
		if err := v.ledger.Mint(v.address, caller, paid, rate); err != nil {
			return err
		}
		v.emitter.Emit(events.VaultFlow{Kind: events.TypeVaultDeposit, Holder: caller, Amount: new(uint256.Int).Set(paid)})
		return nil
	})
}

// Redeem burns amount of caller's ledger units and releases the same amount
// of backing asset. MaxAmount redeems the settled balance including interest.
// The burn happens first; a failed release restores the burn and returns
// ErrAssetReleaseFailed wrapping the cause.
func (v *Vault) Redeem(caller crypto.Address, amount *uint256.Int) (*uint256.Int, error) {
	if err := v.ready(); err != nil {
		return nil, err
	}
	if amount == nil || amount.IsZero() {
		return nil, ErrInvalidAmount
	}
	var released *uint256.Int
	err := v.atomic(func() error {
		burned, err := v.ledger.Burn(v.address, caller, amount)
		if err != nil {
			return err
		}
		if err := v.release(caller, burned); err != nil {
			return fmt.Errorf("%w: %w", ErrAssetReleaseFailed, err)
		}
		released = burned
		v.emitter.Emit(events.VaultFlow{Kind: events.TypeVaultRedeem, Holder: caller, Amount: new(uint256.Int).Set(burned)})
		return nil
	})
	if err != nil {
		return nil, err
	}
	return released, nil
}

// Reward adds backing asset to the reserve without minting. The reserve is
// what pays out accrued interest on redemption.
func (v *Vault) Reward(caller crypto.Address, amount *uint256.Int) error {
	if err := v.ready(); err != nil {
		return err
	}
	if amount == nil || amount.IsZero() {
		return ErrInvalidAmount
	}
	if err := v.assets.MoveBalance(caller.Bytes(), v.address.Bytes(), v.symbol, amount); err != nil {
		return fmt.Errorf("vault: collect reward: %w", err)
	}
	v.emitter.Emit(events.VaultFlow{Kind: events.TypeVaultReward, Holder: caller, Amount: new(uint256.Int).Set(amount)})
	return nil
}

func (v *Vault) release(to crypto.Address, amount *uint256.Int) error {
	reserve, err := v.Reserve()
	if err != nil {
		return err
	}
	if reserve.Lt(amount) {
		return fmt.Errorf("%w: have %s, need %s", ErrInsufficientReserve, reserve.Dec(), amount.Dec())
	}
	if v.onRelease != nil {
		if err := v.onRelease(to, new(uint256.Int).Set(amount)); err != nil {
			return err
		}
	}
	return v.assets.MoveBalance(v.address.Bytes(), to.Bytes(), v.symbol, amount)
}

// atomic runs fn inside a state snapshot and reverts it when fn fails.
func (v *Vault) atomic(fn func() error) error {
	snapshot := v.assets.Snapshot()
	if err := fn(); err != nil {
		if revertErr := v.assets.RevertToSnapshot(snapshot); revertErr != nil {
			return errors.Join(err, revertErr)
		}
		return err
	}
	return nil
}

func (v *Vault) ready() error {
	if v == nil || v.ledger == nil || v.assets == nil {
		return errNilLedger
	}
	return nativecommon.Guard(v.pauses, nativecommon.ModuleVault)
}
