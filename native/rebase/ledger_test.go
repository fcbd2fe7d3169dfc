package rebase

import (
	"bytes"
	"errors"
	"testing"

	"github.com/holiman/uint256"
	"github.com/stretchr/testify/require"

	"rebasechain/core/events"
	"rebasechain/core/state"
	"rebasechain/crypto"
	"rebasechain/native/access"
	nativecommon "rebasechain/native/common"
	"rebasechain/storage"
	"rebasechain/storage/trie"
)

const genesisTime = uint64(1_700_000_000)

type ledgerFixture struct {
	ledger    *Ledger
	state     *state.Manager
	recorder  *events.Recorder
	now       uint64
	owner     crypto.Address
	minter    crypto.Address
	authority crypto.Address
}

func testAddr(b byte) crypto.Address {
	return crypto.NewAddress(crypto.HolderPrefix, bytes.Repeat([]byte{b}, crypto.AddressLength))
}

func u(v uint64) *uint256.Int { return uint256.NewInt(v) }

func mustDec(t *testing.T, s string) *uint256.Int {
	t.Helper()
	v, err := uint256.FromDecimal(s)
	require.NoError(t, err)
	return v
}

func newLedgerFixture(t *testing.T, rate *uint256.Int) *ledgerFixture {
	t.Helper()
	db := storage.NewMemDB()
	t.Cleanup(db.Close)
	tr, err := trie.NewTrie(db, nil)
	require.NoError(t, err)
	mgr := state.NewManager(tr)

	f := &ledgerFixture{
		state:     mgr,
		recorder:  &events.Recorder{},
		now:       genesisTime,
		owner:     testAddr(0xA0),
		minter:    testAddr(0xA1),
		authority: testAddr(0xA2),
	}
	policy := access.NewPolicy(mgr)
	require.NoError(t, policy.Bootstrap(access.RoleOwner, f.owner))
	require.NoError(t, policy.Bootstrap(access.RoleMintBurn, f.minter))
	require.NoError(t, policy.Bootstrap(access.RoleRateAuthority, f.authority))

	f.ledger = NewLedger(mgr, policy)
	f.ledger.SetEmitter(f.recorder)
	f.ledger.SetPauses(mgr)
	f.ledger.SetNowFunc(func() uint64 { return f.now })
	require.NoError(t, f.ledger.InitInterestRate(rate))
	return f
}

func (f *ledgerFixture) warp(seconds uint64) { f.now += seconds }

func (f *ledgerFixture) deposit(t *testing.T, to crypto.Address, amount uint64) {
	t.Helper()
	rate, err := f.ledger.InterestRate()
	require.NoError(t, err)
	require.NoError(t, f.ledger.Mint(f.minter, to, u(amount), rate))
}

func (f *ledgerFixture) balance(t *testing.T, h crypto.Address) *uint256.Int {
	t.Helper()
	bal, err := f.ledger.BalanceOf(h)
	require.NoError(t, err)
	return bal
}

func (f *ledgerFixture) principal(t *testing.T, h crypto.Address) *uint256.Int {
	t.Helper()
	p, err := f.ledger.PrincipalBalanceOf(h)
	require.NoError(t, err)
	return p
}

func (f *ledgerFixture) rateOf(t *testing.T, h crypto.Address) *uint256.Int {
	t.Helper()
	r, err := f.ledger.UserInterestRate(h)
	require.NoError(t, err)
	return r
}

func TestAccruedMultiplier(t *testing.T) {
	m, err := AccruedMultiplier(100, 100, u(5e10))
	require.NoError(t, err)
	require.Equal(t, PrecisionFactor(), m)

	m, err = AccruedMultiplier(90, 100, u(5e10))
	require.NoError(t, err)
	require.Equal(t, PrecisionFactor(), m)

	m, err = AccruedMultiplier(1100, 100, u(5e10))
	require.NoError(t, err)
	require.Equal(t, u(1_000_050_000_000_000_000), m)

	_, err = AccruedMultiplier(3, 1, MaxAmount())
	require.ErrorIs(t, err, ErrOverflow)
}

func TestBalanceAccruesLinearly(t *testing.T) {
	f := newLedgerFixture(t, u(3_000_000_000_000))
	alice := testAddr(1)
	f.deposit(t, alice, 1_000_000_007)

	start := f.balance(t, alice)
	f.warp(3600)
	first := f.balance(t, alice)
	f.warp(3600)
	second := f.balance(t, alice)

	growth1 := new(uint256.Int).Sub(first, start)
	growth2 := new(uint256.Int).Sub(second, first)
	diff := new(uint256.Int)
	if growth1.Gt(growth2) {
		diff.Sub(growth1, growth2)
	} else {
		diff.Sub(growth2, growth1)
	}
	require.True(t, diff.Cmp(u(1)) <= 0, "growth %s vs %s", growth1, growth2)
	require.True(t, growth1.Sign() > 0)

	// Views never settle.
	require.Equal(t, u(1_000_000_007), f.principal(t, alice))
}

func TestSettlementIsIdempotentAtEqualTimestamps(t *testing.T) {
	f := newLedgerFixture(t, u(5e10))
	alice, bob := testAddr(1), testAddr(2)
	f.deposit(t, alice, 1e18)
	f.warp(1000)

	_, err := f.ledger.Transfer(alice, bob, u(0))
	require.NoError(t, err)
	once := f.principal(t, alice)
	require.Equal(t, mustDec(t, "1000050000000000000"), once)

	_, err = f.ledger.Transfer(alice, bob, u(0))
	require.NoError(t, err)
	require.Equal(t, once, f.principal(t, alice))

	settled := f.recorder.OfType(events.TypeInterestSettled)
	require.Len(t, settled, 1)
	require.Equal(t, "50000000000000", settled[0].Attr("amount"))
}

func TestSetInterestRateOnlyDecreases(t *testing.T) {
	f := newLedgerFixture(t, u(5e10))

	err := f.ledger.SetInterestRate(f.authority, u(6e10))
	require.ErrorIs(t, err, ErrRateIncreaseRejected)
	var rateErr *RateIncreaseError
	require.True(t, errors.As(err, &rateErr))
	require.Equal(t, u(5e10), rateErr.Old)
	require.Equal(t, u(6e10), rateErr.New)

	require.NoError(t, f.ledger.SetInterestRate(f.authority, u(4e10)))
	rate, err := f.ledger.InterestRate()
	require.NoError(t, err)
	require.Equal(t, u(4e10), rate)

	require.NoError(t, f.ledger.SetInterestRate(f.authority, u(4e10)))

	changed := f.recorder.OfType(events.TypeRateChanged)
	require.Len(t, changed, 2)
	require.Equal(t, "40000000000", changed[0].Attr("rate"))
	require.Equal(t, "50000000000", changed[0].Attr("previous"))
}

func TestInitInterestRateRunsOnce(t *testing.T) {
	f := newLedgerFixture(t, u(5e10))
	require.ErrorIs(t, f.ledger.InitInterestRate(u(1)), ErrAlreadyInitialized)
}

func TestAccessControl(t *testing.T) {
	f := newLedgerFixture(t, u(5e10))
	stranger := testAddr(9)
	alice := testAddr(1)

	require.ErrorIs(t, f.ledger.Mint(stranger, alice, u(10), u(5e10)), ErrUnauthorized)
	_, err := f.ledger.Burn(stranger, alice, u(10))
	require.ErrorIs(t, err, ErrUnauthorized)
	require.ErrorIs(t, f.ledger.SetInterestRate(stranger, u(1)), ErrUnauthorized)
	// The mint/burn role does not confer rate authority.
	require.ErrorIs(t, f.ledger.SetInterestRate(f.minter, u(1)), ErrUnauthorized)

	require.ErrorIs(t, f.ledger.GrantMintAndBurnRole(stranger, stranger), ErrUnauthorized)
	require.NoError(t, f.ledger.GrantMintAndBurnRole(f.owner, stranger))
	require.NoError(t, f.ledger.Mint(stranger, alice, u(10), u(5e10)))
	require.Equal(t, u(10), f.balance(t, alice))
}

func TestTransferPreservesAndInheritsRates(t *testing.T) {
	f := newLedgerFixture(t, u(5e10))
	alice, bob, carol := testAddr(1), testAddr(2), testAddr(3)
	f.deposit(t, alice, 1_000_000)

	require.NoError(t, f.ledger.SetInterestRate(f.authority, u(2e10)))
	f.deposit(t, bob, 500_000)
	f.warp(60)

	_, err := f.ledger.Transfer(alice, bob, u(1000))
	require.NoError(t, err)
	require.Equal(t, u(5e10), f.rateOf(t, alice))
	require.Equal(t, u(2e10), f.rateOf(t, bob))

	_, err = f.ledger.Transfer(alice, carol, u(1000))
	require.NoError(t, err)
	require.Equal(t, u(5e10), f.rateOf(t, carol))

	// A fully redeemed holder has a stale record but is economically empty.
	_, err = f.ledger.Burn(f.minter, bob, MaxAmount())
	require.NoError(t, err)
	require.True(t, f.principal(t, bob).IsZero())
	_, err = f.ledger.Transfer(alice, bob, u(10))
	require.NoError(t, err)
	require.Equal(t, u(5e10), f.rateOf(t, bob))
}

func TestTransferMovesPrincipalAfterSettlement(t *testing.T) {
	f := newLedgerFixture(t, u(5e10))
	alice, bob := testAddr(1), testAddr(2)
	f.deposit(t, alice, 1e18)
	f.warp(1000)

	moved, err := f.ledger.Transfer(alice, bob, MaxAmount())
	require.NoError(t, err)
	require.Equal(t, mustDec(t, "1000050000000000000"), moved)
	require.True(t, f.balance(t, alice).IsZero())
	require.Equal(t, moved, f.balance(t, bob))

	_, err = f.ledger.Transfer(bob, alice, new(uint256.Int).AddUint64(moved, 1))
	require.ErrorIs(t, err, ErrInsufficientBalance)
}

func TestSelfTransferOnlySettles(t *testing.T) {
	f := newLedgerFixture(t, u(5e10))
	alice := testAddr(1)
	f.deposit(t, alice, 1e18)
	f.warp(1000)

	_, err := f.ledger.Transfer(alice, alice, u(1e18))
	require.NoError(t, err)
	require.Equal(t, mustDec(t, "1000050000000000000"), f.principal(t, alice))

	_, err = f.ledger.Transfer(alice, alice, mustDec(t, "2000000000000000000"))
	require.ErrorIs(t, err, ErrInsufficientBalance)
}

func TestBurnAllResolvesSettledBalance(t *testing.T) {
	f := newLedgerFixture(t, u(5e10))
	alice := testAddr(1)
	f.deposit(t, alice, 1e18)
	f.warp(1000)

	burned, err := f.ledger.Burn(f.minter, alice, MaxAmount())
	require.NoError(t, err)
	require.Equal(t, mustDec(t, "1000050000000000000"), burned)
	require.True(t, f.balance(t, alice).IsZero())

	_, err = f.ledger.Burn(f.minter, alice, u(1))
	require.ErrorIs(t, err, ErrInsufficientBalance)
}

func TestMintOverflowFails(t *testing.T) {
	f := newLedgerFixture(t, u(5e10))
	alice := testAddr(1)
	half := new(uint256.Int).Lsh(u(1), 255)

	require.NoError(t, f.ledger.Mint(f.minter, alice, half, u(0)))
	require.ErrorIs(t, f.ledger.Mint(f.minter, alice, half, u(0)), ErrOverflow)
	require.Equal(t, half, f.principal(t, alice))

	bob := testAddr(2)
	require.NoError(t, f.ledger.Mint(f.minter, bob, half, PrecisionFactor()))
	f.warp(10)
	_, err := f.ledger.BalanceOf(bob)
	require.ErrorIs(t, err, ErrOverflow)
}

func TestMintRejectsZeroAddress(t *testing.T) {
	f := newLedgerFixture(t, u(5e10))
	err := f.ledger.Mint(f.minter, crypto.Address{}, u(1), u(1))
	require.ErrorIs(t, err, ErrInvalidAddress)
}

func TestAllowanceConsumption(t *testing.T) {
	f := newLedgerFixture(t, u(0))
	alice, bob, spender := testAddr(1), testAddr(2), testAddr(3)
	f.deposit(t, alice, 1000)

	require.NoError(t, f.ledger.Approve(alice, spender, u(100)))
	_, err := f.ledger.TransferFrom(spender, alice, bob, u(60))
	require.NoError(t, err)
	allowance, err := f.ledger.Allowance(alice, spender)
	require.NoError(t, err)
	require.Equal(t, u(40), allowance)

	_, err = f.ledger.TransferFrom(spender, alice, bob, u(50))
	require.ErrorIs(t, err, ErrInsufficientAllowance)
	require.Equal(t, u(60), f.balance(t, bob))

	require.NoError(t, f.ledger.Approve(alice, spender, MaxAmount()))
	_, err = f.ledger.TransferFrom(spender, alice, bob, u(500))
	require.NoError(t, err)
	allowance, err = f.ledger.Allowance(alice, spender)
	require.NoError(t, err)
	require.True(t, IsMaxAmount(allowance))

	other := testAddr(4)
	_, err = f.ledger.TransferFrom(other, alice, bob, u(1))
	require.ErrorIs(t, err, ErrInsufficientAllowance)
}

func TestTotalSupplyIncludesUnsettledInterest(t *testing.T) {
	f := newLedgerFixture(t, u(5e10))
	alice, bob := testAddr(1), testAddr(2)
	f.deposit(t, alice, 1e18)
	f.deposit(t, bob, 1e18)
	f.warp(1000)

	total, err := f.ledger.TotalSupply()
	require.NoError(t, err)
	require.Equal(t, mustDec(t, "2000100000000000000"), total)

	principal, err := f.ledger.TotalPrincipal()
	require.NoError(t, err)
	require.Equal(t, mustDec(t, "2000000000000000000"), principal)

	holders, err := f.ledger.Holders()
	require.NoError(t, err)
	require.Len(t, holders, 2)
	require.True(t, holders[0].Equal(alice))
}

func TestPausedLedgerRejectsMutations(t *testing.T) {
	f := newLedgerFixture(t, u(5e10))
	alice, bob := testAddr(1), testAddr(2)
	f.deposit(t, alice, 100)

	require.NoError(t, f.state.SetPaused(nativecommon.ModuleLedger, true))
	_, err := f.ledger.Transfer(alice, bob, u(1))
	require.ErrorIs(t, err, nativecommon.ErrModulePaused)
	require.ErrorIs(t, f.ledger.Mint(f.minter, alice, u(1), u(1)), nativecommon.ErrModulePaused)

	require.NoError(t, f.state.SetPaused(nativecommon.ModuleLedger, false))
	_, err = f.ledger.Transfer(alice, bob, u(1))
	require.NoError(t, err)
}

type indexCountingStore struct {
	Storage
	indexAppends int
}

func (s *indexCountingStore) KVAppend(key []byte, value []byte) error {
	if bytes.Equal(key, holderIndexKey) {
		s.indexAppends++
	}
	return s.Storage.KVAppend(key, value)
}

func TestHolderIndexedOnlyOnFirstWrite(t *testing.T) {
	f := newLedgerFixture(t, u(5e10))
	store := &indexCountingStore{Storage: f.state}
	ledger := NewLedger(store, access.NewPolicy(f.state))
	ledger.SetPauses(f.state)
	ledger.SetNowFunc(func() uint64 { return f.now })

	alice, bob := testAddr(1), testAddr(2)
	require.NoError(t, ledger.Mint(f.minter, alice, u(1e18), u(5e10)))
	require.Equal(t, 1, store.indexAppends)

	for i := 0; i < 5; i++ {
		f.warp(10)
		_, err := ledger.Transfer(alice, bob, u(1e16))
		require.NoError(t, err)
	}
	require.Equal(t, 2, store.indexAppends)

	_, err := ledger.Burn(f.minter, bob, u(1e15))
	require.NoError(t, err)
	require.Equal(t, 2, store.indexAppends)

	holders, err := ledger.Holders()
	require.NoError(t, err)
	require.Len(t, holders, 2)
	require.True(t, holders[0].Equal(alice))
	require.True(t, holders[1].Equal(bob))
}
