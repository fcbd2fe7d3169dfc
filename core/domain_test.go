package core

import (
	"bytes"
	"errors"
	"sync"
	"testing"

	"github.com/holiman/uint256"
	"github.com/stretchr/testify/require"

	"rebasechain/core/events"
	"rebasechain/crypto"
	"rebasechain/native/access"
	"rebasechain/native/bridge"
	nativecommon "rebasechain/native/common"
	"rebasechain/native/rebase"
	"rebasechain/storage"
)

const startTime = uint64(1_700_000_000)

var (
	owner     = testAddr(0xA0)
	authority = testAddr(0xA2)
	alice     = testAddr(1)
	bob       = testAddr(2)
)

func testAddr(b byte) crypto.Address {
	return crypto.NewAddress(crypto.HolderPrefix, bytes.Repeat([]byte{b}, crypto.AddressLength))
}

func u(v uint64) *uint256.Int { return uint256.NewInt(v) }

func testGenesis(id uint64) *Genesis {
	return &Genesis{
		DomainID:      id,
		Name:          "test",
		Asset:         AssetSpec{Symbol: "usdx", Name: "Backing Dollar", Decimals: 18},
		InitialRate:   u(5e10),
		Owner:         owner,
		RateAuthority: authority,
		Allocations: []Allocation{
			{Address: alice, Amount: u(10e18)},
			{Address: bob, Amount: u(10e18)},
		},
	}
}

func openDomain(t *testing.T, db storage.Database, id uint64, key *crypto.PrivateKey) *Domain {
	t.Helper()
	if key == nil {
		var err error
		key, err = crypto.GeneratePrivateKey()
		require.NoError(t, err)
	}
	d, err := Open(db, testGenesis(id), key)
	require.NoError(t, err)
	d.SetClock(func() uint64 { return startTime })
	return d
}

func newDomain(t *testing.T, id uint64) *Domain {
	t.Helper()
	db := storage.NewMemDB()
	t.Cleanup(db.Close)
	return openDomain(t, db, id, nil)
}

func balanceOf(t *testing.T, d *Domain, h crypto.Address) *uint256.Int {
	t.Helper()
	var bal *uint256.Int
	require.NoError(t, d.View(func(m *Modules) error {
		var err error
		bal, err = m.Ledger.BalanceOf(h)
		return err
	}))
	return bal
}

func deposit(t *testing.T, d *Domain, h crypto.Address, amount *uint256.Int) {
	t.Helper()
	require.NoError(t, d.Execute(func(m *Modules) error { return m.Vault.Deposit(h, amount) }))
}

func link(t *testing.T, a, b *Domain) {
	t.Helper()
	require.NoError(t, a.Execute(func(m *Modules) error {
		return m.Bridge.RegisterRemote(owner, bridge.RemoteConfig{DomainID: b.ID(), Endpoint: b.Endpoint()})
	}))
}

func TestGenesisSeedsRolesRateAndAllocations(t *testing.T) {
	d := newDomain(t, 1)
	require.NotEqual(t, [32]byte{}, [32]byte(d.StateRoot()))

	require.NoError(t, d.View(func(m *Modules) error {
		require.True(t, m.Policy.Has(access.RoleOwner, owner))
		require.True(t, m.Policy.Has(access.RoleRateAuthority, authority))
		require.True(t, m.Policy.Has(access.RoleMintBurn, m.Vault.Address()))
		require.True(t, m.Policy.Has(access.RoleMintBurn, m.Bridge.Address()))

		rate, err := m.Ledger.InterestRate()
		require.NoError(t, err)
		require.Equal(t, u(5e10), rate)

		bal, err := m.State.Balance(alice.Bytes(), "USDX")
		require.NoError(t, err)
		require.Equal(t, u(10e18), bal)
		return nil
	}))
}

func TestOpenRejectsInvalidGenesis(t *testing.T) {
	key, err := crypto.GeneratePrivateKey()
	require.NoError(t, err)
	gen := testGenesis(1)
	gen.Owner = crypto.Address{}
	_, err = Open(storage.NewMemDB(), gen, key)
	require.ErrorIs(t, err, errInvalidGenesis)
	_, err = Open(storage.NewMemDB(), testGenesis(1), nil)
	require.Error(t, err)
}

func TestFailedExecuteLeavesNoTrace(t *testing.T) {
	d := newDomain(t, 1)
	recorder := &events.Recorder{}
	d.SetEmitter(recorder)
	deposit(t, d, alice, u(1e18))
	root := d.StateRoot()
	published := len(recorder.Events())

	boom := errors.New("boom")
	err := d.Execute(func(m *Modules) error {
		if _, err := m.Ledger.Transfer(alice, bob, u(5e17)); err != nil {
			return err
		}
		return boom
	})
	require.ErrorIs(t, err, boom)
	require.Equal(t, root, d.StateRoot())
	require.Len(t, recorder.Events(), published)
	require.Equal(t, u(1e18), balanceOf(t, d, alice))
	require.True(t, balanceOf(t, d, bob).IsZero())
}

type headFailDB struct {
	storage.Database
	failHead bool
}

func (db *headFailDB) Put(key, value []byte) error {
	if db.failHead && bytes.Equal(key, headKey) {
		return errors.New("disk full")
	}
	return db.Database.Put(key, value)
}

func TestHeadWriteFailureStillPublishesCommittedEvents(t *testing.T) {
	mem := storage.NewMemDB()
	t.Cleanup(mem.Close)
	db := &headFailDB{Database: mem}
	d := openDomain(t, db, 1, nil)
	recorder := &events.Recorder{}
	d.SetEmitter(recorder)
	deposit(t, d, alice, u(1e18))
	transfers := len(recorder.OfType(events.TypeTransfer))

	db.failHead = true
	err := d.Execute(func(m *Modules) error {
		_, err := m.Ledger.Transfer(alice, bob, u(4e17))
		return err
	})
	require.ErrorContains(t, err, "record head")
	require.Len(t, recorder.OfType(events.TypeTransfer), transfers+1)
	require.Equal(t, u(4e17), balanceOf(t, d, bob))

	db.failHead = false
	require.NoError(t, d.Execute(func(m *Modules) error {
		_, err := m.Ledger.Transfer(bob, alice, u(1e17))
		return err
	}))
	require.Len(t, recorder.OfType(events.TypeTransfer), transfers+2)
}

func TestRedeemAllAfterWarpPaysInterest(t *testing.T) {
	d := newDomain(t, 1)
	deposit(t, d, alice, u(1e18))
	require.NoError(t, d.Execute(func(m *Modules) error { return m.Vault.Reward(bob, u(1e18)) }))
	d.Warp(1000)

	var released *uint256.Int
	require.NoError(t, d.Execute(func(m *Modules) error {
		var err error
		released, err = m.Vault.Redeem(alice, rebase.MaxAmount())
		return err
	}))
	require.Equal(t, u(1_000_050_000_000_000_000), released)
	require.True(t, balanceOf(t, d, alice).IsZero())
}

func TestCrossDomainSendAndReceive(t *testing.T) {
	a, b := newDomain(t, 1), newDomain(t, 2)
	link(t, a, b)
	link(t, b, a)
	deposit(t, a, alice, u(2e18))
	a.Warp(600)

	var msg *bridge.Message
	require.NoError(t, a.Execute(func(m *Modules) error {
		var err error
		msg, err = m.Bridge.Send(alice, b.ID(), bob, u(1e18))
		return err
	}))

	b.Warp(3600)
	require.NoError(t, b.Receive(msg))
	require.Equal(t, u(1e18), balanceOf(t, b, bob))

	root := b.StateRoot()
	require.ErrorIs(t, b.Receive(msg), bridge.ErrReplayedMessage)
	require.Equal(t, root, b.StateRoot())

	require.NoError(t, b.View(func(m *Modules) error {
		rate, err := m.Ledger.UserInterestRate(bob)
		require.NoError(t, err)
		require.Equal(t, u(5e10), rate)
		return nil
	}))
}

func TestPauseRequiresRole(t *testing.T) {
	d := newDomain(t, 1)
	require.ErrorIs(t, d.SetPaused(alice, nativecommon.ModuleVault, true), access.ErrUnauthorized)
	require.NoError(t, d.SetPaused(owner, nativecommon.ModuleVault, true))

	err := d.Execute(func(m *Modules) error { return m.Vault.Deposit(alice, u(1)) })
	require.ErrorIs(t, err, nativecommon.ErrModulePaused)

	require.NoError(t, d.SetPaused(owner, nativecommon.ModuleVault, false))
	deposit(t, d, alice, u(1))
}

func TestReopenPersistedDomain(t *testing.T) {
	dir := t.TempDir()
	key, err := crypto.GeneratePrivateKey()
	require.NoError(t, err)

	db, err := storage.NewLevelDB(dir)
	require.NoError(t, err)
	d := openDomain(t, db, 1, key)
	deposit(t, d, alice, u(3e18))
	root := d.StateRoot()
	db.Close()

	db, err = storage.NewLevelDB(dir)
	require.NoError(t, err)
	t.Cleanup(db.Close)
	reopened := openDomain(t, db, 1, key)
	require.Equal(t, root, reopened.StateRoot())
	require.Equal(t, u(3e18), balanceOf(t, reopened, alice))
	require.True(t, reopened.Endpoint().Equal(d.Endpoint()))
}

func TestConcurrentExecutionIsSerialised(t *testing.T) {
	d := newDomain(t, 1)
	require.NoError(t, d.Execute(func(m *Modules) error {
		return m.Ledger.SetInterestRate(authority, u(0))
	}))
	deposit(t, d, alice, u(1000))
	deposit(t, d, bob, u(1000))

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			from, to := alice, bob
			if i%2 == 1 {
				from, to = bob, alice
			}
			_ = d.Execute(func(m *Modules) error {
				_, err := m.Ledger.Transfer(from, to, u(7))
				return err
			})
		}(i)
	}
	wg.Wait()

	total := new(uint256.Int).Add(balanceOf(t, d, alice), balanceOf(t, d, bob))
	require.Equal(t, u(2000), total)
	require.Equal(t, u(1000), balanceOf(t, d, alice))
}
