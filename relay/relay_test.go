package relay

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/holiman/uint256"
	"github.com/stretchr/testify/require"

	"rebasechain/core"
	"rebasechain/crypto"
	"rebasechain/native/bridge"
	"rebasechain/storage"
)

var (
	owner     = testAddr(0xA0)
	authority = testAddr(0xA2)
	alice     = testAddr(1)
	bob       = testAddr(2)
	rate      = uint256.NewInt(5e10)
)

func testAddr(b byte) crypto.Address {
	return crypto.NewAddress(crypto.HolderPrefix, bytes.Repeat([]byte{b}, crypto.AddressLength))
}

type harness struct {
	now   time.Time
	a, b  *core.Domain
	relay *Relay
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{now: time.Unix(1_700_000_000, 0)}
	h.a = h.openDomain(t, 1)
	h.b = h.openDomain(t, 2)
	h.link(t, h.a, h.b)
	h.link(t, h.b, h.a)

	h.relay = New(nil)
	h.relay.SetClock(func() time.Time { return h.now })
	h.relay.Register(h.a)
	h.relay.Register(h.b)

	require.NoError(t, h.a.Execute(func(m *core.Modules) error {
		return m.Vault.Deposit(alice, uint256.NewInt(5e18))
	}))
	return h
}

func (h *harness) openDomain(t *testing.T, id uint64) *core.Domain {
	t.Helper()
	db := storage.NewMemDB()
	t.Cleanup(db.Close)
	key, err := crypto.GeneratePrivateKey()
	require.NoError(t, err)
	d, err := core.Open(db, &core.Genesis{
		DomainID:      id,
		Name:          "relay-test",
		Asset:         core.AssetSpec{Symbol: "USDX", Name: "Backing Dollar", Decimals: 18},
		InitialRate:   rate,
		Owner:         owner,
		RateAuthority: authority,
		Allocations:   []core.Allocation{{Address: alice, Amount: uint256.NewInt(5e18)}},
	}, key)
	require.NoError(t, err)
	d.SetClock(func() uint64 { return uint64(h.now.Unix()) })
	return d
}

func (h *harness) link(t *testing.T, from, to *core.Domain) {
	t.Helper()
	require.NoError(t, from.Execute(func(m *core.Modules) error {
		return m.Bridge.RegisterRemote(owner, bridge.RemoteConfig{DomainID: to.ID(), Endpoint: to.Endpoint()})
	}))
}

func (h *harness) send(t *testing.T, from, to *core.Domain, sender, receiver crypto.Address, amount *uint256.Int) *bridge.Message {
	t.Helper()
	var msg *bridge.Message
	require.NoError(t, from.Execute(func(m *core.Modules) error {
		var err error
		msg, err = m.Bridge.Send(sender, to.ID(), receiver, amount)
		return err
	}))
	require.NoError(t, h.relay.Submit(msg))
	return msg
}

func balanceOf(t *testing.T, d *core.Domain, holder crypto.Address) *uint256.Int {
	t.Helper()
	var bal *uint256.Int
	require.NoError(t, d.View(func(m *core.Modules) error {
		var err error
		bal, err = m.Ledger.BalanceOf(holder)
		return err
	}))
	return bal
}

func rateOf(t *testing.T, d *core.Domain, holder crypto.Address) *uint256.Int {
	t.Helper()
	var r *uint256.Int
	require.NoError(t, d.View(func(m *core.Modules) error {
		var err error
		r, err = m.Ledger.UserInterestRate(holder)
		return err
	}))
	return r
}

func TestDeliveryAfterLaneDelay(t *testing.T) {
	for _, delay := range []time.Duration{0, 30 * time.Second, 5 * time.Minute, 45 * time.Minute} {
		t.Run(delay.String(), func(t *testing.T) {
			h := newHarness(t)
			h.relay.SetDelay(Lane{Source: 1, Dest: 2}, delay)
			amount := uint256.NewInt(2e18)
			h.send(t, h.a, h.b, alice, bob, amount)

			if delay > 0 {
				h.now = h.now.Add(delay - time.Second)
				report := h.relay.Deliver(context.Background(), h.now)
				require.Empty(t, report.Delivered)
				require.Len(t, h.relay.Pending(), 1)
				require.True(t, balanceOf(t, h.b, bob).IsZero())
				h.now = h.now.Add(time.Second)
			}

			report := h.relay.Deliver(context.Background(), h.now)
			require.Len(t, report.Delivered, 1)
			require.Empty(t, h.relay.Pending())
			require.Equal(t, amount, balanceOf(t, h.b, bob))
			require.Equal(t, rate, rateOf(t, h.b, bob))
		})
	}
}

func TestDeliveryPreservesLaneOrder(t *testing.T) {
	h := newHarness(t)
	h.relay.SetDelay(Lane{Source: 1, Dest: 2}, 10*time.Minute)

	var sent [][32]byte
	for i := 0; i < 3; i++ {
		msg := h.send(t, h.a, h.b, alice, bob, uint256.NewInt(1e17))
		id, err := msg.ID()
		require.NoError(t, err)
		sent = append(sent, id)
		h.now = h.now.Add(time.Minute)
	}

	h.now = h.now.Add(time.Hour)
	report := h.relay.Deliver(context.Background(), h.now)
	require.Equal(t, sent, report.Delivered)
	require.Equal(t, uint256.NewInt(3e17), balanceOf(t, h.b, bob))
}

func TestRejectedDeliveryIsRetainedWithoutMint(t *testing.T) {
	h := newHarness(t)
	msg := h.send(t, h.a, h.b, alice, bob, uint256.NewInt(1e18))
	require.Len(t, h.relay.Deliver(context.Background(), h.now).Delivered, 1)

	// The same message submitted twice is refused by the destination.
	require.NoError(t, h.relay.Submit(msg))
	report := h.relay.Deliver(context.Background(), h.now)
	require.Empty(t, report.Delivered)
	require.Len(t, report.Failed, 1)
	require.Contains(t, report.Failed[0].LastError, bridge.ErrReplayedMessage.Error())
	require.Equal(t, uint256.NewInt(1e18), balanceOf(t, h.b, bob))

	failed := h.relay.Failed()
	require.Len(t, failed, 1)
	require.NoError(t, h.relay.Retry(failed[0].ID))
	report = h.relay.Deliver(context.Background(), h.now)
	require.Len(t, report.Failed, 1)
	require.Equal(t, 2, report.Failed[0].Attempts)

	require.ErrorIs(t, h.relay.Retry([32]byte{1}), ErrUnknownMessage)
}

func TestUndeliveredBurnStaysVisible(t *testing.T) {
	h := newHarness(t)
	h.relay.SetDelay(Lane{Source: 1, Dest: 2}, time.Hour)
	h.send(t, h.a, h.b, alice, alice, uint256.NewInt(1e18))

	require.Equal(t, uint256.NewInt(4e18), balanceOf(t, h.a, alice))
	require.True(t, balanceOf(t, h.b, alice).IsZero())
	pending := h.relay.Pending()
	require.Len(t, pending, 1)
	require.Equal(t, Lane{Source: 1, Dest: 2}, pending[0].Lane)
	require.Equal(t, h.now.Add(time.Hour), pending[0].Due)
}

func TestSubmitToUnknownDomain(t *testing.T) {
	r := New(nil)
	err := r.Submit(&bridge.Message{SourceDomain: 1, DestDomain: 9, Sender: alice, Receiver: bob})
	require.ErrorIs(t, err, ErrUnknownDomain)
	require.Error(t, r.Submit(nil))
}

func TestRunDeliversUntilCancelled(t *testing.T) {
	h := newHarness(t)
	h.relay.SetClock(time.Now)
	h.send(t, h.a, h.b, alice, bob, uint256.NewInt(1e18))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.relay.Run(ctx, 10*time.Millisecond) }()

	require.Eventually(t, func() bool {
		return len(h.relay.Pending()) == 0
	}, 2*time.Second, 10*time.Millisecond)
	cancel()
	require.True(t, errors.Is(<-done, context.Canceled))
	require.Equal(t, uint256.NewInt(1e18), balanceOf(t, h.b, bob))
}

func (h *harness) limitInbound(t *testing.T, on, from *core.Domain, limit bridge.RateLimit) {
	t.Helper()
	require.NoError(t, on.Execute(func(m *core.Modules) error {
		return m.Bridge.RegisterRemote(owner, bridge.RemoteConfig{DomainID: from.ID(), Endpoint: from.Endpoint(), Inbound: limit})
	}))
}

func TestThrottledDeliveryWaitsForRefill(t *testing.T) {
	h := newHarness(t)
	h.limitInbound(t, h.b, h.a, bridge.RateLimit{Enabled: true, Capacity: 1, RefillPerSecond: 1})
	first := h.send(t, h.a, h.b, alice, bob, uint256.NewInt(1e18))
	second := h.send(t, h.a, h.b, alice, bob, uint256.NewInt(1e18))
	firstID, err := first.ID()
	require.NoError(t, err)
	secondID, err := second.ID()
	require.NoError(t, err)

	report := h.relay.Deliver(context.Background(), h.now)
	require.Equal(t, [][32]byte{firstID}, report.Delivered)
	require.Empty(t, report.Failed)
	require.Len(t, report.Deferred, 1)
	require.Empty(t, h.relay.Failed())
	pending := h.relay.Pending()
	require.Len(t, pending, 1)
	require.Equal(t, secondID, pending[0].ID)
	require.Equal(t, 1, pending[0].Attempts)
	require.Equal(t, h.now.Add(time.Second), pending[0].Due)
	require.Contains(t, pending[0].LastError, "inbound lane from domain 1")

	// Not due yet: nothing is attempted.
	report = h.relay.Deliver(context.Background(), h.now)
	require.Empty(t, report.Delivered)
	require.Empty(t, report.Deferred)

	h.now = h.now.Add(time.Second)
	report = h.relay.Deliver(context.Background(), h.now)
	require.Equal(t, [][32]byte{secondID}, report.Delivered)
	require.Empty(t, h.relay.Pending())
	require.Empty(t, h.relay.Failed())
	require.True(t, balanceOf(t, h.b, bob).Cmp(uint256.NewInt(2e18)) >= 0)
}

func TestThrottledMessageHoldsItsLane(t *testing.T) {
	h := newHarness(t)
	h.limitInbound(t, h.b, h.a, bridge.RateLimit{Enabled: true, Capacity: 1, RefillPerSecond: 1})
	var ids [][32]byte
	for i := 0; i < 3; i++ {
		msg := h.send(t, h.a, h.b, alice, bob, uint256.NewInt(1e18))
		id, err := msg.ID()
		require.NoError(t, err)
		ids = append(ids, id)
	}

	report := h.relay.Deliver(context.Background(), h.now)
	require.Equal(t, ids[:1], report.Delivered)
	require.Len(t, report.Deferred, 1)
	pending := h.relay.Pending()
	require.Len(t, pending, 2)
	require.Equal(t, ids[1], pending[0].ID)
	require.Equal(t, ids[2], pending[1].ID)
	require.Zero(t, pending[1].Attempts)

	var delivered [][32]byte
	for i := 0; i < 10 && len(h.relay.Pending()) > 0; i++ {
		h.now = h.now.Add(time.Second)
		delivered = append(delivered, h.relay.Deliver(context.Background(), h.now).Delivered...)
	}
	require.Equal(t, ids[1:], delivered)
	require.Empty(t, h.relay.Failed())
}

func TestOversizedMessageIsRetainedNotRetried(t *testing.T) {
	h := newHarness(t)
	h.limitInbound(t, h.b, h.a, bridge.RateLimit{Enabled: true, Capacity: 1, RefillPerSecond: 1})
	h.send(t, h.a, h.b, alice, bob, uint256.NewInt(2e18))

	report := h.relay.Deliver(context.Background(), h.now)
	require.Empty(t, report.Deferred)
	require.Len(t, report.Failed, 1)
	require.Contains(t, report.Failed[0].LastError, bridge.ErrExceedsLaneCapacity.Error())
	require.Empty(t, h.relay.Pending())
	require.True(t, balanceOf(t, h.b, bob).IsZero())
}

func TestRetryBackoffDoublesUpToCap(t *testing.T) {
	require.Equal(t, time.Second, retryBackoff(1))
	require.Equal(t, 2*time.Second, retryBackoff(2))
	require.Equal(t, 32*time.Second, retryBackoff(6))
	require.Equal(t, time.Minute, retryBackoff(7))
	require.Equal(t, time.Minute, retryBackoff(100))
}
