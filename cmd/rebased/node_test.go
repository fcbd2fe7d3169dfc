package main

import (
	"bytes"
	"context"
	"encoding/hex"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/holiman/uint256"
	"github.com/stretchr/testify/require"

	"rebasechain/config"
	"rebasechain/core"
	"rebasechain/crypto"
	"rebasechain/native/bridge"
)

func holder(b byte) crypto.Address {
	return crypto.NewAddress(crypto.HolderPrefix, bytes.Repeat([]byte{b}, crypto.AddressLength))
}

func keyHex(t *testing.T) string {
	t.Helper()
	key, err := crypto.GeneratePrivateKey()
	require.NoError(t, err)
	return hex.EncodeToString(key.Bytes())
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	dir := t.TempDir()
	alice := holder(1)
	cfg := &config.Config{
		Node: config.Node{ReconcilerDB: filepath.Join(dir, "recon", "recon.db")},
		Domains: []config.Domain{
			{
				ID:          1,
				AssetSymbol: "usdx",
				InitialRate: "50000000000",
				EndpointKey: keyHex(t),
				Allocations: []config.Allocation{{Address: alice.String(), Amount: "10000000000000000000"}},
			},
			{
				ID:          2,
				AssetSymbol: "usdx",
				InitialRate: "40000000000",
				DataDir:     filepath.Join(dir, "domain-2"),
				EndpointKey: keyHex(t),
			},
		},
		Lanes: []config.Lane{
			{Source: 1, Dest: 2, Outbound: config.RateLimit{Capacity: 100, RefillPerSecond: 1}},
			{Source: 2, Dest: 1, Delay: config.Duration{Duration: time.Minute}},
		},
	}
	require.NoError(t, cfg.Validate())
	return cfg
}

func TestGenesisDefaultsOwnerToEndpointKey(t *testing.T) {
	key, err := crypto.GeneratePrivateKey()
	require.NoError(t, err)
	gen, err := genesisFromConfig(config.Domain{ID: 3, AssetSymbol: "usdx", InitialRate: "7"}, key)
	require.NoError(t, err)
	require.True(t, gen.Owner.Equal(key.PubKey().Address()))
	require.Equal(t, crypto.HolderPrefix, gen.Owner.Prefix())
	require.True(t, gen.RateAuthority.Equal(gen.Owner))
	require.True(t, gen.Pauser.IsZero())
	require.Equal(t, uint64(7), gen.InitialRate.Uint64())
}

func TestBuildNodeLinksLanesBothWays(t *testing.T) {
	cfg := testConfig(t)
	n, err := buildNode(cfg, nil, false)
	require.NoError(t, err)
	t.Cleanup(n.close)
	require.Len(t, n.domains, 2)

	a, b := n.domains[0], n.domains[1]
	var remoteOnA, remoteOnB bridge.RemoteConfig
	require.NoError(t, a.View(func(m *core.Modules) error {
		remoteOnA, err = m.Bridge.Remote(2)
		return err
	}))
	require.NoError(t, b.View(func(m *core.Modules) error {
		remoteOnB, err = m.Bridge.Remote(1)
		return err
	}))
	require.True(t, remoteOnA.Endpoint.Equal(b.Endpoint()))
	require.True(t, remoteOnA.Outbound.Enabled)
	require.Equal(t, uint64(100), remoteOnA.Outbound.Capacity)
	require.False(t, remoteOnA.Inbound.Enabled)
	require.True(t, remoteOnB.Endpoint.Equal(a.Endpoint()))
	require.False(t, remoteOnB.Outbound.Enabled)
}

func TestNodeMovesValueAndReconciles(t *testing.T) {
	cfg := testConfig(t)
	n, err := buildNode(cfg, nil, true)
	require.NoError(t, err)
	t.Cleanup(n.close)

	alice, bob := holder(1), holder(2)
	a, b := n.domains[0], n.domains[1]
	require.NoError(t, a.Execute(func(m *core.Modules) error {
		return m.Vault.Deposit(alice, uint256.NewInt(4e18))
	}))

	var msg *bridge.Message
	require.NoError(t, a.Execute(func(m *core.Modules) error {
		msg, err = m.Bridge.Send(alice, 2, bob, uint256.NewInt(1e18))
		return err
	}))
	require.NoError(t, n.relay.Submit(msg))

	ctx := context.Background()
	// Nothing minted yet: the burn is in flight, not missing.
	result, err := n.reconciler.Run(ctx, time.Hour)
	require.NoError(t, err)
	require.Empty(t, result.Anomalies)

	report := n.relay.Deliver(ctx, time.Now())
	require.Len(t, report.Delivered, 1)

	require.NoError(t, b.View(func(m *core.Modules) error {
		rate, err := m.Ledger.UserInterestRate(bob)
		if err != nil {
			return err
		}
		require.Equal(t, uint64(5e10), rate.Uint64())
		return nil
	}))

	result, err = n.reconciler.Run(ctx, 0)
	require.NoError(t, err)
	require.Empty(t, result.Anomalies)
	require.Equal(t, 2, result.Legs)
	require.Same(t, result, n.reconciler.Latest())

	rec := httptest.NewRecorder()
	n.api.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/reconcile", nil))
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestBuildNodeFailsOnBadKeystorePassphrase(t *testing.T) {
	cfg := testConfig(t)
	cfg.Domains[1].EndpointKey = ""
	cfg.Domains[1].EndpointKeystore = filepath.Join(t.TempDir(), "ep.keystore")
	cfg.Domains[1].EndpointPassphraseEnv = "REBASED_TEST_EMPTY_PASSPHRASE"
	t.Setenv("REBASED_TEST_EMPTY_PASSPHRASE", " ")

	_, err := buildNode(cfg, nil, false)
	require.ErrorContains(t, err, "set but empty")
}
