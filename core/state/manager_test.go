package state

import (
	"testing"

	"github.com/holiman/uint256"
	"github.com/stretchr/testify/require"

	"rebasechain/storage"
	"rebasechain/storage/trie"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	db := storage.NewMemDB()
	t.Cleanup(db.Close)
	tr, err := trie.NewTrie(db, nil)
	require.NoError(t, err)
	return NewManager(tr)
}

func TestKVReadWrite(t *testing.T) {
	mgr := newTestManager(t)

	var out uint64
	ok, err := mgr.KVGet([]byte("missing"), &out)
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, mgr.KVPut([]byte("answer"), uint64(42)))
	ok, err = mgr.KVGet([]byte("answer"), &out)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, uint64(42), out)

	require.NoError(t, mgr.KVDelete([]byte("answer")))
	ok, err = mgr.KVGet([]byte("answer"), &out)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestKVAppendDeduplicates(t *testing.T) {
	mgr := newTestManager(t)

	var empty [][]byte
	require.NoError(t, mgr.KVGetList([]byte("list"), &empty))
	require.Len(t, empty, 0)

	require.NoError(t, mgr.KVAppend([]byte("list"), []byte("a")))
	require.NoError(t, mgr.KVAppend([]byte("list"), []byte("b")))
	require.NoError(t, mgr.KVAppend([]byte("list"), []byte("a")))

	var list [][]byte
	require.NoError(t, mgr.KVGetList([]byte("list"), &list))
	require.Equal(t, [][]byte{[]byte("a"), []byte("b")}, list)
}

func TestRolesGrantAndRevoke(t *testing.T) {
	mgr := newTestManager(t)
	addr := []byte{0x01, 0x02}

	require.False(t, mgr.HasRole("minter", addr))
	require.NoError(t, mgr.SetRole("minter", addr))
	require.NoError(t, mgr.SetRole("minter", addr))
	require.True(t, mgr.HasRole("minter", addr))

	members, err := mgr.RoleMembers("minter")
	require.NoError(t, err)
	require.Len(t, members, 1)

	require.NoError(t, mgr.RemoveRole("minter", addr))
	require.False(t, mgr.HasRole("minter", addr))
}

func TestBalancesAndSupply(t *testing.T) {
	mgr := newTestManager(t)
	alice := []byte("alice")
	bob := []byte("bob")

	require.Error(t, mgr.SetBalance(alice, "eth", uint256.NewInt(1)))
	require.NoError(t, mgr.RegisterToken("eth", "Ether", 18))
	require.Error(t, mgr.RegisterToken("ETH", "Ether", 18))

	require.NoError(t, mgr.Credit(alice, "eth", uint256.NewInt(100)))
	require.NoError(t, mgr.MoveBalance(alice, bob, "ETH", uint256.NewInt(40)))
	require.Error(t, mgr.MoveBalance(alice, bob, "ETH", uint256.NewInt(61)))

	aliceBal, err := mgr.Balance(alice, "eth")
	require.NoError(t, err)
	require.Equal(t, uint64(60), aliceBal.Uint64())
	bobBal, err := mgr.Balance(bob, "eth")
	require.NoError(t, err)
	require.Equal(t, uint64(40), bobBal.Uint64())

	supply, err := mgr.TokenSupply("eth")
	require.NoError(t, err)
	require.Equal(t, uint64(100), supply.Uint64())
}

func TestSnapshotRevertAndDiscard(t *testing.T) {
	mgr := newTestManager(t)

	require.NoError(t, mgr.KVPut([]byte("k"), uint64(1)))
	_, err := mgr.Commit()
	require.NoError(t, err)

	snap := mgr.Snapshot()
	require.NoError(t, mgr.KVPut([]byte("k"), uint64(2)))
	require.NoError(t, mgr.RevertToSnapshot(snap))

	var out uint64
	_, err = mgr.KVGet([]byte("k"), &out)
	require.NoError(t, err)
	require.Equal(t, uint64(1), out)
	require.ErrorIs(t, mgr.RevertToSnapshot(snap), ErrInvalidSnapshot)

	require.NoError(t, mgr.KVPut([]byte("k"), uint64(3)))
	require.NotEqual(t, mgr.Root(), mgr.PendingRoot())
	require.NoError(t, mgr.Discard())
	_, err = mgr.KVGet([]byte("k"), &out)
	require.NoError(t, err)
	require.Equal(t, uint64(1), out)
}

func TestPauseSwitch(t *testing.T) {
	mgr := newTestManager(t)
	require.False(t, mgr.IsPaused("vault"))
	require.NoError(t, mgr.SetPaused("vault", true))
	require.True(t, mgr.IsPaused("vault"))
	require.NoError(t, mgr.SetPaused("vault", false))
	require.False(t, mgr.IsPaused("vault"))
}

func TestStateVersion(t *testing.T) {
	mgr := newTestManager(t)
	require.NoError(t, mgr.EnsureStateVersion())
	require.NoError(t, mgr.SetStateVersion(StateVersion+1))
	require.ErrorIs(t, mgr.EnsureStateVersion(), ErrStateVersionMismatch)
}
