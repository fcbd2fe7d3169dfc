package trie

import (
	"testing"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/require"

	"rebasechain/storage"
)

func TestTrieCommitFlushPersistsData(t *testing.T) {
	dir := t.TempDir()

	db1, err := storage.NewLevelDB(dir)
	require.NoError(t, err)

	tr, err := NewTrie(db1, nil)
	require.NoError(t, err)

	key := crypto.Keccak256Hash([]byte("key"))
	value := []byte("value")

	require.NoError(t, tr.Update(key.Bytes(), value))
	root, err := tr.Commit()
	require.NoError(t, err)
	require.Equal(t, uint64(1), tr.Version())

	db1.Close()

	db2, err := storage.NewLevelDB(dir)
	require.NoError(t, err)
	defer db2.Close()

	restored, err := NewTrie(db2, root.Bytes())
	require.NoError(t, err)

	got, err := restored.Get(key.Bytes())
	require.NoError(t, err)
	require.Equal(t, value, got)
}

func TestTrieResetDropsUncommittedChanges(t *testing.T) {
	db := storage.NewMemDB()
	defer db.Close()

	tr, err := NewTrie(db, nil)
	require.NoError(t, err)

	committed := crypto.Keccak256Hash([]byte("committed"))
	require.NoError(t, tr.Update(committed.Bytes(), []byte{1}))
	root, err := tr.Commit()
	require.NoError(t, err)

	pending := crypto.Keccak256Hash([]byte("pending"))
	require.NoError(t, tr.Update(pending.Bytes(), []byte{2}))
	require.NotEqual(t, root, tr.Hash())

	require.NoError(t, tr.Reset(tr.Root()))
	got, err := tr.Get(pending.Bytes())
	require.NoError(t, err)
	require.Empty(t, got)
	got, err = tr.Get(committed.Bytes())
	require.NoError(t, err)
	require.Equal(t, []byte{1}, got)
}

func TestTrieCopyIsIndependent(t *testing.T) {
	db := storage.NewMemDB()
	defer db.Close()

	tr, err := NewTrie(db, nil)
	require.NoError(t, err)
	key := crypto.Keccak256Hash([]byte("k"))
	require.NoError(t, tr.Update(key.Bytes(), []byte("before")))

	snapshot := tr.Copy()
	require.NoError(t, tr.Update(key.Bytes(), []byte("after")))

	got, err := snapshot.Get(key.Bytes())
	require.NoError(t, err)
	require.Equal(t, []byte("before"), got)
}
