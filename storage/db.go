package storage

import (
	"errors"

	"github.com/ethereum/go-ethereum/core/rawdb"
	"github.com/ethereum/go-ethereum/ethdb"
	gethleveldb "github.com/ethereum/go-ethereum/ethdb/leveldb"
	"github.com/ethereum/go-ethereum/triedb"
	"github.com/syndtr/goleveldb/leveldb/opt"
)

// ErrNotFound is returned by Get when the key is absent.
var ErrNotFound = errors.New("storage: key not found")

// Database is the key-value backend of one domain. Every domain owns its own
// Database; nothing is shared across domains.
type Database interface {
	Put(key []byte, value []byte) error
	Get(key []byte) ([]byte, error)
	Has(key []byte) (bool, error)
	// TrieDB exposes the node database the state trie commits into.
	TrieDB() *triedb.Database
	Close()
}

type kvBackend struct {
	disk   ethdb.Database
	trieDB *triedb.Database
}

func newBackend(disk ethdb.Database) kvBackend {
	return kvBackend{disk: disk, trieDB: triedb.NewDatabase(disk, triedb.HashDefaults)}
}

func (b kvBackend) Put(key []byte, value []byte) error {
	return b.disk.Put(key, value)
}

func (b kvBackend) Get(key []byte) ([]byte, error) {
	ok, err := b.disk.Has(key)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrNotFound
	}
	return b.disk.Get(key)
}

func (b kvBackend) Has(key []byte) (bool, error) {
	return b.disk.Has(key)
}

func (b kvBackend) TrieDB() *triedb.Database {
	return b.trieDB
}

func (b kvBackend) close() {
	b.trieDB.Close()
	b.disk.Close()
}

// --- In-Memory DB (for testing) ---

type MemDB struct {
	kvBackend
}

func NewMemDB() *MemDB {
	return &MemDB{kvBackend: newBackend(rawdb.NewMemoryDatabase())}
}

// Close satisfies the Database interface for MemDB.
func (db *MemDB) Close() {
	db.close()
}

// --- Persistent DB ---

// LevelDB is a persistent key-value store using LevelDB.
type LevelDB struct {
	kvBackend
}

const (
	levelDBCacheMiB = 16
	levelDBHandles  = 64
)

// NewLevelDB creates or opens a LevelDB database at the specified path.
func NewLevelDB(path string) (*LevelDB, error) {
	kv, err := gethleveldb.NewCustom(path, "", func(options *opt.Options) {
		options.OpenFilesCacheCapacity = levelDBHandles
		options.BlockCacheCapacity = levelDBCacheMiB * opt.MiB
		options.WriteBuffer = levelDBCacheMiB / 4 * opt.MiB
	})
	if err != nil {
		return nil, err
	}
	return &LevelDB{kvBackend: newBackend(rawdb.NewDatabase(kv))}, nil
}

// Close closes the database connection.
func (ldb *LevelDB) Close() {
	ldb.close()
}
