package rebase

// Storage abstracts the subset of state manager functionality required by the
// ledger.
type Storage interface {
	KVGet(key []byte, out interface{}) (bool, error)
	KVPut(key []byte, value interface{}) error
	KVAppend(key []byte, value []byte) error
	KVGetList(key []byte, out interface{}) error
}

var (
	holderPrefix    = []byte("rebase/holder/")
	holderIndexKey  = []byte("rebase/holders")
	globalKey       = []byte("rebase/global")
	allowancePrefix = []byte("rebase/allowance/")
)

func holderKey(addr []byte) []byte {
	key := make([]byte, len(holderPrefix)+len(addr))
	copy(key, holderPrefix)
	copy(key[len(holderPrefix):], addr)
	return key
}

func allowanceKey(owner, spender []byte) []byte {
	key := make([]byte, 0, len(allowancePrefix)+len(owner)+1+len(spender))
	key = append(key, allowancePrefix...)
	key = append(key, owner...)
	key = append(key, '/')
	return append(key, spender...)
}
