package state

import (
	"bytes"
	"encoding/hex"
	"errors"
	"fmt"
	"reflect"
	"sort"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/rlp"
	"github.com/holiman/uint256"

	"rebasechain/storage/trie"
)

// ErrInvalidSnapshot is returned when reverting to an unknown snapshot id.
var ErrInvalidSnapshot = errors.New("state: invalid snapshot")

// Manager reads and writes the state of a single domain. All values are RLP
// encoded and stored under keccak256 hashed keys in the domain trie.
//
// Mutations are speculative until Commit. Snapshot/RevertToSnapshot give
// nested rollback points inside one operation; Discard drops everything since
// the last commit.
type Manager struct {
	trie      *trie.Trie
	snapshots []*trie.Trie
}

// NewManager creates a state manager operating on the provided trie.
func NewManager(tr *trie.Trie) *Manager {
	return &Manager{trie: tr}
}

type TokenMetadata struct {
	Symbol   string
	Name     string
	Decimals uint8
}

var (
	tokenPrefix   = []byte("token:")
	tokenListKey  = ethcrypto.Keccak256([]byte("token-list"))
	balancePrefix = []byte("balance:")
	rolePrefix    = []byte("role:")
	pausePrefix   = []byte("pause:")
)

func tokenMetadataKey(symbol string) []byte {
	buf := make([]byte, len(tokenPrefix)+len(symbol))
	copy(buf, tokenPrefix)
	copy(buf[len(tokenPrefix):], symbol)
	return ethcrypto.Keccak256(buf)
}

func balanceKey(addr []byte, symbol string) []byte {
	buf := make([]byte, len(balancePrefix)+len(symbol)+1+len(addr))
	copy(buf, balancePrefix)
	copy(buf[len(balancePrefix):], symbol)
	buf[len(balancePrefix)+len(symbol)] = ':'
	copy(buf[len(balancePrefix)+len(symbol)+1:], addr)
	return ethcrypto.Keccak256(buf)
}

func roleKey(role string) []byte {
	buf := make([]byte, len(rolePrefix)+len(role))
	copy(buf, rolePrefix)
	copy(buf[len(rolePrefix):], role)
	return ethcrypto.Keccak256(buf)
}

func pauseKey(module string) []byte {
	buf := make([]byte, len(pausePrefix)+len(module))
	copy(buf, pausePrefix)
	copy(buf[len(pausePrefix):], module)
	return ethcrypto.Keccak256(buf)
}

func kvKey(key []byte) []byte {
	return ethcrypto.Keccak256(key)
}

// --- Transaction scope ---

// Snapshot records a rollback point and returns its identifier.
func (m *Manager) Snapshot() int {
	m.snapshots = append(m.snapshots, m.trie.Copy())
	return len(m.snapshots) - 1
}

// RevertToSnapshot restores the state captured by Snapshot(id) and discards
// id and every later snapshot.
func (m *Manager) RevertToSnapshot(id int) error {
	if id < 0 || id >= len(m.snapshots) {
		return fmt.Errorf("%w: %d", ErrInvalidSnapshot, id)
	}
	m.trie = m.snapshots[id]
	m.snapshots = m.snapshots[:id]
	return nil
}

// Commit persists all pending mutations and returns the new state root.
func (m *Manager) Commit() (common.Hash, error) {
	m.snapshots = nil
	return m.trie.Commit()
}

// Discard drops every mutation since the last commit.
func (m *Manager) Discard() error {
	m.snapshots = nil
	return m.trie.Reset(m.trie.Root())
}

// Root returns the last committed state root.
func (m *Manager) Root() common.Hash {
	return m.trie.Root()
}

// PendingRoot returns the root including uncommitted mutations.
func (m *Manager) PendingRoot() common.Hash {
	return m.trie.Hash()
}

// --- Backing asset balances ---

func (m *Manager) loadTokenList() ([]string, error) {
	data, err := m.trie.Get(tokenListKey)
	if err != nil {
		return nil, err
	}
	if len(data) == 0 {
		return []string{}, nil
	}
	var list []string
	if err := rlp.DecodeBytes(data, &list); err != nil {
		return nil, err
	}
	return list, nil
}

func (m *Manager) writeTokenList(list []string) error {
	encoded, err := rlp.EncodeToBytes(list)
	if err != nil {
		return err
	}
	return m.trie.Update(tokenListKey, encoded)
}

func (m *Manager) loadTokenMetadata(symbol string) (*TokenMetadata, error) {
	data, err := m.trie.Get(tokenMetadataKey(symbol))
	if err != nil {
		return nil, err
	}
	if len(data) == 0 {
		return nil, nil
	}
	meta := new(TokenMetadata)
	if err := rlp.DecodeBytes(data, meta); err != nil {
		return nil, err
	}
	return meta, nil
}

// RegisterToken stores the metadata for a backing asset and records it in the
// token index.
func (m *Manager) RegisterToken(symbol, name string, decimals uint8) error {
	normalized := strings.ToUpper(strings.TrimSpace(symbol))
	if normalized == "" {
		return fmt.Errorf("token symbol must not be empty")
	}
	if strings.TrimSpace(name) == "" {
		return fmt.Errorf("token %s: name must not be empty", normalized)
	}
	if existing, err := m.loadTokenMetadata(normalized); err != nil {
		return err
	} else if existing != nil {
		return fmt.Errorf("token %s already registered", normalized)
	}

	list, err := m.loadTokenList()
	if err != nil {
		return err
	}
	list = append(list, normalized)
	sort.Strings(list)
	if err := m.writeTokenList(list); err != nil {
		return err
	}

	encoded, err := rlp.EncodeToBytes(&TokenMetadata{Symbol: normalized, Name: name, Decimals: decimals})
	if err != nil {
		return err
	}
	return m.trie.Update(tokenMetadataKey(normalized), encoded)
}

// Token retrieves metadata for a registered token.
func (m *Manager) Token(symbol string) (*TokenMetadata, error) {
	return m.loadTokenMetadata(strings.ToUpper(strings.TrimSpace(symbol)))
}

// TokenList returns all registered token symbols in sorted order.
func (m *Manager) TokenList() ([]string, error) {
	return m.loadTokenList()
}

// TokenExists reports whether the provided token symbol is registered.
func (m *Manager) TokenExists(symbol string) bool {
	normalized := strings.ToUpper(strings.TrimSpace(symbol))
	if normalized == "" {
		return false
	}
	meta, err := m.loadTokenMetadata(normalized)
	return err == nil && meta != nil
}

// SetBalance stores an account balance for the provided token.
func (m *Manager) SetBalance(addr []byte, symbol string, amount *uint256.Int) error {
	if len(addr) == 0 {
		return fmt.Errorf("address must not be empty")
	}
	if amount == nil {
		amount = new(uint256.Int)
	}
	normalized := strings.ToUpper(strings.TrimSpace(symbol))
	if normalized == "" {
		return fmt.Errorf("token symbol must not be empty")
	}
	if !m.TokenExists(normalized) {
		return fmt.Errorf("token %s not registered", normalized)
	}
	encoded, err := rlp.EncodeToBytes(amount)
	if err != nil {
		return err
	}
	return m.trie.Update(balanceKey(addr, normalized), encoded)
}

// Balance retrieves a token balance for the provided account and token.
func (m *Manager) Balance(addr []byte, symbol string) (*uint256.Int, error) {
	data, err := m.trie.Get(balanceKey(addr, strings.ToUpper(strings.TrimSpace(symbol))))
	if err != nil {
		return nil, err
	}
	amount := new(uint256.Int)
	if len(data) == 0 {
		return amount, nil
	}
	if err := rlp.DecodeBytes(data, amount); err != nil {
		return nil, err
	}
	return amount, nil
}

// MoveBalance transfers amount of a backing asset between two accounts.
func (m *Manager) MoveBalance(from, to []byte, symbol string, amount *uint256.Int) error {
	if amount == nil || amount.IsZero() {
		return nil
	}
	src, err := m.Balance(from, symbol)
	if err != nil {
		return err
	}
	if src.Lt(amount) {
		return fmt.Errorf("token %s: insufficient balance (have %s, need %s)", strings.ToUpper(symbol), src.Dec(), amount.Dec())
	}
	if bytes.Equal(from, to) {
		return nil
	}
	dst, err := m.Balance(to, symbol)
	if err != nil {
		return err
	}
	if _, overflow := dst.AddOverflow(dst, amount); overflow {
		return fmt.Errorf("token %s: balance overflow", strings.ToUpper(symbol))
	}
	src.Sub(src, amount)
	if err := m.SetBalance(from, symbol, src); err != nil {
		return err
	}
	return m.SetBalance(to, symbol, dst)
}

// --- Roles ---

func (m *Manager) loadRole(role string) ([][]byte, error) {
	data, err := m.trie.Get(roleKey(strings.TrimSpace(role)))
	if err != nil {
		return nil, err
	}
	if len(data) == 0 {
		return [][]byte{}, nil
	}
	var members [][]byte
	if err := rlp.DecodeBytes(data, &members); err != nil {
		return nil, err
	}
	return members, nil
}

func (m *Manager) writeRole(role string, members [][]byte) error {
	encoded, err := rlp.EncodeToBytes(members)
	if err != nil {
		return err
	}
	return m.trie.Update(roleKey(role), encoded)
}

// SetRole associates an address with the specified role. Duplicate assignments
// are ignored while the stored list remains sorted for determinism.
func (m *Manager) SetRole(role string, addr []byte) error {
	trimmed := strings.TrimSpace(role)
	if trimmed == "" {
		return fmt.Errorf("role must not be empty")
	}
	if len(addr) == 0 {
		return fmt.Errorf("address must not be empty")
	}
	members, err := m.loadRole(trimmed)
	if err != nil {
		return err
	}
	for _, existing := range members {
		if bytes.Equal(existing, addr) {
			return nil
		}
	}
	members = append(members, append([]byte(nil), addr...))
	sort.Slice(members, func(i, j int) bool {
		return hex.EncodeToString(members[i]) < hex.EncodeToString(members[j])
	})
	return m.writeRole(trimmed, members)
}

// RemoveRole revokes the role from addr. Removing an absent member is a no-op.
func (m *Manager) RemoveRole(role string, addr []byte) error {
	trimmed := strings.TrimSpace(role)
	members, err := m.loadRole(trimmed)
	if err != nil {
		return err
	}
	kept := members[:0]
	for _, existing := range members {
		if !bytes.Equal(existing, addr) {
			kept = append(kept, existing)
		}
	}
	return m.writeRole(trimmed, kept)
}

// RoleMembers returns all addresses assigned to the provided role.
func (m *Manager) RoleMembers(role string) ([][]byte, error) {
	return m.loadRole(role)
}

// HasRole reports whether the provided address is associated with the
// specified role. Read errors result in a false return so authorization fails
// closed.
func (m *Manager) HasRole(role string, addr []byte) bool {
	if len(addr) == 0 {
		return false
	}
	members, err := m.loadRole(role)
	if err != nil {
		return false
	}
	for _, member := range members {
		if bytes.Equal(member, addr) {
			return true
		}
	}
	return false
}

// --- Module pauses ---

// SetPaused toggles the pause switch of a module.
func (m *Manager) SetPaused(module string, paused bool) error {
	module = strings.TrimSpace(module)
	if module == "" {
		return fmt.Errorf("module must not be empty")
	}
	if !paused {
		return m.trie.Delete(pauseKey(module))
	}
	return m.trie.Update(pauseKey(module), []byte{1})
}

// IsPaused implements common.PauseView.
func (m *Manager) IsPaused(module string) bool {
	data, err := m.trie.Get(pauseKey(strings.TrimSpace(module)))
	return err == nil && len(data) > 0
}

// --- Generic KV ---

// KVPut stores the provided value under the supplied key using RLP encoding.
// The key is automatically hashed with keccak256 to match the requirements of
// the underlying trie implementation.
func (m *Manager) KVPut(key []byte, value interface{}) error {
	if len(key) == 0 {
		return fmt.Errorf("kv: key must not be empty")
	}
	encoded, err := rlp.EncodeToBytes(value)
	if err != nil {
		return err
	}
	return m.trie.Update(kvKey(key), encoded)
}

// KVGet retrieves the value stored under the supplied key and decodes it into
// the provided destination. The boolean return value indicates whether the key
// existed in state.
func (m *Manager) KVGet(key []byte, out interface{}) (bool, error) {
	if len(key) == 0 {
		return false, fmt.Errorf("kv: key must not be empty")
	}
	data, err := m.trie.Get(kvKey(key))
	if err != nil {
		return false, err
	}
	if len(data) == 0 {
		return false, nil
	}
	if out == nil {
		return true, nil
	}
	if err := rlp.DecodeBytes(data, out); err != nil {
		return false, err
	}
	return true, nil
}

// KVDelete removes the value stored under key.
func (m *Manager) KVDelete(key []byte) error {
	if len(key) == 0 {
		return fmt.Errorf("kv: key must not be empty")
	}
	return m.trie.Delete(kvKey(key))
}

// KVAppend appends the provided value to the RLP-encoded byte slice list stored
// under the supplied key. Duplicate values are ignored to keep the index
// deterministic.
func (m *Manager) KVAppend(key []byte, value []byte) error {
	if len(key) == 0 {
		return fmt.Errorf("kv: key must not be empty")
	}
	hashed := kvKey(key)
	data, err := m.trie.Get(hashed)
	if err != nil {
		return err
	}
	var list [][]byte
	if len(data) > 0 {
		if err := rlp.DecodeBytes(data, &list); err != nil {
			return err
		}
	}
	for _, existing := range list {
		if bytes.Equal(existing, value) {
			return nil
		}
	}
	list = append(list, append([]byte(nil), value...))
	encoded, err := rlp.EncodeToBytes(list)
	if err != nil {
		return err
	}
	return m.trie.Update(hashed, encoded)
}

// KVGetList retrieves an RLP-encoded slice stored under the provided key and
// decodes it into the supplied destination slice pointer. When no value is
// present the destination is initialised with an empty slice.
func (m *Manager) KVGetList(key []byte, out interface{}) error {
	if len(key) == 0 {
		return fmt.Errorf("kv: key must not be empty")
	}
	data, err := m.trie.Get(kvKey(key))
	if err != nil {
		return err
	}
	if len(data) == 0 {
		val := reflect.ValueOf(out)
		if val.Kind() != reflect.Ptr || val.IsNil() {
			return fmt.Errorf("kv: destination must be a non-nil pointer")
		}
		elem := val.Elem()
		if elem.Kind() != reflect.Slice {
			return fmt.Errorf("kv: destination must point to a slice")
		}
		elem.Set(reflect.MakeSlice(elem.Type(), 0, 0))
		return nil
	}
	return rlp.DecodeBytes(data, out)
}
