package crypto

import (
	"bytes"
	"crypto/ecdsa"
	"crypto/rand"
	"errors"
	"fmt"

	"github.com/btcsuite/btcutil/bech32"
	"github.com/ethereum/go-ethereum/crypto"
)

// AddressPrefix defines the human-readable part used when rendering addresses.
type AddressPrefix string

const (
	// HolderPrefix is used for ledger holders and module accounts.
	HolderPrefix AddressPrefix = "rbt"
	// EndpointPrefix is used for bridge endpoint identities.
	EndpointPrefix AddressPrefix = "rbtep"
)

// AddressLength is the byte length of every address.
const AddressLength = 20

var errInvalidSignature = errors.New("crypto: invalid signature")

// Address represents a 20-byte account identity with a display prefix. The
// prefix is cosmetic: two addresses with equal bytes are the same holder.
type Address struct {
	prefix AddressPrefix
	bytes  []byte
}

// NewAddress panics when b is not exactly AddressLength bytes long.
func NewAddress(prefix AddressPrefix, b []byte) Address {
	addr, err := AddressFromBytes(prefix, b)
	if err != nil {
		panic(err)
	}
	return addr
}

// AddressFromBytes validates the length of b and copies it.
func AddressFromBytes(prefix AddressPrefix, b []byte) (Address, error) {
	if len(b) != AddressLength {
		return Address{}, fmt.Errorf("crypto: address must be %d bytes long (got %d)", AddressLength, len(b))
	}
	return Address{prefix: prefix, bytes: append([]byte(nil), b...)}, nil
}

func (a Address) String() string {
	if len(a.bytes) == 0 {
		return ""
	}
	conv, err := bech32.ConvertBits(a.bytes, 8, 5, true)
	if err != nil {
		panic(err)
	}
	encoded, err := bech32.Encode(string(a.prefix), conv)
	if err != nil {
		panic(err)
	}
	return encoded
}

func (a Address) Bytes() []byte {
	return a.bytes
}

// Prefix returns the human-readable prefix associated with the address.
func (a Address) Prefix() AddressPrefix {
	return a.prefix
}

// IsZero reports whether the address is unset or all zero bytes.
func (a Address) IsZero() bool {
	for _, b := range a.bytes {
		if b != 0 {
			return false
		}
	}
	return true
}

// Equal compares the raw address bytes, ignoring the prefix.
func (a Address) Equal(other Address) bool {
	return bytes.Equal(a.bytes, other.bytes)
}

// WithPrefix returns the same identity rendered with another prefix.
func (a Address) WithPrefix(prefix AddressPrefix) Address {
	return Address{prefix: prefix, bytes: a.bytes}
}

func DecodeAddress(addrStr string) (Address, error) {
	prefix, decoded, err := bech32.Decode(addrStr)
	if err != nil {
		return Address{}, fmt.Errorf("invalid bech32 string: %w", err)
	}
	conv, err := bech32.ConvertBits(decoded, 5, 8, false)
	if err != nil {
		return Address{}, fmt.Errorf("error converting bits: %w", err)
	}
	return AddressFromBytes(AddressPrefix(prefix), conv)
}

// --- Key Management ---

type PrivateKey struct {
	*ecdsa.PrivateKey
}

type PublicKey struct {
	*ecdsa.PublicKey
}

func GeneratePrivateKey() (*PrivateKey, error) {
	key, err := ecdsa.GenerateKey(crypto.S256(), rand.Reader)
	if err != nil {
		return nil, err
	}
	return &PrivateKey{key}, nil
}

// Bytes returns the byte representation of the private key.
func (k *PrivateKey) Bytes() []byte {
	return crypto.FromECDSA(k.PrivateKey)
}

func (k *PrivateKey) PubKey() *PublicKey {
	return &PublicKey{&k.PrivateKey.PublicKey}
}

// Sign produces a 65-byte recoverable secp256k1 signature over a 32-byte digest.
func (k *PrivateKey) Sign(digest []byte) ([]byte, error) {
	if k == nil || k.PrivateKey == nil {
		return nil, errors.New("crypto: nil private key")
	}
	return crypto.Sign(digest, k.PrivateKey)
}

func (k *PublicKey) Address() Address {
	addrBytes := crypto.PubkeyToAddress(*k.PublicKey).Bytes()
	return NewAddress(EndpointPrefix, addrBytes)
}

func PrivateKeyFromBytes(b []byte) (*PrivateKey, error) {
	key, err := crypto.ToECDSA(b)
	if err != nil {
		return nil, err
	}
	return &PrivateKey{key}, nil
}

// PrivateKeyFromHex parses a hex encoded secp256k1 key with or without 0x.
func PrivateKeyFromHex(value string) (*PrivateKey, error) {
	if len(value) >= 2 && (value[:2] == "0x" || value[:2] == "0X") {
		value = value[2:]
	}
	key, err := crypto.HexToECDSA(value)
	if err != nil {
		return nil, err
	}
	return &PrivateKey{key}, nil
}

// RecoverAddress returns the signer address of a signature produced by Sign.
func RecoverAddress(digest, signature []byte) (Address, error) {
	if len(signature) != crypto.SignatureLength || len(digest) != crypto.DigestLength {
		return Address{}, errInvalidSignature
	}
	pub, err := crypto.SigToPub(digest, signature)
	if err != nil {
		return Address{}, fmt.Errorf("%w: %v", errInvalidSignature, err)
	}
	return NewAddress(EndpointPrefix, crypto.PubkeyToAddress(*pub).Bytes()), nil
}

// ModuleAddress derives the deterministic holder address of a built-in module
// such as the vault. No private key exists for it.
func ModuleAddress(name string) Address {
	digest := crypto.Keccak256([]byte("module/" + name))
	return NewAddress(HolderPrefix, digest[len(digest)-AddressLength:])
}

// Keccak256 hashes the concatenation of the supplied byte slices.
func Keccak256(data ...[]byte) []byte {
	return crypto.Keccak256(data...)
}
