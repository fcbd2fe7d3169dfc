package bridge

import (
	"errors"
	"fmt"

	"github.com/holiman/uint256"

	"rebasechain/crypto"
)

var (
	ErrUnrecognizedRemote = errors.New("bridge: unrecognized remote")
	ErrReplayedMessage    = errors.New("bridge: message already applied")
	ErrInvalidSignature   = errors.New("bridge: invalid message signature")
	ErrInvalidPayload     = errors.New("bridge: invalid payload")
	ErrRateLimited        = errors.New("bridge: lane rate limit exceeded")
	ErrInvalidAmount      = errors.New("bridge: amount must be positive")
	ErrInvalidRemote      = errors.New("bridge: invalid remote configuration")

	errNilState = errors.New("bridge endpoint: state not configured")
)

// ErrExceedsLaneCapacity matches ErrRateLimited but can never succeed without
// a configuration change.
var ErrExceedsLaneCapacity = fmt.Errorf("%w: amount exceeds lane capacity", ErrRateLimited)

// Payload is the only data carried from the burn on the source domain to the
// mint on the destination. SourceRate is authoritative on the destination.
type Payload struct {
	Amount     *uint256.Int
	SourceRate *uint256.Int
}

// Message is the envelope the relay moves between domains. Its ID doubles as
// the handle returned to the sender and as the replay key on the receiver.
type Message struct {
	SourceDomain uint64
	DestDomain   uint64
	Nonce        uint64
	Sender       crypto.Address
	Receiver     crypto.Address
	Payload      []byte
	Signature    []byte
}

// RateLimit configures a token bucket counted in whole ledger units.
type RateLimit struct {
	Enabled         bool
	Capacity        uint64
	RefillPerSecond uint64
}

// RemoteConfig allow-lists one remote domain and the endpoint expected to sign
// its messages.
type RemoteConfig struct {
	DomainID uint64
	Endpoint crypto.Address
	Token    crypto.Address
	Outbound RateLimit
	Inbound  RateLimit
}

type storedRemote struct {
	DomainID uint64
	Endpoint []byte
	Token    []byte
	Outbound RateLimit
	Inbound  RateLimit
}

func (c RemoteConfig) stored() *storedRemote {
	return &storedRemote{
		DomainID: c.DomainID,
		Endpoint: c.Endpoint.Bytes(),
		Token:    c.Token.Bytes(),
		Outbound: c.Outbound,
		Inbound:  c.Inbound,
	}
}

func (s *storedRemote) config() (RemoteConfig, error) {
	endpoint, err := crypto.AddressFromBytes(crypto.EndpointPrefix, s.Endpoint)
	if err != nil {
		return RemoteConfig{}, err
	}
	cfg := RemoteConfig{
		DomainID: s.DomainID,
		Endpoint: endpoint,
		Outbound: s.Outbound,
		Inbound:  s.Inbound,
	}
	if len(s.Token) > 0 {
		if cfg.Token, err = crypto.AddressFromBytes(crypto.HolderPrefix, s.Token); err != nil {
			return RemoteConfig{}, err
		}
	}
	return cfg, nil
}
