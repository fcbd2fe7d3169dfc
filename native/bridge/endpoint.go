// Package bridge moves ledger balances between domains by burning on the
// source and minting on the destination. The holder's rate crosses the
// boundary inside the signed message payload.
package bridge

import (
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	"github.com/holiman/uint256"

	"rebasechain/core/events"
	"rebasechain/crypto"
	"rebasechain/native/access"
	nativecommon "rebasechain/native/common"
	"rebasechain/native/rebase"
)

// Storage abstracts the state manager functionality used by the endpoint.
type Storage interface {
	KVGet(key []byte, out interface{}) (bool, error)
	KVPut(key []byte, value interface{}) error
	KVDelete(key []byte) error
	KVAppend(key []byte, value []byte) error
	KVGetList(key []byte, out interface{}) error
	Snapshot() int
	RevertToSnapshot(id int) error
}

var (
	remotePrefix   = []byte("bridge/remote/")
	remoteIndexKey = []byte("bridge/remotes")
	appliedPrefix  = []byte("bridge/applied/")
	noncePrefix    = []byte("bridge/nonce/")
)

func domainBytes(domain uint64) []byte {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], domain)
	return buf[:]
}

func remoteKey(domain uint64) []byte {
	return append(append([]byte(nil), remotePrefix...), domainBytes(domain)...)
}

func nonceKey(domain uint64) []byte {
	return append(append([]byte(nil), noncePrefix...), domainBytes(domain)...)
}

func appliedKey(id [32]byte) []byte {
	return append(append([]byte(nil), appliedPrefix...), id[:]...)
}

// Endpoint is the bridge half living on one domain. Its signing key identifies
// it to the remote side; the same identity holds the mint/burn role locally.
type Endpoint struct {
	domain  uint64
	key     *crypto.PrivateKey
	ledger  *rebase.Ledger
	store   Storage
	policy  *access.Policy
	limits  *laneLimiter
	emitter events.Emitter
	pauses  nativecommon.PauseView
	nowFn   func() uint64
}

// NewEndpoint constructs the endpoint of domain signing with key.
func NewEndpoint(domain uint64, key *crypto.PrivateKey, ledger *rebase.Ledger, store Storage, policy *access.Policy) *Endpoint {
	return &Endpoint{
		domain:  domain,
		key:     key,
		ledger:  ledger,
		store:   store,
		policy:  policy,
		limits:  newLaneLimiter(),
		emitter: events.NoopEmitter{},
		nowFn:   func() uint64 { return uint64(time.Now().Unix()) },
	}
}

// SetEmitter configures the event emitter. Passing nil installs a no-op.
func (e *Endpoint) SetEmitter(emitter events.Emitter) {
	if emitter == nil {
		e.emitter = events.NoopEmitter{}
		return
	}
	e.emitter = emitter
}

func (e *Endpoint) SetPauses(p nativecommon.PauseView) { e.pauses = p }

// SetNowFunc overrides the clock used for lane rate limits.
func (e *Endpoint) SetNowFunc(now func() uint64) {
	if now == nil {
		e.nowFn = func() uint64 { return uint64(time.Now().Unix()) }
		return
	}
	e.nowFn = now
}

// Domain returns the local domain id.
func (e *Endpoint) Domain() uint64 { return e.domain }

// Identity is the address remote endpoints verify signatures against.
func (e *Endpoint) Identity() crypto.Address { return e.key.PubKey().Address() }

// Address is the endpoint's holder address on the local ledger.
func (e *Endpoint) Address() crypto.Address {
	return e.Identity().WithPrefix(crypto.HolderPrefix)
}

func (e *Endpoint) ready() error {
	if e == nil || e.store == nil || e.ledger == nil || e.key == nil {
		return errNilState
	}
	return nil
}

func (e *Endpoint) now() time.Time { return time.Unix(int64(e.nowFn()), 0) }

// --- remotes ---

// RegisterRemote allow-lists a remote domain. Re-registering overwrites the
// previous configuration and resets its rate limit buckets.
func (e *Endpoint) RegisterRemote(caller crypto.Address, cfg RemoteConfig) error {
	if err := e.ready(); err != nil {
		return err
	}
	if err := e.policy.Require(access.RoleOwner, caller); err != nil {
		return err
	}
	switch {
	case cfg.DomainID == 0:
		return fmt.Errorf("%w: domain id must be non-zero", ErrInvalidRemote)
	case cfg.DomainID == e.domain:
		return fmt.Errorf("%w: domain %d is the local domain", ErrInvalidRemote, cfg.DomainID)
	case cfg.Endpoint.IsZero():
		return fmt.Errorf("%w: endpoint address required", ErrInvalidRemote)
	}
	for _, limit := range []RateLimit{cfg.Outbound, cfg.Inbound} {
		if limit.Enabled && (limit.Capacity == 0 || limit.RefillPerSecond == 0) {
			return fmt.Errorf("%w: enabled rate limit needs capacity and refill", ErrInvalidRemote)
		}
	}
	if err := e.store.KVPut(remoteKey(cfg.DomainID), cfg.stored()); err != nil {
		return err
	}
	if err := e.store.KVAppend(remoteIndexKey, domainBytes(cfg.DomainID)); err != nil {
		return err
	}
	e.limits.forget(cfg.DomainID)
	e.emitter.Emit(events.BridgeRemote{Domain: cfg.DomainID, Endpoint: cfg.Endpoint, Token: cfg.Token})
	return nil
}

// RemoveRemote withdraws a domain from the allow-list. Messages already in
// flight from it will be rejected on arrival.
func (e *Endpoint) RemoveRemote(caller crypto.Address, domain uint64) error {
	if err := e.ready(); err != nil {
		return err
	}
	if err := e.policy.Require(access.RoleOwner, caller); err != nil {
		return err
	}
	cfg, err := e.Remote(domain)
	if err != nil {
		return err
	}
	if err := e.store.KVDelete(remoteKey(domain)); err != nil {
		return err
	}
	e.limits.forget(domain)
	e.emitter.Emit(events.BridgeRemote{Domain: domain, Endpoint: cfg.Endpoint, Token: cfg.Token, Removed: true})
	return nil
}

// Remote returns the configuration of a registered domain.
func (e *Endpoint) Remote(domain uint64) (RemoteConfig, error) {
	if err := e.ready(); err != nil {
		return RemoteConfig{}, err
	}
	var stored storedRemote
	ok, err := e.store.KVGet(remoteKey(domain), &stored)
	if err != nil {
		return RemoteConfig{}, err
	}
	if !ok {
		return RemoteConfig{}, fmt.Errorf("%w: domain %d", ErrUnrecognizedRemote, domain)
	}
	return stored.config()
}

// Remotes lists every currently registered remote.
func (e *Endpoint) Remotes() ([]RemoteConfig, error) {
	if err := e.ready(); err != nil {
		return nil, err
	}
	var index [][]byte
	if err := e.store.KVGetList(remoteIndexKey, &index); err != nil {
		return nil, err
	}
	remotes := make([]RemoteConfig, 0, len(index))
	for _, raw := range index {
		if len(raw) != 8 {
			continue
		}
		cfg, err := e.Remote(binary.BigEndian.Uint64(raw))
		if err != nil {
			continue
		}
		remotes = append(remotes, cfg)
	}
	return remotes, nil
}

// Applied reports whether a message id was already minted on this domain.
func (e *Endpoint) Applied(id [32]byte) (bool, error) {
	if err := e.ready(); err != nil {
		return false, err
	}
	return e.store.KVGet(appliedKey(id), nil)
}

// --- transfers ---

// Send burns amount from sender and returns the signed message the relay must
// deliver to destDomain. The sender's rate is read before the burn and rides
// in the payload. MaxAmount sends the settled balance.
func (e *Endpoint) Send(sender crypto.Address, destDomain uint64, receiver crypto.Address, amount *uint256.Int) (*Message, error) {
	if err := e.ready(); err != nil {
		return nil, err
	}
	var msg *Message
	err := e.atomic(func() error {
		var err error
		msg, err = e.send(sender, destDomain, receiver, amount)
		return err
	})
	if err != nil {
		return nil, err
	}
	return msg, nil
}

func (e *Endpoint) send(sender crypto.Address, destDomain uint64, receiver crypto.Address, amount *uint256.Int) (*Message, error) {
	if err := nativecommon.Guard(e.pauses, nativecommon.ModuleBridge); err != nil {
		return nil, err
	}
	if amount == nil || amount.IsZero() {
		return nil, ErrInvalidAmount
	}
	if receiver.IsZero() {
		return nil, fmt.Errorf("%w: receiver required", ErrInvalidPayload)
	}
	remote, err := e.Remote(destDomain)
	if err != nil {
		return nil, err
	}

	rate, err := e.ledger.UserInterestRate(sender)
	if err != nil {
		return nil, err
	}
	burned, err := e.ledger.Burn(e.Address(), sender, amount)
	if err != nil {
		return nil, err
	}
	if burned.IsZero() {
		return nil, ErrInvalidAmount
	}
	payload, err := EncodePayload(Payload{Amount: burned, SourceRate: rate})
	if err != nil {
		return nil, err
	}

	nonce, err := e.nextNonce(destDomain)
	if err != nil {
		return nil, err
	}
	msg := &Message{
		SourceDomain: e.domain,
		DestDomain:   destDomain,
		Nonce:        nonce,
		Sender:       e.Identity(),
		Receiver:     receiver.WithPrefix(crypto.HolderPrefix),
		Payload:      payload,
	}
	if err := msg.Sign(e.key); err != nil {
		return nil, err
	}
	id, err := msg.ID()
	if err != nil {
		return nil, err
	}
	if err := e.limits.allow(destDomain, outbound, remote.Outbound, burned, e.now()); err != nil {
		return nil, err
	}
	e.emitter.Emit(events.BridgeTransfer{
		Kind:         events.TypeBridgeSent,
		MessageID:    id,
		SourceDomain: e.domain,
		DestDomain:   destDomain,
		Nonce:        nonce,
		Sender:       sender,
		Receiver:     msg.Receiver,
		Amount:       burned,
		Rate:         rate,
	})
	return msg, nil
}

// Receive validates provenance and mints the payload amount at the payload
// rate. A message is applied at most once.
func (e *Endpoint) Receive(msg *Message) error {
	if err := e.ready(); err != nil {
		return err
	}
	return e.atomic(func() error { return e.receive(msg) })
}

func (e *Endpoint) receive(msg *Message) error {
	if err := nativecommon.Guard(e.pauses, nativecommon.ModuleBridge); err != nil {
		return err
	}
	if msg == nil {
		return fmt.Errorf("%w: nil message", ErrInvalidPayload)
	}
	if msg.DestDomain != e.domain {
		return fmt.Errorf("%w: message addressed to domain %d", ErrUnrecognizedRemote, msg.DestDomain)
	}
	remote, err := e.Remote(msg.SourceDomain)
	if err != nil {
		return err
	}
	if !msg.Sender.Equal(remote.Endpoint) {
		return fmt.Errorf("%w: sender %s is not the endpoint of domain %d", ErrUnrecognizedRemote, msg.Sender, msg.SourceDomain)
	}
	signer, err := msg.Signer()
	if err != nil {
		return err
	}
	if !signer.Equal(remote.Endpoint) {
		return fmt.Errorf("%w: signed by %s", ErrInvalidSignature, signer)
	}
	id, err := msg.ID()
	if err != nil {
		return err
	}
	applied, err := e.store.KVGet(appliedKey(id), nil)
	if err != nil {
		return err
	}
	if applied {
		return fmt.Errorf("%w: 0x%x", ErrReplayedMessage, id)
	}
	payload, err := DecodePayload(msg.Payload)
	if err != nil {
		return err
	}
	if err := e.limits.allow(msg.SourceDomain, inbound, remote.Inbound, payload.Amount, e.now()); err != nil {
		return err
	}
	receiver := msg.Receiver.WithPrefix(crypto.HolderPrefix)
	if err := e.ledger.Mint(e.Address(), receiver, payload.Amount, payload.SourceRate); err != nil {
		return err
	}
	if err := e.store.KVPut(appliedKey(id), msg.Nonce); err != nil {
		return err
	}
	e.emitter.Emit(events.BridgeTransfer{
		Kind:         events.TypeBridgeReceived,
		MessageID:    id,
		SourceDomain: msg.SourceDomain,
		DestDomain:   e.domain,
		Nonce:        msg.Nonce,
		Sender:       msg.Sender,
		Receiver:     receiver,
		Amount:       payload.Amount,
		Rate:         payload.SourceRate,
	})
	return nil
}

// atomic reverts the state touched by fn when it fails, so a rejected send
// never keeps its burn.
func (e *Endpoint) atomic(fn func() error) error {
	snapshot := e.store.Snapshot()
	if err := fn(); err != nil {
		if revertErr := e.store.RevertToSnapshot(snapshot); revertErr != nil {
			return errors.Join(err, revertErr)
		}
		return err
	}
	return nil
}

func (e *Endpoint) nextNonce(domain uint64) (uint64, error) {
	var nonce uint64
	if _, err := e.store.KVGet(nonceKey(domain), &nonce); err != nil {
		return 0, err
	}
	nonce++
	if err := e.store.KVPut(nonceKey(domain), nonce); err != nil {
		return 0, err
	}
	return nonce, nil
}
