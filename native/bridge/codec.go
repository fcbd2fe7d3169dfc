package bridge

import (
	"fmt"

	"github.com/ethereum/go-ethereum/rlp"
	"github.com/holiman/uint256"

	"rebasechain/crypto"
)

// EncodePayload serialises p for transport.
func EncodePayload(p Payload) ([]byte, error) {
	if p.Amount == nil || p.Amount.IsZero() {
		return nil, ErrInvalidAmount
	}
	if p.SourceRate == nil {
		p.SourceRate = new(uint256.Int)
	}
	return rlp.EncodeToBytes(&p)
}

// DecodePayload parses bytes produced by EncodePayload. Zero amounts and
// trailing data are rejected.
func DecodePayload(data []byte) (Payload, error) {
	var p Payload
	if err := rlp.DecodeBytes(data, &p); err != nil {
		return Payload{}, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	if p.Amount == nil || p.Amount.IsZero() {
		return Payload{}, fmt.Errorf("%w: zero amount", ErrInvalidPayload)
	}
	if p.SourceRate == nil {
		p.SourceRate = new(uint256.Int)
	}
	return p, nil
}

type envelope struct {
	SourceDomain uint64
	DestDomain   uint64
	Nonce        uint64
	Sender       []byte
	Receiver     []byte
	Payload      []byte
}

type wireMessage struct {
	Envelope  envelope
	Signature []byte
}

func (m *Message) envelope() envelope {
	return envelope{
		SourceDomain: m.SourceDomain,
		DestDomain:   m.DestDomain,
		Nonce:        m.Nonce,
		Sender:       m.Sender.Bytes(),
		Receiver:     m.Receiver.Bytes(),
		Payload:      m.Payload,
	}
}

// ID is keccak256 over the RLP envelope without the signature.
func (m *Message) ID() ([32]byte, error) {
	var id [32]byte
	encoded, err := rlp.EncodeToBytes(m.envelope())
	if err != nil {
		return id, err
	}
	copy(id[:], crypto.Keccak256(encoded))
	return id, nil
}

// Sign attaches the endpoint signature over the message ID.
func (m *Message) Sign(key *crypto.PrivateKey) error {
	id, err := m.ID()
	if err != nil {
		return err
	}
	sig, err := key.Sign(id[:])
	if err != nil {
		return err
	}
	m.Signature = sig
	return nil
}

// Signer recovers the endpoint address that signed the message.
func (m *Message) Signer() (crypto.Address, error) {
	id, err := m.ID()
	if err != nil {
		return crypto.Address{}, err
	}
	addr, err := crypto.RecoverAddress(id[:], m.Signature)
	if err != nil {
		return crypto.Address{}, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	return addr, nil
}

// EncodeMessage serialises a signed message for the relay.
func EncodeMessage(m *Message) ([]byte, error) {
	return rlp.EncodeToBytes(&wireMessage{Envelope: m.envelope(), Signature: m.Signature})
}

// DecodeMessage parses bytes produced by EncodeMessage.
func DecodeMessage(data []byte) (*Message, error) {
	var wire wireMessage
	if err := rlp.DecodeBytes(data, &wire); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	sender, err := crypto.AddressFromBytes(crypto.EndpointPrefix, wire.Envelope.Sender)
	if err != nil {
		return nil, fmt.Errorf("%w: sender: %v", ErrInvalidPayload, err)
	}
	receiver, err := crypto.AddressFromBytes(crypto.HolderPrefix, wire.Envelope.Receiver)
	if err != nil {
		return nil, fmt.Errorf("%w: receiver: %v", ErrInvalidPayload, err)
	}
	return &Message{
		SourceDomain: wire.Envelope.SourceDomain,
		DestDomain:   wire.Envelope.DestDomain,
		Nonce:        wire.Envelope.Nonce,
		Sender:       sender,
		Receiver:     receiver,
		Payload:      wire.Envelope.Payload,
		Signature:    wire.Signature,
	}, nil
}
