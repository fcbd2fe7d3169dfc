package events

import (
	"encoding/hex"

	"github.com/holiman/uint256"

	"rebasechain/core/types"
	"rebasechain/crypto"
)

const (
	// TypeBridgeSent is emitted once the outbound burn of a transfer is done.
	TypeBridgeSent = "bridge.sent"
	// TypeBridgeReceived is emitted once the inbound mint of a transfer is done.
	TypeBridgeReceived = "bridge.received"
	// TypeBridgeRemote is emitted when a remote lane is registered or removed.
	TypeBridgeRemote = "bridge.remote"
)

// BridgeTransfer describes one leg of a cross-domain transfer.
type BridgeTransfer struct {
	Kind         string
	MessageID    [32]byte
	SourceDomain uint64
	DestDomain   uint64
	Nonce        uint64
	Sender       crypto.Address
	Receiver     crypto.Address
	Amount       *uint256.Int
	Rate         *uint256.Int
}

func (e BridgeTransfer) EventType() string { return e.Kind }

func (e BridgeTransfer) Event() *types.Event {
	return &types.Event{Type: e.Kind, Attributes: map[string]string{
		"messageId":    "0x" + hex.EncodeToString(e.MessageID[:]),
		"sourceDomain": formatUint(e.SourceDomain),
		"destDomain":   formatUint(e.DestDomain),
		"nonce":        formatUint(e.Nonce),
		"sender":       formatAddress(e.Sender),
		"receiver":     formatAddress(e.Receiver),
		"amount":       formatAmount(e.Amount),
		"rate":         formatAmount(e.Rate),
	}}
}

// BridgeRemote records a change to the remote lane allow-list.
type BridgeRemote struct {
	Domain   uint64
	Endpoint crypto.Address
	Token    crypto.Address
	Removed  bool
}

func (BridgeRemote) EventType() string { return TypeBridgeRemote }

func (e BridgeRemote) Event() *types.Event {
	action := "registered"
	if e.Removed {
		action = "removed"
	}
	return &types.Event{Type: TypeBridgeRemote, Attributes: map[string]string{
		"domain":   formatUint(e.Domain),
		"endpoint": formatAddress(e.Endpoint),
		"token":    formatAddress(e.Token),
		"action":   action,
	}}
}
