package rpc

import (
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/holiman/uint256"

	"rebasechain/core"
	"rebasechain/crypto"
	"rebasechain/native/bridge"
	"rebasechain/relay"
)

type vaultRequest struct {
	Caller string `json:"caller"`
	Amount string `json:"amount"`
}

type transferRequest struct {
	From   string `json:"from"`
	To     string `json:"to"`
	Amount string `json:"amount"`
}

type retryResponse struct {
	ID string `json:"id"`
}

type sendRequest struct {
	Sender   string `json:"sender"`
	Dest     uint64 `json:"dest"`
	Receiver string `json:"receiver"`
	Amount   string `json:"amount"`
}

type amountResponse struct {
	Domain uint64 `json:"domain"`
	Amount string `json:"amount"`
}

type sendResponse struct {
	MessageID string `json:"messageId"`
	Source    uint64 `json:"source"`
	Dest      uint64 `json:"dest"`
	Nonce     uint64 `json:"nonce"`
	Amount    string `json:"amount"`
	Rate      string `json:"rate"`
}

func (s *Server) handleDeposit(w http.ResponseWriter, r *http.Request) {
	d, ok := s.domain(w, r)
	if !ok {
		return
	}
	var req vaultRequest
	if !decodeBody(w, r, &req) {
		return
	}
	caller, amount, ok := s.callerAndAmount(w, req.Caller, req.Amount)
	if !ok {
		return
	}
	if err := d.Execute(func(m *core.Modules) error { return m.Vault.Deposit(caller, amount) }); err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, amountResponse{Domain: d.ID(), Amount: amount.Dec()})
}

func (s *Server) handleRedeem(w http.ResponseWriter, r *http.Request) {
	d, ok := s.domain(w, r)
	if !ok {
		return
	}
	var req vaultRequest
	if !decodeBody(w, r, &req) {
		return
	}
	caller, amount, ok := s.callerAndAmount(w, req.Caller, req.Amount)
	if !ok {
		return
	}
	var released *uint256.Int
	if err := d.Execute(func(m *core.Modules) error {
		var err error
		released, err = m.Vault.Redeem(caller, amount)
		return err
	}); err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, amountResponse{Domain: d.ID(), Amount: released.Dec()})
}

func (s *Server) handleTransfer(w http.ResponseWriter, r *http.Request) {
	d, ok := s.domain(w, r)
	if !ok {
		return
	}
	var req transferRequest
	if !decodeBody(w, r, &req) {
		return
	}
	from, amount, ok := s.callerAndAmount(w, req.From, req.Amount)
	if !ok {
		return
	}
	to, err := parseHolder(req.To)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	var moved *uint256.Int
	if err := d.Execute(func(m *core.Modules) error {
		var err error
		moved, err = m.Ledger.Transfer(from, to, amount)
		return err
	}); err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, amountResponse{Domain: d.ID(), Amount: moved.Dec()})
}

// handleSend burns on the source domain and hands the signed message to the
// relay. A relay rejection after the burn is reported but the burn stays.
func (s *Server) handleSend(w http.ResponseWriter, r *http.Request) {
	d, ok := s.domain(w, r)
	if !ok {
		return
	}
	if s.relay == nil {
		writeError(w, http.StatusServiceUnavailable, errors.New("relay not configured"))
		return
	}
	var req sendRequest
	if !decodeBody(w, r, &req) {
		return
	}
	sender, amount, ok := s.callerAndAmount(w, req.Sender, req.Amount)
	if !ok {
		return
	}
	receiver, err := parseHolder(req.Receiver)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	var msg *bridge.Message
	if err := d.Execute(func(m *core.Modules) error {
		var err error
		msg, err = m.Bridge.Send(sender, req.Dest, receiver, amount)
		return err
	}); err != nil {
		s.fail(w, err)
		return
	}
	id, err := msg.ID()
	if err != nil {
		s.fail(w, err)
		return
	}
	payload, err := bridge.DecodePayload(msg.Payload)
	if err != nil {
		s.fail(w, err)
		return
	}
	if err := s.relay.Submit(msg); err != nil {
		s.logger.Error("relay submit failed after burn",
			"message_id", "0x"+hex.EncodeToString(id[:]),
			"error", err)
		writeError(w, http.StatusBadGateway, err)
		return
	}
	writeJSON(w, http.StatusAccepted, sendResponse{
		MessageID: "0x" + hex.EncodeToString(id[:]),
		Source:    msg.SourceDomain,
		Dest:      msg.DestDomain,
		Nonce:     msg.Nonce,
		Amount:    payload.Amount.Dec(),
		Rate:      payload.SourceRate.Dec(),
	})
}

func (s *Server) callerAndAmount(w http.ResponseWriter, rawCaller, rawAmount string) (crypto.Address, *uint256.Int, bool) {
	caller, err := parseHolder(rawCaller)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return crypto.Address{}, nil, false
	}
	amount, err := parseAmount(rawAmount)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return crypto.Address{}, nil, false
	}
	return caller, amount, true
}

// handleRetry moves a failed relay message back onto its lane.
func (s *Server) handleRetry(w http.ResponseWriter, r *http.Request) {
	if s.relay == nil {
		writeError(w, http.StatusServiceUnavailable, errors.New("relay not configured"))
		return
	}
	raw := chi.URLParam(r, "id")
	decoded, err := hex.DecodeString(strings.TrimPrefix(raw, "0x"))
	if err != nil || len(decoded) != 32 {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid message id %q", raw))
		return
	}
	var id [32]byte
	copy(id[:], decoded)
	if err := s.relay.Retry(id); err != nil {
		if errors.Is(err, relay.ErrUnknownMessage) {
			writeError(w, http.StatusNotFound, err)
			return
		}
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, retryResponse{ID: "0x" + hex.EncodeToString(id[:])})
}
