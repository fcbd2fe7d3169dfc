package rpc

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/holiman/uint256"

	"rebasechain/core"
	"rebasechain/crypto"
	"rebasechain/native/access"
	"rebasechain/native/bridge"
	nativecommon "rebasechain/native/common"
	"rebasechain/native/rebase"
	"rebasechain/native/vault"
	"rebasechain/relay"
)

type domainResponse struct {
	ID        uint64 `json:"id"`
	Name      string `json:"name"`
	Endpoint  string `json:"endpoint"`
	Vault     string `json:"vault"`
	StateRoot string `json:"stateRoot"`
	Now       uint64 `json:"now"`
}

type holderResponse struct {
	Domain      uint64 `json:"domain"`
	Address     string `json:"address"`
	Balance     string `json:"balance"`
	Principal   string `json:"principal"`
	Rate        string `json:"rate"`
	LastAccrual uint64 `json:"lastAccrual"`
}

type rateResponse struct {
	Domain uint64 `json:"domain"`
	Rate   string `json:"rate"`
}

type supplyResponse struct {
	Domain         uint64 `json:"domain"`
	TotalSupply    string `json:"totalSupply"`
	TotalPrincipal string `json:"totalPrincipal"`
	Reserve        string `json:"reserve"`
	Holders        int    `json:"holders"`
}

type remoteResponse struct {
	Domain   uint64 `json:"domain"`
	Endpoint string `json:"endpoint"`
	Token    string `json:"token"`
}

type pendingResponse struct {
	ID        string    `json:"id"`
	Lane      string    `json:"lane"`
	Nonce     uint64    `json:"nonce"`
	Submitted time.Time `json:"submitted"`
	Due       time.Time `json:"due"`
	Attempts  int       `json:"attempts,omitempty"`
	LastError string    `json:"lastError,omitempty"`
}

type relayResponse struct {
	Pending []pendingResponse `json:"pending"`
	Failed  []pendingResponse `json:"failed"`
}

func describeDomain(d *core.Domain) domainResponse {
	return domainResponse{
		ID:        d.ID(),
		Name:      d.Name(),
		Endpoint:  d.Endpoint().String(),
		Vault:     d.Vault().String(),
		StateRoot: d.StateRoot().Hex(),
		Now:       d.Now(),
	}
}

func (s *Server) handleDomains(w http.ResponseWriter, _ *http.Request) {
	out := make([]domainResponse, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, describeDomain(s.domains[id]))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleDomain(w http.ResponseWriter, r *http.Request) {
	d, ok := s.domain(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, describeDomain(d))
}

func (s *Server) handleHolder(w http.ResponseWriter, r *http.Request) {
	d, ok := s.domain(w, r)
	if !ok {
		return
	}
	holder, err := parseHolder(chi.URLParam(r, "addr"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	resp := holderResponse{Domain: d.ID(), Address: holder.String()}
	err = d.View(func(m *core.Modules) error {
		acct, err := m.Ledger.Account(holder)
		if err != nil {
			return err
		}
		balance, err := m.Ledger.BalanceOf(holder)
		if err != nil {
			return err
		}
		resp.Balance = balance.Dec()
		resp.Principal = acct.Principal.Dec()
		resp.Rate = acct.Rate.Dec()
		resp.LastAccrual = acct.LastAccrual
		return nil
	})
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleRate(w http.ResponseWriter, r *http.Request) {
	d, ok := s.domain(w, r)
	if !ok {
		return
	}
	var rate *uint256.Int
	if err := d.View(func(m *core.Modules) error {
		var err error
		rate, err = m.Ledger.InterestRate()
		return err
	}); err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rateResponse{Domain: d.ID(), Rate: rate.Dec()})
}

func (s *Server) handleSupply(w http.ResponseWriter, r *http.Request) {
	d, ok := s.domain(w, r)
	if !ok {
		return
	}
	resp := supplyResponse{Domain: d.ID()}
	err := d.View(func(m *core.Modules) error {
		supply, err := m.Ledger.TotalSupply()
		if err != nil {
			return err
		}
		principal, err := m.Ledger.TotalPrincipal()
		if err != nil {
			return err
		}
		reserve, err := m.Vault.Reserve()
		if err != nil {
			return err
		}
		holders, err := m.Ledger.Holders()
		if err != nil {
			return err
		}
		resp.TotalSupply = supply.Dec()
		resp.TotalPrincipal = principal.Dec()
		resp.Reserve = reserve.Dec()
		resp.Holders = len(holders)
		return nil
	})
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleRemotes(w http.ResponseWriter, r *http.Request) {
	d, ok := s.domain(w, r)
	if !ok {
		return
	}
	var remotes []bridge.RemoteConfig
	if err := d.View(func(m *core.Modules) error {
		var err error
		remotes, err = m.Bridge.Remotes()
		return err
	}); err != nil {
		s.fail(w, err)
		return
	}
	out := make([]remoteResponse, 0, len(remotes))
	for _, remote := range remotes {
		out = append(out, remoteResponse{
			Domain:   remote.DomainID,
			Endpoint: remote.Endpoint.String(),
			Token:    remote.Token.String(),
		})
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleReconcile(w http.ResponseWriter, _ *http.Request) {
	if s.reports == nil {
		writeError(w, http.StatusServiceUnavailable, errors.New("reconciler not configured"))
		return
	}
	latest := s.reports.Latest()
	if latest == nil {
		writeError(w, http.StatusNotFound, errors.New("no reconciliation run yet"))
		return
	}
	writeJSON(w, http.StatusOK, latest)
}

func (s *Server) handleRelay(w http.ResponseWriter, _ *http.Request) {
	if s.relay == nil {
		writeError(w, http.StatusServiceUnavailable, errors.New("relay not configured"))
		return
	}
	writeJSON(w, http.StatusOK, relayResponse{
		Pending: renderPending(s.relay.Pending()),
		Failed:  renderPending(s.relay.Failed()),
	})
}

func renderPending(items []relay.Pending) []pendingResponse {
	out := make([]pendingResponse, 0, len(items))
	for _, p := range items {
		out = append(out, pendingResponse{
			ID:        "0x" + hex.EncodeToString(p.ID[:]),
			Lane:      p.Lane.String(),
			Nonce:     p.Nonce,
			Submitted: p.Submitted,
			Due:       p.Due,
			Attempts:  p.Attempts,
			LastError: p.LastError,
		})
	}
	return out
}

// fail maps domain errors onto HTTP status codes.
func (s *Server) fail(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, access.ErrUnauthorized):
		status = http.StatusForbidden
	case errors.Is(err, nativecommon.ErrModulePaused):
		status = http.StatusServiceUnavailable
	case errors.Is(err, bridge.ErrExceedsLaneCapacity):
		status = http.StatusUnprocessableEntity
	case errors.Is(err, bridge.ErrRateLimited):
		status = http.StatusTooManyRequests
	case errors.Is(err, rebase.ErrInsufficientBalance),
		errors.Is(err, rebase.ErrInsufficientAllowance),
		errors.Is(err, rebase.ErrOverflow),
		errors.Is(err, vault.ErrInsufficientReserve),
		errors.Is(err, vault.ErrAssetReleaseFailed):
		status = http.StatusUnprocessableEntity
	case errors.Is(err, rebase.ErrInvalidAddress),
		errors.Is(err, vault.ErrInvalidAmount),
		errors.Is(err, bridge.ErrInvalidAmount),
		errors.Is(err, bridge.ErrInvalidPayload),
		errors.Is(err, bridge.ErrUnrecognizedRemote):
		status = http.StatusBadRequest
	}
	if status == http.StatusInternalServerError {
		s.logger.Error("request failed", "error", err)
	}
	writeError(w, status, err)
}

func parseHolder(raw string) (crypto.Address, error) {
	addr, err := crypto.DecodeAddress(strings.TrimSpace(raw))
	if err != nil {
		return crypto.Address{}, fmt.Errorf("invalid address %q: %w", raw, err)
	}
	return addr.WithPrefix(crypto.HolderPrefix), nil
}

// parseAmount accepts a base-10 amount or "max" for the whole balance.
func parseAmount(raw string) (*uint256.Int, error) {
	raw = strings.TrimSpace(raw)
	if strings.EqualFold(raw, "max") {
		return rebase.MaxAmount(), nil
	}
	amount, err := uint256.FromDecimal(raw)
	if err != nil {
		return nil, fmt.Errorf("invalid amount %q: %w", raw, err)
	}
	return amount, nil
}

func decodeBody(w http.ResponseWriter, r *http.Request, dst interface{}) bool {
	decoder := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBytes))
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid request body: %w", err))
		return false
	}
	return true
}
