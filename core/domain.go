// Package core assembles one execution domain: its state trie, the ledger,
// the vault and the bridge endpoint, executed strictly one operation at a time.
package core

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"rebasechain/core/events"
	"rebasechain/core/state"
	"rebasechain/crypto"
	"rebasechain/native/access"
	"rebasechain/native/bridge"
	nativecommon "rebasechain/native/common"
	"rebasechain/native/rebase"
	"rebasechain/native/vault"
	"rebasechain/storage"
	"rebasechain/storage/trie"
)

var headKey = []byte("domain/head")

// Modules is what an operation sees while it runs inside Execute.
type Modules struct {
	State  *state.Manager
	Policy *access.Policy
	Ledger *rebase.Ledger
	Vault  *vault.Vault
	Bridge *bridge.Endpoint
}

// Domain is one independent execution environment. Operations run under a
// single mutex; a failed operation leaves neither state nor events behind.
type Domain struct {
	mu      sync.Mutex
	id      uint64
	name    string
	db      storage.Database
	modules *Modules
	buffer  *events.Buffer
	sink    events.Emitter
	logger  *slog.Logger

	clock  func() uint64
	offset atomic.Uint64
}

// Open loads the domain stored in db, running genesis first when db is empty.
// key is the bridge endpoint signing key.
func Open(db storage.Database, gen *Genesis, key *crypto.PrivateKey) (*Domain, error) {
	if err := gen.validate(); err != nil {
		return nil, err
	}
	if key == nil {
		return nil, fmt.Errorf("core: domain %d: endpoint key required", gen.DomainID)
	}
	var root []byte
	head, err := db.Get(headKey)
	switch {
	case err == nil:
		root = head
	case !errors.Is(err, storage.ErrNotFound):
		return nil, fmt.Errorf("core: read head: %w", err)
	}
	tr, err := trie.NewTrie(db, root)
	if err != nil {
		return nil, fmt.Errorf("core: open state: %w", err)
	}

	d := &Domain{
		id:     gen.DomainID,
		name:   gen.Name,
		db:     db,
		buffer: &events.Buffer{},
		sink:   events.NoopEmitter{},
		logger: slog.Default(),
		clock:  func() uint64 { return uint64(time.Now().Unix()) },
	}
	d.modules = d.assemble(state.NewManager(tr), gen.Asset.Symbol, key)

	if root == nil {
		if err := d.genesis(gen); err != nil {
			return nil, err
		}
	} else if err := d.modules.State.EnsureStateVersion(); err != nil {
		return nil, err
	}
	return d, nil
}

func (d *Domain) assemble(mgr *state.Manager, symbol string, key *crypto.PrivateKey) *Modules {
	policy := access.NewPolicy(mgr)
	ledger := rebase.NewLedger(mgr, policy)
	ledger.SetEmitter(d.buffer)
	ledger.SetPauses(mgr)
	ledger.SetNowFunc(d.now)

	v := vault.New(ledger, crypto.ModuleAddress(nativecommon.ModuleLedger), mgr, strings.ToUpper(strings.TrimSpace(symbol)))
	v.SetEmitter(d.buffer)
	v.SetPauses(mgr)

	endpoint := bridge.NewEndpoint(d.id, key, ledger, mgr, policy)
	endpoint.SetEmitter(d.buffer)
	endpoint.SetPauses(mgr)
	endpoint.SetNowFunc(d.now)

	return &Modules{State: mgr, Policy: policy, Ledger: ledger, Vault: v, Bridge: endpoint}
}

type roleGrant struct {
	role string
	addr crypto.Address
}

func (d *Domain) genesis(gen *Genesis) error {
	err := d.Execute(func(m *Modules) error {
		if err := m.State.SetStateVersion(state.StateVersion); err != nil {
			return err
		}
		if err := m.State.RegisterToken(gen.Asset.Symbol, gen.Asset.Name, gen.Asset.Decimals); err != nil {
			return err
		}
		grants := []roleGrant{
			{access.RoleOwner, gen.Owner},
			{access.RoleRateAuthority, gen.RateAuthority},
			{access.RoleMintBurn, m.Vault.Address()},
			{access.RoleMintBurn, m.Bridge.Address()},
		}
		if !gen.Pauser.IsZero() {
			grants = append(grants, roleGrant{access.RolePauser, gen.Pauser})
		}
		for _, g := range grants {
			if err := m.Policy.Bootstrap(g.role, g.addr); err != nil {
				return err
			}
		}
		if err := m.Ledger.InitInterestRate(gen.InitialRate); err != nil {
			return err
		}
		for _, alloc := range gen.Allocations {
			if err := m.State.Credit(alloc.Address.Bytes(), gen.Asset.Symbol, alloc.Amount); err != nil {
				return fmt.Errorf("allocation %s: %w", alloc.Address, err)
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("core: domain %d genesis: %w", gen.DomainID, err)
	}
	d.logger.Info("domain genesis committed",
		slog.Uint64("domain", d.id),
		slog.String("root", d.StateRoot().Hex()))
	return nil
}

// SetEmitter receives events of committed operations. Passing nil installs a
// no-op.
func (d *Domain) SetEmitter(emitter events.Emitter) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if emitter == nil {
		d.sink = events.NoopEmitter{}
		return
	}
	d.sink = emitter
}

func (d *Domain) SetLogger(logger *slog.Logger) {
	if logger == nil {
		logger = slog.Default()
	}
	d.mu.Lock()
	d.logger = logger.With(slog.Uint64("domain", d.id))
	d.mu.Unlock()
}

// SetClock replaces the unix-seconds time source of every module.
func (d *Domain) SetClock(clock func() uint64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if clock == nil {
		clock = func() uint64 { return uint64(time.Now().Unix()) }
	}
	d.clock = clock
}

// Warp moves the domain clock forward. Time never moves back.
func (d *Domain) Warp(seconds uint64) {
	d.offset.Add(seconds)
}

// Now returns the domain time in unix seconds.
func (d *Domain) Now() uint64 { return d.now() }

func (d *Domain) now() uint64 {
	return d.clock() + d.offset.Load()
}

func (d *Domain) ID() uint64 { return d.id }

func (d *Domain) Name() string { return d.name }

// Endpoint is the identity remote domains register for this domain.
func (d *Domain) Endpoint() crypto.Address {
	return d.modules.Bridge.Identity()
}

// Vault returns the vault's holder address.
func (d *Domain) Vault() crypto.Address {
	return d.modules.Vault.Address()
}

// StateRoot returns the root committed by the last successful operation.
func (d *Domain) StateRoot() common.Hash {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.modules.State.Root()
}

// Execute runs fn as one all-or-nothing operation. When fn fails the state is
// reset to the last committed root and its events are dropped; otherwise the
// state is committed and the events are published in emission order. A
// failure to persist the head after the commit is returned, but the operation
// stays applied.
func (d *Domain) Execute(fn func(*Modules) error) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if err := fn(d.modules); err != nil {
		d.rollback()
		return err
	}
	root, err := d.modules.State.Commit()
	if err != nil {
		d.rollback()
		return fmt.Errorf("core: commit: %w", err)
	}
	// The trie is committed from here on, so its events are published even
	// when the head record fails.
	published := d.buffer.Flush(d.sink)
	if err := d.db.Put(headKey, root.Bytes()); err != nil {
		d.logger.Error("record head", slog.String("root", root.Hex()), slog.Any("error", err))
		return fmt.Errorf("core: record head: %w", err)
	}
	d.logger.Debug("operation committed",
		slog.String("root", root.Hex()),
		slog.Int("events", len(published)))
	return nil
}

// View runs fn against the current state. Any mutation fn makes is discarded.
func (d *Domain) View(fn func(*Modules) error) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	defer d.rollback()
	return fn(d.modules)
}

func (d *Domain) rollback() {
	d.buffer.Reset()
	if err := d.modules.State.Discard(); err != nil {
		d.logger.Error("discard pending state", slog.Any("error", err))
	}
}

// SetPaused toggles a module pause switch. The caller needs the pauser or
// owner role.
func (d *Domain) SetPaused(caller crypto.Address, module string, paused bool) error {
	return d.Execute(func(m *Modules) error {
		if !m.Policy.Has(access.RolePauser, caller) {
			if err := m.Policy.Require(access.RoleOwner, caller); err != nil {
				return err
			}
		}
		return m.State.SetPaused(module, paused)
	})
}

// Receive applies an inbound bridge message. It is what the relay calls.
func (d *Domain) Receive(msg *bridge.Message) error {
	return d.Execute(func(m *Modules) error { return m.Bridge.Receive(msg) })
}
