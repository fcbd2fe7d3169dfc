package main

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"rebasechain/cmd/internal/passphrase"
	"rebasechain/config"
	"rebasechain/core"
	"rebasechain/core/events"
	"rebasechain/crypto"
	"rebasechain/native/bridge"
	"rebasechain/observability"
	"rebasechain/relay"
	"rebasechain/rpc"
	"rebasechain/services/reconciler"
	"rebasechain/storage"
)

const memoryReconcilerDSN = "file::memory:?cache=shared"

// node is every long-lived component of the daemon.
type node struct {
	cfg        *config.Config
	logger     *slog.Logger
	domains    []*core.Domain
	owners     map[uint64]crypto.Address
	stores     []storage.Database
	relay      *relay.Relay
	recorder   *reconciler.Recorder
	reconciler *reconciler.Reconciler
	sql        *gorm.DB
	api        *rpc.Server
}

// buildNode opens the domains, links them along the configured lanes and
// assembles the relay, reconciler and API around them.
func buildNode(cfg *config.Config, logger *slog.Logger, allowWrites bool) (*node, error) {
	if logger == nil {
		logger = slog.Default()
	}
	n := &node{cfg: cfg, logger: logger, owners: make(map[uint64]crypto.Address)}
	built := false
	defer func() {
		if !built {
			n.close()
		}
	}()

	var err error
	if n.sql, err = openReconcilerDB(cfg.Node.ReconcilerDB); err != nil {
		return nil, err
	}
	n.recorder = reconciler.NewRecorder(n.sql, logger)
	n.reconciler, err = reconciler.New(reconciler.Config{
		DB:        n.sql,
		OutputDir: cfg.Node.ReportDir,
		Logger:    logger,
	})
	if err != nil {
		return nil, err
	}

	n.relay = relay.New(logger)
	for _, dc := range cfg.Domains {
		d, err := n.openDomain(dc)
		if err != nil {
			return nil, fmt.Errorf("domain %d: %w", dc.ID, err)
		}
		n.domains = append(n.domains, d)
		n.relay.Register(d)
	}
	if err := n.linkLanes(); err != nil {
		return nil, err
	}

	n.api, err = rpc.New(rpc.Config{
		Domains:     n.domains,
		Reports:     n.reconciler,
		Relay:       n.relay,
		AllowWrites: allowWrites,
		WriteLimit: rpc.WriteLimit{
			RequestsPerMinute: cfg.Node.WriteRequestsPerMinute,
			Burst:             cfg.Node.WriteBurst,
		},
		Logger: logger,
	})
	if err != nil {
		return nil, err
	}
	built = true
	return n, nil
}

func openReconcilerDB(path string) (*gorm.DB, error) {
	dsn := memoryReconcilerDSN
	if path = strings.TrimSpace(path); path != "" {
		if dir := filepath.Dir(path); dir != "." && dir != "" {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("create reconciler dir: %w", err)
			}
		}
		dsn = path
	}
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{Logger: gormlogger.Default.LogMode(gormlogger.Silent)})
	if err != nil {
		return nil, fmt.Errorf("open reconciler db: %w", err)
	}
	if err := reconciler.AutoMigrate(db); err != nil {
		return nil, fmt.Errorf("migrate reconciler db: %w", err)
	}
	return db, nil
}

func (n *node) openDomain(dc config.Domain) (*core.Domain, error) {
	key, err := loadEndpointKey(dc)
	if err != nil {
		return nil, err
	}
	gen, err := genesisFromConfig(dc, key)
	if err != nil {
		return nil, err
	}

	var db storage.Database
	if strings.TrimSpace(dc.DataDir) == "" {
		db = storage.NewMemDB()
	} else {
		ldb, err := storage.NewLevelDB(dc.DataDir)
		if err != nil {
			return nil, fmt.Errorf("open data dir: %w", err)
		}
		db = ldb
	}
	n.stores = append(n.stores, db)

	d, err := core.Open(db, gen, key)
	if err != nil {
		return nil, err
	}
	d.SetLogger(n.logger)
	d.SetEmitter(events.Fanout{n.recorder, observability.Events().Emitter(dc.ID)})
	n.owners[dc.ID] = gen.Owner
	n.logger.Info("domain ready",
		slog.Uint64("domain", dc.ID),
		slog.String("name", d.Name()),
		slog.String("endpoint", d.Endpoint().String()),
		slog.String("root", d.StateRoot().Hex()))
	return d, nil
}

func loadEndpointKey(dc config.Domain) (*crypto.PrivateKey, error) {
	if raw := strings.TrimSpace(dc.EndpointKey); raw != "" {
		return crypto.PrivateKeyFromHex(raw)
	}
	pass := ""
	if env := strings.TrimSpace(dc.EndpointPassphraseEnv); env != "" {
		var err error
		pass, err = passphrase.NewSource(env, fmt.Sprintf("domain %d endpoint keystore", dc.ID)).Get()
		if err != nil {
			return nil, err
		}
	}
	return crypto.LoadOrCreateKeystore(dc.EndpointKeystore, pass)
}

// genesisFromConfig fills in the operator defaults: without an explicit owner
// the endpoint key's holder address owns the domain, and the owner doubles as
// rate authority.
func genesisFromConfig(dc config.Domain, key *crypto.PrivateKey) (*core.Genesis, error) {
	rate, err := config.ParseAmount(dc.InitialRate)
	if err != nil {
		return nil, fmt.Errorf("initial rate: %w", err)
	}
	owner, err := config.ParseAddress(dc.Owner)
	if err != nil {
		return nil, fmt.Errorf("owner: %w", err)
	}
	if owner.IsZero() {
		owner = key.PubKey().Address().WithPrefix(crypto.HolderPrefix)
	}
	authority, err := config.ParseAddress(dc.RateAuthority)
	if err != nil {
		return nil, fmt.Errorf("rate authority: %w", err)
	}
	if authority.IsZero() {
		authority = owner
	}
	pauser, err := config.ParseAddress(dc.Pauser)
	if err != nil {
		return nil, fmt.Errorf("pauser: %w", err)
	}
	gen := &core.Genesis{
		DomainID:      dc.ID,
		Name:          dc.Name,
		Asset:         core.AssetSpec{Symbol: dc.AssetSymbol, Name: dc.AssetName, Decimals: dc.AssetDecimals},
		InitialRate:   rate,
		Owner:         owner,
		RateAuthority: authority,
		Pauser:        pauser,
	}
	for _, alloc := range dc.Allocations {
		addr, err := config.ParseAddress(alloc.Address)
		if err != nil {
			return nil, err
		}
		amount, err := config.ParseAmount(alloc.Amount)
		if err != nil {
			return nil, err
		}
		gen.Allocations = append(gen.Allocations, core.Allocation{Address: addr, Amount: amount})
	}
	return gen, nil
}

// linkLanes registers each lane on both of its domains and installs its
// relay delay. The outbound limit of a lane lives on the source's view of the
// destination, the inbound limit on the destination's view of the source.
func (n *node) linkLanes() error {
	byID := make(map[uint64]*core.Domain, len(n.domains))
	for _, d := range n.domains {
		byID[d.ID()] = d
	}
	type side struct{ local, remote uint64 }
	remotes := make(map[side]*bridge.RemoteConfig)
	var order []side
	view := func(local, remote uint64) *bridge.RemoteConfig {
		key := side{local, remote}
		cfg, ok := remotes[key]
		if !ok {
			cfg = &bridge.RemoteConfig{DomainID: remote, Endpoint: byID[remote].Endpoint()}
			remotes[key] = cfg
			order = append(order, key)
		}
		return cfg
	}
	for _, lane := range n.cfg.Lanes {
		if byID[lane.Source] == nil || byID[lane.Dest] == nil {
			return fmt.Errorf("lane %d->%d references an unknown domain", lane.Source, lane.Dest)
		}
		view(lane.Source, lane.Dest).Outbound = limitFromConfig(lane.Outbound)
		view(lane.Dest, lane.Source).Inbound = limitFromConfig(lane.Inbound)
		n.relay.SetDelay(relay.Lane{Source: lane.Source, Dest: lane.Dest}, lane.Delay.Duration)
	}
	for _, key := range order {
		cfg := *remotes[key]
		owner := n.owners[key.local]
		if err := byID[key.local].Execute(func(m *core.Modules) error {
			return m.Bridge.RegisterRemote(owner, cfg)
		}); err != nil {
			return fmt.Errorf("register remote %d on domain %d: %w", key.remote, key.local, err)
		}
	}
	return nil
}

func limitFromConfig(limit config.RateLimit) bridge.RateLimit {
	return bridge.RateLimit{
		Enabled:         limit.Enabled(),
		Capacity:        limit.Capacity,
		RefillPerSecond: limit.RefillPerSecond,
	}
}

func (n *node) close() {
	for _, db := range n.stores {
		db.Close()
	}
	n.stores = nil
	if n.sql != nil {
		if sqlDB, err := n.sql.DB(); err == nil {
			if err := sqlDB.Close(); err != nil && !errors.Is(err, os.ErrClosed) {
				n.logger.Warn("close reconciler db", "error", err)
			}
		}
	}
}
