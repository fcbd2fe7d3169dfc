package config

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/holiman/uint256"

	"rebasechain/crypto"
)

// Defaults applied by Validate.
const (
	DefaultListenAddress      = ":8080"
	DefaultRelayInterval      = time.Second
	DefaultReconcileInterval  = time.Minute
	DefaultReconcileOlderThan = 15 * time.Minute
)

var errNoDomains = errors.New("config: at least one domain required")

// Validate normalises defaults and rejects inconsistent configuration.
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("config: configuration is missing")
	}
	c.Node.normalize()
	if _, err := ParseLevel(c.Node.LogLevel); err != nil {
		return fmt.Errorf("node: %w", err)
	}
	if len(c.Domains) == 0 {
		return errNoDomains
	}
	seen := make(map[uint64]bool, len(c.Domains))
	for i := range c.Domains {
		d := &c.Domains[i]
		if err := d.validate(); err != nil {
			return fmt.Errorf("domain %d: %w", d.ID, err)
		}
		if seen[d.ID] {
			return fmt.Errorf("domain %d: duplicate id", d.ID)
		}
		seen[d.ID] = true
	}
	lanes := make(map[[2]uint64]bool, len(c.Lanes))
	for _, lane := range c.Lanes {
		if err := lane.validate(seen); err != nil {
			return fmt.Errorf("lane %d->%d: %w", lane.Source, lane.Dest, err)
		}
		key := [2]uint64{lane.Source, lane.Dest}
		if lanes[key] {
			return fmt.Errorf("lane %d->%d: duplicate lane", lane.Source, lane.Dest)
		}
		lanes[key] = true
	}
	return nil
}

func (n *Node) normalize() {
	n.Environment = strings.TrimSpace(n.Environment)
	if n.Environment == "" {
		n.Environment = "devnet"
	}
	n.ListenAddress = strings.TrimSpace(n.ListenAddress)
	if n.ListenAddress == "" {
		n.ListenAddress = DefaultListenAddress
	}
	if n.RelayInterval.Duration <= 0 {
		n.RelayInterval.Duration = DefaultRelayInterval
	}
	if n.ReconcileInterval.Duration <= 0 {
		n.ReconcileInterval.Duration = DefaultReconcileInterval
	}
	if n.ReconcileOlderThan.Duration <= 0 {
		n.ReconcileOlderThan.Duration = DefaultReconcileOlderThan
	}
	if n.WriteRequestsPerMinute < 0 {
		n.WriteRequestsPerMinute = 0
	}
}

func (d *Domain) validate() error {
	if d.ID == 0 {
		return errors.New("id must be non-zero")
	}
	d.Name = strings.TrimSpace(d.Name)
	if d.Name == "" {
		d.Name = fmt.Sprintf("domain-%d", d.ID)
	}
	d.AssetSymbol = strings.ToLower(strings.TrimSpace(d.AssetSymbol))
	if d.AssetSymbol == "" {
		return errors.New("asset symbol required")
	}
	if d.AssetDecimals == 0 {
		d.AssetDecimals = 18
	}
	if _, err := ParseAmount(d.InitialRate); err != nil {
		return fmt.Errorf("initial rate: %w", err)
	}
	for field, value := range map[string]string{"owner": d.Owner, "rate authority": d.RateAuthority, "pauser": d.Pauser} {
		if _, err := ParseAddress(value); err != nil {
			return fmt.Errorf("%s: %w", field, err)
		}
	}
	if strings.TrimSpace(d.EndpointKey) == "" && strings.TrimSpace(d.EndpointKeystore) == "" {
		return errors.New("endpoint key or keystore required")
	}
	if strings.TrimSpace(d.EndpointKey) != "" {
		if _, err := crypto.PrivateKeyFromHex(strings.TrimSpace(d.EndpointKey)); err != nil {
			return fmt.Errorf("endpoint key: %w", err)
		}
	}
	for i, alloc := range d.Allocations {
		addr, err := ParseAddress(alloc.Address)
		if err != nil || addr.IsZero() {
			return fmt.Errorf("allocation %d: invalid address %q", i, alloc.Address)
		}
		amount, err := ParseAmount(alloc.Amount)
		if err != nil || amount.IsZero() {
			return fmt.Errorf("allocation %d: invalid amount %q", i, alloc.Amount)
		}
	}
	return nil
}

func (l Lane) validate(domains map[uint64]bool) error {
	if l.Source == l.Dest {
		return errors.New("source and destination must differ")
	}
	if !domains[l.Source] || !domains[l.Dest] {
		return errors.New("lane references an unknown domain")
	}
	if l.Delay.Duration < 0 {
		return errors.New("delay must not be negative")
	}
	for name, limit := range map[string]RateLimit{"outbound": l.Outbound, "inbound": l.Inbound} {
		if limit.Enabled() && limit.RefillPerSecond == 0 {
			return fmt.Errorf("%s limit needs a refill rate", name)
		}
	}
	return nil
}

// ParseAmount parses a base-10 token amount or rate. An empty string is zero.
func ParseAmount(value string) (*uint256.Int, error) {
	value = strings.ReplaceAll(strings.TrimSpace(value), "_", "")
	if value == "" {
		return new(uint256.Int), nil
	}
	return uint256.FromDecimal(value)
}

// ParseAddress decodes a bech32 holder address. An empty string yields the
// zero address.
func ParseAddress(value string) (crypto.Address, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return crypto.Address{}, nil
	}
	addr, err := crypto.DecodeAddress(value)
	if err != nil {
		return crypto.Address{}, err
	}
	return addr.WithPrefix(crypto.HolderPrefix), nil
}

// ParseLevel maps a log level name to slog. An empty name is info.
func ParseLevel(value string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "", "info":
		return slog.LevelInfo, nil
	case "debug":
		return slog.LevelDebug, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	}
	return slog.LevelInfo, fmt.Errorf("unknown log level %q", value)
}
