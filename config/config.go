package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	"rebasechain/crypto"
)

// Config is the daemon configuration: one node hosting a set of domains
// joined by relay lanes.
type Config struct {
	Node      Node      `toml:"Node" yaml:"node"`
	Domains   []Domain  `toml:"Domain" yaml:"domains"`
	Lanes     []Lane    `toml:"Lane" yaml:"lanes"`
	Telemetry Telemetry `toml:"Telemetry" yaml:"telemetry"`
}

// Node holds process level settings.
type Node struct {
	Environment   string `toml:"Environment" yaml:"environment"`
	ListenAddress string `toml:"ListenAddress" yaml:"listen"`
	LogLevel      string `toml:"LogLevel" yaml:"log_level"`
	LogFile       string `toml:"LogFile" yaml:"log_file"`

	ReconcilerDB       string   `toml:"ReconcilerDB" yaml:"reconciler_db"`
	ReportDir          string   `toml:"ReportDir" yaml:"report_dir"`
	ReconcileInterval  Duration `toml:"ReconcileInterval" yaml:"reconcile_interval"`
	ReconcileOlderThan Duration `toml:"ReconcileOlderThan" yaml:"reconcile_older_than"`
	RelayInterval      Duration `toml:"RelayInterval" yaml:"relay_interval"`

	// Per-client throttle on the devnet write routes; zero disables it.
	WriteRequestsPerMinute float64 `toml:"WriteRequestsPerMinute" yaml:"write_requests_per_minute"`
	WriteBurst             int     `toml:"WriteBurst" yaml:"write_burst"`
}

// Domain describes one execution domain and its genesis.
type Domain struct {
	ID   uint64 `toml:"ID" yaml:"id"`
	Name string `toml:"Name" yaml:"name"`
	// DataDir selects LevelDB storage; empty keeps the domain in memory.
	DataDir string `toml:"DataDir" yaml:"data_dir"`

	AssetSymbol   string `toml:"AssetSymbol" yaml:"asset_symbol"`
	AssetName     string `toml:"AssetName" yaml:"asset_name"`
	AssetDecimals uint8  `toml:"AssetDecimals" yaml:"asset_decimals"`

	InitialRate   string `toml:"InitialRate" yaml:"initial_rate"`
	Owner         string `toml:"Owner" yaml:"owner"`
	RateAuthority string `toml:"RateAuthority" yaml:"rate_authority"`
	Pauser        string `toml:"Pauser" yaml:"pauser"`

	EndpointKey           string `toml:"EndpointKey" yaml:"endpoint_key"`
	EndpointKeystore      string `toml:"EndpointKeystore" yaml:"endpoint_keystore"`
	EndpointPassphraseEnv string `toml:"EndpointPassphraseEnv" yaml:"endpoint_passphrase_env"`

	Allocations []Allocation `toml:"Allocation" yaml:"allocations"`
}

// Allocation credits backing asset to an address at genesis.
type Allocation struct {
	Address string `toml:"Address" yaml:"address"`
	Amount  string `toml:"Amount" yaml:"amount"`
}

// Lane is a one-directional relay path between two domains.
type Lane struct {
	Source   uint64    `toml:"Source" yaml:"source"`
	Dest     uint64    `toml:"Dest" yaml:"dest"`
	Delay    Duration  `toml:"Delay" yaml:"delay"`
	Outbound RateLimit `toml:"Outbound" yaml:"outbound"`
	Inbound  RateLimit `toml:"Inbound" yaml:"inbound"`
}

// RateLimit is a token bucket in whole token units. A zero capacity
// disables the limit.
type RateLimit struct {
	Capacity        uint64 `toml:"Capacity" yaml:"capacity"`
	RefillPerSecond uint64 `toml:"RefillPerSecond" yaml:"refill_per_second"`
}

// Enabled reports whether the limit is active.
func (r RateLimit) Enabled() bool { return r.Capacity > 0 }

// Telemetry configures OpenTelemetry export.
type Telemetry struct {
	Endpoint string `toml:"Endpoint" yaml:"endpoint"`
	Insecure bool   `toml:"Insecure" yaml:"insecure"`
	Headers  string `toml:"Headers" yaml:"headers"`
	Metrics  bool   `toml:"Metrics" yaml:"metrics"`
	Traces   bool   `toml:"Traces" yaml:"traces"`
}

// Duration decodes "30s" style strings from both TOML and YAML.
type Duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(text []byte) error {
	value := strings.TrimSpace(string(text))
	if value == "" {
		d.Duration = 0
		return nil
	}
	parsed, err := time.ParseDuration(value)
	if err != nil {
		return err
	}
	d.Duration = parsed
	return nil
}

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	return d.UnmarshalText([]byte(node.Value))
}

// Load reads the configuration at path. Files ending in .yaml or .yml are
// decoded as YAML, everything else as TOML. A missing TOML file is replaced
// by a two domain devnet configuration written to path.
func Load(path string) (*Config, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("config path required")
	}
	yamlFile := isYAML(path)
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) && !yamlFile {
		return createDefault(path)
	} else if err != nil {
		return nil, err
	}

	cfg := &Config{}
	if yamlFile {
		file, err := os.Open(path)
		if err != nil {
			return nil, fmt.Errorf("open config: %w", err)
		}
		defer file.Close()
		decoder := yaml.NewDecoder(file)
		decoder.KnownFields(true)
		if err := decoder.Decode(cfg); err != nil {
			return nil, fmt.Errorf("decode config: %w", err)
		}
	} else {
		meta, err := toml.DecodeFile(path, cfg)
		if err != nil {
			return nil, fmt.Errorf("decode config: %w", err)
		}
		if undecoded := meta.Undecoded(); len(undecoded) > 0 {
			return nil, fmt.Errorf("config file %s has unknown key %s", path, undecoded[0])
		}
	}

	cfg.resolvePaths(filepath.Dir(path))
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func isYAML(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return true
	}
	return false
}

// resolvePaths anchors relative keystore paths at the config directory.
func (c *Config) resolvePaths(base string) {
	for i := range c.Domains {
		ks := strings.TrimSpace(c.Domains[i].EndpointKeystore)
		if ks != "" && !filepath.IsAbs(ks) {
			c.Domains[i].EndpointKeystore = filepath.Join(base, ks)
		}
	}
}

// createDefault writes a devnet configuration with two in-memory domains
// joined in both directions, generating an endpoint keystore for each.
func createDefault(path string) (*Config, error) {
	dir := filepath.Dir(path)
	cfg := &Config{
		Node: Node{
			Environment:   "devnet",
			ListenAddress: ":8080",
			LogLevel:      "info",

			WriteRequestsPerMinute: 120,
			WriteBurst:             20,
		},
		Lanes: []Lane{
			{Source: 1, Dest: 2, Delay: Duration{30 * time.Second}},
			{Source: 2, Dest: 1, Delay: Duration{30 * time.Second}},
		},
	}
	for _, id := range []uint64{1, 2} {
		keystorePath := filepath.Join(dir, fmt.Sprintf("endpoint-%d.keystore", id))
		if _, err := crypto.LoadOrCreateKeystore(keystorePath, ""); err != nil {
			return nil, err
		}
		cfg.Domains = append(cfg.Domains, Domain{
			ID:               id,
			Name:             fmt.Sprintf("domain-%d", id),
			AssetSymbol:      "usdx",
			AssetName:        "Backing Dollar",
			AssetDecimals:    18,
			InitialRate:      "5000000000",
			EndpointKeystore: keystorePath,
		})
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if err := persist(path, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func persist(path string, cfg *Config) error {
	dir := filepath.Dir(path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_TRUNC|os.O_CREATE, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	return toml.NewEncoder(f).Encode(cfg)
}
