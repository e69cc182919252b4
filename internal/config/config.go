// Package config loads node settings from a YAML file with AEGIS_*
// environment overrides.
package config

import (
	"errors"
	"fmt"
	"net/netip"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"

	"github.com/busybox42/aegis-routing/pkg/dht"
	"github.com/busybox42/aegis-routing/pkg/types"
)

const envPrefix = "AEGIS_"

type Config struct {
	Node        NodeConfig            `yaml:"node"`
	Tor         TorConfig             `yaml:"tor"`
	Log         LogConfig             `yaml:"log"`
	Metrics     MetricsConfig         `yaml:"metrics"`
	Filters     FilterConfig          `yaml:"filters"`
	Routing     dht.RoutingConfig     `yaml:"routing"`
	Bootstrap   dht.RoutingConfig     `yaml:"bootstrap"`
	Table       dht.TableConfig       `yaml:"table"`
	Maintenance dht.MaintenanceConfig `yaml:"maintenance"`
}

type NodeConfig struct {
	Host   string `yaml:"host"`
	Port   int    `yaml:"port"`
	KeyDir string `yaml:"key_dir"`
	// Seeds are bootstrap peers written as <hex-id>@<host>:<port>.
	Seeds      []string `yaml:"seeds"`
	Firewalled bool     `yaml:"firewalled"`
}

type TorConfig struct {
	Enabled bool `yaml:"enabled"`
	// SocksAddr uses an already running Tor instead of starting one.
	SocksAddr string `yaml:"socks_addr"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

type MetricsConfig struct {
	// Addr serves /metrics when set.
	Addr string `yaml:"addr"`
}

type FilterConfig struct {
	// MaxPerSubnet limits lookup seeds per subnet; 0 disables the limit.
	MaxPerSubnet int `yaml:"max_per_subnet"`
	SubnetBits   int `yaml:"subnet_bits"`
	// RejectFirewalled keeps firewalled peers out of the routing table.
	RejectFirewalled bool `yaml:"reject_firewalled"`
}

func Default() *Config {
	home, _ := os.UserHomeDir()
	return &Config{
		Node: NodeConfig{
			Host:   "127.0.0.1",
			Port:   8080,
			KeyDir: filepath.Join(home, ".aegis"),
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Filters: FilterConfig{
			SubnetBits:       24,
			RejectFirewalled: true,
		},
		Routing:     dht.DefaultRoutingConfig(),
		Bootstrap:   dht.DefaultBootstrapConfig(),
		Table:       dht.DefaultTableConfig(),
		Maintenance: dht.DefaultMaintenanceConfig(),
	}
}

// Load reads path over the defaults, applies environment overrides and
// validates the result. A missing file is not an error; an empty path skips
// the file.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case errors.Is(err, os.ErrNotExist):
		case err != nil:
			return nil, fmt.Errorf("failed to read config file: %w", err)
		default:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("failed to parse YAML config: %w", err)
			}
		}
	}

	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return nil, fmt.Errorf("failed to load config from environment: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return cfg, nil
}

func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	if v, ok := lookup(envPrefix + "HOST"); ok {
		c.Node.Host = v
	}
	if v, ok := lookup(envPrefix + "PORT"); ok {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%sPORT: %w", envPrefix, err)
		}
		c.Node.Port = port
	}
	if v, ok := lookup(envPrefix + "SEEDS"); ok {
		c.Node.Seeds = nil
		for _, s := range strings.Split(v, ",") {
			if s = strings.TrimSpace(s); s != "" {
				c.Node.Seeds = append(c.Node.Seeds, s)
			}
		}
	}
	if v, ok := lookup(envPrefix + "LOG_LEVEL"); ok {
		c.Log.Level = v
	}
	if v, ok := lookup(envPrefix + "TOR"); ok {
		enabled, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("%sTOR: %w", envPrefix, err)
		}
		c.Tor.Enabled = enabled
	}
	return nil
}

func (c *Config) Validate() error {
	if c.Node.Port < 0 || c.Node.Port > 65535 {
		return fmt.Errorf("invalid port %d", c.Node.Port)
	}
	if _, err := logrus.ParseLevel(c.Log.Level); err != nil {
		return err
	}
	if c.Log.Format != "text" && c.Log.Format != "json" {
		return fmt.Errorf("unknown log format %q", c.Log.Format)
	}
	if c.Filters.MaxPerSubnet < 0 {
		return errors.New("max_per_subnet must not be negative")
	}
	if c.Filters.SubnetBits <= 0 || c.Filters.SubnetBits > 32 {
		return fmt.Errorf("subnet_bits must be in 1..32, got %d", c.Filters.SubnetBits)
	}
	if _, err := c.SeedPeers(); err != nil {
		return err
	}
	if err := c.Routing.Validate(); err != nil {
		return fmt.Errorf("routing: %w", err)
	}
	if err := c.Bootstrap.Validate(); err != nil {
		return fmt.Errorf("bootstrap: %w", err)
	}
	if err := c.Table.Validate(); err != nil {
		return fmt.Errorf("table: %w", err)
	}
	if err := c.Maintenance.Validate(); err != nil {
		return fmt.Errorf("maintenance: %w", err)
	}
	return nil
}

// Logger builds the process logger from the log section.
func (c *Config) Logger() (*logrus.Logger, error) {
	level, err := logrus.ParseLevel(c.Log.Level)
	if err != nil {
		return nil, err
	}
	log := logrus.New()
	log.SetOutput(os.Stdout)
	log.SetLevel(level)
	if c.Log.Format == "json" {
		log.SetFormatter(&logrus.JSONFormatter{})
	} else {
		log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
	return log, nil
}

// LookupFilters turns the filter section into lookup filters.
func (c *Config) LookupFilters() dht.Filters {
	var f dht.Filters
	if c.Filters.RejectFirewalled {
		f.Table = dht.RejectFirewalled
	}
	if c.Filters.MaxPerSubnet > 0 {
		f.PreRouting = dht.LimitPerSubnet(c.Filters.MaxPerSubnet, c.Filters.SubnetBits)
	}
	return f
}

func (c *Config) SeedPeers() ([]types.PeerAddress, error) {
	peers := make([]types.PeerAddress, 0, len(c.Node.Seeds))
	for _, s := range c.Node.Seeds {
		p, err := ParsePeer(s)
		if err != nil {
			return nil, err
		}
		peers = append(peers, p)
	}
	return peers, nil
}

// ParsePeer reads a peer written as <hex-id>@<host>:<port>.
func ParsePeer(s string) (types.PeerAddress, error) {
	idPart, addrPart, ok := strings.Cut(s, "@")
	if !ok {
		return types.PeerAddress{}, fmt.Errorf("peer %q: want <hex-id>@<host>:<port>", s)
	}
	id, err := types.IDFromHex(idPart)
	if err != nil {
		return types.PeerAddress{}, fmt.Errorf("peer %q: %w", s, err)
	}
	addr, err := netip.ParseAddrPort(addrPart)
	if err != nil {
		return types.PeerAddress{}, fmt.Errorf("peer %q: %w", s, err)
	}
	return types.PeerAddress{ID: id, Addr: addr}, nil
}
