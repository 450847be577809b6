// Package config loads the static cluster configuration: the list of
// peer addresses every agent in this deployment shares.
package config

import (
	"bytes"
	"fmt"
	"net/netip"
	"os"

	"gopkg.in/yaml.v3"
)

// Config is the program configuration read from the YAML config file.
type Config struct {
	Nodes []string `yaml:"nodes"`
}

// Load reads and decodes the config file at path, rejecting unknown
// fields and unparsable node addresses.
func Load(path string) (Config, error) {
	contents, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("config: read %s: %w", path, err)
	}

	decoder := yaml.NewDecoder(bytes.NewReader(contents))
	decoder.KnownFields(true)

	var cfg Config
	if err := decoder.Decode(&cfg); err != nil {
		return Config{}, fmt.Errorf("config: parse %s: %w", path, err)
	}

	if _, err := cfg.Peers(); err != nil {
		return Config{}, fmt.Errorf("config: %s: %w", path, err)
	}

	return cfg, nil
}

// Peers parses every configured node address.
func (c Config) Peers() ([]netip.AddrPort, error) {
	peers := make([]netip.AddrPort, len(c.Nodes))
	for i, node := range c.Nodes {
		addr, err := netip.ParseAddrPort(node)
		if err != nil {
			return nil, fmt.Errorf("invalid node address %q: %w", node, err)
		}
		peers[i] = addr
	}
	return peers, nil
}
