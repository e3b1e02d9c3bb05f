// Package config loads the controller configuration from a YAML file, the
// environment and command line flags.
package config

import (
	"fmt"
	"os"
	"time"

	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"sigs.k8s.io/yaml"

	"github.com/jbliao/stupidlb/pkg/allocator"
	"github.com/jbliao/stupidlb/pkg/driver"
	"github.com/jbliao/stupidlb/pkg/pool"
)

// AddressRangesEnv holds a comma separated range specification.
const AddressRangesEnv = "STUPIDLB_ADDRESS_RANGES"

// NetboxConfigEnv holds a raw json Netbox driver configuration. It replaces
// the netbox section of the file.
const NetboxConfigEnv = "STUPIDLB_NETBOX_CONFIG"

// Config is the full controller configuration.
type Config struct {
	// AddressRanges are "A-B", "A/N" or single addresses.
	AddressRanges []string `json:"addressRanges"`
	// Selection is "first" or "random".
	Selection string `json:"selection,omitempty"`

	MaxConcurrentReconciles int    `json:"maxConcurrentReconciles,omitempty"`
	MetricsBindAddress      string `json:"metricsBindAddress,omitempty"`
	HealthProbeBindAddress  string `json:"healthProbeBindAddress,omitempty"`
	LeaderElection          bool   `json:"leaderElection,omitempty"`
	LeaderElectionID        string `json:"leaderElectionID,omitempty"`

	Netbox             *driver.NetboxDriverConfig `json:"netbox,omitempty"`
	NetboxSyncInterval metav1.Duration            `json:"netboxSyncInterval,omitempty"`
}

// Default returns the configuration used when nothing is set.
func Default() *Config {
	return &Config{
		Selection:               "first",
		MaxConcurrentReconciles: 2,
		MetricsBindAddress:      ":8080",
		HealthProbeBindAddress:  ":8081",
		LeaderElection:          true,
		LeaderElectionID:        "stupidlb",
		NetboxSyncInterval:      metav1.Duration{Duration: 5 * time.Minute},
	}
}

// Load reads path (if not empty) over the defaults, then applies the
// environment.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.UnmarshalStrict(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}
	if spec, ok := os.LookupEnv(AddressRangesEnv); ok && spec != "" {
		cfg.AddressRanges = pool.Split(spec)
	}
	if raw := os.Getenv(NetboxConfigEnv); raw != "" {
		netbox, err := driver.ParseNetboxDriverConfig(raw)
		if err != nil {
			return nil, fmt.Errorf("failed to parse %s: %w", NetboxConfigEnv, err)
		}
		cfg.Netbox = &netbox
	}
	return cfg, nil
}

// Validate checks the configuration before anything is started.
func (c *Config) Validate() error {
	if len(c.AddressRanges) == 0 {
		return &pool.ConfigError{Reason: "no address ranges configured (set addressRanges, --address-ranges or " + AddressRangesEnv + ")"}
	}
	if _, err := allocator.SelectByName(c.Selection); err != nil {
		return err
	}
	if c.MaxConcurrentReconciles < 1 {
		return fmt.Errorf("maxConcurrentReconciles must be at least 1, got %d", c.MaxConcurrentReconciles)
	}
	if c.Netbox != nil {
		if c.Netbox.Host == "" {
			return fmt.Errorf("netbox host not given")
		}
		if c.NetboxSyncInterval.Duration <= 0 {
			return fmt.Errorf("netboxSyncInterval must be positive")
		}
	}
	return nil
}

// BuildPool validates the configuration and builds the address pool.
func (c *Config) BuildPool() (*pool.Pool, error) {
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return pool.New(c.AddressRanges)
}
