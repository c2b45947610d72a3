// Package config defines all configuration for the order management server.
// Config is loaded from a YAML file (default: configs/oms.yaml) with
// sensitive fields overridable via OMS_* environment variables.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the top-level configuration. Maps directly to the YAML file structure.
type Config struct {
	Messaging   MessagingConfig   `mapstructure:"messaging"`
	Brokers     []BrokerConfig    `mapstructure:"brokers"`
	Ledger      LedgerConfig      `mapstructure:"ledger"`
	Instruments InstrumentsConfig `mapstructure:"instruments"`
	Logging     LoggingConfig     `mapstructure:"logging"`
}

// MessagingConfig wires the client-facing transport: the optional in-process
// proxy and the worker connection the OMS core uses.
type MessagingConfig struct {
	Proxy ProxyConfig  `mapstructure:"proxy"`
	OMS   WorkerConfig `mapstructure:"oms"`
}

// ProxyConfig controls the local message proxy. When enabled, the process
// binds a frontend for strategy clients and a backend for the single OMS
// worker; the two are bridged by identity-stamped frames.
type ProxyConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Frontend string `mapstructure:"frontend"` // listen address for clients, e.g. ":7001"
	Backend  string `mapstructure:"backend"`  // listen address for the worker, e.g. "127.0.0.1:7002"
}

// WorkerConfig tells the OMS core where the proxy backend lives and how many
// workers drain the inbound message queue.
type WorkerConfig struct {
	Broker       string `mapstructure:"broker"` // proxy backend URL, e.g. "ws://127.0.0.1:7002/worker"
	NumOfWorkers int    `mapstructure:"num_of_workers"`
}

// BrokerConfig describes one broker gateway connection.
//
//   - Name: unique broker identifier, also the ledger's broker_id.
//   - Kind: gateway implementation; "sim" is the in-process simulator.
//   - ReconnectIntervalSec: how long a disconnected broker waits between
//     connect attempts.
//   - Sim: simulator tuning (per-symbol mark prices for MKT fills).
type BrokerConfig struct {
	Name                 string    `mapstructure:"name"`
	Kind                 string    `mapstructure:"kind"`
	ReconnectIntervalSec int       `mapstructure:"reconnect_interval_in_sec"`
	Sim                  SimConfig `mapstructure:"sim"`
}

// SimConfig tunes the simulated gateway.
type SimConfig struct {
	Marks map[string]float64 `mapstructure:"marks"` // symbol → fill price for MKT orders
}

// LedgerConfig points at the relational ledger.
type LedgerConfig struct {
	Driver string `mapstructure:"driver"` // database/sql driver name, e.g. "mysql"
	DSN    string `mapstructure:"dsn"`
}

// InstrumentsConfig controls the instrument repository. Path loads a JSON
// snapshot from disk; URL, when set, refreshes the snapshot over HTTP.
type InstrumentsConfig struct {
	Path            string        `mapstructure:"path"`
	URL             string        `mapstructure:"url"`
	RefreshInterval time.Duration `mapstructure:"refresh_interval"`
	CachePath       string        `mapstructure:"cache_path"` // last-known-good snapshot from HTTP refreshes
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Load reads config from a YAML file with env var overrides.
// Sensitive fields use env vars: OMS_LEDGER_DSN.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix("OMS")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	// Override sensitive fields from env
	if dsn := os.Getenv("OMS_LEDGER_DSN"); dsn != "" {
		cfg.Ledger.DSN = dsn
	}

	return &cfg, nil
}

// Validate checks all required fields and value ranges.
func (c *Config) Validate() error {
	if c.Messaging.OMS.Broker == "" {
		return fmt.Errorf("messaging.oms.broker is required")
	}
	if c.Messaging.OMS.NumOfWorkers <= 0 {
		return fmt.Errorf("messaging.oms.num_of_workers must be > 0")
	}
	if c.Messaging.Proxy.Enabled {
		if c.Messaging.Proxy.Frontend == "" {
			return fmt.Errorf("messaging.proxy.frontend is required when the proxy is enabled")
		}
		if c.Messaging.Proxy.Backend == "" {
			return fmt.Errorf("messaging.proxy.backend is required when the proxy is enabled")
		}
	}
	if c.Ledger.Driver == "" {
		return fmt.Errorf("ledger.driver is required")
	}
	if c.Ledger.DSN == "" {
		return fmt.Errorf("ledger.dsn is required (set OMS_LEDGER_DSN)")
	}
	if len(c.Brokers) == 0 {
		return fmt.Errorf("at least one broker is required")
	}
	seen := make(map[string]bool, len(c.Brokers))
	for _, b := range c.Brokers {
		if b.Name == "" {
			return fmt.Errorf("brokers[].name is required")
		}
		if seen[b.Name] {
			return fmt.Errorf("broker %q is duplicated", b.Name)
		}
		seen[b.Name] = true
		if b.ReconnectIntervalSec <= 0 {
			return fmt.Errorf("broker %q: reconnect_interval_in_sec must be > 0", b.Name)
		}
	}
	if c.Instruments.Path == "" && c.Instruments.URL == "" {
		return fmt.Errorf("instruments.path or instruments.url is required")
	}
	return nil
}
