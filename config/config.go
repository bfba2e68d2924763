// Package config loads the facilitator node configuration.
package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	x402 "github.com/XavierOP877/x402-avalanche--sub001"
	"github.com/XavierOP877/x402-avalanche--sub001/mechanisms/evm"
	"github.com/XavierOP877/x402-avalanche--sub001/vault"
)

// Config holds the node configuration.
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Storage    StorageConfig    `yaml:"storage"`
	Vault      VaultConfig      `yaml:"vault"`
	Logging    LoggingConfig    `yaml:"logging"`
	Settlement SettlementConfig `yaml:"settlement"`
	Networks   []NetworkConfig  `yaml:"networks"`
	Upstream   UpstreamConfig   `yaml:"upstream"`
	MCP        MCPConfig        `yaml:"mcp"`
}

type ServerConfig struct {
	Addr              string `yaml:"addr"`
	ReadTimeout       string `yaml:"read_timeout"`
	WriteTimeout      string `yaml:"write_timeout"`
	ShutdownTimeout   string `yaml:"shutdown_timeout"`
	SettleWaitTimeout string `yaml:"settle_wait_timeout"`
}

// StorageConfig selects the persistence backend.
type StorageConfig struct {
	Driver string `yaml:"driver"` // sqlite, memory
	Path   string `yaml:"path"`
}

type VaultConfig struct {
	// MasterKeyEnv names the environment variable holding the master key.
	// The key itself is never read from the file.
	MasterKeyEnv string `yaml:"master_key_env"`
}

type LoggingConfig struct {
	Level string `yaml:"level"` // debug, info, warn, error
	JSON  bool   `yaml:"json"`
}

type SettlementConfig struct {
	PollInterval        string `yaml:"poll_interval"`
	ConfirmationTimeout string `yaml:"confirmation_timeout"`
	MaxBlocks           uint64 `yaml:"max_blocks"`
	CacheTTL            string `yaml:"cache_ttl"`
}

// NetworkConfig attaches an RPC endpoint to a built-in network.
type NetworkConfig struct {
	Network  string `yaml:"network"`
	RPCURL   string `yaml:"rpc_url"`
	GasLimit uint64 `yaml:"gas_limit"`
}

// UpstreamConfig enables proxy mode: verify and supported are forwarded to
// another facilitator.
type UpstreamConfig struct {
	URL     string `yaml:"url"`
	APIKey  string `yaml:"api_key"`
	Timeout string `yaml:"timeout"`
}

type MCPConfig struct {
	Enabled bool `yaml:"enabled"`
}

const (
	DriverSQLite = "sqlite"
	DriverMemory = "memory"
)

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:              ":4022",
			ReadTimeout:       "15s",
			WriteTimeout:      "90s",
			ShutdownTimeout:   "10s",
			SettleWaitTimeout: "60s",
		},
		Storage: StorageConfig{
			Driver: DriverSQLite,
			Path:   "data/facilitator.db",
		},
		Vault: VaultConfig{
			MasterKeyEnv: vault.DefaultMasterKeyEnv,
		},
		Logging: LoggingConfig{
			Level: "info",
			JSON:  true,
		},
		Settlement: SettlementConfig{
			PollInterval:        "2s",
			ConfirmationTimeout: "2m",
			MaxBlocks:           50,
			CacheTTL:            "5m",
		},
		Networks: []NetworkConfig{
			{Network: "eip155:43113", RPCURL: "https://api.avax-test.network/ext/bc/C/rpc"},
		},
		Upstream: UpstreamConfig{
			Timeout: "30s",
		},
		MCP: MCPConfig{
			Enabled: true,
		},
	}
}

// Load reads configuration from a YAML file, then applies environment
// overrides. A missing file yields the defaults.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case os.IsNotExist(err):
		case err != nil:
			return nil, x402.NewConfigurationError("failed to read config", err)
		default:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, x402.NewConfigurationError("failed to parse config", err)
			}
		}
	}

	cfg.applyEnvOverrides()
	return cfg, nil
}

// Save writes the configuration as YAML.
func (c *Config) Save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	data, err := yaml.Marshal(c.Redacted())
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}

// applyEnvOverrides applies FACILITATOR_* environment variables.
// FACILITATOR_RPC_<chainId> sets or adds the RPC URL of eip155:<chainId>.
func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("FACILITATOR_ADDR"); v != "" {
		c.Server.Addr = v
	}
	if v := os.Getenv("FACILITATOR_DB"); v != "" {
		c.Storage.Path = v
	}
	if v := os.Getenv("FACILITATOR_STORAGE_DRIVER"); v != "" {
		c.Storage.Driver = v
	}
	if v := os.Getenv("FACILITATOR_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
	if v := os.Getenv("FACILITATOR_LOG_JSON"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			c.Logging.JSON = b
		}
	}
	if v := os.Getenv("FACILITATOR_UPSTREAM_URL"); v != "" {
		c.Upstream.URL = v
	}
	if v := os.Getenv("FACILITATOR_UPSTREAM_API_KEY"); v != "" {
		c.Upstream.APIKey = v
	}
	if v := os.Getenv("FACILITATOR_MASTER_KEY_ENV"); v != "" {
		c.Vault.MasterKeyEnv = v
	}

	var rpcKeys []string
	for _, kv := range os.Environ() {
		if strings.HasPrefix(kv, "FACILITATOR_RPC_") {
			rpcKeys = append(rpcKeys, kv)
		}
	}
	sort.Strings(rpcKeys)
	for _, kv := range rpcKeys {
		name, value, _ := strings.Cut(kv, "=")
		chainID := strings.TrimPrefix(name, "FACILITATOR_RPC_")
		if value == "" || chainID == "" {
			continue
		}
		c.setRPC("eip155:"+chainID, value)
	}
}

func (c *Config) setRPC(network, rpcURL string) {
	for i := range c.Networks {
		if c.Networks[i].Network == network {
			c.Networks[i].RPCURL = rpcURL
			return
		}
	}
	c.Networks = append(c.Networks, NetworkConfig{Network: network, RPCURL: rpcURL})
}

// Validate reports the first configuration problem as a configuration error.
func (c *Config) Validate() error {
	if c.Server.Addr == "" {
		return x402.NewConfigurationError("server.addr is required", nil)
	}
	for field, v := range map[string]string{
		"server.read_timeout":             c.Server.ReadTimeout,
		"server.write_timeout":            c.Server.WriteTimeout,
		"server.shutdown_timeout":         c.Server.ShutdownTimeout,
		"server.settle_wait_timeout":      c.Server.SettleWaitTimeout,
		"settlement.poll_interval":        c.Settlement.PollInterval,
		"settlement.confirmation_timeout": c.Settlement.ConfirmationTimeout,
		"settlement.cache_ttl":            c.Settlement.CacheTTL,
		"upstream.timeout":                c.Upstream.Timeout,
	} {
		if _, err := parseDuration(field, v); err != nil {
			return err
		}
	}

	switch c.Storage.Driver {
	case DriverSQLite:
		if c.Storage.Path == "" {
			return x402.NewConfigurationError("storage.path is required for the sqlite driver", nil)
		}
	case DriverMemory:
	default:
		return x402.NewConfigurationError(fmt.Sprintf("invalid storage.driver %q (valid: sqlite, memory)", c.Storage.Driver), nil)
	}

	switch strings.ToLower(c.Logging.Level) {
	case "debug", "info", "warn", "error":
	default:
		return x402.NewConfigurationError(fmt.Sprintf("invalid logging.level %q", c.Logging.Level), nil)
	}

	seen := make(map[int64]string)
	for _, n := range c.Networks {
		netCfg, err := evm.GetNetworkConfig(n.Network)
		if err != nil {
			return x402.NewConfigurationError("networks: "+err.Error(), nil)
		}
		if n.RPCURL == "" {
			return x402.NewConfigurationError(fmt.Sprintf("networks: rpc_url is required for %s", n.Network), nil)
		}
		if _, err := url.ParseRequestURI(n.RPCURL); err != nil {
			return x402.NewConfigurationError(fmt.Sprintf("networks: invalid rpc_url for %s", n.Network), nil)
		}
		id := netCfg.ChainID.Int64()
		if prev, ok := seen[id]; ok {
			return x402.NewConfigurationError(fmt.Sprintf("networks: %s and %s are the same chain", prev, n.Network), nil)
		}
		seen[id] = n.Network
	}

	if c.Upstream.URL != "" {
		u, err := url.Parse(c.Upstream.URL)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return x402.NewConfigurationError("upstream.url must be an absolute URL", nil)
		}
	}
	return nil
}

// MasterKey reads the vault master key from the configured environment variable.
func (c *Config) MasterKey() (*vault.MasterKey, error) {
	return vault.MasterKeyFromEnv(c.Vault.MasterKeyEnv)
}

// Redacted returns a copy safe to log or persist.
func (c *Config) Redacted() *Config {
	out := *c
	out.Networks = append([]NetworkConfig(nil), c.Networks...)
	if out.Upstream.APIKey != "" {
		out.Upstream.APIKey = "redacted"
	}
	for i := range out.Networks {
		out.Networks[i].RPCURL = redactURL(out.Networks[i].RPCURL)
	}
	return &out
}

// redactURL drops userinfo and query strings, which commonly carry RPC API keys.
func redactURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return "redacted"
	}
	u.User = nil
	if u.RawQuery != "" {
		u.RawQuery = "redacted"
	}
	return u.String()
}

func (c *Config) ReadTimeout() time.Duration {
	return durationOr(c.Server.ReadTimeout, 15*time.Second)
}

func (c *Config) WriteTimeout() time.Duration {
	return durationOr(c.Server.WriteTimeout, 90*time.Second)
}

func (c *Config) ShutdownTimeout() time.Duration {
	return durationOr(c.Server.ShutdownTimeout, 10*time.Second)
}

func (c *Config) SettleWaitTimeout() time.Duration {
	return durationOr(c.Server.SettleWaitTimeout, 60*time.Second)
}

func (c *Config) PollInterval() time.Duration {
	return durationOr(c.Settlement.PollInterval, 2*time.Second)
}

func (c *Config) ConfirmationTimeout() time.Duration {
	return durationOr(c.Settlement.ConfirmationTimeout, 2*time.Minute)
}

func (c *Config) CacheTTL() time.Duration {
	return durationOr(c.Settlement.CacheTTL, 5*time.Minute)
}

func (c *Config) UpstreamTimeout() time.Duration {
	return durationOr(c.Upstream.Timeout, 30*time.Second)
}

func parseDuration(field, v string) (time.Duration, error) {
	if v == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil || d < 0 {
		return 0, x402.NewConfigurationError(fmt.Sprintf("%s: invalid duration %q", field, v), nil)
	}
	return d, nil
}

func durationOr(v string, def time.Duration) time.Duration {
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		return def
	}
	return d
}
