package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/posflag"
	"github.com/knadh/koanf/v2"
	"github.com/spf13/cobra"
)

type Config struct {
	Log           LogConfig           `koanf:"log" yaml:"log"`
	Wallet        WalletConfig        `koanf:"wallet" yaml:"wallet"`
	FHE           FHEConfig           `koanf:"fhe" yaml:"fhe"`
	Ledger        LedgerConfig        `koanf:"ledger" yaml:"ledger"`
	Workflow      WorkflowConfig      `koanf:"workflow" yaml:"workflow"`
	Authorization AuthorizationConfig `koanf:"authorization" yaml:"authorization"`
}

type LogConfig struct {
	Level string `koanf:"level" yaml:"level"`
}

type WalletConfig struct {
	Connector      string `koanf:"connector" yaml:"connector"`
	ConnectTimeout string `koanf:"connect_timeout" yaml:"connect_timeout"`
	MaxRetries     int    `koanf:"max_retries" yaml:"max_retries"`
	RetryBackoff   string `koanf:"retry_backoff" yaml:"retry_backoff"`
}

type FHEConfig struct {
	RelayerURL string            `koanf:"relayer_url" yaml:"relayer_url"`
	MockChains map[string]string `koanf:"mock_chains" yaml:"mock_chains"`
}

type LedgerConfig struct {
	// Contracts maps a decimal chain id to the deployed contract address.
	Contracts map[string]string `koanf:"contracts" yaml:"contracts"`
}

type WorkflowConfig struct {
	MaxValue int64 `koanf:"max_value" yaml:"max_value"`
}

type AuthorizationConfig struct {
	Validity    string `koanf:"validity" yaml:"validity"`
	PersistPath string `koanf:"persist_path" yaml:"persist_path"`

	// SweepSchedule is a cron spec for dropping expired authorizations.
	SweepSchedule string `koanf:"sweep_schedule" yaml:"sweep_schedule"`
}

const (
	DefaultLogLevel             = "info"
	DefaultWalletConnector      = "injected"
	DefaultWalletConnectTimeout = "30s"
	DefaultWalletMaxRetries     = 3
	DefaultWalletRetryBackoff   = "2s"
	DefaultRelayerURL           = "https://relayer.testnet.zama.cloud"
	DefaultLocalChainID         = 31337
	DefaultLocalChainEndpoint   = "http://localhost:8545"
	DefaultSepoliaChainID       = 11155111
	DefaultLocalContract        = "0x5FbDB2315678afecb367f032d93F642f64180aa3"
	DefaultWorkflowMaxValue     = 1_000_000
	DefaultAuthorizationTTL     = "24h"
	DefaultAuthorizationPersist = ""
	DefaultAuthorizationSweep   = "@every 10m"

	envPrefix = "PRODDELTA_"
)

func defaults() map[string]interface{} {
	local := strconv.Itoa(DefaultLocalChainID)
	return map[string]interface{}{
		"log.level":                    DefaultLogLevel,
		"wallet.connector":             DefaultWalletConnector,
		"wallet.connect_timeout":       DefaultWalletConnectTimeout,
		"wallet.max_retries":           DefaultWalletMaxRetries,
		"wallet.retry_backoff":         DefaultWalletRetryBackoff,
		"fhe.relayer_url":              DefaultRelayerURL,
		"fhe.mock_chains." + local:     DefaultLocalChainEndpoint,
		"ledger.contracts." + local:    DefaultLocalContract,
		"workflow.max_value":           DefaultWorkflowMaxValue,
		"authorization.validity":       DefaultAuthorizationTTL,
		"authorization.persist_path":   DefaultAuthorizationPersist,
		"authorization.sweep_schedule": DefaultAuthorizationSweep,
	}
}

// Default returns the configuration with only the hardcoded defaults.
func Default() (*Config, error) {
	k := koanf.New(".")
	for key, value := range defaults() {
		k.Set(key, value)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func Load(cmd *cobra.Command) (*Config, error) {
	k := koanf.New(".")

	// Hardcoded Defaults
	for key, value := range defaults() {
		k.Set(key, value)
	}

	// Config file loading
	configPath := ""
	if cmd != nil {
		if flag := cmd.Flags().Lookup("config"); flag != nil {
			configPath = strings.TrimSpace(flag.Value.String())
		}
	}

	if configPath != "" {
		if err := k.Load(file.Provider(configPath), yaml.Parser()); err != nil {
			return nil, err
		}
	} else {
		home, err := os.UserHomeDir()
		if err == nil {
			globalPath := filepath.Join(home, ".proddelta", "config.yaml")
			if err := k.Load(file.Provider(globalPath), yaml.Parser()); err != nil {
				slog.Debug("Global config not found or invalid", "path", globalPath, "error", err)
			}
		}
	}

	// Environment Variables: PRODDELTA_WALLET__MAX_RETRIES -> wallet.max_retries
	k.Load(env.Provider(envPrefix, ".", func(s string) string {
		return strings.Replace(strings.ToLower(strings.TrimPrefix(s, envPrefix)), "__", ".", -1)
	}), nil)

	// CLI Flags
	if cmd != nil {
		k.Load(posflag.Provider(cmd.Flags(), ".", k), nil)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, err
	}

	if err := normalizePathFields(&cfg); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Validate checks values koanf cannot type-check on its own.
func (c *Config) Validate() error {
	durations := map[string]string{
		"wallet.connect_timeout": c.Wallet.ConnectTimeout,
		"wallet.retry_backoff":   c.Wallet.RetryBackoff,
		"authorization.validity": c.Authorization.Validity,
	}
	for key, value := range durations {
		if strings.TrimSpace(value) == "" {
			continue
		}
		if _, err := DurationOrDefault(value, ""); err != nil {
			return fmt.Errorf("%s: %w", key, err)
		}
	}

	if c.Wallet.MaxRetries < 0 {
		return fmt.Errorf("wallet.max_retries must not be negative, got %d", c.Wallet.MaxRetries)
	}
	if c.Workflow.MaxValue < 0 {
		return fmt.Errorf("workflow.max_value must not be negative, got %d", c.Workflow.MaxValue)
	}

	if _, err := c.ContractAddresses(); err != nil {
		return err
	}
	if _, err := c.MockChainEndpoints(); err != nil {
		return err
	}
	return nil
}

// ContractAddresses returns the configured contract per chain id.
func (c *Config) ContractAddresses() (map[uint64]common.Address, error) {
	out := make(map[uint64]common.Address, len(c.Ledger.Contracts))
	for rawChain, rawAddr := range c.Ledger.Contracts {
		chainID, err := parseChainID(rawChain)
		if err != nil {
			return nil, fmt.Errorf("ledger.contracts: %w", err)
		}
		addr := strings.TrimSpace(rawAddr)
		if !common.IsHexAddress(addr) {
			return nil, fmt.Errorf("ledger.contracts.%s: %q is not a hex address", rawChain, rawAddr)
		}
		out[chainID] = common.HexToAddress(addr)
	}
	return out, nil
}

// MockChainEndpoints returns chains that run the encrypted-compute client in
// local mock mode, keyed by chain id.
func (c *Config) MockChainEndpoints() (map[uint64]string, error) {
	out := make(map[uint64]string, len(c.FHE.MockChains))
	for rawChain, endpoint := range c.FHE.MockChains {
		chainID, err := parseChainID(rawChain)
		if err != nil {
			return nil, fmt.Errorf("fhe.mock_chains: %w", err)
		}
		out[chainID] = strings.TrimSpace(endpoint)
	}
	return out, nil
}

func parseChainID(raw string) (uint64, error) {
	id, err := strconv.ParseUint(strings.TrimSpace(raw), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("chain id %q: %w", raw, err)
	}
	if id == 0 {
		return 0, fmt.Errorf("chain id must be positive")
	}
	return id, nil
}

func normalizePathFields(cfg *Config) error {
	if cfg == nil {
		return nil
	}

	persistPath, err := expandConfiguredPath(cfg.Authorization.PersistPath)
	if err != nil {
		return err
	}
	cfg.Authorization.PersistPath = persistPath

	return nil
}

func expandConfiguredPath(path string) (string, error) {
	trimmed := strings.TrimSpace(path)
	if trimmed == "" {
		return "", nil
	}

	expanded := os.ExpandEnv(trimmed)
	if expanded == "~" || strings.HasPrefix(expanded, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("resolve home dir: %w", err)
		}
		expanded = filepath.Join(home, strings.TrimPrefix(expanded, "~"))
	}
	return filepath.Clean(expanded), nil
}
