// Package config loads the YAML configuration describing the chain to
// index, its contracts and subscriptions, and the ambient cache/store/log
// settings, per spec §6 "Configuration (recognized options)".
package config

import (
	"bytes"
	"fmt"
	"io/ioutil"
	"path/filepath"
	"strconv"

	"github.com/ethereum/go-ethereum/accounts/abi"
	yaml "gopkg.in/yaml.v2"

	"evmindexer/internal/chainevent"
)

// ChainConfig identifies the chain being indexed and its RPC endpoint.
type ChainConfig struct {
	ID   uint64 `yaml:"id"`
	Name string `yaml:"name"`
	RPC  string `yaml:"rpc"`
}

// SubscriptionConfig describes one event subscription on a contract.
// ToBlock is either the literal string "latest" or a decimal block number.
type SubscriptionConfig struct {
	Event     string `yaml:"event"`
	FromBlock uint64 `yaml:"from_block"`
	ToBlock   string `yaml:"to_block"`
}

// ResolveToBlock parses ToBlock into a chainevent.ToBlock, defaulting to
// "latest" when left empty.
func (s SubscriptionConfig) ResolveToBlock() (chainevent.ToBlock, error) {
	if s.ToBlock == "" || s.ToBlock == "latest" {
		return chainevent.LatestToBlock(), nil
	}
	v, err := strconv.ParseUint(s.ToBlock, 10, 64)
	if err != nil {
		return chainevent.ToBlock{}, fmt.Errorf("invalid to_block %q: %w", s.ToBlock, err)
	}
	return chainevent.FiniteToBlock(v), nil
}

// ContractConfig is one contract's ABI and the subscriptions registered
// against it.
type ContractConfig struct {
	Name          string               `yaml:"name"`
	Address       string               `yaml:"address"`
	ABI           string               `yaml:"abi"`
	ParsedABI     *abi.ABI             `yaml:"-"`
	Subscriptions []SubscriptionConfig `yaml:"subscriptions"`
}

// CacheConfig configures the SQLite-backed log/contract-read cache.
// Absent (nil) disables the cache: every poll re-fetches its full window.
type CacheConfig struct {
	Path string `yaml:"path"`
}

// SubscriptionStoreConfig configures the SQLite-backed cursor store.
// Absent (nil) means cursors live only in memory for the process lifetime.
type SubscriptionStoreConfig struct {
	Path string `yaml:"path"`
}

// RetryConfig controls RpcClient's retry behaviour, per spec §4.3.
type RetryConfig struct {
	MaxRetries   int `yaml:"max_retries"`
	RetryDelayMS int `yaml:"retry_delay_ms"`
	MaxInFlight  int `yaml:"max_in_flight"`
	CallTimeoutS int `yaml:"call_timeout_s"`
}

// Config is the top-level configuration document, per spec §6.
type Config struct {
	Chain             ChainConfig              `yaml:"chain"`
	Contracts         []ContractConfig         `yaml:"contracts"`
	EventPollDelayMs  int                      `yaml:"event_poll_delay_ms"`
	Cache             *CacheConfig             `yaml:"cache"`
	SubscriptionStore *SubscriptionStoreConfig `yaml:"subscription_store"`
	Retry             RetryConfig              `yaml:"retry"`
	LogLevel          string                   `yaml:"log_level"`

	// CSVOutputDir, when set, enables the CSV fallback sink wired in as
	// the default onEvent handler when Cache is absent (spec §6 ambient
	// stack notes).
	CSVOutputDir string `yaml:"csv_output_dir"`
}

// Load reads and validates the configuration file at path.
func Load(path string) (*Config, error) {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}

	data, err := ioutil.ReadFile(absPath)
	if err != nil {
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}

	if cfg.Chain.RPC == "" {
		return nil, fmt.Errorf("chain.rpc is required")
	}
	if cfg.Chain.ID == 0 {
		return nil, fmt.Errorf("chain.id is required")
	}
	if len(cfg.Contracts) == 0 {
		return nil, fmt.Errorf("at least one contract must be defined")
	}

	cfgDir := filepath.Dir(absPath)

	for i, c := range cfg.Contracts {
		if c.Name == "" {
			return nil, fmt.Errorf("contract at index %d is missing name", i)
		}
		if c.Address == "" {
			return nil, fmt.Errorf("contract '%s' is missing address", c.Name)
		}
		if c.ABI == "" {
			return nil, fmt.Errorf("contract '%s' is missing abi path", c.Name)
		}

		abiPath := c.ABI
		if !filepath.IsAbs(abiPath) {
			abiPath = filepath.Join(cfgDir, abiPath)
		}

		abiBytes, err := ioutil.ReadFile(abiPath)
		if err != nil {
			return nil, fmt.Errorf("failed to read abi file for contract '%s': %w", c.Name, err)
		}

		parsed, err := abi.JSON(bytes.NewReader(abiBytes))
		if err != nil {
			return nil, fmt.Errorf("failed to parse abi for contract '%s': %w", c.Name, err)
		}

		cfg.Contracts[i].ParsedABI = &parsed
		cfg.Contracts[i].ABI = abiPath

		for _, sc := range c.Subscriptions {
			if _, ok := parsed.Events[sc.Event]; !ok {
				return nil, fmt.Errorf("contract '%s': event '%s' not found in ABI", c.Name, sc.Event)
			}
		}
	}

	if cfg.Retry.MaxRetries == 0 {
		cfg.Retry.MaxRetries = 5
	}
	if cfg.Retry.RetryDelayMS == 0 {
		cfg.Retry.RetryDelayMS = 500
	}
	if cfg.Retry.MaxInFlight == 0 {
		cfg.Retry.MaxInFlight = 10
	}
	if cfg.Retry.CallTimeoutS == 0 {
		cfg.Retry.CallTimeoutS = 30
	}
	if cfg.EventPollDelayMs == 0 {
		cfg.EventPollDelayMs = 4000
	}

	return &cfg, nil
}
