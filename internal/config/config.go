// Package config loads the nested relayer configuration described in
// spec.md section 6: an evm: map and a substrate: map of per-chain
// configuration, each carrying a list of contracts/pallets plus a
// tx_queue section.
//
// Promoted from the teacher's transitive viper/yaml.v3 dependency (pulled
// in via cometbft) to a direct dependency, since the teacher's own config
// package reads flat environment variables with os.Getenv rather than a
// nested file — this relayer's multi-chain, multi-contract shape needs the
// structured format viper already gives the rest of the stack.
package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// EventsWatcherConfig controls one contract's polling behavior.
type EventsWatcherConfig struct {
	Enabled         bool          `mapstructure:"enabled"`
	PollingInterval time.Duration `mapstructure:"polling_interval"`
	MaxBlockRange   uint64        `mapstructure:"max_block_range"`
	Confirmations   uint64        `mapstructure:"confirmations"`
}

// ContractCommon holds the fields every contract variant shares.
type ContractCommon struct {
	Address        string              `mapstructure:"address"`
	DeployedAt     uint64              `mapstructure:"deployed_at"`
	EventsWatcher  EventsWatcherConfig `mapstructure:"events_watcher"`
}

// ContractKind tags which protocol-specific fields a Contract carries.
type ContractKind string

const (
	ContractTornado                 ContractKind = "tornado"
	ContractAnchorOverDKG            ContractKind = "anchor_over_dkg"
	ContractGovernanceBravoDelegate  ContractKind = "governance_bravo_delegate"
	ContractVAnchor                  ContractKind = "vanchor"
)

// Contract is the tagged-variant record from spec.md section 6.
type Contract struct {
	Kind   ContractKind    `mapstructure:"kind"`
	Common ContractCommon  `mapstructure:"common"`
}

// TxQueueConfig mirrors txqueue.Config's tunables in config-file form.
type TxQueueConfig struct {
	MaxAttempts      int           `mapstructure:"max_attempts"`
	RequeueDelay     time.Duration `mapstructure:"requeue_delay"`
	PollInterval     time.Duration `mapstructure:"poll_interval"`
	DeadLetterMode   string        `mapstructure:"dead_letter_mode"`
}

// EvmConfig describes one EVM chain's endpoint, contracts, and queue.
type EvmConfig struct {
	Enabled             bool          `mapstructure:"enabled"`
	HTTPEndpoint        string        `mapstructure:"http_endpoint"`
	WSEndpoint          string        `mapstructure:"ws_endpoint"`
	ChainID             uint32        `mapstructure:"chain_id"`
	Contracts           []Contract    `mapstructure:"contracts"`
	TxQueue             TxQueueConfig `mapstructure:"tx_queue"`
	// SignerPrivateKey, when set, enables live transaction submission on
	// this chain's queue; when empty the queue runs without a submitter
	// wired (submissions fail transiently and pile up for an operator to
	// notice rather than being silently dropped).
	SignerPrivateKey    string `mapstructure:"signer_private_key"`
	SignerGasLimit      uint64 `mapstructure:"signer_gas_limit"`
}

// Pallet is substrate's analogue of Contract.
type Pallet struct {
	Kind   ContractKind   `mapstructure:"kind"`
	Common ContractCommon `mapstructure:"common"`
}

// SubstrateConfig describes one substrate node's endpoint and pallets.
type SubstrateConfig struct {
	Enabled      bool          `mapstructure:"enabled"`
	HTTPEndpoint string        `mapstructure:"http_endpoint"`
	WSEndpoint   string        `mapstructure:"ws_endpoint"`
	ChainID      uint32        `mapstructure:"chain_id"`
	Suri         string        `mapstructure:"suri"`
	Pallets      []Pallet      `mapstructure:"pallets"`
	TxQueue      TxQueueConfig `mapstructure:"tx_queue"`
}

// Config is the top-level nested record spec.md section 6 requires.
type Config struct {
	Evm       map[string]EvmConfig       `mapstructure:"evm"`
	Substrate map[string]SubstrateConfig `mapstructure:"substrate"`
	StorePath string                     `mapstructure:"store_path"`
	Verbosity string                     `mapstructure:"verbosity"`
}

// Load reads and validates the relayer configuration from path using viper,
// matching the yaml shape documented in SPEC_FULL.md section 7.1.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	v.SetDefault("verbosity", "info")
	v.SetDefault("store_path", "./data")

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config %s: %w", path, err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate enforces the structural requirements the rest of the relayer
// assumes: every enabled chain needs an endpoint, and every contract needs
// an address.
func (c *Config) Validate() error {
	for name, evm := range c.Evm {
		if !evm.Enabled {
			continue
		}
		if evm.HTTPEndpoint == "" {
			return fmt.Errorf("evm.%s: http_endpoint is required when enabled", name)
		}
		for i, contract := range evm.Contracts {
			if contract.Common.Address == "" {
				return fmt.Errorf("evm.%s.contracts[%d]: address is required", name, i)
			}
		}
	}
	for name, sub := range c.Substrate {
		if !sub.Enabled {
			continue
		}
		if sub.HTTPEndpoint == "" && sub.WSEndpoint == "" {
			return fmt.Errorf("substrate.%s: http_endpoint or ws_endpoint is required when enabled", name)
		}
	}
	return nil
}
