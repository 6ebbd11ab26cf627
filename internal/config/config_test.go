package config

import (
	"os"
	"path/filepath"
	"testing"
)

const sampleYAML = `
store_path: ./data
verbosity: debug
evm:
  sepolia:
    enabled: true
    http_endpoint: "https://sepolia.example.org"
    chain_id: 11155111
    contracts:
      - kind: vanchor
        common:
          address: "0x0000000000000000000000000000000000beef"
          deployed_at: 100
          events_watcher:
            enabled: true
            polling_interval: 15s
            max_block_range: 5000
            confirmations: 6
    tx_queue:
      max_attempts: 5
      requeue_delay: 2s
      poll_interval: 1s
      dead_letter_mode: store
  disabled_chain:
    enabled: false
substrate:
  local:
    enabled: false
`

func writeTempConfig(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write temp config: %v", err)
	}
	return path
}

func TestLoadValidConfig(t *testing.T) {
	path := writeTempConfig(t, sampleYAML)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	evm, ok := cfg.Evm["sepolia"]
	if !ok {
		t.Fatal("expected sepolia chain in config")
	}
	if !evm.Enabled || evm.ChainID != 11155111 {
		t.Fatalf("unexpected evm config: %+v", evm)
	}
	if len(evm.Contracts) != 1 || evm.Contracts[0].Kind != ContractVAnchor {
		t.Fatalf("unexpected contracts: %+v", evm.Contracts)
	}
	if evm.Contracts[0].Common.EventsWatcher.Confirmations != 6 {
		t.Fatalf("unexpected confirmations: %+v", evm.Contracts[0].Common.EventsWatcher)
	}
	if evm.TxQueue.DeadLetterMode != "store" {
		t.Fatalf("unexpected dead letter mode: %s", evm.TxQueue.DeadLetterMode)
	}
}

func TestLoadRejectsEnabledChainWithoutEndpoint(t *testing.T) {
	path := writeTempConfig(t, `
evm:
  broken:
    enabled: true
`)
	if _, err := Load(path); err == nil {
		t.Fatal("expected validation error for enabled chain missing http_endpoint")
	}
}

func TestLoadIgnoresDisabledChainMissingFields(t *testing.T) {
	path := writeTempConfig(t, `
evm:
  broken:
    enabled: false
`)
	if _, err := Load(path); err != nil {
		t.Fatalf("disabled chain should not be validated: %v", err)
	}
}
