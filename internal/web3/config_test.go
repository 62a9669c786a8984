package web3

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadChainDefinitions(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "chains.yaml")
	content := `chains:
  base:
    chain_id: 8453
    rpc_url_env: TEST_BASE_RPC
    explorer_api_url: https://api.etherscan.io/v2/api
  local:
    type: EVM
    chain_id: 31337
    rpc_url: http://127.0.0.1:8545
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write yaml: %v", err)
	}
	t.Setenv("TEST_BASE_RPC", "https://base.example")

	defs, err := LoadChainDefinitions(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	base, ok := defs.Lookup("base")
	if !ok {
		t.Fatal("expected base network")
	}
	if base.ChainID != 8453 || base.Type != "evm" {
		t.Fatalf("unexpected base definition: %+v", base)
	}
	if got := base.ResolveRPCURL(); got != "https://base.example" {
		t.Fatalf("unexpected rpc url %q", got)
	}
	local, _ := defs.Lookup("local")
	if local.ResolveRPCURL() != "http://127.0.0.1:8545" || local.Type != "evm" {
		t.Fatalf("unexpected local definition: %+v", local)
	}
}

func TestLoadChainDefinitionsRejectsUnknownType(t *testing.T) {
	path := filepath.Join(t.TempDir(), "chains.yaml")
	if err := os.WriteFile(path, []byte("chains:\n  sol:\n    type: solana\n"), 0o644); err != nil {
		t.Fatalf("write yaml: %v", err)
	}
	if _, err := LoadChainDefinitions(path); err == nil {
		t.Fatal("expected error for non-evm chain")
	}
}

func TestLoadChainDefinitionsEmptyPath(t *testing.T) {
	defs, err := LoadChainDefinitions("")
	if err != nil || defs.Chains == nil {
		t.Fatalf("unexpected result %+v, %v", defs, err)
	}
}
