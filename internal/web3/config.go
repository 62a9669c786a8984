package web3

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// ChainDefinitions models the structure of configs/chains.yaml.
type ChainDefinitions struct {
	Chains map[string]ChainDefinition `yaml:"chains"`
}

// ChainDefinition describes a single network endpoint definition.
type ChainDefinition struct {
	Type           string `yaml:"type"`
	ChainID        int64  `yaml:"chain_id"`
	RPCURL         string `yaml:"rpc_url"`
	RPCURLEnv      string `yaml:"rpc_url_env"`
	WSURL          string `yaml:"ws_url"`
	ExplorerAPIURL string `yaml:"explorer_api_url"`
	ExplorerURL    string `yaml:"explorer_url"`
	Description    string `yaml:"description"`
}

// ResolveRPCURL returns rpc_url, falling back to the environment variable.
func (d ChainDefinition) ResolveRPCURL() string {
	if url := strings.TrimSpace(d.RPCURL); url != "" {
		return url
	}
	if d.RPCURLEnv != "" {
		return strings.TrimSpace(os.Getenv(d.RPCURLEnv))
	}
	return ""
}

// LoadChainDefinitions parses the YAML file containing network metadata.
func LoadChainDefinitions(path string) (ChainDefinitions, error) {
	if strings.TrimSpace(path) == "" {
		return ChainDefinitions{Chains: map[string]ChainDefinition{}}, nil
	}

	content, err := os.ReadFile(path)
	if err != nil {
		return ChainDefinitions{}, fmt.Errorf("读取链配置失败: %w", err)
	}

	var defs ChainDefinitions
	if err := yaml.Unmarshal(content, &defs); err != nil {
		return ChainDefinitions{}, fmt.Errorf("解析链配置失败: %w", err)
	}
	if defs.Chains == nil {
		defs.Chains = map[string]ChainDefinition{}
	}
	for name, def := range defs.Chains {
		t := strings.ToLower(strings.TrimSpace(def.Type))
		if t == "" {
			t = "evm"
		}
		if t != "evm" {
			return ChainDefinitions{}, fmt.Errorf("链 %s 使用了不支持的类型 %s", name, def.Type)
		}
		def.Type = t
		defs.Chains[name] = def
	}
	return defs, nil
}

// Lookup returns the definition of the named network.
func (d ChainDefinitions) Lookup(name string) (ChainDefinition, bool) {
	def, ok := d.Chains[name]
	return def, ok
}
