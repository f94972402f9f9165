// Package chains holds the fixed set of EVM chains the service supports,
// along with their streaming endpoints and finality characteristics.
package chains

import (
	"fmt"
	"sort"
	"strings"
)

// ID is a globally unique EVM chain id. See https://chainlist.wtf
type ID uint64

const (
	Ethereum ID = 1
	Optimism ID = 10
	BSC      ID = 56
	Polygon  ID = 137
	Base     ID = 8453
	Arbitrum ID = 42161
	Local    ID = 1337
)

type chainInfo struct {
	name string

	// envSuffix is the suffix of the WS_RPC_URL_<SUFFIX> environment
	// variable carrying the chain's streaming endpoint.
	envSuffix string

	// finalityMargin is the number of blocks behind head treated as
	// finalized when the node does not expose a "finalized" tag.
	finalityMargin uint64
}

var registry = map[ID]chainInfo{
	Ethereum: {name: "ethereum", envSuffix: "ETHEREUM", finalityMargin: 64},
	Optimism: {name: "optimism", envSuffix: "OPTIMISM", finalityMargin: 64},
	BSC:      {name: "bsc", envSuffix: "BSC", finalityMargin: 64},
	Polygon:  {name: "polygon", envSuffix: "POLYGON", finalityMargin: 128},
	Base:     {name: "base", envSuffix: "BASE", finalityMargin: 64},
	Arbitrum: {name: "arbitrum", envSuffix: "ARBITRUM", finalityMargin: 64},
	Local:    {name: "local", envSuffix: "LOCAL", finalityMargin: 0},
}

func (id ID) Supported() bool {
	_, ok := registry[id]
	return ok
}

func (id ID) Name() string {
	info, ok := registry[id]
	if !ok {
		return fmt.Sprintf("chain-%d", uint64(id))
	}
	return info.name
}

// FinalityMargin is the fallback number of blocks behind head treated as
// finalized for chains whose nodes lack the "finalized" block tag.
func (id ID) FinalityMargin() uint64 {
	return registry[id].finalityMargin
}

func (id ID) String() string {
	return fmt.Sprintf("%d", uint64(id))
}

// List returns all supported chain ids in ascending order.
func List() []ID {
	ids := make([]ID, 0, len(registry))
	for id := range registry {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// FindByName resolves a chain by its canonical lowercase name.
func FindByName(name string) (ID, bool) {
	name = strings.ToLower(name)
	for id, info := range registry {
		if info.name == name {
			return id, true
		}
	}
	return 0, false
}

// NetworkConfig is the per-chain endpoint configuration.
type NetworkConfig struct {
	ID       ID     `toml:"id" json:"id"`
	WSURL    string `toml:"ws_url" json:"wsUrl"`
	Disabled bool   `toml:"disabled" json:"disabled"`
}

// Config maps chain name to its network configuration. Chains without an
// endpoint are simply absent, which disables them.
type Config map[string]NetworkConfig

// ConfigFromEnv builds a Config from WS_RPC_URL_<CHAIN> environment
// variables. getenv is injected so tests can feed their own environment.
// Chains with no endpoint set are skipped, not errored.
func ConfigFromEnv(getenv func(string) string) Config {
	cfg := Config{}
	for id, info := range registry {
		url := getenv("WS_RPC_URL_" + info.envSuffix)
		if url == "" {
			continue
		}
		cfg[info.name] = NetworkConfig{ID: id, WSURL: url}
	}
	return cfg
}

func (c Config) GetByID(id ID) (NetworkConfig, bool) {
	for _, v := range c {
		if v.ID == id {
			return v, true
		}
	}
	return NetworkConfig{}, false
}

// Enabled returns the chain ids with a usable endpoint, ascending.
func (c Config) Enabled() []ID {
	ids := make([]ID, 0, len(c))
	for _, v := range c {
		if !v.Disabled && v.WSURL != "" {
			ids = append(ids, v.ID)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}
