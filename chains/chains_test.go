package chains

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSupported(t *testing.T) {
	assert.True(t, Ethereum.Supported())
	assert.True(t, Polygon.Supported())
	assert.False(t, ID(99999).Supported())
}

func TestFinalityMargins(t *testing.T) {
	assert.Equal(t, uint64(64), Ethereum.FinalityMargin())
	assert.Equal(t, uint64(64), Arbitrum.FinalityMargin())
	assert.Equal(t, uint64(64), Base.FinalityMargin())
	assert.Equal(t, uint64(64), BSC.FinalityMargin())
	assert.Equal(t, uint64(128), Polygon.FinalityMargin())
	assert.Equal(t, uint64(64), Optimism.FinalityMargin())
}

func TestConfigFromEnv(t *testing.T) {
	env := map[string]string{
		"WS_RPC_URL_ETHEREUM": "wss://eth.example/ws",
		"WS_RPC_URL_BASE":     "wss://base.example/ws",
	}
	cfg := ConfigFromEnv(func(k string) string { return env[k] })

	require.Len(t, cfg, 2)

	eth, ok := cfg.GetByID(Ethereum)
	require.True(t, ok)
	assert.Equal(t, "wss://eth.example/ws", eth.WSURL)

	_, ok = cfg.GetByID(Polygon)
	assert.False(t, ok)

	assert.Equal(t, []ID{Ethereum, Base}, cfg.Enabled())
}

func TestFindByName(t *testing.T) {
	id, ok := FindByName("arbitrum")
	require.True(t, ok)
	assert.Equal(t, Arbitrum, id)

	_, ok = FindByName("solana")
	assert.False(t, ok)
}
