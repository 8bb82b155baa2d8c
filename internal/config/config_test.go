package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDiscoverChainEnvGroupsByChain(t *testing.T) {
	chains := DiscoverChainEnv([]string{
		"BASE_RPC_URL=https://rpc-a.example, https://rpc-b.example",
		"BASE_WS_URL=wss://ws-a.example",
		"BASE_LIQUIDATOR=0xAbCd000000000000000000000000000000000000",
		"BSC_RPC_URL=https://bsc.example",
		"PATH=/usr/bin",
	})

	require.Len(t, chains, 2)
	require.Equal(t, []string{"https://rpc-a.example", "https://rpc-b.example"}, chains["base"].RPCURLs)
	require.Equal(t, []string{"wss://ws-a.example"}, chains["base"].WSURLs)
	require.Equal(t, "0xAbCd000000000000000000000000000000000000", chains["base"].Liquidator)
	require.Empty(t, chains["bsc"].WSURLs)
}

func TestDiscoverChainEnvRequiresRPCURL(t *testing.T) {
	chains := DiscoverChainEnv([]string{
		"BASE_WS_URL=wss://ws.example",
		"BASE_LIQUIDATOR=0xAbCd000000000000000000000000000000000000",
	})
	require.Empty(t, chains, "a chain without RPC endpoints is not enabled")
}

func TestValidatePrivateKey(t *testing.T) {
	valid := "ac0974bec39a17e36ba4a6b4d238ff944bacb478cbed5efcae784d7bf4f2ff80"

	require.NoError(t, validatePrivateKey(valid))
	require.NoError(t, validatePrivateKey("0x"+valid))
	require.NoError(t, validatePrivateKey("  "+valid+"  "))
	require.Error(t, validatePrivateKey(valid[:40]))
	require.Error(t, validatePrivateKey("zz"+valid[2:]))
	require.Error(t, validatePrivateKey(""))
}

func TestLoadChainConstantsNormalizesNames(t *testing.T) {
	path := filepath.Join(t.TempDir(), "chains.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
Base:
  chain_id: 8453
  gas_limit: 1500000
  native_price_fallback: 3000
  aave_pool: "0xA238Dd80C259a72e81d7e4664a9801593F98d1c5"
  price_feeds:
    weth: "0x71041dddad3595F9CEd3DcCFBe3D1F4b0a16Bb70"
  stablecoins:
    - "0x833589fCD6eDb6E08f4c7C32D4f71b54bdA02913"
`), 0o644))

	constants, err := LoadChainConstants(path)
	require.NoError(t, err)

	base, ok := constants["base"]
	require.True(t, ok, "chain names are lowercased on load")
	require.Equal(t, int64(8453), base.ChainID)
	require.Equal(t, uint64(1_500_000), base.GasLimit)
	require.Len(t, base.PriceFeeds, 1)
	require.Len(t, base.Stablecoins, 1)
}

func TestLoadChainConstantsMissingFileIsError(t *testing.T) {
	_, err := LoadChainConstants(filepath.Join(t.TempDir(), "absent.yaml"))
	require.Error(t, err)
}
