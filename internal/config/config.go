package config

import (
	"fmt"
	"os"
	"regexp"
	"sort"
	"strings"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"
)

// EnvConfig is the flat environment-variable surface, parsed with envconfig.
// Per-chain keys (<CHAIN>_RPC_URL, <CHAIN>_WS_URL, <CHAIN>_LIQUIDATOR) are not
// representable as static struct fields and are resolved separately by
// scanning os.Environ, the way payoutd and oracle-attesterd resolve their
// per-asset keys.
type EnvConfig struct {
	PrivateKey      string  `envconfig:"PRIVATE_KEY" required:"true"`
	DryRun          bool    `envconfig:"DRY_RUN" default:"false"`
	MinProfitUSD    float64 `envconfig:"MIN_PROFIT_USD" default:"5"`
	MevThresholdUSD float64 `envconfig:"MEV_THRESHOLD_USD" default:"500"`
	PriceCacheMS    int     `envconfig:"PRICE_CACHE_MS" default:"10000"`
	HealthPort      int     `envconfig:"HEALTH_PORT" default:"3847"`
	DiscordWebhook  string  `envconfig:"DISCORD_WEBHOOK" default:""`
	OneInchAPIKey   string  `envconfig:"ONEINCH_API_KEY" default:""`
}

// ChainEnv is the per-chain slice of the environment surface, discovered by
// prefix rather than declared statically.
type ChainEnv struct {
	Name       string
	RPCURLs    []string
	WSURLs     []string
	Liquidator string
}

var chainKeyPattern = regexp.MustCompile(`^([A-Z0-9_]+)_(RPC_URL|WS_URL|LIQUIDATOR)$`)

// DiscoverChainEnv scans the process environment for <CHAIN>_RPC_URL,
// <CHAIN>_WS_URL and <CHAIN>_LIQUIDATOR keys and groups them by chain name.
// A chain is only considered enabled once <CHAIN>_RPC_URL is present, per
// spec.md's "presence enables the chain" rule.
func DiscoverChainEnv(environ []string) map[string]*ChainEnv {
	chains := map[string]*ChainEnv{}
	for _, kv := range environ {
		key, value, ok := strings.Cut(kv, "=")
		if !ok {
			continue
		}
		match := chainKeyPattern.FindStringSubmatch(key)
		if match == nil {
			continue
		}
		name := strings.ToLower(match[1])
		chain := chains[name]
		if chain == nil {
			chain = &ChainEnv{Name: name}
			chains[name] = chain
		}
		switch match[2] {
		case "RPC_URL":
			chain.RPCURLs = splitAndTrim(value)
		case "WS_URL":
			chain.WSURLs = splitAndTrim(value)
		case "LIQUIDATOR":
			chain.Liquidator = strings.TrimSpace(value)
		}
	}
	for name, chain := range chains {
		if len(chain.RPCURLs) == 0 {
			delete(chains, name)
		}
	}
	return chains
}

func splitAndTrim(raw string) []string {
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

// ChainConstants captures the chain-specific addresses and constants that
// spec.md says are "baked into configuration" rather than read from the
// environment: pool/comet/comptroller addresses, chain-id, gas limit and the
// native-token price fallback used when no live feed covers the gas token.
type ChainConstants struct {
	ChainID          int64             `yaml:"chain_id"`
	GasLimit         uint64            `yaml:"gas_limit"`
	NativePriceUSD   float64           `yaml:"native_price_fallback"`
	AavePool         string            `yaml:"aave_pool"`
	AaveDataProvider string            `yaml:"aave_data_provider"`
	CompoundComets   map[string]string `yaml:"compound_comets"`
	VenusComptroller string            `yaml:"venus_comptroller"`

	// PriceFeeds maps a token symbol to its streaming oracle aggregator
	// address, consumed by the price feed subscriber.
	PriceFeeds map[string]string `yaml:"price_feeds"`
	// PrivateRelay, when set, receives submissions whose debt clears the
	// MEV threshold.
	PrivateRelay string `yaml:"private_relay"`
	// UniswapQuoter is the chain's concentrated-liquidity quoter contract.
	UniswapQuoter string `yaml:"uniswap_quoter"`
	// WrappedNative and Stablecoins seed the two-hop intermediate token
	// list for on-chain quoting.
	WrappedNative string   `yaml:"wrapped_native"`
	Stablecoins   []string `yaml:"stablecoins"`
}

// LoadChainConstants reads and decodes the chain-constants YAML file: a
// document mapping chain name (any case) to its constants, matching the
// registry document's own "chain name -> records" shape in internal/registry.
func LoadChainConstants(path string) (map[string]ChainConstants, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open chain constants: %w", err)
	}
	defer file.Close()

	raw := map[string]ChainConstants{}
	dec := yaml.NewDecoder(file)
	if err := dec.Decode(&raw); err != nil {
		return nil, fmt.Errorf("decode chain constants: %w", err)
	}
	normalised := make(map[string]ChainConstants, len(raw))
	for name, constants := range raw {
		normalised[strings.ToLower(strings.TrimSpace(name))] = constants
	}
	return normalised, nil
}

// Config is the fully resolved configuration consumed by cmd/liquidatord:
// the flat env surface, the discovered per-chain endpoints, and the loaded
// chain constants, merged by chain name.
type Config struct {
	Env    EnvConfig
	Chains map[string]ChainRuntime
}

// ChainRuntime merges a chain's environment-discovered endpoints with its
// YAML constants into the single view every component depends on.
type ChainRuntime struct {
	Name       string
	RPCURLs    []string
	WSURLs     []string
	Liquidator string
	Constants  ChainConstants
}

// Load resolves the full configuration: envconfig for the flat surface,
// environment scanning for the per-chain endpoints, and a YAML file for the
// chain constants. A private key that fails to parse, or a chain enabled in
// the environment with no matching constants entry, is fatal per spec.md §7.
func Load(chainsPath string) (*Config, error) {
	var env EnvConfig
	if err := envconfig.Process("", &env); err != nil {
		return nil, fmt.Errorf("load environment config: %w", err)
	}
	if err := validatePrivateKey(env.PrivateKey); err != nil {
		return nil, err
	}

	constants, err := LoadChainConstants(chainsPath)
	if err != nil {
		return nil, err
	}

	chainEnv := DiscoverChainEnv(os.Environ())
	if len(chainEnv) == 0 {
		return nil, fmt.Errorf("no chain enabled: no <CHAIN>_RPC_URL variables set")
	}

	chains := make(map[string]ChainRuntime, len(chainEnv))
	names := make([]string, 0, len(chainEnv))
	for name := range chainEnv {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		discovered := chainEnv[name]
		constant, ok := constants[name]
		if !ok {
			return nil, fmt.Errorf("chain %q enabled via environment but missing from chain constants file", name)
		}
		chains[name] = ChainRuntime{
			Name:       name,
			RPCURLs:    discovered.RPCURLs,
			WSURLs:     discovered.WSURLs,
			Liquidator: strings.ToLower(discovered.Liquidator),
			Constants:  constant,
		}
	}

	return &Config{Env: env, Chains: chains}, nil
}

func validatePrivateKey(key string) error {
	trimmed := strings.TrimPrefix(strings.TrimSpace(key), "0x")
	if len(trimmed) != 64 {
		return fmt.Errorf("PRIVATE_KEY must be 64 hex characters (optionally 0x-prefixed)")
	}
	for _, r := range trimmed {
		if !isHexDigit(r) {
			return fmt.Errorf("PRIVATE_KEY must be hex encoded")
		}
	}
	return nil
}

func isHexDigit(r rune) bool {
	return (r >= '0' && r <= '9') || (r >= 'a' && r <= 'f') || (r >= 'A' && r <= 'F')
}
