// package chains is the network registry: it resolves a short alias
// (e.g. "base-sepolia") to the full per-chain configuration the escrow
// adapter needs. Loaded once at startup from the environment; immutable
// afterwards.
package chains

import (
	"crypto/ecdsa"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"
)

// NetworkConfig is the static configuration for one chain alias.
type NetworkConfig struct {
	Alias         string
	ChainID       uint64
	RPCURL        string
	EscrowAddress string
	TokenAddress  string
	TokenSymbol   string
	TokenDecimals uint8
	// SupportsEIP1559 controls write pricing: chains without EIP-1559 fee
	// markets get an explicit legacy gas price instead of tip/cap defaults.
	SupportsEIP1559 bool

	// ownerKey signs custodial writes (resolve, refund, fee withdrawal).
	// Optional per alias; only required once such a write is attempted.
	ownerKey *ecdsa.PrivateKey
}

// OwnerKey returns the custodial signing key for this alias, or an error
// if none was configured.
func (c *NetworkConfig) OwnerKey() (*ecdsa.PrivateKey, error) {
	if c.ownerKey == nil {
		return nil, fmt.Errorf("network %q has no owner wallet configured — set NETWORK_%s_OWNER_PRIVATE_KEY to enable custodial operations", c.Alias, envAlias(c.Alias))
	}
	return c.ownerKey, nil
}

// OwnerAddress returns the address of the custodial signing key.
func (c *NetworkConfig) OwnerAddress() (string, error) {
	key, err := c.OwnerKey()
	if err != nil {
		return "", err
	}
	return ethcrypto.PubkeyToAddress(key.PublicKey).Hex(), nil
}

// Registry holds every enabled network, keyed by alias.
type Registry struct {
	networks map[string]*NetworkConfig
	aliases  []string // sorted, for error messages
}

// Load reads the registry from the environment. NETWORKS is a comma list of
// aliases; each alias has NETWORK_<ALIAS>_* variables (dashes become
// underscores, uppercased). Fails on the first alias missing a required
// field so a half-configured process never serves traffic.
func Load() (*Registry, error) {
	raw := os.Getenv("NETWORKS")
	if raw == "" {
		return nil, fmt.Errorf("NETWORKS environment variable not set (comma-separated list of chain aliases)")
	}

	reg := &Registry{networks: map[string]*NetworkConfig{}}
	for _, alias := range strings.Split(raw, ",") {
		alias = strings.TrimSpace(strings.ToLower(alias))
		if alias == "" {
			continue
		}
		if _, dup := reg.networks[alias]; dup {
			return nil, fmt.Errorf("network alias %q listed twice in NETWORKS", alias)
		}

		cfg, err := loadNetwork(alias)
		if err != nil {
			return nil, err
		}
		reg.networks[alias] = cfg
		reg.aliases = append(reg.aliases, alias)
	}

	if len(reg.networks) == 0 {
		return nil, fmt.Errorf("NETWORKS resolved to zero enabled aliases")
	}
	sort.Strings(reg.aliases)
	return reg, nil
}

func loadNetwork(alias string) (*NetworkConfig, error) {
	prefix := "NETWORK_" + envAlias(alias) + "_"
	get := func(key string) string { return strings.TrimSpace(os.Getenv(prefix + key)) }

	cfg := &NetworkConfig{
		Alias:         alias,
		RPCURL:        get("RPC_URL"),
		EscrowAddress: get("ESCROW_ADDRESS"),
		TokenAddress:  get("TOKEN_ADDRESS"),
		TokenSymbol:   get("TOKEN_SYMBOL"),
	}

	if cfg.RPCURL == "" {
		return nil, fmt.Errorf("network %q: %sRPC_URL is required", alias, prefix)
	}
	if cfg.EscrowAddress == "" {
		return nil, fmt.Errorf("network %q: %sESCROW_ADDRESS is required", alias, prefix)
	}

	chainID, err := strconv.ParseUint(get("CHAIN_ID"), 10, 64)
	if err != nil || chainID == 0 {
		return nil, fmt.Errorf("network %q: %sCHAIN_ID must be a positive integer", alias, prefix)
	}
	cfg.ChainID = chainID

	decimals, err := strconv.ParseUint(get("TOKEN_DECIMALS"), 10, 8)
	if err != nil {
		return nil, fmt.Errorf("network %q: %sTOKEN_DECIMALS must be an integer 0-255", alias, prefix)
	}
	cfg.TokenDecimals = uint8(decimals)

	cfg.SupportsEIP1559 = strings.EqualFold(get("SUPPORTS_EIP1559"), "true")

	if pk := get("OWNER_PRIVATE_KEY"); pk != "" {
		key, err := ethcrypto.HexToECDSA(strings.TrimPrefix(pk, "0x"))
		if err != nil {
			return nil, fmt.Errorf("network %q: %sOWNER_PRIVATE_KEY is not a valid secp256k1 hex key: %w", alias, prefix, err)
		}
		cfg.ownerKey = key
	}

	return cfg, nil
}

// Resolve returns the configuration for alias. Unknown aliases get an
// explicit error enumerating the valid ones, since aliases arrive from
// request bodies and cookies and the message is user-facing.
func (r *Registry) Resolve(alias string) (*NetworkConfig, error) {
	cfg, ok := r.networks[strings.ToLower(strings.TrimSpace(alias))]
	if !ok {
		return nil, fmt.Errorf("invalid network alias %q (valid: %s)", alias, strings.Join(r.aliases, ", "))
	}
	return cfg, nil
}

// Aliases returns every enabled alias, sorted.
func (r *Registry) Aliases() []string {
	out := make([]string, len(r.aliases))
	copy(out, r.aliases)
	return out
}

func envAlias(alias string) string {
	return strings.ToUpper(strings.ReplaceAll(alias, "-", "_"))
}

// WithOwnerKey returns a copy of the config with the custodial signing key
// set. Test helper only.
func (c *NetworkConfig) WithOwnerKey(key *ecdsa.PrivateKey) *NetworkConfig {
	out := *c
	out.ownerKey = key
	return &out
}

// NewRegistryForTest builds a registry directly from configs, bypassing the
// environment. Test helper only.
func NewRegistryForTest(cfgs ...*NetworkConfig) *Registry {
	reg := &Registry{networks: map[string]*NetworkConfig{}}
	for _, c := range cfgs {
		reg.networks[c.Alias] = c
		reg.aliases = append(reg.aliases, c.Alias)
	}
	sort.Strings(reg.aliases)
	return reg
}
