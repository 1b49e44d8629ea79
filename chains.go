// Package x402 implements the x402 payment protocol: an HTTP 402 handshake in
// which a client pays for a resource with a signed, time-bounded transfer
// authorization that a facilitator verifies and settles on-chain.
//
// The root package holds the protocol wire types, the error taxonomy and the
// chain registry. Subpackages provide the scheme engine (schemes), the exact
// EVM scheme (schemes/exactevm), the nonce ledger (nonce), client signing
// (evm), the facilitator (facilitator) and HTTP integration (http).
package x402

import (
	"fmt"
	"math"
	"math/big"
	"strconv"
)

// NetworkType represents the blockchain virtual machine type.
type NetworkType int

const (
	// NetworkTypeUnknown represents an unrecognized network.
	NetworkTypeUnknown NetworkType = iota
	// NetworkTypeEVM represents Ethereum Virtual Machine chains.
	NetworkTypeEVM
)

// ChainConfig contains chain-specific configuration for supported networks.
type ChainConfig struct {
	// NetworkID is the x402 protocol network identifier (e.g., "base").
	NetworkID string

	// ChainID is the EVM chain identifier used in EIP-712 domain binding.
	ChainID int64

	// USDCAddress is the official Circle USDC contract address.
	USDCAddress string

	// Decimals is the number of decimal places for USDC (always 6).
	Decimals uint8

	// EIP3009Name is the EIP-712 domain parameter "name".
	EIP3009Name string

	// EIP3009Version is the EIP-712 domain parameter "version".
	EIP3009Version string
}

// Mainnet chain configurations.
var (
	// BaseMainnet is the configuration for Base mainnet.
	BaseMainnet = ChainConfig{
		NetworkID:      "base",
		ChainID:        8453,
		USDCAddress:    "0x833589fCD6eDb6E08f4c7C32D4f71b54bdA02913",
		Decimals:       6,
		EIP3009Name:    "USD Coin",
		EIP3009Version: "2",
	}

	// EthereumMainnet is the configuration for Ethereum mainnet.
	EthereumMainnet = ChainConfig{
		NetworkID:      "ethereum",
		ChainID:        1,
		USDCAddress:    "0xA0b86991c6218b36c1d19D4a2e9Eb0cE3606eB48",
		Decimals:       6,
		EIP3009Name:    "USD Coin",
		EIP3009Version: "2",
	}

	// PolygonMainnet is the configuration for Polygon PoS mainnet.
	PolygonMainnet = ChainConfig{
		NetworkID:      "polygon",
		ChainID:        137,
		USDCAddress:    "0x3c499c542cEF5E3811e1192ce70d8cC03d5c3359",
		Decimals:       6,
		EIP3009Name:    "USD Coin",
		EIP3009Version: "2",
	}

	// AvalancheMainnet is the configuration for Avalanche C-Chain mainnet.
	AvalancheMainnet = ChainConfig{
		NetworkID:      "avalanche",
		ChainID:        43114,
		USDCAddress:    "0xB97EF9Ef8734C71904D8002F8b6Bc66Dd9c48a6E",
		Decimals:       6,
		EIP3009Name:    "USD Coin",
		EIP3009Version: "2",
	}
)

// Testnet chain configurations.
var (
	// BaseSepolia is the configuration for Base Sepolia testnet.
	BaseSepolia = ChainConfig{
		NetworkID:      "base-sepolia",
		ChainID:        84532,
		USDCAddress:    "0x036CbD53842c5426634e7929541eC2318f3dCF7e",
		Decimals:       6,
		EIP3009Name:    "USDC",
		EIP3009Version: "2",
	}

	// Sepolia is the configuration for Ethereum Sepolia testnet.
	Sepolia = ChainConfig{
		NetworkID:      "sepolia",
		ChainID:        11155111,
		USDCAddress:    "0x1c7D4B196Cb0C7B01d743Fbc6116a902379C7238",
		Decimals:       6,
		EIP3009Name:    "USDC",
		EIP3009Version: "2",
	}
)

// chains indexes all known chain configurations by network identifier.
var chains = map[string]ChainConfig{
	BaseMainnet.NetworkID:      BaseMainnet,
	EthereumMainnet.NetworkID:  EthereumMainnet,
	PolygonMainnet.NetworkID:   PolygonMainnet,
	AvalancheMainnet.NetworkID: AvalancheMainnet,
	BaseSepolia.NetworkID:      BaseSepolia,
	Sepolia.NetworkID:          Sepolia,
}

// ChainByNetwork returns the chain configuration for a network identifier.
// Numeric chain IDs (e.g., "8453") are accepted as aliases for the canonical
// network name.
func ChainByNetwork(network string) (ChainConfig, bool) {
	if c, ok := chains[network]; ok {
		return c, true
	}
	if id, err := strconv.ParseInt(network, 10, 64); err == nil {
		for _, c := range chains {
			if c.ChainID == id {
				return c, true
			}
		}
	}
	return ChainConfig{}, false
}

// CanonicalNetwork resolves numeric chain ID aliases to the canonical network
// name. Unknown identifiers are returned unchanged.
func CanonicalNetwork(network string) string {
	if c, ok := ChainByNetwork(network); ok {
		return c.NetworkID
	}
	return network
}

// ChainID returns the EVM chain ID for the given network, or 0 if unknown.
func ChainID(network string) *big.Int {
	if c, ok := ChainByNetwork(network); ok {
		return big.NewInt(c.ChainID)
	}
	return big.NewInt(0)
}

// ValidateNetwork checks that a network identifier is known and returns its
// virtual machine type.
func ValidateNetwork(network string) (NetworkType, error) {
	if _, ok := ChainByNetwork(network); ok {
		return NetworkTypeEVM, nil
	}
	return NetworkTypeUnknown, fmt.Errorf("%w: %s", ErrInvalidNetwork, network)
}

// USDCRequirementConfig is the configuration for creating a USDC
// PaymentRequirement. This is a convenience helper for USDC payments; for
// other tokens, construct PaymentRequirement directly.
type USDCRequirementConfig struct {
	// Chain is the chain configuration with USDC details (required).
	Chain ChainConfig

	// Amount is the human-readable USDC amount (e.g., "1.5" = 1.5 USDC).
	Amount string

	// RecipientAddress is the payment recipient address (required).
	RecipientAddress string

	// Scheme is the payment scheme (optional, defaults to "exact").
	Scheme string

	// MaxTimeoutSeconds is the maximum payment timeout (optional, defaults to 300).
	MaxTimeoutSeconds int

	// MimeType is the response MIME type (optional, defaults to "application/json").
	MimeType string
}

// NewUSDCRequirement creates a PaymentRequirement for a USDC payment on the
// configured chain, converting the human-readable amount to atomic units.
func NewUSDCRequirement(cfg USDCRequirementConfig) (PaymentRequirement, error) {
	if cfg.Chain.NetworkID == "" {
		return PaymentRequirement{}, fmt.Errorf("%w: chain config required", ErrInvalidRequirements)
	}
	if cfg.RecipientAddress == "" {
		return PaymentRequirement{}, fmt.Errorf("%w: recipient address required", ErrInvalidRequirements)
	}

	amount, err := AmountToBigInt(cfg.Amount, int(cfg.Chain.Decimals))
	if err != nil {
		return PaymentRequirement{}, fmt.Errorf("%w: %q", ErrInvalidAmount, cfg.Amount)
	}
	if amount.Sign() < 0 {
		return PaymentRequirement{}, fmt.Errorf("%w: negative amount %q", ErrInvalidAmount, cfg.Amount)
	}

	scheme := cfg.Scheme
	if scheme == "" {
		scheme = "exact"
	}
	timeout := cfg.MaxTimeoutSeconds
	if timeout == 0 {
		timeout = 300
	}
	if timeout < 0 || timeout > math.MaxInt32 {
		return PaymentRequirement{}, fmt.Errorf("%w: timeout %d out of range", ErrInvalidRequirements, timeout)
	}
	mimeType := cfg.MimeType
	if mimeType == "" {
		mimeType = "application/json"
	}

	return PaymentRequirement{
		Scheme:            scheme,
		Network:           cfg.Chain.NetworkID,
		MaxAmountRequired: amount.String(),
		Asset:             cfg.Chain.USDCAddress,
		PayTo:             cfg.RecipientAddress,
		MimeType:          mimeType,
		MaxTimeoutSeconds: timeout,
		Extra: map[string]interface{}{
			"name":    cfg.Chain.EIP3009Name,
			"version": cfg.Chain.EIP3009Version,
		},
	}, nil
}
