package evm

import (
	"context"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/crypto"

	"github.com/niklabh/x402-go"
	"github.com/niklabh/x402-go/schemes/exactevm"
)

// Signer implements the x402.Signer interface for EVM-compatible chains.
// Signing itself is delegated to the exact scheme; the Signer contributes
// key custody, token configuration and spending policy.
type Signer struct {
	identity  *KeyIdentity
	network   string
	scheme    *exactevm.Scheme
	tokens    []x402.TokenConfig
	priority  int
	maxAmount *big.Int
}

// SignerOption configures a Signer.
type SignerOption func(*Signer) error

// NewSigner creates a new EVM signer with the given options. A private key
// (WithPrivateKey, WithKeystore or WithMnemonic), a network and at least one
// token are required.
func NewSigner(opts ...SignerOption) (*Signer, error) {
	s := &Signer{
		priority: 0,
	}

	for _, opt := range opts {
		if err := opt(s); err != nil {
			return nil, err
		}
	}

	if s.identity == nil {
		return nil, x402.ErrInvalidKey
	}
	if s.network == "" {
		return nil, x402.ErrInvalidNetwork
	}
	if len(s.tokens) == 0 {
		return nil, x402.ErrNoTokens
	}

	scheme, err := exactevm.New(s.network)
	if err != nil {
		return nil, err
	}
	s.scheme = scheme
	s.network = scheme.Network()

	return s, nil
}

// WithPrivateKey sets the private key from a hex string.
func WithPrivateKey(hexKey string) SignerOption {
	return func(s *Signer) error {
		hexKey = strings.TrimPrefix(hexKey, "0x")

		privateKey, err := crypto.HexToECDSA(hexKey)
		if err != nil {
			return x402.ErrInvalidKey
		}

		identity, err := NewKeyIdentity(privateKey)
		if err != nil {
			return err
		}
		s.identity = identity
		return nil
	}
}

// WithNetwork sets the blockchain network.
func WithNetwork(network string) SignerOption {
	return func(s *Signer) error {
		s.network = network
		return nil
	}
}

// WithToken adds a token configuration.
func WithToken(address, symbol string, decimals int) SignerOption {
	return func(s *Signer) error {
		s.tokens = append(s.tokens, x402.TokenConfig{
			Address:  address,
			Symbol:   symbol,
			Decimals: decimals,
			Priority: 0,
		})
		return nil
	}
}

// WithTokenPriority adds a token configuration with a priority.
func WithTokenPriority(address, symbol string, decimals, priority int) SignerOption {
	return func(s *Signer) error {
		s.tokens = append(s.tokens, x402.TokenConfig{
			Address:  address,
			Symbol:   symbol,
			Decimals: decimals,
			Priority: priority,
		})
		return nil
	}
}

// WithPriority sets the signer priority.
func WithPriority(priority int) SignerOption {
	return func(s *Signer) error {
		s.priority = priority
		return nil
	}
}

// WithMaxAmountPerCall sets the maximum amount per payment call, in atomic
// units of the configured token.
func WithMaxAmountPerCall(amount string) SignerOption {
	return func(s *Signer) error {
		maxAmount, ok := new(big.Int).SetString(amount, 10)
		if !ok {
			return x402.ErrInvalidAmount
		}
		s.maxAmount = maxAmount
		return nil
	}
}

// Network implements x402.Signer.
func (s *Signer) Network() string {
	return s.network
}

// Scheme implements x402.Signer.
func (s *Signer) Scheme() string {
	return exactevm.SchemeName
}

// CanSign implements x402.Signer.
func (s *Signer) CanSign(requirements *x402.PaymentRequirement) bool {
	if x402.CanonicalNetwork(requirements.Network) != s.network {
		return false
	}
	if requirements.Scheme != exactevm.SchemeName {
		return false
	}

	for _, token := range s.tokens {
		if strings.EqualFold(token.Address, requirements.Asset) {
			return true
		}
	}

	return false
}

// Sign implements x402.Signer.
func (s *Signer) Sign(requirements *x402.PaymentRequirement) (*x402.PaymentPayload, error) {
	if !s.CanSign(requirements) {
		return nil, x402.ErrNoValidSigner
	}

	amount := new(big.Int)
	if _, ok := amount.SetString(requirements.MaxAmountRequired, 10); !ok {
		return nil, x402.ErrInvalidAmount
	}

	if s.maxAmount != nil && amount.Cmp(s.maxAmount) > 0 {
		return nil, x402.ErrAmountExceeded
	}

	return s.scheme.Build(context.Background(), requirements, s.identity)
}

// GetPriority implements x402.Signer.
func (s *Signer) GetPriority() int {
	return s.priority
}

// GetTokens implements x402.Signer.
func (s *Signer) GetTokens() []x402.TokenConfig {
	return s.tokens
}

// GetMaxAmount implements x402.Signer.
func (s *Signer) GetMaxAmount() *big.Int {
	return s.maxAmount
}

// Address returns the signer's Ethereum address.
func (s *Signer) Address() string {
	return s.identity.Address()
}

// Identity exposes the underlying signing identity for direct use with a
// payment scheme.
func (s *Signer) Identity() *KeyIdentity {
	return s.identity
}
