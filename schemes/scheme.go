// Package schemes defines the payment scheme engine: the capability interface
// every settlement mechanism implements, and the registry that resolves a
// (scheme, network) pair to a concrete implementation. Adding a scheme means
// implementing Scheme and registering it; nothing else changes.
package schemes

import (
	"context"
	"sync"

	"github.com/niklabh/x402-go"
)

// Identity is a signing-capable account used by Build. It is deliberately
// narrow so schemes never see key material directly.
type Identity interface {
	// Address returns the account address in its network's canonical format.
	Address() string

	// SignDigest signs a 32-byte digest and returns the raw signature bytes.
	SignDigest(digest []byte) ([]byte, error)
}

// Scheme is one settlement mechanism bound to one network. Build runs on the
// client, Verify and Settle on the facilitator. Verify is idempotent and
// side-effect free; Settle mutates chain state and the nonce ledger and is
// effectively-once per authorization nonce.
type Scheme interface {
	// Scheme returns the scheme identifier (e.g., "exact").
	Scheme() string

	// Network returns the network this instance is bound to.
	Network() string

	// Build constructs and signs a payment payload satisfying the requirement.
	Build(ctx context.Context, req *x402.PaymentRequirement, identity Identity) (*x402.PaymentPayload, error)

	// Verify checks a payment payload against a requirement without touching
	// chain state or mutating the nonce ledger. Business-rule failures are
	// reported in the response, never as an error; errors are reserved for
	// infrastructure faults.
	Verify(ctx context.Context, payment *x402.PaymentPayload, req *x402.PaymentRequirement) (*x402.VerifyResponse, error)

	// Settle re-validates the payload and executes the transfer on-chain.
	// A second settle with the same nonce reports nonce_already_used and
	// submits nothing.
	Settle(ctx context.Context, payment *x402.PaymentPayload, req *x402.PaymentRequirement) (*x402.SettlementResponse, error)
}

// registryKey identifies a registered scheme.
type registryKey struct {
	scheme  string
	network string
}

// Registry resolves (scheme, network) pairs to Scheme implementations.
// Safe for concurrent use; registration normally happens once at startup.
type Registry struct {
	mu      sync.RWMutex
	schemes map[registryKey]Scheme
	order   []registryKey
}

// NewRegistry creates an empty scheme registry.
func NewRegistry() *Registry {
	return &Registry{schemes: make(map[registryKey]Scheme)}
}

// Register adds a scheme. Registering the same (scheme, network) pair again
// replaces the previous entry.
func (r *Registry) Register(s Scheme) {
	key := registryKey{scheme: s.Scheme(), network: s.Network()}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.schemes[key]; !exists {
		r.order = append(r.order, key)
	}
	r.schemes[key] = s
}

// Resolve returns the scheme registered for the pair, or
// x402.ErrUnsupportedCombination. Numeric chain ID aliases resolve to their
// canonical network name.
func (r *Registry) Resolve(scheme, network string) (Scheme, error) {
	network = x402.CanonicalNetwork(network)
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.schemes[registryKey{scheme: scheme, network: network}]
	if !ok {
		return nil, x402.NewPaymentError(x402.ErrCodeUnsupportedScheme, "no scheme registered", x402.ErrUnsupportedCombination).
			WithDetails("scheme", scheme).
			WithDetails("network", network)
	}
	return s, nil
}

// Supported lists the registered (scheme, network) pairs in registration
// order, as advertised by a facilitator's /supported endpoint.
func (r *Registry) Supported() []x402.SupportedKind {
	r.mu.RLock()
	defer r.mu.RUnlock()
	kinds := make([]x402.SupportedKind, 0, len(r.order))
	for _, key := range r.order {
		kind := x402.SupportedKind{
			X402Version: x402.X402Version,
			Scheme:      key.scheme,
			Network:     key.network,
		}
		if c, ok := x402.ChainByNetwork(key.network); ok {
			kind.Extra = map[string]interface{}{
				"name":    c.EIP3009Name,
				"version": c.EIP3009Version,
			}
		}
		kinds = append(kinds, kind)
	}
	return kinds
}
