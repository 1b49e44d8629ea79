package x402

import "math/big"

// X402Version is the protocol version implemented by this module.
const X402Version = 1

// PaymentRequirement describes one acceptable way to pay for a resource fetch.
// A server may offer several requirements in a 402 response; the client picks
// the first one it can satisfy. Requirements are immutable once issued.
type PaymentRequirement struct {
	// Scheme is the payment scheme identifier (e.g., "exact").
	Scheme string `json:"scheme"`

	// Network is the blockchain network identifier (e.g., "base", "base-sepolia").
	Network string `json:"network"`

	// MaxAmountRequired is the payment amount in atomic units (e.g., wei),
	// represented as a decimal string to handle uint256 values.
	MaxAmountRequired string `json:"maxAmountRequired"`

	// Asset is the token contract address.
	Asset string `json:"asset"`

	// PayTo is the recipient address for the payment.
	PayTo string `json:"payTo"`

	// Resource is the URL of the protected resource.
	Resource string `json:"resource"`

	// Description is an optional human-readable payment description.
	Description string `json:"description,omitempty"`

	// MimeType is the content type of the protected resource.
	MimeType string `json:"mimeType,omitempty"`

	// MaxTimeoutSeconds bounds the validity window of a payment authorization.
	MaxTimeoutSeconds int `json:"maxTimeoutSeconds"`

	// Extra carries scheme-specific data. For the exact scheme on EVM chains
	// this holds the EIP-712 domain parameters {"name": ..., "version": ...}.
	Extra map[string]interface{} `json:"extra,omitempty"`
}

// PaymentRequirementsResponse is the complete 402 response body.
type PaymentRequirementsResponse struct {
	// X402Version is the protocol version (currently 1).
	X402Version int `json:"x402Version"`

	// Error is a human-readable error message.
	Error string `json:"error,omitempty"`

	// Accepts lists the payment options the server will accept.
	Accepts []PaymentRequirement `json:"accepts"`
}

// PaymentPayload is a signed payment transmitted in the X-PAYMENT header.
// The gatekeeper treats Payload as opaque; only the facilitator inspects it.
type PaymentPayload struct {
	// X402Version is the protocol version (currently 1).
	X402Version int `json:"x402Version"`

	// Scheme is the payment scheme identifier (e.g., "exact").
	Scheme string `json:"scheme"`

	// Network is the blockchain network identifier.
	Network string `json:"network"`

	// Payload contains the scheme-specific signed payment data.
	// For the exact scheme on EVM chains this is an ExactEVMPayload.
	Payload interface{} `json:"payload"`
}

// ExactEVMPayload is the exact-scheme payment body: an EIP-3009 transfer
// authorization plus the EIP-712 signature over it.
type ExactEVMPayload struct {
	// Signature is the hex-encoded 65-byte ECDSA signature (r || s || v).
	Signature string `json:"signature"`

	// Authorization holds the transferWithAuthorization parameters.
	Authorization EVMAuthorization `json:"authorization"`
}

// EVMAuthorization represents EIP-3009 transferWithAuthorization parameters:
// a time-bounded, nonce-scoped intent to transfer Value from From to To.
type EVMAuthorization struct {
	// From is the payer's address.
	From string `json:"from"`

	// To is the recipient's address.
	To string `json:"to"`

	// Value is the payment amount in atomic units as a decimal string.
	Value string `json:"value"`

	// ValidAfter is the unix timestamp after which the authorization is valid.
	ValidAfter string `json:"validAfter"`

	// ValidBefore is the unix timestamp before which the authorization is valid.
	ValidBefore string `json:"validBefore"`

	// Nonce is a unique 32-byte hex string preventing replay.
	Nonce string `json:"nonce"`
}

// VerifyResponse is the outcome of payment verification. Verification has no
// side effects: it never mutates the nonce ledger or chain state.
type VerifyResponse struct {
	// IsValid reports whether the payment passed all checks.
	IsValid bool `json:"isValid"`

	// InvalidReason identifies the first failed check (see Reason* constants).
	InvalidReason string `json:"invalidReason,omitempty"`

	// Payer is the recovered signer address, set when recovery succeeded.
	Payer string `json:"payer,omitempty"`
}

// SettlementResponse is the outcome of on-chain payment settlement.
type SettlementResponse struct {
	// Success indicates whether the payment was settled on-chain.
	Success bool `json:"success"`

	// ErrorReason identifies the failure (see Reason* constants).
	ErrorReason string `json:"errorReason,omitempty"`

	// Transaction is the blockchain transaction hash.
	Transaction string `json:"transaction,omitempty"`

	// Network is the blockchain network where the payment was settled.
	Network string `json:"network"`

	// Payer is the address that made the payment.
	Payer string `json:"payer,omitempty"`

	// Payee is the address that received the payment.
	Payee string `json:"payee,omitempty"`
}

// SupportedKind describes one (scheme, network) pair a facilitator can settle.
type SupportedKind struct {
	X402Version int                    `json:"x402Version"`
	Scheme      string                 `json:"scheme"`
	Network     string                 `json:"network"`
	Extra       map[string]interface{} `json:"extra,omitempty"`
}

// SupportedResponse lists all payment kinds supported by a facilitator.
type SupportedResponse struct {
	Kinds []SupportedKind `json:"kinds"`
}

// TokenConfig represents configuration for a supported token.
type TokenConfig struct {
	// Address is the token contract address.
	Address string

	// Symbol is the token symbol (e.g., "USDC").
	Symbol string

	// Decimals is the number of decimal places for the token.
	Decimals int

	// Priority is the token's priority level within the signer.
	// Lower numbers indicate higher priority (1 > 2 > 3). Default is 0.
	Priority int

	// Name is an optional human-readable token name.
	Name string
}

// FindMatchingRequirement returns the first requirement whose scheme and
// network match the payment. Amount, recipient and asset matching belong to
// verification, not to requirement selection.
func FindMatchingRequirement(payment PaymentPayload, requirements []PaymentRequirement) (*PaymentRequirement, error) {
	for i := range requirements {
		if requirements[i].Scheme == payment.Scheme && requirements[i].Network == payment.Network {
			return &requirements[i], nil
		}
	}
	return nil, ErrUnsupportedScheme
}

// AmountToBigInt converts a decimal amount string to *big.Int in atomic units.
// For example, "1.5" with 6 decimals becomes 1500000.
func AmountToBigInt(amount string, decimals int) (*big.Int, error) {
	value := new(big.Float)
	if _, ok := value.SetString(amount); !ok {
		return nil, ErrInvalidAmount
	}

	multiplier := new(big.Float).SetInt(new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(decimals)), nil))
	value.Mul(value, multiplier)

	result, accuracy := value.Int(nil)
	if accuracy != big.Exact {
		return nil, ErrInvalidAmount
	}
	return result, nil
}

// BigIntToAmount converts a *big.Int in atomic units to a decimal string.
// For example, 1500000 with 6 decimals becomes "1.5".
func BigIntToAmount(value *big.Int, decimals int) string {
	if value == nil {
		return "0"
	}

	f := new(big.Float).SetInt(value)
	divisor := new(big.Float).SetInt(new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(decimals)), nil))
	f.Quo(f, divisor)

	return f.Text('f', decimals)
}
