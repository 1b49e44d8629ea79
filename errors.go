package x402

import "errors"

// Sentinel errors for x402 payment operations.
var (
	// ErrPaymentRequired indicates that payment is required to access the resource.
	ErrPaymentRequired = errors.New("x402: payment required")

	// ErrPaymentRejected indicates the server rejected the payment on the retried
	// request. This is terminal for the payload: a fresh authorization is needed.
	ErrPaymentRejected = errors.New("x402: payment rejected")

	// ErrMalformedHeader indicates that the X-PAYMENT header is malformed.
	ErrMalformedHeader = errors.New("x402: malformed payment header")

	// ErrUnsupportedVersion indicates an unsupported x402 protocol version.
	ErrUnsupportedVersion = errors.New("x402: unsupported protocol version")

	// ErrUnsupportedScheme indicates an unsupported payment scheme.
	ErrUnsupportedScheme = errors.New("x402: unsupported payment scheme")

	// ErrUnsupportedCombination indicates a (scheme, network) pair no registered
	// scheme can handle.
	ErrUnsupportedCombination = errors.New("x402: unsupported scheme/network combination")

	// ErrInvalidSignature indicates an invalid cryptographic signature.
	ErrInvalidSignature = errors.New("x402: invalid signature")

	// ErrInvalidAuthorization indicates invalid payment authorization data.
	ErrInvalidAuthorization = errors.New("x402: invalid authorization")

	// ErrNonceAlreadyUsed indicates an authorization nonce was already settled.
	ErrNonceAlreadyUsed = errors.New("x402: nonce already used")

	// ErrNoValidSigner indicates no signer can satisfy the payment requirements.
	ErrNoValidSigner = errors.New("x402: no signer can satisfy payment requirements")

	// ErrAmountExceeded indicates the payment amount exceeds the per-call limit.
	ErrAmountExceeded = errors.New("x402: payment amount exceeds per-call limit")

	// ErrInvalidRequirements indicates the payment requirements are invalid.
	ErrInvalidRequirements = errors.New("x402: invalid payment requirements")

	// ErrSigningFailed indicates the payment signing operation failed.
	ErrSigningFailed = errors.New("x402: payment signing failed")

	// ErrInvalidAmount indicates an invalid amount string.
	ErrInvalidAmount = errors.New("x402: invalid amount")

	// ErrInvalidKey indicates an invalid private key.
	ErrInvalidKey = errors.New("x402: invalid private key")

	// ErrInvalidKeystore indicates an invalid or corrupted keystore file.
	ErrInvalidKeystore = errors.New("x402: invalid keystore file")

	// ErrInvalidMnemonic indicates an invalid BIP39 mnemonic phrase.
	ErrInvalidMnemonic = errors.New("x402: invalid mnemonic phrase")

	// ErrInvalidNetwork indicates an unsupported network.
	ErrInvalidNetwork = errors.New("x402: invalid or unsupported network")

	// ErrNoTokens indicates no tokens are configured for the signer.
	ErrNoTokens = errors.New("x402: no tokens configured")

	// ErrFacilitatorUnavailable indicates the facilitator service is unavailable.
	ErrFacilitatorUnavailable = errors.New("x402: facilitator service unavailable")

	// ErrVerificationFailed indicates payment verification failed.
	ErrVerificationFailed = errors.New("x402: payment verification failed")

	// ErrSettlementFailed indicates on-chain settlement failed.
	ErrSettlementFailed = errors.New("x402: payment settlement failed")

	// ErrSettlementTimeout indicates chain submission did not confirm in time.
	ErrSettlementTimeout = errors.New("x402: payment settlement timed out")
)

// Machine-readable reason strings used in VerifyResponse.InvalidReason and
// SettlementResponse.ErrorReason. Verification short-circuits on the first
// failed check, so a response carries at most one reason.
const (
	// ReasonUnsupportedCombination: no scheme registered for (scheme, network).
	ReasonUnsupportedCombination = "unsupported_combination"

	// ReasonMalformedPayload: the scheme-specific payload could not be decoded.
	ReasonMalformedPayload = "malformed_payload"

	// ReasonInvalidSignature: recovery failed or recovered address != payer.
	ReasonInvalidSignature = "invalid_signature"

	// ReasonNetworkMismatch: payload network != requirement network.
	ReasonNetworkMismatch = "network_mismatch"

	// ReasonAmountMismatch: authorization value != required amount. The exact
	// scheme rejects both over- and under-payment.
	ReasonAmountMismatch = "amount_mismatch"

	// ReasonRecipientMismatch: authorization payee != required recipient.
	ReasonRecipientMismatch = "recipient_mismatch"

	// ReasonExpired: current time is outside [validAfter, validBefore).
	ReasonExpired = "expired"

	// ReasonNonceAlreadyUsed: the (network, asset, payer, nonce) key is marked
	// used in the nonce ledger.
	ReasonNonceAlreadyUsed = "nonce_already_used"

	// ReasonInsufficientFunds: the payer's token balance is below the value.
	ReasonInsufficientFunds = "insufficient_funds"

	// ReasonSettlementFailed: chain submission reverted or was rejected.
	ReasonSettlementFailed = "settlement_failed"

	// ReasonSettlementTimeout: chain submission did not confirm before the
	// operation deadline.
	ReasonSettlementTimeout = "settlement_timeout"
)

// ErrorCode represents payment error codes for programmatic handling.
type ErrorCode string

const (
	// ErrCodeNoValidSigner indicates no signer can satisfy requirements.
	ErrCodeNoValidSigner ErrorCode = "NO_VALID_SIGNER"

	// ErrCodeAmountExceeded indicates payment exceeds limits.
	ErrCodeAmountExceeded ErrorCode = "AMOUNT_EXCEEDED"

	// ErrCodeInvalidRequirements indicates invalid server requirements.
	ErrCodeInvalidRequirements ErrorCode = "INVALID_REQUIREMENTS"

	// ErrCodeSigningFailed indicates signing operation failed.
	ErrCodeSigningFailed ErrorCode = "SIGNING_FAILED"

	// ErrCodeNetworkError indicates network communication error.
	ErrCodeNetworkError ErrorCode = "NETWORK_ERROR"

	// ErrCodePaymentRejected indicates the retried request was rejected again.
	ErrCodePaymentRejected ErrorCode = "PAYMENT_REJECTED"

	// ErrCodeUnsupportedScheme indicates unsupported payment scheme or network.
	ErrCodeUnsupportedScheme ErrorCode = "UNSUPPORTED_SCHEME"

	// ErrCodeUnsupportedVersion indicates unsupported x402 protocol version.
	ErrCodeUnsupportedVersion ErrorCode = "UNSUPPORTED_VERSION"
)

// PaymentError provides structured error information.
type PaymentError struct {
	// Code is the error code for programmatic handling.
	Code ErrorCode

	// Message is the human-readable error message.
	Message string

	// Details contains additional error context.
	Details map[string]interface{}

	// Err is the underlying error.
	Err error
}

// Error implements the error interface.
func (e *PaymentError) Error() string {
	if e.Err != nil {
		return e.Message + ": " + e.Err.Error()
	}
	return e.Message
}

// Unwrap returns the underlying error.
func (e *PaymentError) Unwrap() error {
	return e.Err
}

// NewPaymentError creates a new PaymentError with the given code and message.
func NewPaymentError(code ErrorCode, message string, err error) *PaymentError {
	return &PaymentError{
		Code:    code,
		Message: message,
		Err:     err,
		Details: make(map[string]interface{}),
	}
}

// WithDetails adds additional context to the error.
func (e *PaymentError) WithDetails(key string, value interface{}) *PaymentError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}
