// Package exactevm implements the "exact" payment scheme for EVM-compatible
// chains using EIP-3009 transferWithAuthorization. The payer signs an EIP-712
// authorization for exactly the required amount; the facilitator executes the
// transfer on their behalf, so the payer never needs gas.
package exactevm

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/niklabh/x402-go"
	"github.com/niklabh/x402-go/nonce"
	"github.com/niklabh/x402-go/schemes"
)

// SchemeName is the scheme identifier handled by this package.
const SchemeName = "exact"

const (
	// defaultClockSkew is subtracted from validAfter at build time so that an
	// authorization is not rejected by a verifier whose clock runs slightly
	// behind the client's.
	defaultClockSkew = 10 * time.Second

	// defaultMaxValidity caps the validity window even when the requirement
	// asks for a longer timeout.
	defaultMaxValidity = 300 * time.Second
)

// Scheme implements schemes.Scheme for one EVM network. Zero-value policy
// fields fall back to the package defaults; both are deployment policy, not
// protocol constants.
type Scheme struct {
	network     string
	chainID     *big.Int
	ledger      nonce.Ledger
	backend     ChainBackend
	clockSkew   time.Duration
	maxValidity time.Duration
	now         func() time.Time
}

// Option configures a Scheme.
type Option func(*Scheme)

// WithLedger injects the nonce ledger shared by the facilitator process.
// Without it the scheme uses a private in-memory ledger, which is only
// appropriate for client-side building and tests.
func WithLedger(l nonce.Ledger) Option {
	return func(s *Scheme) { s.ledger = l }
}

// WithBackend injects the chain-access collaborator used for settlement and
// on-chain verification reads.
func WithBackend(b ChainBackend) Option {
	return func(s *Scheme) { s.backend = b }
}

// WithClockSkew sets the tolerance subtracted from validAfter at build time.
func WithClockSkew(d time.Duration) Option {
	return func(s *Scheme) { s.clockSkew = d }
}

// WithMaxValidity caps the authorization validity window.
func WithMaxValidity(d time.Duration) Option {
	return func(s *Scheme) { s.maxValidity = d }
}

// WithClock overrides the time source. Tests use this to pin the validity
// window checks.
func WithClock(now func() time.Time) Option {
	return func(s *Scheme) { s.now = now }
}

// New creates an exact scheme bound to the given network.
func New(network string, opts ...Option) (*Scheme, error) {
	chain, ok := x402.ChainByNetwork(network)
	if !ok {
		return nil, fmt.Errorf("%w: %s", x402.ErrInvalidNetwork, network)
	}

	s := &Scheme{
		network:     chain.NetworkID,
		chainID:     big.NewInt(chain.ChainID),
		clockSkew:   defaultClockSkew,
		maxValidity: defaultMaxValidity,
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.ledger == nil {
		s.ledger = nonce.NewMemoryLedger()
	}
	return s, nil
}

// Scheme implements schemes.Scheme.
func (s *Scheme) Scheme() string { return SchemeName }

// Network implements schemes.Scheme.
func (s *Scheme) Network() string { return s.network }

// Build implements schemes.Scheme. The authorization value is the required
// amount exactly: the exact scheme supports neither partial nor excess
// payment.
func (s *Scheme) Build(ctx context.Context, req *x402.PaymentRequirement, identity schemes.Identity) (*x402.PaymentPayload, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	value, ok := new(big.Int).SetString(req.MaxAmountRequired, 10)
	if !ok || value.Sign() < 0 {
		return nil, fmt.Errorf("%w: %q", x402.ErrInvalidAmount, req.MaxAmountRequired)
	}
	if !common.IsHexAddress(req.PayTo) {
		return nil, fmt.Errorf("%w: payTo %q", x402.ErrInvalidRequirements, req.PayTo)
	}
	if !common.IsHexAddress(req.Asset) {
		return nil, fmt.Errorf("%w: asset %q", x402.ErrInvalidRequirements, req.Asset)
	}
	if !common.IsHexAddress(identity.Address()) {
		return nil, fmt.Errorf("%w: identity address %q", x402.ErrSigningFailed, identity.Address())
	}

	nonceHash, err := generateNonce()
	if err != nil {
		return nil, fmt.Errorf("%w: nonce generation: %v", x402.ErrSigningFailed, err)
	}

	validity := s.maxValidity
	if req.MaxTimeoutSeconds > 0 {
		if reqValidity := time.Duration(req.MaxTimeoutSeconds) * time.Second; reqValidity < validity {
			validity = reqValidity
		}
	}

	now := s.now()
	auth := &Authorization{
		From:        common.HexToAddress(identity.Address()),
		To:          common.HexToAddress(req.PayTo),
		Value:       value,
		ValidAfter:  big.NewInt(now.Add(-s.clockSkew).Unix()),
		ValidBefore: big.NewInt(now.Add(validity).Unix()),
		Nonce:       nonceHash,
	}

	name, version := domainParams(req)
	digest, err := typedDataDigest(common.HexToAddress(req.Asset), s.chainID, name, version, auth)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", x402.ErrSigningFailed, err)
	}

	signature, err := identity.SignDigest(digest)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", x402.ErrSigningFailed, err)
	}

	return &x402.PaymentPayload{
		X402Version: x402.X402Version,
		Scheme:      SchemeName,
		Network:     s.network,
		Payload: x402.ExactEVMPayload{
			Signature:     encodeSignature(signature),
			Authorization: auth.Wire(),
		},
	}, nil
}

// Verify implements schemes.Scheme. Checks run in a fixed order and
// short-circuit on the first failure; the nonce ledger is consulted
// read-only so repeated verification stays side-effect free.
func (s *Scheme) Verify(ctx context.Context, payment *x402.PaymentPayload, req *x402.PaymentRequirement) (*x402.VerifyResponse, error) {
	if payment.Scheme != SchemeName {
		return invalid(x402.ReasonUnsupportedCombination), nil
	}

	wire, err := x402.DecodeExactEVMPayload(*payment)
	if err != nil {
		return invalid(x402.ReasonMalformedPayload), nil
	}
	auth, err := parseAuthorization(wire.Authorization)
	if err != nil {
		return invalid(x402.ReasonMalformedPayload), nil
	}
	signature, err := decodeSignature(wire.Signature)
	if err != nil {
		return invalid(x402.ReasonInvalidSignature), nil
	}

	// 1. The signature must recover to the claimed payer.
	name, version := domainParams(req)
	token := common.HexToAddress(req.Asset)
	digest, err := typedDataDigest(token, s.chainID, name, version, auth)
	if err != nil {
		return invalid(x402.ReasonMalformedPayload), nil
	}
	signer, err := recoverSigner(digest, signature)
	if err != nil || signer != auth.From {
		return invalid(x402.ReasonInvalidSignature), nil
	}
	payer := signer.Hex()

	// 2. Network binding.
	if x402.CanonicalNetwork(payment.Network) != x402.CanonicalNetwork(req.Network) {
		return invalidPayer(x402.ReasonNetworkMismatch, payer), nil
	}

	// 3. Exact amount: strict equality, not >=.
	required, ok := new(big.Int).SetString(req.MaxAmountRequired, 10)
	if !ok {
		return nil, fmt.Errorf("%w: maxAmountRequired %q", x402.ErrInvalidRequirements, req.MaxAmountRequired)
	}
	if auth.Value.Cmp(required) != 0 {
		return invalidPayer(x402.ReasonAmountMismatch, payer), nil
	}

	// 4. Recipient binding.
	if !strings.EqualFold(auth.To.Hex(), req.PayTo) {
		return invalidPayer(x402.ReasonRecipientMismatch, payer), nil
	}

	// 5. Validity window: valid when validAfter <= now < validBefore.
	now := s.now().Unix()
	if now < auth.ValidAfter.Int64() || now >= auth.ValidBefore.Int64() {
		return invalidPayer(x402.ReasonExpired, payer), nil
	}

	// 6. Replay: read-only ledger check; marking happens only at settlement.
	used, err := s.ledger.Used(ctx, s.ledgerKey(req, auth))
	if err != nil {
		return nil, err
	}
	if used {
		return invalidPayer(x402.ReasonNonceAlreadyUsed, payer), nil
	}

	// With chain access configured, also consult on-chain state: the nonce
	// may have been consumed by another facilitator, and an unfunded payer
	// cannot settle.
	if s.backend != nil {
		onChainUsed, err := s.backend.AuthorizationState(ctx, token, auth.From, auth.Nonce)
		if err != nil {
			return nil, fmt.Errorf("authorization state read: %w", err)
		}
		if onChainUsed {
			return invalidPayer(x402.ReasonNonceAlreadyUsed, payer), nil
		}

		balance, err := s.backend.TokenBalance(ctx, token, auth.From)
		if err != nil {
			return nil, fmt.Errorf("token balance read: %w", err)
		}
		if balance.Cmp(auth.Value) < 0 {
			return invalidPayer(x402.ReasonInsufficientFunds, payer), nil
		}
	}

	return &x402.VerifyResponse{IsValid: true, Payer: payer}, nil
}

// Settle implements schemes.Scheme. It never trusts a prior Verify: time may
// have passed between the calls, so all checks re-run here. The ledger mark
// records "settled" only on confirmed success; any submission failure rolls
// the mark back so the authorization stays retriable within its window.
func (s *Scheme) Settle(ctx context.Context, payment *x402.PaymentPayload, req *x402.PaymentRequirement) (*x402.SettlementResponse, error) {
	verifyResp, err := s.Verify(ctx, payment, req)
	if err != nil {
		return nil, err
	}
	if !verifyResp.IsValid {
		return s.settleFailure(verifyResp.InvalidReason, verifyResp.Payer), nil
	}

	if s.backend == nil {
		return nil, errors.New("exactevm: no chain backend configured for settlement")
	}

	wire, err := x402.DecodeExactEVMPayload(*payment)
	if err != nil {
		return s.settleFailure(x402.ReasonMalformedPayload, verifyResp.Payer), nil
	}
	auth, err := parseAuthorization(wire.Authorization)
	if err != nil {
		return s.settleFailure(x402.ReasonMalformedPayload, verifyResp.Payer), nil
	}
	signature, err := decodeSignature(wire.Signature)
	if err != nil {
		return s.settleFailure(x402.ReasonInvalidSignature, verifyResp.Payer), nil
	}

	key := s.ledgerKey(req, auth)
	alreadyUsed, err := s.ledger.CheckAndMark(ctx, key)
	if err != nil {
		return nil, err
	}
	if alreadyUsed {
		return s.settleFailure(x402.ReasonNonceAlreadyUsed, verifyResp.Payer), nil
	}

	txHash, err := s.backend.SubmitTransfer(ctx, common.HexToAddress(req.Asset), auth, signature)
	if err != nil {
		// Roll the mark back so a fresh attempt can settle this
		// authorization before it expires.
		if releaseErr := s.ledger.Release(context.WithoutCancel(ctx), key); releaseErr != nil {
			return nil, fmt.Errorf("submission failed (%v) and ledger rollback failed: %w", err, releaseErr)
		}
		reason := x402.ReasonSettlementFailed
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
			reason = x402.ReasonSettlementTimeout
		}
		resp := s.settleFailure(reason, verifyResp.Payer)
		resp.Payee = auth.To.Hex()
		return resp, nil
	}

	return &x402.SettlementResponse{
		Success:     true,
		Transaction: txHash.Hex(),
		Network:     s.network,
		Payer:       auth.From.Hex(),
		Payee:       auth.To.Hex(),
	}, nil
}

func (s *Scheme) ledgerKey(req *x402.PaymentRequirement, auth *Authorization) nonce.Key {
	return nonce.Key{
		Network: s.network,
		Asset:   req.Asset,
		Payer:   auth.From.Hex(),
		Nonce:   auth.Nonce.Hex(),
	}
}

func (s *Scheme) settleFailure(reason, payer string) *x402.SettlementResponse {
	return &x402.SettlementResponse{
		Success:     false,
		ErrorReason: reason,
		Network:     s.network,
		Payer:       payer,
	}
}

func invalid(reason string) *x402.VerifyResponse {
	return &x402.VerifyResponse{IsValid: false, InvalidReason: reason}
}

func invalidPayer(reason, payer string) *x402.VerifyResponse {
	return &x402.VerifyResponse{IsValid: false, InvalidReason: reason, Payer: payer}
}
