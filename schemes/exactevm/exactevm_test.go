package exactevm_test

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"math/big"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/require"

	"github.com/niklabh/x402-go"
	"github.com/niklabh/x402-go/evm"
	"github.com/niklabh/x402-go/schemes/exactevm"
)

var (
	testAsset = "0x036CbD53842c5426634e7929541eC2318f3dCF7e"
	testPayTo = "0x209693Bc6afc0C5328bA36FaF03C514EF312287C"
)

func testRequirement(amount string) *x402.PaymentRequirement {
	return &x402.PaymentRequirement{
		Scheme:            "exact",
		Network:           "base-sepolia",
		MaxAmountRequired: amount,
		Asset:             testAsset,
		PayTo:             testPayTo,
		MaxTimeoutSeconds: 300,
	}
}

func newIdentity(t *testing.T) (*evm.KeyIdentity, *ecdsa.PrivateKey) {
	t.Helper()
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	identity, err := evm.NewKeyIdentity(key)
	require.NoError(t, err)
	return identity, key
}

// fakeBackend is an in-memory ChainBackend with injectable failures.
type fakeBackend struct {
	mu          sync.Mutex
	balance     map[common.Address]int64
	usedOnChain map[string]bool
	submitErr   error
	submitCalls atomic.Int64
	submitDelay time.Duration
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{
		balance:     make(map[common.Address]int64),
		usedOnChain: make(map[string]bool),
	}
}

func (b *fakeBackend) TokenBalance(ctx context.Context, token, account common.Address) (*big.Int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if bal, ok := b.balance[account]; ok {
		return big.NewInt(bal), nil
	}
	return big.NewInt(1_000_000_000), nil
}

func (b *fakeBackend) AuthorizationState(ctx context.Context, token, authorizer common.Address, nonce common.Hash) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.usedOnChain[authorizer.Hex()+nonce.Hex()], nil
}

func (b *fakeBackend) SubmitTransfer(ctx context.Context, token common.Address, auth *exactevm.Authorization, signature []byte) (common.Hash, error) {
	b.submitCalls.Add(1)
	if b.submitDelay > 0 {
		time.Sleep(b.submitDelay)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.submitErr != nil {
		return common.Hash{}, b.submitErr
	}
	b.usedOnChain[auth.From.Hex()+auth.Nonce.Hex()] = true
	return common.HexToHash("0xabc123"), nil
}

func (b *fakeBackend) setSubmitErr(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.submitErr = err
}

func newScheme(t *testing.T, opts ...exactevm.Option) *exactevm.Scheme {
	t.Helper()
	s, err := exactevm.New("base-sepolia", opts...)
	require.NoError(t, err)
	return s
}

func TestBuildVerifyRoundTrip(t *testing.T) {
	identity, _ := newIdentity(t)
	scheme := newScheme(t)
	req := testRequirement("10000")

	payment, err := scheme.Build(context.Background(), req, identity)
	require.NoError(t, err)
	require.Equal(t, x402.X402Version, payment.X402Version)
	require.Equal(t, "exact", payment.Scheme)
	require.Equal(t, "base-sepolia", payment.Network)

	resp, err := scheme.Verify(context.Background(), payment, req)
	require.NoError(t, err)
	require.True(t, resp.IsValid, "reason: %s", resp.InvalidReason)
	require.Equal(t, identity.Address(), resp.Payer)

	// Verification is read-only: a second verify still passes.
	resp, err = scheme.Verify(context.Background(), payment, req)
	require.NoError(t, err)
	require.True(t, resp.IsValid)
}

func TestVerifyExactAmount(t *testing.T) {
	identity, _ := newIdentity(t)
	scheme := newScheme(t)

	tests := []struct {
		name       string
		authorized string
		required   string
	}{
		{"underpayment", "9999", "10000"},
		{"overpayment", "10001", "10000"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			payment, err := scheme.Build(context.Background(), testRequirement(tt.authorized), identity)
			require.NoError(t, err)

			resp, err := scheme.Verify(context.Background(), payment, testRequirement(tt.required))
			require.NoError(t, err)
			require.False(t, resp.IsValid)
			require.Equal(t, x402.ReasonAmountMismatch, resp.InvalidReason)
		})
	}
}

func TestVerifyTamperedValue(t *testing.T) {
	identity, _ := newIdentity(t)
	scheme := newScheme(t)
	req := testRequirement("10000")

	payment, err := scheme.Build(context.Background(), req, identity)
	require.NoError(t, err)

	// Bump the authorized value after signing: the signature no longer
	// matches the digest.
	payload := payment.Payload.(x402.ExactEVMPayload)
	payload.Authorization.Value = "20000"
	payment.Payload = payload

	resp, err := scheme.Verify(context.Background(), payment, req)
	require.NoError(t, err)
	require.False(t, resp.IsValid)
	require.Equal(t, x402.ReasonInvalidSignature, resp.InvalidReason)
}

func TestVerifyRecipientMismatch(t *testing.T) {
	identity, _ := newIdentity(t)
	scheme := newScheme(t)

	payment, err := scheme.Build(context.Background(), testRequirement("10000"), identity)
	require.NoError(t, err)

	other := testRequirement("10000")
	other.PayTo = "0x1111111111111111111111111111111111111111"

	resp, err := scheme.Verify(context.Background(), payment, other)
	require.NoError(t, err)
	require.False(t, resp.IsValid)
	require.Equal(t, x402.ReasonRecipientMismatch, resp.InvalidReason)
}

func TestVerifyNetworkMismatch(t *testing.T) {
	identity, _ := newIdentity(t)
	scheme := newScheme(t)

	// Pin the EIP-712 domain so the only difference between the two
	// requirements is the network binding.
	domain := map[string]interface{}{"name": "USDC", "version": "2"}

	req := testRequirement("10000")
	req.Extra = domain
	payment, err := scheme.Build(context.Background(), req, identity)
	require.NoError(t, err)

	other := testRequirement("10000")
	other.Network = "base"
	other.Extra = domain

	resp, err := scheme.Verify(context.Background(), payment, other)
	require.NoError(t, err)
	require.False(t, resp.IsValid)
	require.Equal(t, x402.ReasonNetworkMismatch, resp.InvalidReason)
}

func TestVerifyExpiryWindow(t *testing.T) {
	identity, _ := newIdentity(t)

	base := time.Now()
	now := base
	scheme := newScheme(t, exactevm.WithClock(func() time.Time { return now }))
	req := testRequirement("10000")

	payment, err := scheme.Build(context.Background(), req, identity)
	require.NoError(t, err)

	// Inside the window.
	resp, err := scheme.Verify(context.Background(), payment, req)
	require.NoError(t, err)
	require.True(t, resp.IsValid)

	// Past validBefore (window is 300s, clock skew 10s back).
	now = base.Add(301 * time.Second)
	resp, err = scheme.Verify(context.Background(), payment, req)
	require.NoError(t, err)
	require.False(t, resp.IsValid)
	require.Equal(t, x402.ReasonExpired, resp.InvalidReason)

	// Before validAfter.
	now = base.Add(-time.Minute)
	resp, err = scheme.Verify(context.Background(), payment, req)
	require.NoError(t, err)
	require.False(t, resp.IsValid)
	require.Equal(t, x402.ReasonExpired, resp.InvalidReason)
}

func TestVerifyNumericNetworkAlias(t *testing.T) {
	identity, _ := newIdentity(t)
	scheme, err := exactevm.New("base")
	require.NoError(t, err)

	req := testRequirement("10000")
	req.Network = "base"

	payment, err := scheme.Build(context.Background(), req, identity)
	require.NoError(t, err)

	// Chain ID alias in the payload resolves to the same network.
	payment.Network = "8453"
	resp, err := scheme.Verify(context.Background(), payment, req)
	require.NoError(t, err)
	require.True(t, resp.IsValid, "reason: %s", resp.InvalidReason)

	// Same alias but a mismatched amount still fails the exactness check.
	resp, err = scheme.Verify(context.Background(), payment, func() *x402.PaymentRequirement {
		r := testRequirement("9999")
		r.Network = "base"
		return r
	}())
	require.NoError(t, err)
	require.False(t, resp.IsValid)
	require.Equal(t, x402.ReasonAmountMismatch, resp.InvalidReason)
}

func TestVerifyMalformedPayload(t *testing.T) {
	scheme := newScheme(t)

	payment := &x402.PaymentPayload{
		X402Version: x402.X402Version,
		Scheme:      "exact",
		Network:     "base-sepolia",
		Payload:     map[string]interface{}{"signature": ""},
	}

	resp, err := scheme.Verify(context.Background(), payment, testRequirement("10000"))
	require.NoError(t, err)
	require.False(t, resp.IsValid)
	require.Equal(t, x402.ReasonMalformedPayload, resp.InvalidReason)
}

func TestVerifyBackendChecks(t *testing.T) {
	identity, _ := newIdentity(t)
	backend := newFakeBackend()
	scheme := newScheme(t, exactevm.WithBackend(backend))
	req := testRequirement("10000")

	payment, err := scheme.Build(context.Background(), req, identity)
	require.NoError(t, err)

	// Insufficient token balance.
	backend.mu.Lock()
	backend.balance[common.HexToAddress(identity.Address())] = 5
	backend.mu.Unlock()

	resp, err := scheme.Verify(context.Background(), payment, req)
	require.NoError(t, err)
	require.False(t, resp.IsValid)
	require.Equal(t, x402.ReasonInsufficientFunds, resp.InvalidReason)

	// Funded but nonce consumed on-chain by someone else.
	payload := payment.Payload.(x402.ExactEVMPayload)
	backend.mu.Lock()
	backend.balance[common.HexToAddress(identity.Address())] = 1_000_000
	backend.usedOnChain[identity.Address()+payload.Authorization.Nonce] = true
	backend.mu.Unlock()

	resp, err = scheme.Verify(context.Background(), payment, req)
	require.NoError(t, err)
	require.False(t, resp.IsValid)
	require.Equal(t, x402.ReasonNonceAlreadyUsed, resp.InvalidReason)
}

func TestSettleSuccessAndReplay(t *testing.T) {
	identity, _ := newIdentity(t)
	backend := newFakeBackend()
	scheme := newScheme(t, exactevm.WithBackend(backend))
	req := testRequirement("10000")

	payment, err := scheme.Build(context.Background(), req, identity)
	require.NoError(t, err)

	resp, err := scheme.Settle(context.Background(), payment, req)
	require.NoError(t, err)
	require.True(t, resp.Success, "reason: %s", resp.ErrorReason)
	require.NotEmpty(t, resp.Transaction)
	require.Equal(t, identity.Address(), resp.Payer)
	require.Equal(t, testPayTo, resp.Payee)
	require.EqualValues(t, 1, backend.submitCalls.Load())

	// Replay: the ledger rejects before anything reaches the chain. The
	// fake backend would also report the nonce used on-chain, but the ledger
	// short-circuits first, so the submit count stays at one.
	resp, err = scheme.Settle(context.Background(), payment, req)
	require.NoError(t, err)
	require.False(t, resp.Success)
	require.Equal(t, x402.ReasonNonceAlreadyUsed, resp.ErrorReason)
	require.EqualValues(t, 1, backend.submitCalls.Load())
}

func TestSettleRollbackThenRetry(t *testing.T) {
	identity, _ := newIdentity(t)
	backend := newFakeBackend()
	backend.setSubmitErr(errors.New("nonce too low"))
	scheme := newScheme(t, exactevm.WithBackend(backend))
	req := testRequirement("10000")

	payment, err := scheme.Build(context.Background(), req, identity)
	require.NoError(t, err)

	resp, err := scheme.Settle(context.Background(), payment, req)
	require.NoError(t, err)
	require.False(t, resp.Success)
	require.Equal(t, x402.ReasonSettlementFailed, resp.ErrorReason)

	// The ledger mark was rolled back, so the same payload settles cleanly
	// once the fault clears.
	backend.setSubmitErr(nil)
	resp, err = scheme.Settle(context.Background(), payment, req)
	require.NoError(t, err)
	require.True(t, resp.Success, "reason: %s", resp.ErrorReason)
	require.EqualValues(t, 2, backend.submitCalls.Load())
}

func TestSettleTimeout(t *testing.T) {
	identity, _ := newIdentity(t)
	backend := newFakeBackend()
	backend.setSubmitErr(context.DeadlineExceeded)
	scheme := newScheme(t, exactevm.WithBackend(backend))
	req := testRequirement("10000")

	payment, err := scheme.Build(context.Background(), req, identity)
	require.NoError(t, err)

	resp, err := scheme.Settle(context.Background(), payment, req)
	require.NoError(t, err)
	require.False(t, resp.Success)
	require.Equal(t, x402.ReasonSettlementTimeout, resp.ErrorReason)

	// Unknown submission outcome: the mark is released so the payer can
	// retry inside the validity window.
	backend.setSubmitErr(nil)
	resp, err = scheme.Settle(context.Background(), payment, req)
	require.NoError(t, err)
	require.True(t, resp.Success)
}

func TestSettleConcurrent(t *testing.T) {
	identity, _ := newIdentity(t)
	backend := newFakeBackend()
	backend.submitDelay = 10 * time.Millisecond
	scheme := newScheme(t, exactevm.WithBackend(backend))
	req := testRequirement("10000")

	payment, err := scheme.Build(context.Background(), req, identity)
	require.NoError(t, err)

	const workers = 8
	var successes atomic.Int64
	var replays atomic.Int64
	errs := make(chan error, workers)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			resp, err := scheme.Settle(context.Background(), payment, req)
			if err != nil {
				errs <- err
				return
			}
			if resp.Success {
				successes.Add(1)
			} else if resp.ErrorReason == x402.ReasonNonceAlreadyUsed {
				replays.Add(1)
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	require.EqualValues(t, 1, successes.Load())
	require.EqualValues(t, workers-1, replays.Load())
	require.EqualValues(t, 1, backend.submitCalls.Load())
}
