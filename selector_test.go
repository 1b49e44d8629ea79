package x402

import (
	"errors"
	"math/big"
	"testing"
)

// fakeSigner is a configurable Signer for selection tests.
type fakeSigner struct {
	network   string
	priority  int
	tokens    []TokenConfig
	maxAmount *big.Int
	signErr   error
	signed    int
}

func (f *fakeSigner) Network() string { return f.network }
func (f *fakeSigner) Scheme() string  { return "exact" }

func (f *fakeSigner) CanSign(req *PaymentRequirement) bool {
	if req.Scheme != "exact" || req.Network != f.network {
		return false
	}
	for _, token := range f.tokens {
		if token.Address == req.Asset {
			return true
		}
	}
	return false
}

func (f *fakeSigner) Sign(req *PaymentRequirement) (*PaymentPayload, error) {
	if f.signErr != nil {
		return nil, f.signErr
	}
	f.signed++
	return &PaymentPayload{
		X402Version: X402Version,
		Scheme:      req.Scheme,
		Network:     req.Network,
		Payload:     map[string]interface{}{"signer": f.network},
	}, nil
}

func (f *fakeSigner) GetPriority() int         { return f.priority }
func (f *fakeSigner) GetTokens() []TokenConfig { return f.tokens }
func (f *fakeSigner) GetMaxAmount() *big.Int   { return f.maxAmount }

func usdcToken(priority int) TokenConfig {
	return TokenConfig{
		Address:  "0x036CbD53842c5426634e7929541eC2318f3dCF7e",
		Symbol:   "USDC",
		Decimals: 6,
		Priority: priority,
	}
}

func requirementFor(network, asset, amount string) PaymentRequirement {
	return PaymentRequirement{
		Scheme:            "exact",
		Network:           network,
		MaxAmountRequired: amount,
		Asset:             asset,
		PayTo:             "0x209693Bc6afc0C5328bA36FaF03C514EF312287C",
		MaxTimeoutSeconds: 300,
	}
}

func TestSelectAndSignServerOrder(t *testing.T) {
	selector := NewDefaultPaymentSelector()

	baseSigner := &fakeSigner{network: "base", priority: 1, tokens: []TokenConfig{usdcToken(0)}}
	sepoliaSigner := &fakeSigner{network: "base-sepolia", priority: 1, tokens: []TokenConfig{usdcToken(0)}}

	// Server prefers base-sepolia; both signers are able, so the first
	// satisfiable requirement in server order wins.
	requirements := []PaymentRequirement{
		requirementFor("base-sepolia", usdcToken(0).Address, "10000"),
		requirementFor("base", usdcToken(0).Address, "10000"),
	}

	payment, err := selector.SelectAndSign(requirements, []Signer{baseSigner, sepoliaSigner})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if payment.Network != "base-sepolia" {
		t.Errorf("expected base-sepolia payment, got %s", payment.Network)
	}
	if sepoliaSigner.signed != 1 || baseSigner.signed != 0 {
		t.Errorf("wrong signer used: sepolia=%d base=%d", sepoliaSigner.signed, baseSigner.signed)
	}
}

func TestSelectAndSignSignerPriority(t *testing.T) {
	selector := NewDefaultPaymentSelector()

	low := &fakeSigner{network: "base", priority: 5, tokens: []TokenConfig{usdcToken(0)}}
	high := &fakeSigner{network: "base", priority: 1, tokens: []TokenConfig{usdcToken(0)}}

	requirements := []PaymentRequirement{
		requirementFor("base", usdcToken(0).Address, "10000"),
	}

	if _, err := selector.SelectAndSign(requirements, []Signer{low, high}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if high.signed != 1 || low.signed != 0 {
		t.Errorf("priority not honored: high=%d low=%d", high.signed, low.signed)
	}
}

func TestSelectAndSignTokenPriorityTieBreak(t *testing.T) {
	selector := NewDefaultPaymentSelector()

	// Same signer priority; the token priority breaks the tie.
	preferred := &fakeSigner{network: "base", priority: 1, tokens: []TokenConfig{usdcToken(1)}}
	fallback := &fakeSigner{network: "base", priority: 1, tokens: []TokenConfig{usdcToken(2)}}

	requirements := []PaymentRequirement{
		requirementFor("base", usdcToken(0).Address, "10000"),
	}

	if _, err := selector.SelectAndSign(requirements, []Signer{fallback, preferred}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if preferred.signed != 1 || fallback.signed != 0 {
		t.Errorf("token priority not honored: preferred=%d fallback=%d", preferred.signed, fallback.signed)
	}
}

func TestSelectAndSignMaxAmountFilter(t *testing.T) {
	selector := NewDefaultPaymentSelector()

	capped := &fakeSigner{
		network:   "base",
		priority:  1,
		tokens:    []TokenConfig{usdcToken(0)},
		maxAmount: big.NewInt(5000),
	}

	requirements := []PaymentRequirement{
		requirementFor("base", usdcToken(0).Address, "10000"),
	}

	_, err := selector.SelectAndSign(requirements, []Signer{capped})
	if !errors.Is(err, ErrNoValidSigner) {
		t.Fatalf("expected ErrNoValidSigner, got %v", err)
	}

	// A requirement within the cap is still signable.
	requirements[0].MaxAmountRequired = "5000"
	if _, err := selector.SelectAndSign(requirements, []Signer{capped}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestSelectAndSignErrors(t *testing.T) {
	selector := NewDefaultPaymentSelector()
	signer := &fakeSigner{network: "base", priority: 1, tokens: []TokenConfig{usdcToken(0)}}

	_, err := selector.SelectAndSign([]PaymentRequirement{requirementFor("base", usdcToken(0).Address, "10000")}, nil)
	if !errors.Is(err, ErrNoValidSigner) {
		t.Errorf("expected ErrNoValidSigner for empty signers, got %v", err)
	}

	_, err = selector.SelectAndSign(nil, []Signer{signer})
	if !errors.Is(err, ErrInvalidRequirements) {
		t.Errorf("expected ErrInvalidRequirements for empty requirements, got %v", err)
	}

	_, err = selector.SelectAndSign([]PaymentRequirement{requirementFor("polygon", usdcToken(0).Address, "10000")}, []Signer{signer})
	if !errors.Is(err, ErrNoValidSigner) {
		t.Errorf("expected ErrNoValidSigner for unsatisfiable requirement, got %v", err)
	}

	failing := &fakeSigner{
		network:  "base",
		priority: 1,
		tokens:   []TokenConfig{usdcToken(0)},
		signErr:  errors.New("hardware wallet unplugged"),
	}
	_, err = selector.SelectAndSign([]PaymentRequirement{requirementFor("base", usdcToken(0).Address, "10000")}, []Signer{failing})
	var paymentErr *PaymentError
	if !errors.As(err, &paymentErr) || paymentErr.Code != ErrCodeSigningFailed {
		t.Errorf("expected signing failure PaymentError, got %v", err)
	}
}

func TestFindMatchingRequirement(t *testing.T) {
	requirements := []PaymentRequirement{
		requirementFor("base", usdcToken(0).Address, "10000"),
		requirementFor("base-sepolia", usdcToken(0).Address, "10000"),
	}

	payment := PaymentPayload{X402Version: X402Version, Scheme: "exact", Network: "base-sepolia"}
	req, err := FindMatchingRequirement(payment, requirements)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if req.Network != "base-sepolia" {
		t.Errorf("matched wrong requirement: %s", req.Network)
	}

	payment.Network = "polygon"
	if _, err := FindMatchingRequirement(payment, requirements); !errors.Is(err, ErrUnsupportedScheme) {
		t.Errorf("expected ErrUnsupportedScheme, got %v", err)
	}
}

func TestAmountConversions(t *testing.T) {
	got, err := AmountToBigInt("1.5", 6)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.Cmp(big.NewInt(1500000)) != 0 {
		t.Errorf("expected 1500000, got %s", got)
	}

	if _, err := AmountToBigInt("not a number", 6); !errors.Is(err, ErrInvalidAmount) {
		t.Errorf("expected ErrInvalidAmount, got %v", err)
	}

	if s := BigIntToAmount(big.NewInt(1500000), 6); s != "1.500000" {
		t.Errorf("expected 1.500000, got %s", s)
	}
	if s := BigIntToAmount(nil, 6); s != "0" {
		t.Errorf("expected 0 for nil, got %s", s)
	}
}
