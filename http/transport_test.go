package http

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"math/big"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/niklabh/x402-go"
	"github.com/niklabh/x402-go/encoding"
)

// mockSigner signs every exact/base-sepolia requirement with a canned payload.
type mockSigner struct {
	network string
	signErr error
	signed  atomic.Int64
}

func (m *mockSigner) Network() string { return m.network }
func (m *mockSigner) Scheme() string  { return "exact" }

func (m *mockSigner) CanSign(req *x402.PaymentRequirement) bool {
	return req.Scheme == "exact" && req.Network == m.network
}

func (m *mockSigner) Sign(req *x402.PaymentRequirement) (*x402.PaymentPayload, error) {
	if m.signErr != nil {
		return nil, m.signErr
	}
	m.signed.Add(1)
	return &x402.PaymentPayload{
		X402Version: x402.X402Version,
		Scheme:      req.Scheme,
		Network:     req.Network,
		Payload: x402.ExactEVMPayload{
			Signature: "0xsigned",
			Authorization: x402.EVMAuthorization{
				From:  "0x209693Bc6afc0C5328bA36FaF03C514EF312287C",
				To:    req.PayTo,
				Value: req.MaxAmountRequired,
			},
		},
	}, nil
}

func (m *mockSigner) GetPriority() int              { return 1 }
func (m *mockSigner) GetTokens() []x402.TokenConfig { return nil }
func (m *mockSigner) GetMaxAmount() *big.Int        { return nil }

func testRequirements(network string) x402.PaymentRequirementsResponse {
	return x402.PaymentRequirementsResponse{
		X402Version: x402.X402Version,
		Error:       "Payment required for this resource",
		Accepts: []x402.PaymentRequirement{
			{
				Scheme:            "exact",
				Network:           network,
				MaxAmountRequired: "10000",
				Asset:             "0x036CbD53842c5426634e7929541eC2318f3dCF7e",
				PayTo:             "0x209693Bc6afc0C5328bA36FaF03C514EF312287C",
				MaxTimeoutSeconds: 300,
			},
		},
	}
}

func writePaymentRequired(w http.ResponseWriter, network string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusPaymentRequired)
	json.NewEncoder(w).Encode(testRequirements(network))
}

func TestRoundTripPassthrough(t *testing.T) {
	var requests atomic.Int64
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
		w.Write([]byte("free content"))
	}))
	defer server.Close()

	signer := &mockSigner{network: "base-sepolia"}
	client, err := NewClient(WithSigner(signer))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	resp, err := client.Get(server.URL)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Errorf("expected 200, got %d", resp.StatusCode)
	}
	if got := requests.Load(); got != 1 {
		t.Errorf("expected 1 request, got %d", got)
	}
	if got := signer.signed.Load(); got != 0 {
		t.Errorf("signer should not run on non-402 responses, signed %d times", got)
	}
}

func TestRoundTripPaysOn402(t *testing.T) {
	settlementHeader, err := encoding.EncodeSettlement(x402.SettlementResponse{
		Success:     true,
		Transaction: "0xabc123",
		Network:     "base-sepolia",
		Payer:       "0x209693Bc6afc0C5328bA36FaF03C514EF312287C",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var requests atomic.Int64
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
		header := r.Header.Get("X-PAYMENT")
		if header == "" {
			writePaymentRequired(w, "base-sepolia")
			return
		}
		payment, err := encoding.DecodePayment(header)
		if err != nil || payment.Scheme != "exact" || payment.Network != "base-sepolia" {
			writePaymentRequired(w, "base-sepolia")
			return
		}
		w.Header().Set("X-PAYMENT-RESPONSE", settlementHeader)
		w.Write([]byte("premium content"))
	}))
	defer server.Close()

	var successes atomic.Int64
	signer := &mockSigner{network: "base-sepolia"}
	client, err := NewClient(
		WithSigner(signer),
		WithPaymentCallbacks(nil, func(event x402.PaymentEvent) {
			successes.Add(1)
		}, nil),
	)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	resp, err := client.Get(server.URL)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	if string(body) != "premium content" {
		t.Errorf("unexpected body: %s", body)
	}
	if got := requests.Load(); got != 2 {
		t.Errorf("expected exactly 2 requests, got %d", got)
	}
	if got := signer.signed.Load(); got != 1 {
		t.Errorf("expected exactly 1 signature, got %d", got)
	}
	if got := successes.Load(); got != 1 {
		t.Errorf("expected 1 success callback, got %d", got)
	}

	settlement := GetSettlement(resp)
	if settlement == nil || !settlement.Success {
		t.Fatalf("expected successful settlement, got %+v", settlement)
	}
	if settlement.Transaction != "0xabc123" {
		t.Errorf("unexpected transaction: %s", settlement.Transaction)
	}
}

func TestRoundTripSecondPaymentRequiredIsTerminal(t *testing.T) {
	var requests atomic.Int64
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
		writePaymentRequired(w, "base-sepolia")
	}))
	defer server.Close()

	var failures atomic.Int64
	signer := &mockSigner{network: "base-sepolia"}
	client, err := NewClient(
		WithSigner(signer),
		WithPaymentCallbacks(nil, nil, func(event x402.PaymentEvent) {
			failures.Add(1)
		}),
	)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	_, err = client.Get(server.URL)
	if err == nil {
		t.Fatal("expected error for rejected payment")
	}
	if !errors.Is(err, x402.ErrPaymentRejected) {
		t.Errorf("expected ErrPaymentRejected, got %v", err)
	}

	var paymentErr *x402.PaymentError
	if !errors.As(err, &paymentErr) || paymentErr.Code != x402.ErrCodePaymentRejected {
		t.Errorf("expected PAYMENT_REJECTED code, got %v", err)
	}

	// Exactly one signature and one retry, never a second payment attempt.
	if got := requests.Load(); got != 2 {
		t.Errorf("expected exactly 2 requests, got %d", got)
	}
	if got := signer.signed.Load(); got != 1 {
		t.Errorf("expected exactly 1 signature, got %d", got)
	}
	if got := failures.Load(); got != 1 {
		t.Errorf("expected 1 failure callback, got %d", got)
	}
}

func TestRoundTripNoValidSigner(t *testing.T) {
	var requests atomic.Int64
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
		writePaymentRequired(w, "base-sepolia")
	}))
	defer server.Close()

	// Signer only handles base; the server demands base-sepolia.
	client, err := NewClient(WithSigner(&mockSigner{network: "base"}))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	_, err = client.Get(server.URL)
	if !errors.Is(err, x402.ErrNoValidSigner) {
		t.Errorf("expected ErrNoValidSigner, got %v", err)
	}
	if got := requests.Load(); got != 1 {
		t.Errorf("expected 1 request before giving up, got %d", got)
	}
}

func TestRoundTripReplaysBody(t *testing.T) {
	var bodies [][]byte
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		bodies = append(bodies, body)
		if r.Header.Get("X-PAYMENT") == "" {
			writePaymentRequired(w, "base-sepolia")
			return
		}
		w.Write([]byte("ok"))
	}))
	defer server.Close()

	client, err := NewClient(WithSigner(&mockSigner{network: "base-sepolia"}))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	resp, err := client.Post(server.URL, "application/json", bytes.NewReader([]byte(`{"q":"data"}`)))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	resp.Body.Close()

	if len(bodies) != 2 {
		t.Fatalf("expected 2 requests, got %d", len(bodies))
	}
	for i, body := range bodies {
		if string(body) != `{"q":"data"}` {
			t.Errorf("request %d body not replayed: %q", i, body)
		}
	}
}

func TestRequestWithBody(t *testing.T) {
	req, _ := http.NewRequest(http.MethodPost, "http://example.com", nil)
	clone := RequestWithBody(req, []byte("payload"))

	body, _ := io.ReadAll(clone.Body)
	if string(body) != "payload" {
		t.Errorf("unexpected body: %s", body)
	}

	// GetBody must return a fresh reader each time.
	replay, err := clone.GetBody()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	body, _ = io.ReadAll(replay)
	if string(body) != "payload" {
		t.Errorf("unexpected replayed body: %s", body)
	}
}
