package validation

import (
	"strings"
	"testing"

	"github.com/niklabh/x402-go"
)

func validRequirement() x402.PaymentRequirement {
	return x402.PaymentRequirement{
		Scheme:            "exact",
		Network:           "base-sepolia",
		MaxAmountRequired: "10000",
		Asset:             "0x036CbD53842c5426634e7929541eC2318f3dCF7e",
		PayTo:             "0x209693Bc6afc0C5328bA36FaF03C514EF312287C",
		MaxTimeoutSeconds: 300,
	}
}

func TestValidateAmount(t *testing.T) {
	tests := []struct {
		name    string
		amount  string
		wantErr bool
	}{
		{"valid amount", "10000", false},
		{"large uint256 amount", "115792089237316195423570985008687907853269984665640564039457584007913129639935", false},
		{"empty", "", true},
		{"zero", "0", true},
		{"negative", "-5", true},
		{"decimal", "1.5", true},
		{"not a number", "abc", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateAmount(tt.amount)
			if tt.wantErr && err == nil {
				t.Fatal("expected error but got nil")
			}
			if !tt.wantErr && err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
		})
	}
}

func TestValidateAddress(t *testing.T) {
	tests := []struct {
		name    string
		address string
		network string
		wantErr bool
	}{
		{"valid EVM address", "0x209693Bc6afc0C5328bA36FaF03C514EF312287C", "base", false},
		{"missing 0x prefix", "209693Bc6afc0C5328bA36FaF03C514EF312287C", "base", true},
		{"too short", "0x1234", "base", true},
		{"non-hex characters", "0xZZ9693Bc6afc0C5328bA36FaF03C514EF312287C", "base", true},
		{"empty address", "", "base", true},
		{"unknown network", "0x209693Bc6afc0C5328bA36FaF03C514EF312287C", "solana", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateAddress(tt.address, tt.network)
			if tt.wantErr && err == nil {
				t.Fatal("expected error but got nil")
			}
			if !tt.wantErr && err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
		})
	}
}

func TestValidatePaymentRequirement(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*x402.PaymentRequirement)
		wantErr string
	}{
		{"valid", func(r *x402.PaymentRequirement) {}, ""},
		{"zero amount", func(r *x402.PaymentRequirement) { r.MaxAmountRequired = "0" }, "amount"},
		{"empty network", func(r *x402.PaymentRequirement) { r.Network = "" }, "network"},
		{"bad payTo", func(r *x402.PaymentRequirement) { r.PayTo = "nope" }, "payTo"},
		{"empty asset", func(r *x402.PaymentRequirement) { r.Asset = "" }, "asset"},
		{"empty scheme", func(r *x402.PaymentRequirement) { r.Scheme = "" }, "scheme"},
		{"zero timeout", func(r *x402.PaymentRequirement) { r.MaxTimeoutSeconds = 0 }, "timeout"},
		{"negative timeout", func(r *x402.PaymentRequirement) { r.MaxTimeoutSeconds = -1 }, "timeout"},
		{"empty EIP-3009 name", func(r *x402.PaymentRequirement) {
			r.Extra = map[string]interface{}{"name": ""}
		}, "name"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := validRequirement()
			tt.mutate(&req)

			err := ValidatePaymentRequirement(req)
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if err == nil {
				t.Fatal("expected error but got nil")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("error %q does not mention %q", err, tt.wantErr)
			}
		})
	}
}

func TestValidatePaymentPayload(t *testing.T) {
	valid := x402.PaymentPayload{
		X402Version: 1,
		Scheme:      "exact",
		Network:     "base-sepolia",
		Payload:     map[string]interface{}{"signature": "0xabc"},
	}

	if err := ValidatePaymentPayload(valid); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	tests := []struct {
		name   string
		mutate func(*x402.PaymentPayload)
	}{
		{"wrong version", func(p *x402.PaymentPayload) { p.X402Version = 2 }},
		{"empty scheme", func(p *x402.PaymentPayload) { p.Scheme = "" }},
		{"empty network", func(p *x402.PaymentPayload) { p.Network = "" }},
		{"unknown network", func(p *x402.PaymentPayload) { p.Network = "solana" }},
		{"nil payload", func(p *x402.PaymentPayload) { p.Payload = nil }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			payload := valid
			tt.mutate(&payload)
			if err := ValidatePaymentPayload(payload); err == nil {
				t.Fatal("expected error but got nil")
			}
		})
	}
}
