// Package helpers provides shared helper functions for x402 HTTP middleware implementations.
// These helpers are used by the stdlib, Gin, and Chi middleware to ensure consistent behavior.
package helpers

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/niklabh/x402-go"
	"github.com/niklabh/x402-go/encoding"
)

// ParsePaymentHeaderFromRequest parses the X-PAYMENT header from an http.Request and returns the payment payload.
// It decodes the base64-encoded JSON and validates the x402 protocol version.
//
// Returns x402.ErrMalformedHeader if the header is missing, invalid base64, or invalid JSON.
// Returns x402.ErrUnsupportedVersion if the version is not supported.
func ParsePaymentHeaderFromRequest(r *http.Request) (x402.PaymentPayload, error) {
	var payment x402.PaymentPayload

	headerValue := r.Header.Get("X-PAYMENT")
	if headerValue == "" {
		return payment, x402.ErrMalformedHeader
	}

	payment, err := encoding.DecodePayment(headerValue)
	if err != nil {
		return payment, fmt.Errorf("%w: %v", x402.ErrMalformedHeader, err)
	}

	if payment.X402Version != x402.X402Version {
		return payment, x402.ErrUnsupportedVersion
	}

	return payment, nil
}

// FindMatchingRequirement finds a payment requirement that matches the provided payment's scheme and network.
// This is a wrapper around x402.FindMatchingRequirement that returns a value instead of a pointer.
//
// Returns x402.ErrUnsupportedScheme if no matching requirement is found.
func FindMatchingRequirement(payment x402.PaymentPayload, requirements []x402.PaymentRequirement) (x402.PaymentRequirement, error) {
	req, err := x402.FindMatchingRequirement(payment, requirements)
	if err != nil {
		return x402.PaymentRequirement{}, err
	}
	return *req, nil
}

// SendPaymentRequired sends a 402 Payment Required response with payment requirements in JSON format.
// The response includes the x402Version field and the list of accepted payment methods.
func SendPaymentRequired(w http.ResponseWriter, requirements []x402.PaymentRequirement) {
	response := x402.PaymentRequirementsResponse{
		X402Version: x402.X402Version,
		Error:       "Payment required for this resource",
		Accepts:     requirements,
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusPaymentRequired)
	// Ignore encoding errors - headers are already sent with 402 status
	_ = json.NewEncoder(w).Encode(response)
}

// AddPaymentResponseHeader adds the X-PAYMENT-RESPONSE header with base64-encoded settlement information.
//
// Returns an error if encoding fails.
func AddPaymentResponseHeader(w http.ResponseWriter, settlement *x402.SettlementResponse) error {
	encoded, err := encoding.EncodeSettlement(*settlement)
	if err != nil {
		return err
	}

	w.Header().Set("X-PAYMENT-RESPONSE", encoded)
	return nil
}
