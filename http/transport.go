package http

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/niklabh/x402-go"
	"github.com/niklabh/x402-go/encoding"
)

// X402Transport is a custom RoundTripper that handles x402 payment flows.
// It wraps an existing http.RoundTripper and automatically handles 402
// Payment Required responses: sign a payment, retry the request exactly once
// with the X-PAYMENT header attached. A 402 on the retried request is
// terminal for that payload and surfaces as ErrPaymentRejected; the
// transport never signs a second authorization for the same request.
type X402Transport struct {
	// Base is the underlying RoundTripper (typically http.DefaultTransport).
	Base http.RoundTripper

	// Signers is the list of available payment signers.
	Signers []x402.Signer

	// Selector is used to choose the appropriate signer and create payments.
	Selector x402.PaymentSelector

	// OnPaymentAttempt is called when a payment attempt is made.
	OnPaymentAttempt x402.PaymentCallback

	// OnPaymentSuccess is called when a payment succeeds.
	OnPaymentSuccess x402.PaymentCallback

	// OnPaymentFailure is called when a payment fails.
	OnPaymentFailure x402.PaymentCallback
}

// RoundTrip implements http.RoundTripper.
func (t *X402Transport) RoundTrip(req *http.Request) (*http.Response, error) {
	if t.Base == nil {
		t.Base = http.DefaultTransport
	}

	reqCopy, err := cloneRequest(req)
	if err != nil {
		return nil, err
	}

	resp, err := t.Base.RoundTrip(reqCopy)
	if err != nil {
		return nil, err
	}

	if resp.StatusCode != http.StatusPaymentRequired {
		return resp, nil
	}

	requirements, err := parsePaymentRequirements(resp)
	resp.Body.Close()
	if err != nil {
		return nil, x402.NewPaymentError(x402.ErrCodeInvalidRequirements, "failed to parse payment requirements", err)
	}

	selector := t.Selector
	if selector == nil {
		selector = x402.NewDefaultPaymentSelector()
	}
	payment, err := selector.SelectAndSign(requirements, t.Signers)
	if err != nil {
		return nil, err
	}

	// Match on network and scheme since those are available in PaymentPayload
	var selectedRequirement *x402.PaymentRequirement
	for i := range requirements {
		if requirements[i].Network == payment.Network &&
			requirements[i].Scheme == payment.Scheme {
			selectedRequirement = &requirements[i]
			break
		}
	}

	startTime := time.Now()

	if t.OnPaymentAttempt != nil && selectedRequirement != nil {
		t.OnPaymentAttempt(x402.PaymentEvent{
			Type:      x402.PaymentEventAttempt,
			Timestamp: startTime,
			Method:    "HTTP",
			URL:       req.URL.String(),
			Network:   payment.Network,
			Scheme:    payment.Scheme,
			Amount:    selectedRequirement.MaxAmountRequired,
			Asset:     selectedRequirement.Asset,
			Recipient: selectedRequirement.PayTo,
		})
	}

	paymentHeader, err := buildPaymentHeader(payment)
	if err != nil {
		t.emitFailure(req, err, time.Since(startTime))
		return nil, x402.NewPaymentError(x402.ErrCodeSigningFailed, "failed to build payment header", err)
	}

	reqRetry, err := cloneRequest(req)
	if err != nil {
		t.emitFailure(req, err, time.Since(startTime))
		return nil, err
	}
	reqRetry.Header.Set("X-PAYMENT", paymentHeader)

	respRetry, err := t.Base.RoundTrip(reqRetry)
	duration := time.Since(startTime)
	if err != nil {
		t.emitFailure(req, err, duration)
		return nil, err
	}

	// A second 402 means the server rejected the signed payment. The payload
	// is single-use, so there is nothing to retry with.
	if respRetry.StatusCode == http.StatusPaymentRequired {
		respRetry.Body.Close()
		rejectErr := x402.NewPaymentError(x402.ErrCodePaymentRejected, "server rejected the payment", x402.ErrPaymentRejected).
			WithDetails("url", req.URL.String()).
			WithDetails("network", payment.Network).
			WithDetails("scheme", payment.Scheme)
		t.emitFailure(req, rejectErr, duration)
		return nil, rejectErr
	}

	settlement, _ := parseSettlement(respRetry.Header.Get("X-PAYMENT-RESPONSE"))

	if settlement != nil && settlement.Success && t.OnPaymentSuccess != nil {
		event := x402.PaymentEvent{
			Type:        x402.PaymentEventSuccess,
			Timestamp:   time.Now(),
			Method:      "HTTP",
			URL:         req.URL.String(),
			Transaction: settlement.Transaction,
			Payer:       settlement.Payer,
			Duration:    duration,
		}
		if selectedRequirement != nil {
			event.Network = selectedRequirement.Network
			event.Scheme = selectedRequirement.Scheme
			event.Amount = selectedRequirement.MaxAmountRequired
			event.Asset = selectedRequirement.Asset
			event.Recipient = selectedRequirement.PayTo
		}
		t.OnPaymentSuccess(event)
	}

	return respRetry, nil
}

func (t *X402Transport) emitFailure(req *http.Request, err error, duration time.Duration) {
	if t.OnPaymentFailure == nil {
		return
	}
	t.OnPaymentFailure(x402.PaymentEvent{
		Type:      x402.PaymentEventFailure,
		Timestamp: time.Now(),
		Method:    "HTTP",
		URL:       req.URL.String(),
		Error:     err,
		Duration:  duration,
	})
}

// cloneRequest copies a request for resending. Bodies are replayed through
// GetBody, which net/http populates for byte-backed bodies.
func cloneRequest(req *http.Request) (*http.Request, error) {
	clone := req.Clone(req.Context())
	if req.Body == nil || req.Body == http.NoBody {
		return clone, nil
	}
	if req.GetBody == nil {
		return nil, fmt.Errorf("request body is not replayable; set Request.GetBody")
	}
	body, err := req.GetBody()
	if err != nil {
		return nil, fmt.Errorf("failed to rewind request body: %w", err)
	}
	clone.Body = body
	return clone, nil
}

// parsePaymentRequirements extracts payment requirements from a 402 response.
func parsePaymentRequirements(resp *http.Response) ([]x402.PaymentRequirement, error) {
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}

	var paymentReqResp x402.PaymentRequirementsResponse
	if err := json.Unmarshal(body, &paymentReqResp); err != nil {
		return nil, fmt.Errorf("failed to parse payment requirements JSON: %w", err)
	}

	if len(paymentReqResp.Accepts) == 0 {
		return nil, fmt.Errorf("no payment requirements in response")
	}

	return paymentReqResp.Accepts, nil
}

// buildPaymentHeader creates the X-PAYMENT header value from a payment payload.
func buildPaymentHeader(payment *x402.PaymentPayload) (string, error) {
	return encoding.EncodePayment(*payment)
}

// parseSettlement extracts settlement information from the X-PAYMENT-RESPONSE header.
func parseSettlement(headerValue string) (*x402.SettlementResponse, error) {
	settlement, err := encoding.DecodeSettlement(headerValue)
	if err != nil {
		return nil, err
	}
	return &settlement, nil
}

// RequestWithBody clones an HTTP request with a new body.
// This is needed because request bodies can only be read once.
func RequestWithBody(req *http.Request, body []byte) *http.Request {
	clone := req.Clone(req.Context())
	clone.Body = io.NopCloser(bytes.NewReader(body))
	clone.ContentLength = int64(len(body))
	clone.GetBody = func() (io.ReadCloser, error) {
		return io.NopCloser(bytes.NewReader(body)), nil
	}
	return clone
}
