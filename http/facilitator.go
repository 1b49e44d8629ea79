package http

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/niklabh/x402-go"
	"github.com/niklabh/x402-go/retry"
)

// AuthorizationProvider returns an Authorization header value for facilitator
// requests. Useful for dynamic tokens that may need to be refreshed.
type AuthorizationProvider func(ctx context.Context) (string, error)

// OnBeforeFunc runs before a verify or settle call. Returning an error aborts
// the call.
type OnBeforeFunc func(ctx context.Context, payment x402.PaymentPayload, requirement x402.PaymentRequirement) error

// OnAfterVerifyFunc observes the outcome of a verify call.
type OnAfterVerifyFunc func(ctx context.Context, resp *x402.VerifyResponse, err error)

// OnAfterSettleFunc observes the outcome of a settle call.
type OnAfterSettleFunc func(ctx context.Context, resp *x402.SettlementResponse, err error)

// FacilitatorClient is a client for communicating with x402 facilitator
// services. It satisfies facilitator.Interface, so gatekeepers can swap a
// remote facilitator for an in-process engine without code changes.
//
// Transient transport failures and 5xx responses are retried with backoff;
// a facilitator's verdict (valid or not, settled or not) is never retried.
type FacilitatorClient struct {
	BaseURL string
	Client  *http.Client

	// Timeouts bounds each operation. Zero-value fields fall back to
	// x402.DefaultTimeouts.
	Timeouts x402.TimeoutConfig

	// Authorization is a static Authorization header value.
	// Example: "Bearer your-api-key".
	Authorization string

	// AuthorizationProvider supplies the Authorization header per request.
	// If set, this takes precedence over Authorization.
	AuthorizationProvider AuthorizationProvider

	// Retry configures backoff for transient failures. Zero value uses
	// retry.DefaultConfig.
	Retry retry.Config

	// Hooks for custom logic around verify and settle operations.
	OnBeforeVerify OnBeforeFunc
	OnAfterVerify  OnAfterVerifyFunc
	OnBeforeSettle OnBeforeFunc
	OnAfterSettle  OnAfterSettleFunc
}

// wireRequest is the JSON body of facilitator verify and settle calls.
type wireRequest struct {
	X402Version         int                     `json:"x402Version"`
	PaymentPayload      x402.PaymentPayload     `json:"paymentPayload"`
	PaymentRequirements x402.PaymentRequirement `json:"paymentRequirements"`
}

// transientError marks a failure worth retrying.
type transientError struct {
	err error
}

func (e *transientError) Error() string { return e.err.Error() }
func (e *transientError) Unwrap() error { return e.err }

func isTransient(err error) bool {
	var te *transientError
	return errors.As(err, &te)
}

// Verify implements facilitator.Interface.
func (c *FacilitatorClient) Verify(ctx context.Context, payment x402.PaymentPayload, requirement x402.PaymentRequirement) (*x402.VerifyResponse, error) {
	if c.OnBeforeVerify != nil {
		if err := c.OnBeforeVerify(ctx, payment, requirement); err != nil {
			return nil, err
		}
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeouts().VerifyTimeout)
	defer cancel()

	var resp x402.VerifyResponse
	err := c.postJSON(ctx, "/verify", wireRequest{
		X402Version:         x402.X402Version,
		PaymentPayload:      payment,
		PaymentRequirements: requirement,
	}, &resp)

	if c.OnAfterVerify != nil {
		c.OnAfterVerify(ctx, &resp, err)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", x402.ErrVerificationFailed, err)
	}
	return &resp, nil
}

// Settle implements facilitator.Interface. Settlement requests are not
// retried at the transport level once a body has reached the facilitator's
// verdict path; only failures to obtain any verdict retry, and the nonce
// ledger on the facilitator side keeps that safe.
func (c *FacilitatorClient) Settle(ctx context.Context, payment x402.PaymentPayload, requirement x402.PaymentRequirement) (*x402.SettlementResponse, error) {
	if c.OnBeforeSettle != nil {
		if err := c.OnBeforeSettle(ctx, payment, requirement); err != nil {
			return nil, err
		}
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeouts().SettleTimeout)
	defer cancel()

	var resp x402.SettlementResponse
	err := c.postJSON(ctx, "/settle", wireRequest{
		X402Version:         x402.X402Version,
		PaymentPayload:      payment,
		PaymentRequirements: requirement,
	}, &resp)

	if c.OnAfterSettle != nil {
		c.OnAfterSettle(ctx, &resp, err)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", x402.ErrSettlementFailed, err)
	}
	return &resp, nil
}

// Supported implements facilitator.Interface.
func (c *FacilitatorClient) Supported(ctx context.Context) (*x402.SupportedResponse, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeouts().VerifyTimeout)
	defer cancel()

	resp, err := retry.WithRetry(ctx, c.retryConfig(), isTransient, func() (*x402.SupportedResponse, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.BaseURL+"/supported", nil)
		if err != nil {
			return nil, fmt.Errorf("failed to create request: %w", err)
		}
		if err := c.setAuthorization(ctx, req); err != nil {
			return nil, err
		}

		httpResp, err := c.client().Do(req)
		if err != nil {
			return nil, &transientError{fmt.Errorf("%w: %v", x402.ErrFacilitatorUnavailable, err)}
		}
		defer httpResp.Body.Close()

		if httpResp.StatusCode != http.StatusOK {
			err := fmt.Errorf("supported endpoint failed: status %d", httpResp.StatusCode)
			if httpResp.StatusCode >= 500 {
				return nil, &transientError{err}
			}
			return nil, err
		}

		var supported x402.SupportedResponse
		if err := json.NewDecoder(httpResp.Body).Decode(&supported); err != nil {
			return nil, fmt.Errorf("failed to decode supported response: %w", err)
		}
		return &supported, nil
	})
	if err != nil {
		return nil, err
	}
	return resp, nil
}

// EnrichRequirements fetches supported payment types from the facilitator and
// merges their extra data (such as EIP-712 domain parameters) into the
// provided requirements. User-specified values take precedence.
func (c *FacilitatorClient) EnrichRequirements(ctx context.Context, requirements []x402.PaymentRequirement) ([]x402.PaymentRequirement, error) {
	supported, err := c.Supported(ctx)
	if err != nil {
		return requirements, fmt.Errorf("failed to fetch supported payment types: %w", err)
	}

	supportedMap := make(map[string]x402.SupportedKind)
	for _, kind := range supported.Kinds {
		supportedMap[kind.Network+"-"+kind.Scheme] = kind
	}

	enriched := make([]x402.PaymentRequirement, len(requirements))
	for i, req := range requirements {
		enriched[i] = req
		kind, ok := supportedMap[req.Network+"-"+req.Scheme]
		if !ok || kind.Extra == nil {
			continue
		}
		if enriched[i].Extra == nil {
			enriched[i].Extra = make(map[string]interface{})
		}
		for k, v := range kind.Extra {
			if _, exists := enriched[i].Extra[k]; !exists {
				enriched[i].Extra[k] = v
			}
		}
	}

	return enriched, nil
}

// postJSON posts a request body and decodes a 200 response into out.
func (c *FacilitatorClient) postJSON(ctx context.Context, path string, body wireRequest, out interface{}) error {
	data, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}

	_, err = retry.WithRetry(ctx, c.retryConfig(), isTransient, func() (struct{}, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+path, bytes.NewReader(data))
		if err != nil {
			return struct{}{}, fmt.Errorf("failed to create request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")
		if err := c.setAuthorization(ctx, req); err != nil {
			return struct{}{}, err
		}

		resp, err := c.client().Do(req)
		if err != nil {
			return struct{}{}, &transientError{fmt.Errorf("%w: %v", x402.ErrFacilitatorUnavailable, err)}
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			err := fmt.Errorf("facilitator %s: status %d", path, resp.StatusCode)
			if resp.StatusCode >= 500 {
				return struct{}{}, &transientError{err}
			}
			return struct{}{}, err
		}

		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return struct{}{}, fmt.Errorf("failed to decode %s response: %w", path, err)
		}
		return struct{}{}, nil
	})
	return err
}

func (c *FacilitatorClient) setAuthorization(ctx context.Context, req *http.Request) error {
	if c.AuthorizationProvider != nil {
		value, err := c.AuthorizationProvider(ctx)
		if err != nil {
			return fmt.Errorf("authorization provider: %w", err)
		}
		req.Header.Set("Authorization", value)
		return nil
	}
	if c.Authorization != "" {
		req.Header.Set("Authorization", c.Authorization)
	}
	return nil
}

func (c *FacilitatorClient) client() *http.Client {
	if c.Client != nil {
		return c.Client
	}
	return http.DefaultClient
}

func (c *FacilitatorClient) timeouts() x402.TimeoutConfig {
	t := c.Timeouts
	if t.VerifyTimeout == 0 {
		t.VerifyTimeout = x402.DefaultTimeouts.VerifyTimeout
	}
	if t.SettleTimeout == 0 {
		t.SettleTimeout = x402.DefaultTimeouts.SettleTimeout
	}
	if t.RequestTimeout == 0 {
		t.RequestTimeout = x402.DefaultTimeouts.RequestTimeout
	}
	return t
}

func (c *FacilitatorClient) retryConfig() retry.Config {
	if c.Retry.MaxAttempts > 0 {
		return c.Retry
	}
	return retry.DefaultConfig
}
