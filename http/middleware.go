// Package http provides the x402 HTTP surface: the payment-aware client
// transport and the gatekeeper middleware that gates handlers behind payment.
package http

import (
	"bufio"
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"

	"github.com/niklabh/x402-go"
	"github.com/niklabh/x402-go/facilitator"
)

// Config holds the configuration for the x402 middleware.
type Config struct {
	// Facilitator is the engine used for verification and settlement. When
	// set it takes precedence over FacilitatorURL; use facilitator.NewLocal
	// to run without a remote facilitator service.
	Facilitator facilitator.Interface

	// FacilitatorURL is the primary facilitator endpoint.
	FacilitatorURL string

	// FallbackFacilitatorURL is the optional backup facilitator.
	FallbackFacilitatorURL string

	// PaymentRequirements defines the accepted payment methods.
	PaymentRequirements []x402.PaymentRequirement

	// VerifyOnly skips settlement if true (only verifies payments).
	VerifyOnly bool

	// Timeouts bounds facilitator operations. Zero value uses x402.DefaultTimeouts.
	Timeouts x402.TimeoutConfig

	// FacilitatorAuthorization is a static Authorization header value for the primary facilitator.
	// Example: "Bearer your-api-key" or "Basic base64-encoded-credentials".
	FacilitatorAuthorization string

	// FacilitatorAuthorizationProvider is a function that returns an Authorization header value
	// for the primary facilitator. If set, this takes precedence over FacilitatorAuthorization.
	FacilitatorAuthorizationProvider AuthorizationProvider

	// Facilitator hooks for custom logic before/after verify and settle operations.
	FacilitatorOnBeforeVerify OnBeforeFunc
	FacilitatorOnAfterVerify  OnAfterVerifyFunc
	FacilitatorOnBeforeSettle OnBeforeFunc
	FacilitatorOnAfterSettle  OnAfterSettleFunc

	// FallbackFacilitatorAuthorization is a static Authorization header value for the fallback facilitator.
	FallbackFacilitatorAuthorization string

	// FallbackFacilitatorAuthorizationProvider returns an Authorization header value
	// for the fallback facilitator. If set, this takes precedence over FallbackFacilitatorAuthorization.
	FallbackFacilitatorAuthorizationProvider AuthorizationProvider

	// FallbackFacilitator hooks for custom logic before/after verify and settle operations.
	FallbackFacilitatorOnBeforeVerify OnBeforeFunc
	FallbackFacilitatorOnAfterVerify  OnAfterVerifyFunc
	FallbackFacilitatorOnBeforeSettle OnBeforeFunc
	FallbackFacilitatorOnAfterSettle  OnAfterSettleFunc
}

// contextKey is a custom type for context keys to avoid collisions.
type contextKey string

// PaymentContextKey is the context key for storing verified payment information.
// The stored value is a *x402.VerifyResponse.
const PaymentContextKey = contextKey("x402_payment")

// primaryFacilitator resolves the engine to verify and settle against.
func primaryFacilitator(config *Config) facilitator.Interface {
	if config.Facilitator != nil {
		return config.Facilitator
	}
	return &FacilitatorClient{
		BaseURL:               config.FacilitatorURL,
		Client:                &http.Client{},
		Timeouts:              config.Timeouts,
		Authorization:         config.FacilitatorAuthorization,
		AuthorizationProvider: config.FacilitatorAuthorizationProvider,
		OnBeforeVerify:        config.FacilitatorOnBeforeVerify,
		OnAfterVerify:         config.FacilitatorOnAfterVerify,
		OnBeforeSettle:        config.FacilitatorOnBeforeSettle,
		OnAfterSettle:         config.FacilitatorOnAfterSettle,
	}
}

// fallbackFacilitatorFor builds the optional backup engine.
func fallbackFacilitatorFor(config *Config) facilitator.Interface {
	if config.FallbackFacilitatorURL == "" {
		return nil
	}
	return &FacilitatorClient{
		BaseURL:               config.FallbackFacilitatorURL,
		Client:                &http.Client{},
		Timeouts:              config.Timeouts,
		Authorization:         config.FallbackFacilitatorAuthorization,
		AuthorizationProvider: config.FallbackFacilitatorAuthorizationProvider,
		OnBeforeVerify:        config.FallbackFacilitatorOnBeforeVerify,
		OnAfterVerify:         config.FallbackFacilitatorOnAfterVerify,
		OnBeforeSettle:        config.FallbackFacilitatorOnBeforeSettle,
		OnAfterSettle:         config.FallbackFacilitatorOnAfterSettle,
	}
}

// enrichRequirements merges facilitator-advertised extra data into the
// configured requirements, degrading gracefully when the facilitator is
// unreachable at startup.
func enrichRequirements(fac facilitator.Interface, config *Config) []x402.PaymentRequirement {
	client, ok := fac.(*FacilitatorClient)
	if !ok {
		return config.PaymentRequirements
	}

	timeouts := config.Timeouts
	if timeouts.RequestTimeout == 0 {
		timeouts.RequestTimeout = x402.DefaultTimeouts.RequestTimeout
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeouts.RequestTimeout)
	defer cancel()

	enriched, err := client.EnrichRequirements(ctx, config.PaymentRequirements)
	if err != nil {
		slog.Default().Warn("failed to enrich payment requirements from facilitator", "error", err)
		return config.PaymentRequirements
	}
	slog.Default().Info("payment requirements enriched from facilitator", "count", len(enriched))
	return enriched
}

// requirementsForRequest stamps the request URL into the Resource field of
// each requirement.
func requirementsForRequest(requirements []x402.PaymentRequirement, r *http.Request) []x402.PaymentRequirement {
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	resourceURL := scheme + "://" + r.Host + r.RequestURI

	stamped := make([]x402.PaymentRequirement, len(requirements))
	for i, req := range requirements {
		stamped[i] = req
		stamped[i].Resource = resourceURL
		if stamped[i].Description == "" {
			stamped[i].Description = "Payment required for " + r.URL.Path
		}
	}
	return stamped
}

// NewX402Middleware creates a new x402 payment middleware.
// It returns a middleware function that wraps HTTP handlers with payment
// gating: requests without a valid X-PAYMENT header receive 402 with the
// configured requirements; verified requests reach the handler, and
// settlement runs only at the moment the handler commits a success status.
func NewX402Middleware(config *Config) func(http.Handler) http.Handler {
	fac := primaryFacilitator(config)
	fallback := fallbackFacilitatorFor(config)
	enriched := enrichRequirements(fac, config)

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			logger := slog.Default()

			requirementsWithResource := requirementsForRequest(enriched, r)

			paymentHeader := r.Header.Get("X-PAYMENT")
			if paymentHeader == "" {
				logger.Info("no payment header provided", "path", r.URL.Path)
				sendPaymentRequiredWithRequirements(w, requirementsWithResource)
				return
			}

			payment, err := parsePaymentHeader(r)
			if err != nil {
				logger.Warn("invalid payment header", "error", err)
				http.Error(w, "Invalid payment header", http.StatusBadRequest)
				return
			}

			requirement, err := findMatchingRequirement(payment, requirementsWithResource)
			if err != nil {
				logger.Warn("no matching requirement", "error", err)
				sendPaymentRequiredWithRequirements(w, requirementsWithResource)
				return
			}

			logger.Info("verifying payment", "scheme", payment.Scheme, "network", payment.Network)
			verifyResp, err := fac.Verify(r.Context(), payment, requirement)
			if err != nil && fallback != nil {
				logger.Warn("primary facilitator failed, trying fallback", "error", err)
				verifyResp, err = fallback.Verify(r.Context(), payment, requirement)
			}
			if err != nil {
				logger.Error("facilitator verification failed", "error", err)
				http.Error(w, "Payment verification failed", http.StatusServiceUnavailable)
				return
			}

			if !verifyResp.IsValid {
				logger.Warn("payment verification failed", "reason", verifyResp.InvalidReason)
				sendPaymentRequiredWithRequirements(w, requirementsWithResource)
				return
			}

			logger.Info("payment verified", "payer", verifyResp.Payer)

			ctx := context.WithValue(r.Context(), PaymentContextKey, verifyResp)
			r = r.WithContext(ctx)

			interceptor := &settlementInterceptor{
				w: w,
				settleFunc: func() bool {
					if config.VerifyOnly {
						return true
					}

					logger.Info("settling payment", "payer", verifyResp.Payer)
					settlementResp, err := fac.Settle(r.Context(), payment, requirement)
					if err != nil && fallback != nil {
						logger.Warn("primary facilitator settlement failed, trying fallback", "error", err)
						settlementResp, err = fallback.Settle(r.Context(), payment, requirement)
					}
					if err != nil {
						logger.Error("settlement failed", "error", err)
						http.Error(w, "Payment settlement failed", http.StatusServiceUnavailable)
						return false
					}

					if !settlementResp.Success {
						logger.Warn("settlement unsuccessful", "reason", settlementResp.ErrorReason)
						sendPaymentRequiredWithRequirements(w, requirementsWithResource)
						return false
					}

					logger.Info("payment settled", "transaction", settlementResp.Transaction)

					if err := addPaymentResponseHeader(w, settlementResp); err != nil {
						logger.Warn("failed to add payment response header", "error", err)
						// Continue anyway - payment was successful
					}
					return true
				},
				onFailure: func(statusCode int) {
					logger.Warn("handler returned non-success, skipping payment settlement", "status", statusCode)
				},
			}
			next.ServeHTTP(interceptor, r)
		})
	}
}

// settlementInterceptor wraps the ResponseWriter to intercept the moment of
// commitment: settlement runs when the handler first writes a success
// status, so failed handlers never charge the payer.
type settlementInterceptor struct {
	w http.ResponseWriter
	// settleFunc performs the actual settlement logic
	settleFunc func() bool
	// onFailure is an internal logging callback
	onFailure func(statusCode int)
	committed bool
	hijacked  bool
}

func (i *settlementInterceptor) Header() http.Header {
	return i.w.Header()
}

func (i *settlementInterceptor) Write(b []byte) (int, error) {
	// A Write without WriteHeader implies 200 OK, which must trigger the
	// settlement check first.
	if !i.committed {
		i.WriteHeader(http.StatusOK)
	}

	// After a failed settlement the error response is already written;
	// discard the handler's payload to prevent mixed responses.
	if i.hijacked {
		return len(b), nil
	}

	return i.w.Write(b)
}

func (i *settlementInterceptor) WriteHeader(statusCode int) {
	if i.committed {
		return
	}
	i.committed = true

	// Handler errors pass through untouched. No settlement.
	if statusCode >= 400 {
		if i.onFailure != nil {
			i.onFailure(statusCode)
		}
		i.w.WriteHeader(statusCode)
		return
	}

	// The handler wants to succeed; settle before committing the status.
	if !i.settleFunc() {
		// settleFunc has already written the error to the underlying writer.
		i.hijacked = true
		return
	}

	// Settlement succeeded and X-PAYMENT-RESPONSE is set; let the original
	// status proceed.
	i.w.WriteHeader(statusCode)
}

// Flush implements http.Flusher to support streaming responses.
func (i *settlementInterceptor) Flush() {
	if flusher, ok := i.w.(http.Flusher); ok {
		flusher.Flush()
	}
}

// Hijack implements http.Hijacker to support connection hijacking.
func (i *settlementInterceptor) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if hijacker, ok := i.w.(http.Hijacker); ok {
		return hijacker.Hijack()
	}
	return nil, nil, errors.New("hijacking not supported")
}

// Push implements http.Pusher to support HTTP/2 server push.
func (i *settlementInterceptor) Push(target string, opts *http.PushOptions) error {
	if pusher, ok := i.w.(http.Pusher); ok {
		return pusher.Push(target, opts)
	}
	return http.ErrNotSupported
}
