// Package chi provides Chi-compatible middleware for x402 payment gating.
// This package is a thin adapter that uses the stdlib http.Handler interface
// and delegates all payment verification and settlement logic to shared helpers.
package chi

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/niklabh/x402-go"
	"github.com/niklabh/x402-go/facilitator"
	httpx402 "github.com/niklabh/x402-go/http"
	"github.com/niklabh/x402-go/http/internal/helpers"
)

// NewChiX402Middleware creates a new x402 payment middleware for Chi.
// It returns a Chi-compatible middleware function that wraps handlers with payment gating.
//
// The middleware:
//   - Bypasses OPTIONS requests for CORS preflight support
//   - Checks for X-PAYMENT header in requests
//   - Returns 402 Payment Required if missing or invalid
//   - Verifies payments with the facilitator
//   - Settles payments (unless VerifyOnly=true)
//   - Stores payment information in request context via httpx402.PaymentContextKey
//   - Calls the next handler on payment success
func NewChiX402Middleware(config *httpx402.Config) func(http.Handler) http.Handler {
	fac := resolveFacilitator(config)
	fallback := resolveFallback(config)

	enrichedRequirements := config.PaymentRequirements
	if client, ok := fac.(*httpx402.FacilitatorClient); ok {
		ctx, cancel := context.WithTimeout(context.Background(), x402.DefaultTimeouts.RequestTimeout)
		defer cancel()
		enriched, err := client.EnrichRequirements(ctx, config.PaymentRequirements)
		if err != nil {
			slog.Default().Warn("failed to enrich payment requirements from facilitator", "error", err)
		} else {
			slog.Default().Info("payment requirements enriched from facilitator", "count", len(enriched))
			enrichedRequirements = enriched
		}
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			logger := slog.Default()

			// OPTIONS request bypass for CORS preflight support
			if r.Method == http.MethodOptions {
				next.ServeHTTP(w, r)
				return
			}

			scheme := "http"
			if r.TLS != nil {
				scheme = "https"
			}
			resourceURL := scheme + "://" + r.Host + r.RequestURI

			requirementsWithResource := make([]x402.PaymentRequirement, len(enrichedRequirements))
			for i, req := range enrichedRequirements {
				requirementsWithResource[i] = req
				requirementsWithResource[i].Resource = resourceURL
				if requirementsWithResource[i].Description == "" {
					requirementsWithResource[i].Description = "Payment required for " + r.URL.Path
				}
			}

			paymentHeader := r.Header.Get("X-PAYMENT")
			if paymentHeader == "" {
				logger.Warn("no payment header provided", "path", r.URL.Path)
				helpers.SendPaymentRequired(w, requirementsWithResource)
				return
			}

			payment, err := helpers.ParsePaymentHeaderFromRequest(r)
			if err != nil {
				logger.Warn("invalid payment header", "error", err)
				sendErrorResponse(w, http.StatusBadRequest, "Invalid payment header")
				return
			}

			requirement, err := helpers.FindMatchingRequirement(payment, requirementsWithResource)
			if err != nil {
				logger.Warn("no matching requirement", "error", err)
				helpers.SendPaymentRequired(w, requirementsWithResource)
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
				sendErrorResponse(w, http.StatusServiceUnavailable, "Payment verification failed")
				return
			}

			if !verifyResp.IsValid {
				logger.Warn("payment verification failed", "reason", verifyResp.InvalidReason)
				helpers.SendPaymentRequired(w, requirementsWithResource)
				return
			}

			logger.Info("payment verified", "payer", verifyResp.Payer)

			if !config.VerifyOnly {
				logger.Info("settling payment", "payer", verifyResp.Payer)
				settlementResp, err := fac.Settle(r.Context(), payment, requirement)
				if err != nil && fallback != nil {
					logger.Warn("primary facilitator settlement failed, trying fallback", "error", err)
					settlementResp, err = fallback.Settle(r.Context(), payment, requirement)
				}
				if err != nil {
					logger.Error("settlement failed", "error", err)
					sendErrorResponse(w, http.StatusServiceUnavailable, "Payment settlement failed")
					return
				}

				if !settlementResp.Success {
					logger.Warn("settlement unsuccessful", "reason", settlementResp.ErrorReason)
					helpers.SendPaymentRequired(w, requirementsWithResource)
					return
				}

				logger.Info("payment settled", "transaction", settlementResp.Transaction)

				if err := helpers.AddPaymentResponseHeader(w, settlementResp); err != nil {
					logger.Warn("failed to add payment response header", "error", err)
					// Continue anyway - payment was successful
				}
			}

			ctx := context.WithValue(r.Context(), httpx402.PaymentContextKey, verifyResp)
			r = r.WithContext(ctx)

			next.ServeHTTP(w, r)
		})
	}
}

// resolveFacilitator picks the configured engine or builds a remote client.
func resolveFacilitator(config *httpx402.Config) facilitator.Interface {
	if config.Facilitator != nil {
		return config.Facilitator
	}
	return &httpx402.FacilitatorClient{
		BaseURL:               config.FacilitatorURL,
		Client:                &http.Client{},
		Timeouts:              config.Timeouts,
		Authorization:         config.FacilitatorAuthorization,
		AuthorizationProvider: config.FacilitatorAuthorizationProvider,
	}
}

func resolveFallback(config *httpx402.Config) facilitator.Interface {
	if config.FallbackFacilitatorURL == "" {
		return nil
	}
	return &httpx402.FacilitatorClient{
		BaseURL:               config.FallbackFacilitatorURL,
		Client:                &http.Client{},
		Timeouts:              config.Timeouts,
		Authorization:         config.FallbackFacilitatorAuthorization,
		AuthorizationProvider: config.FallbackFacilitatorAuthorizationProvider,
	}
}

// sendErrorResponse sends an error response with the x402Version field.
func sendErrorResponse(w http.ResponseWriter, statusCode int, errorMessage string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	// Ignore write errors - status already sent
	_, _ = w.Write([]byte(`{"x402Version":1,"error":"` + errorMessage + `"}`))
}
