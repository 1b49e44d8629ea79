// Package gin provides Gin-compatible middleware for x402 payment gating.
// This package is a thin adapter that translates gin.Context to stdlib http patterns
// and delegates all payment verification and settlement logic to shared helpers.
package gin

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/niklabh/x402-go"
	"github.com/niklabh/x402-go/facilitator"
	httpx402 "github.com/niklabh/x402-go/http"
	"github.com/niklabh/x402-go/http/internal/helpers"
)

// NewGinX402Middleware creates a new x402 payment middleware for Gin.
// It returns a Gin-compatible middleware function that wraps handlers with payment gating.
//
// The middleware:
//   - Checks for X-PAYMENT header in requests
//   - Returns 402 Payment Required if missing or invalid
//   - Verifies payments with the facilitator
//   - Settles payments (unless VerifyOnly=true)
//   - Stores payment information in Gin context via c.Set("x402_payment", verifyResp)
//   - Calls c.Abort() on payment failure to stop the handler chain
//   - Calls c.Next() on payment success to proceed to the protected handler
func NewGinX402Middleware(config *httpx402.Config) gin.HandlerFunc {
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

	return func(c *gin.Context) {
		logger := slog.Default()

		scheme := "http"
		if c.Request.TLS != nil {
			scheme = "https"
		}
		resourceURL := scheme + "://" + c.Request.Host + c.Request.RequestURI

		requirementsWithResource := make([]x402.PaymentRequirement, len(enrichedRequirements))
		for i, req := range enrichedRequirements {
			requirementsWithResource[i] = req
			requirementsWithResource[i].Resource = resourceURL
			if requirementsWithResource[i].Description == "" {
				requirementsWithResource[i].Description = "Payment required for " + c.Request.URL.Path
			}
		}

		paymentHeader := c.GetHeader("X-PAYMENT")
		if paymentHeader == "" {
			logger.Info("no payment header provided", "path", c.Request.URL.Path)
			sendPaymentRequiredGin(c, requirementsWithResource)
			return
		}

		payment, err := helpers.ParsePaymentHeaderFromRequest(c.Request)
		if err != nil {
			logger.Warn("invalid payment header", "error", err)
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{
				"x402Version": x402.X402Version,
				"error":       "Invalid payment header",
			})
			return
		}

		requirement, err := helpers.FindMatchingRequirement(payment, requirementsWithResource)
		if err != nil {
			logger.Warn("no matching requirement", "error", err)
			sendPaymentRequiredGin(c, requirementsWithResource)
			return
		}

		logger.Info("verifying payment", "scheme", payment.Scheme, "network", payment.Network)
		verifyResp, err := fac.Verify(c.Request.Context(), payment, requirement)
		if err != nil && fallback != nil {
			logger.Warn("primary facilitator failed, trying fallback", "error", err)
			verifyResp, err = fallback.Verify(c.Request.Context(), payment, requirement)
		}
		if err != nil {
			logger.Error("facilitator verification failed", "error", err)
			c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{
				"x402Version": x402.X402Version,
				"error":       "Payment verification failed",
			})
			return
		}

		if !verifyResp.IsValid {
			logger.Warn("payment verification failed", "reason", verifyResp.InvalidReason)
			sendPaymentRequiredGin(c, requirementsWithResource)
			return
		}

		logger.Info("payment verified", "payer", verifyResp.Payer)

		if !config.VerifyOnly {
			logger.Info("settling payment", "payer", verifyResp.Payer)
			settlementResp, err := fac.Settle(c.Request.Context(), payment, requirement)
			if err != nil && fallback != nil {
				logger.Warn("primary facilitator settlement failed, trying fallback", "error", err)
				settlementResp, err = fallback.Settle(c.Request.Context(), payment, requirement)
			}
			if err != nil {
				logger.Error("settlement failed", "error", err)
				c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{
					"x402Version": x402.X402Version,
					"error":       "Payment settlement failed",
				})
				return
			}

			if !settlementResp.Success {
				logger.Warn("settlement unsuccessful", "reason", settlementResp.ErrorReason)
				sendPaymentRequiredGin(c, requirementsWithResource)
				return
			}

			logger.Info("payment settled", "transaction", settlementResp.Transaction)

			if err := helpers.AddPaymentResponseHeader(c.Writer, settlementResp); err != nil {
				logger.Warn("failed to add payment response header", "error", err)
				// Continue anyway - payment was successful
			}
		}

		// Store payment info in Gin context for handler access
		c.Set("x402_payment", verifyResp)

		// Also store in stdlib context for compatibility with http package helpers
		ctx := context.WithValue(c.Request.Context(), httpx402.PaymentContextKey, verifyResp)
		c.Request = c.Request.WithContext(ctx)

		c.Next()
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

// sendPaymentRequiredGin sends a 402 Payment Required response using Gin's JSON methods.
// It aborts the request chain and returns the payment requirements to the client.
func sendPaymentRequiredGin(c *gin.Context, requirements []x402.PaymentRequirement) {
	response := x402.PaymentRequirementsResponse{
		X402Version: x402.X402Version,
		Error:       "Payment required for this resource",
		Accepts:     requirements,
	}

	c.AbortWithStatusJSON(http.StatusPaymentRequired, response)
}
