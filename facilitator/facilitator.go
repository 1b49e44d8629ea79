// Package facilitator implements the x402 facilitator: the service that
// verifies signed payment payloads and settles them on-chain on behalf of
// resource servers. Local is the in-process engine; Server exposes it over
// HTTP for gatekeepers that delegate via the wire protocol.
package facilitator

import (
	"context"

	"github.com/niklabh/x402-go"
)

// Interface is the facilitator contract for payment verification and
// settlement. The http package's FacilitatorClient satisfies it over the
// wire; Local satisfies it in-process.
type Interface interface {
	// Verify checks a payment authorization without executing the transaction.
	Verify(ctx context.Context, payment x402.PaymentPayload, requirement x402.PaymentRequirement) (*x402.VerifyResponse, error)

	// Settle executes a verified payment on the blockchain.
	Settle(ctx context.Context, payment x402.PaymentPayload, requirement x402.PaymentRequirement) (*x402.SettlementResponse, error)

	// Supported queries the facilitator for supported payment types.
	Supported(ctx context.Context) (*x402.SupportedResponse, error)
}
