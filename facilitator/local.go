package facilitator

import (
	"context"

	"github.com/niklabh/x402-go"
	"github.com/niklabh/x402-go/schemes"
	"github.com/niklabh/x402-go/validation"
)

// Local is an in-process facilitator engine backed by a scheme registry.
// It performs the protocol-level checks (version, structure, scheme
// resolution) and delegates the scheme-specific work to the registered
// implementation. Both the HTTP server and embedded gatekeepers use it.
type Local struct {
	registry *schemes.Registry
}

// NewLocal creates a facilitator engine over the given scheme registry.
func NewLocal(registry *schemes.Registry) *Local {
	return &Local{registry: registry}
}

// Verify implements Interface. Unsupported versions and unknown
// (scheme, network) pairs are reported as invalid responses, not errors:
// they are payment rejections, not infrastructure faults.
func (l *Local) Verify(ctx context.Context, payment x402.PaymentPayload, requirement x402.PaymentRequirement) (*x402.VerifyResponse, error) {
	if err := validation.ValidatePaymentPayload(payment); err != nil {
		return &x402.VerifyResponse{
			IsValid:       false,
			InvalidReason: x402.ReasonMalformedPayload,
		}, nil
	}

	scheme, err := l.registry.Resolve(payment.Scheme, payment.Network)
	if err != nil {
		return &x402.VerifyResponse{
			IsValid:       false,
			InvalidReason: x402.ReasonUnsupportedCombination,
		}, nil
	}

	return scheme.Verify(ctx, &payment, &requirement)
}

// Settle implements Interface.
func (l *Local) Settle(ctx context.Context, payment x402.PaymentPayload, requirement x402.PaymentRequirement) (*x402.SettlementResponse, error) {
	if err := validation.ValidatePaymentPayload(payment); err != nil {
		return &x402.SettlementResponse{
			Success:     false,
			ErrorReason: x402.ReasonMalformedPayload,
			Network:     payment.Network,
		}, nil
	}

	scheme, err := l.registry.Resolve(payment.Scheme, payment.Network)
	if err != nil {
		return &x402.SettlementResponse{
			Success:     false,
			ErrorReason: x402.ReasonUnsupportedCombination,
			Network:     payment.Network,
		}, nil
	}

	return scheme.Settle(ctx, &payment, &requirement)
}

// Supported implements Interface.
func (l *Local) Supported(ctx context.Context) (*x402.SupportedResponse, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return &x402.SupportedResponse{Kinds: l.registry.Supported()}, nil
}
