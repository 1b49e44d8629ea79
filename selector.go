package x402

import (
	"math/big"
	"sort"
	"strings"
)

// PaymentSelector selects the appropriate signer and creates a payment.
type PaymentSelector interface {
	// SelectAndSign chooses the best signer from the available signers
	// and creates a signed payment for the given requirements.
	SelectAndSign(requirements []PaymentRequirement, signers []Signer) (*PaymentPayload, error)
}

// DefaultPaymentSelector implements the standard payment selection algorithm.
// It walks the requirements in server order and picks the first entry some
// signer can satisfy, breaking ties by signer priority, then token priority.
type DefaultPaymentSelector struct{}

// NewDefaultPaymentSelector creates a new DefaultPaymentSelector.
func NewDefaultPaymentSelector() *DefaultPaymentSelector {
	return &DefaultPaymentSelector{}
}

// SelectAndSign implements PaymentSelector.
func (s *DefaultPaymentSelector) SelectAndSign(requirements []PaymentRequirement, signers []Signer) (*PaymentPayload, error) {
	if len(signers) == 0 {
		return nil, NewPaymentError(ErrCodeNoValidSigner, "no signers configured", ErrNoValidSigner)
	}
	if len(requirements) == 0 {
		return nil, NewPaymentError(ErrCodeInvalidRequirements, "no payment requirements offered", ErrInvalidRequirements)
	}

	for i := range requirements {
		req := &requirements[i]

		requiredAmount := new(big.Int)
		if _, ok := requiredAmount.SetString(req.MaxAmountRequired, 10); !ok {
			continue
		}

		candidates := candidatesFor(req, requiredAmount, signers)
		if len(candidates) == 0 {
			continue
		}

		// Lower priority numbers come first (1 > 2 > 3).
		sort.Slice(candidates, func(a, b int) bool {
			if candidates[a].signerPriority != candidates[b].signerPriority {
				return candidates[a].signerPriority < candidates[b].signerPriority
			}
			return candidates[a].tokenPriority < candidates[b].tokenPriority
		})

		payment, err := candidates[0].signer.Sign(req)
		if err != nil {
			return nil, NewPaymentError(ErrCodeSigningFailed, "failed to sign payment", err)
		}
		return payment, nil
	}

	return nil, NewPaymentError(ErrCodeNoValidSigner, "no signer can satisfy any offered requirement", ErrNoValidSigner).
		WithDetails("offered", len(requirements))
}

func candidatesFor(req *PaymentRequirement, requiredAmount *big.Int, signers []Signer) []signerCandidate {
	var candidates []signerCandidate
	for _, signer := range signers {
		if !signer.CanSign(req) {
			continue
		}

		if maxAmount := signer.GetMaxAmount(); maxAmount != nil && requiredAmount.Cmp(maxAmount) > 0 {
			continue
		}

		tokenPriority := 0
		for _, token := range signer.GetTokens() {
			if strings.EqualFold(token.Address, req.Asset) {
				tokenPriority = token.Priority
				break
			}
		}

		candidates = append(candidates, signerCandidate{
			signer:         signer,
			signerPriority: signer.GetPriority(),
			tokenPriority:  tokenPriority,
		})
	}
	return candidates
}

// signerCandidate represents a signer that can satisfy the payment requirements.
type signerCandidate struct {
	signer         Signer
	signerPriority int
	tokenPriority  int
}
