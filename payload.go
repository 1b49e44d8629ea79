package x402

import "encoding/json"

// DecodeExactEVMPayload extracts the ExactEVMPayload from a PaymentPayload.
// After JSON transport the Payload field is a map[string]interface{}, so the
// value is round-tripped through JSON to recover the typed form.
func DecodeExactEVMPayload(payment PaymentPayload) (ExactEVMPayload, error) {
	switch p := payment.Payload.(type) {
	case ExactEVMPayload:
		return p, nil
	case *ExactEVMPayload:
		return *p, nil
	}

	raw, err := json.Marshal(payment.Payload)
	if err != nil {
		return ExactEVMPayload{}, ErrInvalidAuthorization
	}

	var payload ExactEVMPayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		return ExactEVMPayload{}, ErrInvalidAuthorization
	}
	if payload.Signature == "" || payload.Authorization.From == "" {
		return ExactEVMPayload{}, ErrInvalidAuthorization
	}
	return payload, nil
}
