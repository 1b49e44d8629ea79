package x402

import "time"

// PaymentEventType identifies the kind of payment lifecycle event.
type PaymentEventType string

const (
	// PaymentEventAttempt fires when a payment attempt starts.
	PaymentEventAttempt PaymentEventType = "attempt"

	// PaymentEventSuccess fires when a payment settles successfully.
	PaymentEventSuccess PaymentEventType = "success"

	// PaymentEventFailure fires when a payment attempt fails.
	PaymentEventFailure PaymentEventType = "failure"
)

// PaymentEvent carries the details of a payment lifecycle event.
type PaymentEvent struct {
	// Type is the event kind.
	Type PaymentEventType

	// Timestamp is when the event occurred.
	Timestamp time.Time

	// Method is the transport used ("HTTP").
	Method string

	// URL is the resource being paid for.
	URL string

	// Network and Scheme identify the selected payment option.
	Network string
	Scheme  string

	// Amount, Asset and Recipient describe the payment terms.
	Amount    string
	Asset     string
	Recipient string

	// Transaction is the settlement transaction hash (success events).
	Transaction string

	// Payer is the paying address (success events).
	Payer string

	// Error is the failure cause (failure events).
	Error error

	// Duration is the elapsed time since the attempt started.
	Duration time.Duration
}

// PaymentCallback observes payment lifecycle events. Callbacks run
// synchronously on the request path and should return quickly.
type PaymentCallback func(PaymentEvent)
