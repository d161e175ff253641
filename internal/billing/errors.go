package billing

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidAPIKey is returned when Stripe API key is invalid or missing.
	ErrInvalidAPIKey = errors.New("billing: invalid or missing API key")

	// ErrNotFound is returned when the gateway reports the object is missing.
	// Callers that converge on a terminal state (cancel) treat it as success.
	ErrNotFound = errors.New("billing: resource not found at gateway")

	// ErrInvalidPayload is returned when a webhook body is empty or not a
	// well-formed event.
	ErrInvalidPayload = errors.New("billing: invalid webhook payload")

	// ErrInvalidSignature is returned when webhook signature verification fails.
	ErrInvalidSignature = errors.New("billing: invalid webhook signature")

	// ErrMissingPrice is returned when a product has no amount for a cycle.
	ErrMissingPrice = errors.New("billing: product has no price for billing cycle")
)

// GatewayError wraps a failed gateway call with the provider's message.
type GatewayError struct {
	Op            string // Gateway operation, e.g. "subscription.create"
	Message       string // Human-readable error message from the provider
	Code          string // Provider error code (e.g., "card_declined")
	DeclineCode   string // Card decline reason (if applicable)
	HTTPStatus    int    // HTTP status from the provider, 0 when no response
	RequestID     string // Provider request ID for debugging
	OriginalError error  // Original error from the SDK or transport

	temporary bool
}

func (e *GatewayError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("stripe: %s: %s (code: %s)", e.Op, e.Message, e.Code)
	}
	return fmt.Sprintf("stripe: %s: %s", e.Op, e.Message)
}

func (e *GatewayError) Unwrap() error {
	return e.OriginalError
}

// IsDeclined returns true if error is due to card decline.
func (e *GatewayError) IsDeclined() bool {
	return e.Code == "card_declined" || e.DeclineCode != ""
}

// IsTemporary returns true if error is likely transient (timeouts, transport
// failures, rate limits, provider 5xx).
func (e *GatewayError) IsTemporary() bool {
	return e.temporary || e.Code == "rate_limit" || e.Code == "api_connection_error"
}

// AsGatewayError unwraps err into a *GatewayError if it is one.
func AsGatewayError(err error) (*GatewayError, bool) {
	var ge *GatewayError
	if errors.As(err, &ge) {
		return ge, true
	}
	return nil, false
}
