package billing

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/webhook"
)

// Event types the billing engine reconciles.
const (
	EventSubscriptionCreated     = "customer.subscription.created"
	EventSubscriptionUpdated     = "customer.subscription.updated"
	EventSubscriptionDeleted     = "customer.subscription.deleted"
	EventInvoicePaymentSucceeded = "invoice.payment_succeeded"
	EventInvoicePaymentFailed    = "invoice.payment_failed"
)

// Event is a verified webhook event flattened into billing types.
// Subscription is set for customer.subscription.* events and Invoice for
// invoice.* events.
type Event struct {
	ID           string
	Type         string
	Created      time.Time
	Subscription *Subscription
	Invoice      *Invoice
}

// Verifier authenticates raw webhook deliveries.
type Verifier interface {
	// Verify returns ErrInvalidSignature or ErrInvalidPayload (wrapped) when
	// the delivery cannot be trusted or parsed.
	Verify(payload []byte, signatureHeader string) (*Event, error)
}

// StripeVerifier verifies Stripe-Signature headers against a signing secret.
type StripeVerifier struct {
	secret    string
	tolerance time.Duration
}

// NewStripeVerifier creates a verifier for the endpoint's signing secret.
func NewStripeVerifier(secret string) *StripeVerifier {
	return &StripeVerifier{secret: secret, tolerance: webhook.DefaultTolerance}
}

// Verify checks the signature over the exact bytes received, then decodes
// the event.
func (v *StripeVerifier) Verify(payload []byte, signatureHeader string) (*Event, error) {
	if len(bytes.TrimSpace(payload)) == 0 {
		return nil, fmt.Errorf("%w: empty body", ErrInvalidPayload)
	}
	if signatureHeader == "" {
		return nil, fmt.Errorf("%w: missing signature header", ErrInvalidSignature)
	}

	event, err := webhook.ConstructEventWithOptions(payload, signatureHeader, v.secret, webhook.ConstructEventOptions{
		Tolerance:                v.tolerance,
		IgnoreAPIVersionMismatch: true,
	})
	if err != nil {
		if isSignatureError(err) {
			return nil, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
		}
		return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}

	return eventFromStripe(event)
}

func isSignatureError(err error) bool {
	return errors.Is(err, webhook.ErrNotSigned) ||
		errors.Is(err, webhook.ErrInvalidHeader) ||
		errors.Is(err, webhook.ErrNoValidSignature) ||
		errors.Is(err, webhook.ErrTooOld)
}

func eventFromStripe(event stripe.Event) (*Event, error) {
	if event.ID == "" || event.Type == "" {
		return nil, fmt.Errorf("%w: event id and type are required", ErrInvalidPayload)
	}

	out := &Event{
		ID:      event.ID,
		Type:    string(event.Type),
		Created: time.Unix(event.Created, 0).UTC(),
	}

	switch {
	case strings.HasPrefix(out.Type, "customer.subscription."):
		if event.Data == nil {
			return nil, fmt.Errorf("%w: %s without data", ErrInvalidPayload, out.Type)
		}
		var s stripe.Subscription
		if err := json.Unmarshal(event.Data.Raw, &s); err != nil {
			return nil, fmt.Errorf("%w: parse subscription: %v", ErrInvalidPayload, err)
		}
		out.Subscription = subscriptionFromStripe(&s)

	case strings.HasPrefix(out.Type, "invoice."):
		if event.Data == nil {
			return nil, fmt.Errorf("%w: %s without data", ErrInvalidPayload, out.Type)
		}
		var inv stripe.Invoice
		if err := json.Unmarshal(event.Data.Raw, &inv); err != nil {
			return nil, fmt.Errorf("%w: parse invoice: %v", ErrInvalidPayload, err)
		}
		out.Invoice = invoiceFromStripe(&inv)
	}

	return out, nil
}

func invoiceFromStripe(inv *stripe.Invoice) *Invoice {
	out := &Invoice{
		ID:            inv.ID,
		CustomerEmail: inv.CustomerEmail,
		CustomerName:  inv.CustomerName,
		AmountPaid:    inv.AmountPaid,
		AmountDue:     inv.AmountDue,
		Currency:      string(inv.Currency),
		HostedURL:     inv.HostedInvoiceURL,
		Metadata:      inv.Metadata,
	}
	if inv.Customer != nil {
		out.CustomerID = inv.Customer.ID
	}
	if inv.Parent != nil && inv.Parent.SubscriptionDetails != nil {
		details := inv.Parent.SubscriptionDetails
		if details.Subscription != nil {
			out.SubscriptionID = details.Subscription.ID
		}
		if len(details.Metadata) > 0 {
			out.Metadata = details.Metadata
		}
	}
	return out
}

// Compile-time check that StripeVerifier implements Verifier.
var _ Verifier = (*StripeVerifier)(nil)
