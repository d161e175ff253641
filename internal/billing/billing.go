package billing

import (
	"context"
	"time"

	"github.com/dukerupert/tally/internal/domain"
)

// Gateway defines the payment operations the billing engine needs.
// Every call is bounded by the gateway timeout; transport failures and
// timeouts are reported as *GatewayError.
type Gateway interface {
	// FindOrCreateCustomer returns the customer with the given email, creating
	// one when none exists. A supplied token replaces the customer's default
	// payment source.
	FindOrCreateCustomer(ctx context.Context, params CustomerParams) (*Customer, error)

	// EnsureProductPrice returns the recurring price for the product and
	// cycle, provisioning the gateway product and price when the product has
	// none stored yet. PriceRef.Created reports whether anything was created,
	// in which case the caller must persist the ids.
	EnsureProductPrice(ctx context.Context, product *domain.Product, cycle domain.Cycle) (*PriceRef, error)

	// CreateSubscription subscribes a customer to a price.
	CreateSubscription(ctx context.Context, params CreateSubscriptionParams) (*Subscription, error)

	// CreateOneTimeCharge charges the customer's default source once.
	CreateOneTimeCharge(ctx context.Context, params ChargeParams) (*Charge, error)

	// CancelSubscription cancels immediately. Returns ErrNotFound when the
	// gateway has no such subscription.
	CancelSubscription(ctx context.Context, providerSubscriptionID string) (*Subscription, error)

	// UpdatePaymentSource replaces the customer's default payment source.
	UpdatePaymentSource(ctx context.Context, customerID, token string) (*Customer, error)
}

// CustomerParams contains parameters for resolving a customer.
type CustomerParams struct {
	Email string
	Name  string
	// Token is an optional single-use payment token from the checkout form.
	Token string
}

// Customer represents a billing customer.
type Customer struct {
	ID        string
	Email     string
	Name      string
	CreatedAt time.Time
}

// PriceRef identifies a recurring gateway price.
type PriceRef struct {
	ProviderProductID string
	PriceID           string
	Created           bool
}

// CreateSubscriptionParams contains parameters for creating a subscription.
type CreateSubscriptionParams struct {
	CustomerID string
	PriceID    string
	Metadata   map[string]string

	// TrialEndNow ends any trial immediately and bills the first period.
	TrialEndNow bool

	// TrialPeriodDays starts a trial. Ignored when TrialEndNow is set.
	TrialPeriodDays int

	IdempotencyKey string
}

// Subscription represents a gateway subscription snapshot.
type Subscription struct {
	ID               string
	CustomerID       string
	Status           string
	TrialEnd         *time.Time
	CurrentPeriodEnd *time.Time
	Metadata         map[string]string
}

// ChargeParams contains parameters for a one-time charge.
type ChargeParams struct {
	CustomerID     string
	AmountCents    int64
	Description    string
	Metadata       map[string]string
	IdempotencyKey string
}

// Charge represents a completed or attempted one-time charge.
type Charge struct {
	ID          string
	CustomerID  string
	AmountCents int64
	Currency    string
	Status      string
	Paid        bool
}

// Invoice represents the parts of a gateway invoice billing reacts to.
type Invoice struct {
	ID             string
	SubscriptionID string
	CustomerID     string
	CustomerEmail  string
	CustomerName   string
	AmountPaid     int64
	AmountDue      int64
	Currency       string
	HostedURL      string
	Metadata       map[string]string
}
