package service

//go:generate mockgen -source=billing.go -destination=servicemock/mock_billing.go -package=servicemock

import (
	"context"

	"github.com/dukerupert/tally/internal/domain"
)

// BillingService orchestrates payments, subscription lifecycle and webhook
// reconciliation. It owns every subscription status write.
type BillingService interface {
	// ProcessPayment charges a one-time consulting fee and records an Order.
	//
	// Flow:
	//  1. Validates required fields and parses the amount (no network call on failure)
	//  2. Resolves the gateway customer (stored reference for signed-in users)
	//  3. Charges the customer with product metadata
	//  4. Records the Order
	//
	// No email is sent for one-time charges.
	ProcessPayment(ctx context.Context, params PaymentParams) (*domain.Order, error)

	// CreateSubscription subscribes the user to a product on a billing cycle.
	//
	// Flow:
	//  1. Validates input, loads user and product
	//  2. Resolves the gateway customer
	//  3. Ends a running trial immediately when the user is already trialing,
	//     or starts the product's trial on a first subscribe
	//  4. Ensures the gateway price exists and persists freshly provisioned ids
	//  5. Creates the gateway subscription
	//  6. Upserts the single local row for (user, product)
	//  7. Sends the confirmation email (failures are logged only)
	//
	// A resubscribe cancels the subscription it replaces at the gateway.
	CreateSubscription(ctx context.Context, params SubscribeParams) (*domain.Subscription, error)

	// UpdatePaymentMethod replaces the default payment source of the
	// customer behind a subscription the user owns.
	UpdatePaymentMethod(ctx context.Context, params PaymentMethodParams) error

	// CancelSubscription cancels at the gateway and always converges the
	// local row to cancelled. A subscription already gone at the gateway is
	// not an error; failing to reach the gateway is returned after the local
	// write.
	CancelSubscription(ctx context.Context, params CancelParams) (*domain.Subscription, error)

	// HandleWebhook verifies and applies a gateway event exactly once.
	//
	// Returns an EINVALID error wrapping billing.ErrInvalidSignature or
	// billing.ErrInvalidPayload for untrusted deliveries, and EINTERNAL when
	// the store is unavailable so the gateway retries. Events that do not
	// match local state are acknowledged.
	HandleWebhook(ctx context.Context, payload []byte, signature string) (*WebhookResult, error)

	// ListSubscriptions returns the user's subscriptions, oldest first.
	ListSubscriptions(ctx context.Context, userID int64) ([]domain.Subscription, error)

	// ListOrders returns the user's one-time orders, newest first.
	ListOrders(ctx context.Context, userID int64) ([]domain.Order, error)
}

// PaymentParams contains parameters for a one-time charge.
type PaymentParams struct {
	// UserID is 0 for guest checkout
	UserID int64 `json:"-"`

	Token     string `json:"token" validate:"required"`
	ProductID int64  `json:"product_id" validate:"required,gt=0"`

	// Amount is a decimal string in major units, e.g. "150.00"
	Amount string `json:"amount" validate:"required"`

	Email string `json:"email" validate:"required,email"`
	Name  string `json:"name" validate:"required"`
}

// SubscribeParams contains parameters for creating or switching a subscription.
type SubscribeParams struct {
	UserID    int64  `json:"-" validate:"required,gt=0"`
	ProductID int64  `json:"product_id" validate:"required,gt=0"`
	Cycle     string `json:"billing_cycle" validate:"required"`

	// Token is optional when the customer already has a payment source
	Token string `json:"token"`
}

// PaymentMethodParams contains parameters for replacing a payment source.
type PaymentMethodParams struct {
	UserID         int64  `json:"-" validate:"required,gt=0"`
	SubscriptionID int64  `json:"subscription_id" validate:"required,gt=0"`
	Token          string `json:"token" validate:"required"`
}

// CancelParams contains parameters for cancelling a subscription.
type CancelParams struct {
	UserID         int64 `json:"-" validate:"required,gt=0"`
	SubscriptionID int64 `json:"subscription_id" validate:"required,gt=0"`
}

// Webhook outcomes reported to the gateway and recorded in metrics.
const (
	OutcomeHandled   = "handled"
	OutcomeDuplicate = "duplicate"
	OutcomeIgnored   = "ignored"
	OutcomeSkipped   = "skipped"
)

// WebhookResult describes how a verified event was acknowledged.
type WebhookResult struct {
	EventID   string
	EventType string
	Outcome   string
	Message   string
}
