package domain

import (
	"context"
)

// BillingStore persists customers, products, subscriptions, orders and
// processed webhook events.
type BillingStore interface {
	// GetCustomerRef returns ENOTFOUND when the user has no gateway customer.
	GetCustomerRef(ctx context.Context, userID int64) (*CustomerRef, error)
	// SaveCustomerRef creates or replaces the reference for (user, provider).
	SaveCustomerRef(ctx context.Context, ref CustomerRef) error
	// FindUserByCustomer returns ENOTFOUND when no user owns the customer.
	FindUserByCustomer(ctx context.Context, providerCustomerID string) (int64, error)

	GetProduct(ctx context.Context, id int64) (*Product, error)
	// PersistProvisionedPrice writes gateway ids for the cycle only if none
	// are stored yet, and returns the row as stored afterwards.
	PersistProvisionedPrice(ctx context.Context, productID int64, cycle Cycle, providerProductID, providerPriceID string) (*Product, error)

	UpsertSubscription(ctx context.Context, params UpsertSubscriptionParams) (*Subscription, error)
	GetSubscription(ctx context.Context, id int64) (*Subscription, error)
	FindSubscription(ctx context.Context, userID, productID int64) (*Subscription, error)
	ListSubscriptionsForUser(ctx context.Context, userID int64) ([]Subscription, error)
	// ApplyProviderStatus returns ErrSubscriptionNotFound for unknown ids and
	// ErrIllegalTransition when the current status cannot move to the new one.
	ApplyProviderStatus(ctx context.Context, update ProviderStatusUpdate) (*StatusChange, error)
	MarkCancelled(ctx context.Context, id int64) (*StatusChange, error)

	RecordOrder(ctx context.Context, params RecordOrderParams) (*Order, error)
	ListOrdersForUser(ctx context.Context, userID int64) ([]Order, error)

	// ClaimWebhookEvent returns false when the event was already claimed.
	ClaimWebhookEvent(ctx context.Context, eventID, eventType string) (bool, error)
	// ReleaseWebhookEvent removes a claim so a redelivery is processed again.
	ReleaseWebhookEvent(ctx context.Context, eventID string) error
}
