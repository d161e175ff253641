package domain

//go:generate mockgen -source=notify.go -destination=../mocks/mock_notify.go -package=mocks

import (
	"context"
	"time"
)

// SubscriptionNotice is the content of a subscription confirmation.
type SubscriptionNotice struct {
	To          string
	Name        string
	ProductName string
	Cycle       Cycle
	Status      SubscriptionStatus
	AmountCents int64
	Currency    string
	TrialEnd    *time.Time
}

// PaymentNotice is the content of a receipt or payment failure email.
type PaymentNotice struct {
	To          string
	Name        string
	ProductName string
	AmountCents int64
	Currency    string
	InvoiceID   string
	InvoiceURL  string
}

// Notifier delivers billing emails. Failures never roll back billing state.
type Notifier interface {
	SendSubscriptionConfirmation(ctx context.Context, notice SubscriptionNotice) error
	SendPaymentReceipt(ctx context.Context, notice PaymentNotice) error
	SendPaymentFailed(ctx context.Context, notice PaymentNotice) error
}

// Billing event types fanned out to other suite surfaces.
const (
	EventSubscriptionStatusChanged = "subscription.status_changed"
	EventOrderRecorded             = "order.recorded"
)

// BillingEvent is a change notification for dashboards and plan gating.
type BillingEvent struct {
	Type           string             `json:"type"`
	UserID         int64              `json:"user_id"`
	ProductID      int64              `json:"product_id"`
	SubscriptionID int64              `json:"subscription_id,omitempty"`
	Status         SubscriptionStatus `json:"status,omitempty"`
	PreviousStatus SubscriptionStatus `json:"previous_status,omitempty"`
	OrderID        int64              `json:"order_id,omitempty"`
	AmountCents    int64              `json:"amount_cents,omitempty"`
	OccurredAt     time.Time          `json:"occurred_at"`
}

// EventPublisher fans billing events out to other services.
type EventPublisher interface {
	Publish(ctx context.Context, event BillingEvent) error
}

// Mirror keeps a denormalised copy of billing records for the admin UI.
type Mirror interface {
	MirrorSubscription(ctx context.Context, sub *Subscription) error
	MirrorOrder(ctx context.Context, order *Order) error
}
