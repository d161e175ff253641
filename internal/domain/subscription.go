package domain

import (
	"time"
)

// Subscription-related domain errors.
var (
	ErrSubscriptionNotFound = &Error{Code: ENOTFOUND, Message: "Subscription not found"}
	ErrIllegalTransition    = &Error{Code: ECONFLICT, Message: "Subscription status transition not allowed"}
	ErrNotOwner             = &Error{Code: EFORBIDDEN, Message: "Subscription does not belong to the current user"}
)

// SubscriptionStatus is the local lifecycle state of a subscription.
type SubscriptionStatus string

const (
	SubscriptionStatusTrialing  SubscriptionStatus = "trialing"
	SubscriptionStatusActive    SubscriptionStatus = "active"
	SubscriptionStatusPastDue   SubscriptionStatus = "past_due"
	SubscriptionStatusCancelled SubscriptionStatus = "cancelled"
)

// IsTerminal reports whether no further transitions are possible.
func (s SubscriptionStatus) IsTerminal() bool {
	return s == SubscriptionStatusCancelled
}

// Valid reports whether s is a known status.
func (s SubscriptionStatus) Valid() bool {
	switch s {
	case SubscriptionStatusTrialing, SubscriptionStatusActive, SubscriptionStatusPastDue, SubscriptionStatusCancelled:
		return true
	}
	return false
}

// CanTransition reports whether a subscription may move from one status to
// another. Writing the current status again is always allowed and is a no-op.
//
//	trialing -> active | past_due | cancelled
//	active   -> past_due | cancelled
//	past_due -> active | cancelled
//	cancelled is terminal
func CanTransition(from, to SubscriptionStatus) bool {
	if from == to {
		return true
	}
	if from.IsTerminal() {
		return false
	}
	switch to {
	case SubscriptionStatusCancelled:
		return true
	case SubscriptionStatusActive:
		return from == SubscriptionStatusTrialing || from == SubscriptionStatusPastDue
	case SubscriptionStatusPastDue:
		return from == SubscriptionStatusTrialing || from == SubscriptionStatusActive
	}
	return false
}

// StatusFromProvider maps a gateway subscription status onto the local
// lifecycle. The second return is false for statuses that carry no local
// meaning (incomplete, paused).
func StatusFromProvider(status string) (SubscriptionStatus, bool) {
	switch status {
	case "trialing":
		return SubscriptionStatusTrialing, true
	case "active":
		return SubscriptionStatusActive, true
	case "past_due", "unpaid":
		return SubscriptionStatusPastDue, true
	case "canceled", "cancelled", "incomplete_expired":
		return SubscriptionStatusCancelled, true
	}
	return "", false
}

// Subscription is the local record of a recurring plan.
type Subscription struct {
	ID                     int64
	UserID                 int64
	ProductID              int64
	ProviderCustomerID     string
	ProviderSubscriptionID string
	PlanName               Cycle
	Status                 SubscriptionStatus
	TrialEnd               *time.Time
	CurrentPeriodEnd       *time.Time
	CreatedAt              time.Time
	UpdatedAt              time.Time
}

// OwnedBy reports whether the subscription belongs to the user.
func (s *Subscription) OwnedBy(userID int64) bool {
	return s != nil && userID != 0 && s.UserID == userID
}

// UpsertSubscriptionParams describes the result of a successful gateway
// subscription create, keyed by (UserID, ProductID).
type UpsertSubscriptionParams struct {
	UserID                 int64
	ProductID              int64
	ProviderCustomerID     string
	ProviderSubscriptionID string
	Cycle                  Cycle
	// Status is active unless the gateway reports a running trial.
	Status           SubscriptionStatus
	TrialEnd         *time.Time
	CurrentPeriodEnd *time.Time
}

// ProviderStatusUpdate is a status snapshot delivered by a webhook.
type ProviderStatusUpdate struct {
	ProviderSubscriptionID string
	Status                 SubscriptionStatus
	// Dates are applied only when non-nil.
	TrialEnd         *time.Time
	CurrentPeriodEnd *time.Time
}

// StatusChange reports the outcome of a status write.
type StatusChange struct {
	Subscription *Subscription
	Previous     SubscriptionStatus
	Changed      bool
}
