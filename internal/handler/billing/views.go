package billing

import (
	"time"

	"github.com/dukerupert/tally/internal/domain"
)

type orderView struct {
	ID          int64     `json:"id"`
	ProductID   int64     `json:"product_id"`
	ProductType string    `json:"product_type"`
	AmountCents int64     `json:"amount_cents"`
	Currency    string    `json:"currency"`
	Status      string    `json:"status"`
	CreatedAt   time.Time `json:"created_at"`
}

func newOrderView(o *domain.Order) orderView {
	return orderView{
		ID:          o.ID,
		ProductID:   o.ProductID,
		ProductType: o.ProductType,
		AmountCents: o.AmountCents,
		Currency:    o.Currency,
		Status:      o.Status,
		CreatedAt:   o.CreatedAt,
	}
}

type subscriptionView struct {
	ID               int64      `json:"id"`
	ProductID        int64      `json:"product_id"`
	BillingCycle     string     `json:"billing_cycle"`
	Status           string     `json:"status"`
	TrialEnd         *time.Time `json:"trial_end,omitempty"`
	CurrentPeriodEnd *time.Time `json:"current_period_end,omitempty"`
	CreatedAt        time.Time  `json:"created_at"`
	UpdatedAt        time.Time  `json:"updated_at"`
}

func newSubscriptionView(s *domain.Subscription) subscriptionView {
	return subscriptionView{
		ID:               s.ID,
		ProductID:        s.ProductID,
		BillingCycle:     string(s.PlanName),
		Status:           string(s.Status),
		TrialEnd:         s.TrialEnd,
		CurrentPeriodEnd: s.CurrentPeriodEnd,
		CreatedAt:        s.CreatedAt,
		UpdatedAt:        s.UpdatedAt,
	}
}
