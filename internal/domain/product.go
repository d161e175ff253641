package domain

import (
	"fmt"
	"time"
)

// ErrProductNotFound is returned when a product id has no catalog entry.
var ErrProductNotFound = &Error{Code: ENOTFOUND, Message: "Product not found"}

// Cycle is the recurring billing interval of a subscription.
type Cycle string

const (
	CycleMonthly Cycle = "monthly"
	CycleAnnual  Cycle = "annual"
)

// ParseCycle accepts the cycle names used by checkout forms.
func ParseCycle(s string) (Cycle, error) {
	switch s {
	case "monthly", "month":
		return CycleMonthly, nil
	case "annual", "annually", "yearly", "year":
		return CycleAnnual, nil
	}
	return "", fmt.Errorf("unknown billing cycle: %q", s)
}

// Interval returns the gateway's recurring interval name.
func (c Cycle) Interval() string {
	if c == CycleAnnual {
		return "year"
	}
	return "month"
}

// Product is a sellable catalog entry.
type Product struct {
	ID                     int64
	Name                   string
	Description            string
	MonthlyPriceCents      int64
	AnnualPriceCents       int64
	TrialDays              int
	ProviderProductID      string
	ProviderMonthlyPriceID string
	ProviderAnnualPriceID  string
	CreatedAt              time.Time
	UpdatedAt              time.Time
}

// PriceCents returns the recurring amount for the cycle.
func (p *Product) PriceCents(c Cycle) int64 {
	if c == CycleAnnual {
		return p.AnnualPriceCents
	}
	return p.MonthlyPriceCents
}

// ProviderPriceID returns the provisioned price for the cycle, or "".
func (p *Product) ProviderPriceID(c Cycle) string {
	if c == CycleAnnual {
		return p.ProviderAnnualPriceID
	}
	return p.ProviderMonthlyPriceID
}
