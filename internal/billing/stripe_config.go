package billing

import (
	"errors"
	"strings"
	"time"
)

// StripeConfig contains configuration for the Stripe gateway.
type StripeConfig struct {
	// APIKey is the Stripe secret key (sk_test_... or sk_live_...)
	APIKey string

	// Currency is the ISO 4217 code used for prices and charges.
	// Default: usd
	Currency string

	// Timeout bounds every gateway call.
	// Default: 30s
	Timeout time.Duration

	// BackendURL overrides the Stripe API base URL (tests, stripe-mock).
	BackendURL string
}

// Validate checks that required configuration is present.
func (c *StripeConfig) Validate() error {
	if c.APIKey == "" {
		return ErrInvalidAPIKey
	}
	if c.Timeout < 0 {
		return errors.New("stripe: timeout must not be negative")
	}
	return nil
}

// IsTestMode returns true if using test mode API keys.
func (c *StripeConfig) IsTestMode() bool {
	return strings.HasPrefix(c.APIKey, "sk_test_") || strings.HasPrefix(c.APIKey, "rk_test_")
}

func (c *StripeConfig) withDefaults() StripeConfig {
	out := *c
	if out.Currency == "" {
		out.Currency = "usd"
	}
	out.Currency = strings.ToLower(out.Currency)
	if out.Timeout == 0 {
		out.Timeout = 30 * time.Second
	}
	return out
}
