package routes

import (
	"net/http"

	"github.com/dukerupert/tally/internal/domain"
	"github.com/dukerupert/tally/internal/handler/billing"
	"github.com/dukerupert/tally/internal/router"
)

// BillingDeps contains dependencies for the billing action and read routes
type BillingDeps struct {
	Handler *billing.Handler

	// Users resolves the X-User-ID header set by the front shim
	Users domain.UserDirectory

	// Identified runs once the caller is resolved (request logger, error scope)
	Identified []router.Middleware
}

// WebhookDeps contains dependencies for webhook routes
type WebhookDeps struct {
	Handler http.Handler
}

// SystemDeps contains dependencies for health and metrics routes
type SystemDeps struct {
	// Health reports readiness; nil always reports ok
	Health func(r *http.Request) error

	// Metrics serves the prometheus exposition; nil skips the route
	Metrics http.Handler
}
