package routes

import (
	"net/http"

	"github.com/dukerupert/tally/internal/router"
)

// RegisterWebhookRoutes registers the gateway webhook route.
//
// Note: Webhook routes do NOT have identity middleware.
// The handler verifies the request signature against the raw body.
func RegisterWebhookRoutes(r *router.Router, deps WebhookDeps) {
	r.Handle(http.MethodPost, "/webhook", deps.Handler)
}
