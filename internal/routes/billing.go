package routes

import (
	"github.com/dukerupert/tally/internal/middleware"
	"github.com/dukerupert/tally/internal/router"
)

// RegisterBillingRoutes registers the billing actions and read routes.
//
// Payment accepts guests; everything else requires a signed-in user.
// Anti-forgery tokens are checked upstream of this service.
func RegisterBillingRoutes(r *router.Router, deps BillingDeps) {
	identified := r.Group(append([]router.Middleware{middleware.WithUser(deps.Users)}, deps.Identified...)...)
	identified.Post("/actions/process_payment", deps.Handler.ProcessPayment)

	signedIn := identified.Group(middleware.RequireUser)
	signedIn.Post("/actions/create_subscription", deps.Handler.CreateSubscription)
	signedIn.Post("/actions/update_payment_method", deps.Handler.UpdatePaymentMethod)
	signedIn.Post("/actions/cancel_subscription", deps.Handler.CancelSubscription)
	signedIn.Get("/subscriptions", deps.Handler.ListSubscriptions)
	signedIn.Get("/orders", deps.Handler.ListOrders)
}
