// Package billing serves the suite's billing actions and the signed-in
// user's billing records.
package billing

import (
	"net/http"

	"github.com/dukerupert/tally/internal/domain"
	"github.com/dukerupert/tally/internal/handler"
	"github.com/dukerupert/tally/internal/service"
)

// Handler serves the /actions endpoints and the read endpoints.
type Handler struct {
	svc service.BillingService
}

// NewHandler creates a billing handler.
func NewHandler(svc service.BillingService) *Handler {
	return &Handler{svc: svc}
}

// ProcessPayment handles POST /actions/process_payment.
// Guests may pay; a signed-in user's customer reference is reused.
func (h *Handler) ProcessPayment(w http.ResponseWriter, r *http.Request) {
	const op = "payment.process"

	f, err := readFields(r, op)
	if err != nil {
		handler.ErrorResponse(w, r, err)
		return
	}
	productID, err := f.id(op, "product_id")
	if err != nil {
		handler.ErrorResponse(w, r, err)
		return
	}

	order, err := h.svc.ProcessPayment(r.Context(), service.PaymentParams{
		UserID:    domain.UserIDFromContext(r.Context()),
		Token:     f["token"],
		ProductID: productID,
		Amount:    f["amount"],
		Email:     f["email"],
		Name:      f["name"],
	})
	if err != nil {
		handler.ErrorResponse(w, r, err)
		return
	}

	handler.Success(w, http.StatusCreated, "Payment processed", newOrderView(order))
}

// CreateSubscription handles POST /actions/create_subscription.
// Requires a signed-in user.
func (h *Handler) CreateSubscription(w http.ResponseWriter, r *http.Request) {
	const op = "subscription.create"

	f, err := readFields(r, op)
	if err != nil {
		handler.ErrorResponse(w, r, err)
		return
	}
	productID, err := f.id(op, "product_id")
	if err != nil {
		handler.ErrorResponse(w, r, err)
		return
	}

	sub, err := h.svc.CreateSubscription(r.Context(), service.SubscribeParams{
		UserID:    domain.UserIDFromContext(r.Context()),
		ProductID: productID,
		Cycle:     f["billing_cycle"],
		Token:     f["token"],
	})
	if err != nil {
		handler.ErrorResponse(w, r, err)
		return
	}

	handler.Success(w, http.StatusCreated, "Subscription created", newSubscriptionView(sub))
}

// UpdatePaymentMethod handles POST /actions/update_payment_method.
func (h *Handler) UpdatePaymentMethod(w http.ResponseWriter, r *http.Request) {
	const op = "subscription.update_payment_method"

	f, err := readFields(r, op)
	if err != nil {
		handler.ErrorResponse(w, r, err)
		return
	}
	subscriptionID, err := f.id(op, "subscription_id")
	if err != nil {
		handler.ErrorResponse(w, r, err)
		return
	}

	err = h.svc.UpdatePaymentMethod(r.Context(), service.PaymentMethodParams{
		UserID:         domain.UserIDFromContext(r.Context()),
		SubscriptionID: subscriptionID,
		Token:          f["token"],
	})
	if err != nil {
		handler.ErrorResponse(w, r, err)
		return
	}

	handler.Success(w, http.StatusOK, "Payment method updated", nil)
}

// CancelSubscription handles POST /actions/cancel_subscription.
func (h *Handler) CancelSubscription(w http.ResponseWriter, r *http.Request) {
	const op = "subscription.cancel"

	f, err := readFields(r, op)
	if err != nil {
		handler.ErrorResponse(w, r, err)
		return
	}
	subscriptionID, err := f.id(op, "subscription_id")
	if err != nil {
		handler.ErrorResponse(w, r, err)
		return
	}

	sub, err := h.svc.CancelSubscription(r.Context(), service.CancelParams{
		UserID:         domain.UserIDFromContext(r.Context()),
		SubscriptionID: subscriptionID,
	})
	if err != nil {
		handler.ErrorResponse(w, r, err)
		return
	}

	handler.Success(w, http.StatusOK, "Subscription cancelled", newSubscriptionView(sub))
}

// ListSubscriptions handles GET /subscriptions.
func (h *Handler) ListSubscriptions(w http.ResponseWriter, r *http.Request) {
	subs, err := h.svc.ListSubscriptions(r.Context(), domain.UserIDFromContext(r.Context()))
	if err != nil {
		handler.ErrorResponse(w, r, err)
		return
	}

	views := make([]subscriptionView, 0, len(subs))
	for i := range subs {
		views = append(views, newSubscriptionView(&subs[i]))
	}
	handler.Success(w, http.StatusOK, "OK", views)
}

// ListOrders handles GET /orders.
func (h *Handler) ListOrders(w http.ResponseWriter, r *http.Request) {
	orders, err := h.svc.ListOrders(r.Context(), domain.UserIDFromContext(r.Context()))
	if err != nil {
		handler.ErrorResponse(w, r, err)
		return
	}

	views := make([]orderView, 0, len(orders))
	for i := range orders {
		views = append(views, newOrderView(&orders[i]))
	}
	handler.Success(w, http.StatusOK, "OK", views)
}
