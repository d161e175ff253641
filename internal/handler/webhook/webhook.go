// Package webhook receives payment gateway event deliveries.
package webhook

import (
	"io"
	"net/http"

	"github.com/dukerupert/tally/internal/domain"
	"github.com/dukerupert/tally/internal/handler"
	"github.com/dukerupert/tally/internal/middleware"
	"github.com/dukerupert/tally/internal/service"
)

// Signature headers, in lookup order.
const (
	SignatureHeader         = "Stripe-Signature"
	FallbackSignatureHeader = "Signature"
)

type response struct {
	Message string `json:"message"`
}

// Handler serves POST /webhook.
type Handler struct {
	svc service.BillingService
}

// NewHandler creates a webhook handler.
func NewHandler(svc service.BillingService) *Handler {
	return &Handler{svc: svc}
}

// ServeHTTP verifies and applies one delivery.
//
// Handled, duplicate and ignored events are acknowledged with 200 so the
// gateway stops retrying. Untrusted deliveries get 400; 500 is returned
// only when local state could not be written, which makes the gateway
// redeliver.
//
// Stripe CLI testing:
//
//	stripe listen --forward-to localhost:8080/webhook
//	stripe trigger customer.subscription.updated
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	logger := middleware.GetLogger(r.Context())

	payload, err := io.ReadAll(r.Body)
	if err != nil {
		logger.WarnContext(r.Context(), "failed to read webhook body", "error", err)
		handler.JSON(w, http.StatusBadRequest, response{Message: "Error reading request body"})
		return
	}

	signature := r.Header.Get(SignatureHeader)
	if signature == "" {
		signature = r.Header.Get(FallbackSignatureHeader)
	}

	result, err := h.svc.HandleWebhook(r.Context(), payload, signature)
	if err != nil {
		if domain.IsCode(err, domain.EINVALID) {
			handler.JSON(w, http.StatusBadRequest, response{Message: domain.ErrorMessage(err)})
			return
		}
		logger.ErrorContext(r.Context(), "webhook processing failed", "error", err)
		handler.JSON(w, http.StatusInternalServerError, response{Message: "Webhook processing failed"})
		return
	}

	logger.InfoContext(r.Context(), "webhook acknowledged",
		"event_id", result.EventID,
		"event_type", result.EventType,
		"outcome", result.Outcome,
	)
	handler.JSON(w, http.StatusOK, response{Message: result.Message})
}
