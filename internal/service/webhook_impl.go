package service

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/dukerupert/tally/internal/billing"
	"github.com/dukerupert/tally/internal/domain"
	"github.com/dukerupert/tally/internal/telemetry"
)

// releaseTimeout bounds the claim release after a failed dispatch.
const releaseTimeout = 5 * time.Second

// HandleWebhook verifies the raw delivery, claims the event id and applies
// the event.
//
// Outcomes:
//   - handled: local state was reconciled
//   - duplicate: the event id was already claimed
//   - ignored: the event type is not one billing reacts to
//   - skipped: the event does not match local state or lacks data
//
// Only store failures return an error after verification; the claim is
// then released so the redelivery is processed.
func (s *billingService) HandleWebhook(ctx context.Context, payload []byte, signature string) (*WebhookResult, error) {
	const op = "webhook.handle"
	start := s.now()

	event, err := s.verifier.Verify(payload, signature)
	if err != nil {
		reason := "invalid_payload"
		message := "Invalid webhook payload"
		if errors.Is(err, billing.ErrInvalidSignature) {
			reason = "invalid_signature"
			message = "Invalid webhook signature"
		}
		telemetry.Business.WebhookFailed.WithLabelValues("unknown", reason).Inc()
		s.logger.WarnContext(ctx, "webhook rejected", "reason", reason, "error", err)
		return nil, domain.WrapError(err, domain.EINVALID, op, message)
	}

	telemetry.Business.WebhookReceived.WithLabelValues(event.Type).Inc()
	defer func() {
		telemetry.Business.WebhookLatency.WithLabelValues(event.Type).Observe(time.Since(start).Seconds())
	}()

	logger := s.logger.With("event_id", event.ID, "event_type", event.Type)
	result := &WebhookResult{EventID: event.ID, EventType: event.Type}

	if !isReconciledEvent(event.Type) {
		logger.DebugContext(ctx, "ignoring unhandled webhook event type")
		return s.ack(result, OutcomeIgnored, "Event type ignored"), nil
	}

	claimed, err := s.store.ClaimWebhookEvent(ctx, event.ID, event.Type)
	if err != nil {
		telemetry.Business.WebhookFailed.WithLabelValues(event.Type, "internal").Inc()
		logger.ErrorContext(ctx, "failed to claim webhook event", "error", err)
		return nil, domain.Internal(err, op, "failed to record webhook event")
	}
	if !claimed {
		logger.InfoContext(ctx, "duplicate webhook event")
		return s.ack(result, OutcomeDuplicate, "Event already processed"), nil
	}

	outcome, err := s.dispatch(ctx, event)
	if err != nil {
		telemetry.Business.WebhookFailed.WithLabelValues(event.Type, "internal").Inc()
		logger.ErrorContext(ctx, "webhook processing failed", "error", err)
		telemetry.CaptureErrorFromContext(ctx, err, map[string]interface{}{
			"event_id":   event.ID,
			"event_type": event.Type,
		})
		// The request context may already be done; release regardless.
		relCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), releaseTimeout)
		releaseErr := s.store.ReleaseWebhookEvent(relCtx, event.ID)
		cancel()
		if releaseErr != nil {
			logger.ErrorContext(ctx, "failed to release webhook event claim", "error", releaseErr)
		}
		return nil, domain.Internal(err, op, "failed to process webhook event")
	}

	message := "Webhook handled"
	if outcome == OutcomeSkipped {
		message = "Event acknowledged"
	}
	return s.ack(result, outcome, message), nil
}

func (s *billingService) ack(result *WebhookResult, outcome, message string) *WebhookResult {
	telemetry.Business.WebhookProcessed.WithLabelValues(result.EventType, outcome).Inc()
	result.Outcome = outcome
	result.Message = message
	return result
}

func isReconciledEvent(eventType string) bool {
	switch eventType {
	case billing.EventSubscriptionCreated,
		billing.EventSubscriptionUpdated,
		billing.EventSubscriptionDeleted,
		billing.EventInvoicePaymentSucceeded,
		billing.EventInvoicePaymentFailed:
		return true
	}
	return false
}

func (s *billingService) dispatch(ctx context.Context, event *billing.Event) (string, error) {
	switch event.Type {
	case billing.EventSubscriptionCreated:
		return s.onSubscriptionCreated(ctx, event)
	case billing.EventSubscriptionUpdated:
		return s.onSubscriptionUpdated(ctx, event)
	case billing.EventSubscriptionDeleted:
		return s.onSubscriptionDeleted(ctx, event)
	case billing.EventInvoicePaymentSucceeded:
		return s.onInvoicePaid(ctx, event)
	case billing.EventInvoicePaymentFailed:
		return s.onInvoiceFailed(ctx, event)
	}
	return OutcomeIgnored, nil
}

// =============================================================================
// SUBSCRIPTION EVENTS
// =============================================================================

func (s *billingService) onSubscriptionCreated(ctx context.Context, event *billing.Event) (string, error) {
	snap := event.Subscription
	if snap == nil || snap.ID == "" {
		return s.skip(ctx, event, "event has no subscription")
	}

	status, ok := domain.StatusFromProvider(snap.Status)
	if !ok {
		return s.skip(ctx, event, "provider status has no local meaning", "provider_status", snap.Status)
	}

	change, err := s.applyStatus(ctx, snap.ID, status, snap.TrialEnd, snap.CurrentPeriodEnd)
	switch {
	case err == nil:
		s.recordWebhookChange(ctx, change)
		return OutcomeHandled, nil
	case errors.Is(err, domain.ErrSubscriptionNotFound):
		return s.adoptSubscription(ctx, event, status)
	case errors.Is(err, domain.ErrIllegalTransition):
		return s.skip(ctx, event, "status transition refused", "to", status)
	}
	return "", err
}

// adoptSubscription stores a gateway subscription created outside this
// service, or whose synchronous create response has not been stored yet.
func (s *billingService) adoptSubscription(ctx context.Context, event *billing.Event, status domain.SubscriptionStatus) (string, error) {
	snap := event.Subscription
	if status.IsTerminal() {
		return s.skip(ctx, event, "unknown subscription is already cancelled")
	}

	productID, err := strconv.ParseInt(snap.Metadata["product_id"], 10, 64)
	if err != nil || productID <= 0 {
		return s.skip(ctx, event, "unknown subscription has no product metadata")
	}
	cycle, err := domain.ParseCycle(snap.Metadata["billing_cycle"])
	if err != nil {
		return s.skip(ctx, event, "unknown subscription has no billing cycle metadata")
	}

	product, err := s.store.GetProduct(ctx, productID)
	if err != nil {
		if errors.Is(err, domain.ErrProductNotFound) {
			return s.skip(ctx, event, "metadata names an unknown product", "product_id", productID)
		}
		return "", err
	}

	userID, outcome, err := s.subscriptionOwner(ctx, event)
	if outcome != "" || err != nil {
		return outcome, err
	}

	existing, err := s.store.FindSubscription(ctx, userID, product.ID)
	if err != nil && !errors.Is(err, domain.ErrSubscriptionNotFound) {
		return "", err
	}
	if existing != nil && !event.Created.IsZero() && existing.UpdatedAt.After(event.Created) {
		return s.skip(ctx, event, "local subscription is newer than the event", "subscription_id", existing.ID)
	}

	var trialEnd *time.Time
	if status == domain.SubscriptionStatusTrialing {
		trialEnd = snap.TrialEnd
	}

	sub, err := s.store.UpsertSubscription(ctx, domain.UpsertSubscriptionParams{
		UserID:                 userID,
		ProductID:              product.ID,
		ProviderCustomerID:     snap.CustomerID,
		ProviderSubscriptionID: snap.ID,
		Cycle:                  cycle,
		Status:                 status,
		TrialEnd:               trialEnd,
		CurrentPeriodEnd:       snap.CurrentPeriodEnd,
	})
	if err != nil {
		return "", err
	}

	s.logger.InfoContext(ctx, "adopted gateway subscription",
		"event_id", event.ID,
		"subscription_id", sub.ID,
		"provider_subscription_id", snap.ID,
		"user_id", userID,
		"status", status,
	)
	telemetry.Business.SubscriptionsCreated.WithLabelValues(string(cycle), string(status)).Inc()

	var previous domain.SubscriptionStatus
	if existing != nil {
		previous = existing.Status
	}
	s.afterStatusWrite(ctx, &domain.StatusChange{Subscription: sub, Previous: previous, Changed: previous != status})
	return OutcomeHandled, nil
}

// subscriptionOwner resolves the user from metadata, falling back to the
// stored customer reference. A non-empty outcome means the event was skipped.
func (s *billingService) subscriptionOwner(ctx context.Context, event *billing.Event) (int64, string, error) {
	snap := event.Subscription

	if raw := snap.Metadata["user_id"]; raw != "" {
		userID, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || userID <= 0 {
			outcome, _ := s.skip(ctx, event, "metadata has an invalid user id", "user_id", raw)
			return 0, outcome, nil
		}
		if _, err := s.users.GetUser(ctx, userID); err != nil {
			if domain.IsCode(err, domain.ENOTFOUND) {
				outcome, _ := s.skip(ctx, event, "metadata names an unknown user", "user_id", userID)
				return 0, outcome, nil
			}
			return 0, "", err
		}
		return userID, "", nil
	}

	if snap.CustomerID == "" {
		outcome, _ := s.skip(ctx, event, "subscription has no customer")
		return 0, outcome, nil
	}
	userID, err := s.store.FindUserByCustomer(ctx, snap.CustomerID)
	if err != nil {
		if domain.IsCode(err, domain.ENOTFOUND) {
			outcome, _ := s.skip(ctx, event, "no user owns the customer", "customer_id", snap.CustomerID)
			return 0, outcome, nil
		}
		return 0, "", err
	}
	return userID, "", nil
}

func (s *billingService) onSubscriptionUpdated(ctx context.Context, event *billing.Event) (string, error) {
	snap := event.Subscription
	if snap == nil || snap.ID == "" {
		return s.skip(ctx, event, "event has no subscription")
	}

	status, ok := domain.StatusFromProvider(snap.Status)
	if !ok {
		return s.skip(ctx, event, "provider status has no local meaning", "provider_status", snap.Status)
	}

	return s.applyAndRecord(ctx, event, snap.ID, status, snap.TrialEnd, snap.CurrentPeriodEnd)
}

func (s *billingService) onSubscriptionDeleted(ctx context.Context, event *billing.Event) (string, error) {
	snap := event.Subscription
	if snap == nil || snap.ID == "" {
		return s.skip(ctx, event, "event has no subscription")
	}
	return s.applyAndRecord(ctx, event, snap.ID, domain.SubscriptionStatusCancelled, nil, nil)
}

// =============================================================================
// INVOICE EVENTS
// =============================================================================

func (s *billingService) onInvoicePaid(ctx context.Context, event *billing.Event) (string, error) {
	inv := event.Invoice
	if inv == nil || inv.SubscriptionID == "" {
		return s.skip(ctx, event, "invoice is not for a subscription")
	}
	if inv.AmountPaid <= 0 {
		return s.skip(ctx, event, "zero-amount invoice", "invoice_id", inv.ID)
	}

	change, outcome, err := s.applyInvoiceStatus(ctx, event, domain.SubscriptionStatusActive)
	if change == nil {
		return outcome, err
	}

	currency := s.invoiceCurrency(inv)
	telemetry.Business.RevenueCollected.WithLabelValues(currency, "invoice").Add(float64(inv.AmountPaid))

	notice := s.paymentNotice(ctx, change.Subscription, inv, inv.AmountPaid)
	if err := s.notifier.SendPaymentReceipt(ctx, notice); err != nil {
		s.logger.WarnContext(ctx, "failed to send payment receipt",
			"event_id", event.ID,
			"invoice_id", inv.ID,
			"error", err,
		)
	}
	return OutcomeHandled, nil
}

func (s *billingService) onInvoiceFailed(ctx context.Context, event *billing.Event) (string, error) {
	inv := event.Invoice
	if inv == nil || inv.SubscriptionID == "" {
		return s.skip(ctx, event, "invoice is not for a subscription")
	}

	change, outcome, err := s.applyInvoiceStatus(ctx, event, domain.SubscriptionStatusPastDue)
	if change == nil {
		return outcome, err
	}

	notice := s.paymentNotice(ctx, change.Subscription, inv, inv.AmountDue)
	if err := s.notifier.SendPaymentFailed(ctx, notice); err != nil {
		s.logger.WarnContext(ctx, "failed to send payment failure notice",
			"event_id", event.ID,
			"invoice_id", inv.ID,
			"error", err,
		)
	}
	return OutcomeHandled, nil
}

// applyInvoiceStatus returns a nil change together with the outcome when
// the invoice could not be applied.
func (s *billingService) applyInvoiceStatus(ctx context.Context, event *billing.Event, status domain.SubscriptionStatus) (*domain.StatusChange, string, error) {
	change, err := s.applyStatus(ctx, event.Invoice.SubscriptionID, status, nil, nil)
	switch {
	case err == nil:
		s.recordWebhookChange(ctx, change)
		return change, OutcomeHandled, nil
	case errors.Is(err, domain.ErrSubscriptionNotFound):
		outcome, _ := s.skip(ctx, event, "subscription not found locally", "provider_subscription_id", event.Invoice.SubscriptionID)
		return nil, outcome, nil
	case errors.Is(err, domain.ErrIllegalTransition):
		outcome, _ := s.skip(ctx, event, "status transition refused", "to", status)
		return nil, outcome, nil
	}
	return nil, "", err
}

func (s *billingService) paymentNotice(ctx context.Context, sub *domain.Subscription, inv *billing.Invoice, amount int64) domain.PaymentNotice {
	notice := domain.PaymentNotice{
		To:          inv.CustomerEmail,
		Name:        inv.CustomerName,
		ProductName: "your subscription",
		AmountCents: amount,
		Currency:    s.invoiceCurrency(inv),
		InvoiceID:   inv.ID,
		InvoiceURL:  inv.HostedURL,
	}

	if product, err := s.store.GetProduct(ctx, sub.ProductID); err == nil {
		notice.ProductName = product.Name
	}
	if notice.To == "" || notice.Name == "" {
		if user, err := s.users.GetUser(ctx, sub.UserID); err == nil {
			if notice.To == "" {
				notice.To = user.Email
			}
			if notice.Name == "" {
				notice.Name = user.DisplayName
			}
		}
	}
	return notice
}

func (s *billingService) invoiceCurrency(inv *billing.Invoice) string {
	if inv.Currency != "" {
		return inv.Currency
	}
	return s.currency
}

// =============================================================================
// HELPERS
// =============================================================================

func (s *billingService) applyStatus(ctx context.Context, providerSubscriptionID string, status domain.SubscriptionStatus, trialEnd, periodEnd *time.Time) (*domain.StatusChange, error) {
	return s.store.ApplyProviderStatus(ctx, domain.ProviderStatusUpdate{
		ProviderSubscriptionID: providerSubscriptionID,
		Status:                 status,
		TrialEnd:               trialEnd,
		CurrentPeriodEnd:       periodEnd,
	})
}

// applyAndRecord applies a status snapshot, treating unknown subscriptions
// and refused transitions as acknowledged no-ops.
func (s *billingService) applyAndRecord(ctx context.Context, event *billing.Event, providerSubscriptionID string, status domain.SubscriptionStatus, trialEnd, periodEnd *time.Time) (string, error) {
	change, err := s.applyStatus(ctx, providerSubscriptionID, status, trialEnd, periodEnd)
	switch {
	case err == nil:
		s.recordWebhookChange(ctx, change)
		return OutcomeHandled, nil
	case errors.Is(err, domain.ErrSubscriptionNotFound):
		return s.skip(ctx, event, "subscription not found locally", "provider_subscription_id", providerSubscriptionID)
	case errors.Is(err, domain.ErrIllegalTransition):
		return s.skip(ctx, event, "status transition refused", "to", status)
	}
	return "", err
}

func (s *billingService) recordWebhookChange(ctx context.Context, change *domain.StatusChange) {
	if change.Changed {
		to := change.Subscription.Status
		telemetry.Business.StatusTransitions.WithLabelValues(string(change.Previous), string(to)).Inc()
		if to == domain.SubscriptionStatusCancelled {
			telemetry.Business.SubscriptionsCanceled.WithLabelValues("webhook").Inc()
		}
		s.logger.InfoContext(ctx, "subscription status changed",
			"subscription_id", change.Subscription.ID,
			"from", change.Previous,
			"to", to,
		)
	}
	s.afterStatusWrite(ctx, change)
}

func (s *billingService) skip(ctx context.Context, event *billing.Event, reason string, args ...any) (string, error) {
	attrs := append([]any{"event_id", event.ID, "event_type", event.Type, "reason", reason}, args...)
	s.logger.InfoContext(ctx, "webhook event skipped", attrs...)
	return OutcomeSkipped, nil
}
