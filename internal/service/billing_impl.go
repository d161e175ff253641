package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/dukerupert/tally/internal/billing"
	"github.com/dukerupert/tally/internal/domain"
	"github.com/dukerupert/tally/internal/telemetry"
)

// BillingServiceConfig holds the collaborators of the billing service.
// Publisher and Mirror are optional.
type BillingServiceConfig struct {
	Store     domain.BillingStore
	Users     domain.UserDirectory
	Gateway   billing.Gateway
	Verifier  billing.Verifier
	Notifier  domain.Notifier
	Publisher domain.EventPublisher
	Mirror    domain.Mirror
	Currency  string
	Logger    *slog.Logger
}

// billingService implements BillingService
type billingService struct {
	store     domain.BillingStore
	users     domain.UserDirectory
	gateway   billing.Gateway
	verifier  billing.Verifier
	notifier  domain.Notifier
	publisher domain.EventPublisher
	mirror    domain.Mirror
	currency  string
	logger    *slog.Logger
	now       func() time.Time
}

// NewBillingService creates a new BillingService instance
func NewBillingService(cfg BillingServiceConfig) (BillingService, error) {
	switch {
	case cfg.Store == nil:
		return nil, errors.New("billing service: store is required")
	case cfg.Users == nil:
		return nil, errors.New("billing service: user directory is required")
	case cfg.Gateway == nil:
		return nil, errors.New("billing service: gateway is required")
	case cfg.Verifier == nil:
		return nil, errors.New("billing service: webhook verifier is required")
	case cfg.Notifier == nil:
		return nil, errors.New("billing service: notifier is required")
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	currency := cfg.Currency
	if currency == "" {
		currency = "usd"
	}

	return &billingService{
		store:     cfg.Store,
		users:     cfg.Users,
		gateway:   cfg.Gateway,
		verifier:  cfg.Verifier,
		notifier:  cfg.Notifier,
		publisher: cfg.Publisher,
		mirror:    cfg.Mirror,
		currency:  currency,
		logger:    logger.With("component", "billing"),
		now:       time.Now,
	}, nil
}

// =============================================================================
// ONE-TIME CHARGES
// =============================================================================

func (s *billingService) ProcessPayment(ctx context.Context, params PaymentParams) (*domain.Order, error) {
	const op = "payment.process"

	if err := validateParams(op, params); err != nil {
		return nil, err
	}
	amountCents, err := parseAmountCents(op, params.Amount)
	if err != nil {
		return nil, err
	}

	customer, err := s.resolveCustomer(ctx, op, params.UserID, params.Email, params.Name, params.Token)
	if err != nil {
		return nil, err
	}

	metadata := map[string]string{
		"product_id":   strconv.FormatInt(params.ProductID, 10),
		"product_type": domain.ProductTypeConsulting,
	}
	if params.UserID != 0 {
		metadata["user_id"] = strconv.FormatInt(params.UserID, 10)
	}

	telemetry.Business.PaymentAttempts.WithLabelValues(domain.ProductTypeConsulting).Inc()

	charge, err := s.gateway.CreateOneTimeCharge(ctx, billing.ChargeParams{
		CustomerID:     customer.ProviderCustomerID,
		AmountCents:    amountCents,
		Description:    fmt.Sprintf("Consulting (product %d)", params.ProductID),
		Metadata:       metadata,
		IdempotencyKey: idempotencyKey(ctx, "charge", params.ProductID),
	})
	if err != nil {
		reason := "gateway"
		if ge, ok := billing.AsGatewayError(err); ok && ge.IsDeclined() {
			reason = "declined"
		}
		telemetry.Business.PaymentFailed.WithLabelValues(reason).Inc()
		return nil, s.gatewayError(ctx, op, err)
	}

	currency := charge.Currency
	if currency == "" {
		currency = s.currency
	}

	order, err := s.store.RecordOrder(ctx, domain.RecordOrderParams{
		UserID:             params.UserID,
		ProductID:          params.ProductID,
		ProductType:        domain.ProductTypeConsulting,
		AmountCents:        amountCents,
		Currency:           currency,
		CustomerEmail:      params.Email,
		ProviderCustomerID: customer.ProviderCustomerID,
		ProviderChargeID:   charge.ID,
		Status:             charge.Status,
	})
	if err != nil {
		// The customer was charged; the order must be reconciled by hand.
		s.logger.ErrorContext(ctx, "charge succeeded but order was not recorded",
			"charge_id", charge.ID,
			"customer_id", customer.ProviderCustomerID,
			"amount_cents", amountCents,
			"error", err,
		)
		telemetry.CaptureErrorFromContext(ctx, err, map[string]interface{}{
			"charge_id": charge.ID,
			"operation": op,
		})
		telemetry.Business.PaymentFailed.WithLabelValues("internal").Inc()
		return nil, domain.Internal(err, op, "failed to record order")
	}

	telemetry.Business.PaymentSucceeded.WithLabelValues(domain.ProductTypeConsulting).Inc()
	telemetry.Business.RevenueCollected.WithLabelValues(currency, "charge").Add(float64(amountCents))

	s.logger.InfoContext(ctx, "one-time charge recorded",
		"order_id", order.ID,
		"charge_id", charge.ID,
		"product_id", params.ProductID,
		"amount_cents", amountCents,
	)

	s.mirrorOrder(ctx, order)
	s.publish(ctx, domain.BillingEvent{
		Type:        domain.EventOrderRecorded,
		UserID:      order.UserID,
		ProductID:   order.ProductID,
		OrderID:     order.ID,
		AmountCents: order.AmountCents,
	})

	return order, nil
}

// =============================================================================
// SUBSCRIPTIONS
// =============================================================================

func (s *billingService) CreateSubscription(ctx context.Context, params SubscribeParams) (*domain.Subscription, error) {
	const op = "subscription.create"

	if err := validateParams(op, params); err != nil {
		return nil, err
	}
	cycle, err := domain.ParseCycle(params.Cycle)
	if err != nil {
		return nil, domain.NewValidationError(op, "billing_cycle", "must be monthly or annual")
	}

	user, err := s.users.GetUser(ctx, params.UserID)
	if err != nil {
		return nil, err
	}

	product, err := s.store.GetProduct(ctx, params.ProductID)
	if err != nil {
		return nil, err
	}
	if product.PriceCents(cycle) <= 0 {
		return nil, domain.Errorf(domain.EINVALID, op, "%s is not available on %s billing", product.Name, cycle)
	}

	existing, err := s.store.FindSubscription(ctx, user.ID, product.ID)
	if err != nil {
		if !errors.Is(err, domain.ErrSubscriptionNotFound) {
			return nil, err
		}
		existing = nil
	}

	customer, err := s.resolveCustomer(ctx, op, user.ID, user.Email, user.DisplayName, params.Token)
	if err != nil {
		return nil, err
	}

	priceID, err := s.ensurePrice(ctx, op, product, cycle)
	if err != nil {
		return nil, err
	}

	createParams := billing.CreateSubscriptionParams{
		CustomerID: customer.ProviderCustomerID,
		PriceID:    priceID,
		Metadata: map[string]string{
			"product_id":    strconv.FormatInt(product.ID, 10),
			"product_name":  product.Name,
			"billing_cycle": string(cycle),
			"user_id":       strconv.FormatInt(user.ID, 10),
		},
	}
	switch {
	case existing != nil && existing.Status == domain.SubscriptionStatusTrialing:
		// Subscribing again during a trial converts it to paid now.
		createParams.TrialEndNow = true
	case existing == nil && product.TrialDays > 0:
		createParams.TrialPeriodDays = product.TrialDays
	}

	createParams.IdempotencyKey = idempotencyKey(ctx, "subscription", user.ID, product.ID)

	gsub, err := s.gateway.CreateSubscription(ctx, createParams)
	if err != nil {
		return nil, s.gatewayError(ctx, op, err)
	}

	var trialEnd *time.Time
	status, ok := domain.StatusFromProvider(gsub.Status)
	switch {
	case ok && status == domain.SubscriptionStatusTrialing:
		trialEnd = gsub.TrialEnd
	case ok && status == domain.SubscriptionStatusActive:
	default:
		// First payment did not settle; nothing is recorded for the user.
		s.abandonIncomplete(ctx, op, gsub, user.ID)
		return nil, domain.Errorf(domain.EPAYMENT, op, "Your payment could not be completed. Please check your card details and try again.")
	}

	sub, err := s.store.UpsertSubscription(ctx, domain.UpsertSubscriptionParams{
		UserID:                 user.ID,
		ProductID:              product.ID,
		ProviderCustomerID:     customer.ProviderCustomerID,
		ProviderSubscriptionID: gsub.ID,
		Cycle:                  cycle,
		Status:                 status,
		TrialEnd:               trialEnd,
		CurrentPeriodEnd:       gsub.CurrentPeriodEnd,
	})
	if err != nil {
		// The gateway subscription exists; its created webhook adopts it.
		s.logger.ErrorContext(ctx, "gateway subscription created but not stored",
			"provider_subscription_id", gsub.ID,
			"user_id", user.ID,
			"product_id", product.ID,
			"error", err,
		)
		telemetry.CaptureErrorFromContext(ctx, err, map[string]interface{}{
			"provider_subscription_id": gsub.ID,
			"operation":                op,
		})
		return nil, domain.Internal(err, op, "failed to save subscription")
	}
	// Webhooks may have stored and advanced this subscription first.
	status, trialEnd = sub.Status, sub.TrialEnd

	telemetry.Business.SubscriptionsCreated.WithLabelValues(string(cycle), string(status)).Inc()

	var previous domain.SubscriptionStatus
	if existing != nil {
		previous = existing.Status
		if existing.Status != status {
			telemetry.Business.StatusTransitions.WithLabelValues(string(existing.Status), string(status)).Inc()
		}
		s.cancelSuperseded(ctx, existing, gsub.ID)
	}

	s.logger.InfoContext(ctx, "subscription created",
		"subscription_id", sub.ID,
		"provider_subscription_id", sub.ProviderSubscriptionID,
		"user_id", user.ID,
		"product_id", product.ID,
		"billing_cycle", cycle,
		"status", status,
		"trial_end_now", createParams.TrialEndNow,
	)

	err = s.notifier.SendSubscriptionConfirmation(ctx, domain.SubscriptionNotice{
		To:          user.Email,
		Name:        user.DisplayName,
		ProductName: product.Name,
		Cycle:       cycle,
		Status:      status,
		AmountCents: product.PriceCents(cycle),
		Currency:    s.currency,
		TrialEnd:    trialEnd,
	})
	if err != nil {
		s.logger.WarnContext(ctx, "failed to send subscription confirmation",
			"subscription_id", sub.ID,
			"error", err,
		)
	}

	s.afterStatusWrite(ctx, &domain.StatusChange{
		Subscription: sub,
		Previous:     previous,
		Changed:      previous != status,
	})

	return sub, nil
}

// abandonIncomplete cancels a gateway subscription whose first payment
// failed so it does not linger on the customer. Failures are logged only.
func (s *billingService) abandonIncomplete(ctx context.Context, op string, gsub *billing.Subscription, userID int64) {
	telemetry.Business.PaymentFailed.WithLabelValues("incomplete").Inc()
	s.logger.WarnContext(ctx, "subscription first payment incomplete",
		"provider_subscription_id", gsub.ID,
		"provider_status", gsub.Status,
		"user_id", userID,
	)
	if _, err := s.gateway.CancelSubscription(ctx, gsub.ID); err != nil {
		s.logger.WarnContext(ctx, "failed to cancel incomplete subscription",
			"operation", op,
			"provider_subscription_id", gsub.ID,
			"error", err,
		)
	}
}

// idempotencyKey scopes a gateway write to the current request so client
// retries of the same request do not repeat it. Empty without a request id.
func idempotencyKey(ctx context.Context, kind string, ids ...int64) string {
	reqID := domain.RequestIDFromContext(ctx)
	if reqID == "" {
		return ""
	}
	var b strings.Builder
	b.WriteString(kind)
	for _, id := range ids {
		b.WriteByte('-')
		b.WriteString(strconv.FormatInt(id, 10))
	}
	b.WriteByte('-')
	b.WriteString(reqID)
	return b.String()
}

// ensurePrice returns the price id for the cycle, persisting ids the gateway
// just provisioned. When a concurrent subscribe stored its ids first, those
// are used.
func (s *billingService) ensurePrice(ctx context.Context, op string, product *domain.Product, cycle domain.Cycle) (string, error) {
	ref, err := s.gateway.EnsureProductPrice(ctx, product, cycle)
	if err != nil {
		if errors.Is(err, billing.ErrMissingPrice) {
			return "", domain.Errorf(domain.EINVALID, op, "%s is not available on %s billing", product.Name, cycle)
		}
		return "", s.gatewayError(ctx, op, err)
	}
	if !ref.Created {
		return ref.PriceID, nil
	}

	stored, err := s.store.PersistProvisionedPrice(ctx, product.ID, cycle, ref.ProviderProductID, ref.PriceID)
	if err != nil {
		return "", domain.Internal(err, op, "failed to save provisioned price")
	}
	if winner := stored.ProviderPriceID(cycle); winner != "" && winner != ref.PriceID {
		s.logger.InfoContext(ctx, "price provisioned concurrently, using stored price",
			"product_id", product.ID,
			"billing_cycle", cycle,
			"stored_price_id", winner,
			"discarded_price_id", ref.PriceID,
		)
		return winner, nil
	}
	return ref.PriceID, nil
}

// cancelSuperseded cancels the gateway subscription a resubscribe replaced.
// Best effort: the local row already points at the new subscription.
func (s *billingService) cancelSuperseded(ctx context.Context, previous *domain.Subscription, currentID string) {
	if previous.ProviderSubscriptionID == "" || previous.ProviderSubscriptionID == currentID || previous.Status.IsTerminal() {
		return
	}

	_, err := s.gateway.CancelSubscription(ctx, previous.ProviderSubscriptionID)
	if err == nil || errors.Is(err, billing.ErrNotFound) {
		return
	}

	telemetry.Business.SideEffectsFailed.WithLabelValues("superseded_cancel").Inc()
	s.logger.WarnContext(ctx, "failed to cancel superseded gateway subscription",
		"provider_subscription_id", previous.ProviderSubscriptionID,
		"replacement_id", currentID,
		"error", err,
	)
}

func (s *billingService) UpdatePaymentMethod(ctx context.Context, params PaymentMethodParams) error {
	const op = "subscription.update_payment_method"

	if err := validateParams(op, params); err != nil {
		return err
	}

	sub, err := s.ownedSubscription(ctx, op, params.UserID, params.SubscriptionID)
	if err != nil {
		return err
	}

	if _, err := s.gateway.UpdatePaymentSource(ctx, sub.ProviderCustomerID, params.Token); err != nil {
		return s.gatewayError(ctx, op, err)
	}

	s.logger.InfoContext(ctx, "payment method updated",
		"subscription_id", sub.ID,
		"user_id", params.UserID,
	)
	return nil
}

func (s *billingService) CancelSubscription(ctx context.Context, params CancelParams) (*domain.Subscription, error) {
	const op = "subscription.cancel"

	if err := validateParams(op, params); err != nil {
		return nil, err
	}

	sub, err := s.ownedSubscription(ctx, op, params.UserID, params.SubscriptionID)
	if err != nil {
		return nil, err
	}

	var gatewayErr error
	if sub.ProviderSubscriptionID != "" && !sub.Status.IsTerminal() {
		_, gatewayErr = s.gateway.CancelSubscription(ctx, sub.ProviderSubscriptionID)
		if errors.Is(gatewayErr, billing.ErrNotFound) {
			s.logger.InfoContext(ctx, "subscription already gone at gateway",
				"provider_subscription_id", sub.ProviderSubscriptionID,
			)
			gatewayErr = nil
		}
	}

	change, err := s.store.MarkCancelled(ctx, sub.ID)
	if err != nil {
		return nil, domain.Internal(err, op, "failed to cancel subscription")
	}

	if change.Changed {
		telemetry.Business.SubscriptionsCanceled.WithLabelValues("user").Inc()
		telemetry.Business.StatusTransitions.WithLabelValues(string(change.Previous), string(domain.SubscriptionStatusCancelled)).Inc()
	}
	s.afterStatusWrite(ctx, change)

	if gatewayErr != nil {
		s.logger.WarnContext(ctx, "subscription cancelled locally but gateway cancel failed",
			"subscription_id", sub.ID,
			"provider_subscription_id", sub.ProviderSubscriptionID,
			"error", gatewayErr,
		)
		return nil, s.gatewayError(ctx, op, gatewayErr)
	}

	s.logger.InfoContext(ctx, "subscription cancelled",
		"subscription_id", sub.ID,
		"user_id", params.UserID,
		"previous_status", change.Previous,
	)
	return change.Subscription, nil
}

// ownedSubscription loads a subscription by internal id and checks it
// belongs to the user. Missing and foreign rows are indistinguishable.
func (s *billingService) ownedSubscription(ctx context.Context, op string, userID, subscriptionID int64) (*domain.Subscription, error) {
	sub, err := s.store.GetSubscription(ctx, subscriptionID)
	if err != nil {
		if errors.Is(err, domain.ErrSubscriptionNotFound) {
			return nil, domain.WrapError(domain.ErrNotOwner, domain.EFORBIDDEN, op, domain.ErrNotOwner.Message)
		}
		return nil, err
	}
	if !sub.OwnedBy(userID) {
		s.logger.WarnContext(ctx, "subscription ownership check failed",
			"subscription_id", subscriptionID,
			"user_id", userID,
		)
		return nil, domain.WrapError(domain.ErrNotOwner, domain.EFORBIDDEN, op, domain.ErrNotOwner.Message)
	}
	return sub, nil
}

// =============================================================================
// READ ACCESSORS
// =============================================================================

func (s *billingService) ListSubscriptions(ctx context.Context, userID int64) ([]domain.Subscription, error) {
	if userID <= 0 {
		return nil, domain.Unauthorized("subscription.list", "Sign in to view subscriptions")
	}
	return s.store.ListSubscriptionsForUser(ctx, userID)
}

func (s *billingService) ListOrders(ctx context.Context, userID int64) ([]domain.Order, error) {
	if userID <= 0 {
		return nil, domain.Unauthorized("order.list", "Sign in to view orders")
	}
	return s.store.ListOrdersForUser(ctx, userID)
}

// =============================================================================
// HELPERS
// =============================================================================

// resolveCustomer returns the gateway customer for the caller. Signed-in
// users reuse their stored reference (a new token replaces the source);
// everyone else is looked up by email at the gateway.
func (s *billingService) resolveCustomer(ctx context.Context, op string, userID int64, email, name, token string) (*domain.CustomerRef, error) {
	if userID != 0 {
		ref, err := s.store.GetCustomerRef(ctx, userID)
		switch {
		case err == nil:
			if token != "" {
				if _, err := s.gateway.UpdatePaymentSource(ctx, ref.ProviderCustomerID, token); err != nil {
					return nil, s.gatewayError(ctx, op, err)
				}
			}
			return ref, nil
		case !domain.IsCode(err, domain.ENOTFOUND):
			return nil, err
		}
	}

	customer, err := s.gateway.FindOrCreateCustomer(ctx, billing.CustomerParams{
		Email: email,
		Name:  name,
		Token: token,
	})
	if err != nil {
		return nil, s.gatewayError(ctx, op, err)
	}

	ref := &domain.CustomerRef{
		UserID:             userID,
		Provider:           "stripe",
		ProviderCustomerID: customer.ID,
		Email:              email,
	}
	if userID != 0 {
		if err := s.store.SaveCustomerRef(ctx, *ref); err != nil {
			return nil, domain.Internal(err, op, "failed to save customer")
		}
	}
	return ref, nil
}

// gatewayError converts a gateway failure into a domain error carrying the
// provider's message. Declines become EPAYMENT.
func (s *billingService) gatewayError(ctx context.Context, op string, err error) error {
	ge, ok := billing.AsGatewayError(err)
	if !ok {
		if errors.Is(err, billing.ErrNotFound) {
			return domain.WrapError(err, domain.EGATEWAY, op, "The payment provider could not find this record")
		}
		return domain.Gateway(err, op, "The payment provider could not complete the request")
	}

	s.logger.WarnContext(ctx, "gateway call failed",
		"op", op,
		"gateway_op", ge.Op,
		"code", ge.Code,
		"decline_code", ge.DeclineCode,
		"http_status", ge.HTTPStatus,
		"request_id", ge.RequestID,
		"temporary", ge.IsTemporary(),
	)

	message := ge.Message
	if message == "" {
		message = "The payment provider could not complete the request"
	}
	if ge.IsDeclined() {
		return domain.WrapError(err, domain.EPAYMENT, op, message)
	}
	if !ge.IsTemporary() && ge.HTTPStatus >= 500 {
		telemetry.CaptureErrorFromContext(ctx, err, map[string]interface{}{"operation": op})
	}
	return domain.Gateway(err, op, message)
}

// afterStatusWrite mirrors the row and publishes real status changes.
// Neither side effect can fail the caller.
func (s *billingService) afterStatusWrite(ctx context.Context, change *domain.StatusChange) {
	if change == nil || change.Subscription == nil {
		return
	}
	sub := change.Subscription

	s.mirrorSubscription(ctx, sub)
	if !change.Changed {
		return
	}
	s.publish(ctx, domain.BillingEvent{
		Type:           domain.EventSubscriptionStatusChanged,
		UserID:         sub.UserID,
		ProductID:      sub.ProductID,
		SubscriptionID: sub.ID,
		Status:         sub.Status,
		PreviousStatus: change.Previous,
	})
}

func (s *billingService) mirrorSubscription(ctx context.Context, sub *domain.Subscription) {
	if s.mirror == nil {
		return
	}
	if err := s.mirror.MirrorSubscription(ctx, sub); err != nil {
		telemetry.Business.SideEffectsFailed.WithLabelValues("mirror").Inc()
		s.logger.WarnContext(ctx, "failed to mirror subscription", "subscription_id", sub.ID, "error", err)
	}
}

func (s *billingService) mirrorOrder(ctx context.Context, order *domain.Order) {
	if s.mirror == nil {
		return
	}
	if err := s.mirror.MirrorOrder(ctx, order); err != nil {
		telemetry.Business.SideEffectsFailed.WithLabelValues("mirror").Inc()
		s.logger.WarnContext(ctx, "failed to mirror order", "order_id", order.ID, "error", err)
	}
}

func (s *billingService) publish(ctx context.Context, event domain.BillingEvent) {
	if s.publisher == nil {
		return
	}
	if event.OccurredAt.IsZero() {
		event.OccurredAt = s.now().UTC()
	}
	if err := s.publisher.Publish(ctx, event); err != nil {
		telemetry.Business.SideEffectsFailed.WithLabelValues("publish").Inc()
		s.logger.WarnContext(ctx, "failed to publish billing event", "type", event.Type, "error", err)
	}
}
