package billing

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/client"

	"github.com/dukerupert/tally/internal/domain"
	"github.com/dukerupert/tally/internal/telemetry"
)

// StripeGateway implements Gateway using the Stripe API.
type StripeGateway struct {
	sc       *client.API
	currency string
	timeout  time.Duration
	logger   *slog.Logger
}

// NewStripeGateway creates a Stripe gateway with its own API client.
// The client never retries on its own; callers decide what to repeat.
func NewStripeGateway(cfg StripeConfig, logger *slog.Logger) (*StripeGateway, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	cfg = cfg.withDefaults()

	httpClient := &http.Client{Timeout: cfg.Timeout}
	apiConfig := &stripe.BackendConfig{
		HTTPClient:        httpClient,
		MaxNetworkRetries: stripe.Int64(0),
	}
	if cfg.BackendURL != "" {
		apiConfig.URL = stripe.String(cfg.BackendURL)
	}

	backends := &stripe.Backends{
		API:     stripe.GetBackendWithConfig(stripe.APIBackend, apiConfig),
		Connect: stripe.GetBackendWithConfig(stripe.ConnectBackend, &stripe.BackendConfig{HTTPClient: httpClient}),
		Uploads: stripe.GetBackendWithConfig(stripe.UploadsBackend, &stripe.BackendConfig{HTTPClient: httpClient}),
	}

	return &StripeGateway{
		sc:       client.New(cfg.APIKey, backends),
		currency: cfg.Currency,
		timeout:  cfg.Timeout,
		logger:   logger,
	}, nil
}

// FindOrCreateCustomer looks the customer up by email and creates it when
// the lookup finds nothing.
func (g *StripeGateway) FindOrCreateCustomer(ctx context.Context, params CustomerParams) (*Customer, error) {
	existing, err := g.findCustomerByEmail(ctx, params.Email)
	if err != nil {
		// Lookup failures fall through to create.
		g.logger.Warn("stripe customer lookup failed, creating new customer",
			"email", params.Email,
			"error", err,
		)
	}

	if existing != nil {
		if params.Token == "" {
			return existing, nil
		}
		return g.UpdatePaymentSource(ctx, existing.ID, params.Token)
	}

	ctx, cancel := g.bound(ctx)
	defer cancel()

	cp := &stripe.CustomerParams{
		Email: stripe.String(params.Email),
	}
	cp.Context = ctx
	if params.Name != "" {
		cp.Name = stripe.String(params.Name)
	}
	if params.Token != "" {
		cp.Source = stripe.String(params.Token)
	}

	start := time.Now()
	c, err := g.sc.Customers.New(cp)
	g.observe("customer.create", start, err)
	if err != nil {
		return nil, toGatewayError("customer.create", err)
	}

	return customerFromStripe(c), nil
}

// findCustomerByEmail returns (nil, nil) when no customer has the email.
func (g *StripeGateway) findCustomerByEmail(ctx context.Context, email string) (*Customer, error) {
	ctx, cancel := g.bound(ctx)
	defer cancel()

	params := &stripe.CustomerListParams{
		ListParams: stripe.ListParams{Limit: stripe.Int64(1)},
		Email:      stripe.String(email),
	}
	params.Context = ctx

	start := time.Now()
	iter := g.sc.Customers.List(params)
	for iter.Next() {
		g.observe("customer.list", start, nil)
		return customerFromStripe(iter.Customer()), nil
	}
	if err := iter.Err(); err != nil {
		g.observe("customer.list", start, err)
		return nil, toGatewayError("customer.list", err)
	}
	g.observe("customer.list", start, nil)
	return nil, nil
}

// EnsureProductPrice provisions the Stripe product and recurring price on
// first use. Idempotency keys make concurrent first calls converge on the
// same Stripe objects.
func (g *StripeGateway) EnsureProductPrice(ctx context.Context, product *domain.Product, cycle domain.Cycle) (*PriceRef, error) {
	if id := product.ProviderPriceID(cycle); id != "" {
		return &PriceRef{ProviderProductID: product.ProviderProductID, PriceID: id}, nil
	}

	amount := product.PriceCents(cycle)
	if amount <= 0 {
		return nil, fmt.Errorf("%w: product %d, %s", ErrMissingPrice, product.ID, cycle)
	}

	ctx, cancel := g.bound(ctx)
	defer cancel()

	productID := product.ProviderProductID
	if productID == "" {
		pp := &stripe.ProductParams{
			Name: stripe.String(product.Name),
		}
		pp.Context = ctx
		if product.Description != "" {
			pp.Description = stripe.String(product.Description)
		}
		pp.AddMetadata("product_id", strconv.FormatInt(product.ID, 10))
		pp.SetIdempotencyKey(productIdempotencyKey(product))

		start := time.Now()
		p, err := g.sc.Products.New(pp)
		g.observe("product.create", start, err)
		if err != nil {
			return nil, toGatewayError("product.create", err)
		}
		productID = p.ID
	}

	priceParams := &stripe.PriceParams{
		Currency:   stripe.String(g.currency),
		UnitAmount: stripe.Int64(amount),
		Product:    stripe.String(productID),
		Nickname:   stripe.String(fmt.Sprintf("%s (%s)", product.Name, cycle)),
		Recurring: &stripe.PriceRecurringParams{
			Interval: stripe.String(cycle.Interval()),
		},
	}
	priceParams.Context = ctx
	priceParams.AddMetadata("product_id", strconv.FormatInt(product.ID, 10))
	priceParams.AddMetadata("billing_cycle", string(cycle))
	priceParams.SetIdempotencyKey(fmt.Sprintf("price-%d-%s-%d-%s", product.ID, cycle, amount, productID))

	start := time.Now()
	pr, err := g.sc.Prices.New(priceParams)
	g.observe("price.create", start, err)
	if err != nil {
		return nil, toGatewayError("price.create", err)
	}

	return &PriceRef{ProviderProductID: productID, PriceID: pr.ID, Created: true}, nil
}

// productIdempotencyKey changes whenever the catalog name or description
// does, so an edited product is not answered with a stale cached response.
func productIdempotencyKey(product *domain.Product) string {
	sum := sha256.Sum256([]byte(product.Name + "\x00" + product.Description))
	return fmt.Sprintf("product-%d-%s", product.ID, hex.EncodeToString(sum[:6]))
}

// CreateSubscription creates a Stripe subscription for a single price.
func (g *StripeGateway) CreateSubscription(ctx context.Context, params CreateSubscriptionParams) (*Subscription, error) {
	ctx, cancel := g.bound(ctx)
	defer cancel()

	sp := &stripe.SubscriptionParams{
		Customer: stripe.String(params.CustomerID),
		Items: []*stripe.SubscriptionItemsParams{
			{Price: stripe.String(params.PriceID)},
		},
		// A failed first payment errors instead of leaving an incomplete subscription.
		PaymentBehavior: stripe.String("error_if_incomplete"),
	}
	sp.Context = ctx
	switch {
	case params.TrialEndNow:
		sp.TrialEndNow = stripe.Bool(true)
	case params.TrialPeriodDays > 0:
		sp.TrialPeriodDays = stripe.Int64(int64(params.TrialPeriodDays))
	}
	for k, v := range params.Metadata {
		sp.AddMetadata(k, v)
	}
	if params.IdempotencyKey != "" {
		sp.SetIdempotencyKey(params.IdempotencyKey)
	}

	start := time.Now()
	s, err := g.sc.Subscriptions.New(sp)
	g.observe("subscription.create", start, err)
	if err != nil {
		return nil, toGatewayError("subscription.create", err)
	}

	return subscriptionFromStripe(s), nil
}

// CreateOneTimeCharge charges the customer's default source.
func (g *StripeGateway) CreateOneTimeCharge(ctx context.Context, params ChargeParams) (*Charge, error) {
	ctx, cancel := g.bound(ctx)
	defer cancel()

	cp := &stripe.ChargeParams{
		Amount:   stripe.Int64(params.AmountCents),
		Currency: stripe.String(g.currency),
		Customer: stripe.String(params.CustomerID),
	}
	cp.Context = ctx
	if params.Description != "" {
		cp.Description = stripe.String(params.Description)
	}
	for k, v := range params.Metadata {
		cp.AddMetadata(k, v)
	}
	if params.IdempotencyKey != "" {
		cp.SetIdempotencyKey(params.IdempotencyKey)
	}

	start := time.Now()
	ch, err := g.sc.Charges.New(cp)
	g.observe("charge.create", start, err)
	if err != nil {
		return nil, toGatewayError("charge.create", err)
	}

	out := &Charge{
		ID:          ch.ID,
		AmountCents: ch.Amount,
		Currency:    string(ch.Currency),
		Status:      string(ch.Status),
		Paid:        ch.Paid,
	}
	if ch.Customer != nil {
		out.CustomerID = ch.Customer.ID
	}
	return out, nil
}

// CancelSubscription cancels a Stripe subscription immediately.
func (g *StripeGateway) CancelSubscription(ctx context.Context, providerSubscriptionID string) (*Subscription, error) {
	ctx, cancel := g.bound(ctx)
	defer cancel()

	params := &stripe.SubscriptionCancelParams{}
	params.Context = ctx

	start := time.Now()
	s, err := g.sc.Subscriptions.Cancel(providerSubscriptionID, params)
	g.observe("subscription.cancel", start, err)
	if err != nil {
		return nil, toGatewayError("subscription.cancel", err)
	}

	return subscriptionFromStripe(s), nil
}

// UpdatePaymentSource replaces the customer's default source.
func (g *StripeGateway) UpdatePaymentSource(ctx context.Context, customerID, token string) (*Customer, error) {
	ctx, cancel := g.bound(ctx)
	defer cancel()

	params := &stripe.CustomerParams{
		Source: stripe.String(token),
	}
	params.Context = ctx

	start := time.Now()
	c, err := g.sc.Customers.Update(customerID, params)
	g.observe("customer.update", start, err)
	if err != nil {
		return nil, toGatewayError("customer.update", err)
	}

	return customerFromStripe(c), nil
}

func (g *StripeGateway) bound(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, g.timeout)
}

func (g *StripeGateway) observe(op string, start time.Time, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	telemetry.Business.GatewayLatency.WithLabelValues(op, result).Observe(time.Since(start).Seconds())
}

// toGatewayError maps SDK and transport errors onto the billing taxonomy.
// Missing objects become ErrNotFound; everything else becomes *GatewayError.
func toGatewayError(op string, err error) error {
	var se *stripe.Error
	if errors.As(err, &se) {
		if se.Code == stripe.ErrorCodeResourceMissing {
			return fmt.Errorf("%s: %w", op, ErrNotFound)
		}
		return &GatewayError{
			Op:            op,
			Message:       se.Msg,
			Code:          string(se.Code),
			DeclineCode:   string(se.DeclineCode),
			HTTPStatus:    se.HTTPStatusCode,
			RequestID:     se.RequestID,
			OriginalError: err,
			temporary:     se.HTTPStatusCode == http.StatusTooManyRequests || se.HTTPStatusCode >= 500,
		}
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return &GatewayError{
			Op:            op,
			Message:       "payment gateway timed out",
			Code:          "timeout",
			OriginalError: err,
			temporary:     true,
		}
	}

	return &GatewayError{
		Op:            op,
		Message:       "payment gateway unreachable",
		Code:          "api_connection_error",
		OriginalError: err,
		temporary:     true,
	}
}

func customerFromStripe(c *stripe.Customer) *Customer {
	return &Customer{
		ID:        c.ID,
		Email:     c.Email,
		Name:      c.Name,
		CreatedAt: time.Unix(c.Created, 0).UTC(),
	}
}

func subscriptionFromStripe(s *stripe.Subscription) *Subscription {
	out := &Subscription{
		ID:       s.ID,
		Status:   string(s.Status),
		Metadata: s.Metadata,
	}
	if s.Customer != nil {
		out.CustomerID = s.Customer.ID
	}
	if s.TrialEnd > 0 {
		t := time.Unix(s.TrialEnd, 0).UTC()
		out.TrialEnd = &t
	}
	if s.Items != nil {
		for _, item := range s.Items.Data {
			if item != nil && item.CurrentPeriodEnd > 0 {
				t := time.Unix(item.CurrentPeriodEnd, 0).UTC()
				out.CurrentPeriodEnd = &t
				break
			}
		}
	}
	return out
}

// Compile-time check that StripeGateway implements Gateway.
var _ Gateway = (*StripeGateway)(nil)
