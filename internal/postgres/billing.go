package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/dukerupert/tally/internal/domain"
)

// ProviderStripe is the provider name stored with customer references.
const ProviderStripe = "stripe"

// BillingStore implements domain.BillingStore using PostgreSQL.
type BillingStore struct {
	db       DBTX
	provider string
}

// Compile-time check that BillingStore implements domain.BillingStore.
var _ domain.BillingStore = (*BillingStore)(nil)

// NewBillingStore creates a store for customers of the Stripe provider.
func NewBillingStore(db DBTX) *BillingStore {
	return &BillingStore{db: db, provider: ProviderStripe}
}

// =============================================================================
// CUSTOMERS
// =============================================================================

func (s *BillingStore) GetCustomerRef(ctx context.Context, userID int64) (*domain.CustomerRef, error) {
	var ref domain.CustomerRef
	err := s.db.QueryRow(ctx, `
		SELECT user_id, provider, provider_customer_id, email
		FROM billing_customers
		WHERE user_id = $1 AND provider = $2`,
		userID, s.provider,
	).Scan(&ref.UserID, &ref.Provider, &ref.ProviderCustomerID, &ref.Email)
	if err != nil {
		if isNoRows(err) {
			return nil, domain.NotFound("customer.get", "customer for user", fmt.Sprint(userID))
		}
		return nil, domain.Internal(err, "customer.get", "failed to load customer")
	}
	return &ref, nil
}

func (s *BillingStore) SaveCustomerRef(ctx context.Context, ref domain.CustomerRef) error {
	provider := ref.Provider
	if provider == "" {
		provider = s.provider
	}
	_, err := s.db.Exec(ctx, `
		INSERT INTO billing_customers (user_id, provider, provider_customer_id, email)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (user_id, provider) DO UPDATE
		SET provider_customer_id = EXCLUDED.provider_customer_id,
		    email = EXCLUDED.email,
		    updated_at = NOW()`,
		ref.UserID, provider, ref.ProviderCustomerID, ref.Email,
	)
	if err != nil {
		return domain.Internal(err, "customer.save", "failed to save customer")
	}
	return nil
}

func (s *BillingStore) FindUserByCustomer(ctx context.Context, providerCustomerID string) (int64, error) {
	var userID int64
	err := s.db.QueryRow(ctx, `
		SELECT user_id FROM billing_customers
		WHERE provider = $1 AND provider_customer_id = $2
		ORDER BY id
		LIMIT 1`,
		s.provider, providerCustomerID,
	).Scan(&userID)
	if err != nil {
		if isNoRows(err) {
			return 0, domain.NotFound("customer.find_user", "user for customer", providerCustomerID)
		}
		return 0, domain.Internal(err, "customer.find_user", "failed to look up customer")
	}
	return userID, nil
}

// =============================================================================
// PRODUCTS
// =============================================================================

const productColumns = `
	id, name, description, monthly_price_cents, annual_price_cents, trial_days,
	COALESCE(provider_product_id, ''),
	COALESCE(provider_monthly_price_id, ''),
	COALESCE(provider_annual_price_id, ''),
	created_at, updated_at`

func scanProduct(row pgx.Row) (*domain.Product, error) {
	var p domain.Product
	err := row.Scan(
		&p.ID, &p.Name, &p.Description, &p.MonthlyPriceCents, &p.AnnualPriceCents, &p.TrialDays,
		&p.ProviderProductID, &p.ProviderMonthlyPriceID, &p.ProviderAnnualPriceID,
		&p.CreatedAt, &p.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func (s *BillingStore) GetProduct(ctx context.Context, id int64) (*domain.Product, error) {
	p, err := scanProduct(s.db.QueryRow(ctx, `SELECT `+productColumns+` FROM products WHERE id = $1`, id))
	if err != nil {
		if isNoRows(err) {
			return nil, domain.ErrProductNotFound
		}
		return nil, domain.Internal(err, "product.get", "failed to load product")
	}
	return p, nil
}

// SaveProduct creates or updates a catalog entry. Provisioned gateway ids
// are left untouched.
func (s *BillingStore) SaveProduct(ctx context.Context, p domain.Product) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO products (id, name, description, monthly_price_cents, annual_price_cents, trial_days)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (id) DO UPDATE
		SET name = EXCLUDED.name,
		    description = EXCLUDED.description,
		    monthly_price_cents = EXCLUDED.monthly_price_cents,
		    annual_price_cents = EXCLUDED.annual_price_cents,
		    trial_days = EXCLUDED.trial_days,
		    updated_at = NOW()`,
		p.ID, p.Name, p.Description, p.MonthlyPriceCents, p.AnnualPriceCents, p.TrialDays,
	)
	if err != nil {
		return domain.Internal(err, "product.save", "failed to save product")
	}
	return nil
}

// PersistProvisionedPrice fills in gateway ids that are still NULL. A
// concurrent writer that got there first wins, and its ids are returned.
func (s *BillingStore) PersistProvisionedPrice(ctx context.Context, productID int64, cycle domain.Cycle, providerProductID, providerPriceID string) (*domain.Product, error) {
	priceColumn := "provider_monthly_price_id"
	if cycle == domain.CycleAnnual {
		priceColumn = "provider_annual_price_id"
	}

	tag, err := s.db.Exec(ctx, `
		UPDATE products
		SET provider_product_id = COALESCE(provider_product_id, $2),
		    `+priceColumn+` = COALESCE(`+priceColumn+`, $3),
		    updated_at = NOW()
		WHERE id = $1`,
		productID, providerProductID, providerPriceID,
	)
	if err != nil {
		return nil, domain.Internal(err, "product.persist_price", "failed to save provisioned price")
	}
	if tag.RowsAffected() == 0 {
		return nil, domain.ErrProductNotFound
	}
	return s.GetProduct(ctx, productID)
}

// =============================================================================
// SUBSCRIPTIONS
// =============================================================================

const subscriptionColumns = `
	id, user_id, product_id, provider_customer_id, provider_subscription_id,
	plan_name, status, trial_end, current_period_end, created_at, updated_at`

func scanSubscription(row pgx.Row) (*domain.Subscription, error) {
	var sub domain.Subscription
	var plan, status string
	err := row.Scan(
		&sub.ID, &sub.UserID, &sub.ProductID, &sub.ProviderCustomerID, &sub.ProviderSubscriptionID,
		&plan, &status, &sub.TrialEnd, &sub.CurrentPeriodEnd, &sub.CreatedAt, &sub.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	sub.PlanName = domain.Cycle(plan)
	sub.Status = domain.SubscriptionStatus(status)
	return &sub, nil
}

// UpsertSubscription writes the single row for (user, product). A
// resubscribe replaces the gateway ids, plan and status in place. When the
// row already holds the same gateway subscription, its status and dates
// are kept: webhooks may have advanced them past this snapshot.
func (s *BillingStore) UpsertSubscription(ctx context.Context, params domain.UpsertSubscriptionParams) (*domain.Subscription, error) {
	sub, err := scanSubscription(s.db.QueryRow(ctx, `
		INSERT INTO subscriptions (
			user_id, product_id, provider_customer_id, provider_subscription_id,
			plan_name, status, trial_end, current_period_end
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (user_id, product_id) DO UPDATE
		SET provider_customer_id = EXCLUDED.provider_customer_id,
		    provider_subscription_id = EXCLUDED.provider_subscription_id,
		    plan_name = EXCLUDED.plan_name,
		    status = CASE WHEN subscriptions.provider_subscription_id = EXCLUDED.provider_subscription_id
		                  THEN subscriptions.status ELSE EXCLUDED.status END,
		    trial_end = CASE WHEN subscriptions.provider_subscription_id = EXCLUDED.provider_subscription_id
		                     THEN subscriptions.trial_end ELSE EXCLUDED.trial_end END,
		    current_period_end = CASE WHEN subscriptions.provider_subscription_id = EXCLUDED.provider_subscription_id
		                              THEN COALESCE(subscriptions.current_period_end, EXCLUDED.current_period_end)
		                              ELSE EXCLUDED.current_period_end END,
		    updated_at = CASE WHEN subscriptions.provider_subscription_id = EXCLUDED.provider_subscription_id
		                      THEN subscriptions.updated_at ELSE NOW() END
		RETURNING `+subscriptionColumns,
		params.UserID, params.ProductID, params.ProviderCustomerID, params.ProviderSubscriptionID,
		string(params.Cycle), string(params.Status), params.TrialEnd, params.CurrentPeriodEnd,
	))
	if err != nil {
		return nil, domain.Internal(err, "subscription.upsert", "failed to save subscription")
	}
	return sub, nil
}

func (s *BillingStore) getSubscriptionWhere(ctx context.Context, op, where string, args ...any) (*domain.Subscription, error) {
	sub, err := scanSubscription(s.db.QueryRow(ctx, `SELECT `+subscriptionColumns+` FROM subscriptions WHERE `+where, args...))
	if err != nil {
		if isNoRows(err) {
			return nil, domain.ErrSubscriptionNotFound
		}
		return nil, domain.Internal(err, op, "failed to load subscription")
	}
	return sub, nil
}

func (s *BillingStore) GetSubscription(ctx context.Context, id int64) (*domain.Subscription, error) {
	return s.getSubscriptionWhere(ctx, "subscription.get", "id = $1", id)
}

func (s *BillingStore) FindSubscription(ctx context.Context, userID, productID int64) (*domain.Subscription, error) {
	return s.getSubscriptionWhere(ctx, "subscription.find", "user_id = $1 AND product_id = $2", userID, productID)
}

func (s *BillingStore) ListSubscriptionsForUser(ctx context.Context, userID int64) ([]domain.Subscription, error) {
	rows, err := s.db.Query(ctx, `
		SELECT `+subscriptionColumns+`
		FROM subscriptions
		WHERE user_id = $1
		ORDER BY created_at, id`, userID)
	if err != nil {
		return nil, domain.Internal(err, "subscription.list", "failed to list subscriptions")
	}
	defer rows.Close()

	subs := []domain.Subscription{}
	for rows.Next() {
		sub, err := scanSubscription(rows)
		if err != nil {
			return nil, domain.Internal(err, "subscription.list", "failed to read subscription")
		}
		subs = append(subs, *sub)
	}
	if err := rows.Err(); err != nil {
		return nil, domain.Internal(err, "subscription.list", "failed to list subscriptions")
	}
	return subs, nil
}

// ApplyProviderStatus writes a webhook status snapshot under a row lock so
// concurrent deliveries for one subscription serialise.
func (s *BillingStore) ApplyProviderStatus(ctx context.Context, update domain.ProviderStatusUpdate) (*domain.StatusChange, error) {
	return s.transition(ctx, "subscription.apply_status",
		"provider_subscription_id = $1", update.ProviderSubscriptionID,
		update.Status, update.TrialEnd, update.CurrentPeriodEnd)
}

// MarkCancelled moves a subscription to cancelled. Cancelling twice is a no-op.
func (s *BillingStore) MarkCancelled(ctx context.Context, id int64) (*domain.StatusChange, error) {
	return s.transition(ctx, "subscription.mark_cancelled",
		"id = $1", id,
		domain.SubscriptionStatusCancelled, nil, nil)
}

func (s *BillingStore) transition(ctx context.Context, op, where string, key any, to domain.SubscriptionStatus, trialEnd, periodEnd any) (*domain.StatusChange, error) {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return nil, domain.Internal(err, op, "failed to begin transaction")
	}
	defer tx.Rollback(ctx)

	current, err := scanSubscription(tx.QueryRow(ctx,
		`SELECT `+subscriptionColumns+` FROM subscriptions WHERE `+where+` FOR UPDATE`, key))
	if err != nil {
		if isNoRows(err) {
			return nil, domain.ErrSubscriptionNotFound
		}
		return nil, domain.Internal(err, op, "failed to load subscription")
	}

	if !domain.CanTransition(current.Status, to) {
		return &domain.StatusChange{Subscription: current, Previous: current.Status}, domain.ErrIllegalTransition
	}

	updated, err := scanSubscription(tx.QueryRow(ctx, `
		UPDATE subscriptions
		SET status = $2,
		    trial_end = COALESCE($3, trial_end),
		    current_period_end = COALESCE($4, current_period_end),
		    updated_at = NOW()
		WHERE id = $1
		RETURNING `+subscriptionColumns,
		current.ID, string(to), trialEnd, periodEnd,
	))
	if err != nil {
		return nil, domain.Internal(err, op, "failed to update subscription")
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, domain.Internal(err, op, "failed to commit subscription update")
	}

	return &domain.StatusChange{
		Subscription: updated,
		Previous:     current.Status,
		Changed:      current.Status != updated.Status,
	}, nil
}

// =============================================================================
// ORDERS
// =============================================================================

const orderColumns = `
	id, user_id, product_id, product_type, amount_cents, currency,
	customer_email, provider_customer_id, provider_charge_id, status, created_at`

func scanOrder(row pgx.Row) (*domain.Order, error) {
	var o domain.Order
	var userID *int64
	err := row.Scan(
		&o.ID, &userID, &o.ProductID, &o.ProductType, &o.AmountCents, &o.Currency,
		&o.CustomerEmail, &o.ProviderCustomerID, &o.ProviderChargeID, &o.Status, &o.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	o.UserID = derefInt64(userID)
	return &o, nil
}

// RecordOrder appends an order. Recording the same charge twice returns
// the existing row.
func (s *BillingStore) RecordOrder(ctx context.Context, params domain.RecordOrderParams) (*domain.Order, error) {
	productType := params.ProductType
	if productType == "" {
		productType = domain.ProductTypeConsulting
	}

	order, err := scanOrder(s.db.QueryRow(ctx, `
		INSERT INTO orders (
			user_id, product_id, product_type, amount_cents, currency,
			customer_email, provider_customer_id, provider_charge_id, status
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (provider_charge_id) DO NOTHING
		RETURNING `+orderColumns,
		nullInt64(params.UserID), params.ProductID, productType, params.AmountCents, params.Currency,
		params.CustomerEmail, params.ProviderCustomerID, params.ProviderChargeID, params.Status,
	))
	if isNoRows(err) {
		order, err = scanOrder(s.db.QueryRow(ctx,
			`SELECT `+orderColumns+` FROM orders WHERE provider_charge_id = $1`, params.ProviderChargeID))
	}
	if err != nil {
		return nil, domain.Internal(err, "order.record", "failed to record order")
	}
	return order, nil
}

func (s *BillingStore) ListOrdersForUser(ctx context.Context, userID int64) ([]domain.Order, error) {
	rows, err := s.db.Query(ctx, `
		SELECT `+orderColumns+`
		FROM orders
		WHERE user_id = $1
		ORDER BY created_at DESC, id DESC`, userID)
	if err != nil {
		return nil, domain.Internal(err, "order.list", "failed to list orders")
	}
	defer rows.Close()

	orders := []domain.Order{}
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, domain.Internal(err, "order.list", "failed to read order")
		}
		orders = append(orders, *o)
	}
	if err := rows.Err(); err != nil {
		return nil, domain.Internal(err, "order.list", "failed to list orders")
	}
	return orders, nil
}

// =============================================================================
// WEBHOOK EVENTS
// =============================================================================

func (s *BillingStore) ClaimWebhookEvent(ctx context.Context, eventID, eventType string) (bool, error) {
	tag, err := s.db.Exec(ctx, `
		INSERT INTO webhook_events (event_id, event_type)
		VALUES ($1, $2)
		ON CONFLICT (event_id) DO NOTHING`,
		eventID, eventType,
	)
	if err != nil {
		return false, domain.Internal(err, "webhook.claim", "failed to claim webhook event")
	}
	return tag.RowsAffected() == 1, nil
}

func (s *BillingStore) ReleaseWebhookEvent(ctx context.Context, eventID string) error {
	_, err := s.db.Exec(ctx, `DELETE FROM webhook_events WHERE event_id = $1`, eventID)
	if err != nil {
		return domain.Internal(err, "webhook.release", "failed to release webhook event")
	}
	return nil
}

// PruneWebhookEvents deletes claims received before the cutoff and returns
// how many were removed. Redeliveries older than the cutoff are no longer
// deduplicated.
func (s *BillingStore) PruneWebhookEvents(ctx context.Context, before time.Time) (int64, error) {
	tag, err := s.db.Exec(ctx, `DELETE FROM webhook_events WHERE received_at < $1`, before)
	if err != nil {
		return 0, domain.Internal(err, "webhook.prune", "failed to prune webhook events")
	}
	return tag.RowsAffected(), nil
}
