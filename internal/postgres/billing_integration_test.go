//go:build integration

package postgres

import (
	"context"
	"database/sql"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/dukerupert/tally/internal"
	"github.com/dukerupert/tally/internal/domain"
)

func setupTestDB(t *testing.T) *pgxpool.Pool {
	t.Helper()
	ctx := context.Background()

	container, err := postgres.Run(ctx, "postgres:15-alpine",
		postgres.WithDatabase("tally_test"),
		postgres.WithUsername("tally"),
		postgres.WithPassword("tally"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second)),
	)
	require.NoError(t, err, "failed to start PostgreSQL container")
	t.Cleanup(func() {
		cleanupCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		_ = container.Terminate(cleanupCtx)
	})

	connStr, err := container.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	db, err := sql.Open("pgx", connStr)
	require.NoError(t, err)
	require.NoError(t, internal.RunMigrations(db))
	require.NoError(t, db.Close())

	pool, err := NewPool(ctx, connStr)
	require.NoError(t, err)
	t.Cleanup(pool.Close)

	return pool
}

func seed(t *testing.T, pool *pgxpool.Pool) *BillingStore {
	t.Helper()
	ctx := context.Background()

	users := NewUserStore(pool)
	require.NoError(t, users.SyncUser(ctx, domain.User{ID: 1, Email: "ada@example.com", DisplayName: "Ada"}))
	require.NoError(t, users.SyncUser(ctx, domain.User{ID: 2, Email: "bob@example.com", DisplayName: "Bob"}))

	store := NewBillingStore(pool)
	require.NoError(t, store.SaveProduct(ctx, domain.Product{
		ID:                10,
		Name:              "Scheduling Pro",
		MonthlyPriceCents: 2900,
		AnnualPriceCents:  29000,
		TrialDays:         14,
	}))
	return store
}

func TestBillingStore_Integration(t *testing.T) {
	pool := setupTestDB(t)
	store := seed(t, pool)
	ctx := context.Background()

	t.Run("user directory", func(t *testing.T) {
		users := NewUserStore(pool)
		u, err := users.GetUser(ctx, 1)
		require.NoError(t, err)
		assert.Equal(t, "ada@example.com", u.Email)

		_, err = users.GetUser(ctx, 99)
		assert.ErrorIs(t, err, domain.ErrUserNotFound)
	})

	t.Run("customer refs are one per user", func(t *testing.T) {
		_, err := store.GetCustomerRef(ctx, 1)
		assert.True(t, domain.IsCode(err, domain.ENOTFOUND))

		require.NoError(t, store.SaveCustomerRef(ctx, domain.CustomerRef{UserID: 1, ProviderCustomerID: "cus_1", Email: "ada@example.com"}))
		require.NoError(t, store.SaveCustomerRef(ctx, domain.CustomerRef{UserID: 1, ProviderCustomerID: "cus_2", Email: "ada@example.com"}))

		ref, err := store.GetCustomerRef(ctx, 1)
		require.NoError(t, err)
		assert.Equal(t, "cus_2", ref.ProviderCustomerID)
		assert.Equal(t, ProviderStripe, ref.Provider)

		userID, err := store.FindUserByCustomer(ctx, "cus_2")
		require.NoError(t, err)
		assert.Equal(t, int64(1), userID)

		_, err = store.FindUserByCustomer(ctx, "cus_missing")
		assert.True(t, domain.IsCode(err, domain.ENOTFOUND))
	})

	t.Run("provisioned price is written once", func(t *testing.T) {
		p, err := store.PersistProvisionedPrice(ctx, 10, domain.CycleMonthly, "prod_a", "price_m1")
		require.NoError(t, err)
		assert.Equal(t, "prod_a", p.ProviderProductID)
		assert.Equal(t, "price_m1", p.ProviderMonthlyPriceID)
		assert.Empty(t, p.ProviderAnnualPriceID)

		p, err = store.PersistProvisionedPrice(ctx, 10, domain.CycleMonthly, "prod_b", "price_m2")
		require.NoError(t, err)
		assert.Equal(t, "prod_a", p.ProviderProductID)
		assert.Equal(t, "price_m1", p.ProviderMonthlyPriceID)

		p, err = store.PersistProvisionedPrice(ctx, 10, domain.CycleAnnual, "prod_b", "price_y1")
		require.NoError(t, err)
		assert.Equal(t, "prod_a", p.ProviderProductID)
		assert.Equal(t, "price_y1", p.ProviderAnnualPriceID)

		_, err = store.PersistProvisionedPrice(ctx, 404, domain.CycleMonthly, "prod", "price")
		assert.ErrorIs(t, err, domain.ErrProductNotFound)
	})

	t.Run("one subscription row per user and product", func(t *testing.T) {
		trialEnd := time.Now().Add(14 * 24 * time.Hour).UTC().Truncate(time.Second)
		first, err := store.UpsertSubscription(ctx, domain.UpsertSubscriptionParams{
			UserID:                 1,
			ProductID:              10,
			ProviderCustomerID:     "cus_2",
			ProviderSubscriptionID: "sub_1",
			Cycle:                  domain.CycleMonthly,
			Status:                 domain.SubscriptionStatusTrialing,
			TrialEnd:               &trialEnd,
		})
		require.NoError(t, err)
		require.NotNil(t, first.TrialEnd)
		assert.True(t, first.TrialEnd.Equal(trialEnd))

		second, err := store.UpsertSubscription(ctx, domain.UpsertSubscriptionParams{
			UserID:                 1,
			ProductID:              10,
			ProviderCustomerID:     "cus_2",
			ProviderSubscriptionID: "sub_2",
			Cycle:                  domain.CycleAnnual,
			Status:                 domain.SubscriptionStatusActive,
		})
		require.NoError(t, err)
		assert.Equal(t, first.ID, second.ID)
		assert.Equal(t, "sub_2", second.ProviderSubscriptionID)
		assert.Equal(t, domain.CycleAnnual, second.PlanName)
		assert.Nil(t, second.TrialEnd)

		subs, err := store.ListSubscriptionsForUser(ctx, 1)
		require.NoError(t, err)
		assert.Len(t, subs, 1)

		found, err := store.FindSubscription(ctx, 1, 10)
		require.NoError(t, err)
		assert.Equal(t, second.ID, found.ID)

		empty, err := store.ListSubscriptionsForUser(ctx, 2)
		require.NoError(t, err)
		assert.Empty(t, empty)
	})

	t.Run("status transitions", func(t *testing.T) {
		periodEnd := time.Now().Add(30 * 24 * time.Hour).UTC().Truncate(time.Second)

		change, err := store.ApplyProviderStatus(ctx, domain.ProviderStatusUpdate{
			ProviderSubscriptionID: "sub_2",
			Status:                 domain.SubscriptionStatusPastDue,
			CurrentPeriodEnd:       &periodEnd,
		})
		require.NoError(t, err)
		assert.True(t, change.Changed)
		assert.Equal(t, domain.SubscriptionStatusActive, change.Previous)
		assert.Equal(t, domain.SubscriptionStatusPastDue, change.Subscription.Status)
		require.NotNil(t, change.Subscription.CurrentPeriodEnd)
		assert.True(t, change.Subscription.CurrentPeriodEnd.Equal(periodEnd))

		change, err = store.ApplyProviderStatus(ctx, domain.ProviderStatusUpdate{
			ProviderSubscriptionID: "sub_2",
			Status:                 domain.SubscriptionStatusPastDue,
		})
		require.NoError(t, err)
		assert.False(t, change.Changed)
		require.NotNil(t, change.Subscription.CurrentPeriodEnd, "nil dates keep the stored value")

		change, err = store.MarkCancelled(ctx, change.Subscription.ID)
		require.NoError(t, err)
		assert.True(t, change.Changed)

		change, err = store.MarkCancelled(ctx, change.Subscription.ID)
		require.NoError(t, err)
		assert.False(t, change.Changed)

		_, err = store.ApplyProviderStatus(ctx, domain.ProviderStatusUpdate{
			ProviderSubscriptionID: "sub_2",
			Status:                 domain.SubscriptionStatusActive,
		})
		assert.ErrorIs(t, err, domain.ErrIllegalTransition)

		_, err = store.ApplyProviderStatus(ctx, domain.ProviderStatusUpdate{
			ProviderSubscriptionID: "sub_unknown",
			Status:                 domain.SubscriptionStatusActive,
		})
		assert.ErrorIs(t, err, domain.ErrSubscriptionNotFound)
	})

	t.Run("same gateway subscription keeps webhook state", func(t *testing.T) {
		trialEnd := time.Now().Add(14 * 24 * time.Hour).UTC().Truncate(time.Second)
		params := domain.UpsertSubscriptionParams{
			UserID:                 2,
			ProductID:              10,
			ProviderCustomerID:     "cus_bob",
			ProviderSubscriptionID: "sub_bob",
			Cycle:                  domain.CycleMonthly,
			Status:                 domain.SubscriptionStatusTrialing,
			TrialEnd:               &trialEnd,
		}
		adopted, err := store.UpsertSubscription(ctx, params)
		require.NoError(t, err)

		_, err = store.ApplyProviderStatus(ctx, domain.ProviderStatusUpdate{
			ProviderSubscriptionID: "sub_bob",
			Status:                 domain.SubscriptionStatusPastDue,
		})
		require.NoError(t, err)

		// The synchronous create response lands after the webhooks.
		late, err := store.UpsertSubscription(ctx, params)
		require.NoError(t, err)
		assert.Equal(t, adopted.ID, late.ID)
		assert.Equal(t, domain.SubscriptionStatusPastDue, late.Status)

		params.ProviderSubscriptionID = "sub_bob_2"
		params.Status = domain.SubscriptionStatusActive
		params.TrialEnd = nil
		replaced, err := store.UpsertSubscription(ctx, params)
		require.NoError(t, err)
		assert.Equal(t, domain.SubscriptionStatusActive, replaced.Status)
		assert.Equal(t, "sub_bob_2", replaced.ProviderSubscriptionID)
	})

	t.Run("orders", func(t *testing.T) {
		params := domain.RecordOrderParams{
			UserID:             1,
			ProductID:          77,
			AmountCents:        15000,
			Currency:           "usd",
			CustomerEmail:      "ada@example.com",
			ProviderCustomerID: "cus_2",
			ProviderChargeID:   "ch_1",
			Status:             "succeeded",
		}
		order, err := store.RecordOrder(ctx, params)
		require.NoError(t, err)
		assert.Equal(t, domain.ProductTypeConsulting, order.ProductType)

		again, err := store.RecordOrder(ctx, params)
		require.NoError(t, err)
		assert.Equal(t, order.ID, again.ID)

		guest, err := store.RecordOrder(ctx, domain.RecordOrderParams{
			ProductID:          77,
			AmountCents:        5000,
			Currency:           "usd",
			CustomerEmail:      "guest@example.com",
			ProviderCustomerID: "cus_guest",
			ProviderChargeID:   "ch_2",
			Status:             "succeeded",
		})
		require.NoError(t, err)
		assert.Zero(t, guest.UserID)

		orders, err := store.ListOrdersForUser(ctx, 1)
		require.NoError(t, err)
		require.Len(t, orders, 1)
		assert.Equal(t, "ch_1", orders[0].ProviderChargeID)
	})

	t.Run("webhook claims", func(t *testing.T) {
		var wg sync.WaitGroup
		results := make([]bool, 8)
		for i := range results {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				claimed, err := store.ClaimWebhookEvent(ctx, "evt_1", "invoice.payment_succeeded")
				assert.NoError(t, err)
				results[i] = claimed
			}(i)
		}
		wg.Wait()

		winners := 0
		for _, claimed := range results {
			if claimed {
				winners++
			}
		}
		assert.Equal(t, 1, winners)

		require.NoError(t, store.ReleaseWebhookEvent(ctx, "evt_1"))
		claimed, err := store.ClaimWebhookEvent(ctx, "evt_1", "invoice.payment_succeeded")
		require.NoError(t, err)
		assert.True(t, claimed)
	})

	t.Run("prune removes claims older than the cutoff", func(t *testing.T) {
		_, err := store.ClaimWebhookEvent(ctx, "evt_old", "customer.subscription.updated")
		require.NoError(t, err)
		_, err = pool.Exec(ctx, `UPDATE webhook_events SET received_at = NOW() - INTERVAL '40 days' WHERE event_id = 'evt_old'`)
		require.NoError(t, err)
		_, err = store.ClaimWebhookEvent(ctx, "evt_new", "customer.subscription.updated")
		require.NoError(t, err)

		removed, err := store.PruneWebhookEvents(ctx, time.Now().Add(-30*24*time.Hour))
		require.NoError(t, err)
		assert.Equal(t, int64(1), removed)

		claimed, err := store.ClaimWebhookEvent(ctx, "evt_old", "customer.subscription.updated")
		require.NoError(t, err)
		assert.True(t, claimed, "pruned event can be claimed again")

		claimed, err = store.ClaimWebhookEvent(ctx, "evt_new", "customer.subscription.updated")
		require.NoError(t, err)
		assert.False(t, claimed)
	})
}
