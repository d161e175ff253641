// Package mirror keeps a denormalised copy of billing records in Redis for
// the admin UI. Postgres remains the source of truth.
package mirror

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/dukerupert/tally/internal/domain"
)

// RedisMirror implements domain.Mirror.
type RedisMirror struct {
	client *redis.Client
	prefix string
}

var _ domain.Mirror = (*RedisMirror)(nil)

// subscriptionView is the mirrored shape of a subscription.
type subscriptionView struct {
	ID                     int64      `json:"id"`
	UserID                 int64      `json:"user_id"`
	ProductID              int64      `json:"product_id"`
	ProviderSubscriptionID string     `json:"provider_subscription_id"`
	BillingCycle           string     `json:"billing_cycle"`
	Status                 string     `json:"status"`
	TrialEnd               *time.Time `json:"trial_end,omitempty"`
	CurrentPeriodEnd       *time.Time `json:"current_period_end,omitempty"`
	UpdatedAt              time.Time  `json:"updated_at"`
}

type orderView struct {
	ID               int64     `json:"id"`
	UserID           int64     `json:"user_id,omitempty"`
	ProductID        int64     `json:"product_id"`
	ProductType      string    `json:"product_type"`
	AmountCents      int64     `json:"amount_cents"`
	Currency         string    `json:"currency"`
	CustomerEmail    string    `json:"customer_email"`
	ProviderChargeID string    `json:"provider_charge_id"`
	Status           string    `json:"status"`
	CreatedAt        time.Time `json:"created_at"`
}

// NewRedisMirror connects to the Redis URL and pings it.
func NewRedisMirror(ctx context.Context, url, prefix string) (*RedisMirror, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("invalid redis URL: %w", err)
	}
	opts.DialTimeout = 5 * time.Second
	opts.ReadTimeout = 3 * time.Second
	opts.WriteTimeout = 3 * time.Second

	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return NewRedisMirrorFromClient(client, prefix), nil
}

// NewRedisMirrorFromClient wraps an existing client.
func NewRedisMirrorFromClient(client *redis.Client, prefix string) *RedisMirror {
	if prefix == "" {
		prefix = "tally"
	}
	return &RedisMirror{client: client, prefix: prefix}
}

// Close closes the underlying client.
func (m *RedisMirror) Close() error {
	return m.client.Close()
}

func (m *RedisMirror) subscriptionKey(id int64) string {
	return fmt.Sprintf("%s:subscription:%d", m.prefix, id)
}

func (m *RedisMirror) orderKey(id int64) string {
	return fmt.Sprintf("%s:order:%d", m.prefix, id)
}

func (m *RedisMirror) userKey(userID int64, kind string) string {
	return fmt.Sprintf("%s:user:%d:%s", m.prefix, userID, kind)
}

func (m *RedisMirror) statusKey(status domain.SubscriptionStatus) string {
	return fmt.Sprintf("%s:status:%s", m.prefix, status)
}

// MirrorSubscription stores the subscription and indexes it by user and
// status. Stale status index entries are removed.
func (m *RedisMirror) MirrorSubscription(ctx context.Context, sub *domain.Subscription) error {
	data, err := json.Marshal(subscriptionView{
		ID:                     sub.ID,
		UserID:                 sub.UserID,
		ProductID:              sub.ProductID,
		ProviderSubscriptionID: sub.ProviderSubscriptionID,
		BillingCycle:           string(sub.PlanName),
		Status:                 string(sub.Status),
		TrialEnd:               sub.TrialEnd,
		CurrentPeriodEnd:       sub.CurrentPeriodEnd,
		UpdatedAt:              sub.UpdatedAt,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal subscription: %w", err)
	}

	member := strconv.FormatInt(sub.ID, 10)
	_, err = m.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, m.subscriptionKey(sub.ID), data, 0)
		pipe.SAdd(ctx, m.userKey(sub.UserID, "subscriptions"), member)
		for _, status := range []domain.SubscriptionStatus{
			domain.SubscriptionStatusTrialing,
			domain.SubscriptionStatusActive,
			domain.SubscriptionStatusPastDue,
			domain.SubscriptionStatusCancelled,
		} {
			if status != sub.Status {
				pipe.SRem(ctx, m.statusKey(status), member)
			}
		}
		pipe.SAdd(ctx, m.statusKey(sub.Status), member)
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis mirror subscription %d: %w", sub.ID, err)
	}
	return nil
}

// MirrorOrder stores the order. Orders of signed-in users are indexed by
// creation time.
func (m *RedisMirror) MirrorOrder(ctx context.Context, order *domain.Order) error {
	data, err := json.Marshal(orderView{
		ID:               order.ID,
		UserID:           order.UserID,
		ProductID:        order.ProductID,
		ProductType:      order.ProductType,
		AmountCents:      order.AmountCents,
		Currency:         order.Currency,
		CustomerEmail:    order.CustomerEmail,
		ProviderChargeID: order.ProviderChargeID,
		Status:           order.Status,
		CreatedAt:        order.CreatedAt,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal order: %w", err)
	}

	_, err = m.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, m.orderKey(order.ID), data, 0)
		if order.UserID != 0 {
			pipe.ZAdd(ctx, m.userKey(order.UserID, "orders"), redis.Z{
				Score:  float64(order.CreatedAt.Unix()),
				Member: strconv.FormatInt(order.ID, 10),
			})
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis mirror order %d: %w", order.ID, err)
	}
	return nil
}
