// Package jobs holds the maintenance tasks run by the background worker.
package jobs

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// DefaultWebhookRetention outlives the gateway's redelivery window.
const DefaultWebhookRetention = 30 * 24 * time.Hour

// WebhookEventPruner deletes webhook claims received before a cutoff.
type WebhookEventPruner interface {
	PruneWebhookEvents(ctx context.Context, before time.Time) (int64, error)
}

// WebhookRetention removes webhook claims older than the retention window.
type WebhookRetention struct {
	store     WebhookEventPruner
	retention time.Duration
	logger    *slog.Logger
	now       func() time.Time
}

// NewWebhookRetention creates the cleanup task. A zero retention uses
// DefaultWebhookRetention.
func NewWebhookRetention(store WebhookEventPruner, retention time.Duration, logger *slog.Logger) *WebhookRetention {
	if retention <= 0 {
		retention = DefaultWebhookRetention
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &WebhookRetention{
		store:     store,
		retention: retention,
		logger:    logger,
		now:       time.Now,
	}
}

// Name implements worker.Task.
func (t *WebhookRetention) Name() string {
	return "cleanup:webhook_events"
}

// Run implements worker.Task.
func (t *WebhookRetention) Run(ctx context.Context) error {
	cutoff := t.now().Add(-t.retention)

	removed, err := t.store.PruneWebhookEvents(ctx, cutoff)
	if err != nil {
		return fmt.Errorf("failed to prune webhook events: %w", err)
	}

	if removed > 0 {
		t.logger.InfoContext(ctx, "pruned webhook events",
			"removed", removed,
			"cutoff", cutoff,
		)
	}
	return nil
}
