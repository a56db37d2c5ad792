// Package outbox relays events committed with ledger transactions to the
// message broker.
package outbox

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"flowerfund/internal/common/events"
	"flowerfund/internal/ledger"
)

// Config holds relay configuration
type Config struct {
	BatchSize    int           `envconfig:"OUTBOX_BATCH_SIZE" default:"50"`
	PollInterval time.Duration `envconfig:"OUTBOX_POLL_INTERVAL" default:"500ms"`
	MaxAttempts  int           `envconfig:"OUTBOX_MAX_ATTEMPTS" default:"10"`
}

// Relay polls the outbox and publishes pending entries in commit order.
// Publishing is at-least-once: an entry published but not yet marked is sent
// again, and the broker drops it by event ID.
type Relay struct {
	outbox    ledger.Outbox
	publisher events.EventPublisher
	cfg       Config
	logger    *slog.Logger
}

// NewRelay creates a relay.
func NewRelay(outbox ledger.Outbox, publisher events.EventPublisher, cfg Config, logger *slog.Logger) (*Relay, error) {
	if outbox == nil {
		return nil, errors.New("outbox is required")
	}
	if publisher == nil {
		return nil, errors.New("publisher is required")
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 50
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 500 * time.Millisecond
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 10
	}
	return &Relay{outbox: outbox, publisher: publisher, cfg: cfg, logger: logger}, nil
}

// Run relays until ctx is done.
func (r *Relay) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.cfg.PollInterval)
	defer ticker.Stop()

	r.logger.Info("outbox relay started", "poll_interval", r.cfg.PollInterval)
	for {
		if _, err := r.ProcessBatch(ctx); err != nil && ctx.Err() == nil {
			r.logger.Error("outbox batch failed", "error", err)
		}

		select {
		case <-ctx.Done():
			r.logger.Info("outbox relay stopped")
			return nil
		case <-ticker.C:
		}
	}
}

// ProcessBatch publishes up to one batch and returns how many entries were
// published. A failed entry is recorded and the rest of the batch continues.
// Entries that used up MaxAttempts stay in the outbox but are no longer read.
func (r *Relay) ProcessBatch(ctx context.Context) (int, error) {
	entries, err := r.outbox.PendingOutbox(ctx, r.cfg.BatchSize, r.cfg.MaxAttempts)
	if err != nil {
		return 0, fmt.Errorf("reading outbox: %w", err)
	}

	published := 0
	for _, entry := range entries {
		if err := r.publish(ctx, entry); err != nil {
			r.logger.Warn("outbox publish failed",
				"entry_id", entry.ID,
				"event_type", entry.EventType,
				"attempts", entry.Attempts+1,
				"error", err,
			)
			if markErr := r.outbox.MarkOutboxFailed(ctx, entry.ID, err.Error()); markErr != nil {
				return published, fmt.Errorf("marking entry %s failed: %w", entry.ID, markErr)
			}
			if entry.Attempts+1 >= r.cfg.MaxAttempts {
				r.logger.Error("outbox entry gave up",
					"entry_id", entry.ID,
					"event_id", entry.EventID,
					"event_type", entry.EventType,
				)
			}
			continue
		}

		if err := r.outbox.MarkOutboxPublished(ctx, entry.ID, time.Now().UTC()); err != nil {
			return published, fmt.Errorf("marking entry %s published: %w", entry.ID, err)
		}
		published++
	}
	return published, nil
}

func (r *Relay) publish(ctx context.Context, entry *events.OutboxEntry) error {
	event, err := entry.Event()
	if err != nil {
		return fmt.Errorf("decoding payload: %w", err)
	}
	return r.publisher.Publish(ctx, event)
}
