package topup

import (
	"context"
	"log/slog"

	"flowerfund/internal/common/events"
	"flowerfund/internal/ledger/domain"
)

// Consumer credits points.purchased events read from the broker.
type Consumer struct {
	svc    *Service
	logger *slog.Logger
}

// NewConsumer creates a broker consumer over svc.
func NewConsumer(svc *Service, logger *slog.Logger) *Consumer {
	return &Consumer{svc: svc, logger: logger}
}

// Handle matches nats.MessageHandler. Only a retryable failure is returned,
// so the broker redelivers it; a purchase the ledger can never accept is
// logged and acknowledged.
func (c *Consumer) Handle(ctx context.Context, event *events.Event) error {
	if event.Type != events.EventPointsPurchased {
		return nil
	}

	var data events.PointsPurchasedData
	if err := event.DecodeData(&data); err != nil {
		c.logger.Error("dropping malformed purchase", "event_id", event.ID, "error", err)
		return nil
	}

	key := data.IdempotencyKey
	if key == "" {
		key = event.ID
	}

	_, err := c.svc.Credit(ctx, Purchase{
		UserID:         data.UserID,
		Points:         data.Points,
		IdempotencyKey: key,
		Source:         SourceNATS,
	})
	if err == nil {
		return nil
	}
	if kind := domain.KindOf(err); kind == domain.KindContention || kind == domain.KindInternal {
		return err
	}
	c.logger.Error("rejecting purchase",
		"event_id", event.ID,
		"user_id", data.UserID,
		"error", err,
	)
	return nil
}
