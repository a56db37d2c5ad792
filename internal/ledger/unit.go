package ledger

import (
	"context"
	"fmt"
	"time"

	"github.com/oklog/ulid/v2"

	"flowerfund/internal/common/events"
	"flowerfund/internal/common/middleware"
	"flowerfund/internal/ledger/domain"
)

// Unit is one all-or-nothing ledger operation in progress. It exposes the
// transaction's records, journals every transfer into a single balanced batch
// and queues events for the outbox; all of it commits together.
type Unit struct {
	Records

	tx      Tx
	journal *domain.Journal
	events  []*events.Event
	now     time.Time
}

func newUnit(tx Tx) *Unit {
	return &Unit{
		Records: tx,
		tx:      tx,
		journal: domain.NewJournal(ulid.Make().String()),
		now:     time.Now().UTC(),
	}
}

// Now is the timestamp shared by everything the unit writes.
func (u *Unit) Now() time.Time {
	return u.now
}

// Source labels the journal batch with the operation that produced it.
func (u *Unit) Source(sourceType domain.SourceType, sourceID string) {
	u.journal.Label(sourceType, sourceID)
}

// Transfer moves amount points from one account to another. A nil side is
// the outside world: nil from is a top-up, nil to is a payout. The debit is
// validated against the current balance inside the transaction and fails
// with domain.ErrInsufficientFunds without touching either side.
func (u *Unit) Transfer(ctx context.Context, from, to *domain.Account, amount int64, description string) error {
	src := domain.ExternalAccount(domain.ExternalGatewayID)
	if from != nil {
		src = *from
	}
	dst := domain.ExternalAccount(domain.ExternalPayoutID)
	if to != nil {
		dst = *to
	}
	if amount <= 0 || src == dst {
		return fmt.Errorf("%w: cannot move %d from %s to %s", domain.ErrValidation, amount, src, dst)
	}

	if src.Stored() {
		if _, err := u.tx.AdjustBalance(ctx, src, -amount); err != nil {
			return fmt.Errorf("debiting %s: %w", src, err)
		}
	}
	if dst.Stored() {
		if _, err := u.tx.AdjustBalance(ctx, dst, amount); err != nil {
			return fmt.Errorf("crediting %s: %w", dst, err)
		}
	}

	return u.journal.Record(src, dst, amount, description)
}

// Emit queues a domain event to be written to the outbox on commit.
func (u *Unit) Emit(ctx context.Context, eventType, aggregateType, aggregateID string, data any) error {
	evt, err := events.NewEvent(eventType, aggregateType, aggregateID, data)
	if err != nil {
		return fmt.Errorf("building %s event: %w", eventType, err)
	}
	evt.WithCorrelation(middleware.GetCorrelationID(ctx), "")
	u.events = append(u.events, evt)
	return nil
}

// flush writes the journal batch and queued events through the transaction.
func (u *Unit) flush(ctx context.Context) error {
	if u.journal.Len() > 0 {
		batch, err := u.journal.Batch(u.now)
		if err != nil {
			return fmt.Errorf("building journal batch: %w", err)
		}
		if err := u.tx.InsertBatch(ctx, batch); err != nil {
			return fmt.Errorf("writing journal batch: %w", err)
		}
	}

	for _, evt := range u.events {
		entry, err := events.NewOutboxEntry(evt)
		if err != nil {
			return fmt.Errorf("encoding %s event: %w", evt.Type, err)
		}
		if err := u.tx.InsertOutbox(ctx, entry); err != nil {
			return fmt.Errorf("writing outbox: %w", err)
		}
	}
	return nil
}
