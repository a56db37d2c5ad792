package ledger

import (
	"context"
	"time"

	"flowerfund/internal/common/events"
	"flowerfund/internal/ledger/domain"
)

// Records is everything an operation may read or write inside a unit of
// work. Lock methods take a row lock held until the unit commits and return
// domain.ErrNotFound for a missing row. Balances are deliberately absent:
// they move only through Unit.Transfer.
type Records interface {
	LockUser(ctx context.Context, id string) (*domain.User, error)
	LockFlorist(ctx context.Context, id string) (*domain.Florist, error)
	LockProject(ctx context.Context, id string) (*domain.Project, error)
	LockQuotation(ctx context.Context, id string) (*domain.Quotation, error)
	LockPayout(ctx context.Context, id string) (*domain.Payout, error)
	// LockPledges locks every pledge on a project, ordered by ID.
	LockPledges(ctx context.Context, projectID string) ([]*domain.Pledge, error)
	FindTopUp(ctx context.Context, idempotencyKey string) (*domain.TopUp, error)

	InsertUser(ctx context.Context, u *domain.User) error
	InsertFlorist(ctx context.Context, f *domain.Florist) error
	InsertProject(ctx context.Context, p *domain.Project) error
	InsertPledge(ctx context.Context, p *domain.Pledge) error
	// InsertQuotation returns domain.ErrDuplicate if the project already has one.
	InsertQuotation(ctx context.Context, q *domain.Quotation) error
	InsertCommission(ctx context.Context, c *domain.Commission) error
	InsertPayout(ctx context.Context, p *domain.Payout) error
	// InsertTopUp returns domain.ErrDuplicate for a reused idempotency key.
	InsertTopUp(ctx context.Context, t *domain.TopUp) error

	UpdateProject(ctx context.Context, id string, upd domain.ProjectUpdate) error
	UpdateUserStats(ctx context.Context, id string, stats domain.UserStats) error
	UpdateFlorist(ctx context.Context, id string, review domain.FloristReview) error
	MarkPledgeRefunded(ctx context.Context, id string) error
	MarkQuotationApproved(ctx context.Context, id string, at time.Time) error
	UpdatePayoutStatus(ctx context.Context, id string, status domain.PayoutStatus) error
}

// Tx is a store transaction.
type Tx interface {
	Records

	// AdjustBalance adds delta to the stored balance of account and returns the
	// new balance. It fails with domain.ErrInsufficientFunds rather than let a
	// balance go negative.
	AdjustBalance(ctx context.Context, account domain.Account, delta int64) (int64, error)
	InsertBatch(ctx context.Context, batch *domain.Batch) error
	InsertOutbox(ctx context.Context, entry *events.OutboxEntry) error
}

// PayoutFilter narrows ListPayouts. Zero fields match everything.
type PayoutFilter struct {
	FloristID string
	Status    domain.PayoutStatus
}

// Reader serves queries outside any unit of work.
type Reader interface {
	GetUser(ctx context.Context, id string) (*domain.User, error)
	GetFlorist(ctx context.Context, id string) (*domain.Florist, error)
	GetProject(ctx context.Context, id string) (*domain.Project, error)
	GetQuotation(ctx context.Context, id string) (*domain.Quotation, error)
	GetPayout(ctx context.Context, id string) (*domain.Payout, error)
	ListPledges(ctx context.Context, projectID string) ([]*domain.Pledge, error)
	ListCommissions(ctx context.Context, limit, offset int) ([]*domain.Commission, int64, error)
	ListPayouts(ctx context.Context, filter PayoutFilter) ([]*domain.Payout, error)
	ListEntries(ctx context.Context, account domain.Account, limit int) ([]*domain.Entry, error)
	Totals(ctx context.Context) (*domain.Totals, error)
}

// Outbox is the relay's view of pending events.
type Outbox interface {
	// PendingOutbox returns unpublished entries in commit order, skipping
	// those that already failed maxAttempts times. Zero means no cap.
	PendingOutbox(ctx context.Context, limit, maxAttempts int) ([]*events.OutboxEntry, error)
	MarkOutboxPublished(ctx context.Context, id string, at time.Time) error
	MarkOutboxFailed(ctx context.Context, id string, reason string) error
}

// Store is a ledger persistence backend.
type Store interface {
	Reader
	Outbox

	// InTx runs fn in one all-or-nothing transaction. Lost races surface as
	// domain.ErrContention.
	InTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error
}
