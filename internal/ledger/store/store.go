package store

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"

	"flowerfund/internal/common/database"
	"flowerfund/internal/common/events"
	"flowerfund/internal/ledger"
	"flowerfund/internal/ledger/domain"
)

//go:embed migrations/*.sql
var migrations embed.FS

// Migrate brings the ledger schema at url up to date.
func Migrate(url string, direction database.MigrateDirection, logger *slog.Logger) error {
	return database.Migrate(url, migrations, "migrations", direction, logger)
}

// Postgres is the ledger.Store backed by PostgreSQL. Every unit of work takes
// SELECT ... FOR UPDATE row locks on what it touches, always in the order
// quotation, project, pledges, users (by ID), florist, payout, so concurrent
// operations on the same rows queue instead of interleaving.
type Postgres struct {
	db     *database.DB
	txOpts database.TxOptions
}

var _ ledger.Store = (*Postgres)(nil)

// NewPostgres creates a Postgres store. lockTimeout bounds every row-lock
// wait; a wait that runs out surfaces as domain.ErrContention.
func NewPostgres(db *database.DB, lockTimeout time.Duration) *Postgres {
	return &Postgres{db: db, txOpts: database.WriteTxOptions(lockTimeout)}
}

// InTx implements ledger.Store.
func (s *Postgres) InTx(ctx context.Context, fn func(ctx context.Context, tx ledger.Tx) error) error {
	err := s.db.WithTxOptions(ctx, s.txOpts, func(tx pgx.Tx) error {
		return fn(ctx, &pgTx{tx: tx})
	})
	if err != nil && domain.KindOf(err) == domain.KindInternal && database.IsContention(err) {
		return fmt.Errorf("%w: %w", domain.ErrContention, err)
	}
	return err
}

// readTx runs fn over one consistent snapshot.
func (s *Postgres) readTx(ctx context.Context, fn func(tx pgx.Tx) error) error {
	return s.db.WithTxOptions(ctx, database.SnapshotTxOptions(), fn)
}

const (
	userColumns      = `id, handle_name, point_balance, total_pledged, support_level, created_at`
	floristColumns   = `id, shop_name, status, balance, created_at`
	projectColumns   = `id, planner_id, title, target_amount, collected_amount, status, completion_comment, created_at, updated_at`
	pledgeColumns    = `id, project_id, user_id, amount, comment, refunded, created_at`
	quotationColumns = `id, project_id, florist_id, items, total_amount, is_approved, created_at, approved_at`
	payoutColumns    = `id, florist_id, amount, status, account_info, created_at, updated_at`
	topupColumns     = `id, idempotency_key, user_id, points, source, created_at`
)

// GetUser implements ledger.Reader.
func (s *Postgres) GetUser(ctx context.Context, id string) (*domain.User, error) {
	return scanUser(s.db.QueryRow(ctx, `SELECT `+userColumns+` FROM users WHERE id = $1`, id))
}

// GetFlorist implements ledger.Reader.
func (s *Postgres) GetFlorist(ctx context.Context, id string) (*domain.Florist, error) {
	return scanFlorist(s.db.QueryRow(ctx, `SELECT `+floristColumns+` FROM florists WHERE id = $1`, id))
}

// GetProject implements ledger.Reader.
func (s *Postgres) GetProject(ctx context.Context, id string) (*domain.Project, error) {
	return scanProject(s.db.QueryRow(ctx, `SELECT `+projectColumns+` FROM projects WHERE id = $1`, id))
}

// GetQuotation implements ledger.Reader.
func (s *Postgres) GetQuotation(ctx context.Context, id string) (*domain.Quotation, error) {
	return scanQuotation(s.db.QueryRow(ctx, `SELECT `+quotationColumns+` FROM quotations WHERE id = $1`, id))
}

// GetPayout implements ledger.Reader.
func (s *Postgres) GetPayout(ctx context.Context, id string) (*domain.Payout, error) {
	return scanPayout(s.db.QueryRow(ctx, `SELECT `+payoutColumns+` FROM payouts WHERE id = $1`, id))
}

// ListPledges implements ledger.Reader.
func (s *Postgres) ListPledges(ctx context.Context, projectID string) ([]*domain.Pledge, error) {
	rows, err := s.db.Query(ctx, `SELECT `+pledgeColumns+` FROM pledges WHERE project_id = $1 ORDER BY id`, projectID)
	if err != nil {
		return nil, fmt.Errorf("listing pledges: %w", err)
	}
	return collect(rows, scanPledge)
}

// ListCommissions implements ledger.Reader.
func (s *Postgres) ListCommissions(ctx context.Context, limit, offset int) ([]*domain.Commission, int64, error) {
	var total int64
	if err := s.db.QueryRow(ctx, `SELECT COUNT(*) FROM commissions`).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("counting commissions: %w", err)
	}

	rows, err := s.db.Query(ctx, `
		SELECT id, project_id, quotation_id, amount, rate_bps, created_at
		FROM commissions
		ORDER BY id
		LIMIT $1 OFFSET $2
	`, limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("listing commissions: %w", err)
	}
	commissions, err := collect(rows, scanCommission)
	if err != nil {
		return nil, 0, err
	}
	return commissions, total, nil
}

// ListPayouts implements ledger.Reader.
func (s *Postgres) ListPayouts(ctx context.Context, filter ledger.PayoutFilter) ([]*domain.Payout, error) {
	rows, err := s.db.Query(ctx, `
		SELECT `+payoutColumns+`
		FROM payouts
		WHERE ($1 = '' OR florist_id = $1) AND ($2 = '' OR status = $2)
		ORDER BY id
	`, filter.FloristID, string(filter.Status))
	if err != nil {
		return nil, fmt.Errorf("listing payouts: %w", err)
	}
	return collect(rows, scanPayout)
}

// ListEntries implements ledger.Reader.
func (s *Postgres) ListEntries(ctx context.Context, account domain.Account, limit int) ([]*domain.Entry, error) {
	rows, err := s.db.Query(ctx, `
		SELECT id, batch_id, account_kind, account_id, entry_type, amount, description, sequence, created_at
		FROM ledger_entries
		WHERE account_kind = $1 AND account_id = $2
		ORDER BY created_at DESC, batch_id DESC, sequence DESC
		LIMIT $3
	`, account.Kind, account.ID, limit)
	if err != nil {
		return nil, fmt.Errorf("listing entries: %w", err)
	}
	return collect(rows, scanEntry)
}

// Totals implements ledger.Reader.
func (s *Postgres) Totals(ctx context.Context) (*domain.Totals, error) {
	t := &domain.Totals{}
	err := s.readTx(ctx, func(tx pgx.Tx) error {
		err := tx.QueryRow(ctx, `
			SELECT
				(SELECT COALESCE(SUM(point_balance), 0) FROM users)::bigint,
				(SELECT COALESCE(SUM(balance), 0) FROM florists)::bigint,
				(SELECT COALESCE(SUM(collected_amount), 0) FROM projects)::bigint,
				(SELECT COALESCE(SUM(balance), 0) FROM platform_accounts)::bigint,
				(SELECT COALESCE(SUM(points), 0) FROM topups)::bigint,
				(SELECT COALESCE(SUM(amount), 0) FROM payouts WHERE status <> 'REJECTED')::bigint
		`).Scan(&t.UserPoints, &t.FloristBalances, &t.ProjectPools, &t.Commission, &t.ToppedUp, &t.PaidOut)
		if err != nil {
			return fmt.Errorf("summing balances: %w", err)
		}

		rows, err := tx.Query(ctx, `
			WITH pledged AS (
				SELECT project_id, SUM(amount) AS amount
				FROM pledges WHERE NOT refunded
				GROUP BY project_id
			), settled AS (
				SELECT project_id, SUM(total_amount) AS amount
				FROM quotations WHERE is_approved
				GROUP BY project_id
			)
			SELECT p.id, p.collected_amount,
				COALESCE(pl.amount, 0)::bigint,
				COALESCE(st.amount, 0)::bigint
			FROM projects p
			LEFT JOIN pledged pl ON pl.project_id = p.id
			LEFT JOIN settled st ON st.project_id = p.id
			WHERE p.collected_amount <> COALESCE(pl.amount, 0) - COALESCE(st.amount, 0)
		`)
		if err != nil {
			return fmt.Errorf("checking project pools: %w", err)
		}
		defer rows.Close()

		for rows.Next() {
			var id string
			var d domain.PoolDrift
			if err := rows.Scan(&id, &d.CollectedAmount, &d.PledgeSum, &d.Settled); err != nil {
				return fmt.Errorf("scanning pool drift: %w", err)
			}
			if t.PoolDrift == nil {
				t.PoolDrift = map[string]domain.PoolDrift{}
			}
			t.PoolDrift[id] = d
		}
		return rows.Err()
	})
	if err != nil {
		return nil, err
	}
	return t, nil
}

// PendingOutbox implements ledger.Outbox.
func (s *Postgres) PendingOutbox(ctx context.Context, limit, maxAttempts int) ([]*events.OutboxEntry, error) {
	rows, err := s.db.Query(ctx, `
		SELECT id, event_id, event_type, payload, created_at, published_at, attempts, last_error
		FROM outbox
		WHERE published_at IS NULL AND ($2 <= 0 OR attempts < $2)
		ORDER BY created_at, id
		LIMIT $1
	`, limit, maxAttempts)
	if err != nil {
		return nil, fmt.Errorf("listing outbox: %w", err)
	}
	return collect(rows, func(row pgx.Row) (*events.OutboxEntry, error) {
		var e events.OutboxEntry
		if err := row.Scan(&e.ID, &e.EventID, &e.EventType, &e.Payload, &e.CreatedAt, &e.PublishedAt, &e.Attempts, &e.LastError); err != nil {
			return nil, fmt.Errorf("scanning outbox entry: %w", err)
		}
		return &e, nil
	})
}

// MarkOutboxPublished implements ledger.Outbox.
func (s *Postgres) MarkOutboxPublished(ctx context.Context, id string, at time.Time) error {
	tag, err := s.db.Exec(ctx, `UPDATE outbox SET published_at = $2, attempts = attempts + 1, last_error = NULL WHERE id = $1`, id, at)
	if err != nil {
		return fmt.Errorf("marking outbox entry published: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("outbox entry %s: %w", id, domain.ErrNotFound)
	}
	return nil
}

// MarkOutboxFailed implements ledger.Outbox.
func (s *Postgres) MarkOutboxFailed(ctx context.Context, id string, reason string) error {
	_, err := s.db.Exec(ctx, `UPDATE outbox SET attempts = attempts + 1, last_error = $2 WHERE id = $1`, id, reason)
	if err != nil {
		return fmt.Errorf("marking outbox entry failed: %w", err)
	}
	return nil
}

func scanUser(row pgx.Row) (*domain.User, error) {
	var u domain.User
	err := row.Scan(&u.ID, &u.HandleName, &u.PointBalance, &u.TotalPledged, &u.SupportLevel, &u.CreatedAt)
	if err != nil {
		return nil, notFound(err, "user")
	}
	return &u, nil
}

func scanFlorist(row pgx.Row) (*domain.Florist, error) {
	var f domain.Florist
	err := row.Scan(&f.ID, &f.ShopName, &f.Status, &f.Balance, &f.CreatedAt)
	if err != nil {
		return nil, notFound(err, "florist")
	}
	return &f, nil
}

func scanProject(row pgx.Row) (*domain.Project, error) {
	var p domain.Project
	err := row.Scan(
		&p.ID, &p.PlannerID, &p.Title, &p.TargetAmount, &p.CollectedAmount,
		&p.Status, &p.CompletionComment, &p.CreatedAt, &p.UpdatedAt,
	)
	if err != nil {
		return nil, notFound(err, "project")
	}
	return &p, nil
}

func scanPledge(row pgx.Row) (*domain.Pledge, error) {
	var p domain.Pledge
	err := row.Scan(&p.ID, &p.ProjectID, &p.UserID, &p.Amount, &p.Comment, &p.Refunded, &p.CreatedAt)
	if err != nil {
		return nil, notFound(err, "pledge")
	}
	return &p, nil
}

func scanQuotation(row pgx.Row) (*domain.Quotation, error) {
	var q domain.Quotation
	err := row.Scan(&q.ID, &q.ProjectID, &q.FloristID, &q.Items, &q.TotalAmount, &q.IsApproved, &q.CreatedAt, &q.ApprovedAt)
	if err != nil {
		return nil, notFound(err, "quotation")
	}
	return &q, nil
}

func scanCommission(row pgx.Row) (*domain.Commission, error) {
	var c domain.Commission
	err := row.Scan(&c.ID, &c.ProjectID, &c.QuotationID, &c.Amount, &c.RateBps, &c.CreatedAt)
	if err != nil {
		return nil, notFound(err, "commission")
	}
	return &c, nil
}

func scanPayout(row pgx.Row) (*domain.Payout, error) {
	var p domain.Payout
	err := row.Scan(&p.ID, &p.FloristID, &p.Amount, &p.Status, &p.AccountInfo, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return nil, notFound(err, "payout")
	}
	return &p, nil
}

func scanTopUp(row pgx.Row) (*domain.TopUp, error) {
	var t domain.TopUp
	err := row.Scan(&t.ID, &t.IdempotencyKey, &t.UserID, &t.Points, &t.Source, &t.CreatedAt)
	if err != nil {
		return nil, notFound(err, "topup")
	}
	return &t, nil
}

func scanEntry(row pgx.Row) (*domain.Entry, error) {
	var e domain.Entry
	err := row.Scan(
		&e.ID, &e.BatchID, &e.Account.Kind, &e.Account.ID, &e.EntryType,
		&e.Amount, &e.Description, &e.Sequence, &e.CreatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("scanning entry: %w", err)
	}
	return &e, nil
}

// collect scans every row with scan and closes rows.
func collect[T any](rows pgx.Rows, scan func(pgx.Row) (*T, error)) ([]*T, error) {
	defer rows.Close()
	out := []*T{}
	for rows.Next() {
		v, err := scan(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

func notFound(err error, what string) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%s: %w", what, domain.ErrNotFound)
	}
	return fmt.Errorf("scanning %s: %w", what, err)
}
