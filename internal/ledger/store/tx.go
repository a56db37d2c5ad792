package store

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"flowerfund/internal/common/database"
	"flowerfund/internal/common/events"
	"flowerfund/internal/ledger"
	"flowerfund/internal/ledger/domain"
)

// pgTx implements ledger.Tx over one pgx transaction.
type pgTx struct {
	tx pgx.Tx
}

var _ ledger.Tx = (*pgTx)(nil)

func (t *pgTx) LockUser(ctx context.Context, id string) (*domain.User, error) {
	return scanUser(t.tx.QueryRow(ctx, `SELECT `+userColumns+` FROM users WHERE id = $1 FOR UPDATE`, id))
}

func (t *pgTx) LockFlorist(ctx context.Context, id string) (*domain.Florist, error) {
	return scanFlorist(t.tx.QueryRow(ctx, `SELECT `+floristColumns+` FROM florists WHERE id = $1 FOR UPDATE`, id))
}

func (t *pgTx) LockProject(ctx context.Context, id string) (*domain.Project, error) {
	return scanProject(t.tx.QueryRow(ctx, `SELECT `+projectColumns+` FROM projects WHERE id = $1 FOR UPDATE`, id))
}

func (t *pgTx) LockQuotation(ctx context.Context, id string) (*domain.Quotation, error) {
	return scanQuotation(t.tx.QueryRow(ctx, `SELECT `+quotationColumns+` FROM quotations WHERE id = $1 FOR UPDATE`, id))
}

func (t *pgTx) LockPayout(ctx context.Context, id string) (*domain.Payout, error) {
	return scanPayout(t.tx.QueryRow(ctx, `SELECT `+payoutColumns+` FROM payouts WHERE id = $1 FOR UPDATE`, id))
}

func (t *pgTx) LockPledges(ctx context.Context, projectID string) ([]*domain.Pledge, error) {
	rows, err := t.tx.Query(ctx, `
		SELECT `+pledgeColumns+`
		FROM pledges
		WHERE project_id = $1
		ORDER BY id
		FOR UPDATE
	`, projectID)
	if err != nil {
		return nil, fmt.Errorf("locking pledges: %w", err)
	}
	return collect(rows, scanPledge)
}

func (t *pgTx) FindTopUp(ctx context.Context, idempotencyKey string) (*domain.TopUp, error) {
	return scanTopUp(t.tx.QueryRow(ctx, `SELECT `+topupColumns+` FROM topups WHERE idempotency_key = $1`, idempotencyKey))
}

func (t *pgTx) InsertUser(ctx context.Context, u *domain.User) error {
	_, err := t.tx.Exec(ctx, `
		INSERT INTO users (id, handle_name, point_balance, total_pledged, support_level, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, u.ID, u.HandleName, u.PointBalance, u.TotalPledged, u.SupportLevel, u.CreatedAt)
	return insertErr(err, "user")
}

func (t *pgTx) InsertFlorist(ctx context.Context, f *domain.Florist) error {
	_, err := t.tx.Exec(ctx, `
		INSERT INTO florists (id, shop_name, status, balance, created_at)
		VALUES ($1, $2, $3, $4, $5)
	`, f.ID, f.ShopName, f.Status, f.Balance, f.CreatedAt)
	return insertErr(err, "florist")
}

func (t *pgTx) InsertProject(ctx context.Context, p *domain.Project) error {
	_, err := t.tx.Exec(ctx, `
		INSERT INTO projects (id, planner_id, title, target_amount, collected_amount, status, completion_comment, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, p.ID, p.PlannerID, p.Title, p.TargetAmount, p.CollectedAmount, p.Status, p.CompletionComment, p.CreatedAt, p.UpdatedAt)
	return insertErr(err, "project")
}

func (t *pgTx) InsertPledge(ctx context.Context, p *domain.Pledge) error {
	_, err := t.tx.Exec(ctx, `
		INSERT INTO pledges (id, project_id, user_id, amount, comment, refunded, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, p.ID, p.ProjectID, p.UserID, p.Amount, p.Comment, p.Refunded, p.CreatedAt)
	return insertErr(err, "pledge")
}

func (t *pgTx) InsertQuotation(ctx context.Context, q *domain.Quotation) error {
	_, err := t.tx.Exec(ctx, `
		INSERT INTO quotations (id, project_id, florist_id, items, total_amount, is_approved, created_at, approved_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, q.ID, q.ProjectID, q.FloristID, q.Items, q.TotalAmount, q.IsApproved, q.CreatedAt, q.ApprovedAt)
	return insertErr(err, "quotation")
}

func (t *pgTx) InsertCommission(ctx context.Context, c *domain.Commission) error {
	_, err := t.tx.Exec(ctx, `
		INSERT INTO commissions (id, project_id, quotation_id, amount, rate_bps, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, c.ID, c.ProjectID, c.QuotationID, c.Amount, c.RateBps, c.CreatedAt)
	return insertErr(err, "commission")
}

func (t *pgTx) InsertPayout(ctx context.Context, p *domain.Payout) error {
	_, err := t.tx.Exec(ctx, `
		INSERT INTO payouts (id, florist_id, amount, status, account_info, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, p.ID, p.FloristID, p.Amount, p.Status, p.AccountInfo, p.CreatedAt, p.UpdatedAt)
	return insertErr(err, "payout")
}

func (t *pgTx) InsertTopUp(ctx context.Context, tu *domain.TopUp) error {
	_, err := t.tx.Exec(ctx, `
		INSERT INTO topups (id, idempotency_key, user_id, points, source, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, tu.ID, tu.IdempotencyKey, tu.UserID, tu.Points, tu.Source, tu.CreatedAt)
	return insertErr(err, "topup")
}

func (t *pgTx) UpdateProject(ctx context.Context, id string, upd domain.ProjectUpdate) error {
	tag, err := t.tx.Exec(ctx, `
		UPDATE projects
		SET status = $2,
			completion_comment = COALESCE($3, completion_comment),
			updated_at = now()
		WHERE id = $1
	`, id, upd.Status, upd.CompletionComment)
	return updateErr(tag.RowsAffected(), err, "project")
}

func (t *pgTx) UpdateUserStats(ctx context.Context, id string, stats domain.UserStats) error {
	tag, err := t.tx.Exec(ctx, `
		UPDATE users SET total_pledged = $2, support_level = $3 WHERE id = $1
	`, id, stats.TotalPledged, stats.SupportLevel)
	return updateErr(tag.RowsAffected(), err, "user")
}

func (t *pgTx) UpdateFlorist(ctx context.Context, id string, review domain.FloristReview) error {
	tag, err := t.tx.Exec(ctx, `UPDATE florists SET status = $2 WHERE id = $1`, id, review.Status)
	return updateErr(tag.RowsAffected(), err, "florist")
}

func (t *pgTx) MarkPledgeRefunded(ctx context.Context, id string) error {
	tag, err := t.tx.Exec(ctx, `UPDATE pledges SET refunded = true WHERE id = $1`, id)
	return updateErr(tag.RowsAffected(), err, "pledge")
}

func (t *pgTx) MarkQuotationApproved(ctx context.Context, id string, at time.Time) error {
	tag, err := t.tx.Exec(ctx, `
		UPDATE quotations SET is_approved = true, approved_at = $2 WHERE id = $1
	`, id, at)
	return updateErr(tag.RowsAffected(), err, "quotation")
}

func (t *pgTx) UpdatePayoutStatus(ctx context.Context, id string, status domain.PayoutStatus) error {
	tag, err := t.tx.Exec(ctx, `
		UPDATE payouts SET status = $2, updated_at = now() WHERE id = $1
	`, id, status)
	return updateErr(tag.RowsAffected(), err, "payout")
}

// balanceColumns maps each stored account kind to its balance column.
var balanceColumns = map[domain.AccountKind]struct{ table, column string }{
	domain.AccountUser:     {"users", "point_balance"},
	domain.AccountFlorist:  {"florists", "balance"},
	domain.AccountProject:  {"projects", "collected_amount"},
	domain.AccountPlatform: {"platform_accounts", "balance"},
}

func (t *pgTx) AdjustBalance(ctx context.Context, account domain.Account, delta int64) (int64, error) {
	col, ok := balanceColumns[account.Kind]
	if !ok {
		return 0, fmt.Errorf("account %s has no stored balance", account)
	}

	// The guard keeps the CHECK constraint from ever firing; a missing row and
	// a short balance both return no rows and are told apart below.
	query := fmt.Sprintf(`
		UPDATE %[1]s SET %[2]s = %[2]s + $2
		WHERE id = $1 AND %[2]s + $2 >= 0
		RETURNING %[2]s
	`, col.table, col.column)

	var balance int64
	err := t.tx.QueryRow(ctx, query, account.ID, delta).Scan(&balance)
	if err == nil {
		return balance, nil
	}
	if !database.IsNotFound(err) {
		return 0, fmt.Errorf("adjusting %s: %w", account, err)
	}

	var exists bool
	err = t.tx.QueryRow(ctx, fmt.Sprintf(`SELECT EXISTS (SELECT 1 FROM %s WHERE id = $1)`, col.table), account.ID).Scan(&exists)
	if err != nil {
		return 0, fmt.Errorf("checking %s: %w", account, err)
	}
	if !exists {
		return 0, fmt.Errorf("%s: %w", account, domain.ErrNotFound)
	}
	return 0, fmt.Errorf("%s: %w", account, domain.ErrInsufficientFunds)
}

func (t *pgTx) InsertBatch(ctx context.Context, batch *domain.Batch) error {
	if err := batch.Validate(); err != nil {
		return fmt.Errorf("invalid batch: %w", err)
	}

	_, err := t.tx.Exec(ctx, `
		INSERT INTO ledger_batches (id, source_type, source_id, description, total_debits, total_credits, entry_count, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, batch.ID, batch.SourceType, batch.SourceID, batch.Description,
		batch.TotalDebits, batch.TotalCredits, batch.EntryCount, batch.CreatedAt)
	if err != nil {
		return fmt.Errorf("inserting batch: %w", err)
	}

	rows := make([][]any, 0, len(batch.Entries))
	for _, e := range batch.Entries {
		rows = append(rows, []any{
			e.ID, e.BatchID, string(e.Account.Kind), e.Account.ID, string(e.EntryType),
			e.Amount, e.Description, e.Sequence, e.CreatedAt,
		})
	}
	_, err = t.tx.CopyFrom(ctx,
		pgx.Identifier{"ledger_entries"},
		[]string{"id", "batch_id", "account_kind", "account_id", "entry_type", "amount", "description", "sequence", "created_at"},
		pgx.CopyFromRows(rows),
	)
	if err != nil {
		return fmt.Errorf("inserting entries: %w", err)
	}
	return nil
}

func (t *pgTx) InsertOutbox(ctx context.Context, entry *events.OutboxEntry) error {
	_, err := t.tx.Exec(ctx, `
		INSERT INTO outbox (id, event_id, event_type, payload, created_at)
		VALUES ($1, $2, $3, $4, $5)
	`, entry.ID, entry.EventID, entry.EventType, entry.Payload, entry.CreatedAt)
	if err != nil {
		return fmt.Errorf("inserting outbox entry: %w", err)
	}
	return nil
}

// insertErr maps constraint violations onto domain errors.
func insertErr(err error, what string) error {
	switch {
	case err == nil:
		return nil
	case database.IsUniqueViolation(err):
		return fmt.Errorf("%s: %w", what, domain.ErrDuplicate)
	case database.IsForeignKeyViolation(err):
		return fmt.Errorf("%s references a missing row: %w", what, domain.ErrNotFound)
	case database.IsCheckViolation(err):
		return fmt.Errorf("%s: %w: %w", what, domain.ErrValidation, err)
	default:
		return fmt.Errorf("inserting %s: %w", what, err)
	}
}

func updateErr(affected int64, err error, what string) error {
	if err != nil {
		return fmt.Errorf("updating %s: %w", what, err)
	}
	if affected == 0 {
		return fmt.Errorf("%s: %w", what, domain.ErrNotFound)
	}
	return nil
}
