package store_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"flowerfund/internal/cancellation"
	"flowerfund/internal/common/events"
	"flowerfund/internal/ledger"
	"flowerfund/internal/ledger/domain"
	"flowerfund/internal/ledger/ledgertest"
	"flowerfund/internal/payout"
	"flowerfund/internal/pledge"
	"flowerfund/internal/settlement"
	"flowerfund/internal/topup"
)

// uid keeps fixtures apart when stores are shared between subtests.
func uid(prefix string) string {
	return prefix + "-" + ulid.Make().String()
}

// runStoreContract exercises behaviour every ledger.Store must share.
func runStoreContract(t *testing.T, s ledger.Store) {
	runner := ledger.NewRunner(s, ledgertest.Config(), ledgertest.Logger())

	t.Run("rollback on error", func(t *testing.T) {
		ctx := context.Background()
		id := uid("user")
		boom := errors.New("boom")

		err := s.InTx(ctx, func(ctx context.Context, tx ledger.Tx) error {
			if err := tx.InsertUser(ctx, &domain.User{ID: id, HandleName: "x", CreatedAt: time.Now().UTC()}); err != nil {
				return err
			}
			return boom
		})
		assert.ErrorIs(t, err, boom)

		_, err = s.GetUser(ctx, id)
		assert.ErrorIs(t, err, domain.ErrNotFound)
	})

	t.Run("balance guard", func(t *testing.T) {
		ctx := context.Background()
		id := uid("user")
		ledgertest.SeedUser(t, runner, id, 10)

		err := s.InTx(ctx, func(ctx context.Context, tx ledger.Tx) error {
			_, err := tx.AdjustBalance(ctx, *domain.UserAccount(id), -11)
			return err
		})
		assert.ErrorIs(t, err, domain.ErrInsufficientFunds)

		err = s.InTx(ctx, func(ctx context.Context, tx ledger.Tx) error {
			_, err := tx.AdjustBalance(ctx, *domain.UserAccount(uid("ghost")), 5)
			return err
		})
		assert.ErrorIs(t, err, domain.ErrNotFound)

		var balance int64
		err = s.InTx(ctx, func(ctx context.Context, tx ledger.Tx) error {
			var err error
			balance, err = tx.AdjustBalance(ctx, *domain.UserAccount(id), -10)
			if err != nil {
				return err
			}
			// Put it back so the store still reconciles.
			_, err = tx.AdjustBalance(ctx, *domain.UserAccount(id), 10)
			return err
		})
		require.NoError(t, err)
		assert.Zero(t, balance)
	})

	t.Run("unique keys", func(t *testing.T) {
		ctx := context.Background()
		user := uid("user")
		florist := uid("florist")
		ledgertest.SeedUser(t, runner, user, 0)
		ledgertest.SeedFlorist(t, runner, florist, domain.FloristApproved)
		projectID := ledgertest.SeedProject(t, runner, user, 100)

		insertTopUp := func(key string) error {
			return s.InTx(ctx, func(ctx context.Context, tx ledger.Tx) error {
				return tx.InsertTopUp(ctx, &domain.TopUp{
					ID: ulid.Make().String(), IdempotencyKey: key, UserID: user, Points: 1, Source: "test", CreatedAt: time.Now().UTC(),
				})
			})
		}
		key := uid("key")
		_, err := topup.NewService(runner, ledgertest.Logger()).Credit(ctx, topup.Purchase{UserID: user, Points: 1, IdempotencyKey: key})
		require.NoError(t, err)
		assert.ErrorIs(t, insertTopUp(key), domain.ErrDuplicate)

		insertQuotation := func() error {
			return s.InTx(ctx, func(ctx context.Context, tx ledger.Tx) error {
				return tx.InsertQuotation(ctx, &domain.Quotation{
					ID: ulid.Make().String(), ProjectID: projectID, FloristID: florist,
					Items:       []domain.QuotationItem{{Name: "a", Amount: 10}},
					TotalAmount: 10, CreatedAt: time.Now().UTC(),
				})
			})
		}
		require.NoError(t, insertQuotation())
		assert.ErrorIs(t, insertQuotation(), domain.ErrDuplicate)

		err = s.InTx(ctx, func(ctx context.Context, tx ledger.Tx) error {
			return tx.InsertPledge(ctx, &domain.Pledge{
				ID: ulid.Make().String(), ProjectID: uid("missing"), UserID: user, Amount: 1, CreatedAt: time.Now().UTC(),
			})
		})
		assert.ErrorIs(t, err, domain.ErrNotFound)
	})

	t.Run("funding lifecycle reconciles", func(t *testing.T) {
		ctx := context.Background()
		planner, fan, florist := uid("planner"), uid("fan"), uid("florist")
		ledgertest.SeedUser(t, runner, planner, 0)
		ledgertest.SeedUser(t, runner, fan, 3_000)
		ledgertest.SeedFlorist(t, runner, florist, domain.FloristApproved)
		projectID := ledgertest.SeedProject(t, runner, planner, 2_000)

		res, err := pledge.NewService(runner, ledgertest.Logger()).CreatePledge(ctx, pledge.CreatePledgeRequest{
			ProjectID: projectID, UserID: fan, Amount: 2_000,
		})
		require.NoError(t, err)
		assert.True(t, res.Funded)

		quotes := settlement.NewService(runner, ledgertest.Logger())
		q, err := quotes.CreateQuotation(ctx, settlement.CreateQuotationRequest{
			FloristID: florist, ProjectID: projectID,
			Items: []settlement.ItemRequest{{Name: "stand", Amount: 1_500}, {Name: "card", Amount: 500}},
		})
		require.NoError(t, err)

		stored, err := s.GetQuotation(ctx, q.ID)
		require.NoError(t, err)
		assert.Len(t, stored.Items, 2)

		settled, err := quotes.ApproveQuotation(ctx, q.ID, planner)
		require.NoError(t, err)
		assert.Equal(t, int64(1_800), settled.FloristShare)

		payouts := payout.NewService(runner, ledgertest.Logger())
		p, err := payouts.RequestPayout(ctx, payout.RequestPayoutRequest{FloristID: florist, Amount: 1_200, AccountInfo: "iban"})
		require.NoError(t, err)
		_, err = payouts.RejectPayout(ctx, p.ID)
		require.NoError(t, err)

		f, err := s.GetFlorist(ctx, florist)
		require.NoError(t, err)
		assert.Equal(t, int64(1_800), f.Balance)

		pending, err := s.ListPayouts(ctx, ledger.PayoutFilter{FloristID: florist, Status: domain.PayoutRejected})
		require.NoError(t, err)
		require.Len(t, pending, 1)

		entries, err := s.ListEntries(ctx, *domain.FloristAccount(florist), 10)
		require.NoError(t, err)
		require.Len(t, entries, 3)
		assert.Equal(t, domain.EntryTypeCredit, entries[0].EntryType, "newest first: the rejected payout")

		pledges, err := s.ListPledges(ctx, projectID)
		require.NoError(t, err)
		require.Len(t, pledges, 1)

		ledgertest.RequireBalanced(t, runner)
	})

	t.Run("concurrent pledges serialize on the project", func(t *testing.T) {
		ctx := context.Background()
		planner, a, b := uid("planner"), uid("a"), uid("b")
		ledgertest.SeedUser(t, runner, planner, 0)
		ledgertest.SeedUser(t, runner, a, 50)
		ledgertest.SeedUser(t, runner, b, 50)
		projectID := ledgertest.SeedProject(t, runner, planner, 80)
		svc := pledge.NewService(runner, ledgertest.Logger())

		var wg sync.WaitGroup
		funded := make([]bool, 2)
		for i, user := range []string{a, b} {
			wg.Add(1)
			go func() {
				defer wg.Done()
				res, err := svc.CreatePledge(ctx, pledge.CreatePledgeRequest{ProjectID: projectID, UserID: user, Amount: 50})
				if assert.NoError(t, err) {
					funded[i] = res.Funded
				}
			}()
		}
		wg.Wait()

		assert.True(t, funded[0] != funded[1])
		p, err := s.GetProject(ctx, projectID)
		require.NoError(t, err)
		assert.Equal(t, int64(100), p.CollectedAmount)
		assert.Equal(t, domain.ProjectSuccessful, p.Status)
		ledgertest.RequireBalanced(t, runner)
	})

	t.Run("pledge racing cancellation", func(t *testing.T) {
		ctx := context.Background()
		planner, fan := uid("planner"), uid("fan")
		ledgertest.SeedUser(t, runner, planner, 0)
		ledgertest.SeedUser(t, runner, fan, 500)
		projectID := ledgertest.SeedProject(t, runner, planner, 1_000)

		var wg sync.WaitGroup
		var pledgeErr, cancelErr error
		wg.Add(2)
		go func() {
			defer wg.Done()
			_, pledgeErr = pledge.NewService(runner, ledgertest.Logger()).CreatePledge(ctx, pledge.CreatePledgeRequest{
				ProjectID: projectID, UserID: fan, Amount: 300,
			})
		}()
		go func() {
			defer wg.Done()
			_, cancelErr = cancellation.NewService(runner, ledgertest.Logger()).CancelProject(ctx, projectID, planner)
		}()
		wg.Wait()
		require.NoError(t, cancelErr)

		pledges, err := s.ListPledges(ctx, projectID)
		require.NoError(t, err)
		if pledgeErr != nil {
			assert.ErrorIs(t, pledgeErr, domain.ErrInvalidState, "a pledge that loses the race sees CANCELED")
			assert.Empty(t, pledges)
		} else {
			require.Len(t, pledges, 1)
			assert.True(t, pledges[0].Refunded, "an accepted pledge is refunded by the cancellation")
		}

		p, err := s.GetProject(ctx, projectID)
		require.NoError(t, err)
		assert.Equal(t, domain.ProjectCanceled, p.Status)
		assert.Zero(t, p.CollectedAmount)
		u, err := s.GetUser(ctx, fan)
		require.NoError(t, err)
		assert.Equal(t, int64(500), u.PointBalance)
		ledgertest.RequireBalanced(t, runner)
	})

	t.Run("payout racing a settlement credit", func(t *testing.T) {
		ctx := context.Background()
		planner, fan, florist := uid("planner"), uid("fan"), uid("florist")
		ledgertest.SeedUser(t, runner, planner, 0)
		ledgertest.SeedUser(t, runner, fan, 4_000)
		ledgertest.SeedFlorist(t, runner, florist, domain.FloristApproved)
		quotes := settlement.NewService(runner, ledgertest.Logger())
		pledges := pledge.NewService(runner, ledgertest.Logger())

		fund := func() *domain.Quotation {
			projectID := ledgertest.SeedProject(t, runner, planner, 2_000)
			_, err := pledges.CreatePledge(ctx, pledge.CreatePledgeRequest{ProjectID: projectID, UserID: fan, Amount: 2_000})
			require.NoError(t, err)
			q, err := quotes.CreateQuotation(ctx, settlement.CreateQuotationRequest{
				FloristID: florist, ProjectID: projectID,
				Items: []settlement.ItemRequest{{Name: "stand", Amount: 2_000}},
			})
			require.NoError(t, err)
			return q
		}
		first, second := fund(), fund()
		_, err := quotes.ApproveQuotation(ctx, first.ID, planner)
		require.NoError(t, err)

		var wg sync.WaitGroup
		var approveErr, payoutErr error
		wg.Add(2)
		go func() {
			defer wg.Done()
			_, approveErr = quotes.ApproveQuotation(ctx, second.ID, planner)
		}()
		go func() {
			defer wg.Done()
			_, payoutErr = payout.NewService(runner, ledgertest.Logger()).RequestPayout(ctx, payout.RequestPayoutRequest{
				FloristID: florist, Amount: 1_000, AccountInfo: "iban",
			})
		}()
		wg.Wait()
		require.NoError(t, approveErr)
		require.NoError(t, payoutErr)

		f, err := s.GetFlorist(ctx, florist)
		require.NoError(t, err)
		assert.Equal(t, int64(1_800+1_800-1_000), f.Balance, "neither update is lost")
		ledgertest.RequireBalanced(t, runner)
	})

	t.Run("outbox", func(t *testing.T) {
		ctx := context.Background()
		aggregate := uid("agg")
		require.NoError(t, runner.Run(ctx, "emit", func(ctx context.Context, u *ledger.Unit) error {
			return u.Emit(ctx, events.EventProjectCreated, "project", aggregate, map[string]string{"id": aggregate})
		}))

		find := func() *events.OutboxEntry {
			entries, err := s.PendingOutbox(ctx, 1000, 0)
			require.NoError(t, err)
			for _, e := range entries {
				evt, err := e.Event()
				require.NoError(t, err)
				if evt.AggregateID == aggregate {
					return e
				}
			}
			return nil
		}

		entry := find()
		require.NotNil(t, entry)
		assert.Equal(t, events.EventProjectCreated, entry.EventType)

		require.NoError(t, s.MarkOutboxFailed(ctx, entry.ID, "broker down"))
		retried := find()
		require.NotNil(t, retried)
		assert.Equal(t, 1, retried.Attempts)

		require.NoError(t, s.MarkOutboxPublished(ctx, entry.ID, time.Now().UTC()))
		assert.Nil(t, find())
		assert.ErrorIs(t, s.MarkOutboxPublished(ctx, uid("missing"), time.Now().UTC()), domain.ErrNotFound)
	})
}
