package payout

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"flowerfund/internal/ledger"
	"flowerfund/internal/ledger/domain"
	"flowerfund/internal/ledger/ledgertest"
	"flowerfund/internal/pledge"
	"flowerfund/internal/settlement"
)

// settledFlorist runs a project through settlement so florist "florist"
// holds the share of a quotation worth total.
func settledFlorist(t *testing.T, runner *ledger.Runner, total int64) {
	t.Helper()
	ctx := context.Background()
	ledgertest.SeedUser(t, runner, "planner", 0)
	ledgertest.SeedUser(t, runner, "fan", total)
	ledgertest.SeedFlorist(t, runner, "florist", domain.FloristApproved)
	projectID := ledgertest.SeedProject(t, runner, "planner", total)

	_, err := pledge.NewService(runner, ledgertest.Logger()).CreatePledge(ctx, pledge.CreatePledgeRequest{
		ProjectID: projectID,
		UserID:    "fan",
		Amount:    total,
	})
	require.NoError(t, err)

	quotes := settlement.NewService(runner, ledgertest.Logger())
	q, err := quotes.CreateQuotation(ctx, settlement.CreateQuotationRequest{
		FloristID: "florist",
		ProjectID: projectID,
		Items:     []settlement.ItemRequest{{Name: "stand", Amount: total}},
	})
	require.NoError(t, err)
	_, err = quotes.ApproveQuotation(ctx, q.ID, "planner")
	require.NoError(t, err)
}

func balance(t *testing.T, runner *ledger.Runner) int64 {
	t.Helper()
	f, err := runner.Reader().GetFlorist(context.Background(), "florist")
	require.NoError(t, err)
	return f.Balance
}

func TestRequestPayout_Limits(t *testing.T) {
	ctx := context.Background()
	runner, _ := ledgertest.NewRunner(t)
	svc := NewService(runner, ledgertest.Logger())

	// 555 less 10% commission leaves the florist 500.
	settledFlorist(t, runner, 555)
	require.Equal(t, int64(500), balance(t, runner))

	_, err := svc.RequestPayout(ctx, RequestPayoutRequest{FloristID: "florist", Amount: 400, AccountInfo: "iban"})
	assert.ErrorIs(t, err, domain.ErrBelowMinimum)

	_, err = svc.RequestPayout(ctx, RequestPayoutRequest{FloristID: "florist", Amount: 1000, AccountInfo: "iban"})
	assert.ErrorIs(t, err, domain.ErrInsufficientFunds)

	assert.Equal(t, int64(500), balance(t, runner))
	payouts, err := svc.ListPayouts(ctx, ledger.PayoutFilter{FloristID: "florist"})
	require.NoError(t, err)
	assert.Empty(t, payouts)
}

func TestRequestPayout_UnknownFlorist(t *testing.T) {
	runner, _ := ledgertest.NewRunner(t)
	svc := NewService(runner, ledgertest.Logger())

	_, err := svc.RequestPayout(context.Background(), RequestPayoutRequest{FloristID: "ghost", Amount: 1000, AccountInfo: "iban"})
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestPayout_Complete(t *testing.T) {
	ctx := context.Background()
	runner, _ := ledgertest.NewRunner(t)
	svc := NewService(runner, ledgertest.Logger())
	settledFlorist(t, runner, 2000)
	require.Equal(t, int64(1800), balance(t, runner))

	p, err := svc.RequestPayout(ctx, RequestPayoutRequest{FloristID: "florist", Amount: 1500, AccountInfo: "iban"})
	require.NoError(t, err)
	assert.Equal(t, domain.PayoutPending, p.Status)
	assert.Equal(t, int64(300), balance(t, runner))

	report := ledgertest.RequireBalanced(t, runner)
	assert.Equal(t, int64(1500), report.PaidOut)

	done, err := svc.CompletePayout(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.PayoutCompleted, done.Status)
	assert.Equal(t, int64(300), balance(t, runner))

	_, err = svc.CompletePayout(ctx, p.ID)
	assert.ErrorIs(t, err, domain.ErrInvalidState)
	_, err = svc.RejectPayout(ctx, p.ID)
	assert.ErrorIs(t, err, domain.ErrInvalidState)

	ledgertest.RequireBalanced(t, runner)
}

func TestPayout_RejectReturnsPoints(t *testing.T) {
	ctx := context.Background()
	runner, _ := ledgertest.NewRunner(t)
	svc := NewService(runner, ledgertest.Logger())
	settledFlorist(t, runner, 2000)

	p, err := svc.RequestPayout(ctx, RequestPayoutRequest{FloristID: "florist", Amount: 1000, AccountInfo: "iban"})
	require.NoError(t, err)
	assert.Equal(t, int64(800), balance(t, runner))

	rejected, err := svc.RejectPayout(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.PayoutRejected, rejected.Status)
	assert.Equal(t, int64(1800), balance(t, runner))

	report := ledgertest.RequireBalanced(t, runner)
	assert.Zero(t, report.PaidOut)

	stored, err := svc.GetPayout(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.PayoutRejected, stored.Status)

	pending, err := svc.ListPayouts(ctx, ledger.PayoutFilter{Status: domain.PayoutPending})
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestPayout_MissingPayout(t *testing.T) {
	runner, _ := ledgertest.NewRunner(t)
	svc := NewService(runner, ledgertest.Logger())

	_, err := svc.CompletePayout(context.Background(), "nope")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}
