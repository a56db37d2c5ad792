package topup

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"flowerfund/internal/ledger"
	"flowerfund/internal/ledger/domain"
	"flowerfund/internal/ledger/ledgertest"
)

func newService(t *testing.T) (*Service, *ledger.Runner) {
	t.Helper()
	runner, _ := ledgertest.NewRunner(t)
	ledgertest.SeedUser(t, runner, "u", 0)
	return NewService(runner, ledgertest.Logger()), runner
}

func pointsOf(t *testing.T, runner *ledger.Runner, id string) int64 {
	t.Helper()
	u, err := runner.Reader().GetUser(context.Background(), id)
	require.NoError(t, err)
	return u.PointBalance
}

func TestCredit_Idempotent(t *testing.T) {
	ctx := context.Background()
	svc, runner := newService(t)

	first, err := svc.Credit(ctx, Purchase{UserID: "u", Points: 500, IdempotencyKey: "pi_1"})
	require.NoError(t, err)
	assert.False(t, first.Duplicate)
	assert.Equal(t, SourceAdmin, first.TopUp.Source)

	again, err := svc.Credit(ctx, Purchase{UserID: "u", Points: 500, IdempotencyKey: "pi_1"})
	require.NoError(t, err)
	assert.True(t, again.Duplicate)
	assert.Equal(t, first.TopUp.ID, again.TopUp.ID)

	assert.Equal(t, int64(500), pointsOf(t, runner, "u"))

	report := ledgertest.RequireBalanced(t, runner)
	assert.Equal(t, int64(500), report.ToppedUp)
}

func TestCredit_ConcurrentDeliveries(t *testing.T) {
	ctx := context.Background()
	svc, runner := newService(t)

	const deliveries = 10
	var wg sync.WaitGroup
	results := make([]*Result, deliveries)
	for i := range deliveries {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := svc.Credit(ctx, Purchase{UserID: "u", Points: 300, IdempotencyKey: "evt_same"})
			assert.NoError(t, err)
			results[i] = res
		}()
	}
	wg.Wait()

	fresh := 0
	for _, res := range results {
		require.NotNil(t, res)
		if !res.Duplicate {
			fresh++
		}
	}
	assert.Equal(t, 1, fresh)
	assert.Equal(t, int64(300), pointsOf(t, runner, "u"))
	ledgertest.RequireBalanced(t, runner)
}

func TestCredit_Rejects(t *testing.T) {
	ctx := context.Background()
	svc, _ := newService(t)

	tests := []struct {
		name string
		p    Purchase
		want error
	}{
		{"no points", Purchase{UserID: "u", Points: 0, IdempotencyKey: "k"}, domain.ErrValidation},
		{"no key", Purchase{UserID: "u", Points: 10}, domain.ErrValidation},
		{"unknown user", Purchase{UserID: "ghost", Points: 10, IdempotencyKey: "k"}, domain.ErrNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := svc.Credit(ctx, tt.p)
			assert.ErrorIs(t, err, tt.want)
		})
	}
}
