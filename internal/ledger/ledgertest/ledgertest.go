// Package ledgertest provides a memory-backed ledger and seed helpers for
// tests of the services built on it.
package ledgertest

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/stretchr/testify/require"

	"flowerfund/internal/ledger"
	"flowerfund/internal/ledger/domain"
	"flowerfund/internal/ledger/store"
)

// Logger discards everything.
func Logger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// Config is the default ledger configuration with a short retry backoff.
func Config() ledger.Config {
	cfg := ledger.DefaultConfig()
	cfg.RetryBackoff = time.Millisecond
	return cfg
}

// NewRunner returns a runner over a fresh memory store.
func NewRunner(t testing.TB) (*ledger.Runner, *store.Memory) {
	t.Helper()
	mem := store.NewMemory()
	return ledger.NewRunner(mem, Config(), Logger()), mem
}

// SeedUser creates a user holding points, credited as a top-up so the store
// still reconciles.
func SeedUser(t testing.TB, r *ledger.Runner, id string, points int64) {
	t.Helper()
	err := r.Run(context.Background(), "seed_user", func(ctx context.Context, u *ledger.Unit) error {
		if err := u.InsertUser(ctx, &domain.User{ID: id, HandleName: id, CreatedAt: u.Now()}); err != nil {
			return err
		}
		if points == 0 {
			return nil
		}
		topUp := &domain.TopUp{
			ID:             ulid.Make().String(),
			IdempotencyKey: "seed-" + id,
			UserID:         id,
			Points:         points,
			Source:         "seed",
			CreatedAt:      u.Now(),
		}
		if err := u.InsertTopUp(ctx, topUp); err != nil {
			return err
		}
		u.Source(domain.SourceTypeTopUp, topUp.ID)
		return u.Transfer(ctx, nil, domain.UserAccount(id), points, "seed")
	})
	require.NoError(t, err)
}

// SeedFlorist creates a florist in the given review state.
func SeedFlorist(t testing.TB, r *ledger.Runner, id string, status domain.FloristStatus) {
	t.Helper()
	err := r.Run(context.Background(), "seed_florist", func(ctx context.Context, u *ledger.Unit) error {
		return u.InsertFlorist(ctx, &domain.Florist{ID: id, ShopName: id, Status: status, CreatedAt: u.Now()})
	})
	require.NoError(t, err)
}

// SeedProject creates a FUNDRAISING project and returns its ID.
func SeedProject(t testing.TB, r *ledger.Runner, plannerID string, target int64) string {
	t.Helper()
	id := ulid.Make().String()
	err := r.Run(context.Background(), "seed_project", func(ctx context.Context, u *ledger.Unit) error {
		return u.InsertProject(ctx, &domain.Project{
			ID:           id,
			PlannerID:    plannerID,
			Title:        "stand for " + plannerID,
			TargetAmount: target,
			Status:       domain.ProjectFundraising,
			CreatedAt:    u.Now(),
			UpdatedAt:    u.Now(),
		})
	})
	require.NoError(t, err)
	return id
}

// RequireBalanced fails the test unless the store reconciles.
func RequireBalanced(t testing.TB, r *ledger.Runner) *ledger.Report {
	t.Helper()
	report, err := ledger.Reconcile(context.Background(), r.Reader())
	require.NoError(t, err)
	require.Truef(t, report.Balanced, "ledger out of balance: drift %d, pools %v", report.Drift, report.PoolDrift)
	return report
}
