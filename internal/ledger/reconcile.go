package ledger

import (
	"context"
	"fmt"
	"time"

	"flowerfund/internal/ledger/domain"
)

// Report is the outcome of a reconciliation pass.
type Report struct {
	domain.Totals

	// Expected is what the stored balances must add up to: every top-up
	// ever credited minus every payout not rejected.
	Expected  int64     `json:"expected"`
	Drift     int64     `json:"drift"`
	Balanced  bool      `json:"balanced"`
	CheckedAt time.Time `json:"checked_at"`
}

// Reconcile checks point conservation across all stored balances and that
// every project's pool equals its live pledges less any settled quotation.
func Reconcile(ctx context.Context, reader Reader) (*Report, error) {
	done := observeOp("reconcile")
	defer done()

	totals, err := reader.Totals(ctx)
	if err != nil {
		return nil, fmt.Errorf("reading totals: %w", err)
	}

	expected := totals.ToppedUp - totals.PaidOut
	drift := totals.Internal() - expected
	ConservationDrift.Set(float64(drift))

	return &Report{
		Totals:    *totals,
		Expected:  expected,
		Drift:     drift,
		Balanced:  drift == 0 && len(totals.PoolDrift) == 0,
		CheckedAt: time.Now().UTC(),
	}, nil
}
