package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"time"

	"flowerfund/internal/common/points"
	"flowerfund/internal/ledger/domain"
)

// Config holds ledger configuration
type Config struct {
	TxTimeout      time.Duration `envconfig:"LEDGER_TX_TIMEOUT" default:"5s"`
	MaxAttempts    int           `envconfig:"LEDGER_TX_MAX_ATTEMPTS" default:"3"`
	RetryBackoff   time.Duration `envconfig:"LEDGER_TX_RETRY_BACKOFF" default:"20ms"`
	CommissionRate points.Rate   `envconfig:"LEDGER_COMMISSION_RATE" default:"0.10"`
	PayoutMinimum  int64         `envconfig:"LEDGER_PAYOUT_MINIMUM" default:"1000"`
}

// DefaultConfig mirrors the envconfig defaults for callers that build a
// Config by hand.
func DefaultConfig() Config {
	return Config{
		TxTimeout:      5 * time.Second,
		MaxAttempts:    3,
		RetryBackoff:   20 * time.Millisecond,
		CommissionRate: points.MustRate("0.10"),
		PayoutMinimum:  1000,
	}
}

// Runner executes ledger operations as bounded, retried units of work.
type Runner struct {
	store  Store
	cfg    Config
	logger *slog.Logger
}

// NewRunner creates a runner over store.
func NewRunner(store Store, cfg Config, logger *slog.Logger) *Runner {
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 1
	}
	return &Runner{store: store, cfg: cfg, logger: logger}
}

// Config returns the runner's configuration.
func (r *Runner) Config() Config {
	return r.cfg
}

// Reader returns the store's query side.
func (r *Runner) Reader() Reader {
	return r.store
}

// Run executes fn inside one transaction. Each attempt is bounded by the
// configured timeout; attempts that lose a race are retried with jittered
// exponential backoff, and the last failure is returned as
// domain.ErrContention. Business failures are returned immediately.
func (r *Runner) Run(ctx context.Context, op string, fn func(ctx context.Context, u *Unit) error) error {
	done := observeOp(op)
	defer done()

	var err error
	for attempt := 1; attempt <= r.cfg.MaxAttempts; attempt++ {
		err = r.attempt(ctx, fn)
		if err == nil {
			return nil
		}
		if !domain.IsRetryable(err) || ctx.Err() != nil {
			break
		}
		if attempt == r.cfg.MaxAttempts {
			break
		}

		ContentionRetries.WithLabelValues(op).Inc()
		r.logger.Debug("ledger contention, retrying",
			"op", op,
			"attempt", attempt,
			"error", err,
		)
		if waitErr := r.backoff(ctx, attempt); waitErr != nil {
			break
		}
	}

	observeError(op, err)
	if domain.IsRetryable(err) && !errors.Is(err, domain.ErrContention) {
		err = fmt.Errorf("%w: %w", domain.ErrContention, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}

func (r *Runner) attempt(ctx context.Context, fn func(ctx context.Context, u *Unit) error) error {
	attemptCtx := ctx
	if r.cfg.TxTimeout > 0 {
		var cancel context.CancelFunc
		attemptCtx, cancel = context.WithTimeout(ctx, r.cfg.TxTimeout)
		defer cancel()
	}

	err := r.store.InTx(attemptCtx, func(ctx context.Context, tx Tx) error {
		u := newUnit(tx)
		if err := fn(ctx, u); err != nil {
			return err
		}
		return u.flush(ctx)
	})

	// A driver error caused by our own deadline is contention, not a crash.
	if err != nil && ctx.Err() == nil && errors.Is(attemptCtx.Err(), context.DeadlineExceeded) &&
		domain.KindOf(err) == domain.KindInternal {
		return fmt.Errorf("%w: transaction timed out: %w", domain.ErrContention, err)
	}
	return err
}

func (r *Runner) backoff(ctx context.Context, attempt int) error {
	base := r.cfg.RetryBackoff << (attempt - 1)
	wait := base
	if base > 0 {
		wait += rand.N(base)
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(wait):
		return nil
	}
}
