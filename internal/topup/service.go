// Package topup credits points bought through the payment gateway. Each
// purchase is credited exactly once per idempotency key no matter how many
// times the gateway delivers it.
package topup

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/oklog/ulid/v2"

	"flowerfund/internal/common/events"
	"flowerfund/internal/ledger"
	"flowerfund/internal/ledger/domain"
)

// Sources of a top-up.
const (
	SourceAdmin  = "admin"
	SourceStripe = "stripe"
	SourceNATS   = "nats"
)

// Purchase is one verified "N points for user U" notification.
type Purchase struct {
	UserID         string `json:"user_id" validate:"required"`
	Points         int64  `json:"points" validate:"required,gt=0"`
	IdempotencyKey string `json:"idempotency_key" validate:"required,max=255"`
	Source         string `json:"-"`
}

// Result is the outcome of a credit.
type Result struct {
	TopUp *domain.TopUp `json:"topup"`
	// Duplicate is true when the key had already been credited; nothing moved.
	Duplicate bool `json:"duplicate"`
}

// Service credits top-ups.
type Service struct {
	runner *ledger.Runner
	logger *slog.Logger
}

// NewService creates a new top-up service
func NewService(runner *ledger.Runner, logger *slog.Logger) *Service {
	return &Service{runner: runner, logger: logger}
}

// Credit moves p.Points from outside the ledger into the user's balance. The
// TopUp row carrying the idempotency key commits with the credit, so a replay
// finds it and returns the original without effect.
func (s *Service) Credit(ctx context.Context, p Purchase) (*Result, error) {
	if p.Points <= 0 {
		return nil, fmt.Errorf("%w: points must be positive", domain.ErrValidation)
	}
	if p.IdempotencyKey == "" {
		return nil, fmt.Errorf("%w: idempotency key is required", domain.ErrValidation)
	}
	if p.Source == "" {
		p.Source = SourceAdmin
	}

	res, err := s.credit(ctx, p)
	if errors.Is(err, domain.ErrDuplicate) {
		// A concurrent delivery of the same key won the insert.
		res, err = s.credit(ctx, p)
	}
	if err != nil {
		return nil, err
	}

	if res.Duplicate {
		s.logger.Info("duplicate top-up ignored",
			"topup_id", res.TopUp.ID,
			"idempotency_key", p.IdempotencyKey,
		)
	} else {
		s.logger.Info("points credited",
			"topup_id", res.TopUp.ID,
			"user_id", res.TopUp.UserID,
			"points", res.TopUp.Points,
			"source", res.TopUp.Source,
		)
	}
	return res, nil
}

func (s *Service) credit(ctx context.Context, p Purchase) (*Result, error) {
	var res *Result
	err := s.runner.Run(ctx, "topup", func(ctx context.Context, u *ledger.Unit) error {
		existing, err := u.FindTopUp(ctx, p.IdempotencyKey)
		if err == nil {
			if existing.UserID != p.UserID || existing.Points != p.Points {
				s.logger.Warn("idempotency key reused with different purchase",
					"idempotency_key", p.IdempotencyKey,
					"topup_id", existing.ID,
				)
			}
			res = &Result{TopUp: existing, Duplicate: true}
			return nil
		}
		if !errors.Is(err, domain.ErrNotFound) {
			return err
		}

		if _, err := u.LockUser(ctx, p.UserID); err != nil {
			return err
		}

		topUp := &domain.TopUp{
			ID:             ulid.Make().String(),
			IdempotencyKey: p.IdempotencyKey,
			UserID:         p.UserID,
			Points:         p.Points,
			Source:         p.Source,
			CreatedAt:      u.Now(),
		}
		if err := u.InsertTopUp(ctx, topUp); err != nil {
			return err
		}

		u.Source(domain.SourceTypeTopUp, topUp.ID)
		if err := u.Transfer(ctx, nil, domain.UserAccount(p.UserID), p.Points, "points purchase"); err != nil {
			return err
		}

		res = &Result{TopUp: topUp}
		return u.Emit(ctx, events.EventPointsCredited, "user", p.UserID, events.PointsCreditedData{
			TopUpID:        topUp.ID,
			UserID:         topUp.UserID,
			Points:         topUp.Points,
			IdempotencyKey: topUp.IdempotencyKey,
			Source:         topUp.Source,
		})
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}
