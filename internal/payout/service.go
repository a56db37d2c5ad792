// Package payout handles florist withdrawals.
package payout

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/oklog/ulid/v2"

	"flowerfund/internal/common/events"
	"flowerfund/internal/ledger"
	"flowerfund/internal/ledger/domain"
)

// Service manages payouts. A request debits the florist at once; the points
// are in flight until an operator completes or rejects the payout.
type Service struct {
	runner  *ledger.Runner
	minimum int64
	logger  *slog.Logger
}

// NewService creates a new payout service
func NewService(runner *ledger.Runner, logger *slog.Logger) *Service {
	return &Service{
		runner:  runner,
		minimum: runner.Config().PayoutMinimum,
		logger:  logger,
	}
}

// RequestPayoutRequest is the request to withdraw a florist's balance
type RequestPayoutRequest struct {
	FloristID   string `json:"-"`
	Amount      int64  `json:"amount" validate:"required,gt=0"`
	AccountInfo string `json:"account_info" validate:"required,max=500"`
}

// RequestPayout debits the florist and records a PENDING payout.
func (s *Service) RequestPayout(ctx context.Context, req RequestPayoutRequest) (*domain.Payout, error) {
	if req.Amount < s.minimum {
		return nil, fmt.Errorf("%w: payout %d is under the minimum of %d", domain.ErrBelowMinimum, req.Amount, s.minimum)
	}

	var payout *domain.Payout
	err := s.runner.Run(ctx, "request_payout", func(ctx context.Context, u *ledger.Unit) error {
		florist, err := u.LockFlorist(ctx, req.FloristID)
		if err != nil {
			return err
		}
		if florist.Balance < req.Amount {
			return fmt.Errorf("%w: balance %d, payout %d", domain.ErrInsufficientFunds, florist.Balance, req.Amount)
		}

		payout = &domain.Payout{
			ID:          ulid.Make().String(),
			FloristID:   florist.ID,
			Amount:      req.Amount,
			Status:      domain.PayoutPending,
			AccountInfo: req.AccountInfo,
			CreatedAt:   u.Now(),
			UpdatedAt:   u.Now(),
		}
		u.Source(domain.SourceTypePayout, payout.ID)
		if err := u.Transfer(ctx, domain.FloristAccount(florist.ID), nil, req.Amount, "payout"); err != nil {
			return err
		}
		if err := u.InsertPayout(ctx, payout); err != nil {
			return err
		}
		return u.Emit(ctx, events.EventPayoutRequested, "payout", payout.ID, payoutData(payout))
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("payout requested",
		"payout_id", payout.ID,
		"florist_id", payout.FloristID,
		"amount", payout.Amount,
	)
	return payout, nil
}

// CompletePayout acknowledges the external disbursement. No balance moves.
func (s *Service) CompletePayout(ctx context.Context, payoutID string) (*domain.Payout, error) {
	return s.settle(ctx, "complete_payout", payoutID, domain.PayoutCompleted)
}

// RejectPayout cancels a pending payout and returns its amount to the florist.
func (s *Service) RejectPayout(ctx context.Context, payoutID string) (*domain.Payout, error) {
	return s.settle(ctx, "reject_payout", payoutID, domain.PayoutRejected)
}

func (s *Service) settle(ctx context.Context, op, payoutID string, status domain.PayoutStatus) (*domain.Payout, error) {
	var payout *domain.Payout
	err := s.runner.Run(ctx, op, func(ctx context.Context, u *ledger.Unit) error {
		p, err := u.LockPayout(ctx, payoutID)
		if err != nil {
			return err
		}
		if p.Status != domain.PayoutPending {
			return fmt.Errorf("%w: payout %s is %s", domain.ErrInvalidState, p.ID, p.Status)
		}

		eventType := events.EventPayoutCompleted
		if status == domain.PayoutRejected {
			eventType = events.EventPayoutRejected
			if _, err := u.LockFlorist(ctx, p.FloristID); err != nil {
				return err
			}
			u.Source(domain.SourceTypePayoutReject, p.ID)
			// The points come back from where the payout sent them.
			inFlight := domain.ExternalAccount(domain.ExternalPayoutID)
			if err := u.Transfer(ctx, &inFlight, domain.FloristAccount(p.FloristID), p.Amount, "payout rejected"); err != nil {
				return err
			}
		}

		if err := u.UpdatePayoutStatus(ctx, p.ID, status); err != nil {
			return err
		}
		p.Status = status
		p.UpdatedAt = u.Now()
		payout = p
		return u.Emit(ctx, eventType, "payout", p.ID, payoutData(p))
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("payout settled",
		"payout_id", payout.ID,
		"florist_id", payout.FloristID,
		"status", payout.Status,
	)
	return payout, nil
}

// GetPayout returns a payout by ID.
func (s *Service) GetPayout(ctx context.Context, id string) (*domain.Payout, error) {
	return s.runner.Reader().GetPayout(ctx, id)
}

// ListPayouts lists payouts matching filter.
func (s *Service) ListPayouts(ctx context.Context, filter ledger.PayoutFilter) ([]*domain.Payout, error) {
	return s.runner.Reader().ListPayouts(ctx, filter)
}

func payoutData(p *domain.Payout) events.PayoutData {
	return events.PayoutData{
		PayoutID:  p.ID,
		FloristID: p.FloristID,
		Amount:    p.Amount,
		Status:    string(p.Status),
	}
}
