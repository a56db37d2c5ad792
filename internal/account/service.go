// Package account registers users and florists and reviews florist
// applications.
package account

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/oklog/ulid/v2"

	"flowerfund/internal/common/events"
	"flowerfund/internal/ledger"
	"flowerfund/internal/ledger/domain"
)

// Service manages ledger participants.
type Service struct {
	runner *ledger.Runner
	logger *slog.Logger
}

// NewService creates a new account service
func NewService(runner *ledger.Runner, logger *slog.Logger) *Service {
	return &Service{runner: runner, logger: logger}
}

// CreateUserRequest is the request to register a user
type CreateUserRequest struct {
	// ID is the identity provider's subject. Empty generates one.
	ID         string `json:"id" validate:"omitempty,max=64"`
	HandleName string `json:"handle_name" validate:"required,max=100"`
}

// CreateUser registers a user with a zero balance. Points arrive only
// through top-ups.
func (s *Service) CreateUser(ctx context.Context, req CreateUserRequest) (*domain.User, error) {
	var user *domain.User
	err := s.runner.Run(ctx, "create_user", func(ctx context.Context, u *ledger.Unit) error {
		user = &domain.User{
			ID:         idOrNew(req.ID),
			HandleName: req.HandleName,
			CreatedAt:  u.Now(),
		}
		return u.InsertUser(ctx, user)
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("user created", "user_id", user.ID)
	return user, nil
}

// CreateFloristRequest is the request to apply as a florist
type CreateFloristRequest struct {
	ID       string `json:"id" validate:"omitempty,max=64"`
	ShopName string `json:"shop_name" validate:"required,max=200"`
}

// CreateFlorist registers a florist awaiting review.
func (s *Service) CreateFlorist(ctx context.Context, req CreateFloristRequest) (*domain.Florist, error) {
	var florist *domain.Florist
	err := s.runner.Run(ctx, "create_florist", func(ctx context.Context, u *ledger.Unit) error {
		florist = &domain.Florist{
			ID:        idOrNew(req.ID),
			ShopName:  req.ShopName,
			Status:    domain.FloristPending,
			CreatedAt: u.Now(),
		}
		return u.InsertFlorist(ctx, florist)
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("florist created", "florist_id", florist.ID)
	return florist, nil
}

// ReviewFlorist records the admin decision on a PENDING florist.
func (s *Service) ReviewFlorist(ctx context.Context, floristID string, review domain.FloristReview) (*domain.Florist, error) {
	if err := review.Validate(); err != nil {
		return nil, err
	}

	var florist *domain.Florist
	err := s.runner.Run(ctx, "review_florist", func(ctx context.Context, u *ledger.Unit) error {
		f, err := u.LockFlorist(ctx, floristID)
		if err != nil {
			return err
		}
		if f.Status != domain.FloristPending {
			return fmt.Errorf("%w: florist %s is already %s", domain.ErrInvalidState, f.ID, f.Status)
		}
		if err := u.UpdateFlorist(ctx, f.ID, review); err != nil {
			return err
		}
		f.Status = review.Status
		florist = f
		return u.Emit(ctx, events.EventFloristReviewed, "florist", f.ID, events.FloristReviewedData{
			FloristID: f.ID,
			Status:    string(f.Status),
		})
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("florist reviewed",
		"florist_id", florist.ID,
		"status", florist.Status,
	)
	return florist, nil
}

// GetUser returns a user by ID.
func (s *Service) GetUser(ctx context.Context, id string) (*domain.User, error) {
	return s.runner.Reader().GetUser(ctx, id)
}

// GetFlorist returns a florist by ID.
func (s *Service) GetFlorist(ctx context.Context, id string) (*domain.Florist, error) {
	return s.runner.Reader().GetFlorist(ctx, id)
}

// ListEntries returns the most recent journal entries touching account.
func (s *Service) ListEntries(ctx context.Context, account domain.Account, limit int) ([]*domain.Entry, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	return s.runner.Reader().ListEntries(ctx, account, limit)
}

func idOrNew(id string) string {
	if id != "" {
		return id
	}
	return ulid.Make().String()
}
