// Package pledge turns supporters' points into pledges toward a project.
package pledge

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/oklog/ulid/v2"

	"flowerfund/internal/common/events"
	"flowerfund/internal/ledger"
	"flowerfund/internal/ledger/domain"
)

// Service creates pledges.
type Service struct {
	runner *ledger.Runner
	logger *slog.Logger
}

// NewService creates a new pledge service
func NewService(runner *ledger.Runner, logger *slog.Logger) *Service {
	return &Service{runner: runner, logger: logger}
}

// CreatePledgeRequest is the request to pledge points to a project
type CreatePledgeRequest struct {
	ProjectID string `json:"-"`
	UserID    string `json:"-"`
	Amount    int64  `json:"amount" validate:"required,gt=0"`
	Comment   string `json:"comment" validate:"max=500"`
}

// Result is the outcome of a pledge.
type Result struct {
	Pledge  *domain.Pledge  `json:"pledge"`
	Project *domain.Project `json:"project"`
	// Funded is true only for the pledge that moved the project to SUCCESSFUL.
	Funded bool `json:"funded"`
}

// CreatePledge moves amount points from the user into the project's pool.
// The pledge that brings the pool to the target flips the project to
// SUCCESSFUL in the same transaction.
func (s *Service) CreatePledge(ctx context.Context, req CreatePledgeRequest) (*Result, error) {
	if req.Amount <= 0 {
		return nil, fmt.Errorf("%w: pledge amount must be positive", domain.ErrValidation)
	}

	var res *Result
	err := s.runner.Run(ctx, "pledge", func(ctx context.Context, u *ledger.Unit) error {
		project, err := u.LockProject(ctx, req.ProjectID)
		if err != nil {
			return err
		}
		if !project.Status.AcceptsPledges() {
			return fmt.Errorf("%w: project %s is %s", domain.ErrInvalidState, project.ID, project.Status)
		}

		user, err := u.LockUser(ctx, req.UserID)
		if err != nil {
			return err
		}
		if user.PointBalance < req.Amount {
			return fmt.Errorf("%w: balance %d, pledge %d", domain.ErrInsufficientFunds, user.PointBalance, req.Amount)
		}

		pledge := &domain.Pledge{
			ID:        ulid.Make().String(),
			ProjectID: project.ID,
			UserID:    user.ID,
			Amount:    req.Amount,
			Comment:   req.Comment,
			CreatedAt: u.Now(),
		}
		u.Source(domain.SourceTypePledge, pledge.ID)

		if err := u.Transfer(ctx, domain.UserAccount(user.ID), domain.ProjectAccount(project.ID), req.Amount, "pledge"); err != nil {
			return err
		}
		if err := u.InsertPledge(ctx, pledge); err != nil {
			return err
		}

		total := user.TotalPledged + req.Amount
		if err := u.UpdateUserStats(ctx, user.ID, domain.UserStats{
			TotalPledged: total,
			SupportLevel: domain.SupportLevelFor(total),
		}); err != nil {
			return err
		}

		project.CollectedAmount += req.Amount
		project.UpdatedAt = u.Now()
		funded := project.Status == domain.ProjectFundraising && project.CollectedAmount >= project.TargetAmount
		if funded {
			project.Status = domain.ProjectSuccessful
			if err := u.UpdateProject(ctx, project.ID, domain.ProjectUpdate{Status: project.Status}); err != nil {
				return err
			}
		}

		if err := u.Emit(ctx, events.EventPledgeCreated, "pledge", pledge.ID, events.PledgeCreatedData{
			PledgeID:        pledge.ID,
			ProjectID:       project.ID,
			UserID:          user.ID,
			Amount:          pledge.Amount,
			CollectedAmount: project.CollectedAmount,
		}); err != nil {
			return err
		}
		if funded {
			if err := u.Emit(ctx, events.EventProjectSuccessful, "project", project.ID, events.ProjectStatusData{
				ProjectID:       project.ID,
				PlannerID:       project.PlannerID,
				Status:          string(project.Status),
				CollectedAmount: project.CollectedAmount,
				TargetAmount:    project.TargetAmount,
			}); err != nil {
				return err
			}
		}

		res = &Result{Pledge: pledge, Project: project, Funded: funded}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("pledge created",
		"pledge_id", res.Pledge.ID,
		"project_id", res.Project.ID,
		"user_id", req.UserID,
		"amount", req.Amount,
		"funded", res.Funded,
	)
	return res, nil
}

// ListPledges returns every pledge on a project, refunded ones included.
func (s *Service) ListPledges(ctx context.Context, projectID string) ([]*domain.Pledge, error) {
	if _, err := s.runner.Reader().GetProject(ctx, projectID); err != nil {
		return nil, err
	}
	return s.runner.Reader().ListPledges(ctx, projectID)
}
