// Package project manages the project lifecycle outside of funds movement.
package project

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/oklog/ulid/v2"

	"flowerfund/internal/common/events"
	"flowerfund/internal/ledger"
	"flowerfund/internal/ledger/domain"
)

// Service creates and completes projects.
type Service struct {
	runner *ledger.Runner
	logger *slog.Logger
}

// NewService creates a new project service
func NewService(runner *ledger.Runner, logger *slog.Logger) *Service {
	return &Service{runner: runner, logger: logger}
}

// CreateProjectRequest is the request to start a project
type CreateProjectRequest struct {
	PlannerID    string `json:"-"`
	Title        string `json:"title" validate:"required,max=200"`
	TargetAmount int64  `json:"target_amount" validate:"required,gt=0"`
}

// CreateProject opens a FUNDRAISING project owned by the planner.
func (s *Service) CreateProject(ctx context.Context, req CreateProjectRequest) (*domain.Project, error) {
	if req.TargetAmount <= 0 {
		return nil, fmt.Errorf("%w: target amount must be positive", domain.ErrValidation)
	}

	var project *domain.Project
	err := s.runner.Run(ctx, "create_project", func(ctx context.Context, u *ledger.Unit) error {
		project = &domain.Project{
			ID:           ulid.Make().String(),
			PlannerID:    req.PlannerID,
			Title:        req.Title,
			TargetAmount: req.TargetAmount,
			Status:       domain.ProjectFundraising,
			CreatedAt:    u.Now(),
			UpdatedAt:    u.Now(),
		}
		if err := u.InsertProject(ctx, project); err != nil {
			return err
		}
		return u.Emit(ctx, events.EventProjectCreated, "project", project.ID, statusData(project))
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("project created",
		"project_id", project.ID,
		"planner_id", project.PlannerID,
		"target_amount", project.TargetAmount,
	)
	return project, nil
}

// GetProject returns a project by ID.
func (s *Service) GetProject(ctx context.Context, id string) (*domain.Project, error) {
	return s.runner.Reader().GetProject(ctx, id)
}

// CompleteProjectRequest files the completion report for a funded project
type CompleteProjectRequest struct {
	ProjectID string `json:"-"`
	PlannerID string `json:"-"`
	Comment   string `json:"comment" validate:"max=2000"`
}

// CompleteProject moves a SUCCESSFUL project to COMPLETED. No funds move.
func (s *Service) CompleteProject(ctx context.Context, req CompleteProjectRequest) (*domain.Project, error) {
	var project *domain.Project
	err := s.runner.Run(ctx, "complete_project", func(ctx context.Context, u *ledger.Unit) error {
		p, err := u.LockProject(ctx, req.ProjectID)
		if err != nil {
			return err
		}
		if p.PlannerID != req.PlannerID {
			return fmt.Errorf("%w: only the planner may complete a project", domain.ErrForbidden)
		}
		if p.Status != domain.ProjectSuccessful {
			return fmt.Errorf("%w: project %s is %s", domain.ErrInvalidState, p.ID, p.Status)
		}

		comment := req.Comment
		if err := u.UpdateProject(ctx, p.ID, domain.ProjectUpdate{
			Status:            domain.ProjectCompleted,
			CompletionComment: &comment,
		}); err != nil {
			return err
		}
		p.Status = domain.ProjectCompleted
		p.CompletionComment = comment
		p.UpdatedAt = u.Now()
		project = p
		return u.Emit(ctx, events.EventProjectCompleted, "project", p.ID, statusData(p))
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("project completed", "project_id", project.ID)
	return project, nil
}

func statusData(p *domain.Project) events.ProjectStatusData {
	return events.ProjectStatusData{
		ProjectID:       p.ID,
		PlannerID:       p.PlannerID,
		Status:          string(p.Status),
		CollectedAmount: p.CollectedAmount,
		TargetAmount:    p.TargetAmount,
	}
}
