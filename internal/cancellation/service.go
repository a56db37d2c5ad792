// Package cancellation cancels projects and refunds their pledges.
package cancellation

import (
	"context"
	"fmt"
	"log/slog"
	"slices"

	"flowerfund/internal/common/events"
	"flowerfund/internal/ledger"
	"flowerfund/internal/ledger/domain"
)

// Service cancels projects.
type Service struct {
	runner *ledger.Runner
	logger *slog.Logger
}

// NewService creates a new cancellation service
func NewService(runner *ledger.Runner, logger *slog.Logger) *Service {
	return &Service{runner: runner, logger: logger}
}

// Result is the outcome of a cancellation.
type Result struct {
	Project  *domain.Project  `json:"project"`
	Refunded []*domain.Pledge `json:"refunded"`
	// RefundedAmount is what left the pool, per user.
	RefundedAmount map[string]int64 `json:"refunded_amount"`
}

// CancelProject refunds every live pledge to its pledger and marks the project
// CANCELED. The project row lock is held for the whole sweep, so a pledge
// cannot slip in between enumeration and commit.
func (s *Service) CancelProject(ctx context.Context, projectID, requesterUserID string) (*Result, error) {
	var res *Result
	err := s.runner.Run(ctx, "cancel_project", func(ctx context.Context, u *ledger.Unit) error {
		project, err := u.LockProject(ctx, projectID)
		if err != nil {
			return err
		}
		if project.PlannerID != requesterUserID {
			return fmt.Errorf("%w: only the planner may cancel a project", domain.ErrForbidden)
		}
		if !project.Status.CanTransition(domain.ProjectCanceled) {
			return fmt.Errorf("%w: project %s is %s", domain.ErrInvalidState, project.ID, project.Status)
		}

		pledges, err := u.LockPledges(ctx, project.ID)
		if err != nil {
			return err
		}

		owed := map[string]int64{}
		var live []*domain.Pledge
		var refunded int64
		for _, p := range pledges {
			if p.Refunded {
				continue
			}
			owed[p.UserID] += p.Amount
			refunded += p.Amount
			live = append(live, p)
		}
		switch {
		case refunded > project.CollectedAmount:
			// Part of the pool already went to a florist.
			return fmt.Errorf("%w: project %s has been settled", domain.ErrInvalidState, project.ID)
		case refunded < project.CollectedAmount:
			return fmt.Errorf("project %s pool %d exceeds live pledges %d",
				project.ID, project.CollectedAmount, refunded)
		}

		// Users are locked in ID order so two sweeps never deadlock each other.
		userIDs := make([]string, 0, len(owed))
		for id := range owed {
			userIDs = append(userIDs, id)
		}
		slices.Sort(userIDs)
		users := make(map[string]*domain.User, len(userIDs))
		for _, id := range userIDs {
			user, err := u.LockUser(ctx, id)
			if err != nil {
				return err
			}
			users[id] = user
		}

		u.Source(domain.SourceTypeRefund, project.ID)
		pool := domain.ProjectAccount(project.ID)
		for _, p := range live {
			if err := u.Transfer(ctx, pool, domain.UserAccount(p.UserID), p.Amount, "refund "+p.ID); err != nil {
				return err
			}
			if err := u.MarkPledgeRefunded(ctx, p.ID); err != nil {
				return err
			}
			p.Refunded = true
		}

		for _, id := range userIDs {
			total := max(users[id].TotalPledged-owed[id], 0)
			if err := u.UpdateUserStats(ctx, id, domain.UserStats{
				TotalPledged: total,
				SupportLevel: domain.SupportLevelFor(total),
			}); err != nil {
				return err
			}
		}

		project.CollectedAmount = 0
		project.Status = domain.ProjectCanceled
		project.UpdatedAt = u.Now()
		if err := u.UpdateProject(ctx, project.ID, domain.ProjectUpdate{Status: project.Status}); err != nil {
			return err
		}

		if err := u.Emit(ctx, events.EventProjectCanceled, "project", project.ID, events.ProjectStatusData{
			ProjectID:       project.ID,
			PlannerID:       project.PlannerID,
			Status:          string(project.Status),
			TargetAmount:    project.TargetAmount,
			RefundedPledges: len(live),
		}); err != nil {
			return err
		}

		res = &Result{Project: project, Refunded: live, RefundedAmount: owed}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("project canceled",
		"project_id", projectID,
		"refunded_pledges", len(res.Refunded),
	)
	return res, nil
}
