// Package settlement creates florist quotations and settles approved ones
// from a project's pool into the florist's balance and platform commission.
package settlement

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/oklog/ulid/v2"

	"flowerfund/internal/common/events"
	"flowerfund/internal/common/points"
	"flowerfund/internal/ledger"
	"flowerfund/internal/ledger/domain"
)

// Service manages quotations.
type Service struct {
	runner *ledger.Runner
	rate   points.Rate
	logger *slog.Logger
}

// NewService creates a settlement service charging the runner's configured
// commission rate.
func NewService(runner *ledger.Runner, logger *slog.Logger) *Service {
	return &Service{
		runner: runner,
		rate:   runner.Config().CommissionRate,
		logger: logger,
	}
}

// ItemRequest is one priced quotation line
type ItemRequest struct {
	Name   string `json:"name" validate:"required,max=200"`
	Amount int64  `json:"amount" validate:"required,gt=0"`
}

// CreateQuotationRequest is the request to quote a project
type CreateQuotationRequest struct {
	FloristID string        `json:"-"`
	ProjectID string        `json:"project_id" validate:"required"`
	Items     []ItemRequest `json:"items" validate:"required,min=1,dive"`
}

// CreateQuotation records a florist's priced proposal for a project. Only an
// APPROVED florist may quote, and a project takes at most one quotation.
func (s *Service) CreateQuotation(ctx context.Context, req CreateQuotationRequest) (*domain.Quotation, error) {
	if len(req.Items) == 0 {
		return nil, fmt.Errorf("%w: quotation needs at least one item", domain.ErrValidation)
	}
	items := make([]domain.QuotationItem, 0, len(req.Items))
	var total int64
	for _, it := range req.Items {
		if it.Amount <= 0 {
			return nil, fmt.Errorf("%w: item %q amount must be positive", domain.ErrValidation, it.Name)
		}
		sum, err := points.Add(total, it.Amount)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", domain.ErrValidation, err)
		}
		total = sum
		items = append(items, domain.QuotationItem{Name: it.Name, Amount: it.Amount})
	}

	var quotation *domain.Quotation
	err := s.runner.Run(ctx, "create_quotation", func(ctx context.Context, u *ledger.Unit) error {
		project, err := u.LockProject(ctx, req.ProjectID)
		if err != nil {
			return err
		}
		if project.Status.Terminal() {
			return fmt.Errorf("%w: project %s is %s", domain.ErrInvalidState, project.ID, project.Status)
		}

		florist, err := u.LockFlorist(ctx, req.FloristID)
		if err != nil {
			return err
		}
		if florist.Status != domain.FloristApproved {
			return fmt.Errorf("%w: florist %s is %s", domain.ErrForbidden, florist.ID, florist.Status)
		}

		quotation = &domain.Quotation{
			ID:          ulid.Make().String(),
			ProjectID:   project.ID,
			FloristID:   florist.ID,
			Items:       items,
			TotalAmount: total,
			CreatedAt:   u.Now(),
		}
		if err := u.InsertQuotation(ctx, quotation); err != nil {
			if domain.KindOf(err) == domain.KindDuplicate {
				return fmt.Errorf("%w: project %s already has a quotation", domain.ErrInvalidState, project.ID)
			}
			return err
		}

		return u.Emit(ctx, events.EventQuotationCreated, "quotation", quotation.ID, events.QuotationCreatedData{
			QuotationID: quotation.ID,
			ProjectID:   project.ID,
			FloristID:   florist.ID,
			TotalAmount: total,
		})
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("quotation created",
		"quotation_id", quotation.ID,
		"project_id", quotation.ProjectID,
		"florist_id", quotation.FloristID,
		"total_amount", quotation.TotalAmount,
	)
	return quotation, nil
}

// GetQuotation returns a quotation by ID.
func (s *Service) GetQuotation(ctx context.Context, id string) (*domain.Quotation, error) {
	return s.runner.Reader().GetQuotation(ctx, id)
}

// Settlement is the outcome of an approval.
type Settlement struct {
	Quotation    *domain.Quotation  `json:"quotation"`
	Commission   *domain.Commission `json:"commission"`
	FloristShare int64              `json:"florist_share"`
}

// ApproveQuotation settles a quotation exactly once: the project's pool pays
// the florist the total less commission, and the commission goes to the
// platform account. Only the project's planner may approve.
func (s *Service) ApproveQuotation(ctx context.Context, quotationID, approverUserID string) (*Settlement, error) {
	var res *Settlement
	err := s.runner.Run(ctx, "approve_quotation", func(ctx context.Context, u *ledger.Unit) error {
		quotation, err := u.LockQuotation(ctx, quotationID)
		if err != nil {
			return err
		}
		project, err := u.LockProject(ctx, quotation.ProjectID)
		if err != nil {
			return err
		}
		if project.PlannerID != approverUserID {
			return fmt.Errorf("%w: only the planner may approve a quotation", domain.ErrForbidden)
		}
		if quotation.IsApproved {
			return fmt.Errorf("%w: quotation %s", domain.ErrAlreadyApproved, quotation.ID)
		}
		if project.CollectedAmount < quotation.TotalAmount {
			return fmt.Errorf("%w: collected %d, quotation %d",
				domain.ErrInsufficientFunds, project.CollectedAmount, quotation.TotalAmount)
		}
		florist, err := u.LockFlorist(ctx, quotation.FloristID)
		if err != nil {
			return err
		}
		if florist.Status != domain.FloristApproved {
			return fmt.Errorf("%w: florist %s is %s", domain.ErrInvalidState, florist.ID, florist.Status)
		}

		commission, share := points.Split(quotation.TotalAmount, s.rate)
		u.Source(domain.SourceTypeSettlement, quotation.ID)

		pool := domain.ProjectAccount(project.ID)
		if share > 0 {
			if err := u.Transfer(ctx, pool, domain.FloristAccount(quotation.FloristID), share, "quotation settlement"); err != nil {
				return err
			}
		}
		if commission > 0 {
			if err := u.Transfer(ctx, pool, domain.CommissionAccount(), commission, "platform commission"); err != nil {
				return err
			}
		}

		record := &domain.Commission{
			ID:          ulid.Make().String(),
			ProjectID:   project.ID,
			QuotationID: quotation.ID,
			Amount:      commission,
			RateBps:     s.rate.BasisPoints(),
			CreatedAt:   u.Now(),
		}
		if err := u.InsertCommission(ctx, record); err != nil {
			if domain.KindOf(err) == domain.KindDuplicate {
				return fmt.Errorf("%w: quotation %s already settled", domain.ErrAlreadyApproved, quotation.ID)
			}
			return err
		}

		now := u.Now()
		if err := u.MarkQuotationApproved(ctx, quotation.ID, now); err != nil {
			return err
		}
		quotation.IsApproved = true
		quotation.ApprovedAt = &now

		if err := u.Emit(ctx, events.EventQuotationApproved, "quotation", quotation.ID, events.QuotationApprovedData{
			QuotationID:  quotation.ID,
			ProjectID:    project.ID,
			FloristID:    quotation.FloristID,
			TotalAmount:  quotation.TotalAmount,
			Commission:   commission,
			FloristShare: share,
		}); err != nil {
			return err
		}

		res = &Settlement{Quotation: quotation, Commission: record, FloristShare: share}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("quotation approved",
		"quotation_id", res.Quotation.ID,
		"project_id", res.Quotation.ProjectID,
		"florist_id", res.Quotation.FloristID,
		"commission", res.Commission.Amount,
		"florist_share", res.FloristShare,
	)
	return res, nil
}

// ListCommissions pages through commission records.
func (s *Service) ListCommissions(ctx context.Context, limit, offset int) ([]*domain.Commission, int64, error) {
	if limit <= 0 {
		limit = 50
	}
	if limit > 100 {
		limit = 100
	}
	return s.runner.Reader().ListCommissions(ctx, limit, offset)
}
