package api

import (
	"io"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"flowerfund/internal/account"
	"flowerfund/internal/cancellation"
	"flowerfund/internal/common/api"
	"flowerfund/internal/common/middleware"
	"flowerfund/internal/ledger"
	"flowerfund/internal/ledger/domain"
	"flowerfund/internal/payout"
	"flowerfund/internal/pledge"
	"flowerfund/internal/project"
	"flowerfund/internal/settlement"
	"flowerfund/internal/topup"
)

// maxWebhookBody caps Stripe payloads.
const maxWebhookBody = 64 << 10

// Services are the operations the HTTP layer exposes.
type Services struct {
	Accounts     *account.Service
	Projects     *project.Service
	Pledges      *pledge.Service
	Settlement   *settlement.Service
	Cancellation *cancellation.Service
	Payouts      *payout.Service
	TopUps       *topup.Service
	// Stripe is nil when no webhook secret is configured.
	Stripe *topup.StripeWebhook
	Reader ledger.Reader
}

// Handler handles ledger HTTP requests
type Handler struct {
	svc    Services
	logger *slog.Logger
}

// NewHandler creates a new ledger handler
func NewHandler(svc Services, logger *slog.Logger) *Handler {
	return &Handler{svc: svc, logger: logger}
}

// Routes returns the ledger routes. Callers mount middleware.Identity in
// front so that role checks can see the actor.
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()

	users := middleware.RequireRole(middleware.RoleUser)
	florists := middleware.RequireRole(middleware.RoleFlorist)
	admins := middleware.RequireRole(middleware.RoleAdmin)
	anyone := middleware.RequireRole()

	// Users
	r.With(users).Post("/users", h.CreateUser)
	r.With(anyone).Get("/users/{id}", h.GetUser)
	r.With(anyone).Get("/users/{id}/entries", h.GetUserEntries)

	// Florists
	r.With(florists).Post("/florists", h.CreateFlorist)
	r.With(anyone).Get("/florists/{id}", h.GetFlorist)
	r.With(admins).Post("/florists/{id}/review", h.ReviewFlorist)

	// Projects
	r.With(users).Post("/projects", h.CreateProject)
	r.With(anyone).Get("/projects/{id}", h.GetProject)
	r.With(anyone).Get("/projects/{id}/pledges", h.ListPledges)
	r.With(users).Post("/projects/{id}/pledges", h.CreatePledge)
	r.With(users).Post("/projects/{id}/cancel", h.CancelProject)
	r.With(users).Post("/projects/{id}/complete", h.CompleteProject)

	// Quotations
	r.With(florists).Post("/quotations", h.CreateQuotation)
	r.With(anyone).Get("/quotations/{id}", h.GetQuotation)
	r.With(users).Post("/quotations/{id}/approve", h.ApproveQuotation)

	// Payouts
	r.With(florists).Post("/payouts", h.RequestPayout)
	r.With(middleware.RequireRole(middleware.RoleFlorist, middleware.RoleAdmin)).Get("/payouts", h.ListPayouts)
	r.With(admins).Post("/payouts/{id}/complete", h.CompletePayout)
	r.With(admins).Post("/payouts/{id}/reject", h.RejectPayout)

	// Points
	r.With(admins).Post("/topups", h.CreateTopUp)
	r.Post("/webhooks/stripe", h.StripeWebhook)

	// Admin
	r.With(admins).Get("/admin/commissions", h.ListCommissions)
	r.With(admins).Get("/admin/reconciliation", h.Reconcile)

	return r
}

// CreateUserRequest is the API request for registering the calling user
type CreateUserRequest struct {
	HandleName string `json:"handle_name" validate:"required,max=100"`
}

// CreateUser handles POST /users
func (h *Handler) CreateUser(w http.ResponseWriter, r *http.Request) {
	actor, _ := middleware.GetActor(r.Context())

	var req CreateUserRequest
	if err := api.DecodeAndValidate(r, &req); err != nil {
		api.ValidationError(w, err)
		return
	}

	user, err := h.svc.Accounts.CreateUser(r.Context(), account.CreateUserRequest{
		ID:         actor.ID,
		HandleName: req.HandleName,
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	api.WriteData(w, http.StatusCreated, user)
}

// GetUser handles GET /users/{id}
func (h *Handler) GetUser(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if !selfOrAdmin(r, id) {
		api.FailureForbidden.Write(w, "cannot view another user")
		return
	}

	user, err := h.svc.Accounts.GetUser(r.Context(), id)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	api.WriteData(w, http.StatusOK, user)
}

// GetUserEntries handles GET /users/{id}/entries
func (h *Handler) GetUserEntries(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if !selfOrAdmin(r, id) {
		api.FailureForbidden.Write(w, "cannot view another user")
		return
	}

	page := api.GetPageParams(r, 50, 200)
	entries, err := h.svc.Accounts.ListEntries(r.Context(), *domain.UserAccount(id), page.Limit)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	api.WriteData(w, http.StatusOK, entries)
}

// CreateFloristRequest is the API request for a florist application
type CreateFloristRequest struct {
	ShopName string `json:"shop_name" validate:"required,max=200"`
}

// CreateFlorist handles POST /florists
func (h *Handler) CreateFlorist(w http.ResponseWriter, r *http.Request) {
	actor, _ := middleware.GetActor(r.Context())

	var req CreateFloristRequest
	if err := api.DecodeAndValidate(r, &req); err != nil {
		api.ValidationError(w, err)
		return
	}

	florist, err := h.svc.Accounts.CreateFlorist(r.Context(), account.CreateFloristRequest{
		ID:       actor.ID,
		ShopName: req.ShopName,
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	api.WriteData(w, http.StatusCreated, florist)
}

// GetFlorist handles GET /florists/{id}
func (h *Handler) GetFlorist(w http.ResponseWriter, r *http.Request) {
	florist, err := h.svc.Accounts.GetFlorist(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	api.WriteData(w, http.StatusOK, florist)
}

// ReviewFloristRequest is the API request for an admin review decision
type ReviewFloristRequest struct {
	Status string `json:"status" validate:"required,oneof=APPROVED REJECTED"`
}

// ReviewFlorist handles POST /florists/{id}/review
func (h *Handler) ReviewFlorist(w http.ResponseWriter, r *http.Request) {
	var req ReviewFloristRequest
	if err := api.DecodeAndValidate(r, &req); err != nil {
		api.ValidationError(w, err)
		return
	}

	florist, err := h.svc.Accounts.ReviewFlorist(r.Context(), chi.URLParam(r, "id"), domain.FloristReview{
		Status: domain.FloristStatus(req.Status),
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	api.WriteData(w, http.StatusOK, florist)
}

// CreateProject handles POST /projects
func (h *Handler) CreateProject(w http.ResponseWriter, r *http.Request) {
	actor, _ := middleware.GetActor(r.Context())

	var req project.CreateProjectRequest
	if err := api.DecodeAndValidate(r, &req); err != nil {
		api.ValidationError(w, err)
		return
	}
	req.PlannerID = actor.ID

	p, err := h.svc.Projects.CreateProject(r.Context(), req)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	api.WriteData(w, http.StatusCreated, p)
}

// GetProject handles GET /projects/{id}
func (h *Handler) GetProject(w http.ResponseWriter, r *http.Request) {
	p, err := h.svc.Projects.GetProject(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	api.WriteData(w, http.StatusOK, p)
}

// ListPledges handles GET /projects/{id}/pledges
func (h *Handler) ListPledges(w http.ResponseWriter, r *http.Request) {
	pledges, err := h.svc.Pledges.ListPledges(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	api.WriteData(w, http.StatusOK, pledges)
}

// CreatePledge handles POST /projects/{id}/pledges
func (h *Handler) CreatePledge(w http.ResponseWriter, r *http.Request) {
	actor, _ := middleware.GetActor(r.Context())

	var req pledge.CreatePledgeRequest
	if err := api.DecodeAndValidate(r, &req); err != nil {
		api.ValidationError(w, err)
		return
	}
	req.ProjectID = chi.URLParam(r, "id")
	req.UserID = actor.ID

	res, err := h.svc.Pledges.CreatePledge(r.Context(), req)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	api.WriteData(w, http.StatusCreated, res)
}

// CancelProject handles POST /projects/{id}/cancel
func (h *Handler) CancelProject(w http.ResponseWriter, r *http.Request) {
	actor, _ := middleware.GetActor(r.Context())

	res, err := h.svc.Cancellation.CancelProject(r.Context(), chi.URLParam(r, "id"), actor.ID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	api.WriteData(w, http.StatusOK, res)
}

// CompleteProject handles POST /projects/{id}/complete
func (h *Handler) CompleteProject(w http.ResponseWriter, r *http.Request) {
	actor, _ := middleware.GetActor(r.Context())

	var req project.CompleteProjectRequest
	if err := api.DecodeAndValidate(r, &req); err != nil {
		api.ValidationError(w, err)
		return
	}
	req.ProjectID = chi.URLParam(r, "id")
	req.PlannerID = actor.ID

	p, err := h.svc.Projects.CompleteProject(r.Context(), req)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	api.WriteData(w, http.StatusOK, p)
}

// CreateQuotation handles POST /quotations
func (h *Handler) CreateQuotation(w http.ResponseWriter, r *http.Request) {
	actor, _ := middleware.GetActor(r.Context())

	var req settlement.CreateQuotationRequest
	if err := api.DecodeAndValidate(r, &req); err != nil {
		api.ValidationError(w, err)
		return
	}
	req.FloristID = actor.ID

	q, err := h.svc.Settlement.CreateQuotation(r.Context(), req)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	api.WriteData(w, http.StatusCreated, q)
}

// GetQuotation handles GET /quotations/{id}
func (h *Handler) GetQuotation(w http.ResponseWriter, r *http.Request) {
	q, err := h.svc.Settlement.GetQuotation(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	api.WriteData(w, http.StatusOK, q)
}

// ApproveQuotation handles POST /quotations/{id}/approve
func (h *Handler) ApproveQuotation(w http.ResponseWriter, r *http.Request) {
	actor, _ := middleware.GetActor(r.Context())

	res, err := h.svc.Settlement.ApproveQuotation(r.Context(), chi.URLParam(r, "id"), actor.ID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	api.WriteData(w, http.StatusOK, res)
}

// RequestPayout handles POST /payouts
func (h *Handler) RequestPayout(w http.ResponseWriter, r *http.Request) {
	actor, _ := middleware.GetActor(r.Context())

	var req payout.RequestPayoutRequest
	if err := api.DecodeAndValidate(r, &req); err != nil {
		api.ValidationError(w, err)
		return
	}
	req.FloristID = actor.ID

	p, err := h.svc.Payouts.RequestPayout(r.Context(), req)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	api.WriteData(w, http.StatusCreated, p)
}

// ListPayouts handles GET /payouts. Florists only ever see their own.
func (h *Handler) ListPayouts(w http.ResponseWriter, r *http.Request) {
	actor, _ := middleware.GetActor(r.Context())

	filter := ledger.PayoutFilter{
		FloristID: r.URL.Query().Get("florist_id"),
		Status:    domain.PayoutStatus(r.URL.Query().Get("status")),
	}
	if actor.Role == middleware.RoleFlorist {
		filter.FloristID = actor.ID
	}

	payouts, err := h.svc.Payouts.ListPayouts(r.Context(), filter)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	api.WriteData(w, http.StatusOK, payouts)
}

// CompletePayout handles POST /payouts/{id}/complete
func (h *Handler) CompletePayout(w http.ResponseWriter, r *http.Request) {
	p, err := h.svc.Payouts.CompletePayout(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	api.WriteData(w, http.StatusOK, p)
}

// RejectPayout handles POST /payouts/{id}/reject
func (h *Handler) RejectPayout(w http.ResponseWriter, r *http.Request) {
	p, err := h.svc.Payouts.RejectPayout(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	api.WriteData(w, http.StatusOK, p)
}

// CreateTopUp handles POST /topups
func (h *Handler) CreateTopUp(w http.ResponseWriter, r *http.Request) {
	var req topup.Purchase
	if err := api.DecodeAndValidate(r, &req); err != nil {
		api.ValidationError(w, err)
		return
	}
	req.Source = topup.SourceAdmin

	res, err := h.svc.TopUps.Credit(r.Context(), req)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	status := http.StatusCreated
	if res.Duplicate {
		status = http.StatusOK
	}
	api.WriteData(w, status, res)
}

// StripeWebhook handles POST /webhooks/stripe
func (h *Handler) StripeWebhook(w http.ResponseWriter, r *http.Request) {
	if h.svc.Stripe == nil {
		api.FailureDisabled.Write(w, "stripe webhook not configured")
		return
	}

	payload, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil {
		api.FailureBadRequest.Write(w, "failed to read body")
		return
	}
	signature := r.Header.Get("Stripe-Signature")
	if signature == "" {
		api.FailureBadRequest.Write(w, "stripe signature missing")
		return
	}

	// Stripe redelivers anything but a 2xx, so only failures a retry can fix
	// are reported. A verified event the ledger can never credit is logged
	// and acknowledged.
	res, err := h.svc.Stripe.Handle(r.Context(), payload, signature)
	switch kind := domain.KindOf(err); {
	case err == nil:
	case kind == domain.KindForbidden:
		api.FailureBadRequest.Write(w, "invalid stripe signature")
		return
	case kind == domain.KindContention || kind == domain.KindInternal:
		h.writeError(w, r, err)
		return
	default:
		h.logger.Error("ignoring unusable stripe event", "error", err)
		api.WriteData(w, http.StatusOK, map[string]any{"received": true, "credited": false})
		return
	}
	api.WriteData(w, http.StatusOK, map[string]any{
		"received": true,
		"credited": res != nil && !res.Duplicate,
	})
}

// ListCommissions handles GET /admin/commissions
func (h *Handler) ListCommissions(w http.ResponseWriter, r *http.Request) {
	page := api.GetPageParams(r, 50, 100)

	commissions, total, err := h.svc.Settlement.ListCommissions(r.Context(), page.Limit, page.Offset)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	api.WriteData(w, http.StatusOK, api.NewPage(commissions, page, total))
}

// Reconcile handles GET /admin/reconciliation
func (h *Handler) Reconcile(w http.ResponseWriter, r *http.Request) {
	report, err := ledger.Reconcile(r.Context(), h.svc.Reader)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if !report.Balanced {
		h.logger.Error("ledger out of balance",
			"drift", report.Drift,
			"pool_drift", len(report.PoolDrift),
		)
	}
	api.WriteData(w, http.StatusOK, report)
}

// kindFailures renders each domain error kind. Kinds missing here are
// internal errors.
var kindFailures = map[domain.Kind]api.Failure{
	domain.KindNotFound:          api.FailureNotFound,
	domain.KindForbidden:         api.FailureForbidden,
	domain.KindInvalidState:      {Status: http.StatusConflict, Code: api.ErrCodeInvalidState},
	domain.KindAlreadyApproved:   {Status: http.StatusConflict, Code: api.ErrCodeAlreadyApproved},
	domain.KindDuplicate:         {Status: http.StatusConflict, Code: api.ErrCodeConflict},
	domain.KindInsufficientFunds: {Status: http.StatusUnprocessableEntity, Code: api.ErrCodeInsufficientFunds},
	domain.KindBelowMinimum:      {Status: http.StatusUnprocessableEntity, Code: api.ErrCodeBelowMinimum},
	domain.KindValidation:        {Status: http.StatusUnprocessableEntity, Code: api.ErrCodeValidation},
	domain.KindContention:        {Status: http.StatusServiceUnavailable, Code: api.ErrCodeContention, RetryAfter: 1},
}

// writeError maps an operation failure to its HTTP status.
func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	kind := domain.KindOf(err)
	if f, ok := kindFailures[kind]; ok {
		msg := err.Error()
		if kind == domain.KindContention {
			msg = "ledger busy, retry the request"
		}
		f.Write(w, msg)
		return
	}
	h.logger.Error("request failed",
		"method", r.Method,
		"path", r.URL.Path,
		"correlation_id", middleware.GetCorrelationID(r.Context()),
		"error", err,
	)
	api.FailureInternal.Write(w, "internal error")
}

func selfOrAdmin(r *http.Request, userID string) bool {
	actor, ok := middleware.GetActor(r.Context())
	return ok && (actor.Role == middleware.RoleAdmin || actor.ID == userID)
}
