package domain

import (
	"fmt"
	"time"
)

// SupportLevel ranks supporters by lifetime pledged points.
type SupportLevel string

const (
	SupportLevelNone   SupportLevel = ""
	SupportLevelBronze SupportLevel = "BRONZE"
	SupportLevelSilver SupportLevel = "SILVER"
	SupportLevelGold   SupportLevel = "GOLD"
)

// Support level thresholds in points.
const (
	BronzeThreshold int64 = 10_000
	SilverThreshold int64 = 50_000
	GoldThreshold   int64 = 100_000
)

// SupportLevelFor returns the level earned by totalPledged points.
func SupportLevelFor(totalPledged int64) SupportLevel {
	switch {
	case totalPledged >= GoldThreshold:
		return SupportLevelGold
	case totalPledged >= SilverThreshold:
		return SupportLevelSilver
	case totalPledged >= BronzeThreshold:
		return SupportLevelBronze
	default:
		return SupportLevelNone
	}
}

// User is a supporter or planner holding points.
type User struct {
	ID           string       `json:"id"`
	HandleName   string       `json:"handle_name"`
	PointBalance int64        `json:"point_balance"`
	TotalPledged int64        `json:"total_pledged"`
	SupportLevel SupportLevel `json:"support_level,omitempty"`
	CreatedAt    time.Time    `json:"created_at"`
}

// UserStats is the only part of a user a pledge or refund may rewrite besides
// the balance itself.
type UserStats struct {
	TotalPledged int64
	SupportLevel SupportLevel
}

// FloristStatus is the vendor review state.
type FloristStatus string

const (
	FloristPending  FloristStatus = "PENDING"
	FloristApproved FloristStatus = "APPROVED"
	FloristRejected FloristStatus = "REJECTED"
)

// Florist is a vendor that fulfils funded projects.
type Florist struct {
	ID        string        `json:"id"`
	ShopName  string        `json:"shop_name"`
	Status    FloristStatus `json:"status"`
	Balance   int64         `json:"balance"`
	CreatedAt time.Time     `json:"created_at"`
}

// FloristReview is the admin decision on a vendor application.
type FloristReview struct {
	Status FloristStatus
}

// Validate checks the review names a final decision.
func (r FloristReview) Validate() error {
	if r.Status != FloristApproved && r.Status != FloristRejected {
		return fmt.Errorf("%w: review status must be APPROVED or REJECTED", ErrValidation)
	}
	return nil
}

// ProjectStatus is the funding lifecycle state.
type ProjectStatus string

const (
	ProjectFundraising ProjectStatus = "FUNDRAISING"
	ProjectSuccessful  ProjectStatus = "SUCCESSFUL"
	ProjectCompleted   ProjectStatus = "COMPLETED"
	ProjectCanceled    ProjectStatus = "CANCELED"
)

// Terminal reports whether no further transition is possible.
func (s ProjectStatus) Terminal() bool {
	return s == ProjectCompleted || s == ProjectCanceled
}

// AcceptsPledges reports whether pledges may still be added.
func (s ProjectStatus) AcceptsPledges() bool {
	return s == ProjectFundraising || s == ProjectSuccessful
}

// CanTransition reports whether from -> to is a legal lifecycle step.
func (s ProjectStatus) CanTransition(to ProjectStatus) bool {
	switch s {
	case ProjectFundraising:
		return to == ProjectSuccessful || to == ProjectCanceled
	case ProjectSuccessful:
		return to == ProjectCompleted || to == ProjectCanceled
	default:
		return false
	}
}

// Project is a crowdfunding campaign owned by its planner.
type Project struct {
	ID                string        `json:"id"`
	PlannerID         string        `json:"planner_id"`
	Title             string        `json:"title"`
	TargetAmount      int64         `json:"target_amount"`
	CollectedAmount   int64         `json:"collected_amount"`
	Status            ProjectStatus `json:"status"`
	CompletionComment string        `json:"completion_comment,omitempty"`
	CreatedAt         time.Time     `json:"created_at"`
	UpdatedAt         time.Time     `json:"updated_at"`
}

// ProjectUpdate names the mutable lifecycle fields of a project. The
// collected amount is a balance and only changes through transfers.
type ProjectUpdate struct {
	Status            ProjectStatus
	CompletionComment *string
}

// Pledge is a supporter's committed transfer into a project's pool.
type Pledge struct {
	ID        string    `json:"id"`
	ProjectID string    `json:"project_id"`
	UserID    string    `json:"user_id"`
	Amount    int64     `json:"amount"`
	Comment   string    `json:"comment,omitempty"`
	Refunded  bool      `json:"refunded"`
	CreatedAt time.Time `json:"created_at"`
}

// QuotationItem is one priced line of a quotation.
type QuotationItem struct {
	Name   string `json:"name"`
	Amount int64  `json:"amount"`
}

// Quotation is a vendor's priced proposal for a project.
type Quotation struct {
	ID          string          `json:"id"`
	ProjectID   string          `json:"project_id"`
	FloristID   string          `json:"florist_id"`
	Items       []QuotationItem `json:"items"`
	TotalAmount int64           `json:"total_amount"`
	IsApproved  bool            `json:"is_approved"`
	CreatedAt   time.Time       `json:"created_at"`
	ApprovedAt  *time.Time      `json:"approved_at,omitempty"`
}

// Commission is the platform's cut of one settled quotation.
type Commission struct {
	ID          string    `json:"id"`
	ProjectID   string    `json:"project_id"`
	QuotationID string    `json:"quotation_id"`
	Amount      int64     `json:"amount"`
	RateBps     int64     `json:"rate_bps"`
	CreatedAt   time.Time `json:"created_at"`
}

// PayoutStatus is the withdrawal lifecycle state.
type PayoutStatus string

const (
	PayoutPending   PayoutStatus = "PENDING"
	PayoutCompleted PayoutStatus = "COMPLETED"
	PayoutRejected  PayoutStatus = "REJECTED"
)

// Payout is a florist's withdrawal request.
type Payout struct {
	ID          string       `json:"id"`
	FloristID   string       `json:"florist_id"`
	Amount      int64        `json:"amount"`
	Status      PayoutStatus `json:"status"`
	AccountInfo string       `json:"account_info"`
	CreatedAt   time.Time    `json:"created_at"`
	UpdatedAt   time.Time    `json:"updated_at"`
}

// TopUp records one credited purchase from the payment gateway.
type TopUp struct {
	ID             string    `json:"id"`
	IdempotencyKey string    `json:"idempotency_key"`
	UserID         string    `json:"user_id"`
	Points         int64     `json:"points"`
	Source         string    `json:"source"`
	CreatedAt      time.Time `json:"created_at"`
}

// Totals summarises every balance in the store for reconciliation.
type Totals struct {
	UserPoints      int64 `json:"user_points"`
	FloristBalances int64 `json:"florist_balances"`
	ProjectPools    int64 `json:"project_pools"`
	Commission      int64 `json:"commission"`
	ToppedUp        int64 `json:"topped_up"`
	PaidOut         int64 `json:"paid_out"`
	// PoolDrift lists projects whose collected amount differs from the sum
	// of their non-refunded pledges less what settlement paid out, keyed by
	// project ID.
	PoolDrift map[string]PoolDrift `json:"pool_drift,omitempty"`
}

// PoolDrift is a project whose cached pool disagrees with its pledges.
type PoolDrift struct {
	CollectedAmount int64 `json:"collected_amount"`
	PledgeSum       int64 `json:"pledge_sum"`
	Settled         int64 `json:"settled"`
}

// Internal is the sum of every stored balance.
func (t Totals) Internal() int64 {
	return t.UserPoints + t.FloristBalances + t.ProjectPools + t.Commission
}
