package domain

import "fmt"

// AccountKind identifies which balance field an account refers to.
type AccountKind string

const (
	// AccountUser is User.pointBalance.
	AccountUser AccountKind = "user"
	// AccountFlorist is Florist.balance.
	AccountFlorist AccountKind = "florist"
	// AccountProject is Project.collectedAmount.
	AccountProject AccountKind = "project"
	// AccountPlatform holds collected commission.
	AccountPlatform AccountKind = "platform"
	// AccountExternal is the world outside the ledger: gateway top-ups come
	// from it and payouts go to it. It has no stored balance.
	AccountExternal AccountKind = "external"
)

// Well-known account IDs.
const (
	PlatformCommissionID = "commission"
	ExternalGatewayID    = "gateway"
	ExternalPayoutID     = "payout"
)

// Account addresses one balance in the ledger.
type Account struct {
	Kind AccountKind `json:"kind"`
	ID   string      `json:"id"`
}

func (a Account) String() string {
	return fmt.Sprintf("%s:%s", a.Kind, a.ID)
}

// Stored reports whether the account has a persisted balance.
func (a Account) Stored() bool {
	return a.Kind != AccountExternal
}

// UserAccount addresses a user's point balance.
func UserAccount(id string) *Account { return &Account{Kind: AccountUser, ID: id} }

// FloristAccount addresses a florist's withdrawable balance.
func FloristAccount(id string) *Account { return &Account{Kind: AccountFlorist, ID: id} }

// ProjectAccount addresses a project's collected pool.
func ProjectAccount(id string) *Account { return &Account{Kind: AccountProject, ID: id} }

// CommissionAccount addresses the platform commission ledger.
func CommissionAccount() *Account {
	return &Account{Kind: AccountPlatform, ID: PlatformCommissionID}
}

// ExternalAccount stands in for a missing side of a transfer.
func ExternalAccount(id string) Account {
	return Account{Kind: AccountExternal, ID: id}
}
