package models

import "time"

// Plan is a subscription tier.
type Plan string

const (
	PlanFree  Plan = "free"
	PlanBasic Plan = "basic"
	PlanPro   Plan = "pro"
)

// Paid reports whether the plan is one a wallet pays for.
func (p Plan) Paid() bool {
	return p == PlanBasic || p == PlanPro
}

// ParsePlan accepts only the paid plans a user may request.
func ParsePlan(s string) (Plan, error) {
	switch p := Plan(s); p {
	case PlanBasic, PlanPro:
		return p, nil
	default:
		return "", ErrInvalidPlan
	}
}

// Session binds an authenticated wallet to backend request context.
type Session struct {
	// ID is the server-side session identifier carried in the token.
	ID string `json:"-"`
	// Address is the wallet (externally-owned account) that logged in, lowercase 0x hex.
	Address string `json:"address"`
	// Tier is the wallet's entitlement at the last refresh.
	Tier Plan `json:"tier"`
	// CreatedAt is when the login succeeded.
	CreatedAt time.Time `json:"created_at"`
	// ExpiresAt is when the session stops being accepted.
	ExpiresAt time.Time `json:"expires_at"`
}
