package models

import "time"

// SubscriptionStatus is the state of a wallet's subscription state machine.
type SubscriptionStatus string

const (
	StatusFree           SubscriptionStatus = "free"
	StatusPendingPayment SubscriptionStatus = "pending_payment"
	StatusActive         SubscriptionStatus = "active"
)

// Rail is the payment path used to pay for a plan.
type Rail string

const (
	RailCustodial    Rail = "custodial"
	RailNonCustodial Rail = "non_custodial"
)

// Subscription is the per-wallet entitlement. Only the payment reconciler writes it.
type Subscription struct {
	// Address is the wallet, lowercase 0x hex.
	Address string `json:"address" gorm:"column:address;primaryKey;size:42"`
	// Status is free, pending_payment or active.
	Status SubscriptionStatus `json:"status" gorm:"column:status;size:24;not null"`
	// Plan is the plan currently paid for. Meaningful while ExpiresAt is in the future.
	Plan Plan `json:"plan" gorm:"column:plan;size:16;not null"`
	// PendingPlan, PendingRail and PendingReference describe the payment being reconciled.
	PendingPlan      Plan   `json:"pending_plan,omitempty" gorm:"column:pending_plan;size:16"`
	PendingRail      Rail   `json:"pending_rail,omitempty" gorm:"column:pending_rail;size:16"`
	PendingReference string `json:"pending_reference,omitempty" gorm:"column:pending_reference;size:255"`
	// ExpiresAt is the end of the paid period, zero when never paid.
	ExpiresAt time.Time `json:"expires_at" gorm:"column:expires_at;index"`
	// UpdatedAt is the time of the last transition.
	UpdatedAt time.Time `json:"updated_at" gorm:"column:updated_at"`
}

// TableName specifies the table name for GORM
func (Subscription) TableName() string {
	return "subscriptions"
}

// Tier returns the plan the wallet is entitled to at the given time.
func (s *Subscription) Tier(now time.Time) Plan {
	if s == nil || !s.Plan.Paid() || !now.Before(s.ExpiresAt) {
		return PlanFree
	}
	if s.Status == StatusActive || s.Status == StatusPendingPayment {
		return s.Plan
	}
	return PlanFree
}

// PaymentStatus is the verification outcome of one payment reference.
type PaymentStatus string

const (
	PaymentPending   PaymentStatus = "pending"
	PaymentConfirmed PaymentStatus = "confirmed"
	PaymentRejected  PaymentStatus = "rejected"
	PaymentTimeout   PaymentStatus = "timeout"
)

// PaymentRecord claims a payment reference (tx hash or checkout session id)
// for one wallet. The unique reference enforces one payment, one entitlement.
type PaymentRecord struct {
	ID        int64         `json:"id" gorm:"column:id;primaryKey;autoIncrement"`
	Reference string        `json:"reference" gorm:"column:reference;size:255;uniqueIndex;not null"`
	Rail      Rail          `json:"rail" gorm:"column:rail;size:16;not null"`
	Address   string        `json:"address" gorm:"column:address;size:42;index;not null"`
	Plan      Plan          `json:"plan" gorm:"column:plan;size:16;not null"`
	Status    PaymentStatus `json:"status" gorm:"column:status;size:16;index;not null"`
	// AmountWei is the value observed on chain for non-custodial payments.
	AmountWei string    `json:"amount_wei,omitempty" gorm:"column:amount_wei"`
	Reason    string    `json:"reason,omitempty" gorm:"column:reason"`
	CreatedAt time.Time `json:"created_at" gorm:"column:created_at"`
	UpdatedAt time.Time `json:"updated_at" gorm:"column:updated_at"`
}

// TableName specifies the table name for GORM
func (PaymentRecord) TableName() string {
	return "payments"
}
