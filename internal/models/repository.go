package models

import (
	"context"
	"time"
)

// ContractRegistry records which contract instances belong to which wallet.
type ContractRegistry interface {
	// Record is idempotent on (owner, address).
	Record(ctx context.Context, owner string, kind ContractKind, address, txHash string, params ContractParams) (int64, error)
	ListByOwner(ctx context.Context, owner string) ([]*ContractInstance, error)
	GetContract(ctx context.Context, address string) (*ContractInstance, error)
	MarkCancelled(ctx context.Context, address string) error

	// RecordPending is idempotent on the transaction hash.
	RecordPending(ctx context.Context, owner string, kind ContractKind, txHash string, params ContractParams) error
	// ListPending returns unresolved deployments of owner, or of every owner when owner is empty.
	ListPending(ctx context.Context, owner string) ([]*PendingDeployment, error)
	// ResolvePending registers the mined contract and drops the pending entry in one step.
	ResolvePending(ctx context.Context, txHash, address string) (int64, error)
	// DropPending forgets a deployment that will never produce a contract.
	DropPending(ctx context.Context, txHash string) error
}

// SubscriptionRepository persists subscriptions and claimed payment references.
type SubscriptionRepository interface {
	// GetSubscription returns a free subscription when the wallet has none.
	GetSubscription(ctx context.Context, address string) (*Subscription, error)
	SaveSubscription(ctx context.Context, sub *Subscription) error

	// ClaimPayment inserts the record unless the reference exists, in which
	// case the existing record is returned with created=false.
	ClaimPayment(ctx context.Context, record *PaymentRecord) (existing *PaymentRecord, created bool, err error)
	GetPayment(ctx context.Context, reference string) (*PaymentRecord, error)
	UpdatePayment(ctx context.Context, reference string, status PaymentStatus, amountWei, reason string) error
	// ConfirmPayment atomically moves an unconfirmed payment to confirmed and
	// saves the subscription. A payment that is already confirmed yields ErrDuplicatePayment.
	ConfirmPayment(ctx context.Context, reference, amountWei string, sub *Subscription) error
	ListPayments(ctx context.Context, rail Rail, statuses ...PaymentStatus) ([]*PaymentRecord, error)
	ListLapsed(ctx context.Context, now time.Time) ([]*Subscription, error)
}

type Repository interface {
	ContractRegistry
	SubscriptionRepository
	Close() error
}
