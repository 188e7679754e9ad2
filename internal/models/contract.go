package models

import "time"

// ContractKind is the type of on-chain agreement.
type ContractKind string

const (
	KindRecurringPayment ContractKind = "recurring_payment"
	KindDAO              ContractKind = "dao"
)

// ContractStatus tracks the only mutation a ContractInstance allows.
type ContractStatus string

const (
	ContractActive    ContractStatus = "active"
	ContractCancelled ContractStatus = "cancelled"
)

// ContractInstance is one deployed on-chain agreement owned by a wallet.
type ContractInstance struct {
	// ID is the registry identifier.
	ID int64 `json:"id" gorm:"column:id;primaryKey;autoIncrement"`
	// Address is the deployed contract address, lowercase 0x hex. Globally unique.
	Address string `json:"address" gorm:"column:address;size:42;uniqueIndex;not null"`
	// Kind is recurring_payment or dao.
	Kind ContractKind `json:"kind" gorm:"column:kind;size:32;not null"`
	// Owner is the wallet that requested the deployment.
	Owner string `json:"owner" gorm:"column:owner;size:42;index;not null"`
	// TxHash is the creation transaction hash.
	TxHash string `json:"tx_hash" gorm:"column:tx_hash;size:66;not null"`
	// Status is active, or cancelled for recurring payments.
	Status ContractStatus `json:"status" gorm:"column:status;size:16;not null;default:active"`
	// Recipient, AmountWei and IntervalSeconds are set for recurring payments.
	Recipient       string `json:"recipient,omitempty" gorm:"column:recipient;size:42"`
	AmountWei       string `json:"amount_wei,omitempty" gorm:"column:amount_wei"`
	IntervalSeconds int64  `json:"interval_seconds,omitempty" gorm:"column:interval_seconds"`
	// Name and Description are set for DAOs.
	Name        string `json:"name,omitempty" gorm:"column:name"`
	Description string `json:"description,omitempty" gorm:"column:description"`
	// CreatedAt is when the deployment was confirmed.
	CreatedAt time.Time `json:"created_at" gorm:"column:created_at;index"`
}

// TableName specifies the table name for GORM
func (ContractInstance) TableName() string {
	return "contract_instances"
}

// PendingDeployment is a deployment whose wait ran out before it was mined.
// It is registered as a ContractInstance once its receipt shows up.
type PendingDeployment struct {
	ID              int64        `json:"id" gorm:"column:id;primaryKey;autoIncrement"`
	TxHash          string       `json:"tx_hash" gorm:"column:tx_hash;size:66;uniqueIndex;not null"`
	Kind            ContractKind `json:"kind" gorm:"column:kind;size:32;not null"`
	Owner           string       `json:"owner" gorm:"column:owner;size:42;index;not null"`
	Recipient       string       `json:"recipient,omitempty" gorm:"column:recipient;size:42"`
	AmountWei       string       `json:"amount_wei,omitempty" gorm:"column:amount_wei"`
	IntervalSeconds int64        `json:"interval_seconds,omitempty" gorm:"column:interval_seconds"`
	Name            string       `json:"name,omitempty" gorm:"column:name"`
	Description     string       `json:"description,omitempty" gorm:"column:description"`
	CreatedAt       time.Time    `json:"created_at" gorm:"column:created_at"`
}

// TableName specifies the table name for GORM
func (PendingDeployment) TableName() string {
	return "pending_deployments"
}

// Params returns the deployment parameters the instance is registered with.
func (p *PendingDeployment) Params() ContractParams {
	return ContractParams{
		Recipient:       p.Recipient,
		AmountWei:       p.AmountWei,
		IntervalSeconds: p.IntervalSeconds,
		Name:            p.Name,
		Description:     p.Description,
	}
}

// ContractParams holds the kind-specific parameters of a deployment.
type ContractParams struct {
	Recipient       string
	AmountWei       string
	IntervalSeconds int64
	Name            string
	Description     string
}
