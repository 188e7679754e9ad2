package models

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// BlockchainService represents a service that interacts with a blockchain.
// Writes are signed by the backend funding key.
type BlockchainService interface {
	// Deploy broadcasts a contract-creation transaction and returns its hash.
	Deploy(ctx context.Context, kind ContractKind, value *big.Int, args ...interface{}) (common.Hash, error)
	// Transact broadcasts a call to a state-changing contract method.
	Transact(ctx context.Context, kind ContractKind, contract common.Address, method string, args ...interface{}) (common.Hash, error)
	// Call runs a read-only eth_call from the funding address.
	Call(ctx context.Context, kind ContractKind, contract common.Address, method string, args ...interface{}) ([]interface{}, error)
	// TransactionReceipt returns ErrNotMined while the transaction is pending.
	TransactionReceipt(ctx context.Context, hash common.Hash) (*types.Receipt, error)
	// GetTransfer returns the value transfer of a mined transaction, or ErrNotMined.
	GetTransfer(ctx context.Context, hash common.Hash) (*Transfer, error)
}

// Transfer is the value-moving part of a mined transaction.
type Transfer struct {
	Hash        common.Hash
	From        common.Address
	To          *common.Address
	Value       *big.Int
	Status      uint64
	BlockNumber uint64
}
