package blockchain

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
)

// AccountNonce is the transaction sequence number of the funding account.
// It has nothing to do with the login challenge nonce in package auth.
type AccountNonce uint64

// NonceSource reports the next account nonce the node expects.
type NonceSource interface {
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
}

// Funder owns the backend funding key. It is a singleton credential, so
// every transaction it signs takes the next account nonce under one lock.
type Funder struct {
	key     *ecdsa.PrivateKey
	address common.Address
	signer  types.Signer

	mu     sync.Mutex
	next   AccountNonce
	synced bool
}

func NewFunder(key *ecdsa.PrivateKey, chainID *big.Int) *Funder {
	return &Funder{
		key:     key,
		address: crypto.PubkeyToAddress(key.PublicKey),
		signer:  types.LatestSignerForChainID(chainID),
	}
}

// Address is the funding account.
func (f *Funder) Address() common.Address {
	return f.address
}

// Sign signs a transaction with the funding key.
func (f *Funder) Sign(tx *types.Transaction) (*types.Transaction, error) {
	signed, err := types.SignTx(tx, f.signer, f.key)
	if err != nil {
		return nil, fmt.Errorf("failed to sign transaction: %w", err)
	}
	return signed, nil
}

// WithNonce runs send with the next account nonce. The nonce is consumed
// only when send succeeds; on failure the counter is resynced from the
// node on the next call, since a partially broadcast transaction may or may
// not have taken the slot.
func (f *Funder) WithNonce(ctx context.Context, src NonceSource, send func(nonce AccountNonce) error) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if !f.synced {
		pending, err := src.PendingNonceAt(ctx, f.address)
		if err != nil {
			return fmt.Errorf("failed to fetch funder account nonce: %w", err)
		}
		f.next = AccountNonce(pending)
		f.synced = true
	}

	if err := send(f.next); err != nil {
		f.synced = false
		return err
	}
	f.next++
	return nil
}
