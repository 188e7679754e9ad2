package payment

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/blockspeak/orchestrator/internal/models"
)

// memRepo is an in-memory SubscriptionRepository with the same claim and
// confirm semantics as the postgres one.
type memRepo struct {
	mu       sync.Mutex
	subs     map[string]models.Subscription
	payments map[string]models.PaymentRecord
}

func newMemRepo() *memRepo {
	return &memRepo{subs: map[string]models.Subscription{}, payments: map[string]models.PaymentRecord{}}
}

func (m *memRepo) GetSubscription(_ context.Context, address string) (*models.Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sub, ok := m.subs[address]
	if !ok {
		return &models.Subscription{Address: address, Status: models.StatusFree, Plan: models.PlanFree}, nil
	}
	return &sub, nil
}

func (m *memRepo) SaveSubscription(_ context.Context, sub *models.Subscription) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.subs[sub.Address] = *sub
	return nil
}

func (m *memRepo) ClaimPayment(_ context.Context, rec *models.PaymentRecord) (*models.PaymentRecord, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.payments[rec.Reference]; ok {
		return &existing, false, nil
	}
	rec.CreatedAt = time.Now()
	m.payments[rec.Reference] = *rec
	return rec, true, nil
}

func (m *memRepo) GetPayment(_ context.Context, ref string) (*models.PaymentRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.payments[ref]
	if !ok {
		return nil, models.ErrNotFound
	}
	return &rec, nil
}

func (m *memRepo) UpdatePayment(_ context.Context, ref string, status models.PaymentStatus, amountWei, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.payments[ref]
	if !ok || rec.Status == models.PaymentConfirmed {
		return models.ErrNotFound
	}
	rec.Status, rec.AmountWei, rec.Reason = status, amountWei, reason
	m.payments[ref] = rec
	return nil
}

func (m *memRepo) ConfirmPayment(_ context.Context, ref, amountWei string, sub *models.Subscription) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.payments[ref]
	if !ok {
		return models.ErrNotFound
	}
	switch rec.Status {
	case models.PaymentConfirmed:
		return models.ErrDuplicatePayment
	case models.PaymentRejected:
		return models.ErrStateConflict
	}
	rec.Status, rec.AmountWei, rec.Reason = models.PaymentConfirmed, amountWei, ""
	m.payments[ref] = rec
	m.subs[sub.Address] = *sub
	return nil
}

func (m *memRepo) ListPayments(_ context.Context, rail models.Rail, statuses ...models.PaymentStatus) ([]*models.PaymentRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.PaymentRecord
	for _, rec := range m.payments {
		if rec.Rail != rail {
			continue
		}
		for _, s := range statuses {
			if rec.Status == s {
				copied := rec
				out = append(out, &copied)
			}
		}
	}
	return out, nil
}

func (m *memRepo) ListLapsed(_ context.Context, now time.Time) ([]*models.Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.Subscription
	for _, sub := range m.subs {
		if sub.Status == models.StatusActive && !now.Before(sub.ExpiresAt) {
			copied := sub
			out = append(out, &copied)
		}
	}
	return out, nil
}

func (m *memRepo) payment(ref string) models.PaymentRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.payments[ref]
}

// transferChain serves GetTransfer from a fixed set of mined transfers.
type transferChain struct {
	mu        sync.Mutex
	transfers map[common.Hash]*models.Transfer
	lookups   int
}

func (c *transferChain) add(hash string, from, to common.Address, wei *big.Int, status uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.transfers == nil {
		c.transfers = map[common.Hash]*models.Transfer{}
	}
	h := common.HexToHash(hash)
	c.transfers[h] = &models.Transfer{Hash: h, From: from, To: &to, Value: wei, Status: status, BlockNumber: 1}
}

func (c *transferChain) GetTransfer(_ context.Context, hash common.Hash) (*models.Transfer, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lookups++
	t, ok := c.transfers[hash]
	if !ok {
		return nil, models.ErrNotMined
	}
	return t, nil
}

func (c *transferChain) Deploy(context.Context, models.ContractKind, *big.Int, ...interface{}) (common.Hash, error) {
	return common.Hash{}, errors.New("not used")
}

func (c *transferChain) Transact(context.Context, models.ContractKind, common.Address, string, ...interface{}) (common.Hash, error) {
	return common.Hash{}, errors.New("not used")
}

func (c *transferChain) Call(context.Context, models.ContractKind, common.Address, string, ...interface{}) ([]interface{}, error) {
	return nil, errors.New("not used")
}

func (c *transferChain) TransactionReceipt(context.Context, common.Hash) (*types.Receipt, error) {
	return nil, errors.New("not used")
}

// gatedChain holds every lookup until release is called.
type gatedChain struct {
	transferChain
	gate chan struct{}
	once sync.Once
}

func newGatedChain() *gatedChain {
	return &gatedChain{gate: make(chan struct{})}
}

func (c *gatedChain) release() {
	c.once.Do(func() { close(c.gate) })
}

func (c *gatedChain) GetTransfer(ctx context.Context, hash common.Hash) (*models.Transfer, error) {
	select {
	case <-c.gate:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return c.transferChain.GetTransfer(ctx, hash)
}

// fakeProvider is a custodial rail that trusts its payloads.
type fakeProvider struct {
	next   int
	events map[string]Event
}

func (p *fakeProvider) CreateCheckout(_ context.Context, address string, plan models.Plan) (*Checkout, error) {
	p.next++
	id := "cs_test_" + string(rune('A'+p.next))
	return &Checkout{SessionID: id, URL: "https://checkout.stripe.test/" + id}, nil
}

func (p *fakeProvider) ParseEvent(payload []byte, signature string) (Event, error) {
	if signature != "valid" {
		return nil, errors.New("bad signature")
	}
	return p.events[string(payload)], nil
}
