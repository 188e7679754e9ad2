package http_api

import (
	"context"
	"errors"

	"github.com/ethereum/go-ethereum/common"

	"github.com/blockspeak/orchestrator/internal/deploy"
	"github.com/blockspeak/orchestrator/internal/models"
	"github.com/blockspeak/orchestrator/internal/payment"
)

var errNotStubbed = errors.New("not stubbed")

type fakeContracts struct {
	createRecurring func(owner string, params models.ContractParams) (*models.ContractInstance, *deploy.DeployResult, error)
	createDAO       func(owner, name, description string) (*models.ContractInstance, *deploy.DeployResult, error)
	cancel          func(owner, address string) (common.Hash, error)
	list            func(owner string) ([]*models.ContractInstance, error)
}

func (f *fakeContracts) CreateRecurringPayment(_ context.Context, owner string, params models.ContractParams) (*models.ContractInstance, *deploy.DeployResult, error) {
	if f.createRecurring == nil {
		return nil, nil, errNotStubbed
	}
	return f.createRecurring(owner, params)
}

func (f *fakeContracts) CreateDAO(_ context.Context, owner, name, description string) (*models.ContractInstance, *deploy.DeployResult, error) {
	if f.createDAO == nil {
		return nil, nil, errNotStubbed
	}
	return f.createDAO(owner, name, description)
}

func (f *fakeContracts) CancelRecurringPayment(_ context.Context, owner, address string) (common.Hash, error) {
	if f.cancel == nil {
		return common.Hash{}, errNotStubbed
	}
	return f.cancel(owner, address)
}

func (f *fakeContracts) ListContracts(_ context.Context, owner string) ([]*models.ContractInstance, error) {
	if f.list == nil {
		return nil, nil
	}
	return f.list(owner)
}

type fakeGovernance struct {
	join    func(dao, member string) (common.Hash, error)
	propose func(dao, member, description string) (uint64, common.Hash, error)
	vote    func(dao, member string, id uint64, support bool) (common.Hash, error)
	list    func(dao string) ([]models.Proposal, error)
}

func (f *fakeGovernance) Join(_ context.Context, dao, member string) (common.Hash, error) {
	if f.join == nil {
		return common.Hash{}, errNotStubbed
	}
	return f.join(dao, member)
}

func (f *fakeGovernance) Propose(_ context.Context, dao, member, description string) (uint64, common.Hash, error) {
	if f.propose == nil {
		return 0, common.Hash{}, errNotStubbed
	}
	return f.propose(dao, member, description)
}

func (f *fakeGovernance) Vote(_ context.Context, dao, member string, id uint64, support bool) (common.Hash, error) {
	if f.vote == nil {
		return common.Hash{}, errNotStubbed
	}
	return f.vote(dao, member, id, support)
}

func (f *fakeGovernance) ListProposals(_ context.Context, dao string) ([]models.Proposal, error) {
	if f.list == nil {
		return nil, errNotStubbed
	}
	return f.list(dao)
}

type fakePayments struct {
	tiers    map[string]models.Plan
	submit   func(address, plan, txHash string) (*models.PaymentRecord, error)
	checkout func(address, plan string) (string, error)
	event    func(payload []byte, signature string) error
}

func (f *fakePayments) Tier(_ context.Context, address string) (models.Plan, error) {
	if plan, ok := f.tiers[address]; ok {
		return plan, nil
	}
	return models.PlanFree, nil
}

func (f *fakePayments) Status(ctx context.Context, address string) (*payment.StatusView, error) {
	tier, _ := f.Tier(ctx, address)
	status := models.StatusFree
	if tier.Paid() {
		status = models.StatusActive
	}
	return &payment.StatusView{Address: address, Status: status, Tier: tier}, nil
}

func (f *fakePayments) SubmitEthPayment(_ context.Context, address, plan, txHash string) (*models.PaymentRecord, error) {
	if f.submit == nil {
		return nil, errNotStubbed
	}
	return f.submit(address, plan, txHash)
}

func (f *fakePayments) BeginCheckout(_ context.Context, address, plan string) (string, error) {
	if f.checkout == nil {
		return "", models.ErrRailUnavailable
	}
	return f.checkout(address, plan)
}

func (f *fakePayments) HandleProviderEvent(_ context.Context, payload []byte, signature string) error {
	if f.event == nil {
		return models.ErrRailUnavailable
	}
	return f.event(payload, signature)
}
