package deploy

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/blockspeak/orchestrator/internal/blockchain"
	"github.com/blockspeak/orchestrator/internal/metrics"
	"github.com/blockspeak/orchestrator/internal/models"
	"github.com/blockspeak/orchestrator/pkg/logger"
	"github.com/blockspeak/orchestrator/pkg/validation"
)

// DeployResult identifies a mined deployment.
type DeployResult struct {
	Address common.Address
	TxHash  common.Hash
}

// Gateway deploys and manages contracts on behalf of wallets. Every
// transaction is funded and signed by the backend key.
type Gateway struct {
	logger   *logger.Logger
	chain    models.BlockchainService
	registry models.ContractRegistry
	notifier models.NotificationService
	wait     blockchain.PollPolicy
}

func NewGateway(chain models.BlockchainService, registry models.ContractRegistry, notifier models.NotificationService, wait blockchain.PollPolicy, logger *logger.Logger) *Gateway {
	return &Gateway{
		logger:   logger,
		chain:    chain,
		registry: registry,
		notifier: notifier,
		wait:     wait,
	}
}

// Deploy creates a contract of the given kind and waits for it to be mined.
// When the wait runs out the returned error is ErrOutcomeUnknown and the
// result still carries the transaction hash.
func (g *Gateway) Deploy(ctx context.Context, kind models.ContractKind, params models.ContractParams) (*DeployResult, error) {
	value, args, err := constructorArgs(kind, params)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	hash, err := g.chain.Deploy(ctx, kind, value, args...)
	if err != nil {
		metrics.RecordChainWrite("deploy_"+string(kind), blockchain.Outcome(err), time.Since(start))
		return nil, fmt.Errorf("failed to deploy %s: %w", kind, err)
	}
	g.logger.Info("Deployment submitted", "kind", kind, "tx", hash.Hex())

	result := &DeployResult{TxHash: hash}
	receipt, err := blockchain.WaitMined(ctx, g.chain, hash, g.wait)
	metrics.RecordChainWrite("deploy_"+string(kind), blockchain.Outcome(err), time.Since(start))
	if err != nil {
		return result, err
	}
	address, err := contractAddress(receipt, hash)
	if err != nil {
		return result, err
	}

	result.Address = address
	g.logger.Info("Deployment mined", "kind", kind, "address", result.Address.Hex(), "block", receipt.BlockNumber)
	return result, nil
}

// CreateRecurringPayment deploys a recurring payment funded with its
// amount and registers it to owner.
func (g *Gateway) CreateRecurringPayment(ctx context.Context, owner string, params models.ContractParams) (*models.ContractInstance, *DeployResult, error) {
	params.Name, params.Description = "", ""
	return g.create(ctx, owner, models.KindRecurringPayment, params)
}

// CreateDAO deploys a DAO and registers it to owner.
func (g *Gateway) CreateDAO(ctx context.Context, owner, name, description string) (*models.ContractInstance, *DeployResult, error) {
	return g.create(ctx, owner, models.KindDAO, models.ContractParams{Name: name, Description: description})
}

func (g *Gateway) create(ctx context.Context, owner string, kind models.ContractKind, params models.ContractParams) (*models.ContractInstance, *DeployResult, error) {
	result, err := g.Deploy(ctx, kind, params)
	if errors.Is(err, models.ErrOutcomeUnknown) {
		g.deferRegistration(ctx, owner, kind, result.TxHash, params)
		return nil, result, err
	}
	if err != nil {
		return nil, result, err
	}

	address := validation.NormalizeAddress(result.Address.Hex())
	txHash := strings.ToLower(result.TxHash.Hex())
	id, err := g.registry.Record(ctx, owner, kind, address, txHash, params)
	if err != nil {
		g.alert(ctx, fmt.Sprintf("Contract %s (%s) deployed for %s but not registered: %v", address, kind, owner, err))
		return nil, result, fmt.Errorf("failed to register contract: %w", err)
	}

	return &models.ContractInstance{
		ID:              id,
		Address:         address,
		Kind:            kind,
		Owner:           strings.ToLower(owner),
		TxHash:          txHash,
		Status:          models.ContractActive,
		Recipient:       params.Recipient,
		AmountWei:       params.AmountWei,
		IntervalSeconds: params.IntervalSeconds,
		Name:            params.Name,
		Description:     params.Description,
		CreatedAt:       time.Now(),
	}, result, nil
}

// CancelRecurringPayment calls cancel() on a recurring payment owned by owner.
func (g *Gateway) CancelRecurringPayment(ctx context.Context, owner, address string) (common.Hash, error) {
	instance, err := g.registry.GetContract(ctx, address)
	if err != nil {
		return common.Hash{}, err
	}
	if instance.Owner != strings.ToLower(owner) {
		return common.Hash{}, models.ErrNotFound
	}
	if instance.Kind != models.KindRecurringPayment || instance.Status != models.ContractActive {
		return common.Hash{}, fmt.Errorf("%w: contract %s cannot be cancelled", models.ErrStateConflict, instance.Address)
	}

	start := time.Now()
	hash, err := g.chain.Transact(ctx, models.KindRecurringPayment, common.HexToAddress(instance.Address), "cancel")
	if err != nil {
		metrics.RecordChainWrite("cancel_recurring_payment", blockchain.Outcome(err), time.Since(start))
		return common.Hash{}, fmt.Errorf("failed to cancel %s: %w", instance.Address, err)
	}

	_, err = blockchain.WaitMined(ctx, g.chain, hash, g.wait)
	metrics.RecordChainWrite("cancel_recurring_payment", blockchain.Outcome(err), time.Since(start))
	if err != nil {
		if errors.Is(err, models.ErrOutcomeUnknown) {
			g.alert(ctx, fmt.Sprintf("Cancel of %s (tx %s) not mined within the wait bound.", instance.Address, hash.Hex()))
		}
		return hash, err
	}

	if err := g.registry.MarkCancelled(ctx, instance.Address); err != nil {
		return hash, err
	}
	g.logger.Info("Recurring payment cancelled", "address", instance.Address, "owner", instance.Owner, "tx", hash.Hex())
	return hash, nil
}

// ListContracts returns the contracts registered to owner, newest first.
// Deployments of owner still awaiting a receipt are checked first.
func (g *Gateway) ListContracts(ctx context.Context, owner string) ([]*models.ContractInstance, error) {
	owner = strings.ToLower(owner)
	if _, err := g.ReconcilePending(ctx, owner); err != nil {
		g.logger.Warn("Failed to reconcile pending deployments", "owner", owner, "error", err)
	}
	return g.registry.ListByOwner(ctx, owner)
}

// deferRegistration keeps a deployment whose wait ran out so that
// ReconcilePending registers it once mined.
func (g *Gateway) deferRegistration(ctx context.Context, owner string, kind models.ContractKind, hash common.Hash, params models.ContractParams) {
	ctx = context.WithoutCancel(ctx)
	if err := g.registry.RecordPending(ctx, owner, kind, strings.ToLower(hash.Hex()), params); err != nil {
		g.alert(ctx, fmt.Sprintf("Deployment of %s %s for %s not mined and not recorded for reconciliation: %v", kind, hash.Hex(), owner, err))
		return
	}
	g.logger.Warn("Deployment not mined within the wait bound, will reconcile", "kind", kind, "owner", owner, "tx", hash.Hex())
}

// ReconcilePending checks the receipts of deployments that were not mined
// within the wait bound. Mined ones are registered, reverted ones dropped.
// An empty owner reconciles every wallet. It returns how many were registered.
func (g *Gateway) ReconcilePending(ctx context.Context, owner string) (int, error) {
	pending, err := g.registry.ListPending(ctx, owner)
	if err != nil {
		return 0, err
	}

	registered := 0
	for _, p := range pending {
		hash := common.HexToHash(p.TxHash)
		receipt, err := g.chain.TransactionReceipt(ctx, hash)
		switch {
		case errors.Is(err, models.ErrNotMined), errors.Is(err, models.ErrChainTransient):
			continue
		case err != nil:
			return registered, err
		}

		address, err := contractAddress(receipt, hash)
		if err != nil {
			if dropErr := g.registry.DropPending(ctx, p.TxHash); dropErr != nil {
				return registered, dropErr
			}
			g.alert(ctx, fmt.Sprintf("Deployment of %s %s for %s failed on chain: %v", p.Kind, p.TxHash, p.Owner, err))
			continue
		}

		id, err := g.registry.ResolvePending(ctx, p.TxHash, validation.NormalizeAddress(address.Hex()))
		if err != nil {
			return registered, err
		}
		registered++
		g.logger.Info("Pending deployment registered", "kind", p.Kind, "owner", p.Owner, "address", address.Hex(), "id", id, "tx", p.TxHash)
	}
	return registered, nil
}

// WatchPending reconciles pending deployments of every wallet on each tick
// until ctx is done.
func (g *Gateway) WatchPending(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if _, err := g.ReconcilePending(ctx, ""); err != nil && ctx.Err() == nil {
				g.logger.Error("Failed to reconcile pending deployments", "error", err)
			}
		case <-ctx.Done():
			return
		}
	}
}

func contractAddress(receipt *types.Receipt, hash common.Hash) (common.Address, error) {
	if receipt.Status != types.ReceiptStatusSuccessful {
		return common.Address{}, &models.TxError{Kind: models.ErrChainRejected, TxHash: hash.Hex(), Reason: "deployment reverted"}
	}
	if receipt.ContractAddress == (common.Address{}) {
		return common.Address{}, &models.TxError{Kind: models.ErrChainRejected, TxHash: hash.Hex(), Reason: "receipt has no contract address"}
	}
	return receipt.ContractAddress, nil
}

func (g *Gateway) alert(ctx context.Context, message string) {
	g.logger.Warn(message)
	if g.notifier != nil {
		g.notifier.Notify(context.WithoutCancel(ctx), message)
	}
}

func constructorArgs(kind models.ContractKind, params models.ContractParams) (*big.Int, []interface{}, error) {
	switch kind {
	case models.KindRecurringPayment:
		if !common.IsHexAddress(params.Recipient) {
			return nil, nil, fmt.Errorf("%w: invalid recipient %q", models.ErrChainRejected, params.Recipient)
		}
		amount, ok := new(big.Int).SetString(params.AmountWei, 10)
		if !ok || amount.Sign() <= 0 {
			return nil, nil, fmt.Errorf("%w: amount must be positive", models.ErrChainRejected)
		}
		if params.IntervalSeconds < 0 {
			return nil, nil, fmt.Errorf("%w: interval must not be negative", models.ErrChainRejected)
		}
		return amount, []interface{}{common.HexToAddress(params.Recipient), amount, big.NewInt(params.IntervalSeconds)}, nil

	case models.KindDAO:
		if strings.TrimSpace(params.Name) == "" {
			return nil, nil, fmt.Errorf("%w: DAO name is required", models.ErrChainRejected)
		}
		return nil, []interface{}{params.Name, params.Description}, nil

	default:
		return nil, nil, fmt.Errorf("%w: unknown contract kind %q", models.ErrChainRejected, kind)
	}
}
