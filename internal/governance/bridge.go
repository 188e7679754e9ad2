package governance

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/blockspeak/orchestrator/internal/blockchain"
	"github.com/blockspeak/orchestrator/internal/metrics"
	"github.com/blockspeak/orchestrator/internal/models"
	"github.com/blockspeak/orchestrator/pkg/logger"
)

// maxProposals bounds the proposal enumeration of one DAO.
const maxProposals = 256

// Registry resolves DAO addresses to registered instances.
type Registry interface {
	GetContract(ctx context.Context, address string) (*models.ContractInstance, error)
}

// Bridge relays DAO actions of authenticated wallets. Writes are signed by
// the backend funding key, which deployed the DAO and is its relayer; the
// member address is passed to the contract, which enforces membership and
// one vote per member.
type Bridge struct {
	logger   *logger.Logger
	chain    models.BlockchainService
	registry Registry
	wait     blockchain.PollPolicy
}

func NewBridge(chain models.BlockchainService, registry Registry, wait blockchain.PollPolicy, logger *logger.Logger) *Bridge {
	return &Bridge{
		logger:   logger,
		chain:    chain,
		registry: registry,
		wait:     wait,
	}
}

// Join adds member to the DAO.
func (b *Bridge) Join(ctx context.Context, dao, member string) (common.Hash, error) {
	contract, wallet, err := b.resolve(ctx, dao, member)
	if err != nil {
		return common.Hash{}, err
	}
	return b.write(ctx, "joinFor", contract, wallet)
}

// Propose submits a proposal and returns its id as reported by the preflight call.
func (b *Bridge) Propose(ctx context.Context, dao, member, description string) (uint64, common.Hash, error) {
	if strings.TrimSpace(description) == "" {
		return 0, common.Hash{}, fmt.Errorf("%w: description is required", models.ErrChainRejected)
	}
	contract, wallet, err := b.resolve(ctx, dao, member)
	if err != nil {
		return 0, common.Hash{}, err
	}

	out, err := b.chain.Call(ctx, models.KindDAO, contract, "proposeFor", wallet, description)
	if err != nil {
		return 0, common.Hash{}, mapRevert(err)
	}
	id, err := uint64Out(out, 0)
	if err != nil {
		return 0, common.Hash{}, err
	}

	hash, err := b.submit(ctx, "proposeFor", contract, wallet, description)
	if err != nil {
		return id, hash, err
	}
	return id, hash, nil
}

// Vote records member's choice on a proposal.
func (b *Bridge) Vote(ctx context.Context, dao, member string, proposalID uint64, support bool) (common.Hash, error) {
	contract, wallet, err := b.resolve(ctx, dao, member)
	if err != nil {
		return common.Hash{}, err
	}
	return b.write(ctx, "voteFor", contract, wallet, new(big.Int).SetUint64(proposalID), support)
}

// ListProposals reads proposals 1, 2, ... until an empty slot or a revert.
func (b *Bridge) ListProposals(ctx context.Context, dao string) ([]models.Proposal, error) {
	contract, err := b.lookup(ctx, dao)
	if err != nil {
		return nil, err
	}

	proposals := []models.Proposal{}
	for id := uint64(1); id <= maxProposals; id++ {
		out, err := b.chain.Call(ctx, models.KindDAO, contract, "proposals", new(big.Int).SetUint64(id))
		if err != nil {
			if errors.Is(err, models.ErrChainRejected) {
				break
			}
			return nil, fmt.Errorf("failed to read proposal %d: %w", id, err)
		}
		p, err := decodeProposal(id, out)
		if err != nil {
			return nil, err
		}
		if p.Proposer == "" {
			break
		}
		proposals = append(proposals, p)
	}
	return proposals, nil
}

func (b *Bridge) resolve(ctx context.Context, dao, member string) (common.Address, common.Address, error) {
	if !common.IsHexAddress(member) {
		return common.Address{}, common.Address{}, fmt.Errorf("%w: invalid member address", models.ErrAuthInvalid)
	}
	contract, err := b.lookup(ctx, dao)
	if err != nil {
		return common.Address{}, common.Address{}, err
	}
	return contract, common.HexToAddress(member), nil
}

func (b *Bridge) lookup(ctx context.Context, dao string) (common.Address, error) {
	if !common.IsHexAddress(dao) {
		return common.Address{}, fmt.Errorf("%w: invalid DAO address", models.ErrNotFound)
	}
	instance, err := b.registry.GetContract(ctx, dao)
	if err != nil {
		return common.Address{}, err
	}
	if instance.Kind != models.KindDAO {
		return common.Address{}, fmt.Errorf("%w: %s is not a DAO", models.ErrNotFound, dao)
	}
	return common.HexToAddress(instance.Address), nil
}

// write runs the preflight call, so a revert surfaces with its reason
// before anything is broadcast, then submits. The member is the first
// argument of every relayed method.
func (b *Bridge) write(ctx context.Context, method string, contract, member common.Address, args ...interface{}) (common.Hash, error) {
	callArgs := append([]interface{}{member}, args...)
	if _, err := b.chain.Call(ctx, models.KindDAO, contract, method, callArgs...); err != nil {
		return common.Hash{}, mapRevert(err)
	}
	return b.submit(ctx, method, contract, member, args...)
}

func (b *Bridge) submit(ctx context.Context, method string, contract, member common.Address, args ...interface{}) (common.Hash, error) {
	start := time.Now()
	hash, err := b.chain.Transact(ctx, models.KindDAO, contract, method, append([]interface{}{member}, args...)...)
	if err != nil {
		metrics.RecordChainWrite("dao_"+method, blockchain.Outcome(err), time.Since(start))
		return common.Hash{}, mapRevert(err)
	}

	_, err = blockchain.WaitMined(ctx, b.chain, hash, b.wait)
	metrics.RecordChainWrite("dao_"+method, blockchain.Outcome(err), time.Since(start))
	b.logger.Info("DAO action", "method", method, "dao", contract.Hex(), "member", strings.ToLower(member.Hex()), "tx", hash.Hex(), "outcome", blockchain.Outcome(err))
	if err != nil {
		return hash, mapRevert(err)
	}
	return hash, nil
}

// mapRevert turns a contract revert reason into the DAO error kinds.
func mapRevert(err error) error {
	if err == nil || !errors.Is(err, models.ErrChainRejected) {
		return err
	}
	var txErr *models.TxError
	if !errors.As(err, &txErr) {
		return err
	}

	reason := strings.ToLower(txErr.Reason)
	switch {
	case strings.Contains(reason, "already voted"):
		return wrapReason(models.ErrDuplicateVote, txErr)
	case strings.Contains(reason, "already a member"):
		return wrapReason(models.ErrStateConflict, txErr)
	case strings.Contains(reason, "not a member"), strings.Contains(reason, "only members"):
		return wrapReason(models.ErrNotAMember, txErr)
	case strings.Contains(reason, "not active"), strings.Contains(reason, "closed"), strings.Contains(reason, "ended"):
		return wrapReason(models.ErrProposalClosed, txErr)
	default:
		return err
	}
}

func wrapReason(kind error, txErr *models.TxError) error {
	return &models.TxError{Kind: kind, TxHash: txErr.TxHash, Reason: txErr.Reason}
}

func decodeProposal(id uint64, out []interface{}) (models.Proposal, error) {
	if len(out) != 5 {
		return models.Proposal{}, fmt.Errorf("unexpected proposals() output: %d values", len(out))
	}
	description, ok1 := out[0].(string)
	proposer, ok2 := out[1].(common.Address)
	active, ok3 := out[4].(bool)
	if !ok1 || !ok2 || !ok3 {
		return models.Proposal{}, fmt.Errorf("unexpected proposals() output types")
	}
	yes, err := uint64Out(out, 2)
	if err != nil {
		return models.Proposal{}, err
	}
	no, err := uint64Out(out, 3)
	if err != nil {
		return models.Proposal{}, err
	}

	p := models.Proposal{
		ID:          id,
		Description: description,
		YesVotes:    yes,
		NoVotes:     no,
		Active:      active,
	}
	if proposer != (common.Address{}) {
		p.Proposer = strings.ToLower(proposer.Hex())
	}
	return p, nil
}

func uint64Out(out []interface{}, idx int) (uint64, error) {
	if idx >= len(out) {
		return 0, fmt.Errorf("missing output %d", idx)
	}
	v, ok := out[idx].(*big.Int)
	if !ok || !v.IsUint64() {
		return 0, fmt.Errorf("output %d is not a uint64", idx)
	}
	return v.Uint64(), nil
}
