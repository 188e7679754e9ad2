package blockchain

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"path/filepath"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"

	"github.com/blockspeak/orchestrator/internal/config"
	"github.com/blockspeak/orchestrator/internal/models"
	"github.com/blockspeak/orchestrator/pkg/logger"
)

const (
	// gasHeadroomDivisor adds 1/5 on top of the node's gas estimate.
	gasHeadroomDivisor = 5
	// retryInitialBackoff is the first pause between retried RPC calls.
	retryInitialBackoff = 250 * time.Millisecond
)

type contractSpec struct {
	abi      abi.ABI
	bytecode []byte
}

// Ethereum is the JSON-RPC gateway to the chain. It signs every write with
// the backend funding key and gives every RPC call a timeout and a bounded
// retry.
type Ethereum struct {
	logger  *logger.Logger
	apiURL  string
	chainID *big.Int
	client  *ethclient.Client
	funder  *Funder

	artifactsDir string
	timeout      time.Duration
	retries      int

	contracts map[models.ContractKind]*contractSpec
}

// NewEthereum creates a new Ethereum instance.
func NewEthereum(cfg *config.Config, funder *Funder, logger *logger.Logger) *Ethereum {
	return &Ethereum{
		logger:       logger,
		apiURL:       cfg.RPCURL,
		chainID:      cfg.ChainID,
		funder:       funder,
		artifactsDir: cfg.ArtifactsDir,
		timeout:      cfg.RPCTimeout,
		retries:      cfg.RPCRetries,
	}
}

func (e *Ethereum) Run(ctx context.Context) error {
	if err := e.ConnectToRPC(ctx); err != nil {
		return fmt.Errorf("failed to connect to the ethereum RPC server: %w", err)
	}
	if err := e.BuildBindings(); err != nil {
		return fmt.Errorf("failed to build bindings: %w", err)
	}
	return nil
}

func (e *Ethereum) ConnectToRPC(ctx context.Context) error {
	client, err := ethclient.DialContext(ctx, e.apiURL)
	if err != nil {
		return fmt.Errorf("failed to connect to the ethereum RPC server: %w", err)
	}

	var chainID *big.Int
	err = e.withRetry(ctx, "eth_chainId", func(ctx context.Context) error {
		var err error
		chainID, err = client.ChainID(ctx)
		return err
	})
	if err != nil {
		client.Close()
		return err
	}
	if chainID.Cmp(e.chainID) != 0 {
		client.Close()
		return fmt.Errorf("node chain id %s does not match configured %s", chainID, e.chainID)
	}

	e.client = client
	return nil
}

// BuildBindings parses the embedded ABIs and, when present, the hardhat
// artifacts that carry creation bytecode. Without an artifact the kind can
// still be called but not deployed.
func (e *Ethereum) BuildBindings() error {
	specs := map[models.ContractKind]struct {
		abiJSON  string
		artifact string
		methods  []string
	}{
		models.KindRecurringPayment: {RecurringPaymentABI, recurringPaymentArtifact, []string{"cancel"}},
		models.KindDAO:              {DAOABI, daoArtifact, daoMethods},
	}

	e.contracts = make(map[models.ContractKind]*contractSpec, len(specs))
	for kind, spec := range specs {
		parsedABI, err := abi.JSON(strings.NewReader(spec.abiJSON))
		if err != nil {
			return fmt.Errorf("failed to parse %s ABI: %w", kind, err)
		}
		cs := &contractSpec{abi: parsedABI}

		artifact, err := LoadArtifact(filepath.Join(e.artifactsDir, spec.artifact))
		switch {
		case err != nil:
			e.logger.Warn("Contract artifact unavailable, deployment disabled", "kind", kind, "error", err)
		case len(artifact.MissingMethods(spec.methods...)) > 0:
			e.logger.Warn("Contract artifact lacks required methods, deployment disabled", "kind", kind, "missing", artifact.MissingMethods(spec.methods...))
		default:
			cs.abi = artifact.ABI
			cs.bytecode = artifact.Bytecode
		}
		e.contracts[kind] = cs
	}
	return nil
}

func (e *Ethereum) Close() error {
	if e.client != nil {
		e.client.Close()
	}
	return nil
}

// Deploy broadcasts a contract-creation transaction.
func (e *Ethereum) Deploy(ctx context.Context, kind models.ContractKind, value *big.Int, args ...interface{}) (common.Hash, error) {
	spec, err := e.contract(kind)
	if err != nil {
		return common.Hash{}, err
	}
	if len(spec.bytecode) == 0 {
		return common.Hash{}, &models.TxError{Kind: models.ErrChainRejected, Reason: fmt.Sprintf("no bytecode for %s", kind)}
	}

	input, err := spec.abi.Pack("", args...)
	if err != nil {
		return common.Hash{}, &models.TxError{Kind: models.ErrChainRejected, Reason: fmt.Sprintf("invalid constructor arguments: %v", err)}
	}
	data := append(append([]byte{}, spec.bytecode...), input...)

	return e.send(ctx, nil, value, data)
}

// Transact broadcasts a call to a state-changing contract method.
func (e *Ethereum) Transact(ctx context.Context, kind models.ContractKind, contract common.Address, method string, args ...interface{}) (common.Hash, error) {
	spec, err := e.contract(kind)
	if err != nil {
		return common.Hash{}, err
	}
	data, err := spec.abi.Pack(method, args...)
	if err != nil {
		return common.Hash{}, &models.TxError{Kind: models.ErrChainRejected, Reason: fmt.Sprintf("invalid %s arguments: %v", method, err)}
	}
	return e.send(ctx, &contract, nil, data)
}

// Call runs a read-only call from the funding address, so the result (or
// revert reason) is what a relayed write would see.
func (e *Ethereum) Call(ctx context.Context, kind models.ContractKind, contract common.Address, method string, args ...interface{}) ([]interface{}, error) {
	spec, err := e.contract(kind)
	if err != nil {
		return nil, err
	}
	bound := bind.NewBoundContract(contract, spec.abi, e.client, e.client, e.client)

	var results []interface{}
	err = e.withRetry(ctx, "eth_call", func(ctx context.Context) error {
		results = nil
		return bound.Call(&bind.CallOpts{Context: ctx, From: e.funder.Address()}, &results, method, args...)
	})
	if err != nil {
		return nil, err
	}
	return results, nil
}

// TransactionReceipt returns models.ErrNotMined while the transaction is pending.
func (e *Ethereum) TransactionReceipt(ctx context.Context, hash common.Hash) (*types.Receipt, error) {
	var receipt *types.Receipt
	err := e.withRetry(ctx, "eth_getTransactionReceipt", func(ctx context.Context) error {
		var err error
		receipt, err = e.client.TransactionReceipt(ctx, hash)
		return err
	})
	if errors.Is(err, ethereum.NotFound) {
		return nil, models.ErrNotMined
	}
	if err != nil {
		return nil, err
	}
	return receipt, nil
}

// GetTransfer returns sender, recipient and value of a mined transaction.
func (e *Ethereum) GetTransfer(ctx context.Context, hash common.Hash) (*models.Transfer, error) {
	receipt, err := e.TransactionReceipt(ctx, hash)
	if err != nil {
		return nil, err
	}

	var tx *types.Transaction
	err = e.withRetry(ctx, "eth_getTransactionByHash", func(ctx context.Context) error {
		var err error
		tx, _, err = e.client.TransactionByHash(ctx, hash)
		return err
	})
	if errors.Is(err, ethereum.NotFound) {
		return nil, models.ErrNotMined
	}
	if err != nil {
		return nil, err
	}

	var from common.Address
	err = e.withRetry(ctx, "sender", func(ctx context.Context) error {
		var err error
		from, err = e.client.TransactionSender(ctx, tx, receipt.BlockHash, receipt.TransactionIndex)
		return err
	})
	if err != nil {
		return nil, err
	}

	return &models.Transfer{
		Hash:        hash,
		From:        from,
		To:          tx.To(),
		Value:       tx.Value(),
		Status:      receipt.Status,
		BlockNumber: receipt.BlockNumber.Uint64(),
	}, nil
}

func (e *Ethereum) contract(kind models.ContractKind) (*contractSpec, error) {
	spec, ok := e.contracts[kind]
	if !ok {
		return nil, fmt.Errorf("unknown contract kind %q", kind)
	}
	return spec, nil
}

// send builds, signs and broadcasts a transaction from the funding account.
// The transaction is signed once; only the broadcast is retried, so a
// retry can never produce a second transaction for the same nonce.
func (e *Ethereum) send(ctx context.Context, to *common.Address, value *big.Int, data []byte) (common.Hash, error) {
	if value == nil {
		value = new(big.Int)
	}

	var hash common.Hash
	err := e.funder.WithNonce(ctx, e.nonceSource(), func(nonce AccountNonce) error {
		tx, err := e.buildTx(ctx, nonce, to, value, data)
		if err != nil {
			return err
		}
		signed, err := e.funder.Sign(tx)
		if err != nil {
			return err
		}

		err = e.withRetry(ctx, "eth_sendRawTransaction", func(ctx context.Context) error {
			err := e.client.SendTransaction(ctx, signed)
			if isAlreadyKnown(err) {
				return nil
			}
			return err
		})
		if err != nil {
			return err
		}

		hash = signed.Hash()
		e.logger.Info("Transaction broadcast", "tx", hash.Hex(), "nonce", uint64(nonce), "to", to)
		return nil
	})
	if err != nil {
		return common.Hash{}, err
	}
	return hash, nil
}

func (e *Ethereum) buildTx(ctx context.Context, nonce AccountNonce, to *common.Address, value *big.Int, data []byte) (*types.Transaction, error) {
	from := e.funder.Address()

	var gas uint64
	err := e.withRetry(ctx, "eth_estimateGas", func(ctx context.Context) error {
		var err error
		gas, err = e.client.EstimateGas(ctx, ethereum.CallMsg{From: from, To: to, Value: value, Data: data})
		return err
	})
	if err != nil {
		return nil, err
	}
	gas += gas / gasHeadroomDivisor

	var head *types.Header
	err = e.withRetry(ctx, "eth_getBlockByNumber", func(ctx context.Context) error {
		var err error
		head, err = e.client.HeaderByNumber(ctx, nil)
		return err
	})
	if err != nil {
		return nil, err
	}

	if head.BaseFee == nil {
		var gasPrice *big.Int
		err = e.withRetry(ctx, "eth_gasPrice", func(ctx context.Context) error {
			var err error
			gasPrice, err = e.client.SuggestGasPrice(ctx)
			return err
		})
		if err != nil {
			return nil, err
		}
		return types.NewTx(&types.LegacyTx{
			Nonce:    uint64(nonce),
			GasPrice: gasPrice,
			Gas:      gas,
			To:       to,
			Value:    value,
			Data:     data,
		}), nil
	}

	var tip *big.Int
	err = e.withRetry(ctx, "eth_maxPriorityFeePerGas", func(ctx context.Context) error {
		var err error
		tip, err = e.client.SuggestGasTipCap(ctx)
		return err
	})
	if err != nil {
		return nil, err
	}
	feeCap := new(big.Int).Add(tip, new(big.Int).Mul(head.BaseFee, big.NewInt(2)))

	return types.NewTx(&types.DynamicFeeTx{
		ChainID:   e.chainID,
		Nonce:     uint64(nonce),
		GasTipCap: tip,
		GasFeeCap: feeCap,
		Gas:       gas,
		To:        to,
		Value:     value,
		Data:      data,
	}), nil
}

func (e *Ethereum) nonceSource() NonceSource {
	return nonceSourceFunc(func(ctx context.Context, account common.Address) (uint64, error) {
		var nonce uint64
		err := e.withRetry(ctx, "eth_getTransactionCount", func(ctx context.Context) error {
			var err error
			nonce, err = e.client.PendingNonceAt(ctx, account)
			return err
		})
		return nonce, err
	})
}

type nonceSourceFunc func(ctx context.Context, account common.Address) (uint64, error)

func (f nonceSourceFunc) PendingNonceAt(ctx context.Context, account common.Address) (uint64, error) {
	return f(ctx, account)
}

// withRetry runs one RPC call with a per-call timeout and retries transient
// failures with exponential backoff. ethereum.NotFound is passed through
// untouched; everything else is classified.
func (e *Ethereum) withRetry(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	return retryRPC(ctx, e.logger, op, e.timeout, e.retries, fn)
}

func retryRPC(ctx context.Context, log *logger.Logger, op string, timeout time.Duration, retries int, fn func(ctx context.Context) error) error {
	backoff := retryInitialBackoff
	for attempt := 0; ; attempt++ {
		callCtx, cancel := context.WithTimeout(ctx, timeout)
		err := fn(callCtx)
		cancel()

		if err == nil || errors.Is(err, ethereum.NotFound) {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}

		classified := classifyError(err)
		if !errors.Is(classified, models.ErrChainTransient) || attempt >= retries {
			if errors.Is(classified, models.ErrChainTransient) {
				log.Warn("RPC call failed after retries", "op", op, "attempts", attempt+1, "error", err)
			}
			return classified
		}

		log.Debug("Retrying RPC call", "op", op, "attempt", attempt+1, "backoff", backoff, "error", err)
		timer := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
		backoff *= 2
	}
}
