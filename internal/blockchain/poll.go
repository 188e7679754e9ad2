package blockchain

import (
	"context"
	"errors"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/blockspeak/orchestrator/internal/models"
)

// ErrPollExhausted is returned when every attempt ran without a result.
var ErrPollExhausted = errors.New("poll attempts exhausted")

// PollPolicy bounds a polling loop. A Multiplier above 1 grows the interval
// after each attempt up to MaxInterval.
type PollPolicy struct {
	Attempts    int
	Interval    time.Duration
	Multiplier  float64
	MaxInterval time.Duration
}

// FixedPolicy polls at a constant interval.
func FixedPolicy(attempts int, interval time.Duration) PollPolicy {
	return PollPolicy{Attempts: attempts, Interval: interval, Multiplier: 1, MaxInterval: interval}
}

// BackoffPolicy doubles the interval after each attempt, capped at max.
func BackoffPolicy(attempts int, initial, max time.Duration) PollPolicy {
	return PollPolicy{Attempts: attempts, Interval: initial, Multiplier: 2, MaxInterval: max}
}

// Poll calls check until it reports done, returns an error, the attempts
// run out (ErrPollExhausted) or ctx ends (ctx.Err()). The first attempt is
// immediate.
func Poll(ctx context.Context, p PollPolicy, check func(ctx context.Context) (bool, error)) error {
	interval := p.Interval
	for attempt := 1; attempt <= p.Attempts; attempt++ {
		done, err := check(ctx)
		if err != nil {
			return err
		}
		if done {
			return nil
		}
		if attempt == p.Attempts {
			break
		}

		timer := time.NewTimer(interval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}

		if p.Multiplier > 1 {
			interval = time.Duration(float64(interval) * p.Multiplier)
			if p.MaxInterval > 0 && interval > p.MaxInterval {
				interval = p.MaxInterval
			}
		}
	}
	return ErrPollExhausted
}

// ReceiptSource fetches transaction receipts.
type ReceiptSource interface {
	TransactionReceipt(ctx context.Context, hash common.Hash) (*types.Receipt, error)
}

// WaitMined waits for the transaction's receipt under the given policy.
// Transient RPC failures count as a missed attempt. Running out of attempts
// or a cancelled ctx yields ErrOutcomeUnknown: the transaction was broadcast
// and may still be included. A failed receipt yields ErrChainRejected.
func WaitMined(ctx context.Context, src ReceiptSource, hash common.Hash, policy PollPolicy) (*types.Receipt, error) {
	var receipt *types.Receipt
	err := Poll(ctx, policy, func(ctx context.Context) (bool, error) {
		r, err := src.TransactionReceipt(ctx, hash)
		switch {
		case err == nil:
			receipt = r
			return true, nil
		case errors.Is(err, models.ErrNotMined), errors.Is(err, models.ErrChainTransient):
			return false, nil
		default:
			return false, err
		}
	})

	switch {
	case err == nil:
	case errors.Is(err, ErrPollExhausted):
		return nil, &models.TxError{Kind: models.ErrOutcomeUnknown, TxHash: hash.Hex(), Reason: "not mined within the wait bound"}
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return nil, &models.TxError{Kind: models.ErrOutcomeUnknown, TxHash: hash.Hex(), Reason: "stopped waiting"}
	default:
		return nil, err
	}

	if receipt.Status != types.ReceiptStatusSuccessful {
		return receipt, &models.TxError{Kind: models.ErrChainRejected, TxHash: hash.Hex(), Reason: "transaction reverted"}
	}
	return receipt, nil
}
