package blockchain

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/rpc"

	"github.com/blockspeak/orchestrator/internal/models"
)

// rejectionMarkers are node error messages that mean the transaction itself
// is invalid, so retrying the same request cannot help.
var rejectionMarkers = []string{
	"execution reverted",
	"out of gas",
	"gas required exceeds",
	"intrinsic gas too low",
	"insufficient funds",
	"invalid opcode",
	"nonce too low",
	"replacement transaction underpriced",
}

// classifyError maps an RPC error to the error taxonomy: node-side
// rejections become ErrChainRejected with the decoded revert reason,
// everything else (transport, timeouts, 5xx) is ErrChainTransient.
func classifyError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, models.ErrChainRejected) || errors.Is(err, models.ErrChainTransient) {
		return err
	}

	var dataErr rpc.DataError
	if errors.As(err, &dataErr) {
		if reason, ok := decodeRevert(dataErr.ErrorData()); ok {
			return &models.TxError{Kind: models.ErrChainRejected, Reason: reason}
		}
	}

	msg := strings.ToLower(err.Error())
	for _, marker := range rejectionMarkers {
		if strings.Contains(msg, marker) {
			return &models.TxError{Kind: models.ErrChainRejected, Reason: revertReasonFromMessage(err.Error())}
		}
	}

	if errors.Is(err, context.Canceled) {
		return err
	}
	return fmt.Errorf("%w: %v", models.ErrChainTransient, err)
}

// decodeRevert unpacks Error(string) revert data.
func decodeRevert(data interface{}) (string, bool) {
	hexData, ok := data.(string)
	if !ok {
		return "", false
	}
	raw, err := hexutil.Decode(hexData)
	if err != nil {
		return "", false
	}
	reason, err := abi.UnpackRevert(raw)
	if err != nil {
		return "", false
	}
	return reason, true
}

// revertReasonFromMessage strips the node's "execution reverted: " prefix.
func revertReasonFromMessage(msg string) string {
	if idx := strings.Index(strings.ToLower(msg), "execution reverted:"); idx >= 0 {
		return strings.TrimSpace(msg[idx+len("execution reverted:"):])
	}
	return msg
}

// isAlreadyKnown reports a resend of a transaction the node already holds.
func isAlreadyKnown(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "already known") || strings.Contains(msg, "known transaction")
}

// Outcome labels a write result for logs and metrics.
func Outcome(err error) string {
	switch {
	case err == nil:
		return "confirmed"
	case errors.Is(err, models.ErrOutcomeUnknown):
		return "unknown"
	case errors.Is(err, models.ErrChainRejected):
		return "rejected"
	case errors.Is(err, models.ErrChainTransient):
		return "unavailable"
	default:
		return "error"
	}
}
