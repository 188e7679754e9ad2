package deploy

import (
	"errors"
	"fmt"
	"math/big"
	"regexp"
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum/params"

	"github.com/blockspeak/orchestrator/internal/models"
	"github.com/blockspeak/orchestrator/pkg/validation"
)

// ErrUnsupportedRequest is returned for contract requests the parser does not understand.
var ErrUnsupportedRequest = errors.New("unsupported contract request")

var (
	sendRequest = regexp.MustCompile(`(?i)^\s*send\s+(\d+(?:\.\d+)?)\s+eth\s+to\s+(0x[a-f0-9]{40})(?:\s+every\s+(.+?))?\s*$`)
	everyN      = regexp.MustCompile(`(?i)^(\d+)\s+(second|minute|hour|day|week)s?$`)
)

var unitSeconds = map[string]int64{
	"second": 1,
	"minute": 60,
	"hour":   3600,
	"day":    86400,
	"week":   7 * 86400,
	"month":  30 * 86400,
	"year":   365 * 86400,
}

// ParseContractRequest reads "send <n> eth to <address> [every <period>]".
// Without a period the payment is one-off and the interval is zero.
func ParseContractRequest(text string) (models.ContractParams, error) {
	m := sendRequest.FindStringSubmatch(text)
	if m == nil {
		return models.ContractParams{}, fmt.Errorf("%w: %q", ErrUnsupportedRequest, text)
	}

	amountWei, err := EthToWei(m[1])
	if err != nil {
		return models.ContractParams{}, err
	}

	interval := int64(0)
	if m[3] != "" {
		interval, err = ParseInterval(m[3])
		if err != nil {
			return models.ContractParams{}, err
		}
	}

	return models.ContractParams{
		Recipient:       validation.NormalizeAddress(m[2]),
		AmountWei:       amountWei.String(),
		IntervalSeconds: interval,
	}, nil
}

// ParseInterval accepts day, week, month, year (optionally "1 day",
// "daily"...) or "<n> seconds|minutes|hours|days|weeks".
func ParseInterval(s string) (int64, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	switch s {
	case "daily":
		s = "day"
	case "weekly":
		s = "week"
	case "monthly":
		s = "month"
	case "yearly", "annually":
		s = "year"
	}
	s = strings.TrimPrefix(s, "1 ")
	s = strings.TrimSuffix(s, "s")

	if secs, ok := unitSeconds[s]; ok {
		return secs, nil
	}
	if m := everyN.FindStringSubmatch(s); m != nil {
		n, err := strconv.ParseInt(m[1], 10, 64)
		if err != nil || n <= 0 {
			return 0, fmt.Errorf("%w: interval %q", ErrUnsupportedRequest, s)
		}
		return n * unitSeconds[strings.ToLower(m[2])], nil
	}
	if n, err := strconv.ParseInt(s, 10, 64); err == nil && n > 0 {
		return n, nil
	}
	return 0, fmt.Errorf("%w: interval %q", ErrUnsupportedRequest, s)
}

// EthToWei converts a decimal ETH amount to wei. More than 18 decimals is an error.
func EthToWei(amount string) (*big.Int, error) {
	rat, ok := new(big.Rat).SetString(strings.TrimSpace(amount))
	if !ok || rat.Sign() <= 0 {
		return nil, fmt.Errorf("%w: amount %q", ErrUnsupportedRequest, amount)
	}
	rat.Mul(rat, new(big.Rat).SetInt(big.NewInt(params.Ether)))
	if !rat.IsInt() {
		return nil, fmt.Errorf("%w: amount %q has more than 18 decimals", ErrUnsupportedRequest, amount)
	}
	return new(big.Int).Set(rat.Num()), nil
}

// WeiToEth formats wei as a decimal ETH string without trailing zeros.
func WeiToEth(wei *big.Int) string {
	if wei == nil {
		return "0"
	}
	s := new(big.Rat).SetFrac(wei, big.NewInt(params.Ether)).FloatString(18)
	s = strings.TrimRight(s, "0")
	return strings.TrimSuffix(s, ".")
}
