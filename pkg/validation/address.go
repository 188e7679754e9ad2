package validation

import (
	"encoding/hex"
	"fmt"
	"strings"
)

// ValidateAddress validates an Ethereum account address (20 bytes, hex, 0x optional)
func ValidateAddress(addr string) error {
	if addr == "" {
		return fmt.Errorf("address cannot be empty")
	}

	normalized := strip0x(addr)

	if len(normalized) != 40 {
		return fmt.Errorf("invalid address length: expected 40 characters (without 0x), got %d", len(normalized))
	}

	if _, err := hex.DecodeString(normalized); err != nil {
		return fmt.Errorf("invalid hex address: %w", err)
	}

	return nil
}

// ValidateTxHash validates a 32-byte transaction hash.
func ValidateTxHash(hash string) error {
	if hash == "" {
		return fmt.Errorf("transaction hash cannot be empty")
	}
	normalized := strip0x(hash)
	if len(normalized) != 64 {
		return fmt.Errorf("invalid transaction hash length: expected 64 characters (without 0x), got %d", len(normalized))
	}
	if _, err := hex.DecodeString(normalized); err != nil {
		return fmt.Errorf("invalid hex transaction hash: %w", err)
	}
	return nil
}

// NormalizeAddress converts an address to its canonical lowercase 0x form
func NormalizeAddress(addr string) string {
	return "0x" + strings.ToLower(strip0x(addr))
}

// ValidateAndNormalizeAddress validates an address and returns its normalized form
func ValidateAndNormalizeAddress(addr string) (string, error) {
	if err := ValidateAddress(addr); err != nil {
		return "", err
	}
	return NormalizeAddress(addr), nil
}

// ValidateAndNormalizeTxHash validates a transaction hash and returns it lowercase with 0x
func ValidateAndNormalizeTxHash(hash string) (string, error) {
	if err := ValidateTxHash(hash); err != nil {
		return "", err
	}
	return "0x" + strings.ToLower(strip0x(hash)), nil
}

func strip0x(s string) string {
	s = strings.TrimSpace(s)
	s = strings.TrimPrefix(s, "0x")
	return strings.TrimPrefix(s, "0X")
}
