package blockchain

import (
	"fmt"
	"os"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/tidwall/gjson"
)

// Artifact is the compiled form of a contract: its ABI and creation bytecode.
type Artifact struct {
	ABI      abi.ABI
	Bytecode []byte
}

// ParseArtifact reads a hardhat artifact JSON document.
func ParseArtifact(data []byte) (*Artifact, error) {
	if !gjson.ValidBytes(data) {
		return nil, fmt.Errorf("artifact is not valid JSON")
	}

	abiJSON := gjson.GetBytes(data, "abi")
	if !abiJSON.IsArray() {
		return nil, fmt.Errorf("artifact has no abi array")
	}
	parsedABI, err := abi.JSON(strings.NewReader(abiJSON.Raw))
	if err != nil {
		return nil, fmt.Errorf("failed to parse artifact abi: %w", err)
	}

	bytecodeHex := gjson.GetBytes(data, "bytecode").String()
	if bytecodeHex == "" || bytecodeHex == "0x" {
		return nil, fmt.Errorf("artifact has no bytecode")
	}
	bytecode, err := hexutil.Decode(bytecodeHex)
	if err != nil {
		return nil, fmt.Errorf("failed to decode artifact bytecode: %w", err)
	}

	return &Artifact{ABI: parsedABI, Bytecode: bytecode}, nil
}

// LoadArtifact reads and parses a hardhat artifact file.
func LoadArtifact(path string) (*Artifact, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read artifact %s: %w", path, err)
	}
	artifact, err := ParseArtifact(data)
	if err != nil {
		return nil, fmt.Errorf("artifact %s: %w", path, err)
	}
	return artifact, nil
}

// MissingMethods returns the names in methods the artifact ABI lacks.
func (a *Artifact) MissingMethods(methods ...string) []string {
	var missing []string
	for _, m := range methods {
		if _, ok := a.ABI.Methods[m]; !ok {
			missing = append(missing, m)
		}
	}
	return missing
}
