package auth

import (
	"strings"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
)

const loginMessagePrefix = "Log in to BlockSpeak: "

// LoginMessage is the exact text the wallet signs for the given challenge.
func LoginMessage(nonce AuthNonce) string {
	return loginMessagePrefix + string(nonce)
}

// Verify reports whether signature is a personal_sign signature of message
// by address. It also returns the recovered signer. Malformed input yields
// (false, zero address).
func Verify(address, message, signature string) (bool, common.Address) {
	if !common.IsHexAddress(address) {
		return false, common.Address{}
	}

	sig, err := hexutil.Decode(ensure0x(signature))
	if err != nil || len(sig) != crypto.SignatureLength {
		return false, common.Address{}
	}

	// Wallets produce V as 27/28; crypto expects 0/1.
	switch sig[crypto.RecoveryIDOffset] {
	case 27, 28:
		sig[crypto.RecoveryIDOffset] -= 27
	case 0, 1:
	default:
		return false, common.Address{}
	}

	pub, err := crypto.SigToPub(accounts.TextHash([]byte(message)), sig)
	if err != nil {
		return false, common.Address{}
	}
	recovered := crypto.PubkeyToAddress(*pub)

	return recovered == common.HexToAddress(address), recovered
}

func ensure0x(s string) string {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "0x") || strings.HasPrefix(s, "0X") {
		return "0x" + s[2:]
	}
	return "0x" + s
}
