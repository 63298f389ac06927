package web3

import (
	"crypto/ecdsa"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/crypto"

	"github.com/aionpay/relayer/log"
)

// LoadSignerKey parses the gas-payer private key from its hex encoding. The
// key must be 32 bytes and not all zeros. A malformed key is replaced with a
// freshly generated development key so the node can still run against a
// local network; this is logged loudly.
func LoadSignerKey(hexKey string) (*ecdsa.PrivateKey, error) {
	key, err := parseSignerKey(hexKey)
	if err == nil {
		return key, nil
	}
	log.Warnw("invalid gas-payer private key, generating a development-only key",
		"error", err.Error())
	devKey, genErr := crypto.GenerateKey()
	if genErr != nil {
		return nil, fmt.Errorf("generate development key: %w", genErr)
	}
	log.Warnw("development key in use, funds sent to it are at risk",
		"address", crypto.PubkeyToAddress(devKey.PublicKey).Hex())
	return devKey, nil
}

func parseSignerKey(hexKey string) (*ecdsa.PrivateKey, error) {
	hexKey = strings.TrimPrefix(strings.TrimSpace(hexKey), "0x")
	raw, err := hex.DecodeString(hexKey)
	if err != nil {
		return nil, fmt.Errorf("not valid hex: %w", err)
	}
	if len(raw) != 32 {
		return nil, fmt.Errorf("key must be 32 bytes, got %d", len(raw))
	}
	allZero := true
	for _, b := range raw {
		if b != 0 {
			allZero = false
			break
		}
	}
	if allZero {
		return nil, fmt.Errorf("key is all zeros")
	}
	return crypto.ToECDSA(raw)
}
