package validator

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/common/math"
	"github.com/ethereum/go-ethereum/crypto"
	gethapitypes "github.com/ethereum/go-ethereum/signer/core/apitypes"

	"github.com/aionpay/relayer/types"
)

// EIP-712 domain constants shared with the escrow contract.
const (
	DomainName    = "AION"
	DomainVersion = "1"
)

var eip712DomainType = []gethapitypes.Type{
	{Name: "name", Type: "string"},
	{Name: "version", Type: "string"},
	{Name: "chainId", Type: "uint256"},
	{Name: "verifyingContract", Type: "address"},
}

// TypedData builds the EIP-712 payload the sender signed. The structure
// depends on whether the transfer moves the native asset or an ERC20 token.
func TypedData(t *types.SignedTransfer, amount *big.Int, chainID uint64) gethapitypes.TypedData {
	nonce := hexutil.Encode(common.BytesToHash(t.Nonce).Bytes())
	td := gethapitypes.TypedData{
		Domain: gethapitypes.TypedDataDomain{
			Name:              DomainName,
			Version:           DomainVersion,
			ChainId:           math.NewHexOrDecimal256(int64(chainID)),
			VerifyingContract: t.ContractAddress,
		},
		Message: gethapitypes.TypedDataMessage{
			"from":     t.From,
			"to":       t.To,
			"amount":   amount.String(),
			"nonce":    nonce,
			"deadline": fmt.Sprintf("%d", t.Deadline),
		},
	}
	if t.IsToken() {
		td.PrimaryType = "ERC20Transfer"
		td.Types = gethapitypes.Types{
			"EIP712Domain": eip712DomainType,
			"ERC20Transfer": []gethapitypes.Type{
				{Name: "token", Type: "address"},
				{Name: "from", Type: "address"},
				{Name: "to", Type: "address"},
				{Name: "amount", Type: "uint256"},
				{Name: "nonce", Type: "bytes32"},
				{Name: "deadline", Type: "uint256"},
			},
		}
		td.Message["token"] = t.TokenAddress
	} else {
		td.PrimaryType = "ETHTransfer"
		td.Types = gethapitypes.Types{
			"EIP712Domain": eip712DomainType,
			"ETHTransfer": []gethapitypes.Type{
				{Name: "from", Type: "address"},
				{Name: "to", Type: "address"},
				{Name: "amount", Type: "uint256"},
				{Name: "nonce", Type: "bytes32"},
				{Name: "deadline", Type: "uint256"},
			},
		}
	}
	return td
}

// RecoverSigner hashes the typed data of the transfer and recovers the
// address that produced its signature. Only EIP-712 structured signatures
// are accepted; legacy personal-sign payloads do not recover to the sender
// and fail the comparison downstream.
func RecoverSigner(t *types.SignedTransfer, amount *big.Int, chainID uint64) (common.Address, error) {
	if len(t.Signature) != crypto.SignatureLength {
		return common.Address{}, fmt.Errorf("signature must be %d bytes, got %d", crypto.SignatureLength, len(t.Signature))
	}
	hash, _, err := gethapitypes.TypedDataAndHash(TypedData(t, amount, chainID))
	if err != nil {
		return common.Address{}, fmt.Errorf("hash typed data: %w", err)
	}

	sig := make([]byte, crypto.SignatureLength)
	copy(sig, t.Signature)
	// Wallets produce v as 27/28; go-ethereum expects 0/1.
	if sig[crypto.RecoveryIDOffset] >= 27 {
		sig[crypto.RecoveryIDOffset] -= 27
	}
	pub, err := crypto.SigToPub(hash, sig)
	if err != nil {
		return common.Address{}, fmt.Errorf("recover signer: %w", err)
	}
	return crypto.PubkeyToAddress(*pub), nil
}
