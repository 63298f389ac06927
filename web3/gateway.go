// Package web3 implements the chain gateway: contract view reads used by
// validation and the signed submission path for transfer execution.
package web3

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	gethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/aionpay/relayer/log"
	"github.com/aionpay/relayer/types"
)

// receiptTimeout bounds how long a submission waits for its receipt.
const receiptTimeout = 3 * time.Minute

// Receipt is the confirmation data the executor persists.
type Receipt struct {
	TxHash      string
	Success     bool
	BlockNumber uint64
	GasUsed     uint64
}

// Gateway is a thin wrapper over the escrow contract: the validation views
// on one side, the two execute entrypoints on the other. It holds the
// gas-payer key; the user's key only ever produced the off-chain
// authorization.
type Gateway struct {
	pool         *Pool
	escrow       *bind.BoundContract
	contractAddr common.Address
	signerKey    *ecdsa.PrivateKey
	chainID      uint64
}

// NewGateway dials the RPC endpoints and binds the escrow contract at
// contractAddr. privKeyHex is the gas-payer key (see LoadSignerKey).
func NewGateway(ctx context.Context, rpcURLs []string, privKeyHex, contractAddr string) (*Gateway, error) {
	pool, err := DialPool(ctx, rpcURLs)
	if err != nil {
		return nil, err
	}
	parsedABI, err := escrowABI()
	if err != nil {
		pool.Close()
		return nil, err
	}
	key, err := LoadSignerKey(privKeyHex)
	if err != nil {
		pool.Close()
		return nil, err
	}
	addr := common.HexToAddress(contractAddr)
	g := &Gateway{
		pool:         pool,
		escrow:       bind.NewBoundContract(addr, parsedABI, pool, pool, pool),
		contractAddr: addr,
		signerKey:    key,
		chainID:      pool.ChainID(),
	}
	log.Infow("chain gateway ready",
		"contract", addr.Hex(),
		"gasPayer", g.AccountAddress().Hex(),
		"chainId", g.chainID)
	return g, nil
}

// Close disconnects the RPC pool.
func (g *Gateway) Close() { g.pool.Close() }

// AccountAddress returns the gas-payer address.
func (g *Gateway) AccountAddress() common.Address {
	return crypto.PubkeyToAddress(g.signerKey.PublicKey)
}

// ChainID returns the connected network id.
func (g *Gateway) ChainID(context.Context) (uint64, error) {
	return g.chainID, nil
}

// NonceUsed reads the usedNonces view.
func (g *Gateway) NonceUsed(ctx context.Context, nonce common.Hash) (bool, error) {
	var out []any
	if err := g.escrow.Call(&bind.CallOpts{Context: ctx}, &out, "usedNonces", [32]byte(nonce)); err != nil {
		return false, fmt.Errorf("usedNonces: %w", err)
	}
	used, ok := out[0].(bool)
	if !ok {
		return false, fmt.Errorf("usedNonces: unexpected result type %T", out[0])
	}
	return used, nil
}

// LockedFundsETH reads the native-asset escrow balance of addr.
func (g *Gateway) LockedFundsETH(ctx context.Context, addr common.Address) (*big.Int, error) {
	var out []any
	if err := g.escrow.Call(&bind.CallOpts{Context: ctx}, &out, "lockedFundsETH", addr); err != nil {
		return nil, fmt.Errorf("lockedFundsETH: %w", err)
	}
	locked, ok := out[0].(*big.Int)
	if !ok {
		return nil, fmt.Errorf("lockedFundsETH: unexpected result type %T", out[0])
	}
	return locked, nil
}

// LockedFundsERC20 reads the token escrow balance of addr.
func (g *Gateway) LockedFundsERC20(ctx context.Context, token, addr common.Address) (*big.Int, error) {
	var out []any
	if err := g.escrow.Call(&bind.CallOpts{Context: ctx}, &out, "lockedFundsERC20", token, addr); err != nil {
		return nil, fmt.Errorf("lockedFundsERC20: %w", err)
	}
	locked, ok := out[0].(*big.Int)
	if !ok {
		return nil, fmt.Errorf("lockedFundsERC20: unexpected result type %T", out[0])
	}
	return locked, nil
}

// WithdrawTimestamp reads the withdrawal-initiation timestamp of addr; zero
// means no withdrawal in progress.
func (g *Gateway) WithdrawTimestamp(ctx context.Context, addr common.Address) (uint64, error) {
	var out []any
	if err := g.escrow.Call(&bind.CallOpts{Context: ctx}, &out, "withdrawTimestamps", addr); err != nil {
		return 0, fmt.Errorf("withdrawTimestamps: %w", err)
	}
	ts, ok := out[0].(*big.Int)
	if !ok {
		return 0, fmt.Errorf("withdrawTimestamps: unexpected result type %T", out[0])
	}
	return ts.Uint64(), nil
}

// TokenDecimals reads decimals() from an ERC20 token contract.
func (g *Gateway) TokenDecimals(ctx context.Context, token common.Address) (uint8, error) {
	parsedABI, err := erc20ABI()
	if err != nil {
		return 0, err
	}
	contract := bind.NewBoundContract(token, parsedABI, g.pool, g.pool, g.pool)
	var out []any
	if err := contract.Call(&bind.CallOpts{Context: ctx}, &out, "decimals"); err != nil {
		return 0, fmt.Errorf("decimals: %w", err)
	}
	decimals, ok := out[0].(uint8)
	if !ok {
		return 0, fmt.Errorf("decimals: unexpected result type %T", out[0])
	}
	return decimals, nil
}

// GasPrice returns the node's suggested gas price.
func (g *Gateway) GasPrice(ctx context.Context) (*big.Int, error) {
	return g.pool.SuggestGasPrice(ctx)
}

// SubmitTransfer broadcasts the execute transaction for the transfer,
// choosing the native or ERC20 entrypoint, and returns its hash without
// waiting for inclusion. amount is the smallest-unit quantity produced by
// validation.
func (g *Gateway) SubmitTransfer(ctx context.Context, t *types.SignedTransfer, amount *big.Int) (string, error) {
	opts, err := bind.NewKeyedTransactorWithChainID(g.signerKey, new(big.Int).SetUint64(g.chainID))
	if err != nil {
		return "", fmt.Errorf("build transactor: %w", err)
	}
	opts.Context = ctx

	nonce := [32]byte(common.BytesToHash(t.Nonce))
	deadline := new(big.Int).SetInt64(t.Deadline)
	from := common.HexToAddress(t.From)
	to := common.HexToAddress(t.To)
	signature := []byte(t.Signature)

	var tx *gethtypes.Transaction
	if t.IsToken() {
		tx, err = g.escrow.Transact(opts, "executeERC20Transfer",
			common.HexToAddress(t.TokenAddress), from, to, amount, nonce, deadline, signature)
	} else {
		tx, err = g.escrow.Transact(opts, "executeETHTransfer",
			from, to, amount, nonce, deadline, signature)
	}
	if err != nil {
		return "", err
	}
	hash := tx.Hash().Hex()
	log.Infow("transfer transaction broadcast",
		"transfer", t.ID, "txHash", hash, "entrypoint", entrypointName(t))
	return hash, nil
}

// WaitReceipt blocks until the transaction is mined and returns its receipt
// data.
func (g *Gateway) WaitReceipt(ctx context.Context, txHash string) (*Receipt, error) {
	ctx, cancel := context.WithTimeout(ctx, receiptTimeout)
	defer cancel()

	hash := common.HexToHash(txHash)
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()
	for {
		receipt, err := g.pool.TransactionReceipt(ctx, hash)
		if err == nil && receipt != nil {
			return &Receipt{
				TxHash:      txHash,
				Success:     receipt.Status == 1,
				BlockNumber: receipt.BlockNumber.Uint64(),
				GasUsed:     receipt.GasUsed,
			}, nil
		}
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("timeout waiting for receipt of %s: %w", txHash, ctx.Err())
		case <-ticker.C:
		}
	}
}

func entrypointName(t *types.SignedTransfer) string {
	if t.IsToken() {
		return "executeERC20Transfer"
	}
	return "executeETHTransfer"
}
