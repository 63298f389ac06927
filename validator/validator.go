// Package validator implements the acceptance checks for signed transfers:
// EIP-712 signature recovery, deadline, amount parsing, dual-source nonce
// uniqueness and the on-chain balance and withdrawal-lockout reads.
package validator

import (
	"context"
	"errors"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/aionpay/relayer/log"
	"github.com/aionpay/relayer/store"
	"github.com/aionpay/relayer/types"
)

// GracePeriod is the window after withdrawal initiation during which
// transfers still execute. Past it the sender is locked out until the
// withdrawal resolves.
const GracePeriod = 300 * time.Second

// Stable error strings surfaced to API clients and matched by the executor's
// failure classification.
const (
	ErrMsgInvalidAmount     = "Invalid amount"
	ErrMsgDeadlineExpired   = "Deadline expired"
	ErrMsgInvalidSignature  = "Invalid signature"
	ErrMsgNonceUsed         = "Nonce already used"
	ErrMsgNonceUsedOnChain  = "Nonce already used on-chain"
	ErrMsgInsufficientFunds = "Insufficient locked funds"
	ErrMsgLockoutActive     = "Sender is in withdrawal lockout period"

	ErrMsgCheckDecimals = "Failed to check token decimals"
	ErrMsgCheckNonce    = "Failed to check nonce status"
	ErrMsgCheckBalance  = "Failed to check sender balance"
	ErrMsgCheckLockout  = "Failed to check withdrawal status"
)

// Oracle exposes the on-chain reads the validator needs. The web3 gateway
// implements it against the escrow contract.
type Oracle interface {
	NonceUsed(ctx context.Context, nonce common.Hash) (bool, error)
	LockedFundsETH(ctx context.Context, addr common.Address) (*big.Int, error)
	LockedFundsERC20(ctx context.Context, token, addr common.Address) (*big.Int, error)
	WithdrawTimestamp(ctx context.Context, addr common.Address) (uint64, error)
	TokenDecimals(ctx context.Context, token common.Address) (uint8, error)
	ChainID(ctx context.Context) (uint64, error)
}

// NonceStore is the subset of the store the validator uses for database-side
// nonce uniqueness.
type NonceStore interface {
	TransferByNonce(nonce types.HexBytes) (*types.SignedTransfer, error)
}

// Verdict is the outcome of validating one transfer. Valid() holds iff all
// six check flags hold; each failing check contributes a distinct entry to
// Errors.
type Verdict struct {
	SignatureValid    bool `json:"signatureValid"`
	DeadlineValid     bool `json:"deadlineValid"`
	NonceUnused       bool `json:"nonceUnused"`
	SenderHasFunds    bool `json:"senderHasFunds"`
	GracePeriodActive bool `json:"gracePeriodActive"`
	AmountValid       bool `json:"amountValid"`

	// NonceUsedOnChain distinguishes an on-chain nonce hit from a database
	// duplicate; the executor's crash-race recovery depends on it.
	NonceUsedOnChain bool `json:"-"`
	// Transient is set when a check could not complete because of an oracle
	// read failure. Transient failures are retried, not rejected.
	Transient bool `json:"-"`

	Errors []string `json:"errors,omitempty"`

	// Amount is the parsed smallest-unit amount, set when AmountValid.
	Amount *big.Int `json:"-"`
}

// Valid reports whether every check passed.
func (v *Verdict) Valid() bool {
	return v.SignatureValid && v.DeadlineValid && v.NonceUnused &&
		v.SenderHasFunds && v.GracePeriodActive && v.AmountValid
}

// FailedOnlyNonceUsedOnChain reports whether the single failing check is the
// on-chain nonce hit. The executor treats this, combined with a recorded
// txHash and blockNumber, as proof the transfer was already mined.
func (v *Verdict) FailedOnlyNonceUsedOnChain() bool {
	return v.NonceUsedOnChain && !v.NonceUnused &&
		v.SignatureValid && v.DeadlineValid && v.SenderHasFunds &&
		v.GracePeriodActive && v.AmountValid
}

// Permanent reports whether the failure can never succeed on retry.
func (v *Verdict) Permanent() bool {
	if v.Valid() || v.Transient {
		return false
	}
	return !v.DeadlineValid || !v.SignatureValid || !v.AmountValid ||
		v.NonceUsedOnChain || !v.GracePeriodActive || !v.NonceUnused
}

func (v *Verdict) fail(msg string) {
	v.Errors = append(v.Errors, msg)
}

// Validator runs the acceptance checks against the store and the chain
// oracle.
type Validator struct {
	nonces          NonceStore
	oracle          Oracle
	fallbackChainID uint64
}

// New creates a Validator. fallbackChainID is used for the EIP-712 domain
// when the chain id query fails; validation of an otherwise sound signature
// must not fail on a flaky oracle connection.
func New(nonces NonceStore, oracle Oracle, fallbackChainID uint64) *Validator {
	return &Validator{
		nonces:          nonces,
		oracle:          oracle,
		fallbackChainID: fallbackChainID,
	}
}

// Validate runs all checks on the transfer. excludeID, when non-zero, is the
// transfer's own row ID, skipped during the database nonce check so a row
// under re-validation does not collide with itself.
func (v *Validator) Validate(ctx context.Context, t *types.SignedTransfer, excludeID int64) *Verdict {
	verdict := &Verdict{}

	verdict.AmountValid = v.checkAmount(ctx, t, verdict)
	verdict.DeadlineValid = v.checkDeadline(t, verdict)
	verdict.SignatureValid = v.checkSignature(ctx, t, verdict)
	verdict.NonceUnused = v.checkNonce(ctx, t, excludeID, verdict)
	verdict.SenderHasFunds = v.checkBalance(ctx, t, verdict)
	verdict.GracePeriodActive = v.checkLockout(ctx, t, verdict)

	return verdict
}

func (v *Validator) checkAmount(ctx context.Context, t *types.SignedTransfer, verdict *Verdict) bool {
	decimals := uint8(EthDecimals)
	if t.IsToken() {
		var err error
		decimals, err = v.oracle.TokenDecimals(ctx, common.HexToAddress(t.TokenAddress))
		if err != nil {
			log.Warnw("token decimals query failed", "token", t.TokenAddress, "error", err.Error())
			verdict.Transient = true
			verdict.fail(ErrMsgCheckDecimals)
			return false
		}
	}
	amount, err := ParseAmount(t.Amount, decimals)
	if err != nil {
		verdict.fail(ErrMsgInvalidAmount)
		return false
	}
	verdict.Amount = amount
	return true
}

func (v *Validator) checkDeadline(t *types.SignedTransfer, verdict *Verdict) bool {
	// A deadline equal to the current second is still acceptable.
	if time.Now().Unix() > t.Deadline {
		verdict.fail(ErrMsgDeadlineExpired)
		return false
	}
	return true
}

func (v *Validator) checkSignature(ctx context.Context, t *types.SignedTransfer, verdict *Verdict) bool {
	if verdict.Amount == nil {
		// The signed payload includes the smallest-unit amount; without it
		// there is nothing to recover against.
		verdict.fail(ErrMsgInvalidSignature)
		return false
	}
	chainID, err := v.oracle.ChainID(ctx)
	if err != nil {
		chainID = v.fallbackChainID
		log.Warnw("chain id query failed, using configured fallback",
			"fallback", chainID, "error", err.Error())
	}
	signer, err := RecoverSigner(t, verdict.Amount, chainID)
	if err != nil {
		log.Debugw("signature recovery failed", "from", t.From, "error", err.Error())
		verdict.fail(ErrMsgInvalidSignature)
		return false
	}
	if !strings.EqualFold(signer.Hex(), t.From) {
		verdict.fail(ErrMsgInvalidSignature)
		return false
	}
	return true
}

func (v *Validator) checkNonce(ctx context.Context, t *types.SignedTransfer, excludeID int64, verdict *Verdict) bool {
	existing, err := v.nonces.TransferByNonce(t.Nonce)
	switch {
	case err == nil:
		if excludeID == 0 || existing.ID != excludeID {
			verdict.fail(ErrMsgNonceUsed)
			return false
		}
	case !errors.Is(err, store.ErrNotFound):
		verdict.Transient = true
		verdict.fail(ErrMsgCheckNonce)
		return false
	}

	used, err := v.oracle.NonceUsed(ctx, common.BytesToHash(t.Nonce))
	if err != nil {
		verdict.Transient = true
		verdict.fail(ErrMsgCheckNonce)
		return false
	}
	if used {
		verdict.NonceUsedOnChain = true
		verdict.fail(ErrMsgNonceUsedOnChain)
		return false
	}
	return true
}

func (v *Validator) checkBalance(ctx context.Context, t *types.SignedTransfer, verdict *Verdict) bool {
	if verdict.Amount == nil {
		return false
	}
	from := common.HexToAddress(t.From)
	var locked *big.Int
	var err error
	if t.IsToken() {
		locked, err = v.oracle.LockedFundsERC20(ctx, common.HexToAddress(t.TokenAddress), from)
	} else {
		locked, err = v.oracle.LockedFundsETH(ctx, from)
	}
	if err != nil {
		verdict.Transient = true
		verdict.fail(ErrMsgCheckBalance)
		return false
	}
	if locked.Cmp(verdict.Amount) < 0 {
		verdict.fail(ErrMsgInsufficientFunds)
		return false
	}
	return true
}

func (v *Validator) checkLockout(ctx context.Context, t *types.SignedTransfer, verdict *Verdict) bool {
	ts, err := v.oracle.WithdrawTimestamp(ctx, common.HexToAddress(t.From))
	if err != nil {
		verdict.Transient = true
		verdict.fail(ErrMsgCheckLockout)
		return false
	}
	if ts == 0 {
		return true
	}
	// Transfers keep executing during the grace window after withdrawal
	// initiation; past it the sender is locked out.
	if time.Now().Unix() > int64(ts)+int64(GracePeriod.Seconds()) {
		verdict.fail(ErrMsgLockoutActive)
		return false
	}
	return true
}
