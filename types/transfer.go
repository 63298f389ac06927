// Package types contains the data model shared across the relayer node:
// signed transfer authorizations, their lifecycle statuses and the
// append-only event log entries.
package types

import (
	"time"
)

// TransferStatus is the lifecycle state of a signed transfer.
type TransferStatus string

const (
	// TransferStatusReceived is the initial state assigned on ingest.
	TransferStatusReceived TransferStatus = "received"
	// TransferStatusValidated means the transfer passed validation and is
	// queued for execution.
	TransferStatusValidated TransferStatus = "validated"
	// TransferStatusPending means the transaction has been broadcast and the
	// relayer is awaiting its receipt.
	TransferStatusPending TransferStatus = "pending"
	// TransferStatusConfirmed is terminal: the receipt was seen with success
	// status. TxHash and BlockNumber are set and never mutate afterwards.
	TransferStatusConfirmed TransferStatus = "confirmed"
	// TransferStatusFailed means the last execution attempt failed. Failed
	// transfers with retries left re-enter validated after backoff.
	TransferStatusFailed TransferStatus = "failed"
	// TransferStatusPermanentlyFailed is terminal: no retry will ever be
	// attempted (expired deadline, nonce consumed on-chain by another tx).
	TransferStatusPermanentlyFailed TransferStatus = "permanently_failed"
)

// Valid reports whether s is one of the known lifecycle statuses.
func (s TransferStatus) Valid() bool {
	switch s {
	case TransferStatusReceived, TransferStatusValidated, TransferStatusPending,
		TransferStatusConfirmed, TransferStatusFailed, TransferStatusPermanentlyFailed:
		return true
	}
	return false
}

// Terminal reports whether no further transition out of s is allowed.
func (s TransferStatus) Terminal() bool {
	return s == TransferStatusConfirmed || s == TransferStatusPermanentlyFailed
}

// SignedTransfer is a transfer authorization signed off-chain by the fund
// owner and relayed on-chain by this node. The nonce is globally unique
// across all transfers; the store enforces the constraint.
type SignedTransfer struct {
	ID              int64    `json:"id" cbor:"1,keyasint"`
	Nonce           HexBytes `json:"nonce" cbor:"2,keyasint"`
	From            string   `json:"from" cbor:"3,keyasint"`
	To              string   `json:"to" cbor:"4,keyasint"`
	Amount          string   `json:"amount" cbor:"5,keyasint"`
	Deadline        int64    `json:"deadline" cbor:"6,keyasint"`
	Signature       HexBytes `json:"signature" cbor:"7,keyasint"`
	ContractAddress string   `json:"contractAddress" cbor:"8,keyasint"`
	// TokenAddress is empty for native-asset transfers and holds the ERC20
	// contract address for token transfers.
	TokenAddress string `json:"tokenAddress,omitempty" cbor:"9,keyasint,omitempty"`

	Status       TransferStatus `json:"status" cbor:"10,keyasint"`
	TxHash       string         `json:"txHash,omitempty" cbor:"11,keyasint,omitempty"`
	BlockNumber  uint64         `json:"blockNumber,omitempty" cbor:"12,keyasint,omitempty"`
	RetryCount   int            `json:"retryCount" cbor:"13,keyasint"`
	ErrorMessage string         `json:"errorMessage,omitempty" cbor:"14,keyasint,omitempty"`

	CreatedAt   time.Time  `json:"createdAt" cbor:"15,keyasint"`
	ValidatedAt *time.Time `json:"validatedAt,omitempty" cbor:"16,keyasint,omitempty"`
	SubmittedAt *time.Time `json:"submittedAt,omitempty" cbor:"17,keyasint,omitempty"`
	ConfirmedAt *time.Time `json:"confirmedAt,omitempty" cbor:"18,keyasint,omitempty"`
	// FailedAt records the most recent transition into failed. The retry
	// scheduler measures the exponential backoff from this timestamp, not
	// from CreatedAt, so each retry waits the full 2^retryCount window.
	FailedAt *time.Time `json:"failedAt,omitempty" cbor:"19,keyasint,omitempty"`
}

// IsToken reports whether the transfer moves an ERC20 token rather than the
// native asset.
func (t *SignedTransfer) IsToken() bool {
	return t.TokenAddress != ""
}

// TransferEvent is one entry of the append-only audit log attached to a
// transfer. Events are never mutated after insert.
type TransferEvent struct {
	ID         int64          `json:"id" cbor:"1,keyasint"`
	TransferID int64          `json:"transferId" cbor:"2,keyasint"`
	Status     string         `json:"status" cbor:"3,keyasint"`
	Message    string         `json:"message" cbor:"4,keyasint"`
	Metadata   map[string]any `json:"metadata,omitempty" cbor:"5,keyasint,omitempty"`
	Timestamp  time.Time      `json:"timestamp" cbor:"6,keyasint"`
}
