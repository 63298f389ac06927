package store

import (
	"bytes"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/aionpay/relayer/db"
	"github.com/aionpay/relayer/types"
)

// allowedTransitions encodes the transfer state machine. Terminal states
// have no outgoing edges.
var allowedTransitions = map[types.TransferStatus][]types.TransferStatus{
	types.TransferStatusReceived: {
		types.TransferStatusValidated,
		types.TransferStatusFailed,
		types.TransferStatusPermanentlyFailed,
	},
	types.TransferStatusValidated: {
		types.TransferStatusPending,
		// A transfer whose transaction was mined before the crash is
		// confirmed directly during recovery, without re-submitting.
		types.TransferStatusConfirmed,
		types.TransferStatusFailed,
		types.TransferStatusPermanentlyFailed,
	},
	types.TransferStatusPending: {
		types.TransferStatusConfirmed,
		types.TransferStatusFailed,
		types.TransferStatusPermanentlyFailed,
		// Boot recovery re-queues pending rows left behind by a crash; the
		// executor then either observes the mined transaction or re-submits.
		types.TransferStatusValidated,
	},
	types.TransferStatusFailed: {
		types.TransferStatusValidated,
		types.TransferStatusPermanentlyFailed,
	},
}

func canTransition(from, to types.TransferStatus) bool {
	for _, allowed := range allowedTransitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// StatusUpdate carries the optional fields of a status transition.
type StatusUpdate struct {
	TxHash         string
	BlockNumber    uint64
	GasUsed        uint64
	ErrorMessage   string
	IncrementRetry bool
	// EventStatus overrides the status label of the appended event; used
	// for sub-states like "retry" that are not lifecycle statuses.
	EventStatus string
	// EventMessage overrides the appended event's message.
	EventMessage string
}

// InsertReceived persists a new transfer in the received state and returns
// its assigned ID. The transfer ID, status and creation time are set by the
// store; any values present in those fields are overwritten. If the nonce is
// already taken by another transfer, ErrNonceAlreadyExists is returned and
// nothing is written.
func (s *Storage) InsertReceived(t *types.SignedTransfer) (int64, error) {
	s.globalLock.Lock()
	defer s.globalLock.Unlock()

	wTx := s.db.WriteTx()
	defer wTx.Discard()

	// Nonce uniqueness check and insert happen in the same transaction, so
	// two concurrent submissions of the same nonce cannot both succeed.
	nonces := noncesTx(wTx)
	if _, err := nonces.Get(t.Nonce); err == nil {
		return 0, ErrNonceAlreadyExists
	} else if !errors.Is(err, db.ErrKeyNotFound) {
		return 0, fmt.Errorf("check nonce: %w", err)
	}

	id, err := nextID(wTx, nextTransferIDKey)
	if err != nil {
		return 0, fmt.Errorf("allocate transfer id: %w", err)
	}
	t.ID = id
	t.Status = types.TransferStatusReceived
	t.CreatedAt = time.Now().UTC()

	if err := s.writeTransferTx(wTx, t); err != nil {
		return 0, err
	}
	if err := nonces.Set(t.Nonce, encodeID(id)); err != nil {
		return 0, fmt.Errorf("index nonce: %w", err)
	}
	if err := s.appendEventTx(wTx, id, string(types.TransferStatusReceived), "transfer received", nil); err != nil {
		return 0, err
	}
	if err := wTx.Commit(); err != nil {
		return 0, fmt.Errorf("commit transfer: %w", err)
	}
	s.cache.Add(id, cloneTransfer(t))
	return id, nil
}

// UpdateStatus moves a transfer to a new status, applying the optional
// fields of upd, stamping the transition timestamp and appending an event
// log entry. The updated transfer is returned. Transitions not allowed by
// the state machine return ErrInvalidTransition.
func (s *Storage) UpdateStatus(id int64, status types.TransferStatus, upd *StatusUpdate) (*types.SignedTransfer, error) {
	if !status.Valid() {
		return nil, fmt.Errorf("%w: unknown status %q", ErrInvalidTransition, status)
	}
	s.globalLock.Lock()
	defer s.globalLock.Unlock()

	wTx := s.db.WriteTx()
	defer wTx.Discard()

	t, err := s.transferTx(wTx, id)
	if err != nil {
		return nil, err
	}
	if !canTransition(t.Status, status) {
		return nil, fmt.Errorf("%w: %s -> %s (transfer %d)", ErrInvalidTransition, t.Status, status, id)
	}

	now := time.Now().UTC()
	t.Status = status
	switch status {
	case types.TransferStatusValidated:
		t.ValidatedAt = &now
		t.ErrorMessage = ""
	case types.TransferStatusConfirmed:
		t.ConfirmedAt = &now
		t.ErrorMessage = ""
	case types.TransferStatusFailed:
		t.FailedAt = &now
	}

	var metadata map[string]any
	eventStatus, eventMessage := string(status), ""
	if upd != nil {
		if upd.TxHash != "" {
			t.TxHash = upd.TxHash
		}
		if upd.BlockNumber != 0 {
			t.BlockNumber = upd.BlockNumber
		}
		if upd.ErrorMessage != "" {
			t.ErrorMessage = upd.ErrorMessage
		}
		if upd.IncrementRetry {
			t.RetryCount++
		}
		if upd.EventStatus != "" {
			eventStatus = upd.EventStatus
		}
		eventMessage = upd.EventMessage
		metadata = eventMetadata(upd, t.RetryCount)
	}

	if err := s.writeTransferTx(wTx, t); err != nil {
		return nil, err
	}
	if eventMessage == "" {
		eventMessage = t.ErrorMessage
	}
	if eventMessage == "" {
		eventMessage = "status changed to " + string(status)
	}
	if err := s.appendEventTx(wTx, id, eventStatus, eventMessage, metadata); err != nil {
		return nil, err
	}
	if err := wTx.Commit(); err != nil {
		return nil, fmt.Errorf("commit status update: %w", err)
	}
	s.cache.Add(id, cloneTransfer(t))
	return t, nil
}

// RecordSubmission stores the transaction hash and submission time of a
// pending transfer, appending a "submitted" event. The status does not
// change; submission is a sub-state of pending.
func (s *Storage) RecordSubmission(id int64, txHash string) (*types.SignedTransfer, error) {
	s.globalLock.Lock()
	defer s.globalLock.Unlock()

	wTx := s.db.WriteTx()
	defer wTx.Discard()

	t, err := s.transferTx(wTx, id)
	if err != nil {
		return nil, err
	}
	if t.Status != types.TransferStatusPending {
		return nil, fmt.Errorf("%w: cannot record submission in status %s (transfer %d)",
			ErrInvalidTransition, t.Status, id)
	}
	now := time.Now().UTC()
	t.TxHash = txHash
	t.SubmittedAt = &now

	if err := s.writeTransferTx(wTx, t); err != nil {
		return nil, err
	}
	if err := s.appendEventTx(wTx, id, "submitted", "transaction broadcast",
		map[string]any{"txHash": txHash}); err != nil {
		return nil, err
	}
	if err := wTx.Commit(); err != nil {
		return nil, fmt.Errorf("commit submission: %w", err)
	}
	s.cache.Add(id, cloneTransfer(t))
	return t, nil
}

// Transfer returns the transfer with the given ID, or ErrNotFound.
func (s *Storage) Transfer(id int64) (*types.SignedTransfer, error) {
	if cached, ok := s.cache.Get(id); ok {
		return cloneTransfer(cached), nil
	}
	raw, err := s.transfersReader().Get(encodeID(id))
	if err != nil {
		if errors.Is(err, db.ErrKeyNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	t := new(types.SignedTransfer)
	if err := DecodeArtifact(raw, t); err != nil {
		return nil, fmt.Errorf("decode transfer %d: %w", id, err)
	}
	s.cache.Add(id, cloneTransfer(t))
	return t, nil
}

// TransferByNonce returns the transfer holding the given nonce, or
// ErrNotFound.
func (s *Storage) TransferByNonce(nonce types.HexBytes) (*types.SignedTransfer, error) {
	raw, err := s.noncesReader().Get(nonce)
	if err != nil {
		if errors.Is(err, db.ErrKeyNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return s.Transfer(decodeID(raw))
}

// ListByStatus returns up to limit transfers in the given status, oldest
// first. A limit <= 0 means no limit.
func (s *Storage) ListByStatus(status types.TransferStatus, limit int) ([]*types.SignedTransfer, error) {
	var out []*types.SignedTransfer
	err := s.iterateTransfers(func(t *types.SignedTransfer) bool {
		if t.Status != status {
			return true
		}
		out = append(out, t)
		return limit <= 0 || len(out) < limit
	})
	return out, err
}

// ListRetryable returns up to limit failed transfers that still have retry
// budget left, oldest first.
func (s *Storage) ListRetryable(maxRetries, limit int) ([]*types.SignedTransfer, error) {
	var out []*types.SignedTransfer
	err := s.iterateTransfers(func(t *types.SignedTransfer) bool {
		if t.Status != types.TransferStatusFailed || t.RetryCount >= maxRetries {
			return true
		}
		out = append(out, t)
		return limit <= 0 || len(out) < limit
	})
	return out, err
}

// ListForAddress returns up to limit transfers where the address appears as
// sender or recipient, newest first.
func (s *Storage) ListForAddress(address string, limit int) ([]*types.SignedTransfer, error) {
	needle := strings.ToLower(address)
	var matches []*types.SignedTransfer
	err := s.iterateTransfers(func(t *types.SignedTransfer) bool {
		if strings.ToLower(t.From) == needle || strings.ToLower(t.To) == needle {
			matches = append(matches, t)
		}
		return true
	})
	if err != nil {
		return nil, err
	}
	if limit > 0 && len(matches) > limit {
		matches = matches[len(matches)-limit:]
	}
	// Reverse in place: iteration order is oldest first.
	for i, j := 0, len(matches)-1; i < j; i, j = i+1, j-1 {
		matches[i], matches[j] = matches[j], matches[i]
	}
	return matches, nil
}

// CountByStatus returns the number of transfers per lifecycle status.
func (s *Storage) CountByStatus() (map[types.TransferStatus]int, error) {
	counts := make(map[types.TransferStatus]int)
	err := s.iterateTransfers(func(t *types.SignedTransfer) bool {
		counts[t.Status]++
		return true
	})
	return counts, err
}

// iterateTransfers decodes every stored transfer in creation order until
// callback returns false.
func (s *Storage) iterateTransfers(callback func(*types.SignedTransfer) bool) error {
	var decodeErr error
	err := s.transfersReader().Iterate(nil, func(k, v []byte) bool {
		t := new(types.SignedTransfer)
		if err := DecodeArtifact(v, t); err != nil {
			decodeErr = fmt.Errorf("decode transfer %d: %w", decodeID(k), err)
			return false
		}
		return callback(t)
	})
	if decodeErr != nil {
		return decodeErr
	}
	return err
}

// transferTx loads a transfer within a write transaction.
func (s *Storage) transferTx(tx db.WriteTx, id int64) (*types.SignedTransfer, error) {
	raw, err := transfersTx(tx).Get(encodeID(id))
	if err != nil {
		if errors.Is(err, db.ErrKeyNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	t := new(types.SignedTransfer)
	if err := DecodeArtifact(raw, t); err != nil {
		return nil, fmt.Errorf("decode transfer %d: %w", id, err)
	}
	return t, nil
}

func (s *Storage) writeTransferTx(tx db.WriteTx, t *types.SignedTransfer) error {
	raw, err := EncodeArtifact(t)
	if err != nil {
		return fmt.Errorf("encode transfer %d: %w", t.ID, err)
	}
	if err := transfersTx(tx).Set(encodeID(t.ID), raw); err != nil {
		return fmt.Errorf("store transfer %d: %w", t.ID, err)
	}
	return nil
}

func eventMetadata(upd *StatusUpdate, retryCount int) map[string]any {
	md := make(map[string]any)
	if upd.TxHash != "" {
		md["txHash"] = upd.TxHash
	}
	if upd.BlockNumber != 0 {
		md["blockNumber"] = upd.BlockNumber
	}
	if upd.GasUsed != 0 {
		md["gasUsed"] = upd.GasUsed
	}
	if upd.IncrementRetry {
		md["retryCount"] = retryCount
	}
	if len(md) == 0 {
		return nil
	}
	return md
}

func cloneTransfer(t *types.SignedTransfer) *types.SignedTransfer {
	out := *t
	out.Nonce = bytes.Clone(t.Nonce)
	out.Signature = bytes.Clone(t.Signature)
	out.ValidatedAt = cloneTime(t.ValidatedAt)
	out.SubmittedAt = cloneTime(t.SubmittedAt)
	out.ConfirmedAt = cloneTime(t.ConfirmedAt)
	out.FailedAt = cloneTime(t.FailedAt)
	return &out
}

func cloneTime(p *time.Time) *time.Time {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}
