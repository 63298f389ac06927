package store

import (
	"fmt"
	"time"

	"github.com/aionpay/relayer/db"
	"github.com/aionpay/relayer/types"
)

// appendEventTx appends an audit log entry for a transfer within the given
// transaction. Event IDs come from a global monotonic counter, so the
// per-transfer log iterates in chronological order.
func (s *Storage) appendEventTx(tx db.WriteTx, transferID int64, status, message string, metadata map[string]any) error {
	eventID, err := nextID(tx, nextEventIDKey)
	if err != nil {
		return fmt.Errorf("allocate event id: %w", err)
	}
	ev := &types.TransferEvent{
		ID:         eventID,
		TransferID: transferID,
		Status:     status,
		Message:    message,
		Metadata:   metadata,
		Timestamp:  time.Now().UTC(),
	}
	raw, err := EncodeArtifact(ev)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	if err := eventsTx(tx).Set(eventRowKey(transferID, eventID), raw); err != nil {
		return fmt.Errorf("store event: %w", err)
	}
	return nil
}

// AppendEvent adds a standalone audit log entry for a transfer, outside any
// status transition. Used for sub-states like "retry".
func (s *Storage) AppendEvent(transferID int64, status, message string, metadata map[string]any) error {
	s.globalLock.Lock()
	defer s.globalLock.Unlock()

	wTx := s.db.WriteTx()
	defer wTx.Discard()
	if _, err := s.transferTx(wTx, transferID); err != nil {
		return err
	}
	if err := s.appendEventTx(wTx, transferID, status, message, metadata); err != nil {
		return err
	}
	if err := wTx.Commit(); err != nil {
		return fmt.Errorf("commit event: %w", err)
	}
	return nil
}

// Events returns the audit log of a transfer, oldest first.
func (s *Storage) Events(transferID int64) ([]*types.TransferEvent, error) {
	var out []*types.TransferEvent
	var decodeErr error
	err := s.eventsReader().Iterate(encodeID(transferID), func(k, v []byte) bool {
		ev := new(types.TransferEvent)
		if err := DecodeArtifact(v, ev); err != nil {
			decodeErr = fmt.Errorf("decode event for transfer %d: %w", transferID, err)
			return false
		}
		out = append(out, ev)
		return true
	})
	if decodeErr != nil {
		return nil, decodeErr
	}
	if err != nil {
		return nil, err
	}
	return out, nil
}
