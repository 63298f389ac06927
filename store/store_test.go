package store

import (
	"testing"
	"time"

	qt "github.com/frankban/quicktest"

	"github.com/aionpay/relayer/db"
	"github.com/aionpay/relayer/db/metadb"
	"github.com/aionpay/relayer/types"
)

func newTestStorage(t *testing.T) *Storage {
	t.Helper()
	database, err := metadb.New(db.TypePebble, db.Options{Path: t.TempDir()})
	qt.Assert(t, err, qt.IsNil)
	s, err := New(database)
	qt.Assert(t, err, qt.IsNil)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func testTransfer(nonce byte) *types.SignedTransfer {
	return &types.SignedTransfer{
		Nonce:           types.HexBytes{0xaa, 0xbb, nonce},
		From:            "0xabcdef1111111111111111111111111111111111",
		To:              "0x2222222222222222222222222222222222222222",
		Amount:          "1.5",
		Deadline:        time.Now().Add(time.Hour).Unix(),
		Signature:       make(types.HexBytes, 65),
		ContractAddress: "0x3333333333333333333333333333333333333333",
	}
}

func TestInsertReceived(t *testing.T) {
	c := qt.New(t)
	s := newTestStorage(t)

	id, err := s.InsertReceived(testTransfer(1))
	c.Assert(err, qt.IsNil)
	c.Assert(id, qt.Equals, int64(1))

	got, err := s.Transfer(id)
	c.Assert(err, qt.IsNil)
	c.Assert(got.Status, qt.Equals, types.TransferStatusReceived)
	c.Assert(got.CreatedAt.IsZero(), qt.IsFalse)

	// IDs are monotonic.
	id2, err := s.InsertReceived(testTransfer(2))
	c.Assert(err, qt.IsNil)
	c.Assert(id2, qt.Equals, int64(2))

	// The insert appended the initial event.
	events, err := s.Events(id)
	c.Assert(err, qt.IsNil)
	c.Assert(events, qt.HasLen, 1)
	c.Assert(events[0].Status, qt.Equals, string(types.TransferStatusReceived))
}

func TestInsertReceivedDuplicateNonce(t *testing.T) {
	c := qt.New(t)
	s := newTestStorage(t)

	_, err := s.InsertReceived(testTransfer(1))
	c.Assert(err, qt.IsNil)

	_, err = s.InsertReceived(testTransfer(1))
	c.Assert(err, qt.Equals, ErrNonceAlreadyExists)

	// The duplicate left no partial state behind.
	counts, err := s.CountByStatus()
	c.Assert(err, qt.IsNil)
	c.Assert(counts[types.TransferStatusReceived], qt.Equals, 1)
}

func TestTransferByNonce(t *testing.T) {
	c := qt.New(t)
	s := newTestStorage(t)

	tf := testTransfer(7)
	id, err := s.InsertReceived(tf)
	c.Assert(err, qt.IsNil)

	got, err := s.TransferByNonce(tf.Nonce)
	c.Assert(err, qt.IsNil)
	c.Assert(got.ID, qt.Equals, id)

	_, err = s.TransferByNonce(types.HexBytes{0xde, 0xad})
	c.Assert(err, qt.Equals, ErrNotFound)
}

func TestUpdateStatusLifecycle(t *testing.T) {
	c := qt.New(t)
	s := newTestStorage(t)

	id, err := s.InsertReceived(testTransfer(1))
	c.Assert(err, qt.IsNil)

	got, err := s.UpdateStatus(id, types.TransferStatusValidated, nil)
	c.Assert(err, qt.IsNil)
	c.Assert(got.ValidatedAt, qt.IsNotNil)

	got, err = s.UpdateStatus(id, types.TransferStatusPending, nil)
	c.Assert(err, qt.IsNil)
	c.Assert(got.SubmittedAt, qt.IsNil)

	// Submission is a sub-state of pending: it records txHash and
	// submittedAt without a status change.
	got, err = s.RecordSubmission(id, "0xabc")
	c.Assert(err, qt.IsNil)
	c.Assert(got.Status, qt.Equals, types.TransferStatusPending)
	c.Assert(got.SubmittedAt, qt.IsNotNil)
	c.Assert(got.TxHash, qt.Equals, "0xabc")

	got, err = s.UpdateStatus(id, types.TransferStatusConfirmed, &StatusUpdate{BlockNumber: 42, GasUsed: 21000})
	c.Assert(err, qt.IsNil)
	c.Assert(got.ConfirmedAt, qt.IsNotNil)
	c.Assert(got.BlockNumber, qt.Equals, uint64(42))

	// Confirmed is terminal.
	_, err = s.UpdateStatus(id, types.TransferStatusFailed, nil)
	c.Assert(err, qt.ErrorIs, ErrInvalidTransition)
	_, err = s.RecordSubmission(id, "0xdef")
	c.Assert(err, qt.ErrorIs, ErrInvalidTransition)

	events, err := s.Events(id)
	c.Assert(err, qt.IsNil)
	c.Assert(events, qt.HasLen, 5)
	c.Assert(events[3].Status, qt.Equals, "submitted")
	c.Assert(events[3].Metadata["txHash"], qt.Equals, "0xabc")
	c.Assert(events[4].Status, qt.Equals, string(types.TransferStatusConfirmed))
	c.Assert(events[4].Metadata["gasUsed"], qt.Equals, uint64(21000))
}

func TestUpdateStatusRetryCycle(t *testing.T) {
	c := qt.New(t)
	s := newTestStorage(t)

	id, err := s.InsertReceived(testTransfer(1))
	c.Assert(err, qt.IsNil)

	_, err = s.UpdateStatus(id, types.TransferStatusValidated, nil)
	c.Assert(err, qt.IsNil)
	_, err = s.UpdateStatus(id, types.TransferStatusPending, nil)
	c.Assert(err, qt.IsNil)

	got, err := s.UpdateStatus(id, types.TransferStatusFailed, &StatusUpdate{
		ErrorMessage:   "network error",
		IncrementRetry: true,
	})
	c.Assert(err, qt.IsNil)
	c.Assert(got.RetryCount, qt.Equals, 1)
	c.Assert(got.FailedAt, qt.IsNotNil)
	c.Assert(got.ErrorMessage, qt.Equals, "network error")

	// Re-queue for retry clears the error.
	got, err = s.UpdateStatus(id, types.TransferStatusValidated, nil)
	c.Assert(err, qt.IsNil)
	c.Assert(got.ErrorMessage, qt.Equals, "")
	c.Assert(got.RetryCount, qt.Equals, 1)
}

func TestUpdateStatusInvalidTransitions(t *testing.T) {
	c := qt.New(t)
	s := newTestStorage(t)

	id, err := s.InsertReceived(testTransfer(1))
	c.Assert(err, qt.IsNil)

	// received cannot jump straight to pending or confirmed.
	_, err = s.UpdateStatus(id, types.TransferStatusPending, nil)
	c.Assert(err, qt.ErrorIs, ErrInvalidTransition)
	_, err = s.UpdateStatus(id, types.TransferStatusConfirmed, nil)
	c.Assert(err, qt.ErrorIs, ErrInvalidTransition)

	_, err = s.UpdateStatus(999, types.TransferStatusValidated, nil)
	c.Assert(err, qt.Equals, ErrNotFound)
}

func TestListByStatus(t *testing.T) {
	c := qt.New(t)
	s := newTestStorage(t)

	for i := byte(1); i <= 5; i++ {
		_, err := s.InsertReceived(testTransfer(i))
		c.Assert(err, qt.IsNil)
	}
	for _, id := range []int64{2, 4} {
		_, err := s.UpdateStatus(id, types.TransferStatusValidated, nil)
		c.Assert(err, qt.IsNil)
	}

	validated, err := s.ListByStatus(types.TransferStatusValidated, 0)
	c.Assert(err, qt.IsNil)
	c.Assert(validated, qt.HasLen, 2)
	// Oldest first.
	c.Assert(validated[0].ID, qt.Equals, int64(2))
	c.Assert(validated[1].ID, qt.Equals, int64(4))

	limited, err := s.ListByStatus(types.TransferStatusReceived, 2)
	c.Assert(err, qt.IsNil)
	c.Assert(limited, qt.HasLen, 2)
}

func TestListRetryable(t *testing.T) {
	c := qt.New(t)
	s := newTestStorage(t)

	fail := func(id int64, times int) {
		_, err := s.UpdateStatus(id, types.TransferStatusValidated, nil)
		c.Assert(err, qt.IsNil)
		for i := 0; i < times; i++ {
			_, err = s.UpdateStatus(id, types.TransferStatusPending, nil)
			c.Assert(err, qt.IsNil)
			_, err = s.UpdateStatus(id, types.TransferStatusFailed, &StatusUpdate{IncrementRetry: true})
			c.Assert(err, qt.IsNil)
			if i < times-1 {
				_, err = s.UpdateStatus(id, types.TransferStatusValidated, nil)
				c.Assert(err, qt.IsNil)
			}
		}
	}

	id1, err := s.InsertReceived(testTransfer(1))
	c.Assert(err, qt.IsNil)
	fail(id1, 1)

	id2, err := s.InsertReceived(testTransfer(2))
	c.Assert(err, qt.IsNil)
	fail(id2, 3)

	retryable, err := s.ListRetryable(3, 0)
	c.Assert(err, qt.IsNil)
	c.Assert(retryable, qt.HasLen, 1)
	c.Assert(retryable[0].ID, qt.Equals, id1)
}

func TestListForAddress(t *testing.T) {
	c := qt.New(t)
	s := newTestStorage(t)

	for i := byte(1); i <= 3; i++ {
		_, err := s.InsertReceived(testTransfer(i))
		c.Assert(err, qt.IsNil)
	}
	other := testTransfer(4)
	other.From = "0x9999999999999999999999999999999999999999"
	other.To = "0x8888888888888888888888888888888888888888"
	_, err := s.InsertReceived(other)
	c.Assert(err, qt.IsNil)

	// Matching is case-insensitive, newest first.
	got, err := s.ListForAddress("0xABCDEF1111111111111111111111111111111111", 2)
	c.Assert(err, qt.IsNil)
	c.Assert(got, qt.HasLen, 2)
	c.Assert(got[0].ID, qt.Equals, int64(3))
	c.Assert(got[1].ID, qt.Equals, int64(2))

	got, err = s.ListForAddress("0x2222222222222222222222222222222222222222", 0)
	c.Assert(err, qt.IsNil)
	c.Assert(got, qt.HasLen, 3)
}

func TestPersistenceAcrossReopen(t *testing.T) {
	c := qt.New(t)
	dir := t.TempDir()

	database, err := metadb.New(db.TypePebble, db.Options{Path: dir})
	c.Assert(err, qt.IsNil)
	s, err := New(database)
	c.Assert(err, qt.IsNil)

	tf := testTransfer(1)
	id, err := s.InsertReceived(tf)
	c.Assert(err, qt.IsNil)
	_, err = s.UpdateStatus(id, types.TransferStatusValidated, nil)
	c.Assert(err, qt.IsNil)
	c.Assert(s.Close(), qt.IsNil)

	database, err = metadb.New(db.TypePebble, db.Options{Path: dir})
	c.Assert(err, qt.IsNil)
	s, err = New(database)
	c.Assert(err, qt.IsNil)
	defer func() { _ = s.Close() }()

	got, err := s.Transfer(id)
	c.Assert(err, qt.IsNil)
	c.Assert(got.Status, qt.Equals, types.TransferStatusValidated)
	c.Assert(got.Nonce, qt.DeepEquals, tf.Nonce)

	// Nonce uniqueness survives restart.
	_, err = s.InsertReceived(testTransfer(1))
	c.Assert(err, qt.Equals, ErrNonceAlreadyExists)

	// The ID counter continues where it left off.
	id2, err := s.InsertReceived(testTransfer(2))
	c.Assert(err, qt.IsNil)
	c.Assert(id2, qt.Equals, id+1)
}
