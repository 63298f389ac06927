/*
Package store provides the durable persistence layer for the relayer.

# Storage organization

All artifacts live in a single key-value database under prefixed namespaces:

  - tf/ : transferID (8 bytes, big endian) → SignedTransfer
  - nx/ : nonce → transferID (enforces global nonce uniqueness)
  - ev/ : transferID + eventID → TransferEvent (append-only audit log)
  - m/  : counters (next transfer ID, next event ID)

Namespaces are accessed through prefixeddb views sharing one write
transaction per operation, so every state change commits atomically.

Transfer IDs are allocated from a monotonic counter and encoded big endian,
so iterating tf/ in key order yields transfers in creation order.

Writers are serialized with a global lock; reads go through an LRU cache
keyed by transfer ID.
*/
package store

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/aionpay/relayer/db"
	"github.com/aionpay/relayer/db/prefixeddb"
	"github.com/aionpay/relayer/types"
)

var (
	// ErrNotFound is returned when the requested transfer does not exist.
	ErrNotFound = errors.New("not found")
	// ErrNonceAlreadyExists is returned by InsertReceived when another
	// transfer already holds the nonce.
	ErrNonceAlreadyExists = errors.New("nonce already exists")
	// ErrInvalidTransition is returned by UpdateStatus when the requested
	// status change is not allowed by the transfer state machine.
	ErrInvalidTransition = errors.New("invalid status transition")
)

var (
	transferPrefix = []byte("tf/")
	noncePrefix    = []byte("nx/")
	eventPrefix    = []byte("ev/")
	metaPrefix     = []byte("m/")

	nextTransferIDKey = []byte("nextTransferID")
	nextEventIDKey    = []byte("nextEventID")
)

const cacheSize = 1024

// Storage manages signed transfers and their event logs on top of a
// key-value database.
type Storage struct {
	db         db.Database
	globalLock sync.Mutex
	cache      *lru.Cache[int64, *types.SignedTransfer]
}

// New creates a new Storage instance over the given database.
func New(database db.Database) (*Storage, error) {
	cache, err := lru.New[int64, *types.SignedTransfer](cacheSize)
	if err != nil {
		return nil, fmt.Errorf("create transfer cache: %w", err)
	}
	return &Storage{db: database, cache: cache}, nil
}

// Close closes the underlying database.
func (s *Storage) Close() error {
	s.globalLock.Lock()
	defer s.globalLock.Unlock()
	s.cache.Purge()
	return s.db.Close()
}

// encodeID encodes an ID as 8 bytes big endian so lexicographic key order
// matches numeric order.
func encodeID(id int64) []byte {
	key := make([]byte, 8)
	binary.BigEndian.PutUint64(key, uint64(id))
	return key
}

func decodeID(key []byte) int64 {
	return int64(binary.BigEndian.Uint64(key))
}

// Namespace views. Writers created over the same underlying transaction
// share it, so a commit is atomic across namespaces.

func (s *Storage) transfersReader() db.Reader {
	return prefixeddb.NewPrefixedReader(s.db, transferPrefix)
}

func (s *Storage) noncesReader() db.Reader {
	return prefixeddb.NewPrefixedReader(s.db, noncePrefix)
}

func (s *Storage) eventsReader() db.Reader {
	return prefixeddb.NewPrefixedReader(s.db, eventPrefix)
}

func transfersTx(tx db.WriteTx) db.WriteTx {
	return prefixeddb.NewPrefixedWriteTx(tx, transferPrefix)
}

func noncesTx(tx db.WriteTx) db.WriteTx {
	return prefixeddb.NewPrefixedWriteTx(tx, noncePrefix)
}

func eventsTx(tx db.WriteTx) db.WriteTx {
	return prefixeddb.NewPrefixedWriteTx(tx, eventPrefix)
}

func metaTx(tx db.WriteTx) db.WriteTx {
	return prefixeddb.NewPrefixedWriteTx(tx, metaPrefix)
}

// nextID atomically increments and returns the counter stored under key
// within the given transaction. The first allocated ID is 1.
func nextID(tx db.WriteTx, key []byte) (int64, error) {
	meta := metaTx(tx)
	var next int64 = 1
	if raw, err := meta.Get(key); err == nil {
		next = decodeID(raw) + 1
	} else if !errors.Is(err, db.ErrKeyNotFound) {
		return 0, err
	}
	if err := meta.Set(key, encodeID(next)); err != nil {
		return 0, err
	}
	return next, nil
}

// eventRowKey namespaces events per transfer within the events view; the
// eventID suffix is a global monotonic counter, so per-transfer key order is
// chronological.
func eventRowKey(transferID, eventID int64) []byte {
	return append(encodeID(transferID), encodeID(eventID)...)
}
