// Package db defines the key-value database interface used by the relayer
// store, with pluggable backends (pebble, mongodb, inmemory).
package db

import "errors"

var (
	// ErrKeyNotFound is returned by Get when the key does not exist.
	ErrKeyNotFound = errors.New("key not found")
	// ErrConflict is returned by Commit when the transaction conflicts with
	// a concurrent write (only backends with conflict detection return it).
	ErrConflict = errors.New("transaction conflict")
)

// Backend type identifiers accepted by metadb.New.
const (
	TypePebble   = "pebble"
	TypeMongo    = "mongodb"
	TypeInMemory = "inmemory"
)

// Options groups the parameters needed to open a database backend.
type Options struct {
	// Path is the filesystem directory for embedded backends.
	Path string
	// URL is the connection string for server backends (mongodb).
	URL string
}

// Database is a minimal key-value store with prefix iteration and write
// transactions.
type Database interface {
	Reader
	// WriteTx starts a new write transaction.
	WriteTx() WriteTx
	// Close releases the underlying resources.
	Close() error
	// Compact triggers a storage compaction, if the backend supports it.
	Compact() error
}

// Reader is the read-only surface of a Database.
type Reader interface {
	// Get returns the value for key, or ErrKeyNotFound.
	Get(key []byte) ([]byte, error)
	// Iterate calls callback for every key with the given prefix, in
	// lexicographic key order, until callback returns false. The key and
	// value slices are only valid for the duration of the callback.
	Iterate(prefix []byte, callback func(key, value []byte) bool) error
}

// WriteTx is a write transaction. It must be finished with Commit or
// Discard. Reads observe the pending writes of the same transaction.
type WriteTx interface {
	Reader
	// Set stores the value under key.
	Set(key, value []byte) error
	// Delete removes key.
	Delete(key []byte) error
	// Apply copies the pending writes of another transaction into this one.
	Apply(other WriteTx) error
	// Commit atomically applies the pending writes.
	Commit() error
	// Discard drops the pending writes. Safe to call after Commit.
	Discard()
}
