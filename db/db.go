// Package db defines the key-value database interface shared by the storage
// backends of the node.
package db

import "errors"

// Database types accepted by the node configuration.
const (
	TypePebble = "pebble"
	TypeInMem  = "inmem"
	TypeMongo  = "mongodb"
)

var (
	// ErrKeyNotFound is returned by Get when the key does not exist.
	ErrKeyNotFound = errors.New("key not found")
	// ErrConflict is returned by Commit when a concurrent transaction modified
	// a key read or written by this one.
	ErrConflict = errors.New("transaction conflict")
)

// Options configures a database. Path is a directory for embedded
// databases and a database name for remote ones.
type Options struct {
	Path string
}

// Database is a key-value store with ordered iteration and write
// transactions.
type Database interface {
	// Get returns the value of key or ErrKeyNotFound.
	Get(key []byte) ([]byte, error)
	// Iterate calls callback for every key starting with prefix, in
	// ascending key order. Keys are passed without the prefix. Iteration
	// stops when callback returns false. The slices are only valid during
	// the callback.
	Iterate(prefix []byte, callback func(key, value []byte) bool) error
	// WriteTx starts a write transaction.
	WriteTx() WriteTx
	Close() error
	Compact() error
}

// WriteTx buffers writes until Commit. Reads see the pending writes of the
// transaction.
type WriteTx interface {
	Get(key []byte) ([]byte, error)
	Iterate(prefix []byte, callback func(key, value []byte) bool) error
	Set(key, value []byte) error
	Delete(key []byte) error
	// Apply copies the pending writes of other into this transaction.
	Apply(other WriteTx) error
	Commit() error
	// Discard drops the pending writes. It is safe to call after Commit.
	Discard()
}

// UnwrapWriteTx returns the innermost WriteTx of a chain of wrappers.
func UnwrapWriteTx(tx WriteTx) WriteTx {
	for {
		u, ok := tx.(interface{ Unwrap() WriteTx })
		if !ok {
			return tx
		}
		tx = u.Unwrap()
	}
}
