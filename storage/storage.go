// Package storage defines the persistence boundary for services hosted
// behind Dealers. The messaging core never touches it; service handlers
// receive a Store and keep their state behind it. Two reference
// implementations ship with meshrpc: memstore (in-memory) and boltstore
// (single-file bbolt database).
package storage

import (
	"context"
	"errors"
)

var (
	// ErrKeyNotFound reports a Get against an absent key.
	ErrKeyNotFound = errors.New("storage: key not found")

	// ErrStop lets a scan callback end the iteration early without error.
	ErrStop = errors.New("storage: stop iteration")

	// ErrClosed reports an operation against a closed store.
	ErrClosed = errors.New("storage: store closed")

	// ErrInvalidIndex reports an IndexEntry with an empty name or value.
	ErrInvalidIndex = errors.New("storage: index name and value must be non-empty")
)

// IndexEntry names one secondary-index cell an entry is reachable through.
// Index names are flat namespaces; values are opaque bytes.
type IndexEntry struct {
	Name  string
	Value []byte
}

// Visit receives one entry during a scan. The key and value slices are only
// valid for the duration of the callback; copy them to retain. Returning
// ErrStop ends the iteration early without error; any other error aborts
// the scan and is returned to the caller.
type Visit func(key, value []byte) error

// Store is a byte-keyed document store with ordered prefix scans and
// secondary indexes. Implementations are safe for concurrent use. Scan
// callbacks run under the store's read lock (or read transaction) and must
// not call back into the store.
type Store interface {
	// Get returns the value stored under key, or ErrKeyNotFound.
	Get(ctx context.Context, key []byte) ([]byte, error)

	// Put stores value under key, replacing any previous value and the
	// key's whole secondary-index entry set. Entries with an empty name
	// or value are rejected with ErrInvalidIndex.
	Put(ctx context.Context, key, value []byte, indexes ...IndexEntry) error

	// Delete removes key, its value and its index entries. Deleting an
	// absent key is a no-op.
	Delete(ctx context.Context, key []byte) error

	// Scan visits every entry whose key starts with prefix, in ascending
	// key order. An empty prefix visits the whole store.
	Scan(ctx context.Context, prefix []byte, fn Visit) error

	// ByIndex visits every entry carrying the given index cell, in
	// ascending key order.
	ByIndex(ctx context.Context, index string, value []byte, fn Visit) error

	// Close releases the store. Further operations return ErrClosed.
	Close() error
}
