package storage

import (
	"errors"
)

// Common errors
var (
	ErrNotFound    = errors.New("not found")
	ErrCorrupt     = errors.New("store corrupt")
	ErrWriteFailed = errors.New("write failed")
	ErrStoreFull   = errors.New("store full")
)

// Store defines the key-value storage interface backing the session records.
// Keys are single-byte identifiers; values are small opaque records. Put is
// durable when it returns: the record has been flushed to the underlying
// medium.
type Store interface {
	Get(key byte) ([]byte, error)
	Put(key byte, value []byte) error
	Delete(key byte) error
	Close() error
}
