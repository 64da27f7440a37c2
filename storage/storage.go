// Package storage defines the persistence interface used by sealbox, and
// provides backends that keep data in memory, in a single file, or in a
// SQLite database.
//
// Backends store opaque byte values under string keys. They do not interpret
// or encrypt the values they hold.
package storage

import (
	"context"
	"errors"
	"fmt"
)

// ErrNotFound is reported by Get when the requested key is not present.
var ErrNotFound = errors.New("key not found")

// A Backend is a persistent key-value store.
type Backend interface {
	// Get returns the value stored for key, or ErrNotFound.
	Get(ctx context.Context, key string) ([]byte, error)

	// Put stores value under key, replacing any previous value.
	Put(ctx context.Context, key string, value []byte) error

	// Delete removes key. Deleting a key that is not present is not an error.
	Delete(ctx context.Context, key string) error

	// List returns the keys having the given prefix, in lexicographic order.
	List(ctx context.Context, prefix string) ([]string, error)

	// Apply applies ops in order as a single unit: either all of them take
	// effect, or none of them do.
	Apply(ctx context.Context, ops []Op) error

	// Close releases any resources held by the backend.
	Close() error
}

// An Op is a single mutation applied by Backend.Apply. If Delete is true the
// key is removed and Value is ignored; otherwise Value is stored under Key.
type Op struct {
	Key    string
	Value  []byte
	Delete bool
}

// PutOp returns an Op that stores value under key.
func PutOp(key string, value []byte) Op { return Op{Key: key, Value: value} }

// DeleteOp returns an Op that removes key.
func DeleteOp(key string) Op { return Op{Key: key, Delete: true} }

// Kinds of backend understood by Open.
const (
	KindMemory = "memory"
	KindFile   = "file"
	KindSQLite = "sqlite"
)

// Open opens a backend of the given kind at path. The path is ignored for
// the memory backend.
func Open(kind, path string) (Backend, error) {
	switch kind {
	case KindMemory:
		return NewMemory(), nil
	case KindFile, "":
		if path == "" {
			return nil, errors.New("file backend requires a path")
		}
		return OpenFile(path)
	case KindSQLite:
		if path == "" {
			return nil, errors.New("sqlite backend requires a path")
		}
		return OpenSQLite(path)
	default:
		return nil, fmt.Errorf("unknown backend %q", kind)
	}
}
