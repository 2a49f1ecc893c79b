// Package kv is a small key-value store used for state that must survive
// restarts but does not belong in the history database.
package kv

import (
	"context"
	"errors"
	"strings"
)

// ErrNotFound is returned when a key does not exist in the store.
var ErrNotFound = errors.New("kv: not found")

// Key is a hierarchical path such as Key{"profile", "snapshot"}.
// Segments must not contain ':'.
type Key []string

func (k Key) String() string { return strings.Join(k, ":") }

func (k Key) encode() []byte { return []byte(k.String()) }

// Store is implemented by Memory and Badger.
type Store interface {
	// Get returns ErrNotFound if the key is absent.
	Get(ctx context.Context, key Key) ([]byte, error)
	Set(ctx context.Context, key Key, value []byte) error
	// Delete is a no-op for missing keys.
	Delete(ctx context.Context, key Key) error
	Close() error
}
