// Package storage defines the durable key-value store behind the sequence
// counters, the transaction journal, the reversal queue and key slot state.
package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrNotFound is returned when a key does not exist.
	ErrNotFound = errors.New("storage: key not found")
	// ErrInvalidKey is returned for empty keys or keys escaping the namespace.
	ErrInvalidKey = errors.New("storage: invalid key")
)

// UpdateFunc receives the current value (nil and found=false if absent) and
// returns the value to store.
type UpdateFunc func(current []byte, found bool) ([]byte, error)

// Backend is a durable key-value store. Implementations are safe for
// concurrent use.
type Backend interface {
	// Get returns ErrNotFound if key does not exist.
	Get(ctx context.Context, key string) ([]byte, error)
	Put(ctx context.Context, key string, value []byte) error
	// Delete returns ErrNotFound if key does not exist.
	Delete(ctx context.Context, key string) error
	// List returns the keys starting with prefix in lexical order.
	List(ctx context.Context, prefix string) ([]string, error)
	// Update runs fn and stores its result as one atomic read-modify-write.
	// No write happens if fn returns an error.
	Update(ctx context.Context, key string, fn UpdateFunc) error
	Close() error
}

// ValidateKey rejects keys that are empty, absolute or contain path traversal.
func ValidateKey(key string) error {
	if key == "" || strings.HasPrefix(key, "/") || strings.HasSuffix(key, "/") {
		return fmt.Errorf("%w: %q", ErrInvalidKey, key)
	}
	for _, part := range strings.Split(key, "/") {
		if part == "" || part == "." || part == ".." {
			return fmt.Errorf("%w: %q", ErrInvalidKey, key)
		}
	}

	return nil
}
