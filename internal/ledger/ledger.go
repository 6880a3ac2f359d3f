// Package ledger keeps the terminal's durable sequence counters, the bounded
// transaction journal and the pending reversal queue.
package ledger

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/andrei-cloud/posguard/internal/storage"
)

// ErrStore is matched by every *StoreError.
var ErrStore = errors.New("store failure")

// ErrCorruptValue is wrapped when a persisted value cannot be interpreted.
var ErrCorruptValue = errors.New("corrupt stored value")

// StoreError reports a failed durable-store operation.
type StoreError struct {
	Op  string
	Err error
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("ledger %s: %v", e.Op, e.Err)
}

func (e *StoreError) Unwrap() error { return e.Err }

// Is makes errors.Is(err, ErrStore) true for every StoreError.
func (e *StoreError) Is(target error) bool { return target == ErrStore }

// UserMessage is the text safe to show on the terminal display.
func (e *StoreError) UserMessage() string {
	return "transaction count unavailable"
}

func storeErr(op string, err error) error {
	if err == nil {
		return nil
	}
	var se *StoreError
	if errors.As(err, &se) {
		return err
	}

	return &StoreError{Op: op, Err: err}
}

// Ledger is the sequence and queue store. It is safe for concurrent use.
type Ledger struct {
	backend storage.Backend
	now     func() time.Time

	// counterMu serializes counter read-modify-write cycles in this process.
	// Backend.Update extends that across processes for the file and postgres
	// drivers; the memory driver is process-local.
	counterMu     sync.Mutex
	batchMigrated bool
}

// Option configures a Ledger.
type Option func(*Ledger)

// WithClock overrides the time source used for timestamps.
func WithClock(now func() time.Time) Option {
	return func(l *Ledger) { l.now = now }
}

// New returns a Ledger on top of backend.
func New(backend storage.Backend, opts ...Option) *Ledger {
	l := &Ledger{backend: backend, now: time.Now}
	for _, opt := range opts {
		opt(l)
	}

	return l
}
