package ledger

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/andrei-cloud/posguard/internal/metrics"
	"github.com/andrei-cloud/posguard/internal/storage"
)

const (
	// MaxCounter is the largest value any sequence counter returns.
	MaxCounter = 999999

	keyStan          = "counter/stan"
	keyBatch         = "counter/batch"
	keyReceiptPrefix = "counter/receipt/"
	keyBatchMigrated = "meta/batch_migrated"

	legacyBatchDigits = 9
)

var (
	batchPattern = regexp.MustCompile(`^[0-9]{6}$`)

	// ErrInvalidBatch is returned for batch numbers that are not six digits.
	ErrInvalidBatch = errors.New("batch number must be six digits")
)

// nextValue is the rollover rule shared by all counters.
func nextValue(cur int) int {
	return (cur % MaxCounter) + 1
}

func parseCounter(raw []byte) (int, error) {
	s := strings.TrimSpace(string(raw))
	n, err := strconv.Atoi(s)
	if err != nil || n < 0 || n > MaxCounter {
		return 0, fmt.Errorf("%w: counter %q", ErrCorruptValue, s)
	}

	return n, nil
}

// increment advances the counter stored at key and returns the new value.
// The value is persisted before it is returned.
func (l *Ledger) increment(ctx context.Context, key string) (int, error) {
	var next int
	err := l.backend.Update(ctx, key, func(cur []byte, found bool) ([]byte, error) {
		n := 0
		if found {
			var err error
			if n, err = parseCounter(cur); err != nil {
				return nil, err
			}
		}
		next = nextValue(n)

		return []byte(strconv.Itoa(next)), nil
	})
	if err != nil {
		return 0, err
	}

	return next, nil
}

// NextStan returns the next system trace audit number in [1, 999999].
func (l *Ledger) NextStan(ctx context.Context) (int, error) {
	l.counterMu.Lock()
	defer l.counterMu.Unlock()

	n, err := l.increment(ctx, keyStan)
	if err != nil {
		return 0, storeErr("next stan", err)
	}
	metrics.CounterValue.WithLabelValues("stan").Set(float64(n))

	return n, nil
}

// NextBatchNumber closes the current batch and returns the next one as a
// six-digit string.
func (l *Ledger) NextBatchNumber(ctx context.Context) (string, error) {
	l.counterMu.Lock()
	defer l.counterMu.Unlock()

	if err := l.migrateBatch(ctx); err != nil {
		return "", storeErr("next batch", err)
	}
	n, err := l.increment(ctx, keyBatch)
	if err != nil {
		return "", storeErr("next batch", err)
	}
	metrics.CounterValue.WithLabelValues("batch").Set(float64(n))

	return formatCounter(n), nil
}

// CurrentBatch returns the open batch number; an unset counter is batch 1.
func (l *Ledger) CurrentBatch(ctx context.Context) (string, error) {
	l.counterMu.Lock()
	defer l.counterMu.Unlock()

	if err := l.migrateBatch(ctx); err != nil {
		return "", storeErr("current batch", err)
	}
	raw, err := l.backend.Get(ctx, keyBatch)
	if errors.Is(err, storage.ErrNotFound) {
		return formatCounter(1), nil
	}
	if err != nil {
		return "", storeErr("current batch", err)
	}
	n, err := parseCounter(raw)
	if err != nil {
		return "", storeErr("current batch", err)
	}
	if n == 0 {
		n = 1
	}

	return formatCounter(n), nil
}

// NextReceiptNumber returns the next receipt number within batch.
func (l *Ledger) NextReceiptNumber(ctx context.Context, batch string) (string, error) {
	if !batchPattern.MatchString(batch) {
		return "", fmt.Errorf("%w: %q", ErrInvalidBatch, batch)
	}

	l.counterMu.Lock()
	defer l.counterMu.Unlock()

	n, err := l.increment(ctx, keyReceiptPrefix+batch)
	if err != nil {
		return "", storeErr("next receipt", err)
	}
	metrics.CounterValue.WithLabelValues("receipt").Set(float64(n))

	return formatCounter(n), nil
}

// migrateBatch drops a date-based batch value left by older firmware so the
// counter restarts at 1. It runs at most once per store; the persisted flag
// makes any later oversized value a corruption error instead.
func (l *Ledger) migrateBatch(ctx context.Context) error {
	if l.batchMigrated {
		return nil
	}

	_, err := l.backend.Get(ctx, keyBatchMigrated)
	switch {
	case err == nil:
		l.batchMigrated = true

		return nil
	case !errors.Is(err, storage.ErrNotFound):
		return err
	}

	raw, err := l.backend.Get(ctx, keyBatch)
	switch {
	case errors.Is(err, storage.ErrNotFound):
	case err != nil:
		return err
	case isLegacyBatch(raw):
		if err := l.backend.Delete(ctx, keyBatch); err != nil && !errors.Is(err, storage.ErrNotFound) {
			return err
		}
		log.Warn().
			Str("event", "batch_migrated").
			Str("legacy_value", string(raw)).
			Msg("legacy date-based batch number discarded, counter restarts at 1")
	}

	if err := l.backend.Put(ctx, keyBatchMigrated, []byte("1")); err != nil {
		return err
	}
	l.batchMigrated = true

	return nil
}

func isLegacyBatch(raw []byte) bool {
	s := strings.TrimSpace(string(raw))
	if len(s) < legacyBatchDigits {
		return false
	}
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}

	return true
}

func formatCounter(n int) string {
	return fmt.Sprintf("%06d", n)
}
