package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/andrei-cloud/posguard/internal/metrics"
	"github.com/andrei-cloud/posguard/internal/storage"
)

const (
	keyReversalPrefix = "reversal/"
	keyReversalSeq    = "meta/reversal_seq"
)

// PendingReversal is a reversal waiting to be delivered to the host.
type PendingReversal struct {
	ID         int64             `json:"id"`
	Record     TransactionRecord `json:"record"`
	EnqueuedAt time.Time         `json:"enqueued_at"`
}

func reversalKey(id int64) string {
	return fmt.Sprintf("%s%020d", keyReversalPrefix, id)
}

// EnqueueReversal appends rec to the reversal queue and returns its id.
// Ids grow with insertion order and are never reused.
func (l *Ledger) EnqueueReversal(ctx context.Context, rec TransactionRecord) (int64, error) {
	var id int64
	err := l.backend.Update(ctx, keyReversalSeq, func(cur []byte, found bool) ([]byte, error) {
		if found {
			n, err := strconv.ParseInt(strings.TrimSpace(string(cur)), 10, 64)
			if err != nil || n < 0 {
				return nil, fmt.Errorf("%w: reversal sequence %q", ErrCorruptValue, cur)
			}
			id = n
		}
		id++

		return []byte(strconv.FormatInt(id, 10)), nil
	})
	if err != nil {
		return 0, storeErr("enqueue reversal", err)
	}

	rec.PAN = MaskPAN(rec.PAN)
	rec.IsReversal = true
	if rec.Timestamp.IsZero() {
		rec.Timestamp = l.now().UTC()
	}
	raw, err := json.Marshal(PendingReversal{ID: id, Record: rec, EnqueuedAt: l.now().UTC()})
	if err != nil {
		return 0, storeErr("enqueue reversal", err)
	}
	if err := l.backend.Put(ctx, reversalKey(id), raw); err != nil {
		return 0, storeErr("enqueue reversal", err)
	}
	l.observeQueue(ctx)

	return id, nil
}

// ListPendingReversals returns queued reversals oldest first.
func (l *Ledger) ListPendingReversals(ctx context.Context) ([]PendingReversal, error) {
	keys, err := l.backend.List(ctx, keyReversalPrefix)
	if err != nil {
		return nil, storeErr("list reversals", err)
	}

	out := make([]PendingReversal, 0, len(keys))
	for _, k := range keys {
		raw, err := l.backend.Get(ctx, k)
		if errors.Is(err, storage.ErrNotFound) {
			continue // removed concurrently
		}
		if err != nil {
			return nil, storeErr("list reversals", err)
		}
		var pr PendingReversal
		if err := json.Unmarshal(raw, &pr); err != nil {
			return nil, storeErr("list reversals", fmt.Errorf("%w: %s: %w", ErrCorruptValue, k, err))
		}
		out = append(out, pr)
	}

	return out, nil
}

// RemoveReversal deletes the reversal with id. Removing an absent id is a no-op.
func (l *Ledger) RemoveReversal(ctx context.Context, id int64) error {
	err := l.backend.Delete(ctx, reversalKey(id))
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return storeErr("remove reversal", err)
	}
	l.observeQueue(ctx)

	return nil
}

func (l *Ledger) observeQueue(ctx context.Context) {
	if keys, err := l.backend.List(ctx, keyReversalPrefix); err == nil {
		metrics.PendingReversals.Set(float64(len(keys)))
	}
}
