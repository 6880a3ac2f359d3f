package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/andrei-cloud/posguard/internal/storage"
)

const (
	// JournalCap is the number of records kept in the journal.
	JournalCap = 100

	keyJournal = "journal"
)

// ErrRecordNotFound is returned by lookups that match nothing.
var ErrRecordNotFound = errors.New("transaction record not found")

func decodeJournal(raw []byte) ([]TransactionRecord, error) {
	var recs []TransactionRecord
	if err := json.Unmarshal(raw, &recs); err != nil {
		return nil, fmt.Errorf("%w: journal: %w", ErrCorruptValue, err)
	}

	return recs, nil
}

// AppendJournal stores rec as the most recent entry, evicting the oldest
// entries beyond JournalCap. The PAN is masked before it is written.
func (l *Ledger) AppendJournal(ctx context.Context, rec TransactionRecord) error {
	rec.PAN = MaskPAN(rec.PAN)
	if rec.Timestamp.IsZero() {
		rec.Timestamp = l.now().UTC()
	}

	err := l.backend.Update(ctx, keyJournal, func(cur []byte, found bool) ([]byte, error) {
		var recs []TransactionRecord
		if found {
			var err error
			if recs, err = decodeJournal(cur); err != nil {
				return nil, err
			}
		}
		recs = append([]TransactionRecord{rec}, recs...)
		if len(recs) > JournalCap {
			recs = recs[:JournalCap]
		}

		return json.Marshal(recs)
	})

	return storeErr("append journal", err)
}

func (l *Ledger) journal(ctx context.Context) ([]TransactionRecord, error) {
	raw, err := l.backend.Get(ctx, keyJournal)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	return decodeJournal(raw)
}

// ListLastTransactions returns up to n records, most recent first.
func (l *Ledger) ListLastTransactions(ctx context.Context, n int) ([]TransactionRecord, error) {
	recs, err := l.journal(ctx)
	if err != nil {
		return nil, storeErr("list journal", err)
	}
	if n >= 0 && n < len(recs) {
		recs = recs[:n]
	}

	return recs, nil
}

// FindByRrn returns the most recent record with the given RRN.
func (l *Ledger) FindByRrn(ctx context.Context, rrn string) (TransactionRecord, error) {
	recs, err := l.journal(ctx)
	if err != nil {
		return TransactionRecord{}, storeErr("find by rrn", err)
	}
	for _, r := range recs {
		if r.RRN == rrn {
			return r, nil
		}
	}

	return TransactionRecord{}, fmt.Errorf("%w: rrn %s", ErrRecordNotFound, rrn)
}

// LastApprovedRRN returns the RRN of the newest approved, non-reversal record,
// used to prefill reversal and refund screens.
func (l *Ledger) LastApprovedRRN(ctx context.Context) (string, error) {
	recs, err := l.journal(ctx)
	if err != nil {
		return "", storeErr("last approved rrn", err)
	}
	for _, r := range recs {
		if r.Status == StatusApproved && !r.IsReversal {
			return r.RRN, nil
		}
	}

	return "", ErrRecordNotFound
}
