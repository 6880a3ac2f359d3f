// Package reversal delivers queued reversals to the host in insertion order.
package reversal

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"github.com/andrei-cloud/posguard/internal/backend"
	"github.com/andrei-cloud/posguard/internal/ledger"
)

// Queue is the pending-reversal FIFO. *ledger.Ledger implements it.
type Queue interface {
	ListPendingReversals(ctx context.Context) ([]ledger.PendingReversal, error)
	RemoveReversal(ctx context.Context, id int64) error
}

// Sender delivers one reversal. *backend.Client implements it.
type Sender interface {
	SendReversal(ctx context.Context, req backend.ReversalRequest) (*backend.ReversalResponse, error)
}

// Result summarizes one replay pass.
type Result struct {
	Delivered []int64 `json:"delivered"`
	Rejected  []int64 `json:"rejected,omitempty"`
	Remaining int     `json:"remaining"`
}

// Replayer drains the queue. It is not safe for concurrent Replay calls.
type Replayer struct {
	queue      Queue
	sender     Sender
	terminalID string
	limiter    *rate.Limiter
}

// New returns a Replayer sending at most ratePerMinute reversals per minute.
// A non-positive rate disables pacing.
func New(queue Queue, sender Sender, terminalID string, ratePerMinute int) *Replayer {
	limit := rate.Inf
	if ratePerMinute > 0 {
		limit = rate.Limit(float64(ratePerMinute) / 60.0)
	}

	return &Replayer{
		queue:      queue,
		sender:     sender,
		terminalID: terminalID,
		limiter:    rate.NewLimiter(limit, 1),
	}
}

// Replay sends every pending reversal oldest first. A delivered reversal is
// removed from the queue. A reversal the host declines stays queued and the
// pass continues. The pass stops at the first transport failure so later
// entries never overtake an earlier one.
func (r *Replayer) Replay(ctx context.Context) (Result, error) {
	var res Result

	pending, err := r.queue.ListPendingReversals(ctx)
	if err != nil {
		return res, err
	}

	for i, pr := range pending {
		if err := r.limiter.Wait(ctx); err != nil {
			res.Remaining = len(pending) - i + len(res.Rejected)
			return res, fmt.Errorf("replay paused: %w", err)
		}

		resp, err := r.sender.SendReversal(ctx, backend.ReversalRequest{
			TerminalID: r.terminalID,
			ReversalID: pr.ID,
			Record:     pr.Record,
		})
		switch {
		case err == nil:
		case errors.Is(err, backend.ErrRejected):
			log.Warn().
				Err(err).
				Str("event", "reversal_declined").
				Int64("reversal_id", pr.ID).
				Str("rrn", pr.Record.RRN).
				Msg("host declined reversal, keeping it queued")
			res.Rejected = append(res.Rejected, pr.ID)

			continue
		default:
			res.Remaining = len(pending) - i + len(res.Rejected)
			log.Warn().
				Err(err).
				Str("event", "reversal_replay_stopped").
				Int64("reversal_id", pr.ID).
				Int("remaining", res.Remaining).
				Msg("host unreachable, replay stopped")

			return res, err
		}

		if err := r.queue.RemoveReversal(ctx, pr.ID); err != nil {
			res.Remaining = len(pending) - i + len(res.Rejected)
			return res, err
		}
		res.Delivered = append(res.Delivered, pr.ID)

		log.Info().
			Str("event", "reversal_replayed").
			Int64("reversal_id", pr.ID).
			Str("rrn", pr.Record.RRN).
			Str("response_code", resp.ResponseCode).
			Msg("reversal delivered")
	}
	res.Remaining = len(res.Rejected)

	return res, nil
}
