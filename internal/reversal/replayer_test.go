package reversal

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/andrei-cloud/posguard/internal/backend"
	"github.com/andrei-cloud/posguard/internal/ledger"
	"github.com/andrei-cloud/posguard/internal/storage/memory"
)

// scriptedHost answers per reversal RRN.
type scriptedHost struct {
	mu      sync.Mutex
	errs    map[string]error
	deliver []string
}

func (h *scriptedHost) SendReversal(_ context.Context, req backend.ReversalRequest) (*backend.ReversalResponse, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if err := h.errs[req.Record.RRN]; err != nil {
		return nil, err
	}
	h.deliver = append(h.deliver, req.Record.RRN)

	return &backend.ReversalResponse{Success: true, ResponseCode: "00"}, nil
}

func seed(t *testing.T, rrns ...string) *ledger.Ledger {
	t.Helper()
	l := ledger.New(memory.New())
	for _, rrn := range rrns {
		_, err := l.EnqueueReversal(context.Background(), ledger.TransactionRecord{RRN: rrn, Amount: 100})
		require.NoError(t, err)
	}

	return l
}

func rrns(t *testing.T, l *ledger.Ledger) []string {
	t.Helper()
	pending, err := l.ListPendingReversals(context.Background())
	require.NoError(t, err)
	out := make([]string, 0, len(pending))
	for _, p := range pending {
		out = append(out, p.Record.RRN)
	}

	return out
}

func TestReplayDeliversOldestFirst(t *testing.T) {
	t.Parallel()
	l := seed(t, "R1", "R2", "R3")
	host := &scriptedHost{}

	res, err := New(l, host, "T1", 0).Replay(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"R1", "R2", "R3"}, host.deliver)
	assert.Equal(t, []int64{1, 2, 3}, res.Delivered)
	assert.Zero(t, res.Remaining)
	assert.Empty(t, rrns(t, l))
}

func TestReplayStopsAtTransportFailure(t *testing.T) {
	t.Parallel()
	l := seed(t, "R1", "R2", "R3")
	host := &scriptedHost{errs: map[string]error{
		"R2": fmt.Errorf("%w: connection reset", backend.ErrTransport),
	}}

	res, err := New(l, host, "T1", 0).Replay(context.Background())
	require.ErrorIs(t, err, backend.ErrTransport)
	assert.Equal(t, []string{"R1"}, host.deliver)
	assert.Equal(t, 2, res.Remaining)
	assert.Equal(t, []string{"R2", "R3"}, rrns(t, l))
}

func TestReplayKeepsDeclinedReversals(t *testing.T) {
	t.Parallel()
	l := seed(t, "R1", "R2", "R3")
	host := &scriptedHost{errs: map[string]error{
		"R2": fmt.Errorf("%w: reversal: declined", backend.ErrRejected),
	}}

	res, err := New(l, host, "T1", 0).Replay(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"R1", "R3"}, host.deliver)
	assert.Equal(t, []int64{2}, res.Rejected)
	assert.Equal(t, 1, res.Remaining)
	assert.Equal(t, []string{"R2"}, rrns(t, l))
}

func TestReplayIsPaced(t *testing.T) {
	t.Parallel()
	l := seed(t, "R1", "R2", "R3")
	host := &scriptedHost{}

	// 600 per minute is one every 100ms after the first.
	ctx, cancel := context.WithTimeout(context.Background(), 150*time.Millisecond)
	defer cancel()

	res, err := New(l, host, "T1", 600).Replay(ctx)
	require.Error(t, err)
	assert.Len(t, res.Delivered, 2)
	assert.Equal(t, 1, res.Remaining)
	assert.Equal(t, []string{"R3"}, rrns(t, l))
}

func TestReplayEmptyQueue(t *testing.T) {
	t.Parallel()
	res, err := New(seed(t), &scriptedHost{}, "T1", 60).Replay(context.Background())
	require.NoError(t, err)
	assert.Empty(t, res.Delivered)
	assert.Zero(t, res.Remaining)
}
