package tamper

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/andrei-cloud/posguard/internal/errorcodes"
	"github.com/andrei-cloud/posguard/internal/hsm"
)

const testTransportKey = "0123456789ABCDEFFEDCBA9876543210"

// pollOnly hides the emulator's push channel.
type pollOnly struct{ hsm.Device }

type countingInvalidator struct{ calls atomic.Int32 }

func (c *countingInvalidator) Invalidate(context.Context) error {
	c.calls.Add(1)
	return nil
}

// slotsAtInvalidate records how many slots were still filled when Invalidate ran.
type slotsAtInvalidate struct {
	emu    *hsm.Emulator
	filled atomic.Int32
}

func (s *slotsAtInvalidate) Invalidate(context.Context) error {
	for _, ref := range hsm.AllSlots() {
		if s.emu.Occupied(ref) {
			s.filled.Add(1)
		}
	}

	return nil
}

func newEmulator(t *testing.T) *hsm.Emulator {
	t.Helper()
	emu, err := hsm.NewEmulator(testTransportKey)
	require.NoError(t, err)

	return emu
}

func fillSlots(t *testing.T, emu *hsm.Emulator) {
	t.Helper()
	for _, ref := range hsm.AllSlots() {
		require.NoError(t, emu.GenerateKeyInSlot(context.Background(), ref))
	}
}

func waitHalted(t *testing.T, m *Monitor) {
	t.Helper()
	select {
	case <-m.Halted():
	case <-time.After(5 * time.Second):
		t.Fatal("monitor did not halt")
	}
}

func TestStartIsIdempotentAndStopIsClean(t *testing.T) {
	t.Parallel()
	m := New(newEmulator(t), nil, WithInterval(time.Hour))

	m.Stop() // never started.

	require.NoError(t, m.Start(context.Background()))
	require.NoError(t, m.Start(context.Background()))
	assert.True(t, m.Running())

	start := time.Now()
	m.Stop()
	assert.Less(t, time.Since(start), time.Second)
	assert.False(t, m.Running())
	m.Stop()

	// A stopped monitor can be started again.
	require.NoError(t, m.Start(context.Background()))
	assert.True(t, m.Running())
	m.Stop()
}

func TestParentContextStopsMonitor(t *testing.T) {
	t.Parallel()
	m := New(newEmulator(t), nil, WithInterval(time.Hour))

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, m.Start(ctx))
	cancel()

	assert.Eventually(t, func() bool { return !m.Running() }, 2*time.Second, 5*time.Millisecond)
}

func TestPollDetectsTamper(t *testing.T) {
	t.Parallel()
	emu := newEmulator(t)
	fillSlots(t, emu)
	inv := &countingInvalidator{}
	var callbacks atomic.Int32
	m := New(pollOnly{emu}, inv,
		WithInterval(10*time.Millisecond),
		WithOnTamper(func() { callbacks.Add(1) }),
	)

	require.NoError(t, m.Start(context.Background()))
	time.Sleep(30 * time.Millisecond)
	assert.False(t, m.Tampered())

	emu.TriggerTamper()
	waitHalted(t, m)

	for _, ref := range hsm.AllSlots() {
		assert.False(t, emu.Occupied(ref), ref.String())
	}
	assert.Equal(t, int32(1), inv.calls.Load())
	assert.Equal(t, int32(1), callbacks.Load())
	assert.True(t, m.Tampered())
	assert.Eventually(t, func() bool { return !m.Running() }, 2*time.Second, 5*time.Millisecond)

	assert.ErrorIs(t, m.Start(context.Background()), ErrTampered)
}

func TestPushEventDetectsTamperBetweenPolls(t *testing.T) {
	t.Parallel()
	emu := newEmulator(t)
	fillSlots(t, emu)
	m := New(emu, nil, WithInterval(time.Hour))

	require.NoError(t, m.Start(context.Background()))
	defer m.Stop()

	emu.TriggerTamper()
	waitHalted(t, m)
	for _, ref := range hsm.AllSlots() {
		assert.False(t, emu.Occupied(ref))
	}
}

func TestAlreadyTamperedAtStart(t *testing.T) {
	t.Parallel()
	emu := newEmulator(t)
	emu.TriggerTamper()
	m := New(pollOnly{emu}, nil, WithInterval(time.Hour))

	require.NoError(t, m.Start(context.Background()))
	waitHalted(t, m)
}

func TestEraseFailuresAreIndependent(t *testing.T) {
	t.Parallel()
	emu := newEmulator(t)
	fillSlots(t, emu)
	emu.FailNext(hsm.OpErase, errorcodes.Err41)
	inv := &countingInvalidator{}
	m := New(pollOnly{emu}, inv, WithInterval(10*time.Millisecond))

	emu.TriggerTamper()
	require.NoError(t, m.Start(context.Background()))
	waitHalted(t, m)

	all := hsm.AllSlots()
	assert.True(t, emu.Occupied(all[0]), "first erase was made to fail")
	for _, ref := range all[1:] {
		assert.False(t, emu.Occupied(ref), ref.String())
	}
	assert.Equal(t, int32(1), inv.calls.Load())
}

// flakyStatus fails the first polls and then reports tamper.
type flakyStatus struct {
	hsm.Device
	mu    sync.Mutex
	calls int
}

func (f *flakyStatus) TamperStatus(context.Context) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.calls < 3 {
		return false, errors.New("bus timeout")
	}

	return true, nil
}

func TestPollErrorsDoNotHalt(t *testing.T) {
	t.Parallel()
	dev := &flakyStatus{Device: newEmulator(t)}
	m := New(dev, nil, WithInterval(5*time.Millisecond))

	require.NoError(t, m.Start(context.Background()))
	waitHalted(t, m)

	dev.mu.Lock()
	defer dev.mu.Unlock()
	assert.Equal(t, 3, dev.calls)
}

func TestInvalidateRunsBeforeErase(t *testing.T) {
	t.Parallel()
	emu := newEmulator(t)
	fillSlots(t, emu)
	inv := &slotsAtInvalidate{emu: emu}
	m := New(emu, inv, WithInterval(time.Hour))

	require.NoError(t, m.Start(context.Background()))
	defer m.Stop()

	emu.TriggerTamper()
	waitHalted(t, m)

	assert.Equal(t, int32(len(hsm.AllSlots())), inv.filled.Load())
	for _, ref := range hsm.AllSlots() {
		assert.False(t, emu.Occupied(ref), ref.String())
	}
}
