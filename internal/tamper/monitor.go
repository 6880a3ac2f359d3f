// Package tamper watches the secure element's tamper signal and zeroizes every
// key slot when it trips.
package tamper

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/andrei-cloud/posguard/internal/hsm"
	"github.com/andrei-cloud/posguard/internal/metrics"
)

// DefaultInterval is the poll period.
const DefaultInterval = 5 * time.Second

const eraseTimeout = 10 * time.Second

// ErrTampered is returned by Start once a tamper event has been handled.
var ErrTampered = errors.New("tamper detected, monitor halted")

// Invalidator forgets committed key state. *keymgr.Manager implements it.
type Invalidator interface {
	Invalidate(ctx context.Context) error
}

// Monitor is a single background watcher. Push events are used when the
// device implements hsm.TamperNotifier; polling always runs as fallback.
type Monitor struct {
	device      hsm.Device
	invalidator Invalidator
	interval    time.Duration
	onTamper    func()

	mu       sync.Mutex
	running  bool
	tampered bool
	cancel   context.CancelFunc
	done     chan struct{}
	halted   chan struct{}
}

// Option configures a Monitor.
type Option func(*Monitor)

// WithInterval overrides the poll period.
func WithInterval(d time.Duration) Option {
	return func(m *Monitor) {
		if d > 0 {
			m.interval = d
		}
	}
}

// WithOnTamper registers fn to run after the slots are erased.
func WithOnTamper(fn func()) Option {
	return func(m *Monitor) { m.onTamper = fn }
}

// New returns a stopped monitor. inv may be nil.
func New(device hsm.Device, inv Invalidator, opts ...Option) *Monitor {
	m := &Monitor{
		device:      device,
		invalidator: inv,
		interval:    DefaultInterval,
		halted:      make(chan struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}

	return m
}

// Start launches the watcher. A second Start while running is a no-op. After
// a tamper event Start returns ErrTampered.
func (m *Monitor) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.tampered {
		return ErrTampered
	}
	if m.running {
		return nil
	}

	runCtx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.done = make(chan struct{})
	m.running = true
	go m.run(runCtx, m.done)

	log.Info().Str("event", "tamper_monitor_started").Dur("interval", m.interval).Msg("tamper monitor started")

	return nil
}

// Stop cancels the watcher and waits for it to exit. It is safe to call at
// any time.
func (m *Monitor) Stop() {
	m.mu.Lock()
	cancel, done := m.cancel, m.done
	m.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
}

// Running reports whether the watcher goroutine is active.
func (m *Monitor) Running() bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.running
}

// Tampered reports whether a tamper event has been handled.
func (m *Monitor) Tampered() bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.tampered
}

// Halted is closed once a tamper event has been handled.
func (m *Monitor) Halted() <-chan struct{} { return m.halted }

func (m *Monitor) run(ctx context.Context, done chan struct{}) {
	defer func() {
		m.mu.Lock()
		m.running = false
		m.mu.Unlock()
		close(done)
	}()

	var push <-chan struct{}
	if n, ok := m.device.(hsm.TamperNotifier); ok {
		push = n.TamperEvents(ctx)
	}

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		if ctx.Err() != nil {
			return
		}

		tampered, err := m.device.TamperStatus(ctx)
		switch {
		case err != nil && ctx.Err() == nil:
			log.Warn().Err(err).Str("event", "tamper_poll_failed").Msg("tamper status unavailable")
		case tampered:
			m.handle(ctx, "poll")
			return
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case _, ok := <-push:
			if !ok {
				push = nil
				continue
			}
			m.handle(ctx, "push")

			return
		}
	}
}

// handle invalidates the key state, erases every slot independently and
// marks the monitor halted. No rotation commits once Invalidate has run.
func (m *Monitor) handle(ctx context.Context, source string) {
	metrics.TamperEventsTotal.Inc()
	log.Error().Str("event", "tamper_detected").Str("source", source).Msg("tamper detected, erasing key slots")

	ectx, cancel := context.WithTimeout(context.WithoutCancel(ctx), eraseTimeout)
	defer cancel()

	if m.invalidator != nil {
		if err := m.invalidator.Invalidate(ectx); err != nil {
			log.Error().Err(err).Str("event", "tamper_invalidate_failed").Msg("key state invalidation failed")
		}
	}

	failed := 0
	for _, ref := range hsm.AllSlots() {
		if err := m.eraseSlot(ectx, ref); err != nil {
			failed++
			log.Error().Err(err).Str("event", "tamper_erase_failed").Str("slot", ref.String()).Msg("slot erase failed")
		}
	}

	m.mu.Lock()
	m.tampered = true
	close(m.halted)
	m.mu.Unlock()

	log.Error().
		Str("event", "tamper_halted").
		Int("erase_failures", failed).
		Msg("tamper monitor halted, re-provision keys and restart")

	if m.onTamper != nil {
		m.onTamper()
	}
}

func (m *Monitor) eraseSlot(ctx context.Context, ref hsm.KeyRef) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.New("erase panicked")
		}
	}()

	return m.device.EraseKey(ctx, ref)
}
