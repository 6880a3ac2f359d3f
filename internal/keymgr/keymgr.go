// Package keymgr owns the active/standby key slot state machine of each key
// purpose, session key rotation and the announce protocol with the host.
package keymgr

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/andrei-cloud/posguard/internal/backend"
	"github.com/andrei-cloud/posguard/internal/hsm"
	"github.com/andrei-cloud/posguard/internal/primitives"
	"github.com/andrei-cloud/posguard/internal/storage"
)

const (
	DefaultFreshness       = 24 * time.Hour
	DefaultAnnounceTimeout = 10 * time.Second

	stateKeyPrefix = "keyslot/"
)

// Source selects where new session keys come from first.
type Source string

const (
	SourceFetch    Source = "fetch"
	SourceGenerate Source = "generate"
)

// ParseSource validates a configured key source.
func ParseSource(v string) (Source, error) {
	switch Source(v) {
	case SourceFetch, SourceGenerate:
		return Source(v), nil
	case "":
		return SourceFetch, nil
	default:
		return "", fmt.Errorf("unknown key source %q", v)
	}
}

// Phase is the lifecycle position of a key purpose.
type Phase string

const (
	PhaseNoKey          Phase = "no_key"
	PhaseStandbyPending Phase = "standby_pending"
	PhaseActive         Phase = "active"
)

// State is the persisted slot state of one key purpose.
type State struct {
	ActiveSlot    hsm.Slot  `json:"activeSlot"`
	KeyID         string    `json:"pinKeyId,omitempty"`
	KeyCheckValue string    `json:"keyCheckValue,omitempty"`
	KeySetID      int       `json:"keySetId"`
	KeyVersion    int       `json:"keyVersion"`
	ActivatedAt   time.Time `json:"activatedAt"`
}

// HasKey reports whether a slot is designated active.
func (s State) HasKey() bool { return s.ActiveSlot.Valid() }

// Session is the outcome of EnsureSessionKey. On failure it carries the
// state that remained committed.
type Session struct {
	Purpose hsm.Purpose `json:"purpose"`
	State   State       `json:"state"`
	Rotated bool        `json:"rotated"`
}

// Backend is the host side of key provisioning. *backend.Client implements it.
type Backend interface {
	Announce(ctx context.Context, req backend.AnnounceRequest) (*backend.AnnounceResponse, error)
	FetchKey(ctx context.Context, req backend.FetchKeyRequest) (*backend.FetchKeyResponse, error)
}

// Config holds the manager settings.
type Config struct {
	TerminalID      string
	Freshness       time.Duration
	Source          Source
	AnnounceTimeout time.Duration
	TransportKey    hsm.TransportKey
}

// Manager drives key rotation for every purpose. It is safe for concurrent use.
type Manager struct {
	device  hsm.Device
	crypto  primitives.Adapter
	backend Backend
	store   storage.Backend
	cfg     Config
	now     func() time.Time

	locks    map[hsm.Purpose]*sync.Mutex
	inflight sync.Map // hsm.Purpose -> struct{}

	// commitMu orders state commits against Invalidate.
	commitMu sync.Mutex
	halted   atomic.Bool
}

// Option configures a Manager.
type Option func(*Manager)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// New assembles a Manager from its collaborators.
func New(
	device hsm.Device,
	crypto primitives.Adapter,
	be Backend,
	store storage.Backend,
	cfg Config,
	opts ...Option,
) *Manager {
	if cfg.Freshness <= 0 {
		cfg.Freshness = DefaultFreshness
	}
	if cfg.AnnounceTimeout <= 0 {
		cfg.AnnounceTimeout = DefaultAnnounceTimeout
	}
	if cfg.Source == "" {
		cfg.Source = SourceFetch
	}
	if cfg.TransportKey == "" {
		cfg.TransportKey = hsm.DefaultTransportKey
	}

	m := &Manager{
		device:  device,
		crypto:  crypto,
		backend: be,
		store:   store,
		cfg:     cfg,
		now:     time.Now,
		locks:   make(map[hsm.Purpose]*sync.Mutex),
	}
	for _, p := range hsm.Purposes() {
		m.locks[p] = &sync.Mutex{}
	}
	for _, opt := range opts {
		opt(m)
	}

	return m
}

func (m *Manager) lock(p hsm.Purpose) (func(), error) {
	mu, ok := m.locks[p]
	if !ok {
		return nil, fail(KindMalformedInput, p, "purpose", fmt.Errorf("%w: %q", ErrUnknownPurpose, p))
	}
	mu.Lock()

	return mu.Unlock, nil
}

func stateKey(p hsm.Purpose) string { return stateKeyPrefix + string(p) }

func (m *Manager) loadState(ctx context.Context, p hsm.Purpose) (State, error) {
	raw, err := m.store.Get(ctx, stateKey(p))
	if errors.Is(err, storage.ErrNotFound) {
		return State{}, nil
	}
	if err != nil {
		return State{}, err
	}

	var st State
	if err := json.Unmarshal(raw, &st); err != nil {
		return State{}, fmt.Errorf("decode key slot state: %w", err)
	}

	return st, nil
}

func (m *Manager) saveState(ctx context.Context, p hsm.Purpose, st State) error {
	raw, err := json.Marshal(st)
	if err != nil {
		return err
	}

	return m.store.Put(ctx, stateKey(p), raw)
}

// State returns the committed slot state of p.
func (m *Manager) State(ctx context.Context, p hsm.Purpose) (State, error) {
	if _, ok := m.locks[p]; !ok {
		return State{}, fail(KindMalformedInput, p, "purpose", fmt.Errorf("%w: %q", ErrUnknownPurpose, p))
	}
	st, err := m.loadState(ctx, p)
	if err != nil {
		return State{}, fail(KindStore, p, "load state", err)
	}

	return st, nil
}

// Status is a key-material-free view of one purpose.
type Status struct {
	Purpose       hsm.Purpose `json:"purpose"`
	Phase         Phase       `json:"phase"`
	ActiveSlot    hsm.Slot    `json:"activeSlot"`
	KeyID         string      `json:"keyId,omitempty"`
	KeyCheckValue string      `json:"keyCheckValue,omitempty"`
	KeySetID      int         `json:"keySetId"`
	KeyVersion    int         `json:"keyVersion"`
	ActivatedAt   *time.Time  `json:"activatedAt,omitempty"`
	Fresh         bool        `json:"fresh"`
}

// Statuses reports every purpose in hsm.Purposes order.
func (m *Manager) Statuses(ctx context.Context) ([]Status, error) {
	out := make([]Status, 0, len(m.locks))
	for _, p := range hsm.Purposes() {
		st, err := m.State(ctx, p)
		if err != nil {
			return nil, err
		}

		s := Status{
			Purpose:       p,
			Phase:         PhaseNoKey,
			ActiveSlot:    st.ActiveSlot,
			KeyID:         st.KeyID,
			KeyCheckValue: st.KeyCheckValue,
			KeySetID:      st.KeySetID,
			KeyVersion:    st.KeyVersion,
		}
		if st.HasKey() {
			s.Phase = PhaseActive
			at := st.ActivatedAt
			s.ActivatedAt = &at
			s.Fresh = m.fresh(st)
		}
		if _, busy := m.inflight.Load(p); busy {
			s.Phase = PhaseStandbyPending
		}
		out = append(out, s)
	}

	return out, nil
}

// fresh reports whether the active key is younger than the freshness window.
// An activation time in the future counts as stale.
func (m *Manager) fresh(st State) bool {
	if !st.HasKey() {
		return false
	}
	age := m.now().Sub(st.ActivatedAt)

	return age >= 0 && age < m.cfg.Freshness
}
