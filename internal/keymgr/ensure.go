package keymgr

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/andrei-cloud/posguard/internal/backend"
	"github.com/andrei-cloud/posguard/internal/errorcodes"
	"github.com/andrei-cloud/posguard/internal/hsm"
	"github.com/andrei-cloud/posguard/internal/metrics"
	"github.com/andrei-cloud/posguard/pkg/cryptoutils"
)

const eraseTimeout = 5 * time.Second

// material is a key sitting in the standby slot, not yet announced.
type material struct {
	wrapped    []byte
	kcv        string
	keySetHint string
}

type obtainFunc func(ctx context.Context, standby hsm.KeyRef) (material, *Failure)

// EnsureSessionKey returns the active key of p, rotating it through the standby
// slot when there is none or it is older than the freshness window. Every
// non-nil error is a *Failure, and the returned Session then holds the state
// that is still committed.
func (m *Manager) EnsureSessionKey(ctx context.Context, p hsm.Purpose) (Session, error) {
	unlock, err := m.lock(p)
	if err != nil {
		return Session{Purpose: p}, err
	}
	defer unlock()

	if m.halted.Load() {
		return Session{Purpose: p}, fail(KindCrypto, p, "device tampered", errorcodes.ErrT1)
	}

	st, err := m.loadState(ctx, p)
	if err != nil {
		metrics.KeyRotationsTotal.WithLabelValues(string(p), metrics.StatusError).Inc()
		return Session{Purpose: p}, fail(KindStore, p, "load state", err)
	}
	if m.fresh(st) {
		f := m.macReady(ctx, p, st)
		if f == nil {
			metrics.KeyRotationsTotal.WithLabelValues(string(p), metrics.StatusFresh).Inc()
			return Session{Purpose: p, State: st}, nil
		}
		log.Warn().
			Err(f).
			Str("event", "active_key_unavailable").
			Str("purpose", string(p)).
			Str("slot", st.ActiveSlot.String()).
			Msg("active key cannot be loaded, rotating")
	}

	return m.rotate(ctx, p, st, m.obtainSessionKey)
}

// EnsureAll runs EnsureSessionKey for every purpose and joins the failures.
func (m *Manager) EnsureAll(ctx context.Context) ([]Session, error) {
	var (
		out  []Session
		errs []error
	)
	for _, p := range hsm.Purposes() {
		sess, err := m.EnsureSessionKey(ctx, p)
		out = append(out, sess)
		if err != nil {
			errs = append(errs, err)
		}
	}

	return out, errors.Join(errs...)
}

// rotate fills the standby slot via obtain, announces the key and activates
// it. The caller holds the purpose lock. On any failure the committed state
// is left untouched and the standby slot is erased.
func (m *Manager) rotate(ctx context.Context, p hsm.Purpose, prev State, obtain obtainFunc) (sess Session, err error) {
	sess = Session{Purpose: p, State: prev}
	standby := hsm.KeyRef{Purpose: p, Slot: prev.ActiveSlot.Other()}

	m.inflight.Store(p, struct{}{})
	defer m.inflight.Delete(p)

	committed := false
	defer func() {
		r := recover()
		if r != nil && committed {
			metrics.KeyRotationsTotal.WithLabelValues(string(p), metrics.StatusError).Inc()
			log.Error().
				Str("event", "key_rotation_panic").
				Str("purpose", string(p)).
				Interface("panic", r).
				Msg("panic after key activation")
			panic(r)
		}
		if r != nil {
			err = m.abort(ctx, standby, prev, fail(KindCrypto, p, "panic", fmt.Errorf("%v", r)))
		}
		metrics.KeyRotationsTotal.WithLabelValues(string(p), metrics.Status(err)).Inc()
	}()

	mat, f := obtain(ctx, standby)
	if f != nil {
		return sess, m.abort(ctx, standby, prev, f)
	}

	resp, f := m.announce(ctx, p, prev, mat)
	if f != nil {
		return sess, m.abort(ctx, standby, prev, f)
	}

	next := State{
		ActiveSlot:    standby.Slot,
		KeyID:         resp.PinKeyID,
		KeyCheckValue: mat.kcv,
		KeySetID:      resp.KeySet,
		KeyVersion:    resp.KeyVersion,
		ActivatedAt:   m.now().UTC(),
	}
	if f := m.commit(ctx, p, next); f != nil {
		return sess, m.abort(ctx, standby, prev, f)
	}
	committed = true
	sess = Session{Purpose: p, State: next, Rotated: true}

	if p == hsm.PurposeMAC {
		m.activateMacKey(mat)
	}

	log.Info().
		Str("event", "key_activated").
		Str("purpose", string(p)).
		Str("slot", next.ActiveSlot.String()).
		Str("kcv", next.KeyCheckValue).
		Str("key_id", next.KeyID).
		Int("key_version", next.KeyVersion).
		Msg("session key activated")

	if prev.HasKey() {
		m.erase(ctx, hsm.KeyRef{Purpose: p, Slot: prev.ActiveSlot}, "previous_key_retired", "previous_key_retire_failed")
	}

	return sess, nil
}

// commit persists next unless the manager has been halted. It shares commitMu
// with Invalidate, so no state is written once Invalidate has started.
func (m *Manager) commit(ctx context.Context, p hsm.Purpose, next State) *Failure {
	m.commitMu.Lock()
	defer m.commitMu.Unlock()

	if m.halted.Load() {
		return fail(KindCrypto, p, "device tampered", errorcodes.ErrT1)
	}
	if err := m.saveState(ctx, p, next); err != nil {
		return fail(KindStore, p, "persist state", err)
	}

	return nil
}

// abort erases the standby slot and returns f.
func (m *Manager) abort(ctx context.Context, standby hsm.KeyRef, prev State, f *Failure) error {
	f.KeptExisting = prev.HasKey()
	if m.erase(ctx, standby, "standby_erased", "standby_erase_failed") {
		metrics.StandbyEraseTotal.WithLabelValues(string(standby.Purpose), metrics.StatusSuccess).Inc()
	} else {
		metrics.StandbyEraseTotal.WithLabelValues(string(standby.Purpose), metrics.StatusError).Inc()
	}

	return f
}

// erase is best effort: failures are logged and reported as false. It runs
// even when ctx is already cancelled.
func (m *Manager) erase(ctx context.Context, ref hsm.KeyRef, event, failEvent string) (ok bool) {
	ectx, cancel := context.WithTimeout(context.WithoutCancel(ctx), eraseTimeout)
	defer cancel()

	defer func() {
		if r := recover(); r != nil {
			log.Error().
				Str("event", failEvent).
				Str("slot", ref.String()).
				Interface("panic", r).
				Msg("key erase panicked")
			ok = false
		}
	}()

	if err := m.device.EraseKey(ectx, ref); err != nil {
		log.Error().
			Err(err).
			Str("event", failEvent).
			Str("slot", ref.String()).
			Msg("key erase failed")

		return false
	}
	log.Info().Str("event", event).Str("slot", ref.String()).Msg("key slot erased")

	return true
}

func (m *Manager) announce(ctx context.Context, p hsm.Purpose, prev State, mat material) (*backend.AnnounceResponse, *Failure) {
	actx, cancel := context.WithTimeout(ctx, m.cfg.AnnounceTimeout)
	defer cancel()

	start := time.Now()
	resp, err := m.backend.Announce(actx, backend.AnnounceRequest{
		TerminalID:       m.cfg.TerminalID,
		Purpose:          string(p),
		WrappedKeyBase64: base64.StdEncoding.EncodeToString(mat.wrapped),
		CheckValueHex:    mat.kcv,
		KeySetHint:       mat.keySetHint,
		PreviousKeyID:    prev.KeyID,
	})
	metrics.AnnounceDuration.WithLabelValues(string(p)).Observe(time.Since(start).Seconds())

	if err == nil && resp.PinKeyID == "" {
		err = errors.New("response carries no key id")
	}
	if err != nil {
		log.Warn().
			Err(err).
			Str("event", "key_announce_failed").
			Str("purpose", string(p)).
			Str("kcv", mat.kcv).
			Msg("key announce failed")

		return nil, fail(KindAnnounce, p, "announce", err)
	}

	return resp, nil
}

// obtainSessionKey tries the configured source first and the other one when
// the first reports the operation as unsupported.
func (m *Manager) obtainSessionKey(ctx context.Context, standby hsm.KeyRef) (material, *Failure) {
	first, second := m.fetchKey, m.generateKey
	if m.cfg.Source == SourceGenerate {
		first, second = second, first
	}

	mat, f := first(ctx, standby)
	if f != nil && unsupported(f) {
		log.Info().
			Str("event", "key_source_fallback").
			Str("purpose", string(standby.Purpose)).
			Str("reason", f.Err.Error()).
			Msg("key source unsupported, trying alternative")

		return second(ctx, standby)
	}

	return mat, f
}

func unsupported(f *Failure) bool {
	return errors.Is(f.Err, backend.ErrUnsupported) || errors.Is(f.Err, hsm.ErrGenerationUnsupported)
}

func (m *Manager) fetchKey(ctx context.Context, standby hsm.KeyRef) (material, *Failure) {
	p := standby.Purpose

	var hint string
	if prev, err := m.loadState(ctx, p); err == nil && prev.HasKey() && prev.KeySetID > 0 {
		hint = strconv.Itoa(prev.KeySetID)
	}

	fctx, cancel := context.WithTimeout(ctx, m.cfg.AnnounceTimeout)
	defer cancel()

	resp, err := m.backend.FetchKey(fctx, backend.FetchKeyRequest{
		TerminalID: m.cfg.TerminalID,
		Purpose:    string(p),
		KeySetHint: hint,
	})
	if err != nil {
		return material{}, fail(KindAnnounce, p, "fetch key", err)
	}

	wrapped, err := base64.StdEncoding.DecodeString(resp.WrappedKeyBase64)
	if err == nil && len(wrapped) == 0 {
		err = errors.New("empty wrapped key")
	}
	if err != nil {
		return material{}, fail(KindMalformedInput, p, "fetched key encoding", err)
	}

	return m.importInto(ctx, standby, wrapped, resp.CheckValueHex, hint)
}

func (m *Manager) generateKey(ctx context.Context, standby hsm.KeyRef) (material, *Failure) {
	p := standby.Purpose

	if err := m.device.GenerateKeyInSlot(ctx, standby); err != nil {
		return material{}, fail(KindCrypto, p, "generate key", err)
	}
	wrapped, err := m.device.ExportKeyWrapped(ctx, standby, m.cfg.TransportKey)
	if err != nil {
		return material{}, fail(KindCrypto, p, "export key", err)
	}
	kcv, f := m.checkValue(p, wrapped)
	if f != nil {
		return material{}, f
	}

	return material{wrapped: wrapped, kcv: kcv}, nil
}

// importInto loads wrapped into the standby slot and verifies it against want.
func (m *Manager) importInto(ctx context.Context, standby hsm.KeyRef, wrapped []byte, want, hint string) (material, *Failure) {
	p := standby.Purpose

	if err := m.device.ImportWrappedKey(ctx, wrapped, m.cfg.TransportKey, standby); err != nil {
		return material{}, fail(KindCrypto, p, "import key", err)
	}
	kcv, f := m.checkValue(p, wrapped)
	if f != nil {
		return material{}, f
	}
	if !strings.EqualFold(kcv, want) {
		return material{}, fail(KindCrypto, p, "verify key",
			fmt.Errorf("%w: expected %q, computed %s", ErrCheckValueMismatch, want, kcv))
	}

	return material{wrapped: wrapped, kcv: kcv, keySetHint: hint}, nil
}

func (m *Manager) checkValue(p hsm.Purpose, wrapped []byte) (string, *Failure) {
	clear, err := m.crypto.UnwrapUnderTransportKey(wrapped, m.cfg.TransportKey)
	if err != nil {
		return "", fail(KindCrypto, p, "unwrap key", err)
	}
	defer cryptoutils.Zeroize(clear)

	kcv, err := m.crypto.ComputeKeyCheckValue(clear)
	if err != nil {
		return "", fail(KindCrypto, p, "key check value", err)
	}

	return kcv, nil
}
