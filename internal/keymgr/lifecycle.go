package keymgr

import (
	"context"
	"errors"

	"github.com/rs/zerolog/log"

	"github.com/andrei-cloud/posguard/internal/errorcodes"
	"github.com/andrei-cloud/posguard/internal/hsm"
	"github.com/andrei-cloud/posguard/internal/keyset"
	"github.com/andrei-cloud/posguard/internal/storage"
)

// ImportKeySet loads a vendor key-set blob. The PIN key and then the MAC key
// are imported into their standby slots, checked against the blob's check
// values and pushed through the announce protocol with the key-set version as
// hint. It stops at the first failing purpose; sessions activated before that
// are returned.
func (m *Manager) ImportKeySet(ctx context.Context, blob []byte) ([]Session, error) {
	ks, err := keyset.Parse(blob)
	if err != nil {
		return nil, fail(KindMalformedInput, "", "parse key set", err)
	}

	entries := []struct {
		purpose hsm.Purpose
		wrapped []byte
		kcv     string
	}{
		{hsm.PurposePIN, ks.PinKeyEncrypted, ks.PinKeyCheckValue},
		{hsm.PurposeMAC, ks.MacKeyEncrypted, ks.MacKeyCheckValue},
	}

	out := make([]Session, 0, len(entries))
	for _, e := range entries {
		sess, err := m.importOne(ctx, e.purpose, e.wrapped, e.kcv, ks.Version)
		if err != nil {
			return out, err
		}
		out = append(out, sess)
	}

	return out, nil
}

func (m *Manager) importOne(ctx context.Context, p hsm.Purpose, wrapped []byte, kcv, version string) (Session, error) {
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
		return Session{Purpose: p}, fail(KindStore, p, "load state", err)
	}

	return m.rotate(ctx, p, st, func(ctx context.Context, standby hsm.KeyRef) (material, *Failure) {
		return m.importInto(ctx, standby, wrapped, kcv, version)
	})
}

// Invalidate forgets every committed key and refuses further rotations for
// the lifetime of the manager. The tamper monitor calls it before zeroizing
// the device. It waits for a commit already in progress; rotations that have
// not committed yet fail and erase their standby slot.
func (m *Manager) Invalidate(ctx context.Context) error {
	m.commitMu.Lock()
	defer m.commitMu.Unlock()
	m.halted.Store(true)
	m.unloadMacKey()

	var errs []error
	for _, p := range hsm.Purposes() {
		if err := m.store.Delete(ctx, stateKey(p)); err != nil && !errors.Is(err, storage.ErrNotFound) {
			errs = append(errs, fail(KindStore, p, "invalidate state", err))
		}
	}
	log.Warn().Str("event", "keys_invalidated").Msg("key slot state cleared")

	return errors.Join(errs...)
}

// Halted reports whether Invalidate has been called.
func (m *Manager) Halted() bool { return m.halted.Load() }

// Erase zeroizes both slots of p and forgets its committed key. Both slots are
// attempted even if one fails.
func (m *Manager) Erase(ctx context.Context, p hsm.Purpose) error {
	unlock, err := m.lock(p)
	if err != nil {
		return err
	}
	defer unlock()

	if p == hsm.PurposeMAC {
		m.unloadMacKey()
	}

	var errs []error
	for _, slot := range []hsm.Slot{hsm.SlotA, hsm.SlotB} {
		ref := hsm.KeyRef{Purpose: p, Slot: slot}
		if err := m.device.EraseKey(ctx, ref); err != nil {
			errs = append(errs, fail(KindCrypto, p, "erase "+ref.String(), err))
		}
	}
	if err := m.store.Delete(ctx, stateKey(p)); err != nil && !errors.Is(err, storage.ErrNotFound) {
		errs = append(errs, fail(KindStore, p, "delete state", err))
	}
	log.Warn().Str("event", "keys_erased").Str("purpose", string(p)).Msg("key slots erased")

	return errors.Join(errs...)
}
