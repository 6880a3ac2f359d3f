package keymgr

import (
	"context"
	"fmt"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/andrei-cloud/posguard/internal/errorcodes"
	"github.com/andrei-cloud/posguard/internal/hsm"
	"github.com/andrei-cloud/posguard/internal/primitives"
	"github.com/andrei-cloud/posguard/pkg/cryptoutils"
)

func (m *Manager) macHolder() (primitives.MacKeyHolder, bool) {
	h, ok := m.crypto.(primitives.MacKeyHolder)

	return h, ok
}

// loadMacKey unwraps a MAC key and hands it to the adapter after checking it
// against want.
func (m *Manager) loadMacKey(wrapped []byte, want string) *Failure {
	holder, ok := m.macHolder()
	if !ok {
		return nil
	}

	clear, err := m.crypto.UnwrapUnderTransportKey(wrapped, m.cfg.TransportKey)
	if err != nil {
		return fail(KindCrypto, hsm.PurposeMAC, "unwrap mac key", err)
	}
	defer cryptoutils.Zeroize(clear)

	kcv, err := m.crypto.ComputeKeyCheckValue(clear)
	if err != nil {
		return fail(KindCrypto, hsm.PurposeMAC, "key check value", err)
	}
	if !strings.EqualFold(kcv, want) {
		return fail(KindCrypto, hsm.PurposeMAC, "verify mac key",
			fmt.Errorf("%w: expected %q, computed %s", ErrCheckValueMismatch, want, kcv))
	}
	if err := holder.LoadMacKey(clear); err != nil {
		return fail(KindCrypto, hsm.PurposeMAC, "load mac key", err)
	}
	log.Debug().Str("event", "mac_key_loaded").Str("kcv", kcv).Msg("mac key loaded")

	return nil
}

// activateMacKey loads a just-committed MAC key unless Invalidate got there
// first.
func (m *Manager) activateMacKey(mat material) {
	m.commitMu.Lock()
	defer m.commitMu.Unlock()

	if m.halted.Load() {
		return
	}
	if f := m.loadMacKey(mat.wrapped, mat.kcv); f != nil {
		log.Error().Err(f).Str("event", "mac_key_load_failed").Msg("activated mac key not loaded")
	}
}

func (m *Manager) unloadMacKey() {
	if holder, ok := m.macHolder(); ok {
		holder.UnloadMacKey()
	}
}

// restoreMacKey exports the committed MAC key from its slot into the adapter.
func (m *Manager) restoreMacKey(ctx context.Context, st State) *Failure {
	ref := hsm.KeyRef{Purpose: hsm.PurposeMAC, Slot: st.ActiveSlot}
	wrapped, err := m.device.ExportKeyWrapped(ctx, ref, m.cfg.TransportKey)
	if err != nil {
		return fail(KindCrypto, hsm.PurposeMAC, "export active key", err)
	}

	m.commitMu.Lock()
	defer m.commitMu.Unlock()
	if m.halted.Load() {
		return fail(KindCrypto, hsm.PurposeMAC, "device tampered", errorcodes.ErrT1)
	}

	return m.loadMacKey(wrapped, st.KeyCheckValue)
}

// macReady reports nil when p needs no in-memory key or the MAC key is
// already loaded, restoring it from the active slot otherwise.
func (m *Manager) macReady(ctx context.Context, p hsm.Purpose, st State) *Failure {
	if p != hsm.PurposeMAC {
		return nil
	}
	holder, ok := m.macHolder()
	if !ok || holder.HasMacKey() {
		return nil
	}

	return m.restoreMacKey(ctx, st)
}

// RestoreMacKey loads the committed MAC key into the adapter, for use after a
// restart. Having no committed MAC key is not an error.
func (m *Manager) RestoreMacKey(ctx context.Context) error {
	unlock, err := m.lock(hsm.PurposeMAC)
	if err != nil {
		return err
	}
	defer unlock()

	st, err := m.loadState(ctx, hsm.PurposeMAC)
	if err != nil {
		return fail(KindStore, hsm.PurposeMAC, "load state", err)
	}
	if !st.HasKey() || m.halted.Load() {
		return nil
	}
	if f := m.restoreMacKey(ctx, st); f != nil {
		return f
	}

	return nil
}
