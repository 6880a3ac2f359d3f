// Package primitives implements the terminal's cryptographic operations:
// MAC, ISO-0 PIN block encryption, key check values and transport-key unwrap.
package primitives

import (
	"crypto/subtle"
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/andrei-cloud/posguard/internal/hsm"
	"github.com/andrei-cloud/posguard/pkg/cryptoutils"
	"github.com/andrei-cloud/posguard/pkg/pinblock"
)

const kcvBytes = 3

var (
	// ErrCryptoFailure wraps every failed primitive operation.
	ErrCryptoFailure = errors.New("crypto failure")
	// ErrMacMismatch is returned by VerifyMac when the MAC does not match.
	ErrMacMismatch = errors.New("mac mismatch")

	errNoMacKey = errors.New("no mac key loaded")
)

// Adapter is the contract the key manager and the transaction flow use.
type Adapter interface {
	ComputeMac(message []byte) ([]byte, error)
	VerifyMac(message, mac []byte) error
	EncryptPinBlockISO0(pan, pin string, key []byte) ([]byte, error)
	ComputeKeyCheckValue(key []byte) (string, error)
	UnwrapUnderTransportKey(wrapped []byte, tk hsm.TransportKey) ([]byte, error)
}

// MacKeyHolder is implemented by adapters that keep the active MAC key in
// memory. The key manager loads it on activation and unloads it on erase.
type MacKeyHolder interface {
	LoadMacKey(key []byte) error
	UnloadMacKey()
	HasMacKey() bool
}

// TransportKeyResolver yields clear transport key material for a handle.
// *hsm.Emulator implements it.
type TransportKeyResolver interface {
	TransportKeyMaterial(handle hsm.TransportKey) ([]byte, error)
}

// StaticTransportKeys resolves handles from a fixed map.
type StaticTransportKeys map[hsm.TransportKey][]byte

// TransportKeyMaterial implements TransportKeyResolver.
func (s StaticTransportKeys) TransportKeyMaterial(handle hsm.TransportKey) ([]byte, error) {
	key, ok := s[handle]
	if !ok {
		return nil, fmt.Errorf("unknown transport key %q", handle)
	}

	return slices.Clone(key), nil
}

// Software is the 3DES reference implementation of Adapter.
type Software struct {
	transport TransportKeyResolver

	mu     sync.RWMutex
	macKey []byte
}

var (
	_ Adapter      = (*Software)(nil)
	_ MacKeyHolder = (*Software)(nil)
)

// Option configures Software.
type Option func(*Software)

// WithMacKey loads a clear MAC key at construction.
func WithMacKey(key []byte) Option {
	return func(s *Software) { s.macKey = slices.Clone(key) }
}

// NewSoftware returns a Software adapter resolving transport keys through r.
func NewSoftware(r TransportKeyResolver, opts ...Option) *Software {
	s := &Software{transport: r}
	for _, opt := range opts {
		opt(s)
	}

	return s
}

// LoadMacKey replaces the MAC key, wiping the previous one.
func (s *Software) LoadMacKey(key []byte) error {
	if len(key) != cryptoutils.KEY_LENGTH_DOUBLE {
		return fmt.Errorf("%w: %w: mac key of %d bytes", ErrCryptoFailure, cryptoutils.ErrInvalidKeyLength, len(key))
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	cryptoutils.Zeroize(s.macKey)
	s.macKey = slices.Clone(key)

	return nil
}

// UnloadMacKey wipes the MAC key.
func (s *Software) UnloadMacKey() {
	s.mu.Lock()
	defer s.mu.Unlock()
	cryptoutils.Zeroize(s.macKey)
	s.macKey = nil
}

// HasMacKey reports whether a MAC key is loaded.
func (s *Software) HasMacKey() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return len(s.macKey) > 0
}

// ComputeMac returns the 8-byte retail MAC of message under the loaded MAC key.
func (s *Software) ComputeMac(message []byte) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if len(s.macKey) == 0 {
		return nil, fmt.Errorf("%w: %w", ErrCryptoFailure, errNoMacKey)
	}
	mac, err := cryptoutils.RetailMAC(message, s.macKey)
	if err != nil {
		return nil, fmt.Errorf("%w: compute mac: %w", ErrCryptoFailure, err)
	}

	return mac, nil
}

// VerifyMac recomputes the MAC of message and compares it in constant time.
func (s *Software) VerifyMac(message, mac []byte) error {
	want, err := s.ComputeMac(message)
	if err != nil {
		return err
	}
	if subtle.ConstantTimeCompare(want, mac) != 1 {
		return ErrMacMismatch
	}

	return nil
}

// EncryptPinBlockISO0 builds the ISO-0 PIN block for pan and pin and encrypts
// it under key with 3DES-ECB. A PAN with fewer than 13 digits is bound as all
// zeros and logged.
func (s *Software) EncryptPinBlockISO0(pan, pin string, key []byte) ([]byte, error) {
	if _, fallback := pinblock.PanField(pan); fallback {
		log.Warn().
			Str("event", "pan_field_fallback").
			Int("pan_digits", countDigits(pan)).
			Msg("pan too short, using zero pan field")
	}

	clear, err := pinblock.Clear(pin, pan)
	if err != nil {
		return nil, fmt.Errorf("%w: pin block: %w", ErrCryptoFailure, err)
	}
	defer cryptoutils.Zeroize(clear)

	enc, err := cryptoutils.EncryptECB(key, clear)
	if err != nil {
		return nil, fmt.Errorf("%w: encrypt pin block: %w", ErrCryptoFailure, err)
	}

	return enc, nil
}

// ComputeKeyCheckValue encrypts a zero block under key and returns the first
// three bytes as six uppercase hex characters.
func (s *Software) ComputeKeyCheckValue(key []byte) (string, error) {
	return KeyCheckValue(key)
}

// UnwrapUnderTransportKey decrypts wrapped with the transport key named tk.
func (s *Software) UnwrapUnderTransportKey(wrapped []byte, tk hsm.TransportKey) ([]byte, error) {
	if s.transport == nil {
		return nil, fmt.Errorf("%w: no transport key resolver", ErrCryptoFailure)
	}
	kek, err := s.transport.TransportKeyMaterial(tk)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrCryptoFailure, err)
	}
	defer cryptoutils.Zeroize(kek)

	clear, err := cryptoutils.DecryptECB(kek, wrapped)
	if err != nil {
		return nil, fmt.Errorf("%w: unwrap: %w", ErrCryptoFailure, err)
	}

	return clear, nil
}

// KeyCheckValue is the stateless form of ComputeKeyCheckValue.
func KeyCheckValue(key []byte) (string, error) {
	block, err := cryptoutils.EncryptECB(key, make([]byte, cryptoutils.BLOCK_SIZE))
	if err != nil {
		return "", fmt.Errorf("%w: kcv: %w", ErrCryptoFailure, err)
	}

	return cryptoutils.Raw2Str(block[:kcvBytes]), nil
}

func countDigits(s string) int {
	n := 0
	for i := 0; i < len(s); i++ {
		if s[i] >= '0' && s[i] <= '9' {
			n++
		}
	}

	return n
}
