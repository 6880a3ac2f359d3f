// Package hsm defines the contract of the terminal's secure element and ships a
// software emulator of it.
package hsm

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Slot identifies one of the two physical key slots of a key purpose.
type Slot uint8

const (
	// SlotNone is the zero value and never names a physical slot.
	SlotNone Slot = iota
	SlotA
	SlotB
)

// ErrInvalidSlot is returned when a slot name cannot be parsed.
var ErrInvalidSlot = errors.New("invalid key slot")

// Other returns the opposite physical slot. SlotNone maps to SlotA.
func (s Slot) Other() Slot {
	if s == SlotA {
		return SlotB
	}

	return SlotA
}

// Valid reports whether s names a physical slot.
func (s Slot) Valid() bool { return s == SlotA || s == SlotB }

func (s Slot) String() string {
	switch s {
	case SlotA:
		return "A"
	case SlotB:
		return "B"
	default:
		return "none"
	}
}

// MarshalText encodes the slot as "A", "B" or "none".
func (s Slot) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText accepts the MarshalText forms and the empty string.
func (s *Slot) UnmarshalText(b []byte) error {
	v := string(b)
	if v == "" || v == "none" {
		*s = SlotNone
		return nil
	}
	parsed, err := ParseSlot(v)
	if err != nil {
		return err
	}
	*s = parsed

	return nil
}

// ParseSlot accepts "A" or "B" in any case.
func ParseSlot(v string) (Slot, error) {
	switch strings.ToUpper(strings.TrimSpace(v)) {
	case "A":
		return SlotA, nil
	case "B":
		return SlotB, nil
	default:
		return SlotNone, fmt.Errorf("%w: %q", ErrInvalidSlot, v)
	}
}

// Purpose is the logical role of a key.
type Purpose string

const (
	PurposePIN Purpose = "pin"
	PurposeMAC Purpose = "mac"
)

// Purposes lists every managed key purpose.
func Purposes() []Purpose { return []Purpose{PurposePIN, PurposeMAC} }

// KeyRef addresses one physical key slot.
type KeyRef struct {
	Purpose Purpose
	Slot    Slot
}

func (r KeyRef) String() string { return string(r.Purpose) + "/" + r.Slot.String() }

// AllSlots returns every physical slot the device manages.
func AllSlots() []KeyRef {
	out := make([]KeyRef, 0, 4)
	for _, p := range Purposes() {
		out = append(out, KeyRef{Purpose: p, Slot: SlotA}, KeyRef{Purpose: p, Slot: SlotB})
	}

	return out
}

// TransportKey is the handle of a key-encryption key held by the device.
type TransportKey string

// DefaultTransportKey is the handle used when a terminal has a single transport key.
const DefaultTransportKey TransportKey = "tk"

// ErrGenerationUnsupported is returned by devices that cannot generate keys internally.
var ErrGenerationUnsupported = errors.New("key generation not supported by device")

// Device is the secure element. Every non-nil error is fatal to the calling
// operation; callers must not retry silently.
type Device interface {
	GenerateKeyInSlot(ctx context.Context, ref KeyRef) error
	ExportKeyWrapped(ctx context.Context, ref KeyRef, under TransportKey) ([]byte, error)
	ImportWrappedKey(ctx context.Context, wrapped []byte, under TransportKey, into KeyRef) error
	EraseKey(ctx context.Context, ref KeyRef) error
	TamperStatus(ctx context.Context) (bool, error)
}

// TamperNotifier is implemented by devices that push tamper events.
// The channel is closed when ctx is done.
type TamperNotifier interface {
	TamperEvents(ctx context.Context) <-chan struct{}
}
