package keymgr

import (
	"errors"
	"fmt"

	"github.com/andrei-cloud/posguard/internal/hsm"
)

// Kind classifies a failed key operation.
type Kind string

const (
	KindMalformedInput Kind = "malformed_input"
	KindCrypto         Kind = "crypto_failure"
	KindAnnounce       Kind = "key_announce_failure"
	KindStore          Kind = "store_failure"
)

var (
	ErrMalformedInput = errors.New("malformed input")
	ErrCrypto         = errors.New("crypto failure")
	ErrAnnounce       = errors.New("key announce failure")
	ErrStore          = errors.New("key state store failure")
	// ErrCheckValueMismatch is wrapped when an obtained key does not match its KCV.
	ErrCheckValueMismatch = errors.New("key check value mismatch")
	// ErrUnknownPurpose is wrapped for purposes outside hsm.Purposes.
	ErrUnknownPurpose = errors.New("unknown key purpose")
)

// Failure is the only error type returned by Manager operations.
type Failure struct {
	Kind    Kind
	Purpose hsm.Purpose
	Reason  string
	Err     error
	// KeptExisting is set when a previously active key is still in use.
	KeptExisting bool
}

func (f *Failure) Error() string {
	p := string(f.Purpose)
	if p == "" {
		p = "key set"
	}
	if f.Err == nil {
		return fmt.Sprintf("%s: %s: %s", p, f.Kind, f.Reason)
	}

	return fmt.Sprintf("%s: %s: %s: %v", p, f.Kind, f.Reason, f.Err)
}

func (f *Failure) Unwrap() error { return f.Err }

// Is matches the sentinel of the failure kind.
func (f *Failure) Is(target error) bool {
	switch f.Kind {
	case KindMalformedInput:
		return target == ErrMalformedInput
	case KindCrypto:
		return target == ErrCrypto
	case KindAnnounce:
		return target == ErrAnnounce
	case KindStore:
		return target == ErrStore
	}

	return false
}

// UserMessage is the text safe to show on the terminal display.
func (f *Failure) UserMessage() string {
	if f.KeptExisting {
		return "key provisioning unavailable, using existing key"
	}

	return "key provisioning unavailable"
}

func fail(kind Kind, purpose hsm.Purpose, reason string, err error) *Failure {
	return &Failure{Kind: kind, Purpose: purpose, Reason: reason, Err: err}
}
