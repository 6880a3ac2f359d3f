// Package keyset parses vendor-delivered session key sets.
package keyset

import (
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/andrei-cloud/posguard/pkg/tlv"
)

// Tags carried in a vendor key-set blob.
const (
	TagVersion   uint16 = 0xDF01
	TagPinKey    uint16 = 0xDF02
	TagPinKeyKCV uint16 = 0xDF03
	TagMacKey    uint16 = 0xDF04
	TagMacKeyKCV uint16 = 0xDF05
)

const kcvHexLength = 6

// ErrMalformedInput is returned for every parse failure.
var ErrMalformedInput = errors.New("malformed key set")

// SessionKeySet is the decoded content of a vendor key-set blob.
// Key fields hold key material wrapped under the terminal transport key.
type SessionKeySet struct {
	Version          string
	PinKeyEncrypted  []byte
	PinKeyCheckValue string
	MacKeyEncrypted  []byte
	MacKeyCheckValue string
}

// Parse decodes blob. The four key and check-value tags are mandatory,
// the version tag is optional and unknown tags are ignored.
// Any truncation fails the whole parse.
func Parse(blob []byte) (*SessionKeySet, error) {
	if len(blob) == 0 {
		return nil, fmt.Errorf("%w: empty blob", ErrMalformedInput)
	}

	var (
		ks   SessionKeySet
		seen = make(map[uint16]bool, 5)
	)

	s := tlv.NewScanner(blob)
	for s.Scan() {
		e := s.Entry()
		switch e.Tag {
		case TagVersion:
			ks.Version = string(e.Value)
		case TagPinKey:
			ks.PinKeyEncrypted = append([]byte(nil), e.Value...)
		case TagMacKey:
			ks.MacKeyEncrypted = append([]byte(nil), e.Value...)
		case TagPinKeyKCV, TagMacKeyKCV:
			kcv, err := decodeCheckValue(e.Value)
			if err != nil {
				return nil, fmt.Errorf("%w: tag %04X: %w", ErrMalformedInput, e.Tag, err)
			}
			if e.Tag == TagPinKeyKCV {
				ks.PinKeyCheckValue = kcv
			} else {
				ks.MacKeyCheckValue = kcv
			}
		default:
			continue
		}
		seen[e.Tag] = true
	}
	if err := s.Err(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformedInput, err)
	}

	for _, tag := range []uint16{TagPinKey, TagPinKeyKCV, TagMacKey, TagMacKeyKCV} {
		if !seen[tag] {
			return nil, fmt.Errorf("%w: missing tag %04X", ErrMalformedInput, tag)
		}
	}
	if len(ks.PinKeyEncrypted) == 0 || len(ks.MacKeyEncrypted) == 0 {
		return nil, fmt.Errorf("%w: empty key value", ErrMalformedInput)
	}

	return &ks, nil
}

// decodeCheckValue accepts either three raw bytes or six ASCII hex characters.
func decodeCheckValue(v []byte) (string, error) {
	switch len(v) {
	case kcvHexLength / 2:
		return strings.ToUpper(hex.EncodeToString(v)), nil
	case kcvHexLength:
		if _, err := hex.DecodeString(string(v)); err != nil {
			return "", fmt.Errorf("check value is not hex: %w", err)
		}

		return strings.ToUpper(string(v)), nil
	default:
		return "", fmt.Errorf("check value has %d bytes", len(v))
	}
}

// Encode builds a blob carrying ks, writing check values as ASCII hex.
func Encode(ks *SessionKeySet) ([]byte, error) {
	entries := make([]tlv.Entry, 0, 5)
	if ks.Version != "" {
		entries = append(entries, tlv.Entry{Tag: TagVersion, Value: []byte(ks.Version)})
	}
	entries = append(entries,
		tlv.Entry{Tag: TagPinKey, Value: ks.PinKeyEncrypted},
		tlv.Entry{Tag: TagPinKeyKCV, Value: []byte(ks.PinKeyCheckValue)},
		tlv.Entry{Tag: TagMacKey, Value: ks.MacKeyEncrypted},
		tlv.Entry{Tag: TagMacKeyKCV, Value: []byte(ks.MacKeyCheckValue)},
	)

	return tlv.Encode(entries...)
}
