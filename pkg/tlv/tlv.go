// Package tlv reads and writes the two-byte-tag TLV encoding used for
// vendor key-set delivery.
//
// Each entry is a big-endian 16-bit tag followed by a length. A length byte
// below 0x80 is the length itself, 0x81 means one further length byte follows
// and 0x82 means two further big-endian length bytes follow. Other long forms
// are not supported.
package tlv

import (
	"encoding/binary"
	"errors"
	"fmt"
)

const (
	tagSize        = 2
	lengthOneByte  = 0x81
	lengthTwoBytes = 0x82
	maxShortLength = 0x7F
	maxValueLength = 0xFFFF
)

var (
	// ErrTruncated is returned when the input ends inside a tag, length or value.
	ErrTruncated = errors.New("tlv: truncated input")
	// ErrUnsupportedLength is returned for long-form length bytes other than 0x81 and 0x82.
	ErrUnsupportedLength = errors.New("tlv: unsupported length form")
	// ErrValueTooLong is returned by the encoder for values over 65535 bytes.
	ErrValueTooLong = errors.New("tlv: value too long")
)

// Entry is one decoded tag/value pair. Value aliases the input buffer.
type Entry struct {
	Tag   uint16
	Value []byte
}

// Scanner walks a TLV buffer entry by entry.
type Scanner struct {
	buf   []byte
	pos   int
	entry Entry
	err   error
}

// NewScanner returns a Scanner over b.
func NewScanner(b []byte) *Scanner {
	return &Scanner{buf: b}
}

// Scan advances to the next entry. It returns false at the end of input or on
// the first error; Err distinguishes the two.
func (s *Scanner) Scan() bool {
	if s.err != nil || s.pos >= len(s.buf) {
		return false
	}

	rest := s.buf[s.pos:]
	if len(rest) < tagSize+1 {
		s.err = fmt.Errorf("%w: %d bytes left at offset %d", ErrTruncated, len(rest), s.pos)

		return false
	}
	tag := binary.BigEndian.Uint16(rest)
	n, hdr, err := decodeLength(rest[tagSize:])
	if err != nil {
		s.err = fmt.Errorf("%w: tag %04X at offset %d", err, tag, s.pos)

		return false
	}

	start := tagSize + hdr
	if len(rest)-start < n {
		s.err = fmt.Errorf("%w: tag %04X declares %d bytes, %d left", ErrTruncated, tag, n, len(rest)-start)

		return false
	}

	s.entry = Entry{Tag: tag, Value: rest[start : start+n]}
	s.pos += start + n

	return true
}

// Entry returns the entry produced by the last successful Scan.
func (s *Scanner) Entry() Entry { return s.entry }

// Err returns the first error encountered, or nil at a clean end of input.
func (s *Scanner) Err() error { return s.err }

// decodeLength returns the value length and the number of header bytes used.
func decodeLength(b []byte) (int, int, error) {
	if len(b) == 0 {
		return 0, 0, ErrTruncated
	}

	switch first := b[0]; {
	case first <= maxShortLength:
		return int(first), 1, nil
	case first == lengthOneByte:
		if len(b) < 2 {
			return 0, 0, ErrTruncated
		}

		return int(b[1]), 2, nil
	case first == lengthTwoBytes:
		if len(b) < 3 {
			return 0, 0, ErrTruncated
		}

		return int(binary.BigEndian.Uint16(b[1:3])), 3, nil
	default:
		return 0, 0, fmt.Errorf("%w: %02X", ErrUnsupportedLength, first)
	}
}

// Decode reads every entry of b.
func Decode(b []byte) ([]Entry, error) {
	var out []Entry
	s := NewScanner(b)
	for s.Scan() {
		out = append(out, s.Entry())
	}

	return out, s.Err()
}

// Encode writes entries in order using the shortest supported length form.
func Encode(entries ...Entry) ([]byte, error) {
	var out []byte
	for _, e := range entries {
		var err error
		out, err = AppendEntry(out, e.Tag, e.Value)
		if err != nil {
			return nil, err
		}
	}

	return out, nil
}

// AppendEntry appends one encoded entry to dst.
func AppendEntry(dst []byte, tag uint16, value []byte) ([]byte, error) {
	n := len(value)
	if n > maxValueLength {
		return nil, fmt.Errorf("%w: tag %04X has %d bytes", ErrValueTooLong, tag, n)
	}

	dst = binary.BigEndian.AppendUint16(dst, tag)
	switch {
	case n <= maxShortLength:
		dst = append(dst, byte(n))
	case n <= 0xFF:
		dst = append(dst, lengthOneByte, byte(n))
	default:
		dst = append(dst, lengthTwoBytes)
		dst = binary.BigEndian.AppendUint16(dst, uint16(n))
	}

	return append(dst, value...), nil
}
