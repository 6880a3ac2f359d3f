// Package pinblock builds the PAN-bound PIN block sent with online-PIN
// authorizations.
package pinblock

import (
	"errors"
	"fmt"
)

const (
	// BlockSize is the length of a PIN block in bytes.
	BlockSize = 8

	// pinFieldControl is the high nibble of the first PIN field byte.
	pinFieldControl = 0x2

	panFieldDigits = 12
	minPanDigits   = 13
	minPinLength   = 4
	maxPinLength   = 12
)

var (
	errInvalidPinLength      = errors.New("invalid pin length")
	errPinNotNumeric         = errors.New("pin contains non-digit characters")
	errInvalidPinBlockLength = errors.New("invalid pin block length")
	errPinBlockDecoding      = errors.New("pin block decoding failed")
)

// PinField packs the PIN into the 8-byte PIN field:
// control nibble, length nibble, PIN digits two per byte, 0xF fill.
func PinField(pin string) ([]byte, error) {
	if len(pin) < minPinLength || len(pin) > maxPinLength {
		return nil, fmt.Errorf("%w: %d digits", errInvalidPinLength, len(pin))
	}

	nibbles := make([]byte, 0, 2*BlockSize)
	nibbles = append(nibbles, pinFieldControl, byte(len(pin)))
	for _, r := range pin {
		if r < '0' || r > '9' {
			return nil, errPinNotNumeric
		}
		nibbles = append(nibbles, byte(r-'0'))
	}
	for len(nibbles) < 2*BlockSize {
		nibbles = append(nibbles, 0xF)
	}

	return packNibbles(nibbles), nil
}

// PanField returns the 8-byte PAN field: two zero bytes followed by the 12
// rightmost PAN digits excluding the check digit. Non-digits are stripped
// first. A PAN with fewer than 13 digits yields an all-zero account part and
// fallback is reported as true.
func PanField(pan string) (field []byte, fallback bool) {
	digits := make([]byte, 0, len(pan))
	for i := 0; i < len(pan); i++ {
		if pan[i] >= '0' && pan[i] <= '9' {
			digits = append(digits, pan[i]-'0')
		}
	}

	nibbles := make([]byte, 2*BlockSize)
	if len(digits) < minPanDigits {
		return packNibbles(nibbles), true
	}

	account := digits[len(digits)-1-panFieldDigits : len(digits)-1]
	copy(nibbles[2*BlockSize-panFieldDigits:], account)

	return packNibbles(nibbles), false
}

// Clear returns the clear PIN block, PIN field XOR PAN field.
func Clear(pin, pan string) ([]byte, error) {
	pinField, err := PinField(pin)
	if err != nil {
		return nil, err
	}
	panField, _ := PanField(pan)

	out := make([]byte, BlockSize)
	for i := range out {
		out[i] = pinField[i] ^ panField[i]
	}

	return out, nil
}

// ExtractPin recovers the PIN from a clear PIN block built by Clear.
func ExtractPin(block []byte, pan string) (string, error) {
	if len(block) != BlockSize {
		return "", fmt.Errorf("%w: %d bytes", errInvalidPinBlockLength, len(block))
	}
	panField, _ := PanField(pan)

	nibbles := make([]byte, 0, 2*BlockSize)
	for i := range block {
		b := block[i] ^ panField[i]
		nibbles = append(nibbles, b>>4, b&0x0F)
	}

	if nibbles[0] != pinFieldControl {
		return "", fmt.Errorf("%w: unexpected control nibble %X", errPinBlockDecoding, nibbles[0])
	}
	pinLen := int(nibbles[1])
	if pinLen < minPinLength || pinLen > maxPinLength {
		return "", fmt.Errorf("%w: pin length %d", errPinBlockDecoding, pinLen)
	}

	pin := make([]byte, 0, pinLen)
	for _, n := range nibbles[2 : 2+pinLen] {
		if n > 9 {
			return "", fmt.Errorf("%w: non-decimal pin digit", errPinBlockDecoding)
		}
		pin = append(pin, '0'+n)
	}
	for _, n := range nibbles[2+pinLen:] {
		if n != 0xF {
			return "", fmt.Errorf("%w: invalid fill nibble", errPinBlockDecoding)
		}
	}

	return string(pin), nil
}

func packNibbles(nibbles []byte) []byte {
	out := make([]byte, len(nibbles)/2)
	for i := range out {
		out[i] = nibbles[2*i]<<4 | nibbles[2*i+1]
	}

	return out
}
