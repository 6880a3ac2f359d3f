package cryptoutils

import (
	"crypto/des"
	"errors"
	"fmt"
	"slices"
)

const (
	MACAlgorithm1 = 1
	MACAlgorithm3 = 3
	MAC_LENGTH    = 8
)

var errUnknownMACAlgorithm = errors.New("unknown algorithm, must be 1 or 3")

// PadISO9797Method2 adds 0x80 followed by the smallest number of 0x00 bytes
// needed to reach a multiple of the block size. Padding is always added.
func PadISO9797Method2(msg []byte) []byte {
	padded := slices.Concat(msg, []byte{ISO9797_METHOD2_PADDING_BYTE})
	if rem := len(padded) % BLOCK_SIZE; rem != 0 {
		padded = append(padded, make([]byte, BLOCK_SIZE-rem)...)
	}

	return padded
}

// CalculateMAC computes an s-byte MAC (4 ≤ s ≤ 8) over msg using
// ISO/IEC 9797-1 CBC-DES Method 1 or 3 (algo == 1 or 3).
// ks must be 16 bytes (two-key DES: k1||k2).
// msg is already padded data.
func CalculateMAC(msg, ks []byte, s, algo int) ([]byte, error) {
	if s < 4 || s > MAC_LENGTH {
		return nil, fmt.Errorf("invalid MAC length %d", s)
	}
	if len(ks) != KEY_LENGTH_DOUBLE {
		return nil, fmt.Errorf("%w: mac key must be 16 bytes, got %d", ErrInvalidKeyLength, len(ks))
	}
	if len(msg) == 0 || len(msg)%BLOCK_SIZE != 0 {
		return nil, fmt.Errorf("%w: %d bytes", ErrInvalidDataLength, len(msg))
	}

	k1, err := des.NewCipher(ks[:KEY_LENGTH_SINGLE])
	if err != nil {
		return nil, err
	}

	// CBC with k1 and zero IV.
	h := make([]byte, BLOCK_SIZE)
	for _, x := range Chunk(msg, BLOCK_SIZE) {
		xorIn, err := XORBytes(x, h)
		if err != nil {
			return nil, err
		}
		k1.Encrypt(h, xorIn)
	}

	switch algo {
	case MACAlgorithm1:
	case MACAlgorithm3:
		k2, err := des.NewCipher(ks[KEY_LENGTH_SINGLE:])
		if err != nil {
			return nil, err
		}
		k2.Decrypt(h, h)
		k1.Encrypt(h, h)
	default:
		return nil, errUnknownMACAlgorithm
	}

	return h[:s], nil
}

// RetailMAC is ISO 9797-1 algorithm 3 with padding method 2 and a full 8-byte result.
func RetailMAC(msg, ks []byte) ([]byte, error) {
	return CalculateMAC(PadISO9797Method2(msg), ks, MAC_LENGTH, MACAlgorithm3)
}
