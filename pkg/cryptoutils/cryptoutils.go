// Package cryptoutils provides the low-level 3DES building blocks used by the
// terminal: key expansion, ECB mode, parity handling and buffer hygiene.
package cryptoutils

import (
	"crypto/cipher"
	"crypto/des"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"slices"
	"strings"
)

const (
	ISO9797_METHOD2_PADDING_BYTE = 0x80
	KEY_LENGTH_SINGLE            = 8
	KEY_LENGTH_DOUBLE            = 16
	KEY_LENGTH_TRIPLE            = 24
	BLOCK_SIZE                   = des.BlockSize
	XOR_BIT_FLIP                 = 1
)

var (
	ErrInvalidKeyLength  = errors.New("invalid key length")
	ErrInvalidDataLength = errors.New("data length is not a multiple of the block size")
	ErrLengthMismatch    = errors.New("xor: length mismatch")
)

// ecb wraps a cipher.Block to provide ECB mode.
type ecb struct{ b cipher.Block }

type ecbEncrypter ecb

type ecbDecrypter ecb

// NewECBEncrypter returns a cipher.BlockMode for ECB encryption.
func NewECBEncrypter(b cipher.Block) cipher.BlockMode {
	return (*ecbEncrypter)(&ecb{b: b})
}

func (x *ecbEncrypter) BlockSize() int { return x.b.BlockSize() }

func (x *ecbEncrypter) CryptBlocks(dst, src []byte) {
	if len(src)%x.BlockSize() != 0 {
		panic(fmt.Sprintf(
			"cryptoutils: input length %d not a multiple of block size %d",
			len(src),
			x.BlockSize(),
		))
	}
	for len(src) > 0 {
		x.b.Encrypt(dst[:x.BlockSize()], src[:x.BlockSize()])
		src = src[x.BlockSize():]
		dst = dst[x.BlockSize():]
	}
}

// NewECBDecrypter returns a cipher.BlockMode for ECB decryption.
func NewECBDecrypter(b cipher.Block) cipher.BlockMode {
	return (*ecbDecrypter)(&ecb{b: b})
}

func (x *ecbDecrypter) BlockSize() int { return x.b.BlockSize() }

func (x *ecbDecrypter) CryptBlocks(dst, src []byte) {
	if len(src)%x.BlockSize() != 0 {
		panic(fmt.Sprintf(
			"cryptoutils: input length %d not a multiple of block size %d",
			len(src),
			x.BlockSize(),
		))
	}
	for len(src) > 0 {
		x.b.Decrypt(dst[:x.BlockSize()], src[:x.BlockSize()])
		src = src[x.BlockSize():]
		dst = dst[x.BlockSize():]
	}
}

// ExpandTripleDESKey returns a 24-byte 3DES key.
// Double-length keys become K1||K2||K1; triple-length keys are copied as is.
// Single-length keys are rejected: a terminal PIN or MAC key is never single DES.
func ExpandTripleDESKey(key []byte) ([]byte, error) {
	switch len(key) {
	case KEY_LENGTH_DOUBLE:
		key24 := make([]byte, KEY_LENGTH_TRIPLE)
		copy(key24, key)
		copy(key24[KEY_LENGTH_DOUBLE:], key[:KEY_LENGTH_SINGLE])

		return key24, nil
	case KEY_LENGTH_TRIPLE:
		return slices.Clone(key), nil
	default:
		return nil, fmt.Errorf("%w: %d bytes", ErrInvalidKeyLength, len(key))
	}
}

// NewTripleDES builds a 3DES block cipher from a double or triple length key.
// The expanded copy of the key is wiped before returning.
func NewTripleDES(key []byte) (cipher.Block, error) {
	key24, err := ExpandTripleDESKey(key)
	if err != nil {
		return nil, err
	}
	defer Zeroize(key24)

	block, err := des.NewTripleDESCipher(key24)
	if err != nil {
		return nil, fmt.Errorf("3des cipher init failed: %w", err)
	}

	return block, nil
}

// EncryptECB encrypts data under key using 3DES-ECB.
func EncryptECB(key, data []byte) ([]byte, error) {
	return cryptECB(key, data, true)
}

// DecryptECB decrypts data under key using 3DES-ECB.
func DecryptECB(key, data []byte) ([]byte, error) {
	return cryptECB(key, data, false)
}

func cryptECB(key, data []byte, encrypt bool) ([]byte, error) {
	if len(data) == 0 || len(data)%BLOCK_SIZE != 0 {
		return nil, fmt.Errorf("%w: %d bytes", ErrInvalidDataLength, len(data))
	}

	block, err := NewTripleDES(key)
	if err != nil {
		return nil, err
	}

	out := make([]byte, len(data))
	if encrypt {
		NewECBEncrypter(block).CryptBlocks(out, data)
	} else {
		NewECBDecrypter(block).CryptBlocks(out, data)
	}

	return out, nil
}

// Raw2Str converts raw binary data to an uppercase hex string.
func Raw2Str(raw []byte) string {
	return strings.ToUpper(hex.EncodeToString(raw))
}

// XORBytes returns a^b for equal-length slices.
func XORBytes(a, b []byte) ([]byte, error) {
	if len(a) != len(b) {
		return nil, ErrLengthMismatch
	}
	out := make([]byte, len(a))
	for i := range a {
		out[i] = a[i] ^ b[i]
	}

	return out, nil
}

// Chunk splits b into blocks of size sz. The last block may be shorter if needed.
func Chunk(b []byte, sz int) [][]byte {
	if sz <= 0 {
		return nil
	}
	out := make([][]byte, 0, (len(b)+sz-1)/sz)
	for start := 0; start < len(b); start += sz {
		end := min(start+sz, len(b))
		out = append(out, b[start:end])
	}

	return out
}

// Zeroize overwrites a buffer holding key material.
func Zeroize(b []byte) {
	for i := range b {
		b[i] = 0
	}
}

// CheckKeyParity returns true if every byte in key has odd parity.
func CheckKeyParity(key []byte) bool {
	for _, b := range key {
		if !oddParity(b) {
			return false
		}
	}

	return true
}

// FixKeyParity sets each byte to odd parity (as required by DES).
func FixKeyParity(key []byte) []byte {
	res := make([]byte, len(key))
	for i, b := range key {
		if oddParity(b) {
			res[i] = b
		} else {
			res[i] = b ^ XOR_BIT_FLIP
		}
	}

	return res
}

func oddParity(b byte) bool {
	parity := 0
	for x := b; x != 0; x &= x - 1 {
		parity ^= 1
	}

	return parity == 1
}

// GenerateRandomKey returns a parity-adjusted random DES key of 16 or 24 bytes.
func GenerateRandomKey(length int) ([]byte, error) {
	if length != KEY_LENGTH_DOUBLE && length != KEY_LENGTH_TRIPLE {
		return nil, fmt.Errorf("%w: must be 16 or 24 bytes, got %d", ErrInvalidKeyLength, length)
	}

	raw := make([]byte, length)
	if _, err := rand.Read(raw); err != nil {
		return nil, fmt.Errorf("failed to generate random key: %w", err)
	}
	defer Zeroize(raw)

	return FixKeyParity(raw), nil
}
