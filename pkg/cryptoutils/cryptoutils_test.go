package cryptoutils

import (
	"bytes"
	"encoding/hex"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mustHex(t *testing.T, s string) []byte {
	t.Helper()
	b, err := hex.DecodeString(s)
	require.NoError(t, err)

	return b
}

func TestExpandTripleDESKey(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		key     string
		want    string
		wantErr error
	}{
		{
			name: "double length becomes K1K2K1",
			key:  "0123456789ABCDEFFEDCBA9876543210",
			want: "0123456789ABCDEFFEDCBA98765432100123456789ABCDEF",
		},
		{
			name: "triple length is kept",
			key:  "0123456789ABCDEFFEDCBA987654321089ABCDEF01234567",
			want: "0123456789ABCDEFFEDCBA987654321089ABCDEF01234567",
		},
		{
			name:    "single length rejected",
			key:     "0123456789ABCDEF",
			wantErr: ErrInvalidKeyLength,
		},
	}

	for _, tt := range tests {
		tt := tt // capture range variable.
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got, err := ExpandTripleDESKey(mustHex(t, tt.key))
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)

				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, Raw2Str(got))
		})
	}
}

func TestEncryptDecryptECB(t *testing.T) {
	t.Parallel()

	// K1 == K2 degenerates 3DES to single DES, so the classic DES vector applies.
	key := mustHex(t, "133457799BBCDFF1133457799BBCDFF1")
	clear := mustHex(t, "0123456789ABCDEF")

	ct, err := EncryptECB(key, clear)
	require.NoError(t, err)
	assert.Equal(t, "85E813540F0AB405", Raw2Str(ct))

	pt, err := DecryptECB(key, ct)
	require.NoError(t, err)
	assert.Equal(t, clear, pt)

	ct, err = EncryptECB(mustHex(t, "0123456789ABCDEFFEDCBA9876543210"), clear)
	require.NoError(t, err)
	assert.Equal(t, "1A4D672DCA6CB335", Raw2Str(ct))
}

func TestEncryptECBRejectsBadInput(t *testing.T) {
	t.Parallel()

	key := mustHex(t, "0123456789ABCDEFFEDCBA9876543210")

	_, err := EncryptECB(key, []byte{1, 2, 3})
	assert.ErrorIs(t, err, ErrInvalidDataLength)

	_, err = EncryptECB(key, nil)
	assert.ErrorIs(t, err, ErrInvalidDataLength)

	_, err = DecryptECB(key[:8], make([]byte, 8))
	assert.ErrorIs(t, err, ErrInvalidKeyLength)
}

func TestXORBytes(t *testing.T) {
	t.Parallel()

	got, err := XORBytes([]byte{0xAA, 0x0F}, []byte{0x01, 0xF0})
	require.NoError(t, err)
	assert.Equal(t, []byte{0xAB, 0xFF}, got)

	_, err = XORBytes([]byte{1}, []byte{1, 2})
	assert.True(t, errors.Is(err, ErrLengthMismatch))
}

func TestChunk(t *testing.T) {
	t.Parallel()

	blocks := Chunk([]byte("0123456789"), 4)
	require.Len(t, blocks, 3)
	assert.Equal(t, []byte("89"), blocks[2])
	assert.Nil(t, Chunk([]byte("x"), 0))
}

func TestParity(t *testing.T) {
	t.Parallel()

	fixed := FixKeyParity([]byte{0x00, 0x01, 0xFE, 0x80})
	assert.True(t, CheckKeyParity(fixed))
	assert.Equal(t, []byte{0x01, 0x01, 0xFE, 0x80}, fixed)
	assert.False(t, CheckKeyParity([]byte{0x00}))
}

func TestGenerateRandomKey(t *testing.T) {
	t.Parallel()

	k1, err := GenerateRandomKey(KEY_LENGTH_DOUBLE)
	require.NoError(t, err)
	k2, err := GenerateRandomKey(KEY_LENGTH_DOUBLE)
	require.NoError(t, err)

	assert.Len(t, k1, KEY_LENGTH_DOUBLE)
	assert.True(t, CheckKeyParity(k1))
	assert.False(t, bytes.Equal(k1, k2))

	_, err = GenerateRandomKey(KEY_LENGTH_SINGLE)
	assert.ErrorIs(t, err, ErrInvalidKeyLength)
}

func TestZeroize(t *testing.T) {
	t.Parallel()

	b := []byte{1, 2, 3}
	Zeroize(b)
	assert.Equal(t, []byte{0, 0, 0}, b)
}
