//go:build pkcs11

package terminal

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPKCS11OpenFailsWithoutLibrary(t *testing.T) {
	t.Parallel()
	cfg := testConfig(freeAddr(t))
	cfg.HSM.Driver = "pkcs11"
	cfg.HSM.PKCS11.Lib = filepath.Join(t.TempDir(), "missing.so")

	_, err := Open(context.Background(), cfg)
	require.ErrorContains(t, err, "pkcs11")
}
