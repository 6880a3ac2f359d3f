package cli

import (
	"bytes"
	"encoding/hex"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/andrei-cloud/posguard/internal/keyset"
	"github.com/andrei-cloud/posguard/internal/server"
	"github.com/andrei-cloud/posguard/pkg/cryptoutils"
)

// Not parallel: commands read process-wide configuration and environment.

const (
	transportKeyHex = "0123456789ABCDEFFEDCBA9876543210"
	clearKeyHex     = "0123456789ABCDEFFEDCBA9876543210"
	clearKeyKCV     = "08D7B4"
)

func setupEnv(t *testing.T) string {
	t.Helper()
	t.Setenv("HOME", t.TempDir())
	t.Chdir(t.TempDir())
	t.Setenv("POSGUARD_STORAGE_DRIVER", "file")
	t.Setenv("POSGUARD_STORAGE_PATH", t.TempDir())
	t.Setenv("POSGUARD_TERMINAL_TRANSPORT_KEY", transportKeyHex)
	t.Setenv("POSGUARD_BACKEND_TIMEOUT", "2s")
	t.Setenv("POSGUARD_KEYS_ANNOUNCE_TIMEOUT", "2s")
	t.Setenv("POSGUARD_LOG_LEVEL", "error")

	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := l.Addr().String()
	require.NoError(t, l.Close())
	t.Setenv("POSGUARD_BACKEND_ADDRESS", addr)

	return addr
}

func startHost(t *testing.T, addr string, cfg server.Config) *server.Server {
	t.Helper()
	tk, err := hex.DecodeString(transportKeyHex)
	require.NoError(t, err)
	cfg.Address = addr
	cfg.TransportKey = tk

	host, err := server.NewServer(cfg)
	require.NoError(t, err)
	require.NoError(t, host.Start())
	t.Cleanup(func() { _ = host.Stop() })

	return host
}

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root, err := NewRootCommand()
	require.NoError(t, err)

	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err = root.Execute()

	return out.String(), err
}

func mustRun(t *testing.T, args ...string) string {
	t.Helper()
	out, err := run(t, args...)
	require.NoError(t, err, out)

	return out
}

func TestSeqCommands(t *testing.T) {
	setupEnv(t)

	assert.Equal(t, "000001\n", mustRun(t, "seq", "stan"))
	assert.Equal(t, "000002\n", mustRun(t, "seq", "stan"))

	assert.Equal(t, "000001\n", mustRun(t, "seq", "batch"))
	assert.Equal(t, "000001\n", mustRun(t, "seq", "receipt"))
	assert.Equal(t, "000002\n", mustRun(t, "seq", "receipt"))
	assert.Equal(t, "000002\n", mustRun(t, "seq", "batch", "--next"))
	assert.Equal(t, "000001\n", mustRun(t, "seq", "receipt"))

	_, err := run(t, "seq", "receipt", "--batch", "12")
	require.Error(t, err)
}

func TestJournalAndReversals(t *testing.T) {
	addr := setupEnv(t)
	host := startHost(t, addr, server.Config{})

	rrn := strings.TrimSpace(mustRun(t, "journal", "record", "--pan", "4111111111111111", "--amount", "500"))
	require.Len(t, rrn, 12)
	mustRun(t, "journal", "record", "--rrn", "R-DECLINED", "--status", "declined")

	list := mustRun(t, "journal", "list")
	assert.Contains(t, list, "411111******1111")
	assert.NotContains(t, list, "4111111111111111")
	assert.Contains(t, list, "R-DECLINED")

	assert.Contains(t, mustRun(t, "journal", "find", rrn), rrn)
	_, err := run(t, "journal", "find", "missing")
	require.Error(t, err)

	_, err = run(t, "journal", "record", "--status", "bogus")
	require.Error(t, err)

	assert.Equal(t, "Queued reversal 1 for "+rrn+"\n", mustRun(t, "reversals", "add"))
	assert.Contains(t, mustRun(t, "reversals", "list"), rrn)

	assert.Contains(t, mustRun(t, "reversals", "replay"), "Delivered: 1, declined: 0, remaining: 0")
	require.Len(t, host.Reversals(), 1)
	assert.Equal(t, rrn, host.Reversals()[0].Record.OriginalRRN)
	assert.NotContains(t, mustRun(t, "reversals", "list"), rrn)
}

func TestReplayWithoutHostKeepsQueue(t *testing.T) {
	setupEnv(t)

	rrn := strings.TrimSpace(mustRun(t, "journal", "record", "--pan", "5500000000000004"))
	mustRun(t, "reversals", "add", "--rrn", rrn)

	out, err := run(t, "reversals", "replay")
	require.Error(t, err)
	assert.Contains(t, out, "remaining: 1")
	assert.Contains(t, mustRun(t, "reversals", "list"), rrn)
}

func TestKeysEnsureAndStatus(t *testing.T) {
	addr := setupEnv(t)
	startHost(t, addr, server.Config{})

	out := mustRun(t, "keys", "ensure")
	assert.Contains(t, out, "pin")
	assert.Contains(t, out, "mac")
	assert.Contains(t, out, "true")

	status := mustRun(t, "keys", "status")
	assert.Contains(t, status, "active")
	assert.NotContains(t, status, "no_key")

	_, err := run(t, "keys", "erase", "--purpose", "pin")
	require.ErrorContains(t, err, "--yes")

	assert.Contains(t, mustRun(t, "keys", "erase", "--purpose", "pin", "--yes"), "Erased pin key slots")
	assert.Contains(t, mustRun(t, "keys", "status"), "no_key")
}

func TestKeysEnsureRejected(t *testing.T) {
	addr := setupEnv(t)
	startHost(t, addr, server.Config{RejectAnnounce: true})

	_, err := run(t, "keys", "ensure", "--purpose", "mac")
	require.ErrorContains(t, err, "key provisioning unavailable")
	assert.Contains(t, mustRun(t, "keys", "status"), "no_key")

	_, err = run(t, "keys", "ensure", "--purpose", "cvv")
	require.ErrorContains(t, err, "unknown purpose")
}

func TestKeysImport(t *testing.T) {
	addr := setupEnv(t)
	startHost(t, addr, server.Config{})

	tk, err := hex.DecodeString(transportKeyHex)
	require.NoError(t, err)
	clear, err := hex.DecodeString(clearKeyHex)
	require.NoError(t, err)
	wrapped, err := cryptoutils.EncryptECB(tk, clear)
	require.NoError(t, err)

	blob, err := keyset.Encode(&keyset.SessionKeySet{
		Version:          "7",
		PinKeyEncrypted:  wrapped,
		PinKeyCheckValue: clearKeyKCV,
		MacKeyEncrypted:  wrapped,
		MacKeyCheckValue: clearKeyKCV,
	})
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "keyset.hex")
	require.NoError(t, os.WriteFile(path, []byte(hex.EncodeToString(blob)+"\n"), 0o600))

	out := mustRun(t, "keys", "import", "--file", path, "--hex")
	assert.Equal(t, 2, strings.Count(out, clearKeyKCV), out)

	bad := filepath.Join(t.TempDir(), "bad.bin")
	require.NoError(t, os.WriteFile(bad, []byte{0xDF, 0x01}, 0o600))
	_, err = run(t, "keys", "import", "--file", bad)
	require.ErrorContains(t, err, "key provisioning unavailable")
}

func TestInvalidConfiguration(t *testing.T) {
	setupEnv(t)
	t.Setenv("POSGUARD_KEYS_SOURCE", "dukpt")

	_, err := run(t, "seq", "stan")
	require.ErrorContains(t, err, "failed to initialize configuration")
}

func TestStorageFlagOverridesEnvironment(t *testing.T) {
	setupEnv(t)

	mustRun(t, "seq", "stan")
	// The memory store starts empty on every run.
	assert.Equal(t, "000001\n", mustRun(t, "--storage", "memory", "seq", "stan"))
	assert.Equal(t, "000002\n", mustRun(t, "seq", "stan"))
}

func TestMacCommands(t *testing.T) {
	addr := setupEnv(t)
	startHost(t, addr, server.Config{})

	out := mustRun(t, "mac", "compute", "--data", "30323030")
	require.Contains(t, out, "MAC: ")
	line := strings.SplitN(out, "\n", 2)[0]
	assert.Len(t, strings.TrimPrefix(line, "MAC: "), 16)
	assert.Contains(t, out, "Key check value: ")

	_, err := run(t, "mac", "verify", "--data", "30323030", "--mac", "0000000000000000")
	require.ErrorContains(t, err, "mac mismatch")

	_, err = run(t, "mac", "compute", "--data", "zz")
	require.ErrorContains(t, err, "invalid hex")
}
