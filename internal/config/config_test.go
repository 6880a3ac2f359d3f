package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Not parallel: configuration is process global and reads HOME.

func TestInitializeWritesDefaultFile(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)
	t.Chdir(t.TempDir())

	require.NoError(t, Initialize(""))

	_, err := os.Stat(filepath.Join(home, ".posguard", "config.yaml"))
	require.NoError(t, err)

	cfg := Get()
	assert.Equal(t, "T0000001", cfg.Terminal.ID)
	assert.Equal(t, 24*time.Hour, cfg.Keys.Freshness)
	assert.Equal(t, 10*time.Second, cfg.Keys.AnnounceTimeout)
	assert.Equal(t, "fetch", cfg.Keys.Source)
	assert.Equal(t, 5*time.Second, cfg.Tamper.Interval)
	assert.Equal(t, "emulator", cfg.HSM.Driver)
	assert.Equal(t, "posguard", cfg.HSM.PKCS11.LabelPrefix)
	assert.Equal(t, 30, cfg.Reversal.RatePerMinute)
}

func TestEnvironmentOverrides(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	t.Chdir(t.TempDir())
	t.Setenv("POSGUARD_TERMINAL_ID", "T42")
	t.Setenv("POSGUARD_KEYS_SOURCE", "generate")
	t.Setenv("POSGUARD_STORAGE_DRIVER", "memory")

	require.NoError(t, Initialize(""))
	assert.Equal(t, "T42", Get().Terminal.ID)
	assert.Equal(t, "generate", Get().Keys.Source)
	assert.Equal(t, "memory", Get().Storage.Driver)
	assert.Equal(t, "T42", GetViper().GetString("terminal.id"))
}

func TestExplicitFile(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	path := filepath.Join(t.TempDir(), "terminal.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
terminal:
  id: T77
keys:
  freshness: 2h
storage:
  driver: postgres
  dsn: postgres://posguard@localhost/posguard
`), 0o600))

	require.NoError(t, Initialize(path))
	assert.Equal(t, "T77", Get().Terminal.ID)
	assert.Equal(t, 2*time.Hour, Get().Keys.Freshness)
	assert.Equal(t, "postgres", Get().Storage.Driver)
}

func TestValidate(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
keys:
  source: dukpt
storage:
  driver: postgres
hsm:
  driver: tpm
`), 0o600))

	err := Initialize(path)
	require.ErrorIs(t, err, ErrInvalid)
	assert.Contains(t, err.Error(), "keys.source")
	assert.Contains(t, err.Error(), "storage.dsn")
	assert.Contains(t, err.Error(), "hsm.driver")
}

func TestBoundFlagOverridesEnvironment(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	t.Chdir(t.TempDir())
	t.Setenv("POSGUARD_LOG_LEVEL", "warn")

	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	fs.String("log-level", "info", "")
	fs.String("http-address", "localhost:9180", "")
	BindPFlag("log.level", fs.Lookup("log-level"))
	BindPFlag("http.address", fs.Lookup("http-address"))
	t.Cleanup(func() {
		delete(flags, "log.level")
		delete(flags, "http.address")
	})

	require.NoError(t, Initialize(""))
	assert.Equal(t, "warn", Get().Log.Level, "unchanged flag must not shadow env")

	require.NoError(t, fs.Parse([]string{"--log-level", "debug"}))
	require.NoError(t, Initialize(""))
	assert.Equal(t, "debug", Get().Log.Level)
	assert.Equal(t, "localhost:9180", Get().HTTP.Address)
	assert.Equal(t, 15*time.Minute, Get().Agent.Interval)
}
