package server

import (
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"net"
	"testing"
	"time"

	"github.com/andrei-cloud/anet"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/andrei-cloud/posguard/internal/backend"
	"github.com/andrei-cloud/posguard/internal/primitives"
	"github.com/andrei-cloud/posguard/pkg/cryptoutils"
)

const testTransportKey = "0123456789ABCDEFFEDCBA9876543210"

func newTestServer(t *testing.T, cfg Config) *Server {
	t.Helper()
	if cfg.Address == "" {
		cfg.Address = "127.0.0.1:0"
	}
	srv, err := NewServer(cfg)
	require.NoError(t, err)

	return srv
}

func call(t *testing.T, s *Server, op string, req, resp any) backend.Envelope {
	t.Helper()
	frame, err := backend.EncodeEnvelope(op, req)
	require.NoError(t, err)

	out, _, _ := s.dispatch("test", frame)
	env, err := backend.DecodeEnvelope(out)
	require.NoError(t, err)
	if env.Error == "" && resp != nil {
		require.NoError(t, json.Unmarshal(env.Payload, resp))
	}

	return env
}

func mustKey(t *testing.T) []byte {
	t.Helper()
	key, err := hex.DecodeString(testTransportKey)
	require.NoError(t, err)

	return key
}

func TestAnnounceAssignsIncreasingVersions(t *testing.T) {
	t.Parallel()
	s := newTestServer(t, Config{})

	req := backend.AnnounceRequest{
		TerminalID:       "T1",
		Purpose:          "pin",
		WrappedKeyBase64: base64.StdEncoding.EncodeToString(make([]byte, 16)),
		CheckValueHex:    "08D7B4",
	}

	var first backend.AnnounceResponse
	call(t, s, backend.OpAnnounce, req, &first)
	require.True(t, first.Success)
	assert.NotEmpty(t, first.PinKeyID)
	assert.Equal(t, 1, first.KeySet)
	assert.Equal(t, 1, first.KeyVersion)

	req.PreviousKeyID = first.PinKeyID
	var second backend.AnnounceResponse
	call(t, s, backend.OpAnnounce, req, &second)
	require.True(t, second.Success)
	assert.NotEqual(t, first.PinKeyID, second.PinKeyID)
	assert.Equal(t, 2, second.KeyVersion)

	// Purposes are versioned independently.
	req.Purpose = "mac"
	req.PreviousKeyID = ""
	var mac backend.AnnounceResponse
	call(t, s, backend.OpAnnounce, req, &mac)
	assert.Equal(t, 1, mac.KeyVersion)
}

func TestAnnounceValidation(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		cfg  Config
		req  backend.AnnounceRequest
	}{
		{
			name: "reject mode",
			cfg:  Config{RejectAnnounce: true},
			req:  backend.AnnounceRequest{TerminalID: "T1", Purpose: "pin", CheckValueHex: "08D7B4"},
		},
		{
			name: "missing kcv",
			req:  backend.AnnounceRequest{TerminalID: "T1", Purpose: "pin"},
		},
		{
			name: "bad base64",
			req: backend.AnnounceRequest{
				TerminalID: "T1", Purpose: "pin", CheckValueHex: "08D7B4", WrappedKeyBase64: "!!",
			},
		},
	}

	for _, tt := range tests {
		tt := tt // capture range variable.
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			s := newTestServer(t, tt.cfg)
			var resp backend.AnnounceResponse
			env := call(t, s, backend.OpAnnounce, tt.req, &resp)
			assert.Empty(t, env.Error)
			assert.False(t, resp.Success)
			assert.NotEmpty(t, resp.Message)
		})
	}
}

func TestFetchKeyWrapsUnderTransportKey(t *testing.T) {
	t.Parallel()
	tk := mustKey(t)
	s := newTestServer(t, Config{TransportKey: tk})

	var resp backend.FetchKeyResponse
	call(t, s, backend.OpFetchKey, backend.FetchKeyRequest{TerminalID: "T1", Purpose: "mac"}, &resp)
	require.True(t, resp.Success)

	wrapped, err := base64.StdEncoding.DecodeString(resp.WrappedKeyBase64)
	require.NoError(t, err)
	clear, err := cryptoutils.DecryptECB(tk, wrapped)
	require.NoError(t, err)
	require.Len(t, clear, cryptoutils.KEY_LENGTH_DOUBLE)

	kcv, err := primitives.KeyCheckValue(clear)
	require.NoError(t, err)
	assert.Equal(t, resp.CheckValueHex, kcv)
	assert.True(t, cryptoutils.CheckKeyParity(clear))
}

func TestFetchKeyUnsupportedWithoutTransportKey(t *testing.T) {
	t.Parallel()
	s := newTestServer(t, Config{})

	env := call(t, s, backend.OpFetchKey, backend.FetchKeyRequest{TerminalID: "T1", Purpose: "pin"}, nil)
	assert.Equal(t, backend.UnsupportedError, env.Error)
}

func TestReversalRecorded(t *testing.T) {
	t.Parallel()
	s := newTestServer(t, Config{})

	var resp backend.ReversalResponse
	call(t, s, backend.OpReversal, backend.ReversalRequest{TerminalID: "T1", ReversalID: 7}, &resp)
	assert.True(t, resp.Success)
	assert.Equal(t, "00", resp.ResponseCode)

	got := s.Reversals()
	require.Len(t, got, 1)
	assert.Equal(t, int64(7), got[0].ReversalID)

	declining := newTestServer(t, Config{DeclineReversals: true})
	call(t, declining, backend.OpReversal, backend.ReversalRequest{TerminalID: "T1", ReversalID: 8}, &resp)
	assert.False(t, resp.Success)
	assert.Empty(t, declining.Reversals())
}

func TestMalformedAndUnknownFrames(t *testing.T) {
	t.Parallel()
	s := newTestServer(t, Config{})

	out, _, errText := s.dispatch("test", []byte("not json"))
	assert.NotEmpty(t, errText)
	var env backend.Envelope
	require.NoError(t, json.Unmarshal(out, &env))
	assert.NotEmpty(t, env.Error)

	unknown := call(t, s, "settle", struct{}{}, nil)
	assert.Contains(t, unknown.Error, "unknown operation")
}

func TestNewServerRejectsBadTransportKey(t *testing.T) {
	t.Parallel()
	_, err := NewServer(Config{Address: "127.0.0.1:0", TransportKey: []byte{1, 2, 3}})
	require.Error(t, err)
}

// freeAddr reserves an ephemeral port and releases it for the server.
func freeAddr(t *testing.T) string {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := l.Addr().String()
	require.NoError(t, l.Close())

	return addr
}

func TestServeOverAnet(t *testing.T) {
	t.Parallel()
	addr := freeAddr(t)
	s := newTestServer(t, Config{Address: addr})
	require.NoError(t, s.Start())
	defer s.Stop()

	factory := func(addr string) (anet.PoolItem, error) {
		conn, err := net.DialTimeout("tcp", addr, 500*time.Millisecond)
		if err != nil {
			return nil, err
		}

		return conn, nil
	}

	pool := anet.NewPool(1, factory, addr, nil)
	defer pool.Close()

	broker := anet.NewBroker([]anet.Pool{pool}, 1, nil, nil)
	go broker.Start()
	defer broker.Close()

	req, err := backend.EncodeEnvelope(backend.OpReversal, backend.ReversalRequest{TerminalID: "T9", ReversalID: 1})
	require.NoError(t, err)
	out, err := broker.Send(&req)
	require.NoError(t, err)

	env, err := backend.DecodeEnvelope(out)
	require.NoError(t, err)
	assert.Equal(t, backend.OpReversal, env.Op)
	assert.Empty(t, env.Error)
	require.Len(t, s.Reversals(), 1)
	assert.Equal(t, "T9", s.Reversals()[0].TerminalID)
}
