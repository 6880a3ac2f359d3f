package backend

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// replyWith returns a SendFunc that answers every request with env and
// records the last request envelope.
func replyWith(t *testing.T, env Envelope, got *Envelope) SendFunc {
	t.Helper()

	return func(_ context.Context, req *[]byte) ([]byte, error) {
		if got != nil {
			decoded, err := DecodeEnvelope(*req)
			require.NoError(t, err)
			*got = decoded
		}

		return json.Marshal(env)
	}
}

func payload(t *testing.T, v any) json.RawMessage {
	t.Helper()
	raw, err := json.Marshal(v)
	require.NoError(t, err)

	return raw
}

func TestAnnounce(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		env     Envelope
		wantErr error
		wantID  string
	}{
		{
			name:   "accepted",
			env:    Envelope{Op: OpAnnounce, Payload: json.RawMessage(`{"success":true,"pinKeyId":"k-2","keySet":3,"keyVersion":4}`)},
			wantID: "k-2",
		},
		{
			name:    "success false",
			env:     Envelope{Op: OpAnnounce, Payload: json.RawMessage(`{"success":false,"message":"nope"}`)},
			wantErr: ErrRejected,
		},
		{
			name:    "envelope error",
			env:     Envelope{Op: OpAnnounce, Error: "terminal unknown"},
			wantErr: ErrRejected,
		},
		{
			name:    "garbage payload",
			env:     Envelope{Op: OpAnnounce, Payload: json.RawMessage(`"text"`)},
			wantErr: ErrTransport,
		},
	}

	for _, tt := range tests {
		tt := tt // capture range variable.
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			var sent Envelope
			c := NewClient(replyWith(t, tt.env, &sent), time.Second)

			resp, err := c.Announce(context.Background(), AnnounceRequest{
				TerminalID:    "T1",
				Purpose:       "pin",
				CheckValueHex: "08D7B4",
				PreviousKeyID: "k-1",
			})
			assert.Equal(t, OpAnnounce, sent.Op)
			assert.Contains(t, string(sent.Payload), `"previousKeyId":"k-1"`)

			if tt.wantErr != nil {
				require.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantID, resp.PinKeyID)
			assert.Equal(t, 3, resp.KeySet)
			assert.Equal(t, 4, resp.KeyVersion)
		})
	}
}

func TestFetchKeyUnsupported(t *testing.T) {
	t.Parallel()

	byError := NewClient(replyWith(t, Envelope{Op: OpFetchKey, Error: UnsupportedError}, nil), 0)
	_, err := byError.FetchKey(context.Background(), FetchKeyRequest{TerminalID: "T1", Purpose: "pin"})
	require.ErrorIs(t, err, ErrUnsupported)

	byFlag := NewClient(replyWith(t, Envelope{
		Op:      OpFetchKey,
		Payload: payload(t, FetchKeyResponse{Unsupported: true}),
	}, nil), 0)
	_, err = byFlag.FetchKey(context.Background(), FetchKeyRequest{TerminalID: "T1", Purpose: "pin"})
	require.ErrorIs(t, err, ErrUnsupported)
	assert.False(t, IsTransient(err))
}

func TestTransportFailureIsTransient(t *testing.T) {
	t.Parallel()
	c := NewClient(func(context.Context, *[]byte) ([]byte, error) {
		return nil, errors.New("connection refused")
	}, 0)

	_, err := c.SendReversal(context.Background(), ReversalRequest{TerminalID: "T1", ReversalID: 1})
	require.ErrorIs(t, err, ErrTransport)
	assert.True(t, IsTransient(err))
}

func TestClientTimeoutAppliedWithoutDeadline(t *testing.T) {
	t.Parallel()
	c := NewClient(func(ctx context.Context, _ *[]byte) ([]byte, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}, 20*time.Millisecond)

	start := time.Now()
	_, err := c.Announce(context.Background(), AnnounceRequest{TerminalID: "T1"})
	require.ErrorIs(t, err, ErrTransport)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestDecodeEnvelopeRequiresOp(t *testing.T) {
	t.Parallel()
	_, err := DecodeEnvelope([]byte(`{"payload":{}}`))
	require.Error(t, err)

	_, err = DecodeEnvelope([]byte(`{`))
	require.Error(t, err)
}
