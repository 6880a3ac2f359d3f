// Package backend talks to the acquiring host: key announce, key fetch and
// reversal delivery over JSON frames carried by anet.
package backend

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/andrei-cloud/posguard/internal/ledger"
)

// Operation codes carried in the envelope.
const (
	OpAnnounce = "announce"
	OpFetchKey = "fetch_key"
	OpReversal = "reversal"
)

var (
	// ErrTransport covers connection, framing and timeout failures.
	ErrTransport = errors.New("backend transport failure")
	// ErrRejected is returned when the host answers with success=false.
	ErrRejected = errors.New("backend rejected request")
	// ErrUnsupported is returned when the host does not offer an operation.
	ErrUnsupported = errors.New("operation not supported by backend")
)

// Envelope frames every request and response.
type Envelope struct {
	Op      string          `json:"op"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Error   string          `json:"error,omitempty"`
}

// AnnounceRequest registers a freshly loaded key with the host.
type AnnounceRequest struct {
	TerminalID       string `json:"terminalId"`
	Purpose          string `json:"purpose"`
	WrappedKeyBase64 string `json:"wrappedKeyBase64"`
	CheckValueHex    string `json:"checkValueHex"`
	KeySetHint       string `json:"keySetHint,omitempty"`
	PreviousKeyID    string `json:"previousKeyId,omitempty"`
}

// AnnounceResponse carries the identity the host assigned to the key.
type AnnounceResponse struct {
	Success    bool   `json:"success"`
	PinKeyID   string `json:"pinKeyId"`
	KeySet     int    `json:"keySet"`
	KeyVersion int    `json:"keyVersion"`
	Message    string `json:"message,omitempty"`
}

// FetchKeyRequest asks the host for a key wrapped under the transport key.
type FetchKeyRequest struct {
	TerminalID string `json:"terminalId"`
	Purpose    string `json:"purpose"`
	KeySetHint string `json:"keySetHint,omitempty"`
}

// FetchKeyResponse returns the wrapped key and its check value.
type FetchKeyResponse struct {
	Success          bool   `json:"success"`
	Unsupported      bool   `json:"unsupported,omitempty"`
	WrappedKeyBase64 string `json:"wrappedKeyBase64,omitempty"`
	CheckValueHex    string `json:"checkValueHex,omitempty"`
	Message          string `json:"message,omitempty"`
}

// ReversalRequest delivers a queued reversal.
type ReversalRequest struct {
	TerminalID string                   `json:"terminalId"`
	ReversalID int64                    `json:"reversalId"`
	Record     ledger.TransactionRecord `json:"record"`
}

// ReversalResponse acknowledges a reversal.
type ReversalResponse struct {
	Success      bool   `json:"success"`
	ResponseCode string `json:"responseCode,omitempty"`
	Message      string `json:"message,omitempty"`
}

// EncodeEnvelope wraps payload under op.
func EncodeEnvelope(op string, payload any) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode %s payload: %w", op, err)
	}

	return json.Marshal(Envelope{Op: op, Payload: raw})
}

// DecodeEnvelope parses a frame.
func DecodeEnvelope(frame []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(frame, &env); err != nil {
		return Envelope{}, fmt.Errorf("decode envelope: %w", err)
	}
	if env.Op == "" {
		return Envelope{}, errors.New("decode envelope: missing op")
	}

	return env, nil
}
