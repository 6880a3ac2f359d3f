// Package server is a simulated acquiring host. It answers the terminal's
// announce, fetch_key and reversal frames over anet.
package server

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	anetserver "github.com/andrei-cloud/anet/server"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/andrei-cloud/posguard/internal/backend"
	"github.com/andrei-cloud/posguard/internal/logging"
	"github.com/andrei-cloud/posguard/internal/primitives"
	"github.com/andrei-cloud/posguard/pkg/cryptoutils"
)

const approvedResponseCode = "00"

var errUnknownOp = errors.New("unknown operation")

// Config controls the simulated host.
type Config struct {
	Address string
	// TransportKey wraps keys returned by fetch_key. Fetch is reported as
	// unsupported when it is empty.
	TransportKey []byte
	// RejectAnnounce answers every announce with success=false.
	RejectAnnounce bool
	// DeclineReversals answers every reversal with success=false.
	DeclineReversals bool
}

type keyState struct {
	keyID   string
	keySet  int
	version int
}

// Server wraps the anet TCP server and the host state.
type Server struct {
	cfg         Config
	srv         *anetserver.Server
	activeConns int32

	mu        sync.Mutex
	keys      map[string]keyState
	reversals []backend.ReversalRequest
}

// NewServer configures and returns the host simulator.
func NewServer(cfg Config) (*Server, error) {
	if len(cfg.TransportKey) > 0 {
		if _, err := cryptoutils.ExpandTripleDESKey(cfg.TransportKey); err != nil {
			return nil, fmt.Errorf("transport key: %w", err)
		}
	}

	scfg := &anetserver.ServerConfig{
		MaxConns:        100,
		ReadTimeout:     30 * time.Second,
		WriteTimeout:    30 * time.Second,
		IdleTimeout:     0 * time.Second, // disable idle connection closure.
		ShutdownTimeout: 5 * time.Second,
		Logger:          logging.AnetLogger{},
	}

	s := &Server{
		cfg:  cfg,
		keys: make(map[string]keyState),
	}
	srv, err := anetserver.NewServer(cfg.Address, anetserver.HandlerFunc(s.handle), scfg)
	if err != nil {
		return nil, fmt.Errorf("server setup failed: %w", err)
	}
	s.srv = srv

	return s, nil
}

// Start begins listening. It returns once the listener is bound.
func (s *Server) Start() error {
	log.Info().Str("address", s.cfg.Address).Msg("server started")
	return s.srv.Start()
}

// Stop gracefully shuts down the server.
func (s *Server) Stop() error {
	return s.srv.Stop()
}

// Reversals returns the reversals accepted so far, in arrival order.
func (s *Server) Reversals() []backend.ReversalRequest {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]backend.ReversalRequest, len(s.reversals))
	copy(out, s.reversals)

	return out
}

func (s *Server) handle(conn *anetserver.ServerConn, data []byte) ([]byte, error) {
	client := conn.Conn.RemoteAddr().String()
	atomic.AddInt32(&s.activeConns, 1)
	defer atomic.AddInt32(&s.activeConns, -1)

	start := time.Now()
	resp, op, errText := s.dispatch(client, data)
	logging.LogResponse(client, op, errText, len(resp), time.Since(start))

	return resp, nil
}

// dispatch never fails: protocol errors travel back in the envelope.
func (s *Server) dispatch(client string, data []byte) ([]byte, string, string) {
	env, err := backend.DecodeEnvelope(data)
	if err != nil {
		return errorFrame("", err.Error()), "", err.Error()
	}
	logging.LogRequest(client, env.Op, len(data), int(atomic.LoadInt32(&s.activeConns)))

	var payload any
	switch env.Op {
	case backend.OpAnnounce:
		var req backend.AnnounceRequest
		if err = json.Unmarshal(env.Payload, &req); err == nil {
			payload = s.announce(req)
		}
	case backend.OpFetchKey:
		if len(s.cfg.TransportKey) == 0 {
			return errorFrame(env.Op, backend.UnsupportedError), env.Op, backend.UnsupportedError
		}
		var req backend.FetchKeyRequest
		if err = json.Unmarshal(env.Payload, &req); err == nil {
			payload = s.fetchKey(req)
		}
	case backend.OpReversal:
		var req backend.ReversalRequest
		if err = json.Unmarshal(env.Payload, &req); err == nil {
			payload = s.reversal(req)
		}
	default:
		err = fmt.Errorf("%w %q", errUnknownOp, env.Op)
	}
	if err != nil {
		return errorFrame(env.Op, err.Error()), env.Op, err.Error()
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return errorFrame(env.Op, err.Error()), env.Op, err.Error()
	}
	frame, _ := json.Marshal(backend.Envelope{Op: env.Op, Payload: raw})

	return frame, env.Op, ""
}

func errorFrame(op, text string) []byte {
	frame, _ := json.Marshal(backend.Envelope{Op: op, Error: text})
	return frame
}

func (s *Server) announce(req backend.AnnounceRequest) backend.AnnounceResponse {
	if s.cfg.RejectAnnounce {
		return backend.AnnounceResponse{Message: "announce rejected by host"}
	}
	if req.TerminalID == "" || req.Purpose == "" || req.CheckValueHex == "" {
		return backend.AnnounceResponse{Message: "terminalId, purpose and checkValueHex are required"}
	}
	if _, err := base64.StdEncoding.DecodeString(req.WrappedKeyBase64); err != nil {
		return backend.AnnounceResponse{Message: "wrappedKeyBase64 is not valid base64"}
	}

	id := req.TerminalID + "/" + req.Purpose

	s.mu.Lock()
	defer s.mu.Unlock()

	prev := s.keys[id]
	if prev.keyID != "" && req.PreviousKeyID != prev.keyID {
		log.Warn().
			Str("event", "announce_previous_mismatch").
			Str("terminal_id", req.TerminalID).
			Str("purpose", req.Purpose).
			Str("expected", prev.keyID).
			Str("got", req.PreviousKeyID).
			Msg("previous key id does not match host record")
	}
	next := keyState{
		keyID:   uuid.NewString(),
		keySet:  prev.keySet + 1,
		version: prev.version + 1,
	}
	s.keys[id] = next

	log.Info().
		Str("event", "key_registered").
		Str("terminal_id", req.TerminalID).
		Str("purpose", req.Purpose).
		Str("kcv", req.CheckValueHex).
		Str("key_id", next.keyID).
		Msg("key registered")

	return backend.AnnounceResponse{
		Success:    true,
		PinKeyID:   next.keyID,
		KeySet:     next.keySet,
		KeyVersion: next.version,
	}
}

func (s *Server) fetchKey(req backend.FetchKeyRequest) backend.FetchKeyResponse {
	if req.TerminalID == "" || req.Purpose == "" {
		return backend.FetchKeyResponse{Message: "terminalId and purpose are required"}
	}

	key, err := cryptoutils.GenerateRandomKey(cryptoutils.KEY_LENGTH_DOUBLE)
	if err != nil {
		return backend.FetchKeyResponse{Message: err.Error()}
	}
	defer cryptoutils.Zeroize(key)

	wrapped, err := cryptoutils.EncryptECB(s.cfg.TransportKey, key)
	if err != nil {
		return backend.FetchKeyResponse{Message: err.Error()}
	}
	kcv, err := primitives.KeyCheckValue(key)
	if err != nil {
		return backend.FetchKeyResponse{Message: err.Error()}
	}

	return backend.FetchKeyResponse{
		Success:          true,
		WrappedKeyBase64: base64.StdEncoding.EncodeToString(wrapped),
		CheckValueHex:    kcv,
	}
}

func (s *Server) reversal(req backend.ReversalRequest) backend.ReversalResponse {
	if s.cfg.DeclineReversals {
		return backend.ReversalResponse{ResponseCode: "96", Message: "reversal declined by host"}
	}

	s.mu.Lock()
	s.reversals = append(s.reversals, req)
	s.mu.Unlock()

	return backend.ReversalResponse{Success: true, ResponseCode: approvedResponseCode}
}
