package backend

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/andrei-cloud/anet"
	"github.com/rs/zerolog/log"

	"github.com/andrei-cloud/posguard/internal/logging"
)

// UnsupportedError is the envelope error text for operations the host lacks.
const UnsupportedError = "unsupported"

// SendFunc performs one framed request/response exchange bounded by ctx.
type SendFunc func(ctx context.Context, req *[]byte) ([]byte, error)

// Config describes how to reach the host.
type Config struct {
	Address        string
	PoolSize       int
	Workers        int
	DialTimeout    time.Duration
	RequestTimeout time.Duration
}

// Client is the terminal side of the host protocol.
type Client struct {
	send    SendFunc
	closeFn func()
	timeout time.Duration
}

// Dial builds an anet pool and broker for cfg.Address. Connections are
// opened lazily by the pool.
func Dial(cfg Config) *Client {
	if cfg.PoolSize <= 0 {
		cfg.PoolSize = 1
	}
	if cfg.Workers <= 0 {
		cfg.Workers = cfg.PoolSize
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 2 * time.Second
	}

	factory := func(addr string) (anet.PoolItem, error) {
		conn, err := net.DialTimeout("tcp", addr, cfg.DialTimeout)
		if err != nil {
			return nil, err
		}

		return conn, nil
	}

	poolCfg := anet.DefaultPoolConfig()
	poolCfg.DialTimeout = cfg.DialTimeout
	pool := anet.NewPool(uint32(cfg.PoolSize), factory, cfg.Address, poolCfg)

	brokerCfg := anet.DefaultBrokerConfig()
	if cfg.RequestTimeout > 0 {
		brokerCfg.ReadTimeout = cfg.RequestTimeout
		brokerCfg.WriteTimeout = cfg.RequestTimeout
	}
	broker := anet.NewBroker([]anet.Pool{pool}, cfg.Workers, logging.AnetLogger{}, brokerCfg)
	go func() {
		if err := broker.Start(); err != nil && !errors.Is(err, anet.ErrQuit) {
			log.Error().Err(err).Str("event", "broker_stopped").Msg("backend broker exited")
		}
	}()

	log.Debug().
		Str("event", "backend_dialed").
		Str("address", cfg.Address).
		Int("pool_size", cfg.PoolSize).
		Msg("backend client ready")

	return &Client{
		send: broker.SendContext,
		closeFn: func() {
			broker.Close()
			pool.Close()
		},
		timeout: cfg.RequestTimeout,
	}
}

// NewClient wraps an arbitrary transport, mainly for tests.
func NewClient(send SendFunc, timeout time.Duration) *Client {
	return &Client{send: send, timeout: timeout}
}

// Close releases the broker and its pool.
func (c *Client) Close() {
	if c.closeFn != nil {
		c.closeFn()
	}
}

// roundTrip sends op and decodes the reply payload into resp. The exchange is
// bounded by ctx and, if ctx has no deadline, by the client timeout.
func (c *Client) roundTrip(ctx context.Context, op string, req, resp any) error {
	if c.timeout > 0 {
		if _, ok := ctx.Deadline(); !ok {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, c.timeout)
			defer cancel()
		}
	}

	frame, err := EncodeEnvelope(op, req)
	if err != nil {
		return err
	}

	out, err := c.send(ctx, &frame)
	if err != nil {
		return fmt.Errorf("%w: %s: %w", ErrTransport, op, err)
	}

	env, err := DecodeEnvelope(out)
	if err != nil {
		return fmt.Errorf("%w: %s: %w", ErrTransport, op, err)
	}
	switch {
	case env.Error == UnsupportedError:
		return fmt.Errorf("%w: %s", ErrUnsupported, op)
	case env.Error != "":
		return fmt.Errorf("%w: %s: %s", ErrRejected, op, env.Error)
	}
	if err := json.Unmarshal(env.Payload, resp); err != nil {
		return fmt.Errorf("%w: %s: decode payload: %w", ErrTransport, op, err)
	}

	return nil
}

// Announce registers a key with the host. A response with success=false is
// returned together with ErrRejected.
func (c *Client) Announce(ctx context.Context, req AnnounceRequest) (*AnnounceResponse, error) {
	var resp AnnounceResponse
	if err := c.roundTrip(ctx, OpAnnounce, req, &resp); err != nil {
		return nil, err
	}
	if !resp.Success {
		return &resp, fmt.Errorf("%w: announce: %s", ErrRejected, resp.Message)
	}

	return &resp, nil
}

// FetchKey asks the host for a wrapped key. ErrUnsupported tells the caller
// to fall back to local generation.
func (c *Client) FetchKey(ctx context.Context, req FetchKeyRequest) (*FetchKeyResponse, error) {
	var resp FetchKeyResponse
	if err := c.roundTrip(ctx, OpFetchKey, req, &resp); err != nil {
		return nil, err
	}
	if resp.Unsupported {
		return nil, fmt.Errorf("%w: fetch key", ErrUnsupported)
	}
	if !resp.Success {
		return &resp, fmt.Errorf("%w: fetch key: %s", ErrRejected, resp.Message)
	}

	return &resp, nil
}

// SendReversal delivers one reversal.
func (c *Client) SendReversal(ctx context.Context, req ReversalRequest) (*ReversalResponse, error) {
	var resp ReversalResponse
	if err := c.roundTrip(ctx, OpReversal, req, &resp); err != nil {
		return nil, err
	}
	if !resp.Success {
		return &resp, fmt.Errorf("%w: reversal: %s", ErrRejected, resp.Message)
	}

	return &resp, nil
}

// IsTransient reports whether err is worth retrying later.
func IsTransient(err error) bool {
	return errors.Is(err, ErrTransport)
}
