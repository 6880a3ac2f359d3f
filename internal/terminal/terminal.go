// Package terminal assembles the transaction-security core from configuration
// and runs the long-lived agent loop.
package terminal

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/andrei-cloud/posguard/internal/backend"
	"github.com/andrei-cloud/posguard/internal/config"
	"github.com/andrei-cloud/posguard/internal/hsm"
	"github.com/andrei-cloud/posguard/internal/keymgr"
	"github.com/andrei-cloud/posguard/internal/ledger"
	"github.com/andrei-cloud/posguard/internal/primitives"
	"github.com/andrei-cloud/posguard/internal/reversal"
	"github.com/andrei-cloud/posguard/internal/statusapi"
	"github.com/andrei-cloud/posguard/internal/storage"
	"github.com/andrei-cloud/posguard/internal/storage/file"
	"github.com/andrei-cloud/posguard/internal/storage/memory"
	"github.com/andrei-cloud/posguard/internal/storage/postgres"
	"github.com/andrei-cloud/posguard/internal/tamper"
)

const shutdownTimeout = 5 * time.Second

// Terminal holds every wired component. Fields are ready to use after Open.
type Terminal struct {
	Config   config.Config
	Device   hsm.Device
	Crypto   *primitives.Software
	Store    storage.Backend
	Ledger   *ledger.Ledger
	Backend  *backend.Client
	Keys     *keymgr.Manager
	Tamper   *tamper.Monitor
	Replayer *reversal.Replayer

	closers []func() error
}

// Open builds a Terminal from cfg. Close releases it.
func Open(ctx context.Context, cfg config.Config) (t *Terminal, err error) {
	t = &Terminal{Config: cfg}
	defer func() {
		if err != nil {
			_ = t.Close()
		}
	}()

	resolver, err := t.openDevice(cfg)
	if err != nil {
		return nil, err
	}
	t.Crypto = primitives.NewSoftware(resolver)

	if t.Store, err = openStore(ctx, cfg); err != nil {
		return nil, err
	}
	t.closers = append(t.closers, t.Store.Close)
	t.Ledger = ledger.New(t.Store)

	t.Backend = backend.Dial(backend.Config{
		Address:        cfg.Backend.Address,
		PoolSize:       cfg.Backend.PoolSize,
		RequestTimeout: cfg.Backend.Timeout,
	})
	t.closers = append(t.closers, func() error {
		t.Backend.Close()

		return nil
	})

	source, err := keymgr.ParseSource(cfg.Keys.Source)
	if err != nil {
		return nil, err
	}
	t.Keys = keymgr.New(t.Device, t.Crypto, t.Backend, t.Store, keymgr.Config{
		TerminalID:      cfg.Terminal.ID,
		Freshness:       cfg.Keys.Freshness,
		Source:          source,
		AnnounceTimeout: cfg.Keys.AnnounceTimeout,
	})
	if err := t.Keys.RestoreMacKey(ctx); err != nil {
		// The next EnsureSessionKey for mac rotates the key.
		log.Warn().Err(err).Str("event", "mac_key_restore_failed").Msg("committed mac key not loaded")
	}
	t.Tamper = tamper.New(t.Device, t.Keys, tamper.WithInterval(cfg.Tamper.Interval))
	t.Replayer = reversal.New(t.Ledger, t.Backend, cfg.Terminal.ID, cfg.Reversal.RatePerMinute)

	log.Debug().
		Str("event", "terminal_opened").
		Str("terminal_id", cfg.Terminal.ID).
		Str("hsm", cfg.HSM.Driver).
		Str("storage", cfg.Storage.Driver).
		Msg("terminal ready")

	return t, nil
}

func (t *Terminal) openDevice(cfg config.Config) (primitives.TransportKeyResolver, error) {
	switch cfg.HSM.Driver {
	case "emulator":
		emu, err := hsm.NewEmulator(cfg.Terminal.TransportKey)
		if err != nil {
			return nil, fmt.Errorf("emulator: %w", err)
		}
		t.Device = emu

		return emu, nil
	case "pkcs11":
		dev, closeFn, err := openPKCS11(cfg)
		if err != nil {
			return nil, fmt.Errorf("pkcs11: %w", err)
		}
		t.Device = dev
		t.closers = append(t.closers, closeFn)

		// KCV computation needs the clear transport key on the host side.
		tk, err := hex.DecodeString(cfg.Terminal.TransportKey)
		if err != nil {
			return nil, fmt.Errorf("terminal.transport_key: %w", err)
		}

		return primitives.StaticTransportKeys{hsm.DefaultTransportKey: tk}, nil
	default:
		return nil, fmt.Errorf("%w: hsm.driver %q", config.ErrInvalid, cfg.HSM.Driver)
	}
}

func openStore(ctx context.Context, cfg config.Config) (storage.Backend, error) {
	switch cfg.Storage.Driver {
	case "memory":
		return memory.New(), nil
	case "file":
		return file.New(cfg.Storage.Path)
	case "postgres":
		return postgres.Open(ctx, cfg.Storage.DSN)
	default:
		return nil, fmt.Errorf("%w: storage.driver %q", config.ErrInvalid, cfg.Storage.Driver)
	}
}

// Close releases components in reverse order of creation.
func (t *Terminal) Close() error {
	if t.Tamper != nil {
		t.Tamper.Stop()
	}

	var errs []error
	for i := len(t.closers) - 1; i >= 0; i-- {
		if err := t.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	t.closers = nil

	return errors.Join(errs...)
}

// StatusServer returns the HTTP status API bound to the configured address.
func (t *Terminal) StatusServer() *statusapi.Server {
	return statusapi.NewServer(t.Config.HTTP.Address, statusapi.Deps{
		Keys:      t.Keys,
		Tamper:    t.Tamper,
		Reversals: t.Ledger,
	})
}

// Run is the agent loop. It starts the tamper monitor, then ensures session
// keys and replays pending reversals every agent interval until ctx ends.
// It returns tamper.ErrTampered if the device reports tampering.
func (t *Terminal) Run(ctx context.Context) error {
	if err := t.Tamper.Start(ctx); err != nil {
		return err
	}
	defer t.Tamper.Stop()

	ticker := time.NewTicker(t.Config.Agent.Interval)
	defer ticker.Stop()

	for {
		t.cycle(ctx)

		select {
		case <-ctx.Done():
			return nil
		case <-t.Tamper.Halted():
			return tamper.ErrTampered
		case <-ticker.C:
		}
	}
}

// cycle runs one maintenance pass. Failures are logged and retried on the
// next tick.
func (t *Terminal) cycle(ctx context.Context) {
	if t.Keys.Halted() {
		return
	}
	if _, err := t.Keys.EnsureAll(ctx); err != nil {
		log.Warn().Err(err).Str("event", "agent_ensure_failed").Msg("session key maintenance failed")
	}

	res, err := t.Replayer.Replay(ctx)
	if err != nil {
		log.Warn().
			Err(err).
			Str("event", "agent_replay_failed").
			Int("remaining", res.Remaining).
			Msg("reversal replay interrupted")

		return
	}
	if len(res.Delivered) > 0 || res.Remaining > 0 {
		log.Info().
			Str("event", "agent_replay_done").
			Int("delivered", len(res.Delivered)).
			Int("remaining", res.Remaining).
			Msg("reversal replay finished")
	}
}

// Serve runs the agent loop next to the status API and stops both when ctx
// ends or the device is tampered.
func (t *Terminal) Serve(ctx context.Context) error {
	srv := t.StatusServer()
	httpErr := make(chan error, 1)
	go func() { httpErr <- srv.ListenAndServe() }()

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	runErr := make(chan error, 1)
	go func() { runErr <- t.Run(runCtx) }()

	var err error
	select {
	case err = <-runErr:
	case err = <-httpErr:
		cancel()
		<-runErr
	}

	shutdownCtx, stop := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer stop()
	if shutErr := srv.Shutdown(shutdownCtx); shutErr != nil {
		log.Warn().Err(shutErr).Str("event", "http_shutdown_failed").Msg("status api shutdown")
	}

	return err
}
