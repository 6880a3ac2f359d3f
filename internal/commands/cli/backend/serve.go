// Package backend provides the simulated acquirer host command.
package backend

import (
	"context"
	"encoding/hex"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/andrei-cloud/posguard/internal/config"
	"github.com/andrei-cloud/posguard/internal/server"
)

// NewBackendCommand creates the backend command group.
func NewBackendCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "backend",
		Short: "Simulated acquirer host",
	}
	cmd.AddCommand(NewServeCommand())

	return cmd
}

// NewServeCommand creates the serve command.
func NewServeCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the simulated acquirer host",
		Long: `Start a host that answers key announcements, key fetches and reversals
over the terminal's framed TCP protocol. Keys are wrapped under the
configured transport key.`,
		RunE: runServe,
	}

	// Add serve command specific flags that can override config.
	cmd.Flags().String("address", "localhost:1600", "Listen address")
	cmd.Flags().Bool("no-fetch", false, "Report key fetch as unsupported")
	cmd.Flags().Bool("reject-announce", false, "Reject every key announcement")
	cmd.Flags().Bool("decline-reversals", false, "Decline every reversal")

	// Bind serve command flags to the configuration.
	config.BindPFlag("backend.address", cmd.Flags().Lookup("address"))

	return cmd
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg := config.Get()
	noFetch, _ := cmd.Flags().GetBool("no-fetch")
	rejectAnnounce, _ := cmd.Flags().GetBool("reject-announce")
	declineReversals, _ := cmd.Flags().GetBool("decline-reversals")

	hostCfg := server.Config{
		Address:          cfg.Backend.Address,
		RejectAnnounce:   rejectAnnounce,
		DeclineReversals: declineReversals,
	}
	if !noFetch {
		tk, err := hex.DecodeString(cfg.Terminal.TransportKey)
		if err != nil {
			return fmt.Errorf("invalid terminal.transport_key: %w", err)
		}
		hostCfg.TransportKey = tk
	}

	srv, err := server.NewServer(hostCfg)
	if err != nil {
		return fmt.Errorf("failed to initialize server: %w", err)
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := srv.Start(); err != nil {
		return fmt.Errorf("failed to start server: %w", err)
	}
	log.Info().
		Str("event", "backend_started").
		Str("address", cfg.Backend.Address).
		Bool("fetch", !noFetch).
		Msg("simulated host listening")

	return waitAndStop(ctx, srv)
}

func waitAndStop(ctx context.Context, srv *server.Server) error {
	<-ctx.Done()
	log.Info().Str("event", "backend_stopping").Msg("shutting down simulated host")
	if err := srv.Stop(); err != nil {
		return fmt.Errorf("failed to stop server: %w", err)
	}

	return nil
}
