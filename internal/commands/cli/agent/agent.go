// Package agent provides the long-running terminal agent command.
package agent

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/andrei-cloud/posguard/internal/commands/cli/common"
	"github.com/andrei-cloud/posguard/internal/config"
	"github.com/andrei-cloud/posguard/internal/terminal"
)

// NewAgentCommand creates the agent command group.
func NewAgentCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "agent",
		Short: "Terminal background agent",
	}

	run := &cobra.Command{
		Use:   "run",
		Short: "Run the tamper monitor, key maintenance and status API",
		Long: `Run until interrupted: watch the device for tampering, keep session keys
fresh, replay pending reversals and serve the status API. The agent exits
with an error once the device reports tampering.`,
		RunE: runAgent,
	}
	run.Flags().String("http-address", "localhost:9180", "Status API listen address")
	config.BindPFlag("http.address", run.Flags().Lookup("http-address"))
	cmd.AddCommand(run)

	return cmd
}

func runAgent(cmd *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	return common.WithTerminal(cmd, func(t *terminal.Terminal) error {
		log.Info().
			Str("event", "agent_started").
			Str("terminal_id", t.Config.Terminal.ID).
			Dur("interval", t.Config.Agent.Interval).
			Msg("terminal agent running")

		return t.Serve(ctx)
	})
}
