// Package cli provides the CLI command structure for posguard.
package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/andrei-cloud/posguard/internal/config"
	"github.com/andrei-cloud/posguard/internal/logging"
)

// NewRootCommand creates and returns the root command with all subcommands.
func NewRootCommand() (*cobra.Command, error) {
	var cfgFile string

	rootCmd := &cobra.Command{
		Use:   "posguard",
		Short: "POS terminal transaction-security core",
		Long: `Session key lifecycle, sequence numbers, reversal queue and tamper
monitoring for a payment terminal, with a simulated acquirer for testing.`,
		SilenceErrors: true,
		SilenceUsage:  true,
		PersistentPreRunE: func(_ *cobra.Command, _ []string) error {
			// Initialize configuration before running any command.
			if err := config.Initialize(cfgFile); err != nil {
				return fmt.Errorf("failed to initialize configuration: %w", err)
			}
			cfg := config.Get()
			logging.FromConfig(cfg.Log.Level, cfg.Log.Format)

			return nil
		},
	}

	// Add persistent flags that affect all commands.
	rootCmd.PersistentFlags().
		StringVar(&cfgFile, "config", "", "config file (default is $HOME/.posguard/config.yaml)")

	// Add global flags that can override config file settings.
	rootCmd.PersistentFlags().
		String("log-level", "info", "logging level (debug, info, warn, error)")
	rootCmd.PersistentFlags().String("log-format", "human", "logging format (human, json)")
	rootCmd.PersistentFlags().String("terminal-id", "", "terminal identifier")
	rootCmd.PersistentFlags().String("storage", "file", "storage driver (memory, file, postgres)")

	// Bind flags to the configuration.
	config.BindPFlag("log.level", rootCmd.PersistentFlags().Lookup("log-level"))
	config.BindPFlag("log.format", rootCmd.PersistentFlags().Lookup("log-format"))
	config.BindPFlag("terminal.id", rootCmd.PersistentFlags().Lookup("terminal-id"))
	config.BindPFlag("storage.driver", rootCmd.PersistentFlags().Lookup("storage"))

	// Register all commands.
	if err := RegisterCommands(rootCmd); err != nil {
		return nil, fmt.Errorf("failed to register commands: %w", err)
	}

	return rootCmd, nil
}
