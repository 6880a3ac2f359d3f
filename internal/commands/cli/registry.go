// Package cli provides centralized command registration.
package cli

import (
	"github.com/spf13/cobra"

	"github.com/andrei-cloud/posguard/internal/commands/cli/agent"
	"github.com/andrei-cloud/posguard/internal/commands/cli/backend"
	"github.com/andrei-cloud/posguard/internal/commands/cli/cvm"
	"github.com/andrei-cloud/posguard/internal/commands/cli/journal"
	"github.com/andrei-cloud/posguard/internal/commands/cli/keys"
	"github.com/andrei-cloud/posguard/internal/commands/cli/mac"
	"github.com/andrei-cloud/posguard/internal/commands/cli/pb"
	"github.com/andrei-cloud/posguard/internal/commands/cli/reversals"
	"github.com/andrei-cloud/posguard/internal/commands/cli/seq"
)

// RegisterCommands registers all root commands.
func RegisterCommands(root *cobra.Command) error {
	root.AddCommand(keys.NewKeysCommand())
	root.AddCommand(seq.NewSeqCommand())
	root.AddCommand(journal.NewJournalCommand())
	root.AddCommand(reversals.NewReversalsCommand())
	root.AddCommand(cvm.NewCVMCommand())
	root.AddCommand(mac.NewMacCommand())
	root.AddCommand(pb.NewPinBlockCommand())
	root.AddCommand(backend.NewBackendCommand())
	root.AddCommand(agent.NewAgentCommand())

	return nil
}
