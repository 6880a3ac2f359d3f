// Package seq provides sequence number commands.
package seq

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/andrei-cloud/posguard/internal/commands/cli/common"
	"github.com/andrei-cloud/posguard/internal/terminal"
)

// NewSeqCommand creates the seq command group.
func NewSeqCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "seq",
		Short: "System trace, batch and receipt numbers",
		Long: `Allocate persistent sequence numbers. Every allocation is durable
before it is printed and a value is never handed out twice.`,
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "stan",
		Short: "Allocate the next system trace audit number",
		RunE:  runStan,
	})

	batch := &cobra.Command{
		Use:   "batch",
		Short: "Show the open batch or close it with --next",
		RunE:  runBatch,
	}
	batch.Flags().Bool("next", false, "Close the open batch and start the next one")
	cmd.AddCommand(batch)

	receipt := &cobra.Command{
		Use:   "receipt",
		Short: "Allocate the next receipt number",
		RunE:  runReceipt,
	}
	receipt.Flags().String("batch", "", "Batch number (default is the open batch)")
	cmd.AddCommand(receipt)

	return cmd
}

func runStan(cmd *cobra.Command, _ []string) error {
	return common.WithTerminal(cmd, func(t *terminal.Terminal) error {
		stan, err := t.Ledger.NextStan(cmd.Context())
		if err != nil {
			return common.UserError(err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%06d\n", stan)

		return nil
	})
}

func runBatch(cmd *cobra.Command, _ []string) error {
	next, _ := cmd.Flags().GetBool("next")

	return common.WithTerminal(cmd, func(t *terminal.Terminal) error {
		var (
			batch string
			err   error
		)
		if next {
			batch, err = t.Ledger.NextBatchNumber(cmd.Context())
		} else {
			batch, err = t.Ledger.CurrentBatch(cmd.Context())
		}
		if err != nil {
			return common.UserError(err)
		}
		fmt.Fprintln(cmd.OutOrStdout(), batch)

		return nil
	})
}

func runReceipt(cmd *cobra.Command, _ []string) error {
	batch, _ := cmd.Flags().GetString("batch")

	return common.WithTerminal(cmd, func(t *terminal.Terminal) error {
		if batch == "" {
			var err error
			if batch, err = t.Ledger.CurrentBatch(cmd.Context()); err != nil {
				return common.UserError(err)
			}
		}
		receipt, err := t.Ledger.NextReceiptNumber(cmd.Context(), batch)
		if err != nil {
			return common.UserError(err)
		}
		fmt.Fprintln(cmd.OutOrStdout(), receipt)

		return nil
	})
}
