// Package reversals provides reversal queue commands.
package reversals

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/andrei-cloud/posguard/internal/commands/cli/common"
	"github.com/andrei-cloud/posguard/internal/terminal"
)

// NewReversalsCommand creates the reversals command group.
func NewReversalsCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "reversals",
		Short: "Pending reversal queue",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List pending reversals, oldest first",
		RunE:  runList,
	})

	add := &cobra.Command{
		Use:   "add",
		Short: "Queue a reversal for a journal transaction",
		RunE:  runAdd,
	}
	add.Flags().String("rrn", "", "RRN of the transaction to reverse (default is the last approved)")
	cmd.AddCommand(add)

	cmd.AddCommand(&cobra.Command{
		Use:   "replay",
		Short: "Send pending reversals to the host",
		Long: `Send pending reversals oldest first at reversal.rate_per_minute.
Delivered reversals leave the queue. Declined ones stay queued. A transport
failure stops the pass with the rest kept in order.`,
		RunE: runReplay,
	})

	return cmd
}

func runList(cmd *cobra.Command, _ []string) error {
	return common.WithTerminal(cmd, func(t *terminal.Terminal) error {
		pending, err := t.Ledger.ListPendingReversals(cmd.Context())
		if err != nil {
			return common.UserError(err)
		}

		w := common.NewTable(cmd.OutOrStdout())
		defer w.Flush()

		fmt.Fprintln(w, "ID\tRRN\tAmount\tEnqueued")
		fmt.Fprintln(w, "--\t---\t------\t--------")
		for _, p := range pending {
			fmt.Fprintf(w, "%d\t%s\t%d\t%s\n",
				p.ID,
				p.Record.RRN,
				p.Record.Amount,
				p.EnqueuedAt.Format(time.RFC3339),
			)
		}

		return nil
	})
}

func runAdd(cmd *cobra.Command, _ []string) error {
	rrn, _ := cmd.Flags().GetString("rrn")

	return common.WithTerminal(cmd, func(t *terminal.Terminal) error {
		ctx := cmd.Context()
		if rrn == "" {
			var err error
			if rrn, err = t.Ledger.LastApprovedRRN(ctx); err != nil {
				return common.UserError(err)
			}
		}

		rec, err := t.Ledger.FindByRrn(ctx, rrn)
		if err != nil {
			return common.UserError(err)
		}
		rec.IsReversal = true
		rec.OriginalRRN = rec.RRN

		id, err := t.Ledger.EnqueueReversal(ctx, rec)
		if err != nil {
			return common.UserError(err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Queued reversal %d for %s\n", id, rrn)

		return nil
	})
}

func runReplay(cmd *cobra.Command, _ []string) error {
	return common.WithTerminal(cmd, func(t *terminal.Terminal) error {
		res, err := t.Replayer.Replay(cmd.Context())
		fmt.Fprintf(cmd.OutOrStdout(), "Delivered: %d, declined: %d, remaining: %d\n",
			len(res.Delivered), len(res.Rejected), res.Remaining)

		return err
	})
}
