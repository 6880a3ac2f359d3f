// Package journal provides transaction journal commands.
package journal

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/andrei-cloud/posguard/internal/commands/cli/common"
	"github.com/andrei-cloud/posguard/internal/ledger"
	"github.com/andrei-cloud/posguard/internal/terminal"
)

// NewJournalCommand creates the journal command group.
func NewJournalCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "journal",
		Short: "Transaction journal",
		Long: `Inspect and append to the bounded transaction journal. PANs are
masked before they are stored.`,
	}

	list := &cobra.Command{
		Use:   "list",
		Short: "List the most recent transactions",
		RunE:  runList,
	}
	list.Flags().IntP("count", "n", 10, "Number of records to show")
	cmd.AddCommand(list)

	cmd.AddCommand(&cobra.Command{
		Use:   "find RRN",
		Short: "Find a transaction by retrieval reference number",
		Args:  cobra.ExactArgs(1),
		RunE:  runFind,
	})

	record := &cobra.Command{
		Use:   "record",
		Short: "Append a transaction record",
		Long: `Append a transaction record. Without --rrn a STAN is allocated and the
retrieval reference number is derived from it.`,
		RunE: runRecord,
	}
	record.Flags().String("rrn", "", "Retrieval reference number")
	record.Flags().String("pan", "", "Primary account number")
	record.Flags().Int64("amount", 0, "Amount in minor units")
	record.Flags().String("currency", "840", "ISO 4217 numeric currency code")
	record.Flags().String("type", "purchase", "Transaction type")
	record.Flags().String("status", string(ledger.StatusApproved), "approved, declined, pending or reversed")
	record.Flags().String("response-code", "00", "Host response code")
	record.Flags().String("auth-code", "", "Authorization code")
	cmd.AddCommand(record)

	return cmd
}

func runList(cmd *cobra.Command, _ []string) error {
	n, _ := cmd.Flags().GetInt("count")

	return common.WithTerminal(cmd, func(t *terminal.Terminal) error {
		recs, err := t.Ledger.ListLastTransactions(cmd.Context(), n)
		if err != nil {
			return common.UserError(err)
		}
		printRecords(cmd.OutOrStdout(), recs)

		return nil
	})
}

func runFind(cmd *cobra.Command, args []string) error {
	return common.WithTerminal(cmd, func(t *terminal.Terminal) error {
		rec, err := t.Ledger.FindByRrn(cmd.Context(), args[0])
		if err != nil {
			return common.UserError(err)
		}
		printRecords(cmd.OutOrStdout(), []ledger.TransactionRecord{rec})

		return nil
	})
}

func runRecord(cmd *cobra.Command, _ []string) error {
	flags := cmd.Flags()
	rrn, _ := flags.GetString("rrn")
	pan, _ := flags.GetString("pan")
	amount, _ := flags.GetInt64("amount")
	currency, _ := flags.GetString("currency")
	txType, _ := flags.GetString("type")
	status, _ := flags.GetString("status")
	responseCode, _ := flags.GetString("response-code")
	authCode, _ := flags.GetString("auth-code")

	st := ledger.Status(strings.ToLower(status))
	switch st {
	case ledger.StatusApproved, ledger.StatusDeclined, ledger.StatusPending, ledger.StatusReversed:
	default:
		return fmt.Errorf("unknown status %q", status)
	}

	return common.WithTerminal(cmd, func(t *terminal.Terminal) error {
		now := time.Now()
		if rrn == "" {
			stan, err := t.Ledger.NextStan(cmd.Context())
			if err != nil {
				return common.UserError(err)
			}
			rrn = ledger.NewRRN(stan, now)
		}

		rec := ledger.TransactionRecord{
			RRN:             rrn,
			AuthCode:        authCode,
			PAN:             pan,
			Amount:          amount,
			CurrencyCode:    currency,
			TransactionType: txType,
			Date:            now.Format("060102"),
			Time:            now.Format("150405"),
			ResponseCode:    responseCode,
			Status:          st,
			Timestamp:       now.UTC(),
		}
		if err := t.Ledger.AppendJournal(cmd.Context(), rec); err != nil {
			return common.UserError(err)
		}
		fmt.Fprintln(cmd.OutOrStdout(), rrn)

		return nil
	})
}

func printRecords(out io.Writer, recs []ledger.TransactionRecord) {
	w := common.NewTable(out)
	defer w.Flush()

	fmt.Fprintln(w, "RRN\tPAN\tAmount\tType\tStatus\tRC\tTimestamp")
	fmt.Fprintln(w, "---\t---\t------\t----\t------\t--\t---------")
	for _, r := range recs {
		fmt.Fprintf(w, "%s\t%s\t%d\t%s\t%s\t%s\t%s\n",
			r.RRN,
			r.PAN,
			r.Amount,
			r.TransactionType,
			r.Status,
			r.ResponseCode,
			r.Timestamp.Format(time.RFC3339),
		)
	}
}
