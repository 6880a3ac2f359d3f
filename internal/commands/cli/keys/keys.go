// Package keys provides session key lifecycle commands.
package keys

import (
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/andrei-cloud/posguard/internal/commands/cli/common"
	"github.com/andrei-cloud/posguard/internal/keymgr"
	"github.com/andrei-cloud/posguard/internal/terminal"
)

// NewKeysCommand creates the keys command group.
func NewKeysCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "keys",
		Short: "Session key lifecycle operations",
		Long: `Session key lifecycle operations for the terminal.
Keys are prepared in the standby slot, announced to the host and only then
activated. A failed rotation keeps the existing key.`,
	}

	// Add subcommands.
	cmd.AddCommand(newEnsureCommand())
	cmd.AddCommand(newStatusCommand())
	cmd.AddCommand(newImportCommand())
	cmd.AddCommand(newEraseCommand())

	return cmd
}

func newEnsureCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ensure",
		Short: "Make sure a fresh session key is active",
		Long: `Rotate the session key when none is active or the active one is older
than keys.freshness. Fresh keys are left alone.`,
		RunE: runEnsure,
	}

	cmd.Flags().String("purpose", "all", "Key purpose (pin, mac, all)")

	return cmd
}

func newStatusCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show key slot state",
		RunE:  runStatus,
	}
}

func newImportCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "import",
		Short: "Import a vendor TLV key set",
		Long: `Import the PIN and MAC keys of a TLV key set into their standby slots,
verify each check value, announce them and activate.`,
		RunE: runImport,
	}

	cmd.Flags().String("file", "", "Key set file, - for stdin")
	cmd.Flags().Bool("hex", false, "Input is hex encoded")

	if err := cmd.MarkFlagRequired("file"); err != nil {
		panic(err)
	}

	return cmd
}

func newEraseCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "erase",
		Short: "Erase both slots of a key purpose",
		RunE:  runErase,
	}

	cmd.Flags().String("purpose", "", "Key purpose (pin, mac, all)")
	cmd.Flags().Bool("yes", false, "Confirm erasure")

	if err := cmd.MarkFlagRequired("purpose"); err != nil {
		panic(err)
	}

	return cmd
}

func runEnsure(cmd *cobra.Command, _ []string) error {
	purpose, _ := cmd.Flags().GetString("purpose")
	purposes, err := common.ParsePurposes(purpose)
	if err != nil {
		return err
	}

	return common.WithTerminal(cmd, func(t *terminal.Terminal) error {
		var sessions []keymgr.Session
		var errs []error
		for _, p := range purposes {
			sess, err := t.Keys.EnsureSessionKey(cmd.Context(), p)
			if err != nil {
				errs = append(errs, common.UserError(err))
				continue
			}
			sessions = append(sessions, sess)
		}
		printSessions(cmd.OutOrStdout(), sessions)

		return errors.Join(errs...)
	})
}

func runStatus(cmd *cobra.Command, _ []string) error {
	return common.WithTerminal(cmd, func(t *terminal.Terminal) error {
		statuses, err := t.Keys.Statuses(cmd.Context())
		if err != nil {
			return common.UserError(err)
		}

		w := common.NewTable(cmd.OutOrStdout())
		defer w.Flush()

		fmt.Fprintln(w, "Purpose\tPhase\tSlot\tKey ID\tKCV\tKey Set\tVersion\tActivated\tFresh")
		fmt.Fprintln(w, "-------\t-----\t----\t------\t---\t-------\t-------\t---------\t-----")
		for _, s := range statuses {
			activated := "-"
			if s.ActivatedAt != nil {
				activated = s.ActivatedAt.Format(time.RFC3339)
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%d\t%d\t%s\t%t\n",
				s.Purpose,
				s.Phase,
				s.ActiveSlot,
				dash(s.KeyID),
				dash(s.KeyCheckValue),
				s.KeySetID,
				s.KeyVersion,
				activated,
				s.Fresh,
			)
		}

		return nil
	})
}

func runImport(cmd *cobra.Command, _ []string) error {
	path, _ := cmd.Flags().GetString("file")
	isHex, _ := cmd.Flags().GetBool("hex")

	blob, err := readInput(cmd.InOrStdin(), path)
	if err != nil {
		return fmt.Errorf("failed to read key set: %w", err)
	}
	if isHex {
		if blob, err = hex.DecodeString(strings.TrimSpace(string(blob))); err != nil {
			return fmt.Errorf("invalid hex key set: %w", err)
		}
	}

	return common.WithTerminal(cmd, func(t *terminal.Terminal) error {
		sessions, err := t.Keys.ImportKeySet(cmd.Context(), blob)
		printSessions(cmd.OutOrStdout(), sessions)

		return common.UserError(err)
	})
}

func runErase(cmd *cobra.Command, _ []string) error {
	purpose, _ := cmd.Flags().GetString("purpose")
	confirmed, _ := cmd.Flags().GetBool("yes")

	purposes, err := common.ParsePurposes(purpose)
	if err != nil {
		return err
	}
	if !confirmed {
		return errors.New("refusing to erase keys without --yes")
	}

	return common.WithTerminal(cmd, func(t *terminal.Terminal) error {
		for _, p := range purposes {
			if err := t.Keys.Erase(cmd.Context(), p); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Erased %s key slots\n", p)
		}

		return nil
	})
}

func printSessions(out io.Writer, sessions []keymgr.Session) {
	if len(sessions) == 0 {
		return
	}

	w := common.NewTable(out)
	defer w.Flush()

	fmt.Fprintln(w, "Purpose\tSlot\tKey ID\tKCV\tVersion\tRotated")
	fmt.Fprintln(w, "-------\t----\t------\t---\t-------\t-------")
	for _, s := range sessions {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%t\n",
			s.Purpose,
			s.State.ActiveSlot,
			dash(s.State.KeyID),
			dash(s.State.KeyCheckValue),
			s.State.KeyVersion,
			s.Rotated,
		)
	}
}

func readInput(stdin io.Reader, path string) ([]byte, error) {
	if path == "-" {
		return io.ReadAll(stdin)
	}

	return os.ReadFile(path)
}

func dash(s string) string {
	if s == "" {
		return "-"
	}

	return s
}
