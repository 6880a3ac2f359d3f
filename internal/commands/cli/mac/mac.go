// Package mac provides message authentication commands under the active MAC key.
package mac

import (
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/andrei-cloud/posguard/internal/commands/cli/common"
	"github.com/andrei-cloud/posguard/internal/hsm"
	"github.com/andrei-cloud/posguard/internal/terminal"
)

// NewMacCommand creates the mac command group.
func NewMacCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "mac",
		Short: "Compute or verify a message MAC",
		Long: `Compute or verify an ISO 9797-1 retail MAC under the active MAC key.
A MAC key is provisioned first when none is active or it is stale.`,
	}

	compute := &cobra.Command{
		Use:   "compute",
		Short: "Compute the MAC of a message",
		RunE:  runCompute,
	}
	compute.Flags().String("data", "", "Message, hex encoded")
	if err := compute.MarkFlagRequired("data"); err != nil {
		panic(err)
	}
	cmd.AddCommand(compute)

	verify := &cobra.Command{
		Use:   "verify",
		Short: "Verify the MAC of a message",
		RunE:  runVerify,
	}
	verify.Flags().String("data", "", "Message, hex encoded")
	verify.Flags().String("mac", "", "Expected MAC, hex encoded")
	for _, name := range []string{"data", "mac"} {
		if err := verify.MarkFlagRequired(name); err != nil {
			panic(err)
		}
	}
	cmd.AddCommand(verify)

	return cmd
}

func decodeFlag(cmd *cobra.Command, name string) ([]byte, error) {
	v, _ := cmd.Flags().GetString(name)
	b, err := hex.DecodeString(strings.TrimSpace(v))
	if err != nil {
		return nil, fmt.Errorf("invalid hex in --%s: %w", name, err)
	}

	return b, nil
}

func runCompute(cmd *cobra.Command, _ []string) error {
	data, err := decodeFlag(cmd, "data")
	if err != nil {
		return err
	}

	return common.WithTerminal(cmd, func(t *terminal.Terminal) error {
		sess, err := t.Keys.EnsureSessionKey(cmd.Context(), hsm.PurposeMAC)
		if err != nil {
			return common.UserError(err)
		}
		mac, err := t.Crypto.ComputeMac(data)
		if err != nil {
			return err
		}

		fmt.Fprintf(cmd.OutOrStdout(), "MAC: %s\n", strings.ToUpper(hex.EncodeToString(mac)))
		fmt.Fprintf(cmd.OutOrStdout(), "Key check value: %s\n", sess.State.KeyCheckValue)

		return nil
	})
}

func runVerify(cmd *cobra.Command, _ []string) error {
	data, err := decodeFlag(cmd, "data")
	if err != nil {
		return err
	}
	want, err := decodeFlag(cmd, "mac")
	if err != nil {
		return err
	}

	return common.WithTerminal(cmd, func(t *terminal.Terminal) error {
		if _, err := t.Keys.EnsureSessionKey(cmd.Context(), hsm.PurposeMAC); err != nil {
			return common.UserError(err)
		}
		if err := t.Crypto.VerifyMac(data, want); err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), "MAC verified")

		return nil
	})
}
