// Package cvm provides cardholder verification commands.
package cvm

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/andrei-cloud/posguard/internal/cvm"
)

// NewCVMCommand creates the cvm command group.
func NewCVMCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cvm",
		Short: "Cardholder verification decisions",
		Long: `Show whether a captured PIN block is sent to the host for a given
EMV CVM result and PIN entry type.`,
	}

	decide := &cobra.Command{
		Use:   "decide",
		Short: "Decide PIN routing for a CVM result",
		RunE:  runDecide,
	}
	decide.Flags().String("code", "", "CVM result code (omit when the kernel gave none)")
	decide.Flags().Int("pin-type", cvm.PinTypeOnline, "PIN entry type used when no code is given")
	cmd.AddCommand(decide)

	cmd.AddCommand(&cobra.Command{
		Use:   "explore",
		Short: "Interactively explore CVM decisions",
		RunE:  runExplore,
	})

	return cmd
}

func runDecide(cmd *cobra.Command, _ []string) error {
	pinType, _ := cmd.Flags().GetInt("pin-type")

	var code *string
	if cmd.Flags().Changed("code") {
		v, _ := cmd.Flags().GetString("code")
		code = &v
	}

	printDecision(cmd.OutOrStdout(), cvm.Decide(code, pinType))

	return nil
}

func runExplore(cmd *cobra.Command, _ []string) error {
	d, ok, err := runExplorerTUI(cmd.InOrStdin(), cmd.OutOrStdout())
	if err != nil {
		return fmt.Errorf("explorer failed: %w", err)
	}
	if ok {
		printDecision(cmd.OutOrStdout(), d)
	}

	return nil
}

func printDecision(out io.Writer, d cvm.Decision) {
	code := d.Code
	if code == "" {
		code = "(none)"
	}
	fmt.Fprintf(out, "Code:                %s\n", code)
	fmt.Fprintf(out, "Send PIN to backend: %t\n", d.SendPinToBackend)
	fmt.Fprintf(out, "Description:         %s\n", d.Description)
}
