// Package pb provides PIN block related commands.
package pb

import (
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/andrei-cloud/posguard/internal/primitives"
	"github.com/andrei-cloud/posguard/pkg/cryptoutils"
	"github.com/andrei-cloud/posguard/pkg/pinblock"
)

// NewPinBlockCommand creates the pinblock command with subcommands.
func NewPinBlockCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "pinblock",
		Short: "ISO 9564 format 0 PIN block operations",
		Long: `Build ISO 9564-1 format 0 PIN blocks and encrypt them under a PIN key
the way the terminal does before sending them online.`,
		Example: `  # Build a clear PIN block
  posguard pinblock create --pin 1234 --pan 4111111111111111

  # Encrypt a PIN block under a double-length key
  posguard pinblock encrypt --pin 1234 --pan 4111111111111111 --key 0123456789ABCDEFFEDCBA9876543210`,
	}

	// Add subcommands.
	cmd.AddCommand(newCreateCommand())
	cmd.AddCommand(newEncryptCommand())

	return cmd
}

func newCreateCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Build a clear PIN block",
		Long: `Build the clear ISO format 0 PIN block. The PIN must be 4-12 digits.
A PAN with fewer than 13 digits is bound as all zeros.`,
		RunE: runCreate,
	}

	addPinFlags(cmd)

	return cmd
}

func newEncryptCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "encrypt",
		Short: "Encrypt a PIN block under a PIN key",
		RunE:  runEncrypt,
	}

	addPinFlags(cmd)
	cmd.Flags().String("key", "", "Clear PIN key in hex (16 or 24 bytes)")

	if err := cmd.MarkFlagRequired("key"); err != nil {
		panic(err)
	}

	return cmd
}

func addPinFlags(cmd *cobra.Command) {
	cmd.Flags().String("pin", "", "PIN (4-12 digits)")
	cmd.Flags().String("pan", "", "Primary Account Number (card number)")

	if err := cmd.MarkFlagRequired("pin"); err != nil {
		panic(err)
	}
	if err := cmd.MarkFlagRequired("pan"); err != nil {
		panic(err)
	}
}

func runCreate(cmd *cobra.Command, _ []string) error {
	pin, _ := cmd.Flags().GetString("pin")
	pan, _ := cmd.Flags().GetString("pan")

	block, err := pinblock.Clear(pin, pan)
	if err != nil {
		return err
	}
	defer cryptoutils.Zeroize(block)

	fmt.Fprintf(cmd.OutOrStdout(), "PIN block: %s\n", strings.ToUpper(hex.EncodeToString(block)))

	return nil
}

func runEncrypt(cmd *cobra.Command, _ []string) error {
	pin, _ := cmd.Flags().GetString("pin")
	pan, _ := cmd.Flags().GetString("pan")
	keyHex, _ := cmd.Flags().GetString("key")

	key, err := hex.DecodeString(keyHex)
	if err != nil {
		return fmt.Errorf("invalid key: %w", err)
	}
	defer cryptoutils.Zeroize(key)

	sw := primitives.NewSoftware(primitives.StaticTransportKeys{})
	enc, err := sw.EncryptPinBlockISO0(pan, pin, key)
	if err != nil {
		return err
	}
	kcv, err := sw.ComputeKeyCheckValue(key)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Encrypted PIN block: %s\n", strings.ToUpper(hex.EncodeToString(enc)))
	fmt.Fprintf(out, "Key check value:     %s\n", kcv)

	return nil
}
