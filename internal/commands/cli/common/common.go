// Package common holds helpers shared by the CLI command packages.
package common

import (
	"errors"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/andrei-cloud/posguard/internal/config"
	"github.com/andrei-cloud/posguard/internal/hsm"
	"github.com/andrei-cloud/posguard/internal/keymgr"
	"github.com/andrei-cloud/posguard/internal/ledger"
	"github.com/andrei-cloud/posguard/internal/terminal"
)

// WithTerminal opens the terminal described by the loaded configuration,
// runs fn and closes it.
func WithTerminal(cmd *cobra.Command, fn func(*terminal.Terminal) error) (err error) {
	t, err := terminal.Open(cmd.Context(), *config.Get())
	if err != nil {
		return fmt.Errorf("failed to open terminal: %w", err)
	}
	defer func() {
		if cerr := t.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}()

	return fn(t)
}

// NewTable returns a tabwriter in the layout used by every listing command.
func NewTable(w io.Writer) *tabwriter.Writer {
	return tabwriter.NewWriter(w, 0, 0, 3, ' ', 0)
}

// ParsePurposes maps a --purpose value to key purposes; "all" selects both.
func ParsePurposes(v string) ([]hsm.Purpose, error) {
	switch p := hsm.Purpose(strings.ToLower(v)); p {
	case "", "all":
		return hsm.Purposes(), nil
	case hsm.PurposePIN, hsm.PurposeMAC:
		return []hsm.Purpose{p}, nil
	default:
		return nil, fmt.Errorf("unknown purpose %q (pin, mac or all)", v)
	}
}

// UserError rewrites store and key failures to their operator text and
// keeps every other error as is.
func UserError(err error) error {
	var f *keymgr.Failure
	if errors.As(err, &f) {
		return fmt.Errorf("%s: %w", f.UserMessage(), err)
	}
	var se *ledger.StoreError
	if errors.As(err, &se) {
		return fmt.Errorf("%s: %w", se.UserMessage(), err)
	}

	return err
}
