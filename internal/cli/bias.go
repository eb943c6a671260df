package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/coral-mesh/addrline/internal/symbolizer"
)

func newBiasCmd(a *app) *cobra.Command {
	var f binaryFlags

	cmd := &cobra.Command{
		Use:   "bias",
		Short: "Estimate the offset between debug info and symbol addresses",
		Long: `Estimate how far the addresses in the debug info are shifted from the
symbol table, as happens when a separate debug file was produced for a
prelinked or relocated binary. Prints 0 when they agree.

Example:
  addrline bias -e ./server --debug-dir /srv/debug`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withSymbolizer(cmd, &f, func(s *symbolizer.Symbolizer) error {
				bias, err := s.Bias()
				if err != nil {
					return err
				}
				_, err = fmt.Fprintf(cmd.OutOrStdout(), "%#x\n", bias)
				return err
			})
		},
	}

	addBinaryFlags(cmd, &f, false)
	return cmd
}
