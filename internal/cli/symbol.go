package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/coral-mesh/addrline/internal/cli/helpers"
	"github.com/coral-mesh/addrline/internal/symbolizer"
)

var symbolFormats = []helpers.OutputFormat{helpers.FormatTable, helpers.FormatJSON, helpers.FormatCSV}

// symbolRow is one resolved symbol.
type symbolRow struct {
	Symbol   string `header:"SYMBOL" json:"symbol"`
	Address  string `header:"ADDRESS" json:"address"`
	Position string `header:"POSITION" json:"position"`
	Found    string `header:"FOUND" json:"found"`
}

func newSymbolCmd(a *app) *cobra.Command {
	var (
		f         binaryFlags
		basenames bool
		format    string
	)

	cmd := &cobra.Command{
		Use:   "symbol [flags] <name>...",
		Short: "Show where functions and variables are declared",
		Long: `Look up symbols by their symbol-table name and show the file and line
of their definition.

Examples:
  addrline symbol -e ./server main
  addrline symbol -e ./server -C _ZN6server5startEv -o json`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := helpers.ValidateFormat(format, symbolFormats); err != nil {
				return err
			}

			return a.withSymbolizer(cmd, &f, func(s *symbolizer.Symbolizer) error {
				rows := make([]symbolRow, 0, len(args))
				for _, name := range args {
					fr, err := s.ResolveSymbol(name)
					if err != nil {
						return err
					}
					rows = append(rows, symbolRow{
						Symbol:   fr.Function,
						Address:  fmt.Sprintf("%#x", fr.Address),
						Position: symbolizer.FormatPosition(fr, basenames),
						Found:    fr.Found.String(),
					})
				}

				formatter, err := helpers.NewFormatter(helpers.OutputFormat(format))
				if err != nil {
					return err
				}
				return formatter.Format(rows, cmd.OutOrStdout())
			})
		},
	}

	addBinaryFlags(cmd, &f, false)
	cmd.Flags().BoolVarP(&basenames, "basenames", "s", false, "Strip directories from file names")
	helpers.AddFormatFlag(cmd, &format, helpers.FormatTable, symbolFormats)

	return cmd
}
