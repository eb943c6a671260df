package cli

import (
	"fmt"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/coral-mesh/addrline/internal/cli/helpers"
	"github.com/coral-mesh/addrline/internal/symbolizer"
	"github.com/coral-mesh/addrline/pkg/dwarfline"
)

var unitsFormats = []helpers.OutputFormat{helpers.FormatTable, helpers.FormatJSON, helpers.FormatCSV}

// unitRow describes one compilation unit.
type unitRow struct {
	Offset    string `header:"OFFSET" json:"offset"`
	Name      string `header:"NAME" json:"name"`
	Language  string `header:"LANGUAGE" json:"language"`
	Version   int    `header:"VERSION" json:"version"`
	Size      string `header:"SIZE" json:"size"`
	Ranges    string `header:"RANGES" json:"ranges"`
	Functions int    `header:"FUNCTIONS" json:"functions"`
	Variables int    `header:"VARIABLES" json:"variables"`
	Status    string `header:"STATUS" json:"status"`
	CompDir   string `json:"comp_dir,omitempty"`
}

func newUnitsCmd(a *app) *cobra.Command {
	var (
		f       binaryFlags
		format  string
		verbose bool
	)

	cmd := &cobra.Command{
		Use:   "units",
		Short: "List the compilation units of a binary",
		Long: `List every compilation unit in the binary's debug info with its
language, DWARF version, size, address ranges and how many functions and
variables it defines. Units that failed to parse are listed with their error.

Examples:
  addrline units -e ./server
  addrline units -e ./server -o csv > units.csv`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := helpers.ValidateFormat(format, unitsFormats); err != nil {
				return err
			}

			return a.withSymbolizer(cmd, &f, func(s *symbolizer.Symbolizer) error {
				units, err := s.Units()
				if err != nil {
					return err
				}

				rows := make([]unitRow, 0, len(units))
				for _, u := range units {
					rows = append(rows, toUnitRow(u, verbose))
				}

				formatter, err := helpers.NewFormatter(helpers.OutputFormat(format))
				if err != nil {
					return err
				}
				if err := formatter.Format(rows, cmd.OutOrStdout()); err != nil {
					return err
				}

				if err := s.UnitErrors(); err != nil {
					a.logger.Warn().Err(err).Msg("some units could not be read")
				}
				return nil
			})
		},
	}

	addBinaryFlags(cmd, &f, false)
	helpers.AddFormatFlag(cmd, &format, helpers.FormatTable, unitsFormats)
	helpers.AddVerboseFlag(cmd, &verbose)

	return cmd
}

func toUnitRow(u dwarfline.UnitInfo, verbose bool) unitRow {
	row := unitRow{
		Offset:    fmt.Sprintf("%#x", u.Offset),
		Name:      u.Name,
		Language:  u.Language.String(),
		Version:   u.Version,
		Size:      humanize.IBytes(u.Size),
		Ranges:    formatRanges(u.Ranges, verbose),
		Functions: u.Functions,
		Variables: u.Variables,
		Status:    "ok",
		CompDir:   u.CompDir,
	}
	if u.Err != nil {
		row.Status = u.Err.Error()
	}
	return row
}

// formatRanges lists the first range and a count of the rest, or all of
// them when verbose.
func formatRanges(ranges []dwarfline.Range, verbose bool) string {
	if len(ranges) == 0 {
		return "-"
	}
	shown := ranges
	if !verbose && len(ranges) > 1 {
		shown = ranges[:1]
	}
	parts := make([]string, 0, len(shown)+1)
	for _, r := range shown {
		parts = append(parts, fmt.Sprintf("[%#x-%#x)", r.Low, r.High))
	}
	if len(shown) < len(ranges) {
		parts = append(parts, fmt.Sprintf("+%d more", len(ranges)-len(shown)))
	}
	return strings.Join(parts, " ")
}
