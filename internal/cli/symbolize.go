package cli

import (
	"bytes"
	"fmt"
	"os"

	"github.com/google/pprof/profile"
	"github.com/spf13/cobra"

	clierrors "github.com/coral-mesh/addrline/internal/errors"
	"github.com/coral-mesh/addrline/internal/safe"
	"github.com/coral-mesh/addrline/internal/symbolizer"
)

// maxProfileSize bounds the pprof files symbolize reads.
const maxProfileSize = 512 << 20

func newSymbolizeCmd(a *app) *cobra.Command {
	var (
		f      binaryFlags
		output string
	)

	cmd := &cobra.Command{
		Use:   "symbolize [flags] <profile>",
		Short: "Add function and line information to a pprof profile",
		Long: `Symbolize the locations of a pprof profile that carry only addresses.

Locations of mappings that belong to other binaries are left untouched, so
the command can be run once per binary of a multi-binary profile.

Examples:
  addrline symbolize -e ./server -o symbolized.pb.gz cpu.pprof
  addrline symbolize -e ./server -C -i -o - cpu.pprof | go tool pprof -top -`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := safe.ReadFile(args[0], &safe.ReadOptions{MaxSize: maxProfileSize, AllowSymlinks: true})
			if err != nil {
				return fmt.Errorf("failed to read profile: %w", err)
			}
			p, err := profile.ParseData(data)
			if err != nil {
				return fmt.Errorf("failed to parse profile %s: %w", args[0], err)
			}

			return a.withSymbolizer(cmd, &f, func(s *symbolizer.Symbolizer) error {
				stats, err := s.SymbolizeProfile(p)
				if err != nil {
					return fmt.Errorf("failed to symbolize profile: %w", err)
				}
				a.logger.Info().
					Int("locations", stats.Locations).
					Int("symbolized", stats.Symbolized).
					Int("skipped", stats.Skipped).
					Msg("symbolized profile")

				return a.writeProfile(cmd, p, output)
			})
		},
	}

	addBinaryFlags(cmd, &f, false)
	cmd.Flags().BoolVarP(&f.inlines, "inlines", "i", false, "Record inlined functions as separate lines")
	cmd.Flags().StringVarP(&output, "output", "o", "", "Output file, or - for standard output")
	clierrors.Must(cmd.MarkFlagRequired("output"), "failed to mark output flag required")

	return cmd
}

// writeProfile writes p gzip-compressed to path, or to stdout for "-".
func (a *app) writeProfile(cmd *cobra.Command, p *profile.Profile, path string) error {
	var buf bytes.Buffer
	if err := p.Write(&buf); err != nil {
		return fmt.Errorf("failed to encode profile: %w", err)
	}

	if path == "-" {
		_, err := cmd.OutOrStdout().Write(buf.Bytes())
		return err
	}

	out, err := os.Create(path) // #nosec G304 - output path is supplied by the user.
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", path, err)
	}
	defer clierrors.DeferClose(a.logger, out, "failed to close profile")

	if _, err := out.Write(buf.Bytes()); err != nil {
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	return out.Sync()
}
