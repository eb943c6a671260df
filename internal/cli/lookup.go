package cli

import (
	"bufio"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/coral-mesh/addrline/internal/cli/helpers"
	"github.com/coral-mesh/addrline/internal/symbolizer"
)

var lookupFormats = []helpers.OutputFormat{helpers.FormatText, helpers.FormatJSON}

type lookupFlags struct {
	binaryFlags
	functions bool
	addresses bool
	basenames bool
	pretty    bool
	format    string
}

// lookupResult is the JSON form of one resolved address.
type lookupResult struct {
	Address string        `json:"address"`
	Frames  []lookupFrame `json:"frames"`
}

type lookupFrame struct {
	Function      string `json:"function,omitempty"`
	File          string `json:"file,omitempty"`
	Line          uint64 `json:"line,omitempty"`
	Column        uint64 `json:"column,omitempty"`
	Discriminator uint64 `json:"discriminator,omitempty"`
	Inlined       bool   `json:"inlined,omitempty"`
	Found         string `json:"found"`
}

func newLookupCmd(a *app) *cobra.Command {
	var f lookupFlags

	cmd := &cobra.Command{
		Use:   "lookup [flags] [address...]",
		Short: "Translate addresses into file names and line numbers",
		Long: `Translate hexadecimal addresses into source positions.

Addresses are read from the arguments, or one per line from standard input
when none are given. With --pid they are runtime addresses of that process.

Examples:
  addrline lookup -e ./server 0x4011a6
  addrline lookup -e ./server -f -i -C 4011a6 4011c0
  addrline lookup -e ./server -a -p -f < addresses.txt
  addrline lookup --pid 4242 -o json 0x55d0c3a011a6`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := helpers.ValidateFormat(f.format, lookupFormats); err != nil {
				return err
			}

			addrs, err := readAddresses(args, cmd.InOrStdin())
			if err != nil {
				return err
			}

			return a.withSymbolizer(cmd, &f.binaryFlags, func(s *symbolizer.Symbolizer) error {
				return runLookup(s, addrs, &f, cmd.OutOrStdout())
			})
		},
	}

	addBinaryFlags(cmd, &f.binaryFlags, true)
	cmd.Flags().BoolVarP(&f.inlines, "inlines", "i", false, "Unwind inlined functions into their callers")
	cmd.Flags().BoolVarP(&f.functions, "functions", "f", false, "Show function names")
	cmd.Flags().BoolVarP(&f.addresses, "addresses", "a", false, "Show the address before each result")
	cmd.Flags().BoolVarP(&f.basenames, "basenames", "s", false, "Strip directories from file names")
	cmd.Flags().BoolVarP(&f.pretty, "pretty-print", "p", false, "Print each address on a single line")
	helpers.AddFormatFlag(cmd, &f.format, helpers.FormatText, lookupFormats)

	return cmd
}

func runLookup(s *symbolizer.Symbolizer, addrs []uint64, f *lookupFlags, w io.Writer) error {
	var results []lookupResult
	for _, addr := range addrs {
		frames, err := s.Resolve(addr)
		if err != nil {
			return err
		}

		if f.format == string(helpers.FormatJSON) {
			results = append(results, toLookupResult(addr, frames))
			continue
		}
		if err := writeFrames(w, addr, frames, f); err != nil {
			return err
		}
	}

	if f.format == string(helpers.FormatJSON) {
		return (&helpers.JSONFormatter{}).Format(results, w)
	}
	return nil
}

// writeFrames prints frames the way binutils addr2line does.
func writeFrames(w io.Writer, addr uint64, frames []symbolizer.Frame, f *lookupFlags) error {
	var b strings.Builder
	if f.addresses {
		fmt.Fprintf(&b, "0x%016x", addr)
		if f.pretty {
			b.WriteString(": ")
		} else {
			b.WriteByte('\n')
		}
	}

	for i, fr := range frames {
		fn := fr.Function
		if fn == "" {
			fn = symbolizer.Unknown
		}
		pos := symbolizer.FormatPosition(fr, f.basenames)

		if f.pretty {
			if i > 0 {
				b.WriteString(" (inlined by) ")
			}
			if f.functions {
				fmt.Fprintf(&b, "%s at %s", fn, pos)
			} else {
				b.WriteString(pos)
			}
			continue
		}
		if f.functions {
			b.WriteString(fn + "\n")
		}
		b.WriteString(pos + "\n")
	}
	if f.pretty {
		b.WriteByte('\n')
	}

	_, err := io.WriteString(w, b.String())
	return err
}

func toLookupResult(addr uint64, frames []symbolizer.Frame) lookupResult {
	r := lookupResult{Address: fmt.Sprintf("%#x", addr)}
	for _, fr := range frames {
		r.Frames = append(r.Frames, lookupFrame{
			Function:      fr.Function,
			File:          fr.File,
			Line:          fr.Line,
			Column:        fr.Column,
			Discriminator: fr.Discriminator,
			Inlined:       fr.Inlined,
			Found:         fr.Found.String(),
		})
	}
	return r
}

// readAddresses parses args, or standard input when there are none.
// Blank lines are skipped.
func readAddresses(args []string, stdin io.Reader) ([]uint64, error) {
	if len(args) == 0 {
		sc := bufio.NewScanner(stdin)
		for sc.Scan() {
			if line := strings.TrimSpace(sc.Text()); line != "" {
				args = append(args, strings.Fields(line)...)
			}
		}
		if err := sc.Err(); err != nil {
			return nil, fmt.Errorf("failed to read addresses: %w", err)
		}
	}

	addrs := make([]uint64, 0, len(args))
	for _, arg := range args {
		addr, err := parseAddress(arg)
		if err != nil {
			return nil, err
		}
		addrs = append(addrs, addr)
	}
	return addrs, nil
}
