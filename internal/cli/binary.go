package cli

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	clierrors "github.com/coral-mesh/addrline/internal/errors"
	"github.com/coral-mesh/addrline/internal/symbolizer"
)

// binaryFlags selects the binary to read and how to resolve addresses in it.
type binaryFlags struct {
	exe       string
	pid       int
	demangle  bool
	inlines   bool
	debugDirs []string
}

func addBinaryFlags(cmd *cobra.Command, f *binaryFlags, withPID bool) {
	cmd.Flags().StringVarP(&f.exe, "exe", "e", "", "Binary to read debug info from")
	cmd.Flags().BoolVarP(&f.demangle, "demangle", "C", false, "Demangle C++ and Rust function names")
	cmd.Flags().StringSliceVar(&f.debugDirs, "debug-dir", nil, "Directory searched for separate debug files (repeatable)")
	if withPID {
		cmd.Flags().IntVar(&f.pid, "pid", 0, "Running process whose runtime addresses are translated")
	}
	_ = cmd.MarkFlagFilename("exe")
	_ = cmd.MarkFlagDirname("debug-dir")
}

// options merges flags over the loaded config. Flags only win when given.
func (a *app) options(cmd *cobra.Command, f *binaryFlags) symbolizer.Options {
	sc := a.cfg.Symbolizer
	opts := symbolizer.Options{
		PID:                  f.pid,
		Demangle:             sc.Demangle,
		Inlines:              sc.Inlines,
		CacheSize:            sc.CacheSize,
		SymbolIndexThreshold: sc.SymbolIndexThreshold,
		MaxSectionSize:       uint64(sc.MaxSectionSize),
		DebugDirs:            sc.DebugDirs,
	}
	if cmd.Flags().Changed("demangle") {
		opts.Demangle = f.demangle
	}
	if cmd.Flags().Changed("inlines") {
		opts.Inlines = f.inlines
	}
	if cmd.Flags().Changed("debug-dir") {
		opts.DebugDirs = f.debugDirs
	}
	return opts
}

// withSymbolizer opens the selected binary, runs fn and closes it.
func (a *app) withSymbolizer(cmd *cobra.Command, f *binaryFlags, fn func(s *symbolizer.Symbolizer) error) error {
	if f.exe == "" && f.pid == 0 {
		return fmt.Errorf("--exe is required")
	}

	s, err := a.open(f.exe, a.options(cmd, f), a.logger)
	if err != nil {
		return err
	}
	defer clierrors.DeferClose(a.logger, s, "failed to close binary")

	a.logger.Debug().Str("path", s.Path()).Msg("opened binary")
	return fn(s)
}

// parseAddress parses a hexadecimal address with or without a 0x prefix.
func parseAddress(s string) (uint64, error) {
	t := strings.TrimSpace(s)
	t = strings.TrimPrefix(strings.TrimPrefix(t, "0x"), "0X")
	if t == "" {
		return 0, fmt.Errorf("invalid address %q", s)
	}
	addr, err := strconv.ParseUint(t, 16, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid address %q", s)
	}
	return addr, nil
}
