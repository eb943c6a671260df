// Package cli implements the addrline command line.
package cli

import (
	"fmt"
	"io"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/coral-mesh/addrline/internal/config"
	"github.com/coral-mesh/addrline/internal/logging"
	"github.com/coral-mesh/addrline/internal/symbolizer"
	"github.com/coral-mesh/addrline/pkg/version"
)

// openFunc opens a symbolizer for a binary path. Tests swap it for an
// in-memory binary.
type openFunc func(path string, opts symbolizer.Options, logger zerolog.Logger) (*symbolizer.Symbolizer, error)

// app carries state shared by all commands once the config is loaded.
type app struct {
	configPath string
	logLevel   string

	cfg    *config.Config
	logger zerolog.Logger
	open   openFunc
}

// NewRootCmd builds the addrline command tree.
func NewRootCmd() *cobra.Command {
	return newRootCmd(&app{open: symbolizer.New})
}

func newRootCmd(a *app) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "addrline",
		Short: "Translate code addresses into file names, line numbers and functions",
		Long: `addrline maps program addresses back to source positions using the DWARF
debug information of ELF and Mach-O binaries.

It reads split debug files (.gnu_debuglink, .gnu_debugaltlink, build-id
directories and dSYM bundles), unwinds inlined calls, and converts the
runtime addresses of running position-independent processes.

Examples:
  addrline lookup -e ./server -f -i 0x4011a6
  addrline lookup --pid 4242 -f 0x55d0c3a011a6
  addrline symbolize -e ./server -o symbolized.pb.gz cpu.pprof
  addrline units -e ./server`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.init(cmd.ErrOrStderr())
		},
	}

	rootCmd.PersistentFlags().StringVar(&a.configPath, "config", "", "Config file (default ~/.addrline/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&a.logLevel, "log-level", "", "Log level (trace, debug, info, warn, error)")

	rootCmd.AddCommand(newLookupCmd(a))
	rootCmd.AddCommand(newSymbolCmd(a))
	rootCmd.AddCommand(newSymbolizeCmd(a))
	rootCmd.AddCommand(newUnitsCmd(a))
	rootCmd.AddCommand(newBiasCmd(a))
	rootCmd.AddCommand(newVersionCmd())

	return rootCmd
}

// init loads the config and builds the logger.
func (a *app) init(logOutput io.Writer) error {
	var (
		cfg *config.Config
		err error
	)
	if a.configPath != "" {
		cfg, err = config.LoadFile(a.configPath)
	} else {
		cfg, err = config.NewLoader().Load()
	}
	if err != nil {
		return err
	}

	if a.logLevel != "" {
		if _, err := zerolog.ParseLevel(a.logLevel); err != nil {
			return fmt.Errorf("invalid --log-level %q", a.logLevel)
		}
		cfg.Log.Level = a.logLevel
	}

	a.cfg = cfg
	a.logger = logging.NewWithComponent(logging.Config{
		Level:  cfg.Log.Level,
		Pretty: cfg.Log.Pretty,
		Output: logOutput,
	}, "cli")
	return nil
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, args []string) {
			cmd.Printf("addrline version %s\n", version.Version)
			cmd.Printf("Git commit: %s\n", version.GitCommit)
			cmd.Printf("Build date: %s\n", version.BuildDate)
			cmd.Printf("Go version: %s\n", version.GoVersion)
		},
	}
}

// Execute runs the root command.
func Execute() error {
	return NewRootCmd().Execute()
}
