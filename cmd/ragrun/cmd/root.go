// Package cmd provides the CLI commands for ragrun.
package cmd

import (
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/aihaysteve/ragrun/internal/logging"
	"github.com/aihaysteve/ragrun/pkg/version"
)

var (
	debugMode      bool
	loggingCleanup func()
)

// NewRootCmd builds the root ragrun command and its full subcommand tree.
func NewRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ragrun",
		Short: "Local retrieval-augmented search over notes, ebooks, mail, feeds, and git repos",
		Long: `ragrun ingests documents from heterogeneous local sources, chunks and
embeds them, and serves hybrid (dense + lexical) search over them through an
MCP tool endpoint.

Run 'ragrun init' once to write a config file, then 'ragrun serve' to start
the tool server, or 'ragrun index'/'ragrun search' for one-shot CLI use.`,
		Version:           version.Version,
		SilenceUsage:      true,
		PersistentPreRunE: setupLogging,
		PersistentPostRunE: func(*cobra.Command, []string) error {
			if loggingCleanup != nil {
				loggingCleanup()
				loggingCleanup = nil
			}
			return nil
		},
	}
	cmd.SetVersionTemplate("ragrun version {{.Version}}\n")

	cmd.PersistentFlags().BoolVar(&debugMode, "debug", false, "enable debug logging to the ragrun log directory")

	cmd.AddCommand(newServeCmd())
	cmd.AddCommand(newIndexCmd())
	cmd.AddCommand(newSearchCmd())
	cmd.AddCommand(newStatusCmd())
	cmd.AddCommand(newConfigCmd())
	cmd.AddCommand(newInitCmd())
	cmd.AddCommand(newDoctorCmd())
	cmd.AddCommand(newVersionCmd())

	return cmd
}

// setupLogging installs the rotating file logger as the process default
// before any subcommand runs, matching the teacher's
// startProfilingAndLogging hook (minus the profiling half, which this
// domain has no use for).
func setupLogging(*cobra.Command, []string) error {
	cfg := logging.DefaultConfig()
	cfg.WriteToStderr = false
	if debugMode {
		cfg = logging.DebugConfig()
	}
	logger, cleanup, err := logging.Setup(cfg)
	if err != nil {
		return err
	}
	loggingCleanup = cleanup
	slog.SetDefault(logger)
	return nil
}

// Execute runs the root command.
func Execute() error {
	return NewRootCmd().Execute()
}
