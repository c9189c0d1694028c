package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var version = "dev"

// logger is wired in PersistentPreRunE before any subcommand runs.
var logger = zap.NewNop()

func newRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "champ",
		Short: "Champ - model selection and artifact acquisition for training studies",
		Long: `Champ picks the best trained configuration out of a hyperparameter study.

It groups completed trials by content-hash identity, scores each group with a
noise-resistant statistic, resolves the winning trial to its refit checkpoint,
and fetches artifacts through an ordered source chain (local, mirror, tracking
store). Results are cached by input identity so repeated invocations are free.`,
		Version:      version,
		SilenceUsage: true,
	}

	debugLogging := cmd.PersistentFlags().Bool("debug", false, "Enable debug logging")
	cmd.PersistentPreRunE = func(cmd *cobra.Command, args []string) error {
		var err error
		logger, err = newLogger(*debugLogging)
		if err != nil {
			return fmt.Errorf("initializing logger: %w", err)
		}
		return nil
	}
	cmd.PersistentPostRun = func(cmd *cobra.Command, args []string) {
		_ = logger.Sync()
	}

	// Add subcommands
	cmd.AddCommand(newSelectCommand())
	cmd.AddCommand(newBestCommand())
	cmd.AddCommand(newFetchCommand())
	cmd.AddCommand(newReportCommand())
	cmd.AddCommand(newCacheCommand())

	return cmd
}

// newLogger builds a console logger writing to stderr so structured output on
// stdout (--json) stays machine-parseable.
func newLogger(debug bool) (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	cfg.Encoding = "console"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	cfg.EncoderConfig.EncodeLevel = zapcore.CapitalLevelEncoder
	cfg.OutputPaths = []string{"stderr"}
	cfg.ErrorOutputPaths = []string{"stderr"}
	if debug {
		cfg.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
	}
	return cfg.Build()
}

func execute() error {
	rootCmd := newRootCommand()
	return rootCmd.Execute()
}
