package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"
)

var (
	version = "0.1.0"
	rootCmd = &cobra.Command{
		Use:   "stagez",
		Short: "Staged pipelines and fan-out batches in the terminal",
		Long: `stagez drives items through staged pipelines with random latency and
failures, and runs batches of them in parallel, in sequence, or as a race.

Order food and watch it get confirmed, prepared, picked up and delivered,
fetch animals under different execution modes, or just start some timers.`,
		Version:           version,
		PersistentPreRunE: setupLogging,
		SilenceUsage:      true,
	}

	logLevel  string
	logFormat string
	logger    = slog.New(slog.NewTextHandler(io.Discard, nil))
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	// Disable default completion command
	rootCmd.CompletionOptions.DisableDefaultCmd = true

	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "warn", "log level: debug, info, warn, error")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "text", "log format: text or json")

	rootCmd.AddCommand(orderCmd)
	rootCmd.AddCommand(shopCmd)
	rootCmd.AddCommand(modesCmd)
	rootCmd.AddCommand(timersCmd)
	rootCmd.AddCommand(stagesCmd)
}

func setupLogging(cmd *cobra.Command, _ []string) error {
	l, err := newLogger(cmd.ErrOrStderr(), logLevel, logFormat)
	if err != nil {
		return err
	}
	logger = l
	return nil
}

// newLogger builds the structured logger. Logs go to w so the board on stdout stays clean.
func newLogger(w io.Writer, level, format string) (*slog.Logger, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", level, err)
	}
	opts := &slog.HandlerOptions{Level: lvl}

	switch strings.ToLower(format) {
	case "text", "":
		return slog.New(slog.NewTextHandler(w, opts)), nil
	case "json":
		return slog.New(slog.NewJSONHandler(w, opts)), nil
	default:
		return nil, fmt.Errorf("invalid log format %q", format)
	}
}
