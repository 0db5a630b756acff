// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

// Command traceflow inspects probe definitions and replays recorded call
// events through the tracing engine.
package main

import (
	"context"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/traceflow/traceflow"
)

// envLogLevelKey is the key for the environment variable value containing
// the log level.
const envLogLevelKey = "TRACEFLOW_LOG_LEVEL"

// cli holds the state shared by the commands.
type cli struct {
	logLevel string
	logger   *slog.Logger
}

func newLogger(w io.Writer, lvlStr string) *slog.Logger {
	levelVar := new(slog.LevelVar) // Default value of info.
	opts := &slog.HandlerOptions{Level: levelVar}
	logger := slog.New(slog.NewJSONHandler(w, opts))

	if lvlStr == "" {
		lvlStr = os.Getenv(envLogLevelKey)
	}
	if lvlStr == "" {
		return logger
	}

	level, err := traceflow.ParseLogLevel(lvlStr)
	if err != nil {
		logger.Error("failed to parse log level", "error", err, "log-level", lvlStr)
	} else {
		levelVar.Set(level.Level())
	}
	return logger
}

func newRootCmd() *cobra.Command {
	c := &cli{}
	root := &cobra.Command{
		Use:           "traceflow",
		Short:         "Inspect probes and replay call events through the tracing engine",
		Version:       traceflow.Version(),
		SilenceUsage:  true,
		SilenceErrors: false,
		PersistentPreRun: func(cmd *cobra.Command, _ []string) {
			c.logger = newLogger(cmd.ErrOrStderr(), c.logLevel)
		},
	}
	root.PersistentFlags().StringVar(&c.logLevel, "log-level", "", `Logging level ("debug", "info", "warn", "error")`)

	root.AddCommand(
		newProbesCmd(c),
		newFilterCmd(),
		newReplayCmd(c),
	)
	return root
}

func main() {
	// Trap Ctrl+C and SIGTERM and cancel the context.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		stop()
		os.Exit(1)
	}
}
