// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"

	"github.com/traceflow/traceflow"
	"github.com/traceflow/traceflow/config"
	"github.com/traceflow/traceflow/export"
	"github.com/traceflow/traceflow/export/jsonl"
	"github.com/traceflow/traceflow/export/otelsdk"
	"github.com/traceflow/traceflow/export/text"
	"github.com/traceflow/traceflow/export/websocket"
)

type replayOptions struct {
	probesDir  string
	filter     string
	maxTraces  int
	outputFile string
	otlp       bool
	spans      bool
	listen     string
	color      bool
	noAttrs    bool
}

func newReplayCmd(c *cli) *cobra.Command {
	var o replayOptions
	cmd := &cobra.Command{
		Use:   "replay EVENTS",
		Short: "Replay recorded enter and exit events through the engine",
		Long: `Replay the enter, exit and error events of a YAML recording through the
tracing engine and print every published trace.

Environment variable configuration:

	- TRACEFLOW_LOG_LEVEL: log level (flag takes precedence)
	- TRACEFLOW_FILTER, TRACEFLOW_MAX_TRACES: defaults for --filter and -n
	- OTEL_SERVICE_NAME, OTEL_RESOURCE_ATTRIBUTES, OTEL_TRACES_EXPORTER: used with --otlp`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runReplay(cmd, c, o, args[0])
		},
	}

	f := cmd.Flags()
	f.StringVar(&o.probesDir, "probes", defaultProbesDir, "Directory of probe documents")
	f.StringVar(&o.filter, "filter", "", "Only publish traces whose root attributes match this predicate")
	f.IntVarP(&o.maxTraces, "max-traces", "n", 0, "Stop after publishing this many traces (0 means no limit)")
	f.StringVar(&o.outputFile, "output-file", "", "Append every published trace to this file as a JSON line")
	f.BoolVar(&o.otlp, "otlp", false, "Export traces as OpenTelemetry spans (configured by OTEL_* variables)")
	f.BoolVar(&o.spans, "spans", false, "Print traces as OpenTelemetry spans to stdout")
	f.StringVar(&o.listen, "listen", "", "Serve /traces (WebSocket) and /metrics on this address and keep running after the replay")
	f.BoolVar(&o.color, "color", false, "Color node labels")
	f.BoolVar(&o.noAttrs, "no-attributes", false, "Do not print node attributes")
	return cmd
}

func runReplay(cmd *cobra.Command, c *cli, o replayOptions, path string) error {
	ctx := cmd.Context()
	events, err := loadEvents(path)
	if err != nil {
		return err
	}

	defs, err := config.LoadDir(o.probesDir)
	if err != nil {
		if defs == nil {
			return err
		}
		c.logger.Warn("some probe documents could not be decoded", "error", err)
	}

	textOpts := []text.Option{text.WithColor(o.color)}
	if o.noAttrs {
		textOpts = append(textOpts, text.WithoutAttributes())
	}
	handlers := []export.Handler{text.NewHandler(cmd.OutOrStdout(), textOpts...)}

	if o.outputFile != "" {
		h, err := jsonl.Create(o.outputFile)
		if err != nil {
			return err
		}
		handlers = append(handlers, h)
	}
	if o.otlp {
		h, err := otelsdk.New(
			ctx,
			otelsdk.WithServiceName("traceflow-replay"),
			otelsdk.WithEnv(),
			otelsdk.WithLogger(c.logger),
		)
		if err != nil {
			return fmt.Errorf("otlp: %w", err)
		}
		handlers = append(handlers, h)
	}
	if o.spans {
		exp, err := stdouttrace.New(stdouttrace.WithWriter(cmd.OutOrStdout()), stdouttrace.WithPrettyPrint())
		if err != nil {
			return err
		}
		h, err := otelsdk.New(ctx, otelsdk.WithTraceExporter(exp), otelsdk.WithSyncExport(), otelsdk.WithLogger(c.logger))
		if err != nil {
			return err
		}
		handlers = append(handlers, h)
	}

	reg := prometheus.NewRegistry()
	var (
		hub *websocket.Hub
		srv *http.Server
	)
	if o.listen != "" {
		hub = websocket.NewHub(c.logger)
		handlers = append(handlers, hub)

		mux := http.NewServeMux()
		mux.Handle("/traces", hub)
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
		ln, err := net.Listen("tcp", o.listen)
		if err != nil {
			return err
		}
		srv = &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		go func() {
			if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
				c.logger.Error("server failed", "error", err)
			}
		}()
		c.logger.Info("serving traces and metrics", "address", ln.Addr().String())
	}

	r := newReplayer(time.Now())
	opts := []traceflow.EngineOption{
		traceflow.WithLogger(c.logger),
		traceflow.WithEnv(),
		traceflow.WithProbes(defs...),
		traceflow.WithClock(r.Now),
		traceflow.WithRegisterer(reg),
		traceflow.WithFallback(nil),
	}
	if cmd.Flags().Changed("filter") {
		opts = append(opts, traceflow.WithFilter(o.filter))
	}
	if cmd.Flags().Changed("max-traces") {
		opts = append(opts, traceflow.WithMaxTraces(o.maxTraces))
	}
	for _, h := range handlers {
		opts = append(opts, traceflow.WithHandler(h))
	}

	engine, err := traceflow.NewEngine(ctx, opts...)
	if err != nil {
		return errors.Join(err, export.Shutdown(context.Background(), handlers...))
	}
	r.engine = engine

	replayed := 0
replay:
	for _, e := range events {
		select {
		case <-engine.Done():
			break replay
		case <-ctx.Done():
			break replay
		default:
		}
		r.replay(e)
		replayed++
	}

	c.logger.Info(
		"replay finished",
		"events", replayed,
		"published", engine.Published(),
		"unfinished_calls", r.unfinished(),
	)

	if srv != nil {
		<-ctx.Done()
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	err = engine.Shutdown(shutdownCtx)
	if srv != nil {
		err = errors.Join(err, srv.Shutdown(shutdownCtx))
	}
	return err
}
