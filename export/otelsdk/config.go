// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package otelsdk

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"go.opentelemetry.io/contrib/exporters/autoexport"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/sdk/resource"
	sdk "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"

	"github.com/traceflow/traceflow/internal/pkg/instrumentation"
)

const (
	// envTracesExportersKey selects the span exporter, see [autoexport].
	envTracesExportersKey = "OTEL_TRACES_EXPORTER"
	// envLogLevelKey sets the level of the default logger.
	envLogLevelKey = "OTEL_LOG_LEVEL"
)

// Option configures a [Handler] via [New].
type Option interface {
	apply(context.Context, config) (config, error)
}

type fnOpt func(context.Context, config) (config, error)

func (o fnOpt) apply(ctx context.Context, c config) (config, error) {
	return o(ctx, c)
}

// WithServiceName returns an [Option] that names the service the exported
// call trees belong to. Without it the name of the running executable is
// used.
//
// Options are applied in order, so a later [WithEnv] that finds
// OTEL_SERVICE_NAME takes precedence and vice versa.
func WithServiceName(name string) Option {
	return fnOpt(func(_ context.Context, c config) (config, error) {
		c.resource = append(c.resource, resource.WithAttributes(semconv.ServiceName(name)))
		return c, nil
	})
}

// WithLogger returns an [Option] that sets the logger of the Handler. It
// takes precedence over OTEL_LOG_LEVEL.
func WithLogger(l *slog.Logger) Option {
	return fnOpt(func(_ context.Context, c config) (config, error) {
		c.logger = l
		return c, nil
	})
}

// WithTraceExporter returns an [Option] that sends spans to exp instead of
// the default OTLP over HTTP exporter.
func WithTraceExporter(exp sdk.SpanExporter) Option {
	return fnOpt(func(_ context.Context, c config) (config, error) {
		c.exporter = exp
		return c, nil
	})
}

// WithSyncExport returns an [Option] that exports the spans of a call tree
// as soon as they end instead of batching them. Used for short replays.
func WithSyncExport() Option {
	return fnOpt(func(_ context.Context, c config) (config, error) {
		c.sync = true
		return c, nil
	})
}

var lookupEnv = os.LookupEnv

// WithEnv returns an [Option] that reads the standard OpenTelemetry
// environment:
//
//   - OTEL_SERVICE_NAME and OTEL_RESOURCE_ATTRIBUTES describe the resource
//   - OTEL_TRACES_EXPORTER selects the exporter through [autoexport]
//   - OTEL_LOG_LEVEL sets the level of the default logger
func WithEnv() Option {
	return fnOpt(func(ctx context.Context, c config) (config, error) {
		c.resource = append(c.resource, resource.WithFromEnv())

		var err error
		if _, ok := lookupEnv(envTracesExportersKey); ok {
			exp, e := autoexport.NewSpanExporter(ctx)
			if e != nil {
				err = errors.Join(err, fmt.Errorf("trace exporter: %w", e))
			} else {
				c.exporter = exp
			}
		}

		if val, ok := lookupEnv(envLogLevelKey); ok && c.logger == nil {
			var level slog.Level
			if e := level.UnmarshalText([]byte(val)); e != nil {
				err = errors.Join(err, fmt.Errorf("parse log level %q: %w", val, e))
			} else {
				c.logger = newLogger(level)
			}
		}
		return c, err
	})
}

// newLogger is swapped in tests.
var newLogger = func(level slog.Leveler) *slog.Logger {
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

type config struct {
	logger   *slog.Logger
	exporter sdk.SpanExporter
	sync     bool
	// resource holds the resource detectors in option order. Later ones
	// override earlier ones.
	resource []resource.Option
}

func newConfig(ctx context.Context, options []Option) (config, error) {
	var (
		c   config
		err error
	)
	for _, opt := range options {
		var e error
		c, e = opt.apply(ctx, c)
		err = errors.Join(err, e)
	}
	if c.logger == nil {
		c.logger = newLogger(slog.LevelInfo)
	}
	return c, err
}

func defaultServiceName() string {
	executable, err := os.Executable()
	if err != nil {
		return "unknown_service:traceflow"
	}
	return "unknown_service:" + filepath.Base(executable)
}

// newResource describes the process exporting call trees. Malformed
// environment attributes are logged and skipped.
func (c config) newResource(ctx context.Context) *resource.Resource {
	opts := append([]resource.Option{
		resource.WithSchemaURL(semconv.SchemaURL),
		resource.WithAttributes(
			semconv.TelemetrySDKLanguageGo,
			semconv.TelemetryDistroNameKey.String(instrumentation.Name),
			semconv.TelemetryDistroVersionKey.String(instrumentation.Version),
			semconv.ServiceName(defaultServiceName()),
		),
	}, c.resource...)

	res, err := resource.New(ctx, opts...)
	if err != nil {
		c.logger.Warn("incomplete resource", "error", err)
	}
	if res == nil {
		res = resource.Empty()
	}
	return res
}

func (c config) tracerProvider(ctx context.Context) (*sdk.TracerProvider, error) {
	exp := c.exporter
	if exp == nil {
		var err error
		if exp, err = otlptracehttp.New(ctx); err != nil {
			return nil, fmt.Errorf("otlp exporter: %w", err)
		}
	}

	var sp sdk.SpanProcessor
	if c.sync {
		sp = sdk.NewSimpleSpanProcessor(exp)
	} else {
		sp = sdk.NewBatchSpanProcessor(exp)
	}

	return sdk.NewTracerProvider(
		// Call trees reaching the Handler already passed the engine filters.
		sdk.WithSampler(sdk.AlwaysSample()),
		sdk.WithResource(c.newResource(ctx)),
		sdk.WithSpanProcessor(sp),
		sdk.WithIDGenerator(newIDGenerator()),
	), nil
}
