// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package traceflow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/traceflow/traceflow/config"
	"github.com/traceflow/traceflow/export"
	"github.com/traceflow/traceflow/expr"
	"github.com/traceflow/traceflow/filter"
	"github.com/traceflow/traceflow/probe"
)

const (
	// envLogLevelKey is the key for the environment variable value containing
	// the log level.
	envLogLevelKey = "TRACEFLOW_LOG_LEVEL"
	// envFilterKey is the key for the environment variable value containing
	// the engine filter predicate.
	envFilterKey = "TRACEFLOW_FILTER"
	// envMaxTracesKey is the key for the environment variable value containing
	// the number of traces to publish before stopping.
	envMaxTracesKey = "TRACEFLOW_MAX_TRACES"
	// envProbesDirKey is the key for the environment variable value pointing
	// to a directory of probe documents to load and watch.
	envProbesDirKey = "TRACEFLOW_PROBES_DIR"
)

// EngineOption applies a configuration option to [Engine].
type EngineOption interface {
	apply(context.Context, engineConfig) (engineConfig, error)
}

type engineConfig struct {
	logger     *slog.Logger
	logLevel   LogLevel
	provider   config.Provider
	probesDir  string
	filter     *filter.Predicate
	maxTraces  int
	resolver   expr.Resolver
	clock      func() time.Time
	registerer prometheus.Registerer
	handlers   []export.Handler

	fallback    export.Handler
	fallbackSet bool
}

func newEngineConfig(ctx context.Context, opts []EngineOption) (engineConfig, error) {
	var (
		c   engineConfig
		err error
	)
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		var e error
		c, e = opt.apply(ctx, c)
		err = errors.Join(err, e)
	}

	if c.logger == nil {
		c.logger = newLogger(c.logLevel)
	}
	if c.clock == nil {
		c.clock = time.Now
	}
	if c.provider == nil && c.probesDir == "" {
		c.provider = config.NewNoopProvider()
	}
	return c, err
}

// configProvider returns the provider selected by the options, opening the
// probe directory if one was configured.
func (c engineConfig) configProvider() (config.Provider, error) {
	if c.provider != nil {
		return c.provider, nil
	}
	p, err := config.NewFileProvider(c.probesDir, config.WithLogger(c.logger))
	if err != nil {
		return nil, fmt.Errorf("probe directory: %w", err)
	}
	return p, nil
}

func newLogger(level LogLevel) *slog.Logger {
	opts := &slog.HandlerOptions{Level: level.Level()}
	return slog.New(slog.NewJSONHandler(os.Stderr, opts))
}

type fnOpt func(context.Context, engineConfig) (engineConfig, error)

func (o fnOpt) apply(ctx context.Context, c engineConfig) (engineConfig, error) {
	return o(ctx, c)
}

// WithLogger returns an [EngineOption] that will configure an Engine to use
// the provided logger.
//
// If this option is used, [WithLogLevel] and TRACEFLOW_LOG_LEVEL are
// ignored.
func WithLogger(logger *slog.Logger) EngineOption {
	return fnOpt(func(_ context.Context, c engineConfig) (engineConfig, error) {
		c.logger = logger
		return c, nil
	})
}

// WithLogLevel returns an [EngineOption] that will configure the minimum
// level of the default logger. The default is [LogLevelInfo].
func WithLogLevel(level LogLevel) EngineOption {
	return fnOpt(func(_ context.Context, c engineConfig) (engineConfig, error) {
		if err := level.validate(); err != nil {
			return c, err
		}
		c.logLevel = level
		return c, nil
	})
}

// WithProbes returns an [EngineOption] that configures a fixed set of
// probes. Use [WithConfigProvider] for probes that change at runtime.
func WithProbes(defs ...probe.Definition) EngineOption {
	return fnOpt(func(_ context.Context, c engineConfig) (engineConfig, error) {
		c.provider = config.NewProvider(defs...)
		c.probesDir = ""
		return c, nil
	})
}

// WithConfigProvider returns an [EngineOption] that reads probe definitions
// from cp. Updates sent by cp are applied by [Engine.Run].
func WithConfigProvider(cp config.Provider) EngineOption {
	return fnOpt(func(_ context.Context, c engineConfig) (engineConfig, error) {
		c.provider = cp
		c.probesDir = ""
		return c, nil
	})
}

// WithFilter returns an [EngineOption] that only publishes traces whose
// root attributes satisfy predicate. An empty predicate publishes every
// trace. A predicate that is not supported is an error.
func WithFilter(predicate string) EngineOption {
	return fnOpt(func(_ context.Context, c engineConfig) (engineConfig, error) {
		p, err := filter.Compile(predicate)
		if err != nil {
			return c, err
		}
		c.filter = p
		return c, nil
	})
}

// WithMaxTraces returns an [EngineOption] that stops publishing after n
// traces. [Engine.Done] is closed once the n-th trace is published. n <= 0
// means no limit.
func WithMaxTraces(n int) EngineOption {
	return fnOpt(func(_ context.Context, c engineConfig) (engineConfig, error) {
		c.maxTraces = n
		return c, nil
	})
}

// WithResolver returns an [EngineOption] that sets how source expressions
// read fields and accessors of receivers, arguments and return values. The
// default is [expr.DefaultResolver].
func WithResolver(r expr.Resolver) EngineOption {
	return fnOpt(func(_ context.Context, c engineConfig) (engineConfig, error) {
		c.resolver = r
		return c, nil
	})
}

// WithClock returns an [EngineOption] that sets the source of call start and
// end times.
func WithClock(now func() time.Time) EngineOption {
	return fnOpt(func(_ context.Context, c engineConfig) (engineConfig, error) {
		c.clock = now
		return c, nil
	})
}

// WithRegisterer returns an [EngineOption] that registers the engine's
// Prometheus collectors with reg. Without it the collectors are not
// registered.
func WithRegisterer(reg prometheus.Registerer) EngineOption {
	return fnOpt(func(_ context.Context, c engineConfig) (engineConfig, error) {
		c.registerer = reg
		return c, nil
	})
}

// WithHandler returns an [EngineOption] that subscribes h when the Engine is
// created.
func WithHandler(h export.Handler) EngineOption {
	return fnOpt(func(_ context.Context, c engineConfig) (engineConfig, error) {
		if h == nil {
			return c, errors.New("nil handler")
		}
		c.handlers = append(c.handlers, h)
		return c, nil
	})
}

// WithFallback returns an [EngineOption] that sets the handler receiving
// traces while no handler is subscribed. The default logs a text rendering
// of each trace at info level. A nil h disables the fallback.
func WithFallback(h export.Handler) EngineOption {
	return fnOpt(func(_ context.Context, c engineConfig) (engineConfig, error) {
		c.fallback = h
		c.fallbackSet = true
		return c, nil
	})
}

// lookupEnv is used for testing.
var lookupEnv = os.LookupEnv

// WithEnv returns an [EngineOption] that will configure the Engine using
// the values defined by the following environment variables:
//
//   - TRACEFLOW_LOG_LEVEL: sets the default logger's minimum logging level
//   - TRACEFLOW_FILTER: sets the engine filter predicate
//   - TRACEFLOW_MAX_TRACES: sets the number of traces to publish
//   - TRACEFLOW_PROBES_DIR: loads and watches probe documents in a directory
//
// This option may conflict with [WithLogLevel], [WithFilter],
// [WithMaxTraces], [WithProbes] and [WithConfigProvider] if their respective
// environment variable is defined. If more than one of these options are
// used, the last one provided to an [Engine] will be used.
func WithEnv() EngineOption {
	return fnOpt(func(_ context.Context, c engineConfig) (engineConfig, error) {
		var err error
		if v, ok := lookupEnv(envLogLevelKey); ok {
			l, e := ParseLogLevel(v)
			err = errors.Join(err, e)
			if e == nil {
				c.logLevel = l
			}
		}
		if v, ok := lookupEnv(envFilterKey); ok {
			p, e := filter.Compile(v)
			err = errors.Join(err, e)
			if e == nil {
				c.filter = p
			}
		}
		if v, ok := lookupEnv(envMaxTracesKey); ok {
			n, e := strconv.Atoi(v)
			if e != nil {
				err = errors.Join(err, fmt.Errorf("invalid %s value %q: %w", envMaxTracesKey, v, e))
			} else {
				c.maxTraces = n
			}
		}
		if v, ok := lookupEnv(envProbesDirKey); ok && v != "" {
			c.probesDir = v
			c.provider = nil
		}
		return c, err
	})
}
