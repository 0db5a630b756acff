// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

// Package collector feeds completed traces into OpenTelemetry Collector
// pipelines.
//
// A [Receiver] is an [export.Handler] that converts each trace into
// [ptrace.Traces] and passes it to every registered [consumer.Traces]. Its
// [Receiver.Factory] lets a collector distribution use it as the "traceflow"
// receiver.
package collector

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"go.opentelemetry.io/collector/component"
	"go.opentelemetry.io/collector/consumer"
	"go.opentelemetry.io/collector/pdata/ptrace"
	"go.opentelemetry.io/collector/receiver"
	"go.opentelemetry.io/otel/attribute"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"

	"github.com/traceflow/traceflow/calltree"
	"github.com/traceflow/traceflow/export"
	"github.com/traceflow/traceflow/internal/pkg/instrumentation"
	"github.com/traceflow/traceflow/internal/pkg/pdataconv"
)

const receiverType = "traceflow"

var cfgType = component.MustNewType(receiverType)

// Receiver converts traces to pdata and forwards them to its consumers.
type Receiver struct {
	logger   *slog.Logger
	resAttrs []attribute.KeyValue

	nextTracesMu sync.Mutex
	nextTraces   []consumer.Traces
}

var (
	_ receiver.Traces = (*Receiver)(nil)
	_ export.Handler  = (*Receiver)(nil)
)

// NewReceiver returns a Receiver with no consumers. resAttrs are added to
// the resource of every converted trace.
func NewReceiver(l *slog.Logger, resAttrs ...attribute.KeyValue) *Receiver {
	return &Receiver{logger: l, resAttrs: resAttrs}
}

// Factory returns a receiver factory that registers the consumer of every
// receiver it creates with r.
func (r *Receiver) Factory() receiver.Factory {
	createTraces := func(
		_ context.Context,
		_ receiver.Settings,
		_ component.Config,
		nextConsumer consumer.Traces,
	) (receiver.Traces, error) {
		r.RegisterConsumer(nextConsumer)
		return r, nil
	}

	return receiver.NewFactory(
		cfgType,
		func() component.Config { return nil },
		receiver.WithTraces(createTraces, component.StabilityLevelBeta),
	)
}

func (*Receiver) Start(context.Context, component.Host) error {
	return nil
}

func (*Receiver) Shutdown(context.Context) error {
	return nil
}

// RegisterConsumer adds c to the consumers traces are forwarded to.
func (r *Receiver) RegisterConsumer(c consumer.Traces) {
	r.nextTracesMu.Lock()
	defer r.nextTracesMu.Unlock()

	r.nextTraces = append(r.nextTraces, c)
}

// Convert returns t as pdata traces.
func (r *Receiver) Convert(t *calltree.Trace) ptrace.Traces {
	res := append([]attribute.KeyValue{
		semconv.TelemetrySDKLanguageGo,
		semconv.TelemetryDistroNameKey.String(instrumentation.Name),
		semconv.TelemetryDistroVersionKey.String(instrumentation.Version),
	}, r.resAttrs...)
	return pdataconv.Traces(t, res, pdataconv.Scope{
		Name:      instrumentation.ScopeName,
		Version:   instrumentation.Version,
		SchemaURL: semconv.SchemaURL,
	})
}

// Handle converts t and forwards it to every registered consumer. Consumer
// errors are joined.
func (r *Receiver) Handle(t *calltree.Trace) error {
	return r.ConsumeTrace(context.Background(), t)
}

// ConsumeTrace is like Handle with a caller provided context.
func (r *Receiver) ConsumeTrace(ctx context.Context, t *calltree.Trace) error {
	traces := r.Convert(t)

	r.nextTracesMu.Lock()
	defer r.nextTracesMu.Unlock()

	if len(r.nextTraces) == 0 {
		r.logger.Debug("no consumers registered, dropping trace", "trace", t.ID())
		return nil
	}

	var err error
	for _, c := range r.nextTraces {
		err = errors.Join(err, c.ConsumeTraces(ctx, traces))
	}
	return err
}
