// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

// Package otelsdk provides an [export.Handler] that replays completed call
// trees as spans through the default OpenTelemetry Go SDK.
package otelsdk

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"

	"go.opentelemetry.io/collector/pdata/pcommon"
	"go.opentelemetry.io/collector/pdata/ptrace"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdk "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"

	"github.com/traceflow/traceflow/calltree"
	"github.com/traceflow/traceflow/export"
	"github.com/traceflow/traceflow/internal/pkg/instrumentation"
	"github.com/traceflow/traceflow/internal/pkg/pdataconv"
)

// Handler exports completed traces using the default OpenTelemetry Go SDK.
// Every node of a trace becomes a span.
type Handler struct {
	logger         *slog.Logger
	tracerProvider *sdk.TracerProvider

	stopped atomic.Bool
}

var (
	_ export.Handler    = (*Handler)(nil)
	_ export.Shutdowner = (*Handler)(nil)
)

// New returns a new configured Handler.
func New(ctx context.Context, options ...Option) (*Handler, error) {
	c, err := newConfig(ctx, options)
	if err != nil {
		return nil, err
	}

	tp, err := c.tracerProvider(ctx)
	if err != nil {
		return nil, err
	}

	return &Handler{
		logger:         c.logger,
		tracerProvider: tp,
	}, nil
}

var scope = pdataconv.Scope{
	Name:      instrumentation.ScopeName,
	Version:   instrumentation.Version,
	SchemaURL: semconv.SchemaURL,
}

// Handle converts t to spans and hands them to the SDK. Traces handled
// after Shutdown are dropped.
func (h *Handler) Handle(t *calltree.Trace) error {
	if t == nil || h.stopped.Load() {
		return nil
	}

	spans := ptrace.NewSpanSlice()
	pdataconv.ScopeSpans(spans, t)
	h.handleTrace(spans)
	return nil
}

func (h *Handler) handleTrace(spans ptrace.SpanSlice) {
	var (
		startOpts []trace.SpanStartOption
		eventOpts []trace.EventOption
		spanKVs   []attribute.KeyValue
	)

	tracer := h.tracerProvider.Tracer(
		scope.Name,
		trace.WithInstrumentationVersion(scope.Version),
		trace.WithSchemaURL(scope.SchemaURL),
	)

	for k := range spans.Len() {
		pSpan := spans.At(k)

		if pSpan.TraceID().IsEmpty() || pSpan.SpanID().IsEmpty() {
			h.logger.Debug("dropping invalid span", "name", pSpan.Name())
			continue
		}

		ctx := context.Background()
		if !pSpan.ParentSpanID().IsEmpty() {
			psc := trace.NewSpanContext(trace.SpanContextConfig{
				TraceID:    trace.TraceID(pSpan.TraceID()),
				SpanID:     trace.SpanID(pSpan.ParentSpanID()),
				TraceFlags: trace.FlagsSampled,
			})
			ctx = trace.ContextWithSpanContext(ctx, psc)
		}
		ctx = contextWithSpan(ctx, pSpan)

		spanKVs = appendAttrs(spanKVs, pSpan.Attributes())
		startOpts = append(
			startOpts,
			trace.WithAttributes(spanKVs...),
			trace.WithSpanKind(trace.SpanKindInternal),
			trace.WithTimestamp(pSpan.StartTimestamp().AsTime()),
		)

		_, span := tracer.Start(ctx, pSpan.Name(), startOpts...)
		startOpts = startOpts[:0]
		spanKVs = spanKVs[:0]

		for l := range pSpan.Events().Len() {
			e := pSpan.Events().At(l)
			eventOpts = appendEventOpts(eventOpts, e)
			span.AddEvent(e.Name(), eventOpts...)
			eventOpts = eventOpts[:0]
		}

		c, msg := status(pSpan.Status())
		span.SetStatus(c, msg)
		span.End(trace.WithTimestamp(pSpan.EndTimestamp().AsTime()))
	}
}

// Shutdown flushes pending spans and shuts down the Handler.
//
// Once shut down, calls to Handle will be dropped.
func (h *Handler) Shutdown(ctx context.Context) error {
	if h.stopped.Swap(true) {
		return nil
	}

	return h.tracerProvider.Shutdown(ctx)
}

func attrs(m pcommon.Map) []attribute.KeyValue {
	out := make([]attribute.KeyValue, 0, m.Len())
	out = appendAttrs(out, m)
	return out
}

func appendAttrs(dest []attribute.KeyValue, m pcommon.Map) []attribute.KeyValue {
	m.Range(func(k string, v pcommon.Value) bool {
		dest = append(dest, attribute.KeyValue{Key: attribute.Key(k), Value: val(v)})
		return true
	})
	return dest
}

func val(v pcommon.Value) attribute.Value {
	switch v.Type() {
	case pcommon.ValueTypeStr:
		return attribute.StringValue(v.Str())
	case pcommon.ValueTypeInt:
		return attribute.Int64Value(v.Int())
	case pcommon.ValueTypeDouble:
		return attribute.Float64Value(v.Double())
	case pcommon.ValueTypeBool:
		return attribute.BoolValue(v.Bool())
	case pcommon.ValueTypeSlice:
		// Metric slices are converted as strings.
		s := v.Slice()
		out := make([]string, s.Len())
		for i := range s.Len() {
			out[i] = s.At(i).AsString()
		}
		return attribute.StringSliceValue(out)
	case pcommon.ValueTypeEmpty:
		return attribute.StringValue("")
	default:
		return attribute.StringValue(fmt.Sprintf("%v", v.AsRaw()))
	}
}

func appendEventOpts(dest []trace.EventOption, e ptrace.SpanEvent) []trace.EventOption {
	ts := e.Timestamp().AsTime()
	if !ts.IsZero() {
		dest = append(dest, trace.WithTimestamp(ts))
	}

	kvs := attrs(e.Attributes())
	if len(kvs) > 0 {
		dest = append(dest, trace.WithAttributes(kvs...))
	}
	return dest
}

func status(stat ptrace.Status) (codes.Code, string) {
	switch stat.Code() {
	case ptrace.StatusCodeOk:
		return codes.Ok, ""
	case ptrace.StatusCodeError:
		return codes.Error, stat.Message()
	default:
		return codes.Unset, ""
	}
}
