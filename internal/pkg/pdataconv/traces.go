// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package pdataconv

import (
	"encoding/binary"
	"strings"

	"github.com/google/uuid"
	"go.opentelemetry.io/collector/pdata/pcommon"
	"go.opentelemetry.io/collector/pdata/ptrace"
	"go.opentelemetry.io/otel/attribute"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"

	"github.com/traceflow/traceflow/calltree"
)

// Attribute keys added to every span besides the node metrics.
const (
	ProbeKey    = attribute.Key("traceflow.probe")
	NodeTypeKey = attribute.Key("traceflow.node.type")
	TraceKey    = attribute.Key("traceflow.trace.id")
)

// TraceID returns the OpenTelemetry trace ID derived from the ID of t. The
// same trace always maps to the same ID.
func TraceID(t *calltree.Trace) pcommon.TraceID {
	return pcommon.TraceID(uuid.NewSHA1(uuid.NameSpaceOID, []byte(t.ID())))
}

// spanID returns the n-th span ID of the trace with ID tid. IDs are
// prefixed with the trace ID so spans of different traces rarely collide.
func spanID(tid pcommon.TraceID, n uint32) pcommon.SpanID {
	var sid pcommon.SpanID
	copy(sid[:4], tid[:4])
	binary.BigEndian.PutUint32(sid[4:], n)
	return sid
}

// Scope identifies the instrumentation scope spans are reported under.
type Scope struct {
	Name      string
	Version   string
	SchemaURL string
}

// Traces converts t into pdata traces with a single resource and scope.
// Each node becomes one span, parented like the node.
func Traces(t *calltree.Trace, res []attribute.KeyValue, scope Scope) ptrace.Traces {
	traces := ptrace.NewTraces()
	rs := traces.ResourceSpans().AppendEmpty()
	Attributes(rs.Resource().Attributes(), res...)
	rs.SetSchemaUrl(scope.SchemaURL)

	ss := rs.ScopeSpans().AppendEmpty()
	ss.Scope().SetName(scope.Name)
	ss.Scope().SetVersion(scope.Version)
	ss.SetSchemaUrl(scope.SchemaURL)
	ScopeSpans(ss.Spans(), t)
	return traces
}

// ScopeSpans appends one span per node of t to dest, in depth-first call
// order.
func ScopeSpans(dest ptrace.SpanSlice, t *calltree.Trace) {
	tid := TraceID(t)
	var next uint32
	var walk func(n *calltree.Node, parent pcommon.SpanID)
	walk = func(n *calltree.Node, parent pcommon.SpanID) {
		next++
		sid := spanID(tid, next)
		span := dest.AppendEmpty()
		setSpan(span, t, n, tid, sid, parent)
		for _, c := range n.Children() {
			walk(c, sid)
		}
	}
	for _, root := range t.Roots() {
		walk(root, pcommon.SpanID{})
	}
}

func setSpan(span ptrace.Span, t *calltree.Trace, n *calltree.Node, tid pcommon.TraceID, sid, parent pcommon.SpanID) {
	span.SetTraceID(tid)
	span.SetSpanID(sid)
	span.SetParentSpanID(parent)
	span.SetName(n.Signature())
	span.SetKind(ptrace.SpanKindInternal)
	span.SetStartTimestamp(pcommon.NewTimestampFromTime(n.Start()))
	end := n.End()
	if end.IsZero() {
		end = t.Ended()
	}
	span.SetEndTimestamp(pcommon.NewTimestampFromTime(end))

	attrs := span.Attributes()
	Metrics(attrs, n.Attributes())

	class, method := splitSignature(n.Signature())
	kvs := []attribute.KeyValue{
		semconv.CodeFunction(method),
		semconv.ThreadName(n.Thread()),
		ProbeKey.String(n.Probe()),
		NodeTypeKey.String(n.Type()),
		TraceKey.String(t.ID()),
	}
	if class != "" {
		kvs = append(kvs, semconv.CodeNamespace(class))
	}
	Attributes(attrs, kvs...)

	if err := n.Err(); err != nil {
		span.Status().SetCode(ptrace.StatusCodeError)
		span.Status().SetMessage(err.Error())

		ev := span.Events().AppendEmpty()
		ev.SetName(semconv.ExceptionEventName)
		ev.SetTimestamp(pcommon.NewTimestampFromTime(end))
		msg := err.Error()
		typ, _ := n.Attr("exceptionType")
		Attributes(ev.Attributes(),
			semconv.ExceptionMessage(msg),
			semconv.ExceptionType(exceptionType(typ)),
		)
	}
}

func exceptionType(v any) string {
	if s, ok := v.(string); ok && s != "" {
		return s
	}
	return "error"
}

// splitSignature splits "<class>.<method>" at its last dot.
func splitSignature(sig string) (class, method string) {
	i := strings.LastIndexByte(sig, '.')
	if i < 0 {
		return "", sig
	}
	return sig[:i], sig[i+1:]
}
