// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

// Package collect populates call tree nodes with metric values.
package collect

import (
	"log/slog"
	"reflect"

	"github.com/traceflow/traceflow/calltree"
	"github.com/traceflow/traceflow/expr"
	"github.com/traceflow/traceflow/internal/pkg/instrumentation"
	"github.com/traceflow/traceflow/internal/pkg/stats"
)

// Attributes set on a node that exits with an error.
const (
	HasException     = "hasException"
	ExceptionType    = "exceptionType"
	ExceptionMessage = "exceptionMessage"
)

// Populator evaluates the metrics of a [instrumentation.Resolution] into
// node attributes.
//
// Evaluation failures never propagate: the metric is left out, the failure
// is logged, and evaluation continues with the next metric.
type Populator struct {
	logger   *slog.Logger
	resolver expr.Resolver
	stats    *stats.Stats
}

// New returns a new Populator. A nil resolver means [expr.DefaultResolver].
// st may be nil.
func New(logger *slog.Logger, resolver expr.Resolver, st *stats.Stats) *Populator {
	if resolver == nil {
		resolver = expr.DefaultResolver
	}
	return &Populator{logger: logger, resolver: resolver, stats: st}
}

// Before evaluates the metrics captured at method entry.
func (p *Populator) Before(n *calltree.Node, res *instrumentation.Resolution, snap expr.Snapshot) {
	if res == nil {
		return
	}
	p.sources(n, res, res.Before, snap)
}

// After evaluates the metrics captured at method exit, then records the
// exception attributes when snap.Err is set, then evaluates the formulas in
// declaration order. Formulas see every attribute already on n, including
// those set by earlier formulas.
func (p *Populator) After(n *calltree.Node, res *instrumentation.Resolution, snap expr.Snapshot) {
	if snap.Err != nil {
		n.SetAttr(HasException, true)
		n.SetAttr(ExceptionType, errorType(snap.Err))
		n.SetAttr(ExceptionMessage, snap.Err.Error())
	}
	if res == nil {
		return
	}
	p.sources(n, res, res.After, snap)
	if len(res.Formulas) == 0 {
		return
	}

	metrics := n.Attributes()
	for _, m := range res.Formulas {
		v, err := m.Formula.Eval(metrics)
		if err != nil {
			p.failed(n, res, m, err)
			continue
		}
		n.SetAttr(m.Name, v)
		metrics[m.Name] = v
	}
}

func (p *Populator) sources(n *calltree.Node, res *instrumentation.Resolution, metrics []instrumentation.Metric, snap expr.Snapshot) {
	for _, m := range metrics {
		v, err := m.Source.Eval(snap, p.resolver)
		if err != nil {
			p.failed(n, res, m, err)
			continue
		}
		if v == nil {
			p.logger.Debug(
				"metric resolved to nil, omitting",
				"probe", res.Probe.Name,
				"metric", m.Name,
				"signature", n.Signature(),
			)
			continue
		}
		n.SetAttr(m.Name, v)
	}
}

func (p *Populator) failed(n *calltree.Node, res *instrumentation.Resolution, m instrumentation.Metric, err error) {
	p.logger.Warn(
		"metric evaluation failed, omitting",
		"probe", res.Probe.Name,
		"metric", m.Name,
		"signature", n.Signature(),
		"error", err,
	)
	p.stats.MetricError(res.Probe.Name, m.Name)
}

// errorType returns the name of the dynamic type of err without its package
// path or pointer indirection.
func errorType(err error) string {
	t := reflect.TypeOf(err)
	for t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	if t.Name() == "" {
		return t.String()
	}
	return t.Name()
}
