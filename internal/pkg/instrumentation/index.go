// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package instrumentation

import (
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"slices"
	"strings"
	"sync"

	"github.com/traceflow/traceflow/expr"
	"github.com/traceflow/traceflow/filter"
	"github.com/traceflow/traceflow/probe"
)

// CallSite identifies an intercepted call.
type CallSite struct {
	Class  string
	Method string
	// ClassMarkers are the marker annotations present on the class.
	ClassMarkers []string
	// MethodMarkers are the marker annotations present on the method.
	MethodMarkers []string
	// Supertypes are the names of the types Class is assignable to.
	Supertypes []string
}

// Signature returns "<class>.<method>".
func (c CallSite) Signature() string { return c.Class + "." + c.Method }

// Metric is a metric definition with its expression compiled.
type Metric struct {
	probe.Metric
	Source  *expr.Source
	Formula *expr.Formula
}

// Resolution is the outcome of resolving a traced call: the probe that
// selected it and the metrics to populate, bucketed by when they are
// evaluated. Resolutions are shared and must not be modified.
type Resolution struct {
	Probe    *probe.Definition
	Before   []Metric
	After    []Metric
	Formulas []Metric
	// Filters are the compiled probe filters.
	Filters []*filter.Predicate
}

type pattern struct {
	exact string
	re    *regexp.Regexp
}

func compilePattern(p string) (pattern, error) {
	if !strings.Contains(p, "*") {
		return pattern{exact: p}, nil
	}
	quoted := regexp.QuoteMeta(p)
	re, err := regexp.Compile("^" + strings.ReplaceAll(quoted, `\*`, ".*") + "$")
	if err != nil {
		return pattern{}, err
	}
	return pattern{re: re}, nil
}

func (p pattern) match(s string) bool {
	if p.re == nil {
		return p.exact == s
	}
	return p.re.MatchString(s)
}

type target struct {
	class        pattern
	methods      []pattern
	classMarker  string
	methodMarker string
}

func compileTarget(t probe.Target) (target, error) {
	class, err := compilePattern(t.Class)
	if err != nil {
		return target{}, fmt.Errorf("class %q: %w", t.Class, err)
	}
	out := target{class: class, classMarker: t.ClassMarker, methodMarker: t.MethodMarker}
	for _, m := range t.Methods {
		p, err := compilePattern(m)
		if err != nil {
			return target{}, fmt.Errorf("method %q: %w", m, err)
		}
		out.methods = append(out.methods, p)
	}
	return out, nil
}

func (t target) match(site CallSite) bool {
	if !t.class.match(site.Class) && !slices.ContainsFunc(site.Supertypes, t.class.match) {
		return false
	}
	if len(t.methods) > 0 && !slices.ContainsFunc(t.methods, func(p pattern) bool { return p.match(site.Method) }) {
		return false
	}
	if t.classMarker != "" && !slices.Contains(site.ClassMarkers, t.classMarker) {
		return false
	}
	if t.methodMarker != "" && !slices.Contains(site.MethodMarkers, t.methodMarker) {
		return false
	}
	return true
}

type scopedMetric struct {
	Metric
	// scope is nil when the metric applies to every call of its probe.
	scope []target
}

type compiledProbe struct {
	def     *probe.Definition
	targets []target
	metrics []scopedMetric
	filters []*filter.Predicate
}

func compileProbe(d probe.Definition) (*compiledProbe, error) {
	cp := &compiledProbe{def: &d}

	var err error
	for _, t := range d.Targets {
		ct, e := compileTarget(t)
		if e != nil {
			err = errors.Join(err, e)
			continue
		}
		cp.targets = append(cp.targets, ct)
	}

	for _, m := range d.Metrics {
		sm := scopedMetric{Metric: Metric{Metric: m}}
		var e error
		if m.IsFormula() {
			sm.Formula, e = expr.CompileFormula(m.Formula)
		} else {
			sm.Source, e = expr.CompileSource(m.Source)
		}
		if e != nil {
			err = errors.Join(err, fmt.Errorf("metric %q: %w", m.Name, e))
			continue
		}

		scope := slices.Clone(m.Targets)
		if m.TargetID != "" {
			if t, ok := d.Target(m.TargetID); ok {
				scope = append(scope, t)
			}
		}
		for _, t := range scope {
			ct, e := compileTarget(t)
			if e != nil {
				err = errors.Join(err, fmt.Errorf("metric %q: %w", m.Name, e))
				continue
			}
			sm.scope = append(sm.scope, ct)
		}
		cp.metrics = append(cp.metrics, sm)
	}

	for _, f := range d.Filters {
		p, e := filter.Compile(f.Condition)
		if e != nil {
			err = errors.Join(err, fmt.Errorf("filter %q: %w", f.Name, e))
			continue
		}
		cp.filters = append(cp.filters, p)
	}

	if err != nil {
		return nil, &probe.ConfigurationError{Probe: d.Name, Err: err}
	}
	return cp, nil
}

func (cp *compiledProbe) matches(site CallSite) bool {
	// Probes with only scoped metrics are selected by those scopes.
	for _, t := range cp.targets {
		if t.match(site) {
			return true
		}
	}
	for _, m := range cp.metrics {
		if slices.ContainsFunc(m.scope, func(t target) bool { return t.match(site) }) {
			return true
		}
	}
	return false
}

func (cp *compiledProbe) resolve(site CallSite) *Resolution {
	r := &Resolution{Probe: cp.def, Filters: cp.filters}
	for _, m := range cp.metrics {
		if m.scope != nil && !slices.ContainsFunc(m.scope, func(t target) bool { return t.match(site) }) {
			continue
		}
		switch {
		case m.Formula != nil:
			r.Formulas = append(r.Formulas, m.Metric)
		case m.Capture == probe.Before:
			r.Before = append(r.Before, m.Metric)
		default:
			// Usable only admits sources captured before or after.
			r.After = append(r.After, m.Metric)
		}
	}
	return r
}

// Index resolves call sites to the first enabled probe that targets them.
//
// Results are cached by signature, so the markers and supertypes reported
// for a class and method must not change between calls.
type Index struct {
	probes []*compiledProbe
	cache  sync.Map // signature -> *Resolution, nil when not traced.
}

// NewIndex builds an Index from defs. Disabled probes are left out. Invalid
// probes are logged and left out, and their errors are joined into the
// returned error; the returned Index is always usable.
func NewIndex(logger *slog.Logger, defs []probe.Definition) (*Index, error) {
	usable, err := probe.Usable(logger, defs)

	ix := &Index{probes: make([]*compiledProbe, 0, len(usable))}
	for _, d := range usable {
		cp, e := compileProbe(d)
		if e != nil {
			logger.Error("skipping invalid probe", "probe", d.Name, "error", e)
			err = errors.Join(err, e)
			continue
		}
		ix.probes = append(ix.probes, cp)
	}
	return ix, err
}

// Resolve returns the resolution for site, or nil if site is not traced.
func (ix *Index) Resolve(site CallSite) *Resolution {
	if ix == nil {
		return nil
	}
	key := site.Signature()
	if v, ok := ix.cache.Load(key); ok {
		return v.(*Resolution)
	}

	var r *Resolution
	for _, cp := range ix.probes {
		if cp.matches(site) {
			r = cp.resolve(site)
			break
		}
	}
	v, _ := ix.cache.LoadOrStore(key, r)
	return v.(*Resolution)
}

// Filters returns the compiled filters of the indexed probe named name.
func (ix *Index) Filters(name string) []*filter.Predicate {
	if ix == nil {
		return nil
	}
	for _, cp := range ix.probes {
		if cp.def.Name == name {
			return cp.filters
		}
	}
	return nil
}

// Probes returns the indexed probe definitions in match order.
func (ix *Index) Probes() []probe.Definition {
	if ix == nil {
		return nil
	}
	out := make([]probe.Definition, len(ix.probes))
	for i, cp := range ix.probes {
		out[i] = *cp.def
	}
	return out
}

// Len returns the number of indexed probes.
func (ix *Index) Len() int {
	if ix == nil {
		return 0
	}
	return len(ix.probes)
}
