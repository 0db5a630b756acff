// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package calltree

import (
	"maps"
	"slices"
	"time"
)

// Trace is one logical, goroutine-scoped call session.
type Trace struct {
	id        string
	thread    string
	created   time.Time
	ended     time.Time
	completed bool
	roots     []*Node
	attrs     map[string]any
}

// NewTrace returns an empty trace.
func NewTrace(id, thread string, created time.Time) *Trace {
	return &Trace{
		id:      id,
		thread:  thread,
		created: created,
		attrs:   make(map[string]any),
	}
}

func (t *Trace) ID() string         { return t.id }
func (t *Trace) Thread() string     { return t.thread }
func (t *Trace) Created() time.Time { return t.created }
func (t *Trace) Ended() time.Time   { return t.ended }
func (t *Trace) Completed() bool    { return t.completed }

// Roots returns the root nodes of t. There is normally exactly one.
func (t *Trace) Roots() []*Node { return slices.Clip(t.roots) }

// Root returns the first root node of t, or nil if it has none.
func (t *Trace) Root() *Node {
	if len(t.roots) == 0 {
		return nil
	}
	return t.roots[0]
}

// AddRoot registers n as a root of t.
func (t *Trace) AddRoot(n *Node) { t.roots = append(t.roots, n) }

// Complete marks t as finished at end.
func (t *Trace) Complete(end time.Time) {
	t.completed = true
	t.ended = end
}

// Duration returns the time between creation and completion, or 0 while
// the trace is active.
func (t *Trace) Duration() time.Duration {
	if !t.completed {
		return 0
	}
	return t.ended.Sub(t.created)
}

// TotalNodes returns the number of nodes in all trees of t.
func (t *Trace) TotalNodes() int {
	total := 0
	for _, r := range t.roots {
		total += 1 + r.Descendants()
	}
	return total
}

// Walk walks every tree of t. See [Node.Walk].
func (t *Trace) Walk(fn func(*Node) bool) {
	for _, r := range t.roots {
		r.Walk(fn)
	}
}

// Attr returns the trace-scoped attribute k.
func (t *Trace) Attr(k string) (any, bool) {
	v, ok := t.attrs[k]
	return v, ok
}

// SetAttr sets the trace-scoped attribute k to v.
func (t *Trace) SetAttr(k string, v any) { t.attrs[k] = v }

// Attributes returns a copy of the trace-scoped attributes.
func (t *Trace) Attributes() map[string]any { return maps.Clone(t.attrs) }
