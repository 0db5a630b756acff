// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

// Package calltree provides the call tree built for a trace.
//
// A tree is mutated only by the goroutine that records the trace. Once a
// trace is published it must be treated as read-only.
package calltree

import (
	"maps"
	"slices"
	"time"
)

// Call describes an intercepted call a Node is created for.
type Call struct {
	// Type is the node-type label, derived from the probe output type.
	Type string
	// Signature is the method signature, "<class>.<method>".
	Signature string
	// Probe is the name of the probe that selected the call.
	Probe string
	// Color is the advisory output color of the probe.
	Color  string
	Thread string
	Start  time.Time
}

// Node is one intercepted call within a trace.
type Node struct {
	call Call
	end  time.Time
	err  error

	// parent is only used for root detection and display.
	parent   *Node
	children []*Node
	depth    int
	attrs    map[string]any
}

// NewRoot returns a node for c with no parent and depth 0.
func NewRoot(c Call) *Node {
	return &Node{call: c, attrs: make(map[string]any)}
}

// AddCall creates a node for c as the last child of n.
func (n *Node) AddCall(c Call) *Node {
	child := &Node{
		call:   c,
		parent: n,
		depth:  n.depth + 1,
		attrs:  make(map[string]any),
	}
	n.children = append(n.children, child)
	return child
}

func (n *Node) Type() string      { return n.call.Type }
func (n *Node) Signature() string { return n.call.Signature }
func (n *Node) Probe() string     { return n.call.Probe }
func (n *Node) Color() string     { return n.call.Color }
func (n *Node) Thread() string    { return n.call.Thread }
func (n *Node) Start() time.Time  { return n.call.Start }
func (n *Node) End() time.Time    { return n.end }
func (n *Node) Err() error        { return n.err }
func (n *Node) Depth() int        { return n.depth }
func (n *Node) Parent() *Node     { return n.parent }
func (n *Node) IsLeaf() bool      { return len(n.children) == 0 }

// Children returns the child calls of n in call order. The slice must not
// be modified.
func (n *Node) Children() []*Node { return slices.Clip(n.children) }

// Attr returns the attribute k and whether it is set.
func (n *Node) Attr(k string) (any, bool) {
	v, ok := n.attrs[k]
	return v, ok
}

// IsRoot reports whether n is the root of its tree.
func (n *Node) IsRoot() bool { return n.depth == 0 || n.parent == nil }

// Ended reports whether the call has returned or failed.
func (n *Node) Ended() bool { return !n.end.IsZero() }

// Duration returns the call duration, or 0 while the call is open.
func (n *Node) Duration() time.Duration {
	if n.end.IsZero() || n.call.Start.IsZero() {
		return 0
	}
	return n.end.Sub(n.call.Start)
}

// Attributes returns a copy of the metric attributes of n.
func (n *Node) Attributes() map[string]any { return maps.Clone(n.attrs) }

// AttributeNames returns the attribute names of n in sorted order.
func (n *Node) AttributeNames() []string {
	keys := make([]string, 0, len(n.attrs))
	for k := range n.attrs {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}

// SetAttr sets the attribute k to v.
func (n *Node) SetAttr(k string, v any) { n.attrs[k] = v }

// Finish records the end of the call and, if err is not nil, the failure.
func (n *Node) Finish(end time.Time, err error) {
	n.end = end
	if err != nil {
		n.err = err
	}
}

// Descendants returns the number of nodes below n.
func (n *Node) Descendants() int {
	total := 0
	for _, c := range n.children {
		total += 1 + c.Descendants()
	}
	return total
}

// Walk calls fn for n and every descendant in depth-first call order. It
// stops descending into a subtree when fn returns false.
func (n *Node) Walk(fn func(*Node) bool) {
	if !fn(n) {
		return
	}
	for _, c := range n.children {
		c.Walk(fn)
	}
}
