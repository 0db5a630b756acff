// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package calltree

import (
	"time"

	"github.com/traceflow/traceflow/expr"
)

// TraceSnapshot is the serializable form of a Trace.
type TraceSnapshot struct {
	ID         string         `json:"traceId"`
	Thread     string         `json:"thread"`
	Created    time.Time      `json:"created"`
	Ended      time.Time      `json:"ended,omitempty"`
	DurationMS int64          `json:"durationMs"`
	TotalNodes int            `json:"totalNodes"`
	Attributes map[string]any `json:"attributes,omitempty"`
	Roots      []NodeSnapshot `json:"roots"`
}

// NodeSnapshot is the serializable form of a Node.
type NodeSnapshot struct {
	Type       string         `json:"type"`
	Signature  string         `json:"signature"`
	Probe      string         `json:"probe,omitempty"`
	Color      string         `json:"color,omitempty"`
	Thread     string         `json:"thread"`
	Start      time.Time      `json:"start"`
	End        time.Time      `json:"end,omitempty"`
	DurationMS int64          `json:"durationMs"`
	Depth      int            `json:"depth"`
	Attributes map[string]any `json:"attributes,omitempty"`
	Error      string         `json:"error,omitempty"`
	Children   []NodeSnapshot `json:"children,omitempty"`
}

// Snapshot returns a deep copy of t whose attribute values are limited to
// strings, numbers and booleans.
func (t *Trace) Snapshot() TraceSnapshot {
	s := TraceSnapshot{
		ID:         t.id,
		Thread:     t.thread,
		Created:    t.created,
		Ended:      t.ended,
		DurationMS: t.Duration().Milliseconds(),
		TotalNodes: t.TotalNodes(),
		Attributes: scalars(t.attrs),
		Roots:      make([]NodeSnapshot, 0, len(t.roots)),
	}
	for _, r := range t.roots {
		s.Roots = append(s.Roots, r.Snapshot())
	}
	return s
}

// Snapshot returns a deep copy of the subtree rooted at n.
func (n *Node) Snapshot() NodeSnapshot {
	s := NodeSnapshot{
		Type:       n.call.Type,
		Signature:  n.call.Signature,
		Probe:      n.call.Probe,
		Color:      n.call.Color,
		Thread:     n.call.Thread,
		Start:      n.call.Start,
		End:        n.end,
		DurationMS: n.Duration().Milliseconds(),
		Depth:      n.depth,
		Attributes: scalars(n.attrs),
	}
	if n.err != nil {
		s.Error = n.err.Error()
	}
	for _, c := range n.children {
		s.Children = append(s.Children, c.Snapshot())
	}
	return s
}

func scalars(m map[string]any) map[string]any {
	if len(m) == 0 {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		switch nv := expr.Normalize(v).(type) {
		case nil, string, int64, float64, bool:
			out[k] = nv
		default:
			out[k] = expr.Format(v)
		}
	}
	return out
}
