// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package calltree

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

type shape struct {
	Sig      string
	Depth    int
	Children []shape
}

func shapeOf(n *Node) shape {
	s := shape{Sig: n.Signature(), Depth: n.Depth()}
	for _, c := range n.Children() {
		s.Children = append(s.Children, shapeOf(c))
	}
	return s
}

func call(sig string, offset time.Duration) Call {
	return Call{Type: "APP", Signature: sig, Probe: "app", Thread: "main", Start: t0.Add(offset)}
}

func buildTree() *Node {
	root := NewRoot(call("Svc.handle", 0))
	a := root.AddCall(call("Repo.find", time.Millisecond))
	a.AddCall(call("Db.query", 2*time.Millisecond))
	root.AddCall(call("Cache.put", 5*time.Millisecond))
	return root
}

func TestTreeShape(t *testing.T) {
	root := buildTree()

	want := shape{
		Sig: "Svc.handle",
		Children: []shape{
			{Sig: "Repo.find", Depth: 1, Children: []shape{{Sig: "Db.query", Depth: 2}}},
			{Sig: "Cache.put", Depth: 1},
		},
	}
	if diff := cmp.Diff(want, shapeOf(root)); diff != "" {
		t.Errorf("tree shape mismatch (-want +got):\n%s", diff)
	}

	assert.True(t, root.IsRoot())
	assert.Nil(t, root.Parent())
	assert.Equal(t, 3, root.Descendants())
	assert.False(t, root.IsLeaf())

	root.Walk(func(n *Node) bool {
		ancestors := 0
		for p := n.Parent(); p != nil; p = p.Parent() {
			ancestors++
		}
		assert.Equal(t, ancestors, n.Depth(), n.Signature())
		assert.Equal(t, n.Depth() == 0, n.IsRoot(), n.Signature())
		return true
	})
}

func TestWalkPrune(t *testing.T) {
	var visited []string
	buildTree().Walk(func(n *Node) bool {
		visited = append(visited, n.Signature())
		return n.Signature() != "Repo.find"
	})
	assert.Equal(t, []string{"Svc.handle", "Repo.find", "Cache.put"}, visited)
}

func TestNodeTimingAndAttributes(t *testing.T) {
	n := NewRoot(call("Svc.handle", 0))
	assert.Equal(t, time.Duration(0), n.Duration())
	assert.False(t, n.Ended())

	n.SetAttr("url", "/api")
	n.SetAttr("count", 3)
	attrs := n.Attributes()
	attrs["url"] = "changed"
	v, ok := n.Attr("url")
	require.True(t, ok)
	assert.Equal(t, "/api", v, "Attributes returns a copy")
	assert.Equal(t, []string{"count", "url"}, n.AttributeNames())

	boom := errors.New("boom")
	n.Finish(t0.Add(1500*time.Millisecond), boom)
	assert.True(t, n.Ended())
	assert.Equal(t, 1500*time.Millisecond, n.Duration())
	assert.Equal(t, boom, n.Err())
}

func TestTrace(t *testing.T) {
	tr := NewTrace("trace-1-abcdef12", "main", t0)
	assert.Nil(t, tr.Root())
	assert.Equal(t, time.Duration(0), tr.Duration())

	root := buildTree()
	tr.AddRoot(root)
	tr.SetAttr("tenant", "acme")
	assert.Same(t, root, tr.Root())
	assert.Equal(t, 4, tr.TotalNodes())

	tr.Complete(t0.Add(2 * time.Second))
	assert.True(t, tr.Completed())
	assert.Equal(t, 2*time.Second, tr.Duration())

	count := 0
	tr.Walk(func(*Node) bool { count++; return true })
	assert.Equal(t, 4, count)
}

type opaque struct{ ID int }

func TestSnapshotJSON(t *testing.T) {
	root := NewRoot(call("Svc.handle", 0))
	root.SetAttr("url", "/api")
	root.SetAttr("user", opaque{ID: 7})
	child := root.AddCall(call("Repo.find", time.Millisecond))
	child.Finish(t0.Add(3*time.Millisecond), errors.New("not found"))
	root.Finish(t0.Add(10*time.Millisecond), nil)

	tr := NewTrace("trace-1", "main", t0)
	tr.AddRoot(root)
	tr.Complete(t0.Add(10 * time.Millisecond))

	s := tr.Snapshot()
	assert.Equal(t, 2, s.TotalNodes)
	assert.Equal(t, int64(10), s.DurationMS)
	require.Len(t, s.Roots, 1)
	assert.Equal(t, map[string]any{"url": "/api", "user": "{7}"}, s.Roots[0].Attributes)
	require.Len(t, s.Roots[0].Children, 1)
	assert.Equal(t, "not found", s.Roots[0].Children[0].Error)
	assert.Equal(t, int64(2), s.Roots[0].Children[0].DurationMS)

	b, err := json.Marshal(s)
	require.NoError(t, err)
	assert.Contains(t, string(b), `"traceId":"trace-1"`)
	assert.Contains(t, string(b), `"signature":"Repo.find"`)
}
