// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package tracker

import (
	"fmt"
	"io"
	"log/slog"
	"regexp"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/traceflow/traceflow/calltree"
)

var discard = slog.New(slog.NewTextHandler(io.Discard, nil))

var epoch = time.UnixMilli(1_700_000_000_000)

func call(sig string, offset int) calltree.Call {
	return calltree.Call{
		Type:      "SERVICE",
		Signature: sig,
		Start:     epoch.Add(time.Duration(offset) * time.Millisecond),
	}
}

func exit(t *testing.T, tr *Tracker, id ThreadID, n *calltree.Node, offset int) *calltree.Trace {
	t.Helper()
	n.Finish(epoch.Add(time.Duration(offset)*time.Millisecond), nil)
	return tr.Exit(id, n)
}

func TestTrackerNesting(t *testing.T) {
	tr := New(discard)
	const th ThreadID = "main"

	root, started := tr.Enter(th, call("A.a", 0))
	require.NotNil(t, started)
	assert.Equal(t, 1, tr.Active())
	assert.Same(t, root, started.Root())

	b, again := tr.Enter(th, call("B.b", 1))
	assert.Nil(t, again, "nested calls join the active trace")
	c, _ := tr.Enter(th, call("C.c", 2))
	assert.Equal(t, 3, tr.Depth(th))

	assert.Nil(t, exit(t, tr, th, c, 3))
	d, _ := tr.Enter(th, call("D.d", 4))
	assert.Nil(t, exit(t, tr, th, d, 5))
	assert.Nil(t, exit(t, tr, th, b, 6))

	done := exit(t, tr, th, root, 10)
	require.NotNil(t, done)
	assert.Same(t, started, done)
	assert.True(t, done.Completed())
	assert.Equal(t, 10*time.Millisecond, done.Duration())
	assert.Equal(t, 4, done.TotalNodes())

	assert.Equal(t, 0, root.Depth())
	assert.Equal(t, 1, b.Depth())
	assert.Equal(t, 2, c.Depth())
	assert.Equal(t, 2, d.Depth())
	assert.Equal(t, []*calltree.Node{c, d}, b.Children())

	assert.Equal(t, 0, tr.Active())
	assert.Equal(t, 0, tr.Depth(th))
	_, ok := tr.Lookup(done.ID())
	assert.False(t, ok)
}

func TestTrackerSingleCall(t *testing.T) {
	tr := New(discard)
	n, started := tr.Enter("t", call("A.a", 0))
	done := exit(t, tr, "t", n, 1)
	require.NotNil(t, done)
	assert.Same(t, started, done)
	assert.Equal(t, 1, done.TotalNodes())
	assert.True(t, n.IsLeaf())
}

func TestTrackerNewTraceAfterCompletion(t *testing.T) {
	tr := New(discard)
	n, first := tr.Enter("t", call("A.a", 0))
	require.NotNil(t, exit(t, tr, "t", n, 1))

	n, second := tr.Enter("t", call("A.a", 2))
	require.NotNil(t, second)
	assert.NotEqual(t, first.ID(), second.ID())
	assert.Same(t, second, exit(t, tr, "t", n, 3))
}

func TestTrackerReentrantEntryPoint(t *testing.T) {
	tr := New(discard)
	ctrl, started := tr.Enter("t", call("Controller.handle", 0))
	// A second entry point reached while a trace is active is nested.
	other, again := tr.Enter("t", call("Scheduler.run", 1))
	assert.Nil(t, again)
	assert.Same(t, ctrl, other.Parent())

	assert.Nil(t, exit(t, tr, "t", other, 2))
	assert.Same(t, started, exit(t, tr, "t", ctrl, 3))
}

func TestTrackerMismatchedExit(t *testing.T) {
	tr := New(discard)
	root, started := tr.Enter("t", call("A.a", 0))
	child, _ := tr.Enter("t", call("B.b", 1))
	grand, _ := tr.Enter("t", call("C.c", 2))

	// The exit for grand was lost; child exits first.
	assert.Nil(t, exit(t, tr, "t", child, 5))
	assert.True(t, grand.Ended(), "abandoned frame is closed")
	assert.Equal(t, child.End(), grand.End())
	assert.Equal(t, 1, tr.Depth("t"))

	assert.Same(t, started, exit(t, tr, "t", root, 7))
	assert.Equal(t, 0, tr.Active())
}

func TestTrackerMissedInnerExitCompletesOnRootExit(t *testing.T) {
	tr := New(discard)
	root, started := tr.Enter("t", call("A.a", 0))
	inner, _ := tr.Enter("t", call("B.b", 1))

	got := exit(t, tr, "t", root, 9)
	require.NotNil(t, got, "root exit completes the trace")
	assert.Same(t, started, got)
	assert.True(t, got.Completed())
	assert.True(t, inner.Ended())
	assert.Equal(t, root.End(), inner.End())
	assert.Equal(t, 0, tr.Depth("t"))
	assert.Equal(t, 0, tr.Active())

	// The thread is free for an unrelated call.
	next, nextTrace := tr.Enter("t", call("D.d", 20))
	require.NotNil(t, nextTrace)
	assert.True(t, next.IsRoot())
	assert.Same(t, next, nextTrace.Root())
	assert.Equal(t, 1, tr.Depth("t"))
}

func TestTrackerStrayExitPopsInnermost(t *testing.T) {
	tr := New(discard)
	root, started := tr.Enter("t", call("A.a", 0))
	inner, _ := tr.Enter("t", call("B.b", 1))

	stray := calltree.NewRoot(call("X.x", 2))
	assert.Nil(t, exit(t, tr, "t", stray, 3))
	assert.True(t, inner.Ended())
	assert.Equal(t, 1, tr.Depth("t"))

	assert.Same(t, started, exit(t, tr, "t", root, 4))
}

func TestTrackerExitWithoutTrace(t *testing.T) {
	tr := New(discard)
	n := calltree.NewRoot(call("A.a", 0))
	assert.NotPanics(t, func() {
		assert.Nil(t, tr.Exit("unknown", n))
	})

	root, _ := tr.Enter("t", call("A.a", 0))
	require.NotNil(t, exit(t, tr, "t", root, 1))
	assert.Nil(t, tr.Exit("t", root), "second exit is ignored")
}

func TestTrackerAbort(t *testing.T) {
	tr := New(discard)
	assert.Nil(t, tr.Abort("t"))

	root, started := tr.Enter("t", call("A.a", 0))
	tr.Enter("t", call("B.b", 1))
	aborted := tr.Abort("t")
	assert.Same(t, started, aborted)
	assert.False(t, aborted.Completed())
	assert.Equal(t, 0, tr.Active())
	assert.Equal(t, 0, tr.Depth("t"))

	assert.Nil(t, tr.Exit("t", root), "exits after abort are ignored")

	_, next := tr.Enter("t", call("A.a", 2))
	assert.NotNil(t, next, "a new trace starts after abort")
}

func TestTrackerIDs(t *testing.T) {
	tr := New(discard)
	re := regexp.MustCompile(`^trace-\d+-[0-9a-f]{8}$`)
	seen := make(map[string]bool)
	for i := range 5 {
		n, started := tr.Enter("t", call("A.a", i))
		assert.Regexp(t, re, started.ID())
		assert.False(t, seen[started.ID()])
		seen[started.ID()] = true
		tr.Exit("t", n)
	}

	tr = New(discard, WithIDGenerator(func() string { return "fixed" }))
	_, started := tr.Enter("t", call("A.a", 0))
	assert.Equal(t, "fixed", started.ID())
	got, ok := tr.Lookup("fixed")
	require.True(t, ok)
	assert.Same(t, started, got)
	assert.Equal(t, []string{"fixed"}, tr.ActiveIDs())
}

func TestTrackerThreadIsolation(t *testing.T) {
	tr := New(discard)

	const (
		threads = 8
		rounds  = 50
	)
	results := make([][]*calltree.Trace, threads)

	var wg sync.WaitGroup
	for i := range threads {
		wg.Add(1)
		go func() {
			defer wg.Done()
			id := ThreadID(fmt.Sprintf("worker-%d", i))
			for r := range rounds {
				root, _ := tr.Enter(id, call("Handler.serve", r))
				child, _ := tr.Enter(id, call("Repo.find", r))
				child.Finish(epoch, nil)
				tr.Exit(id, child)
				root.Finish(epoch, nil)
				if done := tr.Exit(id, root); done != nil {
					results[i] = append(results[i], done)
				}
			}
		}()
	}
	wg.Wait()

	for i, traces := range results {
		require.Len(t, traces, rounds, "worker-%d", i)
		for _, tc := range traces {
			assert.Equal(t, fmt.Sprintf("worker-%d", i), tc.Thread())
			assert.Equal(t, 2, tc.TotalNodes())
		}
	}
	assert.Equal(t, 0, tr.Active())
}
