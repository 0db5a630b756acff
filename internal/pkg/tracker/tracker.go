// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

// Package tracker maintains the per-thread call stacks that call trees are
// built from.
//
// A thread is any caller-chosen identity under which enter and exit
// notifications arrive in strict nested order: an OS thread, a goroutine,
// or a request. State for a thread is only ever touched by calls made with
// that thread's ID, so it is not locked. The registries shared between
// threads are concurrent maps.
package tracker

import (
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/traceflow/traceflow/calltree"
)

// ThreadID identifies the thread a notification belongs to.
type ThreadID string

type thread struct {
	trace *calltree.Trace
	stack []*calltree.Node
}

// Option configures a Tracker.
type Option func(*Tracker)

// WithIDGenerator sets the function used to create trace IDs.
func WithIDGenerator(fn func() string) Option {
	return func(t *Tracker) { t.newID = fn }
}

// Tracker builds call trees from enter and exit notifications.
type Tracker struct {
	logger *slog.Logger
	newID  func() string

	seq     atomic.Uint64
	threads sync.Map // ThreadID -> *thread
	active  sync.Map // trace ID -> *calltree.Trace
	nActive atomic.Int64
}

// New returns a new Tracker.
func New(logger *slog.Logger, opts ...Option) *Tracker {
	t := &Tracker{logger: logger}
	t.newID = t.defaultID
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// defaultID returns "trace-<sequence>-<random>".
func (t *Tracker) defaultID() string {
	return fmt.Sprintf("trace-%d-%s", t.seq.Add(1), uuid.NewString()[:8])
}

// Enter records the start of call c on thread id and returns its node.
//
// If the thread has no active trace a new one is started and the node
// becomes its root. Otherwise the node becomes the last child of the
// thread's innermost open call. This includes unrelated top-level entry
// points reached while a trace is active: a thread has at most one trace at
// a time, and it completes only when its root exits.
//
// The returned trace is non-nil only when Enter started it.
func (t *Tracker) Enter(id ThreadID, c calltree.Call) (*calltree.Node, *calltree.Trace) {
	th := t.thread(id)

	var started *calltree.Trace
	if th.trace == nil {
		th.trace = calltree.NewTrace(t.newID(), string(id), c.Start)
		t.active.Store(th.trace.ID(), th.trace)
		t.nActive.Add(1)
		started = th.trace
	}

	var n *calltree.Node
	if len(th.stack) == 0 {
		n = calltree.NewRoot(c)
		th.trace.AddRoot(n)
	} else {
		n = th.stack[len(th.stack)-1].AddCall(c)
	}
	th.stack = append(th.stack, n)
	return n, started
}

func (t *Tracker) thread(id ThreadID) *thread {
	if v, ok := t.threads.Load(id); ok {
		return v.(*thread)
	}
	v, _ := t.threads.LoadOrStore(id, &thread{})
	return v.(*thread)
}

// Exit records the exit of n on thread id.
//
// If n is open on the thread, every call above it is popped along with it;
// those calls missed their exits and are closed at n's end time. If n is not
// open at all, the innermost open call is popped in its place so a stray
// exit cannot leave frames behind. When the root of the thread's trace is
// popped, the trace is completed, detached from the thread, and returned.
func (t *Tracker) Exit(id ThreadID, n *calltree.Node) *calltree.Trace {
	v, ok := t.threads.Load(id)
	if !ok {
		t.logger.Debug("exit without active trace", "thread", id, "signature", n.Signature())
		return nil
	}
	th := v.(*thread)
	if len(th.stack) == 0 {
		t.logger.Debug("exit on empty stack", "thread", id, "signature", n.Signature())
		return nil
	}

	i := slices.Index(th.stack, n)
	if i < 0 {
		i = len(th.stack) - 1
	}
	popped := th.stack[i:]
	last := popped[0]
	for _, skipped := range popped {
		if skipped == n {
			continue
		}
		t.logger.Warn(
			"mismatched exit, closing open call",
			"thread", id,
			"trace", th.trace.ID(),
			"open", skipped.Signature(),
			"got", n.Signature(),
		)
		if !skipped.Ended() {
			skipped.Finish(n.End(), nil)
		}
	}
	clear(popped)
	th.stack = th.stack[:i]

	if !last.IsRoot() {
		return nil
	}

	tr := th.trace
	end := last.End()
	if end.IsZero() {
		end = n.End()
	}
	tr.Complete(end)
	t.detach(id, tr)
	return tr
}

// Abort discards the active trace of thread id without completing it. It
// returns the discarded trace, or nil if the thread had none.
func (t *Tracker) Abort(id ThreadID) *calltree.Trace {
	v, ok := t.threads.Load(id)
	if !ok {
		return nil
	}
	tr := v.(*thread).trace
	if tr == nil {
		t.threads.Delete(id)
		return nil
	}
	t.detach(id, tr)
	return tr
}

func (t *Tracker) detach(id ThreadID, tr *calltree.Trace) {
	t.threads.Delete(id)
	if _, loaded := t.active.LoadAndDelete(tr.ID()); loaded {
		t.nActive.Add(-1)
	}
}

// Depth returns the number of open calls on thread id.
func (t *Tracker) Depth(id ThreadID) int {
	v, ok := t.threads.Load(id)
	if !ok {
		return 0
	}
	return len(v.(*thread).stack)
}

// Active returns the number of traces started and not yet completed or
// aborted.
func (t *Tracker) Active() int {
	return int(t.nActive.Load())
}

// Lookup returns the active trace with the given ID. The trace is still
// being built by its thread and must not be read concurrently.
func (t *Tracker) Lookup(traceID string) (*calltree.Trace, bool) {
	v, ok := t.active.Load(traceID)
	if !ok {
		return nil, false
	}
	return v.(*calltree.Trace), true
}

// ActiveIDs returns the IDs of the active traces.
func (t *Tracker) ActiveIDs() []string {
	var ids []string
	t.active.Range(func(k, _ any) bool {
		ids = append(ids, k.(string))
		return true
	})
	return ids
}

