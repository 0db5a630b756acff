// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

// Package traceflow builds call trees from method enter and exit
// notifications for the methods selected by declarative probes, attaches
// metrics computed from the calls to every node, and publishes the
// completed trees that pass the configured filters.
//
// An instrumentation layer calls [Engine.OnEnter] when a method starts and
// [Engine.OnExit] or [Engine.OnExitWithException] with the returned
// [Handle] when it returns. Neither ever panics.
package traceflow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/traceflow/traceflow/calltree"
	"github.com/traceflow/traceflow/export"
	"github.com/traceflow/traceflow/export/text"
	"github.com/traceflow/traceflow/expr"
	"github.com/traceflow/traceflow/filter"
	"github.com/traceflow/traceflow/internal/pkg/collect"
	"github.com/traceflow/traceflow/internal/pkg/instrumentation"
	"github.com/traceflow/traceflow/internal/pkg/publish"
	"github.com/traceflow/traceflow/internal/pkg/stats"
	"github.com/traceflow/traceflow/internal/pkg/tracker"
	"github.com/traceflow/traceflow/probe"
)

// ThreadID identifies the thread of execution a notification belongs to.
// Calls on one thread are nested; calls on different threads are traced
// independently.
type ThreadID = tracker.ThreadID

// CallSite describes an intercepted method call.
type CallSite struct {
	Class  string
	Method string
	// Receiver is the object the method is called on. It is nil for
	// functions and static methods.
	Receiver any
	Args     []any
	// ClassMarkers are the marker annotations present on the class.
	ClassMarkers []string
	// MethodMarkers are the marker annotations present on the method.
	MethodMarkers []string
	// Supertypes are the names of the types Class is assignable to.
	Supertypes []string
}

func (s CallSite) site() instrumentation.CallSite {
	return instrumentation.CallSite{
		Class:         s.Class,
		Method:        s.Method,
		ClassMarkers:  s.ClassMarkers,
		MethodMarkers: s.MethodMarkers,
		Supertypes:    s.Supertypes,
	}
}

// Handle is returned by [Engine.OnEnter] for a traced call and must be
// passed to the matching exit notification. A nil *Handle is valid and
// means the call is not traced.
type Handle struct {
	thread   ThreadID
	node     *calltree.Node
	res      *instrumentation.Resolution
	receiver any
	args     []any
	done     atomic.Bool
}

// Node returns the call tree node of the call.
func (h *Handle) Node() *calltree.Node {
	if h == nil {
		return nil
	}
	return h.node
}

// Engine traces calls selected by its probes.
type Engine struct {
	logger *slog.Logger
	clock  func() time.Time
	filter *filter.Predicate

	stats     *stats.Stats
	manager   *instrumentation.Manager
	tracker   *tracker.Tracker
	populator *collect.Populator
	publisher *publish.Publisher
}

// NewEngine returns a new [Engine] configured with the provided opts. The
// initial probe configuration is loaded before NewEngine returns. Probes
// that are not valid are logged and skipped.
func NewEngine(ctx context.Context, opts ...EngineOption) (*Engine, error) {
	c, err := newEngineConfig(ctx, opts)
	if err != nil {
		return nil, err
	}

	cp, err := c.configProvider()
	if err != nil {
		return nil, err
	}

	st := stats.New(c.registerer)
	m, err := instrumentation.NewManager(c.logger, cp, st)
	if err != nil {
		return nil, err
	}
	if err := m.Load(ctx); err != nil {
		return nil, err
	}

	fallback := c.fallback
	if !c.fallbackSet {
		fallback = text.NewLogHandler(c.logger, slog.LevelInfo)
	}

	e := &Engine{
		logger:    c.logger,
		clock:     c.clock,
		filter:    c.filter,
		stats:     st,
		manager:   m,
		tracker:   tracker.New(c.logger),
		populator: collect.New(c.logger, c.resolver, st),
		publisher: publish.New(
			c.logger,
			publish.WithFallback(fallback),
			publish.WithLimit(c.maxTraces),
			publish.WithStats(st),
		),
	}
	for _, h := range c.handlers {
		e.publisher.Subscribe(h)
	}

	e.logger.Info(
		"engine created",
		"version", Version(),
		"probes", m.Index().Len(),
		"filter", c.filter.String(),
		"max_traces", c.maxTraces,
	)
	return e, nil
}

// OnEnter notifies the engine that a call to site started on thread. It
// returns nil if no enabled probe selects the call.
func (e *Engine) OnEnter(thread ThreadID, site CallSite) (h *Handle) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("enter notification failed", "thread", thread, "class", site.Class, "method", site.Method, "panic", r)
			h = nil
		}
	}()

	cs := site.site()
	res := e.manager.Resolve(cs)
	if res == nil {
		return nil
	}

	start := e.clock()
	n, started := e.tracker.Enter(thread, calltree.Call{
		Type:      res.Probe.NodeType(),
		Signature: cs.Signature(),
		Probe:     res.Probe.Name,
		Color:     res.Probe.Output.ColorName(),
		Thread:    string(thread),
		Start:     start,
	})
	if started != nil {
		e.stats.TraceStarted()
		e.logger.Debug("trace started", "trace", started.ID(), "thread", thread, "root", n.Signature())
	}

	e.populator.Before(n, res, expr.Snapshot{
		Receiver: site.Receiver,
		Args:     site.Args,
		Start:    start,
		Thread:   string(thread),
	})

	return &Handle{
		thread:   thread,
		node:     n,
		res:      res,
		receiver: site.Receiver,
		args:     site.Args,
	}
}

// OnExit notifies the engine that the call of h returned normally with
// returnValue.
func (e *Engine) OnExit(h *Handle, returnValue any) {
	e.exit(h, returnValue, nil)
}

// OnExitWithException notifies the engine that the call of h failed with
// err.
func (e *Engine) OnExitWithException(h *Handle, err error) {
	if err == nil {
		err = errors.New("unknown error")
	}
	e.exit(h, nil, err)
}

func (e *Engine) exit(h *Handle, ret any, err error) {
	if h == nil || h.done.Swap(true) {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("exit notification failed", "thread", h.thread, "signature", h.node.Signature(), "panic", r)
		}
	}()

	if h.node.Ended() {
		// Closed when an enclosing call exited first.
		e.logger.Debug("late exit ignored", "thread", h.thread, "signature", h.node.Signature())
		return
	}

	end := e.clock()
	h.node.Finish(end, err)
	e.populator.After(h.node, h.res, expr.Snapshot{
		Receiver:    h.receiver,
		Args:        h.args,
		ReturnValue: ret,
		Err:         err,
		Start:       h.node.Start(),
		End:         end,
		Thread:      string(h.thread),
	})

	t := e.tracker.Exit(h.thread, h.node)
	if t == nil {
		return
	}
	e.complete(t)
}

// complete filters and publishes the completed trace t.
func (e *Engine) complete(t *calltree.Trace) {
	nodes := t.TotalNodes()
	if !e.accept(t) {
		e.logger.Debug("trace filtered", "trace", t.ID(), "nodes", nodes)
		e.stats.TraceCompleted(nodes, false)
		return
	}

	err := e.publisher.Publish(t)
	if errors.Is(err, publish.ErrLimitReached) {
		e.logger.Debug("trace dropped", "trace", t.ID(), "reason", err)
		return
	}
	e.stats.TraceCompleted(nodes, true)
	if err != nil {
		e.logger.Warn("trace delivery failed", "trace", t.ID(), "error", err)
	}
}

// accept reports whether the root attributes of t satisfy the engine filter
// and the filters of the probe that selected the root. Filters that fail to
// evaluate match.
func (e *Engine) accept(t *calltree.Trace) bool {
	root := t.Root()
	if root == nil {
		return false
	}
	attrs := root.Attributes()

	preds := []*filter.Predicate{e.filter}
	preds = append(preds, e.manager.Index().Filters(root.Probe())...)
	for _, p := range preds {
		ok, err := p.Match(attrs)
		if err != nil {
			e.logger.Warn("filter evaluation failed", "trace", t.ID(), "filter", p.String(), "error", err)
		}
		if !ok {
			return false
		}
	}
	return true
}

// Abort discards the trace active on thread without publishing it. It
// reports whether a trace was active.
func (e *Engine) Abort(thread ThreadID) bool {
	t := e.tracker.Abort(thread)
	if t == nil {
		return false
	}
	e.stats.TraceAborted()
	e.logger.Debug("trace aborted", "trace", t.ID(), "thread", thread)
	return true
}

// Subscribe registers h to receive every published trace. The returned
// function removes the subscription.
func (e *Engine) Subscribe(h export.Handler) (unsubscribe func()) {
	return e.publisher.Subscribe(h)
}

// Unsubscribe removes every subscription of h. It reports whether h was
// subscribed.
func (e *Engine) Unsubscribe(h export.Handler) bool {
	return e.publisher.Unsubscribe(h)
}

// Run applies configuration updates from the engine's provider until ctx is
// done or the provider stops sending them.
func (e *Engine) Run(ctx context.Context) error {
	return e.manager.Run(ctx)
}

// Reload replaces the active probes with defs. Invalid probes are skipped
// and their errors joined into the returned error.
func (e *Engine) Reload(defs []probe.Definition) error {
	return e.manager.Apply(defs)
}

// Probes returns the active probes in match order.
func (e *Engine) Probes() []probe.Definition {
	return e.manager.Index().Probes()
}

// Active returns the number of traces in progress.
func (e *Engine) Active() int {
	return e.tracker.Active()
}

// Published returns the number of traces delivered to the handlers. Traces
// rejected by the filters or dropped after the trace limit are not counted.
func (e *Engine) Published() int64 {
	return e.publisher.Published()
}

// Done returns a channel that is closed once the trace limit set with
// [WithMaxTraces] is reached. Without a limit it is never closed.
func (e *Engine) Done() <-chan struct{} {
	return e.publisher.Done()
}

// Shutdown stops the configuration provider and shuts down the subscribed
// handlers.
func (e *Engine) Shutdown(ctx context.Context) error {
	var err error
	if stopErr := e.manager.Stop(ctx); stopErr != nil {
		err = fmt.Errorf("config provider: %w", stopErr)
	}
	return errors.Join(err, e.publisher.Shutdown(ctx))
}
