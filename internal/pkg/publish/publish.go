// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

// Package publish delivers completed traces to subscribed handlers.
package publish

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"reflect"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/traceflow/traceflow/calltree"
	"github.com/traceflow/traceflow/export"
	"github.com/traceflow/traceflow/internal/pkg/stats"
)

// ErrLimitReached is returned by Publish once the trace limit is reached.
var ErrLimitReached = errors.New("trace limit reached")

type entry struct {
	h    export.Handler
	name string
}

// Option configures a Publisher.
type Option func(*Publisher)

// WithFallback sets the handler that receives traces while no handler is
// subscribed.
func WithFallback(h export.Handler) Option {
	return func(p *Publisher) { p.fallback = h }
}

// WithLimit stops publishing after n traces. n <= 0 means no limit.
func WithLimit(n int) Option {
	return func(p *Publisher) { p.limit = int64(n) }
}

// WithStats records delivery failures in st.
func WithStats(st *stats.Stats) Option {
	return func(p *Publisher) { p.stats = st }
}

// Publisher fans completed traces out to its subscribers.
//
// The subscriber list is copy-on-write: Publish reads a snapshot without
// locking, so subscribing and unsubscribing may race with publishing.
// Handlers subscribed during a Publish call may not see that trace.
type Publisher struct {
	logger   *slog.Logger
	stats    *stats.Stats
	fallback export.Handler

	mu      sync.Mutex // Serializes writers of entries.
	entries atomic.Pointer[[]*entry]

	limit     int64
	reserved  atomic.Int64 // Traces admitted under the limit.
	published atomic.Int64
	done      chan struct{}
	doneOnce  sync.Once
}

// New returns a new Publisher.
func New(logger *slog.Logger, opts ...Option) *Publisher {
	p := &Publisher{logger: logger, done: make(chan struct{})}
	for _, opt := range opts {
		opt(p)
	}
	p.entries.Store(&[]*entry{})
	return p
}

// Subscribe adds h. The returned function removes this subscription; it is
// safe to call more than once. The same handler may be subscribed more
// than once, in which case it receives every trace once per subscription.
func (p *Publisher) Subscribe(h export.Handler) (cancel func()) {
	e := &entry{h: h, name: fmt.Sprintf("%T", h)}

	p.mu.Lock()
	old := *p.entries.Load()
	next := append(slices.Clip(old), e)
	p.entries.Store(&next)
	p.mu.Unlock()

	return func() {
		p.remove(func(x *entry) bool { return x == e })
	}
}

// Unsubscribe removes every subscription of h and reports whether there
// was any. Handlers that are not comparable, such as an
// [export.HandlerFunc], can only be removed with the function returned by
// Subscribe.
func (p *Publisher) Unsubscribe(h export.Handler) bool {
	if h == nil || !reflect.TypeOf(h).Comparable() {
		return false
	}
	return p.remove(func(x *entry) bool { return same(x.h, h) })
}

// same reports whether a and b are equal. Comparable types may still hold
// uncomparable values in interface fields, so a panicking comparison is
// treated as unequal.
func same(a, b export.Handler) (eq bool) {
	if !reflect.TypeOf(a).Comparable() {
		return false
	}
	defer func() {
		if recover() != nil {
			eq = false
		}
	}()
	return a == b
}

func (p *Publisher) remove(match func(*entry) bool) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	old := *p.entries.Load()
	next := slices.DeleteFunc(slices.Clone(old), match)
	if len(next) == len(old) {
		return false
	}
	p.entries.Store(&next)
	return true
}

// Len returns the number of subscriptions.
func (p *Publisher) Len() int {
	return len(*p.entries.Load())
}

// Handlers returns the subscribed handlers in subscription order.
func (p *Publisher) Handlers() []export.Handler {
	entries := *p.entries.Load()
	out := make([]export.Handler, len(entries))
	for i, e := range entries {
		out[i] = e.h
	}
	return out
}

// Publish delivers t to every subscribed handler, or to the fallback
// handler when there are none.
//
// Every handler is called even if earlier ones fail or panic. Failures are
// logged and joined into the returned error. Publish itself never panics.
func (p *Publisher) Publish(t *calltree.Trace) error {
	if t == nil {
		return nil
	}

	var last bool
	if p.limit > 0 {
		n := p.reserved.Add(1)
		if n > p.limit {
			p.stats.TraceDropped()
			return ErrLimitReached
		}
		last = n == p.limit
	}

	entries := *p.entries.Load()
	if len(entries) == 0 && p.fallback != nil {
		entries = []*entry{{h: p.fallback, name: "fallback"}}
	}

	var err error
	for _, e := range entries {
		err = errors.Join(err, p.deliver(e, t))
	}
	p.published.Add(1)

	if last {
		p.doneOnce.Do(func() { close(p.done) })
	}
	return err
}

func (p *Publisher) deliver(e *entry, t *calltree.Trace) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler %s panicked: %v", e.name, r)
		}
		if err != nil {
			p.logger.Error("failed to deliver trace", "handler", e.name, "trace", t.ID(), "error", err)
			p.stats.ListenerError(e.name)
		}
	}()
	return e.h.Handle(t)
}

// Published returns the number of traces published. Traces dropped after
// the limit was reached are not counted.
func (p *Publisher) Published() int64 {
	return p.published.Load()
}

// Done is closed once the trace limit is reached. It is never closed when
// the Publisher has no limit.
func (p *Publisher) Done() <-chan struct{} {
	return p.done
}

// Shutdown shuts down the subscribed handlers and the fallback handler.
// Subscriptions are kept.
func (p *Publisher) Shutdown(ctx context.Context) error {
	hs := p.Handlers()
	if p.fallback != nil {
		hs = append(hs, p.fallback)
	}
	return export.Shutdown(ctx, hs...)
}
