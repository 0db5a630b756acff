// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

// Package export defines the consumers completed traces are published to.
//
// Traces passed to a [Handler] are complete and must be treated as
// read-only. A Handler may be called concurrently from every traced
// goroutine.
package export

import (
	"context"
	"errors"

	"github.com/traceflow/traceflow/calltree"
)

// Handler consumes completed traces.
type Handler interface {
	Handle(*calltree.Trace) error
}

// HandlerFunc is a function adapter for [Handler].
type HandlerFunc func(*calltree.Trace) error

// Handle calls f(t).
func (f HandlerFunc) Handle(t *calltree.Trace) error { return f(t) }

// Shutdowner is implemented by handlers that hold resources which must be
// released, such as network connections or open files.
type Shutdowner interface {
	Shutdown(context.Context) error
}

// Shutdown shuts down every handler in hs that implements [Shutdowner]. All
// handlers are shut down even if some fail; the errors are joined.
func Shutdown(ctx context.Context, hs ...Handler) error {
	var err error
	for _, h := range hs {
		if s, ok := h.(Shutdowner); ok {
			err = errors.Join(err, s.Shutdown(ctx))
		}
	}
	return err
}
