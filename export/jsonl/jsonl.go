// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

// Package jsonl writes completed traces as JSON lines, one trace per line.
package jsonl

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/traceflow/traceflow/calltree"
	"github.com/traceflow/traceflow/export"
)

// Handler encodes every trace it handles as a [calltree.TraceSnapshot].
type Handler struct {
	mu     sync.Mutex
	enc    *json.Encoder
	closer io.Closer
	closed bool
}

var (
	_ export.Handler    = (*Handler)(nil)
	_ export.Shutdowner = (*Handler)(nil)
)

// New returns a Handler writing to w. Shutdown does not close w.
func New(w io.Writer) *Handler {
	return &Handler{enc: json.NewEncoder(w)}
}

// Create returns a Handler appending to the file at path, creating it if
// needed. Shutdown closes the file.
func Create(path string) (*Handler, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open trace output: %w", err)
	}
	h := New(f)
	h.closer = f
	return h, nil
}

var errClosed = errors.New("jsonl handler is shut down")

func (h *Handler) Handle(t *calltree.Trace) error {
	snap := t.Snapshot()

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return errClosed
	}
	return h.enc.Encode(snap)
}

// Shutdown stops the Handler. Later traces are rejected.
func (h *Handler) Shutdown(context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil
	}
	h.closed = true
	if h.closer != nil {
		return h.closer.Close()
	}
	return nil
}
