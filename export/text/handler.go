// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package text

import (
	"context"
	"io"
	"log/slog"
	"sync"

	"github.com/traceflow/traceflow/calltree"
	"github.com/traceflow/traceflow/export"
)

// Handler writes rendered traces to an [io.Writer]. Writes are serialized so
// concurrently published traces do not interleave.
type Handler struct {
	mu   sync.Mutex
	w    io.Writer
	opts []Option
}

var _ export.Handler = (*Handler)(nil)

// NewHandler returns a Handler writing to w.
func NewHandler(w io.Writer, opts ...Option) *Handler {
	return &Handler{w: w, opts: opts}
}

func (h *Handler) Handle(t *calltree.Trace) error {
	out := Sprint(t, h.opts...)

	h.mu.Lock()
	defer h.mu.Unlock()
	_, err := io.WriteString(h.w, out)
	return err
}

// LogHandler logs rendered traces. It is the fallback used when no handler
// is subscribed.
type LogHandler struct {
	logger *slog.Logger
	level  slog.Level
}

var _ export.Handler = (*LogHandler)(nil)

// NewLogHandler returns a LogHandler logging at level.
func NewLogHandler(logger *slog.Logger, level slog.Level) *LogHandler {
	return &LogHandler{logger: logger, level: level}
}

func (h *LogHandler) Handle(t *calltree.Trace) error {
	ctx := context.Background()
	if !h.logger.Enabled(ctx, h.level) {
		return nil
	}
	h.logger.Log(ctx, h.level, "trace completed",
		"trace", t.ID(),
		"thread", t.Thread(),
		"nodes", t.TotalNodes(),
		"duration", t.Duration(),
		"tree", Sprint(t, WithoutAttributes()),
	)
	return nil
}
