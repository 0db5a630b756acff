// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

// Package text renders completed traces as indented call trees.
//
// A rendered trace looks like:
//
//	trace trace-1-1f3a9c0e thread=main nodes=3 duration=182ms
//	[CONTROLLER] shop.OrderController.place (182ms) slow
//	│   url: /api/orders
//	├── [SERVICE] shop.OrderService.validate (12ms) ok
//	└── [REPOSITORY] shop.OrderRepository.save (160ms) notice
//	        rows: 1
package text

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/traceflow/traceflow/calltree"
	"github.com/traceflow/traceflow/expr"
)

// Duration classes.
const (
	Slow   = "slow"
	Warn   = "warn"
	Notice = "notice"
	OK     = "ok"
)

// DurationClass classifies d for display.
func DurationClass(d time.Duration) string {
	switch ms := d.Milliseconds(); {
	case ms >= 1000:
		return Slow
	case ms >= 500:
		return Warn
	case ms >= 100:
		return Notice
	default:
		return OK
	}
}

var ansi = map[string]string{
	"BLACK":   "30",
	"RED":     "31",
	"GREEN":   "32",
	"YELLOW":  "33",
	"BLUE":    "34",
	"MAGENTA": "35",
	"PURPLE":  "35",
	"CYAN":    "36",
	"WHITE":   "37",
}

// Option configures rendering.
type Option func(*renderer)

// WithColor enables ANSI colors for node types, using each probe's output
// color. Unknown colors and DEFAULT are rendered plain.
func WithColor(on bool) Option {
	return func(r *renderer) { r.color = on }
}

// WithoutAttributes omits attribute lines.
func WithoutAttributes() Option {
	return func(r *renderer) { r.attrs = false }
}

type renderer struct {
	b     strings.Builder
	color bool
	attrs bool
}

// Render writes t to w.
func Render(w io.Writer, t *calltree.Trace, opts ...Option) error {
	_, err := io.WriteString(w, Sprint(t, opts...))
	return err
}

// Sprint returns the rendering of t.
func Sprint(t *calltree.Trace, opts ...Option) string {
	r := &renderer{attrs: true}
	for _, opt := range opts {
		opt(r)
	}

	fmt.Fprintf(&r.b, "trace %s thread=%s nodes=%d duration=%s\n",
		t.ID(), t.Thread(), t.TotalNodes(), millis(t.Duration()))
	for _, root := range t.Roots() {
		r.node(root, "", "", "")
	}
	return r.b.String()
}

// node writes n. lead is written before n's own line, and indent before the
// lines that belong to n (its attributes and children).
func (r *renderer) node(n *calltree.Node, lead, connector, indent string) {
	r.b.WriteString(lead)
	r.b.WriteString(connector)
	r.b.WriteString(r.label(n))
	r.b.WriteString(" ")
	r.b.WriteString(n.Signature())
	if n.Ended() {
		fmt.Fprintf(&r.b, " (%s) %s", millis(n.Duration()), DurationClass(n.Duration()))
	} else {
		r.b.WriteString(" (open)")
	}
	if err := n.Err(); err != nil {
		fmt.Fprintf(&r.b, " error=%q", err.Error())
	}
	r.b.WriteString("\n")

	children := n.Children()
	if r.attrs {
		bar := "    "
		if len(children) > 0 {
			bar = "│   "
		}
		for _, k := range n.AttributeNames() {
			v, _ := n.Attr(k)
			fmt.Fprintf(&r.b, "%s%s%s%s: %s\n", lead, indent, bar, k, expr.Format(v))
		}
	}

	for i, c := range children {
		last := i == len(children)-1
		conn, next := "├── ", "│   "
		if last {
			conn, next = "└── ", "    "
		}
		r.node(c, lead+indent, conn, next)
	}
}

func (r *renderer) label(n *calltree.Node) string {
	label := "[" + n.Type() + "]"
	if !r.color {
		return label
	}
	code, ok := ansi[strings.ToUpper(n.Color())]
	if !ok {
		return label
	}
	return "\x1b[" + code + "m" + label + "\x1b[0m"
}

func millis(d time.Duration) string {
	return fmt.Sprintf("%dms", d.Milliseconds())
}
