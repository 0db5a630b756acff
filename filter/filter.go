// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

// Package filter evaluates the predicates that decide whether a completed
// trace is emitted.
//
// Supported predicates, where name is a metric attribute of the trace root:
//
//	name > 100
//	name < 2.5
//	name == value      (quotes around value are optional)
//	name.contains('s')
//	name.startsWith('s')
//	true | false
//
// Operands are a single quoted string or a bare token. Predicates cannot be
// combined. An empty predicate matches everything.
package filter

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/traceflow/traceflow/expr"
)

var (
	// ErrUnsupportedPredicate is returned when a predicate does not have one
	// of the supported shapes.
	ErrUnsupportedPredicate = errors.New("unsupported predicate")
	// ErrEvaluation is returned alongside a match when evaluating a
	// predicate failed internally.
	ErrEvaluation = errors.New("filter evaluation failed")
)

type kind int

const (
	kindAlways kind = iota
	kindNever
	kindGreater
	kindLess
	kindEqual
	kindContains
	kindPrefix
)

// operand is a single quoted string or a bare token. Operators and
// parentheses never appear in a bare token, so composite predicates are
// rejected instead of read as one long operand.
const operand = `('[^']*'|"[^"]*"|[^\s'"()&|=<>!]+)`

var (
	callRe    = regexp.MustCompile(`^([A-Za-z_][A-Za-z0-9_]*)\.(contains|startsWith)\(\s*` + operand + `\s*\)$`)
	compareRe = regexp.MustCompile(`^([A-Za-z_][A-Za-z0-9_]*)\s*(==|>|<)\s*` + operand + `$`)
)

// Predicate is a compiled filter predicate. The nil *Predicate matches
// everything.
type Predicate struct {
	text   string
	kind   kind
	name   string
	number float64
	value  string
}

// Compile parses text. It returns an error wrapping ErrUnsupportedPredicate
// if text is not a supported predicate.
func Compile(text string) (*Predicate, error) {
	s := strings.TrimSpace(text)
	p := &Predicate{text: s}

	switch s {
	case "", "true":
		return p, nil
	case "false":
		p.kind = kindNever
		return p, nil
	}

	if m := callRe.FindStringSubmatch(s); m != nil {
		p.name, p.value = m[1], unquote(m[3])
		p.kind = kindContains
		if m[2] == "startsWith" {
			p.kind = kindPrefix
		}
		return p, nil
	}

	if m := compareRe.FindStringSubmatch(s); m != nil {
		p.name = m[1]
		arg := m[3]
		switch m[2] {
		case "==":
			p.kind, p.value = kindEqual, unquote(arg)
			return p, nil
		case ">":
			p.kind = kindGreater
		case "<":
			p.kind = kindLess
		}
		n, err := strconv.ParseFloat(arg, 64)
		if err != nil {
			return nil, fmt.Errorf("%w: %q: %q is not a number", ErrUnsupportedPredicate, s, arg)
		}
		p.number = n
		return p, nil
	}

	return nil, fmt.Errorf("%w: %q", ErrUnsupportedPredicate, s)
}

// Validate reports whether text is a supported predicate.
func Validate(text string) error {
	_, err := Compile(text)
	return err
}

func unquote(s string) string {
	if n := len(s); n >= 2 && (s[0] == '\'' || s[0] == '"') && s[n-1] == s[0] {
		return s[1 : n-1]
	}
	return s
}

// String returns the predicate text.
func (p *Predicate) String() string {
	if p == nil {
		return ""
	}
	return p.text
}

// Match evaluates p against attrs.
//
// A missing or non-numeric attribute does not match a numeric comparison.
// If evaluation fails internally, Match returns true together with an error
// wrapping ErrEvaluation so traces are not dropped silently.
func (p *Predicate) Match(attrs map[string]any) (matched bool, err error) {
	if p == nil {
		return true, nil
	}
	defer func() {
		if r := recover(); r != nil {
			matched, err = true, fmt.Errorf("%w: %q: %v", ErrEvaluation, p.text, r)
		}
	}()

	switch p.kind {
	case kindAlways:
		return true, nil
	case kindNever:
		return false, nil
	}

	v, ok := attrs[p.name]
	if !ok || v == nil {
		return false, nil
	}

	switch p.kind {
	case kindGreater, kindLess:
		f, ok := expr.AsFloat(v)
		if !ok {
			return false, nil
		}
		if p.kind == kindGreater {
			return f > p.number, nil
		}
		return f < p.number, nil
	case kindEqual:
		return expr.Format(v) == p.value, nil
	case kindContains:
		return strings.Contains(expr.Format(v), p.value), nil
	case kindPrefix:
		return strings.HasPrefix(expr.Format(v), p.value), nil
	}
	return true, fmt.Errorf("%w: %q: unknown predicate kind %d", ErrEvaluation, p.text, p.kind)
}

// Matches compiles and evaluates text against attrs. Predicates that fail to
// compile or evaluate are treated as matching.
func Matches(text string, attrs map[string]any) bool {
	p, err := Compile(text)
	if err != nil {
		return true
	}
	ok, _ := p.Match(attrs)
	return ok
}
