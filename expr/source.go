// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package expr

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

type sourceRoot int

const (
	rootBuiltin sourceRoot = iota
	rootReceiver
	rootArg
	rootReturn
)

const (
	receiverKeyword = "this"
	returnKeyword   = "returnValue"
	argsKeyword     = "args"
)

var (
	segmentRe = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*(\(\))?$`)
	argRe     = regexp.MustCompile(`^args\[(\d+)\]`)
)

// Source is a compiled source expression.
type Source struct {
	text    string
	root    sourceRoot
	builtin string
	index   int
	path    []string
}

// CompileSource parses text as a source expression. An error wrapping
// [ErrUnsupportedExpression] is returned for anything outside the grammar.
func CompileSource(text string) (*Source, error) {
	s := strings.TrimSpace(text)
	src := &Source{text: s}

	switch s {
	case StartTime, EndTime, ExecutionTime, ThreadName:
		src.builtin = s
		return src, nil
	case "":
		return nil, unsupported(text, "empty source")
	}

	var rest string
	switch {
	case strings.HasPrefix(s, receiverKeyword+"."):
		src.root = rootReceiver
		rest = strings.TrimPrefix(s, receiverKeyword+".")
		if rest == "" {
			return nil, unsupported(text, "missing accessor after %q", receiverKeyword)
		}
	case s == returnKeyword:
		src.root = rootReturn
		return src, nil
	case strings.HasPrefix(s, returnKeyword+"."):
		src.root = rootReturn
		rest = strings.TrimPrefix(s, returnKeyword+".")
		if rest == "" {
			return nil, unsupported(text, "missing accessor after %q", returnKeyword)
		}
	case strings.HasPrefix(s, argsKeyword+"["):
		m := argRe.FindStringSubmatch(s)
		if m == nil {
			return nil, unsupported(text, "malformed argument index")
		}
		idx, err := strconv.Atoi(m[1])
		if err != nil {
			return nil, unsupported(text, "argument index: %v", err)
		}
		src.root, src.index = rootArg, idx
		rest = s[len(m[0]):]
		if rest == "" {
			return src, nil
		}
		var ok bool
		if rest, ok = strings.CutPrefix(rest, "."); !ok || rest == "" {
			return nil, unsupported(text, "unexpected %q after argument index", rest)
		}
	default:
		return nil, unsupported(text, "unknown source")
	}

	for _, seg := range strings.Split(rest, ".") {
		if !segmentRe.MatchString(seg) {
			return nil, unsupported(text, "invalid accessor %q", seg)
		}
		src.path = append(src.path, strings.TrimSuffix(seg, "()"))
	}
	return src, nil
}

// String returns the expression text.
func (s *Source) String() string { return s.text }

// Eval evaluates s against snap using r to resolve accessors. If r is nil
// [DefaultResolver] is used.
//
// A missing member anywhere along an accessor chain, or an out of range
// argument index, yields a nil value and a nil error. Panics raised by
// accessors are returned as errors wrapping [ErrEvaluation].
func (s *Source) Eval(snap Snapshot, r Resolver) (out any, err error) {
	if r == nil {
		r = DefaultResolver
	}
	defer func() {
		if p := recover(); p != nil {
			out, err = nil, evalErr(s.text, fmt.Errorf("%w: accessor panicked: %v", ErrEvaluation, p))
		}
	}()

	var v any
	switch s.root {
	case rootBuiltin:
		return snap.builtin(s.builtin), nil
	case rootReceiver:
		v = snap.Receiver
	case rootReturn:
		v = snap.ReturnValue
	case rootArg:
		if s.index >= len(snap.Args) {
			return nil, nil
		}
		v = snap.Args[s.index]
	}

	for _, name := range s.path {
		var ok bool
		if v, ok = r.ResolveAccessor(v, name); !ok {
			return nil, nil
		}
	}
	return Normalize(v), nil
}

// EvalSource compiles and evaluates text in one step.
func EvalSource(text string, snap Snapshot, r Resolver) (any, error) {
	s, err := CompileSource(text)
	if err != nil {
		return nil, err
	}
	return s.Eval(snap, r)
}
