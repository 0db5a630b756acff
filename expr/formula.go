// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package expr

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"unicode"
)

const metricsPrefix = "metrics."

var metricNameRe = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

type operand struct {
	ref     string // metric name when the operand is a reference
	literal any
}

func (o operand) value(metrics map[string]any) any {
	if o.ref == "" {
		return o.literal
	}
	v, ok := metrics[o.ref]
	if !ok || v == nil {
		return int64(0)
	}
	return v
}

// Formula is a compiled formula expression.
type Formula struct {
	text  string
	left  operand
	op    byte
	right operand
}

// CompileFormula parses text as a formula. Operands are metric references
// (metrics.<name>), numbers, or quoted strings; operators must be separated
// from their operands by whitespace.
func CompileFormula(text string) (*Formula, error) {
	tokens, err := tokenize(text)
	if err != nil {
		return nil, err
	}

	f := &Formula{text: strings.TrimSpace(text)}
	switch len(tokens) {
	case 1:
		f.left, err = parseOperand(text, tokens[0])
		return f, err
	case 3:
		op := tokens[1]
		if len(op) != 1 || !strings.ContainsAny(op, "+-*/") {
			return nil, unsupported(text, "expected operator, got %q", op)
		}
		f.op = op[0]
		if f.left, err = parseOperand(text, tokens[0]); err != nil {
			return nil, err
		}
		if f.right, err = parseOperand(text, tokens[2]); err != nil {
			return nil, err
		}
		return f, nil
	case 0:
		return nil, unsupported(text, "empty formula")
	default:
		return nil, unsupported(text, "a formula applies exactly one binary operator")
	}
}

func tokenize(text string) ([]string, error) {
	var (
		out   []string
		buf   strings.Builder
		quote rune
	)
	flush := func() {
		if buf.Len() > 0 {
			out = append(out, buf.String())
			buf.Reset()
		}
	}
	for _, r := range text {
		switch {
		case quote != 0:
			buf.WriteRune(r)
			if r == quote {
				quote = 0
			}
		case r == '\'' || r == '"':
			quote = r
			buf.WriteRune(r)
		case unicode.IsSpace(r):
			flush()
		default:
			buf.WriteRune(r)
		}
	}
	if quote != 0 {
		return nil, unsupported(text, "unterminated string")
	}
	flush()
	return out, nil
}

func parseOperand(text, tok string) (operand, error) {
	if name, ok := strings.CutPrefix(tok, metricsPrefix); ok {
		if !metricNameRe.MatchString(name) {
			return operand{}, unsupported(text, "invalid metric reference %q", tok)
		}
		return operand{ref: name}, nil
	}
	if n := len(tok); n >= 2 && (tok[0] == '\'' || tok[0] == '"') && tok[n-1] == tok[0] {
		return operand{literal: tok[1 : n-1]}, nil
	}
	if strings.ContainsAny(tok, "+*/") && !isNumber(tok) {
		return operand{}, unsupported(text, "operators must be separated by whitespace")
	}
	return operand{literal: coerce(tok)}, nil
}

func isNumber(s string) bool {
	_, err := strconv.ParseFloat(s, 64)
	return err == nil
}

// String returns the formula text.
func (f *Formula) String() string { return f.text }

// References returns the names of the metrics f reads, in order.
func (f *Formula) References() []string {
	var out []string
	for _, o := range []operand{f.left, f.right} {
		if o.ref != "" {
			out = append(out, o.ref)
		}
	}
	return out
}

// Eval evaluates f against the collected metric values. Missing metrics
// read as 0.
//
// Both operands are first tried as integers, then as floating point
// numbers. Division always produces a float64. When the operands are not
// numeric, + concatenates their text and every other operator fails with
// [ErrEvaluation].
func (f *Formula) Eval(metrics map[string]any) (any, error) {
	l := Format(f.left.value(metrics))
	if f.op == 0 {
		return coerce(l), nil
	}
	r := Format(f.right.value(metrics))

	if f.op == '/' {
		lf, lok := AsFloat(l)
		rf, rok := AsFloat(r)
		if !lok || !rok {
			return nil, evalErr(f.text, fmt.Errorf("%w: non-numeric operands %q / %q", ErrEvaluation, l, r))
		}
		if rf == 0 {
			return nil, evalErr(f.text, ErrDivisionByZero)
		}
		return lf / rf, nil
	}

	if li, ok := AsInt(l); ok {
		if ri, ok := AsInt(r); ok {
			switch f.op {
			case '+':
				return li + ri, nil
			case '-':
				return li - ri, nil
			case '*':
				return li * ri, nil
			}
		}
	}

	if lf, ok := AsFloat(l); ok {
		if rf, ok := AsFloat(r); ok {
			switch f.op {
			case '+':
				return lf + rf, nil
			case '-':
				return lf - rf, nil
			case '*':
				return lf * rf, nil
			}
		}
	}

	if f.op == '+' {
		return l + r, nil
	}
	return nil, evalErr(f.text, fmt.Errorf("%w: non-numeric operands %q %c %q", ErrEvaluation, l, f.op, r))
}

// EvalFormula compiles and evaluates text in one step.
func EvalFormula(text string, metrics map[string]any) (any, error) {
	f, err := CompileFormula(text)
	if err != nil {
		return nil, err
	}
	return f.Eval(metrics)
}

// ReferencedMetrics returns the metric names referenced by text. It returns
// nil if text is not a valid formula.
func ReferencedMetrics(text string) []string {
	f, err := CompileFormula(text)
	if err != nil {
		return nil
	}
	return f.References()
}
