// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

// Package expr implements the two metric expression languages used by
// probes.
//
// A source expression extracts a single value from an execution [Snapshot]:
//
//	startTime | endTime | executionTime | threadName
//	this.<accessor>[.<accessor>...]
//	args[N][.<accessor>...]
//	returnValue[.<accessor>...]
//
// A formula expression combines already collected metric values with at most
// one binary operator:
//
//	metrics.bytes / metrics.count
//
// Both languages are evaluated without any shared state, so evaluating the
// same expression against the same input always yields the same result.
package expr

import (
	"errors"
	"fmt"
)

var (
	// ErrUnsupportedExpression is returned when an expression does not
	// follow the grammar of its language.
	ErrUnsupportedExpression = errors.New("unsupported expression")
	// ErrEvaluation is returned when a well-formed expression fails at
	// runtime.
	ErrEvaluation = errors.New("expression evaluation failed")
	// ErrDivisionByZero is returned by formulas dividing by zero.
	ErrDivisionByZero = errors.New("division by zero")
)

// Error describes a failure of a single expression.
type Error struct {
	// Expr is the expression text.
	Expr string
	// Err is the underlying failure. It wraps one of
	// ErrUnsupportedExpression, ErrEvaluation, or ErrDivisionByZero.
	Err error
}

func (e *Error) Error() string {
	return fmt.Sprintf("expression %q: %v", e.Expr, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

func unsupported(expr, format string, args ...any) error {
	return &Error{
		Expr: expr,
		Err:  fmt.Errorf("%w: "+format, append([]any{ErrUnsupportedExpression}, args...)...),
	}
}

func evalErr(expr string, err error) error {
	return &Error{Expr: expr, Err: err}
}
