// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package expr

import "time"

// Snapshot holds the inputs available to a source expression for one enter
// or exit evaluation. It is built fresh for every evaluation.
type Snapshot struct {
	Receiver    any
	Args        []any
	ReturnValue any
	Err         error
	Start       time.Time
	End         time.Time
	Thread      string
}

// Builtin variable names.
const (
	StartTime     = "startTime"
	EndTime       = "endTime"
	ExecutionTime = "executionTime"
	ThreadName    = "threadName"
)

func (s Snapshot) builtin(name string) any {
	switch name {
	case StartTime:
		return millis(s.Start)
	case EndTime:
		return millis(s.End)
	case ExecutionTime:
		if s.End.IsZero() || s.Start.IsZero() {
			return int64(0)
		}
		return s.End.Sub(s.Start).Milliseconds()
	case ThreadName:
		return s.Thread
	}
	return nil
}

func millis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}
