// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/traceflow/traceflow"
)

// event is one recorded notification. Exactly one of Enter, Exit or Error
// is set.
type event struct {
	Thread string `yaml:"thread"`
	// At is the time of the event in milliseconds since the start of the
	// recording. Events without it happen 1ms after the previous one.
	At *int64 `yaml:"at,omitempty"`

	// Enter is the "<class>.<method>" signature of the entered call.
	Enter         string   `yaml:"enter,omitempty"`
	Receiver      any      `yaml:"receiver,omitempty"`
	Args          []any    `yaml:"args,omitempty"`
	ClassMarkers  []string `yaml:"classMarkers,omitempty"`
	MethodMarkers []string `yaml:"methodMarkers,omitempty"`
	Supertypes    []string `yaml:"supertypes,omitempty"`

	// Exit marks the normal return of the innermost open call of Thread.
	Exit   bool `yaml:"exit,omitempty"`
	Return any  `yaml:"return,omitempty"`

	// Error marks the failure of the innermost open call of Thread.
	Error string `yaml:"error,omitempty"`
}

type recording struct {
	Events []event `yaml:"events"`
}

func (e event) validate() error {
	n := 0
	if e.Enter != "" {
		n++
		if !strings.Contains(e.Enter, ".") {
			return fmt.Errorf("enter %q: want <class>.<method>", e.Enter)
		}
	}
	if e.Exit {
		n++
	}
	if e.Error != "" {
		n++
	}
	if n != 1 {
		return errors.New("exactly one of enter, exit or error must be set")
	}
	if e.Thread == "" {
		return errors.New("thread is required")
	}
	return nil
}

func (e event) site() traceflow.CallSite {
	i := strings.LastIndexByte(e.Enter, '.')
	return traceflow.CallSite{
		Class:         e.Enter[:i],
		Method:        e.Enter[i+1:],
		Receiver:      e.Receiver,
		Args:          e.Args,
		ClassMarkers:  e.ClassMarkers,
		MethodMarkers: e.MethodMarkers,
		Supertypes:    e.Supertypes,
	}
}

func decodeEvents(r io.Reader) ([]event, error) {
	var rec recording
	if err := yaml.NewDecoder(r).Decode(&rec); err != nil {
		return nil, fmt.Errorf("decode events: %w", err)
	}
	var err error
	for i, e := range rec.Events {
		if e2 := e.validate(); e2 != nil {
			err = errors.Join(err, fmt.Errorf("event %d: %w", i, e2))
		}
	}
	return rec.Events, err
}

func loadEvents(path string) ([]event, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return decodeEvents(f)
}

// replayer feeds events to an engine, keeping the handles of open calls
// per thread.
type replayer struct {
	engine *traceflow.Engine
	base   time.Time
	now    time.Time
	open   map[string][]*traceflow.Handle
}

func newReplayer(base time.Time) *replayer {
	return &replayer{base: base, now: base, open: make(map[string][]*traceflow.Handle)}
}

// Now is the engine clock. It returns the time of the event being replayed.
func (r *replayer) Now() time.Time { return r.now }

func (r *replayer) replay(e event) {
	if e.At != nil {
		r.now = r.base.Add(time.Duration(*e.At) * time.Millisecond)
	} else {
		r.now = r.now.Add(time.Millisecond)
	}

	if e.Enter != "" {
		// Untraced calls keep a nil handle so exits stay paired.
		h := r.engine.OnEnter(traceflow.ThreadID(e.Thread), e.site())
		r.open[e.Thread] = append(r.open[e.Thread], h)
		return
	}

	stack := r.open[e.Thread]
	if len(stack) == 0 {
		return
	}
	h := stack[len(stack)-1]
	r.open[e.Thread] = stack[:len(stack)-1]
	if e.Error != "" {
		r.engine.OnExitWithException(h, errors.New(e.Error))
		return
	}
	r.engine.OnExit(h, e.Return)
}

// unfinished returns the number of calls still open.
func (r *replayer) unfinished() int {
	n := 0
	for _, s := range r.open {
		n += len(s)
	}
	return n
}
