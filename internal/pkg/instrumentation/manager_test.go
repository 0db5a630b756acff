// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package instrumentation

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/traceflow/traceflow/config"
	"github.com/traceflow/traceflow/probe"
)

type fakeProvider struct {
	initial  config.Config
	updates  chan config.Config
	shutdown bool
}

func newFakeProvider(defs ...probe.Definition) *fakeProvider {
	return &fakeProvider{
		initial: config.Config{Probes: defs},
		updates: make(chan config.Config),
	}
}

func (p *fakeProvider) InitialConfig(context.Context) config.Config { return p.initial }
func (p *fakeProvider) Watch() <-chan config.Config                { return p.updates }

func (p *fakeProvider) Shutdown(context.Context) error {
	p.shutdown = true
	return nil
}

func fakeManager(t *testing.T, cp config.Provider) *Manager {
	t.Helper()
	m, err := NewManager(discard, cp, nil)
	require.NoError(t, err)
	return m
}

func TestNewManagerRequiresProvider(t *testing.T) {
	_, err := NewManager(discard, nil, nil)
	assert.Error(t, err)
}

func TestManagerLoad(t *testing.T) {
	m := fakeManager(t, newFakeProvider(serviceProbe()))
	assert.Nil(t, m.Resolve(CallSite{Class: "com.acme.UserService", Method: "getUser"}), "nothing resolves before Load")

	require.NoError(t, m.Load(context.Background()))
	assert.NotNil(t, m.Resolve(CallSite{Class: "com.acme.UserService", Method: "getUser"}))
	assert.Equal(t, 1, m.Index().Len())

	assert.Error(t, m.Load(context.Background()), "Load twice")
}

func TestManagerRunRequiresLoad(t *testing.T) {
	m := fakeManager(t, newFakeProvider())
	assert.Error(t, m.Run(context.Background()))
}

func TestManagerConfigLoop(t *testing.T) {
	cp := newFakeProvider(serviceProbe())
	m := fakeManager(t, cp)
	applied := make(chan *Index, 1)
	m.onApply = func(ix *Index, _ error) { applied <- ix }

	ctx := context.Background()
	require.NoError(t, m.Load(ctx))
	<-applied

	done := make(chan error)
	go func() { done <- m.Run(ctx) }()

	getUser := CallSite{Class: "com.acme.UserService", Method: "getUser"}
	before := m.Resolve(getUser)
	require.NotNil(t, before)

	other := serviceProbe()
	other.Name = "other"
	other.Targets[0].Class = "com.acme.Gateway"
	cp.updates <- config.Config{Probes: []probe.Definition{other}}

	select {
	case ix := <-applied:
		assert.Same(t, ix, m.Index())
	case <-time.After(5 * time.Second):
		t.Fatal("configuration not applied")
	}
	assert.Nil(t, m.Resolve(getUser), "stale cache entries are dropped on reload")
	assert.NotNil(t, m.Resolve(CallSite{Class: "com.acme.Gateway", Method: "getRoute"}))

	close(cp.updates)
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after the provider closed")
	}

	require.NoError(t, m.Stop(ctx))
	assert.True(t, cp.shutdown)
	assert.NoError(t, m.Stop(ctx))
}

func TestManagerConfigLoopContext(t *testing.T) {
	m := fakeManager(t, newFakeProvider())
	require.NoError(t, m.Load(context.Background()))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.NoError(t, m.Run(ctx))
}

func TestManagerApplyReportsInvalidProbes(t *testing.T) {
	m := fakeManager(t, newFakeProvider())
	bad := serviceProbe()
	bad.Metrics = nil

	err := m.Apply([]probe.Definition{bad, serviceProbe()})
	assert.ErrorIs(t, err, probe.ErrConfiguration)
	assert.Equal(t, 1, m.Index().Len())
}
