// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package instrumentation

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/traceflow/traceflow/config"
	"github.com/traceflow/traceflow/internal/pkg/stats"
	"github.com/traceflow/traceflow/probe"
)

type managerState int

const (
	managerStateUninitialized managerState = iota
	managerStateLoaded
	managerStateRunning
	managerStateStopped
)

// Manager owns the active [Index] and rebuilds it when the configuration
// changes.
type Manager struct {
	logger *slog.Logger
	cp     config.Provider
	stats  *stats.Stats

	index atomic.Pointer[Index]

	// onApply is called after every configuration change. Used by tests.
	onApply func(*Index, error)

	state   managerState
	stateMu sync.Mutex
}

// NewManager returns a new [Manager] reading configuration from cp. st may
// be nil.
func NewManager(logger *slog.Logger, cp config.Provider, st *stats.Stats) (*Manager, error) {
	if cp == nil {
		return nil, errors.New("no config provider set")
	}
	return &Manager{logger: logger, cp: cp, stats: st}, nil
}

// Load builds the index from the provider's initial configuration. Invalid
// probes are skipped; their errors are logged, not returned.
func (m *Manager) Load(ctx context.Context) error {
	m.stateMu.Lock()
	defer m.stateMu.Unlock()

	if m.state != managerStateUninitialized {
		return errors.New("manager already loaded")
	}

	cfg := m.cp.InitialConfig(ctx)
	_ = m.Apply(cfg.Probes)
	m.state = managerStateLoaded
	return nil
}

// Apply replaces the active index with one built from defs. The error joins
// the configuration errors of the skipped probes.
func (m *Manager) Apply(defs []probe.Definition) error {
	ix, err := NewIndex(m.logger, defs)
	m.index.Store(ix)
	m.logger.Info("probe index built", "probes", ix.Len(), "skipped", len(defs)-ix.Len())
	m.stats.IndexReloaded(err == nil)
	if m.onApply != nil {
		m.onApply(ix, err)
	}
	return err
}

// Resolve resolves site against the active index. It returns nil if site is
// not traced.
func (m *Manager) Resolve(site CallSite) *Resolution {
	return m.index.Load().Resolve(site)
}

// Index returns the active index.
func (m *Manager) Index() *Index {
	return m.index.Load()
}

// ConfigLoop applies configuration updates until ctx is done or the
// provider stops sending them.
func (m *Manager) ConfigLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case c, ok := <-m.cp.Watch():
			if !ok {
				m.logger.Info("Configuration provider closed, configuration updates will no longer be received")
				return
			}
			if err := m.Apply(c.Probes); err != nil {
				m.logger.Warn("configuration applied with invalid probes", "error", err)
			}
		}
	}
}

// Run applies configuration updates until ctx is done or the provider
// closes. Load must be called first.
func (m *Manager) Run(ctx context.Context) error {
	m.stateMu.Lock()
	if m.state != managerStateLoaded {
		m.stateMu.Unlock()
		return errors.New("manager is not loaded, call Load before Run")
	}
	m.state = managerStateRunning
	m.stateMu.Unlock()

	m.ConfigLoop(ctx)
	return nil
}

// Stop shuts down the configuration provider.
func (m *Manager) Stop(ctx context.Context) error {
	m.stateMu.Lock()
	defer m.stateMu.Unlock()

	if m.state == managerStateStopped {
		return nil
	}
	m.state = managerStateStopped
	return m.cp.Shutdown(ctx)
}
