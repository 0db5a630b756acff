// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

// Package config provides the probe definitions a traceflow engine resolves
// calls against, and updates to them.
package config

import (
	"context"
	"slices"

	"github.com/traceflow/traceflow/probe"
)

// Config is a complete set of probe definitions. Definitions are matched in
// the order they appear.
type Config struct {
	Probes []probe.Definition
}

// Provider provides the initial configuration and updates to it.
type Provider interface {
	// InitialConfig returns the initial configuration.
	InitialConfig(ctx context.Context) Config
	// Watch returns a channel that receives configuration updates. The
	// channel is closed when no more updates will be sent.
	Watch() <-chan Config
	// Shutdown releases any resources held by the provider.
	Shutdown(ctx context.Context) error
}

type staticProvider struct {
	cfg Config
}

// NewProvider returns a provider that supplies defs as the initial
// configuration and never sends updates.
func NewProvider(defs ...probe.Definition) Provider {
	return &staticProvider{cfg: Config{Probes: slices.Clone(defs)}}
}

// NewNoopProvider returns a provider with no probes and no updates.
func NewNoopProvider() Provider {
	return &staticProvider{}
}

func (p *staticProvider) InitialConfig(_ context.Context) Config {
	return Config{Probes: slices.Clone(p.cfg.Probes)}
}

func (p *staticProvider) Watch() <-chan Config {
	c := make(chan Config)
	close(c)
	return c
}

func (p *staticProvider) Shutdown(_ context.Context) error {
	return nil
}
