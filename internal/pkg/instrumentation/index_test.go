// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package instrumentation

import (
	"io"
	"log/slog"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/traceflow/traceflow/probe"
)

var discard = slog.New(slog.NewTextHandler(io.Discard, nil))

func serviceProbe() probe.Definition {
	return probe.Definition{
		Name: "service",
		Targets: []probe.Target{{
			ID:      "getters",
			Class:   "com.acme.*Service",
			Methods: []string{"get*"},
		}},
		Metrics: []probe.Metric{
			{Name: "id", Source: "args[0]", Capture: probe.Before},
			{Name: "executionTime", Source: "executionTime", Capture: probe.After},
			{Name: "result", Source: "returnValue", Capture: probe.After, TargetID: "getters"},
			{Name: "rate", Formula: "metrics.executionTime * 2"},
		},
	}
}

func names(ms []Metric) []string {
	out := make([]string, len(ms))
	for i, m := range ms {
		out[i] = m.Name
	}
	return out
}

func TestIndexResolveWildcards(t *testing.T) {
	ix, err := NewIndex(discard, []probe.Definition{serviceProbe()})
	require.NoError(t, err)

	r := ix.Resolve(CallSite{Class: "com.acme.UserService", Method: "getUser"})
	require.NotNil(t, r)
	assert.Equal(t, "service", r.Probe.Name)
	assert.Equal(t, []string{"id"}, names(r.Before))
	assert.Equal(t, []string{"executionTime", "result"}, names(r.After))
	assert.Equal(t, []string{"rate"}, names(r.Formulas))
	require.NotNil(t, r.Formulas[0].Formula)
	require.NotNil(t, r.Before[0].Source)

	assert.Nil(t, ix.Resolve(CallSite{Class: "com.acme.UserService", Method: "setUser"}))
	assert.Nil(t, ix.Resolve(CallSite{Class: "com.acme.UserServiceImpl", Method: "getUser"}))
	assert.Nil(t, ix.Resolve(CallSite{Class: "org.acme.UserService", Method: "getUser"}))
	assert.NotNil(t, ix.Resolve(CallSite{Class: "com.acme.internal.AuditService", Method: "get"}))
}

func TestIndexPatternsAreLiteral(t *testing.T) {
	d := serviceProbe()
	d.Targets[0].Class = "com.acme.Svc$Inner"
	d.Targets[0].Methods = []string{"a.b"}
	ix, err := NewIndex(discard, []probe.Definition{d})
	require.NoError(t, err)

	assert.NotNil(t, ix.Resolve(CallSite{Class: "com.acme.Svc$Inner", Method: "a.b"}))
	assert.Nil(t, ix.Resolve(CallSite{Class: "com.acme.Svc$Inner", Method: "axb"}))
}

func TestIndexAllMethods(t *testing.T) {
	d := serviceProbe()
	d.Targets[0].Methods = nil
	ix, err := NewIndex(discard, []probe.Definition{d})
	require.NoError(t, err)

	assert.NotNil(t, ix.Resolve(CallSite{Class: "com.acme.UserService", Method: "setUser"}))
	assert.NotNil(t, ix.Resolve(CallSite{Class: "com.acme.UserService", Method: "anything"}))
}

func TestIndexMarkersAndSupertypes(t *testing.T) {
	d := serviceProbe()
	d.Targets[0] = probe.Target{
		ID:           "getters",
		Class:        "com.acme.Repository",
		ClassMarker:  "Component",
		MethodMarker: "Transactional",
	}
	ix, err := NewIndex(discard, []probe.Definition{d})
	require.NoError(t, err)

	site := CallSite{
		Class:         "com.acme.JdbcUserRepository",
		Method:        "save",
		ClassMarkers:  []string{"Component"},
		MethodMarkers: []string{"Transactional"},
		Supertypes:    []string{"java.lang.Object", "com.acme.Repository"},
	}
	assert.NotNil(t, ix.Resolve(site))

	noMarker := site
	noMarker.Method = "load"
	noMarker.MethodMarkers = nil
	assert.Nil(t, ix.Resolve(noMarker))

	noSuper := site
	noSuper.Class = "com.acme.Other"
	noSuper.Supertypes = nil
	assert.Nil(t, ix.Resolve(noSuper))
}

func TestIndexDeclarationOrderWins(t *testing.T) {
	first := serviceProbe()
	first.Name = "first"
	second := serviceProbe()
	second.Name = "second"
	second.Targets[0].Methods = []string{"*"}

	ix, err := NewIndex(discard, []probe.Definition{first, second})
	require.NoError(t, err)

	assert.Equal(t, "first", ix.Resolve(CallSite{Class: "com.acme.UserService", Method: "getUser"}).Probe.Name)
	assert.Equal(t, "second", ix.Resolve(CallSite{Class: "com.acme.UserService", Method: "setUser"}).Probe.Name)
}

func TestIndexDisabledAndInvalidProbes(t *testing.T) {
	disabled := serviceProbe()
	disabled.Name = "disabled"
	off := false
	disabled.Enabled = &off

	invalid := serviceProbe()
	invalid.Name = "invalid"
	invalid.Metrics[0].Source = "bogus()"

	fallback := serviceProbe()
	fallback.Name = "fallback"

	ix, err := NewIndex(discard, []probe.Definition{disabled, invalid, fallback})
	require.Error(t, err)
	assert.ErrorIs(t, err, probe.ErrConfiguration)
	assert.Equal(t, 1, ix.Len())

	r := ix.Resolve(CallSite{Class: "com.acme.UserService", Method: "getUser"})
	require.NotNil(t, r)
	assert.Equal(t, "fallback", r.Probe.Name)
	assert.Equal(t, []string{"fallback"}, []string{ix.Probes()[0].Name})
}

func TestIndexScopedMetrics(t *testing.T) {
	d := probe.Definition{
		Name: "repo",
		Targets: []probe.Target{
			{ID: "reads", Class: "com.acme.Repo", Methods: []string{"find*"}},
			{ID: "writes", Class: "com.acme.Repo", Methods: []string{"save"}},
		},
		Metrics: []probe.Metric{
			{Name: "query", Source: "args[0]", Capture: probe.Before, TargetID: "reads"},
			{Name: "entity", Source: "args[0]", Capture: probe.Before, TargetID: "writes"},
			{Name: "cacheKey", Source: "args[0]", Capture: probe.Before, Targets: []probe.Target{{Class: "com.acme.Cache"}}},
		},
	}
	ix, err := NewIndex(discard, []probe.Definition{d})
	require.NoError(t, err)

	assert.Equal(t, []string{"query"}, names(ix.Resolve(CallSite{Class: "com.acme.Repo", Method: "findAll"}).Before))
	assert.Equal(t, []string{"entity"}, names(ix.Resolve(CallSite{Class: "com.acme.Repo", Method: "save"}).Before))

	// Metric level targets select calls on their own.
	r := ix.Resolve(CallSite{Class: "com.acme.Cache", Method: "get"})
	require.NotNil(t, r)
	assert.Equal(t, []string{"cacheKey"}, names(r.Before))
}

func TestIndexCache(t *testing.T) {
	ix, err := NewIndex(discard, []probe.Definition{serviceProbe()})
	require.NoError(t, err)

	site := CallSite{Class: "com.acme.UserService", Method: "getUser"}
	first := ix.Resolve(site)
	assert.Same(t, first, ix.Resolve(site))

	miss := CallSite{Class: "x.Y", Method: "z"}
	assert.Nil(t, ix.Resolve(miss))
	_, cached := ix.cache.Load(miss.Signature())
	assert.True(t, cached, "misses are cached")

	var wg sync.WaitGroup
	for range 16 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range 100 {
				assert.Same(t, first, ix.Resolve(site))
			}
		}()
	}
	wg.Wait()
}

func TestNilIndex(t *testing.T) {
	var ix *Index
	assert.Nil(t, ix.Resolve(CallSite{Class: "a", Method: "b"}))
	assert.Nil(t, ix.Probes())
	assert.Equal(t, 0, ix.Len())
	assert.Nil(t, ix.Filters("service"))
}

func TestIndexFilters(t *testing.T) {
	d := serviceProbe()
	d.Filters = []probe.Filter{
		{Name: "slow", Condition: "executionTime > 100"},
		{Name: "api", Condition: "url.startsWith('/api')"},
	}
	ix, err := NewIndex(discard, []probe.Definition{d})
	require.NoError(t, err)

	fs := ix.Filters("service")
	require.Len(t, fs, 2)
	assert.Equal(t, "executionTime > 100", fs[0].String())
	assert.Nil(t, ix.Filters("unknown"))

	r := ix.Resolve(CallSite{Class: "com.acme.UserService", Method: "getUser"})
	require.NotNil(t, r)
	assert.Equal(t, fs, r.Filters)
}
