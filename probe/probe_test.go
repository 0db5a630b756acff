// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package probe

import (
	"bytes"
	"io"
	"log/slog"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func ptr[T any](v T) *T { return &v }

func validDefinition() Definition {
	return Definition{
		Name: "http",
		Targets: []Target{{
			ID:      "handler",
			Class:   "com.acme.*Controller",
			Methods: []string{"handle*"},
		}},
		Metrics: []Metric{
			{Name: "url", Source: "args[0].url", Capture: Before},
			{Name: "executionTime", Source: "executionTime", Capture: After, TargetID: "handler"},
			{Name: "perByte", Formula: "metrics.executionTime / metrics.size"},
		},
		Output:  Output{Type: "HTTP"},
		Filters: []Filter{{Name: "slow", Condition: "executionTime > 100"}},
	}
}

func TestValidate(t *testing.T) {
	require.NoError(t, Validate(validDefinition()))

	testCases := []struct {
		name   string
		mutate func(*Definition)
		msg    string
	}{
		{"MissingName", func(d *Definition) { d.Name = "" }, "name"},
		{"NoMetrics", func(d *Definition) { d.Metrics = nil }, "metrics"},
		{"MetricWithoutName", func(d *Definition) { d.Metrics[0].Name = "" }, "name"},
		{"SourceAndFormula", func(d *Definition) { d.Metrics[0].Formula = "metrics.a" }, "mutually exclusive"},
		{"NeitherSourceNorFormula", func(d *Definition) { d.Metrics[0].Source = "" }, "one of source or formula"},
		{"SourceWithoutCapture", func(d *Definition) { d.Metrics[0].Capture = "" }, "capture point"},
		{"BadCapture", func(d *Definition) { d.Metrics[0].Capture = "during" }, "oneof"},
		{"SourceWithoutTargets", func(d *Definition) { d.Targets = nil; d.Metrics[1].TargetID = "" }, "declare targets"},
		{"UnknownTargetID", func(d *Definition) { d.Metrics[1].TargetID = "nope" }, "unknown target id"},
		{"BadSource", func(d *Definition) { d.Metrics[0].Source = "this" }, "unsupported expression"},
		{"BadFormula", func(d *Definition) { d.Metrics[2].Formula = "metrics.a + metrics.b + metrics.c" }, "unsupported expression"},
		{"DuplicateMetric", func(d *Definition) { d.Metrics[1].Name = "url" }, "duplicate"},
		{"BadFilter", func(d *Definition) { d.Filters[0].Condition = "executionTime >= 1" }, "unsupported predicate"},
		{"EmptyClass", func(d *Definition) { d.Targets[0].Class = "" }, "className"},
		{"SpaceInPattern", func(d *Definition) { d.Targets[0].Methods = []string{"get user"} }, "pattern"},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			d := validDefinition()
			tc.mutate(&d)

			err := Validate(d)
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrConfiguration)
			assert.Contains(t, err.Error(), tc.msg)

			var cErr *ConfigurationError
			require.ErrorAs(t, err, &cErr)
			assert.Equal(t, d.Name, cErr.Probe)
		})
	}
}

func TestMetricLevelTargetsSatisfySourceRequirement(t *testing.T) {
	d := Definition{
		Name: "scoped",
		Metrics: []Metric{{
			Name:    "id",
			Source:  "this.id",
			Capture: Before,
			Targets: []Target{{Class: "com.acme.Repo"}},
		}},
	}
	assert.NoError(t, Validate(d))
}

func TestUsable(t *testing.T) {
	bad := validDefinition()
	bad.Name = "bad"
	bad.Metrics = nil

	disabled := validDefinition()
	disabled.Name = "off"
	disabled.Enabled = ptr(false)

	second := validDefinition()
	second.Name = "db"

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	got, err := Usable(logger, []Definition{validDefinition(), bad, disabled, second, validDefinition()})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrConfiguration)

	names := make([]string, len(got))
	for i, d := range got {
		names[i] = d.Name
	}
	assert.Equal(t, []string{"http", "db"}, names)
}

func TestDefinitionDefaults(t *testing.T) {
	d := Definition{Name: "jdbc"}
	assert.True(t, d.IsEnabled())
	assert.Equal(t, "JDBC", d.NodeType())
	assert.Equal(t, DefaultColor, d.Output.ColorName())

	d.Enabled = ptr(false)
	d.Output = Output{Type: "SQL", Color: "CYAN"}
	assert.False(t, d.IsEnabled())
	assert.Equal(t, "SQL", d.NodeType())
	assert.Equal(t, "CYAN", d.Output.ColorName())
}

const document = `
schemaVersion: "1.2"
probes:
  - name: http
    description: inbound requests
    targets:
      - id: handler
        className: com.acme.*Controller
        methods: [handle*]
        methodAnnotation: RequestMapping
    metrics:
      - name: url
        source: args[0].url
        capturePoint: before
      - name: executionTime
        source: executionTime
        capturePoint: after
    output:
      type: HTTP
      colorName: GREEN
    filters:
      - name: slow
        condition: executionTime > 100
  - name: db
    enabled: false
    targets:
      - className: com.acme.Repo
    metrics:
      - name: sql
        source: args[0]
        capturePoint: before
---
name: cache
targets:
  - className: com.acme.Cache
    methods: [get]
metrics:
  - name: key
    source: args[0]
    capturePoint: before
---
- name: json
  metrics:
    - {"name": "x", "formula": "1 + 1"}
`

func TestDecode(t *testing.T) {
	defs, err := Decode(strings.NewReader(document))
	require.NoError(t, err)
	require.Len(t, defs, 4)

	http := defs[0]
	assert.Equal(t, "http", http.Name)
	assert.True(t, http.IsEnabled())
	require.Len(t, http.Targets, 1)
	assert.Equal(t, Target{
		ID:           "handler",
		Class:        "com.acme.*Controller",
		Methods:      []string{"handle*"},
		MethodMarker: "RequestMapping",
	}, http.Targets[0])
	assert.Equal(t, Metric{Name: "url", Source: "args[0].url", Capture: Before}, http.Metrics[0])
	assert.Equal(t, Output{Type: "HTTP", Color: "GREEN"}, http.Output)
	assert.Equal(t, []Filter{{Name: "slow", Condition: "executionTime > 100"}}, http.Filters)
	require.NoError(t, Validate(http))

	assert.Equal(t, "db", defs[1].Name)
	assert.False(t, defs[1].IsEnabled())
	assert.Equal(t, "cache", defs[2].Name)
	assert.Equal(t, "json", defs[3].Name)
	assert.Equal(t, "1 + 1", defs[3].Metrics[0].Formula)
}

func TestDecodeSchemaVersion(t *testing.T) {
	_, err := Decode(strings.NewReader("schemaVersion: \"2.1\"\nprobes: []\n"))
	assert.ErrorIs(t, err, ErrConfiguration)
	assert.ErrorContains(t, err, "unsupported schema version")

	_, err = Decode(strings.NewReader("schemaVersion: banana\nprobes: []\n"))
	assert.ErrorIs(t, err, ErrConfiguration)

	defs, err := Decode(strings.NewReader("probes: []\n"))
	require.NoError(t, err)
	assert.Empty(t, defs)
}

func TestDecodeErrors(t *testing.T) {
	for name, in := range map[string]string{
		"Scalar":    "just text\n",
		"BadYAML":   "name: [unterminated\n",
		"WrongType": "name: x\nmetrics: 3\n",
	} {
		t.Run(name, func(t *testing.T) {
			_, err := Decode(strings.NewReader(in))
			assert.ErrorIs(t, err, ErrConfiguration)
		})
	}

	defs, err := Decode(strings.NewReader(""))
	require.NoError(t, err)
	assert.Empty(t, defs)
}

func TestEncodeRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, Encode(&buf, validDefinition()))
	assert.Contains(t, buf.String(), "schemaVersion: \"1.0\"")

	defs, err := Decode(&buf)
	require.NoError(t, err)
	require.Len(t, defs, 1)
	assert.Equal(t, validDefinition(), defs[0])
}
