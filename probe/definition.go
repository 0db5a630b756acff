// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

// Package probe defines the declarative probe definitions that select which
// calls are traced and which metrics are attached to them.
package probe

import (
	"slices"
	"strings"
)

// CapturePoint is the moment a source metric is evaluated.
type CapturePoint string

const (
	// Before evaluates a metric when the call is entered.
	Before CapturePoint = "before"
	// After evaluates a metric when the call returns or fails.
	After CapturePoint = "after"
)

// DefaultColor is the output color used when none is configured.
const DefaultColor = "DEFAULT"

// Definition is a named bundle of targets, metrics and an output style.
type Definition struct {
	Name        string   `yaml:"name" json:"name" validate:"required"`
	Description string   `yaml:"description,omitempty" json:"description,omitempty"`
	Enabled     *bool    `yaml:"enabled,omitempty" json:"enabled,omitempty"`
	Targets     []Target `yaml:"targets,omitempty" json:"targets,omitempty" validate:"dive"`
	Metrics     []Metric `yaml:"metrics" json:"metrics" validate:"required,min=1,dive"`
	Output      Output   `yaml:"output,omitempty" json:"output,omitempty"`
	Filters     []Filter `yaml:"filters,omitempty" json:"filters,omitempty" validate:"dive"`
}

// IsEnabled reports whether d is enabled. Probes are enabled unless
// explicitly disabled.
func (d Definition) IsEnabled() bool {
	return d.Enabled == nil || *d.Enabled
}

// NodeType returns the label given to call nodes created for d.
func (d Definition) NodeType() string {
	if d.Output.Type != "" {
		return d.Output.Type
	}
	return strings.ToUpper(d.Name)
}

// Target returns the target of d with the given id.
func (d Definition) Target(id string) (Target, bool) {
	i := slices.IndexFunc(d.Targets, func(t Target) bool { return t.ID == id })
	if i < 0 {
		return Target{}, false
	}
	return d.Targets[i], true
}

// Target selects intercepted calls by class and method.
type Target struct {
	ID string `yaml:"id,omitempty" json:"id,omitempty"`
	// Class is the fully qualified class name, exact or with * wildcards.
	Class string `yaml:"className" json:"className" validate:"required,pattern"`
	// Methods are method names, exact or with * wildcards. An empty list
	// selects every method.
	Methods []string `yaml:"methods,omitempty" json:"methods,omitempty" validate:"dive,required,pattern"`
	// ClassMarker, when set, must be present on the intercepted class.
	ClassMarker string `yaml:"classAnnotation,omitempty" json:"classAnnotation,omitempty"`
	// MethodMarker, when set, must be present on the intercepted method.
	MethodMarker string `yaml:"methodAnnotation,omitempty" json:"methodAnnotation,omitempty"`
	Description  string `yaml:"description,omitempty" json:"description,omitempty"`
}

// Metric is a named value computed from a source expression at a capture
// point, or derived from other metrics by a formula.
type Metric struct {
	Name        string `yaml:"name" json:"name" validate:"required"`
	Description string `yaml:"description,omitempty" json:"description,omitempty"`
	// TargetID restricts the metric to calls matching the probe target with
	// this id.
	TargetID string `yaml:"targetId,omitempty" json:"targetId,omitempty"`
	// Targets restricts the metric to calls matching any of these targets.
	Targets []Target     `yaml:"targets,omitempty" json:"targets,omitempty" validate:"dive"`
	Source  string       `yaml:"source,omitempty" json:"source,omitempty"`
	Formula string       `yaml:"formula,omitempty" json:"formula,omitempty"`
	Type    string       `yaml:"type,omitempty" json:"type,omitempty"`
	Unit    string       `yaml:"unit,omitempty" json:"unit,omitempty"`
	Capture CapturePoint `yaml:"capturePoint,omitempty" json:"capturePoint,omitempty" validate:"omitempty,oneof=before after"`
}

// IsFormula reports whether m is derived from other metrics.
func (m Metric) IsFormula() bool { return m.Formula != "" }

// Scoped reports whether m applies only to a subset of its probe's calls.
func (m Metric) Scoped() bool { return m.TargetID != "" || len(m.Targets) > 0 }

// Output describes how nodes of a probe are displayed.
type Output struct {
	Type  string `yaml:"type,omitempty" json:"type,omitempty"`
	Color string `yaml:"colorName,omitempty" json:"colorName,omitempty"`
}

// ColorName returns the configured color or DefaultColor.
func (o Output) ColorName() string {
	if o.Color == "" {
		return DefaultColor
	}
	return o.Color
}

// Filter is a named predicate a completed trace rooted at this probe must
// satisfy to be emitted.
type Filter struct {
	Name      string `yaml:"name,omitempty" json:"name,omitempty"`
	Condition string `yaml:"condition" json:"condition" validate:"required"`
}
