// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

// Package instrumentation resolves intercepted calls to the probes that
// trace them and keeps that resolution current as configuration changes.
package instrumentation

const (
	// Name is used for the `telemetry.distro.name` resource attribute.
	Name = "traceflow"
	// Version is the current release version of traceflow in use.
	Version = "v0.4.0"
	// ScopeName is the instrumentation scope spans are reported under.
	ScopeName = "github.com/traceflow/traceflow"
)
