// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package traceflow

import "github.com/traceflow/traceflow/internal/pkg/instrumentation"

// Version is the current release version of traceflow in use.
func Version() string {
	return instrumentation.Version
}
