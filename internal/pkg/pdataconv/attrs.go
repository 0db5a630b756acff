// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

// Package pdataconv converts call trees to the pdata format.
package pdataconv

import (
	"go.opentelemetry.io/collector/pdata/pcommon"
	"go.opentelemetry.io/otel/attribute"

	"github.com/traceflow/traceflow/expr"
)

// Attributes sets the attrs in the provided pcommon.Map dest.
func Attributes(dest pcommon.Map, attrs ...attribute.KeyValue) {
	for _, attr := range attrs {
		setAttr(dest, attr)
	}
}

func setAttr(dest pcommon.Map, attr attribute.KeyValue) {
	switch attr.Value.Type() {
	case attribute.BOOL:
		dest.PutBool(string(attr.Key), attr.Value.AsBool())
	case attribute.INT64:
		dest.PutInt(string(attr.Key), attr.Value.AsInt64())
	case attribute.FLOAT64:
		dest.PutDouble(string(attr.Key), attr.Value.AsFloat64())
	case attribute.STRING:
		dest.PutStr(string(attr.Key), attr.Value.AsString())
	case attribute.STRINGSLICE:
		s := dest.PutEmptySlice(string(attr.Key))
		for _, v := range attr.Value.AsStringSlice() {
			s.AppendEmpty().SetStr(v)
		}
	}
}

// Metrics sets the metric values in dest. Integers, floats, booleans and
// strings keep their type; other values are stored as their text.
func Metrics(dest pcommon.Map, metrics map[string]any) {
	for k, v := range metrics {
		switch nv := expr.Normalize(v).(type) {
		case nil:
		case int64:
			dest.PutInt(k, nv)
		case float64:
			dest.PutDouble(k, nv)
		case bool:
			dest.PutBool(k, nv)
		case string:
			dest.PutStr(k, nv)
		default:
			dest.PutStr(k, expr.Format(v))
		}
	}
}
