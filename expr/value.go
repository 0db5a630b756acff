// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package expr

import (
	"fmt"
	"math"
	"reflect"
	"strconv"
	"strings"
)

// Normalize converts scalar values to the canonical types used by metric
// attributes: signed and unsigned integers become int64, floats become
// float64, and named string or bool types become string or bool. Other
// values are returned unchanged.
func Normalize(v any) any {
	switch t := v.(type) {
	case nil, int64, float64, string, bool:
		return v
	case int:
		return int64(t)
	case int32:
		return int64(t)
	case float32:
		return float64(t)
	}

	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return rv.Int()
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
		u := rv.Uint()
		if u > math.MaxInt64 {
			return float64(u)
		}
		return int64(u)
	case reflect.Float32, reflect.Float64:
		return rv.Float()
	case reflect.String:
		return rv.String()
	case reflect.Bool:
		return rv.Bool()
	}
	return v
}

// Format returns the textual form of v used for substitution, comparison
// and display.
func Format(v any) string {
	switch t := Normalize(v).(type) {
	case nil:
		return ""
	case string:
		return t
	case int64:
		return strconv.FormatInt(t, 10)
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(t)
	case error:
		return t.Error()
	case fmt.Stringer:
		return t.String()
	default:
		return fmt.Sprint(t)
	}
}

// AsInt reports v as an int64 if it is an integer or a string holding one.
func AsInt(v any) (int64, bool) {
	switch t := Normalize(v).(type) {
	case int64:
		return t, true
	case string:
		i, err := strconv.ParseInt(strings.TrimSpace(t), 10, 64)
		return i, err == nil
	}
	return 0, false
}

// AsFloat reports v as a float64 if it is numeric or a string holding a
// number.
func AsFloat(v any) (float64, bool) {
	switch t := Normalize(v).(type) {
	case int64:
		return float64(t), true
	case float64:
		return t, true
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(t), 64)
		return f, err == nil
	}
	return 0, false
}

// coerce turns text back into the narrowest value it represents.
func coerce(s string) any {
	if i, err := strconv.ParseInt(s, 10, 64); err == nil {
		return i
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return f
	}
	return s
}
