// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package expr

import (
	"reflect"
	"strings"
	"unicode"
	"unicode/utf8"
)

// Resolver looks up a named field or zero-argument accessor on a runtime
// value. It reports false when the value has no such member.
type Resolver interface {
	ResolveAccessor(v any, name string) (any, bool)
}

// ResolverFunc is a function adapter for [Resolver].
type ResolverFunc func(v any, name string) (any, bool)

// ResolveAccessor calls f(v, name).
func (f ResolverFunc) ResolveAccessor(v any, name string) (any, bool) { return f(v, name) }

// Accessor can be implemented by values that want to control how source
// expressions see them.
type Accessor interface {
	Access(name string) (any, bool)
}

// DefaultResolver resolves accessors on maps keyed by strings, on exported
// struct fields (by Go name or json tag), and on exported methods that take
// no arguments and return a value, optionally followed by an error.
//
// Names are matched as written, with their first letter upper-cased, and
// with a "Get" prefix. Getter-style names ("getName", "isReady") also match
// "Name" and "Ready". Struct fields fall back to a case-insensitive match.
var DefaultResolver Resolver = reflectResolver{}

type reflectResolver struct{}

func (reflectResolver) ResolveAccessor(v any, name string) (any, bool) {
	if v == nil || name == "" {
		return nil, false
	}
	if a, ok := v.(Accessor); ok {
		return a.Access(name)
	}

	names := candidates(name)
	rv := reflect.ValueOf(v)

	if out, ok := callMethod(rv, names); ok {
		return out, true
	}

	for rv.Kind() == reflect.Pointer || rv.Kind() == reflect.Interface {
		if rv.IsNil() {
			return nil, false
		}
		rv = rv.Elem()
	}

	switch rv.Kind() {
	case reflect.Map:
		if rv.Type().Key().Kind() != reflect.String {
			return nil, false
		}
		key := reflect.New(rv.Type().Key()).Elem()
		key.SetString(name)
		mv := rv.MapIndex(key)
		if !mv.IsValid() {
			return nil, false
		}
		return mv.Interface(), true
	case reflect.Struct:
		if f, ok := structField(rv, name, names); ok {
			return f, true
		}
		// Value receiver methods on an addressable copy.
		if rv.CanAddr() {
			return callMethod(rv.Addr(), names)
		}
		return callMethod(rv, names)
	}
	return nil, false
}

func candidates(name string) []string {
	up := upperFirst(name)
	out := []string{name, up, "Get" + up}
	for _, prefix := range []string{"get", "is"} {
		rest, ok := strings.CutPrefix(name, prefix)
		if ok && rest != "" {
			r, _ := utf8.DecodeRuneInString(rest)
			if unicode.IsUpper(r) {
				out = append(out, rest)
			}
		}
	}
	return out
}

func upperFirst(s string) string {
	r, n := utf8.DecodeRuneInString(s)
	if r == utf8.RuneError {
		return s
	}
	return string(unicode.ToUpper(r)) + s[n:]
}

var errorType = reflect.TypeOf((*error)(nil)).Elem()

func callMethod(rv reflect.Value, names []string) (any, bool) {
	if !rv.IsValid() {
		return nil, false
	}
	for _, n := range names {
		m := rv.MethodByName(n)
		if !m.IsValid() {
			continue
		}
		t := m.Type()
		if t.NumIn() != 0 {
			continue
		}
		switch t.NumOut() {
		case 1:
			return m.Call(nil)[0].Interface(), true
		case 2:
			if !t.Out(1).Implements(errorType) {
				continue
			}
			out := m.Call(nil)
			if !out[1].IsNil() {
				return nil, false
			}
			return out[0].Interface(), true
		}
	}
	return nil, false
}

func structField(rv reflect.Value, raw string, names []string) (any, bool) {
	t := rv.Type()
	for _, n := range names {
		sf, ok := t.FieldByName(n)
		if !ok || !sf.IsExported() {
			continue
		}
		f, err := rv.FieldByIndexErr(sf.Index)
		if err != nil {
			return nil, false
		}
		return f.Interface(), true
	}
	for i := range t.NumField() {
		sf := t.Field(i)
		if !sf.IsExported() {
			continue
		}
		tag, _, _ := strings.Cut(sf.Tag.Get("json"), ",")
		if tag == raw {
			return rv.Field(i).Interface(), true
		}
	}
	for i := range t.NumField() {
		sf := t.Field(i)
		if sf.IsExported() && strings.EqualFold(sf.Name, raw) {
			return rv.Field(i).Interface(), true
		}
	}
	return nil, false
}
