// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package probe

import (
	"errors"
	"fmt"
	"log/slog"
	"reflect"
	"strings"
	"unicode"

	"github.com/go-playground/validator/v10"

	"github.com/traceflow/traceflow/expr"
	"github.com/traceflow/traceflow/filter"
)

// ErrConfiguration is wrapped by every definition validation failure.
var ErrConfiguration = errors.New("invalid probe configuration")

// ConfigurationError describes why a probe definition was rejected.
type ConfigurationError struct {
	Probe string
	Err   error
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("probe %q: %v", e.Probe, e.Err)
}

func (e *ConfigurationError) Unwrap() []error {
	return []error{ErrConfiguration, e.Err}
}

var structValidator = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("yaml"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	// Class and method patterns are single tokens.
	_ = v.RegisterValidation("pattern", func(fl validator.FieldLevel) bool {
		return !strings.ContainsFunc(fl.Field().String(), unicode.IsSpace)
	})
	return v
}

// Validate checks d and returns a *ConfigurationError describing every
// problem found, or nil if d is usable.
func Validate(d Definition) error {
	var err error
	if e := structValidator.Struct(d); e != nil {
		var verrs validator.ValidationErrors
		if errors.As(e, &verrs) {
			for _, fe := range verrs {
				err = errors.Join(err, fmt.Errorf("%s: failed %q check", fe.Namespace(), fe.Tag()))
			}
		} else {
			err = errors.Join(err, e)
		}
	}

	seen := make(map[string]struct{}, len(d.Metrics))
	for _, m := range d.Metrics {
		if m.Name == "" {
			continue // Reported by the struct validation.
		}
		if _, dup := seen[m.Name]; dup {
			err = errors.Join(err, fmt.Errorf("metric %q: duplicate name", m.Name))
		}
		seen[m.Name] = struct{}{}
		err = errors.Join(err, validateMetric(d, m))
	}

	for _, f := range d.Filters {
		if e := filter.Validate(f.Condition); e != nil {
			err = errors.Join(err, fmt.Errorf("filter %q: %w", f.Name, e))
		}
	}

	if err != nil {
		return &ConfigurationError{Probe: d.Name, Err: err}
	}
	return nil
}

func validateMetric(d Definition, m Metric) error {
	switch {
	case m.Source == "" && m.Formula == "":
		return fmt.Errorf("metric %q: one of source or formula is required", m.Name)
	case m.Source != "" && m.Formula != "":
		return fmt.Errorf("metric %q: source and formula are mutually exclusive", m.Name)
	case m.Formula != "":
		if _, err := expr.CompileFormula(m.Formula); err != nil {
			return fmt.Errorf("metric %q: %w", m.Name, err)
		}
		return nil
	}

	var err error
	if m.Capture == "" {
		err = errors.Join(err, fmt.Errorf("metric %q: source metric requires a capture point", m.Name))
	}
	if len(d.Targets) == 0 && len(m.Targets) == 0 {
		err = errors.Join(err, fmt.Errorf("metric %q: source metric requires the probe to declare targets", m.Name))
	}
	if m.TargetID != "" {
		if _, ok := d.Target(m.TargetID); !ok {
			err = errors.Join(err, fmt.Errorf("metric %q: unknown target id %q", m.Name, m.TargetID))
		}
	}
	if _, e := expr.CompileSource(m.Source); e != nil {
		err = errors.Join(err, fmt.Errorf("metric %q: %w", m.Name, e))
	}
	return err
}

// Usable returns the enabled, valid definitions of defs in their original
// order. Invalid definitions and later duplicates of a name are skipped and
// logged; the returned error joins every rejection.
func Usable(logger *slog.Logger, defs []Definition) ([]Definition, error) {
	var (
		out  = make([]Definition, 0, len(defs))
		seen = make(map[string]struct{}, len(defs))
		err  error
	)
	for _, d := range defs {
		if !d.IsEnabled() {
			logger.Debug("skipping disabled probe", "probe", d.Name)
			continue
		}
		if e := Validate(d); e != nil {
			logger.Error("skipping invalid probe", "probe", d.Name, "error", e)
			err = errors.Join(err, e)
			continue
		}
		if _, dup := seen[d.Name]; dup {
			e := &ConfigurationError{Probe: d.Name, Err: errors.New("duplicate probe name")}
			logger.Error("skipping duplicate probe", "probe", d.Name)
			err = errors.Join(err, e)
			continue
		}
		seen[d.Name] = struct{}{}
		out = append(out, d)
	}
	return out, err
}
