// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/traceflow/traceflow/filter"
)

func newFilterCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "filter",
		Short: "Work with filter predicates",
	}

	var attrs []string
	check := &cobra.Command{
		Use:   "check PREDICATE",
		Short: "Validate a predicate and optionally evaluate it",
		Long: `Validate a predicate and optionally evaluate it against attributes
given as --attr name=value. Values are parsed as YAML scalars, so numbers and
booleans keep their type.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := filter.Compile(args[0])
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "valid: %q\n", p.String())
			if len(attrs) == 0 {
				return nil
			}

			m, err := parseAttrs(attrs)
			if err != nil {
				return err
			}
			ok, err := p.Match(m)
			if err != nil {
				fmt.Fprintf(cmd.ErrOrStderr(), "evaluation failed, treated as a match: %v\n", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "match: %t\n", ok)
			return nil
		},
	}
	check.Flags().StringArrayVar(&attrs, "attr", nil, "Attribute as name=value (repeatable)")

	cmd.AddCommand(check)
	return cmd
}

func parseAttrs(kvs []string) (map[string]any, error) {
	out := make(map[string]any, len(kvs))
	for _, kv := range kvs {
		k, raw, ok := strings.Cut(kv, "=")
		if !ok || k == "" {
			return nil, fmt.Errorf("invalid attribute %q, want name=value", kv)
		}
		var v any
		if err := yaml.Unmarshal([]byte(raw), &v); err != nil {
			v = raw
		}
		switch v.(type) {
		case nil, map[string]any, []any:
			v = raw
		}
		out[k] = v
	}
	return out, nil
}
