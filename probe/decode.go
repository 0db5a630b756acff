// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package probe

import (
	"errors"
	"fmt"
	"io"

	"github.com/hashicorp/go-version"
	"gopkg.in/yaml.v3"
)

// SupportedSchema is the range of document schema versions Decode accepts.
var SupportedSchema = version.MustConstraints(version.NewConstraint(">= 1.0, < 2.0"))

// Document is a versioned collection of probe definitions.
type Document struct {
	// SchemaVersion is the document format version. Empty means the
	// current version.
	SchemaVersion string       `yaml:"schemaVersion,omitempty" json:"schemaVersion,omitempty"`
	Probes        []Definition `yaml:"probes" json:"probes"`
}

// Decode reads every YAML document in r. JSON input is accepted as YAML.
//
// A document is either a Document (a mapping with a probes key), a single
// Definition, or a sequence of Definitions. Definitions are returned in the
// order they appear and are not validated.
func Decode(r io.Reader) ([]Definition, error) {
	dec := yaml.NewDecoder(r)

	var out []Definition
	for {
		var node yaml.Node
		err := dec.Decode(&node)
		if errors.Is(err, io.EOF) {
			return out, nil
		}
		if err != nil {
			return out, fmt.Errorf("%w: decode: %w", ErrConfiguration, err)
		}

		defs, err := decodeNode(&node)
		if err != nil {
			return out, err
		}
		out = append(out, defs...)
	}
}

func decodeNode(n *yaml.Node) ([]Definition, error) {
	if n.Kind == yaml.DocumentNode {
		if len(n.Content) == 0 {
			return nil, nil
		}
		n = n.Content[0]
	}

	switch n.Kind {
	case yaml.SequenceNode:
		var defs []Definition
		if err := n.Decode(&defs); err != nil {
			return nil, fmt.Errorf("%w: line %d: %w", ErrConfiguration, n.Line, err)
		}
		return defs, nil
	case yaml.MappingNode:
		if hasKey(n, "probes") {
			var doc Document
			if err := n.Decode(&doc); err != nil {
				return nil, fmt.Errorf("%w: line %d: %w", ErrConfiguration, n.Line, err)
			}
			if err := checkSchema(doc.SchemaVersion); err != nil {
				return nil, err
			}
			return doc.Probes, nil
		}
		var d Definition
		if err := n.Decode(&d); err != nil {
			return nil, fmt.Errorf("%w: line %d: %w", ErrConfiguration, n.Line, err)
		}
		return []Definition{d}, nil
	case yaml.ScalarNode:
		if n.Tag == "!!null" {
			return nil, nil
		}
	}
	return nil, fmt.Errorf("%w: line %d: expected a mapping or sequence", ErrConfiguration, n.Line)
}

func hasKey(n *yaml.Node, key string) bool {
	for i := 0; i+1 < len(n.Content); i += 2 {
		if n.Content[i].Value == key {
			return true
		}
	}
	return false
}

func checkSchema(v string) error {
	if v == "" {
		return nil
	}
	ver, err := version.NewVersion(v)
	if err != nil {
		return fmt.Errorf("%w: schema version %q: %w", ErrConfiguration, v, err)
	}
	if !SupportedSchema.Check(ver) {
		return fmt.Errorf("%w: unsupported schema version %s (want %s)", ErrConfiguration, ver, SupportedSchema)
	}
	return nil
}

// Encode writes defs to w as a single YAML Document.
func Encode(w io.Writer, defs ...Definition) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(Document{SchemaVersion: "1.0", Probes: defs}); err != nil {
		return err
	}
	return enc.Close()
}
