// Package manifest loads the YAML list of plugins registered at startup.
//
//	plugins:
//	  - name: sample
//	    type: file
//	    path: sample.json
//	  - name: users
//	    type: database
//	    table: dummy_data
//	    order_by: id
package manifest

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/tinytelemetry/datastream/internal/registry"
	"github.com/tinytelemetry/datastream/internal/source"
)

// Entry is one named plugin declaration.
type Entry struct {
	Name        string `yaml:"name"`
	source.Spec `yaml:",inline"`
}

// Manifest is the decoded plugin file.
type Manifest struct {
	Plugins []Entry `yaml:"plugins"`
}

// Load reads and validates the manifest at path.
func Load(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("manifest: read %s: %w", path, err)
	}
	m, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("manifest: %s: %w", path, err)
	}
	return m, nil
}

// Parse decodes and validates a manifest document. Unknown fields are rejected.
func Parse(data []byte) (*Manifest, error) {
	var m Manifest
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&m); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("decode: %w", err)
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return &m, nil
}

// Validate checks that every entry is named, typed, and unique.
func (m *Manifest) Validate() error {
	seen := make(map[string]struct{}, len(m.Plugins))
	for i, e := range m.Plugins {
		if e.Name == "" {
			return fmt.Errorf("plugin #%d: missing name", i+1)
		}
		if e.Type == "" {
			return fmt.Errorf("plugin %q: missing type", e.Name)
		}
		if _, dup := seen[e.Name]; dup {
			return fmt.Errorf("plugin %q: declared twice", e.Name)
		}
		seen[e.Name] = struct{}{}
	}
	return nil
}

// Apply builds every entry and registers it. It stops at the first failure.
func (m *Manifest) Apply(b source.Builder, reg *registry.Registry) error {
	for _, e := range m.Plugins {
		plugin, err := b.Build(e.Spec)
		if err != nil {
			return fmt.Errorf("manifest: plugin %q: %w", e.Name, err)
		}
		if err := reg.Register(e.Name, plugin); err != nil {
			return fmt.Errorf("manifest: plugin %q: %w", e.Name, err)
		}
	}
	return nil
}
