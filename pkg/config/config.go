// Package config holds the flat settings space the engine is configured
// from. Keys follow the "signer." namespace with optional bucket and
// collection scopes, resolved most-specific first:
//
//	signer.<bucket>.<collection>.<key>
//	signer.<bucket>.<key>
//	signer.<key>
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// Namespace is the settings prefix all engine options live under.
const Namespace = "signer."

// Settings is an immutable flat key/value space.
type Settings struct {
	values map[string]string
}

// New wraps an existing flat map.
func New(values map[string]string) *Settings {
	copied := make(map[string]string, len(values))
	for k, v := range values {
		copied[k] = v
	}
	return &Settings{values: copied}
}

// LoadFile reads a YAML settings file. Nested mappings are flattened into
// dotted keys, so both flat and nested layouts work:
//
//	signer.resources: "..."
//	signer:
//	  to_review_enabled: true
func LoadFile(path string) (*Settings, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	var doc map[string]any
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}

	values := map[string]string{}
	flatten("", doc, values)
	return &Settings{values: values}, nil
}

func flatten(prefix string, node map[string]any, out map[string]string) {
	for k, v := range node {
		key := k
		if prefix != "" {
			key = prefix + "." + k
		}
		switch t := v.(type) {
		case map[string]any:
			flatten(key, t, out)
		case nil:
			out[key] = ""
		default:
			out[key] = fmt.Sprintf("%v", t)
		}
	}
}

// Get returns the raw value for a fully qualified key.
func (s *Settings) Get(key string) (string, bool) {
	v, ok := s.values[key]
	return v, ok
}

// prefixes returns the lookup chain for a bucket/collection scope, most
// specific first. Empty scope components are skipped.
func prefixes(bucket, collection string) []string {
	out := make([]string, 0, 3)
	if bucket != "" && collection != "" {
		out = append(out, Namespace+bucket+"."+collection+".")
	}
	if bucket != "" {
		out = append(out, Namespace+bucket+".")
	}
	return append(out, Namespace)
}

// Scoped resolves option name for a bucket/collection, trying every prefix
// so a specific collection can override a single knob.
func (s *Settings) Scoped(name, bucket, collection string) (string, bool) {
	for _, p := range prefixes(bucket, collection) {
		if v, ok := s.values[p+name]; ok {
			return v, true
		}
	}
	return "", false
}

// ScopedDefault is Scoped with a fallback value.
func (s *Settings) ScopedDefault(name, bucket, collection, fallback string) string {
	if v, ok := s.Scoped(name, bucket, collection); ok {
		return v
	}
	return fallback
}

// ScopedBool resolves a boolean option; unparsable values count as unset.
func (s *Settings) ScopedBool(name, bucket, collection string, fallback bool) bool {
	v, ok := s.Scoped(name, bucket, collection)
	if !ok {
		return fallback
	}
	parsed, err := strconv.ParseBool(strings.TrimSpace(v))
	if err != nil {
		return fallback
	}
	return parsed
}
