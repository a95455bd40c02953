// Package repository implements the configuration repository capability:
// a source of named, versioned configuration blobs that a config.Reader
// can enumerate and rescan.
package repository

import (
	"context"
	"fmt"
	"reflect"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Repository is the capability the config reader consumes: enumerate
// the paths a repository knows about, check whether one still exists, ask
// when it last changed, and load its parsed contents.
type Repository interface {
	Exists(ctx context.Context, path string) (bool, error)
	GetUpdateTime(ctx context.Context, path string) (time.Time, error)
	Load(ctx context.Context, path string) (ParsedConfig, error)
	GetAllLoadablesDefinitionNames(ctx context.Context) ([]string, error)
}

// InternalPrefix marks a repository name whose objects may silently shadow
// and be shadowed by others, without a collision warning.
const InternalPrefix = "_internal_"

// IsInternal reports whether name carries the reserved internal prefix.
func IsInternal(name string) bool {
	return strings.HasPrefix(name, InternalPrefix)
}

// ParsedConfig is the parsed configuration capability: a decoded YAML
// document whose top-level keys ConfigReader walks looking for object
// definitions.
type ParsedConfig interface {
	// Keys returns the top-level keys of the document.
	Keys() []string
	// StringAt looks up a string value by a dotted key path, e.g.
	// "external_dictionary.name".
	StringAt(dottedPath string) (string, bool)
	// SameAs reports whether the sub-tree rooted at keyA in this document
	// is structurally identical to the sub-tree rooted at keyB in other.
	// This realizes the isSameConfiguration predicate used to decide
	// whether a redefinition actually changed anything.
	SameAs(keyA string, other ParsedConfig, keyB string) bool
	// Raw exposes the decoded document for callers that need it (e.g. a
	// factory reading its own object-specific settings).
	Raw() map[string]interface{}
}

// yamlConfig is the yaml.v3-backed ParsedConfig every repository in this
// package produces.
type yamlConfig struct {
	doc map[string]interface{}
}

// ParseYAML decodes raw YAML bytes into a ParsedConfig.
func ParseYAML(data []byte) (ParsedConfig, error) {
	var doc map[string]interface{}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse yaml: %w", err)
	}
	if doc == nil {
		doc = map[string]interface{}{}
	}
	return &yamlConfig{doc: doc}, nil
}

func (c *yamlConfig) Keys() []string {
	keys := make([]string, 0, len(c.doc))
	for k := range c.doc {
		keys = append(keys, k)
	}
	return keys
}

func (c *yamlConfig) Raw() map[string]interface{} {
	return c.doc
}

func (c *yamlConfig) StringAt(dottedPath string) (string, bool) {
	value, ok := lookup(c.doc, strings.Split(dottedPath, "."))
	if !ok {
		return "", false
	}
	s, ok := value.(string)
	return s, ok
}

func lookup(node interface{}, parts []string) (interface{}, bool) {
	if len(parts) == 0 {
		return node, true
	}
	m, ok := node.(map[string]interface{})
	if !ok {
		return nil, false
	}
	child, ok := m[parts[0]]
	if !ok {
		return nil, false
	}
	return lookup(child, parts[1:])
}

func (c *yamlConfig) SameAs(keyA string, other ParsedConfig, keyB string) bool {
	o, ok := other.(*yamlConfig)
	if !ok {
		return false
	}
	subA, okA := lookup(c.doc, strings.Split(keyA, "."))
	subB, okB := lookup(o.doc, strings.Split(keyB, "."))
	if okA != okB {
		return false
	}
	if !okA {
		return true
	}
	return reflect.DeepEqual(subA, subB)
}
