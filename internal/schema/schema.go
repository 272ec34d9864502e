// Package schema provides the collection schema registry: field
// definitions and relationship targets, loaded from a YAML file.
package schema

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Registry resolves relationship fields to their target collections.
type Registry interface {
	// RelationTargets returns the target collection(s) of a relationship
	// field, or nil if the field is unknown or not a relationship.
	RelationTargets(collection, field string) []string

	// HasCollection reports whether the collection is defined.
	HasCollection(collection string) bool
}

// Field describes one field of a collection.
type Field struct {
	Type string `yaml:"type"`
	// RelationTo holds the target collection(s) for relationship fields.
	// Accepts a scalar or a list in YAML.
	RelationTo StringList `yaml:"relationTo"`
}

// Collection describes one collection's fields.
type Collection struct {
	Fields map[string]Field `yaml:"fields"`
}

// File is the on-disk schema document.
type File struct {
	Collections map[string]Collection `yaml:"collections"`
}

// StringList unmarshals from either a YAML scalar or a sequence.
type StringList []string

func (s *StringList) UnmarshalYAML(node *yaml.Node) error {
	switch node.Kind {
	case yaml.ScalarNode:
		var single string
		if err := node.Decode(&single); err != nil {
			return err
		}
		if single != "" {
			*s = StringList{single}
		}
		return nil
	case yaml.SequenceNode:
		var many []string
		if err := node.Decode(&many); err != nil {
			return err
		}
		*s = StringList(many)
		return nil
	}
	return fmt.Errorf("relationTo must be a string or a list, got yaml kind %d", node.Kind)
}

type registry struct {
	collections map[string]Collection
}

// Load reads a schema registry from a YAML file.
func Load(path string) (Registry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read schema file: %w", err)
	}

	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse schema file %s: %w", path, err)
	}
	if len(f.Collections) == 0 {
		return nil, fmt.Errorf("schema file %s defines no collections", path)
	}
	return &registry{collections: f.Collections}, nil
}

// NewStatic builds a registry from an in-memory map of
// collection -> relationship field -> target collections. Non-relationship
// fields need not be listed.
func NewStatic(relations map[string]map[string][]string) Registry {
	collections := make(map[string]Collection, len(relations))
	for coll, fields := range relations {
		c := Collection{Fields: make(map[string]Field, len(fields))}
		for field, targets := range fields {
			c.Fields[field] = Field{Type: "relationship", RelationTo: targets}
		}
		collections[coll] = c
	}
	return &registry{collections: collections}
}

func (r *registry) RelationTargets(collection, field string) []string {
	c, ok := r.collections[collection]
	if !ok {
		return nil
	}
	f, ok := c.Fields[field]
	if !ok || len(f.RelationTo) == 0 {
		return nil
	}
	return []string(f.RelationTo)
}

func (r *registry) HasCollection(collection string) bool {
	_, ok := r.collections[collection]
	return ok
}
