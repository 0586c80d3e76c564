// Package types defines the declared schema model shared by the reconciler,
// the store and the engine backends.
package types

import "fmt"

// Schema is the caller-declared shape of a store: a version number and an
// ordered set of collection definitions. A schema is immutable per version;
// structural changes are expressed by handing the store a new schema with a
// higher version.
type Schema struct {
	// Name identifies the store this schema describes
	Name string `json:"name" yaml:"name"`

	// Version must be a positive integer and monotonically increasing
	// across the store's lifetime
	Version int64 `json:"version" yaml:"version"`

	// Collections defines the record collections in the store
	Collections []CollectionDef `json:"collections" yaml:"collections"`
}

// CollectionDef defines a single record collection.
type CollectionDef struct {
	// Name is the collection name, unique within the schema
	Name string `json:"name" yaml:"name"`

	// KeyPath names the record field(s) forming the primary key. A
	// single-element path is a plain key, more elements form a composite
	// key. Empty KeyPath requires AutoIncrement.
	KeyPath []string `json:"key_path" yaml:"key_path"`

	// AutoIncrement assigns generated integer keys to records added
	// without a key. Allowed with an empty or single-field KeyPath,
	// never with a composite one.
	AutoIncrement bool `json:"auto_increment" yaml:"auto_increment"`

	// Indexes defines the secondary indexes maintained for the collection
	Indexes []IndexDef `json:"indexes" yaml:"indexes"`
}

// IndexDef defines a secondary index on a collection.
type IndexDef struct {
	// Name is the index name, unique within its collection
	Name string `json:"name" yaml:"name"`

	// KeyPath names the indexed record field(s), in order
	KeyPath []string `json:"key_path" yaml:"key_path"`

	// Unique indicates whether the index enforces uniqueness
	Unique bool `json:"unique" yaml:"unique"`
}

// Validate checks the structural invariants of the schema: a positive
// version, non-empty unique collection names, per-collection unique index
// names, and a usable primary key strategy for every collection.
func (s *Schema) Validate() error {
	if s.Name == "" {
		return fmt.Errorf("schema: name must not be empty")
	}
	if s.Version <= 0 {
		return fmt.Errorf("schema %q: version must be positive, got %d", s.Name, s.Version)
	}

	seen := make(map[string]bool, len(s.Collections))
	for i := range s.Collections {
		c := &s.Collections[i]
		if c.Name == "" {
			return fmt.Errorf("schema %q: collection %d has empty name", s.Name, i)
		}
		if seen[c.Name] {
			return fmt.Errorf("schema %q: duplicate collection %q", s.Name, c.Name)
		}
		seen[c.Name] = true

		if err := c.validate(); err != nil {
			return fmt.Errorf("schema %q: %w", s.Name, err)
		}
	}
	return nil
}

func (c *CollectionDef) validate() error {
	if len(c.KeyPath) == 0 && !c.AutoIncrement {
		return fmt.Errorf("collection %q: key path or auto-increment required", c.Name)
	}
	if len(c.KeyPath) > 1 && c.AutoIncrement {
		return fmt.Errorf("collection %q: composite key path cannot auto-increment", c.Name)
	}
	for _, field := range c.KeyPath {
		if field == "" {
			return fmt.Errorf("collection %q: empty key path element", c.Name)
		}
	}

	seen := make(map[string]bool, len(c.Indexes))
	for i := range c.Indexes {
		idx := &c.Indexes[i]
		if idx.Name == "" {
			return fmt.Errorf("collection %q: index %d has empty name", c.Name, i)
		}
		if seen[idx.Name] {
			return fmt.Errorf("collection %q: duplicate index %q", c.Name, idx.Name)
		}
		seen[idx.Name] = true
		if len(idx.KeyPath) == 0 {
			return fmt.Errorf("collection %q: index %q has empty key path", c.Name, idx.Name)
		}
		for _, field := range idx.KeyPath {
			if field == "" {
				return fmt.Errorf("collection %q: index %q has empty key path element", c.Name, idx.Name)
			}
		}
	}
	return nil
}

// Collection returns the definition of the named collection, or nil if the
// schema does not declare it.
func (s *Schema) Collection(name string) *CollectionDef {
	for i := range s.Collections {
		if s.Collections[i].Name == name {
			return &s.Collections[i]
		}
	}
	return nil
}

// Index returns the definition of the named index, or nil if the collection
// does not declare it.
func (c *CollectionDef) Index(name string) *IndexDef {
	for i := range c.Indexes {
		if c.Indexes[i].Name == name {
			return &c.Indexes[i]
		}
	}
	return nil
}

// KeyPathEqual compares two key paths element-wise, including order. A
// single-field path only equals another single-field path with the same
// field name.
func KeyPathEqual(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
