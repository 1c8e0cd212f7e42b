// Package tables defines the compile-time registry of replicated domain
// tables.
//
// Every table that participates in replication is described by a Descriptor
// naming its primary key and replicated columns. Both ends of the protocol
// consult the same registry: a change naming an unregistered table is a
// framing error, never silently ignored.
package tables

import (
	"fmt"
	"sort"
	"sync"
)

// Row is one replicated row image keyed by column name. Values are the
// JSON-decoded forms (string, float64, bool, nil).
type Row map[string]any

// ColType is the storage type of a replicated column.
type ColType int

const (
	Text ColType = iota
	Integer
	Boolean
)

// Column describes one replicated column.
type Column struct {
	Name string
	Type ColType
}

// Descriptor describes one replicated table.
type Descriptor struct {
	// Name is the SQL table name, identical on server and replica.
	Name string

	// PrimaryKey is the column holding the row identity. Change identity
	// is (table, primary key value).
	PrimaryKey string

	// Columns lists every replicated column, primary key included.
	Columns []Column
}

// HasColumn reports whether col is part of the replicated column set.
func (d Descriptor) HasColumn(col string) bool {
	for _, c := range d.Columns {
		if c.Name == col {
			return true
		}
	}
	return false
}

// Column returns the descriptor for one column by name.
func (d Descriptor) Column(name string) (Column, bool) {
	for _, c := range d.Columns {
		if c.Name == name {
			return c, true
		}
	}
	return Column{}, false
}

// PrimaryKeyValue extracts the primary key from a row image. The second
// return is false when the key column is absent or empty.
func (d Descriptor) PrimaryKeyValue(row Row) (string, bool) {
	v, ok := row[d.PrimaryKey]
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	if !ok || s == "" {
		return "", false
	}
	return s, true
}

// CoerceRow converts a JSON-decoded row image into column-typed values
// suitable for the SQL engine: integers for Integer columns (JSON numbers
// arrive as float64), bools for Boolean, strings for Text. Unknown
// columns are rejected; the protocol has no schema evolution, so a column
// outside the descriptor means mismatched vocabularies.
func (d Descriptor) CoerceRow(row Row) (map[string]any, error) {
	out := make(map[string]any, len(row))
	for name, v := range row {
		col, ok := d.Column(name)
		if !ok {
			return nil, fmt.Errorf("table %q has no column %q", d.Name, name)
		}
		if v == nil {
			out[name] = nil
			continue
		}
		switch col.Type {
		case Integer:
			switch n := v.(type) {
			case float64:
				out[name] = int64(n)
			case int64:
				out[name] = n
			case int:
				out[name] = int64(n)
			default:
				return nil, fmt.Errorf("column %s.%s: expected number, got %T", d.Name, name, v)
			}
		case Boolean:
			b, ok := v.(bool)
			if !ok {
				return nil, fmt.Errorf("column %s.%s: expected bool, got %T", d.Name, name, v)
			}
			out[name] = b
		default:
			s, ok := v.(string)
			if !ok {
				return nil, fmt.Errorf("column %s.%s: expected string, got %T", d.Name, name, v)
			}
			out[name] = s
		}
	}
	return out, nil
}

// Registry holds the set of known table descriptors.
//
// The zero value is empty. Registration happens at program init; lookups
// afterwards are read-only and safe for concurrent use.
type Registry struct {
	mu     sync.RWMutex
	byName map[string]Descriptor
}

// NewRegistry returns a registry preloaded with the given descriptors.
func NewRegistry(descs ...Descriptor) *Registry {
	r := &Registry{byName: make(map[string]Descriptor, len(descs))}
	for _, d := range descs {
		r.MustRegister(d)
	}
	return r
}

// Register adds a descriptor. Duplicate names and descriptors without a
// primary key are rejected.
func (r *Registry) Register(d Descriptor) error {
	if d.Name == "" {
		return fmt.Errorf("table descriptor has no name")
	}
	if d.PrimaryKey == "" {
		return fmt.Errorf("table %q has no primary key", d.Name)
	}
	if !d.HasColumn(d.PrimaryKey) {
		return fmt.Errorf("table %q: primary key %q not in column set", d.Name, d.PrimaryKey)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.byName == nil {
		r.byName = make(map[string]Descriptor)
	}
	if _, exists := r.byName[d.Name]; exists {
		return fmt.Errorf("table %q already registered", d.Name)
	}
	r.byName[d.Name] = d
	return nil
}

// MustRegister is Register that panics on error. For init-time wiring.
func (r *Registry) MustRegister(d Descriptor) {
	if err := r.Register(d); err != nil {
		panic(err)
	}
}

// Lookup returns the descriptor for name. The second return is false for
// unknown tables; callers treat that as a framing error.
func (r *Registry) Lookup(name string) (Descriptor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.byName[name]
	return d, ok
}

// Names returns the registered table names sorted alphabetically. The
// order also fixes the table order of the initial snapshot stream.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.byName))
	for name := range r.byName {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
