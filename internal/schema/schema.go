// Package schema describes mapped entity types: their tables, columns,
// primary keys and the foreign keys that order writes during a flush.
//
// A Schema is static metadata. It is built once (from CUE sources via Load
// or Compile, or programmatically via New) and shared read-only by every
// session created from the same factory.
package schema

import (
	"fmt"
	"slices"
)

// Column types understood by the SQL compiler.
const (
	TypeInteger   = "integer"
	TypeText      = "text"
	TypeBoolean   = "boolean"
	TypeReal      = "real"
	TypeBlob      = "blob"
	TypeTimestamp = "timestamp"
)

var validTypes = []string{TypeInteger, TypeText, TypeBoolean, TypeReal, TypeBlob, TypeTimestamp}

// Column is a single mapped column.
type Column struct {
	Name     string `json:"name"`
	Type     string `json:"type"`
	Nullable bool   `json:"nullable,omitempty"`

	// Generated marks a database-assigned key (autoincrement / identity).
	// Only valid on a single-column integer primary key.
	Generated bool `json:"generated,omitempty"`
}

// ForeignKey references the primary key of another (or the same) entity.
type ForeignKey struct {
	// Name identifies the key within its entity. Record links are keyed by it.
	// Defaults to RefEntity when empty.
	Name       string   `json:"name"`
	Columns    []string `json:"columns"`
	RefEntity  string   `json:"ref_entity"`
	RefColumns []string `json:"ref_columns"`
}

// Entity is one mapped type.
type Entity struct {
	Name        string       `json:"name"`
	Table       string       `json:"table"`
	Columns     []Column     `json:"columns"`
	PrimaryKey  []string     `json:"primary_key"`
	ForeignKeys []ForeignKey `json:"foreign_keys,omitempty"`
}

// Column returns the named column.
func (e *Entity) Column(name string) (Column, bool) {
	for _, c := range e.Columns {
		if c.Name == name {
			return c, true
		}
	}
	return Column{}, false
}

// HasColumn reports whether name is a mapped column.
func (e *Entity) HasColumn(name string) bool {
	_, ok := e.Column(name)
	return ok
}

// ColumnNames returns column names in declaration order.
func (e *Entity) ColumnNames() []string {
	names := make([]string, len(e.Columns))
	for i, c := range e.Columns {
		names[i] = c.Name
	}
	return names
}

// GeneratedKey returns the generated primary-key column name, or "" when the
// key is supplied by the caller.
func (e *Entity) GeneratedKey() string {
	if len(e.PrimaryKey) != 1 {
		return ""
	}
	c, ok := e.Column(e.PrimaryKey[0])
	if ok && c.Generated {
		return c.Name
	}
	return ""
}

// IsKeyColumn reports whether name is part of the primary key.
func (e *Entity) IsKeyColumn(name string) bool {
	return slices.Contains(e.PrimaryKey, name)
}

// ForeignKey returns the foreign key with the given name.
func (e *Entity) ForeignKey(name string) (ForeignKey, bool) {
	for _, fk := range e.ForeignKeys {
		if fk.Name == name {
			return fk, true
		}
	}
	return ForeignKey{}, false
}

// Edge is a dependency between two entity types: From holds a foreign key
// referencing To, so From rows are inserted after and deleted before To rows.
type Edge struct {
	From       string
	To         string
	ForeignKey ForeignKey
}

// Schema is a validated, immutable set of entities.
type Schema struct {
	entities map[string]*Entity
	order    []string
}

// New validates the given entities and builds a Schema. Entity order is kept
// as given; it is the final tie-break wherever output must be deterministic.
func New(entities ...Entity) (*Schema, error) {
	s := &Schema{entities: make(map[string]*Entity, len(entities))}

	for i := range entities {
		ent := entities[i]
		if ent.Name == "" {
			return nil, &ValidationError{Field: "name", Message: "entity name is required"}
		}
		if _, dup := s.entities[ent.Name]; dup {
			return nil, &ValidationError{Entity: ent.Name, Field: "name", Message: "duplicate entity"}
		}
		if ent.Table == "" {
			ent.Table = ent.Name
		}
		ent.Columns = slices.Clone(ent.Columns)
		ent.PrimaryKey = slices.Clone(ent.PrimaryKey)
		ent.ForeignKeys = slices.Clone(ent.ForeignKeys)
		for j := range ent.ForeignKeys {
			if ent.ForeignKeys[j].Name == "" {
				ent.ForeignKeys[j].Name = ent.ForeignKeys[j].RefEntity
			}
		}
		s.entities[ent.Name] = &ent
		s.order = append(s.order, ent.Name)
	}

	for _, name := range s.order {
		if err := s.validateEntity(s.entities[name]); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// Entity returns the named entity.
func (s *Schema) Entity(name string) (*Entity, bool) {
	e, ok := s.entities[name]
	return e, ok
}

// Entities returns all entities in declaration order.
func (s *Schema) Entities() []*Entity {
	out := make([]*Entity, len(s.order))
	for i, name := range s.order {
		out[i] = s.entities[name]
	}
	return out
}

// Names returns entity names in declaration order.
func (s *Schema) Names() []string {
	return slices.Clone(s.order)
}

// Position returns the declaration index of an entity, or -1.
func (s *Schema) Position(name string) int {
	return slices.Index(s.order, name)
}

// Edges returns every foreign-key dependency edge, ordered by declaring
// entity and then by key declaration order.
func (s *Schema) Edges() []Edge {
	var edges []Edge
	for _, name := range s.order {
		for _, fk := range s.entities[name].ForeignKeys {
			edges = append(edges, Edge{From: name, To: fk.RefEntity, ForeignKey: fk})
		}
	}
	return edges
}

func (s *Schema) validateEntity(e *Entity) error {
	if len(e.Columns) == 0 {
		return &ValidationError{Entity: e.Name, Field: "columns", Message: "at least one column is required"}
	}
	seen := make(map[string]bool, len(e.Columns))
	for _, c := range e.Columns {
		if c.Name == "" {
			return &ValidationError{Entity: e.Name, Field: "columns", Message: "column name is required"}
		}
		if seen[c.Name] {
			return &ValidationError{Entity: e.Name, Field: "columns." + c.Name, Message: "duplicate column"}
		}
		seen[c.Name] = true
		if !slices.Contains(validTypes, c.Type) {
			return &ValidationError{
				Entity:  e.Name,
				Field:   "columns." + c.Name + ".type",
				Message: fmt.Sprintf("unknown type %q (valid: %v)", c.Type, validTypes),
			}
		}
	}

	if len(e.PrimaryKey) == 0 {
		return &ValidationError{Entity: e.Name, Field: "primary_key", Message: "primary key is required"}
	}
	for _, k := range e.PrimaryKey {
		if !seen[k] {
			return &ValidationError{Entity: e.Name, Field: "primary_key", Message: fmt.Sprintf("unknown column %q", k)}
		}
	}
	for _, c := range e.Columns {
		if c.Generated && (len(e.PrimaryKey) != 1 || e.PrimaryKey[0] != c.Name || c.Type != TypeInteger) {
			return &ValidationError{
				Entity:  e.Name,
				Field:   "columns." + c.Name + ".generated",
				Message: "generated is only allowed on a single-column integer primary key",
			}
		}
	}

	fkNames := make(map[string]bool, len(e.ForeignKeys))
	for _, fk := range e.ForeignKeys {
		field := "foreign_keys." + fk.Name
		if fkNames[fk.Name] {
			return &ValidationError{Entity: e.Name, Field: field, Message: "duplicate foreign key name"}
		}
		fkNames[fk.Name] = true

		ref, ok := s.entities[fk.RefEntity]
		if !ok {
			return &ValidationError{Entity: e.Name, Field: field, Message: fmt.Sprintf("unknown entity %q", fk.RefEntity)}
		}
		if len(fk.Columns) == 0 {
			return &ValidationError{Entity: e.Name, Field: field, Message: "columns are required"}
		}
		for _, c := range fk.Columns {
			if !seen[c] {
				return &ValidationError{Entity: e.Name, Field: field, Message: fmt.Sprintf("unknown column %q", c)}
			}
		}
		refCols := fk.RefColumns
		if len(refCols) == 0 {
			refCols = ref.PrimaryKey
		}
		if !slices.Equal(refCols, ref.PrimaryKey) {
			return &ValidationError{
				Entity:  e.Name,
				Field:   field,
				Message: fmt.Sprintf("must reference the primary key of %q %v", ref.Name, ref.PrimaryKey),
			}
		}
		if len(fk.Columns) != len(refCols) {
			return &ValidationError{
				Entity:  e.Name,
				Field:   field,
				Message: fmt.Sprintf("has %d columns, %q key has %d", len(fk.Columns), ref.Name, len(refCols)),
			}
		}
	}
	// Fill defaulted reference columns after validation of every key.
	for i := range e.ForeignKeys {
		if len(e.ForeignKeys[i].RefColumns) == 0 {
			e.ForeignKeys[i].RefColumns = slices.Clone(s.entities[e.ForeignKeys[i].RefEntity].PrimaryKey)
		}
	}
	return nil
}

// ValidationError reports an invalid entity declaration.
type ValidationError struct {
	Entity  string
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Entity != "" {
		return fmt.Sprintf("entity %s: %s: %s", e.Entity, e.Field, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}
