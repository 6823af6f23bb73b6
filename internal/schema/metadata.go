package schema

import (
	"reflect"
	"regexp"
	"strings"

	"bulkupsert/internal/errs"
)

// ColumnDescriptor is one mapped property of a record type. It is immutable
// once built and always belongs to exactly one EntityMetadata.
type ColumnDescriptor struct {
	property    string
	column      string
	sqlType     string
	goType      reflect.Type
	storageType reflect.Type
	get         Getter
	set         Setter
	converter   Converter
	identity    bool
	primaryKey  bool
	owner       *EntityMetadata
}

// Property is the logical property name.
func (c *ColumnDescriptor) Property() string { return c.property }

// Column is the physical column name.
func (c *ColumnDescriptor) Column() string { return c.column }

// SQLType is the declared column type; empty when the dialect should derive it
// from StorageType.
func (c *ColumnDescriptor) SQLType() string { return c.sqlType }

// Type is the declared Go type of the property.
func (c *ColumnDescriptor) Type() reflect.Type { return c.goType }

// StorageType is the Go type written to the database (after conversion).
func (c *ColumnDescriptor) StorageType() reflect.Type { return c.storageType }

func (c *ColumnDescriptor) IsIdentity() bool   { return c.identity }
func (c *ColumnDescriptor) IsPrimaryKey() bool { return c.primaryKey }
func (c *ColumnDescriptor) HasConverter() bool { return c.converter != nil }

// Converter returns the recorded value converter, or nil.
func (c *ColumnDescriptor) Converter() Converter { return c.converter }

// Metadata returns the EntityMetadata the descriptor belongs to.
func (c *ColumnDescriptor) Metadata() *EntityMetadata { return c.owner }

// Get reads the raw (unconverted) property value from record.
func (c *ColumnDescriptor) Get(record any) any { return c.get(record) }

// Set writes v (already converted to the property type) on record.
func (c *ColumnDescriptor) Set(record any, v any) error { return c.set(record, v) }

// StorageValue reads the property and applies the converter's to-storage
// direction when one is recorded.
func (c *ColumnDescriptor) StorageValue(record any) (any, error) {
	v := c.get(record)
	if c.converter == nil {
		return v, nil
	}
	return c.converter.ToStorage(v)
}

// SetFromStorage applies the converter's from-storage direction when one is
// recorded and then writes the result on record.
func (c *ColumnDescriptor) SetFromStorage(record any, v any) error {
	if c.converter != nil {
		cv, err := c.converter.FromStorage(v)
		if err != nil {
			return err
		}
		v = cv
	}
	return c.set(record, v)
}

// EntityMetadata is the cached mapping of one record type onto one table.
type EntityMetadata struct {
	recordType reflect.Type
	session    string
	schema     string
	table      string

	columns     []*ColumnDescriptor
	nonIdentity []*ColumnDescriptor
	primaryKey  []*ColumnDescriptor
	identity    []*ColumnDescriptor

	byProperty map[string]*ColumnDescriptor
	byColumn   map[string]*ColumnDescriptor
	converters map[string]Converter
}

// RecordType is the struct (or map) type T; records are handled as *T.
func (m *EntityMetadata) RecordType() reflect.Type { return m.recordType }

// TypeName is the record type's name as used in error messages.
func (m *EntityMetadata) TypeName() string { return typeName(m.recordType) }

func (m *EntityMetadata) Session() string { return m.session }
func (m *EntityMetadata) Schema() string  { return m.schema }
func (m *EntityMetadata) Table() string   { return m.table }

// QualifiedName is "schema.table", or just "table" when no schema is mapped.
func (m *EntityMetadata) QualifiedName() string {
	if m.schema == "" {
		return m.table
	}
	return m.schema + "." + m.table
}

// Columns returns the mapped columns in declaration order. The returned slice
// is shared; callers must not modify it.
func (m *EntityMetadata) Columns(includeIdentity bool) []*ColumnDescriptor {
	if includeIdentity {
		return m.columns
	}
	return m.nonIdentity
}

func (m *EntityMetadata) PrimaryKey() []*ColumnDescriptor { return m.primaryKey }
func (m *EntityMetadata) Identity() []*ColumnDescriptor   { return m.identity }

// Lookup resolves a property name, falling back to the column name.
func (m *EntityMetadata) Lookup(name string) (*ColumnDescriptor, bool) {
	if c, ok := m.byProperty[name]; ok {
		return c, true
	}
	c, ok := m.byColumn[name]
	return c, ok
}

// ColumnFor maps a property name to its column name.
func (m *EntityMetadata) ColumnFor(property string) (string, bool) {
	c, ok := m.byProperty[property]
	if !ok {
		return "", false
	}
	return c.column, true
}

// ConverterFor returns the converter recorded for a column name.
func (m *EntityMetadata) ConverterFor(column string) (Converter, bool) {
	c, ok := m.converters[column]
	return c, ok
}

// Owns reports whether c was built as part of m.
func (m *EntityMetadata) Owns(c *ColumnDescriptor) bool {
	return c != nil && c.owner == m
}

// Resolve maps property names onto descriptors, failing with a SchemaError on
// the first unknown name or duplicate.
func (m *EntityMetadata) Resolve(names []string) ([]*ColumnDescriptor, error) {
	out := make([]*ColumnDescriptor, 0, len(names))
	seen := make(map[*ColumnDescriptor]struct{}, len(names))
	for _, n := range names {
		c, ok := m.Lookup(n)
		if !ok {
			return nil, errs.Schema(m.TypeName(), "unknown property %q", n)
		}
		if _, dup := seen[c]; dup {
			return nil, errs.Schema(m.TypeName(), "property %q listed twice", n)
		}
		seen[c] = struct{}{}
		out = append(out, c)
	}
	return out, nil
}

// CheckOwned fails fast when any descriptor belongs to a different
// EntityMetadata than m.
func (m *EntityMetadata) CheckOwned(cols []*ColumnDescriptor) error {
	for _, c := range cols {
		if !m.Owns(c) {
			name := "<nil>"
			if c != nil {
				name = c.property
			}
			return errs.Schema(m.TypeName(), "column %s belongs to different metadata", name)
		}
	}
	return nil
}

var identityDefault = regexp.MustCompile(`(?i)identity|nextval|next\s+value\s+for|auto_?increment|serial`)

// isIdentity applies the identity classification: generated on add, and one of
// an identity-like default, an explicit value generator, or an integer key.
func isIdentity(p PropertyModel) bool {
	if p.Generation != GeneratedOnAdd {
		return false
	}
	return identityDefault.MatchString(p.DefaultSQL) ||
		p.HasValueGenerator ||
		(p.IsPrimaryKey && fixedWidthInteger(p.Type))
}

// build turns a provider model into metadata, applying the exclusion rules in
// order: shadow non-FK, computed, generated on add-or-update.
func build(t reflect.Type, session string, tm *TableModel) (*EntityMetadata, error) {
	name := typeName(t)
	if tm == nil {
		return nil, errs.Schema(name, "record type is not mapped")
	}
	if strings.TrimSpace(tm.Table) == "" {
		return nil, errs.Schema(name, "mapping has no table name")
	}

	m := &EntityMetadata{
		recordType: t,
		session:    session,
		schema:     tm.Schema,
		table:      tm.Table,
		byProperty: make(map[string]*ColumnDescriptor, len(tm.Properties)),
		byColumn:   make(map[string]*ColumnDescriptor, len(tm.Properties)),
		converters: map[string]Converter{},
	}

	for _, p := range tm.Properties {
		switch {
		case !p.backed() && !p.IsForeignKey:
			continue
		case p.Computed:
			continue
		case p.Generation == GeneratedOnAddOrUpdate:
			continue
		}
		if p.Column == "" {
			p.Column = p.Name
		}
		if p.Name == "" {
			p.Name = p.Column
		}
		if _, dup := m.byColumn[p.Column]; dup {
			return nil, errs.Schema(name, "column %q mapped twice", p.Column)
		}
		if _, dup := m.byProperty[p.Name]; dup {
			return nil, errs.Schema(name, "property %q mapped twice", p.Name)
		}

		get, set, err := compileAccessors(p)
		if err != nil {
			return nil, errs.Schema(name, "%v", err)
		}

		c := &ColumnDescriptor{
			property:    p.Name,
			column:      p.Column,
			sqlType:     p.ColumnType,
			goType:      p.Type,
			storageType: p.Type,
			get:         get,
			set:         set,
			converter:   p.Converter,
			identity:    isIdentity(p),
			primaryKey:  p.IsPrimaryKey,
			owner:       m,
		}
		if p.Converter != nil {
			c.storageType = p.Converter.StorageType()
			m.converters[p.Column] = p.Converter
		}

		m.columns = append(m.columns, c)
		m.byProperty[c.property] = c
		m.byColumn[c.column] = c
		if c.identity {
			m.identity = append(m.identity, c)
		} else {
			m.nonIdentity = append(m.nonIdentity, c)
		}
		if c.primaryKey {
			m.primaryKey = append(m.primaryKey, c)
		}
	}

	if len(m.nonIdentity) == 0 {
		return nil, errs.Schema(name, "no insertable columns after exclusions")
	}
	return m, nil
}

func typeName(t reflect.Type) string {
	if t == nil {
		return "<nil>"
	}
	if t.Name() != "" {
		return t.Name()
	}
	return t.String()
}
