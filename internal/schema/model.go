// Package schema builds and caches per-record-type column metadata.
//
// A Provider describes how a Go record type maps onto a table (TableModel).
// The Catalog turns that description into an EntityMetadata: the ordered
// ColumnDescriptors that survive the exclusion rules, their primary-key and
// identity subsets, and reflection-compiled getters and setters. Metadata is
// built once per (record type, provider session) and cached until ClearCache.
package schema

import "reflect"

// Generation says when the database assigns a column's value.
type Generation int

const (
	// GeneratedNever means the client always supplies the value.
	GeneratedNever Generation = iota
	// GeneratedOnAdd means the database may assign the value on insert.
	GeneratedOnAdd
	// GeneratedOnAddOrUpdate means the database assigns the value on every
	// insert and update (row versions, temporal period columns, ...).
	GeneratedOnAddOrUpdate
)

func (g Generation) String() string {
	switch g {
	case GeneratedOnAdd:
		return "on_add"
	case GeneratedOnAddOrUpdate:
		return "on_add_or_update"
	default:
		return "never"
	}
}

// Provider exposes record-type to table mappings. Model returns (nil, nil)
// when the type is not mapped.
type Provider interface {
	// Session distinguishes mappings of the same Go type, e.g. two providers
	// pointing the same struct at different tables.
	Session() string
	Model(t reflect.Type) (*TableModel, error)
}

// TableModel is the provider's description of one mapped record type.
type TableModel struct {
	Schema     string
	Table      string
	Properties []PropertyModel
}

// Accessor is an explicit getter/setter pair for properties that are not a
// plain struct field path. record is always the *T handed to the pipeline.
type Accessor struct {
	Get func(record any) any
	Set func(record any, v any) error
}

// PropertyModel describes one mapped property.
type PropertyModel struct {
	Name       string // logical (Go) name
	Column     string // physical column name
	ColumnType string // SQL type; empty lets the dialect derive one
	Type       reflect.Type

	// FieldPath is the reflect field index of the backing field: one element
	// for a direct field, two for a field of an embedded/complex struct.
	// Accessor is used instead when set. A property with neither is a shadow
	// property.
	FieldPath []int
	Accessor  *Accessor

	IsPrimaryKey      bool
	IsForeignKey      bool
	Computed          bool
	Generation        Generation
	DefaultSQL        string
	HasValueGenerator bool
	Converter         Converter
}

func (p PropertyModel) backed() bool {
	return len(p.FieldPath) > 0 || p.Accessor != nil
}

// recordType normalizes *T and T to the struct (or map) type T.
func recordType(t reflect.Type) reflect.Type {
	for t != nil && t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	return t
}
