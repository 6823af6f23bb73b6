package schema

import (
	"fmt"
	"reflect"
)

// Row is a map-backed record for tables whose shape is only known at run
// time (job files, JSON Lines input). Records are handled as *Row.
type Row map[string]any

// Get returns the value stored under column, or nil.
func (r *Row) Get(column string) any {
	if r == nil || *r == nil {
		return nil
	}
	return (*r)[column]
}

// Set stores v under column, allocating the map on first use.
func (r *Row) Set(column string, v any) {
	if *r == nil {
		*r = Row{}
	}
	(*r)[column] = v
}

// DynamicColumn declares one column of a DynamicProvider table.
type DynamicColumn struct {
	Name      string
	SQLType   string
	Key       bool
	Identity  bool
	Computed  bool
	Converter string
}

// DynamicProvider maps *Row records onto a table described at run time.
// Every DynamicProvider has its own session so different tables never share
// cached metadata.
type DynamicProvider struct {
	Schema  string
	Table   string
	Columns []DynamicColumn
}

var rowType = reflect.TypeOf(Row(nil))

func (p *DynamicProvider) Session() string {
	return fmt.Sprintf("dynamic:%p", p)
}

func (p *DynamicProvider) Model(t reflect.Type) (*TableModel, error) {
	if recordType(t) != rowType {
		return nil, nil
	}
	anyType := reflect.TypeOf((*any)(nil)).Elem()
	tm := &TableModel{Schema: p.Schema, Table: p.Table}
	for _, c := range p.Columns {
		name := c.Name
		prop := PropertyModel{
			Name:         name,
			Column:       name,
			ColumnType:   c.SQLType,
			Type:         anyType,
			IsPrimaryKey: c.Key,
			Computed:     c.Computed,
			Accessor: &Accessor{
				Get: func(record any) any { return record.(*Row).Get(name) },
				Set: func(record any, v any) error {
					record.(*Row).Set(name, v)
					return nil
				},
			},
		}
		if c.Identity {
			prop.Generation = GeneratedOnAdd
			prop.DefaultSQL = "IDENTITY"
		}
		if c.Converter != "" {
			conv, err := NewConverter(c.Converter, anyType)
			if err != nil {
				return nil, fmt.Errorf("column %s: %w", name, err)
			}
			prop.Converter = conv
		}
		tm.Properties = append(tm.Properties, prop)
	}
	return tm, nil
}
