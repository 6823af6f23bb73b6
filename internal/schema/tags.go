package schema

import (
	"fmt"
	"reflect"
	"strings"

	"github.com/stoewer/go-strcase"
)

// TagProvider maps structs through `db` struct tags:
//
//	ID      int64           `db:"id,pk,identity"`
//	Total   decimal.Decimal `db:"total,type=decimal(18,2),converter=decimal"`
//	Audit   Audit           `db:",embed"`
//	Version []byte          `db:"row_version,generated"`
//	Secret  string          `db:"-"`
//
// Options: pk, fk, identity, computed, generated (on add or update),
// generated=add, generated=always, valuegen, embed, default=SQL, type=SQL,
// converter=NAME. Untagged exported fields map to their snake_case name.
// Anonymous struct fields and fields tagged embed contribute their own fields
// one level deep.
//
// The table is TableName() when the record type (or its pointer) has that
// method, otherwise the snake_case type name. SchemaName() supplies the schema.
type TagProvider struct {
	// Name is returned by Session; empty means "tags".
	Name string
}

type tableNamer interface{ TableName() string }
type schemaNamer interface{ SchemaName() string }

func (p TagProvider) Session() string {
	if p.Name == "" {
		return "tags"
	}
	return p.Name
}

func (p TagProvider) Model(t reflect.Type) (*TableModel, error) {
	t = recordType(t)
	if t == nil || t.Kind() != reflect.Struct {
		return nil, nil
	}

	tm := &TableModel{Table: strcase.SnakeCase(t.Name())}
	zero := reflect.New(t).Interface()
	if n, ok := zero.(tableNamer); ok {
		tm.Table = n.TableName()
	}
	if n, ok := zero.(schemaNamer); ok {
		tm.Schema = n.SchemaName()
	}

	props, err := structProperties(t, nil, "")
	if err != nil {
		return nil, err
	}
	tm.Properties = props
	return tm, nil
}

func structProperties(t reflect.Type, parent []int, prefix string) ([]PropertyModel, error) {
	var out []PropertyModel
	for i := 0; i < t.NumField(); i++ {
		f := t.Field(i)
		tag, hasTag := f.Tag.Lookup("db")
		if tag == "-" {
			continue
		}
		if !f.IsExported() && !f.Anonymous {
			continue
		}
		name, opts := splitTag(tag)

		embed := opts.has("embed") || (f.Anonymous && !hasTag)
		if embed {
			st := f.Type
			if st.Kind() == reflect.Pointer {
				st = st.Elem()
			}
			if st.Kind() != reflect.Struct {
				return nil, fmt.Errorf("field %s: embed requires a struct", f.Name)
			}
			if parent != nil {
				return nil, fmt.Errorf("field %s: nested more than one level", f.Name)
			}
			nestedPrefix := f.Name + "."
			if f.Anonymous {
				nestedPrefix = ""
			}
			nested, err := structProperties(st, []int{i}, nestedPrefix)
			if err != nil {
				return nil, err
			}
			out = append(out, nested...)
			continue
		}
		if !f.IsExported() {
			continue
		}

		p := PropertyModel{
			Name:       prefix + f.Name,
			Column:     name,
			Type:       f.Type,
			FieldPath:  append(append([]int(nil), parent...), i),
			ColumnType: opts.value("type"),
			DefaultSQL: opts.value("default"),
		}
		if p.Column == "" {
			p.Column = strcase.SnakeCase(f.Name)
		}
		p.IsPrimaryKey = opts.has("pk")
		p.IsForeignKey = opts.has("fk")
		p.Computed = opts.has("computed")
		p.HasValueGenerator = opts.has("valuegen")
		switch {
		case opts.has("identity"):
			p.Generation = GeneratedOnAdd
			if p.DefaultSQL == "" {
				p.DefaultSQL = "IDENTITY"
			}
		case opts.value("generated") == "add":
			p.Generation = GeneratedOnAdd
		case opts.has("generated"), opts.value("generated") == "always":
			p.Generation = GeneratedOnAddOrUpdate
		}
		if conv := opts.value("converter"); conv != "" {
			c, err := NewConverter(conv, f.Type)
			if err != nil {
				return nil, fmt.Errorf("field %s: %w", f.Name, err)
			}
			p.Converter = c
		}
		out = append(out, p)
	}
	return out, nil
}

type tagOptions map[string]string

func (o tagOptions) has(k string) bool {
	_, ok := o[k]
	return ok
}

func (o tagOptions) value(k string) string { return o[k] }

// splitTag splits "name,opt,key=value" on commas outside parentheses so types
// like decimal(18,2) survive.
func splitTag(tag string) (string, tagOptions) {
	var parts []string
	depth, start := 0, 0
	for i, r := range tag {
		switch r {
		case '(':
			depth++
		case ')':
			if depth > 0 {
				depth--
			}
		case ',':
			if depth == 0 {
				parts = append(parts, tag[start:i])
				start = i + 1
			}
		}
	}
	parts = append(parts, tag[start:])

	opts := tagOptions{}
	for _, p := range parts[1:] {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		k, v, _ := strings.Cut(p, "=")
		opts[strings.ToLower(strings.TrimSpace(k))] = strings.TrimSpace(v)
	}
	return strings.TrimSpace(parts[0]), opts
}
