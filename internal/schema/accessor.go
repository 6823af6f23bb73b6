package schema

import (
	"database/sql"
	"fmt"
	"reflect"
)

// Getter reads one property from a record (*T). Nil pointers along the path
// and shadow properties read as nil.
type Getter func(record any) any

// Setter writes one property on a record (*T).
type Setter func(record any, v any) error

var scannerType = reflect.TypeOf((*sql.Scanner)(nil)).Elem()

// compileAccessors builds the getter/setter pair for p. The field path is
// resolved once here; calls only walk the precomputed indices.
func compileAccessors(p PropertyModel) (Getter, Setter, error) {
	if p.Accessor != nil {
		get, set := p.Accessor.Get, p.Accessor.Set
		if get == nil {
			get = func(any) any { return nil }
		}
		if set == nil {
			set = func(any, any) error { return fmt.Errorf("property %s is read-only", p.Name) }
		}
		return get, set, nil
	}
	switch len(p.FieldPath) {
	case 0:
		// Shadow foreign key: nothing in memory to read or write.
		return func(any) any { return nil }, func(any, any) error { return nil }, nil
	case 1, 2:
	default:
		return nil, nil, fmt.Errorf("property %s: nested more than one level", p.Name)
	}
	path := append([]int(nil), p.FieldPath...)

	get := func(record any) any {
		f, ok := fieldFor(reflect.ValueOf(record), path, false)
		if !ok {
			return nil
		}
		return f.Interface()
	}
	set := func(record any, v any) error {
		f, ok := fieldFor(reflect.ValueOf(record), path, true)
		if !ok || !f.CanSet() {
			return fmt.Errorf("property %s: record %T is not addressable", p.Name, record)
		}
		if err := assign(f, v); err != nil {
			return fmt.Errorf("property %s: %w", p.Name, err)
		}
		return nil
	}
	return get, set, nil
}

// fieldFor walks path from rv. With alloc, nil intermediate pointers are
// allocated so the leaf can be set.
func fieldFor(rv reflect.Value, path []int, alloc bool) (reflect.Value, bool) {
	for _, idx := range path {
		for rv.Kind() == reflect.Pointer {
			if rv.IsNil() {
				if !alloc || !rv.CanSet() {
					return reflect.Value{}, false
				}
				rv.Set(reflect.New(rv.Type().Elem()))
			}
			rv = rv.Elem()
		}
		if rv.Kind() != reflect.Struct || idx >= rv.NumField() {
			return reflect.Value{}, false
		}
		rv = rv.Field(idx)
	}
	return rv, true
}

// assign stores v into dst, following the conversions database drivers
// commonly need: nil to zero, pointer allocation, numeric widening,
// []byte to string, and sql.Scanner targets.
func assign(dst reflect.Value, v any) error {
	if v == nil {
		dst.Set(reflect.Zero(dst.Type()))
		return nil
	}
	src := reflect.ValueOf(v)
	if src.Type().AssignableTo(dst.Type()) {
		dst.Set(src)
		return nil
	}
	if dst.CanAddr() && dst.Addr().Type().Implements(scannerType) {
		return dst.Addr().Interface().(sql.Scanner).Scan(v)
	}
	if dst.Kind() == reflect.Pointer {
		elem := reflect.New(dst.Type().Elem())
		if err := assign(elem.Elem(), v); err != nil {
			return err
		}
		dst.Set(elem)
		return nil
	}
	if b, ok := v.([]byte); ok && dst.Kind() == reflect.String {
		dst.SetString(string(b))
		return nil
	}
	if numeric(src.Kind()) && numeric(dst.Kind()) && src.Type().ConvertibleTo(dst.Type()) {
		dst.Set(src.Convert(dst.Type()))
		return nil
	}
	if src.Kind() == dst.Kind() && src.Type().ConvertibleTo(dst.Type()) {
		dst.Set(src.Convert(dst.Type()))
		return nil
	}
	return fmt.Errorf("cannot assign %T to %s", v, dst.Type())
}

func numeric(k reflect.Kind) bool {
	switch k {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64,
		reflect.Float32, reflect.Float64:
		return true
	}
	return false
}

// fixedWidthInteger reports whether t (or *t) is a fixed-width integer type.
func fixedWidthInteger(t reflect.Type) bool {
	if t == nil {
		return false
	}
	if t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	switch t.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return true
	}
	return false
}
