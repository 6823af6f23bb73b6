// Package predicate translates a small, closed boolean expression tree into a
// parameterized SQL fragment for delete scopes.
//
// Translatable nodes: Comparison (= <> < <= > >=), And, Or, Column (a
// target-row property), Param and Captured (values, always bound as
// positional parameters, never inlined). Not, Call and Member exist so that
// callers and the CEL parser can express them; Translate rejects them unless
// they fold to a constant.
package predicate

import (
	"fmt"
	"reflect"

	"bulkupsert/internal/schema"
)

// Expr is a node of the predicate tree.
type Expr interface {
	// Kind names the node type in error messages.
	Kind() string
}

// Op is a comparison operator.
type Op string

const (
	OpEq Op = "="
	OpNe Op = "<>"
	OpLt Op = "<"
	OpLe Op = "<="
	OpGt Op = ">"
	OpGe Op = ">="
)

// Comparison is Left Op Right.
type Comparison struct {
	Op          Op
	Left, Right Expr
}

// And is the conjunction of Terms.
type And struct{ Terms []Expr }

// Or is the disjunction of Terms.
type Or struct{ Terms []Expr }

// Column references a property of the target row, by name or by descriptor.
type Column struct {
	Property   string
	Descriptor *schema.ColumnDescriptor
}

// Param is a constant value.
type Param struct{ Value any }

// Captured is a variable read once, at translation time.
type Captured struct {
	Name string
	Get  func() any
}

// Not negates X. It is never translated.
type Not struct{ X Expr }

// Call is a function or method call. It translates only when Fold is set and
// every argument is a constant, in which case it is evaluated once and bound
// as a parameter.
type Call struct {
	Name string
	Args []Expr
	Fold func(args ...any) (any, error)
}

// Member selects Field from X. It translates only when X is a constant, in
// which case the field is read once and bound as a parameter.
type Member struct {
	X     Expr
	Field string
}

func (Comparison) Kind() string { return "Comparison" }
func (And) Kind() string        { return "And" }
func (Or) Kind() string         { return "Or" }
func (Column) Kind() string     { return "Column" }
func (Param) Kind() string      { return "Param" }
func (Captured) Kind() string   { return "Captured" }
func (Not) Kind() string        { return "Not" }
func (Call) Kind() string       { return "Call" }
func (Member) Kind() string     { return "Member" }

// Col references the target-row property name.
func Col(property string) Column { return Column{Property: property} }

// ColOf references a descriptor; it must belong to the metadata passed to
// Translate.
func ColOf(d *schema.ColumnDescriptor) Column { return Column{Descriptor: d} }

// Val is a constant parameter.
func Val(v any) Param { return Param{Value: v} }

// Ref captures *p, read when the predicate is translated.
func Ref[T any](name string, p *T) Captured {
	return Captured{Name: name, Get: func() any { return *p }}
}

func Eq(l, r Expr) Comparison { return Comparison{Op: OpEq, Left: l, Right: r} }
func Ne(l, r Expr) Comparison { return Comparison{Op: OpNe, Left: l, Right: r} }
func Lt(l, r Expr) Comparison { return Comparison{Op: OpLt, Left: l, Right: r} }
func Le(l, r Expr) Comparison { return Comparison{Op: OpLe, Left: l, Right: r} }
func Gt(l, r Expr) Comparison { return Comparison{Op: OpGt, Left: l, Right: r} }
func Ge(l, r Expr) Comparison { return Comparison{Op: OpGe, Left: l, Right: r} }

// All conjoins terms.
func All(terms ...Expr) And { return And{Terms: terms} }

// Any disjoins terms.
func Any(terms ...Expr) Or { return Or{Terms: terms} }

// field reads a struct field or map entry from a constant value.
func field(v any, name string) (any, error) {
	rv := reflect.ValueOf(v)
	for rv.Kind() == reflect.Pointer || rv.Kind() == reflect.Interface {
		if rv.IsNil() {
			return nil, fmt.Errorf("select %s from nil", name)
		}
		rv = rv.Elem()
	}
	switch rv.Kind() {
	case reflect.Struct:
		f := rv.FieldByName(name)
		if !f.IsValid() || !f.CanInterface() {
			return nil, fmt.Errorf("no exported field %s on %s", name, rv.Type())
		}
		return f.Interface(), nil
	case reflect.Map:
		if rv.Type().Key().Kind() != reflect.String {
			return nil, fmt.Errorf("cannot select %s from %s", name, rv.Type())
		}
		e := rv.MapIndex(reflect.ValueOf(name).Convert(rv.Type().Key()))
		if !e.IsValid() {
			return nil, fmt.Errorf("no key %s", name)
		}
		return e.Interface(), nil
	default:
		return nil, fmt.Errorf("cannot select %s from %s", name, rv.Type())
	}
}
