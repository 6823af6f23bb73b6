package predicate

import (
	"errors"
	"fmt"
	"reflect"
	"strings"

	"bulkupsert/internal/errs"
	"bulkupsert/internal/schema"
)

// Dialect is the slice of a SQL dialect the translator needs.
type Dialect interface {
	QuoteIdent(name string) string
	// Placeholder renders the n-th (1-based) positional parameter.
	Placeholder(n int) string
}

// Fragment is translated SQL plus the values bound to its placeholders, in
// placeholder order.
type Fragment struct {
	SQL  string
	Args []any
}

// Empty reports whether the fragment has no SQL.
func (f Fragment) Empty() bool { return f.SQL == "" }

// Translate renders e against metadata m. Column references render as
// alias.column (just column when alias is empty); values bind to placeholders
// numbered from firstParam in left-to-right, depth-first order.
func Translate(e Expr, m *schema.EntityMetadata, d Dialect, alias string, firstParam int) (Fragment, error) {
	if e == nil {
		return Fragment{}, errs.Argument("predicate", "")
	}
	if m == nil {
		return Fragment{}, errs.Argument("metadata", "")
	}
	if firstParam < 1 {
		firstParam = 1
	}
	t := &translator{m: m, d: d, alias: alias, next: firstParam}
	if err := t.boolean(e); err != nil {
		return Fragment{}, err
	}
	return Fragment{SQL: t.b.String(), Args: t.args}, nil
}

type translator struct {
	m     *schema.EntityMetadata
	d     Dialect
	alias string
	next  int
	args  []any
	b     strings.Builder
}

// deref lets callers pass *Comparison and friends.
func deref(e Expr) Expr {
	rv := reflect.ValueOf(e)
	if rv.Kind() == reflect.Pointer && !rv.IsNil() {
		if inner, ok := rv.Elem().Interface().(Expr); ok {
			return inner
		}
	}
	return e
}

func unsupported(e Expr, format string, args ...any) error {
	return &errs.UnsupportedPredicateError{Node: e.Kind(), Detail: fmt.Sprintf(format, args...)}
}

// boolean renders a node in boolean position.
func (t *translator) boolean(e Expr) error {
	switch n := deref(e).(type) {
	case Comparison:
		return t.comparison(n)
	case And:
		return t.logical(n, n.Terms, " AND ")
	case Or:
		return t.logical(n, n.Terms, " OR ")
	case Not:
		return unsupported(n, "negation")
	case Call:
		return unsupported(n, "%s", n.Name)
	case Column, Param, Captured, Member:
		return unsupported(n, "not a boolean expression")
	default:
		return &errs.UnsupportedPredicateError{Node: fmt.Sprintf("%T", e)}
	}
}

func (t *translator) logical(n Expr, terms []Expr, sep string) error {
	if len(terms) == 0 {
		return unsupported(n, "no terms")
	}
	t.b.WriteByte('(')
	for i, term := range terms {
		if i > 0 {
			t.b.WriteString(sep)
		}
		if term == nil {
			return unsupported(n, "nil term")
		}
		if err := t.boolean(term); err != nil {
			return err
		}
	}
	t.b.WriteByte(')')
	return nil
}

// operand is a resolved comparison side: a column, or a constant value.
type operand struct {
	col   *schema.ColumnDescriptor
	value any
}

func (o operand) isNull() bool {
	if o.col != nil {
		return false
	}
	if o.value == nil {
		return true
	}
	rv := reflect.ValueOf(o.value)
	return rv.Kind() == reflect.Pointer && rv.IsNil()
}

func (t *translator) comparison(c Comparison) error {
	switch c.Op {
	case OpEq, OpNe, OpLt, OpLe, OpGt, OpGe:
	default:
		return unsupported(c, "operator %q", c.Op)
	}
	if c.Left == nil || c.Right == nil {
		return unsupported(c, "missing operand")
	}
	l, err := t.operand(c.Left)
	if err != nil {
		return err
	}
	r, err := t.operand(c.Right)
	if err != nil {
		return err
	}

	if l.isNull() || r.isNull() {
		other := l
		if l.isNull() {
			other = r
		}
		if other.isNull() {
			return unsupported(c, "null compared with null")
		}
		var test string
		switch c.Op {
		case OpEq:
			test = " IS NULL"
		case OpNe:
			test = " IS NOT NULL"
		default:
			return unsupported(c, "operator %s with null", c.Op)
		}
		if err := t.render(other, nil); err != nil {
			return err
		}
		t.b.WriteString(test)
		return nil
	}

	if err := t.render(l, r.col); err != nil {
		return err
	}
	t.b.WriteString(" ")
	t.b.WriteString(string(c.Op))
	t.b.WriteString(" ")
	return t.render(r, l.col)
}

// render writes a column reference or binds a value. peer is the column on the
// other side of the comparison; its converter applies to the bound value.
func (t *translator) render(o operand, peer *schema.ColumnDescriptor) error {
	if o.col != nil {
		if t.alias != "" {
			t.b.WriteString(t.alias)
			t.b.WriteByte('.')
		}
		t.b.WriteString(t.d.QuoteIdent(o.col.Column()))
		return nil
	}
	v := o.value
	if peer != nil && peer.HasConverter() {
		cv, err := peer.Converter().ToStorage(v)
		if err != nil {
			return fmt.Errorf("predicate value for %s: %w", peer.Column(), err)
		}
		v = cv
	}
	t.b.WriteString(t.d.Placeholder(t.next))
	t.next++
	t.args = append(t.args, v)
	return nil
}

func (t *translator) operand(e Expr) (operand, error) {
	if col, ok := deref(e).(Column); ok {
		d, err := t.column(col)
		if err != nil {
			return operand{}, err
		}
		return operand{col: d}, nil
	}
	v, err := t.constant(e)
	if err != nil {
		return operand{}, err
	}
	return operand{value: v}, nil
}

func (t *translator) column(c Column) (*schema.ColumnDescriptor, error) {
	if c.Descriptor != nil {
		if !t.m.Owns(c.Descriptor) {
			return nil, errs.Schema(t.m.TypeName(), "column %s belongs to different metadata", c.Descriptor.Property())
		}
		return c.Descriptor, nil
	}
	d, ok := t.m.Lookup(c.Property)
	if !ok {
		return nil, errs.Schema(t.m.TypeName(), "unknown property %q in predicate", c.Property)
	}
	return d, nil
}

// constant evaluates a value-producing node. Columns and boolean nodes are
// not constants.
func (t *translator) constant(e Expr) (any, error) {
	switch n := deref(e).(type) {
	case Param:
		return n.Value, nil
	case Captured:
		if n.Get == nil {
			return nil, errs.Argument("captured "+n.Name, "nil getter")
		}
		return n.Get(), nil
	case Member:
		if n.X == nil {
			return nil, unsupported(n, "missing operand")
		}
		if _, onRow := deref(n.X).(Column); onRow {
			return nil, unsupported(n, "%s: member access on a row property", n.Field)
		}
		x, err := t.constant(n.X)
		if err != nil {
			var up *errs.UnsupportedPredicateError
			if errors.As(err, &up) {
				return nil, unsupported(n, "%s: operand is not a captured value", n.Field)
			}
			return nil, err
		}
		v, err := field(x, n.Field)
		if err != nil {
			return nil, unsupported(n, "%v", err)
		}
		return v, nil
	case Call:
		if n.Fold == nil {
			return nil, unsupported(n, "%s", n.Name)
		}
		args := make([]any, len(n.Args))
		for i, a := range n.Args {
			if a == nil {
				return nil, unsupported(n, "%s: nil argument", n.Name)
			}
			v, err := t.constant(a)
			if err != nil {
				return nil, unsupported(n, "%s: argument %d is not constant", n.Name, i)
			}
			args[i] = v
		}
		v, err := n.Fold(args...)
		if err != nil {
			return nil, fmt.Errorf("predicate: fold %s: %w", n.Name, err)
		}
		return v, nil
	case Column:
		return nil, unsupported(n, "%s used as a value", n.Property)
	case nil:
		return nil, &errs.UnsupportedPredicateError{Node: "nil"}
	default:
		return nil, unsupported(n, "not a value")
	}
}
