package predicate

import (
	"fmt"
	"sync"
	"time"

	"bulkupsert/internal/errs"

	"github.com/google/cel-go/cel"
	celast "github.com/google/cel-go/common/ast"
	"github.com/google/cel-go/common/operators"
	"github.com/google/cel-go/common/types"
)

var parseEnv = sync.OnceValues(func() (*cel.Env, error) { return cel.NewEnv() })

var comparisonOps = map[string]Op{
	operators.Equals:        OpEq,
	operators.NotEquals:     OpNe,
	operators.Less:          OpLt,
	operators.LessEquals:    OpLe,
	operators.Greater:       OpGt,
	operators.GreaterEquals: OpGe,
}

// folds are the CEL functions evaluated once on constant arguments.
var folds = map[string]func(args ...any) (any, error){
	operators.Negate: func(args ...any) (any, error) {
		switch v := args[0].(type) {
		case int64:
			return -v, nil
		case float64:
			return -v, nil
		}
		return nil, fmt.Errorf("cannot negate %T", args[0])
	},
	"timestamp": func(args ...any) (any, error) {
		s, ok := args[0].(string)
		if !ok {
			return nil, fmt.Errorf("timestamp wants a string, got %T", args[0])
		}
		return time.Parse(time.RFC3339Nano, s)
	},
	"duration": func(args ...any) (any, error) {
		s, ok := args[0].(string)
		if !ok {
			return nil, fmt.Errorf("duration wants a string, got %T", args[0])
		}
		return time.ParseDuration(s)
	},
	"string": func(args ...any) (any, error) { return fmt.Sprint(args[0]), nil },
}

// Parse compiles a CEL expression such as
//
//	x.Status == "archived" && x.Tenant == tenant
//
// into a predicate tree. row is the identifier that stands for the target
// row; selecting a field from it yields a Column. Every other identifier must
// be a key of vars and yields a Captured value. The result still has to go
// through Translate, which rejects what SQL cannot express.
func Parse(src, row string, vars map[string]any) (Expr, error) {
	env, err := parseEnv()
	if err != nil {
		return nil, fmt.Errorf("predicate: cel env: %w", err)
	}
	ast, iss := env.Parse(src)
	if iss != nil && iss.Err() != nil {
		return nil, fmt.Errorf("predicate: parse %q: %w", src, iss.Err())
	}
	p := &celParser{row: row, vars: vars}
	return p.expr(ast.NativeRep().Expr())
}

type celParser struct {
	row  string
	vars map[string]any
}

func (p *celParser) expr(e celast.Expr) (Expr, error) {
	switch e.Kind() {
	case celast.CallKind:
		return p.call(e.AsCall())
	case celast.SelectKind:
		sel := e.AsSelect()
		if sel.IsTestOnly() {
			return nil, &errs.UnsupportedPredicateError{Node: "Select", Detail: "has() test"}
		}
		op := sel.Operand()
		if op.Kind() == celast.IdentKind && op.AsIdent() == p.row {
			return Col(sel.FieldName()), nil
		}
		x, err := p.expr(op)
		if err != nil {
			return nil, err
		}
		return Member{X: x, Field: sel.FieldName()}, nil
	case celast.IdentKind:
		name := e.AsIdent()
		if name == p.row {
			return nil, &errs.UnsupportedPredicateError{Node: "Ident", Detail: name + " used without a property"}
		}
		v, ok := p.vars[name]
		if !ok {
			return nil, errs.Argument("vars", fmt.Sprintf("undeclared identifier %q", name))
		}
		return Captured{Name: name, Get: func() any { return v }}, nil
	case celast.LiteralKind:
		lit := e.AsLiteral()
		if _, isNull := lit.(types.Null); isNull {
			return Val(nil), nil
		}
		return Val(lit.Value()), nil
	case celast.ListKind:
		return nil, &errs.UnsupportedPredicateError{Node: "List"}
	case celast.MapKind:
		return nil, &errs.UnsupportedPredicateError{Node: "Map"}
	case celast.StructKind:
		return nil, &errs.UnsupportedPredicateError{Node: "Struct"}
	case celast.ComprehensionKind:
		return nil, &errs.UnsupportedPredicateError{Node: "Comprehension"}
	default:
		return nil, &errs.UnsupportedPredicateError{Node: "Unspecified"}
	}
}

func (p *celParser) call(c celast.CallExpr) (Expr, error) {
	fn := c.FunctionName()
	var args []Expr
	if c.IsMemberFunction() {
		target, err := p.expr(c.Target())
		if err != nil {
			return nil, err
		}
		args = append(args, target)
	}
	for _, a := range c.Args() {
		x, err := p.expr(a)
		if err != nil {
			return nil, err
		}
		args = append(args, x)
	}

	if op, ok := comparisonOps[fn]; ok && len(args) == 2 {
		return Comparison{Op: op, Left: args[0], Right: args[1]}, nil
	}
	switch fn {
	case operators.LogicalAnd:
		return And{Terms: flatten[And](args, func(a And) []Expr { return a.Terms })}, nil
	case operators.LogicalOr:
		return Or{Terms: flatten[Or](args, func(o Or) []Expr { return o.Terms })}, nil
	case operators.LogicalNot:
		return Not{X: args[0]}, nil
	}
	call := Call{Name: fn, Args: args}
	if f, ok := folds[fn]; ok && !c.IsMemberFunction() && len(args) == 1 {
		call.Fold = f
	}
	return call, nil
}

// flatten splices nested nodes of the same kind so a && b && c renders as one
// parenthesized group.
func flatten[N Expr](args []Expr, terms func(N) []Expr) []Expr {
	var out []Expr
	for _, a := range args {
		if n, ok := a.(N); ok {
			out = append(out, terms(n)...)
			continue
		}
		out = append(out, a)
	}
	return out
}
