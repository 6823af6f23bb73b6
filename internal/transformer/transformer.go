// Package transformer coerces textual field values into the Go types their
// target columns store. CSV input is all text and JSON carries dates and
// booleans as strings; the bulk transports want typed parameters.
//
// A Plan is compiled once per job from the column types, so the per-row work
// is a slice walk with no type-name parsing.
package transformer

import (
	"fmt"
	"iter"
	"strconv"
	"strings"
	"time"

	"bulkupsert/internal/schema"
)

// Kind is the coercion applied to one column.
type Kind uint8

const (
	KindText Kind = iota
	KindInt
	KindFloat
	KindBool
	KindDate
	KindTimestamp
)

func (k Kind) String() string {
	switch k {
	case KindInt:
		return "integer"
	case KindFloat:
		return "float"
	case KindBool:
		return "boolean"
	case KindDate:
		return "date"
	case KindTimestamp:
		return "timestamp"
	}
	return "text"
}

// KindOf maps a declared SQL Server or PostgreSQL column type onto a Kind.
// Exact numerics (DECIMAL, NUMERIC, MONEY) stay text; converters handle them.
func KindOf(sqlType string) Kind {
	t := strings.ToUpper(strings.TrimSpace(sqlType))
	if i := strings.IndexByte(t, '('); i >= 0 {
		t = strings.TrimSpace(t[:i])
	}
	switch t {
	case "INT", "INTEGER", "BIGINT", "SMALLINT", "TINYINT", "INT2", "INT4", "INT8", "SERIAL", "BIGSERIAL", "SMALLSERIAL":
		return KindInt
	case "REAL", "FLOAT", "FLOAT4", "FLOAT8", "DOUBLE PRECISION":
		return KindFloat
	case "BIT", "BOOL", "BOOLEAN":
		return KindBool
	case "DATE":
		return KindDate
	case "DATETIME", "DATETIME2", "SMALLDATETIME", "DATETIMEOFFSET", "TIMESTAMP", "TIMESTAMPTZ",
		"TIMESTAMP WITH TIME ZONE", "TIMESTAMP WITHOUT TIME ZONE":
		return KindTimestamp
	}
	return KindText
}

// Rules tune parsing. The zero value accepts ISO dates and RFC 3339
// timestamps and the usual boolean words.
type Rules struct {
	// Layout is a time layout tried before the built-in ones for date and
	// timestamp columns, e.g. "02.01.2006".
	Layout string `yaml:"date_layout" json:"date_layout"`

	// Truthy and Falsy replace the default boolean vocabularies. Matching is
	// case-insensitive.
	Truthy []string `yaml:"truthy" json:"truthy"`
	Falsy  []string `yaml:"falsy" json:"falsy"`
}

// Field names a column and its declared SQL type.
type Field struct {
	Name string
	Type string
}

var (
	defaultTruthy = []string{"1", "t", "true", "y", "yes"}
	defaultFalsy  = []string{"0", "f", "false", "n", "no"}

	dateLayouts      = []string{time.DateOnly, time.RFC3339Nano}
	timestampLayouts = []string{time.RFC3339Nano, "2006-01-02T15:04:05.999999999", "2006-01-02 15:04:05.999999999Z07:00", time.DateTime + ".999999999", time.DateOnly}
)

type column struct {
	name   string
	kind   Kind
	coerce func(s string) (any, error)
}

// Plan coerces rows for a fixed column set.
type Plan struct {
	cols []column
}

// Compile builds the plan. Text columns are skipped entirely.
func Compile(fields []Field, rules Rules) *Plan {
	truthy, falsy := lowerSet(rules.Truthy), lowerSet(rules.Falsy)
	if len(truthy) == 0 && len(falsy) == 0 {
		truthy, falsy = lowerSet(defaultTruthy), lowerSet(defaultFalsy)
	}

	p := &Plan{}
	for _, f := range fields {
		c := column{name: f.Name, kind: KindOf(f.Type)}
		switch c.kind {
		case KindText:
			continue
		case KindInt:
			c.coerce = parseInt
		case KindFloat:
			c.coerce = func(s string) (any, error) { return strconv.ParseFloat(s, 64) }
		case KindBool:
			c.coerce = func(s string) (any, error) { return parseBool(s, truthy, falsy) }
		case KindDate:
			c.coerce = timeParser(rules.Layout, dateLayouts)
		case KindTimestamp:
			c.coerce = timeParser(rules.Layout, timestampLayouts)
		}
		p.cols = append(p.cols, c)
	}
	return p
}

// Apply coerces row in place. Only string values are touched; blank strings
// in non-text columns become nil.
func (p *Plan) Apply(row *schema.Row) error {
	if row == nil || *row == nil {
		return nil
	}
	for _, c := range p.cols {
		s, ok := (*row)[c.name].(string)
		if !ok {
			continue
		}
		s = strings.TrimSpace(s)
		if s == "" {
			(*row)[c.name] = nil
			continue
		}
		v, err := c.coerce(s)
		if err != nil {
			return fmt.Errorf("column %q: cannot parse %q as %s", c.name, s, c.kind)
		}
		(*row)[c.name] = v
	}
	return nil
}

// Seq applies the plan to every row of rows. The first failure is passed to
// onErr and ends the sequence.
func (p *Plan) Seq(rows iter.Seq[*schema.Row], onErr func(error)) iter.Seq[*schema.Row] {
	return func(yield func(*schema.Row) bool) {
		n := 0
		for r := range rows {
			n++
			if err := p.Apply(r); err != nil {
				onErr(fmt.Errorf("record %d: %w", n, err))
				return
			}
			if !yield(r) {
				return
			}
		}
	}
}

func parseInt(s string) (any, error) {
	if i, err := strconv.ParseInt(s, 10, 64); err == nil {
		return i, nil
	}
	// "42.0" exports from spreadsheets
	if strings.IndexByte(s, '.') >= 0 {
		if f, err := strconv.ParseFloat(s, 64); err == nil && f == float64(int64(f)) {
			return int64(f), nil
		}
	}
	return nil, strconv.ErrSyntax
}

func parseBool(s string, truthy, falsy map[string]struct{}) (any, error) {
	ls := strings.ToLower(s)
	if _, ok := truthy[ls]; ok {
		return true, nil
	}
	if _, ok := falsy[ls]; ok {
		return false, nil
	}
	return nil, strconv.ErrSyntax
}

func timeParser(custom string, layouts []string) func(string) (any, error) {
	if custom != "" {
		layouts = append([]string{custom}, layouts...)
	}
	return func(s string) (any, error) {
		for _, l := range layouts {
			if t, err := time.Parse(l, s); err == nil {
				return t, nil
			}
		}
		return nil, strconv.ErrSyntax
	}
}

func lowerSet(in []string) map[string]struct{} {
	if len(in) == 0 {
		return nil
	}
	m := make(map[string]struct{}, len(in))
	for _, s := range in {
		m[strings.ToLower(strings.TrimSpace(s))] = struct{}{}
	}
	return m
}
