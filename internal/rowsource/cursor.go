// Package rowsource adapts a sequence of records into the forward-only
// tabular cursor consumed by bulk-load transports.
//
// Transports ask "is this cell null" and then "what is its value" as separate
// calls, possibly more than once per cell. The cursor therefore evaluates
// every column of the current record exactly once per Advance and serves all
// accessor calls from that cache.
package rowsource

import (
	"context"
	"database/sql/driver"
	"fmt"
	"iter"
	"math"
	"reflect"
	"time"

	"bulkupsert/internal/errs"
	"bulkupsert/internal/schema"

	"github.com/zeebo/xxh3"
	"golang.org/x/text/cases"
)

// RowIndexColumn is the name of the synthetic row-index column.
const RowIndexColumn = "__row_index"

// Options configure a Cursor.
type Options struct {
	// RowIndex prepends the synthetic zero-based row-index column (ordinal 0).
	RowIndex bool
	// Correlate keeps every record so it can be found again by row index.
	Correlate bool
	// Keys are hashed per row to count records repeating an exact match key.
	Keys []*schema.ColumnDescriptor
}

// Cursor is a forward-only cursor over records of type T. It is not safe for
// concurrent use.
type Cursor[T any] struct {
	next func() (*T, bool)
	stop func()

	columns []*schema.ColumnDescriptor
	names   []string
	fold    cases.Caser
	folded  map[string]int
	offset  int // 1 when the row-index column is present

	peeked  *T
	hasPeek bool
	done    bool
	err     error

	current  *T
	values   []any
	rowIndex int
	rows     int64

	correlate   bool
	correlation []*T

	keys       []int
	seen       map[uint64]struct{}
	duplicates int64
	hashBuf    []byte
}

// New builds a cursor over seq. The descriptors define the column order after
// the optional row-index column.
func New[T any](seq iter.Seq[*T], columns []*schema.ColumnDescriptor, opts Options) *Cursor[T] {
	next, stop := iter.Pull(seq)
	c := &Cursor[T]{
		next:      next,
		stop:      stop,
		columns:   columns,
		rowIndex:  -1,
		correlate: opts.Correlate,
		fold:      cases.Fold(),
	}
	if opts.RowIndex {
		c.offset = 1
		c.names = append(c.names, RowIndexColumn)
	}
	for _, col := range columns {
		c.names = append(c.names, col.Column())
	}
	c.folded = make(map[string]int, len(c.names))
	for i, n := range c.names {
		c.folded[c.fold.String(n)] = i
	}
	c.values = make([]any, len(c.names))

	if len(opts.Keys) > 0 {
		c.seen = map[uint64]struct{}{}
		for _, k := range opts.Keys {
			for i, col := range columns {
				if col == k {
					c.keys = append(c.keys, i)
				}
			}
		}
	}
	return c
}

// Empty reports whether the sequence yields no records. It pulls at most one
// record, which Advance returns first.
func (c *Cursor[T]) Empty() bool {
	if c.hasPeek || c.rowIndex >= 0 {
		return false
	}
	if c.done {
		return true
	}
	rec, ok := c.next()
	if !ok {
		c.done = true
		c.stop()
		return true
	}
	c.peeked, c.hasPeek = rec, true
	return false
}

// Materialize drains the sequence into memory and releases it. Later
// Advance calls replay the buffered records. It must be called before the
// first Advance.
func (c *Cursor[T]) Materialize(ctx context.Context) (int, error) {
	if c.rowIndex >= 0 {
		return 0, fmt.Errorf("rowsource: Materialize after Advance")
	}
	var buf []*T
	if c.hasPeek {
		buf = append(buf, c.peeked)
		c.peeked, c.hasPeek = nil, false
	}
	for !c.done {
		if err := ctx.Err(); err != nil {
			return len(buf), err
		}
		rec, ok := c.next()
		if !ok {
			break
		}
		buf = append(buf, rec)
	}
	c.done = false
	c.stop()

	i := 0
	c.next = func() (*T, bool) {
		if i >= len(buf) {
			return nil, false
		}
		rec := buf[i]
		buf[i] = nil
		i++
		return rec, true
	}
	c.stop = func() {}
	return len(buf), nil
}

// Advance moves to the next record and evaluates all of its columns. It
// returns false at the end of the sequence or on error; check Err.
func (c *Cursor[T]) Advance(ctx context.Context) bool {
	if c.done || c.err != nil {
		return false
	}
	if err := ctx.Err(); err != nil {
		c.err = err
		return false
	}

	var (
		rec *T
		ok  bool
	)
	if c.hasPeek {
		rec, ok = c.peeked, true
		c.peeked, c.hasPeek = nil, false
	} else {
		rec, ok = c.next()
	}
	if !ok {
		c.done = true
		c.current = nil
		c.stop()
		return false
	}
	if rec == nil {
		c.err = errs.Argument("records", fmt.Sprintf("element %d is nil", c.rowIndex+1))
		return false
	}
	if c.rowIndex+1 > math.MaxInt32 {
		c.err = fmt.Errorf("rowsource: more than %d rows", math.MaxInt32)
		return false
	}

	c.rowIndex++
	c.current = rec
	if c.offset == 1 {
		c.values[0] = int32(c.rowIndex)
	}
	for i, col := range c.columns {
		v, err := col.StorageValue(rec)
		if err != nil {
			c.err = fmt.Errorf("row %d column %s: %w", c.rowIndex, col.Column(), err)
			return false
		}
		v, err = normalize(v)
		if err != nil {
			c.err = fmt.Errorf("row %d column %s: %w", c.rowIndex, col.Column(), err)
			return false
		}
		c.values[c.offset+i] = v
	}
	if c.seen != nil {
		c.trackKey()
	}
	if c.correlate {
		c.correlation = append(c.correlation, rec)
	}
	c.rows++
	return true
}

func (c *Cursor[T]) trackKey() {
	buf := c.hashBuf[:0]
	for _, i := range c.keys {
		buf = fmt.Appendf(buf, "%T:%v\x00", c.values[c.offset+i], c.values[c.offset+i])
	}
	c.hashBuf = buf
	h := xxh3.Hash(buf)
	if _, dup := c.seen[h]; dup {
		c.duplicates++
		return
	}
	c.seen[h] = struct{}{}
}

// Err returns the error that stopped Advance, if any.
func (c *Cursor[T]) Err() error { return c.err }

// Close releases the record sequence. It is safe to call more than once.
func (c *Cursor[T]) Close() {
	c.done = true
	c.stop()
}

func (c *Cursor[T]) FieldCount() int { return len(c.names) }

// Name returns the column name at ordinal i.
func (c *Cursor[T]) Name(i int) string { return c.names[i] }

// Names returns all column names in ordinal order.
func (c *Cursor[T]) Names() []string { return c.names }

// Ordinal resolves a column name case-insensitively.
func (c *Cursor[T]) Ordinal(name string) (int, bool) {
	i, ok := c.folded[c.fold.String(name)]
	return i, ok
}

// IsNull reports whether the cell at ordinal i is NULL.
func (c *Cursor[T]) IsNull(i int) bool { return c.values[i] == nil }

// Value returns the cell at ordinal i, nil for NULL.
func (c *Cursor[T]) Value(i int) any { return c.values[i] }

// Values returns the current row. The slice is reused by the next Advance.
func (c *Cursor[T]) Values() []any { return c.values }

// String returns the cell at ordinal i as a string.
func (c *Cursor[T]) String(i int) (string, error) {
	switch v := c.values[i].(type) {
	case string:
		return v, nil
	case []byte:
		return string(v), nil
	default:
		return "", c.typeErr(i, "string")
	}
}

// Int64 returns the cell at ordinal i widened to int64.
func (c *Cursor[T]) Int64(i int) (int64, error) {
	switch v := c.values[i].(type) {
	case int64:
		return v, nil
	case int32:
		return int64(v), nil
	case int:
		return int64(v), nil
	case int16:
		return int64(v), nil
	case int8:
		return int64(v), nil
	case uint8:
		return int64(v), nil
	case uint16:
		return int64(v), nil
	case uint32:
		return int64(v), nil
	default:
		return 0, c.typeErr(i, "int64")
	}
}

// Float64 returns the cell at ordinal i as a float64.
func (c *Cursor[T]) Float64(i int) (float64, error) {
	switch v := c.values[i].(type) {
	case float64:
		return v, nil
	case float32:
		return float64(v), nil
	default:
		return 0, c.typeErr(i, "float64")
	}
}

func (c *Cursor[T]) Bool(i int) (bool, error) {
	v, ok := c.values[i].(bool)
	if !ok {
		return false, c.typeErr(i, "bool")
	}
	return v, nil
}

func (c *Cursor[T]) Time(i int) (time.Time, error) {
	v, ok := c.values[i].(time.Time)
	if !ok {
		return time.Time{}, c.typeErr(i, "time.Time")
	}
	return v, nil
}

func (c *Cursor[T]) Bytes(i int) ([]byte, error) {
	v, ok := c.values[i].([]byte)
	if !ok {
		return nil, c.typeErr(i, "[]byte")
	}
	return v, nil
}

func (c *Cursor[T]) typeErr(i int, want string) error {
	return fmt.Errorf("rowsource: column %s is %T, not %s", c.names[i], c.values[i], want)
}

// RowIndex is the zero-based index of the current record, -1 before the first
// Advance.
func (c *Cursor[T]) RowIndex() int { return c.rowIndex }

// Rows is the number of records advanced over so far.
func (c *Cursor[T]) Rows() int64 { return c.rows }

// Duplicates counts rows whose key columns repeat an earlier row's.
func (c *Cursor[T]) Duplicates() int64 { return c.duplicates }

// Record returns the record loaded at row index i. Only available with
// Options.Correlate.
func (c *Cursor[T]) Record(i int) (*T, bool) {
	if i < 0 || i >= len(c.correlation) {
		return nil, false
	}
	return c.correlation[i], true
}

// normalize turns driver.Valuer values and pointers into plain driver values.
func normalize(v any) (any, error) {
	if v == nil {
		return nil, nil
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Pointer, reflect.Slice, reflect.Map:
		if rv.IsNil() {
			return nil, nil
		}
	}
	if vr, ok := v.(driver.Valuer); ok {
		return vr.Value()
	}
	if rv.Kind() == reflect.Pointer {
		return normalize(rv.Elem().Interface())
	}
	return v, nil
}
