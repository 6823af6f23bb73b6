// Package json streams JSON records into *schema.Row values and writes them
// back out.
//
// Accepted input shapes:
//
//   - newline-delimited objects (JSONL/NDJSON), or any whitespace-separated
//     sequence of objects:
//     {"id":1,"name":"a"}
//     {"id":2,"name":"b"}
//   - a top-level array of objects, read element by element:
//     [ {"id":1}, {"id":2} ]
//
// Numbers decode as int64 when integral and float64 otherwise.
package json

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"iter"
	"math"

	"bulkupsert/internal/schema"
)

// Options tune decoding.
type Options struct {
	// HeaderMap renames input keys (original -> column name).
	HeaderMap map[string]string
}

// Decoder reads records one at a time.
type Decoder struct {
	br   *bufio.Reader
	dec  *json.Decoder
	opt  Options
	line int

	started bool
	inArray bool
}

// NewDecoder constructs a Decoder from an io.Reader and Options.
func NewDecoder(r io.Reader, opt Options) *Decoder {
	br := bufio.NewReader(r)
	d := json.NewDecoder(br)
	// UseNumber so integers survive beyond 2^53.
	d.UseNumber()
	return &Decoder{br: br, dec: d, opt: opt}
}

// Line is the 1-based number of the record last returned.
func (d *Decoder) Line() int { return d.line }

// Next returns the next record, or io.EOF when the stream is exhausted.
func (d *Decoder) Next() (*schema.Row, error) {
	if !d.started {
		d.started = true
		if err := d.detectArray(); err != nil {
			return nil, err
		}
	}
	if d.inArray && !d.dec.More() {
		if _, err := d.dec.Token(); err != nil {
			return nil, fmt.Errorf("json: record %d: closing array: %w", d.line+1, err)
		}
		d.inArray = false
	}

	var obj map[string]any
	if err := d.dec.Decode(&obj); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, io.EOF
		}
		return nil, fmt.Errorf("json: record %d: %w", d.line+1, err)
	}
	if obj == nil {
		return nil, fmt.Errorf("json: record %d: not an object", d.line+1)
	}
	d.line++

	row := make(schema.Row, len(obj))
	for k, v := range obj {
		if mapped, ok := d.opt.HeaderMap[k]; ok && mapped != "" {
			k = mapped
		}
		row[k] = plain(v)
	}
	return &row, nil
}

// detectArray consumes a leading '[' so array elements decode like a stream.
func (d *Decoder) detectArray() error {
	for {
		b, err := d.br.ReadByte()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("json: read: %w", err)
		}
		switch b {
		case ' ', '\t', '\r', '\n':
			continue
		}
		if err := d.br.UnreadByte(); err != nil {
			return err
		}
		if b == '[' {
			if _, err := d.dec.Token(); err != nil {
				return fmt.Errorf("json: open array: %w", err)
			}
			d.inArray = true
		}
		return nil
	}
}

// plain replaces json.Number with int64 or float64, recursively.
func plain(v any) any {
	switch x := v.(type) {
	case json.Number:
		if n, err := x.Int64(); err == nil {
			return n
		}
		if f, err := x.Float64(); err == nil && !math.IsInf(f, 0) {
			return f
		}
		return x.String()
	case map[string]any:
		for k, e := range x {
			x[k] = plain(e)
		}
		return x
	case []any:
		for i, e := range x {
			x[i] = plain(e)
		}
		return x
	}
	return v
}

// Records streams the rows of r. The returned function reports the error that
// ended the sequence early, if any; call it after iteration.
func Records(r io.Reader, opt Options) (iter.Seq[*schema.Row], func() error) {
	var err error
	seq := func(yield func(*schema.Row) bool) {
		d := NewDecoder(r, opt)
		for {
			row, e := d.Next()
			if errors.Is(e, io.EOF) {
				return
			}
			if e != nil {
				err = e
				return
			}
			if !yield(row) {
				return
			}
		}
	}
	return seq, func() error { return err }
}

// Encoder writes rows as JSON Lines.
type Encoder struct {
	enc     *json.Encoder
	columns []string
}

// NewEncoder writes to w. When columns is non-empty only those keys are
// written; otherwise every key is.
func NewEncoder(w io.Writer, columns []string) *Encoder {
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	return &Encoder{enc: enc, columns: columns}
}

// Encode writes one row followed by a newline.
func (e *Encoder) Encode(row *schema.Row) error {
	if row == nil {
		return e.enc.Encode(nil)
	}
	if len(e.columns) == 0 {
		return e.enc.Encode(map[string]any(*row))
	}
	out := make(map[string]any, len(e.columns))
	for _, c := range e.columns {
		if v, ok := (*row)[c]; ok {
			out[c] = v
		}
	}
	return e.enc.Encode(out)
}
