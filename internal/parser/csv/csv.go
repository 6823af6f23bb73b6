// Package csv streams delimited text as map-backed rows. Memory stays bounded
// by one record; the input is never buffered whole.
package csv

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"iter"
	"strings"
	"unicode/utf8"

	"bulkupsert/internal/schema"
)

const utf8BOM = "\uFEFF"

// Options configure the reader. The zero value reads comma-separated input
// whose first line names the columns.
type Options struct {
	// Comma is the field delimiter; "\t" reads TSV. Empty means ",".
	Comma string `yaml:"comma" json:"comma"`

	// NoHeader treats the first line as data. Fields are then named by
	// Columns, positionally.
	NoHeader bool     `yaml:"no_header" json:"no_header"`
	Columns  []string `yaml:"-" json:"-"`

	// TrimSpace trims surrounding whitespace from every field.
	TrimSpace bool `yaml:"trim_space" json:"trim_space"`

	// LazyQuotes tolerates bare quotes inside unquoted fields.
	LazyQuotes bool `yaml:"lazy_quotes" json:"lazy_quotes"`

	// HeaderMap renames header cells (original -> column). Unmapped cells
	// are lowercased with spaces replaced by underscores.
	HeaderMap map[string]string `yaml:"-" json:"-"`
}

// Delimiter returns the configured delimiter rune.
func (o Options) Delimiter() (rune, error) {
	if o.Comma == "" {
		return ',', nil
	}
	r, size := utf8.DecodeRuneInString(o.Comma)
	if size != len(o.Comma) || r == utf8.RuneError || r == '"' || r == '\r' || r == '\n' {
		return 0, fmt.Errorf("csv: invalid delimiter %q", o.Comma)
	}
	return r, nil
}

// Decoder reads one row per record. Empty fields decode as nil.
type Decoder struct {
	cr      *csv.Reader
	opt     Options
	headers []string
	started bool
	n       int
}

// NewDecoder reads from r.
func NewDecoder(r io.Reader, opt Options) *Decoder {
	cr := csv.NewReader(r)
	cr.ReuseRecord = true
	cr.LazyQuotes = opt.LazyQuotes
	cr.FieldsPerRecord = -1
	return &Decoder{cr: cr, opt: opt}
}

// Records returns the number of data records decoded so far.
func (d *Decoder) Records() int { return d.n }

// Headers returns the column name of every field, available after the first
// call to Next.
func (d *Decoder) Headers() []string { return d.headers }

func (d *Decoder) start() error {
	d.started = true
	comma, err := d.opt.Delimiter()
	if err != nil {
		return err
	}
	d.cr.Comma = comma

	if d.opt.NoHeader {
		if len(d.opt.Columns) == 0 {
			return errors.New("csv: no_header needs column names")
		}
		d.headers = d.opt.Columns
		return nil
	}
	h, err := d.cr.Read()
	if errors.Is(err, io.EOF) {
		return io.EOF
	}
	if err != nil {
		return fmt.Errorf("csv: read header: %w", err)
	}
	d.headers = normalizeHeaders(h, d.opt.HeaderMap)
	return nil
}

// Next returns the next row, or io.EOF when the input is exhausted. A record
// whose width differs from the header is an error.
func (d *Decoder) Next() (*schema.Row, error) {
	if !d.started {
		if err := d.start(); err != nil {
			return nil, err
		}
	}
	rec, err := d.cr.Read()
	if errors.Is(err, io.EOF) {
		return nil, io.EOF
	}
	if err != nil {
		return nil, fmt.Errorf("csv: %w", err)
	}
	if len(rec) != len(d.headers) {
		line, _ := d.cr.FieldPos(0)
		return nil, fmt.Errorf("csv: line %d: expected %d fields, got %d", line, len(d.headers), len(rec))
	}
	d.n++

	row := make(schema.Row, len(rec))
	for i, v := range rec {
		if d.opt.TrimSpace {
			v = strings.TrimSpace(v)
		}
		if v == "" {
			row[d.headers[i]] = nil
			continue
		}
		row[d.headers[i]] = strings.Clone(v)
	}
	return &row, nil
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

func normalizeHeaders(h []string, headerMap map[string]string) []string {
	out := make([]string, len(h))
	for i, c := range h {
		c = strings.TrimSpace(c)
		if i == 0 {
			c = strings.TrimPrefix(c, utf8BOM)
		}
		if m, ok := headerMap[c]; ok && m != "" {
			out[i] = m
			continue
		}
		out[i] = strings.ReplaceAll(strings.ToLower(c), " ", "_")
	}
	return out
}
