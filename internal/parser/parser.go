// Package parser selects the record decoder for an input format.
package parser

import (
	"fmt"
	"io"
	"iter"
	"path"
	"strings"

	"bulkupsert/internal/parser/csv"
	"bulkupsert/internal/parser/json"
	"bulkupsert/internal/schema"
)

// Input formats.
const (
	FormatJSONL = "jsonl"
	FormatCSV   = "csv"
)

// Formats lists the supported input formats.
func Formats() []string { return []string{FormatJSONL, FormatCSV} }

// Options select and tune the decoder.
type Options struct {
	// Format is FormatJSONL or FormatCSV.
	Format string
	// HeaderMap renames input fields to column names.
	HeaderMap map[string]string
	CSV       csv.Options
}

// Detect infers the format from a file name: .csv and .tsv are CSV (.tsv
// also implies a tab delimiter), anything else is JSON Lines.
func Detect(name string, opt Options) Options {
	ext := strings.ToLower(path.Ext(name))
	if opt.Format == "" {
		opt.Format = FormatJSONL
		if ext == ".csv" || ext == ".tsv" {
			opt.Format = FormatCSV
		}
	}
	if ext == ".tsv" && opt.CSV.Comma == "" {
		opt.CSV.Comma = "\t"
	}
	return opt
}

// Records streams the rows of r in opt.Format. The returned function reports
// the error that ended the sequence early; call it after iteration.
func Records(r io.Reader, opt Options) (iter.Seq[*schema.Row], func() error, error) {
	switch opt.Format {
	case FormatJSONL:
		seq, errFn := json.Records(r, json.Options{HeaderMap: opt.HeaderMap})
		return seq, errFn, nil
	case FormatCSV:
		c := opt.CSV
		c.HeaderMap = opt.HeaderMap
		seq, errFn := csv.Records(r, c)
		return seq, errFn, nil
	}
	return nil, nil, fmt.Errorf("parser: unknown input format %q", opt.Format)
}
