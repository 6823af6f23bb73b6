// Package datasource opens job input by location: "-" for standard input, an
// http(s) URL, or a filesystem path. Locations ending in .gz or .zst are
// decompressed while streaming.
package datasource

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"path"
	"strings"

	"bulkupsert/internal/datasource/file"
	"bulkupsert/internal/datasource/httpds"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
)

// Source yields a fresh byte stream on every Open.
type Source interface {
	Open(ctx context.Context) (io.ReadCloser, error)
}

// Options configure remote sources.
type Options struct {
	HTTP httpds.Config
}

// For returns the source for location without opening it.
func For(location string, opt Options) Source {
	if isURL(location) {
		return httpds.NewSource(httpds.NewClient(opt.HTTP), location)
	}
	return file.NewLocal(location)
}

// Open opens location and unwraps its compression.
func Open(ctx context.Context, location string, opt Options) (io.ReadCloser, error) {
	rc, err := For(location, opt).Open(ctx)
	if err != nil {
		return nil, err
	}
	switch Compression(location) {
	case "gzip":
		zr, err := gzip.NewReader(rc)
		if err != nil {
			_ = rc.Close()
			return nil, fmt.Errorf("gzip %s: %w", location, err)
		}
		return &stacked{Reader: zr, closers: []io.Closer{zr, rc}}, nil
	case "zstd":
		zr, err := zstd.NewReader(rc)
		if err != nil {
			_ = rc.Close()
			return nil, fmt.Errorf("zstd %s: %w", location, err)
		}
		return &stacked{Reader: zr, closers: []io.Closer{zr.IOReadCloser(), rc}}, nil
	}
	return rc, nil
}

// Compression reports the codec implied by location's extension: "gzip",
// "zstd" or "".
func Compression(location string) string {
	switch path.Ext(Name(location)) {
	case ".gz", ".gzip":
		return "gzip"
	case ".zst", ".zstd":
		return "zstd"
	}
	return ""
}

// Name is the file name of location, without any URL query.
func Name(location string) string {
	if isURL(location) {
		if u, err := url.Parse(location); err == nil {
			return path.Base(u.Path)
		}
	}
	return path.Base(location)
}

// Base is Name without its compression extension, e.g. "orders.csv" for
// "https://host/exports/orders.csv.gz?sig=x".
func Base(location string) string {
	n := Name(location)
	if Compression(location) != "" {
		n = strings.TrimSuffix(n, path.Ext(n))
	}
	return n
}

func isURL(location string) bool {
	l := strings.ToLower(location)
	return strings.HasPrefix(l, "http://") || strings.HasPrefix(l, "https://")
}

type stacked struct {
	io.Reader
	closers []io.Closer
}

func (s *stacked) Close() error {
	var first error
	for _, c := range s.closers {
		if err := c.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}
