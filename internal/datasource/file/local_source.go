// Package file opens job input from the local filesystem.
package file

import (
	"context"
	"fmt"
	"io"
	"os"
)

// Stdin is the path that reads standard input.
const Stdin = "-"

// Local opens one file, or standard input for Stdin.
type Local struct {
	path  string
	stdin io.Reader
}

// NewLocal returns a Local bound to path.
func NewLocal(path string) *Local { return &Local{path: path, stdin: os.Stdin} }

// Open returns the file for reading. It fails fast with ctx's error when ctx
// is already done. Filesystem errors keep their identity for errors.Is.
// Closing a standard input stream is a no-op.
func (l *Local) Open(ctx context.Context) (io.ReadCloser, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if l.path == Stdin {
		return io.NopCloser(l.stdin), nil
	}
	f, err := os.Open(l.path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", l.path, err)
	}
	return f, nil
}
