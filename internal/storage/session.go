// Package storage contains the engine-agnostic contracts for bulk loading and
// SQL execution, plus the registry that maps connection handles to backends.
//
// Backends (mssql, postgres) register themselves from init; importing
// bulkupsert/internal/storage/all enables every built-in backend.
package storage

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"bulkupsert/internal/errs"
	"bulkupsert/internal/sqlgen"

	"github.com/rs/zerolog"
)

// Rows is the forward-only tabular source a transport drains. Transports call
// IsNull before Value for every cell.
type Rows interface {
	Advance(ctx context.Context) bool
	Err() error
	FieldCount() int
	Name(i int) string
	IsNull(i int) bool
	Value(i int) any
}

// ResultRows is a forward cursor over a query result. *sql.Rows satisfies it.
type ResultRows interface {
	Next() bool
	Scan(dest ...any) error
	Err() error
	Close() error
}

// Table names a table, optionally schema-qualified.
type Table struct {
	Schema string
	Name   string
}

func (t Table) String() string {
	if t.Schema == "" {
		return t.Name
	}
	return t.Schema + "." + t.Name
}

// BulkOptions tune a bulk load.
type BulkOptions struct {
	// BatchSize is the number of rows per transport batch.
	BatchSize int
	// CheckConstraints enforces CHECK and FOREIGN KEY constraints while loading.
	CheckConstraints bool
	// FireTriggers runs insert triggers on the loaded table.
	FireTriggers bool
	// TableLock takes a bulk-update table lock for the duration of the load.
	TableLock bool
	// ReadAhead is the number of rows buffered between the source and the
	// writer. Zero pulls rows synchronously.
	ReadAhead int
	// Log receives per-batch progress lines.
	Log zerolog.Logger
	// Label names the load in progress lines and metrics. Empty means the
	// table name.
	Label string
}

// LabelFor returns o.Label, or the table name when unset.
func (o BulkOptions) LabelFor(t Table) string {
	if o.Label != "" {
		return o.Label
	}
	return t.String()
}

// Session is one pinned connection (or the caller's transaction) on a
// specific engine. Temp tables created through a session are visible to every
// later call on it. Sessions are not safe for concurrent use.
type Session interface {
	Dialect() sqlgen.Dialect
	// InTransaction reports whether the session runs inside a caller-owned
	// transaction.
	InTransaction() bool
	Exec(ctx context.Context, query string, args ...any) (int64, error)
	Query(ctx context.Context, query string, args ...any) (ResultRows, error)
	// BulkLoad streams src into table through the engine's bulk transport and
	// returns the number of rows written. Column names come from src.
	BulkLoad(ctx context.Context, table Table, src Rows, opts BulkOptions) (int64, error)
	// Classify maps an error from this session to an errs.Category* value.
	Classify(err error) string
	// Close releases the pinned connection. It never ends a caller-owned
	// transaction.
	Close() error
}

// Backend wires one engine into the registry.
type Backend struct {
	// Open returns ok=false when handle belongs to another engine. tx is nil
	// or a transaction handle of the same engine.
	Open func(ctx context.Context, handle, tx any) (s Session, ok bool, err error)
	// Dialect reports the SQL dialect for handle without acquiring a
	// connection; ok=false when handle belongs to another engine.
	Dialect func(handle any) (d sqlgen.Dialect, ok bool)
	// Connect opens a connection pool from a DSN. The returned handle is
	// accepted by Open; closeFn releases it.
	Connect func(ctx context.Context, dsn string) (handle any, closeFn func(), err error)
}

var (
	mu       sync.RWMutex
	backends = map[string]Backend{}
)

// Register registers (or replaces) the backend for kind. It is typically
// called from backend packages' init functions.
func Register(kind string, b Backend) {
	mu.Lock()
	defer mu.Unlock()
	backends[kind] = b
}

// Kinds lists the registered backend kinds in sorted order.
func Kinds() []string {
	mu.RLock()
	defer mu.RUnlock()
	out := make([]string, 0, len(backends))
	for k := range backends {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func lookup(kind string) (Backend, bool) {
	mu.RLock()
	defer mu.RUnlock()
	b, ok := backends[kind]
	return b, ok
}

// Open finds the backend that recognizes handle and opens a session on it,
// joining tx when non-nil. A handle no backend recognizes is an
// *errs.UnsupportedConnectionError.
func Open(ctx context.Context, handle, tx any) (Session, error) {
	if handle == nil {
		return nil, errs.Argument("connection", "")
	}
	for _, kind := range Kinds() {
		b, _ := lookup(kind)
		if b.Open == nil {
			continue
		}
		s, ok, err := b.Open(ctx, handle, tx)
		if !ok {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("%s: open session: %w", kind, err)
		}
		return s, nil
	}
	return nil, &errs.UnsupportedConnectionError{Handle: fmt.Sprintf("%T", handle)}
}

// DialectOf finds the backend that recognizes handle and returns its dialect.
// Nothing is opened, so statements can be rendered and checked before any
// connection work. A handle no backend recognizes is an
// *errs.UnsupportedConnectionError.
func DialectOf(handle any) (sqlgen.Dialect, error) {
	if handle == nil {
		return nil, errs.Argument("connection", "")
	}
	for _, kind := range Kinds() {
		b, _ := lookup(kind)
		if b.Dialect == nil {
			continue
		}
		if d, ok := b.Dialect(handle); ok {
			return d, nil
		}
	}
	return nil, &errs.UnsupportedConnectionError{Handle: fmt.Sprintf("%T", handle)}
}

// Connect opens a pool for kind from dsn.
func Connect(ctx context.Context, kind, dsn string) (any, func(), error) {
	b, ok := lookup(kind)
	if !ok || b.Connect == nil {
		return nil, nil, errs.Argument("kind", fmt.Sprintf("no storage backend registered for %q", kind))
	}
	return b.Connect(ctx, dsn)
}

// ClassifyContext returns the category for context errors, or "" when err is
// not one.
func ClassifyContext(err error) string {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return errs.CategoryTimeout
	case errors.Is(err, context.Canceled):
		return errs.CategoryCanceled
	}
	return ""
}
