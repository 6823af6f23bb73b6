// Package upsert pushes collections of typed records into a table through the
// engine's bulk-load transport and optionally reconciles them against existing
// rows with a single MERGE.
//
// Every operation follows the same sequence on one pinned connection (or the
// caller's transaction):
//
//	connect -> create staging table -> bulk load -> MERGE -> drop staging
//
// BulkInsert without identity reconciliation skips staging and loads the
// target table directly.
//
// Re-running a batch with an unchanged match set is idempotent for rows that
// already exist (they are updated to the same values) but not for the insert
// path: unmatched records are inserted again and acquire new identities.
package upsert

import (
	"context"
	"iter"

	"bulkupsert/internal/config"
	"bulkupsert/internal/errs"
	"bulkupsert/internal/predicate"
	"bulkupsert/internal/schema"

	"github.com/rs/zerolog"
)

var defaultCatalog = schema.NewCatalog()

// ClearCache drops the metadata cached by operations that run without an
// explicit Catalog.
func ClearCache() { defaultCatalog.ClearCache() }

// Config carries the per-call settings. The zero value uses config.Defaults,
// struct tags, the package catalog and a disabled logger.
//
// A partly set Options gets the default BatchSize and Timeout when those are
// zero. Boolean options are used as given, so callers changing a few settings
// should start from config.Defaults().
type Config struct {
	Options config.Options

	// Provider maps the record type onto a table. Nil means schema.TagProvider.
	Provider schema.Provider
	// Catalog caches metadata across calls. Nil means the package catalog.
	Catalog *schema.Catalog

	Log zerolog.Logger
}

func (c Config) withDefaults() Config {
	d := config.Defaults()
	if c.Options == (config.Options{}) {
		c.Options = d
	}
	if c.Options.BatchSize == 0 {
		c.Options.BatchSize = d.BatchSize
	}
	if c.Options.Timeout == 0 {
		c.Options.Timeout = d.Timeout
	}
	if c.Provider == nil {
		c.Provider = schema.TagProvider{}
	}
	if c.Catalog == nil {
		c.Catalog = defaultCatalog
	}
	return c
}

// Result summarizes one operation. Inserted, Updated and Deleted are only
// counted when identities are reconciled (the MERGE then reports an action per
// row); otherwise RowsAffected carries the engine's total.
type Result struct {
	// Loaded is the number of rows written by the bulk transport.
	Loaded       int64
	Inserted     int64
	Updated      int64
	Deleted      int64
	RowsAffected int64
}

// DeleteScope bounds the not-matched-by-source delete of
// BulkUpsertWithDeleteScope. The zero value is rejected so that forgetting a
// scope never deletes the whole table.
type DeleteScope struct {
	expr     predicate.Expr
	unscoped bool
}

// ScopedBy deletes unmatched target rows for which e holds.
func ScopedBy(e predicate.Expr) DeleteScope { return DeleteScope{expr: e} }

// Unscoped deletes every target row the batch does not match.
func Unscoped() DeleteScope { return DeleteScope{unscoped: true} }

// IsZero reports whether s was never set.
func (s DeleteScope) IsZero() bool { return s.expr == nil && !s.unscoped }

func (s DeleteScope) String() string {
	switch {
	case s.unscoped:
		return "unscoped"
	case s.expr != nil:
		return "scoped(" + s.expr.Kind() + ")"
	}
	return "unset"
}

// BulkInsert loads records into T's table. With Options.ReconcileIdentity the
// generated identity values are written back onto the records.
func BulkInsert[T any](ctx context.Context, conn, tx any, records iter.Seq[*T], cfg Config) (Result, error) {
	return run(ctx, conn, tx, records, operation{name: "insert"}, cfg)
}

// BulkUpsert inserts records that match no existing row and updates the ones
// that do. match lists the properties (or column names) correlating records
// with rows; nil means the single-column primary key. update lists the
// properties to overwrite on match; nil means every non-match, non-identity
// column. When several records share a match key the last one wins.
func BulkUpsert[T any](ctx context.Context, conn, tx any, records iter.Seq[*T], match, update []string, cfg Config) (Result, error) {
	return run(ctx, conn, tx, records, operation{name: "upsert", upsert: true, match: match, update: update}, cfg)
}

// BulkUpsertWithDeleteScope is BulkUpsert that also deletes the target rows
// within scope that the batch does not match. scope must be ScopedBy or
// Unscoped. An empty record collection never deletes anything.
func BulkUpsertWithDeleteScope[T any](ctx context.Context, conn, tx any, records iter.Seq[*T], match, update []string, scope DeleteScope, cfg Config) (Result, error) {
	if scope.IsZero() {
		return Result{}, errs.Argument("deleteScope", "use ScopedBy(expr) or Unscoped()")
	}
	op := operation{name: "upsert_delete", upsert: true, match: match, update: update, delete: true, scope: scope}
	return run(ctx, conn, tx, records, op, cfg)
}
