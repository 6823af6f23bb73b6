// Package all wires all built-in storage backends into the storage registry.
//
// This package exists purely for side effects: importing it (even as a blank
// import) runs the init functions of each concrete backend, which register
// their openers with the storage package. After that, storage.Open accepts:
//
//   - "mssql":    *sql.DB or *sql.Conn on go-mssqldb, optionally with a *sql.Tx
//   - "postgres": *pgxpool.Pool, *pgxpool.Conn or *pgx.Conn, optionally with a pgx.Tx
//
// Typical usage (in cmd/bulkupsert or a similar wiring layer):
//
//	import (
//	    _ "bulkupsert/internal/storage/all" // enable all built-in backends
//
//	    "bulkupsert/internal/upsert"
//	)
//
//	res, err := upsert.BulkUpsert(ctx, db, nil, slices.Values(records), []string{"Code"}, nil, upsert.Config{})
//
// If you want a binary that supports only a subset of backends, import the
// backend packages directly instead of this one.
package all

import (
	_ "bulkupsert/internal/storage/mssql"
	_ "bulkupsert/internal/storage/postgres"
)
