// Package postgres implements the PostgreSQL storage backend on pgx v5. Rows
// reach the server through COPY FROM STDIN; staging tables are session temp
// tables, so every session pins one connection.
//
// The bulk flags CheckConstraints, FireTriggers and TableLock are SQL Server
// bulk-copy options; COPY always checks constraints and fires triggers. pgx
// already encodes rows concurrently with network writes, so ReadAhead is
// ignored as well.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"

	"bulkupsert/internal/errs"
	"bulkupsert/internal/sqlgen"
	"bulkupsert/internal/storage"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// querier is the subset shared by *pgx.Conn, *pgxpool.Conn and pgx.Tx.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	CopyFrom(ctx context.Context, table pgx.Identifier, columns []string, src pgx.CopyFromSource) (int64, error)
}

// Session runs statements on one pinned connection or on the caller's
// transaction.
type Session struct {
	q       querier
	release func() // non-nil when the session acquired the connection
	inTx    bool
}

var _ storage.Session = (*Session)(nil)

func init() {
	storage.Register("postgres", storage.Backend{Open: Open, Dialect: Dialect, Connect: Connect})
}

// Dialect claims the handles Open accepts.
func Dialect(handle any) (sqlgen.Dialect, bool) {
	switch handle.(type) {
	case *pgxpool.Pool, *pgxpool.Conn, *pgx.Conn:
		return sqlgen.Postgres{}, true
	}
	return nil, false
}

// Open opens a session over a *pgxpool.Pool, *pgxpool.Conn or *pgx.Conn. A
// non-nil tx must be a pgx.Tx begun on the same database; the session then
// runs every statement inside it and never commits or rolls it back.
func Open(ctx context.Context, handle, tx any) (storage.Session, bool, error) {
	var pool *pgxpool.Pool
	var q querier
	switch h := handle.(type) {
	case *pgxpool.Pool:
		pool = h
	case *pgxpool.Conn:
		q = h
	case *pgx.Conn:
		q = h
	default:
		return nil, false, nil
	}

	if tx != nil {
		t, ok := tx.(pgx.Tx)
		if !ok {
			return nil, true, &errs.UnsupportedConnectionError{Handle: fmt.Sprintf("%T", tx)}
		}
		return &Session{q: t, inTx: true}, true, nil
	}
	if q != nil {
		return &Session{q: q}, true, nil
	}
	c, err := pool.Acquire(ctx)
	if err != nil {
		return nil, true, fmt.Errorf("acquire conn: %w", err)
	}
	return &Session{q: c, release: c.Release}, true, nil
}

// Connect opens and pings a pgx pool.
func Connect(ctx context.Context, dsn string) (any, func(), error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, nil, fmt.Errorf("postgres dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, nil, fmt.Errorf("pgxpool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, nil, fmt.Errorf("ping: %w", err)
	}
	return pool, pool.Close, nil
}

func (s *Session) Dialect() sqlgen.Dialect { return sqlgen.Postgres{} }

func (s *Session) InTransaction() bool { return s.inTx }

func (s *Session) Exec(ctx context.Context, query string, args ...any) (int64, error) {
	tag, err := s.q.Exec(ctx, query, args...)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func (s *Session) Query(ctx context.Context, query string, args ...any) (storage.ResultRows, error) {
	rows, err := s.q.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	return resultRows{rows}, nil
}

// BulkLoad streams src into table with a single COPY. Progress is reported
// every opts.BatchSize rows.
func (s *Session) BulkLoad(ctx context.Context, table storage.Table, src storage.Rows, opts storage.BulkOptions) (int64, error) {
	if opts.BatchSize <= 0 {
		return 0, fmt.Errorf("batchSize must be > 0")
	}
	ident := pgx.Identifier{table.Name}
	if table.Schema != "" {
		ident = pgx.Identifier{table.Schema, table.Name}
	}
	p := storage.NewProgress(opts.Log, opts.LabelFor(table))
	tracked := storage.Tracked(src, opts.BatchSize, p)
	n, err := s.q.CopyFrom(ctx, ident, storage.Columns(src), &copySource{ctx: ctx, src: tracked})
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Detail != "" {
			return n, fmt.Errorf("copy into %s: %s (%s): %w", table, pgErr.Detail, pgErr.SQLState(), err)
		}
		return n, fmt.Errorf("copy into %s: %w", table, err)
	}
	return n, nil
}

func (s *Session) Classify(err error) string { return Classify(err) }

// Close releases an acquired connection back to the pool. Caller-owned
// connections and transactions are left alone.
func (s *Session) Close() error {
	if s.release != nil {
		s.release()
		s.release = nil
	}
	return nil
}

// copySource adapts storage.Rows to pgx.CopyFromSource.
type copySource struct {
	ctx context.Context
	src storage.Rows
}

func (c *copySource) Next() bool { return c.src.Advance(c.ctx) }

func (c *copySource) Values() ([]any, error) { return storage.RowValues(c.src), nil }

func (c *copySource) Err() error { return c.src.Err() }

// resultRows adapts pgx.Rows, whose Close returns nothing.
type resultRows struct{ pgx.Rows }

func (r resultRows) Close() error {
	r.Rows.Close()
	return nil
}

// Classify maps pgx errors onto errs categories by SQLSTATE.
func Classify(err error) string {
	if c := storage.ClassifyContext(err); c != "" {
		return c
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "23505":
			return errs.CategoryUnique
		case "23503":
			return errs.CategoryForeignKey
		case "23502":
			return errs.CategoryNotNull
		case "21000": // MERGE touched a target row twice
			return errs.CategoryDuplicate
		case "40P01":
			return errs.CategoryDeadlock
		case "57014":
			return errs.CategoryTimeout
		}
		switch {
		case strings.HasPrefix(pgErr.Code, "23"), strings.HasPrefix(pgErr.Code, "22"):
			return errs.CategoryConstraint
		case strings.HasPrefix(pgErr.Code, "42"):
			return errs.CategorySyntax
		case strings.HasPrefix(pgErr.Code, "08"):
			return errs.CategoryTransport
		}
		return errs.CategoryEngine
	}
	if pgconn.Timeout(err) {
		return errs.CategoryTimeout
	}
	var ce *pgconn.ConnectError
	if errors.As(err, &ce) {
		return errs.CategoryTransport
	}
	var ne net.Error
	if errors.As(err, &ne) {
		if ne.Timeout() {
			return errs.CategoryTimeout
		}
		return errs.CategoryTransport
	}
	return errs.CategoryEngine
}
