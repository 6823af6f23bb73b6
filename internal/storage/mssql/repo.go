// Package mssql implements the SQL Server storage backend on go-mssqldb. Rows
// reach the server through the TDS bulk copy API (mssql.CopyIn); staging
// tables are session temp tables, so every session pins one connection.
package mssql

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"net"
	"strings"

	"bulkupsert/internal/errs"
	"bulkupsert/internal/sqlgen"
	"bulkupsert/internal/storage"

	mssql "github.com/microsoft/go-mssqldb"
	"github.com/microsoft/go-mssqldb/msdsn"
)

// querier is the subset shared by *sql.Conn and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	PrepareContext(ctx context.Context, query string) (*sql.Stmt, error)
}

// Session runs statements on one pinned connection or on the caller's
// transaction.
type Session struct {
	q    querier
	conn *sql.Conn // non-nil when the session acquired the connection
	inTx bool
}

var _ storage.Session = (*Session)(nil)

// isSQLServer reports whether a pool uses go-mssqldb. Tests replace it to run
// sessions over a fake driver.
var isSQLServer = func(d driver.Driver) bool {
	_, ok := d.(*mssql.Driver)
	return ok
}

// isSQLServerConn reports whether a raw driver connection is go-mssqldb.
var isSQLServerConn = func(dc any) bool {
	_, ok := dc.(*mssql.Conn)
	return ok
}

// openDB is a test hook for Connect.
var openDB = func(dsn string) (*sql.DB, error) { return sql.Open("sqlserver", dsn) }

func init() {
	storage.Register("mssql", storage.Backend{Open: Open, Dialect: Dialect, Connect: Connect})
}

// Open opens a session over a *sql.DB or *sql.Conn backed by go-mssqldb. A
// non-nil tx must be a *sql.Tx begun on the same pool; the session then runs
// every statement inside it and never commits or rolls it back.
func Open(ctx context.Context, handle, tx any) (storage.Session, bool, error) {
	var (
		db   *sql.DB
		conn *sql.Conn
	)
	switch h := handle.(type) {
	case *sql.DB:
		if !isSQLServer(h.Driver()) {
			return nil, false, nil
		}
		db = h
	case *sql.Conn:
		ok := false
		if err := h.Raw(func(dc any) error {
			ok = isSQLServerConn(dc)
			return nil
		}); err != nil {
			return nil, true, fmt.Errorf("inspect conn: %w", err)
		}
		if !ok {
			return nil, false, nil
		}
		conn = h
	default:
		return nil, false, nil
	}

	if tx != nil {
		t, ok := tx.(*sql.Tx)
		if !ok {
			return nil, true, &errs.UnsupportedConnectionError{Handle: fmt.Sprintf("%T", tx)}
		}
		return &Session{q: t, inTx: true}, true, nil
	}
	if conn != nil {
		return &Session{q: conn}, true, nil
	}
	c, err := db.Conn(ctx)
	if err != nil {
		return nil, true, fmt.Errorf("acquire conn: %w", err)
	}
	return &Session{q: c, conn: c}, true, nil
}

// Dialect claims the handles Open accepts. Only the driver type is inspected.
func Dialect(handle any) (sqlgen.Dialect, bool) {
	switch h := handle.(type) {
	case *sql.DB:
		return sqlgen.SQLServer{}, isSQLServer(h.Driver())
	case *sql.Conn:
		ok := false
		if err := h.Raw(func(dc any) error {
			ok = isSQLServerConn(dc)
			return nil
		}); err != nil {
			// A closed conn is reported by Open.
			return sqlgen.SQLServer{}, true
		}
		return sqlgen.SQLServer{}, ok
	}
	return nil, false
}

// Connect opens and pings a go-mssqldb pool.
func Connect(ctx context.Context, dsn string) (any, func(), error) {
	// Validate DSN early to fail fast on obvious mistakes.
	if _, err := msdsn.Parse(dsn); err != nil {
		return nil, nil, fmt.Errorf("mssql dsn: %w", err)
	}
	db, err := openDB(dsn)
	if err != nil {
		return nil, nil, fmt.Errorf("sql.Open: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, nil, fmt.Errorf("ping: %w", err)
	}
	return db, func() { _ = db.Close() }, nil
}

func (s *Session) Dialect() sqlgen.Dialect { return sqlgen.SQLServer{} }

func (s *Session) InTransaction() bool { return s.inTx }

func (s *Session) Exec(ctx context.Context, query string, args ...any) (int64, error) {
	res, err := s.q.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("rows affected: %w", err)
	}
	return n, nil
}

func (s *Session) Query(ctx context.Context, query string, args ...any) (storage.ResultRows, error) {
	rows, err := s.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	return rows, nil
}

// BulkLoad bulk-copies src into table in batches of opts.BatchSize.
func (s *Session) BulkLoad(ctx context.Context, table storage.Table, src storage.Rows, opts storage.BulkOptions) (int64, error) {
	name := msIdent(table.Name)
	if table.Schema != "" {
		name = msIdent(table.Schema) + "." + name
	}
	bulk := mssql.BulkOptions{
		CheckConstraints: opts.CheckConstraints,
		FireTriggers:     opts.FireTriggers,
		Tablock:          opts.TableLock,
		KeepNulls:        true,
	}
	p := storage.NewProgress(opts.Log, opts.LabelFor(table))
	copyFn := func(ctx context.Context, columns []string, rows [][]any) (int64, error) {
		bulk.RowsPerBatch = len(rows)
		return s.copyIn(ctx, name, bulk, columns, rows)
	}
	return storage.Load(ctx, src, opts.BatchSize, opts.ReadAhead, copyFn, p)
}

// copyIn performs one bulk insert of rows into the quoted table name.
func (s *Session) copyIn(ctx context.Context, table string, opts mssql.BulkOptions, columns []string, rows [][]any) (int64, error) {
	if len(rows) == 0 {
		return 0, nil
	}
	stmt, err := s.q.PrepareContext(ctx, mssql.CopyIn(table, opts, columns...))
	if err != nil {
		return 0, fmt.Errorf("prepare bulk: %w", err)
	}
	for i := range rows {
		if _, err := stmt.ExecContext(ctx, rows[i]...); err != nil {
			_ = stmt.Close()
			return 0, fmt.Errorf("bulk row %d: %w", i, err)
		}
	}
	res, err := stmt.ExecContext(ctx)
	if cerr := stmt.Close(); cerr != nil && err == nil {
		err = cerr
	}
	if err != nil {
		return 0, fmt.Errorf("bulk finalize: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("rows affected: %w", err)
	}
	return n, nil
}

func (s *Session) Classify(err error) string { return Classify(err) }

// Close returns an acquired connection to the pool. Caller-owned connections
// and transactions are left alone.
func (s *Session) Close() error {
	if s.conn == nil {
		return nil
	}
	err := s.conn.Close()
	s.conn = nil
	return err
}

// SQL Server error numbers mapped by Classify.
const (
	errConstraintConflict = 547
	errNullInsert         = 515
	errUniqueIndex        = 2601
	errUniqueConstraint   = 2627
	errDeadlockVictim     = 1205
	errMergeDuplicate     = 8672
	errTruncation         = 8152
	errTruncationDetail   = 2628
	errSyntax             = 102
	errKeywordSyntax      = 156
	errInvalidColumn      = 207
	errInvalidObject      = 208
	errInvalidMultipart   = 4104
)

// Classify maps go-mssqldb errors onto errs categories.
func Classify(err error) string {
	if c := storage.ClassifyContext(err); c != "" {
		return c
	}
	var me mssql.Error
	if errors.As(err, &me) {
		switch me.Number {
		case errUniqueIndex, errUniqueConstraint:
			return errs.CategoryUnique
		case errConstraintConflict:
			if strings.Contains(strings.ToUpper(me.Message), "FOREIGN KEY") {
				return errs.CategoryForeignKey
			}
			return errs.CategoryConstraint
		case errNullInsert:
			return errs.CategoryNotNull
		case errTruncation, errTruncationDetail:
			return errs.CategoryConstraint
		case errMergeDuplicate:
			return errs.CategoryDuplicate
		case errDeadlockVictim:
			return errs.CategoryDeadlock
		case errSyntax, errKeywordSyntax, errInvalidColumn, errInvalidObject, errInvalidMultipart:
			return errs.CategorySyntax
		}
		return errs.CategoryEngine
	}
	if errors.Is(err, driver.ErrBadConn) {
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

// msIdent safely quotes a SQL Server identifier using [brackets], escaping ].
func msIdent(id string) string { return sqlgen.SQLServer{}.QuoteIdent(id) }
