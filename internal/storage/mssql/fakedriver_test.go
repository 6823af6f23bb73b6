package mssql

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"testing"
)

// --- Test driver plumbing for exercising sessions without a real server --

type fakeDriver struct{}

// otherDriver is a driver the backend must not claim.
type otherDriver struct{ fakeDriver }

type fakeLog struct {
	mu       sync.Mutex
	execs    []string
	prepared []string
	bulk     [][]any
	commits  int
	execErr  error
	bulkErr  error
	columns  []string
	result   [][]driver.Value
}

func (l *fakeLog) snapshot() (execs, prepared []string, bulk [][]any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.execs...), append([]string(nil), l.prepared...), append([][]any(nil), l.bulk...)
}

var (
	fakeLogs   sync.Map // dsn -> *fakeLog
	fakeSeq    atomic.Int64
	registerMu sync.Once
)

func init() {
	prevDriver, prevConn := isSQLServer, isSQLServerConn
	isSQLServer = func(d driver.Driver) bool {
		if _, ok := d.(fakeDriver); ok {
			return true
		}
		return prevDriver(d)
	}
	isSQLServerConn = func(dc any) bool {
		if c, ok := dc.(*fakeConn); ok {
			return !c.other
		}
		return prevConn(dc)
	}
}

func (fakeDriver) Open(name string) (driver.Conn, error) {
	v, _ := fakeLogs.LoadOrStore(name, &fakeLog{})
	return &fakeConn{log: v.(*fakeLog)}, nil
}

func (d otherDriver) Open(name string) (driver.Conn, error) {
	c, err := d.fakeDriver.Open(name)
	c.(*fakeConn).other = true
	return c, err
}

// openFake opens a pool over a fresh fake log.
func openFake(t *testing.T, driverName string) (*sql.DB, *fakeLog) {
	t.Helper()
	registerMu.Do(func() {
		sql.Register("mssql_fake", fakeDriver{})
		sql.Register("mssql_fake_other", otherDriver{})
	})
	dsn := fmt.Sprintf("fake-%d", fakeSeq.Add(1))
	log := &fakeLog{}
	fakeLogs.Store(dsn, log)
	db, err := sql.Open(driverName, dsn)
	if err != nil {
		t.Fatalf("sql.Open(%q) error = %v", driverName, err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db, log
}

type fakeConn struct {
	log   *fakeLog
	other bool
}

func (c *fakeConn) Prepare(query string) (driver.Stmt, error) {
	c.log.mu.Lock()
	defer c.log.mu.Unlock()
	c.log.prepared = append(c.log.prepared, query)
	return &fakeStmt{log: c.log}, nil
}

func (c *fakeConn) Close() error { return nil }

func (c *fakeConn) Begin() (driver.Tx, error) { return &fakeTx{log: c.log}, nil }

func (c *fakeConn) ExecContext(_ context.Context, query string, _ []driver.NamedValue) (driver.Result, error) {
	c.log.mu.Lock()
	defer c.log.mu.Unlock()
	c.log.execs = append(c.log.execs, query)
	if c.log.execErr != nil {
		return nil, c.log.execErr
	}
	return driver.RowsAffected(3), nil
}

func (c *fakeConn) QueryContext(_ context.Context, query string, _ []driver.NamedValue) (driver.Rows, error) {
	c.log.mu.Lock()
	defer c.log.mu.Unlock()
	c.log.execs = append(c.log.execs, query)
	if c.log.execErr != nil {
		return nil, c.log.execErr
	}
	return &fakeRows{columns: c.log.columns, data: c.log.result}, nil
}

type fakeTx struct{ log *fakeLog }

func (t *fakeTx) Commit() error {
	t.log.mu.Lock()
	defer t.log.mu.Unlock()
	t.log.commits++
	return nil
}

func (t *fakeTx) Rollback() error { return nil }

type fakeStmt struct {
	log  *fakeLog
	rows int64
}

func (s *fakeStmt) Close() error  { return nil }
func (s *fakeStmt) NumInput() int { return -1 }

// Exec buffers one bulk row per call; a call without arguments flushes.
func (s *fakeStmt) Exec(args []driver.Value) (driver.Result, error) {
	if len(args) == 0 {
		return driver.RowsAffected(s.rows), nil
	}
	s.log.mu.Lock()
	defer s.log.mu.Unlock()
	if s.log.bulkErr != nil {
		return nil, s.log.bulkErr
	}
	row := make([]any, len(args))
	for i, v := range args {
		row[i] = v
	}
	s.log.bulk = append(s.log.bulk, row)
	s.rows++
	return driver.RowsAffected(0), nil
}

func (s *fakeStmt) Query([]driver.Value) (driver.Rows, error) {
	return nil, errors.New("unexpected Query call")
}

type fakeRows struct {
	columns []string
	data    [][]driver.Value
	i       int
}

func (r *fakeRows) Columns() []string { return r.columns }
func (r *fakeRows) Close() error      { return nil }

func (r *fakeRows) Next(dest []driver.Value) error {
	if r.i >= len(r.data) {
		return io.EOF
	}
	copy(dest, r.data[r.i])
	r.i++
	return nil
}

// sliceRows is an in-memory storage.Rows.
type sliceRows struct {
	names  []string
	data   [][]any
	failAt int // 1-based row whose Advance fails; 0 never
	i      int
	err    error
}

func (r *sliceRows) Advance(ctx context.Context) bool {
	if err := ctx.Err(); err != nil {
		r.err = err
		return false
	}
	if r.failAt > 0 && r.i+1 == r.failAt {
		r.err = errors.New("source failed")
		return false
	}
	if r.i >= len(r.data) {
		return false
	}
	r.i++
	return true
}

func (r *sliceRows) Err() error        { return r.err }
func (r *sliceRows) FieldCount() int   { return len(r.names) }
func (r *sliceRows) Name(i int) string { return r.names[i] }
func (r *sliceRows) IsNull(i int) bool { return r.data[r.i-1][i] == nil }
func (r *sliceRows) Value(i int) any   { return r.data[r.i-1][i] }
