package upsert

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"sync"

	"bulkupsert/internal/errs"
	"bulkupsert/internal/sqlgen"
	"bulkupsert/internal/storage"
)

func init() {
	storage.Register("fake", storage.Backend{
		Open: func(_ context.Context, handle, tx any) (storage.Session, bool, error) {
			f, ok := handle.(*fakeSession)
			if !ok {
				return nil, false, nil
			}
			f.mu.Lock()
			defer f.mu.Unlock()
			f.opened++
			f.inTx = tx != nil
			return f, true, nil
		},
		Dialect: func(handle any) (sqlgen.Dialect, bool) {
			f, ok := handle.(*fakeSession)
			if !ok {
				return nil, false
			}
			return f.dialect, true
		},
	})
}

// load is one BulkLoad call as seen by the transport.
type load struct {
	table   storage.Table
	columns []string
	rows    [][]any
	opts    storage.BulkOptions
}

// fakeSession records every statement and load. It is both the connection
// handle and the session the fake backend returns for it.
type fakeSession struct {
	mu sync.Mutex

	dialect sqlgen.Dialect
	inTx    bool

	opened int
	closed int
	execs  []string
	args   [][]any
	loads  []load

	// execRows is returned by Exec for MERGE statements.
	execRows int64
	// output builds the MERGE result from the staging rows. Nil reports an
	// INSERT with identity 1000+i for every row.
	output func(staged [][]any) [][]any

	// failOn makes Exec/Query fail when the statement contains it; "bulk"
	// fails BulkLoad.
	failOn   string
	failErr  error
	category string

	// beforeLoad runs before BulkLoad drains its source.
	beforeLoad func(ctx context.Context) error
}

func newFake(d sqlgen.Dialect) *fakeSession {
	return &fakeSession{dialect: d, failErr: errors.New("engine said no"), category: errs.CategoryConstraint}
}

func (f *fakeSession) Dialect() sqlgen.Dialect { return f.dialect }

func (f *fakeSession) InTransaction() bool { return f.inTx }

func (f *fakeSession) statement(query string, args []any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.execs = append(f.execs, query)
	f.args = append(f.args, args)
	if f.failOn != "" && f.failOn != "bulk" && strings.Contains(query, f.failOn) {
		return f.failErr
	}
	return nil
}

func (f *fakeSession) Exec(ctx context.Context, query string, args ...any) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if err := f.statement(query, args); err != nil {
		return 0, err
	}
	if strings.HasPrefix(query, "MERGE") {
		return f.execRows, nil
	}
	return 0, nil
}

func (f *fakeSession) Query(ctx context.Context, query string, args ...any) (storage.ResultRows, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := f.statement(query, args); err != nil {
		return nil, err
	}
	staged := f.lastLoad().rows
	out := f.output
	if out == nil {
		out = func(staged [][]any) [][]any {
			var rows [][]any
			for i, r := range staged {
				rows = append(rows, []any{int64(r[0].(int32)), int64(1000 + i), "INSERT"})
			}
			return rows
		}
	}
	return &fakeResult{rows: out(staged)}, nil
}

func (f *fakeSession) BulkLoad(ctx context.Context, table storage.Table, src storage.Rows, opts storage.BulkOptions) (int64, error) {
	if f.beforeLoad != nil {
		if err := f.beforeLoad(ctx); err != nil {
			return 0, err
		}
	}
	if f.failOn == "bulk" {
		return 0, f.failErr
	}
	l := load{table: table, columns: storage.Columns(src), opts: opts}
	for src.Advance(ctx) {
		l.rows = append(l.rows, storage.RowValues(src))
	}
	if err := src.Err(); err != nil {
		return 0, err
	}
	f.mu.Lock()
	f.loads = append(f.loads, l)
	f.mu.Unlock()
	return int64(len(l.rows)), nil
}

func (f *fakeSession) Classify(error) string { return f.category }

func (f *fakeSession) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed++
	return nil
}

func (f *fakeSession) lastLoad() load {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.loads) == 0 {
		return load{}
	}
	return f.loads[len(f.loads)-1]
}

var stagingName = regexp.MustCompile(`bulk_[0-9a-f]{32}`)

// statements returns the executed SQL with the staging suffix replaced by
// "stage" so assertions do not depend on the random suffix.
func (f *fakeSession) statements() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.execs))
	for i, s := range f.execs {
		out[i] = stagingName.ReplaceAllString(s, "stage")
	}
	return out
}

type fakeResult struct {
	rows [][]any
	pos  int
}

func (r *fakeResult) Next() bool {
	if r.pos >= len(r.rows) {
		return false
	}
	r.pos++
	return true
}

func (r *fakeResult) Scan(dest ...any) error {
	row := r.rows[r.pos-1]
	if len(dest) != len(row) {
		return fmt.Errorf("scan: %d destinations for %d columns", len(dest), len(row))
	}
	for i, d := range dest {
		p, ok := d.(*any)
		if !ok {
			return fmt.Errorf("scan: unsupported destination %T", d)
		}
		*p = row[i]
	}
	return nil
}

func (r *fakeResult) Err() error { return nil }

func (r *fakeResult) Close() error { return nil }
