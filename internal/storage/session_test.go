package storage

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"bulkupsert/internal/errs"
	"bulkupsert/internal/sqlgen"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type handleA struct{}

type stubSession struct{ tx any }

func (stubSession) Dialect() sqlgen.Dialect { return sqlgen.Postgres{} }

func (s stubSession) InTransaction() bool { return s.tx != nil }

func (stubSession) Exec(context.Context, string, ...any) (int64, error) { return 0, nil }

func (stubSession) Query(context.Context, string, ...any) (ResultRows, error) {
	return nil, errors.New("no rows")
}

func (stubSession) BulkLoad(context.Context, Table, Rows, BulkOptions) (int64, error) {
	return 0, nil
}

func (stubSession) Classify(error) string { return errs.CategoryEngine }

func (stubSession) Close() error { return nil }

func init() {
	Register("stub-a", Backend{
		Open: func(_ context.Context, handle, tx any) (Session, bool, error) {
			if _, ok := handle.(*handleA); !ok {
				return nil, false, nil
			}
			return stubSession{tx: tx}, true, nil
		},
		Dialect: func(handle any) (sqlgen.Dialect, bool) {
			_, ok := handle.(*handleA)
			return sqlgen.Postgres{}, ok
		},
		Connect: func(_ context.Context, dsn string) (any, func(), error) {
			if dsn == "" {
				return nil, nil, errors.New("empty dsn")
			}
			return &handleA{}, func() {}, nil
		},
	})
	Register("stub-failing", Backend{
		Open: func(_ context.Context, handle, _ any) (Session, bool, error) {
			if s, ok := handle.(string); ok && s == "fail" {
				return nil, true, errors.New("refused")
			}
			return nil, false, nil
		},
	})
}

func TestOpen(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s, err := Open(ctx, &handleA{}, "tx")
	require.NoError(t, err)
	assert.True(t, s.InTransaction())

	_, err = Open(ctx, nil, nil)
	var ae *errs.ArgumentError
	require.ErrorAs(t, err, &ae)

	_, err = Open(ctx, 42, nil)
	var uc *errs.UnsupportedConnectionError
	require.ErrorAs(t, err, &uc)
	assert.Equal(t, "int", uc.Handle)

	_, err = Open(ctx, "fail", nil)
	require.ErrorContains(t, err, "stub-failing: open session: refused")
}

func TestDialectOf(t *testing.T) {
	t.Parallel()

	d, err := DialectOf(&handleA{})
	require.NoError(t, err)
	assert.Equal(t, "postgres", d.Name())

	_, err = DialectOf(nil)
	var ae *errs.ArgumentError
	require.ErrorAs(t, err, &ae)

	// stub-failing has no Dialect hook, so its handle is unsupported here.
	_, err = DialectOf("fail")
	var uc *errs.UnsupportedConnectionError
	require.ErrorAs(t, err, &uc)
	assert.Equal(t, "string", uc.Handle)
}

func TestConnect(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	h, closeFn, err := Connect(ctx, "stub-a", "x")
	require.NoError(t, err)
	defer closeFn()
	assert.IsType(t, &handleA{}, h)

	_, _, err = Connect(ctx, "stub-a", "")
	require.Error(t, err)

	_, _, err = Connect(ctx, "oracle", "x")
	assert.True(t, errs.IsValidation(err))

	assert.Contains(t, Kinds(), "stub-a")
}

func TestClassifyContext(t *testing.T) {
	t.Parallel()

	assert.Equal(t, errs.CategoryCanceled, ClassifyContext(fmt.Errorf("x: %w", context.Canceled)))
	assert.Equal(t, errs.CategoryTimeout, ClassifyContext(context.DeadlineExceeded))
	assert.Empty(t, ClassifyContext(errors.New("other")))
}

func TestTableString(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "orders", Table{Name: "orders"}.String())
	assert.Equal(t, "sales.orders", Table{Schema: "sales", Name: "orders"}.String())
}

func TestBulkOptionsLabelFor(t *testing.T) {
	t.Parallel()

	tbl := Table{Schema: "", Name: "#bulk_1"}
	assert.Equal(t, "#bulk_1", BulkOptions{}.LabelFor(tbl))
	assert.Equal(t, "sales.orders", BulkOptions{Label: "sales.orders"}.LabelFor(tbl))
}
