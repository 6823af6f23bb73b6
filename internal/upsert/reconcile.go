package upsert

import (
	"context"
	"fmt"
	"strings"

	"bulkupsert/internal/sqlgen"
)

// mergeReconcile runs the MERGE as a query and writes the returned identity
// values back onto the records at the reported row indexes. DELETE rows only
// count.
func (r *runner[T]) mergeReconcile(ctx context.Context, stmt sqlgen.Statement, res *Result) (err error) {
	rows, err := r.sess.Query(ctx, stmt.SQL, stmt.Args...)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := rows.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}()

	ids := r.plan.meta.Identity()
	vals := make([]any, len(ids)+2)
	dest := make([]any, len(vals))
	for i := range vals {
		dest[i] = &vals[i]
	}
	last := len(vals) - 1

	for rows.Next() {
		clear(vals)
		if err := rows.Scan(dest...); err != nil {
			return fmt.Errorf("scan merge output: %w", err)
		}
		action := strings.ToUpper(asString(vals[last]))
		switch action {
		case sqlgen.ActionInsert:
			res.Inserted++
		case sqlgen.ActionUpdate:
			res.Updated++
		case sqlgen.ActionDelete:
			res.Deleted++
			continue
		default:
			return fmt.Errorf("merge output: unknown action %q", action)
		}

		idx, ok := asIndex(vals[0])
		if !ok {
			return fmt.Errorf("merge output: row index %v (%T) is not an integer", vals[0], vals[0])
		}
		rec, ok := r.cursor.Record(idx)
		if !ok {
			return fmt.Errorf("merge output: row index %d out of range", idx)
		}
		for i, c := range ids {
			if err := c.SetFromStorage(rec, vals[1+i]); err != nil {
				return fmt.Errorf("reconcile row %d column %s: %w", idx, c.Column(), err)
			}
		}
	}
	if err := rows.Err(); err != nil {
		return err
	}
	res.RowsAffected = res.Inserted + res.Updated + res.Deleted
	return nil
}

func asString(v any) string {
	switch s := v.(type) {
	case string:
		return s
	case []byte:
		return string(s)
	}
	return fmt.Sprint(v)
}

func asIndex(v any) (int, bool) {
	switch n := v.(type) {
	case int64:
		return int(n), true
	case int32:
		return int(n), true
	case int:
		return n, true
	case int16:
		return int(n), true
	}
	return 0, false
}
