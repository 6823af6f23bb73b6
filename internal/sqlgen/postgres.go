package sqlgen

import (
	"fmt"
	"reflect"
	"strings"

	"github.com/google/uuid"

	"bulkupsert/internal/rowsource"
	"bulkupsert/internal/schema"
)

// Postgres renders SQL for PostgreSQL. MERGE ... RETURNING and
// WHEN NOT MATCHED BY SOURCE need PostgreSQL 17.
type Postgres struct{}

var _ Dialect = Postgres{}

func (Postgres) Name() string { return "postgres" }

func (Postgres) QuoteIdent(id string) string { return pgIdent(id) }

func (Postgres) Placeholder(n int) string { return fmt.Sprintf("$%d", n) }

func (Postgres) StagingName() string { return "bulk_" + stagingSuffix(uuid.NewString()) }

func pgIdent(id string) string { return `"` + strings.ReplaceAll(id, `"`, `""`) + `"` }

func (Postgres) ColumnType(c *schema.ColumnDescriptor) string {
	if t := strings.TrimSpace(c.SQLType()); t != "" {
		return t
	}
	t := goType(c.StorageType())
	switch t {
	case nil:
		return "TEXT"
	case timeType:
		return "TIMESTAMPTZ"
	case uuidType:
		return "UUID"
	case decimalType:
		return "NUMERIC"
	}
	switch t.Kind() {
	case reflect.Bool:
		return "BOOLEAN"
	case reflect.Int8, reflect.Uint8, reflect.Int16:
		return "SMALLINT"
	case reflect.Int32, reflect.Uint16:
		return "INTEGER"
	case reflect.Int, reflect.Int64, reflect.Uint32:
		return "BIGINT"
	case reflect.Uint, reflect.Uint64:
		return "NUMERIC(20, 0)"
	case reflect.Float32:
		return "REAL"
	case reflect.Float64:
		return "DOUBLE PRECISION"
	case reflect.Slice:
		if t.Elem().Kind() == reflect.Uint8 {
			return "BYTEA"
		}
	}
	return "TEXT"
}

func (Postgres) IdentityClause() string { return "GENERATED BY DEFAULT AS IDENTITY" }

func (d Postgres) StagingDDL(name string, columns []*schema.ColumnDescriptor, withRowIndex bool) (string, error) {
	return stagingDDL(d, "CREATE TEMP TABLE", name, columns, withRowIndex, "INTEGER")
}

func (d Postgres) DropStaging(name string) string {
	return "DROP TABLE IF EXISTS " + d.QuoteIdent(name)
}

func (d Postgres) Merge(p MergePlan) (Statement, error) {
	if err := p.validate(); err != nil {
		return Statement{}, err
	}
	scope, err := deleteScope(d, p)
	if err != nil {
		return Statement{}, err
	}

	var b strings.Builder
	b.WriteString("MERGE INTO ")
	b.WriteString(target(d, p.Meta))
	b.WriteString(" AS ")
	b.WriteString(TargetAlias)
	b.WriteString("\nUSING ")
	b.WriteString(d.source(p))
	b.WriteString(" AS ")
	b.WriteString(SourceAlias)
	b.WriteString("\nON ")
	b.WriteString(onClause(d, p.Match, "false"))

	if upd := UpdateSet(p); len(upd) > 0 {
		b.WriteString("\nWHEN MATCHED THEN UPDATE SET ")
		for i, c := range upd {
			if i > 0 {
				b.WriteString(", ")
			}
			q := d.QuoteIdent(c.Column())
			b.WriteString(q + " = " + SourceAlias + "." + q)
		}
	}

	ins := InsertSet(p)
	b.WriteString("\nWHEN NOT MATCHED THEN INSERT (")
	b.WriteString(joinCols(d, "", ins, ", "))
	b.WriteString(") VALUES (")
	b.WriteString(joinCols(d, SourceAlias, ins, ", "))
	b.WriteString(")")

	if p.Delete {
		b.WriteString("\nWHEN NOT MATCHED BY SOURCE")
		if !scope.Empty() {
			b.WriteString(" AND ")
			b.WriteString(scope.SQL)
		}
		b.WriteString(" THEN DELETE")
	}

	if p.Output {
		b.WriteString("\nRETURNING ")
		b.WriteString(SourceAlias + "." + d.QuoteIdent(rowsource.RowIndexColumn))
		for _, c := range p.Meta.Identity() {
			b.WriteString(", ")
			b.WriteString(TargetAlias + "." + d.QuoteIdent(c.Column()))
		}
		b.WriteString(", merge_action()")
	}
	return Statement{SQL: b.String(), Args: scope.Args}, nil
}

// source keeps the last occurrence of each match key with DISTINCT ON.
func (d Postgres) source(p MergePlan) string {
	staging := d.QuoteIdent(p.Staging)
	if !p.Dedupe || len(p.Match) == 0 {
		return staging
	}
	keys := joinCols(d, "", p.Match, ", ")
	return "(SELECT DISTINCT ON (" + keys + ") * FROM " + staging +
		" ORDER BY " + keys + ", " + d.QuoteIdent(rowsource.RowIndexColumn) + " DESC)"
}
