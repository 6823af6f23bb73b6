package sqlgen

import (
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"bulkupsert/internal/rowsource"
	"bulkupsert/internal/schema"
)

// SQLServer renders T-SQL. Staging tables are session-local temp tables.
type SQLServer struct{}

var _ Dialect = SQLServer{}

func (SQLServer) Name() string { return "mssql" }

// QuoteIdent bracket-quotes id, doubling any closing bracket.
func (SQLServer) QuoteIdent(id string) string { return msIdent(id) }

func (SQLServer) Placeholder(n int) string { return fmt.Sprintf("@p%d", n) }

func (SQLServer) StagingName() string { return "#bulk_" + stagingSuffix(uuid.NewString()) }

func msIdent(id string) string { return `[` + strings.ReplaceAll(id, `]`, `]]`) + `]` }

var (
	timeType    = reflect.TypeFor[time.Time]()
	uuidType    = reflect.TypeFor[uuid.UUID]()
	decimalType = reflect.TypeFor[decimal.Decimal]()
)

// ColumnType prefers the declared SQL type; otherwise it maps the storage
// Go type.
func (SQLServer) ColumnType(c *schema.ColumnDescriptor) string {
	if t := strings.TrimSpace(c.SQLType()); t != "" {
		return t
	}
	t := goType(c.StorageType())
	switch t {
	case nil:
		return "NVARCHAR(MAX)"
	case timeType:
		return "DATETIME2(7)"
	case uuidType:
		return "UNIQUEIDENTIFIER"
	case decimalType:
		return "DECIMAL(38, 10)"
	}
	switch t.Kind() {
	case reflect.Bool:
		return "BIT"
	case reflect.Uint8:
		return "TINYINT"
	case reflect.Int8, reflect.Int16:
		return "SMALLINT"
	case reflect.Int32, reflect.Uint16:
		return "INT"
	case reflect.Int, reflect.Int64, reflect.Uint32:
		return "BIGINT"
	case reflect.Uint, reflect.Uint64:
		return "DECIMAL(20, 0)"
	case reflect.Float32:
		return "REAL"
	case reflect.Float64:
		return "FLOAT"
	case reflect.Slice:
		if t.Elem().Kind() == reflect.Uint8 {
			return "VARBINARY(MAX)"
		}
	}
	return "NVARCHAR(MAX)"
}

func (SQLServer) IdentityClause() string { return "IDENTITY(1, 1)" }

func (d SQLServer) StagingDDL(name string, columns []*schema.ColumnDescriptor, withRowIndex bool) (string, error) {
	return stagingDDL(d, "CREATE TABLE", name, columns, withRowIndex, "INT")
}

func (d SQLServer) DropStaging(name string) string {
	return "DROP TABLE IF EXISTS " + d.QuoteIdent(name)
}

// Merge renders one MERGE under HOLDLOCK.
func (d SQLServer) Merge(p MergePlan) (Statement, error) {
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
	b.WriteString(" WITH (HOLDLOCK) AS ")
	b.WriteString(TargetAlias)
	b.WriteString("\nUSING ")
	b.WriteString(d.source(p))
	b.WriteString(" AS ")
	b.WriteString(SourceAlias)
	b.WriteString("\nON ")
	b.WriteString(onClause(d, p.Match, "1 = 0"))

	if upd := UpdateSet(p); len(upd) > 0 {
		b.WriteString("\nWHEN MATCHED THEN UPDATE SET ")
		for i, c := range upd {
			if i > 0 {
				b.WriteString(", ")
			}
			q := d.QuoteIdent(c.Column())
			b.WriteString(TargetAlias + "." + q + " = " + SourceAlias + "." + q)
		}
	}

	ins := InsertSet(p)
	b.WriteString("\nWHEN NOT MATCHED BY TARGET THEN INSERT (")
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
		b.WriteString("\nOUTPUT ")
		b.WriteString(SourceAlias + "." + d.QuoteIdent(rowsource.RowIndexColumn))
		for _, c := range p.Meta.Identity() {
			b.WriteString(", INSERTED.")
			b.WriteString(d.QuoteIdent(c.Column()))
		}
		b.WriteString(", $action")
	}
	b.WriteString(";")
	return Statement{SQL: b.String(), Args: scope.Args}, nil
}

// source is the USING relation: the staging table, or a ROW_NUMBER window
// over it keeping the last occurrence of each match key.
func (d SQLServer) source(p MergePlan) string {
	staging := d.QuoteIdent(p.Staging)
	if !p.Dedupe || len(p.Match) == 0 {
		return staging
	}
	rn := d.QuoteIdent("__rn")
	var b strings.Builder
	b.WriteString("(SELECT ")
	b.WriteString(joinCols(d, "D", p.Columns, ", "))
	b.WriteString(", D.")
	b.WriteString(d.QuoteIdent(rowsource.RowIndexColumn))
	b.WriteString(" FROM (SELECT *, ROW_NUMBER() OVER (PARTITION BY ")
	b.WriteString(joinCols(d, "", p.Match, ", "))
	b.WriteString(" ORDER BY ")
	b.WriteString(d.QuoteIdent(rowsource.RowIndexColumn))
	b.WriteString(" DESC) AS ")
	b.WriteString(rn)
	b.WriteString(" FROM ")
	b.WriteString(staging)
	b.WriteString(") AS D WHERE D.")
	b.WriteString(rn)
	b.WriteString(" = 1)")
	return b.String()
}
