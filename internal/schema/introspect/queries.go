package introspect

import (
	"context"
	"fmt"
	"strings"
)

const sqlServerColumns = `
SELECT c.name,
       t.name,
       c.max_length,
       c.precision,
       c.scale,
       c.is_nullable,
       c.is_identity,
       c.is_computed,
       CAST(c.generated_always_type AS int),
       COALESCE(dc.definition, '')
FROM sys.columns AS c
JOIN sys.types AS t ON t.user_type_id = c.user_type_id
LEFT JOIN sys.default_constraints AS dc ON dc.object_id = c.default_object_id
WHERE c.object_id = OBJECT_ID(@p1)
ORDER BY c.column_id`

func loadSQLServer(ctx context.Context, q Querier, table string) ([]Column, error) {
	rows, err := q.QueryContext(ctx, sqlServerColumns, table)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Column
	for rows.Next() {
		var (
			c                Column
			typ              string
			maxLen           int
			precision, scale int
			generatedAlways  int
		)
		if err := rows.Scan(&c.Name, &typ, &maxLen, &precision, &scale,
			&c.Nullable, &c.Identity, &c.Computed, &generatedAlways, &c.Default); err != nil {
			return nil, err
		}
		c.DataType = sqlServerType(typ, maxLen, precision, scale)
		c.GeneratedAlways = generatedAlways != 0
		out = append(out, c)
	}
	return out, rows.Err()
}

// sqlServerType rebuilds a declarable type name from sys.columns facts.
func sqlServerType(name string, maxLen, precision, scale int) string {
	switch strings.ToLower(name) {
	case "varchar", "char", "varbinary", "binary":
		if maxLen == -1 {
			return name + "(max)"
		}
		return fmt.Sprintf("%s(%d)", name, maxLen)
	case "nvarchar", "nchar":
		if maxLen == -1 {
			return name + "(max)"
		}
		return fmt.Sprintf("%s(%d)", name, maxLen/2)
	case "decimal", "numeric":
		return fmt.Sprintf("%s(%d,%d)", name, precision, scale)
	case "datetime2", "datetimeoffset", "time":
		return fmt.Sprintf("%s(%d)", name, scale)
	default:
		return name
	}
}

const postgresColumns = `
SELECT column_name,
       CASE WHEN data_type = 'USER-DEFINED' THEN udt_name ELSE data_type END,
       is_nullable = 'YES',
       COALESCE(column_default, ''),
       is_identity = 'YES',
       is_generated = 'ALWAYS'
FROM information_schema.columns
WHERE table_schema = $1 AND table_name = $2
ORDER BY ordinal_position`

func loadPostgres(ctx context.Context, q Querier, table string) ([]Column, error) {
	schemaName, tableName := splitTable(table, "public")
	rows, err := q.QueryContext(ctx, postgresColumns, schemaName, tableName)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Column
	for rows.Next() {
		var c Column
		if err := rows.Scan(&c.Name, &c.DataType, &c.Nullable, &c.Default, &c.Identity, &c.Computed); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

const sqliteColumns = `
SELECT name, type, "notnull", COALESCE(dflt_value, ''), pk, hidden
FROM pragma_table_xinfo(?, ?)
ORDER BY cid`

// loadSQLite treats a lone INTEGER PRIMARY KEY (the rowid alias) as the
// identity column; hidden 2 and 3 mark virtual and stored generated columns.
func loadSQLite(ctx context.Context, q Querier, table string) ([]Column, error) {
	schemaName, tableName := splitTable(table, "main")
	rows, err := q.QueryContext(ctx, sqliteColumns, tableName, schemaName)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var (
		out     []Column
		pkIndex []int
	)
	for rows.Next() {
		var (
			c       Column
			notNull bool
			pk      int
			hidden  int
		)
		if err := rows.Scan(&c.Name, &c.DataType, &notNull, &c.Default, &pk, &hidden); err != nil {
			return nil, err
		}
		c.Nullable = !notNull
		c.Computed = hidden == 2 || hidden == 3
		if pk > 0 {
			pkIndex = append(pkIndex, len(out))
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(pkIndex) == 1 && strings.EqualFold(out[pkIndex[0]].DataType, "INTEGER") {
		out[pkIndex[0]].Identity = true
	}
	return out, nil
}
