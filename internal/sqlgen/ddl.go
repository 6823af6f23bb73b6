package sqlgen

import (
	"fmt"
	"strings"

	"bulkupsert/internal/schema"
)

// CreateTable renders a CREATE TABLE statement for m's target table: one line
// per mapped column, identity columns generated by the server, key columns
// NOT NULL and collected into a PRIMARY KEY clause. Computed columns are not
// part of the mapping and are left out.
func CreateTable(d Dialect, m *schema.EntityMetadata) (string, error) {
	cols := m.Columns(true)
	if len(cols) == 0 {
		return "", fmt.Errorf("%s: table %s has no columns", d.Name(), m.QualifiedName())
	}

	defs := make([]string, 0, len(cols)+1)
	var pk []string
	for _, c := range cols {
		var b strings.Builder
		b.WriteString(d.QuoteIdent(c.Column()))
		b.WriteByte(' ')
		b.WriteString(d.ColumnType(c))
		if c.IsIdentity() {
			b.WriteByte(' ')
			b.WriteString(d.IdentityClause())
		}
		if c.IsIdentity() || c.IsPrimaryKey() {
			b.WriteString(" NOT NULL")
		} else {
			b.WriteString(" NULL")
		}
		defs = append(defs, b.String())
		if c.IsPrimaryKey() {
			pk = append(pk, d.QuoteIdent(c.Column()))
		}
	}
	if len(pk) > 0 {
		defs = append(defs, "PRIMARY KEY ("+strings.Join(pk, ", ")+")")
	}
	return "CREATE TABLE " + target(d, m) + " (\n  " + strings.Join(defs, ",\n  ") + "\n);", nil
}
