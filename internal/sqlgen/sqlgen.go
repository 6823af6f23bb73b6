// Package sqlgen synthesizes the staging-table DDL and MERGE statements used
// by the bulk upsert pipeline.
//
// Output is deterministic for a given plan, every identifier is quoted, and
// every value from a delete scope is a positional parameter.
package sqlgen

import (
	"fmt"
	"reflect"
	"strings"

	"bulkupsert/internal/errs"
	"bulkupsert/internal/predicate"
	"bulkupsert/internal/rowsource"
	"bulkupsert/internal/schema"
)

// Aliases used in MERGE statements.
const (
	TargetAlias = "T"
	SourceAlias = "S"
)

// Statement is SQL text plus its bound parameters.
type Statement struct {
	SQL  string
	Args []any
}

// Dialect renders SQL for one engine.
type Dialect interface {
	Name() string
	QuoteIdent(name string) string
	Placeholder(n int) string
	// StagingName returns a fresh, unique staging table name.
	StagingName() string
	// ColumnType is the SQL type used for c in staging tables.
	ColumnType(c *schema.ColumnDescriptor) string
	// IdentityClause follows the type of a server-generated key column.
	IdentityClause() string
	StagingDDL(name string, columns []*schema.ColumnDescriptor, withRowIndex bool) (string, error)
	DropStaging(name string) string
	Merge(p MergePlan) (Statement, error)
}

// Action tags reported per output row.
const (
	ActionInsert = "INSERT"
	ActionUpdate = "UPDATE"
	ActionDelete = "DELETE"
)

// MergePlan describes one MERGE from a staging table into the target.
type MergePlan struct {
	Meta    *schema.EntityMetadata
	Staging string
	// Columns are the staging columns (identity-inclusive).
	Columns []*schema.ColumnDescriptor
	// Match correlates staging and target rows. Empty only for insert-only
	// plans, where nothing matches.
	Match []*schema.ColumnDescriptor
	// Update overrides the default update set (non-identity, non-match).
	Update     []*schema.ColumnDescriptor
	InsertOnly bool

	// Delete removes target rows with no staging match. DeleteScope narrows
	// that to rows satisfying the predicate; nil deletes every unmatched row.
	Delete      bool
	DeleteScope predicate.Expr

	// Output projects row index, identity values, and the action tag.
	// Requires the staging table to carry the row-index column.
	Output bool
	// Dedupe keeps only the highest row index per match key. Requires the
	// row-index column.
	Dedupe bool
}

func (p MergePlan) validate() error {
	if p.Meta == nil {
		return errs.Argument("metadata", "")
	}
	if strings.TrimSpace(p.Staging) == "" {
		return errs.Argument("staging", "")
	}
	if len(p.Columns) == 0 {
		return errs.Schema(p.Meta.TypeName(), "no columns to merge")
	}
	for _, set := range [][]*schema.ColumnDescriptor{p.Columns, p.Match, p.Update} {
		if err := p.Meta.CheckOwned(set); err != nil {
			return err
		}
	}
	if len(p.Match) == 0 && (!p.InsertOnly || p.Delete) {
		return errs.Schema(p.Meta.TypeName(), "no match columns")
	}
	return nil
}

// UpdateSet is the effective update set of p: the explicit Update columns, or
// every non-match column, minus identity columns either way. Insert-only plans
// update nothing.
func UpdateSet(p MergePlan) []*schema.ColumnDescriptor {
	if p.InsertOnly {
		return nil
	}
	match := make(map[*schema.ColumnDescriptor]struct{}, len(p.Match))
	for _, c := range p.Match {
		match[c] = struct{}{}
	}
	src := p.Update
	if src == nil {
		src = p.Columns
	}
	var out []*schema.ColumnDescriptor
	for _, c := range src {
		if c.IsIdentity() {
			continue
		}
		if _, isMatch := match[c]; isMatch && p.Update == nil {
			continue
		}
		out = append(out, c)
	}
	return out
}

// InsertSet is every non-identity staging column.
func InsertSet(p MergePlan) []*schema.ColumnDescriptor {
	var out []*schema.ColumnDescriptor
	for _, c := range p.Columns {
		if !c.IsIdentity() {
			out = append(out, c)
		}
	}
	return out
}

// goType unwraps pointers and database/sql Null wrappers.
func goType(t reflect.Type) reflect.Type {
	for t != nil && t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	if t != nil && t.Kind() == reflect.Struct && strings.HasPrefix(t.Name(), "Null") && t.NumField() == 2 {
		if t.Field(1).Name == "Valid" {
			return goType(t.Field(0).Type)
		}
	}
	return t
}

func stagingDDL(d Dialect, create, name string, columns []*schema.ColumnDescriptor, withRowIndex bool, rowIndexType string) (string, error) {
	if strings.TrimSpace(name) == "" {
		return "", errs.Argument("staging", "")
	}
	if len(columns) == 0 {
		return "", fmt.Errorf("%s: staging table needs at least one column", d.Name())
	}
	var b strings.Builder
	b.WriteString(create)
	b.WriteString(" ")
	b.WriteString(d.QuoteIdent(name))
	b.WriteString(" (")
	first := true
	sep := func() {
		if !first {
			b.WriteString(", ")
		}
		first = false
	}
	if withRowIndex {
		sep()
		b.WriteString(d.QuoteIdent(rowsource.RowIndexColumn))
		b.WriteString(" ")
		b.WriteString(rowIndexType)
		b.WriteString(" NOT NULL")
	}
	for _, c := range columns {
		sep()
		b.WriteString(d.QuoteIdent(c.Column()))
		b.WriteString(" ")
		b.WriteString(d.ColumnType(c))
		b.WriteString(" NULL")
	}
	b.WriteString(")")
	return b.String(), nil
}

// joinCols renders prefix.col for each column, joined by sep.
func joinCols(d Dialect, prefix string, cols []*schema.ColumnDescriptor, sep string) string {
	parts := make([]string, len(cols))
	for i, c := range cols {
		if prefix == "" {
			parts[i] = d.QuoteIdent(c.Column())
		} else {
			parts[i] = prefix + "." + d.QuoteIdent(c.Column())
		}
	}
	return strings.Join(parts, sep)
}

func onClause(d Dialect, match []*schema.ColumnDescriptor, never string) string {
	if len(match) == 0 {
		return never
	}
	parts := make([]string, len(match))
	for i, c := range match {
		q := d.QuoteIdent(c.Column())
		parts[i] = TargetAlias + "." + q + " = " + SourceAlias + "." + q
	}
	return strings.Join(parts, " AND ")
}

// deleteScope translates the plan's scope against the target alias.
func deleteScope(d Dialect, p MergePlan) (predicate.Fragment, error) {
	if p.DeleteScope == nil {
		return predicate.Fragment{}, nil
	}
	return predicate.Translate(p.DeleteScope, p.Meta, d, TargetAlias, 1)
}

// target quotes the mapped schema and table of m separately, so a dot inside
// either name stays part of the identifier.
func target(d Dialect, m *schema.EntityMetadata) string {
	if m.Schema() == "" {
		return d.QuoteIdent(m.Table())
	}
	return d.QuoteIdent(m.Schema()) + "." + d.QuoteIdent(m.Table())
}

func stagingSuffix(id string) string { return strings.ReplaceAll(id, "-", "") }
