// Package introspect refines schema.Provider models with facts read from the
// live database catalog: identity, computed and generated columns, column
// defaults, and declared column types.
//
// Catalog reads happen once, up front, in Load. The provider returned by
// Snapshot.Wrap is pure and never touches the database.
package introspect

import (
	"context"
	"database/sql"
	"fmt"
	"reflect"
	"strings"

	"bulkupsert/internal/schema"
)

// Engine selects the catalog queries.
type Engine string

const (
	SQLServer Engine = "mssql"
	Postgres  Engine = "postgres"
	SQLite    Engine = "sqlite"
)

// Column is what the database reports for one column.
type Column struct {
	Name            string
	DataType        string
	Nullable        bool
	Default         string
	Identity        bool
	Computed        bool
	GeneratedAlways bool
}

// Querier is satisfied by *sql.DB, *sql.Conn and *sql.Tx.
type Querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

// Snapshot holds the introspected columns of a set of tables.
type Snapshot struct {
	engine Engine
	tables map[string][]Column
}

// Load reads the catalog entries for each table ("schema.table" or "table").
func Load(ctx context.Context, q Querier, engine Engine, tables ...string) (*Snapshot, error) {
	s := &Snapshot{engine: engine, tables: make(map[string][]Column, len(tables))}
	for _, t := range tables {
		var (
			cols []Column
			err  error
		)
		switch engine {
		case SQLServer:
			cols, err = loadSQLServer(ctx, q, t)
		case Postgres:
			cols, err = loadPostgres(ctx, q, t)
		case SQLite:
			cols, err = loadSQLite(ctx, q, t)
		default:
			return nil, fmt.Errorf("introspect: unsupported engine %q", engine)
		}
		if err != nil {
			return nil, fmt.Errorf("introspect %s: %w", t, err)
		}
		if len(cols) == 0 {
			return nil, fmt.Errorf("introspect %s: table not found", t)
		}
		s.tables[key(t)] = cols
	}
	return s, nil
}

// Columns returns the introspected columns of table.
func (s *Snapshot) Columns(table string) ([]Column, bool) {
	cols, ok := s.tables[key(table)]
	return cols, ok
}

// Wrap returns a provider that overlays the snapshot onto base's models.
func (s *Snapshot) Wrap(base schema.Provider) schema.Provider {
	return &overlay{base: base, snap: s}
}

type overlay struct {
	base schema.Provider
	snap *Snapshot
}

func (o *overlay) Session() string {
	return o.base.Session() + "+introspect:" + string(o.snap.engine)
}

func (o *overlay) Model(t reflect.Type) (*schema.TableModel, error) {
	tm, err := o.base.Model(t)
	if err != nil || tm == nil {
		return tm, err
	}
	name := tm.Table
	if tm.Schema != "" {
		name = tm.Schema + "." + tm.Table
	}
	cols, ok := o.snap.Columns(name)
	if !ok {
		return nil, fmt.Errorf("table %s was not introspected", name)
	}
	byName := make(map[string]Column, len(cols))
	for _, c := range cols {
		byName[strings.ToLower(c.Name)] = c
	}

	out := *tm
	out.Properties = make([]schema.PropertyModel, len(tm.Properties))
	for i, p := range tm.Properties {
		c, ok := byName[strings.ToLower(p.Column)]
		if !ok {
			return nil, fmt.Errorf("column %s not found in %s", p.Column, name)
		}
		out.Properties[i] = apply(p, c)
	}
	return &out, nil
}

// apply overlays database facts on p. Facts only ever add restrictions; a
// model that already marks a column computed or generated keeps that.
func apply(p schema.PropertyModel, c Column) schema.PropertyModel {
	if p.ColumnType == "" {
		p.ColumnType = c.DataType
	}
	if c.Computed {
		p.Computed = true
	}
	if c.Default != "" && p.DefaultSQL == "" {
		p.DefaultSQL = c.Default
		if p.Generation == schema.GeneratedNever {
			p.Generation = schema.GeneratedOnAdd
		}
	}
	if c.Identity {
		if p.Generation == schema.GeneratedNever {
			p.Generation = schema.GeneratedOnAdd
		}
		if p.DefaultSQL == "" {
			p.DefaultSQL = "IDENTITY"
		}
	}
	if c.GeneratedAlways {
		p.Generation = schema.GeneratedOnAddOrUpdate
	}
	return p
}

func key(table string) string {
	return strings.ToLower(strings.TrimSpace(table))
}

func splitTable(table, defaultSchema string) (string, string) {
	if s, t, ok := strings.Cut(table, "."); ok {
		return s, t
	}
	return defaultSchema, table
}
