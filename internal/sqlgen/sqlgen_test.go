package sqlgen

import (
	"database/sql"
	"errors"
	"strings"
	"testing"
	"time"

	"bulkupsert/internal/errs"
	"bulkupsert/internal/predicate"
	"bulkupsert/internal/schema"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type order struct {
	ID     int64           `db:"id,pk,identity"`
	Code   string          `db:"code"`
	Qty    int32           `db:"qty"`
	Price  decimal.Decimal `db:"price,type=decimal(18,2),converter=decimal"`
	Status string          `db:"status"`
}

func (order) TableName() string  { return "orders" }
func (order) SchemaName() string { return "sales" }

type widget struct {
	Code string `db:"code,pk"`
	Name string `db:"name"`
}

func orderMeta(t *testing.T) *schema.EntityMetadata {
	t.Helper()
	m, err := schema.MetadataOf[order](schema.NewCatalog(), schema.TagProvider{})
	require.NoError(t, err)
	return m
}

func cols(t *testing.T, m *schema.EntityMetadata, names ...string) []*schema.ColumnDescriptor {
	t.Helper()
	out, err := m.Resolve(names)
	require.NoError(t, err)
	return out
}

func basePlan(t *testing.T) MergePlan {
	m := orderMeta(t)
	return MergePlan{
		Meta:    m,
		Staging: "#stage",
		Columns: m.Columns(true),
		Match:   cols(t, m, "Code"),
	}
}

func TestSQLServerMerge(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		edit     func(*MergePlan)
		wantSQL  string
		wantArgs []any
	}{
		{
			name: "default update set",
			edit: func(*MergePlan) {},
			wantSQL: "MERGE INTO [sales].[orders] WITH (HOLDLOCK) AS T\n" +
				"USING [#stage] AS S\n" +
				"ON T.[code] = S.[code]\n" +
				"WHEN MATCHED THEN UPDATE SET T.[qty] = S.[qty], T.[price] = S.[price], T.[status] = S.[status]\n" +
				"WHEN NOT MATCHED BY TARGET THEN INSERT ([code], [qty], [price], [status]) VALUES (S.[code], S.[qty], S.[price], S.[status]);",
		},
		{
			name: "insert only omits matched branch",
			edit: func(p *MergePlan) { p.InsertOnly = true },
			wantSQL: "MERGE INTO [sales].[orders] WITH (HOLDLOCK) AS T\n" +
				"USING [#stage] AS S\n" +
				"ON T.[code] = S.[code]\n" +
				"WHEN NOT MATCHED BY TARGET THEN INSERT ([code], [qty], [price], [status]) VALUES (S.[code], S.[qty], S.[price], S.[status]);",
		},
		{
			name: "empty match set never matches",
			edit: func(p *MergePlan) { p.InsertOnly = true; p.Match = nil },
			wantSQL: "MERGE INTO [sales].[orders] WITH (HOLDLOCK) AS T\n" +
				"USING [#stage] AS S\n" +
				"ON 1 = 0\n" +
				"WHEN NOT MATCHED BY TARGET THEN INSERT ([code], [qty], [price], [status]) VALUES (S.[code], S.[qty], S.[price], S.[status]);",
		},
		{
			name: "unscoped delete",
			edit: func(p *MergePlan) { p.Delete = true },
			wantSQL: "MERGE INTO [sales].[orders] WITH (HOLDLOCK) AS T\n" +
				"USING [#stage] AS S\n" +
				"ON T.[code] = S.[code]\n" +
				"WHEN MATCHED THEN UPDATE SET T.[qty] = S.[qty], T.[price] = S.[price], T.[status] = S.[status]\n" +
				"WHEN NOT MATCHED BY TARGET THEN INSERT ([code], [qty], [price], [status]) VALUES (S.[code], S.[qty], S.[price], S.[status])\n" +
				"WHEN NOT MATCHED BY SOURCE THEN DELETE;",
		},
		{
			name: "scoped delete binds parameters",
			edit: func(p *MergePlan) {
				p.Delete = true
				p.DeleteScope = predicate.Eq(predicate.Col("Status"), predicate.Val("open"))
				p.Update, _ = p.Meta.Resolve([]string{"Status"})
			},
			wantSQL: "MERGE INTO [sales].[orders] WITH (HOLDLOCK) AS T\n" +
				"USING [#stage] AS S\n" +
				"ON T.[code] = S.[code]\n" +
				"WHEN MATCHED THEN UPDATE SET T.[status] = S.[status]\n" +
				"WHEN NOT MATCHED BY TARGET THEN INSERT ([code], [qty], [price], [status]) VALUES (S.[code], S.[qty], S.[price], S.[status])\n" +
				"WHEN NOT MATCHED BY SOURCE AND T.[status] = @p1 THEN DELETE;",
			wantArgs: []any{"open"},
		},
		{
			name: "output projects row index and identity",
			edit: func(p *MergePlan) { p.Output = true },
			wantSQL: "MERGE INTO [sales].[orders] WITH (HOLDLOCK) AS T\n" +
				"USING [#stage] AS S\n" +
				"ON T.[code] = S.[code]\n" +
				"WHEN MATCHED THEN UPDATE SET T.[qty] = S.[qty], T.[price] = S.[price], T.[status] = S.[status]\n" +
				"WHEN NOT MATCHED BY TARGET THEN INSERT ([code], [qty], [price], [status]) VALUES (S.[code], S.[qty], S.[price], S.[status])\n" +
				"OUTPUT S.[__row_index], INSERTED.[id], $action;",
		},
		{
			name: "dedupe keeps last row index",
			edit: func(p *MergePlan) { p.Dedupe = true; p.InsertOnly = true },
			wantSQL: "MERGE INTO [sales].[orders] WITH (HOLDLOCK) AS T\n" +
				"USING (SELECT D.[id], D.[code], D.[qty], D.[price], D.[status], D.[__row_index] FROM " +
				"(SELECT *, ROW_NUMBER() OVER (PARTITION BY [code] ORDER BY [__row_index] DESC) AS [__rn] FROM [#stage]) AS D WHERE D.[__rn] = 1) AS S\n" +
				"ON T.[code] = S.[code]\n" +
				"WHEN NOT MATCHED BY TARGET THEN INSERT ([code], [qty], [price], [status]) VALUES (S.[code], S.[qty], S.[price], S.[status]);",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			p := basePlan(t)
			tt.edit(&p)
			got, err := SQLServer{}.Merge(p)
			require.NoError(t, err)
			assert.Equal(t, tt.wantSQL, got.SQL)
			assert.Equal(t, tt.wantArgs, got.Args)
		})
	}
}

func TestPostgresMerge(t *testing.T) {
	t.Parallel()

	p := basePlan(t)
	p.Staging = "bulk_1"
	p.Delete = true
	p.DeleteScope = predicate.All(
		predicate.Eq(predicate.Col("Status"), predicate.Val("open")),
		predicate.Gt(predicate.Col("Qty"), predicate.Val(3)),
	)
	p.Output = true
	p.Dedupe = true

	got, err := Postgres{}.Merge(p)
	require.NoError(t, err)
	want := `MERGE INTO "sales"."orders" AS T` + "\n" +
		`USING (SELECT DISTINCT ON ("code") * FROM "bulk_1" ORDER BY "code", "__row_index" DESC) AS S` + "\n" +
		`ON T."code" = S."code"` + "\n" +
		`WHEN MATCHED THEN UPDATE SET "qty" = S."qty", "price" = S."price", "status" = S."status"` + "\n" +
		`WHEN NOT MATCHED THEN INSERT ("code", "qty", "price", "status") VALUES (S."code", S."qty", S."price", S."status")` + "\n" +
		`WHEN NOT MATCHED BY SOURCE AND (T."status" = $1 AND T."qty" > $2) THEN DELETE` + "\n" +
		`RETURNING S."__row_index", T."id", merge_action()`
	assert.Equal(t, want, got.SQL)
	assert.Equal(t, []any{"open", 3}, got.Args)
}

func TestPostgresMergeEmptyMatch(t *testing.T) {
	t.Parallel()

	p := basePlan(t)
	p.Match = nil
	p.InsertOnly = true
	got, err := Postgres{}.Merge(p)
	require.NoError(t, err)
	assert.Contains(t, got.SQL, "\nON false\n")
	assert.NotContains(t, got.SQL, "WHEN MATCHED")
}

func TestMergeIsDeterministic(t *testing.T) {
	t.Parallel()

	for _, d := range []Dialect{SQLServer{}, Postgres{}} {
		p := basePlan(t)
		p.Delete = true
		p.DeleteScope = predicate.Ne(predicate.Col("Status"), predicate.Val("void"))
		a, err := d.Merge(p)
		require.NoError(t, err)
		b, err := d.Merge(p)
		require.NoError(t, err)
		assert.Equal(t, a, b, d.Name())
	}
}

func TestMergeValidation(t *testing.T) {
	t.Parallel()

	foreign, err := schema.MetadataOf[widget](schema.NewCatalog(), schema.TagProvider{})
	require.NoError(t, err)

	tests := []struct {
		name     string
		edit     func(*MergePlan)
		schemaEr bool
	}{
		{name: "nil metadata", edit: func(p *MergePlan) { p.Meta = nil }},
		{name: "blank staging", edit: func(p *MergePlan) { p.Staging = " " }},
		{name: "no columns", edit: func(p *MergePlan) { p.Columns = nil }, schemaEr: true},
		{name: "upsert without match", edit: func(p *MergePlan) { p.Match = nil }, schemaEr: true},
		{name: "delete without match", edit: func(p *MergePlan) { p.Match = nil; p.InsertOnly = true; p.Delete = true }, schemaEr: true},
		{name: "foreign match column", edit: func(p *MergePlan) { p.Match = foreign.PrimaryKey() }, schemaEr: true},
		{name: "foreign update column", edit: func(p *MergePlan) { p.Update = foreign.Columns(true) }, schemaEr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			p := basePlan(t)
			tt.edit(&p)
			for _, d := range []Dialect{SQLServer{}, Postgres{}} {
				_, err := d.Merge(p)
				require.Error(t, err)
				assert.True(t, errs.IsValidation(err), err)
				var se *errs.SchemaError
				assert.Equal(t, tt.schemaEr, errors.As(err, &se), err)
			}
		})
	}
}

func TestMergeRejectsUnsupportedScope(t *testing.T) {
	t.Parallel()

	p := basePlan(t)
	p.Delete = true
	p.DeleteScope = predicate.Lt(predicate.Col("Status"), predicate.Val(nil))
	_, err := SQLServer{}.Merge(p)
	var ue *errs.UnsupportedPredicateError
	require.ErrorAs(t, err, &ue)
}

func TestUpdateSet(t *testing.T) {
	t.Parallel()

	p := basePlan(t)
	names := func(cs []*schema.ColumnDescriptor) []string {
		out := make([]string, len(cs))
		for i, c := range cs {
			out[i] = c.Column()
		}
		return out
	}

	assert.Equal(t, []string{"qty", "price", "status"}, names(UpdateSet(p)))

	p.Update = cols(t, p.Meta, "ID", "Code", "Qty")
	assert.Equal(t, []string{"code", "qty"}, names(UpdateSet(p)), "identity is never updated")

	p.InsertOnly = true
	assert.Empty(t, UpdateSet(p))

	assert.Equal(t, []string{"code", "qty", "price", "status"}, names(InsertSet(p)))
}

func TestStagingDDL(t *testing.T) {
	t.Parallel()

	m := orderMeta(t)
	got, err := SQLServer{}.StagingDDL("#stage", m.Columns(true), true)
	require.NoError(t, err)
	assert.Equal(t, "CREATE TABLE [#stage] ([__row_index] INT NOT NULL, [id] BIGINT NULL, [code] NVARCHAR(MAX) NULL, "+
		"[qty] INT NULL, [price] decimal(18,2) NULL, [status] NVARCHAR(MAX) NULL)", got)

	got, err = Postgres{}.StagingDDL("bulk_1", m.Columns(true), false)
	require.NoError(t, err)
	assert.Equal(t, `CREATE TEMP TABLE "bulk_1" ("id" BIGINT NULL, "code" TEXT NULL, "qty" INTEGER NULL, `+
		`"price" decimal(18,2) NULL, "status" TEXT NULL)`, got)

	_, err = SQLServer{}.StagingDDL("", m.Columns(true), false)
	assert.True(t, errs.IsValidation(err))
	_, err = Postgres{}.StagingDDL("x", nil, true)
	assert.Error(t, err)

	assert.Equal(t, "DROP TABLE IF EXISTS [#stage]", SQLServer{}.DropStaging("#stage"))
	assert.Equal(t, `DROP TABLE IF EXISTS "bulk_1"`, Postgres{}.DropStaging("bulk_1"))
}

type typed struct {
	B   bool            `db:"b"`
	I8  int8            `db:"i8"`
	U8  uint8           `db:"u8"`
	I16 int16           `db:"i16"`
	I32 int32           `db:"i32"`
	I64 int64           `db:"i64"`
	U64 uint64          `db:"u64"`
	F32 float32         `db:"f32"`
	F64 float64         `db:"f64"`
	S   *string         `db:"s"`
	Raw []byte          `db:"raw"`
	At  time.Time       `db:"at"`
	UID uuid.UUID       `db:"uid"`
	Dec decimal.Decimal `db:"dec"`
	NI  sql.NullInt64   `db:"ni"`
	NT  sql.NullTime    `db:"nt"`
	Any any             `db:"any"`
}

func TestColumnType(t *testing.T) {
	t.Parallel()

	m, err := schema.MetadataOf[typed](schema.NewCatalog(), schema.TagProvider{})
	require.NoError(t, err)

	want := map[string][2]string{
		"b":   {"BIT", "BOOLEAN"},
		"i8":  {"SMALLINT", "SMALLINT"},
		"u8":  {"TINYINT", "SMALLINT"},
		"i16": {"SMALLINT", "SMALLINT"},
		"i32": {"INT", "INTEGER"},
		"i64": {"BIGINT", "BIGINT"},
		"u64": {"DECIMAL(20, 0)", "NUMERIC(20, 0)"},
		"f32": {"REAL", "REAL"},
		"f64": {"FLOAT", "DOUBLE PRECISION"},
		"s":   {"NVARCHAR(MAX)", "TEXT"},
		"raw": {"VARBINARY(MAX)", "BYTEA"},
		"at":  {"DATETIME2(7)", "TIMESTAMPTZ"},
		"uid": {"UNIQUEIDENTIFIER", "UUID"},
		"dec": {"DECIMAL(38, 10)", "NUMERIC"},
		"ni":  {"BIGINT", "BIGINT"},
		"nt":  {"DATETIME2(7)", "TIMESTAMPTZ"},
		"any": {"NVARCHAR(MAX)", "TEXT"},
	}
	for _, c := range m.Columns(true) {
		w, ok := want[c.Column()]
		require.True(t, ok, c.Column())
		assert.Equal(t, w[0], SQLServer{}.ColumnType(c), c.Column())
		assert.Equal(t, w[1], Postgres{}.ColumnType(c), c.Column())
	}
}

func TestQuoting(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "[a]]b]", SQLServer{}.QuoteIdent("a]b"))
	assert.Equal(t, `"a""b"`, Postgres{}.QuoteIdent(`a"b`))
	assert.Equal(t, "@p3", SQLServer{}.Placeholder(3))
	assert.Equal(t, "$3", Postgres{}.Placeholder(3))
}

func TestStagingName(t *testing.T) {
	t.Parallel()

	a, b := SQLServer{}.StagingName(), SQLServer{}.StagingName()
	assert.NotEqual(t, a, b)
	assert.True(t, strings.HasPrefix(a, "#bulk_"))
	assert.NotContains(t, a, "-")
	assert.True(t, strings.HasPrefix(Postgres{}.StagingName(), "bulk_"))
}

func BenchmarkSQLServerMerge(b *testing.B) {
	m, err := schema.MetadataOf[order](schema.NewCatalog(), schema.TagProvider{})
	if err != nil {
		b.Fatal(err)
	}
	match, _ := m.Resolve([]string{"Code"})
	p := MergePlan{Meta: m, Staging: "#stage", Columns: m.Columns(true), Match: match, Output: true, Dedupe: true}
	b.ReportAllocs()
	for b.Loop() {
		if _, err := (SQLServer{}).Merge(p); err != nil {
			b.Fatal(err)
		}
	}
}
