package schema

import (
	"database/sql"
	"reflect"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type audit struct {
	CreatedBy string    `db:"created_by"`
	CreatedAt time.Time `db:"created_at"`
}

type address struct {
	City string `db:"city"`
}

type customer struct {
	ID      int32           `db:"id,pk,identity"`
	Name    string          `db:"name"`
	Note    sql.NullString  `db:"note"`
	Score   *float64        `db:"score"`
	Balance decimal.Decimal `db:"balance,type=decimal(18,2),converter=decimal"`
	Ref     uuid.UUID       `db:"ref,converter=uuid"`
	Tags    []string        `db:"tags,converter=json"`
	audit
	Home *address `db:",embed"`
}

func TestTagProvider_Model(t *testing.T) {
	t.Parallel()

	tm, err := TagProvider{}.Model(reflect.TypeOf(&customer{}))
	require.NoError(t, err)
	require.NotNil(t, tm)
	assert.Equal(t, "customer", tm.Table)
	assert.Empty(t, tm.Schema)

	byCol := map[string]PropertyModel{}
	for _, p := range tm.Properties {
		byCol[p.Column] = p
	}
	assert.Len(t, byCol, 10)

	id := byCol["id"]
	assert.True(t, id.IsPrimaryKey)
	assert.Equal(t, GeneratedOnAdd, id.Generation)

	bal := byCol["balance"]
	assert.Equal(t, "decimal(18,2)", bal.ColumnType)
	assert.IsType(t, DecimalConverter{}, bal.Converter)

	assert.Equal(t, []int{7, 0}, byCol["created_by"].FieldPath)
	assert.Equal(t, "CreatedBy", byCol["created_by"].Name)
	assert.Equal(t, []int{8, 0}, byCol["city"].FieldPath)
	assert.Equal(t, "Home.City", byCol["city"].Name)
}

func TestTagProvider_NotAStruct(t *testing.T) {
	t.Parallel()
	tm, err := TagProvider{}.Model(reflect.TypeOf(0))
	require.NoError(t, err)
	assert.Nil(t, tm)
}

func TestTagProvider_Errors(t *testing.T) {
	t.Parallel()

	type inner struct {
		Deep address `db:",embed"`
	}
	type tooDeep struct {
		In inner `db:",embed"`
	}
	_, err := TagProvider{}.Model(reflect.TypeOf(tooDeep{}))
	require.Error(t, err)

	type badConv struct {
		A string `db:"a,converter=nope"`
	}
	_, err = TagProvider{}.Model(reflect.TypeOf(badConv{}))
	require.ErrorContains(t, err, "unknown converter")

	type badEmbed struct {
		A int `db:",embed"`
	}
	_, err = TagProvider{}.Model(reflect.TypeOf(badEmbed{}))
	require.Error(t, err)
}

func TestSplitTag(t *testing.T) {
	t.Parallel()

	name, opts := splitTag("amount, type=decimal(18,2) ,pk,generated=add,default=(0)")
	assert.Equal(t, "amount", name)
	assert.Equal(t, "decimal(18,2)", opts.value("type"))
	assert.True(t, opts.has("pk"))
	assert.Equal(t, "add", opts.value("generated"))
	assert.Equal(t, "(0)", opts.value("default"))

	name, opts = splitTag("")
	assert.Empty(t, name)
	assert.Empty(t, opts)
}

func TestAccessors_GetSet(t *testing.T) {
	t.Parallel()

	m, err := MetadataOf[customer](NewCatalog(), TagProvider{})
	require.NoError(t, err)

	col := func(name string) *ColumnDescriptor {
		c, ok := m.Lookup(name)
		require.True(t, ok, name)
		return c
	}

	c := &customer{Name: "ada"}
	assert.Equal(t, "ada", col("name").Get(c))
	assert.Nil(t, col("city").Get(c), "nil embedded pointer reads as nil")

	require.NoError(t, col("city").Set(c, "Oslo"))
	require.NotNil(t, c.Home)
	assert.Equal(t, "Oslo", c.Home.City)

	require.NoError(t, col("created_by").Set(c, []byte("etl")))
	assert.Equal(t, "etl", c.CreatedBy)

	// int64 from the driver narrows into int32.
	require.NoError(t, col("id").Set(c, int64(42)))
	assert.Equal(t, int32(42), c.ID)

	require.NoError(t, col("score").Set(c, 1.5))
	require.NotNil(t, c.Score)
	assert.Equal(t, 1.5, *c.Score)
	require.NoError(t, col("score").Set(c, nil))
	assert.Nil(t, c.Score)

	require.NoError(t, col("note").Set(c, "hello"))
	assert.Equal(t, sql.NullString{String: "hello", Valid: true}, c.Note)

	require.Error(t, col("name").Set(c, 12), "int does not silently become a string")
}

func TestAccessors_Converters(t *testing.T) {
	t.Parallel()

	m, err := MetadataOf[customer](NewCatalog(), TagProvider{})
	require.NoError(t, err)

	ref := uuid.MustParse("1b4e28ba-2fa1-11d2-883f-0016d3cca427")
	c := &customer{Balance: decimal.RequireFromString("12.50"), Ref: ref, Tags: []string{"a", "b"}}

	bal, _ := m.Lookup("balance")
	assert.True(t, bal.HasConverter())
	assert.Equal(t, reflect.TypeOf(""), bal.StorageType())
	assert.Equal(t, c.Balance, bal.Get(c), "getter returns the raw value")

	v, err := bal.StorageValue(c)
	require.NoError(t, err)
	assert.Equal(t, "12.5", v)

	require.NoError(t, bal.SetFromStorage(c, "99.01"))
	assert.True(t, decimal.RequireFromString("99.01").Equal(c.Balance))

	refCol, _ := m.Lookup("Ref")
	v, err = refCol.StorageValue(c)
	require.NoError(t, err)
	assert.Equal(t, ref.String(), v)

	tags, _ := m.Lookup("tags")
	v, err = tags.StorageValue(c)
	require.NoError(t, err)
	assert.Equal(t, `["a","b"]`, v)
	require.NoError(t, tags.SetFromStorage(c, []byte(`["z"]`)))
	assert.Equal(t, []string{"z"}, c.Tags)

	conv, ok := m.ConverterFor("balance")
	require.True(t, ok)
	assert.IsType(t, DecimalConverter{}, conv)
}

func TestConverters_Nil(t *testing.T) {
	t.Parallel()

	for _, name := range []string{"decimal", "uuid", "json"} {
		c, err := NewConverter(name, reflect.TypeOf(""))
		require.NoError(t, err)
		v, err := c.ToStorage(nil)
		require.NoError(t, err)
		assert.Nil(t, v, name)
		v, err = c.FromStorage(nil)
		require.NoError(t, err)
		assert.Nil(t, v, name)
	}
	var d *decimal.Decimal
	v, err := DecimalConverter{}.ToStorage(d)
	require.NoError(t, err)
	assert.Nil(t, v)

	assert.Contains(t, Converters(), "decimal")
}

func TestDynamicProvider(t *testing.T) {
	t.Parallel()

	p := &DynamicProvider{Schema: "dbo", Table: "events", Columns: []DynamicColumn{
		{Name: "id", Key: true, Identity: true, SQLType: "bigint"},
		{Name: "code", Key: true, SQLType: "nvarchar(20)"},
		{Name: "payload", SQLType: "nvarchar(max)", Converter: "json"},
		{Name: "total", Computed: true},
	}}
	m, err := MetadataOf[Row](NewCatalog(), p)
	require.NoError(t, err)

	assert.Equal(t, "dbo.events", m.QualifiedName())
	assert.Len(t, m.Columns(true), 3)
	require.Len(t, m.Identity(), 1)
	assert.Len(t, m.PrimaryKey(), 2)

	r := &Row{"code": "A", "payload": map[string]any{"k": 1}}
	code, _ := m.Lookup("code")
	assert.Equal(t, "A", code.Get(r))

	id, _ := m.Lookup("id")
	require.NoError(t, id.Set(r, int64(7)))
	assert.Equal(t, int64(7), r.Get("id"))

	payload, _ := m.Lookup("payload")
	v, err := payload.StorageValue(r)
	require.NoError(t, err)
	assert.Equal(t, `{"k":1}`, v)

	other := &DynamicProvider{Table: "events"}
	assert.NotEqual(t, p.Session(), other.Session())

	tm, err := p.Model(reflect.TypeOf(customer{}))
	require.NoError(t, err)
	assert.Nil(t, tm)

	var empty Row
	assert.Nil(t, empty.Get("x"))
	empty.Set("x", 1)
	assert.Equal(t, 1, empty.Get("x"))
}
