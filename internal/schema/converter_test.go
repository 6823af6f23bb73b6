package schema

import (
	"reflect"
	"testing"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConverters_Registered(t *testing.T) {
	t.Parallel()

	names := Converters()
	for _, n := range []string{"decimal", "json", "uuid"} {
		assert.Contains(t, names, n)
	}
	_, err := NewConverter("money", reflect.TypeOf(""))
	require.ErrorContains(t, err, `unknown converter "money"`)
}

func TestDecimalConverter(t *testing.T) {
	t.Parallel()

	d := decimal.RequireFromString("12.50")
	c := DecimalConverter{}

	tests := []struct {
		name string
		in   any
		want any
	}{
		{"value", d, "12.5"},
		{"pointer", &d, "12.5"},
		{"nil pointer", (*decimal.Decimal)(nil), nil},
		{"null decimal", decimal.NullDecimal{}, nil},
		{"valid null decimal", decimal.NullDecimal{Decimal: d, Valid: true}, "12.5"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			got, err := c.ToStorage(tc.in)
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}

	_, err := c.ToStorage(12.5)
	require.ErrorContains(t, err, "unexpected float64")

	for _, in := range []any{"12.5", []byte("12.5"), 12.5} {
		got, err := c.FromStorage(in)
		require.NoError(t, err)
		assert.True(t, d.Equal(got.(decimal.Decimal)), "%T", in)
	}
	got, err := c.FromStorage(int64(7))
	require.NoError(t, err)
	assert.True(t, decimal.NewFromInt(7).Equal(got.(decimal.Decimal)))

	_, err = c.FromStorage("twelve")
	require.Error(t, err)
	_, err = c.FromStorage(true)
	require.ErrorContains(t, err, "cannot read bool")
}

func TestUUIDConverter(t *testing.T) {
	t.Parallel()

	id := uuid.MustParse("6f1c2a4e-9d0b-4c1e-8b5a-2f3d4e5f6a7b")
	c := UUIDConverter{}

	got, err := c.ToStorage(id)
	require.NoError(t, err)
	assert.Equal(t, id.String(), got)

	got, err = c.ToStorage(uuid.NullUUID{})
	require.NoError(t, err)
	assert.Nil(t, got)

	for _, in := range []any{id.String(), []byte(id.String()), id[:], [16]byte(id), id} {
		back, err := c.FromStorage(in)
		require.NoError(t, err, "%T", in)
		assert.Equal(t, id, back)
	}

	_, err = c.FromStorage("not-a-uuid")
	require.Error(t, err)
	_, err = c.ToStorage("6f1c2a4e")
	require.ErrorContains(t, err, "unexpected string")
}

func TestJSONConverter(t *testing.T) {
	t.Parallel()

	c := JSONConverter{Type: reflect.TypeOf([]string(nil))}

	got, err := c.ToStorage([]string{"a", "b"})
	require.NoError(t, err)
	assert.Equal(t, `["a","b"]`, got)

	got, err = c.ToStorage((*[]string)(nil))
	require.NoError(t, err)
	assert.Nil(t, got)

	back, err := c.FromStorage([]byte(`["x"]`))
	require.NoError(t, err)
	assert.Equal(t, []string{"x"}, back)

	_, err = c.FromStorage(`{"a":1}`)
	require.ErrorContains(t, err, "json converter")

	untyped := JSONConverter{}
	back, err = untyped.FromStorage(`{"a":1}`)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"a": float64(1)}, back)

	_, err = untyped.ToStorage(make(chan int))
	require.ErrorContains(t, err, "json converter")
}
