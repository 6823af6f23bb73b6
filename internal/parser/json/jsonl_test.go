package json

import (
	"bytes"
	"errors"
	"io"
	"strings"
	"testing"

	"bulkupsert/internal/schema"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func collect(t *testing.T, in string, opt Options) ([]schema.Row, error) {
	t.Helper()
	seq, errFn := Records(strings.NewReader(in), opt)
	var out []schema.Row
	for r := range seq {
		out = append(out, *r)
	}
	return out, errFn()
}

func TestRecords(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		in   string
		want []schema.Row
	}{
		{
			name: "jsonl",
			in:   "{\"id\":1,\"name\":\"a\"}\n{\"id\":2,\"name\":\"b\"}\n",
			want: []schema.Row{{"id": int64(1), "name": "a"}, {"id": int64(2), "name": "b"}},
		},
		{
			name: "array root",
			in:   ` [ {"id":1}, {"id":2.5} ] `,
			want: []schema.Row{{"id": int64(1)}, {"id": 2.5}},
		},
		{
			name: "array then objects",
			in:   `[{"id":1}]` + "\n" + `{"id":2}`,
			want: []schema.Row{{"id": int64(1)}, {"id": int64(2)}},
		},
		{
			name: "empty input",
			in:   " \n ",
			want: nil,
		},
		{
			name: "empty array",
			in:   "[]",
			want: nil,
		},
		{
			name: "big integers and nesting",
			in:   `{"n":9007199254740993,"tags":["x",1],"m":{"k":2},"z":null,"b":true}`,
			want: []schema.Row{{
				"n":    int64(9007199254740993),
				"tags": []any{"x", int64(1)},
				"m":    map[string]any{"k": int64(2)},
				"z":    nil,
				"b":    true,
			}},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got, err := collect(t, tt.in, Options{})
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestRecords_HeaderMap(t *testing.T) {
	t.Parallel()

	got, err := collect(t, `{"Identifikační číslo":"1","name":"a"}`, Options{
		HeaderMap: map[string]string{"Identifikační číslo": "ico"},
	})
	require.NoError(t, err)
	assert.Equal(t, []schema.Row{{"ico": "1", "name": "a"}}, got)
}

func TestRecords_Errors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		in      string
		wantN   int
		wantMsg string
	}{
		{"primitive", `42`, 0, "record 1"},
		{"null", `null`, 0, "not an object"},
		{"array of primitives", `[{"a":1}, 3]`, 1, "record 2"},
		{"truncated", "{\"a\":1}\n{\"a\":", 1, "record 2"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got, err := collect(t, tt.in, Options{})
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantMsg)
			assert.Len(t, got, tt.wantN)
		})
	}
}

func TestDecoder_LineAndEOF(t *testing.T) {
	t.Parallel()

	d := NewDecoder(strings.NewReader(`{"a":1} {"a":2}`), Options{})
	_, err := d.Next()
	require.NoError(t, err)
	_, err = d.Next()
	require.NoError(t, err)
	assert.Equal(t, 2, d.Line())
	_, err = d.Next()
	assert.True(t, errors.Is(err, io.EOF))
}

func TestRecords_StopsEarly(t *testing.T) {
	t.Parallel()

	seq, errFn := Records(strings.NewReader(`{"a":1}{"a":2}{"a":3}`), Options{})
	n := 0
	for range seq {
		n++
		if n == 2 {
			break
		}
	}
	assert.Equal(t, 2, n)
	assert.NoError(t, errFn())
}

func TestEncoder(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	all := NewEncoder(&buf, nil)
	require.NoError(t, all.Encode(&schema.Row{"b": "<x>", "a": int64(1)}))

	some := NewEncoder(&buf, []string{"id", "missing"})
	require.NoError(t, some.Encode(&schema.Row{"id": int64(7), "name": "n"}))

	assert.Equal(t, "{\"a\":1,\"b\":\"<x>\"}\n{\"id\":7}\n", buf.String())
}
