package convert

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	startime "go.starlark.net/lib/time"
	"go.starlark.net/starlark"
	"go.starlark.net/starlarkstruct"
)

func TestToStarlark(t *testing.T) {
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	tests := []struct {
		name  string
		input any
		want  string
	}{
		{"nil", nil, "None"},
		{"string", "hello", `"hello"`},
		{"bytes", []byte("hi"), `b"hi"`},
		{"int", 42, "42"},
		{"uint8", uint8(7), "7"},
		{"float", 1.5, "1.5"},
		{"bool", true, "True"},
		{"list", []any{1, "a"}, `[1, "a"]`},
		{"typed slice", []string{"a", "b"}, `["a", "b"]`},
		{"map", map[string]any{"b": 2, "a": 1}, `{"a": 1, "b": 2}`},
		{"pointer", ptr(3), "3"},
		{"nil pointer", (*int)(nil), "None"},
		{"time", now, startime.Time(now).String()},
		{"duration", 2 * time.Second, "2s"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v, err := ToStarlark(tt.input)
			require.NoError(t, err)
			assert.Equal(t, tt.want, v.String())
		})
	}
}

func TestToStarlarkStruct(t *testing.T) {
	type user struct {
		Name    string
		Age     int `starlark:"age"`
		Skipped bool `starlark:"-"`
		private string
	}
	v, err := ToStarlark(user{Name: "Ada", Age: 36, private: "x"})
	require.NoError(t, err)

	s, ok := v.(*starlarkstruct.Struct)
	require.True(t, ok, "got %T", v)
	assert.ElementsMatch(t, []string{"Name", "age"}, s.AttrNames())

	name, err := s.Attr("Name")
	require.NoError(t, err)
	assert.Equal(t, starlark.String("Ada"), name)
}

func TestFromStarlark(t *testing.T) {
	dict := starlark.NewDict(1)
	require.NoError(t, dict.SetKey(starlark.String("k"), starlark.NewList([]starlark.Value{starlark.MakeInt(1), starlark.None})))

	got, err := FromStarlark(dict)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"k": []any{int64(1), nil}}, got)

	got, err = FromStarlark(starlark.Tuple{starlark.String("a"), starlark.Bytes("b"), starlark.Float(0.5), starlark.True})
	require.NoError(t, err)
	assert.Equal(t, []any{"a", []byte("b"), 0.5, true}, got)

	bad := starlark.NewDict(1)
	require.NoError(t, bad.SetKey(starlark.MakeInt(1), starlark.None))
	_, err = FromStarlark(bad)
	assert.Error(t, err)
}

func TestFunc(t *testing.T) {
	thread := &starlark.Thread{Name: "test"}

	upper, err := Func("upper", strings.ToUpper)
	require.NoError(t, err)
	v, err := starlark.Call(thread, upper, starlark.Tuple{starlark.String("hi")}, nil)
	require.NoError(t, err)
	assert.Equal(t, starlark.String("HI"), v)

	join, err := Func("join", func(sep string, parts ...string) string { return strings.Join(parts, sep) })
	require.NoError(t, err)
	v, err = starlark.Call(thread, join, starlark.Tuple{starlark.String("-"), starlark.String("a"), starlark.String("b")}, nil)
	require.NoError(t, err)
	assert.Equal(t, starlark.String("a-b"), v)

	fail, err := Func("fail", func(n int) (int, error) { return 0, errors.New("boom") })
	require.NoError(t, err)
	_, err = starlark.Call(thread, fail, starlark.Tuple{starlark.MakeInt(1)}, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "boom")

	_, err = starlark.Call(thread, upper, starlark.Tuple{starlark.MakeInt(1)}, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "cannot use int as string")

	_, err = Func("nope", 3)
	assert.Error(t, err)
}

func TestFuncRejectsOverflow(t *testing.T) {
	thread := &starlark.Thread{Name: "test"}

	small, err := Func("small", func(n int8) int8 { return n })
	require.NoError(t, err)
	v, err := starlark.Call(thread, small, starlark.Tuple{starlark.MakeInt(-128)}, nil)
	require.NoError(t, err)
	assert.Equal(t, "-128", v.String())
	_, err = starlark.Call(thread, small, starlark.Tuple{starlark.MakeInt(300)}, nil)
	assert.ErrorContains(t, err, "300 overflows int8")

	byteFn, err := Func("byte", func(n uint8) uint8 { return n })
	require.NoError(t, err)
	_, err = starlark.Call(thread, byteFn, starlark.Tuple{starlark.MakeInt(256)}, nil)
	assert.ErrorContains(t, err, "256 overflows uint8")
}

func TestToStringDict(t *testing.T) {
	d, err := ToStringDict(map[string]any{"shout": strings.ToUpper, "n": 1})
	require.NoError(t, err)
	b, ok := d["shout"].(*starlark.Builtin)
	require.True(t, ok)
	assert.Equal(t, "shout", b.Name())
	assert.Equal(t, "1", d["n"].String())
}

func ptr[T any](v T) *T { return &v }
