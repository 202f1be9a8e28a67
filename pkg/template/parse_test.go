package template

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReader(t *testing.T) {
	r := NewReader("r", "ab\ncd{{ x }}")
	assert.Equal(t, "r", r.Name())
	assert.Equal(t, 5, r.Find("{", 0))
	assert.Equal(t, 6, r.Find("{", 6))
	assert.Equal(t, -1, r.Find("z", 0))
	assert.Equal(t, -1, r.FindIn("{{", 0, 6))
	assert.Equal(t, 5, r.FindIn("{{", 0, 7))

	assert.Equal(t, "ab\n", r.Consume(3))
	assert.Equal(t, 2, r.Line())
	assert.Equal(t, 2, r.Find("{", 0))
	assert.Equal(t, byte('c'), r.At(0))
	assert.Equal(t, "cd{{ x }}", r.String())
	assert.Equal(t, "cd{{ x }}", r.ConsumeRest())
	assert.Equal(t, 0, r.Remaining())
	assert.Equal(t, "", r.Consume(4))
}

func TestParseErrors(t *testing.T) {
	tests := []struct {
		src  string
		want string
	}{
		{"{% if x %}", "missing {% end %} block for if at <string>:1"},
		{"a\n{% for x in y %}\n", "missing {% end %} block for for at <string>:2"},
		{"{# x", "missing end comment #} at <string>:1"},
		{"{{ x", "missing end expression }} at <string>:1"},
		{"{{ }}", "empty expression at <string>:1"},
		{"{% if x", "missing end block %} at <string>:1"},
		{"{% %}", "empty block tag ({% %}) at <string>:1"},
		{"{% else %}", "else outside if/for/while/try block at <string>:1"},
		{"{% except %}", "except outside try block at <string>:1"},
		{"{% for x in y %}{% elif z %}{% end %}", "elif block cannot be attached to for block at <string>:1"},
		{"{% if x %}{% except %}{% end %}", "except block cannot be attached to if block at <string>:1"},
		{"{% if x %}{% else %}{% elif y %}{% end %}", "elif after else at <string>:1"},
		{"{% if x %}{% else %}{% else %}{% end %}", "duplicate else in if block at <string>:1"},
		{"{% end %}", "extra {% end %} block at <string>:1"},
		{"{% try %}x{% end %}", "try block requires except or finally at <string>:1"},
		{"{% try x %}{% finally %}{% end %}", "try takes no arguments at <string>:1"},
		{"{% try %}{% else %}{% finally %}{% end %}", "else in try block requires a preceding except at <string>:1"},
		{"{% try %}{% finally %}{% except %}{% end %}", "except after else or finally at <string>:1"},
		{"{% try %}{% except x as 1 %}{% end %}", `invalid except binding "1" at <string>:1`},
		{"{% break %}", "break outside for/while block at <string>:1"},
		{"{% for x in y %}{% break now %}{% end %}", "break takes no arguments at <string>:1"},
		{"{% for x in y %}{% apply f %}{% continue %}{% end %}{% end %}", "continue outside for/while block at <string>:1"},
		{"{% try %}{% break %}{% finally %}{% end %}", "break outside for/while block at <string>:1"},
		{"{% foo %}", `unknown operator: "foo" at <string>:1`},
		{"{% block a %}{% end %}{% block a %}{% end %}", `duplicate block "a" at <string>:1`},
		{`{% extends "a" %}{% extends "b" %}`, "duplicate extends at <string>:1"},
		{"{% extends %}", "extends missing file path at <string>:1"},
		{"line1\n{% set %}", "set missing statement at <string>:2"},
		{"{% apply %}{% end %}", "apply missing method name at <string>:1"},
		{"{{ _tt_buffer }}", `reserved identifier prefix _tt_ in "_tt_buffer" at <string>:1`},
		{"{% set _tt_x = 1 %}", `reserved identifier prefix _tt_ in "_tt_x = 1" at <string>:1`},
		{"{{ 1; _tt_buffer.clear() }}", `reserved identifier prefix _tt_ in "1; _tt_buffer.clear()" at <string>:1`},
		{"{% for _tt_i in y %}{% end %}", `reserved identifier prefix _tt_ in "_tt_i in y" at <string>:1`},
		{"{% if a %}{% elif _tt_b %}{% end %}", `reserved identifier prefix _tt_ in "_tt_b" at <string>:1`},
		{"{% try %}{% except as _tt_e %}{% end %}", `reserved identifier prefix _tt_ in "_tt_e" at <string>:1`},
		{"{% import a.b %}", `unsupported import of "a.b" at <string>:1`},
		{"{% from m %}", "from statement missing import at <string>:1"},
	}
	for _, tt := range tests {
		_, err := New(tt.src)
		var pe *ParseError
		if assert.ErrorAs(t, err, &pe, "source %q", tt.src) {
			assert.Equal(t, tt.want, pe.Error(), "source %q", tt.src)
		}
	}
}

func TestParseErrorFormat(t *testing.T) {
	assert.Equal(t, "bad", (&ParseError{Msg: "bad"}).Error())
	assert.Equal(t, "bad at f", (&ParseError{Msg: "bad", Filename: "f"}).Error())
	assert.Equal(t, "bad at f:3", (&ParseError{Msg: "bad", Filename: "f", Line: 3}).Error())
}

func TestParseTree(t *testing.T) {
	src := "a\n{{ b }}{% if c %}{% raw d %}{% else %}{% set e = 1 %}{% end %}{% apply f %}g{% end %}{% module M() %}{% block h %}{% end %}"
	tmpl, err := New(src)
	require.NoError(t, err)
	want := `File(<string>)
  Text("a\n") @2
  Expression("b") @2
  If("if c") @2
    Raw("d") @2
    Else("else") @2
    Statement("e = 1") @2
  Apply(f) @2
    Text("g") @2
  Module("M()") @2
  Block(h) @2
`
	if diff := cmp.Diff(want, Pretty(tmpl.File())); diff != "" {
		t.Errorf("Pretty mismatch (-want +got):\n%s", diff)
	}
}

func TestWalk(t *testing.T) {
	tmpl, err := New("{{ a }}{% for x in y %}{{ x }}{% apply f %}{{ z }}{% end %}{% end %}")
	require.NoError(t, err)
	var exprs []string
	err = Walk(VisitorFunc(func(n Node) error {
		if e, ok := n.(*Expression); ok {
			exprs = append(exprs, e.Expr)
		}
		return nil
	}), tmpl.File())
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "x", "z"}, exprs)
}

func TestGeneratedCode(t *testing.T) {
	tmpl, err := New("Hello {{ name }}", WithName("t"))
	require.NoError(t, err)
	want := `def _tt_execute():  # t:0
    _tt_buffer = []  # t:0
    _tt_append = _tt_buffer.append  # t:0
    _tt_append("Hello ")  # t:1
    _tt_tmp = name  # t:1
    if type(_tt_tmp) in _tt_string_types: _tt_tmp = _tt_utf8(_tt_tmp)  # t:1
    else: _tt_tmp = _tt_utf8(str(_tt_tmp))  # t:1
    _tt_tmp = _tt_utf8(xhtml_escape(_tt_tmp))  # t:1
    _tt_append(_tt_tmp)  # t:1
    return _tt_utf8("").join(_tt_buffer)  # t:0
`
	if diff := cmp.Diff(want, tmpl.Code()); diff != "" {
		t.Errorf("generated code mismatch (-want +got):\n%s", diff)
	}

	loc, ok := tmpl.SourceMap().Lookup(5)
	require.True(t, ok)
	assert.Equal(t, Location{Template: "t", Line: 1}, loc)
	_, ok = tmpl.SourceMap().Lookup(11)
	assert.False(t, ok)
}

func TestGeneratedLoopElse(t *testing.T) {
	tmpl, err := New("{% for x in y %}{% break %}{% else %}e{% end %}", WithName("t"))
	require.NoError(t, err)
	want := `def _tt_execute():  # t:0
    _tt_buffer = []  # t:0
    _tt_append = _tt_buffer.append  # t:0
    _tt_loop0 = False  # t:1
    for x in y:  # t:1
        _tt_loop0 = True  # t:1
        break  # t:1
        pass  # t:1
    if not _tt_loop0:  # t:1
        _tt_append("e")  # t:1
        pass  # t:1
    return _tt_utf8("").join(_tt_buffer)  # t:0
`
	if diff := cmp.Diff(want, tmpl.Code()); diff != "" {
		t.Errorf("generated code mismatch (-want +got):\n%s", diff)
	}
}

func TestFormatCode(t *testing.T) {
	assert.Equal(t, "1  a\n2  b\n", FormatCode("a\nb\n"))
	code := ""
	for i := 0; i < 9; i++ {
		code += "x\n"
	}
	got := FormatCode(code)
	assert.Contains(t, got, " 1  x\n")
	assert.Contains(t, got, " 9  x\n")
}
