// Package template compiles text templates into Starlark programs.
//
// A template is text interleaved with directives:
//
//	{{ expr }}             output expr, auto-escaped
//	{% raw expr %}         output expr without escaping
//	{# comment #}          discarded
//	{% if x %}...{% elif y %}...{% else %}...{% end %}
//	{% for x in xs %}...{% else %}...{% end %}
//	{% while cond %}...{% end %}
//	{% try %}...{% except "msg" as e %}...{% finally %}...{% end %}
//	{% set x = expr %}
//	{% import json %}, {% from math import sqrt %}
//	{% apply fn %}...{% end %}
//	{% block name %}...{% end %}, {% extends "base.html" %}
//	{% include "part.html" %}
//	{% module expr %}
//	{% autoescape fn %} or {% autoescape None %}
//
// Each template is translated into a Starlark function _tt_execute that
// appends output chunks to a buffer. The function is compiled once and run
// by Generate with a fresh namespace per call, so a Template may be used
// from many goroutines.
package template

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"go.starlark.net/resolve"
	"go.starlark.net/starlark"
	"go.starlark.net/syntax"
)

// DefaultAutoescape is the escape function applied to {{ }} output unless
// configured otherwise.
const DefaultAutoescape = "xhtml_escape"

var fileOptions = &syntax.FileOptions{
	Set:       true,
	While:     true,
	Recursion: true,
}

// Template is a compiled template.
type Template struct {
	name       string
	source     string
	file       *File
	code       string
	program    *starlark.Program
	sourceMap  *SourceMap
	loader     *Loader
	autoescape string
	compress   bool
	namespace  map[string]any
	modules    map[string]starlark.Value
	maxSteps   uint64
	logger     *slog.Logger
}

// Option configures a Template or a Loader.
type Option func(*options)

type options struct {
	name       string
	autoescape *string
	compress   *bool
	namespace  map[string]any
	modules    map[string]starlark.Value
	maxSteps   uint64
	logger     *slog.Logger
}

func buildOptions(opts []Option) options {
	o := options{logger: slog.Default()}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// WithName names a standalone template. Ignored by loaders.
func WithName(name string) Option {
	return func(o *options) { o.name = name }
}

// WithAutoescape sets the name of the namespace function applied to every
// {{ }} expression.
func WithAutoescape(fn string) Option {
	return func(o *options) { o.autoescape = &fn }
}

// WithoutAutoescape disables auto-escaping.
func WithoutAutoescape() Option {
	return WithAutoescape("")
}

// WithCompressWhitespace overrides whether runs of whitespace in text are
// collapsed. By default they are for names ending in .html or .js.
func WithCompressWhitespace(compress bool) Option {
	return func(o *options) { o.compress = &compress }
}

// WithNamespace adds values visible to every execution. Values are
// converted with convert.ToStarlark on each execution.
func WithNamespace(ns map[string]any) Option {
	return func(o *options) {
		if o.namespace == nil {
			o.namespace = make(map[string]any, len(ns))
		}
		for k, v := range ns {
			o.namespace[k] = v
		}
	}
}

// WithModule makes a module importable with {% import name %}.
func WithModule(name string, module starlark.Value) Option {
	return func(o *options) {
		if o.modules == nil {
			o.modules = make(map[string]starlark.Value)
		}
		o.modules[name] = module
	}
}

// WithMaxExecutionSteps bounds the Starlark computation of one execution.
// Zero means no limit.
func WithMaxExecutionSteps(n uint64) Option {
	return func(o *options) { o.maxSteps = n }
}

// WithLogger sets the logger for compile failures and Starlark print.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// New compiles a standalone template. Standalone templates cannot use
// {% extends %} or {% include %}.
func New(src string, opts ...Option) (*Template, error) {
	o := buildOptions(opts)
	name := o.name
	if name == "" {
		name = "<string>"
	}
	return newTemplate(src, name, o, nil)
}

// newTemplate parses, links and compiles src. When loader is not nil its
// mutex must be held.
func newTemplate(src, name string, o options, loader *Loader) (*Template, error) {
	t := &Template{
		name:       name,
		source:     src,
		loader:     loader,
		autoescape: DefaultAutoescape,
		compress:   strings.HasSuffix(name, ".html") || strings.HasSuffix(name, ".js"),
		namespace:  o.namespace,
		modules:    o.modules,
		maxSteps:   o.maxSteps,
		logger:     o.logger,
	}
	if o.autoescape != nil {
		t.autoescape = *o.autoescape
	}
	if o.compress != nil {
		t.compress = *o.compress
	}

	body, err := parseTemplate(t)
	if err != nil {
		return nil, err
	}
	t.file = &File{Template: t, Body: body}

	t.code, t.sourceMap, err = t.link()
	if err != nil {
		return nil, err
	}

	_, prog, err := starlark.SourceProgramOptions(fileOptions, t.generatedFilename(), t.code, func(string) bool { return true })
	if err != nil {
		t.logger.Error("template code", "template", t.name, "code", strings.TrimRight(FormatCode(t.code), "\n"))
		return nil, t.compileError(err)
	}
	t.program = prog
	return t, nil
}

func (t *Template) compileError(err error) *CompileError {
	ce := &CompileError{Template: t.name, Err: err}
	var line int32
	var se syntax.Error
	var rl resolve.ErrorList
	switch {
	case errors.As(err, &se):
		line = se.Pos.Line
	case errors.As(err, &rl):
		line = rl[0].Pos.Line
	}
	if loc, ok := t.sourceMap.Lookup(int(line)); ok {
		ce.Location = loc
	}
	return ce
}

// generatedFilename is the file name of the program in Starlark positions.
func (t *Template) generatedFilename() string {
	return strings.ReplaceAll(t.name, ".", "_") + ".generated.star"
}

// Name is the template's name.
func (t *Template) Name() string { return t.name }

// Source is the template source text.
func (t *Template) Source() string { return t.source }

// File is the root of the parsed template.
func (t *Template) File() *File { return t.file }

// Code is the generated Starlark program.
func (t *Template) Code() string { return t.code }

// SourceMap maps generated lines back to templates.
func (t *Template) SourceMap() *SourceMap { return t.sourceMap }

// Autoescape is the effective autoescape function, "" when disabled.
func (t *Template) Autoescape() string { return t.autoescape }

// CompressWhitespace reports whether text whitespace is collapsed.
func (t *Template) CompressWhitespace() bool { return t.compress }

// Generate renders the template with the given arguments.
func (t *Template) Generate(kwargs map[string]any) ([]byte, error) {
	return t.Execute(context.Background(), kwargs)
}

// Execute renders the template with the given arguments. Cancelling ctx
// stops the computation.
func (t *Template) Execute(ctx context.Context, kwargs map[string]any) ([]byte, error) {
	thread := &starlark.Thread{
		Name: t.name,
		Print: func(_ *starlark.Thread, msg string) {
			t.logger.Info(msg, "template", t.name)
		},
	}
	thread.SetLocal(contextKey, ctx)
	if t.maxSteps > 0 {
		thread.SetMaxExecutionSteps(t.maxSteps)
	}
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	stop := context.AfterFunc(ctx, func() {
		thread.Cancel(ctx.Err().Error())
	})
	defer stop()

	ns, err := t.namespaceFor(kwargs)
	if err != nil {
		return nil, err
	}
	globals, err := t.program.Init(thread, ns)
	if err != nil {
		return nil, newExecutionError(t, err)
	}
	out, err := starlark.Call(thread, globals["_tt_execute"], nil, nil)
	if err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("executing %s: %w", t.name, ctx.Err())
		}
		return nil, newExecutionError(t, err)
	}
	s, ok := starlark.AsString(out)
	if !ok {
		return nil, fmt.Errorf("executing %s: _tt_execute returned %s", t.name, out.Type())
	}
	return []byte(s), nil
}
