package template

import (
	"context"
	"fmt"
	"strings"

	"github.com/neurodesk/tmplc/pkg/convert"
	"github.com/neurodesk/tmplc/pkg/escape"
	starjson "go.starlark.net/lib/json"
	starmath "go.starlark.net/lib/math"
	startime "go.starlark.net/lib/time"
	"go.starlark.net/starlark"
	"go.starlark.net/starlarkstruct"
)

// ModulesKey is the namespace key of the handle {% module %} directives
// resolve against. Build the handle with NewModules.
const ModulesKey = "_tt_modules"

const contextKey = "tmplc.context"

// NewModules returns a UI module handle: each entry becomes an attribute,
// so {% module Entry(...) %} calls it.
func NewModules(modules map[string]any) (starlark.Value, error) {
	d, err := convert.ToStringDict(modules)
	if err != nil {
		return nil, err
	}
	return starlarkstruct.FromStringDict(starlark.String("modules"), d), nil
}

// defaultModules are importable from every template.
var defaultModules = map[string]starlark.Value{
	"json": starjson.Module,
	"math": starmath.Module,
	"time": startime.Module,
}

var stringTypes = starlark.Tuple{starlark.String("string"), starlark.String("bytes")}

var builtins = starlark.StringDict{
	"escape":       starlark.NewBuiltin("escape", xhtmlEscape),
	"xhtml_escape": starlark.NewBuiltin("xhtml_escape", xhtmlEscape),
	"url_escape":   starlark.NewBuiltin("url_escape", urlEscape),
	"json_encode":  starlark.NewBuiltin("json_encode", jsonEncode),
	"squeeze":      starlark.NewBuiltin("squeeze", squeeze),
	"linkify":      starlark.NewBuiltin("linkify", linkify),
	"datetime":     startime.Module,
	"_tt_utf8":     starlark.NewBuiltin("_tt_utf8", toUTF8),
	"_tt_try":      starlark.NewBuiltin("_tt_try", try),
}

// namespaceFor builds the globals of one execution. Later entries win:
// Starlark builtins, helpers, reserved names, the template namespace and
// finally kwargs.
func (t *Template) namespaceFor(kwargs map[string]any) (starlark.StringDict, error) {
	ns := make(starlark.StringDict, len(starlark.Universe)+len(builtins)+len(t.namespace)+len(kwargs)+4)
	for k, v := range starlark.Universe {
		ns[k] = v
	}
	for k, v := range builtins {
		ns[k] = v
	}
	ns["_tt_string_types"] = stringTypes
	ns["_tt_import"] = starlark.NewBuiltin("_tt_import", t.importModule)
	ns["__name__"] = starlark.String(strings.ReplaceAll(t.name, ".", "_"))
	ns["__loader__"] = starlarkstruct.FromStringDict(starlarkstruct.Default, starlark.StringDict{
		"get_source": starlark.NewBuiltin("get_source", func(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
			return starlark.String(t.code), nil
		}),
	})

	for _, src := range []map[string]any{t.namespace, kwargs} {
		d, err := convert.ToStringDict(src)
		if err != nil {
			return nil, fmt.Errorf("template %s: %w", t.name, err)
		}
		for k, v := range d {
			ns[k] = v
		}
	}
	return ns, nil
}

func (t *Template) importModule(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var name string
	if err := starlark.UnpackPositionalArgs(b.Name(), args, kwargs, 1, &name); err != nil {
		return nil, err
	}
	if m, ok := t.modules[name]; ok {
		return m, nil
	}
	if m, ok := defaultModules[name]; ok {
		return m, nil
	}
	return nil, fmt.Errorf("no module named %q", name)
}

// toUTF8 coerces str and bytes to the output string type.
func toUTF8(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var v starlark.Value
	if err := starlark.UnpackPositionalArgs(b.Name(), args, kwargs, 1, &v); err != nil {
		return nil, err
	}
	switch v := v.(type) {
	case starlark.String:
		return v, nil
	case starlark.Bytes:
		return starlark.String(v), nil
	case starlark.NoneType:
		return v, nil
	}
	return nil, fmt.Errorf("%s: expected str or bytes, got %s", b.Name(), v.Type())
}

// text returns the contents of str and bytes values and str(v) otherwise.
func text(v starlark.Value) string {
	switch v := v.(type) {
	case starlark.String:
		return string(v)
	case starlark.Bytes:
		return string(v)
	}
	return v.String()
}

func xhtmlEscape(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var v starlark.Value
	if err := starlark.UnpackPositionalArgs(b.Name(), args, kwargs, 1, &v); err != nil {
		return nil, err
	}
	return starlark.String(escape.XHTMLEscape(text(v))), nil
}

func urlEscape(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var v starlark.Value
	plus := true
	if err := starlark.UnpackArgs(b.Name(), args, kwargs, "value", &v, "plus?", &plus); err != nil {
		return nil, err
	}
	return starlark.String(escape.URLEscape(text(v), plus)), nil
}

func jsonEncode(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var v starlark.Value
	if err := starlark.UnpackPositionalArgs(b.Name(), args, kwargs, 1, &v); err != nil {
		return nil, err
	}
	out, err := starlark.Call(thread, starjson.Module.Members["encode"], starlark.Tuple{v}, nil)
	if err != nil {
		return nil, err
	}
	return starlark.String(escape.EscapeScriptClose(text(out))), nil
}

func squeeze(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var v starlark.Value
	if err := starlark.UnpackPositionalArgs(b.Name(), args, kwargs, 1, &v); err != nil {
		return nil, err
	}
	return starlark.String(escape.Squeeze(text(v))), nil
}

func linkify(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var (
		v           starlark.Value
		extra       starlark.Value = starlark.String("")
		permitted   starlark.Iterable
		opts        escape.LinkifyOptions
		callbackErr error
	)
	if err := starlark.UnpackArgs(b.Name(), args, kwargs,
		"text", &v,
		"shorten?", &opts.Shorten,
		"extra_params?", &extra,
		"require_protocol?", &opts.RequireProtocol,
		"permitted_protocols?", &permitted,
	); err != nil {
		return nil, err
	}
	switch e := extra.(type) {
	case starlark.String:
		opts.ExtraParams = string(e)
	case starlark.Callable:
		opts.ExtraParamsFunc = func(href string) string {
			out, err := starlark.Call(thread, e, starlark.Tuple{starlark.String(href)}, nil)
			if err != nil {
				callbackErr = err
				return ""
			}
			return text(out)
		}
	default:
		return nil, fmt.Errorf("%s: extra_params must be a string or callable, got %s", b.Name(), extra.Type())
	}
	if permitted != nil {
		opts.PermittedProtocols = []string{}
		iter := permitted.Iterate()
		defer iter.Done()
		var p starlark.Value
		for iter.Next(&p) {
			opts.PermittedProtocols = append(opts.PermittedProtocols, text(p))
		}
	}
	out := escape.Linkify(text(v), opts)
	if callbackErr != nil {
		return nil, callbackErr
	}
	return starlark.String(out), nil
}

// try runs body and dispatches a failure to the first handler whose filter
// matches the error message, then runs else or finally as appropriate.
// Cancellation is never caught.
func try(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var (
		body, elseFn, finallyFn starlark.Value
		handlers                *starlark.List
	)
	if err := starlark.UnpackPositionalArgs(b.Name(), args, kwargs, 4, &body, &handlers, &elseFn, &finallyFn); err != nil {
		return nil, err
	}

	_, err := starlark.Call(thread, body, nil, nil)
	switch {
	case err != nil && !uncatchable(thread, err):
		msg := errorMessage(err)
		for i := 0; i < handlers.Len(); i++ {
			h, ok := handlers.Index(i).(starlark.Tuple)
			if !ok || len(h) != 2 {
				return nil, fmt.Errorf("%s: malformed handler %s", b.Name(), handlers.Index(i))
			}
			if !matches(h[0], msg) {
				continue
			}
			_, err = starlark.Call(thread, h[1], starlark.Tuple{starlark.String(msg)}, nil)
			break
		}
	case err == nil && elseFn != starlark.None:
		_, err = starlark.Call(thread, elseFn, nil, nil)
	}

	if finallyFn != starlark.None && !uncatchable(thread, err) {
		if _, ferr := starlark.Call(thread, finallyFn, nil, nil); ferr != nil {
			err = ferr
		}
	}
	if err != nil {
		return nil, err
	}
	return starlark.None, nil
}

func uncatchable(thread *starlark.Thread, err error) bool {
	if err == nil {
		return false
	}
	if ctx, ok := thread.Local(contextKey).(context.Context); ok && ctx.Err() != nil {
		return true
	}
	return strings.Contains(err.Error(), "Starlark computation cancelled")
}

func errorMessage(err error) string {
	if ee, ok := err.(*starlark.EvalError); ok {
		return ee.Msg
	}
	return err.Error()
}

// matches reports whether an except filter selects msg. None matches
// everything; a string or a sequence of strings matches by substring.
func matches(filter starlark.Value, msg string) bool {
	switch f := filter.(type) {
	case starlark.NoneType:
		return true
	case starlark.String:
		return strings.Contains(msg, string(f))
	case starlark.Iterable:
		iter := f.Iterate()
		defer iter.Done()
		var x starlark.Value
		for iter.Next(&x) {
			if s, ok := starlark.AsString(x); ok && strings.Contains(msg, s) {
				return true
			}
		}
	}
	return false
}
