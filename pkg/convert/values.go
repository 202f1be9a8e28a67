// Package convert moves values between Go and Starlark.
package convert

import (
	"fmt"
	"math/big"
	"reflect"
	"sort"
	"time"

	startime "go.starlark.net/lib/time"
	"go.starlark.net/starlark"
	"go.starlark.net/starlarkstruct"
)

var (
	errorType    = reflect.TypeOf((*error)(nil)).Elem()
	timeType     = reflect.TypeOf(time.Time{})
	durationType = reflect.TypeOf(time.Duration(0))
	valueType    = reflect.TypeOf((*starlark.Value)(nil)).Elem()
)

// ToStarlark converts a Go value to a Starlark value.
//
// Maps become dicts, slices and arrays become lists, structs become
// starlark structs keyed by field name (or the `starlark` tag), times and
// durations become values of the time module and functions become
// builtins. Starlark values pass through unchanged.
func ToStarlark(v any) (starlark.Value, error) {
	return toStarlark("func", v)
}

// ToStringDict converts every entry of m with ToStarlark. Functions are
// named after their key.
func ToStringDict(m map[string]any) (starlark.StringDict, error) {
	d := make(starlark.StringDict, len(m))
	for k, v := range m {
		sv, err := toStarlark(k, v)
		if err != nil {
			return nil, fmt.Errorf("converting %q: %w", k, err)
		}
		d[k] = sv
	}
	return d, nil
}

func toStarlark(name string, v any) (starlark.Value, error) {
	switch v := v.(type) {
	case nil:
		return starlark.None, nil
	case starlark.Value:
		return v, nil
	case string:
		return starlark.String(v), nil
	case []byte:
		return starlark.Bytes(v), nil
	case bool:
		return starlark.Bool(v), nil
	case int:
		return starlark.MakeInt(v), nil
	case int64:
		return starlark.MakeInt64(v), nil
	case float64:
		return starlark.Float(v), nil
	case *big.Int:
		return starlark.MakeBigInt(v), nil
	case time.Time:
		return startime.Time(v), nil
	case time.Duration:
		return startime.Duration(v), nil
	case map[string]any:
		dict := starlark.NewDict(len(v))
		for _, k := range sortedKeys(v) {
			sv, err := toStarlark(k, v[k])
			if err != nil {
				return nil, err
			}
			if err := dict.SetKey(starlark.String(k), sv); err != nil {
				return nil, err
			}
		}
		return dict, nil
	case []any:
		items := make([]starlark.Value, len(v))
		for i, item := range v {
			sv, err := toStarlark(name, item)
			if err != nil {
				return nil, err
			}
			items[i] = sv
		}
		return starlark.NewList(items), nil
	}
	return reflectToStarlark(name, reflect.ValueOf(v))
}

func reflectToStarlark(name string, rv reflect.Value) (starlark.Value, error) {
	switch rv.Kind() {
	case reflect.Bool:
		return starlark.Bool(rv.Bool()), nil
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		if rv.Type() == durationType {
			return startime.Duration(rv.Int()), nil
		}
		return starlark.MakeInt64(rv.Int()), nil
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
		return starlark.MakeUint64(rv.Uint()), nil
	case reflect.Float32, reflect.Float64:
		return starlark.Float(rv.Float()), nil
	case reflect.String:
		return starlark.String(rv.String()), nil
	case reflect.Pointer, reflect.Interface:
		if rv.IsNil() {
			return starlark.None, nil
		}
		return toStarlark(name, rv.Elem().Interface())
	case reflect.Slice, reflect.Array:
		if rv.Kind() == reflect.Slice && rv.Type().Elem().Kind() == reflect.Uint8 {
			return starlark.Bytes(rv.Bytes()), nil
		}
		items := make([]starlark.Value, rv.Len())
		for i := range items {
			sv, err := toStarlark(name, rv.Index(i).Interface())
			if err != nil {
				return nil, err
			}
			items[i] = sv
		}
		return starlark.NewList(items), nil
	case reflect.Map:
		dict := starlark.NewDict(rv.Len())
		iter := rv.MapRange()
		for iter.Next() {
			k, err := toStarlark(name, iter.Key().Interface())
			if err != nil {
				return nil, err
			}
			val, err := toStarlark(name, iter.Value().Interface())
			if err != nil {
				return nil, err
			}
			if err := dict.SetKey(k, val); err != nil {
				return nil, err
			}
		}
		return dict, nil
	case reflect.Struct:
		if rv.Type() == timeType {
			return startime.Time(rv.Interface().(time.Time)), nil
		}
		fields := make(starlark.StringDict)
		t := rv.Type()
		for i := 0; i < t.NumField(); i++ {
			f := t.Field(i)
			if !f.IsExported() {
				continue
			}
			key := f.Name
			if tag := f.Tag.Get("starlark"); tag == "-" {
				continue
			} else if tag != "" {
				key = tag
			}
			sv, err := toStarlark(key, rv.Field(i).Interface())
			if err != nil {
				return nil, fmt.Errorf("field %s: %w", f.Name, err)
			}
			fields[key] = sv
		}
		return starlarkstruct.FromStringDict(starlarkstruct.Default, fields), nil
	case reflect.Func:
		return Func(name, rv.Interface())
	}
	return nil, fmt.Errorf("cannot convert %s to a starlark value", rv.Type())
}

// FromStarlark converts a Starlark value to a plain Go value: nil, bool,
// int64 (or *big.Int when out of range), float64, string, []byte, []any,
// map[string]any, time.Time or time.Duration. Other values, such as
// functions, are returned unchanged.
func FromStarlark(v starlark.Value) (any, error) {
	switch v := v.(type) {
	case nil, starlark.NoneType:
		return nil, nil
	case starlark.Bool:
		return bool(v), nil
	case starlark.Int:
		if i, ok := v.Int64(); ok {
			return i, nil
		}
		return v.BigInt(), nil
	case starlark.Float:
		return float64(v), nil
	case starlark.String:
		return string(v), nil
	case starlark.Bytes:
		return []byte(v), nil
	case startime.Time:
		return time.Time(v), nil
	case startime.Duration:
		return time.Duration(v), nil
	case *starlark.List:
		return fromIterable(v, v.Len())
	case starlark.Tuple:
		return fromIterable(v, v.Len())
	case *starlark.Dict:
		m := make(map[string]any, v.Len())
		for _, item := range v.Items() {
			key, ok := starlark.AsString(item[0])
			if !ok {
				return nil, fmt.Errorf("dict key %s is not a string", item[0])
			}
			val, err := FromStarlark(item[1])
			if err != nil {
				return nil, err
			}
			m[key] = val
		}
		return m, nil
	case *starlarkstruct.Struct:
		d := make(starlark.StringDict)
		v.ToStringDict(d)
		m := make(map[string]any, len(d))
		for k, sv := range d {
			val, err := FromStarlark(sv)
			if err != nil {
				return nil, err
			}
			m[k] = val
		}
		return m, nil
	}
	return v, nil
}

func fromIterable(v starlark.Iterable, n int) ([]any, error) {
	out := make([]any, 0, n)
	iter := v.Iterate()
	defer iter.Done()
	var x starlark.Value
	for iter.Next(&x) {
		val, err := FromStarlark(x)
		if err != nil {
			return nil, err
		}
		out = append(out, val)
	}
	return out, nil
}

// Func wraps a Go function as a Starlark builtin. Positional arguments are
// converted to the function's parameter types; a trailing error result is
// reported as a Starlark error.
func Func(name string, fn any) (*starlark.Builtin, error) {
	rv := reflect.ValueOf(fn)
	if rv.Kind() != reflect.Func {
		return nil, fmt.Errorf("%s is a %s, not a function", name, rv.Type())
	}
	t := rv.Type()
	return starlark.NewBuiltin(name, func(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
		if len(kwargs) > 0 {
			return nil, fmt.Errorf("%s: unexpected keyword argument %s", b.Name(), kwargs[0][0])
		}
		in, err := callArgs(b.Name(), t, args)
		if err != nil {
			return nil, err
		}
		return callResult(name, rv.Call(in))
	}), nil
}

func callArgs(name string, t reflect.Type, args starlark.Tuple) ([]reflect.Value, error) {
	n := t.NumIn()
	if t.IsVariadic() {
		if len(args) < n-1 {
			return nil, fmt.Errorf("%s: got %d arguments, want at least %d", name, len(args), n-1)
		}
	} else if len(args) != n {
		return nil, fmt.Errorf("%s: got %d arguments, want %d", name, len(args), n)
	}
	in := make([]reflect.Value, len(args))
	for i, arg := range args {
		pt := paramType(t, i)
		v, err := toType(arg, pt)
		if err != nil {
			return nil, fmt.Errorf("%s: argument %d: %w", name, i+1, err)
		}
		in[i] = v
	}
	return in, nil
}

func paramType(t reflect.Type, i int) reflect.Type {
	if t.IsVariadic() && i >= t.NumIn()-1 {
		return t.In(t.NumIn() - 1).Elem()
	}
	return t.In(i)
}

func callResult(name string, out []reflect.Value) (starlark.Value, error) {
	if n := len(out); n > 0 && out[n-1].Type() == errorType {
		if err, _ := out[n-1].Interface().(error); err != nil {
			return nil, err
		}
		out = out[:n-1]
	}
	switch len(out) {
	case 0:
		return starlark.None, nil
	case 1:
		return toStarlark(name, out[0].Interface())
	}
	tuple := make(starlark.Tuple, len(out))
	for i, o := range out {
		sv, err := toStarlark(name, o.Interface())
		if err != nil {
			return nil, err
		}
		tuple[i] = sv
	}
	return tuple, nil
}

// toType converts v to a reflect.Value assignable to t.
func toType(v starlark.Value, t reflect.Type) (reflect.Value, error) {
	if t.Implements(valueType) || t == valueType {
		if reflect.TypeOf(v).AssignableTo(t) {
			return reflect.ValueOf(v), nil
		}
	}
	switch t.Kind() {
	case reflect.String:
		switch s := v.(type) {
		case starlark.String:
			return reflect.ValueOf(string(s)).Convert(t), nil
		case starlark.Bytes:
			return reflect.ValueOf(string(s)).Convert(t), nil
		}
	case reflect.Slice:
		if t.Elem().Kind() == reflect.Uint8 {
			switch s := v.(type) {
			case starlark.String:
				return reflect.ValueOf([]byte(s)).Convert(t), nil
			case starlark.Bytes:
				return reflect.ValueOf([]byte(s)).Convert(t), nil
			}
		}
	case reflect.Bool:
		return reflect.ValueOf(bool(v.Truth())).Convert(t), nil
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		if d, ok := v.(startime.Duration); ok && t == durationType {
			return reflect.ValueOf(time.Duration(d)), nil
		}
		if i, ok := v.(starlark.Int); ok {
			if n, ok := i.Int64(); ok {
				if reflect.Zero(t).OverflowInt(n) {
					return reflect.Value{}, fmt.Errorf("%s overflows %s", i, t)
				}
				return reflect.ValueOf(n).Convert(t), nil
			}
		}
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		if i, ok := v.(starlark.Int); ok {
			if n, ok := i.Uint64(); ok {
				if reflect.Zero(t).OverflowUint(n) {
					return reflect.Value{}, fmt.Errorf("%s overflows %s", i, t)
				}
				return reflect.ValueOf(n).Convert(t), nil
			}
		}
	case reflect.Float32, reflect.Float64:
		if f, ok := starlark.AsFloat(v); ok {
			return reflect.ValueOf(f).Convert(t), nil
		}
	case reflect.Struct:
		if tm, ok := v.(startime.Time); ok && t == timeType {
			return reflect.ValueOf(time.Time(tm)), nil
		}
	case reflect.Interface:
		gv, err := FromStarlark(v)
		if err != nil {
			return reflect.Value{}, err
		}
		if gv == nil {
			return reflect.Zero(t), nil
		}
		if rv := reflect.ValueOf(gv); rv.Type().AssignableTo(t) {
			return rv, nil
		}
	}
	return reflect.Value{}, fmt.Errorf("cannot use %s as %s", v.Type(), t)
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
