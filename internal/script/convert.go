package script

import (
	"encoding/json"
	"fmt"
	"sort"

	"go.starlark.net/starlark"
)

// toStarlark converts a generic Go value (as produced by
// encoding/json or structuredfile.Decode) into a starlark.Value, for
// fs.read_json/read_yaml/read_toml and json.string_to_dict.
func toStarlark(v any) (starlark.Value, error) {
	switch t := v.(type) {
	case nil:
		return starlark.None, nil
	case bool:
		return starlark.Bool(t), nil
	case string:
		return starlark.String(t), nil
	case int:
		return starlark.MakeInt(t), nil
	case int64:
		return starlark.MakeInt64(t), nil
	case uint64:
		return starlark.MakeUint64(t), nil
	case float64:
		return starlark.Float(t), nil
	case json.Number:
		if i, err := t.Int64(); err == nil {
			return starlark.MakeInt64(i), nil
		}
		f, err := t.Float64()
		if err != nil {
			return nil, fmt.Errorf("cannot convert json.Number %q: %w", t, err)
		}
		return starlark.Float(f), nil
	case []any:
		elems := make([]starlark.Value, 0, len(t))
		for _, e := range t {
			sv, err := toStarlark(e)
			if err != nil {
				return nil, err
			}
			elems = append(elems, sv)
		}
		return starlark.NewList(elems), nil
	case map[string]any:
		dict := starlark.NewDict(len(t))
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			sv, err := toStarlark(t[k])
			if err != nil {
				return nil, err
			}
			if err := dict.SetKey(starlark.String(k), sv); err != nil {
				return nil, err
			}
		}
		return dict, nil
	default:
		return nil, fmt.Errorf("cannot convert %T to a starlark value", v)
	}
}

// fromStarlark converts a starlark.Value back into a generic Go value,
// for json.to_string and for building rule payloads from script-supplied
// dicts/lists.
func fromStarlark(v starlark.Value) (any, error) {
	switch t := v.(type) {
	case starlark.NoneType:
		return nil, nil
	case starlark.Bool:
		return bool(t), nil
	case starlark.String:
		return string(t), nil
	case starlark.Int:
		if i, ok := t.Int64(); ok {
			return i, nil
		}
		return t.String(), nil
	case starlark.Float:
		return float64(t), nil
	case *starlark.List:
		out := make([]any, 0, t.Len())
		for i := 0; i < t.Len(); i++ {
			ev, err := fromStarlark(t.Index(i))
			if err != nil {
				return nil, err
			}
			out = append(out, ev)
		}
		return out, nil
	case starlark.Tuple:
		out := make([]any, 0, len(t))
		for _, e := range t {
			ev, err := fromStarlark(e)
			if err != nil {
				return nil, err
			}
			out = append(out, ev)
		}
		return out, nil
	case *starlark.Dict:
		out := make(map[string]any, t.Len())
		for _, item := range t.Items() {
			key, ok := starlark.AsString(item[0])
			if !ok {
				return nil, fmt.Errorf("dict key %v is not a string", item[0])
			}
			val, err := fromStarlark(item[1])
			if err != nil {
				return nil, err
			}
			out[key] = val
		}
		return out, nil
	default:
		return nil, fmt.Errorf("cannot convert starlark value of type %s to Go", v.Type())
	}
}

// stringList converts a starlark.Iterable of strings (list or tuple) to
// a []string, for deps/inputs/args-style arguments.
func stringList(v starlark.Value) ([]string, error) {
	if v == nil || v == starlark.None {
		return nil, nil
	}
	iterable, ok := v.(starlark.Iterable)
	if !ok {
		return nil, fmt.Errorf("expected a list of strings, got %s", v.Type())
	}
	iter := iterable.Iterate()
	defer iter.Done()

	var out []string
	var elem starlark.Value
	for iter.Next(&elem) {
		s, ok := starlark.AsString(elem)
		if !ok {
			return nil, fmt.Errorf("expected a string element, got %s", elem.Type())
		}
		out = append(out, s)
	}
	return out, nil
}

// stringDict converts a starlark dict with string keys and string values
// into a Go map[string]string, for env-style arguments.
func stringDict(v starlark.Value) (map[string]string, error) {
	if v == nil || v == starlark.None {
		return nil, nil
	}
	dict, ok := v.(*starlark.Dict)
	if !ok {
		return nil, fmt.Errorf("expected a dict, got %s", v.Type())
	}
	out := make(map[string]string, dict.Len())
	for _, item := range dict.Items() {
		k, ok := starlark.AsString(item[0])
		if !ok {
			return nil, fmt.Errorf("dict key %v is not a string", item[0])
		}
		val, ok := starlark.AsString(item[1])
		if !ok {
			return nil, fmt.Errorf("dict value for %q is not a string", k)
		}
		out[k] = val
	}
	return out, nil
}
