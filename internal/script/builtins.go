package script

import (
	"fmt"

	"go.starlark.net/starlark"
	"go.starlark.net/starlarkstruct"

	"github.com/spacesbuild/spaces/internal/taxonomy"
)

// predeclared builds the full set of built-in namespaces injected into
// every script's global scope before evaluation, per spec.md §4.4.
func (e *Evaluator) predeclared() starlark.StringDict {
	return starlark.StringDict{
		"checkout":  e.checkoutModule(),
		"run":       e.runModule(),
		"info":      e.infoModule(),
		"workspace": e.workspaceModule(),
		"fs":        e.fsModule(),
		"hash":      e.hashModule(),
		"json":      e.jsonModule(),
		"process":   e.processModule(),
		"script":    e.scriptModule(),
	}
}

func module(name string, methods map[string]*starlark.Builtin) *starlarkstruct.Module {
	dict := make(starlark.StringDict, len(methods))
	for k, v := range methods {
		dict[k] = v
	}
	return &starlarkstruct.Module{Name: name, Members: dict}
}

// common parsing helpers shared by every rule-emitting built-in.

// inputsFromValue converts a None / [] / list-of-strings argument to a
// Rule.Inputs value, preserving the nil-vs-empty distinction spec.md
// §4.7 depends on.
func inputsFromValue(v starlark.Value) ([]string, error) {
	if v == nil || v == starlark.None {
		return nil, nil
	}
	list, err := stringList(v)
	if err != nil {
		return nil, fmt.Errorf("inputs: %w", err)
	}
	if list == nil {
		return []string{}, nil // an explicitly empty list, not "unset"
	}
	return list, nil
}

func abortBuiltin(kind string) *starlark.Builtin {
	return starlark.NewBuiltin(kind+".abort", func(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
		var msg string
		if err := starlark.UnpackArgs(b.Name(), args, kwargs, "msg", &msg); err != nil {
			return nil, err
		}
		return nil, taxonomy.New(taxonomy.KindUserAbort, msg)
	})
}
