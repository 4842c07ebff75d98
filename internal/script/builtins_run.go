package script

import (
	"go.starlark.net/starlark"
	"go.starlark.net/starlarkstruct"

	"github.com/spacesbuild/spaces/internal/registry"
)

// runModule builds the run.* namespace.
func (e *Evaluator) runModule() *starlarkstruct.Module {
	return module("run", map[string]*starlark.Builtin{
		"add_exec":    starlark.NewBuiltin("run.add_exec", e.runAddExec),
		"add_exec_if": starlark.NewBuiltin("run.add_exec_if", e.runAddExecIf),
		"add_target":  starlark.NewBuiltin("run.add_target", e.runAddTarget),
		"abort":       abortBuiltin("run"),
	})
}

func (e *Evaluator) runAddExec(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	payload, rc, err := parseExecArgs(b.Name(), args, kwargs, "")
	if err != nil {
		return nil, err
	}
	e.resolveExecPaths(thread, &payload)
	if err := e.addRule(thread, rc, registry.KindRunExec, payload); err != nil {
		return nil, err
	}
	return starlark.None, nil
}

// resolveExecPaths turns a script-visible working_directory/
// redirect_stdout argument into an absolute filesystem path, using the
// declaring script's directory as the relative base, per spec.md §6's
// path syntax. Empty fields are left as-is: a blank working_directory
// means "inherit the process cwd", and a blank redirect_stdout means
// "no extra copy".
func (e *Evaluator) resolveExecPaths(thread *starlark.Thread, payload *registry.ExecPayload) {
	if payload.WorkingDirectory != "" {
		payload.WorkingDirectory = e.workspaceRelPath(thread, payload.WorkingDirectory)
	}
	if payload.RedirectStdout != "" {
		payload.RedirectStdout = e.workspaceRelPath(thread, payload.RedirectStdout)
	}
}

func (e *Evaluator) runAddExecIf(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var (
		rc                                          ruleCommon
		ifCommand, ifWorkingDirectory, ifExpect      string
		ifArgs                                       *starlark.List
		ifEnv                                        *starlark.Dict
		thenList, elseList                           *starlark.List
	)
	ifExpect = "Success"
	if err := starlark.UnpackArgs(b.Name(), args, kwargs,
		"name", &rc.name,
		"if_command", &ifCommand, "if_args?", &ifArgs, "if_env?", &ifEnv,
		"if_working_directory?", &ifWorkingDirectory, "if_expect?", &ifExpect,
		"then?", &thenList, "else_?", &elseList,
		"deps?", &rc.deps, "type?", &rc.typ, "help?", &rc.help, "inputs?", &rc.inputs,
	); err != nil {
		return nil, err
	}

	argsList, err := stringList(ifArgs)
	if err != nil {
		return nil, err
	}
	envMap, err := stringDict(ifEnv)
	if err != nil {
		return nil, err
	}
	thenNames, err := stringList(thenList)
	if err != nil {
		return nil, err
	}
	elseNames, err := stringList(elseList)
	if err != nil {
		return nil, err
	}

	ifPayload := registry.ExecPayload{
		Command: ifCommand, Args: argsList, Env: envMap,
		WorkingDirectory: ifWorkingDirectory, Expect: ifExpect,
	}
	e.resolveExecPaths(thread, &ifPayload)

	payload := registry.ExecIfPayload{
		If:   ifPayload,
		Then: thenNames,
		Else: elseNames,
	}
	if err := e.addRule(thread, rc, registry.KindRunExecIf, payload); err != nil {
		return nil, err
	}
	return starlark.None, nil
}

func (e *Evaluator) runAddTarget(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var rc ruleCommon
	if err := starlark.UnpackArgs(b.Name(), args, kwargs,
		"name", &rc.name,
		"deps?", &rc.deps, "type?", &rc.typ, "help?", &rc.help, "inputs?", &rc.inputs,
	); err != nil {
		return nil, err
	}
	if err := e.addRule(thread, rc, registry.KindRunTarget, nil); err != nil {
		return nil, err
	}
	return starlark.None, nil
}

// parseExecArgs is shared scaffolding for run.add_exec; factored out
// so a future add_exec variant (there is currently only one) can reuse
// the same unpacking without duplicating the field list.
func parseExecArgs(fnName string, args starlark.Tuple, kwargs []starlark.Tuple, defaultExpect string) (registry.ExecPayload, ruleCommon, error) {
	var (
		rc                               ruleCommon
		command, workingDirectory        string
		expect, redirectStdout           string
		execArgs                         *starlark.List
		env                              *starlark.Dict
	)
	if defaultExpect == "" {
		defaultExpect = "Success"
	}
	expect = defaultExpect

	if err := starlark.UnpackArgs(fnName, args, kwargs,
		"name", &rc.name, "command", &command, "args?", &execArgs, "env?", &env,
		"working_directory?", &workingDirectory, "expect?", &expect, "redirect_stdout?", &redirectStdout,
		"deps?", &rc.deps, "type?", &rc.typ, "help?", &rc.help, "inputs?", &rc.inputs,
	); err != nil {
		return registry.ExecPayload{}, rc, err
	}

	argsList, err := stringList(execArgs)
	if err != nil {
		return registry.ExecPayload{}, rc, err
	}
	envMap, err := stringDict(env)
	if err != nil {
		return registry.ExecPayload{}, rc, err
	}

	return registry.ExecPayload{
		Command: command, Args: argsList, Env: envMap,
		WorkingDirectory: workingDirectory, Expect: expect, RedirectStdout: redirectStdout,
	}, rc, nil
}
