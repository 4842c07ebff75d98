// Package runexecutor implements the scheduler.Executor for the run
// phase's three rule kinds: RunExec, RunExecIf, and RunTarget. It is the
// run-phase counterpart to internal/checkoutexec.
package runexecutor

import (
	"context"
	"sort"

	"github.com/spacesbuild/spaces/internal/environment"
	"github.com/spacesbuild/spaces/internal/registry"
	"github.com/spacesbuild/spaces/internal/runexec"
	"github.com/spacesbuild/spaces/internal/scheduler"
	"github.com/spacesbuild/spaces/internal/taxonomy"
)

// Executor dispatches RunExec/RunExecIf/RunTarget rules to
// internal/runexec.Run, merging each rule's declared env over the
// frozen workspace Environment.
type Executor struct {
	Env *environment.Environment

	// Enabler activates then/else branch rules when a RunExecIf task
	// resolves, per spec.md §4.8. Set by the workspace driver once the
	// owning Scheduler exists (Executor and Scheduler are constructed in
	// a chicken-and-egg order: the Scheduler needs an Executor, and
	// RunExecIf needs the Scheduler's Enable method).
	Enabler scheduler.Enabler
}

// Execute implements scheduler.Executor.
func (e *Executor) Execute(ctx context.Context, rule registry.Rule, logPath string) error {
	switch rule.Kind {
	case registry.KindRunTarget:
		return nil // no action; used to group deps (spec.md §4.8)
	case registry.KindRunExec:
		payload, ok := rule.Payload.(registry.ExecPayload)
		if !ok {
			return payloadTypeError(rule)
		}
		_, err := runexec.Run(ctx, e.toRequest(payload, logPath))
		return err
	case registry.KindRunExecIf:
		payload, ok := rule.Payload.(registry.ExecIfPayload)
		if !ok {
			return payloadTypeError(rule)
		}
		return e.execExecIf(ctx, payload, logPath)
	default:
		return taxonomy.New(taxonomy.KindScriptError, "runexecutor: unhandled rule kind "+string(rule.Kind))
	}
}

func payloadTypeError(rule registry.Rule) error {
	return taxonomy.New(taxonomy.KindScriptError,
		"runexecutor: payload type mismatch for rule "+rule.QualifiedName+" (kind "+string(rule.Kind)+")")
}

// toRequest builds a runexec.Request, merging payload.Env over the
// frozen workspace environment (per-rule entries win, matching
// runexec.Run's own append-last-wins convention).
func (e *Executor) toRequest(payload registry.ExecPayload, logPath string) runexec.Request {
	env := append([]string{}, e.Env.AsSlice()...)
	env = append(env, sortedEnvSlice(payload.Env)...)

	expect := runexec.ExpectSuccess
	if payload.Expect == "Failure" {
		expect = runexec.ExpectFailure
	}

	return runexec.Request{
		Command:          payload.Command,
		Args:             payload.Args,
		Env:              env,
		WorkingDirectory: payload.WorkingDirectory,
		Expect:           expect,
		LogPath:          logPath,
		RedirectStdout:   payload.RedirectStdout,
	}
}

// execExecIf runs the inner if-exec, then enables whichever of
// then/else matches the observed outcome, per spec.md §4.8. A
// ProcessFailure from the if-exec is not fatal to the RunExecIf task: a
// mismatched expectation is exactly the "else" branch signal. Any other
// error (the process could not start, or the run was cancelled) is
// returned as the task's own failure.
func (e *Executor) execExecIf(ctx context.Context, payload registry.ExecIfPayload, logPath string) error {
	_, err := runexec.Run(ctx, e.toRequest(payload.If, logPath))

	branch := payload.Then
	if err != nil {
		if !taxonomy.Is(err, taxonomy.KindProcessFailure) {
			return err // a genuine engine error (couldn't even start the process), not a branch signal
		}
		branch = payload.Else
	}

	if e.Enabler != nil && len(branch) > 0 {
		e.Enabler.Enable(branch)
	}
	return nil
}

// sortedEnvSlice renders a per-rule env map as a deterministic
// NAME=value slice, since map iteration order is otherwise random and
// this feeds into a logged/executed command's environment.
func sortedEnvSlice(m map[string]string) []string {
	names := make([]string, 0, len(m))
	for k := range m {
		names = append(names, k)
	}
	sort.Strings(names)
	out := make([]string, 0, len(names))
	for _, n := range names {
		out = append(out, n+"="+m[n])
	}
	return out
}
