// Package script evaluates *.spaces.star files with go.starlark.net,
// injecting the checkout.*, run.*, info.*, workspace.*, fs.*, hash.*,
// json.*, process.*, and script.* built-in namespaces spec.md §4.4
// names, and accumulating emitted rules into a registry.Registry.
package script

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"go.starlark.net/starlark"
	"go.starlark.net/syntax"

	"github.com/spacesbuild/spaces/internal/environment"
	"github.com/spacesbuild/spaces/internal/registry"
	"github.com/spacesbuild/spaces/internal/taxonomy"
)

// Phase selects which rule-emitting built-ins are live during one
// evaluation pass, per spec.md §4.4's two-phase model: the same scripts
// are visited once to collect checkout rules, once more (after checkout
// completes) to collect run rules.
type Phase int

const (
	PhaseCheckout Phase = iota
	PhaseRun
)

// moduleState tracks a cached module's evaluation, so a re-entrant load
// of a module still being evaluated is caught as an import cycle
// (spec.md §9).
type moduleState int

const (
	stateLoading moduleState = iota
	stateDone
)

type cachedModule struct {
	state   moduleState
	globals starlark.StringDict
	err     error
}

// EngineVersion is compared against a script's set_minimum_version call.
const EngineVersion = "1.0.0"

// Evaluator drives one workspace's script evaluation. It is not safe for
// concurrent use: the scripting language is not reentrant (spec.md §5).
type Evaluator struct {
	WorkspaceRoot string
	Registry      *registry.Registry
	Env           *environment.Environment
	Phase         Phase

	// ExitCode is set by script.set_exit_code; zero value means unset.
	ExitCode int

	// Locks is the lock table from workspace settings (name -> resolved
	// commit/version), updated by workspace.set_locks and handed to the
	// checkout executor, which consults it when materializing repos.
	Locks map[string]string

	// DiscoveredScripts collects *.spaces.star paths found at the root of
	// newly materialized repos during checkout, to extend the evaluation
	// queue (spec.md §4.4 step 1, §4.9 "On completion, re-scan...").
	DiscoveredScripts []string

	modules map[string]*cachedModule

	// scriptArgs backs script.get_arg/get_args: the values of the CLI's
	// repeatable --arg flag (e.g. `spaces run foo --arg a --arg b`).
	scriptArgs []string
}

// SetScriptArgs sets the --arg values script.get_arg/get_args
// expose to evaluated scripts.
func (e *Evaluator) SetScriptArgs(args []string) {
	e.scriptArgs = args
}

// NewEvaluator returns an Evaluator ready to evaluate scripts against
// workspaceRoot, emitting rules into reg and reading/writing env.
func NewEvaluator(workspaceRoot string, reg *registry.Registry, env *environment.Environment, phase Phase) *Evaluator {
	return &Evaluator{
		WorkspaceRoot: workspaceRoot,
		Registry:      reg,
		Env:           env,
		Phase:         phase,
		Locks:         make(map[string]string),
		modules:       make(map[string]*cachedModule),
	}
}

// starlarkFileOptions enables the syntax extensions the built-in
// namespaces rely on (set literals for include/exclude glob lists).
func starlarkFileOptions() *syntax.FileOptions {
	return &syntax.FileOptions{Set: true}
}

// EvalFile evaluates the script at absPath (an already-resolved absolute
// filesystem path) and returns its globals. The module cache makes a
// second EvalFile call for the same path an instant cache hit rather
// than a re-evaluation, matching the "each loaded module is cached by
// absolute path" rule from spec.md §4.4.
func (e *Evaluator) EvalFile(absPath string) (starlark.StringDict, error) {
	if cached, ok := e.modules[absPath]; ok {
		if cached.state == stateLoading {
			return nil, taxonomy.New(taxonomy.KindScriptError, "import cycle: "+absPath)
		}
		return cached.globals, cached.err
	}

	entry := &cachedModule{state: stateLoading}
	e.modules[absPath] = entry

	src, err := os.ReadFile(absPath) // #nosec G304 -- path is workspace-resolved
	if err != nil {
		entry.err = taxonomy.Wrap(taxonomy.KindIoError, "reading script "+absPath, err)
		entry.state = stateDone
		return nil, entry.err
	}

	thread := &starlark.Thread{
		Name: absPath,
		Load: e.loadFunc,
	}
	thread.SetLocal(localScriptDir, filepath.Dir(absPath))
	thread.SetLocal(localScriptPrefix, e.qualifiedPrefix(absPath))
	thread.SetLocal(localEvaluator, e)

	predeclared := e.predeclared()
	globals, evalErr := starlark.ExecFileOptions(starlarkFileOptions(), thread, absPath, src, predeclared)

	entry.state = stateDone
	entry.globals = globals
	if evalErr != nil {
		// A builtin (abortBuiltin, set_minimum_version, ...) may have
		// returned a *taxonomy.Error that starlark wrapped as the cause of
		// its *EvalError; recover that original kind (KindUserAbort,
		// KindVersionTooOld, ...) instead of collapsing every evaluation
		// failure to KindScriptError, or run.abort()/checkout.abort() exits
		// 1 instead of spec.md §6/§7's exit 3.
		var taxErr *taxonomy.Error
		switch {
		case errors.As(evalErr, &taxErr):
			entry.err = taxonomy.Wrap(taxErr.Kind, "evaluating "+absPath, taxErr)
		default:
			var evalFail *starlark.EvalError
			if ok := asEvalError(evalErr, &evalFail); ok {
				entry.err = taxonomy.Wrap(taxonomy.KindScriptError, "evaluating "+absPath, fmt.Errorf("%s", evalFail.Backtrace()))
			} else {
				entry.err = taxonomy.Wrap(taxonomy.KindScriptError, "evaluating "+absPath, evalErr)
			}
		}
	}
	return entry.globals, entry.err
}

func asEvalError(err error, target **starlark.EvalError) bool {
	if ee, ok := err.(*starlark.EvalError); ok {
		*target = ee
		return true
	}
	return false
}

// loadFunc implements starlark.Thread.Load: resolves load("//...", ...)
// as workspace-absolute and load("rel.star", ...) relative to the
// loading script's directory.
func (e *Evaluator) loadFunc(thread *starlark.Thread, module string) (starlark.StringDict, error) {
	dir, _ := thread.Local(localScriptDir).(string)
	absPath := e.resolvePath(module, dir)
	return e.EvalFile(absPath)
}

// resolvePath turns a script-visible path (workspace-absolute "//..." or
// relative) into an absolute filesystem path, per spec.md §6's path
// syntax.
func (e *Evaluator) resolvePath(p, scriptDir string) string {
	if strings.HasPrefix(p, "//") {
		return filepath.Join(e.WorkspaceRoot, filepath.FromSlash(strings.TrimPrefix(p, "//")))
	}
	if filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(scriptDir, filepath.FromSlash(p))
}

// qualifiedPrefix computes "//dir/script" (without ":rule") for a
// script's absolute path, per spec.md §6: "script is the file without
// the .spaces.star suffix".
func (e *Evaluator) qualifiedPrefix(absPath string) string {
	rel, err := filepath.Rel(e.WorkspaceRoot, absPath)
	if err != nil {
		rel = absPath
	}
	rel = filepath.ToSlash(rel)
	rel = strings.TrimSuffix(rel, ".spaces.star")
	return "//" + rel
}

// QualifyRuleName builds the globally unique "//dir/script:name" form
// for a rule named name, declared in the script at absPath.
func (e *Evaluator) QualifyRuleName(absPath, name string) string {
	return e.qualifiedPrefix(absPath) + ":" + name
}

// EvalCheckoutScript evaluates one checkout script (preload or a
// transitively discovered repo root script) in the checkout phase.
func (e *Evaluator) EvalCheckoutScript(absPath string) error {
	e.Phase = PhaseCheckout
	_, err := e.EvalFile(absPath)
	return err
}

// EvalRunScript re-evaluates a script, this time collecting only run
// rules, per spec.md §4.4's second phase. Scripts are re-read since the
// module cache from the checkout phase would otherwise short-circuit
// this pass.
func (e *Evaluator) EvalRunScript(absPath string) error {
	e.Phase = PhaseRun
	delete(e.modules, absPath)
	_, err := e.EvalFile(absPath)
	return err
}

// thread-local keys, unexported to keep the contract internal to this
// package; thread.Local keys are plain strings, so collisions with other
// packages' locals are avoided by namespacing the string.
const (
	localScriptDir    = "spaces.script_dir"
	localScriptPrefix = "spaces.script_prefix"
	localEvaluator    = "spaces.evaluator"
)

// evaluatorFromThread retrieves the owning Evaluator from thread-local
// state, for use inside built-in implementations.
func evaluatorFromThread(thread *starlark.Thread) *Evaluator {
	e, _ := thread.Local(localEvaluator).(*Evaluator)
	return e
}

func scriptPathFromThread(thread *starlark.Thread) string {
	prefix, _ := thread.Local(localScriptPrefix).(string)
	return prefix
}

// absScriptPathFromThread reconstructs the absolute path of the
// currently-evaluating script, for qualifying rule names.
func (e *Evaluator) absScriptPathFromThread(thread *starlark.Thread) string {
	prefix := scriptPathFromThread(thread)
	rel := strings.TrimPrefix(prefix, "//")
	return filepath.Join(e.WorkspaceRoot, filepath.FromSlash(rel)) + ".spaces.star"
}

// workspaceRelPath resolves a script-visible path argument to an
// absolute filesystem path, for fs.* built-ins.
func (e *Evaluator) workspaceRelPath(thread *starlark.Thread, p string) string {
	dir, _ := thread.Local(localScriptDir).(string)
	return e.resolvePath(p, dir)
}

// cleanJoin joins a workspace-relative destination onto the workspace
// root, guaranteeing the result stays within it (no "../" escapes),
// since destinations come from script-declared rule payloads.
func cleanJoin(root, rel string) (string, error) {
	joined := filepath.Join(root, filepath.FromSlash(rel))
	cleanRoot := filepath.Clean(root)
	if joined != cleanRoot && !strings.HasPrefix(joined, cleanRoot+string(filepath.Separator)) {
		return "", fmt.Errorf("path %q escapes workspace root", rel)
	}
	return joined, nil
}

// confinedWorkspacePath resolves a script-visible path argument the
// same way workspaceRelPath does, then rejects the result if it falls
// outside WorkspaceRoot. Used by fs.* builtins that write to disk,
// where a script-declared "../../etc/passwd"-style path must not
// escape the workspace.
func (e *Evaluator) confinedWorkspacePath(thread *starlark.Thread, p string) (string, error) {
	abs := e.workspaceRelPath(thread, p)
	return cleanJoin(e.WorkspaceRoot, mustRel(e.WorkspaceRoot, abs))
}

// mustRel returns a best-effort relative path, falling back to the
// absolute path itself (which cleanJoin will then reject) if the two
// paths share no common root.
func mustRel(root, abs string) string {
	rel, err := filepath.Rel(root, abs)
	if err != nil {
		return abs
	}
	return rel
}
