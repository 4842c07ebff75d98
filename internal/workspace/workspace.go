// Package workspace drives one workspace through its lifecycle:
// checkout (materialize repos/archives/assets and discover run rules),
// run (execute the run graph), and inspect (list rules without
// executing). It owns the on-disk layout and settings.json persistence,
// grounded on the teacher's apps/cli/internal/persistence/config.go
// global/local-config load-merge-save pattern, adapted from user-global
// CLI settings to one workspace's checkout-derived state.
package workspace

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"

	"github.com/spacesbuild/spaces/internal/checkoutexec"
	"github.com/spacesbuild/spaces/internal/environment"
	"github.com/spacesbuild/spaces/internal/fingerprint"
	"github.com/spacesbuild/spaces/internal/graph"
	"github.com/spacesbuild/spaces/internal/platform"
	"github.com/spacesbuild/spaces/internal/printer"
	"github.com/spacesbuild/spaces/internal/registry"
	"github.com/spacesbuild/spaces/internal/runexecutor"
	"github.com/spacesbuild/spaces/internal/scheduler"
	"github.com/spacesbuild/spaces/internal/script"
	"github.com/spacesbuild/spaces/internal/store"
	"github.com/spacesbuild/spaces/internal/taxonomy"
	"github.com/spacesbuild/spaces/internal/util"
)

const (
	settingsDirName  = ".spaces"
	settingsFileName = "settings.json"
	logsDirName      = "logs"
	envFileName      = "env"
	envStarFileName  = "env.spaces.star"
	starDirName      = "@star"
	sysrootBinDir    = "sysroot/bin"
	buildDirName     = "build"

	// maxRescanRounds bounds the checkout fixed-point loop (spec.md §4.4
	// step 1): each round evaluates newly discovered checkout scripts and
	// scans freshly materialized repos for more. A well-formed workspace
	// converges in a handful of rounds; this is a defensive backstop
	// against a script that (incorrectly) keeps discovering itself.
	maxRescanRounds = 64
)

// Settings is the persisted record at <ws>/.spaces/settings.json,
// per spec.md §6: "{min_version, modules[], locks{name:commit},
// input_fingerprints{}}". Mirrors the teacher's GlobalConfig/LocalConfig
// JSON-tagged structs, but unlike the teacher's user-scoped config this
// is the single source of truth for one workspace, not an
// env/local/global precedence chain.
type Settings struct {
	MinVersion        string            `json:"min_version,omitempty"`
	Modules           []string          `json:"modules"`
	Locks             map[string]string `json:"locks"`
	InputFingerprints map[string]string `json:"input_fingerprints"`
}

// loadSettings reads <ws>/.spaces/settings.json, treating a missing file
// as an empty Settings value (not an error) — the same os.IsNotExist
// convention the teacher's loadGlobal/loadLocal use.
func loadSettings(root string) (*Settings, error) {
	path := settingsPath(root)
	data, err := os.ReadFile(path) // #nosec G304 -- path is workspace-derived
	if err != nil {
		if os.IsNotExist(err) {
			return emptySettings(), nil
		}
		return nil, taxonomy.Wrap(taxonomy.KindIoError, "reading "+path, err)
	}
	if len(data) == 0 {
		return emptySettings(), nil
	}
	var s Settings
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, taxonomy.Wrap(taxonomy.KindIoError, "parsing "+path, err)
	}
	if s.Locks == nil {
		s.Locks = make(map[string]string)
	}
	if s.InputFingerprints == nil {
		s.InputFingerprints = make(map[string]string)
	}
	return &s, nil
}

func emptySettings() *Settings {
	return &Settings{
		Modules:           []string{},
		Locks:             make(map[string]string),
		InputFingerprints: make(map[string]string),
	}
}

// save persists settings as indented JSON with a trailing newline,
// matching the teacher's SaveGlobal/SaveLocal formatting.
func (s *Settings) save(root string) error {
	sort.Strings(s.Modules)
	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return taxonomy.Wrap(taxonomy.KindIoError, "marshaling settings", err)
	}
	data = append(data, '\n')
	path := settingsPath(root)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return taxonomy.Wrap(taxonomy.KindIoError, "creating settings directory", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil { // #nosec G306 -- settings.json is not sensitive
		return taxonomy.Wrap(taxonomy.KindIoError, "writing "+path, err)
	}
	return nil
}

func settingsPath(root string) string {
	return filepath.Join(root, settingsDirName, settingsFileName)
}

// Workspace drives one workspace root through checkout/run/inspect. Per
// spec.md §5 ("Ownership: the workspace object exclusively owns the
// registry, graph, scheduler, and environment"), a Workspace is
// reconstructed fresh for each CLI invocation from settings.json plus
// whatever scripts that invocation evaluates.
type Workspace struct {
	Root    string
	Printer printer.Printer

	store *store.Store
}

// New returns a Workspace rooted at root, creating the directory layout
// spec.md §6 names if absent.
func New(root string, p printer.Printer) (*Workspace, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, taxonomy.Wrap(taxonomy.KindIoError, "resolving workspace root", err)
	}
	for _, dir := range []string{
		filepath.Join(abs, settingsDirName, logsDirName),
		filepath.Join(abs, starDirName),
		filepath.Join(abs, sysrootBinDir),
		filepath.Join(abs, buildDirName),
	} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, taxonomy.Wrap(taxonomy.KindIoError, "creating "+dir, err)
		}
	}

	storeRoot, err := platform.StoreRoot()
	if err != nil {
		return nil, taxonomy.Wrap(taxonomy.KindIoError, "resolving store root", err)
	}
	st, err := store.New(storeRoot)
	if err != nil {
		return nil, err
	}

	if p == nil {
		p = printer.NewDefaultPrinter()
	}
	return &Workspace{Root: abs, Printer: p, store: st}, nil
}

// Checkout evaluates scriptNames (paths relative to workflowDir, named by
// --workflow=<dir>:<script1>,<script2>,...) as the
// checkout phase's preload scripts, copying each into the workspace
// root first so every subsequently-loaded module resolves under
// WorkspaceRoot the same way a repo-discovered script would (§6's
// qualifiedPrefix assumes every evaluated script lives under the
// workspace root). rescan, when true, repeats the checkout/scan cycle
// against newly-discovered *.spaces.star files until none remain;
// false stops after the first pass. createLock, when true, pins every
// resolved repo commit into settings.Locks so a future checkout reuses
// it instead of re-resolving (spec.md §4.2).
func (w *Workspace) Checkout(ctx context.Context, workflowDir string, scriptNames []string, rescan, createLock bool) error {
	settings, err := loadSettings(w.Root)
	if err != nil {
		return err
	}

	preloadPaths, err := w.copyPreloadScripts(workflowDir, scriptNames)
	if err != nil {
		return err
	}

	reg := registry.New()
	env := environment.New()
	ev := script.NewEvaluator(w.Root, reg, env, script.PhaseCheckout)
	// A copy, not an alias: execRepo mutates this map by reference as it
	// resolves each repo's commit, and createLock's all-or-nothing pin
	// decision below needs to compare against the set that was already
	// pinned *before* this checkout ran.
	previouslyLocked := make(map[string]string, len(settings.Locks))
	for k, v := range settings.Locks {
		previouslyLocked[k] = v
	}
	ev.Locks = make(map[string]string, len(settings.Locks))
	for k, v := range settings.Locks {
		ev.Locks[k] = v
	}

	queue := append([]string{}, preloadPaths...)
	evaluated := make(map[string]bool, len(queue))

	for round := 0; len(queue) > 0; round++ {
		if round >= maxRescanRounds {
			return taxonomy.New(taxonomy.KindScriptError,
				"checkout: exceeded rescan limit without converging; a script may be re-discovering itself")
		}

		for _, path := range queue {
			if evaluated[path] {
				continue
			}
			evaluated[path] = true
			if err := ev.EvalCheckoutScript(path); err != nil {
				return err
			}
		}
		queue = nil

		g, err := graph.Build(reg)
		if err != nil {
			return err
		}

		active := make(map[string]bool, reg.Len())
		for _, name := range reg.Names() {
			active[name] = true
		}

		executor := checkoutexec.NewExecutor(w.store, w.Root, env, ev.Locks)
		sched := &scheduler.Scheduler{
			Graph:       g,
			Executor:    executor,
			Fingerprint: fingerprint.Cache(settings.InputFingerprints),
			InputsRoot:  w.Root,
			Printer:     w.Printer,
			WorkerCount: platform.WorkerCount(),
			LogPath:     func(name string) string { return platform.RuleLogPath(w.Root, name) },
		}
		result, err := sched.Run(ctx, active)
		if err != nil {
			return err
		}
		if result.FirstFailure != nil {
			return result.FirstFailure
		}

		if !rescan {
			break
		}

		ev.DiscoveredScripts = nil
		for _, name := range reg.Names() {
			rule, _ := reg.Get(name)
			if !rule.Kind.IsCheckout() {
				continue
			}
			dest, ok := checkoutDestination(rule)
			if !ok {
				continue
			}
			scanForCheckoutScripts(dest, &ev.DiscoveredScripts)
		}

		for _, discovered := range ev.DiscoveredScripts {
			if !evaluated[discovered] {
				queue = append(queue, discovered)
			}
		}
	}

	env.Freeze()

	if !createLock {
		// Without --create-lock, forget any commits resolved just now that
		// weren't already pinned, so the next checkout re-resolves branch
		// names instead of silently pinning them (spec.md §4.2: only
		// workspace.set_locks/--create-lock is supposed to pin).
		for name := range ev.Locks {
			if _, wasLocked := previouslyLocked[name]; !wasLocked {
				delete(ev.Locks, name)
			}
		}
	}

	newSettings := &Settings{
		MinVersion:        script.EngineVersion,
		Modules:           scriptNames,
		Locks:             ev.Locks,
		InputFingerprints: map[string]string(settings.InputFingerprints),
	}
	if err := newSettings.save(w.Root); err != nil {
		return err
	}

	return w.writeEnvFiles(env)
}

// Sync re-runs checkout using the module list remembered from a prior
// checkout's settings.json, per spec.md §6's `sync` subcommand ("re-run
// checkout over the existing workspace to pull updates").
func (w *Workspace) Sync(ctx context.Context, workflowDir string) error {
	settings, err := loadSettings(w.Root)
	if err != nil {
		return err
	}
	if len(settings.Modules) == 0 {
		return taxonomy.New(taxonomy.KindScriptError, "sync: no modules recorded in settings.json; run checkout first")
	}
	return w.Checkout(ctx, workflowDir, settings.Modules, true, settings.Locks != nil && len(settings.Locks) > 0)
}

// Run evaluates every preload script's run phase, resolves targets
// (explicit names or, empty, every non-Optional rule) against the
// resulting graph, and drives the active set through a single
// scheduler.Scheduler.Run call. spec.md §8's "Setup-first" property (no
// non-Setup rule in the active set reaches Ready until every Setup rule
// in it has reached a terminal state) is enforced by the scheduler
// itself, keyed on rule.Type rather than on Deps edges — §4.5 allows
// deps to point either direction across the Setup/non-Setup split (a
// non-Setup rule may legally depend on a Setup rule, and vice versa), so
// splitting the active set into two disjoint task maps run one after
// the other would lose a cross-partition dependency entirely (each
// scheduler.Run call only tracks the tasks in the activeSet it was
// given) and deadlock drive waiting on a dependency that can never
// become visible.
func (w *Workspace) Run(ctx context.Context, targets []string, scriptArgs []string) error {
	settings, err := loadSettings(w.Root)
	if err != nil {
		return err
	}

	reg, env, err := w.evaluateRunPhase(ctx, settings, scriptArgs)
	if err != nil {
		return err
	}

	g, err := graph.Build(reg)
	if err != nil {
		return err
	}

	active, err := resolveActiveSet(g, reg, targets)
	if err != nil {
		return err
	}

	sched := &scheduler.Scheduler{
		Graph:       g,
		Fingerprint: fingerprint.Cache(settings.InputFingerprints),
		InputsRoot:  w.Root,
		Printer:     w.Printer,
		WorkerCount: platform.WorkerCount(),
		LogPath:     func(name string) string { return platform.RuleLogPath(w.Root, name) },
	}
	executor := &runexecutor.Executor{Env: env, Enabler: sched}
	sched.Executor = executor

	result, err := sched.Run(ctx, active)
	settings.InputFingerprints = map[string]string(sched.Fingerprint)
	if serr := settings.save(w.Root); serr != nil {
		return serr
	}
	if err != nil {
		return err
	}
	return result.FirstFailure
}

// Inspect evaluates the run phase read-only and returns every rule whose
// qualified name matches filter (a glob; empty matches everything) and,
// if hasHelp is set, that also declares non-empty Help — the `inspect
// --filter=GLOB --has-help` subcommand's listing source (spec.md §6,
// SPEC_FULL.md's CLI surface section).
func (w *Workspace) Inspect(ctx context.Context, filter string, hasHelp bool) ([]registry.Rule, error) {
	settings, err := loadSettings(w.Root)
	if err != nil {
		return nil, err
	}
	reg, _, err := w.evaluateRunPhase(ctx, settings, nil)
	if err != nil {
		return nil, err
	}

	var out []registry.Rule
	for _, rule := range reg.All() {
		if filter != "" {
			matched, err := filepath.Match(filter, rule.QualifiedName)
			if err != nil {
				return nil, taxonomy.Wrap(taxonomy.KindScriptError, "invalid --filter glob", err)
			}
			if !matched {
				continue
			}
		}
		if hasHelp && rule.Help == "" {
			continue
		}
		out = append(out, rule)
	}
	return out, nil
}

// evaluateRunPhase re-loads every recorded preload module in the run
// phase, returning the populated registry and the frozen environment
// (rebuilt from the env file written at checkout time, since the run
// phase never re-executes checkout rules).
func (w *Workspace) evaluateRunPhase(ctx context.Context, settings *Settings, scriptArgs []string) (*registry.Registry, *environment.Environment, error) {
	reg := registry.New()
	env, err := w.loadFrozenEnvironment(ctx)
	if err != nil {
		return nil, nil, err
	}

	ev := script.NewEvaluator(w.Root, reg, env, script.PhaseRun)
	ev.Locks = settings.Locks
	ev.SetScriptArgs(scriptArgs)

	for _, name := range settings.Modules {
		absPath := filepath.Join(w.Root, filepath.FromSlash(name))
		if err := ev.EvalRunScript(absPath); err != nil {
			return nil, nil, err
		}
	}

	var discovered []string
	for _, rule := range reg.All() {
		if !rule.Kind.IsCheckout() {
			continue
		}
		if dest, ok := checkoutDestination(rule); ok {
			scanForCheckoutScripts(dest, &discovered)
		}
	}
	for _, path := range discovered {
		if err := ev.EvalRunScript(path); err != nil {
			return nil, nil, err
		}
	}

	return reg, env, nil
}

// loadFrozenEnvironment reconstructs an Environment from the shell-
// script lines written by a prior checkout's writeEnvFiles, so the run
// phase executes with the same PATH/vars checkout established without
// re-running any checkout rule (the environment is "mutable only during
// checkout; read-only after", spec.md §4's shared-resources note).
func (w *Workspace) loadFrozenEnvironment(ctx context.Context) (*environment.Environment, error) {
	env := environment.New()
	envPath := filepath.Join(w.Root, envFileName)
	if _, err := os.Stat(envPath); err != nil {
		if os.IsNotExist(err) {
			env.Freeze()
			return env, nil
		}
		return nil, taxonomy.Wrap(taxonomy.KindIoError, "stat-ing env file", err)
	}

	// Source the generated shell script with a real shell rather than
	// hand-parsing it: RenderShellScript's PATH line chains prepends with
	// a literal "$PATH", which only a shell can expand correctly.
	cmd := exec.CommandContext(ctx, "sh", "-c", ". "+shellQuote(envPath)+" && exec env")
	out, err := cmd.Output()
	if err != nil {
		return nil, taxonomy.Wrap(taxonomy.KindIoError, "sourcing env file", err)
	}

	for _, line := range strings.Split(string(out), "\n") {
		if line == "" {
			continue
		}
		name, value, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		if err := env.Set(name, value); err != nil {
			return nil, err
		}
	}
	env.Freeze()
	return env, nil
}

// shellQuote wraps path in single quotes for safe interpolation into a
// `sh -c` command line, escaping any embedded single quote.
func shellQuote(path string) string {
	return "'" + strings.ReplaceAll(path, "'", `'\''`) + "'"
}

// resolveActiveSet computes the transitive closure of targets (every
// non-Optional rule, if targets is empty — Optional rules only ever
// enter the run via RunExecIf's dynamic Enable, never by default,
// matching spec.md §4.8's "Optional" semantics), erroring with
// UnknownTarget and a near-match suggestion for any name that isn't
// registered.
func resolveActiveSet(g *graph.Graph, reg *registry.Registry, targets []string) (map[string]bool, error) {
	names := reg.Names()
	roots := targets
	if len(roots) == 0 {
		for _, name := range names {
			rule, _ := reg.Get(name)
			if rule.Type != registry.TypeOptional {
				roots = append(roots, name)
			}
		}
	} else {
		for _, t := range roots {
			if _, ok := g.Rule(t); !ok {
				suggestion := util.ClosestMatch(t, names, 3)
				msg := fmt.Sprintf("no such target %q", t)
				if suggestion != "" {
					msg = fmt.Sprintf("%s (did you mean %q?)", msg, suggestion)
				}
				return nil, taxonomy.New(taxonomy.KindUnknownTarget, msg)
			}
		}
	}
	return g.TransitiveClosure(roots), nil
}

// checkoutDestination extracts the workspace-absolute directory a
// checkout rule materialized into, for the post-checkout *.spaces.star
// rescan (spec.md §4.9). Only repo/archive/platform-archive rules
// populate a directory tree worth scanning; asset-style rules write a
// single file.
func checkoutDestination(rule registry.Rule) (string, bool) {
	switch rule.Kind {
	case registry.KindCheckoutRepo:
		p, ok := rule.Payload.(registry.RepoPayload)
		return p.Path, ok
	case registry.KindCheckoutArchive:
		p, ok := rule.Payload.(registry.ArchivePayload)
		return p.Destination, ok
	case registry.KindCheckoutPlatformArchive:
		p, ok := rule.Payload.(registry.PlatformArchivePayload)
		return p.Destination, ok
	default:
		return "", false
	}
}

// scanForCheckoutScripts looks for *.spaces.star files at the root of
// dir (non-recursive, per spec.md §4.9: "re-scan... at their roots")
// and appends their absolute paths to discovered.
func scanForCheckoutScripts(dir string, discovered *[]string) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return // not materialized (yet), or not a directory: nothing to scan
	}
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		if filepathMatchSuffix(entry.Name(), ".spaces.star") {
			*discovered = append(*discovered, filepath.Join(dir, entry.Name()))
		}
	}
}

func filepathMatchSuffix(name, suffix string) bool {
	return len(name) > len(suffix) && name[len(name)-len(suffix):] == suffix
}

// copyPreloadScripts copies each named script from workflowDir into the
// workspace root, preserving its relative path, so it qualifies under
// the workspace root exactly like a repo-discovered script (decision
// recorded in DESIGN.md: evaluating a preload script in place, outside
// WorkspaceRoot, would break qualifiedPrefix's filepath.Rel assumption).
// Returns the copied scripts' new workspace-absolute paths, in the
// order given.
func (w *Workspace) copyPreloadScripts(workflowDir string, scriptNames []string) ([]string, error) {
	out := make([]string, 0, len(scriptNames))
	for _, name := range scriptNames {
		src := filepath.Join(workflowDir, filepath.FromSlash(name))
		dst := filepath.Join(w.Root, filepath.FromSlash(name))
		if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
			return nil, taxonomy.Wrap(taxonomy.KindIoError, "creating preload script directory", err)
		}
		data, err := os.ReadFile(src) // #nosec G304 -- src is operator-supplied --workflow path
		if err != nil {
			return nil, taxonomy.Wrap(taxonomy.KindIoError, "reading preload script "+src, err)
		}
		if err := os.WriteFile(dst, data, 0o644); err != nil { // #nosec G306 -- scripts are not sensitive
			return nil, taxonomy.Wrap(taxonomy.KindIoError, "writing preload script "+dst, err)
		}
		out = append(out, dst)
	}
	return out, nil
}

// writeEnvFiles emits both generated env files spec.md §6 names: the
// plain sourceable shell script, and env.spaces.star, a tiny Starlark
// module exposing the same variables as an ENV dict so scripts can
// load("//env.spaces.star", "ENV") instead of shelling out to read
// their own environment.
func (w *Workspace) writeEnvFiles(env *environment.Environment) error {
	shellPath := filepath.Join(w.Root, envFileName)
	if err := os.WriteFile(shellPath, []byte(env.RenderShellScript()), 0o644); err != nil { // #nosec G306
		return taxonomy.Wrap(taxonomy.KindIoError, "writing env file", err)
	}

	starPath := filepath.Join(w.Root, envStarFileName)
	if err := os.WriteFile(starPath, []byte(renderEnvStarlark(env)), 0o644); err != nil { // #nosec G306
		return taxonomy.Wrap(taxonomy.KindIoError, "writing env.spaces.star", err)
	}
	return nil
}

func renderEnvStarlark(env *environment.Environment) string {
	slice := env.AsSlice()
	sort.Strings(slice)
	out := "# generated by `spaces checkout`; do not edit\nENV = {\n"
	for _, kv := range slice {
		name, value, ok := splitKV(kv)
		if !ok {
			continue
		}
		out += fmt.Sprintf("    %q: %q,\n", name, value)
	}
	out += "}\n"
	return out
}

func splitKV(s string) (name, value string, ok bool) {
	return strings.Cut(s, "=")
}
