package script

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/spacesbuild/spaces/internal/environment"
	"github.com/spacesbuild/spaces/internal/registry"
)

func writeScript(t *testing.T, dir, name, content string) string {
	t.Helper()
	p := filepath.Join(dir, name)
	if err := os.WriteFile(p, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return p
}

func TestEvalCheckoutScriptRegistersRepoRule(t *testing.T) {
	dir := t.TempDir()
	p := writeScript(t, dir, "repos.spaces.star", `
checkout.add_repo(
    name = "widgets",
    url = "https://example.com/widgets.git",
    rev = "main",
)
`)

	reg := registry.New()
	env := environment.New()
	eval := NewEvaluator(dir, reg, env, PhaseCheckout)

	if err := eval.EvalCheckoutScript(p); err != nil {
		t.Fatalf("EvalCheckoutScript: %v", err)
	}

	qualified := eval.QualifyRuleName(p, "widgets")
	rule, ok := reg.Get(qualified)
	if !ok {
		t.Fatalf("rule %q not registered; have %v", qualified, reg.Names())
	}
	if rule.Kind != registry.KindCheckoutRepo {
		t.Fatalf("kind = %v, want KindCheckoutRepo", rule.Kind)
	}
	payload, ok := rule.Payload.(registry.RepoPayload)
	if !ok {
		t.Fatalf("payload type = %T, want RepoPayload", rule.Payload)
	}
	if payload.URL != "https://example.com/widgets.git" {
		t.Fatalf("payload.URL = %q", payload.URL)
	}
}

func TestRunPhaseSkipsCheckoutRules(t *testing.T) {
	dir := t.TempDir()
	p := writeScript(t, dir, "repos.spaces.star", `
checkout.add_repo(name = "widgets", url = "https://example.com/widgets.git", rev = "main")
`)

	reg := registry.New()
	env := environment.New()
	eval := NewEvaluator(dir, reg, env, PhaseRun)

	if err := eval.EvalRunScript(p); err != nil {
		t.Fatalf("EvalRunScript: %v", err)
	}
	if reg.Len() != 0 {
		t.Fatalf("expected no rules registered in run phase, got %d", reg.Len())
	}
}

func TestEvalRunScriptRegistersExecRule(t *testing.T) {
	dir := t.TempDir()
	p := writeScript(t, dir, "build.spaces.star", `
run.add_exec(
    name = "build",
    command = "echo",
    args = ["hello"],
    deps = [],
)
`)

	reg := registry.New()
	env := environment.New()
	eval := NewEvaluator(dir, reg, env, PhaseRun)

	if err := eval.EvalRunScript(p); err != nil {
		t.Fatalf("EvalRunScript: %v", err)
	}

	qualified := eval.QualifyRuleName(p, "build")
	rule, ok := reg.Get(qualified)
	if !ok {
		t.Fatalf("rule %q not registered", qualified)
	}
	payload, ok := rule.Payload.(registry.ExecPayload)
	if !ok {
		t.Fatalf("payload type = %T, want ExecPayload", rule.Payload)
	}
	if payload.Command != "echo" || len(payload.Args) != 1 || payload.Args[0] != "hello" {
		t.Fatalf("unexpected payload: %+v", payload)
	}
}

func TestInfoSetMinimumVersionRejectsTooNew(t *testing.T) {
	dir := t.TempDir()
	p := writeScript(t, dir, "guard.spaces.star", `
info.set_minimum_version("999.0.0")
`)

	reg := registry.New()
	env := environment.New()
	eval := NewEvaluator(dir, reg, env, PhaseCheckout)

	if err := eval.EvalCheckoutScript(p); err == nil {
		t.Fatal("expected VersionTooOld error, got nil")
	}
}

func TestScriptGetArgsExposesCLIArgs(t *testing.T) {
	dir := t.TempDir()
	p := writeScript(t, dir, "args.spaces.star", `
first = script.get_arg(0, "missing")
run.add_exec(name = "use-arg", command = first, args = script.get_args())
`)

	reg := registry.New()
	env := environment.New()
	eval := NewEvaluator(dir, reg, env, PhaseRun)
	eval.SetScriptArgs([]string{"echo", "hi"})

	if err := eval.EvalRunScript(p); err != nil {
		t.Fatalf("EvalRunScript: %v", err)
	}

	qualified := eval.QualifyRuleName(p, "use-arg")
	rule, ok := reg.Get(qualified)
	if !ok {
		t.Fatalf("rule %q not registered", qualified)
	}
	payload := rule.Payload.(registry.ExecPayload)
	if payload.Command != "echo" {
		t.Fatalf("payload.Command = %q, want echo", payload.Command)
	}
}

func TestWorkspaceSetenvWritesEnvironment(t *testing.T) {
	dir := t.TempDir()
	p := writeScript(t, dir, "env.spaces.star", `
workspace.setenv("FOO", "bar")
`)

	reg := registry.New()
	env := environment.New()
	eval := NewEvaluator(dir, reg, env, PhaseCheckout)

	if err := eval.EvalCheckoutScript(p); err != nil {
		t.Fatalf("EvalCheckoutScript: %v", err)
	}
	if v, ok := env.Get("FOO"); !ok || v != "bar" {
		t.Fatalf("env[FOO] = %q, %v", v, ok)
	}
}

func TestImportCycleDetected(t *testing.T) {
	dir := t.TempDir()
	writeScript(t, dir, "a.spaces.star", `load("//b.spaces.star", "x")`)
	writeScript(t, dir, "b.spaces.star", `load("//a.spaces.star", "x")`)

	reg := registry.New()
	env := environment.New()
	eval := NewEvaluator(dir, reg, env, PhaseCheckout)

	_, err := eval.EvalFile(filepath.Join(dir, "a.spaces.star"))
	if err == nil {
		t.Fatal("expected import cycle error, got nil")
	}
}

func TestHashComputeSha256FromStringIsDeterministic(t *testing.T) {
	dir := t.TempDir()
	p := writeScript(t, dir, "hash.spaces.star", `
digest = hash.compute_sha256_from_string("hello")
fs.write_string_to_file("digest.txt", digest)
`)

	reg := registry.New()
	env := environment.New()
	eval := NewEvaluator(dir, reg, env, PhaseCheckout)

	if err := eval.EvalCheckoutScript(p); err != nil {
		t.Fatalf("EvalCheckoutScript: %v", err)
	}
	got, err := os.ReadFile(filepath.Join(dir, "digest.txt"))
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 64 {
		t.Fatalf("digest length = %d, want 64 hex chars", len(got))
	}
}

func TestFsWriteStringToFileRejectsEscape(t *testing.T) {
	dir := t.TempDir()
	p := writeScript(t, dir, "escape.spaces.star", `
fs.write_string_to_file("../outside.txt", "nope")
`)

	reg := registry.New()
	env := environment.New()
	eval := NewEvaluator(dir, reg, env, PhaseCheckout)

	if err := eval.EvalCheckoutScript(p); err == nil {
		t.Fatal("expected an escape error, got nil")
	}
	if _, err := os.Stat(filepath.Join(filepath.Dir(dir), "outside.txt")); err == nil {
		t.Fatal("escape write should not have created a file outside the workspace")
	}
}
