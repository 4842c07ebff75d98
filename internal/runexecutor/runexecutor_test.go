package runexecutor

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/spacesbuild/spaces/internal/environment"
	"github.com/spacesbuild/spaces/internal/registry"
)

type fakeEnabler struct {
	enabled []string
}

func (f *fakeEnabler) Enable(names []string) {
	f.enabled = append(f.enabled, names...)
}

func TestExecuteRunExecSucceedsOnZeroExit(t *testing.T) {
	dir := t.TempDir()
	exec := &Executor{Env: environment.New()}

	rule := registry.Rule{
		QualifiedName: "//:ok",
		Kind:          registry.KindRunExec,
		Payload:       registry.ExecPayload{Command: "true", Expect: "Success"},
	}
	if err := exec.Execute(context.Background(), rule, filepath.Join(dir, "ok.log")); err != nil {
		t.Fatalf("Execute: %v", err)
	}
}

func TestExecuteRunExecFailsOnUnexpectedExit(t *testing.T) {
	dir := t.TempDir()
	exec := &Executor{Env: environment.New()}

	rule := registry.Rule{
		QualifiedName: "//:fail",
		Kind:          registry.KindRunExec,
		Payload:       registry.ExecPayload{Command: "false", Expect: "Success"},
	}
	if err := exec.Execute(context.Background(), rule, filepath.Join(dir, "fail.log")); err == nil {
		t.Fatal("expected an error for an unexpected exit code")
	}
}

func TestExecuteRunExecMergesPerRuleEnvOverWorkspaceEnv(t *testing.T) {
	dir := t.TempDir()
	env := environment.New()
	if err := env.Set("GREETING", "hello"); err != nil {
		t.Fatal(err)
	}

	exec := &Executor{Env: env}
	logPath := filepath.Join(dir, "env.log")
	rule := registry.Rule{
		QualifiedName: "//:env",
		Kind:          registry.KindRunExec,
		Payload: registry.ExecPayload{
			Command: "sh",
			Args:    []string{"-c", "echo $GREETING $EXTRA"},
			Env:     map[string]string{"GREETING": "overridden", "EXTRA": "value"},
			Expect:  "Success",
		},
	}
	if err := exec.Execute(context.Background(), rule, logPath); err != nil {
		t.Fatalf("Execute: %v", err)
	}

	got, err := os.ReadFile(logPath)
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != "overridden value\n" {
		t.Fatalf("log content = %q, want %q", got, "overridden value\n")
	}
}

func TestExecuteRunTargetIsNoOp(t *testing.T) {
	exec := &Executor{Env: environment.New()}
	rule := registry.Rule{QualifiedName: "//:group", Kind: registry.KindRunTarget}
	if err := exec.Execute(context.Background(), rule, ""); err != nil {
		t.Fatalf("Execute: %v", err)
	}
}

func TestExecuteRunExecIfEnablesThenOnMatchedOutcome(t *testing.T) {
	dir := t.TempDir()
	enabler := &fakeEnabler{}
	exec := &Executor{Env: environment.New(), Enabler: enabler}

	rule := registry.Rule{
		QualifiedName: "//:check",
		Kind:          registry.KindRunExecIf,
		Payload: registry.ExecIfPayload{
			If:   registry.ExecPayload{Command: "true", Expect: "Success"},
			Then: []string{"//:then_rule"},
			Else: []string{"//:else_rule"},
		},
	}
	if err := exec.Execute(context.Background(), rule, filepath.Join(dir, "check.log")); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if len(enabler.enabled) != 1 || enabler.enabled[0] != "//:then_rule" {
		t.Fatalf("enabled = %v, want [//:then_rule]", enabler.enabled)
	}
}

func TestExecuteRunExecIfEnablesElseOnUnmatchedOutcome(t *testing.T) {
	dir := t.TempDir()
	enabler := &fakeEnabler{}
	exec := &Executor{Env: environment.New(), Enabler: enabler}

	rule := registry.Rule{
		QualifiedName: "//:check",
		Kind:          registry.KindRunExecIf,
		Payload: registry.ExecIfPayload{
			If:   registry.ExecPayload{Command: "false", Expect: "Success"},
			Then: []string{"//:then_rule"},
			Else: []string{"//:else_rule"},
		},
	}
	if err := exec.Execute(context.Background(), rule, filepath.Join(dir, "check.log")); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if len(enabler.enabled) != 1 || enabler.enabled[0] != "//:else_rule" {
		t.Fatalf("enabled = %v, want [//:else_rule]", enabler.enabled)
	}
}
