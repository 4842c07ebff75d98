package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/spacesbuild/spaces/internal/fingerprint"
	"github.com/spacesbuild/spaces/internal/graph"
	"github.com/spacesbuild/spaces/internal/registry"
)

type noopPrinter struct{}

func (noopPrinter) TaskStarted(string)                             {}
func (noopPrinter) TaskProgress(string, string)                    {}
func (noopPrinter) TaskFinished(string, string, time.Duration)     {}
func (noopPrinter) Warn(string)                                    {}
func (noopPrinter) Error(string)                                   {}

type fakeExecutor struct {
	mu      sync.Mutex
	calls   []string
	failOn  map[string]error
}

func (f *fakeExecutor) Execute(_ context.Context, rule registry.Rule, _ string) error {
	f.mu.Lock()
	f.calls = append(f.calls, rule.QualifiedName)
	f.mu.Unlock()
	if f.failOn != nil {
		if err, ok := f.failOn[rule.QualifiedName]; ok {
			return err
		}
	}
	return nil
}

func buildGraph(t *testing.T, rules []registry.Rule) *graph.Graph {
	t.Helper()
	reg := registry.New()
	for _, r := range rules {
		if err := reg.Add(r); err != nil {
			t.Fatalf("reg.Add(%s): %v", r.QualifiedName, err)
		}
	}
	g, err := graph.Build(reg)
	if err != nil {
		t.Fatalf("graph.Build: %v", err)
	}
	return g
}

func allNames(rules []registry.Rule) map[string]bool {
	out := make(map[string]bool, len(rules))
	for _, r := range rules {
		out[r.QualifiedName] = true
	}
	return out
}

func TestRunExecutesInDependencyOrder(t *testing.T) {
	rules := []registry.Rule{
		{Name: "a", QualifiedName: "//:a", Kind: registry.KindRunTarget, Type: registry.TypeRun},
		{Name: "b", QualifiedName: "//:b", Kind: registry.KindRunTarget, Type: registry.TypeRun, Deps: []string{"//:a"}},
	}
	g := buildGraph(t, rules)
	exec := &fakeExecutor{}
	s := &Scheduler{
		Graph: g, Executor: exec, Fingerprint: fingerprint.Cache{},
		Printer: noopPrinter{}, WorkerCount: 2,
	}

	result, err := s.Run(context.Background(), allNames(rules))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if result.Tasks["//:a"].Status != StatusSucceeded || result.Tasks["//:b"].Status != StatusSucceeded {
		t.Fatalf("unexpected statuses: a=%v b=%v", result.Tasks["//:a"].Status, result.Tasks["//:b"].Status)
	}
	if len(exec.calls) != 2 || exec.calls[0] != "//:a" || exec.calls[1] != "//:b" {
		t.Fatalf("expected a before b, got %v", exec.calls)
	}
}

func TestRunCancelsDependentsOfFailedTask(t *testing.T) {
	rules := []registry.Rule{
		{Name: "a", QualifiedName: "//:a", Kind: registry.KindRunTarget, Type: registry.TypeRun},
		{Name: "b", QualifiedName: "//:b", Kind: registry.KindRunTarget, Type: registry.TypeRun, Deps: []string{"//:a"}},
		{Name: "c", QualifiedName: "//:c", Kind: registry.KindRunTarget, Type: registry.TypeRun},
	}
	g := buildGraph(t, rules)
	exec := &fakeExecutor{failOn: map[string]error{"//:a": errors.New("boom")}}
	s := &Scheduler{
		Graph: g, Executor: exec, Fingerprint: fingerprint.Cache{},
		Printer: noopPrinter{}, WorkerCount: 1,
	}

	result, err := s.Run(context.Background(), allNames(rules))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if result.Tasks["//:a"].Status != StatusFailed {
		t.Fatalf("a status = %v, want Failed", result.Tasks["//:a"].Status)
	}
	if result.Tasks["//:b"].Status != StatusCancelled {
		t.Fatalf("b status = %v, want Cancelled", result.Tasks["//:b"].Status)
	}
	if result.FirstFailure == nil {
		t.Fatal("expected FirstFailure to be set")
	}
}

func TestRunSkipsRunOnceTaskOnSecondInvocation(t *testing.T) {
	rules := []registry.Rule{
		{Name: "once", QualifiedName: "//:once", Kind: registry.KindRunTarget, Type: registry.TypeRun, Inputs: []string{}},
	}
	g := buildGraph(t, rules)
	exec := &fakeExecutor{}
	cache := fingerprint.Cache{}
	s := &Scheduler{Graph: g, Executor: exec, Fingerprint: cache, Printer: noopPrinter{}, WorkerCount: 1}

	if _, err := s.Run(context.Background(), allNames(rules)); err != nil {
		t.Fatalf("first Run: %v", err)
	}
	if len(exec.calls) != 1 {
		t.Fatalf("expected 1 call after first run, got %d", len(exec.calls))
	}

	result, err := s.Run(context.Background(), allNames(rules))
	if err != nil {
		t.Fatalf("second Run: %v", err)
	}
	if len(exec.calls) != 1 {
		t.Fatalf("expected still 1 call after second run (skip), got %d", len(exec.calls))
	}
	if result.Tasks["//:once"].Status != StatusSkipped {
		t.Fatalf("status = %v, want Skipped", result.Tasks["//:once"].Status)
	}
}

func TestRunAlwaysRunsTaskWithNilInputs(t *testing.T) {
	rules := []registry.Rule{
		{Name: "always", QualifiedName: "//:always", Kind: registry.KindRunTarget, Type: registry.TypeRun},
	}
	g := buildGraph(t, rules)
	exec := &fakeExecutor{}
	s := &Scheduler{Graph: g, Executor: exec, Fingerprint: fingerprint.Cache{}, Printer: noopPrinter{}, WorkerCount: 1}

	s.Run(context.Background(), allNames(rules))
	s.Run(context.Background(), allNames(rules))

	if len(exec.calls) != 2 {
		t.Fatalf("expected 2 calls for nil-inputs rule across two runs, got %d", len(exec.calls))
	}
}

// enablingExecutor calls sched.Enable when it executes trigger, simulating
// a RunExecIf branch activation (internal/runexecutor.execExecIf) mid-run.
type enablingExecutor struct {
	fakeExecutor
	sched   *Scheduler
	trigger string
	enable  []string
}

func (e *enablingExecutor) Execute(ctx context.Context, rule registry.Rule, logPath string) error {
	if err := e.fakeExecutor.Execute(ctx, rule, logPath); err != nil {
		return err
	}
	if rule.QualifiedName == e.trigger {
		e.sched.Enable(e.enable)
	}
	return nil
}

func TestRunEnableActivatesOptionalRuleMidRun(t *testing.T) {
	rules := []registry.Rule{
		{Name: "trigger", QualifiedName: "//:trigger", Kind: registry.KindRunTarget, Type: registry.TypeRun},
		{Name: "branch", QualifiedName: "//:branch", Kind: registry.KindRunTarget, Type: registry.TypeOptional, Deps: []string{"//:trigger"}},
	}
	g := buildGraph(t, rules)
	exec := &enablingExecutor{trigger: "//:trigger", enable: []string{"//:branch"}}
	s := &Scheduler{Graph: g, Executor: exec, Fingerprint: fingerprint.Cache{}, Printer: noopPrinter{}, WorkerCount: 2}
	exec.sched = s

	active := map[string]bool{"//:trigger": true}
	result, err := s.Run(context.Background(), active)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if result.Tasks["//:trigger"].Status != StatusSucceeded {
		t.Fatalf("trigger status = %v, want Succeeded", result.Tasks["//:trigger"].Status)
	}
	if result.Tasks["//:branch"].Status != StatusSucceeded {
		t.Fatalf("branch status = %v, want Succeeded (Enable should have activated it)", result.Tasks["//:branch"].Status)
	}
	if len(exec.calls) != 2 {
		t.Fatalf("expected trigger and branch to both execute, got %v", exec.calls)
	}
}

// TestRunEnableManyRulesExceedsInitialActiveSetSize exercises the
// channel-capacity fix directly: the initial active set has one rule, but
// Enable activates enough Optional rules that the old len(s.tasks)-sized
// ready/done channels (sized before Enable grew s.tasks) would have been
// too small, risking a deadlock in propagate/resolveReadiness while holding
// s.mu. Sizing to len(s.Graph.TopologicalOrder()) avoids that.
func TestRunEnableManyRulesExceedsInitialActiveSetSize(t *testing.T) {
	const n = 50
	rules := []registry.Rule{
		{Name: "trigger", QualifiedName: "//:trigger", Kind: registry.KindRunTarget, Type: registry.TypeRun},
	}
	var toEnable []string
	for i := 0; i < n; i++ {
		name := fmt.Sprintf("//:opt%d", i)
		rules = append(rules, registry.Rule{Name: name, QualifiedName: name, Kind: registry.KindRunTarget, Type: registry.TypeOptional})
		toEnable = append(toEnable, name)
	}
	g := buildGraph(t, rules)
	exec := &enablingExecutor{trigger: "//:trigger", enable: toEnable}
	s := &Scheduler{Graph: g, Executor: exec, Fingerprint: fingerprint.Cache{}, Printer: noopPrinter{}, WorkerCount: 4}
	exec.sched = s

	done := make(chan struct{})
	go func() {
		s.Run(context.Background(), map[string]bool{"//:trigger": true})
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not complete within 5s; likely deadlocked on an undersized ready/done channel")
	}
	if len(exec.calls) != n+1 {
		t.Fatalf("expected trigger + %d enabled rules to execute, got %d calls", n, len(exec.calls))
	}
}

// orderTrackingExecutor records the order tasks executed in, in addition
// to fakeExecutor's call log, so Setup-first ordering can be asserted.
type orderTrackingExecutor struct {
	fakeExecutor
	mu    sync.Mutex
	order []string
}

func (e *orderTrackingExecutor) Execute(ctx context.Context, rule registry.Rule, logPath string) error {
	e.mu.Lock()
	e.order = append(e.order, rule.QualifiedName)
	e.mu.Unlock()
	return e.fakeExecutor.Execute(ctx, rule, logPath)
}

// TestRunSetupFirstHoldsNonSetupRuleWithNoDepsEdge exercises spec.md §8's
// Setup-first property for a non-Setup rule that has no Deps edge to the
// Setup rule at all (the common case: Setup rules gate the whole run by
// rule Type, not by an explicit dependency).
func TestRunSetupFirstHoldsNonSetupRuleWithNoDepsEdge(t *testing.T) {
	rules := []registry.Rule{
		{Name: "setup", QualifiedName: "//:setup", Kind: registry.KindRunExec, Type: registry.TypeSetup},
		{Name: "build", QualifiedName: "//:build", Kind: registry.KindRunExec, Type: registry.TypeRun},
	}
	g := buildGraph(t, rules)
	exec := &orderTrackingExecutor{}
	s := &Scheduler{Graph: g, Executor: exec, Fingerprint: fingerprint.Cache{}, Printer: noopPrinter{}, WorkerCount: 4}

	result, err := s.Run(context.Background(), allNames(rules))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if result.Tasks["//:setup"].Status != StatusSucceeded || result.Tasks["//:build"].Status != StatusSucceeded {
		t.Fatalf("unexpected statuses: setup=%v build=%v", result.Tasks["//:setup"].Status, result.Tasks["//:build"].Status)
	}
	if len(exec.order) != 2 || exec.order[0] != "//:setup" || exec.order[1] != "//:build" {
		t.Fatalf("expected setup before build, got %v", exec.order)
	}
}

// TestRunCrossPartitionDepsDoNotDeadlock covers a non-Setup rule that
// explicitly lists a Setup rule in its Deps (legal per spec.md §4.5: deps
// may reference any registered rule, Setup is only a scheduling class),
// and the symmetric case of a Setup rule depending on a non-Setup rule.
// Running both in one active set previously deadlocked when the
// scheduler was driven as two disjoint Setup/rest task maps, since each
// pass only tracked the rules in its own activeSet.
func TestRunCrossPartitionDepsDoNotDeadlock(t *testing.T) {
	rules := []registry.Rule{
		{Name: "setupA", QualifiedName: "//:setupA", Kind: registry.KindRunExec, Type: registry.TypeSetup},
		{Name: "buildDependsOnSetup", QualifiedName: "//:buildDependsOnSetup", Kind: registry.KindRunExec, Type: registry.TypeRun, Deps: []string{"//:setupA"}},
		{Name: "prep", QualifiedName: "//:prep", Kind: registry.KindRunExec, Type: registry.TypeRun},
		{Name: "setupDependsOnNonSetup", QualifiedName: "//:setupDependsOnNonSetup", Kind: registry.KindRunExec, Type: registry.TypeSetup, Deps: []string{"//:prep"}},
	}
	g := buildGraph(t, rules)
	exec := &fakeExecutor{}
	s := &Scheduler{Graph: g, Executor: exec, Fingerprint: fingerprint.Cache{}, Printer: noopPrinter{}, WorkerCount: 4}

	done := make(chan struct{})
	var result *Result
	var runErr error
	go func() {
		result, runErr = s.Run(context.Background(), allNames(rules))
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not complete within 5s; cross-partition dependency likely deadlocked")
	}
	if runErr != nil {
		t.Fatalf("Run: %v", runErr)
	}
	for _, name := range []string{"//:setupA", "//:buildDependsOnSetup", "//:prep", "//:setupDependsOnNonSetup"} {
		if result.Tasks[name].Status != StatusSucceeded {
			t.Fatalf("%s status = %v, want Succeeded", name, result.Tasks[name].Status)
		}
	}
}

func TestRunDiamondDependencyCompletesWithoutDeadlock(t *testing.T) {
	rules := []registry.Rule{
		{Name: "root", QualifiedName: "//:root", Kind: registry.KindRunTarget, Type: registry.TypeRun},
		{Name: "left", QualifiedName: "//:left", Kind: registry.KindRunTarget, Type: registry.TypeRun, Deps: []string{"//:root"}},
		{Name: "right", QualifiedName: "//:right", Kind: registry.KindRunTarget, Type: registry.TypeRun, Deps: []string{"//:root"}},
		{Name: "join", QualifiedName: "//:join", Kind: registry.KindRunTarget, Type: registry.TypeRun, Deps: []string{"//:left", "//:right"}},
	}
	g := buildGraph(t, rules)
	exec := &fakeExecutor{}
	s := &Scheduler{Graph: g, Executor: exec, Fingerprint: fingerprint.Cache{}, Printer: noopPrinter{}, WorkerCount: 4}

	done := make(chan struct{})
	go func() {
		s.Run(context.Background(), allNames(rules))
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not complete within 5s; likely deadlocked")
	}
	if len(exec.calls) != 4 {
		t.Fatalf("expected all 4 tasks to execute, got %d calls: %v", len(exec.calls), exec.calls)
	}
}
