// Package scheduler drives a fixed-size worker pool over a rule graph's
// topological order, per spec.md §4.6: a state machine per task
// (Pending/Ready/Running/Succeeded/Skipped/Failed/Cancelled), fingerprint-
// based skip decisions at Ready time, cooperative cancellation on the
// first fatal failure, and spec.md §8's Setup-first barrier (every Setup
// rule in the active set reaches a terminal state before any non-Setup
// rule becomes Ready), enforced within a single Run call by rule Type
// rather than by partitioning the active set.
package scheduler

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/spacesbuild/spaces/internal/fingerprint"
	"github.com/spacesbuild/spaces/internal/graph"
	"github.com/spacesbuild/spaces/internal/printer"
	"github.com/spacesbuild/spaces/internal/registry"
	"github.com/spacesbuild/spaces/internal/taxonomy"
)

// Status is a task's position in the state machine spec.md §4.6 diagrams.
type Status string

const (
	StatusPending   Status = "Pending"
	StatusReady     Status = "Ready"
	StatusRunning   Status = "Running"
	StatusSucceeded Status = "Succeeded"
	StatusSkipped   Status = "Skipped"
	StatusFailed    Status = "Failed"
	StatusCancelled Status = "Cancelled"
)

// terminal success-equivalent states a dependent's deps must all reach
// before the dependent can become Ready.
func (s Status) isSuccessEquivalent() bool {
	return s == StatusSucceeded || s == StatusSkipped
}

func (s Status) isTerminal() bool {
	switch s {
	case StatusSucceeded, StatusSkipped, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// Task is the runtime instance of a rule, owned exclusively by the
// Scheduler for the lifetime of one Run call.
type Task struct {
	Rule      registry.Rule
	Status    Status
	StartedAt time.Time
	EndedAt   time.Time
	LogPath   string
	Err       error
}

// Executor runs one task's payload to completion. Implementations (backed
// by internal/checkoutexec and internal/runexecutor) return a non-nil error
// only for a genuine failure; expect=Failure/expect=Success semantics are
// already resolved inside the executor.
type Executor interface {
	Execute(ctx context.Context, rule registry.Rule, logPath string) error
}

// Enabler is the subset of *Scheduler a RunExecIf executor needs: the
// ability to activate additional (Optional-typed) rules into the
// in-progress run, per spec.md §4.8. Modeled as a narrow interface so
// internal/runexecutor depends only on the one method it calls, not the
// whole Scheduler.
type Enabler interface {
	Enable(names []string)
}

// LogPather resolves the log file path for a rule, normally
// platform.RuleLogPath; factored out as an interface-shaped func to keep
// this package free of a direct internal/platform import cycle concern
// and to let tests substitute a temp-dir path.
type LogPather func(qualifiedName string) string

// Scheduler owns one Run call's worker pool over a fixed Graph.
type Scheduler struct {
	Graph       *graph.Graph
	Executor    Executor
	Fingerprint fingerprint.Cache
	InputsRoot  string
	Printer     printer.Printer
	WorkerCount int
	LogPath     LogPather

	mu           sync.Mutex
	tasks        map[string]*Task
	cancel       bool
	firstFailure error
	doneCh       chan string
	readyCh      chan string
}

// Result is the outcome of one Run call: the terminal state of every task
// in the active set, and the first fatal error encountered (nil if every
// task succeeded or was skipped).
type Result struct {
	Tasks        map[string]*Task
	FirstFailure error
}

// Run schedules every rule name in activeSet across a pool of WorkerCount
// goroutines. It does not add dependencies itself: callers pass an
// activeSet already closed under deps (graph.TransitiveClosure), and names
// the graph does not know are ignored. It honors ctx cancellation
// (propagated to in-flight
// executors) and spec.md §4.6's fatal-failure cancel-flag semantics.
func (s *Scheduler) Run(ctx context.Context, activeSet map[string]bool) (*Result, error) {
	if s.WorkerCount < 1 {
		s.WorkerCount = 1
	}
	s.tasks = make(map[string]*Task, len(activeSet))
	for name := range activeSet {
		rule, ok := s.Graph.Rule(name)
		if !ok {
			continue
		}
		s.tasks[name] = &Task{Rule: rule, Status: StatusPending}
	}

	group, gctx := errgroup.WithContext(ctx)
	group.SetLimit(s.WorkerCount)

	// Sized to the whole graph, not just the initial active set: Enable
	// can splice additional rules into s.tasks mid-run (spec.md §4.8), and
	// propagate/resolveReadiness send on these channels while holding
	// s.mu, so a full buffer would deadlock rather than just block.
	capacity := len(s.Graph.TopologicalOrder())
	if capacity < len(s.tasks) {
		capacity = len(s.tasks)
	}
	ready := make(chan string, capacity)
	done := make(chan string, capacity)
	s.doneCh = done
	s.readyCh = ready

	s.seedReady(ready)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		s.drive(gctx, group, ready, done)
	}()

	wg.Wait()
	_ = group.Wait() // all spawned executor goroutines have already reported via done

	return &Result{Tasks: s.tasks, FirstFailure: s.firstFailure}, nil
}

// seedReady marks every task with no deps (or only deps outside the
// active set, which can't happen since Deps are always active-set
// members per §4.5's transitive closure rule) as Ready. A deps-free task
// outside the setup closure (see setupClosureLocked) is held at Pending
// while any Setup task in the active set is still non-terminal,
// enforcing spec.md §8's Setup-first property (Setup rules may come from
// any source script and sit anywhere in the dependency graph relative to
// non-Setup rules, so the barrier is enforced by rule Type here rather
// than by Deps edges). propagate's full-map rescan on every later done
// event picks these back up once the barrier clears.
func (s *Scheduler) seedReady(ready chan<- string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	barrier := s.hasPendingSetupLocked()
	closure := s.setupClosureLocked()
	for name, task := range s.tasks {
		gated := task.Rule.Type != registry.TypeSetup && !closure[name] && barrier
		if len(s.Graph.Deps(name)) == 0 && !gated {
			task.Status = StatusReady
			ready <- name
		}
	}
}

// hasPendingSetupLocked reports whether any Setup-typed task in s.tasks
// has not yet reached a terminal status. Callers must hold s.mu.
func (s *Scheduler) hasPendingSetupLocked() bool {
	for _, task := range s.tasks {
		if task.Rule.Type == registry.TypeSetup && !task.Status.isTerminal() {
			return true
		}
	}
	return false
}

// setupClosureLocked returns the set of task names that are Setup-typed
// or a transitive dependency, via the rule graph, of a Setup-typed task
// in s.tasks. A Setup rule is legally allowed to depend on a non-Setup
// rule (spec.md §4.5): that prerequisite has to run during the setup
// phase for the Setup rule to ever finish, so it is exempted from the
// Setup-first barrier rather than being treated as part of "the rest".
// Callers must hold s.mu.
func (s *Scheduler) setupClosureLocked() map[string]bool {
	closure := make(map[string]bool, len(s.tasks))
	var mark func(name string)
	mark = func(name string) {
		if closure[name] {
			return
		}
		closure[name] = true
		for _, dep := range s.Graph.Deps(name) {
			mark(dep)
		}
	}
	for name, task := range s.tasks {
		if task.Rule.Type == registry.TypeSetup {
			mark(name)
		}
	}
	return closure
}

// drive is the single scheduler thread: it pulls ready task names,
// dispatches each to the worker pool, and on completion propagates
// readiness/cancellation to dependents. It returns once every task in
// the active set has reached a terminal status. seedReady's initial
// batch, and every batch propagate computes, counts toward the same
// "terminal reached" tally as a completed run, so a chain of
// directly-cancelled Pending tasks (no executor involved) still drains
// the loop instead of deadlocking it.
func (s *Scheduler) drive(ctx context.Context, group *errgroup.Group, ready chan string, done chan string) {
	terminal := s.countTerminal()

	for terminal < len(s.tasks) {
		select {
		case name := <-ready:
			group.Go(func() error {
				s.runOne(ctx, name)
				done <- name
				return nil
			})
		case name := <-done:
			terminal++
			terminal += s.propagate(name, ready)
		}
	}
}

func (s *Scheduler) countTerminal() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, task := range s.tasks {
		if task.Status.isTerminal() {
			n++
		}
	}
	return n
}

// propagate re-scans every still-Pending task after one task finishes:
// Ready if all its deps are now success-equivalent (and, for a non-Setup
// task, no Setup task in the active set remains non-terminal — spec.md
// §8's Setup-first barrier), Cancelled if any dep failed or was
// cancelled. Scanning the whole map rather than just finished's direct
// dependents is what lets a non-Setup task hinted by the Setup barrier
// (deps satisfied but blocked by a Setup task it has no Deps edge to)
// get promoted the moment the barrier clears, instead of needing a
// dependency-graph path from the just-finished task. Returns the count
// of tasks it moved directly to Cancelled (a terminal state reached
// without going through the ready/done channel pair), so drive's
// termination tally stays correct.
func (s *Scheduler) propagate(finished string, ready chan<- string) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	barrier := s.hasPendingSetupLocked()
	closure := s.setupClosureLocked()
	cancelledNow := 0
	for name, task := range s.tasks {
		if task.Status != StatusPending {
			continue
		}
		blockedByFailure := false
		allSatisfied := true
		for _, dep := range s.Graph.Deps(name) {
			depTask, ok := s.tasks[dep]
			if !ok || !depTask.Status.isTerminal() {
				allSatisfied = false
				continue
			}
			if !depTask.Status.isSuccessEquivalent() {
				blockedByFailure = true
			}
		}
		gated := task.Rule.Type != registry.TypeSetup && !closure[name] && barrier
		switch {
		case blockedByFailure:
			task.Status = StatusCancelled
			cancelledNow++
			s.Printer.TaskFinished(name, string(StatusCancelled), 0)
		case allSatisfied && s.cancel:
			task.Status = StatusCancelled
			cancelledNow++
			s.Printer.TaskFinished(name, string(StatusCancelled), 0)
		case allSatisfied && gated:
			// Setup-first barrier still up: leave Pending, re-evaluated on
			// the next done event (including the barrier-clearing one).
		case allSatisfied:
			task.Status = StatusReady
			ready <- name
		}
	}
	return cancelledNow
}

// runOne executes a single Ready task: decides skip-vs-run via the
// fingerprint cache, then dispatches to the Executor, recording the
// terminal status and, on fatal failure, setting the cancel flag. A task
// reaches here only once already marked Ready, so per spec.md §4.6 it
// always starts even if the cancel flag has since been set — only
// still-Pending tasks are cancelled outright, by cancelAllPending.
func (s *Scheduler) runOne(ctx context.Context, name string) {
	s.mu.Lock()
	task := s.tasks[name]
	s.mu.Unlock()

	if s.shouldSkip(task) {
		s.mu.Lock()
		task.Status = StatusSkipped
		s.mu.Unlock()
		s.Printer.TaskFinished(name, string(StatusSkipped), 0)
		return
	}

	task.Status = StatusRunning
	task.StartedAt = time.Now()
	s.Printer.TaskStarted(name)

	logPath := ""
	if s.LogPath != nil {
		logPath = s.LogPath(name)
	}

	err := s.Executor.Execute(ctx, task.Rule, logPath)

	var newFP string
	var fpErr error
	if err == nil && task.Rule.HasInputs() {
		newFP, fpErr = s.computeFingerprint(task.Rule)
	}

	s.mu.Lock()
	task.EndedAt = time.Now()
	task.LogPath = logPath
	newlyFatal := false
	if err != nil {
		task.Status = StatusFailed
		task.Err = err
		if s.firstFailure == nil {
			s.firstFailure = err
			s.cancel = true
			newlyFatal = true
		}
	} else {
		task.Status = StatusSucceeded
		if fpErr == nil && newFP != "" {
			s.Fingerprint.Record(task.Rule.QualifiedName, newFP)
		}
	}
	duration := task.EndedAt.Sub(task.StartedAt)
	s.mu.Unlock()

	if err != nil {
		s.Printer.TaskFinished(name, string(StatusFailed), duration)
	} else {
		s.Printer.TaskFinished(name, string(StatusSucceeded), duration)
	}

	if newlyFatal {
		s.cancelAllPending()
	}
}

// cancelAllPending marks every currently Pending task Cancelled
// immediately, per spec.md §4.6: once the cancel flag is set, in-flight
// tasks finish but all other pending tasks transition to Cancelled
// without waiting for their own deps to resolve. Each cancellation is
// pushed onto doneCh so drive's termination tally accounts for it.
func (s *Scheduler) cancelAllPending() {
	s.mu.Lock()
	var cancelled []string
	for name, task := range s.tasks {
		if task.Status == StatusPending {
			task.Status = StatusCancelled
			cancelled = append(cancelled, name)
		}
	}
	s.mu.Unlock()

	for _, name := range cancelled {
		s.Printer.TaskFinished(name, string(StatusCancelled), 0)
		s.doneCh <- name
	}
}

// shouldSkip evaluates a rule's inputs against the fingerprint cache at
// Ready time, per spec.md §4.7.
func (s *Scheduler) shouldSkip(task *Task) bool {
	if !task.Rule.HasInputs() {
		return false // nil inputs: always run
	}
	if len(task.Rule.Inputs) == 0 {
		// run-once: skip iff it has ever completed.
		_, ok := s.Fingerprint[task.Rule.QualifiedName]
		return ok
	}
	fp, err := s.computeFingerprint(task.Rule)
	if err != nil {
		return false // can't fingerprint reliably: err on the side of running.
	}
	return s.Fingerprint.ShouldSkip(task.Rule.QualifiedName, fp)
}

func (s *Scheduler) computeFingerprint(rule registry.Rule) (string, error) {
	if !rule.HasInputs() {
		return "", taxonomy.New(taxonomy.KindIoError, "computeFingerprint called on a rule without inputs")
	}
	if len(rule.Inputs) == 0 {
		return fingerprint.RunOncePlaceholder, nil
	}
	depDigests := make([]string, len(rule.Deps))
	for i, dep := range rule.Deps {
		depDigests[i] = s.Fingerprint[dep]
	}
	// Payload fields, not QualifiedName, must drive the digest: a rule's
	// qualified name is constant for its life, but editing its payload
	// (e.g. an ExecPayload's Command/Args/Env) with no input file touched
	// must still change the fingerprint, or the rule is wrongly Skipped
	// (spec.md §4.7: "kind, payload fields, and dep digests"). json.Marshal
	// sorts map keys, so this is a stable encoding across runs regardless
	// of map iteration order (e.g. ExecPayload.Env).
	payloadJSON, err := json.Marshal(rule.Payload)
	if err != nil {
		return "", taxonomy.Wrap(taxonomy.KindIoError, "encoding rule payload for fingerprint", err)
	}
	defDigest := fingerprint.DefinitionDigest(string(rule.Kind), string(payloadJSON), depDigests)
	return fingerprint.Compute(s.InputsRoot, rule.Inputs, defDigest)
}

// Enable activates additional rules into the in-progress run, per
// spec.md §4.8's RunExecIf: "enabling a rule inserts it into the active
// set; dependencies are recomputed." Called by an Executor (specifically
// the RunExecIf executor) from within its own Execute call, after it has
// decided which of its then/else branch names matched. A name already
// tracked (already active, from the original activeSet or a prior Enable
// call) is left untouched, so Enable is safe to call with overlapping
// sets across multiple RunExecIf tasks.
func (s *Scheduler) Enable(names []string) {
	s.mu.Lock()
	var added []string
	for _, name := range names {
		s.addPending(name, &added)
	}
	s.mu.Unlock()

	for _, name := range added {
		s.resolveReadiness(name)
	}
}

// addPending inserts name (and, recursively, any of its deps not yet
// tracked) into s.tasks as Pending. Must be called with s.mu held.
func (s *Scheduler) addPending(name string, added *[]string) {
	if _, exists := s.tasks[name]; exists {
		return
	}
	rule, ok := s.Graph.Rule(name)
	if !ok {
		return
	}
	s.tasks[name] = &Task{Rule: rule, Status: StatusPending}
	*added = append(*added, name)
	for _, dep := range rule.Deps {
		s.addPending(dep, added)
	}
}

// resolveReadiness checks whether a freshly added Pending task's deps
// are already satisfied (common for a then/else rule whose only
// dependency is the exec_if task that just enabled it) and, if so,
// transitions it to Ready or Cancelled immediately — mirroring
// propagate's transition rules, since a dep's "done" event that would
// normally trigger propagate may have already fired before this task
// existed.
func (s *Scheduler) resolveReadiness(name string) {
	s.mu.Lock()
	task := s.tasks[name]
	if task.Status != StatusPending {
		s.mu.Unlock()
		return
	}

	blockedByFailure := false
	allSatisfied := true
	for _, dep := range s.Graph.Deps(name) {
		depTask, ok := s.tasks[dep]
		if !ok || !depTask.Status.isTerminal() {
			allSatisfied = false
			continue
		}
		if !depTask.Status.isSuccessEquivalent() {
			blockedByFailure = true
		}
	}
	gated := task.Rule.Type != registry.TypeSetup && !s.setupClosureLocked()[name] && s.hasPendingSetupLocked()

	switch {
	case blockedByFailure || (allSatisfied && s.cancel):
		task.Status = StatusCancelled
		s.mu.Unlock()
		s.Printer.TaskFinished(name, string(StatusCancelled), 0)
		s.doneCh <- name
	case allSatisfied && gated:
		// Setup-first barrier still up: leave Pending, re-evaluated by
		// propagate on the next done event.
		s.mu.Unlock()
	case allSatisfied:
		task.Status = StatusReady
		s.mu.Unlock()
		s.readyCh <- name
	default:
		s.mu.Unlock()
	}
}
