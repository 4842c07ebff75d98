package workspace

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/spacesbuild/spaces/internal/environment"
	"github.com/spacesbuild/spaces/internal/graph"
	"github.com/spacesbuild/spaces/internal/registry"
)

func TestSettingsSaveLoadRoundTrips(t *testing.T) {
	dir := t.TempDir()
	s := &Settings{
		MinVersion: "1.0.0",
		Modules:    []string{"b.spaces.star", "a.spaces.star"},
		Locks:      map[string]string{"//repo:main": "abc123"},
		InputFingerprints: map[string]string{
			"//build:compile": "deadbeef",
		},
	}
	if err := s.save(dir); err != nil {
		t.Fatalf("save: %v", err)
	}

	got, err := loadSettings(dir)
	if err != nil {
		t.Fatalf("loadSettings: %v", err)
	}
	if got.MinVersion != "1.0.0" {
		t.Errorf("MinVersion = %q, want %q", got.MinVersion, "1.0.0")
	}
	if len(got.Modules) != 2 || got.Modules[0] != "a.spaces.star" {
		t.Errorf("Modules not sorted on save: %v", got.Modules)
	}
	if got.Locks["//repo:main"] != "abc123" {
		t.Errorf("Locks[//repo:main] = %q, want %q", got.Locks["//repo:main"], "abc123")
	}
	if got.InputFingerprints["//build:compile"] != "deadbeef" {
		t.Errorf("InputFingerprints[//build:compile] = %q", got.InputFingerprints["//build:compile"])
	}
}

func TestLoadSettingsMissingFileReturnsEmpty(t *testing.T) {
	dir := t.TempDir()
	s, err := loadSettings(dir)
	if err != nil {
		t.Fatalf("loadSettings: %v", err)
	}
	if s.Locks == nil || s.InputFingerprints == nil || s.Modules == nil {
		t.Fatalf("empty settings should have non-nil maps/slices, got %+v", s)
	}
	if len(s.Locks) != 0 || len(s.InputFingerprints) != 0 || len(s.Modules) != 0 {
		t.Fatalf("expected empty settings, got %+v", s)
	}
}

func TestCheckoutDestinationExtractsPerKind(t *testing.T) {
	repo := registry.Rule{Kind: registry.KindCheckoutRepo, Payload: registry.RepoPayload{Path: "/ws/foo"}}
	if dest, ok := checkoutDestination(repo); !ok || dest != "/ws/foo" {
		t.Fatalf("repo destination = (%q, %v), want (/ws/foo, true)", dest, ok)
	}

	archive := registry.Rule{Kind: registry.KindCheckoutArchive, Payload: registry.ArchivePayload{Destination: "/ws/bar"}}
	if dest, ok := checkoutDestination(archive); !ok || dest != "/ws/bar" {
		t.Fatalf("archive destination = (%q, %v), want (/ws/bar, true)", dest, ok)
	}

	platformArchive := registry.Rule{
		Kind:    registry.KindCheckoutPlatformArchive,
		Payload: registry.PlatformArchivePayload{Destination: "/ws/baz"},
	}
	if dest, ok := checkoutDestination(platformArchive); !ok || dest != "/ws/baz" {
		t.Fatalf("platform archive destination = (%q, %v), want (/ws/baz, true)", dest, ok)
	}

	asset := registry.Rule{Kind: registry.KindCheckoutAsset, Payload: registry.AssetPayload{Destination: "/ws/file"}}
	if _, ok := checkoutDestination(asset); ok {
		t.Fatalf("asset rules should not report a scannable destination")
	}
}

func TestScanForCheckoutScriptsFindsRootLevelOnly(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "repo.spaces.star"), "")
	writeFile(t, filepath.Join(dir, "README.md"), "")
	writeFile(t, filepath.Join(dir, "nested", "nested.spaces.star"), "")

	var discovered []string
	scanForCheckoutScripts(dir, &discovered)

	if len(discovered) != 1 || discovered[0] != filepath.Join(dir, "repo.spaces.star") {
		t.Fatalf("discovered = %v, want [%s]", discovered, filepath.Join(dir, "repo.spaces.star"))
	}
}

func TestScanForCheckoutScriptsMissingDirIsNoOp(t *testing.T) {
	var discovered []string
	scanForCheckoutScripts(filepath.Join(t.TempDir(), "does-not-exist"), &discovered)
	if len(discovered) != 0 {
		t.Fatalf("discovered = %v, want none", discovered)
	}
}

func TestResolveActiveSetDefaultsToNonOptionalRules(t *testing.T) {
	reg := registry.New()
	must(t, reg.Add(registry.Rule{Name: "setup", QualifiedName: "//:setup", Kind: registry.KindRunExec, Type: registry.TypeSetup}))
	must(t, reg.Add(registry.Rule{Name: "run", QualifiedName: "//:run", Kind: registry.KindRunExec, Type: registry.TypeRun, Deps: []string{"//:setup"}}))
	must(t, reg.Add(registry.Rule{Name: "opt", QualifiedName: "//:opt", Kind: registry.KindRunExec, Type: registry.TypeOptional}))

	g, err := graph.Build(reg)
	if err != nil {
		t.Fatalf("graph.Build: %v", err)
	}

	active, err := resolveActiveSet(g, reg, nil)
	if err != nil {
		t.Fatalf("resolveActiveSet: %v", err)
	}
	if !active["//:setup"] || !active["//:run"] {
		t.Fatalf("active = %v, want setup and run present", active)
	}
	if active["//:opt"] {
		t.Fatalf("Optional rule should not be active by default: %v", active)
	}
}

func TestResolveActiveSetUnknownTargetReturnsError(t *testing.T) {
	reg := registry.New()
	must(t, reg.Add(registry.Rule{Name: "build", QualifiedName: "//:build", Kind: registry.KindRunExec, Type: registry.TypeRun}))

	g, err := graph.Build(reg)
	if err != nil {
		t.Fatalf("graph.Build: %v", err)
	}

	_, err = resolveActiveSet(g, reg, []string{"//:buidl"})
	if err == nil {
		t.Fatal("expected an UnknownTarget error for a typo'd target")
	}
}

func TestRenderEnvStarlarkEmitsEveryVariable(t *testing.T) {
	env := newTestEnvironment(t, map[string]string{"GREETING": "hi", "TOKEN": `with "quotes"`})
	got := renderEnvStarlark(env)
	if !contains(got, `"GREETING": "hi"`) {
		t.Fatalf("rendered starlark missing GREETING entry: %s", got)
	}
	if !contains(got, `"TOKEN"`) {
		t.Fatalf("rendered starlark missing TOKEN entry: %s", got)
	}
}

func contains(haystack, needle string) bool {
	return len(haystack) >= len(needle) && (func() bool {
		for i := 0; i+len(needle) <= len(haystack); i++ {
			if haystack[i:i+len(needle)] == needle {
				return true
			}
		}
		return false
	})()
}

func must(t *testing.T, err error) {
	t.Helper()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("mkdir for %s: %v", path, err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("writing %s: %v", path, err)
	}
}

func newTestEnvironment(t *testing.T, vars map[string]string) *environment.Environment {
	t.Helper()
	env := environment.New()
	keys := make([]string, 0, len(vars))
	for k := range vars {
		keys = append(keys, k)
	}
	for _, k := range keys {
		if err := env.Set(k, vars[k]); err != nil {
			t.Fatalf("Set(%s): %v", k, err)
		}
	}
	return env
}
