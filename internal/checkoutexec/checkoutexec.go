// Package checkoutexec implements the nine CheckoutXxx rule executors
// (spec.md §4.9): materializing git repos, HTTP archives, and generated
// assets into the workspace, and mutating the shared checkout-phase
// environment. Each executor is idempotent given an unchanged rule
// definition, matching the content store's at-most-once-materialization
// guarantee.
package checkoutexec

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/spacesbuild/spaces/internal/environment"
	"github.com/spacesbuild/spaces/internal/fetcharchive"
	"github.com/spacesbuild/spaces/internal/fetchgit"
	"github.com/spacesbuild/spaces/internal/platform"
	"github.com/spacesbuild/spaces/internal/registry"
	"github.com/spacesbuild/spaces/internal/store"
	"github.com/spacesbuild/spaces/internal/structuredfile"
	"github.com/spacesbuild/spaces/internal/taxonomy"
)

// Executor implements scheduler.Executor for checkout-phase rules. The
// environment and lock table it mutates are shared across a
// worker pool, so every write path goes through mu (spec.md §5's
// "state-lock pattern": snapshot/mutate under lock, never hold it across
// blocking I/O).
type Executor struct {
	Store         *store.Store
	GitFetcher    *fetchgit.Fetcher
	WorkspaceRoot string
	Env           *environment.Environment

	mu    sync.Mutex
	Locks map[string]string // rule qualified name -> resolved commit/version
}

// NewExecutor returns an Executor backed by s, wired to fetch repos via
// fetchgit and accumulate environment mutations into env.
func NewExecutor(s *store.Store, workspaceRoot string, env *environment.Environment, locks map[string]string) *Executor {
	if locks == nil {
		locks = make(map[string]string)
	}
	return &Executor{
		Store:         s,
		GitFetcher:    fetchgit.New(s),
		WorkspaceRoot: workspaceRoot,
		Env:           env,
		Locks:         locks,
	}
}

// Execute dispatches rule.Payload to the executor matching rule.Kind.
func (e *Executor) Execute(ctx context.Context, rule registry.Rule, _ string) error {
	switch rule.Kind {
	case registry.KindCheckoutRepo:
		payload, ok := rule.Payload.(registry.RepoPayload)
		if !ok {
			return payloadTypeError(rule, payload)
		}
		return e.execRepo(ctx, rule.QualifiedName, payload)
	case registry.KindCheckoutArchive:
		payload, ok := rule.Payload.(registry.ArchivePayload)
		if !ok {
			return payloadTypeError(rule, payload)
		}
		return e.execArchive(ctx, payload)
	case registry.KindCheckoutPlatformArchive:
		payload, ok := rule.Payload.(registry.PlatformArchivePayload)
		if !ok {
			return payloadTypeError(rule, payload)
		}
		return e.execPlatformArchive(ctx, payload)
	case registry.KindCheckoutAsset:
		payload, ok := rule.Payload.(registry.AssetPayload)
		if !ok {
			return payloadTypeError(rule, payload)
		}
		return execAsset(payload)
	case registry.KindCheckoutUpdateAsset:
		payload, ok := rule.Payload.(registry.UpdateAssetPayload)
		if !ok {
			return payloadTypeError(rule, payload)
		}
		return execUpdateAsset(payload)
	case registry.KindCheckoutHardLinkAsset:
		payload, ok := rule.Payload.(registry.HardLinkAssetPayload)
		if !ok {
			return payloadTypeError(rule, payload)
		}
		return execHardLinkAsset(payload)
	case registry.KindCheckoutWhichAsset:
		payload, ok := rule.Payload.(registry.WhichAssetPayload)
		if !ok {
			return payloadTypeError(rule, payload)
		}
		return execWhichAsset(payload)
	case registry.KindCheckoutCargoBin:
		payload, ok := rule.Payload.(registry.CargoBinPayload)
		if !ok {
			return payloadTypeError(rule, payload)
		}
		return e.execCargoBin(ctx, payload)
	case registry.KindCheckoutUpdateEnv:
		payload, ok := rule.Payload.(registry.UpdateEnvPayload)
		if !ok {
			return payloadTypeError(rule, payload)
		}
		return e.execUpdateEnv(payload)
	default:
		return taxonomy.New(taxonomy.KindScriptError, "checkoutexec: unhandled rule kind "+string(rule.Kind))
	}
}

func payloadTypeError(rule registry.Rule, got any) error {
	return taxonomy.New(taxonomy.KindScriptError,
		fmt.Sprintf("%s: payload type %T does not match kind %s", rule.QualifiedName, got, rule.Kind))
}

// execRepo ensures the store holds a clone and the workspace path is a
// correctly-positioned checkout at the resolved rev, consulting (and
// updating) the locked-commit table.
func (e *Executor) execRepo(ctx context.Context, qualifiedName string, payload registry.RepoPayload) error {
	e.mu.Lock()
	locked := e.Locks[qualifiedName]
	e.mu.Unlock()

	req := fetchgit.Request{
		Name:          qualifiedName,
		URL:           payload.URL,
		Rev:           payload.Rev,
		Clone:         cloneModeFromString(payload.CloneMode),
		Checkout:      checkoutModeFromString(payload.CheckoutMode),
		BranchName:    payload.BranchName,
		WorkspacePath: payload.Path,
		LockedCommit:  locked,
	}
	result, err := e.GitFetcher.Checkout(ctx, req)
	if err != nil {
		return err
	}

	e.mu.Lock()
	e.Locks[qualifiedName] = result.ResolvedCommit
	e.mu.Unlock()
	return nil
}

func cloneModeFromString(s string) fetchgit.CloneMode {
	switch s {
	case "Blobless":
		return fetchgit.Blobless
	case "Worktree":
		return fetchgit.Worktree
	default:
		return fetchgit.Default
	}
}

func checkoutModeFromString(s string) fetchgit.CheckoutMode {
	if s == "NewBranch" {
		return fetchgit.NewBranch
	}
	return fetchgit.Revision
}

// archiveStoreKey identifies a fully-resolved extraction: the same URL
// fetched with the same checksum and filter/rewrite parameters always
// lands at the same store path, so repeated checkouts (or a second
// workspace) reuse it instead of re-downloading.
func archiveStoreKey(payload registry.ArchivePayload) string {
	h := sha256.New()
	_, _ = io.WriteString(h, payload.URL)
	_, _ = io.WriteString(h, "\x00")
	_, _ = io.WriteString(h, payload.SHA256)
	_, _ = io.WriteString(h, "\x00")
	_, _ = io.WriteString(h, strings.Join(payload.Includes, ","))
	_, _ = io.WriteString(h, "\x00")
	_, _ = io.WriteString(h, strings.Join(payload.Excludes, ","))
	_, _ = io.WriteString(h, "\x00")
	_, _ = io.WriteString(h, payload.StripPrefix)
	_, _ = io.WriteString(h, "\x00")
	_, _ = io.WriteString(h, payload.AddPrefix)
	return hex.EncodeToString(h.Sum(nil))
}

func (e *Executor) execArchive(ctx context.Context, payload registry.ArchivePayload) error {
	key := archiveStoreKey(payload)
	if !e.Store.Exists(key) {
		guard, err := e.Store.Acquire(key)
		if err != nil {
			return err
		}
		defer func() { _ = guard.Release() }()

		if !e.Store.Exists(key) {
			storePath := e.Store.Path(key)
			if err := os.MkdirAll(storePath, 0o755); err != nil {
				return taxonomy.Wrap(taxonomy.KindIoError, "creating archive store entry", err)
			}
			req := fetcharchive.Request{
				URL: payload.URL, SHA256: payload.SHA256,
				Includes: payload.Includes, Excludes: payload.Excludes,
				StripPrefix: payload.StripPrefix, AddPrefix: payload.AddPrefix,
				SniffFormat: true,
			}
			if err := fetcharchive.Fetch(ctx, req, storePath, nil); err != nil {
				return err
			}
			if err := e.Store.MarkComplete(key); err != nil {
				return err
			}
		}
	}

	mode := store.ModeHardlink
	if payload.LinkMode == "Copy" {
		mode = store.ModeCopy
	}
	return installTree(e.Store.Path(key), payload.Destination, mode)
}

func (e *Executor) execPlatformArchive(ctx context.Context, payload registry.PlatformArchivePayload) error {
	triple, err := platform.Current()
	if err != nil {
		return taxonomy.Wrap(taxonomy.KindUnsupportedPlatform, "resolving current platform", err)
	}
	spec, ok := payload.Platforms[triple.String()]
	if !ok {
		return taxonomy.New(taxonomy.KindUnsupportedPlatform,
			fmt.Sprintf("no archive mapped for platform %s", triple))
	}
	spec.Destination = payload.Destination
	if spec.LinkMode == "" {
		spec.LinkMode = "Hardlink"
	}
	return e.execArchive(ctx, spec)
}

// installTree walks srcRoot and installs every regular file at its
// corresponding relative path under destRoot, per mode.
func installTree(srcRoot, destRoot string, mode store.InstallMode) error {
	var paths []string
	err := filepath.WalkDir(srcRoot, func(path string, d os.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if d.IsDir() || d.Name() == ".complete" {
			return nil
		}
		paths = append(paths, path)
		return nil
	})
	if err != nil {
		return taxonomy.Wrap(taxonomy.KindIoError, "walking store entry", err)
	}
	sort.Strings(paths)

	for _, path := range paths {
		rel, err := filepath.Rel(srcRoot, path)
		if err != nil {
			return taxonomy.Wrap(taxonomy.KindIoError, "computing relative install path", err)
		}
		dest := filepath.Join(destRoot, rel)
		if err := store.InstallHardlink(path, dest, mode); err != nil {
			return err
		}
	}
	return nil
}

// execAsset writes content verbatim to destination.
func execAsset(payload registry.AssetPayload) error {
	return atomicWrite(payload.Destination, []byte(payload.Content))
}

// execUpdateAsset reads an existing structured file if present, deep-merges
// payload.Value on top (objects merge, arrays concatenate, scalars from
// the new value win), and writes the result back atomically.
func execUpdateAsset(payload registry.UpdateAssetPayload) error {
	format := structuredfile.Format(payload.Format)
	if format == "" || payload.Format == "auto" {
		format = structuredfile.DetectFormat(payload.Destination)
	}

	var existing any
	data, err := os.ReadFile(payload.Destination) // #nosec G304 -- workspace-resolved destination
	switch {
	case err == nil:
		existing, err = structuredfile.Decode(data, format)
		if err != nil {
			return err
		}
	case os.IsNotExist(err):
		existing = nil
	default:
		return taxonomy.Wrap(taxonomy.KindIoError, "reading existing asset", err)
	}

	merged := structuredfile.Merge(existing, payload.Value)
	out, err := structuredfile.Encode(merged, format)
	if err != nil {
		return err
	}
	return atomicWrite(payload.Destination, out)
}

// execHardLinkAsset hardlinks source to destination, falling back to a
// byte copy across filesystem boundaries.
func execHardLinkAsset(payload registry.HardLinkAssetPayload) error {
	if _, err := os.Stat(payload.Source); err != nil {
		return taxonomy.Wrap(taxonomy.KindIoError, "hard_link_asset source missing: "+payload.Source, err)
	}
	return store.InstallHardlink(payload.Source, payload.Destination, store.ModeHardlink)
}

// execWhichAsset resolves an executable via PATH and hardlinks it to
// destination, failing if it cannot be found.
func execWhichAsset(payload registry.WhichAssetPayload) error {
	resolved, err := exec.LookPath(payload.Which)
	if err != nil {
		return taxonomy.Wrap(taxonomy.KindIoError, "which_asset: "+payload.Which+" not found on PATH", err)
	}
	return store.InstallHardlink(resolved, payload.Destination, store.ModeHardlink)
}

// execUpdateEnv appends vars and PATH entries to the shared checkout-phase
// environment, in declaration order. The environment is single-writer
// per spec.md §5 ("mutable only during checkout"), but multiple
// UpdateEnv rules across the worker pool still race on it, so callers
// share one Executor per checkout run and this method is the only
// mutator.
func (e *Executor) execUpdateEnv(payload registry.UpdateEnvPayload) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	names := make([]string, 0, len(payload.Vars))
	for name := range payload.Vars {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if err := e.Env.Set(name, payload.Vars[name]); err != nil {
			return taxonomy.Wrap(taxonomy.KindIoError, "update_env", err)
		}
	}
	for _, entry := range payload.PathPrepends {
		if err := e.Env.PrependPath(entry); err != nil {
			return taxonomy.Wrap(taxonomy.KindIoError, "update_env path_prepends", err)
		}
	}
	return nil
}

// cargoBinStoreKey identifies a built-and-installed crate: the same
// crate/version/bin selection always installs to the same store path.
func cargoBinStoreKey(payload registry.CargoBinPayload) string {
	h := sha256.New()
	_, _ = io.WriteString(h, payload.Crate)
	_, _ = io.WriteString(h, "\x00")
	_, _ = io.WriteString(h, payload.Version)
	_, _ = io.WriteString(h, "\x00")
	_, _ = io.WriteString(h, strings.Join(payload.Bins, ","))
	return hex.EncodeToString(h.Sum(nil))
}

// execCargoBin builds a crate's binaries via `cargo install` into the
// content store (shelling out to the system cargo, the same way
// fetchgit shells out to the system git), then hardlinks the requested
// bins into the workspace destination.
func (e *Executor) execCargoBin(ctx context.Context, payload registry.CargoBinPayload) error {
	key := cargoBinStoreKey(payload)
	if !e.Store.Exists(key) {
		guard, err := e.Store.Acquire(key)
		if err != nil {
			return err
		}
		defer func() { _ = guard.Release() }()

		if !e.Store.Exists(key) {
			storePath := e.Store.Path(key)
			if err := os.MkdirAll(storePath, 0o755); err != nil {
				return taxonomy.Wrap(taxonomy.KindIoError, "creating cargo_bin store entry", err)
			}
			args := []string{"install", "--root", storePath, payload.Crate}
			if payload.Version != "" {
				args = append(args, "--version", payload.Version)
			}
			for _, bin := range payload.Bins {
				args = append(args, "--bin", bin)
			}
			cmd := exec.CommandContext(ctx, "cargo", args...)
			if out, err := cmd.CombinedOutput(); err != nil {
				return taxonomy.Wrap(taxonomy.KindProcessFailure,
					"cargo install "+payload.Crate+" failed: "+string(out), err)
			}
			if err := e.Store.MarkComplete(key); err != nil {
				return err
			}
		}
	}

	binDir := filepath.Join(e.Store.Path(key), "bin")
	entries, err := os.ReadDir(binDir)
	if err != nil {
		return taxonomy.Wrap(taxonomy.KindIoError, "reading cargo install bin directory", err)
	}
	wanted := make(map[string]bool, len(payload.Bins))
	for _, b := range payload.Bins {
		wanted[b] = true
	}
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		if len(wanted) > 0 && !wanted[entry.Name()] {
			continue
		}
		src := filepath.Join(binDir, entry.Name())
		dest := filepath.Join(payload.Destination, entry.Name())
		if err := store.InstallHardlink(src, dest, store.ModeHardlink); err != nil {
			return err
		}
	}
	return nil
}

// atomicWrite writes data to dest via a temp file + rename, so concurrent
// readers (or a crash mid-write) never observe a partial file.
func atomicWrite(dest string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return taxonomy.Wrap(taxonomy.KindIoError, "creating destination directory", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(dest), ".spaces-write-*")
	if err != nil {
		return taxonomy.Wrap(taxonomy.KindIoError, "creating temp file", err)
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
		return taxonomy.Wrap(taxonomy.KindIoError, "writing temp file", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return taxonomy.Wrap(taxonomy.KindIoError, "closing temp file", err)
	}
	if err := os.Rename(tmpPath, dest); err != nil {
		_ = os.Remove(tmpPath)
		return taxonomy.Wrap(taxonomy.KindIoError, "renaming into place", err)
	}
	return nil
}
