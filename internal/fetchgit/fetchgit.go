// Package fetchgit materializes git repository checkout rules into the
// content store and into a workspace path, by shelling out to the system
// git binary with a hardened, allow-listed environment.
package fetchgit

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/Masterminds/semver/v3"

	"github.com/spacesbuild/spaces/internal/store"
	"github.com/spacesbuild/spaces/internal/taxonomy"
)

// CloneMode selects how much history/content the fetcher pulls.
type CloneMode int

const (
	// Default does a full clone.
	Default CloneMode = iota
	// Blobless clones with --filter=blob:none.
	Blobless
	// Worktree caches a bare clone in the store and adds a per-workspace
	// worktree on top of it.
	Worktree
)

// CheckoutMode selects what the working tree is left at.
type CheckoutMode int

const (
	// Revision checks out detached at the resolved commit.
	Revision CheckoutMode = iota
	// NewBranch creates (if absent) a local branch at the resolved commit
	// and checks it out.
	NewBranch
)

// Request describes one checkout.repo rule's payload.
type Request struct {
	Name          string // qualified rule name, used for the lock table
	URL           string
	Rev           string // branch, tag, or commit
	Clone         CloneMode
	Checkout      CheckoutMode
	BranchName    string // used only when Checkout == NewBranch
	WorkspacePath string // destination working tree inside the workspace

	// LockedCommit, if non-empty, is the commit previously recorded in
	// workspace settings locks[Name]; when set and it matches Rev (as a
	// semver constraint or literal), it is used instead of re-resolving.
	LockedCommit string
}

// Result reports what the fetcher resolved Rev to, for recording into
// workspace settings locks[Name].
type Result struct {
	ResolvedCommit string
}

// Key returns the content-store key for req, per spec.md §4.2:
// sha256(url + "#" + rev + mode).
func Key(url, rev string, mode CloneMode) string {
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s#%s%d", url, rev, mode)))
	return hex.EncodeToString(sum[:])
}

// Fetcher materializes repo checkouts into a content store.
type Fetcher struct {
	Store *store.Store
}

// New returns a Fetcher backed by s.
func New(s *store.Store) *Fetcher {
	return &Fetcher{Store: s}
}

// Checkout ensures the store holds a clone for req, resolves req.Rev to a
// commit, and positions req.WorkspacePath at that commit per req.Checkout.
func (f *Fetcher) Checkout(ctx context.Context, req Request) (Result, error) {
	rev := req.Rev
	if req.LockedCommit != "" && lockMatches(req.LockedCommit, rev) {
		rev = req.LockedCommit
	}

	key := Key(req.URL, rev, req.Clone)
	storePath := f.Store.Path(key)

	if !f.Store.Exists(key) {
		guard, err := f.Store.Acquire(key)
		if err != nil {
			return Result{}, err
		}
		defer func() { _ = guard.Release() }()

		if !f.Store.Exists(key) {
			if err := materialize(ctx, req.URL, rev, req.Clone, storePath); err != nil {
				return Result{}, err
			}
			if err := f.Store.MarkComplete(key); err != nil {
				return Result{}, err
			}
		}
	}

	resolved, err := resolveCommit(ctx, storePath, rev)
	if err != nil {
		return Result{}, err
	}

	if err := positionWorkingTree(ctx, req, storePath, resolved); err != nil {
		return Result{}, err
	}

	return Result{ResolvedCommit: resolved}, nil
}

// lockMatches reports whether lockedCommit is still a valid resolution for
// rev: either rev is already that literal commit, or rev parses as a
// semver constraint. In the constraint case the lock is trusted as-is:
// the locked commit's tag is not checked against the constraint. Plain
// branch names, which do not parse as constraints, are re-resolved on
// every checkout.
func lockMatches(lockedCommit, rev string) bool {
	if lockedCommit == rev {
		return true
	}
	if _, err := semver.NewConstraint(rev); err == nil {
		return true // constraint form: trust the previously resolved lock
	}
	return false
}

func materialize(ctx context.Context, url, rev string, mode CloneMode, dest string) error {
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return taxonomy.Wrap(taxonomy.KindIoError, "creating store directory for clone", err)
	}
	tmp := dest + ".tmp"
	_ = os.RemoveAll(tmp)

	args := []string{"clone"}
	switch mode {
	case Blobless:
		args = append(args, "--filter=blob:none")
	case Worktree:
		args = append(args, "--bare")
	}
	args = append(args, url, tmp)

	if err := runGit(ctx, "", args...); err != nil {
		_ = os.RemoveAll(tmp)
		return taxonomy.Wrap(taxonomy.KindNetworkFailure, "cloning "+url, err)
	}

	if err := os.Rename(tmp, dest); err != nil {
		return taxonomy.Wrap(taxonomy.KindIoError, "renaming clone into store", err)
	}
	return nil
}

// resolveCommit fetches rev and returns the commit it resolves to,
// deterministically, per spec.md §4.2 ("fetch → rev-parse").
func resolveCommit(ctx context.Context, repoDir, rev string) (string, error) {
	if err := runGit(ctx, repoDir, "fetch", "--quiet", "origin", rev); err != nil {
		return "", taxonomy.Wrap(taxonomy.KindNetworkFailure, "fetching "+rev, err)
	}
	out, err := runGitOutput(ctx, repoDir, "rev-parse", "FETCH_HEAD")
	if err != nil {
		return "", taxonomy.Wrap(taxonomy.KindNetworkFailure, "resolving "+rev, err)
	}
	return strings.TrimSpace(out), nil
}

func positionWorkingTree(ctx context.Context, req Request, storePath, commit string) error {
	if err := os.MkdirAll(filepath.Dir(req.WorkspacePath), 0o755); err != nil {
		return taxonomy.Wrap(taxonomy.KindIoError, "creating workspace parent", err)
	}

	if req.Clone == Worktree {
		if err := addWorktree(ctx, storePath, req.WorkspacePath, commit); err != nil {
			return err
		}
	} else if _, err := os.Stat(req.WorkspacePath); err != nil {
		if err := runGit(ctx, "", "clone", storePath, req.WorkspacePath); err != nil {
			return taxonomy.Wrap(taxonomy.KindIoError, "cloning store entry into workspace", err)
		}
	}

	switch req.Checkout {
	case NewBranch:
		name := req.BranchName
		if name == "" {
			name = req.Name
		}
		if err := runGit(ctx, req.WorkspacePath, "checkout", "-B", name, commit); err != nil {
			return taxonomy.Wrap(taxonomy.KindIoError, "creating branch "+name, err)
		}
	default: // Revision
		if err := runGit(ctx, req.WorkspacePath, "-c", "core.hooksPath=/dev/null", "checkout", "--detach", commit); err != nil {
			return taxonomy.Wrap(taxonomy.KindIoError, "checking out "+commit, err)
		}
	}
	return nil
}

func addWorktree(ctx context.Context, bareRepo, worktreePath, commit string) error {
	if _, err := os.Stat(worktreePath); err == nil {
		return nil // already positioned
	}
	if err := runGit(ctx, bareRepo, "-c", "core.hooksPath=/dev/null", "worktree", "add", "-d", worktreePath, commit); err != nil {
		return taxonomy.Wrap(taxonomy.KindIoError, "adding worktree", err)
	}
	return nil
}

func runGit(ctx context.Context, dir string, args ...string) error {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = dir
	cmd.Env = safeGitEnv()
	out, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("git %s failed: %w (output: %s)", strings.Join(args, " "), err, string(out))
	}
	return nil
}

func runGitOutput(ctx context.Context, dir string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = dir
	cmd.Env = safeGitEnv()
	out, err := cmd.Output()
	if err != nil {
		return "", fmt.Errorf("git %s failed: %w", strings.Join(args, " "), err)
	}
	return string(out), nil
}

// safeGitEnv builds a minimal, allow-listed environment for invoking git:
// only essential system variables are forwarded, no GIT_* variables are
// inherited from the parent process, and a set of hardening overrides is
// appended to disable credential prompts and ignore ambient git config.
func safeGitEnv() []string {
	essentialVars := []string{
		"PATH", "HOME", "USER", "TMPDIR", "TEMP", "TMP",
		"LANG", "LC_ALL", "LC_CTYPE", "SHELL", "TERM",
	}

	env := make([]string, 0, len(essentialVars)+8)
	for _, key := range essentialVars {
		if value, ok := os.LookupEnv(key); ok {
			env = append(env, key+"="+value)
		}
	}

	env = append(env,
		"GIT_CONFIG_NOSYSTEM=1",
		"GIT_CONFIG_NOGLOBAL=1",
		"GIT_TERMINAL_PROMPT=0",
		"GIT_SSH_COMMAND=ssh -o BatchMode=yes -o StrictHostKeyChecking=accept-new",
		"GIT_ASKPASS=/bin/true",
		"GIT_EDITOR=/bin/true",
		"GIT_PAGER=cat",
		"GIT_ATTR_NOSYSTEM=1",
	)
	return env
}
