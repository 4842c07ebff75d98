// Package store implements the content-addressed on-disk store: a
// directory of immutable, sha256-keyed entries, protected against
// concurrent producers by a cross-process advisory file lock.
package store

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/nightlyone/lockfile"

	"github.com/spacesbuild/spaces/internal/retry"
	"github.com/spacesbuild/spaces/internal/taxonomy"
)

const (
	completeSentinel = ".complete"

	lockRetryAttempts = 3
	lockRetryDelay    = 100 * time.Millisecond
)

// Store is a content-addressed directory rooted at Root. Each key's
// content lives at Root/<key>, with Root/<key>.lock as its advisory lock
// file and Root/<key>/.complete marking successful materialization.
type Store struct {
	Root string
}

// New returns a Store rooted at root, creating the directory if needed.
func New(root string) (*Store, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, taxonomy.Wrap(taxonomy.KindIoError, "creating store root", err)
	}
	return &Store{Root: root}, nil
}

// Path returns the on-disk path for key. The path may not yet exist.
func (s *Store) Path(key string) string {
	return filepath.Join(s.Root, key)
}

// Exists reports whether key has been fully materialized (its .complete
// sentinel is present). A path that exists but lacks .complete means a
// prior materialization was interrupted and must be redone.
func (s *Store) Exists(key string) bool {
	_, err := os.Stat(filepath.Join(s.Path(key), completeSentinel))
	return err == nil
}

// MarkComplete writes the .complete sentinel for key. Callers must rename
// their materialized content into place before calling this, and must call
// it last so readers never observe content without the sentinel.
func (s *Store) MarkComplete(key string) error {
	p := filepath.Join(s.Path(key), completeSentinel)
	f, err := os.Create(p) // #nosec G304 -- key is a store-computed content hash
	if err != nil {
		return taxonomy.Wrap(taxonomy.KindIoError, "marking store entry complete", err)
	}
	return f.Close()
}

// LockGuard wraps an acquired cross-process lock. Release must be called to
// drop it; on process crash the OS reclaims the lock file itself, so there
// is no durable way to leave a key permanently stuck.
type LockGuard struct {
	lock lockfile.Lockfile
	path string
}

// Release drops the lock. Errors are non-fatal since the lock is advisory
// and best-effort; the deferred releases in this module discard them.
func (g *LockGuard) Release() error {
	if err := g.lock.Unlock(); err != nil {
		if err == lockfile.ErrRogueDeletion {
			return taxonomy.Wrap(taxonomy.KindIoError, "store lock was unexpectedly deleted: "+g.path, err)
		}
		return taxonomy.Wrap(taxonomy.KindIoError, "releasing store lock: "+g.path, err)
	}
	return nil
}

// Acquire blocks (with periodic retry) until the exclusive lock for key is
// granted, or returns StoreBusy once the retry budget is exhausted.
func (s *Store) Acquire(key string) (*LockGuard, error) {
	lockPath := s.Path(key) + ".lock"
	if err := os.MkdirAll(filepath.Dir(lockPath), 0o755); err != nil {
		return nil, taxonomy.Wrap(taxonomy.KindIoError, "creating store directory", err)
	}

	lock, err := lockfile.New(lockPath)
	if err != nil {
		return nil, taxonomy.Wrap(taxonomy.KindIoError, "constructing store lock", err)
	}

	retryErr := retry.Do(context.Background(), func(_ context.Context) error {
		return tryLockWithRetry(lock)
	}, retry.WithMaxAttempts(30), retry.WithInitialDelay(200*time.Millisecond), retry.WithMaxDelay(2*time.Second))
	if retryErr != nil {
		return nil, taxonomy.Wrap(taxonomy.KindStoreBusy, "acquiring store lock for "+key, retryErr)
	}

	return &LockGuard{lock: lock, path: lockPath}, nil
}

// tryLockWithRetry attempts to acquire lock with small bounded retries on
// transient errors (file briefly missing during another process' create),
// distinguishing ErrBusy (genuinely held elsewhere, don't spin locally)
// from transient conditions.
func tryLockWithRetry(lock lockfile.Lockfile) error {
	var lastErr error
	for range lockRetryAttempts {
		lastErr = lock.TryLock()
		if lastErr == nil {
			return nil
		}
		if te, ok := lastErr.(interface{ Temporary() bool }); ok && te.Temporary() {
			if lastErr == lockfile.ErrBusy {
				return lastErr
			}
			time.Sleep(lockRetryDelay)
			continue
		}
		return lastErr
	}
	return lastErr
}

// InstallMode controls how content is copied from the store into a
// workspace destination.
type InstallMode int

const (
	// ModeHardlink hardlinks, falling back to a full copy when the
	// hardlink fails for any reason (typically cross-device, EXDEV).
	ModeHardlink InstallMode = iota
	// ModeCopy always copies, never hardlinks.
	ModeCopy
)

// InstallHardlink hardlinks srcInsideStore into dstInWorkspace, creating
// intermediate directories, falling back to a byte copy when the hardlink
// fails (typically because src and dst are on different filesystems).
func InstallHardlink(srcInsideStore, dstInWorkspace string, mode InstallMode) error {
	if err := os.MkdirAll(filepath.Dir(dstInWorkspace), 0o755); err != nil {
		return taxonomy.Wrap(taxonomy.KindIoError, "creating destination directory", err)
	}
	_ = os.Remove(dstInWorkspace) // idempotent re-install

	if mode == ModeHardlink {
		if err := os.Link(srcInsideStore, dstInWorkspace); err == nil {
			return nil
		}
		// fall through to copy on any hardlink failure (cross-device, etc.)
	}
	return copyFile(srcInsideStore, dstInWorkspace)
}

func copyFile(src, dst string) error {
	in, err := os.Open(src) // #nosec G304 -- src is a store-resolved path
	if err != nil {
		return taxonomy.Wrap(taxonomy.KindIoError, "opening store source", err)
	}
	defer func() { _ = in.Close() }()

	info, err := in.Stat()
	if err != nil {
		return taxonomy.Wrap(taxonomy.KindIoError, "statting store source", err)
	}

	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, info.Mode())
	if err != nil {
		return taxonomy.Wrap(taxonomy.KindIoError, "creating destination file", err)
	}
	defer func() { _ = out.Close() }()

	if _, err := io.Copy(out, in); err != nil {
		return taxonomy.Wrap(taxonomy.KindIoError, "copying into workspace", err)
	}
	return nil
}
