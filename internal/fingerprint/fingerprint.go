// Package fingerprint computes the input-fingerprint used to decide
// whether a rule with an inputs list can be skipped: a rule-definition
// digest combined with content digests of every file its include/exclude
// globs currently match.
package fingerprint

import (
	"crypto/sha256"
	"encoding/hex"
	"io"
	"io/fs"
	"os"
	"sort"
	"strings"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/spacesbuild/spaces/internal/taxonomy"
)

// RunOncePlaceholder is the constant fingerprint stored the first time a
// rule with an empty (non-nil) inputs list runs, per spec.md §4.7
// ("inputs = [] ... runs exactly once per workspace lifetime").
const RunOncePlaceholder = "run-once"

// DefinitionDigest hashes everything that identifies a rule's behavior:
// its kind, a caller-serialized payload representation, and the digests
// of its dependencies (a topological hash, so an upstream rule's change
// invalidates downstream fingerprints transitively).
func DefinitionDigest(kind string, payloadRepr string, depDigests []string) string {
	h := sha256.New()
	_, _ = io.WriteString(h, kind)
	_, _ = io.WriteString(h, "\x00")
	_, _ = io.WriteString(h, payloadRepr)
	for _, d := range depDigests {
		_, _ = io.WriteString(h, "\x00")
		_, _ = io.WriteString(h, d)
	}
	return hex.EncodeToString(h.Sum(nil))
}

// Compute resolves inputs (a +pattern/-pattern list, later entries
// overriding earlier ones per matched file, per spec.md §4.7) against
// root, hashes each matched file's content, and combines that with
// definitionDigest to produce the rule's fingerprint.
//
// inputs == nil is not a valid call here: callers must special-case a nil
// inputs list as "always run" before reaching this function. An empty,
// non-nil inputs list resolves to zero matched files and therefore a
// fingerprint that only reflects definitionDigest; callers wanting
// run-once semantics should use RunOncePlaceholder instead of calling
// Compute for that case.
func Compute(root string, inputs []string, definitionDigest string) (string, error) {
	files, err := matchFiles(root, inputs)
	if err != nil {
		return "", err
	}

	h := sha256.New()
	_, _ = io.WriteString(h, definitionDigest)
	for _, f := range files {
		_, _ = io.WriteString(h, "\x00")
		_, _ = io.WriteString(h, f.path)
		_, _ = io.WriteString(h, "\x00")
		_, _ = io.WriteString(h, f.digest)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

type matchedFile struct {
	path   string
	digest string
}

// matchFiles expands inputs against root and returns the matched files
// sorted by path, each with its content digest. Patterns are applied in
// declaration order: a later "-pattern" removes files a previous
// "+pattern" added, and vice versa. A pattern that matches no files
// (because the file was removed, say) contributes nothing — not an
// error, per spec.md §4.7.
func matchFiles(root string, inputs []string) ([]matchedFile, error) {
	fsys := os.DirFS(root)
	set := make(map[string]bool)

	for _, pattern := range inputs {
		if pattern == "" {
			continue
		}
		exclude := false
		glob := pattern
		switch pattern[0] {
		case '+':
			glob = pattern[1:]
		case '-':
			exclude = true
			glob = pattern[1:]
		}

		matches, err := doublestar.Glob(fsys, glob)
		if err != nil {
			return nil, taxonomy.Wrap(taxonomy.KindIoError, "expanding input pattern "+pattern, err)
		}
		for _, m := range matches {
			if exclude {
				delete(set, m)
			} else {
				set[m] = true
			}
		}
	}

	paths := make([]string, 0, len(set))
	for p := range set {
		paths = append(paths, p)
	}
	sort.Strings(paths)

	out := make([]matchedFile, 0, len(paths))
	for _, p := range paths {
		digest, err := digestFile(fsys, p)
		if err != nil {
			if os.IsNotExist(err) {
				continue // missing file silently contributes nothing
			}
			return nil, err
		}
		out = append(out, matchedFile{path: p, digest: digest})
	}
	return out, nil
}

func digestFile(fsys fs.FS, path string) (string, error) {
	f, err := fsys.Open(path)
	if err != nil {
		return "", err
	}
	defer func() { _ = f.Close() }()

	info, err := f.Stat()
	if err != nil {
		return "", err
	}
	if info.IsDir() {
		return "", nil
	}

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", taxonomy.Wrap(taxonomy.KindIoError, "hashing "+path, err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// ComputeFileHash hashes a single file by absolute or relative-to-cwd
// path, for callers (hash.compute_sha256_from_file) that need a digest
// outside the glob-matching path.
func ComputeFileHash(path string) (string, error) {
	f, err := os.Open(path) // #nosec G304 -- caller-controlled path, matches script fs.* contract
	if err != nil {
		return "", taxonomy.Wrap(taxonomy.KindIoError, "opening file to hash", err)
	}
	defer func() { _ = f.Close() }()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", taxonomy.Wrap(taxonomy.KindIoError, "hashing file", err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// ComputeStringHash hashes s directly, for hash.compute_sha256_from_string.
func ComputeStringHash(s string) string {
	h := sha256.Sum256([]byte(s))
	return hex.EncodeToString(h[:])
}

// Cache is the persisted map of qualified rule name -> last-successful
// fingerprint, stored in workspace settings (settings.json's
// input_fingerprints field).
type Cache map[string]string

// ShouldSkip reports whether a rule at fingerprint newFP can be skipped,
// given the cache's last recorded value for qualifiedName.
func (c Cache) ShouldSkip(qualifiedName, newFP string) bool {
	prev, ok := c[qualifiedName]
	return ok && prev == newFP && strings.TrimSpace(newFP) != ""
}

// Record stores newFP as the last-successful fingerprint for qualifiedName.
func (c Cache) Record(qualifiedName, newFP string) {
	c[qualifiedName] = newFP
}
