// Package fetcharchive downloads HTTP archives, verifies their checksum,
// and extracts them into the content store with optional glob-based
// filtering and path rewriting.
package fetcharchive

import (
	"archive/tar"
	"archive/zip"
	"compress/bzip2"
	"compress/gzip"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/spacesbuild/spaces/internal/taxonomy"
)

// maxDownloadSize bounds a single archive download; generous for the
// largest platform toolchains this is expected to fetch.
const maxDownloadSize = 2 * 1024 * 1024 * 1024 // 2 GiB

// maxExtractedEntrySize bounds any single extracted file, as defense
// against a crafted archive expanding one entry without bound.
const maxExtractedEntrySize = 2 * 1024 * 1024 * 1024

// Format identifies the archive container, auto-detected from content
// unless the caller already knows it.
type Format int

const (
	FormatZip Format = iota
	FormatTar
	FormatTarGz
	FormatTarBz2
	FormatTarXz
	FormatRaw // a single uncompressed file, installed as-is
)

// Request describes one checkout.add_archive / checkout.add_platform_archive payload.
type Request struct {
	URL          string
	SHA256       string // expected hex digest; verified before extraction
	Includes     []string
	Excludes     []string
	StripPrefix  string
	AddPrefix    string
	Format       Format // zero value FormatZip is fine when sniffing is used
	SniffFormat  bool
}

// ProgressFunc is invoked periodically during download.
type ProgressFunc func(downloaded, total int64)

// Fetch downloads req.URL, verifies its checksum, and extracts matching
// entries into destDir. Returns ChecksumMismatch without extracting
// anything if the digest does not match.
func Fetch(ctx context.Context, req Request, destDir string, onProgress ProgressFunc) error {
	tmp, err := os.CreateTemp("", "spaces-archive-*")
	if err != nil {
		return taxonomy.Wrap(taxonomy.KindIoError, "creating download temp file", err)
	}
	tmpPath := tmp.Name()
	_ = tmp.Close()
	defer func() { _ = os.Remove(tmpPath) }()

	actual, err := download(ctx, req.URL, tmpPath, onProgress)
	if err != nil {
		return err
	}

	if req.SHA256 != "" && !strings.EqualFold(actual, req.SHA256) {
		return taxonomy.New(taxonomy.KindChecksumMismatch,
			fmt.Sprintf("expected=%s actual=%s", req.SHA256, actual))
	}

	format := req.Format
	if req.SniffFormat {
		format, err = sniff(tmpPath)
		if err != nil {
			return err
		}
	}

	return extract(tmpPath, format, destDir, req)
}

func download(ctx context.Context, url, destPath string, onProgress ProgressFunc) (sha256Hex string, err error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, url, http.NoBody)
	if err != nil {
		return "", taxonomy.Wrap(taxonomy.KindNetworkFailure, "building request", err)
	}

	resp, err := http.DefaultClient.Do(httpReq)
	if err != nil {
		return "", taxonomy.Wrap(taxonomy.KindNetworkFailure, "downloading "+url, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return "", taxonomy.New(taxonomy.KindNetworkFailure, fmt.Sprintf("HTTP %d fetching %s", resp.StatusCode, url))
	}

	out, err := os.Create(destPath) // #nosec G304 -- destPath is our own temp file
	if err != nil {
		return "", taxonomy.Wrap(taxonomy.KindIoError, "creating download file", err)
	}
	defer func() { _ = out.Close() }()

	hasher := sha256.New()
	limited := io.LimitReader(resp.Body, maxDownloadSize+1)

	var reader io.Reader = io.TeeReader(limited, hasher)
	if onProgress != nil {
		reader = &progressReader{reader: reader, total: resp.ContentLength, onProgress: onProgress}
	}

	written, err := io.Copy(out, reader)
	if err != nil {
		return "", taxonomy.Wrap(taxonomy.KindNetworkFailure, "writing download", err)
	}
	if written > maxDownloadSize {
		return "", taxonomy.New(taxonomy.KindNetworkFailure, fmt.Sprintf("download exceeds maximum size of %d bytes", maxDownloadSize))
	}

	return hex.EncodeToString(hasher.Sum(nil)), nil
}

type progressReader struct {
	reader     io.Reader
	downloaded int64
	total      int64
	onProgress ProgressFunc
}

func (pr *progressReader) Read(p []byte) (int, error) {
	n, err := pr.reader.Read(p)
	pr.downloaded += int64(n)
	if pr.onProgress != nil {
		pr.onProgress(pr.downloaded, pr.total)
	}
	return n, err
}

// sniff detects the archive format by magic bytes / extension-independent
// content inspection, since URLs don't reliably carry a real extension.
func sniff(path string) (Format, error) {
	f, err := os.Open(path) // #nosec G304 -- path is our own temp file
	if err != nil {
		return 0, taxonomy.Wrap(taxonomy.KindIoError, "opening archive for sniffing", err)
	}
	defer func() { _ = f.Close() }()

	magic := make([]byte, 6)
	n, _ := io.ReadFull(f, magic)
	magic = magic[:n]

	switch {
	case len(magic) >= 4 && magic[0] == 'P' && magic[1] == 'K':
		return FormatZip, nil
	case len(magic) >= 2 && magic[0] == 0x1f && magic[1] == 0x8b:
		return FormatTarGz, nil
	case len(magic) >= 3 && magic[0] == 'B' && magic[1] == 'Z' && magic[2] == 'h':
		return FormatTarBz2, nil
	case len(magic) >= 6 && magic[0] == 0xfd && string(magic[1:6]) == "7zXZ\x00":
		return FormatTarXz, nil
	}

	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return 0, taxonomy.Wrap(taxonomy.KindIoError, "seeking archive", err)
	}
	tr := tar.NewReader(f)
	if _, err := tr.Next(); err == nil {
		return FormatTar, nil
	}

	return FormatRaw, nil
}

func extract(archivePath string, format Format, destDir string, req Request) error {
	if err := os.MkdirAll(destDir, 0o755); err != nil {
		return taxonomy.Wrap(taxonomy.KindIoError, "creating extraction directory", err)
	}

	switch format {
	case FormatZip:
		return extractZip(archivePath, destDir, req)
	case FormatTar:
		f, err := os.Open(archivePath) // #nosec G304
		if err != nil {
			return taxonomy.Wrap(taxonomy.KindIoError, "opening tar", err)
		}
		defer func() { _ = f.Close() }()
		return extractTar(tar.NewReader(f), destDir, req)
	case FormatTarGz:
		f, err := os.Open(archivePath) // #nosec G304
		if err != nil {
			return taxonomy.Wrap(taxonomy.KindIoError, "opening tar.gz", err)
		}
		defer func() { _ = f.Close() }()
		gz, err := gzip.NewReader(f)
		if err != nil {
			return taxonomy.Wrap(taxonomy.KindIoError, "opening gzip stream", err)
		}
		defer func() { _ = gz.Close() }()
		return extractTar(tar.NewReader(gz), destDir, req)
	case FormatTarBz2:
		f, err := os.Open(archivePath) // #nosec G304
		if err != nil {
			return taxonomy.Wrap(taxonomy.KindIoError, "opening tar.bz2", err)
		}
		defer func() { _ = f.Close() }()
		return extractTar(tar.NewReader(bzip2.NewReader(f)), destDir, req)
	case FormatTarXz:
		return extractTarXz(archivePath, destDir, req)
	case FormatRaw:
		return installRaw(archivePath, destDir, req)
	default:
		return taxonomy.New(taxonomy.KindIoError, "unknown archive format")
	}
}

// extractTarXz decompresses a .tar.xz by shelling out to the system xz
// binary, the same way the fetchgit package shells out to the system git
// rather than vendoring a pure-Go implementation; no xz-decoding library
// appears anywhere in the example pack.
func extractTarXz(archivePath, destDir string, req Request) error {
	f, err := os.Open(archivePath) // #nosec G304
	if err != nil {
		return taxonomy.Wrap(taxonomy.KindIoError, "opening tar.xz", err)
	}
	defer func() { _ = f.Close() }()

	cmd := exec.CommandContext(context.Background(), "xz", "-dc")
	cmd.Stdin = f
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return taxonomy.Wrap(taxonomy.KindIoError, "opening xz pipe", err)
	}
	var stderr strings.Builder
	cmd.Stderr = &stderr

	if err := cmd.Start(); err != nil {
		return taxonomy.Wrap(taxonomy.KindIoError, "starting xz", err)
	}
	extractErr := extractTar(tar.NewReader(stdout), destDir, req)
	waitErr := cmd.Wait()
	if waitErr != nil {
		return taxonomy.Wrap(taxonomy.KindIoError, "xz -dc failed: "+stderr.String(), waitErr)
	}
	return extractErr
}

func extractTar(tr *tar.Reader, destDir string, req Request) error {
	for {
		header, err := tr.Next()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return taxonomy.Wrap(taxonomy.KindIoError, "reading tar entry", err)
		}
		if header.Typeflag != tar.TypeReg {
			continue
		}

		rel, ok := rewritePath(header.Name, req)
		if !ok {
			continue
		}

		limited := io.LimitReader(tr, maxExtractedEntrySize+1)
		if err := writeEntry(limited, filepath.Join(destDir, rel), header.FileInfo().Mode()); err != nil {
			return err
		}
	}
}

func extractZip(archivePath, destDir string, req Request) error {
	zr, err := zip.OpenReader(archivePath)
	if err != nil {
		return taxonomy.Wrap(taxonomy.KindIoError, "opening zip", err)
	}
	defer func() { _ = zr.Close() }()

	for _, file := range zr.File {
		if file.FileInfo().IsDir() {
			continue
		}
		rel, ok := rewritePath(file.Name, req)
		if !ok {
			continue
		}

		rc, err := file.Open()
		if err != nil {
			return taxonomy.Wrap(taxonomy.KindIoError, "opening zip entry", err)
		}
		limited := io.LimitReader(rc, maxExtractedEntrySize+1)
		err = writeEntry(limited, filepath.Join(destDir, rel), file.Mode())
		_ = rc.Close()
		if err != nil {
			return err
		}
	}
	return nil
}

func installRaw(archivePath, destDir string, req Request) error {
	name := filepath.Base(req.URL)
	if req.AddPrefix != "" {
		name = filepath.Join(req.AddPrefix, name)
	}
	f, err := os.Open(archivePath) // #nosec G304
	if err != nil {
		return taxonomy.Wrap(taxonomy.KindIoError, "opening raw download", err)
	}
	defer func() { _ = f.Close() }()
	return writeEntry(f, filepath.Join(destDir, name), 0o644)
}

// rewritePath applies strip_prefix/add_prefix and include/exclude glob
// filters to an archive entry's recorded path. Returns ok=false when the
// entry should be skipped entirely.
func rewritePath(name string, req Request) (string, bool) {
	name = filepath.ToSlash(name)

	if req.StripPrefix != "" {
		prefix := strings.TrimSuffix(filepath.ToSlash(req.StripPrefix), "/") + "/"
		if !strings.HasPrefix(name, prefix) {
			return "", false
		}
		name = strings.TrimPrefix(name, prefix)
	}

	if len(req.Includes) > 0 {
		matched := false
		for _, pattern := range req.Includes {
			if ok, _ := doublestar.Match(pattern, name); ok {
				matched = true
				break
			}
		}
		if !matched {
			return "", false
		}
	}
	for _, pattern := range req.Excludes {
		if ok, _ := doublestar.Match(pattern, name); ok {
			return "", false
		}
	}

	if req.AddPrefix != "" {
		name = filepath.ToSlash(filepath.Join(req.AddPrefix, name))
	}
	return filepath.FromSlash(name), true
}

func writeEntry(r io.Reader, dest string, mode os.FileMode) error {
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return taxonomy.Wrap(taxonomy.KindIoError, "creating extraction subdirectory", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(dest), ".spaces-extract-*")
	if err != nil {
		return taxonomy.Wrap(taxonomy.KindIoError, "creating extraction temp file", err)
	}
	tmpPath := tmp.Name()

	written, err := io.Copy(tmp, r)
	if err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
		return taxonomy.Wrap(taxonomy.KindIoError, "writing extracted entry", err)
	}
	if written > maxExtractedEntrySize {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
		return taxonomy.New(taxonomy.KindIoError, "extracted entry exceeds maximum size")
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return taxonomy.Wrap(taxonomy.KindIoError, "closing extracted entry", err)
	}
	if mode&0o111 != 0 {
		_ = os.Chmod(tmpPath, mode|0o755)
	}
	if err := os.Rename(tmpPath, dest); err != nil {
		_ = os.Remove(tmpPath)
		return taxonomy.Wrap(taxonomy.KindIoError, "renaming extracted entry into place", err)
	}
	return nil
}
