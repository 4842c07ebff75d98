package runexec

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spacesbuild/spaces/internal/taxonomy"
)

func TestRunExpectSuccessOnZeroExit(t *testing.T) {
	dir := t.TempDir()
	result, err := Run(context.Background(), Request{
		Command: "true",
		Expect:  ExpectSuccess,
		LogPath: filepath.Join(dir, "logs", "ok.log"),
	})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if !result.Outcome {
		t.Errorf("Outcome = false, want true")
	}
}

func TestRunExpectSuccessOnNonZeroExitFails(t *testing.T) {
	dir := t.TempDir()
	_, err := Run(context.Background(), Request{
		Command: "false",
		Expect:  ExpectSuccess,
		LogPath: filepath.Join(dir, "logs", "fail.log"),
	})
	var taxErr *taxonomy.Error
	if !errors.As(err, &taxErr) || taxErr.Kind != taxonomy.KindProcessFailure {
		t.Fatalf("Run() error = %v, want ProcessFailure", err)
	}
}

func TestRunExpectFailureOnNonZeroExitSucceeds(t *testing.T) {
	dir := t.TempDir()
	result, err := Run(context.Background(), Request{
		Command: "false",
		Expect:  ExpectFailure,
		LogPath: filepath.Join(dir, "logs", "check.log"),
	})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if !result.Outcome {
		t.Errorf("Outcome = false, want true for expected failure")
	}
}

func TestRunExpectFailureOnZeroExitFails(t *testing.T) {
	dir := t.TempDir()
	_, err := Run(context.Background(), Request{
		Command: "true",
		Expect:  ExpectFailure,
		LogPath: filepath.Join(dir, "logs", "check2.log"),
	})
	var taxErr *taxonomy.Error
	if !errors.As(err, &taxErr) || taxErr.Kind != taxonomy.KindProcessFailure {
		t.Fatalf("Run() error = %v, want ProcessFailure", err)
	}
}

func TestRunWritesLogFile(t *testing.T) {
	dir := t.TempDir()
	logPath := filepath.Join(dir, "logs", "echo.log")
	_, err := Run(context.Background(), Request{
		Command: "echo",
		Args:    []string{"hello"},
		Expect:  ExpectSuccess,
		LogPath: logPath,
	})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	data, err := os.ReadFile(logPath)
	if err != nil {
		t.Fatalf("ReadFile() error = %v", err)
	}
	if string(data) != "hello\n" {
		t.Errorf("log content = %q, want %q", data, "hello\n")
	}
}

func TestRunRespectsContextCancellation(t *testing.T) {
	dir := t.TempDir()
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := Run(ctx, Request{
		Command: "sleep",
		Args:    []string{"5"},
		Expect:  ExpectSuccess,
		LogPath: filepath.Join(dir, "logs", "sleep.log"),
	})
	var taxErr *taxonomy.Error
	if !errors.As(err, &taxErr) || taxErr.Kind != taxonomy.KindUserAbort {
		t.Fatalf("Run() error = %v, want UserAbort from cancellation", err)
	}
}

func TestTailLinesReturnsLastN(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "big.log")
	if err := os.WriteFile(path, []byte("one\ntwo\nthree\nfour\n"), 0o644); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}

	lines, err := TailLines(path, 2)
	if err != nil {
		t.Fatalf("TailLines() error = %v", err)
	}
	if len(lines) != 2 || lines[0] != "three" || lines[1] != "four" {
		t.Errorf("TailLines() = %v, want [three four]", lines)
	}
}
