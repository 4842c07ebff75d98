// Package printer defines the progress-event contract the scheduler emits
// against and a default log/slog-backed implementation. The interactive
// rendering layer (a richer, ticker-driven terminal UI) is out of scope per
// spec.md §1; this package only owns the collaborator contract and a
// minimally useful concrete sink.
package printer

import (
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/mattn/go-isatty"
)

// Printer receives scheduler progress events. Implementations must be safe
// for concurrent use: worker goroutines call these methods directly.
type Printer interface {
	TaskStarted(qualifiedName string)
	TaskProgress(qualifiedName, message string)
	TaskFinished(qualifiedName string, outcome string, duration time.Duration)
	Warn(message string)
	Error(message string)
}

// glyph returns the status indicator for a terminal outcome, matching the
// teacher's ✓/!/✗ convention from its bubbletea status rendering.
func glyph(outcome string) string {
	switch outcome {
	case "Succeeded":
		return "✓" // ✓
	case "Skipped":
		return "→" // →
	case "Failed":
		return "✗" // ✗
	case "Cancelled":
		return "!"
	default:
		return "?"
	}
}

// SlogPrinter is the default Printer: structured logging via log/slog, with
// a colorized glyph prefix when stderr is a terminal.
type SlogPrinter struct {
	logger *slog.Logger
	color  bool
}

// NewSlogPrinter builds a Printer logging through handler. Color is
// enabled when colorFd (typically os.Stderr's descriptor) is a terminal,
// as reported by isatty.
func NewSlogPrinter(handler slog.Handler, colorFd uintptr) *SlogPrinter {
	return &SlogPrinter{
		logger: slog.New(handler),
		color:  isatty.IsTerminal(colorFd) || isatty.IsCygwinTerminal(colorFd),
	}
}

// NewDefaultPrinter returns a SlogPrinter writing text-formatted logs to
// os.Stderr, color-detected against os.Stderr's file descriptor.
func NewDefaultPrinter() *SlogPrinter {
	handler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo})
	return NewSlogPrinter(handler, os.Stderr.Fd())
}

func (p *SlogPrinter) TaskStarted(qualifiedName string) {
	p.logger.Info("task started", slog.String("rule", qualifiedName))
}

func (p *SlogPrinter) TaskProgress(qualifiedName, message string) {
	p.logger.Debug("task progress", slog.String("rule", qualifiedName), slog.String("message", message))
}

func (p *SlogPrinter) TaskFinished(qualifiedName string, outcome string, duration time.Duration) {
	g := glyph(outcome)
	if p.color {
		g = colorize(outcome, g)
	}
	p.logger.Info(fmt.Sprintf("%s task finished", g),
		slog.String("rule", qualifiedName),
		slog.String("outcome", outcome),
		slog.Duration("duration", duration),
	)
}

func (p *SlogPrinter) Warn(message string) {
	p.logger.Warn(message)
}

func (p *SlogPrinter) Error(message string) {
	p.logger.Error(message)
}

func colorize(outcome, glyph string) string {
	const reset = "\033[0m"
	var color string
	switch outcome {
	case "Succeeded":
		color = "\033[32m" // green
	case "Skipped":
		color = "\033[34m" // blue
	case "Failed", "Cancelled":
		color = "\033[31m" // red
	default:
		return glyph
	}
	return color + glyph + reset
}
