// Package cmd wires the spaces engine to a cobra command tree: checkout,
// run, inspect, sync, and docs, sharing a signal-aware Execute() grounded
// on the teacher's apps/cli/cmd/root.go and internal/signal/handler.go.
package cmd

import (
	"context"
	"fmt"
	"os"

	"github.com/spacesbuild/spaces/internal/printer"
	"github.com/spacesbuild/spaces/internal/signal"
	"github.com/spacesbuild/spaces/internal/taxonomy"
	"github.com/spf13/cobra"
)

// Version is set via -ldflags at release build time; "dev" otherwise.
var Version = "dev"

// usageError marks a malformed invocation (bad flag combination, wrong
// argument count) as distinct from a taxonomy.Error engine failure, so
// Execute can map it to exit code 2 per spec.md §6 rather than 1.
type usageError struct{ msg string }

func (e *usageError) Error() string { return e.msg }

func newUsageError(format string, args ...any) error {
	return &usageError{msg: fmt.Sprintf(format, args...)}
}

var workspaceDir string

var rootCmd = &cobra.Command{
	Use:     "spaces",
	Short:   "Build and run reproducible poly-repo workspaces",
	Version: Version,
	Long: `spaces materializes a workspace from Starlark checkout scripts
(cloning repos, extracting archives, installing tools) and then runs a
dependency graph of build/test/lint rules against it, skipping rules whose
declared inputs haven't changed since their last successful run.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&workspaceDir, "workspace", ".", "workspace root directory")
	rootCmd.AddCommand(checkoutCmd)
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(inspectCmd)
	rootCmd.AddCommand(syncCmd)
	rootCmd.AddCommand(docsCmd)
}

// Execute runs the root command with signal handling and translates any
// returned taxonomy.Error into spec.md §6's exit code table.
func Execute() int {
	ctx := signal.SetupSignalHandler(context.Background())
	err := rootCmd.ExecuteContext(ctx)
	if err == nil {
		return 0
	}

	fmt.Fprintln(os.Stderr, err)

	if _, ok := err.(*usageError); ok {
		return 2
	}
	if te, ok := err.(*taxonomy.Error); ok {
		if taxonomy.Is(err, taxonomy.KindUserAbort) {
			signal.PrintCancellationMessage(os.Args[0])
		}
		return te.Exit()
	}
	if ctx.Err() != nil {
		return taxonomy.New(taxonomy.KindUserAbort, "interrupted").Exit()
	}
	return 1
}

func defaultPrinter() printer.Printer {
	return printer.NewDefaultPrinter()
}
