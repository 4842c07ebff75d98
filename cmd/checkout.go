package cmd

import (
	"strings"

	"github.com/spacesbuild/spaces/internal/workspace"
	"github.com/spf13/cobra"
)

var (
	checkoutWorkflow   string
	checkoutName       string
	checkoutRescan     bool
	checkoutCreateLock bool
)

var checkoutCmd = &cobra.Command{
	Use:   "checkout",
	Short: "Populate a fresh workspace from one or more checkout scripts",
	Long: `checkout materializes a new workspace: it creates --name as the
workspace root, copies the scripts named in --workflow into it, and
evaluates their checkout phase (cloning repos, extracting archives,
installing tools) to a fixed point, rescanning newly-checked-out
directories for additional *.spaces.star files until none remain.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		dir, scripts, err := parseWorkflowFlag(checkoutWorkflow)
		if err != nil {
			return err
		}
		if checkoutName == "" {
			return newUsageError("checkout: --name is required")
		}

		ws, err := workspace.New(checkoutName, defaultPrinter())
		if err != nil {
			return err
		}
		return ws.Checkout(cmd.Context(), dir, scripts, checkoutRescan, checkoutCreateLock)
	},
}

func init() {
	checkoutCmd.Flags().StringVar(&checkoutWorkflow, "workflow", "", "source directory and scripts: <dir>:<script1>,<script2>,...")
	checkoutCmd.Flags().StringVar(&checkoutName, "name", "", "workspace root directory to create")
	checkoutCmd.Flags().BoolVar(&checkoutRescan, "rescan", true, "rescan checked-out directories for additional checkout scripts")
	checkoutCmd.Flags().BoolVar(&checkoutCreateLock, "create-lock", false, "pin every resolved repo commit into settings.json")
}

// parseWorkflowFlag splits "<dir>:<script1>,<script2>,..." into the source
// directory and the list of script paths relative to it, per spec.md §6's
// --workflow syntax.
func parseWorkflowFlag(flag string) (dir string, scripts []string, err error) {
	if flag == "" {
		return "", nil, newUsageError("checkout: --workflow is required")
	}
	dir, rest, ok := strings.Cut(flag, ":")
	if !ok || dir == "" || rest == "" {
		return "", nil, newUsageError("checkout: --workflow must be <dir>:<script1>,<script2>,...")
	}
	for _, s := range strings.Split(rest, ",") {
		if s == "" {
			continue
		}
		scripts = append(scripts, s)
	}
	if len(scripts) == 0 {
		return "", nil, newUsageError("checkout: --workflow must name at least one script")
	}
	return dir, scripts, nil
}
