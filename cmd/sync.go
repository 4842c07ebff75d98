package cmd

import (
	"github.com/spacesbuild/spaces/internal/workspace"
	"github.com/spf13/cobra"
)

var syncWorkflowDir string

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Re-run checkout over the existing workspace to pull updates",
	Long: `sync re-evaluates the checkout scripts already recorded in this
workspace's settings.json against --workflow-dir, the directory they were
originally copied from, refreshing every repo/archive/asset rule in place.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if syncWorkflowDir == "" {
			return newUsageError("sync: --workflow-dir is required")
		}
		ws, err := workspace.New(workspaceDir, defaultPrinter())
		if err != nil {
			return err
		}
		return ws.Sync(cmd.Context(), syncWorkflowDir)
	},
}

func init() {
	syncCmd.Flags().StringVar(&syncWorkflowDir, "workflow-dir", "", "source directory the workspace's scripts were checked out from")
}
