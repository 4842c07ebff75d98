package cmd

import (
	"github.com/spacesbuild/spaces/internal/workspace"
	"github.com/spf13/cobra"
)

var runScriptArgs []string

var runCmd = &cobra.Command{
	Use:   "run [target ...]",
	Short: "Evaluate the run graph in the current workspace and execute it",
	Long: `run evaluates every checkout-discovered script's run phase, then
executes the named targets (or, with none given, every non-Optional rule)
in dependency order: Setup rules first, then the rest, skipping any rule
whose declared inputs haven't changed since its last successful run.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ws, err := workspace.New(workspaceDir, defaultPrinter())
		if err != nil {
			return err
		}
		return ws.Run(cmd.Context(), args, runScriptArgs)
	},
}

func init() {
	runCmd.Flags().StringArrayVar(&runScriptArgs, "arg", nil, "argument forwarded to scripts via script.get_arg/get_args (repeatable)")
}
