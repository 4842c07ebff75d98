package cmd

import (
	"fmt"

	"github.com/spacesbuild/spaces/internal/workspace"
	"github.com/spf13/cobra"
)

var (
	inspectFilter  string
	inspectHasHelp bool
)

var inspectCmd = &cobra.Command{
	Use:   "inspect",
	Short: "Print rules matching a filter without executing them",
	RunE: func(cmd *cobra.Command, args []string) error {
		ws, err := workspace.New(workspaceDir, defaultPrinter())
		if err != nil {
			return err
		}
		rules, err := ws.Inspect(cmd.Context(), inspectFilter, inspectHasHelp)
		if err != nil {
			return err
		}
		for _, rule := range rules {
			if rule.Help != "" {
				fmt.Printf("%-12s %-40s %s\n", rule.Type, rule.QualifiedName, rule.Help)
			} else {
				fmt.Printf("%-12s %s\n", rule.Type, rule.QualifiedName)
			}
		}
		return nil
	},
}

func init() {
	inspectCmd.Flags().StringVar(&inspectFilter, "filter", "*", "glob matched against each rule's qualified name")
	inspectCmd.Flags().BoolVar(&inspectHasHelp, "has-help", false, "only print rules that declare a help string")
}
