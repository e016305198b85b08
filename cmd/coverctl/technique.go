package main

import (
	"context"
	"strings"

	"github.com/spf13/cobra"

	"ruleforge-lab/internal/app"
)

var techniqueCmd = &cobra.Command{
	Use:   "technique <technique-id>",
	Short: "Look up a technique in the registry",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id := strings.ToUpper(args[0])
		return withApp(cmd, func(ctx context.Context, a *app.App) error {
			t, err := a.Registry.GetTechnique(ctx, id)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), t)
		})
	},
}

var graphCmd = &cobra.Command{
	Use:   "graph <technique-id>",
	Short: "Validate the parent and sub-technique graph around a technique",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id := strings.ToUpper(args[0])
		depth, _ := cmd.Flags().GetInt("depth")
		return withApp(cmd, func(ctx context.Context, a *app.App) error {
			return printJSON(cmd.OutOrStdout(), a.Registry.ValidateTechniqueGraph(ctx, id, depth))
		})
	},
}

func init() {
	graphCmd.Flags().Int("depth", 2, "Maximum traversal depth")
	rootCmd.AddCommand(techniqueCmd, graphCmd)
}
