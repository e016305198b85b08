package main

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"ruleforge-lab/internal/app"
	"ruleforge-lab/internal/domain/models"
	"ruleforge-lab/internal/domain/services/coverage"
)

var analyzeDetectionCmd = &cobra.Command{
	Use:   "analyze-detection <detection-id>",
	Short: "Map one detection to ATT&CK techniques",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := uuid.Parse(args[0])
		if err != nil {
			return fmt.Errorf("invalid detection id: %w", err)
		}
		force, _ := cmd.Flags().GetBool("force")

		return withApp(cmd, func(ctx context.Context, a *app.App) error {
			result, err := a.Service.AnalyzeDetection(ctx, id, coverage.AnalyzeOptions{ForceRefresh: force})
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), result)
		})
	},
}

var analyzeLibraryCmd = &cobra.Command{
	Use:   "analyze-library <library-id>",
	Short: "Aggregate ATT&CK coverage across a detection library",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := uuid.Parse(args[0])
		if err != nil {
			return fmt.Errorf("invalid library id: %w", err)
		}
		force, _ := cmd.Flags().GetBool("force")
		failFast, _ := cmd.Flags().GetBool("fail-fast")
		platform, _ := cmd.Flags().GetString("platform")
		navigatorOut, _ := cmd.Flags().GetString("navigator")

		opts := coverage.LibraryOptions{
			ForceRefresh: force,
			FailFast:     failFast,
			Platform:     models.Platform(strings.ToLower(platform)),
		}

		return withApp(cmd, func(ctx context.Context, a *app.App) error {
			result, err := a.Service.AnalyzeLibrary(ctx, id, opts)
			if err != nil {
				return err
			}

			if navigatorOut != "" {
				if err := writeNavigatorLayer(navigatorOut, result); err != nil {
					return err
				}
				fmt.Fprintf(cmd.ErrOrStderr(), "Navigator layer written to %s\n", navigatorOut)
			}
			return printJSON(cmd.OutOrStdout(), result)
		})
	},
}

func writeNavigatorLayer(path string, result *models.LibraryCoverageResult) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create navigator file: %w", err)
	}
	defer f.Close()

	layer := coverage.BuildNavigatorLayer("Library "+result.LibraryID.String(), result)
	if err := printJSON(f, layer); err != nil {
		return fmt.Errorf("failed to write navigator layer: %w", err)
	}
	return nil
}

func init() {
	analyzeDetectionCmd.Flags().Bool("force", false, "Bypass the result cache")

	analyzeLibraryCmd.Flags().Bool("force", false, "Bypass the result cache")
	analyzeLibraryCmd.Flags().Bool("fail-fast", false, "Abort on the first detection failure")
	analyzeLibraryCmd.Flags().String("platform", "", "Only analyze detections for this platform (sigma, kql, spl, yara-l)")
	analyzeLibraryCmd.Flags().String("navigator", "", "Also write an ATT&CK Navigator layer to this file")

	rootCmd.AddCommand(analyzeDetectionCmd, analyzeLibraryCmd)
}
