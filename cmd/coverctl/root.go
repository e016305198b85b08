package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"ruleforge-lab/internal/app"
	"ruleforge-lab/internal/config"
	"ruleforge-lab/pkg/logger"
)

var (
	configFile string
	debugMode  bool
)

var rootCmd = &cobra.Command{
	Use:   "coverctl",
	Short: "ATT&CK coverage analysis for detection libraries",
	Long: `coverctl maps detection rules to MITRE ATT&CK techniques, scores the
mappings and aggregates coverage for whole detection libraries.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configFile, "config", os.Getenv("RULEFORGE_CONFIG_FILE"), "Path to config file")
	rootCmd.PersistentFlags().BoolVar(&debugMode, "debug", false, "Enable debug logging")
}

// withApp loads configuration, wires the application and hands it to fn
func withApp(cmd *cobra.Command, fn func(ctx context.Context, a *app.App) error) error {
	cfg, err := config.Load(configFile)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if debugMode {
		cfg.Logger.Level = "debug"
	}

	log := logger.New(logger.Config{
		Level:      cfg.Logger.Level,
		Format:     "console",
		TimeFormat: cfg.Logger.TimeFormat,
		Output:     "stderr",
	}).WithComponent("coverctl")

	ctx := cmd.Context()
	a, err := app.New(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer a.Close(context.Background())

	return fn(ctx, a)
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
