// Kestrel - Fraud signals for field survey submissions.
// Copyright (c) 2025 The OSLSR Authors
// Licensed under the Apache License 2.0

package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/oslsr/kestrel/internal/config"
	"github.com/oslsr/kestrel/internal/domain"
)

// Version information (set via ldflags)
var (
	Version   = "dev"
	Commit    = "none"
	BuildDate = "unknown"
)

// Global flags
var (
	configPath string
	tierFlag   string
)

func main() {
	// A missing .env is fine.
	_ = godotenv.Load()

	if err := newRootCmd().ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "kestrel",
		Short:         "Fraud signal engine for field survey submissions",
		Long:          `Kestrel scores survey submissions with GPS, timing, speed, straight-lining and duplicate heuristics and flags them for supervisor review.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context())
		},
	}
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "configuration file (.toml, .yaml or .json)")
	rootCmd.PersistentFlags().StringVar(&tierFlag, "tier", "", "infrastructure tier: community or pro")

	rootCmd.AddCommand(createServeCmd())
	rootCmd.AddCommand(createEvaluateCmd())
	rootCmd.AddCommand(createThresholdsCmd())
	rootCmd.AddCommand(createVersionCmd())
	return rootCmd
}

// loadConfig reads the configuration and installs the default logger.
func loadConfig() (*domain.Config, error) {
	cfg, err := config.Load(configPath, domain.Tier(tierFlag))
	if err != nil {
		return nil, err
	}
	setupLogger(cfg.Logging)
	return cfg, nil
}

func setupLogger(cfg domain.LoggingConfig) {
	var level slog.Level
	switch strings.ToLower(cfg.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if cfg.Format == "text" {
		handler = slog.NewTextHandler(os.Stderr, opts)
	} else {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	}
	slog.SetDefault(slog.New(handler))
}

func createVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "kestrel %s (commit %s, built %s)\n", Version, Commit, BuildDate)
		},
	}
}
