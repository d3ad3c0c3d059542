package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/oslsr/kestrel/internal/api"
	"github.com/oslsr/kestrel/internal/domain"
	"github.com/oslsr/kestrel/internal/thresholds"
	"github.com/oslsr/kestrel/internal/worker"
)

func createServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API and the evaluation worker",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context())
		},
	}
}

func runServe(parent context.Context) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	slog.Info("starting kestrel",
		"version", Version,
		"commit", Commit,
		"build_date", BuildDate,
	)
	slog.Info("configuration loaded",
		"tier", cfg.Tier,
		"repository", cfg.Repository.Driver,
		"cache", cfg.Cache.Type,
		"eventbus", cfg.EventBus.Type,
	)

	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing := setupTracing(ctx, cfg.Tracing)
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(flushCtx); err != nil {
			slog.Warn("failed to flush traces", "error", err)
		}
	}()

	a, err := newApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	if _, err := a.thresholds.Listen(ctx); err != nil {
		slog.Warn("threshold change listener not started", "error", err)
	}

	watcher, err := a.watchThresholds(ctx)
	if err != nil {
		slog.Error("thresholds file not applied", "path", cfg.Thresholds.File, "error", err)
	}
	if watcher != nil {
		defer watcher.Close()
	}

	var w *worker.Worker
	if cfg.Worker.Enabled {
		w = worker.NewWorker(a.bus, a.pipeline, a.cache, a.metrics)
		if err := w.Start(worker.ConfigFrom(cfg.Worker)); err != nil {
			return fmt.Errorf("start worker: %w", err)
		}
		slog.Info("evaluation worker started", "concurrency", cfg.Worker.Concurrency)
	}

	srv, err := api.NewServer(cfg.Server, api.Deps{
		Repo:        a.repo,
		Cache:       a.cache,
		Bus:         a.bus,
		Thresholds:  a.thresholds,
		Pipeline:    a.pipeline,
		Metrics:     a.metrics,
		MetricsPath: cfg.Metrics.Path,
	}, Version)
	if err != nil {
		return fmt.Errorf("initialize server: %w", err)
	}

	serverErr := make(chan error, 1)
	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	slog.Info("kestrel is ready",
		"host", cfg.Server.Host,
		"port", cfg.Server.Port,
	)
	printBanner(os.Stdout, cfg, Version)

	select {
	case <-ctx.Done():
		slog.Info("shutting down...")
	case err := <-serverErr:
		slog.Error("server failed", "error", err)
		stop()
	}

	// Stop taking new work before the server goes away.
	if w != nil {
		if err := w.Stop(); err != nil {
			slog.Error("failed to stop worker", "error", err)
		}
		stats := w.GetStats()
		slog.Info("worker stopped",
			"processed", stats.Processed,
			"failed", stats.Failed,
			"dead_lettered", stats.DeadLettered,
		)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("server forced to shutdown", "error", err)
	}

	slog.Info("kestrel shutdown complete")
	return nil
}

func createEvaluateCmd() *cobra.Command {
	var save bool

	cmd := &cobra.Command{
		Use:   "evaluate <submission-id>",
		Short: "Evaluate one stored submission and print the result as JSON",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			a, err := newApp(ctx, cfg)
			if err != nil {
				return err
			}
			defer a.Close()

			var out any
			if save {
				out, err = a.pipeline.Run(ctx, args[0])
			} else {
				out, err = a.pipeline.Evaluate(ctx, args[0])
			}
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), out)
		},
	}
	cmd.Flags().BoolVar(&save, "save", false, "persist the detection and run alert policies")
	return cmd
}

func createThresholdsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "thresholds",
		Short: "Inspect and change fraud thresholds",
	}
	cmd.AddCommand(createThresholdsListCmd())
	cmd.AddCommand(createThresholdsSeedCmd())
	cmd.AddCommand(createThresholdsSetCmd())
	return cmd
}

func createThresholdsListCmd() *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List the active threshold rules",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app) error {
				snap, err := a.thresholds.Snapshot(ctx)
				if err != nil {
					return err
				}
				if asJSON {
					return printJSON(cmd.OutOrStdout(), snap)
				}

				tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
				fmt.Fprintf(tw, "CATEGORY\tKEY\tVALUE\tWEIGHT\tVERSION\tUPDATED BY\n")
				for _, r := range snap.Rules {
					weight := "-"
					if r.Weight != nil {
						weight = strconv.FormatFloat(*r.Weight, 'f', -1, 64)
					}
					fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d\t%s\n",
						r.RuleCategory, r.RuleKey,
						strconv.FormatFloat(r.ThresholdValue, 'f', -1, 64),
						weight, r.Version, r.CreatedBy)
				}
				fmt.Fprintf(tw, "\nconfig version %d, %d active rules\n", snap.Version, len(snap.Rules))
				return tw.Flush()
			})
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the snapshot as JSON")
	return cmd
}

func createThresholdsSeedCmd() *cobra.Command {
	var actor string

	cmd := &cobra.Command{
		Use:   "seed",
		Short: "Insert the default rules for any key that has none",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app) error {
				n, err := a.thresholds.Seed(ctx, thresholds.DefaultRules(), actor)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "seeded %d rules\n", n)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&actor, "actor", thresholds.SystemActor, "recorded as the creator of the seeded rows")
	return cmd
}

func createThresholdsSetCmd() *cobra.Command {
	var (
		actor string
		notes string
	)

	cmd := &cobra.Command{
		Use:   "set <key> <value>",
		Short: "Create the next version of a threshold rule",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			value, err := strconv.ParseFloat(args[1], 64)
			if err != nil {
				return fmt.Errorf("invalid value %q: %w", args[1], err)
			}
			upd := domain.ThresholdUpdate{ThresholdValue: value}
			if notes != "" {
				upd.Notes = &notes
			}

			return withApp(cmd, func(ctx context.Context, a *app) error {
				rule, err := a.thresholds.Update(ctx, args[0], upd, actor)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s = %s (version %d)\n",
					rule.RuleKey, strconv.FormatFloat(rule.ThresholdValue, 'f', -1, 64), rule.Version)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&actor, "actor", "", "who is making the change")
	cmd.Flags().StringVar(&notes, "notes", "", "reason for the change")
	_ = cmd.MarkFlagRequired("actor")
	return cmd
}

// withApp loads configuration, wires the services and runs fn.
func withApp(cmd *cobra.Command, fn func(ctx context.Context, a *app) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	ctx := cmd.Context()
	a, err := newApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(ctx, a)
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func printBanner(w io.Writer, cfg *domain.Config, version string) {
	fmt.Fprintln(w)
	fmt.Fprintln(w, "  KESTREL")
	fmt.Fprintln(w, "  Fraud signals for field survey submissions")
	fmt.Fprintln(w)
	fmt.Fprintf(w, "  Version:  %s\n", version)
	fmt.Fprintf(w, "  Tier:     %s\n", cfg.Tier)
	fmt.Fprintf(w, "  Server:   http://%s:%d\n", cfg.Server.Host, cfg.Server.Port)
	fmt.Fprintln(w)
	fmt.Fprintln(w, "  Endpoints:")
	fmt.Fprintln(w, "    POST  /forms                      - Register a questionnaire form")
	fmt.Fprintln(w, "    POST  /submissions                - Ingest a submission (?mode=sync to evaluate inline)")
	fmt.Fprintln(w, "    POST  /submissions/{id}/evaluate  - Dry-run evaluation")
	fmt.Fprintln(w, "    GET   /detections                 - List detections")
	fmt.Fprintln(w, "    PATCH /detections/{id}/review     - Record a supervisor review")
	fmt.Fprintln(w, "    GET   /thresholds                 - Active threshold rules")
	fmt.Fprintln(w, "    PUT   /thresholds/{key}           - Version a threshold")
	fmt.Fprintln(w, "    GET   /health                     - Health check")
	fmt.Fprintln(w)
}
