package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/oslsr/kestrel/internal/bus"
	"github.com/oslsr/kestrel/internal/cache"
	"github.com/oslsr/kestrel/internal/config"
	"github.com/oslsr/kestrel/internal/domain"
	"github.com/oslsr/kestrel/internal/engine"
	"github.com/oslsr/kestrel/internal/history"
	"github.com/oslsr/kestrel/internal/metrics"
	"github.com/oslsr/kestrel/internal/notify"
	"github.com/oslsr/kestrel/internal/pipeline"
	"github.com/oslsr/kestrel/internal/repository"
	"github.com/oslsr/kestrel/internal/rules"
	"github.com/oslsr/kestrel/internal/thresholds"
)

// app holds the wired services shared by every command.
type app struct {
	cfg        *domain.Config
	repo       *repository.SQLRepository
	cache      domain.Cache
	bus        domain.EventBus
	metrics    *metrics.Recorder
	thresholds *thresholds.Provider
	pipeline   *pipeline.Pipeline
	notifier   notify.Notifier

	closers []func() error
}

// newApp initializes storage, cache, bus and the evaluation pipeline in
// dependency order. On error everything opened so far is closed.
func newApp(ctx context.Context, cfg *domain.Config) (_ *app, err error) {
	a := &app{cfg: cfg}
	defer func() {
		if err != nil {
			a.Close()
		}
	}()

	a.repo, err = repository.New(cfg.Repository)
	if err != nil {
		return nil, fmt.Errorf("initialize repository: %w", err)
	}
	a.closers = append(a.closers, a.repo.Close)
	slog.Info("repository initialized", "driver", cfg.Repository.Driver)

	a.cache, err = cache.New(cfg.Cache)
	if err != nil {
		return nil, fmt.Errorf("initialize cache: %w", err)
	}
	a.closers = append(a.closers, a.cache.Close)
	slog.Info("cache initialized", "type", cfg.Cache.Type)

	a.bus, err = bus.New(cfg.EventBus)
	if err != nil {
		return nil, fmt.Errorf("initialize event bus: %w", err)
	}
	a.closers = append(a.closers, a.bus.Close)
	slog.Info("event bus initialized", "type", cfg.EventBus.Type)

	if cfg.Metrics.Enabled {
		a.metrics = metrics.New()
	}

	a.thresholds = thresholds.NewProvider(a.repo,
		thresholds.WithCache(a.cache, time.Duration(cfg.Thresholds.CacheTTL)*time.Second),
		thresholds.WithBus(a.bus),
		thresholds.WithMetrics(a.metrics),
	)
	if cfg.Thresholds.SeedDefaults {
		n, err := a.thresholds.Seed(ctx, thresholds.DefaultRules(), thresholds.SystemActor)
		if err != nil {
			return nil, fmt.Errorf("seed thresholds: %w", err)
		}
		if n > 0 {
			slog.Info("default thresholds seeded", "count", n)
		}
	}

	policies, err := rules.NewEngine()
	if err != nil {
		return nil, fmt.Errorf("initialize policy engine: %w", err)
	}
	if err := policies.LoadPolicies(cfg.Alerts.Policies); err != nil {
		return nil, fmt.Errorf("load alert policies: %w", err)
	}
	slog.Info("alert policies loaded", "count", policies.PolicyCount())

	a.notifier, err = notify.New(cfg.Notify)
	if err != nil {
		return nil, fmt.Errorf("initialize notifier: %w", err)
	}
	a.closers = append(a.closers, a.notifier.Close)

	eng := engine.New(a.thresholds, history.NewBuilder(a.repo),
		engine.WithMetrics(a.metrics),
		engine.WithMaxWorkers(cfg.Engine.MaxWorkers),
		engine.WithHeuristicTimeout(time.Duration(cfg.Engine.HeuristicTimeoutMs)*time.Millisecond),
	)
	a.pipeline = pipeline.New(eng, a.repo, a.bus, policies, a.notifier, a.metrics)
	return a, nil
}

// watchThresholds keeps the store in sync with the configured thresholds
// file. It returns nil when no file is configured.
func (a *app) watchThresholds(ctx context.Context) (*config.ThresholdFileWatcher, error) {
	if a.cfg.Thresholds.File == "" {
		return nil, nil
	}
	w := config.NewThresholdFileWatcher(a.cfg.Thresholds.File, a.thresholds)
	if !a.cfg.Thresholds.Watch {
		n, err := w.Apply(ctx)
		if n > 0 {
			slog.Info("thresholds file applied", "path", a.cfg.Thresholds.File, "updated", n)
		}
		return nil, err
	}
	if err := w.Start(ctx); err != nil {
		return nil, err
	}
	return w, nil
}

// Close releases resources in reverse order of creation.
func (a *app) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}
