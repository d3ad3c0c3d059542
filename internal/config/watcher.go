package config

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/oslsr/kestrel/internal/domain"
)

// ThresholdFile is the on-disk form of a thresholds file:
//
//	actor: ops-team
//	thresholds:
//	  gps_weight: 25
//	  speed_speeder_pct: 45
type ThresholdFile struct {
	Actor      string             `json:"actor" yaml:"actor" toml:"actor"`
	Thresholds map[string]float64 `json:"thresholds" yaml:"thresholds" toml:"thresholds"`
}

// ReadThresholdFile decodes a YAML, TOML or JSON thresholds file.
func ReadThresholdFile(path string) (*ThresholdFile, error) {
	var f ThresholdFile
	if err := decodeFile(path, &f); err != nil {
		return nil, err
	}
	if len(f.Thresholds) == 0 {
		return nil, fmt.Errorf("%s: no thresholds defined", path)
	}
	return &f, nil
}

// ThresholdUpdater is the part of the threshold provider the watcher drives.
type ThresholdUpdater interface {
	ActiveThresholds(ctx context.Context) ([]domain.ThresholdRule, error)
	Update(ctx context.Context, ruleKey string, upd domain.ThresholdUpdate, actor string) (*domain.ThresholdRule, error)
}

// ThresholdFileWatcher keeps the stored thresholds in line with a file.
// Only active keys whose value differs are versioned.
type ThresholdFileWatcher struct {
	path     string
	updater  ThresholdUpdater
	debounce time.Duration

	mu      sync.Mutex
	watcher *fsnotify.Watcher
	cancel  context.CancelFunc
	done    chan struct{}
}

// DefaultActor is recorded when the file names no actor.
const DefaultActor = "thresholds-file"

// NewThresholdFileWatcher creates a watcher for path.
func NewThresholdFileWatcher(path string, updater ThresholdUpdater) *ThresholdFileWatcher {
	return &ThresholdFileWatcher{
		path:     path,
		updater:  updater,
		debounce: 100 * time.Millisecond,
	}
}

// Apply reads the file once and applies every changed value. It returns the
// number of rules that received a new version.
func (w *ThresholdFileWatcher) Apply(ctx context.Context) (int, error) {
	f, err := ReadThresholdFile(w.path)
	if err != nil {
		return 0, err
	}
	actor := f.Actor
	if actor == "" {
		actor = DefaultActor
	}

	active, err := w.updater.ActiveThresholds(ctx)
	if err != nil {
		return 0, fmt.Errorf("load active thresholds: %w", err)
	}
	current := make(map[string]float64, len(active))
	for _, r := range active {
		current[r.RuleKey] = r.ThresholdValue
	}

	keys := make([]string, 0, len(f.Thresholds))
	for k := range f.Thresholds {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	applied := 0
	var errs []error
	for _, key := range keys {
		value := f.Thresholds[key]
		old, ok := current[key]
		if !ok {
			slog.Warn("thresholds file names an inactive or unknown key", "rule_key", key, "path", w.path)
			continue
		}
		if old == value {
			continue
		}
		notes := "applied from " + filepath.Base(w.path)
		if _, err := w.updater.Update(ctx, key, domain.ThresholdUpdate{ThresholdValue: value, Notes: &notes}, actor); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", key, err))
			continue
		}
		applied++
	}
	return applied, errors.Join(errs...)
}

// Start applies the file, then re-applies it whenever it is written.
func (w *ThresholdFileWatcher) Start(ctx context.Context) error {
	if n, err := w.Apply(ctx); err != nil {
		slog.Error("failed to apply thresholds file", "path", w.path, "error", err)
	} else if n > 0 {
		slog.Info("thresholds file applied", "path", w.path, "updated", n)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	// Editors replace files on save, so watch the directory.
	if err := watcher.Add(filepath.Dir(w.path)); err != nil {
		watcher.Close()
		return fmt.Errorf("watch directory: %w", err)
	}

	ctx, cancel := context.WithCancel(ctx)
	w.mu.Lock()
	w.watcher = watcher
	w.cancel = cancel
	w.done = make(chan struct{})
	w.mu.Unlock()

	go w.loop(ctx)
	return nil
}

func (w *ThresholdFileWatcher) loop(ctx context.Context) {
	defer close(w.done)

	var timer *time.Timer
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return

		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Base(event.Name) != filepath.Base(w.path) {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(w.debounce, func() { w.reload(ctx) })

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			slog.Warn("thresholds file watcher error", "path", w.path, "error", err)
		}
	}
}

func (w *ThresholdFileWatcher) reload(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	n, err := w.Apply(ctx)
	if err != nil {
		slog.Error("failed to reload thresholds file", "path", w.path, "error", err)
		return
	}
	slog.Info("thresholds file reloaded", "path", w.path, "updated", n)
}

// Close stops watching.
func (w *ThresholdFileWatcher) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.watcher == nil {
		return nil
	}
	w.cancel()
	err := w.watcher.Close()
	<-w.done
	w.watcher = nil
	return err
}
