// Package worker evaluates ingested submissions asynchronously from the EventBus.
package worker

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/oslsr/kestrel/internal/bus"
	"github.com/oslsr/kestrel/internal/domain"
	"github.com/oslsr/kestrel/internal/metrics"
	"github.com/oslsr/kestrel/internal/pipeline"
)

// AttemptWindow is how long a submission's attempt counter lives.
const AttemptWindow = time.Hour

// Runner evaluates and persists one submission.
type Runner interface {
	Run(ctx context.Context, submissionID string) (*pipeline.Result, error)
}

// Worker consumes TopicSubmissionIngested and runs each submission through
// the pipeline, retrying failures with a linear backoff.
type Worker struct {
	bus     domain.EventBus
	runner  Runner
	cache   domain.Cache
	metrics *metrics.Recorder

	cfg           Config
	sem           chan struct{}
	subscriptions []domain.Subscription
	wg            sync.WaitGroup
	ctx           context.Context
	cancel        context.CancelFunc

	processed  atomic.Int64
	failed     atomic.Int64
	retried    atomic.Int64
	deadLetter atomic.Int64
}

// Config holds worker configuration.
type Config struct {
	// Concurrency bounds how many submissions are evaluated at once.
	Concurrency int

	// MaxAttempts is the number of tries before a submission is dead-lettered.
	MaxAttempts int

	// RetryBackoff is multiplied by the attempt number between tries.
	RetryBackoff time.Duration
}

// ConfigFrom converts the file configuration.
func ConfigFrom(cfg domain.WorkerConfig) Config {
	return Config{
		Concurrency:  cfg.Concurrency,
		MaxAttempts:  cfg.MaxAttempts,
		RetryBackoff: time.Duration(cfg.RetryBackoffMs) * time.Millisecond,
	}
}

func (c Config) withDefaults() Config {
	if c.Concurrency <= 0 {
		c.Concurrency = 4
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.RetryBackoff < 0 {
		c.RetryBackoff = 0
	}
	return c
}

// NewWorker creates a new async worker. cache holds attempt counters and may
// be nil, in which case the attempt carried on the event is used.
func NewWorker(b domain.EventBus, runner Runner, cache domain.Cache, m *metrics.Recorder) *Worker {
	ctx, cancel := context.WithCancel(context.Background())
	return &Worker{
		bus:     b,
		runner:  runner,
		cache:   cache,
		metrics: m,
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Start subscribes to ingested submissions.
func (w *Worker) Start(cfg Config) error {
	w.cfg = cfg.withDefaults()
	w.sem = make(chan struct{}, w.cfg.Concurrency)

	sub, err := w.bus.Subscribe(w.ctx, domain.TopicSubmissionIngested, w.handleMessage)
	if err != nil {
		return err
	}
	w.subscriptions = append(w.subscriptions, sub)

	slog.Info("worker started",
		"topic", domain.TopicSubmissionIngested,
		"concurrency", w.cfg.Concurrency,
		"max_attempts", w.cfg.MaxAttempts,
	)
	return nil
}

// handleMessage blocks until a slot is free, then evaluates in the background.
func (w *Worker) handleMessage(ctx context.Context, msg *domain.Message) error {
	var ev domain.SubmissionEvent
	if err := bus.Decode(msg, &ev); err != nil {
		slog.Error("failed to parse submission event",
			"message_id", msg.ID,
			"error", err,
		)
		return err
	}
	if ev.SubmissionID == "" {
		slog.Error("submission event without id", "message_id", msg.ID)
		return errors.New("submission event without id")
	}

	select {
	case w.sem <- struct{}{}:
	case <-w.ctx.Done():
		return w.ctx.Err()
	}

	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		defer func() { <-w.sem }()
		w.process(ev)
	}()
	return nil
}

func (w *Worker) process(ev domain.SubmissionEvent) {
	start := time.Now()
	res, err := w.runner.Run(w.ctx, ev.SubmissionID)
	if err == nil {
		w.clearAttempts(ev.SubmissionID)
		w.processed.Add(1)
		slog.Debug("submission processed",
			"submission_id", ev.SubmissionID,
			"severity", res.Evaluation.Severity,
			"duration_ms", time.Since(start).Milliseconds(),
		)
		return
	}
	if w.ctx.Err() != nil {
		return
	}

	w.failed.Add(1)
	attempt := w.nextAttempt(ev)
	if attempt < w.cfg.MaxAttempts {
		w.retry(ev, attempt, err)
		return
	}

	w.deadLetter.Add(1)
	w.metrics.WorkerRetry("dead_letter")
	slog.Error("submission evaluation failed permanently",
		"submission_id", ev.SubmissionID,
		"attempts", attempt,
		"error", err,
	)
	failed := domain.SubmissionEvent{SubmissionID: ev.SubmissionID, Attempt: attempt, Error: err.Error()}
	if err := bus.PublishJSON(w.ctx, w.bus, domain.TopicSubmissionFailed, failed); err != nil {
		slog.Error("failed to publish dead letter",
			"submission_id", ev.SubmissionID,
			"error", err,
		)
	}
}

// nextAttempt returns how many times the submission has now failed.
func (w *Worker) nextAttempt(ev domain.SubmissionEvent) int {
	if w.cache != nil {
		n, err := w.cache.IncrementCounter(w.ctx, attemptKey(ev.SubmissionID), AttemptWindow)
		if err == nil {
			return int(n)
		}
		slog.Warn("attempt counter unavailable", "submission_id", ev.SubmissionID, "error", err)
	}
	return ev.Attempt + 1
}

func (w *Worker) clearAttempts(submissionID string) {
	if w.cache == nil {
		return
	}
	if err := w.cache.Delete(w.ctx, attemptKey(submissionID)); err != nil {
		slog.Debug("failed to clear attempt counter", "submission_id", submissionID, "error", err)
	}
}

func (w *Worker) retry(ev domain.SubmissionEvent, attempt int, cause error) {
	w.retried.Add(1)
	w.metrics.WorkerRetry("retry")
	delay := w.cfg.RetryBackoff * time.Duration(attempt)

	slog.Warn("submission evaluation failed, retrying",
		"submission_id", ev.SubmissionID,
		"attempt", attempt,
		"max_attempts", w.cfg.MaxAttempts,
		"backoff_ms", delay.Milliseconds(),
		"error", cause,
	)

	next := domain.SubmissionEvent{SubmissionID: ev.SubmissionID, Attempt: attempt}
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		timer := time.NewTimer(delay)
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-w.ctx.Done():
			return
		}
		if err := bus.PublishJSON(w.ctx, w.bus, domain.TopicSubmissionIngested, next); err != nil {
			slog.Error("failed to re-publish submission",
				"submission_id", ev.SubmissionID,
				"error", err,
			)
		}
	}()
}

func attemptKey(submissionID string) string {
	return "worker:attempts:" + submissionID
}

// Stop gracefully stops the worker, waiting for in-flight evaluations.
func (w *Worker) Stop() error {
	for _, sub := range w.subscriptions {
		if err := sub.Unsubscribe(); err != nil {
			slog.Error("failed to unsubscribe",
				"topic", sub.Topic(),
				"error", err,
			)
		}
	}
	w.subscriptions = nil

	w.cancel()
	w.wg.Wait()

	slog.Info("worker stopped")
	return nil
}

// Stats returns worker statistics.
type Stats struct {
	SubscriptionCount int      `json:"subscriptionCount"`
	Topics            []string `json:"topics"`
	Processed         int64    `json:"processed"`
	Failed            int64    `json:"failed"`
	Retried           int64    `json:"retried"`
	DeadLettered      int64    `json:"deadLettered"`
}

// GetStats returns current worker statistics.
func (w *Worker) GetStats() Stats {
	topics := make([]string, len(w.subscriptions))
	for i, sub := range w.subscriptions {
		topics[i] = sub.Topic()
	}
	return Stats{
		SubscriptionCount: len(w.subscriptions),
		Topics:            topics,
		Processed:         w.processed.Load(),
		Failed:            w.failed.Load(),
		Retried:           w.retried.Load(),
		DeadLettered:      w.deadLetter.Load(),
	}
}
