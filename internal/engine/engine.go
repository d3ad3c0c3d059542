// Package engine runs the fraud heuristics against a submission and produces
// a scored, classified evaluation.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/oslsr/kestrel/internal/decision"
	"github.com/oslsr/kestrel/internal/domain"
	"github.com/oslsr/kestrel/internal/heuristics"
	"github.com/oslsr/kestrel/internal/metrics"
)

// ReasonDisabled is recorded for heuristics whose category has no active rule.
const ReasonDisabled = "heuristic_disabled"

// History window keys and defaults.
const (
	KeyGPSWindowHours   = "gps_cluster_time_window_h"
	KeyLookbackDays     = "duplicate_lookback_days"
	DefaultGPSWindowH   = 4
	DefaultLookbackDays = 7
)

var tracer = otel.Tracer("kestrel-engine")

// Engine orchestrates context loading, heuristic fan-out and the decision.
type Engine struct {
	heuristics []heuristics.Heuristic
	provider   domain.ThresholdProvider
	builder    domain.ContextBuilder
	processor  *decision.Processor
	metrics    *metrics.Recorder
	maxWorkers int
	timeout    time.Duration
}

// Option configures an Engine.
type Option func(*Engine)

// WithHeuristics replaces the registry. Used by tests.
func WithHeuristics(hs ...heuristics.Heuristic) Option {
	return func(e *Engine) { e.heuristics = hs }
}

// WithMetrics attaches a Prometheus recorder.
func WithMetrics(m *metrics.Recorder) Option {
	return func(e *Engine) { e.metrics = m }
}

// WithMaxWorkers bounds concurrent heuristics. Values <= 0 run all at once.
func WithMaxWorkers(n int) Option {
	return func(e *Engine) { e.maxWorkers = n }
}

// WithHeuristicTimeout fails a heuristic that runs longer than d. Zero disables it.
func WithHeuristicTimeout(d time.Duration) Option {
	return func(e *Engine) { e.timeout = d }
}

// New creates an engine over the registry.
func New(provider domain.ThresholdProvider, builder domain.ContextBuilder, opts ...Option) *Engine {
	e := &Engine{
		heuristics: heuristics.Registry(),
		provider:   provider,
		builder:    builder,
		processor:  decision.NewProcessor(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Outcome is one heuristic's result together with run information.
type Outcome struct {
	Key      string
	Category domain.RuleCategory
	Result   domain.HeuristicResult
	Invoked  bool
	Duration time.Duration
}

// HistoryWindow derives the related-submission window from the snapshot.
func HistoryWindow(snap domain.ThresholdSnapshot) domain.HistoryWindow {
	hours := snap.Value(KeyGPSWindowHours, DefaultGPSWindowH)
	days := snap.Value(KeyLookbackDays, DefaultLookbackDays)
	return domain.HistoryWindow{
		GPS:      time.Duration(hours * float64(time.Hour)),
		Lookback: time.Duration(days * 24 * float64(time.Hour)),
	}
}

// Evaluate scores one submission. Loading thresholds or context, and
// inconsistent severity bounds, abort the evaluation; heuristic failures do not.
func (e *Engine) Evaluate(ctx context.Context, submissionID string) (*domain.FraudEvaluation, error) {
	start := time.Now()
	ctx, span := tracer.Start(ctx, "engine.Evaluate",
		trace.WithAttributes(attribute.String("submission.id", submissionID)),
	)
	defer span.End()

	snap, err := e.provider.Snapshot(ctx)
	if err != nil {
		e.fail(span, "thresholds", err)
		return nil, fmt.Errorf("load thresholds: %w", err)
	}

	sc, err := e.builder.Build(ctx, submissionID, HistoryWindow(snap))
	if err != nil {
		e.fail(span, "context", err)
		return nil, fmt.Errorf("build context: %w", err)
	}
	contextMs := time.Since(start).Milliseconds()

	eval, err := e.score(ctx, sc, snap, start, contextMs)
	if err != nil {
		e.fail(span, "decision", err)
		return nil, err
	}

	span.SetAttributes(
		attribute.Float64("fraud.total_score", eval.TotalScore),
		attribute.String("fraud.severity", string(eval.Severity)),
		attribute.Int("fraud.config_version", eval.ConfigVersion),
	)
	return eval, nil
}

// Score evaluates an already-built context against a snapshot.
func (e *Engine) Score(ctx context.Context, sc *domain.SubmissionContext, snap domain.ThresholdSnapshot) (*domain.FraudEvaluation, error) {
	return e.score(ctx, sc, snap, time.Now(), 0)
}

func (e *Engine) score(ctx context.Context, sc *domain.SubmissionContext, snap domain.ThresholdSnapshot, start time.Time, contextMs int64) (*domain.FraudEvaluation, error) {
	hStart := time.Now()
	results := e.RunHeuristics(ctx, sc, snap.Rules)
	heuristicsMs := time.Since(hStart).Milliseconds()

	var traceID string
	if spanCtx := trace.SpanContextFromContext(ctx); spanCtx.TraceID().IsValid() {
		traceID = spanCtx.TraceID().String()
	}

	eval, err := e.processor.Process(ctx, &decision.DecisionInput{
		SubmissionID: sc.SubmissionID,
		EnumeratorID: sc.EnumeratorID,
		TraceID:      traceID,
		Snapshot:     snap,
		Results:      results,
		StartTime:    start,
		ContextMs:    contextMs,
		HeuristicsMs: heuristicsMs,
	})
	if err != nil {
		return nil, err
	}

	e.metrics.ObserveEvaluation(string(eval.Severity), eval.TotalScore, time.Since(start))
	return eval, nil
}

func (e *Engine) fail(span trace.Span, stage string, err error) {
	span.RecordError(err)
	span.SetStatus(codes.Error, stage)
	e.metrics.EvaluationError(stage)
}

// RunHeuristics returns exactly one result per registered heuristic.
func (e *Engine) RunHeuristics(ctx context.Context, sc *domain.SubmissionContext, rules []domain.ThresholdRule) map[string]domain.HeuristicResult {
	outcomes := e.RunOrdered(ctx, sc, rules)
	results := make(map[string]domain.HeuristicResult, len(outcomes))
	for _, o := range outcomes {
		results[o.Key] = o.Result
	}
	return results
}

// RunOrdered runs every heuristic concurrently and returns outcomes in registry order.
func (e *Engine) RunOrdered(ctx context.Context, sc *domain.SubmissionContext, rules []domain.ThresholdRule) []Outcome {
	outcomes := make([]Outcome, len(e.heuristics))
	if len(e.heuristics) == 0 {
		return outcomes
	}

	workers := e.maxWorkers
	if workers <= 0 || workers > len(e.heuristics) {
		workers = len(e.heuristics)
	}

	var wg sync.WaitGroup
	sem := make(chan struct{}, workers)

	for i, h := range e.heuristics {
		wg.Add(1)
		go func(idx int, h heuristics.Heuristic) {
			defer wg.Done()

			sem <- struct{}{}        // Acquire
			defer func() { <-sem }() // Release

			outcomes[idx] = e.runOne(ctx, h, sc, rules)
		}(i, h)
	}

	wg.Wait()
	return outcomes
}

func (e *Engine) runOne(ctx context.Context, h heuristics.Heuristic, sc *domain.SubmissionContext, rules []domain.ThresholdRule) Outcome {
	out := Outcome{Key: h.Key(), Category: h.Category()}

	if !domain.CategoryActive(rules, h.Category()) {
		out.Result = domain.HeuristicResult{Score: 0, Details: map[string]any{"reason": ReasonDisabled}}
		e.metrics.ObserveHeuristic(out.Key, metrics.OutcomeDisabled, 0)
		return out
	}

	ctx, span := tracer.Start(ctx, "heuristic."+out.Key,
		trace.WithAttributes(attribute.String("heuristic.category", string(out.Category))),
	)
	defer span.End()

	start := time.Now()
	res, err := e.invoke(ctx, h, sc, rules)
	out.Duration = time.Since(start)
	out.Invoked = true

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "heuristic failed")
		slog.Error("heuristic failed",
			"heuristic", out.Key,
			"submission_id", sc.SubmissionID,
			"error", err,
		)
		msg := err.Error()
		if msg == "" {
			msg = "heuristic failed"
		}
		out.Result = domain.HeuristicResult{Score: 0, Details: map[string]any{"error": msg}}
		e.metrics.ObserveHeuristic(out.Key, metrics.OutcomeFailed, out.Duration)
		return out
	}

	out.Result = res
	outcome := metrics.OutcomeScored
	if res.Reason() != "" {
		outcome = metrics.OutcomeSkipped
	}
	span.SetAttributes(attribute.Float64("heuristic.score", res.Score))
	e.metrics.ObserveHeuristic(out.Key, outcome, out.Duration)
	return out
}

// invoke calls the heuristic, converting panics and timeouts into errors.
func (e *Engine) invoke(ctx context.Context, h heuristics.Heuristic, sc *domain.SubmissionContext, rules []domain.ThresholdRule) (domain.HeuristicResult, error) {
	if e.timeout <= 0 {
		return safeEvaluate(ctx, h, sc, rules)
	}

	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	type result struct {
		res domain.HeuristicResult
		err error
	}
	done := make(chan result, 1)
	go func() {
		res, err := safeEvaluate(ctx, h, sc, rules)
		done <- result{res, err}
	}()

	select {
	case r := <-done:
		return r.res, r.err
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return domain.HeuristicResult{}, fmt.Errorf("heuristic %s timed out after %s", h.Key(), e.timeout)
		}
		return domain.HeuristicResult{}, ctx.Err()
	}
}

func safeEvaluate(ctx context.Context, h heuristics.Heuristic, sc *domain.SubmissionContext, rules []domain.ThresholdRule) (res domain.HeuristicResult, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("heuristic %s panicked: %v", h.Key(), r)
		}
	}()
	return h.Evaluate(ctx, sc, rules)
}
