// Package pipeline evaluates a submission and carries the result through
// persistence, publication and alerting.
package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/oslsr/kestrel/internal/bus"
	"github.com/oslsr/kestrel/internal/decision"
	"github.com/oslsr/kestrel/internal/domain"
	"github.com/oslsr/kestrel/internal/metrics"
	"github.com/oslsr/kestrel/internal/notify"
	"github.com/oslsr/kestrel/internal/rules"
)

// Evaluator scores one submission.
type Evaluator interface {
	Evaluate(ctx context.Context, submissionID string) (*domain.FraudEvaluation, error)
}

// DetectionStore persists detections.
type DetectionStore interface {
	SaveDetection(ctx context.Context, det *domain.FraudDetection) error
}

// Pipeline runs Evaluate and handles everything downstream of it.
type Pipeline struct {
	evaluator Evaluator
	store     DetectionStore
	bus       domain.EventBus
	policies  *rules.Engine
	notifier  notify.Notifier
	metrics   *metrics.Recorder
}

// Result is the outcome of one pipeline run.
type Result struct {
	Evaluation *domain.FraudEvaluation `json:"evaluation"`
	Detection  *domain.FraudDetection  `json:"detection,omitempty"`
	Alert      *domain.Alert           `json:"alert,omitempty"`
}

// New creates a pipeline. bus, policies, notifier and m may be nil.
func New(evaluator Evaluator, store DetectionStore, b domain.EventBus, policies *rules.Engine, notifier notify.Notifier, m *metrics.Recorder) *Pipeline {
	return &Pipeline{
		evaluator: evaluator,
		store:     store,
		bus:       b,
		policies:  policies,
		notifier:  notifier,
		metrics:   m,
	}
}

// Evaluate scores the submission without persisting anything.
func (p *Pipeline) Evaluate(ctx context.Context, submissionID string) (*domain.FraudEvaluation, error) {
	return p.evaluator.Evaluate(ctx, submissionID)
}

// Run evaluates the submission, saves the detection, publishes it and raises
// an alert when a policy matches. Only evaluation and persistence errors are
// returned; publication and notification failures are logged.
func (p *Pipeline) Run(ctx context.Context, submissionID string) (*Result, error) {
	eval, err := p.evaluator.Evaluate(ctx, submissionID)
	if err != nil {
		return nil, err
	}

	det := decision.ToDetection(uuid.New().String(), eval)
	if err := p.store.SaveDetection(ctx, det); err != nil {
		return nil, fmt.Errorf("save detection: %w", err)
	}

	res := &Result{Evaluation: eval, Detection: det}
	p.publish(ctx, domain.TopicDetection, det)

	if p.policies != nil {
		if matched := p.policies.Match(eval); len(matched) > 0 {
			res.Alert = p.alert(ctx, det, matched)
		}
	}

	slog.Info("submission evaluated",
		"submission_id", eval.SubmissionID,
		"enumerator_id", eval.EnumeratorID,
		"detection_id", det.ID,
		"severity", eval.Severity,
		"total_score", eval.TotalScore,
		"config_version", eval.ConfigVersion,
		"duration_ms", eval.Metadata.TotalMs,
	)
	return res, nil
}

func (p *Pipeline) alert(ctx context.Context, det *domain.FraudDetection, matched []string) *domain.Alert {
	alert := &domain.Alert{
		ID:           uuid.New().String(),
		DetectionID:  det.ID,
		SubmissionID: det.SubmissionID,
		EnumeratorID: det.EnumeratorID,
		Severity:     det.Severity,
		TotalScore:   det.TotalScore,
		Policies:     matched,
		CreatedAt:    time.Now().UTC(),
	}
	for _, name := range matched {
		p.metrics.AlertMatched(name)
	}

	slog.Warn("alert policy matched",
		"submission_id", det.SubmissionID,
		"enumerator_id", det.EnumeratorID,
		"severity", det.Severity,
		"policies", matched,
	)

	p.publish(ctx, domain.TopicAlert, alert)
	if p.notifier != nil {
		if err := p.notifier.Notify(ctx, alert); err != nil {
			slog.Error("failed to send alert notification",
				"alert_id", alert.ID,
				"error", err,
			)
		}
	}
	return alert
}

func (p *Pipeline) publish(ctx context.Context, topic string, v any) {
	if p.bus == nil {
		return
	}
	if err := bus.PublishJSON(ctx, p.bus, topic, v); err != nil {
		slog.Error("failed to publish",
			"topic", topic,
			"error", err,
		)
	}
}
