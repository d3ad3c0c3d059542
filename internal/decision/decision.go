// Package decision aggregates heuristic results into a scored, classified evaluation.
package decision

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/oslsr/kestrel/internal/domain"
	"github.com/oslsr/kestrel/internal/heuristics"
)

// EngineVersion is stamped on every evaluation.
const EngineVersion = "kestrel-1.0"

// MaxTotalScore caps the aggregated score.
const MaxTotalScore = 100.0

// ErrInconsistentSeverityBounds is returned when severity bounds decrease from low to critical.
var ErrInconsistentSeverityBounds = errors.New("inconsistent severity bounds")

// Severity bound keys.
const (
	KeySeverityLow      = "severity_low_min"
	KeySeverityMedium   = "severity_medium_min"
	KeySeverityHigh     = "severity_high_min"
	KeySeverityCritical = "severity_critical_min"
)

// SeverityBounds are inclusive lower bounds of each tier.
type SeverityBounds struct {
	Low      float64 `json:"low"`
	Medium   float64 `json:"medium"`
	High     float64 `json:"high"`
	Critical float64 `json:"critical"`
}

// DefaultSeverityBounds returns the bounds used when no rule overrides them.
func DefaultSeverityBounds() SeverityBounds {
	return SeverityBounds{Low: 25, Medium: 50, High: 70, Critical: 85}
}

// BoundsFromRules reads the severity bounds, falling back to the defaults per key.
func BoundsFromRules(rules []domain.ThresholdRule) SeverityBounds {
	def := DefaultSeverityBounds()
	return SeverityBounds{
		Low:      domain.ThresholdValue(rules, KeySeverityLow, def.Low),
		Medium:   domain.ThresholdValue(rules, KeySeverityMedium, def.Medium),
		High:     domain.ThresholdValue(rules, KeySeverityHigh, def.High),
		Critical: domain.ThresholdValue(rules, KeySeverityCritical, def.Critical),
	}
}

// Validate reports an error unless low <= medium <= high <= critical.
func (b SeverityBounds) Validate() error {
	if b.Low > b.Medium || b.Medium > b.High || b.High > b.Critical {
		return fmt.Errorf("%w: low=%v medium=%v high=%v critical=%v",
			ErrInconsistentSeverityBounds, b.Low, b.Medium, b.High, b.Critical)
	}
	return nil
}

// Classify maps a total score to a tier, checking the highest bound first.
func (b SeverityBounds) Classify(score float64) domain.Severity {
	switch {
	case score >= b.Critical:
		return domain.SeverityCritical
	case score >= b.High:
		return domain.SeverityHigh
	case score >= b.Medium:
		return domain.SeverityMedium
	case score >= b.Low:
		return domain.SeverityLow
	default:
		return domain.SeverityClean
	}
}

// Aggregate sums heuristic scores, capped at MaxTotalScore.
func Aggregate(results map[string]domain.HeuristicResult) float64 {
	var sum float64
	for _, r := range results {
		sum += r.Score
	}
	return math.Min(MaxTotalScore, sum)
}

// RoundScore rounds a score to 2 decimals for reporting. Classification uses
// the unrounded total.
func RoundScore(v float64) float64 {
	return math.Round(v*100) / 100
}

// Processor turns heuristic results into a FraudEvaluation.
type Processor struct {
	now func() time.Time
}

// NewProcessor creates a processor stamping evaluations with the current UTC time.
func NewProcessor() *Processor {
	return &Processor{now: func() time.Time { return time.Now().UTC() }}
}

// DecisionInput contains all data needed for a decision.
type DecisionInput struct {
	SubmissionID string
	EnumeratorID string
	TraceID      string
	Snapshot     domain.ThresholdSnapshot
	Results      map[string]domain.HeuristicResult
	StartTime    time.Time
	ContextMs    int64
	HeuristicsMs int64
}

// Process aggregates and classifies the results. It fails only when the
// snapshot's severity bounds are inconsistent.
func (p *Processor) Process(ctx context.Context, input *DecisionInput) (*domain.FraudEvaluation, error) {
	bounds := BoundsFromRules(input.Snapshot.Rules)
	if err := bounds.Validate(); err != nil {
		return nil, err
	}

	total := Aggregate(input.Results)

	eval := &domain.FraudEvaluation{
		SubmissionID:     input.SubmissionID,
		EnumeratorID:     input.EnumeratorID,
		TotalScore:       RoundScore(total),
		Severity:         bounds.Classify(total),
		ConfigVersion:    input.Snapshot.Version,
		HeuristicResults: input.Results,
		EvaluatedAt:      p.now(),
	}

	var failed, skipped int
	for _, r := range input.Results {
		switch {
		case r.Err() != "":
			failed++
		case r.Reason() != "":
			skipped++
		}
	}

	var totalMs int64
	if !input.StartTime.IsZero() {
		totalMs = time.Since(input.StartTime).Milliseconds()
	}
	eval.Metadata = domain.EvaluationMetadata{
		TraceID:           input.TraceID,
		ContextMs:         input.ContextMs,
		HeuristicsMs:      input.HeuristicsMs,
		TotalMs:           totalMs,
		HeuristicsRun:     len(input.Results),
		HeuristicsFailed:  failed,
		HeuristicsSkipped: skipped,
		EngineVersion:     EngineVersion,
	}

	return eval, nil
}

// ToDetection converts an evaluation into a persistable detection.
func ToDetection(id string, eval *domain.FraudEvaluation) *domain.FraudDetection {
	det := &domain.FraudDetection{
		ID:                    id,
		SubmissionID:          eval.SubmissionID,
		EnumeratorID:          eval.EnumeratorID,
		ConfigSnapshotVersion: eval.ConfigVersion,
		TotalScore:            eval.TotalScore,
		Severity:              eval.Severity,
		Details:               eval.HeuristicResults,
		ComputedAt:            eval.EvaluatedAt,
	}

	for _, h := range heuristics.Registry() {
		score := eval.HeuristicResults[h.Key()].Score
		switch h.Category() {
		case domain.CategoryGPS:
			det.Scores.GPS = score
		case domain.CategorySpeed:
			det.Scores.Speed = score
		case domain.CategoryStraightline:
			det.Scores.Straightline = score
		case domain.CategoryDuplicate:
			det.Scores.Duplicate = score
		case domain.CategoryTiming:
			det.Scores.Timing = score
		}
	}
	return det
}

// Reasons lists the flags raised by scoring heuristics, in key order.
func Reasons(eval *domain.FraudEvaluation) []string {
	keys := make([]string, 0, len(eval.HeuristicResults))
	for k := range eval.HeuristicResults {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var reasons []string
	for _, k := range keys {
		r := eval.HeuristicResults[k]
		if r.Score <= 0 {
			continue
		}
		switch flags := r.Details["flags"].(type) {
		case []string:
			reasons = append(reasons, flags...)
		case []any:
			for _, f := range flags {
				if s, ok := f.(string); ok {
					reasons = append(reasons, s)
				}
			}
		}
		if mt, ok := r.Details["matchType"].(string); ok && mt != heuristics.MatchNone {
			reasons = append(reasons, mt+"_duplicate")
		}
		if tier, ok := r.Details["tier"].(string); ok && tier != "normal" {
			reasons = append(reasons, tier)
		}
	}
	return reasons
}
