package decision

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/oslsr/kestrel/internal/domain"
	"github.com/oslsr/kestrel/internal/heuristics"
)

func resultsOf(scores ...float64) map[string]domain.HeuristicResult {
	keys := heuristics.Keys()
	out := make(map[string]domain.HeuristicResult, len(keys))
	for i, k := range keys {
		var s float64
		if i < len(scores) {
			s = scores[i]
		}
		out[k] = domain.HeuristicResult{Score: s, Details: map[string]any{}}
	}
	return out
}

func severityRule(key string, value float64) domain.ThresholdRule {
	return domain.ThresholdRule{RuleKey: key, RuleCategory: domain.CategorySeverity, ThresholdValue: value, IsActive: true, Version: 1}
}

func TestProcessor(t *testing.T) {
	proc := NewProcessor()
	ctx := context.Background()

	tests := []struct {
		name      string
		scores    []float64
		wantTotal float64
		wantSev   domain.Severity
	}{
		{"Clean", []float64{10, 5, 0, 0, 0}, 15, domain.SeverityClean},
		{"Low", []float64{20, 12, 0, 0, 0}, 32, domain.SeverityLow},
		{"Medium", []float64{25, 25, 10, 0, 0}, 60, domain.SeverityMedium},
		{"High", []float64{25, 25, 15, 10, 0}, 75, domain.SeverityHigh},
		{"Critical", []float64{25, 25, 20, 20, 10}, 100, domain.SeverityCritical},
		{"ClampedAt100", []float64{25, 25, 20, 20, 15}, 100, domain.SeverityCritical},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			eval, err := proc.Process(ctx, &DecisionInput{
				SubmissionID: "sub-1",
				EnumeratorID: "enum-1",
				Snapshot:     domain.ThresholdSnapshot{Version: 7},
				Results:      resultsOf(tt.scores...),
				StartTime:    time.Now(),
			})
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if eval.TotalScore != tt.wantTotal {
				t.Errorf("expected total %v, got %v", tt.wantTotal, eval.TotalScore)
			}
			if eval.Severity != tt.wantSev {
				t.Errorf("expected %s, got %s", tt.wantSev, eval.Severity)
			}
			if eval.ConfigVersion != 7 {
				t.Errorf("expected config version 7, got %d", eval.ConfigVersion)
			}
			if eval.Metadata.EngineVersion != EngineVersion {
				t.Errorf("expected engine version %s, got %s", EngineVersion, eval.Metadata.EngineVersion)
			}
		})
	}

	t.Run("CountsFailedAndSkipped", func(t *testing.T) {
		results := resultsOf()
		results[heuristics.KeyGPSClustering] = domain.HeuristicResult{Details: map[string]any{"error": "boom"}}
		results[heuristics.KeySpeedRun] = domain.HeuristicResult{Details: map[string]any{"reason": "heuristic_disabled"}}

		eval, err := proc.Process(ctx, &DecisionInput{Results: results})
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if eval.Metadata.HeuristicsFailed != 1 || eval.Metadata.HeuristicsSkipped != 1 {
			t.Errorf("expected 1 failed and 1 skipped, got %+v", eval.Metadata)
		}
		if eval.Metadata.HeuristicsRun != 5 {
			t.Errorf("expected 5 heuristics, got %d", eval.Metadata.HeuristicsRun)
		}
	})

	t.Run("ClassifiesBeforeRounding", func(t *testing.T) {
		eval, err := proc.Process(ctx, &DecisionInput{Results: resultsOf(25, 25, 19.996)})
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if eval.Severity != domain.SeverityMedium {
			t.Errorf("expected 69.996 to stay medium, got %s", eval.Severity)
		}
		if eval.TotalScore != 70 {
			t.Errorf("expected reported total 70, got %v", eval.TotalScore)
		}
	})

	t.Run("InactiveBoundIgnored", func(t *testing.T) {
		inactive := severityRule(KeySeverityCritical, 10)
		inactive.IsActive = false
		snap := domain.ThresholdSnapshot{Rules: []domain.ThresholdRule{inactive}}

		eval, err := proc.Process(ctx, &DecisionInput{Snapshot: snap, Results: resultsOf(10, 5)})
		if err != nil {
			t.Fatalf("expected inactive bound to fall back to the default, got %v", err)
		}
		if eval.TotalScore != 15 || eval.Severity != domain.SeverityClean {
			t.Errorf("expected 15 clean, got %v %s", eval.TotalScore, eval.Severity)
		}
	})

	t.Run("InconsistentBounds", func(t *testing.T) {
		snap := domain.ThresholdSnapshot{Rules: []domain.ThresholdRule{
			severityRule(KeySeverityLow, 60),
			severityRule(KeySeverityMedium, 50),
		}}
		_, err := proc.Process(ctx, &DecisionInput{Snapshot: snap, Results: resultsOf()})
		if !errors.Is(err, ErrInconsistentSeverityBounds) {
			t.Errorf("expected ErrInconsistentSeverityBounds, got %v", err)
		}
	})
}

func TestSeverityBounds(t *testing.T) {
	t.Run("InclusiveLowerBounds", func(t *testing.T) {
		b := DefaultSeverityBounds()
		cases := map[float64]domain.Severity{
			0:     domain.SeverityClean,
			24.99: domain.SeverityClean,
			25:    domain.SeverityLow,
			50:    domain.SeverityMedium,
			70:    domain.SeverityHigh,
			84.99: domain.SeverityHigh,
			85:    domain.SeverityCritical,
			100:   domain.SeverityCritical,
		}
		for score, want := range cases {
			if got := b.Classify(score); got != want {
				t.Errorf("score %v: expected %s, got %s", score, want, got)
			}
		}
	})

	t.Run("FromRules", func(t *testing.T) {
		rules := []domain.ThresholdRule{
			severityRule(KeySeverityLow, 10),
			severityRule(KeySeverityCritical, 90),
		}
		b := BoundsFromRules(rules)
		if b.Low != 10 || b.Medium != 50 || b.High != 70 || b.Critical != 90 {
			t.Errorf("unexpected bounds: %+v", b)
		}
		if got := b.Classify(85); got != domain.SeverityHigh {
			t.Errorf("expected high with critical at 90, got %s", got)
		}
	})

	t.Run("InactiveRulesUseDefaults", func(t *testing.T) {
		low := severityRule(KeySeverityLow, 5)
		low.IsActive = false
		b := BoundsFromRules([]domain.ThresholdRule{low, severityRule(KeySeverityHigh, 65)})
		if b.Low != 25 || b.High != 65 {
			t.Errorf("expected inactive low to fall back to 25, got %+v", b)
		}
	})

	t.Run("LegacyCompositeCategory", func(t *testing.T) {
		rules := []domain.ThresholdRule{
			{RuleKey: KeySeverityHigh, RuleCategory: domain.CategoryComposite, ThresholdValue: 60, IsActive: true},
		}
		if got := BoundsFromRules(rules).Classify(65); got != domain.SeverityHigh {
			t.Errorf("expected high, got %s", got)
		}
	})

	t.Run("EqualBoundsAreConsistent", func(t *testing.T) {
		b := SeverityBounds{Low: 50, Medium: 50, High: 50, Critical: 50}
		if err := b.Validate(); err != nil {
			t.Errorf("expected equal bounds to validate, got %v", err)
		}
		if got := b.Classify(50); got != domain.SeverityCritical {
			t.Errorf("expected critical, got %s", got)
		}
	})
}

func TestAggregate(t *testing.T) {
	if got := RoundScore(Aggregate(resultsOf(10.333, 5.111))); got != 15.44 {
		t.Errorf("expected 15.44, got %v", got)
	}
	if got := Aggregate(resultsOf(25, 25, 19.996)); got >= 70 {
		t.Errorf("expected the unrounded sum below 70, got %v", got)
	}
	if got := Aggregate(resultsOf(60, 60)); got != 100 {
		t.Errorf("expected clamp to 100, got %v", got)
	}
	if got := Aggregate(nil); got != 0 {
		t.Errorf("expected 0, got %v", got)
	}
}

func TestToDetection(t *testing.T) {
	eval := &domain.FraudEvaluation{
		SubmissionID:     "sub-1",
		EnumeratorID:     "enum-1",
		TotalScore:       75,
		Severity:         domain.SeverityHigh,
		ConfigVersion:    3,
		HeuristicResults: resultsOf(25, 25, 15, 10, 0),
		EvaluatedAt:      time.Now(),
	}

	det := ToDetection("det-1", eval)
	if det.ID != "det-1" || det.SubmissionID != "sub-1" || det.ConfigSnapshotVersion != 3 {
		t.Errorf("unexpected detection: %+v", det)
	}
	want := domain.ComponentScores{GPS: 25, Speed: 25, Straightline: 15, Duplicate: 10, Timing: 0}
	if det.Scores != want {
		t.Errorf("expected %+v, got %+v", want, det.Scores)
	}
}

func TestReasons(t *testing.T) {
	results := resultsOf()
	results[heuristics.KeyOffHours] = domain.HeuristicResult{Score: 10, Details: map[string]any{"flags": []string{"night_hours"}}}
	results[heuristics.KeyDuplicateResponse] = domain.HeuristicResult{Score: 20, Details: map[string]any{"matchType": "exact"}}
	results[heuristics.KeySpeedRun] = domain.HeuristicResult{Score: 0, Details: map[string]any{"tier": "normal"}}

	reasons := Reasons(&domain.FraudEvaluation{HeuristicResults: results})
	if len(reasons) != 2 || reasons[0] != "exact_duplicate" || reasons[1] != "night_hours" {
		t.Errorf("unexpected reasons: %v", reasons)
	}
}
