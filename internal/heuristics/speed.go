package heuristics

import (
	"context"
	"math"
	"sort"

	"github.com/oslsr/kestrel/internal/domain"
)

// Reference types for completion-time comparison.
const (
	ReferenceEmpiricalMedian    = "empirical_median"
	ReferenceTheoreticalMinimum = "theoretical_minimum"
)

// Median returns the median of values, or 0 for an empty slice.
func Median(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	sorted := append([]float64(nil), values...)
	sort.Float64s(sorted)
	mid := len(sorted) / 2
	if len(sorted)%2 != 0 {
		return sorted[mid]
	}
	return (sorted[mid-1] + sorted[mid]) / 2
}

// TheoreticalMinimum estimates the fastest plausible completion time in seconds
// from the form's question types: 3s per closed, 8s per open, 4s per numeric
// question plus 30s overhead. Without a schema it returns 60.
func TheoreticalMinimum(schema map[string]any) float64 {
	if schema == nil {
		return 60
	}

	var closed, open, numeric int
	for _, sec := range parseSections(schema) {
		for _, q := range sec.Questions {
			switch q.Type {
			case "text", "textarea", "string":
				open++
			case "number", "integer", "decimal", "numeric":
				numeric++
			default:
				// select_one, select_multiple, radio, checkbox, boolean, likert, unknown
				closed++
			}
		}
	}

	minimum := float64(closed*3 + open*8 + numeric*4 + 30)
	return math.Max(minimum, 30)
}

// SpeedRun flags completions far faster than the enumerator's usual pace on the
// same form, or than the form's theoretical minimum while history is thin.
type SpeedRun struct{}

func (SpeedRun) Key() string                   { return KeySpeedRun }
func (SpeedRun) Category() domain.RuleCategory { return domain.CategorySpeed }

func (SpeedRun) Evaluate(_ context.Context, sc *domain.SubmissionContext, rules []domain.ThresholdRule) (domain.HeuristicResult, error) {
	if sc.CompletionTimeSeconds == nil {
		return skipped("no_completion_time"), nil
	}
	completion := *sc.CompletionTimeSeconds

	superPct := threshold(rules, "speed_superspeceder_pct", 25) / 100
	speederPct := threshold(rules, "speed_speeder_pct", 50) / 100
	bootstrapN := threshold(rules, "speed_bootstrap_n", 30)
	weight := threshold(rules, "speed_weight", 25)

	var history []float64
	for i := range sc.RecentSubmissions {
		r := &sc.RecentSubmissions[i]
		if r.CompletionTimeSeconds == nil || *r.CompletionTimeSeconds <= 0 {
			continue
		}
		if r.QuestionnaireFormID != sc.QuestionnaireFormID {
			continue
		}
		history = append(history, *r.CompletionTimeSeconds)
	}

	var reference float64
	var referenceType string
	if float64(len(history)) >= bootstrapN {
		reference = Median(history)
		referenceType = ReferenceEmpiricalMedian
	} else {
		reference = TheoreticalMinimum(sc.FormSchema)
		referenceType = ReferenceTheoreticalMinimum
	}

	if reference <= 0 {
		return domain.HeuristicResult{Score: 0, Details: map[string]any{
			"reason":        "invalid_reference_time",
			"referenceTime": reference,
			"referenceType": referenceType,
		}}, nil
	}

	ratio := completion / reference
	var score float64
	tier := "normal"
	switch {
	case ratio < superPct:
		score = weight
		tier = "superspeceder"
	case ratio < speederPct:
		score = math.Round(weight * 0.48)
		tier = "speeder"
	}

	return domain.HeuristicResult{
		Score: score,
		Details: map[string]any{
			"completionTimeSeconds": completion,
			"referenceTime":         math.Round(reference),
			"referenceType":         referenceType,
			"ratio":                 round2(ratio),
			"tier":                  tier,
			"historicalSampleSize":  len(history),
			"thresholds": map[string]any{
				"superspecederPct": superPct * 100,
				"speederPct":       speederPct * 100,
				"bootstrapN":       bootstrapN,
			},
		},
	}, nil
}
