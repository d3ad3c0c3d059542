package heuristics

import (
	"context"
	"reflect"
	"strings"

	"github.com/oslsr/kestrel/internal/domain"
)

// Match types reported by DuplicateResponse.
const (
	MatchExact   = "exact"
	MatchPartial = "partial"
	MatchNone    = "none"
)

// FieldMatchRatio returns the share of answer keys with equal values in a and b.
// Keys are the union of both maps, ignoring metadata keys prefixed with "_".
// A key missing on either side never matches.
func FieldMatchRatio(a, b map[string]any) float64 {
	keys := make(map[string]struct{}, len(a)+len(b))
	for k := range a {
		if !strings.HasPrefix(k, "_") {
			keys[k] = struct{}{}
		}
	}
	for k := range b {
		if !strings.HasPrefix(k, "_") {
			keys[k] = struct{}{}
		}
	}
	if len(keys) == 0 {
		return 0
	}

	matches := 0
	for k := range keys {
		va, okA := a[k]
		vb, okB := b[k]
		if okA && okB && reflect.DeepEqual(va, vb) {
			matches++
		}
	}
	return float64(matches) / float64(len(keys))
}

// DuplicateResponse flags submissions whose answers copy one of the
// enumerator's recent submissions.
type DuplicateResponse struct{}

func (DuplicateResponse) Key() string                   { return KeyDuplicateResponse }
func (DuplicateResponse) Category() domain.RuleCategory { return domain.CategoryDuplicate }

func (DuplicateResponse) Evaluate(_ context.Context, sc *domain.SubmissionContext, rules []domain.ThresholdRule) (domain.HeuristicResult, error) {
	if sc.RawData == nil || len(sc.RecentSubmissions) == 0 {
		return skipped("no_data_or_history"), nil
	}

	exact := threshold(rules, "duplicate_exact_threshold", 1.0)
	partial := threshold(rules, "duplicate_partial_threshold", 0.7)
	weight := threshold(rules, "duplicate_weight", 20)

	var best float64
	var bestID string
	compared := 0
	for i := range sc.RecentSubmissions {
		r := &sc.RecentSubmissions[i]
		if r.RawData == nil {
			continue
		}
		compared++
		if ratio := FieldMatchRatio(sc.RawData, r.RawData); ratio > best {
			best = ratio
			bestID = r.ID
		}
	}

	var score float64
	matchType := MatchNone
	switch {
	case best >= exact:
		score = weight
		matchType = MatchExact
	case best >= partial:
		score = weight / 2
		matchType = MatchPartial
	}

	details := map[string]any{
		"matchType":      matchType,
		"bestMatchRatio": round2(best),
		"comparedCount":  compared,
		"thresholds": map[string]any{
			"exactThreshold":   exact,
			"partialThreshold": partial,
		},
	}
	if matchType != MatchNone {
		details["matchedSubmissionId"] = bestID
	}

	return domain.HeuristicResult{Score: round2(score), Details: details}, nil
}
