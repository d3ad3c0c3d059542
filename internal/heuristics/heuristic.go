// Package heuristics implements the fraud-signal detectors applied to every submission.
package heuristics

import (
	"context"
	"math"

	"github.com/oslsr/kestrel/internal/domain"
)

// Heuristic keys in registry order.
const (
	KeyGPSClustering     = "gps_clustering"
	KeySpeedRun          = "speed_run"
	KeyStraightLining    = "straight_lining"
	KeyDuplicateResponse = "duplicate_response"
	KeyOffHours          = "off_hours"
)

// Heuristic scores one submission context against the active threshold set.
//
// Implementations receive the complete rule set and pick the keys they need.
// Missing context data yields a zero score with details.reason; an error is
// reserved for unexpected failures.
type Heuristic interface {
	Key() string
	Category() domain.RuleCategory
	Evaluate(ctx context.Context, sc *domain.SubmissionContext, rules []domain.ThresholdRule) (domain.HeuristicResult, error)
}

// Registry returns the fixed, ordered set of heuristics.
func Registry() []Heuristic {
	return []Heuristic{
		GPSClustering{},
		SpeedRun{},
		StraightLining{},
		DuplicateResponse{},
		OffHours{},
	}
}

// Keys returns the registry keys in order.
func Keys() []string {
	reg := Registry()
	keys := make([]string, len(reg))
	for i, h := range reg {
		keys[i] = h.Key()
	}
	return keys
}

func threshold(rules []domain.ThresholdRule, key string, def float64) float64 {
	return domain.ThresholdValue(rules, key, def)
}

func skipped(reason string) domain.HeuristicResult {
	return domain.HeuristicResult{Score: 0, Details: map[string]any{"reason": reason}}
}

func round1(v float64) float64 { return math.Round(v*10) / 10 }

func round2(v float64) float64 { return math.Round(v*100) / 100 }
