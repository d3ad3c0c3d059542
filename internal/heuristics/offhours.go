package heuristics

import (
	"context"
	"math"
	"time"

	"github.com/oslsr/kestrel/internal/domain"
)

// WAT is West Africa Time (UTC+1, no daylight saving).
var WAT = time.FixedZone("WAT", 60*60)

// WATHour returns the hour of t in West Africa Time.
func WATHour(t time.Time) int {
	return t.In(WAT).Hour()
}

// IsWeekendWAT reports whether t falls on a Saturday or Sunday in West Africa Time.
func IsWeekendWAT(t time.Time) bool {
	switch t.In(WAT).Weekday() {
	case time.Saturday, time.Sunday:
		return true
	}
	return false
}

// OffHours flags submissions made at night or on weekends.
type OffHours struct{}

func (OffHours) Key() string                   { return KeyOffHours }
func (OffHours) Category() domain.RuleCategory { return domain.CategoryTiming }

func (OffHours) Evaluate(_ context.Context, sc *domain.SubmissionContext, rules []domain.ThresholdRule) (domain.HeuristicResult, error) {
	nightStart := threshold(rules, "timing_night_start_hour", 23)
	nightEnd := threshold(rules, "timing_night_end_hour", 5)
	weekendPenalty := threshold(rules, "timing_weekend_penalty", 5)
	weight := threshold(rules, "timing_weight", 10)

	hour := float64(WATHour(sc.SubmittedAt))
	weekend := IsWeekendWAT(sc.SubmittedAt)

	var score float64
	flags := []string{}
	if hour >= nightStart || hour < nightEnd {
		score = weight
		flags = append(flags, "night_hours")
	}
	if weekend {
		score += weekendPenalty
		flags = append(flags, "weekend")
	}

	return domain.HeuristicResult{
		Score: round2(math.Min(score, weight)),
		Details: map[string]any{
			"watHour":   int(hour),
			"isWeekend": weekend,
			"flags":     flags,
			"thresholds": map[string]any{
				"nightStartHour": nightStart,
				"nightEndHour":   nightEnd,
				"weekendPenalty": weekendPenalty,
			},
		},
	}, nil
}
