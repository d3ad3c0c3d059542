package thresholds

import (
	"strings"

	"github.com/oslsr/kestrel/internal/domain"
)

type defaultRule struct {
	key      string
	name     string
	category domain.RuleCategory
	value    float64
	inactive bool
}

var defaults = []defaultRule{
	{"gps_cluster_radius_m", "GPS cluster radius (m)", domain.CategoryGPS, 50, false},
	{"gps_cluster_min_samples", "GPS cluster minimum samples", domain.CategoryGPS, 3, false},
	{"gps_cluster_time_window_h", "GPS cluster time window (h)", domain.CategoryGPS, 4, false},
	// Devices do not report accuracy yet.
	{"gps_max_accuracy_m", "GPS maximum accuracy (m)", domain.CategoryGPS, 50, true},
	{"gps_teleport_speed_kmh", "GPS teleport speed (km/h)", domain.CategoryGPS, 120, false},
	{"gps_duplicate_coord_threshold_m", "GPS duplicate coordinate distance (m)", domain.CategoryGPS, 5, false},
	{"gps_weight", "GPS clustering weight", domain.CategoryGPS, 25, false},

	{"speed_superspeceder_pct", "Superspeeder threshold (% of median)", domain.CategorySpeed, 25, false},
	{"speed_speeder_pct", "Speeder threshold (% of median)", domain.CategorySpeed, 50, false},
	{"speed_bootstrap_n", "Speed bootstrap sample size", domain.CategorySpeed, 30, false},
	{"speed_weight", "Speed run weight", domain.CategorySpeed, 25, false},

	{"straightline_pir_threshold", "Straight-lining PIR threshold", domain.CategoryStraightline, 0.8, false},
	{"straightline_min_battery_size", "Straight-lining minimum battery size", domain.CategoryStraightline, 5, false},
	{"straightline_entropy_threshold", "Straight-lining entropy threshold", domain.CategoryStraightline, 0.5, false},
	{"straightline_min_flagged_batteries", "Straight-lining minimum flagged batteries", domain.CategoryStraightline, 2, false},
	{"straightline_weight", "Straight-lining weight", domain.CategoryStraightline, 20, false},

	{"duplicate_exact_threshold", "Exact duplicate match ratio", domain.CategoryDuplicate, 1.0, false},
	{"duplicate_partial_threshold", "Partial duplicate match ratio", domain.CategoryDuplicate, 0.7, false},
	{"duplicate_lookback_days", "Duplicate lookback (days)", domain.CategoryDuplicate, 7, false},
	{"duplicate_weight", "Duplicate response weight", domain.CategoryDuplicate, 20, false},

	{"timing_night_start_hour", "Night window start (WAT hour)", domain.CategoryTiming, 23, false},
	{"timing_night_end_hour", "Night window end (WAT hour)", domain.CategoryTiming, 5, false},
	{"timing_weekend_penalty", "Weekend penalty", domain.CategoryTiming, 5, false},
	{"timing_weight", "Off-hours weight", domain.CategoryTiming, 10, false},

	{"severity_low_min", "Low severity minimum score", domain.CategorySeverity, 25, false},
	{"severity_medium_min", "Medium severity minimum score", domain.CategorySeverity, 50, false},
	{"severity_high_min", "High severity minimum score", domain.CategorySeverity, 70, false},
	{"severity_critical_min", "Critical severity minimum score", domain.CategorySeverity, 85, false},
}

// DefaultRules returns the built-in rule set. IDs, versions and timestamps are
// assigned by Seed.
func DefaultRules() []domain.ThresholdRule {
	rules := make([]domain.ThresholdRule, 0, len(defaults))
	for _, d := range defaults {
		rule := domain.ThresholdRule{
			RuleKey:        d.key,
			DisplayName:    d.name,
			RuleCategory:   d.category,
			ThresholdValue: d.value,
			IsActive:       !d.inactive,
		}
		if strings.HasSuffix(d.key, "_weight") {
			w := d.value
			rule.Weight = &w
		}
		rules = append(rules, rule)
	}
	return rules
}
