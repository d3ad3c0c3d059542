package domain

import (
	"context"
	"time"
)

// RuleCategory groups threshold rules and binds them to one heuristic.
type RuleCategory string

const (
	CategoryGPS          RuleCategory = "gps"
	CategorySpeed        RuleCategory = "speed"
	CategoryStraightline RuleCategory = "straightline"
	CategoryDuplicate    RuleCategory = "duplicate"
	CategoryTiming       RuleCategory = "timing"
	CategorySeverity     RuleCategory = "severity"

	// CategoryComposite is the legacy label for severity bounds.
	CategoryComposite RuleCategory = "composite"
)

// IsSeverity reports whether rules of this category hold severity bounds.
func (c RuleCategory) IsSeverity() bool {
	return c == CategorySeverity || c == CategoryComposite
}

// Valid reports whether c is a known category.
func (c RuleCategory) Valid() bool {
	switch c {
	case CategoryGPS, CategorySpeed, CategoryStraightline, CategoryDuplicate,
		CategoryTiming, CategorySeverity, CategoryComposite:
		return true
	}
	return false
}

// ThresholdRule is one versioned configuration value.
// Rows with EffectiveUntil == nil are the current version of their key.
type ThresholdRule struct {
	ID             string       `json:"id"`
	RuleKey        string       `json:"ruleKey"`
	DisplayName    string       `json:"displayName"`
	RuleCategory   RuleCategory `json:"ruleCategory"`
	ThresholdValue float64      `json:"thresholdValue"`
	Weight         *float64     `json:"weight,omitempty"`
	SeverityFloor  *string      `json:"severityFloor,omitempty"`
	IsActive       bool         `json:"isActive"`
	EffectiveFrom  time.Time    `json:"effectiveFrom"`
	EffectiveUntil *time.Time   `json:"effectiveUntil,omitempty"`
	Version        int          `json:"version"`
	CreatedBy      string       `json:"createdBy"`
	CreatedAt      time.Time    `json:"createdAt"`
	Notes          *string      `json:"notes,omitempty"`
}

// ThresholdSnapshot is the active rule set and its version, read once per evaluation.
type ThresholdSnapshot struct {
	Rules   []ThresholdRule `json:"rules"`
	Version int             `json:"version"`
}

// Value returns the threshold value for key, or def when the key is absent or inactive.
func (s ThresholdSnapshot) Value(key string, def float64) float64 {
	return ThresholdValue(s.Rules, key, def)
}

// ThresholdValue returns the value of the active rule with the given key, or
// def when the key is absent or inactive.
func ThresholdValue(rules []ThresholdRule, key string, def float64) float64 {
	for i := range rules {
		if rules[i].RuleKey == key && rules[i].IsActive {
			return rules[i].ThresholdValue
		}
	}
	return def
}

// CategoryActive reports whether at least one rule of the category is active.
func CategoryActive(rules []ThresholdRule, category RuleCategory) bool {
	for i := range rules {
		if rules[i].RuleCategory == category && rules[i].IsActive {
			return true
		}
	}
	return false
}

// ThresholdUpdate describes a new version of a rule. Nil fields inherit the
// current version's value.
type ThresholdUpdate struct {
	ThresholdValue float64  `json:"thresholdValue"`
	Weight         *float64 `json:"weight,omitempty"`
	SeverityFloor  *string  `json:"severityFloor,omitempty"`
	IsActive       *bool    `json:"isActive,omitempty"`
	Notes          *string  `json:"notes,omitempty"`
}

// ThresholdProvider supplies the configuration snapshot for an evaluation.
type ThresholdProvider interface {
	Snapshot(ctx context.Context) (ThresholdSnapshot, error)
}
