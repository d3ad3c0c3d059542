package domain

import (
	"time"
)

// HeuristicResult is the outcome of one heuristic.
// Details carries "reason" when scoring was skipped and "error" when it failed.
type HeuristicResult struct {
	Score   float64        `json:"score"`
	Details map[string]any `json:"details"`
}

// Reason returns details.reason, if any.
func (r HeuristicResult) Reason() string {
	s, _ := r.Details["reason"].(string)
	return s
}

// Err returns details.error, if any.
func (r HeuristicResult) Err() string {
	s, _ := r.Details["error"].(string)
	return s
}

// Severity is the classification tier of an evaluation.
type Severity string

const (
	SeverityClean    Severity = "clean"
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Valid reports whether s is a known tier.
func (s Severity) Valid() bool {
	switch s {
	case SeverityClean, SeverityLow, SeverityMedium, SeverityHigh, SeverityCritical:
		return true
	}
	return false
}

// Rank orders tiers from clean (0) to critical (4); unknown tiers rank -1.
func (s Severity) Rank() int {
	switch s {
	case SeverityClean:
		return 0
	case SeverityLow:
		return 1
	case SeverityMedium:
		return 2
	case SeverityHigh:
		return 3
	case SeverityCritical:
		return 4
	}
	return -1
}

// FraudEvaluation is the result of scoring one submission.
type FraudEvaluation struct {
	SubmissionID     string                     `json:"submissionId"`
	EnumeratorID     string                     `json:"enumeratorId"`
	TotalScore       float64                    `json:"totalScore"`
	Severity         Severity                   `json:"severity"`
	ConfigVersion    int                        `json:"configVersion"`
	HeuristicResults map[string]HeuristicResult `json:"heuristicResults"`
	EvaluatedAt      time.Time                  `json:"evaluatedAt"`
	Metadata         EvaluationMetadata         `json:"metadata"`
}

// EvaluationMetadata contains processing information.
type EvaluationMetadata struct {
	TraceID           string `json:"traceId,omitempty"`
	ContextMs         int64  `json:"contextMs"`
	HeuristicsMs      int64  `json:"heuristicsMs"`
	TotalMs           int64  `json:"totalMs"`
	HeuristicsRun     int    `json:"heuristicsRun"`
	HeuristicsFailed  int    `json:"heuristicsFailed"`
	HeuristicsSkipped int    `json:"heuristicsSkipped"`
	EngineVersion     string `json:"engineVersion"`
}

// Resolution is a supervisor's verdict on a detection.
type Resolution string

const (
	ResolutionConfirmedFraud      Resolution = "confirmed_fraud"
	ResolutionFalsePositive       Resolution = "false_positive"
	ResolutionNeedsInvestigation  Resolution = "needs_investigation"
	ResolutionDismissed           Resolution = "dismissed"
	ResolutionEnumeratorWarned    Resolution = "enumerator_warned"
	ResolutionEnumeratorSuspended Resolution = "enumerator_suspended"

	// ResolutionUnreviewed is a filter value matching detections without a resolution.
	ResolutionUnreviewed Resolution = "unreviewed"
)

// Valid reports whether r can be stored on a detection.
func (r Resolution) Valid() bool {
	switch r {
	case ResolutionConfirmedFraud, ResolutionFalsePositive, ResolutionNeedsInvestigation,
		ResolutionDismissed, ResolutionEnumeratorWarned, ResolutionEnumeratorSuspended:
		return true
	}
	return false
}

// ComponentScores holds the per-category scores of a detection.
type ComponentScores struct {
	GPS          float64 `json:"gps"`
	Speed        float64 `json:"speed"`
	Straightline float64 `json:"straightline"`
	Duplicate    float64 `json:"duplicate"`
	Timing       float64 `json:"timing"`
}

// FraudDetection is a persisted evaluation awaiting supervisor review.
type FraudDetection struct {
	ID                    string                     `json:"id"`
	SubmissionID          string                     `json:"submissionId"`
	EnumeratorID          string                     `json:"enumeratorId"`
	ConfigSnapshotVersion int                        `json:"configSnapshotVersion"`
	Scores                ComponentScores            `json:"scores"`
	TotalScore            float64                    `json:"totalScore"`
	Severity              Severity                   `json:"severity"`
	Details               map[string]HeuristicResult `json:"details"`
	ComputedAt            time.Time                  `json:"computedAt"`
	ReviewedBy            *string                    `json:"reviewedBy,omitempty"`
	ReviewedAt            *time.Time                 `json:"reviewedAt,omitempty"`
	Resolution            *Resolution                `json:"resolution,omitempty"`
	ResolutionNotes       *string                    `json:"resolutionNotes,omitempty"`
}

// DetectionReview is a supervisor's resolution of a detection.
type DetectionReview struct {
	ReviewedBy      string     `json:"reviewedBy"`
	ReviewedAt      time.Time  `json:"reviewedAt"`
	Resolution      Resolution `json:"resolution"`
	ResolutionNotes *string    `json:"resolutionNotes,omitempty"`
}

// DetectionFilter narrows a detection listing.
type DetectionFilter struct {
	Severity     Severity
	Resolution   Resolution
	EnumeratorID string
	DateFrom     *time.Time
	DateTo       *time.Time
	Page         int
	PageSize     int
}

// Pagination bounds for detection listings.
const (
	DefaultPageSize = 20
	MaxPageSize     = 100
)

// Normalize applies pagination defaults.
func (f *DetectionFilter) Normalize() {
	if f.Page < 1 {
		f.Page = 1
	}
	if f.PageSize < 1 {
		f.PageSize = DefaultPageSize
	}
	if f.PageSize > MaxPageSize {
		f.PageSize = MaxPageSize
	}
}

// DetectionPage is one page of a detection listing.
type DetectionPage struct {
	Data     []*FraudDetection `json:"data"`
	Total    int               `json:"total"`
	Page     int               `json:"page"`
	PageSize int               `json:"pageSize"`
}
