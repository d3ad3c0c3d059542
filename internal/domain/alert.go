package domain

import "time"

// AlertPolicy is a named CEL expression deciding whether supervisors are alerted.
type AlertPolicy struct {
	Name       string `json:"name" yaml:"name" toml:"name"`
	Expression string `json:"expression" yaml:"expression" toml:"expression"`
	Enabled    bool   `json:"enabled" yaml:"enabled" toml:"enabled"`
}

// DefaultAlertPolicy alerts on high and critical detections.
func DefaultAlertPolicy() AlertPolicy {
	return AlertPolicy{
		Name:       "high_severity",
		Expression: `severity in ["high", "critical"]`,
		Enabled:    true,
	}
}

// Alert is published when at least one policy matches a detection.
type Alert struct {
	ID           string    `json:"id"`
	DetectionID  string    `json:"detectionId"`
	SubmissionID string    `json:"submissionId"`
	EnumeratorID string    `json:"enumeratorId"`
	Severity     Severity  `json:"severity"`
	TotalScore   float64   `json:"totalScore"`
	Policies     []string  `json:"policies"`
	CreatedAt    time.Time `json:"createdAt"`
}
