package domain

import (
	"context"
	"time"
)

// Submission is a completed questionnaire captured by a field enumerator.
type Submission struct {
	ID                    string         `json:"id"`
	EnumeratorID          string         `json:"enumeratorId"`
	QuestionnaireFormID   string         `json:"questionnaireFormId"`
	SubmittedAt           time.Time      `json:"submittedAt"`
	GPSLatitude           *float64       `json:"gpsLatitude,omitempty"`
	GPSLongitude          *float64       `json:"gpsLongitude,omitempty"`
	CompletionTimeSeconds *float64       `json:"completionTimeSeconds,omitempty"`
	RawData               map[string]any `json:"rawData,omitempty"`
	CreatedAt             time.Time      `json:"createdAt"`
}

// HasGPS reports whether both coordinates were captured.
func (s *Submission) HasGPS() bool {
	return s.GPSLatitude != nil && s.GPSLongitude != nil
}

// Form is a questionnaire definition. Schema holds sections (or pages) of
// questions (or fields), each with a name and a type.
type Form struct {
	ID        string         `json:"id"`
	Title     string         `json:"title"`
	Version   string         `json:"version"`
	Schema    map[string]any `json:"formSchema"`
	CreatedAt time.Time      `json:"createdAt"`
}

// RelatedSubmission is a reduced view of another submission used as history.
type RelatedSubmission struct {
	ID                    string         `json:"id"`
	EnumeratorID          string         `json:"enumeratorId"`
	QuestionnaireFormID   string         `json:"questionnaireFormId"`
	SubmittedAt           time.Time      `json:"submittedAt"`
	GPSLatitude           *float64       `json:"gpsLatitude,omitempty"`
	GPSLongitude          *float64       `json:"gpsLongitude,omitempty"`
	CompletionTimeSeconds *float64       `json:"completionTimeSeconds,omitempty"`
	RawData               map[string]any `json:"rawData,omitempty"`
}

// HasGPS reports whether both coordinates were captured.
func (r *RelatedSubmission) HasGPS() bool {
	return r.GPSLatitude != nil && r.GPSLongitude != nil
}

// SubmissionContext is the read-only input shared by every heuristic in one
// evaluation. Heuristics must not modify it.
type SubmissionContext struct {
	SubmissionID          string
	EnumeratorID          string
	QuestionnaireFormID   string
	SubmittedAt           time.Time
	GPSLatitude           *float64
	GPSLongitude          *float64
	CompletionTimeSeconds *float64
	RawData               map[string]any
	FormSchema            map[string]any

	// Same enumerator, newest first.
	RecentSubmissions []RelatedSubmission

	// Other enumerators with GPS, newest first.
	NearbySubmissions []RelatedSubmission
}

// HasGPS reports whether the submission carries both coordinates.
func (c *SubmissionContext) HasGPS() bool {
	return c.GPSLatitude != nil && c.GPSLongitude != nil
}

// HistoryWindow sizes the related-submission queries.
type HistoryWindow struct {
	// GPS bounds nearby submissions and, together with Lookback, recent ones.
	GPS time.Duration

	// Lookback bounds recent submissions for duplicate detection.
	Lookback time.Duration
}

// Recent returns the wider of the two windows.
func (w HistoryWindow) Recent() time.Duration {
	if w.Lookback > w.GPS {
		return w.Lookback
	}
	return w.GPS
}

// ContextBuilder assembles the submission context for one evaluation.
type ContextBuilder interface {
	Build(ctx context.Context, submissionID string, window HistoryWindow) (*SubmissionContext, error)
}
