// Package history assembles the submission context heuristics evaluate against.
package history

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/oslsr/kestrel/internal/domain"
	"github.com/oslsr/kestrel/internal/repository"
)

// ErrSubmissionNotFound is returned when the submission being evaluated does not exist.
var ErrSubmissionNotFound = errors.New("submission not found")

// Related-submission query limits.
const (
	RecentLimit = 100
	NearbyLimit = 200
)

// Store is the persistence the builder reads from.
type Store interface {
	GetSubmission(ctx context.Context, submissionID string) (*domain.Submission, error)
	GetForm(ctx context.Context, formID string) (*domain.Form, error)
	ListRecentSubmissions(ctx context.Context, enumeratorID, excludeID string, since, until time.Time, limit int) ([]domain.RelatedSubmission, error)
	ListNearbySubmissions(ctx context.Context, enumeratorID, excludeID string, since, until time.Time, limit int) ([]domain.RelatedSubmission, error)
}

// Builder loads a submission with its form schema and related history.
type Builder struct {
	store Store
}

// NewBuilder creates a context builder over store.
func NewBuilder(store Store) *Builder {
	return &Builder{store: store}
}

var _ domain.ContextBuilder = (*Builder)(nil)

// Build assembles the context. Windows end at the submission's submittedAt so
// re-evaluating a submission sees the same history.
func (b *Builder) Build(ctx context.Context, submissionID string, window domain.HistoryWindow) (*domain.SubmissionContext, error) {
	sub, err := b.store.GetSubmission(ctx, submissionID)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrSubmissionNotFound, submissionID)
	}
	if err != nil {
		return nil, fmt.Errorf("load submission %s: %w", submissionID, err)
	}

	sc := &domain.SubmissionContext{
		SubmissionID:          sub.ID,
		EnumeratorID:          sub.EnumeratorID,
		QuestionnaireFormID:   sub.QuestionnaireFormID,
		SubmittedAt:           sub.SubmittedAt,
		GPSLatitude:           sub.GPSLatitude,
		GPSLongitude:          sub.GPSLongitude,
		CompletionTimeSeconds: sub.CompletionTimeSeconds,
		RawData:               sub.RawData,
	}

	if sub.QuestionnaireFormID != "" {
		form, err := b.store.GetForm(ctx, sub.QuestionnaireFormID)
		switch {
		case errors.Is(err, repository.ErrNotFound):
			slog.Debug("form not found, continuing without schema",
				"submission_id", sub.ID,
				"form_id", sub.QuestionnaireFormID,
			)
		case err != nil:
			return nil, fmt.Errorf("load form %s: %w", sub.QuestionnaireFormID, err)
		default:
			sc.FormSchema = form.Schema
		}
	}

	until := sub.SubmittedAt
	sc.RecentSubmissions, err = b.store.ListRecentSubmissions(ctx,
		sub.EnumeratorID, sub.ID, until.Add(-window.Recent()), until, RecentLimit)
	if err != nil {
		return nil, fmt.Errorf("load recent submissions: %w", err)
	}

	if sc.HasGPS() {
		sc.NearbySubmissions, err = b.store.ListNearbySubmissions(ctx,
			sub.EnumeratorID, sub.ID, until.Add(-window.GPS), until, NearbyLimit)
		if err != nil {
			return nil, fmt.Errorf("load nearby submissions: %w", err)
		}
	}

	return sc, nil
}
