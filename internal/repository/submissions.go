package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/oslsr/kestrel/internal/domain"
)

var _ domain.Repository = (*SQLRepository)(nil)

// SaveForm stores a questionnaire form, replacing any previous definition with the same ID.
func (r *SQLRepository) SaveForm(ctx context.Context, form *domain.Form) error {
	if form.ID == "" {
		return fmt.Errorf("%w: form id is required", ErrInvalidInput)
	}

	schema, err := json.Marshal(form.Schema)
	if err != nil {
		return fmt.Errorf("%w: form schema: %v", ErrInvalidInput, err)
	}
	if form.CreatedAt.IsZero() {
		form.CreatedAt = time.Now().UTC()
	}

	query := `
		INSERT INTO questionnaire_forms (id, title, version, form_schema, created_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			title = excluded.title,
			version = excluded.version,
			form_schema = excluded.form_schema
	`

	_, err = r.db.ExecContext(ctx, r.rebind(query),
		form.ID, form.Title, form.Version, string(schema), form.CreatedAt.UTC(),
	)
	return err
}

// GetForm retrieves a form by ID.
func (r *SQLRepository) GetForm(ctx context.Context, formID string) (*domain.Form, error) {
	query := `
		SELECT id, title, version, form_schema, created_at
		FROM questionnaire_forms
		WHERE id = ?
	`

	var form domain.Form
	var schema sql.NullString
	err := r.db.QueryRowContext(ctx, r.rebind(query), formID).Scan(
		&form.ID, &form.Title, &form.Version, &schema, &form.CreatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	if form.Schema, err = unmarshalJSON(schema); err != nil {
		return nil, fmt.Errorf("decode form schema: %w", err)
	}
	form.CreatedAt = form.CreatedAt.UTC()
	return &form, nil
}

// SaveSubmission stores a submission. Re-ingesting the same ID overwrites it.
func (r *SQLRepository) SaveSubmission(ctx context.Context, sub *domain.Submission) error {
	if sub.ID == "" || sub.EnumeratorID == "" {
		return fmt.Errorf("%w: submission id and enumerator id are required", ErrInvalidInput)
	}

	raw, err := marshalJSON(sub.RawData)
	if err != nil {
		return fmt.Errorf("%w: raw data: %v", ErrInvalidInput, err)
	}
	if sub.CreatedAt.IsZero() {
		sub.CreatedAt = time.Now().UTC()
	}

	query := `
		INSERT INTO submissions (
			id, enumerator_id, questionnaire_form_id, submitted_at,
			gps_latitude, gps_longitude, completion_time_seconds,
			raw_data, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			enumerator_id = excluded.enumerator_id,
			questionnaire_form_id = excluded.questionnaire_form_id,
			submitted_at = excluded.submitted_at,
			gps_latitude = excluded.gps_latitude,
			gps_longitude = excluded.gps_longitude,
			completion_time_seconds = excluded.completion_time_seconds,
			raw_data = excluded.raw_data
	`

	_, err = r.db.ExecContext(ctx, r.rebind(query),
		sub.ID, sub.EnumeratorID, sub.QuestionnaireFormID, sub.SubmittedAt.UTC(),
		nullFloat(sub.GPSLatitude), nullFloat(sub.GPSLongitude), nullFloat(sub.CompletionTimeSeconds),
		raw, sub.CreatedAt.UTC(),
	)
	return err
}

// GetSubmission retrieves a submission by ID.
func (r *SQLRepository) GetSubmission(ctx context.Context, submissionID string) (*domain.Submission, error) {
	query := `
		SELECT id, enumerator_id, questionnaire_form_id, submitted_at,
			gps_latitude, gps_longitude, completion_time_seconds,
			raw_data, created_at
		FROM submissions
		WHERE id = ?
	`

	var sub domain.Submission
	var lat, lon, completion sql.NullFloat64
	var raw sql.NullString
	err := r.db.QueryRowContext(ctx, r.rebind(query), submissionID).Scan(
		&sub.ID, &sub.EnumeratorID, &sub.QuestionnaireFormID, &sub.SubmittedAt,
		&lat, &lon, &completion,
		&raw, &sub.CreatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	sub.GPSLatitude = floatPtr(lat)
	sub.GPSLongitude = floatPtr(lon)
	sub.CompletionTimeSeconds = floatPtr(completion)
	if sub.RawData, err = unmarshalJSON(raw); err != nil {
		return nil, fmt.Errorf("decode raw data: %w", err)
	}
	sub.SubmittedAt = sub.SubmittedAt.UTC()
	sub.CreatedAt = sub.CreatedAt.UTC()
	return &sub, nil
}

// ListRecentSubmissions returns the enumerator's submissions in [since, until], newest first.
func (r *SQLRepository) ListRecentSubmissions(ctx context.Context, enumeratorID, excludeID string, since, until time.Time, limit int) ([]domain.RelatedSubmission, error) {
	query := `
		SELECT id, enumerator_id, questionnaire_form_id, submitted_at,
			gps_latitude, gps_longitude, completion_time_seconds, raw_data
		FROM submissions
		WHERE enumerator_id = ? AND id <> ? AND submitted_at >= ? AND submitted_at <= ?
		ORDER BY submitted_at DESC
		LIMIT ?
	`
	return r.queryRelated(ctx, query, enumeratorID, excludeID, since.UTC(), until.UTC(), limit)
}

// ListNearbySubmissions returns GPS-tagged submissions by other enumerators in [since, until], newest first.
func (r *SQLRepository) ListNearbySubmissions(ctx context.Context, enumeratorID, excludeID string, since, until time.Time, limit int) ([]domain.RelatedSubmission, error) {
	query := `
		SELECT id, enumerator_id, questionnaire_form_id, submitted_at,
			gps_latitude, gps_longitude, completion_time_seconds, raw_data
		FROM submissions
		WHERE enumerator_id <> ? AND id <> ? AND submitted_at >= ? AND submitted_at <= ?
			AND gps_latitude IS NOT NULL AND gps_longitude IS NOT NULL
		ORDER BY submitted_at DESC
		LIMIT ?
	`
	return r.queryRelated(ctx, query, enumeratorID, excludeID, since.UTC(), until.UTC(), limit)
}

func (r *SQLRepository) queryRelated(ctx context.Context, query string, args ...any) ([]domain.RelatedSubmission, error) {
	rows, err := r.db.QueryContext(ctx, r.rebind(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var related []domain.RelatedSubmission
	for rows.Next() {
		var rs domain.RelatedSubmission
		var lat, lon, completion sql.NullFloat64
		var raw sql.NullString
		if err := rows.Scan(
			&rs.ID, &rs.EnumeratorID, &rs.QuestionnaireFormID, &rs.SubmittedAt,
			&lat, &lon, &completion, &raw,
		); err != nil {
			return nil, err
		}
		rs.GPSLatitude = floatPtr(lat)
		rs.GPSLongitude = floatPtr(lon)
		rs.CompletionTimeSeconds = floatPtr(completion)
		rs.SubmittedAt = rs.SubmittedAt.UTC()
		if rs.RawData, err = unmarshalJSON(raw); err != nil {
			return nil, fmt.Errorf("decode raw data for %s: %w", rs.ID, err)
		}
		related = append(related, rs)
	}
	return related, rows.Err()
}
