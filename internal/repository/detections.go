package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/oslsr/kestrel/internal/domain"
)

const detectionColumns = `
	id, submission_id, enumerator_id, config_snapshot_version,
	gps_score, speed_score, straightline_score, duplicate_score, timing_score,
	total_score, severity, details, computed_at,
	reviewed_by, reviewed_at, resolution, resolution_notes
`

// SaveDetection stores a new fraud detection.
func (r *SQLRepository) SaveDetection(ctx context.Context, det *domain.FraudDetection) error {
	if det.ID == "" || det.SubmissionID == "" {
		return fmt.Errorf("%w: detection id and submission id are required", ErrInvalidInput)
	}

	details, err := json.Marshal(det.Details)
	if err != nil {
		return fmt.Errorf("%w: details: %v", ErrInvalidInput, err)
	}

	var resolution sql.NullString
	if det.Resolution != nil {
		resolution = sql.NullString{String: string(*det.Resolution), Valid: true}
	}

	query := `
		INSERT INTO fraud_detections (` + detectionColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err = r.db.ExecContext(ctx, r.rebind(query),
		det.ID, det.SubmissionID, det.EnumeratorID, det.ConfigSnapshotVersion,
		det.Scores.GPS, det.Scores.Speed, det.Scores.Straightline, det.Scores.Duplicate, det.Scores.Timing,
		det.TotalScore, string(det.Severity), string(details), det.ComputedAt.UTC(),
		nullString(det.ReviewedBy), nullTime(det.ReviewedAt), resolution, nullString(det.ResolutionNotes),
	)
	return err
}

// GetDetection retrieves a detection by ID.
func (r *SQLRepository) GetDetection(ctx context.Context, detectionID string) (*domain.FraudDetection, error) {
	query := `SELECT ` + detectionColumns + ` FROM fraud_detections WHERE id = ?`

	det, err := scanDetection(r.db.QueryRowContext(ctx, r.rebind(query), detectionID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return det, nil
}

// ListDetections returns one page of detections matching the filter, newest
// first, together with the total match count.
func (r *SQLRepository) ListDetections(ctx context.Context, filter domain.DetectionFilter) ([]*domain.FraudDetection, int, error) {
	filter.Normalize()

	var conds []string
	var args []any

	if filter.Severity != "" {
		conds = append(conds, "severity = ?")
		args = append(args, string(filter.Severity))
	}
	switch filter.Resolution {
	case "":
	case domain.ResolutionUnreviewed:
		conds = append(conds, "resolution IS NULL")
	default:
		conds = append(conds, "resolution = ?")
		args = append(args, string(filter.Resolution))
	}
	if filter.EnumeratorID != "" {
		conds = append(conds, "enumerator_id = ?")
		args = append(args, filter.EnumeratorID)
	}
	if filter.DateFrom != nil {
		conds = append(conds, "computed_at >= ?")
		args = append(args, filter.DateFrom.UTC())
	}
	if filter.DateTo != nil {
		conds = append(conds, "computed_at <= ?")
		args = append(args, filter.DateTo.UTC())
	}

	where := ""
	if len(conds) > 0 {
		where = " WHERE " + strings.Join(conds, " AND ")
	}

	var total int
	countQuery := `SELECT COUNT(*) FROM fraud_detections` + where
	if err := r.db.QueryRowContext(ctx, r.rebind(countQuery), args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	query := `SELECT ` + detectionColumns + ` FROM fraud_detections` + where +
		` ORDER BY computed_at DESC, id LIMIT ? OFFSET ?`
	pageArgs := append(args, filter.PageSize, (filter.Page-1)*filter.PageSize)

	rows, err := r.db.QueryContext(ctx, r.rebind(query), pageArgs...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	detections := make([]*domain.FraudDetection, 0, filter.PageSize)
	for rows.Next() {
		det, err := scanDetection(rows)
		if err != nil {
			return nil, 0, err
		}
		detections = append(detections, det)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, err
	}
	return detections, total, nil
}

// ReviewDetection records a supervisor resolution and returns the updated detection.
func (r *SQLRepository) ReviewDetection(ctx context.Context, detectionID string, review domain.DetectionReview) (*domain.FraudDetection, error) {
	if !review.Resolution.Valid() {
		return nil, fmt.Errorf("%w: unknown resolution %q", ErrInvalidInput, review.Resolution)
	}
	if review.ReviewedBy == "" {
		return nil, fmt.Errorf("%w: reviewer is required", ErrInvalidInput)
	}

	query := `
		UPDATE fraud_detections
		SET reviewed_by = ?, reviewed_at = ?, resolution = ?, resolution_notes = ?
		WHERE id = ?
	`
	result, err := r.db.ExecContext(ctx, r.rebind(query),
		review.ReviewedBy, review.ReviewedAt.UTC(), string(review.Resolution),
		nullString(review.ResolutionNotes), detectionID,
	)
	if err != nil {
		return nil, err
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return nil, err
	}
	if rows == 0 {
		return nil, ErrNotFound
	}

	return r.GetDetection(ctx, detectionID)
}

func scanDetection(s scanner) (*domain.FraudDetection, error) {
	var det domain.FraudDetection
	var severity, details string
	var reviewedBy, resolution, notes sql.NullString
	var reviewedAt sql.NullTime

	if err := s.Scan(
		&det.ID, &det.SubmissionID, &det.EnumeratorID, &det.ConfigSnapshotVersion,
		&det.Scores.GPS, &det.Scores.Speed, &det.Scores.Straightline, &det.Scores.Duplicate, &det.Scores.Timing,
		&det.TotalScore, &severity, &details, &det.ComputedAt,
		&reviewedBy, &reviewedAt, &resolution, &notes,
	); err != nil {
		return nil, err
	}

	det.Severity = domain.Severity(severity)
	if details != "" {
		if err := json.Unmarshal([]byte(details), &det.Details); err != nil {
			return nil, fmt.Errorf("decode detection details: %w", err)
		}
	}
	det.ComputedAt = det.ComputedAt.UTC()
	det.ReviewedBy = stringPtr(reviewedBy)
	det.ReviewedAt = timePtr(reviewedAt)
	if resolution.Valid {
		res := domain.Resolution(resolution.String)
		det.Resolution = &res
	}
	det.ResolutionNotes = stringPtr(notes)
	return &det, nil
}
