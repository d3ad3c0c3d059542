package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/oslsr/kestrel/internal/domain"
)

const thresholdColumns = `
	id, rule_key, display_name, rule_category, threshold_value, weight,
	severity_floor, is_active, effective_from, effective_until, version,
	created_by, created_at, notes
`

// ListActiveThresholds returns the current version of every active rule, ordered by key.
func (r *SQLRepository) ListActiveThresholds(ctx context.Context) ([]domain.ThresholdRule, error) {
	query := `SELECT ` + thresholdColumns + `
		FROM fraud_thresholds
		WHERE is_active = 1 AND effective_until IS NULL
		ORDER BY rule_key
	`
	return r.queryThresholds(ctx, query)
}

// CurrentThresholdVersion returns the highest version among current active rules, or 1 when none exist.
func (r *SQLRepository) CurrentThresholdVersion(ctx context.Context) (int, error) {
	query := `
		SELECT COALESCE(MAX(version), 1)
		FROM fraud_thresholds
		WHERE is_active = 1 AND effective_until IS NULL
	`
	var version int
	if err := r.db.QueryRowContext(ctx, query).Scan(&version); err != nil {
		return 0, err
	}
	return version, nil
}

// GetCurrentThreshold returns the current row for a key, active or not.
func (r *SQLRepository) GetCurrentThreshold(ctx context.Context, ruleKey string) (*domain.ThresholdRule, error) {
	query := `SELECT ` + thresholdColumns + `
		FROM fraud_thresholds
		WHERE rule_key = ? AND effective_until IS NULL
	`
	rule, err := scanThreshold(r.db.QueryRowContext(ctx, r.rebind(query), ruleKey))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return rule, nil
}

// ListThresholdHistory returns every version of a key, newest first.
func (r *SQLRepository) ListThresholdHistory(ctx context.Context, ruleKey string) ([]domain.ThresholdRule, error) {
	query := `SELECT ` + thresholdColumns + `
		FROM fraud_thresholds
		WHERE rule_key = ?
		ORDER BY version DESC
	`
	return r.queryThresholds(ctx, query, ruleKey)
}

// InsertThreshold stores a new threshold row.
func (r *SQLRepository) InsertThreshold(ctx context.Context, rule *domain.ThresholdRule) error {
	return r.insertThreshold(ctx, r.db, rule)
}

// SupersedeThreshold closes the current row and inserts its successor in one transaction.
// It returns ErrConflict when the current row has already been closed.
func (r *SQLRepository) SupersedeThreshold(ctx context.Context, currentID string, next *domain.ThresholdRule) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	query := `
		UPDATE fraud_thresholds SET effective_until = ?
		WHERE id = ? AND effective_until IS NULL
	`
	result, err := tx.ExecContext(ctx, r.rebind(query), next.EffectiveFrom.UTC(), currentID)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return fmt.Errorf("%w: threshold %s is no longer current", ErrConflict, currentID)
	}

	if err := r.insertThreshold(ctx, tx, next); err != nil {
		return err
	}
	return tx.Commit()
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func (r *SQLRepository) insertThreshold(ctx context.Context, db execer, rule *domain.ThresholdRule) error {
	if rule.ID == "" || rule.RuleKey == "" {
		return fmt.Errorf("%w: threshold id and rule key are required", ErrInvalidInput)
	}
	if !rule.RuleCategory.Valid() {
		return fmt.Errorf("%w: unknown rule category %q", ErrInvalidInput, rule.RuleCategory)
	}

	query := `
		INSERT INTO fraud_thresholds (` + thresholdColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err := db.ExecContext(ctx, r.rebind(query),
		rule.ID, rule.RuleKey, rule.DisplayName, string(rule.RuleCategory),
		rule.ThresholdValue, nullFloat(rule.Weight), nullString(rule.SeverityFloor),
		boolInt(rule.IsActive), rule.EffectiveFrom.UTC(), nullTime(rule.EffectiveUntil),
		rule.Version, rule.CreatedBy, rule.CreatedAt.UTC(), nullString(rule.Notes),
	)
	return err
}

func (r *SQLRepository) queryThresholds(ctx context.Context, query string, args ...any) ([]domain.ThresholdRule, error) {
	rows, err := r.db.QueryContext(ctx, r.rebind(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var rules []domain.ThresholdRule
	for rows.Next() {
		rule, err := scanThreshold(rows)
		if err != nil {
			return nil, err
		}
		rules = append(rules, *rule)
	}
	return rules, rows.Err()
}

func scanThreshold(s scanner) (*domain.ThresholdRule, error) {
	var rule domain.ThresholdRule
	var category string
	var weight sql.NullFloat64
	var floor, notes sql.NullString
	var until sql.NullTime
	var active int

	if err := s.Scan(
		&rule.ID, &rule.RuleKey, &rule.DisplayName, &category, &rule.ThresholdValue, &weight,
		&floor, &active, &rule.EffectiveFrom, &until, &rule.Version,
		&rule.CreatedBy, &rule.CreatedAt, &notes,
	); err != nil {
		return nil, err
	}

	rule.RuleCategory = domain.RuleCategory(category)
	rule.Weight = floatPtr(weight)
	rule.SeverityFloor = stringPtr(floor)
	rule.IsActive = active == 1
	rule.EffectiveFrom = rule.EffectiveFrom.UTC()
	rule.EffectiveUntil = timePtr(until)
	rule.CreatedAt = rule.CreatedAt.UTC()
	rule.Notes = stringPtr(notes)
	return &rule, nil
}
