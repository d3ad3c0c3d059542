// Package domain defines the core interfaces and types for Kestrel.
package domain

import (
	"context"
	"time"
)

// Repository defines the interface for data persistence.
type Repository interface {
	// Questionnaire forms
	SaveForm(ctx context.Context, form *Form) error
	GetForm(ctx context.Context, formID string) (*Form, error)

	// Submissions
	SaveSubmission(ctx context.Context, sub *Submission) error
	GetSubmission(ctx context.Context, submissionID string) (*Submission, error)

	// ListRecentSubmissions returns submissions by one enumerator submitted in
	// [since, until], excluding excludeID, newest first.
	ListRecentSubmissions(ctx context.Context, enumeratorID, excludeID string, since, until time.Time, limit int) ([]RelatedSubmission, error)

	// ListNearbySubmissions returns GPS-tagged submissions by other enumerators
	// submitted in [since, until], excluding excludeID, newest first.
	ListNearbySubmissions(ctx context.Context, enumeratorID, excludeID string, since, until time.Time, limit int) ([]RelatedSubmission, error)

	// Threshold rules (temporally versioned)
	ListActiveThresholds(ctx context.Context) ([]ThresholdRule, error)
	CurrentThresholdVersion(ctx context.Context) (int, error)
	GetCurrentThreshold(ctx context.Context, ruleKey string) (*ThresholdRule, error)
	ListThresholdHistory(ctx context.Context, ruleKey string) ([]ThresholdRule, error)
	InsertThreshold(ctx context.Context, rule *ThresholdRule) error

	// SupersedeThreshold closes the current row (effective_until = next.EffectiveFrom)
	// and inserts next, atomically.
	SupersedeThreshold(ctx context.Context, currentID string, next *ThresholdRule) error

	// Fraud detections
	SaveDetection(ctx context.Context, det *FraudDetection) error
	GetDetection(ctx context.Context, detectionID string) (*FraudDetection, error)
	ListDetections(ctx context.Context, filter DetectionFilter) ([]*FraudDetection, int, error)
	ReviewDetection(ctx context.Context, detectionID string, review DetectionReview) (*FraudDetection, error)

	// Health check
	Ping(ctx context.Context) error

	// Lifecycle
	Close() error
}

// RepositoryConfig holds configuration for repository initialization.
type RepositoryConfig struct {
	// Driver is the database driver: "sqlite" or "postgres"
	Driver string `json:"driver" yaml:"driver" toml:"driver"`

	// SQLite specific
	SQLitePath string `json:"sqlitePath" yaml:"sqlitePath" toml:"sqlitePath"`

	// PostgreSQL specific
	PostgresHost     string `json:"postgresHost" yaml:"postgresHost" toml:"postgresHost"`
	PostgresPort     int    `json:"postgresPort" yaml:"postgresPort" toml:"postgresPort"`
	PostgresUser     string `json:"postgresUser" yaml:"postgresUser" toml:"postgresUser"`
	PostgresPassword string `json:"postgresPassword" yaml:"postgresPassword" toml:"postgresPassword"`
	PostgresDB       string `json:"postgresDb" yaml:"postgresDb" toml:"postgresDb"`
	PostgresSSLMode  string `json:"postgresSslMode" yaml:"postgresSslMode" toml:"postgresSslMode"`

	// Connection pool settings
	MaxOpenConns       int `json:"maxOpenConns" yaml:"maxOpenConns" toml:"maxOpenConns"`
	MaxIdleConns       int `json:"maxIdleConns" yaml:"maxIdleConns" toml:"maxIdleConns"`
	ConnMaxLifetimeSec int `json:"connMaxLifetimeSec" yaml:"connMaxLifetimeSec" toml:"connMaxLifetimeSec"`
}
