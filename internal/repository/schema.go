package repository

// Schema definitions for Kestrel database.
// Compatible with both SQLite and PostgreSQL.

const schemaForms = `
CREATE TABLE IF NOT EXISTS questionnaire_forms (
    id TEXT PRIMARY KEY,
    title TEXT NOT NULL,
    version TEXT NOT NULL,
    form_schema TEXT NOT NULL,
    created_at TIMESTAMP NOT NULL
);
`

const schemaSubmissions = `
CREATE TABLE IF NOT EXISTS submissions (
    id TEXT PRIMARY KEY,
    enumerator_id TEXT NOT NULL,
    questionnaire_form_id TEXT NOT NULL,
    submitted_at TIMESTAMP NOT NULL,
    gps_latitude REAL,
    gps_longitude REAL,
    completion_time_seconds REAL,
    raw_data TEXT,
    created_at TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_submissions_enumerator ON submissions(enumerator_id, submitted_at);
CREATE INDEX IF NOT EXISTS idx_submissions_submitted ON submissions(submitted_at);
`

// schemaThresholds defines the temporally versioned threshold table.
// The current version of a key is the row with effective_until IS NULL.
const schemaThresholds = `
CREATE TABLE IF NOT EXISTS fraud_thresholds (
    id TEXT PRIMARY KEY,
    rule_key TEXT NOT NULL,
    display_name TEXT NOT NULL,
    rule_category TEXT NOT NULL,
    threshold_value REAL NOT NULL,
    weight REAL,
    severity_floor TEXT,
    is_active INTEGER NOT NULL DEFAULT 1,
    effective_from TIMESTAMP NOT NULL,
    effective_until TIMESTAMP,
    version INTEGER NOT NULL DEFAULT 1,
    created_by TEXT NOT NULL,
    created_at TIMESTAMP NOT NULL,
    notes TEXT,
    UNIQUE (rule_key, version)
);

CREATE INDEX IF NOT EXISTS idx_fraud_thresholds_current ON fraud_thresholds(rule_key, effective_until);
CREATE INDEX IF NOT EXISTS idx_fraud_thresholds_category ON fraud_thresholds(rule_category);
`

const schemaDetections = `
CREATE TABLE IF NOT EXISTS fraud_detections (
    id TEXT PRIMARY KEY,
    submission_id TEXT NOT NULL,
    enumerator_id TEXT NOT NULL,
    config_snapshot_version INTEGER NOT NULL,
    gps_score REAL NOT NULL DEFAULT 0,
    speed_score REAL NOT NULL DEFAULT 0,
    straightline_score REAL NOT NULL DEFAULT 0,
    duplicate_score REAL NOT NULL DEFAULT 0,
    timing_score REAL NOT NULL DEFAULT 0,
    total_score REAL NOT NULL,
    severity TEXT NOT NULL,
    details TEXT NOT NULL,
    computed_at TIMESTAMP NOT NULL,
    reviewed_by TEXT,
    reviewed_at TIMESTAMP,
    resolution TEXT,
    resolution_notes TEXT
);

CREATE INDEX IF NOT EXISTS idx_fraud_detections_submission ON fraud_detections(submission_id);
CREATE INDEX IF NOT EXISTS idx_fraud_detections_enumerator ON fraud_detections(enumerator_id);
CREATE INDEX IF NOT EXISTS idx_fraud_detections_severity ON fraud_detections(severity);
CREATE INDEX IF NOT EXISTS idx_fraud_detections_computed ON fraud_detections(computed_at);
`

// SchemaVersion is the layout this build reads and writes. Bump it together
// with any statement below that changes an existing table.
const SchemaVersion = 1

// schemaMeta records which layouts have been applied to a database.
const schemaMeta = `
CREATE TABLE IF NOT EXISTS kestrel_schema (
    version INTEGER PRIMARY KEY
);
`

// AllSchemas returns all schema statements in order.
func AllSchemas() []string {
	return []string{
		schemaForms,
		schemaSubmissions,
		schemaThresholds,
		schemaDetections,
	}
}
