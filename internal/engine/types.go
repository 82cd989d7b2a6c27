// Package engine owns the simulation jobs: creating them, resolving their
// date ranges, driving them day by day across models, and keeping the
// job/job-detail state machine consistent with what actually happened.
package engine

import "time"

// JobStatus is the lifecycle state of a job row.
type JobStatus string

const (
	JobPending     JobStatus = "pending"
	JobDownloading JobStatus = "downloading_data"
	JobRunning     JobStatus = "running"
	JobCompleted   JobStatus = "completed"
	JobPartial     JobStatus = "partial"
	JobFailed      JobStatus = "failed"
)

// Terminal reports whether the status is final.
func (s JobStatus) Terminal() bool {
	return s == JobCompleted || s == JobPartial || s == JobFailed
}

// Active reports whether a job in this status occupies the single active
// slot the concurrency gate protects.
func (s JobStatus) Active() bool {
	return s == JobPending || s == JobDownloading || s == JobRunning
}

// DetailStatus is the lifecycle state of one (model, date) unit.
type DetailStatus string

const (
	DetailPending   DetailStatus = "pending"
	DetailRunning   DetailStatus = "running"
	DetailCompleted DetailStatus = "completed"
	DetailFailed    DetailStatus = "failed"
	DetailSkipped   DetailStatus = "skipped"
)

// Terminal reports whether the detail status is final.
func (s DetailStatus) Terminal() bool {
	return s == DetailCompleted || s == DetailFailed || s == DetailSkipped
}

// Job is one simulation request: a date range run for a set of models.
type Job struct {
	ID              string     `json:"id"`
	Status          JobStatus  `json:"status"`
	StartDate       *time.Time `json:"start_date,omitempty"`
	EndDate         time.Time  `json:"end_date"`
	Models          []string   `json:"models"`
	ReplaceExisting bool       `json:"replace_existing"`
	CreatedAt       time.Time  `json:"created_at"`
	StartedAt       *time.Time `json:"started_at,omitempty"`
	CompletedAt     *time.Time `json:"completed_at,omitempty"`
	DurationSeconds float64    `json:"duration_seconds,omitempty"`
	Error           string     `json:"error,omitempty"`
	Warnings        []string   `json:"warnings,omitempty"`
}

// JobDetail is the execution record for one (model, date) unit of a job.
// Job-level status is always an aggregation over these rows.
type JobDetail struct {
	ID              int64        `json:"id"`
	JobID           string       `json:"job_id"`
	Date            time.Time    `json:"date"`
	Model           string       `json:"model"`
	Status          DetailStatus `json:"status"`
	StartedAt       *time.Time   `json:"started_at,omitempty"`
	CompletedAt     *time.Time   `json:"completed_at,omitempty"`
	DurationSeconds float64      `json:"duration_seconds,omitempty"`
	Error           string       `json:"error,omitempty"`
}

// CreateJobRequest describes a new simulation job. A nil StartDate asks each
// model to resume from its own last recorded trading day. JobID is an
// optional idempotency key; when empty the manager generates one.
type CreateJobRequest struct {
	JobID           string     `json:"job_id,omitempty"`
	StartDate       *time.Time `json:"start_date,omitempty"`
	EndDate         time.Time  `json:"end_date"`
	Models          []string   `json:"models"`
	ReplaceExisting bool       `json:"replace_existing"`
}

// Plan is the resolver's output: the dates each model still needs, their
// sorted union, and the instrument universe the run will price.
type Plan struct {
	PerModel map[string][]time.Time
	Dates    []time.Time
	Symbols  []string
}
