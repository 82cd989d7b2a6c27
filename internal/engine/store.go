package engine

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"alphasim/internal/store"
)

const jobColumns = `id, status, start_date, end_date, models, replace_existing,
created_at, started_at, completed_at, duration_seconds, error, warnings`

const jobDetailColumns = `id, job_id, date, model, status, started_at,
completed_at, duration_seconds, error`

type jobRow struct {
	Id              string          `db:"id"`
	Status          string          `db:"status"`
	StartDate       sql.NullString  `db:"start_date"`
	EndDate         string          `db:"end_date"`
	Models          string          `db:"models"`
	ReplaceExisting bool            `db:"replace_existing"`
	CreatedAt       time.Time       `db:"created_at"`
	StartedAt       sql.NullTime    `db:"started_at"`
	CompletedAt     sql.NullTime    `db:"completed_at"`
	DurationSeconds sql.NullFloat64 `db:"duration_seconds"`
	Error           sql.NullString  `db:"error"`
	Warnings        sql.NullString  `db:"warnings"`
}

type jobDetailRow struct {
	Id              int64           `db:"id"`
	JobId           string          `db:"job_id"`
	Date            string          `db:"date"`
	Model           string          `db:"model"`
	Status          string          `db:"status"`
	StartedAt       sql.NullTime    `db:"started_at"`
	CompletedAt     sql.NullTime    `db:"completed_at"`
	DurationSeconds sql.NullFloat64 `db:"duration_seconds"`
	Error           sql.NullString  `db:"error"`
}

func buildJob(row *jobRow) (*Job, error) {
	endDate, err := store.ParseDate(row.EndDate)
	if err != nil {
		return nil, fmt.Errorf("engine: job %s: %w", row.Id, err)
	}
	job := &Job{
		ID:              row.Id,
		Status:          JobStatus(row.Status),
		EndDate:         endDate,
		Models:          splitModels(row.Models),
		ReplaceExisting: row.ReplaceExisting,
		CreatedAt:       row.CreatedAt,
		Error:           row.Error.String,
	}
	if row.StartDate.Valid && row.StartDate.String != "" {
		start, err := store.ParseDate(row.StartDate.String)
		if err != nil {
			return nil, fmt.Errorf("engine: job %s: %w", row.Id, err)
		}
		job.StartDate = &start
	}
	if row.StartedAt.Valid {
		t := row.StartedAt.Time
		job.StartedAt = &t
	}
	if row.CompletedAt.Valid {
		t := row.CompletedAt.Time
		job.CompletedAt = &t
	}
	if row.DurationSeconds.Valid {
		job.DurationSeconds = row.DurationSeconds.Float64
	}
	if row.Warnings.Valid && strings.TrimSpace(row.Warnings.String) != "" {
		if err := json.Unmarshal([]byte(row.Warnings.String), &job.Warnings); err != nil {
			return nil, fmt.Errorf("engine: job %s: decode warnings: %w", row.Id, err)
		}
	}
	return job, nil
}

func buildJobDetail(row *jobDetailRow) (*JobDetail, error) {
	date, err := store.ParseDate(row.Date)
	if err != nil {
		return nil, fmt.Errorf("engine: job detail %d: %w", row.Id, err)
	}
	detail := &JobDetail{
		ID:     row.Id,
		JobID:  row.JobId,
		Date:   date,
		Model:  row.Model,
		Status: DetailStatus(row.Status),
		Error:  row.Error.String,
	}
	if row.StartedAt.Valid {
		t := row.StartedAt.Time
		detail.StartedAt = &t
	}
	if row.CompletedAt.Valid {
		t := row.CompletedAt.Time
		detail.CompletedAt = &t
	}
	if row.DurationSeconds.Valid {
		detail.DurationSeconds = row.DurationSeconds.Float64
	}
	return detail, nil
}

func joinModels(models []string) string {
	return strings.Join(models, ",")
}

func splitModels(joined string) []string {
	parts := strings.Split(joined, ",")
	models := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			models = append(models, p)
		}
	}
	return models
}

func encodeWarnings(warnings []string) (sql.NullString, error) {
	if len(warnings) == 0 {
		return sql.NullString{}, nil
	}
	data, err := json.Marshal(warnings)
	if err != nil {
		return sql.NullString{}, fmt.Errorf("engine: encode warnings: %w", err)
	}
	return sql.NullString{String: string(data), Valid: true}, nil
}

func (m *Manager) loadJob(ctx context.Context, jobID string) (*Job, error) {
	query := `SELECT ` + jobColumns + ` FROM jobs WHERE id = $1 LIMIT 1`
	var row jobRow
	err := m.db.QueryRowCtx(ctx, &row, query, jobID)
	if store.IsNoRows(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("engine: load job %s: %w", jobID, err)
	}
	return buildJob(&row)
}

func (m *Manager) loadJobsWhere(ctx context.Context, clause string, args ...any) ([]*Job, error) {
	query := `SELECT ` + jobColumns + ` FROM jobs ` + clause
	var rows []jobRow
	if err := m.db.QueryRowsCtx(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("engine: load jobs: %w", err)
	}
	jobs := make([]*Job, 0, len(rows))
	for i := range rows {
		job, err := buildJob(&rows[i])
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, nil
}

func (m *Manager) loadDetails(ctx context.Context, jobID string) ([]JobDetail, error) {
	query := `SELECT ` + jobDetailColumns + ` FROM job_details WHERE job_id = $1 ORDER BY date, model`
	var rows []jobDetailRow
	if err := m.db.QueryRowsCtx(ctx, &rows, query, jobID); err != nil {
		return nil, fmt.Errorf("engine: load details for job %s: %w", jobID, err)
	}
	details := make([]JobDetail, 0, len(rows))
	for i := range rows {
		detail, err := buildJobDetail(&rows[i])
		if err != nil {
			return nil, err
		}
		details = append(details, *detail)
	}
	return details, nil
}

func (m *Manager) loadDetail(ctx context.Context, jobID string, date time.Time, model string) (*JobDetail, error) {
	query := `SELECT ` + jobDetailColumns + ` FROM job_details WHERE job_id = $1 AND date = $2 AND model = $3 LIMIT 1`
	var row jobDetailRow
	err := m.db.QueryRowCtx(ctx, &row, query, jobID, store.FormatDate(date), model)
	if store.IsNoRows(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("engine: load detail job=%s date=%s model=%s: %w", jobID, store.FormatDate(date), model, err)
	}
	return buildJobDetail(&row)
}

func (m *Manager) detailStatuses(ctx context.Context, jobID string) ([]DetailStatus, error) {
	var raw []string
	query := `SELECT status FROM job_details WHERE job_id = $1`
	if err := m.db.QueryRowsCtx(ctx, &raw, query, jobID); err != nil {
		return nil, fmt.Errorf("engine: detail statuses for job %s: %w", jobID, err)
	}
	statuses := make([]DetailStatus, len(raw))
	for i, s := range raw {
		statuses[i] = DetailStatus(s)
	}
	return statuses, nil
}

// activeJobCount counts jobs occupying the single active slot. It runs on
// the given session so the CreateJob gate and insert share one transaction.
func activeJobCount(ctx context.Context, session store.Session) (int64, error) {
	var n int64
	query := `SELECT COUNT(*) FROM jobs WHERE status IN ($1, $2, $3)`
	err := session.QueryRowCtx(ctx, &n, query,
		string(JobPending), string(JobDownloading), string(JobRunning))
	if err != nil {
		return 0, fmt.Errorf("engine: count active jobs: %w", err)
	}
	return n, nil
}

func (m *Manager) setJobStatus(ctx context.Context, jobID string, status JobStatus) error {
	statement := `UPDATE jobs SET status = $1 WHERE id = $2`
	if _, err := m.db.ExecCtx(ctx, statement, string(status), jobID); err != nil {
		return fmt.Errorf("engine: set job %s status %s: %w", jobID, status, err)
	}
	m.dropStatusCaches(ctx, jobID)
	return nil
}

// markJobStarted moves a pending job into downloading_data and stamps
// started_at. The status guard makes a duplicate pickup a no-op.
func (m *Manager) markJobStarted(ctx context.Context, jobID string) error {
	statement := `UPDATE jobs SET status = $1, started_at = $2 WHERE id = $3 AND status = $4`
	_, err := m.db.ExecCtx(ctx, statement,
		string(JobDownloading), m.now().UTC(), jobID, string(JobPending))
	if err != nil {
		return fmt.Errorf("engine: mark job %s started: %w", jobID, err)
	}
	m.dropStatusCaches(ctx, jobID)
	return nil
}

// finishJob stamps a terminal status. Duration runs from started_at, falling
// back to created_at for jobs that never left pending.
func (m *Manager) finishJob(ctx context.Context, job *Job, status JobStatus, errMsg string) error {
	completed := m.now().UTC()
	began := job.CreatedAt
	if job.StartedAt != nil {
		began = *job.StartedAt
	}
	duration := completed.Sub(began).Seconds()
	if duration < 0 {
		duration = 0
	}

	statement := `UPDATE jobs SET status = $1, completed_at = $2, duration_seconds = $3, error = $4 WHERE id = $5`
	var msg sql.NullString
	if strings.TrimSpace(errMsg) != "" {
		msg = sql.NullString{String: errMsg, Valid: true}
	}
	if _, err := m.db.ExecCtx(ctx, statement, string(status), completed, duration, msg, job.ID); err != nil {
		return fmt.Errorf("engine: finish job %s as %s: %w", job.ID, status, err)
	}
	m.dropStatusCaches(ctx, job.ID)
	return nil
}

// appendJobWarnings merges new warnings onto the job row. Only the worker
// driving the job writes warnings, so load-modify-write is safe here.
func (m *Manager) appendJobWarnings(ctx context.Context, jobID string, warnings []string) error {
	if len(warnings) == 0 {
		return nil
	}
	job, err := m.loadJob(ctx, jobID)
	if err != nil {
		return err
	}
	if job == nil {
		return fmt.Errorf("engine: append warnings: %w", ErrJobNotFound)
	}
	encoded, err := encodeWarnings(append(job.Warnings, warnings...))
	if err != nil {
		return err
	}
	statement := `UPDATE jobs SET warnings = $1 WHERE id = $2`
	if _, err := m.db.ExecCtx(ctx, statement, encoded, jobID); err != nil {
		return fmt.Errorf("engine: append warnings to job %s: %w", jobID, err)
	}
	m.dropStatusCaches(ctx, jobID)
	return nil
}

// updateDetail writes one detail transition with the stamps the new status
// calls for. It deliberately does not touch the job row; callers that need
// the job-level aggregation refreshed go through TransitionDetail.
func (m *Manager) updateDetail(ctx context.Context, detail *JobDetail, status DetailStatus, errMsg string) error {
	now := m.now().UTC()
	var msg sql.NullString
	if strings.TrimSpace(errMsg) != "" {
		msg = sql.NullString{String: errMsg, Valid: true}
	}

	var (
		statement string
		args      []any
	)
	switch {
	case status == DetailRunning:
		statement = `UPDATE job_details SET status = $1, started_at = $2, error = $3 WHERE id = $4`
		args = []any{string(status), now, msg, detail.ID}
	case status.Terminal():
		duration := 0.0
		if detail.StartedAt != nil {
			duration = now.Sub(*detail.StartedAt).Seconds()
			if duration < 0 {
				duration = 0
			}
		}
		statement = `UPDATE job_details SET status = $1, completed_at = $2, duration_seconds = $3, error = $4 WHERE id = $5`
		args = []any{string(status), now, duration, msg, detail.ID}
	default:
		statement = `UPDATE job_details SET status = $1, error = $2 WHERE id = $3`
		args = []any{string(status), msg, detail.ID}
	}

	if _, err := m.db.ExecCtx(ctx, statement, args...); err != nil {
		return fmt.Errorf("engine: update detail %d to %s: %w", detail.ID, status, err)
	}
	return nil
}
