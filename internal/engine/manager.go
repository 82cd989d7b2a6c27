package engine

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/zeromicro/go-zero/core/logx"
	gocache "github.com/zeromicro/go-zero/core/stores/cache"

	cachekeys "alphasim/internal/cache"
	"alphasim/internal/store"
)

// Manager owns the jobs and job_details tables: it creates jobs behind the
// single-active-job gate, applies detail transitions, keeps the job-level
// status aggregated from its details, recovers interrupted jobs at startup
// and enforces retention.
type Manager struct {
	db       *store.Store
	resolver *Resolver
	cache    gocache.Cache
	ttl      cachekeys.TTLSet
	now      func() time.Time

	// mu serializes the create gate and the detail-transition recompute
	// within the process; the store constraints backstop the rest.
	mu sync.Mutex
}

// ManagerConfig enumerates the manager's dependencies. Cache and Clock are
// optional.
type ManagerConfig struct {
	Store    *store.Store
	Resolver *Resolver
	Cache    gocache.Cache
	TTL      cachekeys.TTLSet
	Clock    func() time.Time
}

// NewManager wires a Manager from its dependencies.
func NewManager(cfg ManagerConfig) (*Manager, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("engine: manager requires a store")
	}
	if cfg.Resolver == nil {
		return nil, fmt.Errorf("engine: manager requires a resolver")
	}
	now := cfg.Clock
	if now == nil {
		now = time.Now
	}
	return &Manager{
		db:       cfg.Store,
		resolver: cfg.Resolver,
		cache:    cfg.Cache,
		ttl:      cfg.TTL,
		now:      now,
	}, nil
}

// statusSnapshot is the cached GetStatus payload.
type statusSnapshot struct {
	Job     *Job        `json:"job"`
	Details []JobDetail `json:"details"`
}

// CreateJob validates and resolves the request, then creates the job row
// plus one pending detail per (model, date) in a single transaction. The
// request fails with ErrJobActive while any other job is still active, and
// before that with ErrAlreadyUpToDate when resolution finds no work.
//
// A caller-supplied JobID doubles as an idempotency key: re-posting the
// same id is rejected as a conflict by the primary key, which closes the
// re-trigger race the in-process mutex cannot see.
func (m *Manager) CreateJob(ctx context.Context, req *CreateJobRequest) (string, error) {
	if req == nil {
		return "", validationf("create job: request is nil")
	}

	plan, err := m.resolver.Resolve(ctx, req)
	if err != nil {
		return "", err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	jobID := strings.TrimSpace(req.JobID)
	if jobID == "" {
		jobID = uuid.New().String()
	}
	models := normalizeModels(req.Models)
	createdAt := m.now().UTC()

	err = m.db.TransactCtx(ctx, func(ctx context.Context, session store.Session) error {
		active, err := activeJobCount(ctx, session)
		if err != nil {
			return err
		}
		if active > 0 {
			return ErrJobActive
		}

		var startDate sql.NullString
		if req.StartDate != nil {
			startDate = sql.NullString{String: store.FormatDate(*req.StartDate), Valid: true}
		}
		insertJob := `INSERT INTO jobs (id, status, start_date, end_date, models, replace_existing, created_at)
VALUES ($1, $2, $3, $4, $5, $6, $7)`
		_, err = session.ExecCtx(ctx, insertJob,
			jobID, string(JobPending), startDate, store.FormatDate(req.EndDate),
			joinModels(models), req.ReplaceExisting, createdAt)
		if err != nil {
			return err
		}

		insertDetail := `INSERT INTO job_details (job_id, date, model, status) VALUES ($1, $2, $3, $4)`
		for _, model := range sortedPlanModels(plan) {
			for _, date := range plan.PerModel[model] {
				_, err := session.ExecCtx(ctx, insertDetail,
					jobID, store.FormatDate(date), model, string(DetailPending))
				if err != nil {
					return err
				}
			}
		}
		return nil
	})
	if err != nil {
		if IsConflict(err) {
			return "", err
		}
		if store.IsUniqueViolation(err) {
			return "", &ConflictError{Msg: fmt.Sprintf("job %s already exists", jobID)}
		}
		return "", fmt.Errorf("engine: create job: %w", err)
	}

	m.dropStatusCaches(ctx, jobID)
	logx.WithContext(ctx).Infof("engine: created job %s end=%s models=%d dates=%d",
		jobID, store.FormatDate(req.EndDate), len(models), len(plan.Dates))
	return jobID, nil
}

// TransitionDetail applies one detail transition, stamping started_at on
// entry to running and completed_at/duration on any terminal status, then
// recomputes the job-level status from all details and persists it when it
// changed.
func (m *Manager) TransitionDetail(ctx context.Context, jobID string, date time.Time, model string, status DetailStatus, errMsg string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	detail, err := m.loadDetail(ctx, jobID, date, model)
	if err != nil {
		return err
	}
	if detail == nil {
		return fmt.Errorf("engine: transition detail job=%s date=%s model=%s: %w",
			jobID, store.FormatDate(date), model, ErrJobNotFound)
	}
	if err := m.updateDetail(ctx, detail, status, errMsg); err != nil {
		return err
	}
	if _, err := m.recomputeJobLocked(ctx, jobID); err != nil {
		return err
	}
	m.dropStatusCaches(ctx, jobID)
	return nil
}

// recomputeJobLocked reloads the detail statuses, derives the job status and
// persists it when changed. Callers hold m.mu.
func (m *Manager) recomputeJobLocked(ctx context.Context, jobID string) (JobStatus, error) {
	job, err := m.loadJob(ctx, jobID)
	if err != nil {
		return "", err
	}
	if job == nil {
		return "", fmt.Errorf("engine: recompute status for job %s: %w", jobID, ErrJobNotFound)
	}
	statuses, err := m.detailStatuses(ctx, jobID)
	if err != nil {
		return "", err
	}
	derived := DeriveJobStatus(job.Status, statuses)
	if derived == job.Status {
		return derived, nil
	}
	if derived.Terminal() {
		if err := m.finishJob(ctx, job, derived, ""); err != nil {
			return "", err
		}
	} else if err := m.setJobStatus(ctx, jobID, derived); err != nil {
		return "", err
	}
	logx.WithContext(ctx).Infof("engine: job %s status %s -> %s", jobID, job.Status, derived)
	return derived, nil
}

// skipDetail marks one detail skipped with a note. The job-level recompute
// is deliberately left to the caller, which decides right afterwards whether
// any work remains at all.
func (m *Manager) skipDetail(ctx context.Context, detail *JobDetail, note string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.updateDetail(ctx, detail, DetailSkipped, note); err != nil {
		return err
	}
	m.dropStatusCaches(ctx, detail.JobID)
	return nil
}

// failJob force-terminates a job with the given error. Used for fatal stage
// errors, where the job outcome is not derived from its details.
func (m *Manager) failJob(ctx context.Context, jobID, errMsg string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, err := m.loadJob(ctx, jobID)
	if err != nil {
		return err
	}
	if job == nil {
		return fmt.Errorf("engine: fail job %s: %w", jobID, ErrJobNotFound)
	}
	return m.finishJob(ctx, job, JobFailed, errMsg)
}

// finalizeJob recomputes the job status from its details once the worker has
// drained them. When the last detail transition already landed the terminal
// status this is a no-op.
func (m *Manager) finalizeJob(ctx context.Context, jobID string) (JobStatus, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.recomputeJobLocked(ctx, jobID)
}

// GetStatus returns the job row and all its details, read-through cached
// under a short TTL.
func (m *Manager) GetStatus(ctx context.Context, jobID string) (*Job, []JobDetail, error) {
	key := cachekeys.JobStatusKey(jobID)
	if m.cache != nil {
		var cached statusSnapshot
		if err := m.cache.GetCtx(ctx, key, &cached); err == nil && cached.Job != nil {
			return cached.Job, cached.Details, nil
		} else if err != nil && !m.cache.IsNotFound(err) {
			logx.WithContext(ctx).Errorf("engine: load status cache key=%s err=%v", key, err)
		}
	}

	job, err := m.loadJob(ctx, jobID)
	if err != nil {
		return nil, nil, err
	}
	if job == nil {
		return nil, nil, fmt.Errorf("engine: get status for job %s: %w", jobID, ErrJobNotFound)
	}
	details, err := m.loadDetails(ctx, jobID)
	if err != nil {
		return nil, nil, err
	}

	if m.cache != nil {
		if ttl := cachekeys.JobStatusTTL(m.ttl); ttl > 0 {
			if err := m.cache.SetWithExpireCtx(ctx, key, statusSnapshot{Job: job, Details: details}, ttl); err != nil {
				logx.WithContext(ctx).Errorf("engine: set status cache key=%s err=%v", key, err)
			}
		}
	}
	return job, details, nil
}

// ListJobs returns the most recently created jobs, newest first, cached
// briefly per limit.
func (m *Manager) ListJobs(ctx context.Context, limit int) ([]*Job, error) {
	if limit <= 0 {
		limit = 50
	}
	key := cachekeys.BuildKeyWithSuffix(cachekeys.JobListKey(), strconv.Itoa(limit))
	if m.cache != nil {
		var cached []*Job
		if err := m.cache.GetCtx(ctx, key, &cached); err == nil && len(cached) > 0 {
			return cached, nil
		} else if err != nil && !m.cache.IsNotFound(err) {
			logx.WithContext(ctx).Errorf("engine: load job-list cache key=%s err=%v", key, err)
		}
	}

	jobs, err := m.loadJobsWhere(ctx, `ORDER BY created_at DESC LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	if m.cache != nil && len(jobs) > 0 {
		if ttl := cachekeys.JobListTTL(m.ttl); ttl > 0 {
			if err := m.cache.SetWithExpireCtx(ctx, key, jobs, ttl); err != nil {
				logx.WithContext(ctx).Errorf("engine: set job-list cache key=%s err=%v", key, err)
			}
		}
	}
	return jobs, nil
}

// NextPending returns the oldest pending job, or nil when there is none.
// The create gate keeps at most one job active, so this is what the daemon
// loop picks up.
func (m *Manager) NextPending(ctx context.Context) (*Job, error) {
	jobs, err := m.loadJobsWhere(ctx, `WHERE status = $1 ORDER BY created_at LIMIT 1`, string(JobPending))
	if err != nil {
		return nil, err
	}
	if len(jobs) == 0 {
		return nil, nil
	}
	return jobs[0], nil
}

// RecoverStaleJobs force-terminates every job left active by a previous
// process: its pending/running details are marked failed with an
// interruption reason, and the job lands on the status its details now
// derive to (failed when nothing finished, partial when some did). Returns
// the number of jobs recovered.
func (m *Manager) RecoverStaleJobs(ctx context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	jobs, err := m.loadJobsWhere(ctx, `WHERE status IN ($1, $2, $3) ORDER BY created_at`,
		string(JobPending), string(JobDownloading), string(JobRunning))
	if err != nil {
		return 0, err
	}

	recovered := 0
	for _, job := range jobs {
		failDetails := `UPDATE job_details SET status = $1, completed_at = $2, error = $3
WHERE job_id = $4 AND status IN ($5, $6)`
		_, err := m.db.ExecCtx(ctx, failDetails,
			string(DetailFailed), m.now().UTC(), "interrupted by engine restart",
			job.ID, string(DetailPending), string(DetailRunning))
		if err != nil {
			return recovered, fmt.Errorf("engine: recover job %s: %w", job.ID, err)
		}

		statuses, err := m.detailStatuses(ctx, job.ID)
		if err != nil {
			return recovered, err
		}
		status := JobFailed
		errMsg := "interrupted by engine restart"
		if len(statuses) > 0 {
			status = DeriveJobStatus(job.Status, statuses)
			if status != JobFailed {
				errMsg = ""
			}
		}
		if err := m.finishJob(ctx, job, status, errMsg); err != nil {
			return recovered, err
		}
		recovered++
		logx.WithContext(ctx).Infof("engine: recovered stale job %s as %s", job.ID, status)
	}
	return recovered, nil
}

// CleanupOlderThan deletes terminal jobs whose completion (or creation, for
// jobs that never completed) is older than the given number of days. Details
// cascade with their job; trading days, holdings and actions are never
// touched, because later jobs chain onto them.
func (m *Manager) CleanupOlderThan(ctx context.Context, days int) (int, error) {
	if days < 0 {
		return 0, validationf("cleanup: days cannot be negative, got %d", days)
	}
	cutoff := m.now().UTC().AddDate(0, 0, -days)
	statement := `DELETE FROM jobs
WHERE status IN ($1, $2, $3) AND COALESCE(completed_at, created_at) < $4`
	res, err := m.db.ExecCtx(ctx, statement,
		string(JobCompleted), string(JobPartial), string(JobFailed), cutoff)
	if err != nil {
		return 0, fmt.Errorf("engine: cleanup jobs older than %d days: %w", days, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("engine: cleanup rows affected: %w", err)
	}
	if n > 0 {
		m.dropListCaches(ctx)
		logx.WithContext(ctx).Infof("engine: retention removed %d jobs older than %d days", n, days)
	}
	return int(n), nil
}

// HealthCheck verifies the store answers within a bounded time.
func (m *Manager) HealthCheck(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := m.db.Ping(ctx); err != nil {
		return fmt.Errorf("engine: store unhealthy: %w", err)
	}
	return nil
}

func (m *Manager) dropStatusCaches(ctx context.Context, jobID string) {
	if m.cache == nil {
		return
	}
	if err := m.cache.DelCtx(ctx, cachekeys.JobStatusKey(jobID)); err != nil && !m.cache.IsNotFound(err) {
		logx.WithContext(ctx).Errorf("engine: del status cache job=%s err=%v", jobID, err)
	}
	m.dropListCaches(ctx)
}

// dropListCaches clears the per-limit listing entries for the limits the
// callers actually use.
func (m *Manager) dropListCaches(ctx context.Context) {
	if m.cache == nil {
		return
	}
	for _, limit := range []int{20, 50, 100} {
		key := cachekeys.BuildKeyWithSuffix(cachekeys.JobListKey(), strconv.Itoa(limit))
		if err := m.cache.DelCtx(ctx, key); err != nil && !m.cache.IsNotFound(err) {
			logx.WithContext(ctx).Errorf("engine: del job-list cache key=%s err=%v", key, err)
		}
	}
}

func sortedPlanModels(plan *Plan) []string {
	models := make([]string, 0, len(plan.PerModel))
	for model := range plan.PerModel {
		models = append(models, model)
	}
	sort.Strings(models)
	return models
}
