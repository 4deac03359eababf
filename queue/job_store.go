package queue

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	entsql "entgo.io/ent/dialect/sql"
	"github.com/google/uuid"

	"github.com/jupark12/go-run-queue/common"
	"github.com/jupark12/go-run-queue/db"
	"github.com/jupark12/go-run-queue/models"
)

const jobsTable = "jobs"

var jobColumns = []string{
	"id", "run_id", "tenant_id", "object_key", "status",
	"attempts", "visibility_deadline", "created_at", "updated_at",
}

// JobStore is the durable job table. Every transition is a single conditional
// UPDATE, so concurrent callers never both win the same job.
type JobStore struct {
	db     *db.DB
	logger *slog.Logger
	opts   options
}

// NewJobStore creates a job store over database
func NewJobStore(database *db.DB, logger *slog.Logger, opts ...Option) *JobStore {
	return &JobStore{db: database, logger: logger, opts: buildOptions(opts)}
}

// Enqueue inserts a pending job for runID
func (s *JobStore) Enqueue(ctx context.Context, runID, tenantID, objectKey string) (*models.Job, error) {
	now := s.opts.now().UTC()
	job := &models.Job{
		ID:        uuid.New().String(),
		RunID:     runID,
		TenantID:  tenantID,
		ObjectKey: objectKey,
		Status:    models.StatusPending,
		CreatedAt: now,
		UpdatedAt: now,
	}

	query, args := s.db.Builder().Insert(jobsTable).
		Columns("id", "run_id", "tenant_id", "object_key", "status", "attempts", "created_at", "updated_at").
		Values(job.ID, job.RunID, job.TenantID, job.ObjectKey, string(job.Status), 0, db.Millis(now), db.Millis(now)).
		Query()
	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		s.logger.Error("failed to enqueue job", "run_id", runID, "error", err)
		return nil, fmt.Errorf("insert job: %w: %w", common.ErrDatabase, err)
	}

	s.opts.metrics.IncCounter("jobs_enqueued_total", nil, 1)
	s.logger.Info("job enqueued", "job_id", job.ID, "run_id", runID, "object_key", objectKey)
	return job, nil
}

// eligible matches pending jobs and leased jobs whose deadline has passed.
// Predicates carry builder state, so each statement needs a fresh one.
func eligible(nowMs int64) *entsql.Predicate {
	return entsql.And(
		entsql.In("status", string(models.StatusPending), string(models.StatusLeased)),
		entsql.Or(
			entsql.IsNull("visibility_deadline"),
			entsql.LT("visibility_deadline", nowMs),
		),
	)
}

// Lease claims up to maxJobs eligible jobs, oldest first, for visibility.
// Candidates lost to a concurrent caller are skipped; per-job failures are
// logged and skipped so one bad row never fails the batch.
func (s *JobStore) Lease(ctx context.Context, maxJobs int, visibility time.Duration) ([]models.Job, error) {
	if maxJobs <= 0 {
		return nil, nil
	}
	now := s.opts.now().UTC()
	nowMs := db.Millis(now)
	deadline := now.Add(visibility)

	candidates, err := s.selectEligible(ctx, nowMs, maxJobs)
	if err != nil {
		return nil, err
	}

	won := make([]models.Job, 0, len(candidates))
	for _, job := range candidates {
		ok, err := s.claim(ctx, job.ID, nowMs, db.Millis(deadline))
		if err != nil {
			s.logger.Error("failed to lease job", "job_id", job.ID, "error", err)
			continue
		}
		if !ok {
			s.opts.metrics.IncCounter("jobs_lease_conflicts_total", nil, 1)
			s.logger.Debug("lost lease race", "job_id", job.ID)
			continue
		}
		job.Status = models.StatusLeased
		job.Attempts++
		d := deadline
		job.VisibilityDeadline = &d
		job.UpdatedAt = now
		won = append(won, job)
	}

	s.opts.metrics.IncCounter("jobs_leased_total", nil, float64(len(won)))
	if len(won) > 0 {
		s.logger.Info("jobs leased", "count", len(won), "visibility", visibility)
	}
	return won, nil
}

func (s *JobStore) selectEligible(ctx context.Context, nowMs int64, limit int) ([]models.Job, error) {
	b := s.db.Builder()
	query, args := b.Select(jobColumns...).
		From(b.Table(jobsTable)).
		Where(eligible(nowMs)).
		OrderBy("created_at", "id").
		Limit(limit).
		Query()

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("select eligible jobs: %w: %w", common.ErrDatabase, err)
	}
	// Rows are drained before any UPDATE runs; SQLite holds a single connection.
	defer rows.Close()

	var jobs []models.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, *job)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("select eligible jobs: %w: %w", common.ErrDatabase, err)
	}
	return jobs, nil
}

// claim re-checks eligibility inside the UPDATE; zero affected rows means another caller won.
func (s *JobStore) claim(ctx context.Context, id string, nowMs, deadlineMs int64) (bool, error) {
	query, args := s.db.Builder().Update(jobsTable).
		Set("status", string(models.StatusLeased)).
		Add("attempts", 1).
		Set("visibility_deadline", deadlineMs).
		Set("updated_at", nowMs).
		Where(entsql.And(entsql.EQ("id", id), eligible(nowMs))).
		Query()
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// Ack moves a job to outcome (done or failed). Acking an already terminal
// job is a no-op reported with Changed=false and the job's existing status.
func (s *JobStore) Ack(ctx context.Context, id string, outcome models.JobStatus) (models.AckResult, error) {
	if !outcome.Terminal() {
		return models.AckResult{ID: id, Status: models.AckError}, common.ValidationError("ack status must be done or failed", nil)
	}

	job, err := s.Get(ctx, id)
	if err != nil {
		if common.IsNotFound(err) {
			return models.AckResult{ID: id, Status: models.AckNotFound}, err
		}
		return models.AckResult{ID: id, Status: models.AckError}, err
	}
	result := models.AckResult{ID: id, RunID: job.RunID, Status: string(job.Status)}
	if job.Status.Terminal() {
		return result, nil
	}

	nowMs := db.Millis(s.opts.now())
	query, args := s.db.Builder().Update(jobsTable).
		Set("status", string(outcome)).
		SetNull("visibility_deadline").
		Set("updated_at", nowMs).
		Where(entsql.And(
			entsql.EQ("id", id),
			entsql.In("status", string(models.StatusPending), string(models.StatusLeased)),
		)).
		Query()
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		s.logger.Error("failed to ack job", "job_id", id, "error", err)
		return models.AckResult{ID: id, Status: models.AckError}, fmt.Errorf("ack job: %w: %w", common.ErrDatabase, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return models.AckResult{ID: id, Status: models.AckError}, err
	}
	if n == 0 {
		// A concurrent ack got there first; report what it left behind.
		current, err := s.Get(ctx, id)
		if err != nil {
			return models.AckResult{ID: id, Status: models.AckError}, err
		}
		result.Status = string(current.Status)
		return result, nil
	}

	result.Status = string(outcome)
	result.Changed = true
	s.opts.metrics.IncCounter("jobs_acked_total", map[string]string{"status": string(outcome)}, 1)
	s.logger.Info("job acked", "job_id", id, "run_id", job.RunID, "status", outcome)
	return result, nil
}

// Get returns a job by id
func (s *JobStore) Get(ctx context.Context, id string) (*models.Job, error) {
	b := s.db.Builder()
	query, args := b.Select(jobColumns...).
		From(b.Table(jobsTable)).
		Where(entsql.EQ("id", id)).
		Query()
	job, err := scanJob(s.db.QueryRowContext(ctx, query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, common.NotFoundError("Job")
	}
	return job, err
}

// Stats counts jobs by status. Every status is present, zero when empty.
func (s *JobStore) Stats(ctx context.Context) (models.JobStats, error) {
	b := s.db.Builder()
	query, args := b.Select("status", entsql.Count("*")).
		From(b.Table(jobsTable)).
		GroupBy("status").
		Query()
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("job stats: %w: %w", common.ErrDatabase, err)
	}
	defer rows.Close()

	stats := make(models.JobStats, len(models.AllStatuses))
	for _, st := range models.AllStatuses {
		stats[st] = 0
	}
	for rows.Next() {
		var status string
		var n int64
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		stats[models.JobStatus(status)] = n
	}
	return stats, rows.Err()
}

// Reap returns expired leases to pending and reports how many it unlocked.
func (s *JobStore) Reap(ctx context.Context) (int64, error) {
	nowMs := db.Millis(s.opts.now())
	query, args := s.db.Builder().Update(jobsTable).
		Set("status", string(models.StatusPending)).
		SetNull("visibility_deadline").
		Set("updated_at", nowMs).
		Where(entsql.And(
			entsql.EQ("status", string(models.StatusLeased)),
			entsql.NotNull("visibility_deadline"),
			entsql.LT("visibility_deadline", nowMs),
		)).
		Query()
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("reap leases: %w: %w", common.ErrDatabase, err)
	}
	return res.RowsAffected()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (*models.Job, error) {
	var (
		job      models.Job
		status   string
		deadline sql.NullInt64
		created  int64
		updated  int64
	)
	if err := row.Scan(&job.ID, &job.RunID, &job.TenantID, &job.ObjectKey, &status,
		&job.Attempts, &deadline, &created, &updated); err != nil {
		return nil, err
	}
	job.Status = models.JobStatus(status)
	if deadline.Valid {
		t := db.FromMillis(deadline.Int64)
		job.VisibilityDeadline = &t
	}
	job.CreatedAt = db.FromMillis(created)
	job.UpdatedAt = db.FromMillis(updated)
	return &job, nil
}
