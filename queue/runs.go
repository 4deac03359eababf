package queue

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"

	entsql "entgo.io/ent/dialect/sql"

	"github.com/jupark12/go-run-queue/common"
	"github.com/jupark12/go-run-queue/db"
	"github.com/jupark12/go-run-queue/models"
)

const runsTable = "runs"

var runColumns = []string{
	"id", "tenant_id", "object_key", "status", "summary",
	"result_ref", "finding_count", "created_at", "updated_at",
}

// RunStore keeps the durable run records behind status lookups.
type RunStore struct {
	db     *db.DB
	logger *slog.Logger
	opts   options
}

func NewRunStore(database *db.DB, logger *slog.Logger, opts ...Option) *RunStore {
	return &RunStore{db: database, logger: logger, opts: buildOptions(opts)}
}

// Create inserts a pending run.
func (s *RunStore) Create(ctx context.Context, runID, tenantID, objectKey string) (*models.Run, error) {
	now := s.opts.now().UTC()
	run := &models.Run{
		ID:        runID,
		TenantID:  tenantID,
		ObjectKey: objectKey,
		Status:    models.RunPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
	query, args := s.db.Builder().Insert(runsTable).
		Columns("id", "tenant_id", "object_key", "status", "created_at", "updated_at").
		Values(run.ID, run.TenantID, run.ObjectKey, run.Status, db.Millis(now), db.Millis(now)).
		Query()
	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return nil, fmt.Errorf("insert run: %w: %w", common.ErrDatabase, err)
	}
	return run, nil
}

// MarkQueued records that a job was enqueued for the run, creating the run
// when it was never registered through an upload.
func (s *RunStore) MarkQueued(ctx context.Context, runID, tenantID, objectKey string) error {
	nowMs := db.Millis(s.opts.now())
	query, args := s.db.Builder().Insert(runsTable).
		Columns("id", "tenant_id", "object_key", "status", "created_at", "updated_at").
		Values(runID, tenantID, objectKey, models.RunQueued, nowMs, nowMs).
		OnConflict(
			entsql.ConflictColumns("id"),
			entsql.ResolveWith(func(u *entsql.UpdateSet) {
				u.SetExcluded("object_key")
				u.SetExcluded("status")
				u.SetExcluded("updated_at")
			}),
		).
		Query()
	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("mark run queued: %w: %w", common.ErrDatabase, err)
	}
	return nil
}

// Finish stores the terminal status of a run and, when present, its result.
func (s *RunStore) Finish(ctx context.Context, runID, status string, result *models.RunResult) error {
	upd := s.db.Builder().Update(runsTable).
		Set("status", status).
		Set("updated_at", db.Millis(s.opts.now()))
	if result != nil {
		upd = upd.Set("summary", result.Summary).
			Set("result_ref", result.ResultRef).
			Set("finding_count", result.FindingCount)
	}
	query, args := upd.Where(entsql.EQ("id", runID)).Query()
	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("finish run: %w: %w", common.ErrDatabase, err)
	}
	return nil
}

// Get returns a run by id
func (s *RunStore) Get(ctx context.Context, runID string) (*models.Run, error) {
	b := s.db.Builder()
	query, args := b.Select(runColumns...).
		From(b.Table(runsTable)).
		Where(entsql.EQ("id", runID)).
		Query()

	var (
		run              models.Run
		created, updated int64
	)
	err := s.db.QueryRowContext(ctx, query, args...).Scan(&run.ID, &run.TenantID, &run.ObjectKey,
		&run.Status, &run.Summary, &run.ResultRef, &run.FindingCount, &created, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, common.NotFoundError("Run")
	}
	if err != nil {
		return nil, fmt.Errorf("get run: %w: %w", common.ErrDatabase, err)
	}
	run.CreatedAt = db.FromMillis(created)
	run.UpdatedAt = db.FromMillis(updated)
	return &run, nil
}
