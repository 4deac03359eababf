package dispatch

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"github.com/jupark12/go-run-queue/blob"
	"github.com/jupark12/go-run-queue/common"
	"github.com/jupark12/go-run-queue/models"
	"github.com/jupark12/go-run-queue/observability"
	"github.com/jupark12/go-run-queue/queue"
	"github.com/jupark12/go-run-queue/room"
)

// Dispatcher is the façade behind the HTTP routes and in-process workers:
// it changes job and run records and mirrors each change into the run's room.
type Dispatcher struct {
	jobs          *queue.JobStore
	runs          *queue.RunStore
	rooms         *room.Registry
	blobs         blob.Store
	logger        *slog.Logger
	presignExpiry time.Duration
}

type Option func(*Dispatcher)

// WithBlobStore enables uploads and document processing.
func WithBlobStore(store blob.Store, presignExpiry time.Duration) Option {
	return func(d *Dispatcher) {
		d.blobs = store
		d.presignExpiry = presignExpiry
	}
}

func New(jobs *queue.JobStore, runs *queue.RunStore, rooms *room.Registry, logger *slog.Logger, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		jobs:          jobs,
		runs:          runs,
		rooms:         rooms,
		logger:        logger,
		presignExpiry: 15 * time.Minute,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// mirror pushes u into the run's room. The durable change it follows has
// already happened, so a failure here is logged and not returned.
func (d *Dispatcher) mirror(ctx context.Context, runID string, u models.RunUpdate) {
	if err := d.rooms.Update(ctx, runID, u); err != nil {
		d.logger.Warn("failed to update run room", "run_id", runID, "error", err)
	}
}

// Enqueue records the run as queued, inserts a pending job and announces it.
func (d *Dispatcher) Enqueue(ctx context.Context, runID, tenantID, objectKey string) (*models.Job, error) {
	ctx, span := observability.StartSpan(ctx, "dispatch.enqueue", attribute.String("run.id", runID))
	defer span.End()

	if err := d.runs.MarkQueued(ctx, runID, tenantID, objectKey); err != nil {
		return nil, common.ServerError("Failed to enqueue job", err)
	}
	job, err := d.jobs.Enqueue(ctx, runID, tenantID, objectKey)
	if err != nil {
		return nil, common.ServerError("Failed to enqueue job", err)
	}
	d.mirror(ctx, runID, models.Progress(models.PhaseQueued, 5, "Job queued for processing"))
	return job, nil
}

// Lease hands out up to maxJobs jobs for visibility.
func (d *Dispatcher) Lease(ctx context.Context, maxJobs int, visibility time.Duration) ([]models.Job, error) {
	ctx, span := observability.StartSpan(ctx, "dispatch.lease", attribute.Int("lease.max", maxJobs))
	defer span.End()

	jobs, err := d.jobs.Lease(ctx, maxJobs, visibility)
	if err != nil {
		return nil, common.ServerError("Failed to lease jobs", err)
	}
	span.SetAttributes(attribute.Int("lease.count", len(jobs)))
	return jobs, nil
}

// Ack acknowledges each id independently; one failing item never affects the others.
func (d *Dispatcher) Ack(ctx context.Context, ids []string, outcome models.JobStatus) []models.AckResult {
	ctx, span := observability.StartSpan(ctx, "dispatch.ack", attribute.Int("ack.count", len(ids)))
	defer span.End()

	results := make([]models.AckResult, 0, len(ids))
	for _, id := range ids {
		var (
			res models.AckResult
			err error
		)
		if outcome == models.StatusDone {
			res, err = d.complete(ctx, id, nil)
		} else {
			res, err = d.fail(ctx, id, "Marked failed by worker")
		}
		if err != nil && !common.IsNotFound(err) {
			res.Error = common.AsAppError(err).Message
		}
		results = append(results, res)
	}
	return results
}

// Complete acknowledges job as done and stores result on its run.
func (d *Dispatcher) Complete(ctx context.Context, job models.Job, result *models.RunResult) (models.AckResult, error) {
	return d.complete(ctx, job.ID, result)
}

// Fail acknowledges job as permanently failed with reason.
func (d *Dispatcher) Fail(ctx context.Context, job models.Job, reason string) (models.AckResult, error) {
	return d.fail(ctx, job.ID, reason)
}

func (d *Dispatcher) complete(ctx context.Context, id string, result *models.RunResult) (models.AckResult, error) {
	res, err := d.jobs.Ack(ctx, id, models.StatusDone)
	if err != nil || !res.Changed {
		return res, err
	}
	if err := d.runs.Finish(ctx, res.RunID, models.RunProcessed, result); err != nil {
		d.logger.Error("failed to finish run", "run_id", res.RunID, "error", err)
	}
	u := models.Progress(models.PhaseProcessed, 100, "Processing complete")
	if result != nil {
		u = models.Completion(*result)
	}
	d.mirror(ctx, res.RunID, u)
	return res, nil
}

func (d *Dispatcher) fail(ctx context.Context, id, reason string) (models.AckResult, error) {
	res, err := d.jobs.Ack(ctx, id, models.StatusFailed)
	if err != nil || !res.Changed {
		return res, err
	}
	if err := d.runs.Finish(ctx, res.RunID, models.RunFailed, nil); err != nil {
		d.logger.Error("failed to finish run", "run_id", res.RunID, "error", err)
	}
	d.mirror(ctx, res.RunID, models.Failure(reason))
	return res, nil
}

// Progress reports intermediate processing progress for runID.
func (d *Dispatcher) Progress(ctx context.Context, runID string, percent int, message string) {
	d.mirror(ctx, runID, models.Progress(models.PhaseProcessing, percent, message))
}

// Stats counts jobs by status.
func (d *Dispatcher) Stats(ctx context.Context) (models.JobStats, error) {
	stats, err := d.jobs.Stats(ctx)
	if err != nil {
		return nil, common.ServerError("Failed to load job stats", err)
	}
	return stats, nil
}

// UploadTicket tells a client where to PUT its document.
type UploadTicket struct {
	RunID     string `json:"runId"`
	ObjectKey string `json:"objectKey"`
	PutURL    string `json:"putUrl"`
	ExpiresIn int    `json:"expiresIn"`
}

// CreateUpload registers a new run and presigns the upload of its document.
func (d *Dispatcher) CreateUpload(ctx context.Context, tenantID, filename string) (*UploadTicket, error) {
	if d.blobs == nil {
		return nil, common.ServerError("Object storage is not configured", nil)
	}
	runID := "run_" + uuid.New().String()
	key := blob.UploadKey(tenantID, runID, filename)

	putURL, err := d.blobs.PresignPut(ctx, key, d.presignExpiry)
	if err != nil {
		return nil, common.ServerError("Failed to create upload URL", err)
	}
	if _, err := d.runs.Create(ctx, runID, tenantID, key); err != nil {
		return nil, common.ServerError("Failed to create run", err)
	}
	d.mirror(ctx, runID, models.Progress(models.PhaseUploading, 0, "Awaiting upload"))

	return &UploadTicket{
		RunID:     runID,
		ObjectKey: key,
		PutURL:    putURL,
		ExpiresIn: int(d.presignExpiry.Seconds()),
	}, nil
}

// EnqueueRun enqueues processing for a registered run. An empty objectKey
// means the key chosen at upload time.
func (d *Dispatcher) EnqueueRun(ctx context.Context, runID, objectKey string) (*models.Job, error) {
	run, err := d.runs.Get(ctx, runID)
	if err != nil {
		return nil, err
	}
	if objectKey == "" {
		objectKey = run.ObjectKey
	}
	if objectKey == "" {
		return nil, common.ValidationError("Run has no uploaded object", nil)
	}
	if d.blobs != nil {
		if _, err := d.blobs.Head(ctx, objectKey); err != nil {
			if errors.Is(err, blob.ErrObjectNotFound) {
				return nil, common.ValidationError("Uploaded object not found", map[string]string{"objectKey": objectKey})
			}
			return nil, common.ServerError("Failed to check upload", err)
		}
	}
	return d.Enqueue(ctx, runID, run.TenantID, objectKey)
}

// RunStatus is the durable record of a run together with its live state.
type RunStatus struct {
	RunID        string          `json:"runId"`
	TenantID     string          `json:"tenantId"`
	Status       string          `json:"status"`
	CreatedAt    time.Time       `json:"createdAt"`
	Summary      string          `json:"summary"`
	ResultRef    string          `json:"resultRef,omitempty"`
	FindingCount int             `json:"findingCount"`
	Realtime     models.RunState `json:"realtime"`
}

func (d *Dispatcher) RunStatus(ctx context.Context, runID string) (*RunStatus, error) {
	run, err := d.runs.Get(ctx, runID)
	if err != nil {
		return nil, err
	}
	state, err := d.rooms.State(ctx, runID)
	if err != nil {
		return nil, common.ServerError("Failed to load run state", err)
	}
	return &RunStatus{
		RunID:        run.ID,
		TenantID:     run.TenantID,
		Status:       run.Status,
		CreatedAt:    run.CreatedAt,
		Summary:      run.Summary,
		ResultRef:    run.ResultRef,
		FindingCount: run.FindingCount,
		Realtime:     state,
	}, nil
}

// Room returns the live room of a known run.
func (d *Dispatcher) Room(ctx context.Context, runID string) (*room.Room, error) {
	if _, err := d.runs.Get(ctx, runID); err != nil {
		return nil, err
	}
	rm, err := d.rooms.Get(ctx, runID)
	if err != nil {
		return nil, common.ServerError("Failed to open run room", err)
	}
	return rm, nil
}
