package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jupark12/go-run-queue/audit"
	"github.com/jupark12/go-run-queue/models"
	"github.com/jupark12/go-run-queue/observability"
)

// Queue is the part of the dispatcher a worker needs.
type Queue interface {
	Lease(ctx context.Context, maxJobs int, visibility time.Duration) ([]models.Job, error)
	Progress(ctx context.Context, runID string, percent int, message string)
	Complete(ctx context.Context, job models.Job, result *models.RunResult) (models.AckResult, error)
	Fail(ctx context.Context, job models.Job, reason string) (models.AckResult, error)
}

// Processor does the actual work for one job.
type Processor interface {
	Process(ctx context.Context, job models.Job, progress audit.ProgressFunc) (*models.RunResult, error)
}

type Config struct {
	Workers      int
	BatchSize    int
	Visibility   time.Duration
	PollInterval time.Duration
}

// Worker represents a processing node that consumes jobs
type Worker struct {
	ID         string
	queue      Queue
	processor  Processor
	cfg        Config
	logger     *slog.Logger
	metrics    *observability.Registry
	mu         sync.Mutex
	processing bool
}

// Processing reports whether the worker currently holds a job.
func (w *Worker) Processing() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.processing
}

func (w *Worker) setProcessing(v bool) {
	w.mu.Lock()
	w.processing = v
	w.mu.Unlock()
}

// run leases and processes jobs until ctx is cancelled.
func (w *Worker) run(ctx context.Context) {
	w.logger.Info("worker starting")
	defer w.logger.Info("worker stopped")

	for {
		if ctx.Err() != nil {
			return
		}
		jobs, err := w.queue.Lease(ctx, w.cfg.BatchSize, w.cfg.Visibility)
		if err != nil && ctx.Err() == nil {
			w.logger.Error("failed to lease jobs", "error", err)
		}
		if len(jobs) == 0 {
			// No jobs available, wait before trying again
			if !sleep(ctx, w.cfg.PollInterval) {
				return
			}
			continue
		}
		for _, job := range jobs {
			w.process(ctx, job)
		}
	}
}

func (w *Worker) process(ctx context.Context, job models.Job) {
	w.setProcessing(true)
	defer w.setProcessing(false)

	logger := w.logger.With("job_id", job.ID, "run_id", job.RunID)

	// Jobs in one batch share the lease deadline. Past it another worker may
	// hold the job, so processing stops there and nothing is acked.
	deadline := time.Now().Add(w.cfg.Visibility)
	if job.VisibilityDeadline != nil {
		deadline = *job.VisibilityDeadline
	}
	if !time.Now().Before(deadline) {
		logger.Warn("lease expired before processing started", "deadline", deadline)
		w.metrics.IncCounter("worker_jobs_total", observability.Labels("outcome", "expired"), 1)
		return
	}
	logger.Info("processing job", "deadline", deadline)

	jobCtx, cancel := context.WithDeadline(ctx, deadline)
	defer cancel()
	jobCtx, span := observability.StartSpan(jobCtx, "worker.process")
	defer span.End()

	w.queue.Progress(jobCtx, job.RunID, 5, "Processing started")
	result, err := w.processor.Process(jobCtx, job, func(ctx context.Context, percent int, message string) {
		w.queue.Progress(ctx, job.RunID, percent, message)
	})

	if ctx.Err() != nil {
		// Shutting down: leave the lease to expire so the job is retried.
		logger.Warn("abandoning job on shutdown")
		return
	}
	if errors.Is(jobCtx.Err(), context.DeadlineExceeded) {
		logger.Warn("lease expired during processing, leaving job for redelivery", "error", err)
		span.RecordError(context.DeadlineExceeded)
		w.metrics.IncCounter("worker_jobs_total", observability.Labels("outcome", "expired"), 1)
		return
	}
	if err != nil {
		logger.Error("failed to process job", "error", err)
		span.RecordError(err)
		if _, ackErr := w.queue.Fail(ctx, job, err.Error()); ackErr != nil {
			logger.Error("failed to mark job failed", "error", ackErr)
		}
		w.metrics.IncCounter("worker_jobs_total", observability.Labels("outcome", "failed"), 1)
		return
	}

	if _, err := w.queue.Complete(ctx, job, result); err != nil {
		logger.Error("failed to complete job", "error", err)
		return
	}
	w.metrics.IncCounter("worker_jobs_total", observability.Labels("outcome", "done"), 1)
	logger.Info("completed job")
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

// Pool runs a fixed number of workers against one queue.
type Pool struct {
	workers []*Worker
	wg      sync.WaitGroup
}

func NewPool(q Queue, p Processor, cfg Config, logger *slog.Logger, metrics *observability.Registry) *Pool {
	if cfg.Workers < 1 {
		cfg.Workers = 1
	}
	if cfg.BatchSize < 1 {
		cfg.BatchSize = 1
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 5 * time.Second
	}
	if cfg.Visibility <= 0 {
		cfg.Visibility = time.Minute
	}

	pool := &Pool{}
	for i := 0; i < cfg.Workers; i++ {
		id := fmt.Sprintf("worker-%d", i+1)
		pool.workers = append(pool.workers, &Worker{
			ID:        id,
			queue:     q,
			processor: p,
			cfg:       cfg,
			logger:    logger.With("worker_id", id),
			metrics:   metrics,
		})
	}
	return pool
}

// Start launches every worker. They stop when ctx is cancelled.
func (p *Pool) Start(ctx context.Context) {
	for _, w := range p.workers {
		p.wg.Add(1)
		go func(w *Worker) {
			defer p.wg.Done()
			w.run(ctx)
		}(w)
	}
}

// Wait blocks until every worker has stopped.
func (p *Pool) Wait() {
	p.wg.Wait()
}

// Busy counts workers currently processing a job.
func (p *Pool) Busy() int {
	n := 0
	for _, w := range p.workers {
		if w.Processing() {
			n++
		}
	}
	return n
}
