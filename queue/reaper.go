package queue

import (
	"context"
	"log/slog"
	"time"

	"github.com/jupark12/go-run-queue/observability"
)

// Reaper is anything that can return expired leases to pending.
type Reaper interface {
	Reap(ctx context.Context) (int64, error)
}

// LeaseReaper periodically sweeps expired leases. Leasing already treats an
// expired lease as eligible, so the sweep only keeps statistics accurate.
type LeaseReaper struct {
	store    Reaper
	interval time.Duration
	logger   *slog.Logger
	metrics  *observability.Registry
}

func NewLeaseReaper(store Reaper, interval time.Duration, logger *slog.Logger) *LeaseReaper {
	return &LeaseReaper{store: store, interval: interval, logger: logger, metrics: observability.Default}
}

// Sweep runs one pass. Errors are logged and returned; the next tick retries.
func (r *LeaseReaper) Sweep(ctx context.Context) (int64, error) {
	ctx, span := observability.StartSpan(ctx, "queue.reap")
	defer span.End()

	n, err := r.store.Reap(ctx)
	if err != nil {
		r.logger.Error("lease sweep failed", "error", err)
		return 0, err
	}
	r.metrics.IncCounter("jobs_reaped_total", nil, float64(n))
	if n > 0 {
		r.logger.Info("unlocked expired leases", "count", n)
	}
	return n, nil
}

// Run sweeps every interval until ctx is done.
func (r *LeaseReaper) Run(ctx context.Context) {
	r.logger.Info("lease reaper starting", "interval", r.interval)
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			r.logger.Info("lease reaper stopped")
			return
		case <-ticker.C:
			_, _ = r.Sweep(ctx)
		}
	}
}
