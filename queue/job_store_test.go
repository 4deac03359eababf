package queue

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/jupark12/go-run-queue/common"
	"github.com/jupark12/go-run-queue/db/dbtest"
	"github.com/jupark12/go-run-queue/models"
	"github.com/jupark12/go-run-queue/observability"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestStore(t *testing.T) (*JobStore, *fakeClock) {
	t.Helper()
	clock := newFakeClock()
	store := NewJobStore(dbtest.Open(t), dbtest.Logger(), WithClock(clock.Now), WithMetrics(observability.NewRegistry()))
	return store, clock
}

func mustEnqueue(t *testing.T, s *JobStore, clock *fakeClock, n int) []*models.Job {
	t.Helper()
	jobs := make([]*models.Job, 0, n)
	for i := 0; i < n; i++ {
		job, err := s.Enqueue(context.Background(), fmt.Sprintf("run_%d", i), "tenant-a", fmt.Sprintf("tenants/tenant-a/run_%d/doc.pdf", i))
		if err != nil {
			t.Fatalf("enqueue: %v", err)
		}
		jobs = append(jobs, job)
		clock.Advance(time.Millisecond)
	}
	return jobs
}

func TestEnqueueCreatesPendingJob(t *testing.T) {
	s, clock := newTestStore(t)
	job := mustEnqueue(t, s, clock, 1)[0]

	got, err := s.Get(context.Background(), job.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != models.StatusPending || got.Attempts != 0 || got.VisibilityDeadline != nil {
		t.Fatalf("unexpected job: %+v", got)
	}
	if got.RunID != "run_0" || got.TenantID != "tenant-a" {
		t.Fatalf("unexpected identity: %+v", got)
	}
}

func TestLeaseIsFIFOAndBounded(t *testing.T) {
	s, clock := newTestStore(t)
	jobs := mustEnqueue(t, s, clock, 5)

	leased, err := s.Lease(context.Background(), 3, time.Minute)
	if err != nil {
		t.Fatalf("lease: %v", err)
	}
	if len(leased) != 3 {
		t.Fatalf("expected 3 leased jobs, got %d", len(leased))
	}
	for i, job := range leased {
		if job.ID != jobs[i].ID {
			t.Fatalf("expected FIFO order at %d: want %s got %s", i, jobs[i].ID, job.ID)
		}
		if job.Status != models.StatusLeased || job.Attempts != 1 {
			t.Fatalf("unexpected leased job: %+v", job)
		}
		want := clock.Now().Add(time.Minute)
		if job.VisibilityDeadline == nil || !job.VisibilityDeadline.Equal(want) {
			t.Fatalf("expected deadline %v, got %v", want, job.VisibilityDeadline)
		}
	}

	rest, err := s.Lease(context.Background(), 10, time.Minute)
	if err != nil {
		t.Fatalf("second lease: %v", err)
	}
	if len(rest) != 2 {
		t.Fatalf("expected the 2 remaining jobs, got %d", len(rest))
	}
}

func TestLeaseEmptyQueue(t *testing.T) {
	s, _ := newTestStore(t)
	jobs, err := s.Lease(context.Background(), 10, time.Minute)
	if err != nil {
		t.Fatalf("lease: %v", err)
	}
	if len(jobs) != 0 {
		t.Fatalf("expected no jobs, got %d", len(jobs))
	}
}

func TestConcurrentLeaseNeverDoubleLeases(t *testing.T) {
	s, clock := newTestStore(t)
	mustEnqueue(t, s, clock, 20)

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		seen = map[string]int{}
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			jobs, err := s.Lease(context.Background(), 5, time.Minute)
			if err != nil {
				t.Errorf("lease: %v", err)
				return
			}
			mu.Lock()
			defer mu.Unlock()
			for _, j := range jobs {
				seen[j.ID]++
			}
		}()
	}
	wg.Wait()

	for id, n := range seen {
		if n != 1 {
			t.Fatalf("job %s leased %d times", id, n)
		}
	}
	// Callers that lost every race may leave jobs behind; a final sweep picks them up.
	rest, err := s.Lease(context.Background(), 20, time.Minute)
	if err != nil {
		t.Fatalf("lease remainder: %v", err)
	}
	for _, j := range rest {
		seen[j.ID]++
	}
	if len(seen) != 20 {
		t.Fatalf("expected all 20 jobs leased exactly once, got %d distinct", len(seen))
	}
	for id, n := range seen {
		if n != 1 {
			t.Fatalf("job %s leased %d times", id, n)
		}
	}
}

func TestExpiredLeaseIsReclaimed(t *testing.T) {
	s, clock := newTestStore(t)
	job := mustEnqueue(t, s, clock, 1)[0]

	if _, err := s.Lease(context.Background(), 1, time.Second); err != nil {
		t.Fatalf("lease: %v", err)
	}
	clock.Advance(time.Second)
	if jobs, _ := s.Lease(context.Background(), 1, time.Second); len(jobs) != 0 {
		t.Fatalf("lease must not be reclaimable at exactly the deadline")
	}

	clock.Advance(time.Millisecond)
	jobs, err := s.Lease(context.Background(), 1, time.Second)
	if err != nil {
		t.Fatalf("re-lease: %v", err)
	}
	if len(jobs) != 1 || jobs[0].ID != job.ID {
		t.Fatalf("expected expired job to be leased again, got %+v", jobs)
	}
	if jobs[0].Attempts != 2 {
		t.Fatalf("expected attempts 2, got %d", jobs[0].Attempts)
	}
}

func TestAckIsIdempotentAndTerminal(t *testing.T) {
	s, clock := newTestStore(t)
	job := mustEnqueue(t, s, clock, 1)[0]
	ctx := context.Background()

	if _, err := s.Lease(ctx, 1, time.Minute); err != nil {
		t.Fatalf("lease: %v", err)
	}
	first, err := s.Ack(ctx, job.ID, models.StatusDone)
	if err != nil {
		t.Fatalf("ack: %v", err)
	}
	if !first.Changed || first.Status != string(models.StatusDone) || first.RunID != job.RunID {
		t.Fatalf("unexpected first ack: %+v", first)
	}

	second, err := s.Ack(ctx, job.ID, models.StatusFailed)
	if err != nil {
		t.Fatalf("second ack: %v", err)
	}
	if second.Changed || second.Status != string(models.StatusDone) {
		t.Fatalf("second ack must keep the first terminal state: %+v", second)
	}

	got, _ := s.Get(ctx, job.ID)
	if got.Status != models.StatusDone || got.VisibilityDeadline != nil {
		t.Fatalf("unexpected stored job: %+v", got)
	}

	clock.Advance(time.Hour)
	if jobs, _ := s.Lease(ctx, 10, time.Minute); len(jobs) != 0 {
		t.Fatalf("terminal job must never be leased again")
	}
}

func TestAckFailedIsNotRequeued(t *testing.T) {
	s, clock := newTestStore(t)
	job := mustEnqueue(t, s, clock, 1)[0]
	ctx := context.Background()

	if _, err := s.Ack(ctx, job.ID, models.StatusFailed); err != nil {
		t.Fatalf("ack: %v", err)
	}
	clock.Advance(time.Hour)
	if n, err := s.Reap(ctx); err != nil || n != 0 {
		t.Fatalf("reap touched a failed job: n=%d err=%v", n, err)
	}
	if jobs, _ := s.Lease(ctx, 10, time.Minute); len(jobs) != 0 {
		t.Fatalf("failed job was leased")
	}
}

func TestAckUnknownJob(t *testing.T) {
	s, _ := newTestStore(t)
	res, err := s.Ack(context.Background(), "missing", models.StatusDone)
	if !common.IsNotFound(err) {
		t.Fatalf("expected not found, got %v", err)
	}
	if res.Status != models.AckNotFound {
		t.Fatalf("expected not_found status, got %+v", res)
	}
}

func TestAckRejectsNonTerminalOutcome(t *testing.T) {
	s, clock := newTestStore(t)
	job := mustEnqueue(t, s, clock, 1)[0]
	if _, err := s.Ack(context.Background(), job.ID, models.StatusPending); err == nil {
		t.Fatalf("expected validation error")
	}
}

func TestStatsCountsEveryStatus(t *testing.T) {
	s, clock := newTestStore(t)
	jobs := mustEnqueue(t, s, clock, 4)
	ctx := context.Background()

	leased, _ := s.Lease(ctx, 2, time.Minute)
	if len(leased) != 2 {
		t.Fatalf("expected 2 leased, got %d", len(leased))
	}
	if _, err := s.Ack(ctx, jobs[0].ID, models.StatusDone); err != nil {
		t.Fatalf("ack: %v", err)
	}
	if _, err := s.Ack(ctx, jobs[3].ID, models.StatusFailed); err != nil {
		t.Fatalf("ack: %v", err)
	}

	stats, err := s.Stats(ctx)
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	want := models.JobStats{
		models.StatusPending: 1,
		models.StatusLeased:  1,
		models.StatusDone:    1,
		models.StatusFailed:  1,
	}
	for status, n := range want {
		if stats[status] != n {
			t.Fatalf("status %s: expected %d, got %d (%v)", status, n, stats[status], stats)
		}
	}
}

func TestStatsEmpty(t *testing.T) {
	s, _ := newTestStore(t)
	stats, err := s.Stats(context.Background())
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if len(stats) != len(models.AllStatuses) {
		t.Fatalf("expected every status present, got %v", stats)
	}
}
