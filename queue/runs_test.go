package queue

import (
	"context"
	"testing"
	"time"

	"github.com/jupark12/go-run-queue/common"
	"github.com/jupark12/go-run-queue/db/dbtest"
	"github.com/jupark12/go-run-queue/models"
)

func TestRunLifecycle(t *testing.T) {
	clock := newFakeClock()
	s := NewRunStore(dbtest.Open(t), dbtest.Logger(), WithClock(clock.Now))
	ctx := context.Background()

	if _, err := s.Create(ctx, "run_1", "tenant-a", "tenants/tenant-a/run_1/a.pdf"); err != nil {
		t.Fatalf("create: %v", err)
	}
	created := clock.Now()
	clock.Advance(time.Minute)

	if err := s.MarkQueued(ctx, "run_1", "tenant-b", "tenants/tenant-a/run_1/b.pdf"); err != nil {
		t.Fatalf("mark queued: %v", err)
	}
	run, err := s.Get(ctx, "run_1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if run.Status != models.RunQueued || run.ObjectKey != "tenants/tenant-a/run_1/b.pdf" {
		t.Fatalf("unexpected queued run: %+v", run)
	}
	if run.TenantID != "tenant-a" || !run.CreatedAt.Equal(created) {
		t.Fatalf("upsert must keep tenant and creation time: %+v", run)
	}

	result := &models.RunResult{ResultRef: "reports/run_1/report.xlsx", Summary: "2 findings", FindingCount: 2}
	if err := s.Finish(ctx, "run_1", models.RunProcessed, result); err != nil {
		t.Fatalf("finish: %v", err)
	}
	run, _ = s.Get(ctx, "run_1")
	if run.Status != models.RunProcessed || run.FindingCount != 2 || run.ResultRef != result.ResultRef {
		t.Fatalf("unexpected finished run: %+v", run)
	}
}

func TestMarkQueuedCreatesUnknownRun(t *testing.T) {
	s := NewRunStore(dbtest.Open(t), dbtest.Logger())
	ctx := context.Background()
	if err := s.MarkQueued(ctx, "run_ext", "tenant-x", "k"); err != nil {
		t.Fatalf("mark queued: %v", err)
	}
	run, err := s.Get(ctx, "run_ext")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if run.TenantID != "tenant-x" || run.Status != models.RunQueued {
		t.Fatalf("unexpected run: %+v", run)
	}
}

func TestGetUnknownRun(t *testing.T) {
	s := NewRunStore(dbtest.Open(t), dbtest.Logger())
	if _, err := s.Get(context.Background(), "nope"); !common.IsNotFound(err) {
		t.Fatalf("expected not found, got %v", err)
	}
}
