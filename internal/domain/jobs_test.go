package domain

import (
	"testing"
	"time"
)

func TestExportJob_Lifecycle(t *testing.T) {
	job := NewExportJob("tenant-1", "task-1")
	if job.Status != JobPending {
		t.Fatalf("new job status = %s, want pending", job.Status)
	}

	if err := job.StartProcessing(); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := job.StartProcessing(); err == nil {
		t.Fatal("double start accepted")
	}

	expires := time.Now().UTC().Add(24 * time.Hour)
	if err := job.Complete("https://dl.example.com/task-1.zip", expires); err != nil {
		t.Fatalf("complete: %v", err)
	}
	if job.Status != JobCompleted || job.DownloadURL == "" || job.ExpiresAt == nil {
		t.Fatalf("unexpected completed state: %+v", job)
	}
}

func TestExportJob_RetryClearsResult(t *testing.T) {
	job := NewExportJob("tenant-1", "task-1")
	_ = job.StartProcessing()
	if err := job.Fail("zip write failed"); err != nil {
		t.Fatalf("fail: %v", err)
	}
	if !job.CanRetry() {
		t.Fatal("failed job with budget should be retryable")
	}

	if err := job.IncrementRetry(); err != nil {
		t.Fatalf("increment retry: %v", err)
	}
	if job.Status != JobPending || job.RetryCount != 1 || job.DownloadURL != "" || job.ExpiresAt != nil {
		t.Fatalf("retry did not reset job: %+v", job)
	}

	// Exhaust the budget.
	for job.RetryCount < job.MaxRetries {
		_ = job.StartProcessing()
		_ = job.Fail("still broken")
		_ = job.IncrementRetry()
	}
	_ = job.StartProcessing()
	_ = job.Fail("still broken")
	if job.CanRetry() {
		t.Fatal("exhausted job reports retryable")
	}
	if err := job.IncrementRetry(); CodeOf(err) != CodeMaxRetriesExceeded {
		t.Fatalf("increment on exhausted = %v, want MAX_RETRIES_EXCEEDED", err)
	}
}

func TestGitSyncJob_Lifecycle(t *testing.T) {
	job := NewGitSyncJob("tenant-1", "task-1", "https://github.com/acme/out", "main")
	_ = job.StartProcessing()
	if err := job.Complete("abc123"); err != nil {
		t.Fatalf("complete: %v", err)
	}
	if job.CommitSHA != "abc123" || job.Status != JobCompleted {
		t.Fatalf("unexpected completed state: %+v", job)
	}

	job2 := NewGitSyncJob("tenant-1", "task-1", "https://github.com/acme/out", "main")
	_ = job2.StartProcessing()
	_ = job2.Fail("push rejected")
	if err := job2.IncrementRetry(); err != nil {
		t.Fatalf("increment retry: %v", err)
	}
	if job2.CommitSHA != "" || job2.Status != JobPending {
		t.Fatalf("retry did not reset job: %+v", job2)
	}
}

func TestRetryJob_Ready(t *testing.T) {
	now := time.Now().UTC()
	due := NewRetryJob("tenant-1", "step-1", RetryKindStep, 1, now.Add(-time.Second))
	future := NewRetryJob("tenant-1", "step-1", RetryKindStep, 1, now.Add(time.Minute))

	if !due.Ready(now) {
		t.Fatal("past-scheduled pending job should be ready")
	}
	if future.Ready(now) {
		t.Fatal("future job reported ready")
	}

	due.MarkProcessing()
	if due.Ready(now) {
		t.Fatal("processing job reported ready")
	}

	due.Finish(RetryCompleted)
	if due.ProcessedAt == nil || due.Status != RetryCompleted {
		t.Fatalf("finish did not record outcome: %+v", due)
	}
}

func TestDeadLetter_Resolve(t *testing.T) {
	step := NewStepRun("tenant-1", "run-1", Steps[0])
	_ = step.Start()
	_ = step.Fail("always fails")

	dl := NewDeadLetter(step, "Retries exhausted")
	if dl.RetryCount != step.RetryCount || dl.Context["step_number"] != 1 {
		t.Fatalf("dead letter context wrong: %+v", dl)
	}
	if dl.Resolved {
		t.Fatal("new dead letter must be unresolved")
	}

	dl.Resolve("bumped agent quota, replayed run")
	if !dl.Resolved || dl.ResolvedAt == nil || dl.ResolutionNotes == "" {
		t.Fatalf("resolve incomplete: %+v", dl)
	}
}
