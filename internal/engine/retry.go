package engine

import (
	"context"
	"time"

	"github.com/loomdev/loom/internal/billing"
	"github.com/loomdev/loom/internal/domain"
)

// scheduleStepRetry persists the next retry job for a failed step. The
// delay doubles with every recorded failure: 2^retry_count seconds.
func scheduleStepRetry(ctx context.Context, r domain.Repos, now time.Time, step *domain.PipelineStepRun) (*domain.RetryJob, error) {
	delay := time.Duration(1<<uint(step.RetryCount)) * time.Second
	job := domain.NewRetryJob(step.TenantID, step.ID, domain.RetryKindStep, step.RetryCount, now.Add(delay))
	if err := r.RetryJobs.Create(ctx, job); err != nil {
		return nil, domain.Ef(domain.CodeRetryJobCreateFailed, "schedule retry for step %s: %v", step.ID, err)
	}
	return job, nil
}

// BillingRetrier schedules deferred credit consumes when the billing
// service is unavailable at settlement time. Backoff is
// base_delay * 2^attempt, bounded by MaxRetries.
type BillingRetrier struct {
	BaseDelay  time.Duration
	MaxRetries int
	now        func() time.Time
}

// Schedule persists a billing retry job for the step. The payload carries
// everything the worker needs to replay the consume with the original
// idempotency key.
func (b *BillingRetrier) Schedule(ctx context.Context, r domain.Repos, step *domain.PipelineStepRun,
	amount float64, key string, attempt int, errMsg string) (*domain.RetryJob, error) {
	if attempt >= b.MaxRetries {
		return nil, domain.Ef(domain.CodeMaxRetriesExceeded,
			"billing retry budget exhausted for step %s after %d attempts", step.ID, attempt)
	}

	now := b.now
	if now == nil {
		now = time.Now
	}
	delay := b.BaseDelay * time.Duration(1<<uint(attempt))
	job := domain.NewRetryJob(step.TenantID, step.ID, domain.RetryKindBilling, attempt+1, now().Add(delay))
	job.Payload = map[string]any{
		"amount":          billing.FormatAmount(amount),
		"idempotency_key": key,
		"error_message":   errMsg,
	}
	if err := r.RetryJobs.Create(ctx, job); err != nil {
		return nil, domain.Ef(domain.CodeRetryJobCreateFailed, "create billing retry job for step %s: %v", step.ID, err)
	}
	return job, nil
}
