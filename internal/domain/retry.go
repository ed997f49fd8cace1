package domain

import "time"

// RetryJobStatus is the processing status of a retry job.
type RetryJobStatus string

const (
	RetryPending    RetryJobStatus = "pending"
	RetryProcessing RetryJobStatus = "processing"
	RetryCompleted  RetryJobStatus = "completed"
	RetryFailed     RetryJobStatus = "failed"
)

// RetryJobKind distinguishes what a retry job re-executes.
type RetryJobKind string

const (
	// RetryKindStep re-executes a failed pipeline step with its frozen
	// input snapshot.
	RetryKindStep RetryJobKind = "step"
	// RetryKindBilling re-attempts a credit consume that hit a transient
	// billing outage.
	RetryKindBilling RetryJobKind = "billing"
)

// RetryJob is a durable row telling the retry worker to re-execute work
// once scheduled_at has passed.
type RetryJob struct {
	ID           string         `json:"id"`
	TenantID     string         `json:"tenant_id"`
	StepRunID    string         `json:"step_run_id"`
	Kind         RetryJobKind   `json:"kind"`
	RetryAttempt int            `json:"retry_attempt"`
	ScheduledAt  time.Time      `json:"scheduled_at"`
	Status       RetryJobStatus `json:"status"`
	Payload      map[string]any `json:"payload,omitempty"`
	ProcessedAt  *time.Time     `json:"processed_at,omitempty"`
	CreatedAt    time.Time      `json:"created_at"`
}

// NewRetryJob creates a pending retry job due at scheduledAt.
func NewRetryJob(tenantID, stepRunID string, kind RetryJobKind, attempt int, scheduledAt time.Time) *RetryJob {
	return &RetryJob{
		ID:           NewID(),
		TenantID:     tenantID,
		StepRunID:    stepRunID,
		Kind:         kind,
		RetryAttempt: attempt,
		ScheduledAt:  scheduledAt,
		Status:       RetryPending,
		CreatedAt:    time.Now().UTC(),
	}
}

// Ready reports whether the job is due for processing.
func (j *RetryJob) Ready(now time.Time) bool {
	return j.Status == RetryPending && !j.ScheduledAt.After(now)
}

// MarkProcessing moves the job to processing.
func (j *RetryJob) MarkProcessing() {
	j.Status = RetryProcessing
}

// Finish records the terminal job outcome.
func (j *RetryJob) Finish(status RetryJobStatus) {
	now := time.Now().UTC()
	j.Status = status
	j.ProcessedAt = &now
}

// DeadLetterEvent is a durable record that a step exhausted its retries
// and requires manual resolution.
type DeadLetterEvent struct {
	ID              string         `json:"id"`
	TenantID        string         `json:"tenant_id"`
	PipelineRunID   string         `json:"pipeline_run_id"`
	StepRunID       string         `json:"step_run_id"`
	FailureReason   string         `json:"failure_reason"`
	RetryCount      int            `json:"retry_count"`
	Context         map[string]any `json:"context,omitempty"`
	Resolved        bool           `json:"resolved"`
	ResolvedAt      *time.Time     `json:"resolved_at,omitempty"`
	ResolutionNotes string         `json:"resolution_notes,omitempty"`
	CreatedAt       time.Time      `json:"created_at"`
}

// NewDeadLetter creates an unresolved dead-letter record for a step.
func NewDeadLetter(step *PipelineStepRun, reason string) *DeadLetterEvent {
	return &DeadLetterEvent{
		ID:            NewID(),
		TenantID:      step.TenantID,
		PipelineRunID: step.PipelineRunID,
		StepRunID:     step.ID,
		FailureReason: reason,
		RetryCount:    step.RetryCount,
		Context: map[string]any{
			"step_type":   string(step.StepType),
			"step_number": step.StepNumber,
			"max_retries": step.MaxRetries,
		},
		CreatedAt: time.Now().UTC(),
	}
}

// Resolve records a manual resolution. Resolution notes are the only
// mutation allowed once the owning run is terminal.
func (d *DeadLetterEvent) Resolve(notes string) {
	now := time.Now().UTC()
	d.Resolved = true
	d.ResolvedAt = &now
	d.ResolutionNotes = notes
}
