package domain

import (
	"context"
	"time"
)

// Repository interfaces consumed by the engine and workflow use cases.
// Lookups scoped by tenant return (nil, nil) when no row matches, so use
// cases can map absence to the opaque *_NOT_FOUND codes themselves.

// ProjectRepo persists projects.
type ProjectRepo interface {
	Create(ctx context.Context, p *Project) error
	Get(ctx context.Context, id, tenantID string) (*Project, error)
	Update(ctx context.Context, p *Project) error
}

// TaskRepo persists tasks.
type TaskRepo interface {
	Create(ctx context.Context, t *Task) error
	Get(ctx context.Context, id, tenantID string) (*Task, error)
	Update(ctx context.Context, t *Task) error
}

// PipelineRepo persists pipeline runs and their steps.
type PipelineRepo interface {
	CreateRun(ctx context.Context, r *PipelineRun) error
	GetRun(ctx context.Context, id, tenantID string) (*PipelineRun, error)
	// GetRunAnyTenant is used by the retry worker, which acts on behalf of
	// the system rather than a caller token.
	GetRunAnyTenant(ctx context.Context, id string) (*PipelineRun, error)
	UpdateRun(ctx context.Context, r *PipelineRun) error
	ListRuns(ctx context.Context, tenantID string, status RunStatus, limit, offset int) ([]*PipelineRun, int, error)

	CreateStep(ctx context.Context, s *PipelineStepRun) error
	GetStep(ctx context.Context, id, tenantID string) (*PipelineStepRun, error)
	GetStepAnyTenant(ctx context.Context, id string) (*PipelineStepRun, error)
	UpdateStep(ctx context.Context, s *PipelineStepRun) error
	StepsForRun(ctx context.Context, runID string) ([]*PipelineStepRun, error)
}

// AgentRunRepo persists agent invocations.
type AgentRunRepo interface {
	Create(ctx context.Context, r *AgentRun) error
	LatestForStep(ctx context.Context, stepRunID string) (*AgentRun, error)
	ListForStep(ctx context.Context, stepRunID string) ([]*AgentRun, error)
}

// ArtifactRepo persists versioned artifacts.
type ArtifactRepo interface {
	Create(ctx context.Context, a *Artifact) error
	Get(ctx context.Context, id, tenantID string) (*Artifact, error)
	Update(ctx context.Context, a *Artifact) error
	// MaxVersion returns 0 when the (task, type) group has no versions.
	// Called inside the same transaction as Create so the allocator is
	// serialized (§ concurrency: lost-update protection).
	MaxVersion(ctx context.Context, taskID string, t ArtifactType) (int, error)
	Latest(ctx context.Context, taskID string, t ArtifactType) (*Artifact, error)
	ListForStep(ctx context.Context, stepRunID string) ([]*Artifact, error)
	ListForTask(ctx context.Context, taskID string) ([]*Artifact, error)
}

// RetryJobRepo persists retry jobs for the worker.
type RetryJobRepo interface {
	Create(ctx context.Context, j *RetryJob) error
	Update(ctx context.Context, j *RetryJob) error
	// Due returns pending jobs with scheduled_at <= now, ordered by
	// scheduled_at ascending.
	Due(ctx context.Context, now time.Time) ([]*RetryJob, error)
	ListForStep(ctx context.Context, stepRunID string) ([]*RetryJob, error)
}

// DeadLetterRepo persists dead-letter events.
type DeadLetterRepo interface {
	Create(ctx context.Context, d *DeadLetterEvent) error
	Update(ctx context.Context, d *DeadLetterEvent) error
	Get(ctx context.Context, id, tenantID string) (*DeadLetterEvent, error)
	ListForRun(ctx context.Context, runID string) ([]*DeadLetterEvent, error)
}

// JobRepo persists export and git-sync jobs.
type JobRepo interface {
	CreateExport(ctx context.Context, j *ExportJob) error
	GetExport(ctx context.Context, id, tenantID string) (*ExportJob, error)
	UpdateExport(ctx context.Context, j *ExportJob) error

	CreateGitSync(ctx context.Context, j *GitSyncJob) error
	GetGitSync(ctx context.Context, id, tenantID string) (*GitSyncJob, error)
	UpdateGitSync(ctx context.Context, j *GitSyncJob) error
}

// Repos is the bag of repository handles sharing one transaction.
type Repos struct {
	Projects    ProjectRepo
	Tasks       TaskRepo
	Pipelines   PipelineRepo
	AgentRuns   AgentRunRepo
	Artifacts   ArtifactRepo
	RetryJobs   RetryJobRepo
	DeadLetters DeadLetterRepo
	Jobs        JobRepo
}

// UnitOfWork runs fn inside one transaction. A nil return commits; any
// error rolls back. The Repos bag must not outlive fn.
type UnitOfWork interface {
	Do(ctx context.Context, fn func(ctx context.Context, r Repos) error) error
}
