// Package jobs runs the async export and git-sync jobs. A job is created
// pending, processed in the background, and retried from its own retry
// budget when the sink fails.
package jobs

import (
	"context"
	"log/slog"
	"time"

	"github.com/loomdev/loom/internal/domain"
	"github.com/loomdev/loom/internal/events"
)

// ExportSink packages a task's artifacts into a downloadable archive.
type ExportSink interface {
	Archive(ctx context.Context, job *domain.ExportJob, artifacts []*domain.Artifact) (url string, expiresAt time.Time, err error)
}

// GitSink pushes a task's artifacts to a remote repository and returns
// the resulting commit SHA.
type GitSink interface {
	Push(ctx context.Context, job *domain.GitSyncJob, artifacts []*domain.Artifact) (commitSHA string, err error)
}

// Runner owns the export and git-sync job lifecycle.
type Runner struct {
	uow     domain.UnitOfWork
	exports ExportSink
	git     GitSink
	hub     *events.Hub
	logger  *slog.Logger

	// spawn runs a job attempt in the background. Tests replace it with a
	// synchronous call.
	spawn func(fn func())
}

// NewRunner wires a job runner.
func NewRunner(uow domain.UnitOfWork, exports ExportSink, git GitSink, hub *events.Hub, logger *slog.Logger) *Runner {
	return &Runner{
		uow:     uow,
		exports: exports,
		git:     git,
		hub:     hub,
		logger:  logger,
		spawn:   func(fn func()) { go fn() },
	}
}

// StartExport creates a pending export job for the task and schedules its
// first attempt.
func (r *Runner) StartExport(ctx context.Context, tenantID, taskID string) (*domain.ExportJob, error) {
	job := domain.NewExportJob(tenantID, taskID)
	err := r.uow.Do(ctx, func(ctx context.Context, repos domain.Repos) error {
		task, err := repos.Tasks.Get(ctx, taskID, tenantID)
		if err != nil {
			return err
		}
		if task == nil {
			return domain.Ef(domain.CodeTaskNotFound, "task %s not found", taskID)
		}
		return repos.Jobs.CreateExport(ctx, job)
	})
	if err != nil {
		return nil, err
	}
	r.spawn(func() { r.ProcessExport(context.Background(), job.ID, tenantID) })
	return job, nil
}

// GetExport returns a tenant's export job.
func (r *Runner) GetExport(ctx context.Context, tenantID, jobID string) (*domain.ExportJob, error) {
	var job *domain.ExportJob
	err := r.uow.Do(ctx, func(ctx context.Context, repos domain.Repos) error {
		var err error
		job, err = repos.Jobs.GetExport(ctx, jobID, tenantID)
		return err
	})
	if err != nil {
		return nil, err
	}
	if job == nil {
		return nil, domain.Ef(domain.CodeJobNotFound, "export job %s not found", jobID)
	}
	return job, nil
}

// ProcessExport runs one export attempt. A sink failure consumes one
// retry: the job goes back to pending and another attempt is scheduled
// until the budget is exhausted.
func (r *Runner) ProcessExport(ctx context.Context, jobID, tenantID string) {
	var (
		job       *domain.ExportJob
		artifacts []*domain.Artifact
	)
	err := r.uow.Do(ctx, func(ctx context.Context, repos domain.Repos) error {
		var err error
		job, err = repos.Jobs.GetExport(ctx, jobID, tenantID)
		if err != nil {
			return err
		}
		if job == nil {
			return domain.Ef(domain.CodeJobNotFound, "export job %s not found", jobID)
		}
		if err := job.StartProcessing(); err != nil {
			return err
		}
		if err := repos.Jobs.UpdateExport(ctx, job); err != nil {
			return err
		}
		artifacts, err = latestArtifacts(ctx, repos, job.TaskID)
		return err
	})
	if err != nil {
		r.logger.Error("export job could not start", "job_id", jobID, "error", err)
		return
	}

	url, expiresAt, sinkErr := r.exports.Archive(ctx, job, artifacts)

	retry := false
	err = r.uow.Do(ctx, func(ctx context.Context, repos domain.Repos) error {
		if sinkErr == nil {
			if err := job.Complete(url, expiresAt); err != nil {
				return err
			}
			return repos.Jobs.UpdateExport(ctx, job)
		}
		if err := job.Fail(sinkErr.Error()); err != nil {
			return err
		}
		if job.CanRetry() {
			if err := job.IncrementRetry(); err != nil {
				return err
			}
			retry = true
		}
		return repos.Jobs.UpdateExport(ctx, job)
	})
	if err != nil {
		r.logger.Error("export job could not settle", "job_id", jobID, "error", err)
		return
	}

	switch {
	case sinkErr == nil:
		r.hub.Publish(tenantID, "export:completed", map[string]any{
			"job_id":       job.ID,
			"task_id":      job.TaskID,
			"download_url": job.DownloadURL,
		})
	case retry:
		r.logger.Warn("export attempt failed, retrying",
			"job_id", job.ID, "retry_count", job.RetryCount, "error", sinkErr)
		r.spawn(func() { r.ProcessExport(context.Background(), jobID, tenantID) })
	default:
		r.logger.Error("export job failed", "job_id", job.ID, "error", sinkErr)
		r.hub.Publish(tenantID, "export:failed", map[string]any{
			"job_id":  job.ID,
			"task_id": job.TaskID,
			"error":   job.ErrorMessage,
		})
	}
}

// StartGitSync creates a pending git-sync job for the task and schedules
// its first attempt.
func (r *Runner) StartGitSync(ctx context.Context, tenantID, taskID, repoURL, branch string) (*domain.GitSyncJob, error) {
	if repoURL == "" {
		return nil, domain.E(domain.CodeInvalidInput, "repo_url is required")
	}
	if branch == "" {
		branch = "main"
	}
	job := domain.NewGitSyncJob(tenantID, taskID, repoURL, branch)
	err := r.uow.Do(ctx, func(ctx context.Context, repos domain.Repos) error {
		task, err := repos.Tasks.Get(ctx, taskID, tenantID)
		if err != nil {
			return err
		}
		if task == nil {
			return domain.Ef(domain.CodeTaskNotFound, "task %s not found", taskID)
		}
		return repos.Jobs.CreateGitSync(ctx, job)
	})
	if err != nil {
		return nil, err
	}
	r.spawn(func() { r.ProcessGitSync(context.Background(), job.ID, tenantID) })
	return job, nil
}

// GetGitSync returns a tenant's git-sync job.
func (r *Runner) GetGitSync(ctx context.Context, tenantID, jobID string) (*domain.GitSyncJob, error) {
	var job *domain.GitSyncJob
	err := r.uow.Do(ctx, func(ctx context.Context, repos domain.Repos) error {
		var err error
		job, err = repos.Jobs.GetGitSync(ctx, jobID, tenantID)
		return err
	})
	if err != nil {
		return nil, err
	}
	if job == nil {
		return nil, domain.Ef(domain.CodeJobNotFound, "git-sync job %s not found", jobID)
	}
	return job, nil
}

// ProcessGitSync runs one git-sync attempt with the same retry semantics
// as ProcessExport.
func (r *Runner) ProcessGitSync(ctx context.Context, jobID, tenantID string) {
	var (
		job       *domain.GitSyncJob
		artifacts []*domain.Artifact
	)
	err := r.uow.Do(ctx, func(ctx context.Context, repos domain.Repos) error {
		var err error
		job, err = repos.Jobs.GetGitSync(ctx, jobID, tenantID)
		if err != nil {
			return err
		}
		if job == nil {
			return domain.Ef(domain.CodeJobNotFound, "git-sync job %s not found", jobID)
		}
		if err := job.StartProcessing(); err != nil {
			return err
		}
		if err := repos.Jobs.UpdateGitSync(ctx, job); err != nil {
			return err
		}
		artifacts, err = latestArtifacts(ctx, repos, job.TaskID)
		return err
	})
	if err != nil {
		r.logger.Error("git-sync job could not start", "job_id", jobID, "error", err)
		return
	}

	sha, sinkErr := r.git.Push(ctx, job, artifacts)

	retry := false
	err = r.uow.Do(ctx, func(ctx context.Context, repos domain.Repos) error {
		if sinkErr == nil {
			if err := job.Complete(sha); err != nil {
				return err
			}
			return repos.Jobs.UpdateGitSync(ctx, job)
		}
		if err := job.Fail(sinkErr.Error()); err != nil {
			return err
		}
		if job.CanRetry() {
			if err := job.IncrementRetry(); err != nil {
				return err
			}
			retry = true
		}
		return repos.Jobs.UpdateGitSync(ctx, job)
	})
	if err != nil {
		r.logger.Error("git-sync job could not settle", "job_id", jobID, "error", err)
		return
	}

	switch {
	case sinkErr == nil:
		r.hub.Publish(tenantID, "git_sync:completed", map[string]any{
			"job_id":     job.ID,
			"task_id":    job.TaskID,
			"commit_sha": job.CommitSHA,
		})
	case retry:
		r.logger.Warn("git-sync attempt failed, retrying",
			"job_id", job.ID, "retry_count", job.RetryCount, "error", sinkErr)
		r.spawn(func() { r.ProcessGitSync(context.Background(), jobID, tenantID) })
	default:
		r.logger.Error("git-sync job failed", "job_id", job.ID, "error", sinkErr)
		r.hub.Publish(tenantID, "git_sync:failed", map[string]any{
			"job_id":  job.ID,
			"task_id": job.TaskID,
			"error":   job.ErrorMessage,
		})
	}
}

// latestArtifacts returns the highest version of each artifact type a
// task has produced, in step order.
func latestArtifacts(ctx context.Context, repos domain.Repos, taskID string) ([]*domain.Artifact, error) {
	all, err := repos.Artifacts.ListForTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	latest := map[domain.ArtifactType]*domain.Artifact{}
	for _, a := range all {
		if a.Status == domain.ArtifactSuperseded {
			continue
		}
		if cur, ok := latest[a.Type]; !ok || a.Version > cur.Version {
			latest[a.Type] = a
		}
	}
	var out []*domain.Artifact
	for _, spec := range domain.Steps {
		if a, ok := latest[spec.Artifact]; ok {
			out = append(out, a)
		}
	}
	return out, nil
}
