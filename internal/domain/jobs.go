package domain

import "time"

// JobStatus is the lifecycle status of an async export or git-sync job.
type JobStatus string

const (
	JobPending    JobStatus = "pending"
	JobProcessing JobStatus = "processing"
	JobCompleted  JobStatus = "completed"
	JobFailed     JobStatus = "failed"
)

// DefaultJobMaxRetries is the retry budget for export and git-sync jobs.
const DefaultJobMaxRetries = 3

// jobState is the shared lifecycle embedded by ExportJob and GitSyncJob.
type jobState struct {
	ID           string     `json:"id"`
	TenantID     string     `json:"tenant_id"`
	TaskID       string     `json:"task_id"`
	Status       JobStatus  `json:"status"`
	ErrorMessage string     `json:"error_message,omitempty"`
	RetryCount   int        `json:"retry_count"`
	MaxRetries   int        `json:"max_retries"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
	CompletedAt  *time.Time `json:"completed_at,omitempty"`
}

func newJobState(tenantID, taskID string) jobState {
	now := time.Now().UTC()
	return jobState{
		ID:         NewID(),
		TenantID:   tenantID,
		TaskID:     taskID,
		Status:     JobPending,
		MaxRetries: DefaultJobMaxRetries,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
}

// StartProcessing moves a pending job to processing.
func (j *jobState) StartProcessing() error {
	if j.Status != JobPending {
		return Ef(CodeInvalidJobTransition, "job %s: cannot start from %s", j.ID, j.Status)
	}
	j.Status = JobProcessing
	j.UpdatedAt = time.Now().UTC()
	return nil
}

// Fail marks the job failed with an error message.
func (j *jobState) Fail(message string) error {
	if j.Status != JobProcessing {
		return Ef(CodeInvalidJobTransition, "job %s: cannot fail from %s", j.ID, j.Status)
	}
	j.Status = JobFailed
	j.ErrorMessage = message
	j.UpdatedAt = time.Now().UTC()
	return nil
}

// CanRetry reports whether a failed job has retry budget left.
func (j *jobState) CanRetry() bool {
	return j.Status == JobFailed && j.RetryCount < j.MaxRetries
}

func (j *jobState) complete() {
	now := time.Now().UTC()
	j.Status = JobCompleted
	j.ErrorMessage = ""
	j.CompletedAt = &now
	j.UpdatedAt = now
}

// ExportJob packages a task's artifacts into a downloadable archive.
type ExportJob struct {
	jobState
	DownloadURL string     `json:"download_url,omitempty"`
	ExpiresAt   *time.Time `json:"expires_at,omitempty"`
}

// NewExportJob creates a pending export job.
func NewExportJob(tenantID, taskID string) *ExportJob {
	return &ExportJob{jobState: newJobState(tenantID, taskID)}
}

// Complete records the download URL and its expiry.
func (j *ExportJob) Complete(downloadURL string, expiresAt time.Time) error {
	if j.Status != JobProcessing {
		return Ef(CodeInvalidJobTransition, "job %s: cannot complete from %s", j.ID, j.Status)
	}
	j.DownloadURL = downloadURL
	j.ExpiresAt = &expiresAt
	j.complete()
	return nil
}

// IncrementRetry re-queues a failed job, clearing its result fields.
func (j *ExportJob) IncrementRetry() error {
	if !j.CanRetry() {
		return Ef(CodeMaxRetriesExceeded, "job %s: retry budget exhausted", j.ID)
	}
	j.RetryCount++
	j.Status = JobPending
	j.DownloadURL = ""
	j.ExpiresAt = nil
	j.UpdatedAt = time.Now().UTC()
	return nil
}

// GitSyncJob pushes a task's artifacts to a remote git repository.
type GitSyncJob struct {
	jobState
	RepoURL   string `json:"repo_url"`
	Branch    string `json:"branch"`
	CommitSHA string `json:"commit_sha,omitempty"`
}

// NewGitSyncJob creates a pending git-sync job.
func NewGitSyncJob(tenantID, taskID, repoURL, branch string) *GitSyncJob {
	return &GitSyncJob{
		jobState: newJobState(tenantID, taskID),
		RepoURL:  repoURL,
		Branch:   branch,
	}
}

// Complete records the pushed commit SHA.
func (j *GitSyncJob) Complete(commitSHA string) error {
	if j.Status != JobProcessing {
		return Ef(CodeInvalidJobTransition, "job %s: cannot complete from %s", j.ID, j.Status)
	}
	j.CommitSHA = commitSHA
	j.complete()
	return nil
}

// IncrementRetry re-queues a failed job, clearing its result fields.
func (j *GitSyncJob) IncrementRetry() error {
	if !j.CanRetry() {
		return Ef(CodeMaxRetriesExceeded, "job %s: retry budget exhausted", j.ID)
	}
	j.RetryCount++
	j.Status = JobPending
	j.CommitSHA = ""
	j.UpdatedAt = time.Now().UTC()
	return nil
}
