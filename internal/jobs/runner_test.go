package jobs

import (
	"archive/zip"
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loomdev/loom/internal/domain"
	"github.com/loomdev/loom/internal/events"
	"github.com/loomdev/loom/internal/storage"
)

type fakeExportSink struct {
	failures int
	calls    int
	seen     []*domain.Artifact
}

func (f *fakeExportSink) Archive(_ context.Context, job *domain.ExportJob, artifacts []*domain.Artifact) (string, time.Time, error) {
	f.calls++
	if f.calls <= f.failures {
		return "", time.Time{}, errors.New("storage unavailable")
	}
	f.seen = artifacts
	return "https://downloads.example.com/" + job.ID + ".zip",
		time.Date(2026, 9, 1, 0, 0, 0, 0, time.UTC), nil
}

type fakeGitSink struct {
	failures int
	calls    int
	seen     []*domain.Artifact
	lastJob  *domain.GitSyncJob
}

func (f *fakeGitSink) Push(_ context.Context, job *domain.GitSyncJob, artifacts []*domain.Artifact) (string, error) {
	f.calls++
	if f.calls <= f.failures {
		return "", errors.New("remote rejected push")
	}
	f.seen = artifacts
	f.lastJob = job
	return "abc123def", nil
}

type harness struct {
	t       *testing.T
	uow     *storage.UnitOfWork
	exports *fakeExportSink
	git     *fakeGitSink
	hub     *events.Hub
	runner  *Runner
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	db, err := storage.Open(filepath.Join(t.TempDir(), "loom.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	h := &harness{
		t:       t,
		uow:     storage.NewUnitOfWork(db),
		exports: &fakeExportSink{},
		git:     &fakeGitSink{},
		hub:     events.NewHub(),
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	h.runner = NewRunner(h.uow, h.exports, h.git, h.hub, logger)
	// Attempts run inline so the tests observe final job state.
	h.runner.spawn = func(fn func()) { fn() }
	return h
}

func (h *harness) seedTask(tenantID string) *domain.Task {
	h.t.Helper()
	project := domain.NewProject(tenantID, "demo", "")
	task := domain.NewTask(tenantID, project.ID, "build api", map[string]any{"requirement": "Build API"})
	err := h.uow.Do(context.Background(), func(ctx context.Context, r domain.Repos) error {
		if err := r.Projects.Create(ctx, project); err != nil {
			return err
		}
		return r.Tasks.Create(ctx, task)
	})
	require.NoError(h.t, err)
	return task
}

func (h *harness) seedArtifact(tenantID, taskID string, t domain.ArtifactType, version int, text string) *domain.Artifact {
	h.t.Helper()
	art := &domain.Artifact{
		ID:            domain.NewID(),
		TenantID:      tenantID,
		TaskID:        taskID,
		PipelineRunID: domain.NewID(),
		StepRunID:     domain.NewID(),
		Type:          t,
		Status:        domain.ArtifactDraft,
		Version:       version,
		Content:       map[string]any{"text": text, "url": "", "metadata": nil},
	}
	err := h.uow.Do(context.Background(), func(ctx context.Context, r domain.Repos) error {
		return r.Artifacts.Create(ctx, art)
	})
	require.NoError(h.t, err)
	return art
}

func TestStartExport_CompletesJob(t *testing.T) {
	h := newHarness(t)
	task := h.seedTask("tenant-1")
	h.seedArtifact("tenant-1", task.ID, domain.ArtifactAnalysisReport, 1, "old analysis")
	h.seedArtifact("tenant-1", task.ID, domain.ArtifactAnalysisReport, 2, "new analysis")
	h.seedArtifact("tenant-1", task.ID, domain.ArtifactUserStories, 1, "stories")

	sub := h.hub.Subscribe("tenant-1")
	defer sub.Unsubscribe()

	job, err := h.runner.StartExport(context.Background(), "tenant-1", task.ID)
	require.NoError(t, err)

	got, err := h.runner.GetExport(context.Background(), "tenant-1", job.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.JobCompleted, got.Status)
	assert.Equal(t, "https://downloads.example.com/"+job.ID+".zip", got.DownloadURL)
	require.NotNil(t, got.ExpiresAt)

	// Only the highest version of each type goes into the archive, in
	// step order.
	require.Len(t, h.exports.seen, 2)
	assert.Equal(t, 2, h.exports.seen[0].Version)
	assert.Equal(t, domain.ArtifactAnalysisReport, h.exports.seen[0].Type)
	assert.Equal(t, domain.ArtifactUserStories, h.exports.seen[1].Type)

	msg := <-sub.C
	assert.Equal(t, "export:completed", msg.Event)
}

func TestStartExport_TaskNotFound(t *testing.T) {
	h := newHarness(t)
	_, err := h.runner.StartExport(context.Background(), "tenant-1", "no-such-task")
	assert.Equal(t, domain.CodeTaskNotFound, domain.CodeOf(err))
}

func TestExport_RetriesOnSinkFailure(t *testing.T) {
	h := newHarness(t)
	task := h.seedTask("tenant-1")
	h.exports.failures = 1

	job, err := h.runner.StartExport(context.Background(), "tenant-1", task.ID)
	require.NoError(t, err)

	got, err := h.runner.GetExport(context.Background(), "tenant-1", job.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.JobCompleted, got.Status)
	assert.Equal(t, 1, got.RetryCount)
	assert.Equal(t, 2, h.exports.calls)
}

func TestExport_ExhaustsRetryBudget(t *testing.T) {
	h := newHarness(t)
	task := h.seedTask("tenant-1")
	h.exports.failures = 100

	sub := h.hub.Subscribe("tenant-1")
	defer sub.Unsubscribe()

	job, err := h.runner.StartExport(context.Background(), "tenant-1", task.ID)
	require.NoError(t, err)

	got, err := h.runner.GetExport(context.Background(), "tenant-1", job.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.JobFailed, got.Status)
	assert.Equal(t, domain.DefaultJobMaxRetries, got.RetryCount)
	assert.Equal(t, "storage unavailable", got.ErrorMessage)
	assert.Equal(t, 1+domain.DefaultJobMaxRetries, h.exports.calls)

	msg := <-sub.C
	assert.Equal(t, "export:failed", msg.Event)
}

func TestGetExport_TenantScoped(t *testing.T) {
	h := newHarness(t)
	task := h.seedTask("tenant-1")

	job, err := h.runner.StartExport(context.Background(), "tenant-1", task.ID)
	require.NoError(t, err)

	_, err = h.runner.GetExport(context.Background(), "tenant-2", job.ID)
	assert.Equal(t, domain.CodeJobNotFound, domain.CodeOf(err))
}

func TestStartGitSync_PushesLatestArtifacts(t *testing.T) {
	h := newHarness(t)
	task := h.seedTask("tenant-1")
	h.seedArtifact("tenant-1", task.ID, domain.ArtifactCodeFiles, 1, "package main")

	job, err := h.runner.StartGitSync(context.Background(), "tenant-1", task.ID,
		"https://github.com/acme/generated", "")
	require.NoError(t, err)
	assert.Equal(t, "main", job.Branch)

	got, err := h.runner.GetGitSync(context.Background(), "tenant-1", job.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.JobCompleted, got.Status)
	assert.Equal(t, "abc123def", got.CommitSHA)
	require.Len(t, h.git.seen, 1)
	assert.Equal(t, domain.ArtifactCodeFiles, h.git.seen[0].Type)
}

func TestStartGitSync_RequiresRepoURL(t *testing.T) {
	h := newHarness(t)
	task := h.seedTask("tenant-1")
	_, err := h.runner.StartGitSync(context.Background(), "tenant-1", task.ID, "", "main")
	assert.Equal(t, domain.CodeInvalidInput, domain.CodeOf(err))
}

func TestGitSync_RetriesOnSinkFailure(t *testing.T) {
	h := newHarness(t)
	task := h.seedTask("tenant-1")
	h.git.failures = 2

	job, err := h.runner.StartGitSync(context.Background(), "tenant-1", task.ID,
		"https://github.com/acme/generated", "develop")
	require.NoError(t, err)

	got, err := h.runner.GetGitSync(context.Background(), "tenant-1", job.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.JobCompleted, got.Status)
	assert.Equal(t, 2, got.RetryCount)
	assert.Equal(t, "develop", h.git.lastJob.Branch)
}

func TestZipSink_WritesArchive(t *testing.T) {
	root := t.TempDir()
	sink := NewZipSink(root, time.Hour)

	job := domain.NewExportJob("tenant-1", "task-1")
	arts := []*domain.Artifact{
		{Type: domain.ArtifactAnalysisReport, Version: 1, Content: map[string]any{"text": "analysis"}},
		{Type: domain.ArtifactTestSuite, Version: 3, Content: map[string]any{"text": "tests"}},
	}
	url, expiresAt, err := sink.Archive(context.Background(), job, arts)
	require.NoError(t, err)
	assert.True(t, expiresAt.After(time.Now()))

	path := filepath.Join(root, "export_"+job.ID+".zip")
	assert.Equal(t, "file://"+path, url)

	r, err := zip.OpenReader(path)
	require.NoError(t, err)
	defer r.Close()
	require.Len(t, r.File, 2)
	assert.Equal(t, "artifacts/ANALYSIS_REPORT_v1.md", r.File[0].Name)
	assert.Equal(t, "artifacts/TEST_SUITE_v3.md", r.File[1].Name)
}

func TestSplitRepoURL(t *testing.T) {
	owner, repo, err := splitRepoURL("https://github.com/acme/generated.git")
	require.NoError(t, err)
	assert.Equal(t, "acme", owner)
	assert.Equal(t, "generated", repo)

	_, _, err = splitRepoURL("https://github.com/acme")
	assert.Equal(t, domain.CodeInvalidInput, domain.CodeOf(err))
}
