package engine

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loomdev/loom/internal/audit"
	"github.com/loomdev/loom/internal/billing"
	"github.com/loomdev/loom/internal/domain"
)

func TestExecute_HappyPath(t *testing.T) {
	h := newHarness(t, Config{AutoApproveAnalysis: true})
	task := h.newQueuedTask("tenant-1")

	runID, err := h.exec.Execute(context.Background(), task.ID, "tenant-1")
	require.NoError(t, err)

	run := h.run(runID)
	assert.Equal(t, domain.RunCompleted, run.Status)
	assert.NotNil(t, run.CompletedAt)

	steps := h.steps(runID)
	require.Len(t, steps, 4)
	for i, s := range steps {
		assert.Equal(t, i+1, s.StepNumber)
		assert.Equal(t, domain.StepCompleted, s.Status, "step %d", s.StepNumber)
		assert.NotNil(t, s.InputSnapshot)
	}
	assert.Equal(t, "Build API", steps[0].InputSnapshot["requirement"])
	// Later snapshots accumulate the outputs of earlier steps.
	assert.Contains(t, steps[1].InputSnapshot, "analysis")

	arts := h.artifacts(task.ID)
	require.Len(t, arts, 4)
	types := map[domain.ArtifactType]*domain.Artifact{}
	for _, a := range arts {
		assert.Equal(t, 1, a.Version)
		types[a.Type] = a
	}
	require.Len(t, types, 4)
	assert.Equal(t, domain.ArtifactApproved, types[domain.ArtifactAnalysisReport].Status)
	assert.Equal(t, domain.ArtifactDraft, types[domain.ArtifactCodeFiles].Status)

	assert.InDelta(t, 850, h.biller.balance, 0.001, "total consumed should be 150")
	assert.Equal(t, domain.TaskCompleted, h.task(task.ID, "tenant-1").Status)

	assert.Len(t, h.sink.ByType(audit.EventPipelineStarted), 1)
	assert.Len(t, h.sink.ByType(audit.EventPipelineCompleted), 1)
}

func TestExecute_InsufficientCreditsPausesRun(t *testing.T) {
	h := newHarness(t, Config{AutoApproveAnalysis: true})
	h.biller.balance = 80
	task := h.newQueuedTask("tenant-1")

	runID, err := h.exec.Execute(context.Background(), task.ID, "tenant-1")
	require.NoError(t, err)

	run := h.run(runID)
	assert.Equal(t, domain.RunPaused, run.Status)
	assert.Equal(t, []domain.PauseReason{domain.PauseInsufficientCredit}, run.PauseReasons)
	require.NotNil(t, run.PauseExpiresAt)
	assert.WithinDuration(t, h.now().Add(domain.PauseWindow), *run.PauseExpiresAt, time.Minute)

	steps := h.steps(runID)
	assert.Equal(t, domain.StepCompleted, steps[0].Status)
	assert.Equal(t, domain.StepCompleted, steps[1].Status)
	// Step 3 finished its agent work but its consume was declined.
	assert.Equal(t, domain.StepCompleted, steps[2].Status)
	assert.Equal(t, domain.StepPending, steps[3].Status)

	assert.Equal(t, domain.TaskRunning, h.task(task.ID, "tenant-1").Status)

	// All reasons must clear before resuming.
	err = run.Resume()
	assert.Equal(t, domain.CodeCannotResume, domain.CodeOf(err))
}

func TestExecute_ApprovalGatePausesAfterDraft(t *testing.T) {
	h := newHarness(t, Config{AutoApproveAnalysis: true, RequireApproval: true})
	task := h.newQueuedTask("tenant-1")

	runID, err := h.exec.Execute(context.Background(), task.ID, "tenant-1")
	require.NoError(t, err)

	run := h.run(runID)
	// Step 1's artifact is auto-approved; step 2 produces the first draft
	// that needs a user decision.
	assert.Equal(t, domain.RunPaused, run.Status)
	assert.Equal(t, []domain.PauseReason{domain.PauseAwaitingApproval}, run.PauseReasons)
	assert.Equal(t, 3, run.CurrentStep)

	steps := h.steps(runID)
	assert.Equal(t, domain.StepCompleted, steps[1].Status)
	assert.Equal(t, domain.StepPending, steps[2].Status)
}

func TestExecute_BillingOutageDefersConsume(t *testing.T) {
	h := newHarness(t, Config{AutoApproveAnalysis: true})
	h.biller.failConsume(billing.ErrServiceUnavailable, 1)
	task := h.newQueuedTask("tenant-1")

	runID, err := h.exec.Execute(context.Background(), task.ID, "tenant-1")
	require.NoError(t, err)

	run := h.run(runID)
	assert.Equal(t, domain.RunRunning, run.Status)
	assert.Equal(t, 1, run.CurrentStep)

	steps := h.steps(runID)
	step1 := steps[0]
	assert.Equal(t, domain.StepCompleted, step1.Status)

	jobs := h.jobsForStep(step1.ID)
	require.Len(t, jobs, 1)
	job := jobs[0]
	assert.Equal(t, domain.RetryKindBilling, job.Kind)
	assert.Equal(t, 1, job.RetryAttempt)
	assert.WithinDuration(t, h.now().Add(time.Minute), job.ScheduledAt, time.Second)
	assert.Equal(t, runID+":"+step1.ID, job.Payload["idempotency_key"])

	events := h.sink.ByType(audit.EventBillingUnavailable)
	require.Len(t, events, 1)
	assert.Equal(t, step1.ID, events[0].ResourceID)

	// Billing comes back; the worker replays the consume with the original
	// key and execution continues to completion.
	h.advance(61 * time.Second)
	require.NoError(t, h.worker.Tick(context.Background()))
	require.NoError(t, h.exec.Run(context.Background(), runID))

	assert.Equal(t, domain.RunCompleted, h.run(runID).Status)
	assert.InDelta(t, 850, h.biller.balance, 0.001)
	assert.Contains(t, h.biller.consumeKeys(), runID+":"+step1.ID)
}

func TestExecute_RejectsTaskNotQueued(t *testing.T) {
	h := newHarness(t, Config{})
	project := domain.NewProject("tenant-1", "demo", "")
	task := domain.NewTask("tenant-1", project.ID, "draft task", map[string]any{"requirement": "x"})
	err := h.uow.Do(context.Background(), func(ctx context.Context, r domain.Repos) error {
		if err := r.Projects.Create(ctx, project); err != nil {
			return err
		}
		return r.Tasks.Create(ctx, task)
	})
	require.NoError(t, err)

	_, err = h.exec.Execute(context.Background(), task.ID, "tenant-1")
	assert.Equal(t, domain.CodeInvalidTaskStatus, domain.CodeOf(err))

	_, err = h.exec.Execute(context.Background(), task.ID, "tenant-2")
	assert.Equal(t, domain.CodeTaskNotFound, domain.CodeOf(err), "foreign tenant reads as absent")
}

func TestConsumeKey(t *testing.T) {
	assert.Equal(t, "r1:s1", consumeKey("r1", "s1", 0))
	assert.Equal(t, "r1:s1:retry_2", consumeKey("r1", "s1", 2))
	assert.Equal(t, "refund:r1:s1", refundKey("r1", "s1"))
}
