package workflow

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/loomdev/loom/internal/audit"
	"github.com/loomdev/loom/internal/billing"
	"github.com/loomdev/loom/internal/domain"
	"github.com/loomdev/loom/internal/events"
	"github.com/loomdev/loom/internal/storage"
)

type stubBiller struct {
	balance    float64
	balanceErr error
}

func (s *stubBiller) ConsumeCredits(context.Context, billing.ConsumeRequest) (*billing.Transaction, error) {
	return &billing.Transaction{}, nil
}

func (s *stubBiller) RefundCredits(context.Context, billing.ConsumeRequest) (*billing.Transaction, error) {
	return &billing.Transaction{}, nil
}

func (s *stubBiller) GetBalance(_ context.Context, tenantID string) (*billing.Balance, error) {
	if s.balanceErr != nil {
		return nil, s.balanceErr
	}
	return &billing.Balance{TenantID: tenantID, Balance: s.balance}, nil
}

type stubDispatcher struct {
	mu    sync.Mutex
	tasks []string
	runs  []string
}

func (s *stubDispatcher) QueueTask(taskID, _ string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tasks = append(s.tasks, taskID)
	return nil
}

func (s *stubDispatcher) QueueRun(runID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.runs = append(s.runs, runID)
	return nil
}

func (s *stubDispatcher) queuedRuns() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.runs...)
}

type harness struct {
	t      *testing.T
	uow    *storage.UnitOfWork
	biller *stubBiller
	disp   *stubDispatcher
	sink   *audit.MemorySink
	hub    *events.Hub
	svc    *Service
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	db, err := storage.Open(filepath.Join(t.TempDir(), "loom.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	h := &harness{
		t:      t,
		uow:    storage.NewUnitOfWork(db),
		biller: &stubBiller{balance: 1000},
		disp:   &stubDispatcher{},
		sink:   audit.NewMemorySink(),
		hub:    events.NewHub(),
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	h.svc = NewService(h.uow, h.biller, h.disp, h.sink, h.hub, logger)
	return h
}

// seedRun creates a project, task, run, and the four step rows. Step
// statuses are applied by number from the overrides map.
func (h *harness) seedRun(tenantID string, runStatus domain.RunStatus, currentStep int,
	stepStatus map[int]domain.StepStatus) (*domain.Task, *domain.PipelineRun, []*domain.PipelineStepRun) {
	h.t.Helper()
	project := domain.NewProject(tenantID, "demo", "")
	task := domain.NewTask(tenantID, project.ID, "build api", map[string]any{"requirement": "Build API"})
	require.NoError(h.t, task.Transition(domain.TaskQueued))
	require.NoError(h.t, task.Transition(domain.TaskRunning))

	run := domain.NewPipelineRun(tenantID, task.ID)
	run.CurrentStep = currentStep
	if runStatus == domain.RunPaused {
		require.NoError(h.t, run.AddPauseReason(domain.PauseAwaitingApproval))
	} else if runStatus != domain.RunRunning {
		require.NoError(h.t, run.Transition(runStatus))
	}

	var steps []*domain.PipelineStepRun
	err := h.uow.Do(context.Background(), func(ctx context.Context, r domain.Repos) error {
		if err := r.Projects.Create(ctx, project); err != nil {
			return err
		}
		if err := r.Tasks.Create(ctx, task); err != nil {
			return err
		}
		if err := r.Pipelines.CreateRun(ctx, run); err != nil {
			return err
		}
		for _, spec := range domain.Steps {
			step := domain.NewStepRun(tenantID, run.ID, spec)
			if status, ok := stepStatus[spec.Number]; ok {
				applyStepStatus(step, status)
			}
			if err := r.Pipelines.CreateStep(ctx, step); err != nil {
				return err
			}
			steps = append(steps, step)
		}
		return nil
	})
	require.NoError(h.t, err)
	return task, run, steps
}

func applyStepStatus(step *domain.PipelineStepRun, status domain.StepStatus) {
	switch status {
	case domain.StepRunning:
		step.FreezeInput(map[string]any{"requirement": "Build API"})
		_ = step.Start()
	case domain.StepCompleted:
		step.FreezeInput(map[string]any{"requirement": "Build API"})
		_ = step.Start()
		_ = step.Complete(map[string]any{"result": string(step.StepType)})
	case domain.StepFailed:
		step.FreezeInput(map[string]any{"requirement": "Build API"})
		_ = step.Start()
		_ = step.Fail("boom")
	}
}

func (h *harness) seedArtifact(tenantID string, task *domain.Task, run *domain.PipelineRun,
	step *domain.PipelineStepRun, version int, status domain.ArtifactStatus) *domain.Artifact {
	h.t.Helper()
	spec, _ := domain.SpecForStep(step.StepType)
	art := &domain.Artifact{
		ID:            domain.NewID(),
		TenantID:      tenantID,
		TaskID:        task.ID,
		PipelineRunID: run.ID,
		StepRunID:     step.ID,
		Type:          spec.Artifact,
		Status:        domain.ArtifactDraft,
		Version:       version,
		Content:       map[string]any{"text": "content", "url": "", "metadata": nil},
	}
	if status == domain.ArtifactApproved {
		require.NoError(h.t, art.Approve())
	}
	err := h.uow.Do(context.Background(), func(ctx context.Context, r domain.Repos) error {
		return r.Artifacts.Create(ctx, art)
	})
	require.NoError(h.t, err)
	return art
}

func (h *harness) reloadRun(runID string) *domain.PipelineRun {
	h.t.Helper()
	var run *domain.PipelineRun
	err := h.uow.Do(context.Background(), func(ctx context.Context, r domain.Repos) error {
		var err error
		run, err = r.Pipelines.GetRunAnyTenant(ctx, runID)
		return err
	})
	require.NoError(h.t, err)
	require.NotNil(h.t, run)
	return run
}

func (h *harness) reloadSteps(runID string) []*domain.PipelineStepRun {
	h.t.Helper()
	var steps []*domain.PipelineStepRun
	err := h.uow.Do(context.Background(), func(ctx context.Context, r domain.Repos) error {
		var err error
		steps, err = r.Pipelines.StepsForRun(ctx, runID)
		return err
	})
	require.NoError(h.t, err)
	return steps
}

func (h *harness) reloadArtifact(id, tenantID string) *domain.Artifact {
	h.t.Helper()
	var art *domain.Artifact
	err := h.uow.Do(context.Background(), func(ctx context.Context, r domain.Repos) error {
		var err error
		art, err = r.Artifacts.Get(ctx, id, tenantID)
		return err
	})
	require.NoError(h.t, err)
	require.NotNil(h.t, art)
	return art
}
