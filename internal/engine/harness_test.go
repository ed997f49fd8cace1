package engine

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/loomdev/loom/internal/agent"
	"github.com/loomdev/loom/internal/artifact"
	"github.com/loomdev/loom/internal/audit"
	"github.com/loomdev/loom/internal/billing"
	"github.com/loomdev/loom/internal/domain"
	"github.com/loomdev/loom/internal/events"
	"github.com/loomdev/loom/internal/metrics"
	"github.com/loomdev/loom/internal/storage"
)

// fakeBiller is an in-memory stand-in for the billing peer service with
// real idempotency semantics: a replayed key returns the original
// transaction without an additional debit.
type fakeBiller struct {
	mu       sync.Mutex
	balance  float64
	seen     map[string]float64
	consumes []billing.ConsumeRequest
	refunds  []billing.ConsumeRequest

	consumeFail error
	failCount   int // -1 fails forever
	balanceErr  error
}

func newFakeBiller(balance float64) *fakeBiller {
	return &fakeBiller{balance: balance, seen: map[string]float64{}}
}

func (f *fakeBiller) failConsume(err error, n int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.consumeFail = err
	f.failCount = n
}

func (f *fakeBiller) ConsumeCredits(_ context.Context, req billing.ConsumeRequest) (*billing.Transaction, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.consumeFail != nil && f.failCount != 0 {
		if f.failCount > 0 {
			f.failCount--
		}
		return nil, f.consumeFail
	}
	f.consumes = append(f.consumes, req)
	if amount, ok := f.seen[req.IdempotencyKey]; ok {
		return &billing.Transaction{
			TransactionID:  domain.NewID(),
			IdempotencyKey: req.IdempotencyKey,
			Amount:         billing.FormatAmount(amount),
		}, nil
	}
	amount, _ := strconv.ParseFloat(req.Amount, 64)
	if f.balance < amount {
		return nil, billing.ErrInsufficientCredits
	}
	f.balance -= amount
	f.seen[req.IdempotencyKey] = amount
	return &billing.Transaction{
		TransactionID:   domain.NewID(),
		TransactionType: "consume",
		IdempotencyKey:  req.IdempotencyKey,
		Amount:          req.Amount,
	}, nil
}

func (f *fakeBiller) RefundCredits(_ context.Context, req billing.ConsumeRequest) (*billing.Transaction, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.refunds = append(f.refunds, req)
	amount, _ := strconv.ParseFloat(req.Amount, 64)
	f.balance += amount
	return &billing.Transaction{
		TransactionID:   domain.NewID(),
		TransactionType: "refund",
		IdempotencyKey:  req.IdempotencyKey,
		Amount:          req.Amount,
	}, nil
}

func (f *fakeBiller) GetBalance(_ context.Context, tenantID string) (*billing.Balance, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.balanceErr != nil {
		return nil, f.balanceErr
	}
	return &billing.Balance{TenantID: tenantID, Balance: f.balance}, nil
}

func (f *fakeBiller) consumeKeys() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	keys := make([]string, 0, len(f.consumes))
	for _, c := range f.consumes {
		keys = append(keys, c.IdempotencyKey)
	}
	return keys
}

// harness wires an executor and worker over a real sqlite store with a
// controllable clock.
type harness struct {
	t      *testing.T
	uow    *storage.UnitOfWork
	agents *agent.MockExecutor
	biller *fakeBiller
	sink   *audit.MemorySink
	hub    *events.Hub
	exec   *Executor
	worker *Worker

	mu    sync.Mutex
	clock time.Time
}

func newHarness(t *testing.T, cfg Config) *harness {
	t.Helper()
	db, err := storage.Open(filepath.Join(t.TempDir(), "loom.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	h := &harness{
		t:      t,
		uow:    storage.NewUnitOfWork(db),
		agents: agent.NewMock(),
		biller: newFakeBiller(1000),
		sink:   audit.NewMemorySink(),
		hub:    events.NewHub(),
		clock:  time.Now().UTC(),
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	h.exec = NewExecutor(h.uow, h.agents, h.biller, artifact.NewService(nil),
		h.sink, h.hub, metrics.NewNop(), logger, cfg)
	h.exec.now = h.now
	h.worker = NewWorker(h.exec, nil, logger, time.Second)
	return h
}

func (h *harness) now() time.Time {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.clock
}

func (h *harness) advance(d time.Duration) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.clock = h.clock.Add(d)
}

func (h *harness) newQueuedTask(tenantID string) *domain.Task {
	h.t.Helper()
	project := domain.NewProject(tenantID, "demo", "")
	task := domain.NewTask(tenantID, project.ID, "build api", map[string]any{"requirement": "Build API"})
	require.NoError(h.t, task.Transition(domain.TaskQueued))
	err := h.uow.Do(context.Background(), func(ctx context.Context, r domain.Repos) error {
		if err := r.Projects.Create(ctx, project); err != nil {
			return err
		}
		return r.Tasks.Create(ctx, task)
	})
	require.NoError(h.t, err)
	return task
}

func (h *harness) run(id string) *domain.PipelineRun {
	h.t.Helper()
	var run *domain.PipelineRun
	err := h.uow.Do(context.Background(), func(ctx context.Context, r domain.Repos) error {
		var err error
		run, err = r.Pipelines.GetRunAnyTenant(ctx, id)
		return err
	})
	require.NoError(h.t, err)
	require.NotNil(h.t, run)
	return run
}

func (h *harness) steps(runID string) []*domain.PipelineStepRun {
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

func (h *harness) task(id, tenantID string) *domain.Task {
	h.t.Helper()
	var task *domain.Task
	err := h.uow.Do(context.Background(), func(ctx context.Context, r domain.Repos) error {
		var err error
		task, err = r.Tasks.Get(ctx, id, tenantID)
		return err
	})
	require.NoError(h.t, err)
	require.NotNil(h.t, task)
	return task
}

func (h *harness) artifacts(taskID string) []*domain.Artifact {
	h.t.Helper()
	var arts []*domain.Artifact
	err := h.uow.Do(context.Background(), func(ctx context.Context, r domain.Repos) error {
		var err error
		arts, err = r.Artifacts.ListForTask(ctx, taskID)
		return err
	})
	require.NoError(h.t, err)
	return arts
}

func (h *harness) jobsForStep(stepID string) []*domain.RetryJob {
	h.t.Helper()
	var jobs []*domain.RetryJob
	err := h.uow.Do(context.Background(), func(ctx context.Context, r domain.Repos) error {
		var err error
		jobs, err = r.RetryJobs.ListForStep(ctx, stepID)
		return err
	})
	require.NoError(h.t, err)
	return jobs
}
