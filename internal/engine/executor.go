// Package engine drives pipeline runs through the fixed four-step agent
// sequence: snapshot freezing, agent invocation, artifact versioning,
// credit consumption, and retry scheduling. The executor runs on
// background dispatcher goroutines; the retry worker picks up failed
// steps and deferred billing.
package engine

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/loomdev/loom/internal/agent"
	"github.com/loomdev/loom/internal/artifact"
	"github.com/loomdev/loom/internal/audit"
	"github.com/loomdev/loom/internal/billing"
	"github.com/loomdev/loom/internal/domain"
	"github.com/loomdev/loom/internal/events"
	"github.com/loomdev/loom/internal/metrics"
)

// Biller is the slice of the billing client the engine consumes.
type Biller interface {
	ConsumeCredits(ctx context.Context, req billing.ConsumeRequest) (*billing.Transaction, error)
	RefundCredits(ctx context.Context, req billing.ConsumeRequest) (*billing.Transaction, error)
	GetBalance(ctx context.Context, tenantID string) (*billing.Balance, error)
}

// Config holds engine policy knobs.
type Config struct {
	// AutoApproveAnalysis approves the ANALYSIS artifact on creation;
	// there is no user-facing gate for it.
	AutoApproveAnalysis bool
	// RequireApproval pauses the run with AWAITING_USER_APPROVAL after
	// each step whose artifact stays in draft.
	RequireApproval bool
	// BillingRetryBaseDelay is the base for deferred-consume backoff.
	BillingRetryBaseDelay time.Duration
	// BillingRetryMaxAttempts bounds deferred-consume retries.
	BillingRetryMaxAttempts int
}

func (c Config) withDefaults() Config {
	if c.BillingRetryBaseDelay <= 0 {
		c.BillingRetryBaseDelay = time.Minute
	}
	if c.BillingRetryMaxAttempts <= 0 {
		c.BillingRetryMaxAttempts = 5
	}
	return c
}

// Executor orchestrates pipeline runs end-to-end.
type Executor struct {
	uow       domain.UnitOfWork
	agents    agent.Executor
	biller    Biller
	artifacts *artifact.Service
	auditor   audit.Sink
	hub       *events.Hub
	metrics   *metrics.Metrics
	logger    *slog.Logger
	cfg       Config
	now       func() time.Time
}

// NewExecutor wires an executor from its dependencies.
func NewExecutor(uow domain.UnitOfWork, agents agent.Executor, biller Biller, artifacts *artifact.Service,
	auditor audit.Sink, hub *events.Hub, m *metrics.Metrics, logger *slog.Logger, cfg Config) *Executor {
	return &Executor{
		uow:       uow,
		agents:    agents,
		biller:    biller,
		artifacts: artifacts,
		auditor:   auditor,
		hub:       hub,
		metrics:   m,
		logger:    logger,
		cfg:       cfg.withDefaults(),
		now:       time.Now,
	}
}

// Execute starts a pipeline for a queued task and drives it until it
// completes, pauses, fails, or is cancelled. It returns the run id.
func (e *Executor) Execute(ctx context.Context, taskID, tenantID string) (string, error) {
	var run *domain.PipelineRun
	err := e.uow.Do(ctx, func(ctx context.Context, r domain.Repos) error {
		task, err := r.Tasks.Get(ctx, taskID, tenantID)
		if err != nil {
			return err
		}
		if task == nil {
			return domain.Ef(domain.CodeTaskNotFound, "task %s not found", taskID)
		}
		if task.Status != domain.TaskQueued {
			return domain.Ef(domain.CodeInvalidTaskStatus, "task %s is %s, want queued", taskID, task.Status)
		}
		if err := task.Transition(domain.TaskRunning); err != nil {
			return err
		}
		if err := r.Tasks.Update(ctx, task); err != nil {
			return err
		}
		run = domain.NewPipelineRun(tenantID, taskID)
		if err := r.Pipelines.CreateRun(ctx, run); err != nil {
			return err
		}
		for _, spec := range domain.Steps {
			if err := r.Pipelines.CreateStep(ctx, domain.NewStepRun(tenantID, run.ID, spec)); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return "", err
	}

	e.logEvent(ctx, audit.EventPipelineStarted, tenantID, nil, "pipeline_run", run.ID,
		map[string]any{"task_id": taskID})
	e.hub.Publish(tenantID, "pipeline:started", map[string]any{
		"pipeline_run_id": run.ID,
		"task_id":         taskID,
	})

	return run.ID, e.Run(ctx, run.ID)
}

// Run drives an existing run from its current step. It is also the entry
// point for continuations after resume, retry, or replay.
func (e *Executor) Run(ctx context.Context, runID string) error {
	for {
		cont, err := e.step(ctx, runID)
		if err != nil {
			return err
		}
		if !cont {
			return nil
		}
	}
}

type stepState int

const (
	stepExecute stepState = iota
	stepSkip
	stepStop
)

// step executes the run's current step once and reports whether the loop
// should continue with the next step. Agent and billing calls happen
// outside any transaction.
func (e *Executor) step(ctx context.Context, runID string) (bool, error) {
	var (
		run   *domain.PipelineRun
		step  *domain.PipelineStepRun
		state stepState
	)
	err := e.uow.Do(ctx, func(ctx context.Context, r domain.Repos) error {
		var err error
		run, err = r.Pipelines.GetRunAnyTenant(ctx, runID)
		if err != nil {
			return err
		}
		if run == nil {
			return domain.Ef(domain.CodePipelineRunNotFound, "pipeline run %s not found", runID)
		}
		if run.Status != domain.RunRunning {
			state = stepStop
			return nil
		}

		steps, err := r.Pipelines.StepsForRun(ctx, runID)
		if err != nil {
			return err
		}
		step = findStep(steps, run.CurrentStep)
		if step == nil {
			return domain.Ef(domain.CodeStepRunNotFound, "run %s has no step %d", runID, run.CurrentStep)
		}

		switch step.Status {
		case domain.StepPending, domain.StepFailed:
			state = stepExecute
		case domain.StepCompleted:
			// Replays carry completed steps forward; skip to the next.
			state = stepSkip
			return nil
		default:
			state = stepStop
			return nil
		}

		task, err := r.Tasks.Get(ctx, run.TaskID, run.TenantID)
		if err != nil {
			return err
		}
		if task == nil {
			return domain.Ef(domain.CodeTaskNotFound, "task %s not found", run.TaskID)
		}
		step.FreezeInput(buildSnapshot(task, steps, step.StepNumber))
		if err := step.Start(); err != nil {
			return err
		}
		return r.Pipelines.UpdateStep(ctx, step)
	})
	if err != nil {
		return false, err
	}

	switch state {
	case stepStop:
		return false, nil
	case stepSkip:
		if step.StepNumber >= len(domain.Steps) {
			return false, e.completeRun(ctx, runID)
		}
		return e.advanceRun(ctx, runID, nil)
	}

	spec, ok := domain.SpecForStep(step.StepType)
	if !ok {
		return false, domain.Ef(domain.CodeInvalidStepTransition, "step %s has unknown type %s", step.ID, step.StepType)
	}

	result, agentErr := e.agents.Execute(ctx, spec.Agent, step.InputSnapshot)
	if agentErr != nil {
		e.metrics.StepsExecuted.WithLabelValues(string(step.StepType), "failed").Inc()
		return false, e.handleStepFailure(ctx, runID, step.ID, agentErr)
	}
	e.metrics.StepsExecuted.WithLabelValues(string(step.StepType), "completed").Inc()

	var art *domain.Artifact
	err = e.uow.Do(ctx, func(ctx context.Context, r domain.Repos) error {
		var err error
		art, err = persistStepSuccess(ctx, r, e.artifacts, e.cfg, run, step, result)
		return err
	})
	if err != nil {
		return false, err
	}
	e.hub.Publish(run.TenantID, "pipeline:step_completed", map[string]any{
		"pipeline_run_id": run.ID,
		"step_id":         step.ID,
		"step_type":       string(step.StepType),
		"artifact_id":     art.ID,
	})

	outcome, err := e.settleBilling(ctx, run, step, result.EstimatedCostCredits,
		consumeKey(run.ID, step.ID, step.RetryCount), 0)
	if err != nil || outcome != billingOK {
		return false, err
	}

	if step.StepNumber >= len(domain.Steps) {
		return false, e.completeRun(ctx, runID)
	}
	return e.advanceRun(ctx, runID, art)
}

// handleStepFailure records a step failure: schedule the next retry while
// budget remains, otherwise dead-letter the step and fail the run.
func (e *Executor) handleStepFailure(ctx context.Context, runID, stepID string, cause error) error {
	var (
		run  *domain.PipelineRun
		step *domain.PipelineStepRun
		dead bool
	)
	err := e.uow.Do(ctx, func(ctx context.Context, r domain.Repos) error {
		var err error
		run, err = r.Pipelines.GetRunAnyTenant(ctx, runID)
		if err != nil {
			return err
		}
		step, err = r.Pipelines.GetStepAnyTenant(ctx, stepID)
		if err != nil {
			return err
		}
		if run == nil || step == nil {
			return domain.Ef(domain.CodeStepRunNotFound, "run %s step %s not found", runID, stepID)
		}
		dead, err = recordStepFailure(ctx, r, e.now(), run, step, cause)
		return err
	})
	if err != nil {
		return err
	}

	e.logger.Warn("pipeline step failed",
		"pipeline_run_id", runID,
		"step_id", stepID,
		"retry_count", step.RetryCount,
		"error", cause,
	)
	if dead {
		e.logEvent(ctx, audit.EventPipelineFailed, run.TenantID, nil, "pipeline_run", run.ID,
			map[string]any{"step_id": stepID, "error": cause.Error()})
		e.hub.Publish(run.TenantID, "pipeline:failed", map[string]any{
			"pipeline_run_id": run.ID,
			"step_id":         stepID,
		})
	}
	return nil
}

type billingOutcome int

const (
	billingOK billingOutcome = iota
	billingPaused
	billingDeferred
	billingFailed
)

// settleBilling consumes credits for a completed step and applies the
// outcome to the run: pause on insufficient credits, schedule a deferred
// consume on outage, fail the run on a hard billing error.
func (e *Executor) settleBilling(ctx context.Context, run *domain.PipelineRun, step *domain.PipelineStepRun,
	amount float64, key string, retryAttempt int) (billingOutcome, error) {
	_, err := e.biller.ConsumeCredits(ctx, billing.ConsumeRequest{
		TenantID:       run.TenantID,
		Amount:         billing.FormatAmount(amount),
		IdempotencyKey: key,
		ReferenceType:  "pipeline_step",
		ReferenceID:    step.ID,
		Metadata: map[string]any{
			"pipeline_run_id": run.ID,
			"step_type":       string(step.StepType),
		},
	})
	switch {
	case err == nil:
		e.metrics.BillingCalls.WithLabelValues("consume", "ok").Inc()
		return billingOK, nil
	case errors.Is(err, billing.ErrInsufficientCredits):
		e.metrics.BillingCalls.WithLabelValues("consume", "insufficient").Inc()
		return billingPaused, e.pauseForCredit(ctx, run.ID)
	case errors.Is(err, billing.ErrServiceUnavailable):
		e.metrics.BillingCalls.WithLabelValues("consume", "unavailable").Inc()
		return billingDeferred, e.deferBilling(ctx, step, amount, key, retryAttempt, err)
	default:
		e.metrics.BillingCalls.WithLabelValues("consume", "error").Inc()
		return billingFailed, e.failRun(ctx, run.ID, "billing: "+err.Error())
	}
}

// pauseForCredit pauses the run with INSUFFICIENT_CREDIT and opens the
// seven-day actionable window for the operator.
func (e *Executor) pauseForCredit(ctx context.Context, runID string) error {
	var run *domain.PipelineRun
	err := e.uow.Do(ctx, func(ctx context.Context, r domain.Repos) error {
		var err error
		run, err = r.Pipelines.GetRunAnyTenant(ctx, runID)
		if err != nil {
			return err
		}
		if run == nil {
			return domain.Ef(domain.CodePipelineRunNotFound, "pipeline run %s not found", runID)
		}
		if err := run.AddPauseReason(domain.PauseInsufficientCredit); err != nil {
			return err
		}
		expires := e.now().Add(domain.PauseWindow)
		run.PauseExpiresAt = &expires
		return r.Pipelines.UpdateRun(ctx, run)
	})
	if err != nil {
		return err
	}
	e.logger.Warn("pipeline paused on insufficient credits", "pipeline_run_id", runID)
	e.hub.Publish(run.TenantID, "pipeline:paused", map[string]any{
		"pipeline_run_id": run.ID,
		"pause_reasons":   run.PauseReasons,
	})
	return nil
}

// deferBilling schedules a deferred consume after a billing outage. An
// exhausted billing retry budget fails the run with MAX_RETRIES_EXCEEDED.
func (e *Executor) deferBilling(ctx context.Context, step *domain.PipelineStepRun,
	amount float64, key string, attempt int, cause error) error {
	retrier := &BillingRetrier{
		BaseDelay:  e.cfg.BillingRetryBaseDelay,
		MaxRetries: e.cfg.BillingRetryMaxAttempts,
		now:        e.now,
	}
	var job *domain.RetryJob
	err := e.uow.Do(ctx, func(ctx context.Context, r domain.Repos) error {
		var err error
		job, err = retrier.Schedule(ctx, r, step, amount, key, attempt, cause.Error())
		return err
	})
	if domain.CodeOf(err) == domain.CodeMaxRetriesExceeded {
		return e.failRun(ctx, step.PipelineRunID, err.Error())
	}
	if err != nil {
		return err
	}

	e.logEvent(ctx, audit.EventBillingUnavailable, step.TenantID, nil, "pipeline_step", step.ID,
		map[string]any{
			"step_run_id":     step.ID,
			"amount":          billing.FormatAmount(amount),
			"idempotency_key": key,
			"retry_attempt":   job.RetryAttempt,
			"scheduled_at":    job.ScheduledAt,
			"delay_seconds":   int(job.ScheduledAt.Sub(e.now()).Seconds()),
			"error_message":   cause.Error(),
		})
	return nil
}

// failRun moves the run and its task to failed.
func (e *Executor) failRun(ctx context.Context, runID, message string) error {
	var run *domain.PipelineRun
	err := e.uow.Do(ctx, func(ctx context.Context, r domain.Repos) error {
		var err error
		run, err = r.Pipelines.GetRunAnyTenant(ctx, runID)
		if err != nil {
			return err
		}
		if run == nil {
			return domain.Ef(domain.CodePipelineRunNotFound, "pipeline run %s not found", runID)
		}
		if run.IsTerminal() {
			return nil
		}
		if err := run.Fail(message); err != nil {
			return err
		}
		if err := r.Pipelines.UpdateRun(ctx, run); err != nil {
			return err
		}
		return failTask(ctx, r, run)
	})
	if err != nil {
		return err
	}

	e.logEvent(ctx, audit.EventPipelineFailed, run.TenantID, nil, "pipeline_run", run.ID,
		map[string]any{"error": message})
	e.hub.Publish(run.TenantID, "pipeline:failed", map[string]any{"pipeline_run_id": run.ID})
	return nil
}

// completeRun finishes a run whose last step has completed and billed.
func (e *Executor) completeRun(ctx context.Context, runID string) error {
	var run *domain.PipelineRun
	err := e.uow.Do(ctx, func(ctx context.Context, r domain.Repos) error {
		var err error
		run, err = r.Pipelines.GetRunAnyTenant(ctx, runID)
		if err != nil {
			return err
		}
		if run == nil {
			return domain.Ef(domain.CodePipelineRunNotFound, "pipeline run %s not found", runID)
		}
		if run.Status != domain.RunRunning {
			// A cancel raced the last step; the cancel outcome wins.
			run = nil
			return nil
		}
		if err := run.Transition(domain.RunCompleted); err != nil {
			return err
		}
		if err := r.Pipelines.UpdateRun(ctx, run); err != nil {
			return err
		}
		task, err := r.Tasks.Get(ctx, run.TaskID, run.TenantID)
		if err != nil {
			return err
		}
		if task != nil && task.Status == domain.TaskRunning {
			if err := task.Transition(domain.TaskCompleted); err != nil {
				return err
			}
			return r.Tasks.Update(ctx, task)
		}
		return nil
	})
	if err != nil || run == nil {
		return err
	}

	e.metrics.PipelineDuration.Observe(e.now().Sub(run.CreatedAt).Seconds())
	e.logEvent(ctx, audit.EventPipelineCompleted, run.TenantID, nil, "pipeline_run", run.ID,
		map[string]any{"task_id": run.TaskID})
	e.hub.Publish(run.TenantID, "pipeline:completed", map[string]any{
		"pipeline_run_id": run.ID,
		"task_id":         run.TaskID,
	})
	return nil
}

// advanceRun moves the run to its next step. When produced is a draft
// artifact and the approval gate is on, the run pauses with
// AWAITING_USER_APPROVAL instead of continuing.
func (e *Executor) advanceRun(ctx context.Context, runID string, produced *domain.Artifact) (bool, error) {
	gate := e.cfg.RequireApproval && produced != nil && produced.Status == domain.ArtifactDraft
	var run *domain.PipelineRun
	err := e.uow.Do(ctx, func(ctx context.Context, r domain.Repos) error {
		var err error
		run, err = r.Pipelines.GetRunAnyTenant(ctx, runID)
		if err != nil {
			return err
		}
		if run == nil {
			return domain.Ef(domain.CodePipelineRunNotFound, "pipeline run %s not found", runID)
		}
		if run.Status != domain.RunRunning {
			run = nil
			return nil
		}
		run.CurrentStep++
		if gate {
			if err := run.AddPauseReason(domain.PauseAwaitingApproval); err != nil {
				return err
			}
		}
		return r.Pipelines.UpdateRun(ctx, run)
	})
	if err != nil || run == nil {
		return false, err
	}
	if gate {
		e.hub.Publish(run.TenantID, "pipeline:paused", map[string]any{
			"pipeline_run_id": run.ID,
			"pause_reasons":   run.PauseReasons,
			"artifact_id":     produced.ID,
		})
		return false, nil
	}
	return true, nil
}

func (e *Executor) logEvent(ctx context.Context, eventType, tenantID string, userID *string,
	resourceType, resourceID string, meta map[string]any) {
	if err := e.auditor.Log(ctx, audit.NewEvent(eventType, tenantID, userID, resourceType, resourceID, meta)); err != nil {
		e.logger.Error("audit write failed", "event_type", eventType, "error", err)
	}
}
