package engine

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/loomdev/loom/internal/audit"
	"github.com/loomdev/loom/internal/domain"
)

const defaultPollInterval = 5 * time.Second

// RunQueuer resumes pipeline execution in the background after a
// successful retry. The dispatcher satisfies it.
type RunQueuer interface {
	QueueRun(runID string) error
}

// Worker polls for due retry jobs and re-executes failed steps and
// deferred billing consumes. One worker runs per process.
type Worker struct {
	exec     *Executor
	queuer   RunQueuer
	logger   *slog.Logger
	interval time.Duration
}

// NewWorker creates a retry worker over the executor's dependencies.
// interval <= 0 selects the 5s default.
func NewWorker(exec *Executor, queuer RunQueuer, logger *slog.Logger, interval time.Duration) *Worker {
	if interval <= 0 {
		interval = defaultPollInterval
	}
	return &Worker{exec: exec, queuer: queuer, logger: logger, interval: interval}
}

// Run polls until the context is cancelled. Per-tick errors are logged
// and never stop the loop.
func (w *Worker) Run(ctx context.Context) {
	w.logger.Info("retry worker started", "poll_interval", w.interval)
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			w.logger.Info("retry worker stopped")
			return
		case <-ticker.C:
			if err := w.Tick(ctx); err != nil {
				w.logger.Error("retry tick failed", "error", err)
			}
		}
	}
}

// Tick processes every due retry job once. Job-level failures are logged
// and do not abort the tick.
func (w *Worker) Tick(ctx context.Context) error {
	var due []*domain.RetryJob
	err := w.exec.uow.Do(ctx, func(ctx context.Context, r domain.Repos) error {
		var err error
		due, err = r.RetryJobs.Due(ctx, w.exec.now())
		return err
	})
	if err != nil {
		return fmt.Errorf("fetch due retry jobs: %w", err)
	}

	for _, job := range due {
		var err error
		switch job.Kind {
		case domain.RetryKindBilling:
			err = w.processBilling(ctx, job)
		default:
			err = w.processStep(ctx, job)
		}
		if err != nil {
			w.logger.Error("retry job failed", "job_id", job.ID, "kind", string(job.Kind), "error", err)
		}
	}
	return nil
}

// processStep re-executes a failed step with its frozen input snapshot.
func (w *Worker) processStep(ctx context.Context, job *domain.RetryJob) error {
	e := w.exec
	var (
		step    *domain.PipelineStepRun
		run     *domain.PipelineRun
		proceed bool
	)
	err := e.uow.Do(ctx, func(ctx context.Context, r domain.Repos) error {
		job.MarkProcessing()
		if err := r.RetryJobs.Update(ctx, job); err != nil {
			return err
		}
		var err error
		step, err = r.Pipelines.GetStepAnyTenant(ctx, job.StepRunID)
		if err != nil {
			return err
		}
		if step == nil {
			job.Finish(domain.RetryFailed)
			return r.RetryJobs.Update(ctx, job)
		}
		run, err = r.Pipelines.GetRunAnyTenant(ctx, step.PipelineRunID)
		if err != nil {
			return err
		}
		if run == nil || run.IsTerminal() {
			if step.AbortRetry() {
				if err := r.Pipelines.UpdateStep(ctx, step); err != nil {
					return err
				}
			}
			job.Finish(domain.RetryFailed)
			return r.RetryJobs.Update(ctx, job)
		}
		if run.Status == domain.RunPaused {
			// Leave the job due; it runs again after the run resumes.
			job.Status = domain.RetryPending
			return r.RetryJobs.Update(ctx, job)
		}
		if err := step.Start(); err != nil {
			return err
		}
		if err := r.Pipelines.UpdateStep(ctx, step); err != nil {
			return err
		}
		proceed = true
		return nil
	})
	if err != nil || !proceed {
		return err
	}

	spec, ok := domain.SpecForStep(step.StepType)
	if !ok {
		return domain.Ef(domain.CodeInvalidStepTransition, "step %s has unknown type %s", step.ID, step.StepType)
	}

	result, agentErr := e.agents.Execute(ctx, spec.Agent, step.InputSnapshot)
	if agentErr != nil {
		e.metrics.StepsExecuted.WithLabelValues(string(step.StepType), "failed").Inc()
		var dead bool
		err := e.uow.Do(ctx, func(ctx context.Context, r domain.Repos) error {
			var err error
			dead, err = recordStepFailure(ctx, r, e.now(), run, step, agentErr)
			if err != nil {
				return err
			}
			job.Finish(domain.RetryFailed)
			return r.RetryJobs.Update(ctx, job)
		})
		if err != nil {
			return err
		}
		e.metrics.RetryJobs.WithLabelValues("step", "failed").Inc()
		w.logger.Warn("step retry failed",
			"step_id", step.ID,
			"retry_count", step.RetryCount,
			"max_retries", step.MaxRetries,
			"error", agentErr,
		)
		if dead {
			e.logEvent(ctx, audit.EventPipelineFailed, run.TenantID, nil, "pipeline_run", run.ID,
				map[string]any{"step_id": step.ID, "error": agentErr.Error()})
			e.hub.Publish(run.TenantID, "pipeline:failed", map[string]any{
				"pipeline_run_id": run.ID,
				"step_id":         step.ID,
			})
		}
		return nil
	}

	var art *domain.Artifact
	err = e.uow.Do(ctx, func(ctx context.Context, r domain.Repos) error {
		var err error
		art, err = persistStepSuccess(ctx, r, e.artifacts, e.cfg, run, step, result)
		if err != nil {
			return err
		}
		job.Finish(domain.RetryCompleted)
		return r.RetryJobs.Update(ctx, job)
	})
	if err != nil {
		return err
	}
	e.metrics.StepsExecuted.WithLabelValues(string(step.StepType), "completed").Inc()
	e.metrics.RetryJobs.WithLabelValues("step", "completed").Inc()
	e.hub.Publish(run.TenantID, "pipeline:step_completed", map[string]any{
		"pipeline_run_id": run.ID,
		"step_id":         step.ID,
		"step_type":       string(step.StepType),
	})

	outcome, err := e.settleBilling(ctx, run, step, result.EstimatedCostCredits,
		consumeKey(run.ID, step.ID, step.RetryCount), 0)
	if err != nil || outcome != billingOK {
		return err
	}
	return w.continueRun(ctx, run, step, art)
}

// processBilling replays a deferred credit consume with its original
// idempotency key.
func (w *Worker) processBilling(ctx context.Context, job *domain.RetryJob) error {
	e := w.exec
	var (
		step     *domain.PipelineStepRun
		run      *domain.PipelineRun
		produced *domain.Artifact
		proceed  bool
	)
	err := e.uow.Do(ctx, func(ctx context.Context, r domain.Repos) error {
		job.MarkProcessing()
		if err := r.RetryJobs.Update(ctx, job); err != nil {
			return err
		}
		var err error
		step, err = r.Pipelines.GetStepAnyTenant(ctx, job.StepRunID)
		if err != nil {
			return err
		}
		if step != nil {
			run, err = r.Pipelines.GetRunAnyTenant(ctx, step.PipelineRunID)
			if err != nil {
				return err
			}
		}
		if step == nil || run == nil || run.IsTerminal() {
			job.Finish(domain.RetryFailed)
			return r.RetryJobs.Update(ctx, job)
		}
		arts, err := r.Artifacts.ListForStep(ctx, step.ID)
		if err != nil {
			return err
		}
		if n := len(arts); n > 0 {
			produced = arts[n-1]
		}
		proceed = true
		return nil
	})
	if err != nil || !proceed {
		return err
	}

	amount := payloadFloat(job.Payload, "amount")
	key, _ := job.Payload["idempotency_key"].(string)
	if key == "" {
		key = consumeKey(run.ID, step.ID, step.RetryCount)
	}

	outcome, settleErr := e.settleBilling(ctx, run, step, amount, key, job.RetryAttempt)

	status := domain.RetryCompleted
	label := "completed"
	if outcome == billingFailed {
		status = domain.RetryFailed
		label = "failed"
	}
	err = e.uow.Do(ctx, func(ctx context.Context, r domain.Repos) error {
		job.Finish(status)
		return r.RetryJobs.Update(ctx, job)
	})
	if err != nil {
		return err
	}
	e.metrics.RetryJobs.WithLabelValues("billing", label).Inc()
	if settleErr != nil {
		return settleErr
	}
	if outcome != billingOK {
		return nil
	}
	return w.continueRun(ctx, run, step, produced)
}

// continueRun advances the run past a settled step and hands further
// steps back to the background dispatcher. produced is the step's
// artifact so the approval gate applies on this path too.
func (w *Worker) continueRun(ctx context.Context, run *domain.PipelineRun, step *domain.PipelineStepRun, produced *domain.Artifact) error {
	e := w.exec
	if step.StepNumber >= len(domain.Steps) {
		return e.completeRun(ctx, run.ID)
	}
	cont, err := e.advanceRun(ctx, run.ID, produced)
	if err != nil || !cont {
		return err
	}
	if w.queuer != nil {
		if err := w.queuer.QueueRun(run.ID); err != nil {
			w.logger.Warn("could not queue pipeline continuation", "pipeline_run_id", run.ID, "error", err)
		}
	}
	return nil
}

func payloadFloat(p map[string]any, key string) float64 {
	switch v := p[key].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	case string:
		f, _ := strconv.ParseFloat(v, 64)
		return f
	}
	return 0
}
