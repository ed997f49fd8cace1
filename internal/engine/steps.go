package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/loomdev/loom/internal/agent"
	"github.com/loomdev/loom/internal/artifact"
	"github.com/loomdev/loom/internal/domain"
)

// consumeKey builds the idempotency key for a step's credit consume. The
// first attempt is "{run}:{step}"; retry N appends ":retry_N".
func consumeKey(runID, stepID string, retryCount int) string {
	key := runID + ":" + stepID
	if retryCount > 0 {
		key = fmt.Sprintf("%s:retry_%d", key, retryCount)
	}
	return key
}

// refundKey builds the idempotency key for a step refund.
func refundKey(runID, stepID string) string {
	return "refund:" + runID + ":" + stepID
}

func findStep(steps []*domain.PipelineStepRun, number int) *domain.PipelineStepRun {
	for _, s := range steps {
		if s.StepNumber == number {
			return s
		}
	}
	return nil
}

// buildSnapshot merges the task input spec with the outputs of completed
// steps before the given step number. Later steps win on key collision.
func buildSnapshot(task *domain.Task, steps []*domain.PipelineStepRun, upto int) map[string]any {
	snap := make(map[string]any, len(task.InputSpec))
	for k, v := range task.InputSpec {
		snap[k] = v
	}
	for _, s := range steps {
		if s.StepNumber >= upto || s.Status != domain.StepCompleted {
			continue
		}
		for k, v := range s.Output {
			snap[k] = v
		}
	}
	return snap
}

func renderOutput(output map[string]any) string {
	b, err := json.MarshalIndent(output, "", "  ")
	if err != nil {
		return fmt.Sprintf("%v", output)
	}
	return string(b)
}

// persistStepSuccess writes the agent run, the versioned artifact, and
// the step completion inside the caller's transaction. The ANALYSIS
// artifact is approved on creation when the policy says so.
func persistStepSuccess(ctx context.Context, r domain.Repos, svc *artifact.Service, cfg Config,
	run *domain.PipelineRun, step *domain.PipelineStepRun, res *agent.Result) (*domain.Artifact, error) {
	spec, ok := domain.SpecForStep(step.StepType)
	if !ok {
		return nil, domain.Ef(domain.CodeInvalidStepTransition, "step %s has unknown type %s", step.ID, step.StepType)
	}

	now := time.Now().UTC()
	agentRun := &domain.AgentRun{
		ID:                   domain.NewID(),
		TenantID:             step.TenantID,
		StepRunID:            step.ID,
		AgentType:            spec.Agent,
		Model:                res.Model,
		PromptTokens:         res.PromptTokens,
		CompletionTokens:     res.CompletionTokens,
		EstimatedCostCredits: res.EstimatedCostCredits,
		ActualCostCredits:    res.EstimatedCostCredits,
		CreatedAt:            now,
		CompletedAt:          &now,
	}
	if err := r.AgentRuns.Create(ctx, agentRun); err != nil {
		return nil, err
	}

	art, err := svc.Create(ctx, r, artifact.CreateInput{
		TenantID:      step.TenantID,
		TaskID:        run.TaskID,
		PipelineRunID: run.ID,
		StepRunID:     step.ID,
		Type:          spec.Artifact,
		Text:          renderOutput(res.Output),
		Metadata: map[string]any{
			"model":             res.Model,
			"prompt_tokens":     res.PromptTokens,
			"completion_tokens": res.CompletionTokens,
		},
	})
	if err != nil {
		return nil, err
	}
	if step.StepType == domain.StepAnalysis && cfg.AutoApproveAnalysis {
		if err := art.Approve(); err != nil {
			return nil, err
		}
		if err := r.Artifacts.Update(ctx, art); err != nil {
			return nil, err
		}
	}

	if err := step.Complete(res.Output); err != nil {
		return nil, err
	}
	if err := r.Pipelines.UpdateStep(ctx, step); err != nil {
		return nil, err
	}
	return art, nil
}

// recordStepFailure runs inside a unit of work. It marks the step failed,
// schedules the next retry while budget remains, and otherwise
// dead-letters the step and fails the run and its task. It reports
// whether the step was dead-lettered.
func recordStepFailure(ctx context.Context, r domain.Repos, now time.Time,
	run *domain.PipelineRun, step *domain.PipelineStepRun, cause error) (bool, error) {
	if err := step.Fail(cause.Error()); err != nil {
		return false, err
	}
	if err := r.Pipelines.UpdateStep(ctx, step); err != nil {
		return false, err
	}

	if step.Retryable() {
		_, err := scheduleStepRetry(ctx, r, now, step)
		return false, err
	}

	dl := domain.NewDeadLetter(step, "Retries exhausted")
	if err := r.DeadLetters.Create(ctx, dl); err != nil {
		return false, err
	}
	if !run.IsTerminal() {
		if err := run.Fail(fmt.Sprintf("step %d (%s) exhausted retries: %v", step.StepNumber, step.StepType, cause)); err != nil {
			return false, err
		}
		if err := r.Pipelines.UpdateRun(ctx, run); err != nil {
			return false, err
		}
	}
	if err := failTask(ctx, r, run); err != nil {
		return false, err
	}
	return true, nil
}

func failTask(ctx context.Context, r domain.Repos, run *domain.PipelineRun) error {
	task, err := r.Tasks.Get(ctx, run.TaskID, run.TenantID)
	if err != nil {
		return err
	}
	if task == nil || task.Status != domain.TaskRunning && task.Status != domain.TaskQueued {
		return nil
	}
	if err := task.Transition(domain.TaskFailed); err != nil {
		return err
	}
	return r.Tasks.Update(ctx, task)
}
