package workflow

import (
	"context"
	"strings"

	"github.com/loomdev/loom/internal/audit"
	"github.com/loomdev/loom/internal/billing"
	"github.com/loomdev/loom/internal/domain"
	"github.com/loomdev/loom/internal/engine"
)

// CancelResult summarizes a cancelled run.
type CancelResult struct {
	PreviousStatus string `json:"previous_status"`
	NewStatus      string `json:"new_status"`
	StepsCompleted int    `json:"steps_completed"`
	StepsCancelled int    `json:"steps_cancelled"`
}

// CancelPipeline cancels a live run. Completed, failed, and invalidated
// steps and their artifacts are preserved; pending and running steps are
// cancelled. The retry worker observes the cancellation on its next pass.
func (s *Service) CancelPipeline(ctx context.Context, tenantID, userID, runID, reason string) (*CancelResult, error) {
	var out *CancelResult
	err := s.uow.Do(ctx, func(ctx context.Context, r domain.Repos) error {
		run, err := r.Pipelines.GetRun(ctx, runID, tenantID)
		if err != nil {
			return err
		}
		if run == nil {
			other, err := r.Pipelines.GetRunAnyTenant(ctx, runID)
			if err != nil {
				return err
			}
			if other != nil {
				return domain.Ef(domain.CodeUnauthorized, "pipeline run %s belongs to another tenant", runID)
			}
			return domain.Ef(domain.CodePipelineRunNotFound, "pipeline run %s not found", runID)
		}
		if run.IsTerminal() {
			return domain.Ef(domain.CodeCannotCancelCompleted, "pipeline run %s is already %s", runID, run.Status)
		}

		previous := string(run.Status)
		if err := run.Transition(domain.RunCancelled); err != nil {
			return err
		}
		if err := r.Pipelines.UpdateRun(ctx, run); err != nil {
			return err
		}

		steps, err := r.Pipelines.StepsForRun(ctx, runID)
		if err != nil {
			return err
		}
		completed, cancelled := 0, 0
		for _, step := range steps {
			if step.Status == domain.StepCompleted {
				completed++
				continue
			}
			if step.Cancel() {
				cancelled++
				if err := r.Pipelines.UpdateStep(ctx, step); err != nil {
					return err
				}
			}
		}
		out = &CancelResult{
			PreviousStatus: previous,
			NewStatus:      string(run.Status),
			StepsCompleted: completed,
			StepsCancelled: cancelled,
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	meta := map[string]any{"previous_status": out.PreviousStatus}
	if reason != "" {
		meta["reason"] = reason
	}
	s.logEvent(ctx, audit.EventPipelineCancelled, tenantID, &userID, "pipeline_run", runID, meta)
	s.hub.Publish(tenantID, "pipeline:cancelled", map[string]any{
		"pipeline_run_id": runID,
		"previous_status": out.PreviousStatus,
	})
	return out, nil
}

// ResumePipeline resumes a paused run. An INSUFFICIENT_CREDIT reason is
// cleared first when the balance again covers the remaining steps; every
// other reason must already have been cleared by its own flow.
func (s *Service) ResumePipeline(ctx context.Context, tenantID, userID, runID string) (*domain.PipelineRun, error) {
	var run *domain.PipelineRun
	err := s.uow.Do(ctx, func(ctx context.Context, r domain.Repos) error {
		var err error
		run, err = r.Pipelines.GetRun(ctx, runID, tenantID)
		if err != nil {
			return err
		}
		if run == nil {
			return domain.Ef(domain.CodePipelineRunNotFound, "pipeline run %s not found", runID)
		}
		if run.Status != domain.RunPaused {
			return domain.Ef(domain.CodeNotPaused, "pipeline run %s is %s, not paused", runID, run.Status)
		}

		if run.HasPauseReason(domain.PauseInsufficientCredit) {
			needed := remainingCost(run.CurrentStep)
			bal, err := s.biller.GetBalance(ctx, tenantID)
			if err != nil {
				return domain.Ef(domain.CodeBalanceCheckFailed, "balance check failed: %v", err)
			}
			if bal.Balance >= needed {
				run.RemovePauseReason(domain.PauseInsufficientCredit)
			}
		}

		if err := run.Resume(); err != nil {
			return err
		}
		return r.Pipelines.UpdateRun(ctx, run)
	})
	if err != nil {
		return nil, err
	}

	s.logEvent(ctx, audit.EventPipelineResumed, tenantID, &userID, "pipeline_run", runID, nil)
	s.hub.Publish(tenantID, "pipeline:resumed", map[string]any{"pipeline_run_id": runID})
	if err := s.dispatcher.QueueRun(runID); err != nil {
		s.logger.Error("could not dispatch resumed run", "pipeline_run_id", runID, "error", err)
	}
	return run, nil
}

// remainingCost estimates credits for the current and later steps.
func remainingCost(currentStep int) float64 {
	total := 0.0
	for _, spec := range domain.Steps {
		if spec.Number >= currentStep {
			total += engine.DefaultStepCosts[spec.Agent]
		}
	}
	return total
}

// ReplayResult describes the fork created by a replay.
type ReplayResult struct {
	NewPipelineRunID string `json:"new_pipeline_run_id"`
	Status           string `json:"status"`
	StartedFromStep  string `json:"started_from_step"`
}

// ReplayPipeline forks a new run from an existing one. Completed source
// steps before the starting step are carried over so the new run resumes
// from the chosen point; everything else re-executes.
func (s *Service) ReplayPipeline(ctx context.Context, tenantID, userID, runID, fromStepID string, preserveApproved bool) (*ReplayResult, error) {
	var (
		newRun  *domain.PipelineRun
		started string
	)
	err := s.uow.Do(ctx, func(ctx context.Context, r domain.Repos) error {
		source, err := r.Pipelines.GetRun(ctx, runID, tenantID)
		if err != nil {
			return err
		}
		if source == nil {
			return domain.Ef(domain.CodePipelineRunNotFound, "pipeline run %s not found", runID)
		}
		sourceSteps, err := r.Pipelines.StepsForRun(ctx, runID)
		if err != nil {
			return err
		}

		startNumber := 1
		started = "STEP_1"
		if fromStepID != "" {
			for _, step := range sourceSteps {
				if step.ID == fromStepID {
					startNumber = step.StepNumber
					started = strings.ToUpper(step.StepName)
					break
				}
			}
		}

		newRun = domain.NewPipelineRun(tenantID, source.TaskID)
		if err := r.Pipelines.CreateRun(ctx, newRun); err != nil {
			return err
		}
		for _, spec := range domain.Steps {
			step := domain.NewStepRun(tenantID, newRun.ID, spec)
			if src := findSourceStep(sourceSteps, spec.Number); src != nil &&
				spec.Number < startNumber && src.Status == domain.StepCompleted {
				step.Status = domain.StepCompleted
				step.InputSnapshot = src.InputSnapshot
				step.Output = src.Output
				step.StartedAt = src.StartedAt
				step.CompletedAt = src.CompletedAt
			}
			if err := r.Pipelines.CreateStep(ctx, step); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.logEvent(ctx, audit.EventPipelineReplayed, tenantID, &userID, "pipeline_run", newRun.ID,
		map[string]any{
			"source_pipeline_run_id":      runID,
			"started_from_step":           started,
			"preserve_approved_artifacts": preserveApproved,
		})
	s.hub.Publish(tenantID, "pipeline:replayed", map[string]any{
		"pipeline_run_id":        newRun.ID,
		"source_pipeline_run_id": runID,
		"started_from_step":      started,
	})
	if err := s.dispatcher.QueueRun(newRun.ID); err != nil {
		s.logger.Error("could not dispatch replayed run", "pipeline_run_id", newRun.ID, "error", err)
	}

	return &ReplayResult{
		NewPipelineRunID: newRun.ID,
		Status:           string(newRun.Status),
		StartedFromStep:  started,
	}, nil
}

func findSourceStep(steps []*domain.PipelineStepRun, number int) *domain.PipelineStepRun {
	for _, s := range steps {
		if s.StepNumber == number {
			return s
		}
	}
	return nil
}

// PipelineDetail is the full state of a run.
type PipelineDetail struct {
	Run             *domain.PipelineRun       `json:"pipeline_run"`
	Steps           []*domain.PipelineStepRun `json:"steps"`
	DeadLetters     []*domain.DeadLetterEvent `json:"dead_letter_events,omitempty"`
	CreditsConsumed string                    `json:"credits_consumed"`
}

// GetPipeline returns a run with its steps and total credits consumed.
func (s *Service) GetPipeline(ctx context.Context, tenantID, runID string) (*PipelineDetail, error) {
	var out *PipelineDetail
	err := s.uow.Do(ctx, func(ctx context.Context, r domain.Repos) error {
		run, err := r.Pipelines.GetRun(ctx, runID, tenantID)
		if err != nil {
			return err
		}
		if run == nil {
			return domain.Ef(domain.CodePipelineRunNotFound, "pipeline run %s not found", runID)
		}
		steps, err := r.Pipelines.StepsForRun(ctx, runID)
		if err != nil {
			return err
		}
		letters, err := r.DeadLetters.ListForRun(ctx, runID)
		if err != nil {
			return err
		}

		consumed := 0.0
		for _, step := range steps {
			if step.Status != domain.StepCompleted {
				continue
			}
			agentRun, err := r.AgentRuns.LatestForStep(ctx, step.ID)
			if err != nil {
				return err
			}
			if agentRun != nil {
				consumed += agentRun.ActualCostCredits
			}
		}
		out = &PipelineDetail{
			Run:             run,
			Steps:           steps,
			DeadLetters:     letters,
			CreditsConsumed: billing.FormatAmount(consumed),
		}
		return nil
	})
	return out, err
}

// PipelineList is one page of a tenant's runs.
type PipelineList struct {
	Runs   []*domain.PipelineRun `json:"pipeline_runs"`
	Total  int                   `json:"total"`
	Limit  int                   `json:"limit"`
	Offset int                   `json:"offset"`
}

// ListPipelines returns a tenant's runs, newest first, optionally
// filtered by status.
func (s *Service) ListPipelines(ctx context.Context, tenantID, status string, limit, offset int) (*PipelineList, error) {
	if status != "" && !validRunStatus(domain.RunStatus(status)) {
		return nil, domain.Ef(domain.CodeInvalidStatus, "unknown pipeline status %q", status)
	}
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	if offset < 0 {
		offset = 0
	}

	var out *PipelineList
	err := s.uow.Do(ctx, func(ctx context.Context, r domain.Repos) error {
		runs, total, err := r.Pipelines.ListRuns(ctx, tenantID, domain.RunStatus(status), limit, offset)
		if err != nil {
			return err
		}
		out = &PipelineList{Runs: runs, Total: total, Limit: limit, Offset: offset}
		return nil
	})
	return out, err
}

func validRunStatus(status domain.RunStatus) bool {
	switch status {
	case domain.RunRunning, domain.RunPaused, domain.RunCompleted,
		domain.RunCancelled, domain.RunCancelledInactivity, domain.RunFailed:
		return true
	}
	return false
}

// StepDetail is a step with its agent runs and artifacts.
type StepDetail struct {
	Step      *domain.PipelineStepRun `json:"step"`
	AgentRuns []*domain.AgentRun      `json:"agent_runs"`
	Artifacts []*domain.Artifact      `json:"artifacts"`
}

// GetStep returns a step of a run with its agent-run and artifact
// history.
func (s *Service) GetStep(ctx context.Context, tenantID, runID, stepID string) (*StepDetail, error) {
	var out *StepDetail
	err := s.uow.Do(ctx, func(ctx context.Context, r domain.Repos) error {
		step, err := r.Pipelines.GetStep(ctx, stepID, tenantID)
		if err != nil {
			return err
		}
		if step == nil || step.PipelineRunID != runID {
			return domain.Ef(domain.CodeStepRunNotFound, "step %s not found in run %s", stepID, runID)
		}
		agentRuns, err := r.AgentRuns.ListForStep(ctx, stepID)
		if err != nil {
			return err
		}
		artifacts, err := r.Artifacts.ListForStep(ctx, stepID)
		if err != nil {
			return err
		}
		out = &StepDetail{Step: step, AgentRuns: agentRuns, Artifacts: artifacts}
		return nil
	})
	return out, err
}
