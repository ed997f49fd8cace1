package workflow

import (
	"context"

	"github.com/loomdev/loom/internal/audit"
	"github.com/loomdev/loom/internal/domain"
)

// ApprovalResult is the outcome of approving an artifact.
type ApprovalResult struct {
	Artifact        *domain.Artifact `json:"artifact"`
	PipelineRunID   string           `json:"pipeline_run_id"`
	PipelineResumed bool             `json:"pipeline_resumed"`
}

// ApproveArtifact approves a draft artifact. If the owning run was paused
// awaiting this approval and no other reason remains, the run resumes and
// execution is re-dispatched.
func (s *Service) ApproveArtifact(ctx context.Context, tenantID, userID, artifactID string) (*ApprovalResult, error) {
	var (
		art     *domain.Artifact
		run     *domain.PipelineRun
		resumed bool
	)
	err := s.uow.Do(ctx, func(ctx context.Context, r domain.Repos) error {
		var err error
		art, err = r.Artifacts.Get(ctx, artifactID, tenantID)
		if err != nil {
			return err
		}
		if art == nil {
			return domain.Ef(domain.CodeArtifactNotFound, "artifact %s not found", artifactID)
		}
		if err := art.Approve(); err != nil {
			return err
		}
		if err := r.Artifacts.Update(ctx, art); err != nil {
			return err
		}

		run, err = r.Pipelines.GetRun(ctx, art.PipelineRunID, tenantID)
		if err != nil {
			return err
		}
		if run != nil && run.Status == domain.RunPaused && run.HasPauseReason(domain.PauseAwaitingApproval) {
			run.RemovePauseReason(domain.PauseAwaitingApproval)
			if run.CanResume() {
				if err := run.Resume(); err != nil {
					return err
				}
				resumed = true
			}
			if err := r.Pipelines.UpdateRun(ctx, run); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.logEvent(ctx, audit.EventArtifactApproved, tenantID, &userID, "artifact", art.ID,
		map[string]any{"pipeline_run_id": art.PipelineRunID, "pipeline_resumed": resumed})
	if resumed {
		s.logEvent(ctx, audit.EventPipelineResumed, tenantID, &userID, "pipeline_run", run.ID, nil)
	}
	s.hub.Publish(tenantID, "artifact:approved", map[string]any{
		"artifact_id":      art.ID,
		"status":           string(art.Status),
		"pipeline_run_id":  art.PipelineRunID,
		"pipeline_resumed": resumed,
		"task_id":          art.TaskID,
	})
	if resumed {
		if err := s.dispatcher.QueueRun(run.ID); err != nil {
			s.logger.Error("could not dispatch resumed run", "pipeline_run_id", run.ID, "error", err)
		}
	}

	return &ApprovalResult{Artifact: art, PipelineRunID: art.PipelineRunID, PipelineResumed: resumed}, nil
}

// RejectionResult is the outcome of rejecting an artifact.
type RejectionResult struct {
	Artifact         *domain.Artifact `json:"artifact"`
	NewPipelineRunID string           `json:"new_pipeline_run_id,omitempty"`
}

// RejectArtifact rejects a draft artifact with optional feedback. With
// regenerate, a fresh run for the same task starts from step 1;
// otherwise a still-live owning run pauses with REJECTION.
func (s *Service) RejectArtifact(ctx context.Context, tenantID, userID, artifactID, feedback string, regenerate bool) (*RejectionResult, error) {
	var (
		art    *domain.Artifact
		newRun *domain.PipelineRun
		paused *domain.PipelineRun
	)
	err := s.uow.Do(ctx, func(ctx context.Context, r domain.Repos) error {
		var err error
		art, err = r.Artifacts.Get(ctx, artifactID, tenantID)
		if err != nil {
			return err
		}
		if art == nil {
			return domain.Ef(domain.CodeArtifactNotFound, "artifact %s not found", artifactID)
		}
		if err := art.Reject(feedback); err != nil {
			return err
		}
		if err := r.Artifacts.Update(ctx, art); err != nil {
			return err
		}

		if regenerate {
			newRun = domain.NewPipelineRun(tenantID, art.TaskID)
			if err := r.Pipelines.CreateRun(ctx, newRun); err != nil {
				return err
			}
			for _, spec := range domain.Steps {
				if err := r.Pipelines.CreateStep(ctx, domain.NewStepRun(tenantID, newRun.ID, spec)); err != nil {
					return err
				}
			}
			return nil
		}

		owner, err := r.Pipelines.GetRun(ctx, art.PipelineRunID, tenantID)
		if err != nil {
			return err
		}
		if owner != nil && !owner.IsTerminal() {
			if err := owner.AddPauseReason(domain.PauseRejection); err != nil {
				return err
			}
			if err := r.Pipelines.UpdateRun(ctx, owner); err != nil {
				return err
			}
			paused = owner
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	meta := map[string]any{
		"pipeline_run_id": art.PipelineRunID,
		"regenerate":      regenerate,
	}
	if feedback != "" {
		meta["feedback"] = feedback
	}
	out := &RejectionResult{Artifact: art}
	if newRun != nil {
		out.NewPipelineRunID = newRun.ID
		meta["new_pipeline_run_id"] = newRun.ID
	}
	s.logEvent(ctx, audit.EventArtifactRejected, tenantID, &userID, "artifact", art.ID, meta)
	s.hub.Publish(tenantID, "artifact:rejected", map[string]any{
		"artifact_id":         art.ID,
		"status":              string(art.Status),
		"pipeline_run_id":     art.PipelineRunID,
		"new_pipeline_run_id": out.NewPipelineRunID,
		"task_id":             art.TaskID,
	})
	if paused != nil {
		s.hub.Publish(tenantID, "pipeline:paused", map[string]any{
			"pipeline_run_id": paused.ID,
			"pause_reasons":   paused.PauseReasons,
		})
	}
	if newRun != nil {
		if err := s.dispatcher.QueueRun(newRun.ID); err != nil {
			s.logger.Error("could not dispatch regenerated run", "pipeline_run_id", newRun.ID, "error", err)
		}
	}
	return out, nil
}

// ArchiveArtifact supersedes a non-latest artifact version.
func (s *Service) ArchiveArtifact(ctx context.Context, tenantID, artifactID string) (*domain.Artifact, error) {
	var art *domain.Artifact
	err := s.uow.Do(ctx, func(ctx context.Context, r domain.Repos) error {
		var err error
		art, err = r.Artifacts.Get(ctx, artifactID, tenantID)
		if err != nil {
			return err
		}
		if art == nil {
			return domain.Ef(domain.CodeArtifactNotFound, "artifact %s not found", artifactID)
		}
		latest, err := r.Artifacts.Latest(ctx, art.TaskID, art.Type)
		if err != nil {
			return err
		}
		if latest != nil && latest.ID == art.ID {
			return domain.Ef(domain.CodeCannotArchiveLatest, "artifact %s is the latest %s version", art.ID, art.Type)
		}
		supersededBy := ""
		if latest != nil {
			supersededBy = latest.ID
		}
		if err := art.Supersede(supersededBy); err != nil {
			return err
		}
		return r.Artifacts.Update(ctx, art)
	})
	if err != nil {
		return nil, err
	}
	return art, nil
}

// GetArtifact returns a tenant's artifact.
func (s *Service) GetArtifact(ctx context.Context, tenantID, artifactID string) (*domain.Artifact, error) {
	var art *domain.Artifact
	err := s.uow.Do(ctx, func(ctx context.Context, r domain.Repos) error {
		var err error
		art, err = r.Artifacts.Get(ctx, artifactID, tenantID)
		return err
	})
	if err != nil {
		return nil, err
	}
	if art == nil {
		return nil, domain.Ef(domain.CodeArtifactNotFound, "artifact %s not found", artifactID)
	}
	return art, nil
}
