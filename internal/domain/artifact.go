package domain

import "time"

// ArtifactStatus is the approval state of an artifact version.
type ArtifactStatus string

const (
	ArtifactDraft      ArtifactStatus = "draft"
	ArtifactApproved   ArtifactStatus = "approved"
	ArtifactRejected   ArtifactStatus = "rejected"
	ArtifactSuperseded ArtifactStatus = "superseded"
)

// Artifact is the persisted, versioned output of a pipeline step. Versions
// are monotonically increasing per (task_id, artifact_type).
type Artifact struct {
	ID            string         `json:"id"`
	TenantID      string         `json:"tenant_id"`
	TaskID        string         `json:"task_id"`
	PipelineRunID string         `json:"pipeline_run_id"`
	StepRunID     string         `json:"step_run_id"`
	Type          ArtifactType   `json:"artifact_type"`
	Status        ArtifactStatus `json:"status"`
	Version       int            `json:"version"`
	Content       map[string]any `json:"content"`
	ExtraData     map[string]any `json:"extra_data,omitempty"`
	SupersededBy  string         `json:"superseded_by,omitempty"`
	ApprovedAt    *time.Time     `json:"approved_at,omitempty"`
	RejectedAt    *time.Time     `json:"rejected_at,omitempty"`
	CreatedAt     time.Time      `json:"created_at"`
	UpdatedAt     time.Time      `json:"updated_at"`
}

// Approve moves a draft artifact to approved. Any other source state is a
// specific client error.
func (a *Artifact) Approve() error {
	switch a.Status {
	case ArtifactApproved:
		return Ef(CodeAlreadyApproved, "artifact %s is already approved", a.ID)
	case ArtifactRejected:
		return Ef(CodeCannotApproveRejected, "artifact %s was rejected", a.ID)
	case ArtifactSuperseded:
		return Ef(CodeCannotApproveSuperseded, "artifact %s was superseded", a.ID)
	}
	now := time.Now().UTC()
	a.Status = ArtifactApproved
	a.ApprovedAt = &now
	a.UpdatedAt = now
	return nil
}

// Reject moves a draft artifact to rejected, storing optional feedback in
// extra_data.rejection_feedback.
func (a *Artifact) Reject(feedback string) error {
	switch a.Status {
	case ArtifactRejected:
		return Ef(CodeAlreadyRejected, "artifact %s is already rejected", a.ID)
	case ArtifactApproved:
		return Ef(CodeCannotRejectApproved, "artifact %s was approved", a.ID)
	case ArtifactSuperseded:
		return Ef(CodeAlreadyArchived, "artifact %s was superseded", a.ID)
	}
	now := time.Now().UTC()
	a.Status = ArtifactRejected
	a.RejectedAt = &now
	if feedback != "" {
		if a.ExtraData == nil {
			a.ExtraData = map[string]any{}
		}
		a.ExtraData["rejection_feedback"] = feedback
	}
	a.UpdatedAt = now
	return nil
}

// Supersede archives a non-latest version. Latest-version protection is
// enforced by the archive use case, which knows the group's max version.
func (a *Artifact) Supersede(byID string) error {
	if a.Status == ArtifactSuperseded {
		return Ef(CodeAlreadyArchived, "artifact %s is already archived", a.ID)
	}
	a.Status = ArtifactSuperseded
	a.SupersededBy = byID
	a.UpdatedAt = time.Now().UTC()
	return nil
}

// AgentRun records one agent invocation for a step, with token counts and
// credit costs.
type AgentRun struct {
	ID                   string     `json:"id"`
	TenantID             string     `json:"tenant_id"`
	StepRunID            string     `json:"step_run_id"`
	AgentType            AgentType  `json:"agent_type"`
	Model                string     `json:"model"`
	PromptTokens         int        `json:"prompt_tokens"`
	CompletionTokens     int        `json:"completion_tokens"`
	EstimatedCostCredits float64    `json:"estimated_cost_credits"`
	ActualCostCredits    float64    `json:"actual_cost_credits"`
	CreatedAt            time.Time  `json:"created_at"`
	CompletedAt          *time.Time `json:"completed_at,omitempty"`
}
