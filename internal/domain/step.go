package domain

import "time"

// StepType identifies one of the four fixed pipeline steps.
type StepType string

const (
	StepAnalysis     StepType = "ANALYSIS"
	StepUserStories  StepType = "USER_STORIES"
	StepCodeSkeleton StepType = "CODE_SKELETON"
	StepTestCases    StepType = "TEST_CASES"
)

// AgentType identifies which agent executes a step.
type AgentType string

const (
	AgentArchitect AgentType = "ARCHITECT"
	AgentPM        AgentType = "PM"
	AgentEngineer  AgentType = "ENGINEER"
	AgentQA        AgentType = "QA"
)

// ArtifactType is the output type a step produces.
type ArtifactType string

const (
	ArtifactAnalysisReport ArtifactType = "ANALYSIS_REPORT"
	ArtifactUserStories    ArtifactType = "USER_STORIES"
	ArtifactCodeFiles      ArtifactType = "CODE_FILES"
	ArtifactTestSuite      ArtifactType = "TEST_SUITE"
)

// ParseArtifactType resolves an artifact type string, accepting the legacy
// lowercase aliases that predate the canonical names.
func ParseArtifactType(s string) (ArtifactType, error) {
	switch s {
	case string(ArtifactAnalysisReport), string(ArtifactUserStories),
		string(ArtifactCodeFiles), string(ArtifactTestSuite):
		return ArtifactType(s), nil
	case "document":
		return ArtifactAnalysisReport, nil
	case "code":
		return ArtifactCodeFiles, nil
	default:
		return "", Ef(CodeInvalidArtifactType, "unknown artifact type %q", s)
	}
}

// StepSpec is one entry of the fixed step table.
type StepSpec struct {
	Number   int
	Type     StepType
	Name     string
	Agent    AgentType
	Artifact ArtifactType
}

// Steps is the fixed step sequence with its 1-to-1 agent mapping.
var Steps = [4]StepSpec{
	{Number: 1, Type: StepAnalysis, Name: "analysis", Agent: AgentArchitect, Artifact: ArtifactAnalysisReport},
	{Number: 2, Type: StepUserStories, Name: "user_stories", Agent: AgentPM, Artifact: ArtifactUserStories},
	{Number: 3, Type: StepCodeSkeleton, Name: "code_skeleton", Agent: AgentEngineer, Artifact: ArtifactCodeFiles},
	{Number: 4, Type: StepTestCases, Name: "test_cases", Agent: AgentQA, Artifact: ArtifactTestSuite},
}

// SpecForStep returns the step spec for a step type.
func SpecForStep(t StepType) (StepSpec, bool) {
	for _, s := range Steps {
		if s.Type == t {
			return s, true
		}
	}
	return StepSpec{}, false
}

// StepStatus is the lifecycle status of a pipeline step run.
type StepStatus string

const (
	StepPending     StepStatus = "pending"
	StepRunning     StepStatus = "running"
	StepCompleted   StepStatus = "completed"
	StepFailed      StepStatus = "failed"
	StepInvalidated StepStatus = "invalidated"
	StepCancelled   StepStatus = "cancelled"
)

// terminalStepStatuses are preserved by pipeline cancellation.
var terminalStepStatuses = map[StepStatus]bool{
	StepCompleted:   true,
	StepFailed:      true,
	StepInvalidated: true,
	StepCancelled:   true,
}

// DefaultMaxRetries is the per-step retry budget.
const DefaultMaxRetries = 3

// PipelineStepRun is one step of a pipeline run. The input snapshot is
// frozen on the first execution and every retry re-uses it.
type PipelineStepRun struct {
	ID            string         `json:"id"`
	TenantID      string         `json:"tenant_id"`
	PipelineRunID string         `json:"pipeline_run_id"`
	StepNumber    int            `json:"step_number"`
	StepType      StepType       `json:"step_type"`
	StepName      string         `json:"step_name"`
	Status        StepStatus     `json:"status"`
	RetryCount    int            `json:"retry_count"`
	MaxRetries    int            `json:"max_retries"`
	InputSnapshot map[string]any `json:"input_snapshot,omitempty"`
	Output        map[string]any `json:"output,omitempty"`
	ErrorMessage  string         `json:"error_message,omitempty"`
	StartedAt     *time.Time     `json:"started_at,omitempty"`
	CompletedAt   *time.Time     `json:"completed_at,omitempty"`
	CreatedAt     time.Time      `json:"created_at"`
	UpdatedAt     time.Time      `json:"updated_at"`
}

// NewStepRun creates a pending step run for the given spec.
func NewStepRun(tenantID, runID string, spec StepSpec) *PipelineStepRun {
	now := time.Now().UTC()
	return &PipelineStepRun{
		ID:            NewID(),
		TenantID:      tenantID,
		PipelineRunID: runID,
		StepNumber:    spec.Number,
		StepType:      spec.Type,
		StepName:      spec.Name,
		Status:        StepPending,
		MaxRetries:    DefaultMaxRetries,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
}

// IsTerminal reports whether the step is in a terminal state.
func (s *PipelineStepRun) IsTerminal() bool {
	return terminalStepStatuses[s.Status]
}

// FreezeInput records the merged execution context the first time the step
// runs. Subsequent calls are no-ops: retries must see the original input.
func (s *PipelineStepRun) FreezeInput(snapshot map[string]any) {
	if s.InputSnapshot != nil {
		return
	}
	s.InputSnapshot = snapshot
	s.UpdatedAt = time.Now().UTC()
}

// Start moves the step to running. Valid from pending (first attempt) and
// failed (retry).
func (s *PipelineStepRun) Start() error {
	if s.Status != StepPending && s.Status != StepFailed {
		return Ef(CodeInvalidStepTransition, "step %s: cannot start from %s", s.ID, s.Status)
	}
	now := time.Now().UTC()
	s.Status = StepRunning
	s.StartedAt = &now
	s.UpdatedAt = now
	return nil
}

// Complete records the step output and marks the step completed.
func (s *PipelineStepRun) Complete(output map[string]any) error {
	if s.Status != StepRunning {
		return Ef(CodeInvalidStepTransition, "step %s: cannot complete from %s", s.ID, s.Status)
	}
	now := time.Now().UTC()
	s.Status = StepCompleted
	s.Output = output
	s.ErrorMessage = ""
	s.CompletedAt = &now
	s.UpdatedAt = now
	return nil
}

// Fail marks the step failed and counts the failed attempt. The retry
// count never exceeds the retry budget.
func (s *PipelineStepRun) Fail(message string) error {
	if s.IsTerminal() && s.Status != StepFailed {
		return Ef(CodeInvalidStepTransition, "step %s: cannot fail from %s", s.ID, s.Status)
	}
	now := time.Now().UTC()
	s.Status = StepFailed
	s.ErrorMessage = message
	if s.RetryCount < s.MaxRetries {
		s.RetryCount++
	}
	s.UpdatedAt = now
	return nil
}

// Retryable reports whether the step has retry budget left.
func (s *PipelineStepRun) Retryable() bool {
	return s.Status == StepFailed && s.RetryCount < s.MaxRetries
}

// Cancel moves a non-terminal step to cancelled. Terminal steps are
// preserved as-is and report no change.
func (s *PipelineStepRun) Cancel() bool {
	if s.IsTerminal() {
		return false
	}
	now := time.Now().UTC()
	s.Status = StepCancelled
	s.CompletedAt = &now
	s.UpdatedAt = now
	return true
}

// AbortRetry cancels a failed step whose pipeline stopped before the
// pending retry could run. Other terminal steps are preserved.
func (s *PipelineStepRun) AbortRetry() bool {
	if s.Status != StepFailed {
		return s.Cancel()
	}
	now := time.Now().UTC()
	s.Status = StepCancelled
	s.CompletedAt = &now
	s.UpdatedAt = now
	return true
}

// Invalidate marks a step superseded by a replay starting after it.
func (s *PipelineStepRun) Invalidate() {
	s.Status = StepInvalidated
	s.UpdatedAt = time.Now().UTC()
}
