package domain

import "time"

// RunStatus is the lifecycle status of a pipeline run.
type RunStatus string

const (
	RunRunning             RunStatus = "running"
	RunPaused              RunStatus = "paused"
	RunCompleted           RunStatus = "completed"
	RunCancelled           RunStatus = "cancelled"
	RunCancelledInactivity RunStatus = "cancelled_due_to_inactivity"
	RunFailed              RunStatus = "failed"
)

// terminalRunStatuses are statuses from which no transition is allowed.
var terminalRunStatuses = map[RunStatus]bool{
	RunCompleted:           true,
	RunCancelled:           true,
	RunCancelledInactivity: true,
	RunFailed:              true,
}

// runTransitions defines the allowed from->to run transitions.
var runTransitions = map[RunStatus]map[RunStatus]bool{
	RunRunning: {RunPaused: true, RunCompleted: true, RunCancelled: true, RunFailed: true},
	RunPaused:  {RunRunning: true, RunCancelled: true, RunCancelledInactivity: true, RunFailed: true},
}

// PauseReason is a machine-readable reason why a run is not progressing.
type PauseReason string

const (
	PauseRejection          PauseReason = "REJECTION"
	PauseInsufficientCredit PauseReason = "INSUFFICIENT_CREDIT"
	PauseAwaitingApproval   PauseReason = "AWAITING_USER_APPROVAL"
)

// PauseWindow is how long an insufficient-credit pause stays actionable
// before a human operator should intervene.
const PauseWindow = 7 * 24 * time.Hour

// PipelineRun is one end-to-end execution of the fixed step sequence for a
// task. Invariant: Status == paused iff at least one pause reason is set.
type PipelineRun struct {
	ID             string        `json:"id"`
	TenantID       string        `json:"tenant_id"`
	TaskID         string        `json:"task_id"`
	Status         RunStatus     `json:"status"`
	CurrentStep    int           `json:"current_step"`
	PauseReasons   []PauseReason `json:"pause_reasons"`
	PausedAt       *time.Time    `json:"paused_at,omitempty"`
	PauseExpiresAt *time.Time    `json:"pause_expires_at,omitempty"`
	CompletedAt    *time.Time    `json:"completed_at,omitempty"`
	ErrorMessage   string        `json:"error_message,omitempty"`
	CreatedAt      time.Time     `json:"created_at"`
	UpdatedAt      time.Time     `json:"updated_at"`
}

// NewPipelineRun creates a running pipeline run positioned at step 1.
func NewPipelineRun(tenantID, taskID string) *PipelineRun {
	now := time.Now().UTC()
	return &PipelineRun{
		ID:          NewID(),
		TenantID:    tenantID,
		TaskID:      taskID,
		Status:      RunRunning,
		CurrentStep: 1,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

// IsTerminal reports whether the run is in a terminal state. Terminal runs
// are immutable except for resolution notes on linked dead-letter events.
func (p *PipelineRun) IsTerminal() bool {
	return terminalRunStatuses[p.Status]
}

// Transition validates and applies a run status transition.
func (p *PipelineRun) Transition(to RunStatus) error {
	if p.IsTerminal() {
		return Ef(CodeInvalidPipelineRun, "run %s: %s is terminal", p.ID, p.Status)
	}
	allowed, ok := runTransitions[p.Status]
	if !ok || !allowed[to] {
		return Ef(CodeInvalidPipelineRun, "run %s: invalid transition %s -> %s", p.ID, p.Status, to)
	}
	p.Status = to
	now := time.Now().UTC()
	p.UpdatedAt = now
	if terminalRunStatuses[to] {
		p.CompletedAt = &now
	}
	return nil
}

// HasPauseReason reports whether the reason is currently set.
func (p *PipelineRun) HasPauseReason(reason PauseReason) bool {
	for _, r := range p.PauseReasons {
		if r == reason {
			return true
		}
	}
	return false
}

// AddPauseReason records a pause reason and moves the run to paused. A
// reason already present is not duplicated.
func (p *PipelineRun) AddPauseReason(reason PauseReason) error {
	if p.IsTerminal() {
		return Ef(CodeInvalidPipelineRun, "run %s: cannot pause terminal run", p.ID)
	}
	now := time.Now().UTC()
	if !p.HasPauseReason(reason) {
		p.PauseReasons = append(p.PauseReasons, reason)
	}
	if p.Status != RunPaused {
		if err := p.Transition(RunPaused); err != nil {
			return err
		}
		p.PausedAt = &now
	}
	p.UpdatedAt = now
	return nil
}

// RemovePauseReason clears a pause reason. It does not resume the run;
// callers decide whether to resume once CanResume reports true.
func (p *PipelineRun) RemovePauseReason(reason PauseReason) bool {
	for i, r := range p.PauseReasons {
		if r == reason {
			p.PauseReasons = append(p.PauseReasons[:i], p.PauseReasons[i+1:]...)
			p.UpdatedAt = time.Now().UTC()
			return true
		}
	}
	return false
}

// CanResume reports whether all pause reasons have been cleared.
func (p *PipelineRun) CanResume() bool {
	return len(p.PauseReasons) == 0
}

// Resume moves a paused run with no remaining pause reasons back to
// running and clears the pause bookkeeping.
func (p *PipelineRun) Resume() error {
	if p.Status != RunPaused {
		return Ef(CodeNotPaused, "run %s is %s, not paused", p.ID, p.Status)
	}
	if !p.CanResume() {
		return Ef(CodeCannotResume, "run %s still has pause reasons: %v", p.ID, p.PauseReasons)
	}
	if err := p.Transition(RunRunning); err != nil {
		return err
	}
	p.PausedAt = nil
	p.PauseExpiresAt = nil
	return nil
}

// Fail moves the run to failed with an error message.
func (p *PipelineRun) Fail(message string) error {
	if err := p.Transition(RunFailed); err != nil {
		return err
	}
	p.ErrorMessage = message
	return nil
}
