package domain

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// NewID returns a fresh opaque entity ID.
func NewID() string {
	return uuid.NewString()
}

// ProjectStatus is the lifecycle status of a project.
type ProjectStatus string

const (
	ProjectActive   ProjectStatus = "active"
	ProjectArchived ProjectStatus = "archived"
)

// Project groups tasks for a tenant. Tasks cannot be created in archived
// projects.
type Project struct {
	ID          string        `json:"id"`
	TenantID    string        `json:"tenant_id"`
	Name        string        `json:"name"`
	Description string        `json:"description,omitempty"`
	Status      ProjectStatus `json:"status"`
	CreatedAt   time.Time     `json:"created_at"`
	UpdatedAt   time.Time     `json:"updated_at"`
}

// NewProject creates an active project for the tenant.
func NewProject(tenantID, name, description string) *Project {
	now := time.Now().UTC()
	return &Project{
		ID:          NewID(),
		TenantID:    tenantID,
		Name:        name,
		Description: description,
		Status:      ProjectActive,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

// Archive marks the project archived.
func (p *Project) Archive() {
	p.Status = ProjectArchived
	p.UpdatedAt = time.Now().UTC()
}

// TaskStatus is the lifecycle status of a task.
type TaskStatus string

const (
	TaskDraft     TaskStatus = "draft"
	TaskQueued    TaskStatus = "queued"
	TaskRunning   TaskStatus = "running"
	TaskCompleted TaskStatus = "completed"
	TaskFailed    TaskStatus = "failed"
)

// taskTransitions defines the allowed one-way task transitions.
var taskTransitions = map[TaskStatus]map[TaskStatus]bool{
	TaskDraft:   {TaskQueued: true},
	TaskQueued:  {TaskRunning: true, TaskFailed: true},
	TaskRunning: {TaskCompleted: true, TaskFailed: true},
	// completed and failed are terminal.
}

// Task is one unit of pipeline work inside a project.
type Task struct {
	ID        string         `json:"id"`
	TenantID  string         `json:"tenant_id"`
	ProjectID string         `json:"project_id"`
	Name      string         `json:"name"`
	InputSpec map[string]any `json:"input_spec"`
	Status    TaskStatus     `json:"status"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
}

// NewTask creates a draft task. The input spec must already be validated
// with ValidateInputSpec.
func NewTask(tenantID, projectID, name string, inputSpec map[string]any) *Task {
	now := time.Now().UTC()
	return &Task{
		ID:        NewID(),
		TenantID:  tenantID,
		ProjectID: projectID,
		Name:      name,
		InputSpec: inputSpec,
		Status:    TaskDraft,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// Transition validates and applies a task status transition.
func (t *Task) Transition(to TaskStatus) error {
	allowed, ok := taskTransitions[t.Status]
	if !ok || !allowed[to] {
		return Ef(CodeInvalidTaskStatus, "task %s: invalid transition %s -> %s", t.ID, t.Status, to)
	}
	t.Status = to
	t.UpdatedAt = time.Now().UTC()
	return nil
}

// ValidateInputSpec checks the structural rules for a task input spec:
// non-empty mapping, non-empty string keys, values restricted to
// string/number/bool/null/list/mapping (recursively).
func ValidateInputSpec(spec map[string]any) error {
	if len(spec) == 0 {
		return E(CodeInvalidInputSpec, "input_spec must be a non-empty mapping")
	}
	for key, value := range spec {
		if key == "" {
			return E(CodeInvalidInputSpec, "input_spec keys must be non-empty strings")
		}
		if err := validateSpecValue(key, value); err != nil {
			return err
		}
	}
	return nil
}

func validateSpecValue(path string, value any) error {
	switch v := value.(type) {
	case nil, string, bool,
		int, int32, int64, float32, float64:
		return nil
	case []any:
		for i, item := range v {
			if err := validateSpecValue(fmt.Sprintf("%s[%d]", path, i), item); err != nil {
				return err
			}
		}
		return nil
	case map[string]any:
		for key, item := range v {
			if key == "" {
				return Ef(CodeInvalidInputSpec, "input_spec: empty key under %q", path)
			}
			if err := validateSpecValue(path+"."+key, item); err != nil {
				return err
			}
		}
		return nil
	default:
		return Ef(CodeInvalidInputSpec, "input_spec: unsupported value type %T at %q", value, path)
	}
}
