// Package workflow implements the user-facing use cases: project and
// task management, the artifact approval flow, and run control
// (cancel, resume, replay).
package workflow

import (
	"context"
	"log/slog"
	"time"

	"github.com/loomdev/loom/internal/audit"
	"github.com/loomdev/loom/internal/domain"
	"github.com/loomdev/loom/internal/engine"
	"github.com/loomdev/loom/internal/events"
)

// Dispatcher hands pipeline work to the background execution pool.
type Dispatcher interface {
	QueueTask(taskID, tenantID string) error
	QueueRun(runID string) error
}

// Service carries the use-case dependencies. All state mutations run in
// one unit of work; audit writes and event publishes happen after commit.
type Service struct {
	uow        domain.UnitOfWork
	biller     engine.Biller
	dispatcher Dispatcher
	auditor    audit.Sink
	hub        *events.Hub
	logger     *slog.Logger
	now        func() time.Time
}

// NewService wires a workflow service.
func NewService(uow domain.UnitOfWork, biller engine.Biller, dispatcher Dispatcher,
	auditor audit.Sink, hub *events.Hub, logger *slog.Logger) *Service {
	return &Service{
		uow:        uow,
		biller:     biller,
		dispatcher: dispatcher,
		auditor:    auditor,
		hub:        hub,
		logger:     logger,
		now:        time.Now,
	}
}

// CreateProject creates an active project for the tenant.
func (s *Service) CreateProject(ctx context.Context, tenantID, userID, name, description string) (*domain.Project, error) {
	if name == "" {
		return nil, domain.E(domain.CodeInvalidInput, "project name is required")
	}
	project := domain.NewProject(tenantID, name, description)
	err := s.uow.Do(ctx, func(ctx context.Context, r domain.Repos) error {
		return r.Projects.Create(ctx, project)
	})
	if err != nil {
		return nil, err
	}
	s.logEvent(ctx, audit.EventProjectCreated, tenantID, &userID, "project", project.ID,
		map[string]any{"name": name})
	return project, nil
}

// GetProject returns a tenant's project.
func (s *Service) GetProject(ctx context.Context, tenantID, projectID string) (*domain.Project, error) {
	var project *domain.Project
	err := s.uow.Do(ctx, func(ctx context.Context, r domain.Repos) error {
		var err error
		project, err = r.Projects.Get(ctx, projectID, tenantID)
		return err
	})
	if err != nil {
		return nil, err
	}
	if project == nil {
		return nil, domain.Ef(domain.CodeProjectNotFound, "project %s not found", projectID)
	}
	return project, nil
}

// ArchiveProject archives a project; its tasks stop accepting new work.
func (s *Service) ArchiveProject(ctx context.Context, tenantID, userID, projectID string) (*domain.Project, error) {
	var project *domain.Project
	err := s.uow.Do(ctx, func(ctx context.Context, r domain.Repos) error {
		var err error
		project, err = r.Projects.Get(ctx, projectID, tenantID)
		if err != nil {
			return err
		}
		if project == nil {
			return domain.Ef(domain.CodeProjectNotFound, "project %s not found", projectID)
		}
		project.Archive()
		return r.Projects.Update(ctx, project)
	})
	if err != nil {
		return nil, err
	}
	s.logEvent(ctx, audit.EventProjectUpdated, tenantID, &userID, "project", project.ID,
		map[string]any{"status": string(project.Status)})
	return project, nil
}

// CreateTask creates a draft task in an active project.
func (s *Service) CreateTask(ctx context.Context, tenantID, userID, projectID, name string, inputSpec map[string]any) (*domain.Task, error) {
	if name == "" {
		return nil, domain.E(domain.CodeInvalidInput, "task name is required")
	}
	if err := domain.ValidateInputSpec(inputSpec); err != nil {
		return nil, err
	}

	task := domain.NewTask(tenantID, projectID, name, inputSpec)
	err := s.uow.Do(ctx, func(ctx context.Context, r domain.Repos) error {
		project, err := r.Projects.Get(ctx, projectID, tenantID)
		if err != nil {
			return err
		}
		if project == nil {
			return domain.Ef(domain.CodeProjectNotFound, "project %s not found", projectID)
		}
		if project.Status != domain.ProjectActive {
			return domain.Ef(domain.CodeProjectNotActive, "project %s is archived", projectID)
		}
		return r.Tasks.Create(ctx, task)
	})
	if err != nil {
		return nil, err
	}
	s.logEvent(ctx, audit.EventTaskCreated, tenantID, &userID, "task", task.ID,
		map[string]any{"project_id": projectID, "name": name})
	return task, nil
}

// GetTask returns a tenant's task.
func (s *Service) GetTask(ctx context.Context, tenantID, taskID string) (*domain.Task, error) {
	var task *domain.Task
	err := s.uow.Do(ctx, func(ctx context.Context, r domain.Repos) error {
		var err error
		task, err = r.Tasks.Get(ctx, taskID, tenantID)
		return err
	})
	if err != nil {
		return nil, err
	}
	if task == nil {
		return nil, domain.Ef(domain.CodeTaskNotFound, "task %s not found", taskID)
	}
	return task, nil
}

// QueueTask moves a draft task to queued and dispatches its pipeline for
// background execution.
func (s *Service) QueueTask(ctx context.Context, tenantID, taskID string) (*domain.Task, error) {
	var task *domain.Task
	err := s.uow.Do(ctx, func(ctx context.Context, r domain.Repos) error {
		var err error
		task, err = r.Tasks.Get(ctx, taskID, tenantID)
		if err != nil {
			return err
		}
		if task == nil {
			return domain.Ef(domain.CodeTaskNotFound, "task %s not found", taskID)
		}
		if err := task.Transition(domain.TaskQueued); err != nil {
			return err
		}
		return r.Tasks.Update(ctx, task)
	})
	if err != nil {
		return nil, err
	}

	if err := s.dispatcher.QueueTask(taskID, tenantID); err != nil {
		s.logger.Error("could not dispatch queued task", "task_id", taskID, "error", err)
		return nil, err
	}
	return task, nil
}

func (s *Service) logEvent(ctx context.Context, eventType, tenantID string, userID *string,
	resourceType, resourceID string, meta map[string]any) {
	if err := s.auditor.Log(ctx, audit.NewEvent(eventType, tenantID, userID, resourceType, resourceID, meta)); err != nil {
		s.logger.Error("audit write failed", "event_type", eventType, "error", err)
	}
}
