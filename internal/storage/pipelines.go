package storage

import (
	"context"
	"fmt"

	"github.com/loomdev/loom/internal/domain"
)

type pipelineRepo struct {
	q querier
}

func (r *pipelineRepo) CreateRun(ctx context.Context, run *domain.PipelineRun) error {
	data, err := marshalData(run)
	if err != nil {
		return err
	}
	_, err = r.q.ExecContext(ctx,
		`INSERT INTO pipeline_runs (id, tenant_id, task_id, status, data, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
		run.ID, run.TenantID, run.TaskID, string(run.Status), data, run.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert run %s: %w", run.ID, err)
	}
	return nil
}

func (r *pipelineRepo) GetRun(ctx context.Context, id, tenantID string) (*domain.PipelineRun, error) {
	return scanOne[domain.PipelineRun](r.q.QueryRowContext(ctx,
		`SELECT data FROM pipeline_runs WHERE id = ? AND tenant_id = ?`, id, tenantID))
}

func (r *pipelineRepo) GetRunAnyTenant(ctx context.Context, id string) (*domain.PipelineRun, error) {
	return scanOne[domain.PipelineRun](r.q.QueryRowContext(ctx,
		`SELECT data FROM pipeline_runs WHERE id = ?`, id))
}

func (r *pipelineRepo) UpdateRun(ctx context.Context, run *domain.PipelineRun) error {
	data, err := marshalData(run)
	if err != nil {
		return err
	}
	_, err = r.q.ExecContext(ctx,
		`UPDATE pipeline_runs SET status = ?, data = ? WHERE id = ?`,
		string(run.Status), data, run.ID)
	if err != nil {
		return fmt.Errorf("update run %s: %w", run.ID, err)
	}
	return nil
}

func (r *pipelineRepo) ListRuns(ctx context.Context, tenantID string, status domain.RunStatus, limit, offset int) ([]*domain.PipelineRun, int, error) {
	where := `tenant_id = ?`
	args := []any{tenantID}
	if status != "" {
		where += ` AND status = ?`
		args = append(args, string(status))
	}

	var total int
	if err := r.q.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM pipeline_runs WHERE `+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count runs: %w", err)
	}

	rows, err := r.q.QueryContext(ctx,
		`SELECT data FROM pipeline_runs WHERE `+where+` ORDER BY created_at DESC LIMIT ? OFFSET ?`,
		append(args, limit, offset)...)
	if err != nil {
		return nil, 0, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	var runs []*domain.PipelineRun
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, 0, fmt.Errorf("scan run: %w", err)
		}
		run, err := unmarshalData[domain.PipelineRun](data)
		if err != nil {
			return nil, 0, err
		}
		runs = append(runs, run)
	}
	return runs, total, rows.Err()
}

func (r *pipelineRepo) CreateStep(ctx context.Context, s *domain.PipelineStepRun) error {
	data, err := marshalData(s)
	if err != nil {
		return err
	}
	_, err = r.q.ExecContext(ctx,
		`INSERT INTO pipeline_steps (id, tenant_id, pipeline_run_id, step_number, status, data, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		s.ID, s.TenantID, s.PipelineRunID, s.StepNumber, string(s.Status), data, s.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert step %s: %w", s.ID, err)
	}
	return nil
}

func (r *pipelineRepo) GetStep(ctx context.Context, id, tenantID string) (*domain.PipelineStepRun, error) {
	return scanOne[domain.PipelineStepRun](r.q.QueryRowContext(ctx,
		`SELECT data FROM pipeline_steps WHERE id = ? AND tenant_id = ?`, id, tenantID))
}

func (r *pipelineRepo) GetStepAnyTenant(ctx context.Context, id string) (*domain.PipelineStepRun, error) {
	return scanOne[domain.PipelineStepRun](r.q.QueryRowContext(ctx,
		`SELECT data FROM pipeline_steps WHERE id = ?`, id))
}

func (r *pipelineRepo) UpdateStep(ctx context.Context, s *domain.PipelineStepRun) error {
	data, err := marshalData(s)
	if err != nil {
		return err
	}
	_, err = r.q.ExecContext(ctx,
		`UPDATE pipeline_steps SET status = ?, data = ? WHERE id = ?`,
		string(s.Status), data, s.ID)
	if err != nil {
		return fmt.Errorf("update step %s: %w", s.ID, err)
	}
	return nil
}

func (r *pipelineRepo) StepsForRun(ctx context.Context, runID string) ([]*domain.PipelineStepRun, error) {
	rows, err := r.q.QueryContext(ctx,
		`SELECT data FROM pipeline_steps WHERE pipeline_run_id = ? ORDER BY step_number`, runID)
	if err != nil {
		return nil, fmt.Errorf("list steps for run %s: %w", runID, err)
	}
	defer rows.Close()

	var steps []*domain.PipelineStepRun
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("scan step: %w", err)
		}
		step, err := unmarshalData[domain.PipelineStepRun](data)
		if err != nil {
			return nil, err
		}
		steps = append(steps, step)
	}
	return steps, rows.Err()
}

type agentRunRepo struct {
	q querier
}

func (r *agentRunRepo) Create(ctx context.Context, run *domain.AgentRun) error {
	data, err := marshalData(run)
	if err != nil {
		return err
	}
	_, err = r.q.ExecContext(ctx,
		`INSERT INTO agent_runs (id, tenant_id, step_run_id, data, created_at) VALUES (?, ?, ?, ?, ?)`,
		run.ID, run.TenantID, run.StepRunID, data, run.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert agent run %s: %w", run.ID, err)
	}
	return nil
}

func (r *agentRunRepo) LatestForStep(ctx context.Context, stepRunID string) (*domain.AgentRun, error) {
	return scanOne[domain.AgentRun](r.q.QueryRowContext(ctx,
		`SELECT data FROM agent_runs WHERE step_run_id = ? ORDER BY created_at DESC, id DESC LIMIT 1`, stepRunID))
}

func (r *agentRunRepo) ListForStep(ctx context.Context, stepRunID string) ([]*domain.AgentRun, error) {
	rows, err := r.q.QueryContext(ctx,
		`SELECT data FROM agent_runs WHERE step_run_id = ? ORDER BY created_at`, stepRunID)
	if err != nil {
		return nil, fmt.Errorf("list agent runs for step %s: %w", stepRunID, err)
	}
	defer rows.Close()

	var runs []*domain.AgentRun
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("scan agent run: %w", err)
		}
		run, err := unmarshalData[domain.AgentRun](data)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}
