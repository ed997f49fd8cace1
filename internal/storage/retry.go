package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/loomdev/loom/internal/domain"
)

type retryJobRepo struct {
	q querier
}

func (r *retryJobRepo) Create(ctx context.Context, j *domain.RetryJob) error {
	data, err := marshalData(j)
	if err != nil {
		return err
	}
	_, err = r.q.ExecContext(ctx,
		`INSERT INTO retry_jobs (id, tenant_id, step_run_id, kind, status, scheduled_at, data, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		j.ID, j.TenantID, j.StepRunID, string(j.Kind), string(j.Status), j.ScheduledAt, data, j.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert retry job %s: %w", j.ID, err)
	}
	return nil
}

func (r *retryJobRepo) Update(ctx context.Context, j *domain.RetryJob) error {
	data, err := marshalData(j)
	if err != nil {
		return err
	}
	_, err = r.q.ExecContext(ctx,
		`UPDATE retry_jobs SET status = ?, data = ? WHERE id = ?`,
		string(j.Status), data, j.ID)
	if err != nil {
		return fmt.Errorf("update retry job %s: %w", j.ID, err)
	}
	return nil
}

func (r *retryJobRepo) Due(ctx context.Context, now time.Time) ([]*domain.RetryJob, error) {
	return r.list(ctx,
		`SELECT data FROM retry_jobs WHERE status = ? AND scheduled_at <= ? ORDER BY scheduled_at`,
		string(domain.RetryPending), now)
}

func (r *retryJobRepo) ListForStep(ctx context.Context, stepRunID string) ([]*domain.RetryJob, error) {
	return r.list(ctx,
		`SELECT data FROM retry_jobs WHERE step_run_id = ? ORDER BY created_at`, stepRunID)
}

func (r *retryJobRepo) list(ctx context.Context, query string, args ...any) ([]*domain.RetryJob, error) {
	rows, err := r.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list retry jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*domain.RetryJob
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("scan retry job: %w", err)
		}
		j, err := unmarshalData[domain.RetryJob](data)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, j)
	}
	return jobs, rows.Err()
}

type deadLetterRepo struct {
	q querier
}

func (r *deadLetterRepo) Create(ctx context.Context, d *domain.DeadLetterEvent) error {
	data, err := marshalData(d)
	if err != nil {
		return err
	}
	_, err = r.q.ExecContext(ctx,
		`INSERT INTO dead_letter_events (id, tenant_id, pipeline_run_id, step_run_id, resolved, data, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		d.ID, d.TenantID, d.PipelineRunID, d.StepRunID, boolToInt(d.Resolved), data, d.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert dead letter %s: %w", d.ID, err)
	}
	return nil
}

func (r *deadLetterRepo) Update(ctx context.Context, d *domain.DeadLetterEvent) error {
	data, err := marshalData(d)
	if err != nil {
		return err
	}
	_, err = r.q.ExecContext(ctx,
		`UPDATE dead_letter_events SET resolved = ?, data = ? WHERE id = ?`,
		boolToInt(d.Resolved), data, d.ID)
	if err != nil {
		return fmt.Errorf("update dead letter %s: %w", d.ID, err)
	}
	return nil
}

func (r *deadLetterRepo) Get(ctx context.Context, id, tenantID string) (*domain.DeadLetterEvent, error) {
	return scanOne[domain.DeadLetterEvent](r.q.QueryRowContext(ctx,
		`SELECT data FROM dead_letter_events WHERE id = ? AND tenant_id = ?`, id, tenantID))
}

func (r *deadLetterRepo) ListForRun(ctx context.Context, runID string) ([]*domain.DeadLetterEvent, error) {
	rows, err := r.q.QueryContext(ctx,
		`SELECT data FROM dead_letter_events WHERE pipeline_run_id = ? ORDER BY created_at`, runID)
	if err != nil {
		return nil, fmt.Errorf("list dead letters for run %s: %w", runID, err)
	}
	defer rows.Close()

	var events []*domain.DeadLetterEvent
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("scan dead letter: %w", err)
		}
		d, err := unmarshalData[domain.DeadLetterEvent](data)
		if err != nil {
			return nil, err
		}
		events = append(events, d)
	}
	return events, rows.Err()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
