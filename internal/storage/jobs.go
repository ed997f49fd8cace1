package storage

import (
	"context"
	"fmt"

	"github.com/loomdev/loom/internal/domain"
)

type jobRepo struct {
	q querier
}

func (r *jobRepo) CreateExport(ctx context.Context, j *domain.ExportJob) error {
	return r.insert(ctx, "export_jobs", j.ID, j.TenantID, j.TaskID, string(j.Status), j)
}

func (r *jobRepo) GetExport(ctx context.Context, id, tenantID string) (*domain.ExportJob, error) {
	return scanOne[domain.ExportJob](r.q.QueryRowContext(ctx,
		`SELECT data FROM export_jobs WHERE id = ? AND tenant_id = ?`, id, tenantID))
}

func (r *jobRepo) UpdateExport(ctx context.Context, j *domain.ExportJob) error {
	return r.update(ctx, "export_jobs", j.ID, string(j.Status), j)
}

func (r *jobRepo) CreateGitSync(ctx context.Context, j *domain.GitSyncJob) error {
	return r.insert(ctx, "git_sync_jobs", j.ID, j.TenantID, j.TaskID, string(j.Status), j)
}

func (r *jobRepo) GetGitSync(ctx context.Context, id, tenantID string) (*domain.GitSyncJob, error) {
	return scanOne[domain.GitSyncJob](r.q.QueryRowContext(ctx,
		`SELECT data FROM git_sync_jobs WHERE id = ? AND tenant_id = ?`, id, tenantID))
}

func (r *jobRepo) UpdateGitSync(ctx context.Context, j *domain.GitSyncJob) error {
	return r.update(ctx, "git_sync_jobs", j.ID, string(j.Status), j)
}

func (r *jobRepo) insert(ctx context.Context, table, id, tenantID, taskID, status string, v any) error {
	data, err := marshalData(v)
	if err != nil {
		return err
	}
	_, err = r.q.ExecContext(ctx,
		`INSERT INTO `+table+` (id, tenant_id, task_id, status, data, created_at)
		 VALUES (?, ?, ?, ?, ?, datetime('now'))`,
		id, tenantID, taskID, status, data)
	if err != nil {
		return fmt.Errorf("insert %s %s: %w", table, id, err)
	}
	return nil
}

func (r *jobRepo) update(ctx context.Context, table, id, status string, v any) error {
	data, err := marshalData(v)
	if err != nil {
		return err
	}
	_, err = r.q.ExecContext(ctx,
		`UPDATE `+table+` SET status = ?, data = ? WHERE id = ?`, status, data, id)
	if err != nil {
		return fmt.Errorf("update %s %s: %w", table, id, err)
	}
	return nil
}
