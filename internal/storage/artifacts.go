package storage

import (
	"context"
	"fmt"

	"github.com/loomdev/loom/internal/domain"
)

type artifactRepo struct {
	q querier
}

func (r *artifactRepo) Create(ctx context.Context, a *domain.Artifact) error {
	data, err := marshalData(a)
	if err != nil {
		return err
	}
	// The UNIQUE(task_id, artifact_type, version) constraint backs up the
	// in-transaction MaxVersion allocation against lost updates.
	_, err = r.q.ExecContext(ctx,
		`INSERT INTO artifacts (id, tenant_id, task_id, step_run_id, artifact_type, version, status, data, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.ID, a.TenantID, a.TaskID, a.StepRunID, string(a.Type), a.Version, string(a.Status), data, a.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert artifact %s: %w", a.ID, err)
	}
	return nil
}

func (r *artifactRepo) Get(ctx context.Context, id, tenantID string) (*domain.Artifact, error) {
	return scanOne[domain.Artifact](r.q.QueryRowContext(ctx,
		`SELECT data FROM artifacts WHERE id = ? AND tenant_id = ?`, id, tenantID))
}

func (r *artifactRepo) Update(ctx context.Context, a *domain.Artifact) error {
	data, err := marshalData(a)
	if err != nil {
		return err
	}
	_, err = r.q.ExecContext(ctx,
		`UPDATE artifacts SET status = ?, data = ? WHERE id = ?`,
		string(a.Status), data, a.ID)
	if err != nil {
		return fmt.Errorf("update artifact %s: %w", a.ID, err)
	}
	return nil
}

func (r *artifactRepo) MaxVersion(ctx context.Context, taskID string, t domain.ArtifactType) (int, error) {
	var max int
	err := r.q.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(version), 0) FROM artifacts WHERE task_id = ? AND artifact_type = ?`,
		taskID, string(t)).Scan(&max)
	if err != nil {
		return 0, fmt.Errorf("max version for %s/%s: %w", taskID, t, err)
	}
	return max, nil
}

func (r *artifactRepo) Latest(ctx context.Context, taskID string, t domain.ArtifactType) (*domain.Artifact, error) {
	return scanOne[domain.Artifact](r.q.QueryRowContext(ctx,
		`SELECT data FROM artifacts WHERE task_id = ? AND artifact_type = ? ORDER BY version DESC LIMIT 1`,
		taskID, string(t)))
}

func (r *artifactRepo) ListForStep(ctx context.Context, stepRunID string) ([]*domain.Artifact, error) {
	return r.list(ctx, `SELECT data FROM artifacts WHERE step_run_id = ? ORDER BY created_at`, stepRunID)
}

func (r *artifactRepo) ListForTask(ctx context.Context, taskID string) ([]*domain.Artifact, error) {
	return r.list(ctx, `SELECT data FROM artifacts WHERE task_id = ? ORDER BY artifact_type, version`, taskID)
}

func (r *artifactRepo) list(ctx context.Context, query string, args ...any) ([]*domain.Artifact, error) {
	rows, err := r.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list artifacts: %w", err)
	}
	defer rows.Close()

	var artifacts []*domain.Artifact
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("scan artifact: %w", err)
		}
		a, err := unmarshalData[domain.Artifact](data)
		if err != nil {
			return nil, err
		}
		artifacts = append(artifacts, a)
	}
	return artifacts, rows.Err()
}
