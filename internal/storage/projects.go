package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/loomdev/loom/internal/domain"
)

func marshalData(v any) (string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("marshal row data: %w", err)
	}
	return string(data), nil
}

func unmarshalData[T any](data string) (*T, error) {
	var v T
	if err := json.Unmarshal([]byte(data), &v); err != nil {
		return nil, fmt.Errorf("unmarshal row data: %w", err)
	}
	return &v, nil
}

// scanOne scans one data column into T, mapping sql.ErrNoRows to (nil, nil)
// so use cases can apply their own not-found codes.
func scanOne[T any](row *sql.Row) (*T, error) {
	var data string
	err := row.Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return unmarshalData[T](data)
}

type projectRepo struct {
	q querier
}

func (r *projectRepo) Create(ctx context.Context, p *domain.Project) error {
	data, err := marshalData(p)
	if err != nil {
		return err
	}
	_, err = r.q.ExecContext(ctx,
		`INSERT INTO projects (id, tenant_id, status, data, created_at) VALUES (?, ?, ?, ?, ?)`,
		p.ID, p.TenantID, string(p.Status), data, p.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert project %s: %w", p.ID, err)
	}
	return nil
}

func (r *projectRepo) Get(ctx context.Context, id, tenantID string) (*domain.Project, error) {
	return scanOne[domain.Project](r.q.QueryRowContext(ctx,
		`SELECT data FROM projects WHERE id = ? AND tenant_id = ?`, id, tenantID))
}

func (r *projectRepo) Update(ctx context.Context, p *domain.Project) error {
	data, err := marshalData(p)
	if err != nil {
		return err
	}
	_, err = r.q.ExecContext(ctx,
		`UPDATE projects SET status = ?, data = ? WHERE id = ? AND tenant_id = ?`,
		string(p.Status), data, p.ID, p.TenantID)
	if err != nil {
		return fmt.Errorf("update project %s: %w", p.ID, err)
	}
	return nil
}

type taskRepo struct {
	q querier
}

func (r *taskRepo) Create(ctx context.Context, t *domain.Task) error {
	data, err := marshalData(t)
	if err != nil {
		return err
	}
	_, err = r.q.ExecContext(ctx,
		`INSERT INTO tasks (id, tenant_id, project_id, status, data, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
		t.ID, t.TenantID, t.ProjectID, string(t.Status), data, t.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert task %s: %w", t.ID, err)
	}
	return nil
}

func (r *taskRepo) Get(ctx context.Context, id, tenantID string) (*domain.Task, error) {
	return scanOne[domain.Task](r.q.QueryRowContext(ctx,
		`SELECT data FROM tasks WHERE id = ? AND tenant_id = ?`, id, tenantID))
}

func (r *taskRepo) Update(ctx context.Context, t *domain.Task) error {
	data, err := marshalData(t)
	if err != nil {
		return err
	}
	_, err = r.q.ExecContext(ctx,
		`UPDATE tasks SET status = ?, data = ? WHERE id = ? AND tenant_id = ?`,
		string(t.Status), data, t.ID, t.TenantID)
	if err != nil {
		return fmt.Errorf("update task %s: %w", t.ID, err)
	}
	return nil
}
