package storage

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"

	"github.com/loomdev/loom/internal/domain"
)

// DB wraps a SQLite database connection.
type DB struct {
	db *sql.DB
}

// Open opens or creates a SQLite database at the given path and runs
// migrations. WAL mode plus a busy timeout lets the API handlers, the
// dispatcher, and the retry worker share the file.
func Open(dbPath string) (*DB, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	d := &DB{db: db}
	if err := d.Migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return d, nil
}

// Close closes the database connection.
func (d *DB) Close() error {
	return d.db.Close()
}

// Ping verifies connectivity.
func (d *DB) Ping() error {
	return d.db.Ping()
}

// Migrate applies the schema idempotently. Full entities live in JSON
// data columns; the scalar columns exist for indexing and filtering.
func (d *DB) Migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS projects (
		id         TEXT PRIMARY KEY,
		tenant_id  TEXT NOT NULL,
		status     TEXT NOT NULL,
		data       TEXT NOT NULL,
		created_at DATETIME NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_projects_tenant ON projects(tenant_id);

	CREATE TABLE IF NOT EXISTS tasks (
		id         TEXT PRIMARY KEY,
		tenant_id  TEXT NOT NULL,
		project_id TEXT NOT NULL,
		status     TEXT NOT NULL,
		data       TEXT NOT NULL,
		created_at DATETIME NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_tasks_tenant ON tasks(tenant_id, status);

	CREATE TABLE IF NOT EXISTS pipeline_runs (
		id         TEXT PRIMARY KEY,
		tenant_id  TEXT NOT NULL,
		task_id    TEXT NOT NULL,
		status     TEXT NOT NULL,
		data       TEXT NOT NULL,
		created_at DATETIME NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_runs_tenant_status ON pipeline_runs(tenant_id, status, created_at DESC);
	CREATE INDEX IF NOT EXISTS idx_runs_task ON pipeline_runs(task_id);

	CREATE TABLE IF NOT EXISTS pipeline_steps (
		id              TEXT PRIMARY KEY,
		tenant_id       TEXT NOT NULL,
		pipeline_run_id TEXT NOT NULL,
		step_number     INTEGER NOT NULL,
		status          TEXT NOT NULL,
		data            TEXT NOT NULL,
		created_at      DATETIME NOT NULL,
		UNIQUE(pipeline_run_id, step_number)
	);
	CREATE INDEX IF NOT EXISTS idx_steps_run ON pipeline_steps(pipeline_run_id, step_number);

	CREATE TABLE IF NOT EXISTS agent_runs (
		id          TEXT PRIMARY KEY,
		tenant_id   TEXT NOT NULL,
		step_run_id TEXT NOT NULL,
		data        TEXT NOT NULL,
		created_at  DATETIME NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_agent_runs_step ON agent_runs(step_run_id, created_at DESC);

	CREATE TABLE IF NOT EXISTS artifacts (
		id            TEXT PRIMARY KEY,
		tenant_id     TEXT NOT NULL,
		task_id       TEXT NOT NULL,
		step_run_id   TEXT NOT NULL,
		artifact_type TEXT NOT NULL,
		version       INTEGER NOT NULL,
		status        TEXT NOT NULL,
		data          TEXT NOT NULL,
		created_at    DATETIME NOT NULL,
		UNIQUE(task_id, artifact_type, version)
	);
	CREATE INDEX IF NOT EXISTS idx_artifacts_group ON artifacts(task_id, artifact_type, version DESC);

	CREATE TABLE IF NOT EXISTS retry_jobs (
		id           TEXT PRIMARY KEY,
		tenant_id    TEXT NOT NULL,
		step_run_id  TEXT NOT NULL,
		kind         TEXT NOT NULL,
		status       TEXT NOT NULL,
		scheduled_at DATETIME NOT NULL,
		data         TEXT NOT NULL,
		created_at   DATETIME NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_retry_due ON retry_jobs(status, scheduled_at);

	CREATE TABLE IF NOT EXISTS dead_letter_events (
		id              TEXT PRIMARY KEY,
		tenant_id       TEXT NOT NULL,
		pipeline_run_id TEXT NOT NULL,
		step_run_id     TEXT NOT NULL,
		resolved        INTEGER NOT NULL DEFAULT 0,
		data            TEXT NOT NULL,
		created_at      DATETIME NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_dead_letters_run ON dead_letter_events(pipeline_run_id);

	CREATE TABLE IF NOT EXISTS export_jobs (
		id         TEXT PRIMARY KEY,
		tenant_id  TEXT NOT NULL,
		task_id    TEXT NOT NULL,
		status     TEXT NOT NULL,
		data       TEXT NOT NULL,
		created_at DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS git_sync_jobs (
		id         TEXT PRIMARY KEY,
		tenant_id  TEXT NOT NULL,
		task_id    TEXT NOT NULL,
		status     TEXT NOT NULL,
		data       TEXT NOT NULL,
		created_at DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS api_keys (
		key_id      TEXT PRIMARY KEY,
		tenant_id   TEXT NOT NULL,
		user_id     TEXT NOT NULL,
		role        TEXT NOT NULL,
		secret_hash TEXT NOT NULL,
		created_at  DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS audit_events (
		id            TEXT PRIMARY KEY,
		event_type    TEXT NOT NULL,
		tenant_id     TEXT NOT NULL,
		resource_type TEXT NOT NULL,
		resource_id   TEXT NOT NULL,
		data          TEXT NOT NULL,
		created_at    DATETIME NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_audit_tenant ON audit_events(tenant_id, id);
	`

	_, err := d.db.Exec(schema)
	return err
}

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// UnitOfWork runs use-case callbacks inside one transaction.
type UnitOfWork struct {
	db *DB
}

// NewUnitOfWork creates a UnitOfWork over the database.
func NewUnitOfWork(db *DB) *UnitOfWork {
	return &UnitOfWork{db: db}
}

// Do begins a transaction, hands fn a Repos bag bound to it, and commits
// on a nil return. Any error rolls back; leaving fn without a nil return
// never commits.
func (u *UnitOfWork) Do(ctx context.Context, fn func(ctx context.Context, r domain.Repos) error) error {
	tx, err := u.db.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}

	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()

	repos := newRepos(tx)
	if err := fn(ctx, repos); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	committed = true
	return nil
}

var _ domain.UnitOfWork = (*UnitOfWork)(nil)

func newRepos(q querier) domain.Repos {
	return domain.Repos{
		Projects:    &projectRepo{q},
		Tasks:       &taskRepo{q},
		Pipelines:   &pipelineRepo{q},
		AgentRuns:   &agentRunRepo{q},
		Artifacts:   &artifactRepo{q},
		RetryJobs:   &retryJobRepo{q},
		DeadLetters: &deadLetterRepo{q},
		Jobs:        &jobRepo{q},
	}
}
