// Package sqlite provides a SQLite backend implementation for single-node
// deployments.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/blockflow/blockflow/internal/daemon/backend"
	"github.com/blockflow/blockflow/pkg/errors"
	"github.com/blockflow/blockflow/pkg/workflow"
)

// Compile-time interface assertions.
var (
	_ backend.WorkflowStore = (*Backend)(nil)
	_ backend.RunStore      = (*Backend)(nil)
	_ backend.PausedStore   = (*Backend)(nil)
	_ backend.Backend       = (*Backend)(nil)
)

// Backend is a SQLite storage backend.
type Backend struct {
	db *sql.DB
}

// Config contains SQLite connection configuration.
type Config struct {
	// Path is the database file path.
	Path string

	// WAL enables Write-Ahead Logging mode for concurrent reads.
	WAL bool
}

// New creates a new SQLite backend.
func New(cfg Config) (*Backend, error) {
	db, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// SQLite serializes writes, so only 1 connection.
	db.SetMaxOpenConns(1)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	b := &Backend{db: db}

	if err := b.configurePragmas(ctx, cfg.WAL); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to configure pragmas: %w", err)
	}

	if err := b.migrate(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return b, nil
}

// configurePragmas sets SQLite configuration options.
func (b *Backend) configurePragmas(ctx context.Context, enableWAL bool) error {
	pragmas := []string{
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
		"PRAGMA auto_vacuum=INCREMENTAL",
		"PRAGMA synchronous=NORMAL",
	}
	if enableWAL {
		pragmas = append(pragmas, "PRAGMA journal_mode=WAL")
	}

	for _, pragma := range pragmas {
		if _, err := b.db.ExecContext(ctx, pragma); err != nil {
			return fmt.Errorf("failed to execute %s: %w", pragma, err)
		}
	}
	return nil
}

// migrate runs database migrations.
func (b *Backend) migrate(ctx context.Context) error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS workflows (
			id TEXT PRIMARY KEY,
			org_id TEXT NOT NULL,
			name TEXT NOT NULL,
			active_version INTEGER DEFAULT 0,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_workflows_org_id ON workflows(org_id)`,
		`CREATE TABLE IF NOT EXISTS versions (
			workflow_id TEXT NOT NULL,
			version INTEGER NOT NULL,
			status TEXT NOT NULL,
			trigger_type TEXT NOT NULL,
			trigger_config TEXT,
			blocks TEXT NOT NULL,
			created_at TEXT NOT NULL,
			PRIMARY KEY (workflow_id, version),
			FOREIGN KEY (workflow_id) REFERENCES workflows(id) ON DELETE CASCADE
		)`,
		`CREATE TABLE IF NOT EXISTS runs (
			id TEXT PRIMARY KEY,
			workflow_id TEXT NOT NULL,
			version INTEGER NOT NULL,
			org_id TEXT NOT NULL,
			status TEXT NOT NULL,
			trigger_type TEXT NOT NULL,
			trigger_source TEXT,
			error TEXT,
			created_at TEXT NOT NULL,
			started_at TEXT,
			completed_at TEXT,
			duration_ms INTEGER DEFAULT 0
		)`,
		`CREATE INDEX IF NOT EXISTS idx_runs_org_id ON runs(org_id)`,
		`CREATE INDEX IF NOT EXISTS idx_runs_workflow_id ON runs(workflow_id)`,
		`CREATE INDEX IF NOT EXISTS idx_runs_status ON runs(status)`,
		`CREATE INDEX IF NOT EXISTS idx_runs_created_at ON runs(created_at)`,
		`CREATE TABLE IF NOT EXISTS steps (
			id TEXT PRIMARY KEY,
			run_id TEXT NOT NULL,
			execution_order INTEGER NOT NULL,
			payload TEXT NOT NULL,
			FOREIGN KEY (run_id) REFERENCES runs(id) ON DELETE CASCADE
		)`,
		`CREATE INDEX IF NOT EXISTS idx_steps_run_id ON steps(run_id)`,
		`CREATE TABLE IF NOT EXISTS paused_states (
			run_id TEXT PRIMARY KEY,
			sealed BLOB NOT NULL,
			created_at TEXT NOT NULL,
			FOREIGN KEY (run_id) REFERENCES runs(id) ON DELETE CASCADE
		)`,
	}

	for _, migration := range migrations {
		if _, err := b.db.ExecContext(ctx, migration); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}
	return nil
}

// CreateWorkflow creates a new workflow.
func (b *Backend) CreateWorkflow(ctx context.Context, wf *workflow.Workflow) error {
	now := time.Now()
	_, err := b.db.ExecContext(ctx,
		`INSERT INTO workflows (id, org_id, name, active_version, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		wf.ID, wf.OrgID, wf.Name, wf.ActiveVersion,
		now.Format(time.RFC3339Nano), now.Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("failed to create workflow: %w", err)
	}
	wf.CreatedAt = now
	wf.UpdatedAt = now
	return nil
}

// GetWorkflow retrieves a workflow by ID.
func (b *Backend) GetWorkflow(ctx context.Context, id string) (*workflow.Workflow, error) {
	var wf workflow.Workflow
	var createdAt, updatedAt string

	err := b.db.QueryRowContext(ctx,
		`SELECT id, org_id, name, active_version, created_at, updated_at
		 FROM workflows WHERE id = ?`, id,
	).Scan(&wf.ID, &wf.OrgID, &wf.Name, &wf.ActiveVersion, &createdAt, &updatedAt)
	if err == sql.ErrNoRows {
		return nil, &errors.NotFoundError{Resource: "workflow", ID: id}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get workflow: %w", err)
	}

	wf.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	wf.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updatedAt)
	return &wf, nil
}

// UpdateWorkflow updates workflow metadata.
func (b *Backend) UpdateWorkflow(ctx context.Context, wf *workflow.Workflow) error {
	now := time.Now()
	result, err := b.db.ExecContext(ctx,
		`UPDATE workflows SET name = ?, active_version = ?, updated_at = ? WHERE id = ?`,
		wf.Name, wf.ActiveVersion, now.Format(time.RFC3339Nano), wf.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update workflow: %w", err)
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return &errors.NotFoundError{Resource: "workflow", ID: wf.ID}
	}
	wf.UpdatedAt = now
	return nil
}

// ListWorkflows lists an organization's workflows, newest first.
func (b *Backend) ListWorkflows(ctx context.Context, orgID string) ([]*workflow.Workflow, error) {
	query := `SELECT id, org_id, name, active_version, created_at, updated_at FROM workflows`
	args := []any{}
	if orgID != "" {
		query += ` WHERE org_id = ?`
		args = append(args, orgID)
	}
	query += ` ORDER BY created_at DESC`

	rows, err := b.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list workflows: %w", err)
	}
	defer rows.Close()

	var result []*workflow.Workflow
	for rows.Next() {
		var wf workflow.Workflow
		var createdAt, updatedAt string
		if err := rows.Scan(&wf.ID, &wf.OrgID, &wf.Name, &wf.ActiveVersion, &createdAt, &updatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan workflow: %w", err)
		}
		wf.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
		wf.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updatedAt)
		result = append(result, &wf)
	}
	return result, rows.Err()
}

// CreateVersion stores a version snapshot.
func (b *Backend) CreateVersion(ctx context.Context, v *workflow.Version) error {
	blocksJSON, err := json.Marshal(v.Blocks)
	if err != nil {
		return fmt.Errorf("failed to marshal blocks: %w", err)
	}
	var triggerConfigJSON []byte
	if v.TriggerConfig != nil {
		triggerConfigJSON, err = json.Marshal(v.TriggerConfig)
		if err != nil {
			return fmt.Errorf("failed to marshal trigger_config: %w", err)
		}
	}

	now := time.Now()
	_, err = b.db.ExecContext(ctx,
		`INSERT INTO versions (workflow_id, version, status, trigger_type, trigger_config, blocks, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		v.WorkflowID, v.Version, string(v.Status), string(v.TriggerType),
		nullBytes(triggerConfigJSON), string(blocksJSON), now.Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("failed to create version: %w", err)
	}
	v.CreatedAt = now
	return nil
}

// GetVersion retrieves a specific version of a workflow.
func (b *Backend) GetVersion(ctx context.Context, workflowID string, version int) (*workflow.Version, error) {
	var v workflow.Version
	var status, triggerType, createdAt string
	var triggerConfigJSON sql.NullString
	var blocksJSON string

	err := b.db.QueryRowContext(ctx,
		`SELECT workflow_id, version, status, trigger_type, trigger_config, blocks, created_at
		 FROM versions WHERE workflow_id = ? AND version = ?`,
		workflowID, version,
	).Scan(&v.WorkflowID, &v.Version, &status, &triggerType, &triggerConfigJSON, &blocksJSON, &createdAt)
	if err == sql.ErrNoRows {
		return nil, &errors.NotFoundError{Resource: "version", ID: fmt.Sprintf("%s/%d", workflowID, version)}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get version: %w", err)
	}

	v.Status = workflow.VersionStatus(status)
	v.TriggerType = workflow.TriggerType(triggerType)
	if triggerConfigJSON.Valid && triggerConfigJSON.String != "" {
		if err := json.Unmarshal([]byte(triggerConfigJSON.String), &v.TriggerConfig); err != nil {
			return nil, fmt.Errorf("failed to unmarshal trigger_config: %w", err)
		}
	}
	if err := json.Unmarshal([]byte(blocksJSON), &v.Blocks); err != nil {
		return nil, fmt.Errorf("failed to unmarshal blocks: %w", err)
	}
	v.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	return &v, nil
}

// CreateRun creates a new run.
func (b *Backend) CreateRun(ctx context.Context, run *workflow.Run) error {
	now := time.Now()
	_, err := b.db.ExecContext(ctx,
		`INSERT INTO runs (id, workflow_id, version, org_id, status, trigger_type, trigger_source,
			error, created_at, started_at, completed_at, duration_ms)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		run.ID, run.WorkflowID, run.Version, run.OrgID, string(run.Status),
		string(run.TriggerType), nullString(run.TriggerSource), nullString(run.Error),
		now.Format(time.RFC3339Nano), formatTime(run.StartedAt), formatTime(run.CompletedAt),
		run.DurationMs,
	)
	if err != nil {
		return fmt.Errorf("failed to create run: %w", err)
	}
	run.CreatedAt = now
	return nil
}

// GetRun retrieves a run by ID, without its step ledger.
func (b *Backend) GetRun(ctx context.Context, id string) (*workflow.Run, error) {
	row := b.db.QueryRowContext(ctx,
		`SELECT id, workflow_id, version, org_id, status, trigger_type, trigger_source,
			error, created_at, started_at, completed_at, duration_ms
		 FROM runs WHERE id = ?`, id)

	run, err := scanRun(row.Scan)
	if err == sql.ErrNoRows {
		return nil, &errors.NotFoundError{Resource: "run", ID: id}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get run: %w", err)
	}
	return run, nil
}

// UpdateRun updates an existing run.
func (b *Backend) UpdateRun(ctx context.Context, run *workflow.Run) error {
	result, err := b.db.ExecContext(ctx,
		`UPDATE runs SET status = ?, error = ?, started_at = ?, completed_at = ?, duration_ms = ?
		 WHERE id = ?`,
		string(run.Status), nullString(run.Error),
		formatTime(run.StartedAt), formatTime(run.CompletedAt), run.DurationMs,
		run.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update run: %w", err)
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return &errors.NotFoundError{Resource: "run", ID: run.ID}
	}
	return nil
}

// ListRuns lists runs with optional filtering, newest first.
func (b *Backend) ListRuns(ctx context.Context, filter backend.RunFilter) ([]*workflow.Run, error) {
	query := `SELECT id, workflow_id, version, org_id, status, trigger_type, trigger_source,
		error, created_at, started_at, completed_at, duration_ms
		FROM runs WHERE 1=1`
	args := []any{}

	if filter.OrgID != "" {
		query += ` AND org_id = ?`
		args = append(args, filter.OrgID)
	}
	if filter.WorkflowID != "" {
		query += ` AND workflow_id = ?`
		args = append(args, filter.WorkflowID)
	}
	if filter.Status != "" {
		query += ` AND status = ?`
		args = append(args, string(filter.Status))
	}

	query += ` ORDER BY created_at DESC`
	if filter.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, filter.Limit)
	}
	if filter.Offset > 0 {
		query += ` OFFSET ?`
		args = append(args, filter.Offset)
	}

	rows, err := b.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	defer rows.Close()

	var result []*workflow.Run
	for rows.Next() {
		run, err := scanRun(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		result = append(result, run)
	}
	return result, rows.Err()
}

// scanRun maps one runs row through the given scan function.
func scanRun(scan func(...any) error) (*workflow.Run, error) {
	var run workflow.Run
	var status, triggerType, createdAt string
	var triggerSource, errorStr, startedAt, completedAt sql.NullString

	err := scan(
		&run.ID, &run.WorkflowID, &run.Version, &run.OrgID, &status,
		&triggerType, &triggerSource, &errorStr,
		&createdAt, &startedAt, &completedAt, &run.DurationMs,
	)
	if err != nil {
		return nil, err
	}

	run.Status = workflow.RunStatus(status)
	run.TriggerType = workflow.TriggerType(triggerType)
	if triggerSource.Valid {
		run.TriggerSource = triggerSource.String
	}
	if errorStr.Valid {
		run.Error = errorStr.String
	}
	run.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	if startedAt.Valid {
		t, _ := time.Parse(time.RFC3339Nano, startedAt.String)
		run.StartedAt = &t
	}
	if completedAt.Valid {
		t, _ := time.Parse(time.RFC3339Nano, completedAt.String)
		run.CompletedAt = &t
	}
	return &run, nil
}

// SaveSteps replaces the step ledger of a run. Steps are stored as JSON
// payloads keyed by execution order; the ledger is written atomically.
func (b *Backend) SaveSteps(ctx context.Context, runID string, steps []*workflow.Step) error {
	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM steps WHERE run_id = ?`, runID); err != nil {
		return fmt.Errorf("failed to clear steps: %w", err)
	}

	for _, step := range steps {
		payload, err := json.Marshal(step)
		if err != nil {
			return fmt.Errorf("failed to marshal step: %w", err)
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO steps (id, run_id, execution_order, payload) VALUES (?, ?, ?, ?)`,
			step.ID, runID, step.ExecutionOrder, string(payload),
		); err != nil {
			return fmt.Errorf("failed to save step: %w", err)
		}
	}

	return tx.Commit()
}

// ListSteps retrieves a run's step ledger in execution order.
func (b *Backend) ListSteps(ctx context.Context, runID string) ([]*workflow.Step, error) {
	rows, err := b.db.QueryContext(ctx,
		`SELECT payload FROM steps WHERE run_id = ? ORDER BY execution_order ASC`, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to list steps: %w", err)
	}
	defer rows.Close()

	var steps []*workflow.Step
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("failed to scan step: %w", err)
		}
		var step workflow.Step
		if err := json.Unmarshal([]byte(payload), &step); err != nil {
			return nil, fmt.Errorf("failed to unmarshal step: %w", err)
		}
		steps = append(steps, &step)
	}
	return steps, rows.Err()
}

// SavePaused stores the sealed paused state for a run, replacing any
// previous state.
func (b *Backend) SavePaused(ctx context.Context, runID string, sealed []byte) error {
	_, err := b.db.ExecContext(ctx,
		`INSERT INTO paused_states (run_id, sealed, created_at) VALUES (?, ?, ?)
		 ON CONFLICT(run_id) DO UPDATE SET sealed = excluded.sealed, created_at = excluded.created_at`,
		runID, sealed, time.Now().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("failed to save paused state: %w", err)
	}
	return nil
}

// GetPaused retrieves the sealed paused state for a run.
func (b *Backend) GetPaused(ctx context.Context, runID string) ([]byte, error) {
	var sealed []byte
	err := b.db.QueryRowContext(ctx,
		`SELECT sealed FROM paused_states WHERE run_id = ?`, runID,
	).Scan(&sealed)
	if err == sql.ErrNoRows {
		return nil, &errors.NotFoundError{Resource: "paused state", ID: runID}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get paused state: %w", err)
	}
	return sealed, nil
}

// DeletePaused removes the paused state for a run.
func (b *Backend) DeletePaused(ctx context.Context, runID string) error {
	if _, err := b.db.ExecContext(ctx,
		`DELETE FROM paused_states WHERE run_id = ?`, runID); err != nil {
		return fmt.Errorf("failed to delete paused state: %w", err)
	}
	return nil
}

// Close closes the database connection.
func (b *Backend) Close() error {
	return b.db.Close()
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullBytes(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return string(b)
}

func formatTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.Format(time.RFC3339Nano)
}
