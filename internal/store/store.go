// Package store provides SQLite-backed persistence for environments and
// tasks so both survive orchestrator restarts.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/hyper-ai-inc/buildsession/internal/models"
	_ "modernc.org/sqlite"
)

// Store provides access to the orchestrator SQLite database.
type Store struct {
	db *sql.DB
}

// New opens (creating if needed) the database at dbPath and runs migrations.
func New(dbPath string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath+"?_journal_mode=WAL&_busy_timeout=5000&_synchronous=NORMAL")
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	// SQLite only supports one writer at a time.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping checks the database connection is alive.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS environments (
		project_id TEXT PRIMARY KEY,
		status TEXT NOT NULL DEFAULT 'stopped',
		stack_type TEXT,
		container_ref TEXT,
		port_map TEXT,
		last_error TEXT,
		updated_at DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS tasks (
		project_id TEXT PRIMARY KEY,
		run_id TEXT,
		goal TEXT NOT NULL DEFAULT '',
		yolo INTEGER NOT NULL DEFAULT 0,
		product_id TEXT,
		feature_id TEXT,
		status TEXT NOT NULL DEFAULT 'idle',
		plan TEXT NOT NULL DEFAULT '[]',
		logs TEXT NOT NULL DEFAULT '[]',
		completed_steps INTEGER NOT NULL DEFAULT 0,
		total_steps INTEGER NOT NULL DEFAULT 0,
		waiting_approval INTEGER NOT NULL DEFAULT 0,
		waiting_interaction INTEGER NOT NULL DEFAULT 0,
		current_step_id INTEGER,
		qa_verified INTEGER NOT NULL DEFAULT 0,
		message TEXT,
		updated_at DATETIME NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_environments_status ON environments(status);
	CREATE INDEX IF NOT EXISTS idx_tasks_status ON tasks(status);
	`
	_, err := s.db.Exec(schema)
	return err
}

// --- Environment Operations ---

// SaveEnvironment inserts or replaces the environment record.
func (s *Store) SaveEnvironment(ctx context.Context, env models.Environment) error {
	ports, err := json.Marshal(env.PortMap)
	if err != nil {
		return fmt.Errorf("encode port map: %w", err)
	}
	if env.UpdatedAt.IsZero() {
		env.UpdatedAt = time.Now().UTC()
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO environments (project_id, status, stack_type, container_ref, port_map, last_error, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(project_id) DO UPDATE SET
			status = excluded.status,
			stack_type = excluded.stack_type,
			container_ref = excluded.container_ref,
			port_map = excluded.port_map,
			last_error = excluded.last_error,
			updated_at = excluded.updated_at`,
		env.ProjectID, env.Status, env.StackType, env.ContainerRef, string(ports), env.LastError, env.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("save environment: %w", err)
	}
	return nil
}

// GetEnvironment returns the environment for projectID, or nil if none exists.
func (s *Store) GetEnvironment(ctx context.Context, projectID string) (*models.Environment, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT project_id, status, stack_type, container_ref, port_map, last_error, updated_at
		FROM environments WHERE project_id = ?`, projectID)
	env, err := scanEnvironment(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query environment: %w", err)
	}
	return env, nil
}

// ListEnvironments returns every persisted environment.
func (s *Store) ListEnvironments(ctx context.Context) ([]models.Environment, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT project_id, status, stack_type, container_ref, port_map, last_error, updated_at
		FROM environments ORDER BY project_id`)
	if err != nil {
		return nil, fmt.Errorf("query environments: %w", err)
	}
	defer rows.Close()

	var envs []models.Environment
	for rows.Next() {
		env, err := scanEnvironment(rows)
		if err != nil {
			return nil, fmt.Errorf("scan environment: %w", err)
		}
		envs = append(envs, *env)
	}
	return envs, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanEnvironment(row scanner) (*models.Environment, error) {
	var env models.Environment
	var stack, ref, ports, lastErr sql.NullString
	if err := row.Scan(&env.ProjectID, &env.Status, &stack, &ref, &ports, &lastErr, &env.UpdatedAt); err != nil {
		return nil, err
	}
	env.StackType = stack.String
	env.ContainerRef = ref.String
	env.LastError = lastErr.String
	if ports.Valid && ports.String != "" && ports.String != "null" {
		if err := json.Unmarshal([]byte(ports.String), &env.PortMap); err != nil {
			return nil, fmt.Errorf("decode port map: %w", err)
		}
	}
	return &env, nil
}

// --- Task Operations ---

// SaveTask inserts or replaces the task record for task.ProjectID.
func (s *Store) SaveTask(ctx context.Context, task *models.Task) error {
	plan, err := json.Marshal(nonNilPlan(task.Plan))
	if err != nil {
		return fmt.Errorf("encode plan: %w", err)
	}
	logs, err := json.Marshal(nonNilLogs(task.Logs))
	if err != nil {
		return fmt.Errorf("encode logs: %w", err)
	}
	var current sql.NullInt64
	if task.CurrentStepID != nil {
		current = sql.NullInt64{Int64: int64(*task.CurrentStepID), Valid: true}
	}
	updated := task.UpdatedAt
	if updated.IsZero() {
		updated = time.Now().UTC()
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO tasks (project_id, run_id, goal, yolo, product_id, feature_id, status, plan, logs,
			completed_steps, total_steps, waiting_approval, waiting_interaction, current_step_id,
			qa_verified, message, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(project_id) DO UPDATE SET
			run_id = excluded.run_id,
			goal = excluded.goal,
			yolo = excluded.yolo,
			product_id = excluded.product_id,
			feature_id = excluded.feature_id,
			status = excluded.status,
			plan = excluded.plan,
			logs = excluded.logs,
			completed_steps = excluded.completed_steps,
			total_steps = excluded.total_steps,
			waiting_approval = excluded.waiting_approval,
			waiting_interaction = excluded.waiting_interaction,
			current_step_id = excluded.current_step_id,
			qa_verified = excluded.qa_verified,
			message = excluded.message,
			updated_at = excluded.updated_at`,
		task.ProjectID, task.RunID, task.Goal, task.Yolo, task.ProductID, task.FeatureID, task.Status,
		string(plan), string(logs), task.CompletedSteps, task.TotalSteps, task.WaitingApproval,
		task.WaitingInteraction, current, task.QAVerified, task.Message, updated,
	)
	if err != nil {
		return fmt.Errorf("save task: %w", err)
	}
	return nil
}

// GetTask returns the task for projectID, or nil if none exists.
func (s *Store) GetTask(ctx context.Context, projectID string) (*models.Task, error) {
	row := s.db.QueryRowContext(ctx, selectTask+` WHERE project_id = ?`, projectID)
	task, err := scanTask(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query task: %w", err)
	}
	return task, nil
}

// ListTasks returns all tasks, optionally filtered by status.
func (s *Store) ListTasks(ctx context.Context, statuses ...models.TaskStatus) ([]*models.Task, error) {
	query := selectTask
	var args []any
	if len(statuses) > 0 {
		query += ` WHERE status IN (`
		for i, st := range statuses {
			if i > 0 {
				query += `, `
			}
			query += `?`
			args = append(args, st)
		}
		query += `)`
	}
	query += ` ORDER BY project_id`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query tasks: %w", err)
	}
	defer rows.Close()

	var tasks []*models.Task
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		tasks = append(tasks, task)
	}
	return tasks, rows.Err()
}

const selectTask = `SELECT project_id, run_id, goal, yolo, product_id, feature_id, status, plan, logs,
	completed_steps, total_steps, waiting_approval, waiting_interaction, current_step_id,
	qa_verified, message, updated_at FROM tasks`

func scanTask(row scanner) (*models.Task, error) {
	var t models.Task
	var runID, productID, featureID, message sql.NullString
	var plan, logs string
	var current sql.NullInt64
	err := row.Scan(&t.ProjectID, &runID, &t.Goal, &t.Yolo, &productID, &featureID, &t.Status,
		&plan, &logs, &t.CompletedSteps, &t.TotalSteps, &t.WaitingApproval, &t.WaitingInteraction,
		&current, &t.QAVerified, &message, &t.UpdatedAt)
	if err != nil {
		return nil, err
	}
	t.RunID = runID.String
	t.ProductID = productID.String
	t.FeatureID = featureID.String
	t.Message = message.String
	if current.Valid {
		id := int(current.Int64)
		t.CurrentStepID = &id
	}
	if err := json.Unmarshal([]byte(plan), &t.Plan); err != nil {
		return nil, fmt.Errorf("decode plan: %w", err)
	}
	if err := json.Unmarshal([]byte(logs), &t.Logs); err != nil {
		return nil, fmt.Errorf("decode logs: %w", err)
	}
	t.Plan = nonNilPlan(t.Plan)
	t.Logs = nonNilLogs(t.Logs)
	return &t, nil
}

func nonNilPlan(p []models.PlanStep) []models.PlanStep {
	if p == nil {
		return []models.PlanStep{}
	}
	return p
}

func nonNilLogs(l []models.LogEntry) []models.LogEntry {
	if l == nil {
		return []models.LogEntry{}
	}
	return l
}
