// Package pgstore implements the storage contract on PostgreSQL via pgx.
// It backs the "postgres" storage variant for deployments that want shared
// or externally-managed state.
package pgstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	apperr "taskd/internal/errors"
	"taskd/internal/logging"
	"taskd/internal/storage"
	"taskd/internal/task"
)

const (
	taskTable = "taskd_tasks"
	execTable = "taskd_executions"
)

var _ storage.Store = (*Store)(nil)

// Store is a Postgres-backed implementation of the storage contract.
type Store struct {
	pool   *pgxpool.Pool
	logger logging.Logger
}

// New wraps an existing connection pool.
func New(pool *pgxpool.Pool) *Store {
	return &Store{
		pool:   pool,
		logger: logging.NewComponentLogger("PgStore"),
	}
}

// Open connects to url, verifies the connection, and ensures the schema.
func Open(ctx context.Context, url string) (*Store, error) {
	pool, err := pgxpool.New(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	s := New(pool)
	if err := s.EnsureSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

// EnsureSchema creates the tables and indexes if they do not exist.
func (s *Store) EnsureSchema(ctx context.Context) error {
	if s == nil || s.pool == nil {
		return fmt.Errorf("store not initialized")
	}

	query := fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %s (
    id TEXT PRIMARY KEY,
    name TEXT NOT NULL,
    type TEXT NOT NULL,
    enabled BOOLEAN NOT NULL,
    config JSONB NOT NULL DEFAULT '{}'::jsonb,
    trigger_spec JSONB NOT NULL DEFAULT '{}'::jsonb,
    options JSONB NOT NULL DEFAULT '{}'::jsonb,
    handlers JSONB NOT NULL DEFAULT '[]'::jsonb,
    run_count BIGINT NOT NULL DEFAULT 0,
    success_count BIGINT NOT NULL DEFAULT 0,
    failure_count BIGINT NOT NULL DEFAULT 0,
    created_at TIMESTAMPTZ NOT NULL,
    updated_at TIMESTAMPTZ NOT NULL
);
CREATE TABLE IF NOT EXISTS %s (
    id TEXT PRIMARY KEY,
    task_id TEXT NOT NULL REFERENCES %s(id) ON DELETE CASCADE,
    status TEXT NOT NULL,
    trigger_type TEXT NOT NULL,
    trigger_context JSONB,
    output TEXT NOT NULL DEFAULT '',
    thinking TEXT NOT NULL DEFAULT '',
    error TEXT NOT NULL DEFAULT '',
    exit_code INT,
    duration_ms BIGINT NOT NULL DEFAULT 0,
    tokens_used BIGINT NOT NULL DEFAULT 0,
    cost_usd DOUBLE PRECISION NOT NULL DEFAULT 0,
    tool_calls JSONB,
    started_at TIMESTAMPTZ,
    completed_at TIMESTAMPTZ,
    created_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_taskd_executions_task_created ON %s (task_id, created_at DESC);
CREATE INDEX IF NOT EXISTS idx_taskd_executions_status ON %s (status);
`, taskTable, execTable, taskTable, execTable, execTable)

	_, err := s.pool.Exec(ctx, query)
	return err
}

// Close releases the connection pool.
func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

// CreateTask inserts a new task row.
func (s *Store) CreateTask(ctx context.Context, t *task.Task) error {
	config, triggerSpec, options, handlers, err := marshalTaskFields(t)
	if err != nil {
		return err
	}

	query := fmt.Sprintf(`
INSERT INTO %s (id, name, type, enabled, config, trigger_spec, options, handlers,
                run_count, success_count, failure_count, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5::jsonb, $6::jsonb, $7::jsonb, $8::jsonb, $9, $10, $11, $12, $13)
`, taskTable)

	_, err = s.pool.Exec(ctx, query,
		t.ID, t.Name, string(t.Type), t.Enabled, config, triggerSpec, options, handlers,
		t.RunCount, t.SuccessCount, t.FailureCount, t.CreatedAt, t.UpdatedAt,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return apperr.ConflictError(fmt.Sprintf("task %s already exists", t.ID))
		}
		return fmt.Errorf("insert task: %w", err)
	}
	return nil
}

const taskColumns = `id, name, type, enabled, config, trigger_spec, options, handlers,
run_count, success_count, failure_count, created_at, updated_at`

// GetTask loads one task by ID.
func (s *Store) GetTask(ctx context.Context, id string) (*task.Task, error) {
	query := fmt.Sprintf(`SELECT %s FROM %s WHERE id = $1`, taskColumns, taskTable)
	t, err := scanTask(s.pool.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperr.NotFoundError(fmt.Sprintf("task %s", id))
		}
		return nil, err
	}
	return t, nil
}

// UpdateTask replaces the stored row and bumps updated_at.
func (s *Store) UpdateTask(ctx context.Context, t *task.Task) error {
	config, triggerSpec, options, handlers, err := marshalTaskFields(t)
	if err != nil {
		return err
	}
	t.UpdatedAt = time.Now().UTC()

	query := fmt.Sprintf(`
UPDATE %s
SET name = $2, type = $3, enabled = $4, config = $5::jsonb, trigger_spec = $6::jsonb,
    options = $7::jsonb, handlers = $8::jsonb, run_count = $9, success_count = $10,
    failure_count = $11, updated_at = $12
WHERE id = $1
`, taskTable)

	tag, err := s.pool.Exec(ctx, query,
		t.ID, t.Name, string(t.Type), t.Enabled, config, triggerSpec, options, handlers,
		t.RunCount, t.SuccessCount, t.FailureCount, t.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("update task: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return apperr.NotFoundError(fmt.Sprintf("task %s", t.ID))
	}
	return nil
}

// DeleteTask removes the row; executions cascade via the foreign key.
func (s *Store) DeleteTask(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, fmt.Sprintf(`DELETE FROM %s WHERE id = $1`, taskTable), id)
	if err != nil {
		return fmt.Errorf("delete task: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return apperr.NotFoundError(fmt.Sprintf("task %s", id))
	}
	return nil
}

// LoadTasks returns matching tasks ordered oldest first.
func (s *Store) LoadTasks(ctx context.Context, f storage.TaskFilter) ([]*task.Task, error) {
	var conditions []string
	var args []any
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	if f.Enabled != nil {
		conditions = append(conditions, "enabled = "+arg(*f.Enabled))
	}
	if f.Type != "" {
		conditions = append(conditions, "type = "+arg(string(f.Type)))
	}
	if f.TriggerType != "" {
		conditions = append(conditions, "trigger_spec->>'type' = "+arg(string(f.TriggerType)))
	}
	if f.TriggerEvent != "" {
		conditions = append(conditions, "trigger_spec->>'event' = "+arg(string(f.TriggerEvent)))
	}

	query := fmt.Sprintf(`SELECT %s FROM %s`, taskColumns, taskTable)
	if len(conditions) > 0 {
		query += " WHERE " + strings.Join(conditions, " AND ")
	}
	query += " ORDER BY created_at ASC"

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("load tasks: %w", err)
	}
	defer rows.Close()

	var tasks []*task.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return tasks, nil
}

// CreateExecution inserts a new execution row.
func (s *Store) CreateExecution(ctx context.Context, e *task.Execution) error {
	triggerCtx, toolCalls, err := marshalExecFields(e)
	if err != nil {
		return err
	}

	query := fmt.Sprintf(`
INSERT INTO %s (id, task_id, status, trigger_type, trigger_context, output, thinking,
                error, exit_code, duration_ms, tokens_used, cost_usd, tool_calls,
                started_at, completed_at, created_at)
VALUES ($1, $2, $3, $4, $5::jsonb, $6, $7, $8, $9, $10, $11, $12, $13::jsonb, $14, $15, $16)
`, execTable)

	_, err = s.pool.Exec(ctx, query,
		e.ID, e.TaskID, string(e.Status), string(e.TriggerType), triggerCtx,
		e.Output, e.Thinking, e.Error, e.ExitCode, e.DurationMS, e.TokensUsed,
		e.CostUSD, toolCalls, e.StartedAt, e.CompletedAt, e.CreatedAt,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return apperr.ConflictError(fmt.Sprintf("execution %s already exists", e.ID))
		}
		return fmt.Errorf("insert execution: %w", err)
	}
	return nil
}

const execColumns = `id, task_id, status, trigger_type, trigger_context, output, thinking,
error, exit_code, duration_ms, tokens_used, cost_usd, tool_calls, started_at, completed_at, created_at`

// GetExecution loads one execution by ID.
func (s *Store) GetExecution(ctx context.Context, id string) (*task.Execution, error) {
	query := fmt.Sprintf(`SELECT %s FROM %s WHERE id = $1`, execColumns, execTable)
	e, err := scanExecution(s.pool.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperr.NotFoundError(fmt.Sprintf("execution %s", id))
		}
		return nil, err
	}
	return e, nil
}

// UpdateExecution replaces the stored row.
func (s *Store) UpdateExecution(ctx context.Context, e *task.Execution) error {
	tag, err := s.execUpdate(ctx, s.pool, e)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return apperr.NotFoundError(fmt.Sprintf("execution %s", e.ID))
	}
	return nil
}

// FinalizeExecution writes the terminal row and the owning task's counters
// in one transaction.
func (s *Store) FinalizeExecution(ctx context.Context, e *task.Execution) error {
	if !e.Status.IsTerminal() {
		return apperr.ValidationError(fmt.Sprintf("finalize with non-terminal status %q", e.Status))
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin finalize: %w", err)
	}
	defer tx.Rollback(ctx)

	tag, err := s.execUpdate(ctx, tx, e)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return apperr.NotFoundError(fmt.Sprintf("execution %s", e.ID))
	}

	runs, successes, failures := storage.CountersFor(e.Status)
	if runs > 0 {
		query := fmt.Sprintf(`
UPDATE %s
SET run_count = run_count + $2, success_count = success_count + $3,
    failure_count = failure_count + $4, updated_at = $5
WHERE id = $1
`, taskTable)
		// Zero rows means the task was deleted mid-flight; keep the record.
		if _, err := tx.Exec(ctx, query, e.TaskID, runs, successes, failures, time.Now().UTC()); err != nil {
			return fmt.Errorf("update counters: %w", err)
		}
	}
	return tx.Commit(ctx)
}

type execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

func (s *Store) execUpdate(ctx context.Context, db execer, e *task.Execution) (pgconn.CommandTag, error) {
	triggerCtx, toolCalls, err := marshalExecFields(e)
	if err != nil {
		return pgconn.CommandTag{}, err
	}

	query := fmt.Sprintf(`
UPDATE %s
SET status = $2, trigger_type = $3, trigger_context = $4::jsonb, output = $5,
    thinking = $6, error = $7, exit_code = $8, duration_ms = $9, tokens_used = $10,
    cost_usd = $11, tool_calls = $12::jsonb, started_at = $13, completed_at = $14
WHERE id = $1
`, execTable)

	tag, err := db.Exec(ctx, query,
		e.ID, string(e.Status), string(e.TriggerType), triggerCtx, e.Output,
		e.Thinking, e.Error, e.ExitCode, e.DurationMS, e.TokensUsed, e.CostUSD,
		toolCalls, e.StartedAt, e.CompletedAt,
	)
	if err != nil {
		return pgconn.CommandTag{}, fmt.Errorf("update execution: %w", err)
	}
	return tag, nil
}

// LoadExecutions returns matching executions newest first.
func (s *Store) LoadExecutions(ctx context.Context, f storage.ExecutionFilter) ([]*task.Execution, error) {
	var conditions []string
	var args []any
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	if f.TaskID != "" {
		conditions = append(conditions, "task_id = "+arg(f.TaskID))
	}
	if f.Status != "" {
		conditions = append(conditions, "status = "+arg(string(f.Status)))
	}
	if f.StartDate != nil {
		conditions = append(conditions, "created_at >= "+arg(*f.StartDate))
	}
	if f.EndDate != nil {
		conditions = append(conditions, "created_at <= "+arg(*f.EndDate))
	}

	query := fmt.Sprintf(`SELECT %s FROM %s`, execColumns, execTable)
	if len(conditions) > 0 {
		query += " WHERE " + strings.Join(conditions, " AND ")
	}
	query += " ORDER BY created_at DESC"
	if f.Limit > 0 {
		query += " LIMIT " + arg(f.Limit)
	}
	if f.Offset > 0 {
		query += " OFFSET " + arg(f.Offset)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("load executions: %w", err)
	}
	defer rows.Close()

	var execs []*task.Execution
	for rows.Next() {
		e, err := scanExecution(rows)
		if err != nil {
			return nil, err
		}
		execs = append(execs, e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return execs, nil
}

// AppendOutput concatenates streamed output server-side.
func (s *Store) AppendOutput(ctx context.Context, id string, text string) error {
	return s.appendColumn(ctx, id, "output", text)
}

// AppendThinking concatenates streamed reasoning server-side.
func (s *Store) AppendThinking(ctx context.Context, id string, text string) error {
	return s.appendColumn(ctx, id, "thinking", text)
}

func (s *Store) appendColumn(ctx context.Context, id, column, text string) error {
	query := fmt.Sprintf(`UPDATE %s SET %s = %s || $2 WHERE id = $1`, execTable, column, column)
	tag, err := s.pool.Exec(ctx, query, id, text)
	if err != nil {
		return fmt.Errorf("append %s: %w", column, err)
	}
	if tag.RowsAffected() == 0 {
		return apperr.NotFoundError(fmt.Sprintf("execution %s", id))
	}
	return nil
}

// GetProgress returns the streamed output so far plus the current status.
func (s *Store) GetProgress(ctx context.Context, id string) (*storage.Progress, error) {
	query := fmt.Sprintf(`SELECT output, thinking, status FROM %s WHERE id = $1`, execTable)

	var p storage.Progress
	var status string
	err := s.pool.QueryRow(ctx, query, id).Scan(&p.Output, &p.Thinking, &status)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperr.NotFoundError(fmt.Sprintf("execution %s", id))
		}
		return nil, fmt.Errorf("get progress: %w", err)
	}
	p.Status = task.ExecutionStatus(status)
	return &p, nil
}

// GetTaskStats aggregates the task's terminal executions in one query.
func (s *Store) GetTaskStats(ctx context.Context, taskID string) (*storage.TaskStats, error) {
	var exists bool
	err := s.pool.QueryRow(ctx,
		fmt.Sprintf(`SELECT EXISTS (SELECT 1 FROM %s WHERE id = $1)`, taskTable), taskID,
	).Scan(&exists)
	if err != nil {
		return nil, fmt.Errorf("check task: %w", err)
	}
	if !exists {
		return nil, apperr.NotFoundError(fmt.Sprintf("task %s", taskID))
	}

	query := fmt.Sprintf(`
SELECT
    COUNT(*) FILTER (WHERE status IN ('success', 'failure', 'timeout', 'cancelled')),
    COUNT(*) FILTER (WHERE status = 'success'),
    COUNT(*) FILTER (WHERE status IN ('failure', 'timeout', 'cancelled')),
    COALESCE(AVG(duration_ms) FILTER (WHERE status IN ('success', 'failure', 'timeout', 'cancelled') AND duration_ms > 0), 0),
    COALESCE(SUM(cost_usd) FILTER (WHERE status IN ('success', 'failure', 'timeout', 'cancelled')), 0)
FROM %s
WHERE task_id = $1
`, execTable)

	stats := &storage.TaskStats{}
	err = s.pool.QueryRow(ctx, query, taskID).Scan(
		&stats.TotalRuns, &stats.SuccessfulRuns, &stats.FailedRuns,
		&stats.AverageDurationMS, &stats.TotalCostUSD,
	)
	if err != nil {
		return nil, fmt.Errorf("aggregate stats: %w", err)
	}
	return stats, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanTask(row scanner) (*task.Task, error) {
	var (
		t           task.Task
		taskType    string
		config      []byte
		triggerSpec []byte
		options     []byte
		handlers    []byte
	)
	err := row.Scan(
		&t.ID, &t.Name, &taskType, &t.Enabled, &config, &triggerSpec, &options,
		&handlers, &t.RunCount, &t.SuccessCount, &t.FailureCount, &t.CreatedAt, &t.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	t.Type = task.TaskType(taskType)

	if len(config) > 0 {
		if err := json.Unmarshal(config, &t.Config); err != nil {
			return nil, fmt.Errorf("decode config: %w", err)
		}
	}
	if len(triggerSpec) > 0 {
		if err := json.Unmarshal(triggerSpec, &t.Trigger); err != nil {
			return nil, fmt.Errorf("decode trigger: %w", err)
		}
	}
	if len(options) > 0 {
		if err := json.Unmarshal(options, &t.Options); err != nil {
			return nil, fmt.Errorf("decode options: %w", err)
		}
	}
	if len(handlers) > 0 {
		if err := json.Unmarshal(handlers, &t.Handlers); err != nil {
			return nil, fmt.Errorf("decode handlers: %w", err)
		}
	}
	return &t, nil
}

func scanExecution(row scanner) (*task.Execution, error) {
	var (
		e           task.Execution
		status      string
		triggerType string
		triggerCtx  []byte
		toolCalls   []byte
	)
	err := row.Scan(
		&e.ID, &e.TaskID, &status, &triggerType, &triggerCtx, &e.Output, &e.Thinking,
		&e.Error, &e.ExitCode, &e.DurationMS, &e.TokensUsed, &e.CostUSD, &toolCalls,
		&e.StartedAt, &e.CompletedAt, &e.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	e.Status = task.ExecutionStatus(status)
	e.TriggerType = task.TriggerType(triggerType)

	if len(triggerCtx) > 0 {
		if err := json.Unmarshal(triggerCtx, &e.TriggerContext); err != nil {
			return nil, fmt.Errorf("decode trigger context: %w", err)
		}
	}
	if len(toolCalls) > 0 {
		if err := json.Unmarshal(toolCalls, &e.ToolCalls); err != nil {
			return nil, fmt.Errorf("decode tool calls: %w", err)
		}
	}
	return &e, nil
}

func marshalTaskFields(t *task.Task) (config, triggerSpec, options, handlers []byte, err error) {
	if config, err = json.Marshal(t.Config); err != nil {
		return nil, nil, nil, nil, fmt.Errorf("encode config: %w", err)
	}
	if triggerSpec, err = json.Marshal(t.Trigger); err != nil {
		return nil, nil, nil, nil, fmt.Errorf("encode trigger: %w", err)
	}
	if options, err = json.Marshal(t.Options); err != nil {
		return nil, nil, nil, nil, fmt.Errorf("encode options: %w", err)
	}
	if t.Handlers == nil {
		handlers = []byte("[]")
	} else if handlers, err = json.Marshal(t.Handlers); err != nil {
		return nil, nil, nil, nil, fmt.Errorf("encode handlers: %w", err)
	}
	return config, triggerSpec, options, handlers, nil
}

func marshalExecFields(e *task.Execution) (triggerCtx, toolCalls any, err error) {
	if e.TriggerContext != nil {
		data, err := json.Marshal(e.TriggerContext)
		if err != nil {
			return nil, nil, fmt.Errorf("encode trigger context: %w", err)
		}
		triggerCtx = data
	}
	if e.ToolCalls != nil {
		data, err := json.Marshal(e.ToolCalls)
		if err != nil {
			return nil, nil, fmt.Errorf("encode tool calls: %w", err)
		}
		toolCalls = data
	}
	return triggerCtx, toolCalls, nil
}
