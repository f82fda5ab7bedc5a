package repo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shaiso/Jobhost/internal/domain"
)

const taskColumns = `id, name, runner, timeout_ms, host_group, parameters, config`

// TaskRepo — Task Directory поверх PostgreSQL.
type TaskRepo struct {
	pool *pgxpool.Pool
}

// NewTaskRepo создаёт новый TaskRepo.
func NewTaskRepo(pool *pgxpool.Pool) *TaskRepo {
	return &TaskRepo{pool: pool}
}

// Upsert создаёт или заменяет определение task.
func (r *TaskRepo) Upsert(ctx context.Context, task *domain.TaskDefinition) error {
	paramsJSON, err := json.Marshal(task.Parameters)
	if err != nil {
		return fmt.Errorf("marshal parameters: %w", err)
	}
	configJSON, err := json.Marshal(task.Config)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	query := `
		INSERT INTO task_definitions (id, name, runner, timeout_ms, host_group, parameters, config)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (id) DO UPDATE
		SET name = EXCLUDED.name, runner = EXCLUDED.runner, timeout_ms = EXCLUDED.timeout_ms,
		    host_group = EXCLUDED.host_group, parameters = EXCLUDED.parameters,
		    config = EXCLUDED.config
	`
	_, err = r.pool.Exec(ctx, query,
		task.ID,
		task.Name,
		task.Runner,
		task.Timeout.Milliseconds(),
		nullString(task.HostGroup),
		paramsJSON,
		configJSON,
	)
	if err != nil {
		return fmt.Errorf("upsert task definition: %w", err)
	}
	return nil
}

// Get возвращает определение task по ID.
func (r *TaskRepo) Get(ctx context.Context, id string) (*domain.TaskDefinition, error) {
	query := `SELECT ` + taskColumns + ` FROM task_definitions WHERE id = $1`
	return scanTask(r.pool.QueryRow(ctx, query, id))
}

// List возвращает все определения task.
func (r *TaskRepo) List(ctx context.Context) ([]domain.TaskDefinition, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+taskColumns+` FROM task_definitions ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list task definitions: %w", err)
	}
	defer rows.Close()

	var tasks []domain.TaskDefinition
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, *task)
	}
	return tasks, rows.Err()
}

func scanTask(row pgx.Row) (*domain.TaskDefinition, error) {
	var task domain.TaskDefinition
	var timeoutMs int64
	var hostGroup *string
	var paramsJSON, configJSON []byte

	err := row.Scan(
		&task.ID,
		&task.Name,
		&task.Runner,
		&timeoutMs,
		&hostGroup,
		&paramsJSON,
		&configJSON,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan task definition: %w", err)
	}

	task.Timeout = time.Duration(timeoutMs) * time.Millisecond
	task.HostGroup = deref(hostGroup)
	if paramsJSON != nil {
		if err := json.Unmarshal(paramsJSON, &task.Parameters); err != nil {
			return nil, fmt.Errorf("unmarshal parameters: %w", err)
		}
	}
	if configJSON != nil {
		if err := json.Unmarshal(configJSON, &task.Config); err != nil {
			return nil, fmt.Errorf("unmarshal config: %w", err)
		}
	}
	return &task, nil
}
