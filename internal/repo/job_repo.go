package repo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shaiso/Jobhost/internal/domain"
)

const jobColumns = `
	id, task_id, queue, host_id, host_group, owner, account_id, status, priority, parameters,
	progress, progress_message, error_message, requested_at, started_at, ended_at
`

// JobRepo — Job Store поверх PostgreSQL.
type JobRepo struct {
	pool *pgxpool.Pool
}

// NewJobRepo создаёт новый JobRepo.
func NewJobRepo(pool *pgxpool.Pool) *JobRepo {
	return &JobRepo{pool: pool}
}

// JobFilter — фильтр для List.
type JobFilter struct {
	Queue  string
	Status domain.JobStatus
	Limit  int
	Offset int
}

// PendingCursor — позиция в очереди PENDING jobs. ListPending с курсором
// отдаёт jobs строго после неё в порядке (requested_at, -priority, id).
type PendingCursor struct {
	RequestedAt time.Time
	Priority    int
	ID          uuid.UUID
}

// CursorAt возвращает курсор, указывающий на job.
func CursorAt(job *domain.Job) *PendingCursor {
	return &PendingCursor{RequestedAt: job.RequestedAt, Priority: job.Priority, ID: job.ID}
}

// Create сохраняет новый job.
func (r *JobRepo) Create(ctx context.Context, job *domain.Job) error {
	paramsJSON, err := json.Marshal(job.Parameters)
	if err != nil {
		return fmt.Errorf("marshal parameters: %w", err)
	}

	query := `
		INSERT INTO jobs (id, task_id, queue, host_group, account_id, status, priority,
		                  parameters, progress, requested_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`
	_, err = r.pool.Exec(ctx, query,
		job.ID,
		job.TaskID,
		job.Queue,
		nullString(job.HostGroup),
		nullString(job.AccountID),
		job.Status,
		job.Priority,
		paramsJSON,
		job.Progress,
		job.RequestedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: job %s", ErrAlreadyExists, job.ID)
		}
		return fmt.Errorf("insert job: %w", err)
	}
	return nil
}

// Get возвращает job по ID.
func (r *JobRepo) Get(ctx context.Context, id uuid.UUID) (*domain.Job, error) {
	query := `SELECT ` + jobColumns + ` FROM jobs WHERE id = $1`
	return scanJob(r.pool.QueryRow(ctx, query, id))
}

// ListPending возвращает PENDING jobs очереди в порядке постановки (FIFO).
// after == nil — с начала очереди.
func (r *JobRepo) ListPending(ctx context.Context, queue string, after *PendingCursor, limit int) ([]domain.Job, error) {
	var (
		afterAt  *time.Time
		afterPri int
		afterID  uuid.UUID
	)
	if after != nil {
		afterAt, afterPri, afterID = &after.RequestedAt, after.Priority, after.ID
	}

	query := `SELECT ` + jobColumns + `
		FROM jobs
		WHERE queue = $1 AND status = 'PENDING'
		  AND ($2::timestamptz IS NULL
		       OR requested_at > $2
		       OR (requested_at = $2 AND (priority < $3 OR (priority = $3 AND id > $4))))
		ORDER BY requested_at ASC, priority DESC, id ASC
		LIMIT $5
	`
	return r.queryJobs(ctx, "list pending jobs", query, queue, afterAt, afterPri, afterID, limit)
}

// ListActive возвращает jobs очереди в статусах STARTING/IN_PROGRESS/CANCELLING.
func (r *JobRepo) ListActive(ctx context.Context, queue string) ([]domain.Job, error) {
	query := `SELECT ` + jobColumns + `
		FROM jobs
		WHERE queue = $1 AND status IN ('STARTING', 'IN_PROGRESS', 'CANCELLING')
		ORDER BY requested_at ASC
	`
	return r.queryJobs(ctx, "list active jobs", query, queue)
}

// ListActiveOlderThan возвращает активные jobs, назначенные раньше чем age назад.
func (r *JobRepo) ListActiveOlderThan(ctx context.Context, queue string, age time.Duration) ([]domain.Job, error) {
	query := `SELECT ` + jobColumns + `
		FROM jobs
		WHERE queue = $1
		  AND status IN ('STARTING', 'IN_PROGRESS', 'CANCELLING')
		  AND COALESCE(started_at, requested_at) < $2
		ORDER BY requested_at ASC
	`
	return r.queryJobs(ctx, "list overdue jobs", query, queue, time.Now().UTC().Add(-age))
}

// List возвращает jobs с фильтрацией (новые первыми).
func (r *JobRepo) List(ctx context.Context, filter JobFilter) ([]domain.Job, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	query := `SELECT ` + jobColumns + `
		FROM jobs
		WHERE ($1::text IS NULL OR queue = $1)
		  AND ($2::text IS NULL OR status = $2)
		ORDER BY requested_at DESC
		LIMIT $3 OFFSET $4
	`
	return r.queryJobs(ctx, "list jobs", query,
		nullString(filter.Queue),
		nullString(string(filter.Status)),
		limit,
		filter.Offset,
	)
}

// Update обновляет изменяемые поля job.
//
// Jobs в финальных статусах не обновляются: возвращается ErrInvalidState.
func (r *JobRepo) Update(ctx context.Context, job *domain.Job) error {
	return r.update(ctx, job, `status NOT IN ('COMPLETED', 'ERROR', 'CANCELLED')`)
}

// UpdatePending обновляет job, только если в хранилище он ещё PENDING.
// Так воркер забирает job: из конкурирующих процессов запись проходит
// у одного, остальные получают ErrInvalidState.
func (r *JobRepo) UpdatePending(ctx context.Context, job *domain.Job) error {
	return r.update(ctx, job, `status = 'PENDING'`)
}

// CancelPending переводит job в CANCELLED, только если он ещё PENDING.
// Иначе возвращает ErrInvalidState: job уже взят воркером.
func (r *JobRepo) CancelPending(ctx context.Context, id uuid.UUID, message string) error {
	query := `
		UPDATE jobs
		SET status = 'CANCELLED', error_message = $2, ended_at = $3
		WHERE id = $1 AND status = 'PENDING'
	`
	result, err := r.pool.Exec(ctx, query, id, nullString(message), time.Now().UTC())
	if err != nil {
		return fmt.Errorf("cancel pending job: %w", err)
	}
	if result.RowsAffected() > 0 {
		return nil
	}
	return r.stateError(ctx, id)
}

// DeleteOlderThan удаляет jobs очереди старше age.
// terminalOnly=true — только jobs в финальных статусах.
func (r *JobRepo) DeleteOlderThan(ctx context.Context, queue string, age time.Duration, terminalOnly bool) (int64, error) {
	query := `
		DELETE FROM jobs
		WHERE queue = $1
		  AND COALESCE(ended_at, requested_at) < $2
		  AND (NOT $3::boolean OR status IN ('COMPLETED', 'ERROR', 'CANCELLED'))
	`
	result, err := r.pool.Exec(ctx, query, queue, time.Now().UTC().Add(-age), terminalOnly)
	if err != nil {
		return 0, fmt.Errorf("delete old jobs: %w", err)
	}
	return result.RowsAffected(), nil
}

// --- Helpers ---

// update записывает изменяемые поля, если строка удовлетворяет guard.
func (r *JobRepo) update(ctx context.Context, job *domain.Job, guard string) error {
	query := `
		UPDATE jobs
		SET host_id = $2, status = $3, progress = $4, progress_message = $5,
		    error_message = $6, started_at = $7, ended_at = $8, owner = $9
		WHERE id = $1 AND ` + guard
	result, err := r.pool.Exec(ctx, query,
		job.ID,
		nullString(job.HostID),
		job.Status,
		job.Progress,
		nullString(job.ProgressMessage),
		nullString(job.ErrorMessage),
		job.StartedAt,
		job.EndedAt,
		nullString(job.Owner),
	)
	if err != nil {
		return fmt.Errorf("update job: %w", err)
	}
	if result.RowsAffected() > 0 {
		return nil
	}
	return r.stateError(ctx, job.ID)
}

// stateError объясняет, почему условное обновление не затронуло строку:
// ErrNotFound или ErrInvalidState с текущим статусом.
func (r *JobRepo) stateError(ctx context.Context, id uuid.UUID) error {
	var status domain.JobStatus
	err := r.pool.QueryRow(ctx, `SELECT status FROM jobs WHERE id = $1`, id).Scan(&status)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("check job status: %w", err)
	}
	return fmt.Errorf("%w: job %s is %s", ErrInvalidState, id, status)
}

func (r *JobRepo) queryJobs(ctx context.Context, op, query string, args ...any) ([]domain.Job, error) {
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	defer rows.Close()

	var jobs []domain.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, *job)
	}
	return jobs, rows.Err()
}

// scanJob сканирует job из pgx.Row (pgx.Rows тоже реализует Scan).
func scanJob(row pgx.Row) (*domain.Job, error) {
	var job domain.Job
	var paramsJSON []byte
	var hostID, hostGroup, owner, accountID, progressMsg, errMsg *string

	err := row.Scan(
		&job.ID,
		&job.TaskID,
		&job.Queue,
		&hostID,
		&hostGroup,
		&owner,
		&accountID,
		&job.Status,
		&job.Priority,
		&paramsJSON,
		&job.Progress,
		&progressMsg,
		&errMsg,
		&job.RequestedAt,
		&job.StartedAt,
		&job.EndedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan job: %w", err)
	}

	if paramsJSON != nil {
		if err := json.Unmarshal(paramsJSON, &job.Parameters); err != nil {
			return nil, fmt.Errorf("unmarshal parameters: %w", err)
		}
	}
	job.HostID = deref(hostID)
	job.HostGroup = deref(hostGroup)
	job.Owner = deref(owner)
	job.AccountID = deref(accountID)
	job.ProgressMessage = deref(progressMsg)
	job.ErrorMessage = deref(errMsg)

	return &job, nil
}
