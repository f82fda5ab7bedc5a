package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/shaiso/Jobhost/internal/domain"
	"github.com/shaiso/Jobhost/internal/repo"
)

var (
	// ErrJobFinished — job уже в финальном статусе.
	ErrJobFinished = errors.New("job already finished")

	// ErrBrokerRequired — операция требует RabbitMQ (отмена выполняющегося job).
	ErrBrokerRequired = errors.New("rabbitmq connection required")
)

// defaultCancelReason — причина отмены, если оператор её не указал.
const defaultCancelReason = "cancelled by operator"

// JobStore — операции CLI над jobs. Реализуется repo.JobRepo и repo.MemoryJobStore.
type JobStore interface {
	Create(ctx context.Context, job *domain.Job) error
	Get(ctx context.Context, id uuid.UUID) (*domain.Job, error)
	List(ctx context.Context, filter repo.JobFilter) ([]domain.Job, error)
	CancelPending(ctx context.Context, id uuid.UUID, message string) error
}

// HostStore — операции CLI над hosts.
type HostStore interface {
	Upsert(ctx context.Context, host *domain.Host) error
	Get(ctx context.Context, id string) (*domain.Host, error)
	List(ctx context.Context) ([]domain.Host, error)
	SetAvailable(ctx context.Context, id string, available bool) error
}

// TaskStore — операции CLI над tasks.
type TaskStore interface {
	Upsert(ctx context.Context, task *domain.TaskDefinition) error
	Get(ctx context.Context, id string) (*domain.TaskDefinition, error)
	List(ctx context.Context) ([]domain.TaskDefinition, error)
}

// Notifier отправляет управляющие сообщения оркестраторам. Реализуется mq.Publisher.
type Notifier interface {
	PublishCancelRequest(ctx context.Context, jobID uuid.UUID, reason string) error
	PublishJobsSubmitted(ctx context.Context, queue string) error
}

// Client — операции CLI поверх хранилища и (опционально) брокера.
type Client struct {
	Jobs  JobStore
	Hosts HostStore
	Tasks TaskStore

	// Notifier — nil, если брокер не настроен. Тогда новые jobs
	// подхватываются следующим execution tick.
	Notifier Notifier

	Logger *slog.Logger
}

// SubmitRequest — постановка job.
type SubmitRequest struct {
	TaskID     string
	Queue      string
	AccountID  string
	HostGroup  string
	Priority   int
	Parameters map[string]any
}

// SubmitJob проверяет параметры по схеме task и ставит job в очередь.
func (c *Client) SubmitJob(ctx context.Context, req SubmitRequest) (*domain.Job, error) {
	task, err := c.Tasks.Get(ctx, req.TaskID)
	if err != nil {
		return nil, fmt.Errorf("get task %q: %w", req.TaskID, err)
	}
	params, err := task.ValidateParameters(req.Parameters)
	if err != nil {
		return nil, err
	}

	job := domain.NewJob(task.ID, req.Queue, req.AccountID, params)
	job.HostGroup = req.HostGroup
	job.Priority = req.Priority
	if err := c.Jobs.Create(ctx, job); err != nil {
		return nil, fmt.Errorf("create job: %w", err)
	}

	if c.Notifier != nil {
		// Job уже сохранён: без уведомления его подхватит следующий tick
		if err := c.Notifier.PublishJobsSubmitted(ctx, job.Queue); err != nil {
			c.logger().Warn("failed to notify orchestrators", "job_id", job.ID, "error", err)
		}
	}
	return job, nil
}

// CancelJob отменяет job.
//
// PENDING job отменяется прямо в хранилище. Выполняющийся job
// отменяет оркестратор-владелец по управляющему сообщению, поэтому
// без брокера возвращается ErrBrokerRequired.
func (c *Client) CancelJob(ctx context.Context, id uuid.UUID, reason string) (*domain.Job, error) {
	if reason == "" {
		reason = defaultCancelReason
	}

	job, err := c.Jobs.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if job.IsFinished() {
		return job, fmt.Errorf("%w: %s is %s", ErrJobFinished, id, job.Status)
	}

	if job.Status == domain.JobStatusPending {
		err := c.Jobs.CancelPending(ctx, id, reason)
		switch {
		case err == nil:
			return c.Jobs.Get(ctx, id)
		case !errors.Is(err, repo.ErrInvalidState):
			return nil, err
		}
		// Воркер успел взять job — отменяем через оркестратор
	}

	if c.Notifier == nil {
		return job, ErrBrokerRequired
	}
	if err := c.Notifier.PublishCancelRequest(ctx, id, reason); err != nil {
		return nil, fmt.Errorf("publish cancel request: %w", err)
	}
	return c.Jobs.Get(ctx, id)
}

func (c *Client) logger() *slog.Logger {
	if c.Logger == nil {
		return slog.Default()
	}
	return c.Logger
}
