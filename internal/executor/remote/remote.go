// Package remote — Workflow Executor поверх RabbitMQ.
//
// Команды job.start и job.cancel публикуются в jobhost.hosts с routing
// key = host id; агент host'а выполняет workflow и шлёт отчёты в
// jobhost.status с routing key = очередь job. Executor потребляет
// очереди отчётов всех привязанных воркеров и передаёт их Reporter'ам.
//
// Живость выполнения определяется по последнему отчёту: job считается
// живым, если от host'а что-то приходило за последние HeartbeatTTL.
package remote

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
	"golang.org/x/sync/errgroup"

	"github.com/shaiso/Jobhost/internal/domain"
	"github.com/shaiso/Jobhost/internal/executor"
	"github.com/shaiso/Jobhost/internal/mq"
)

const defaultHeartbeatTTL = time.Minute

// ErrUnknownQueue — отчёт для очереди, к которой не привязан Reporter.
var ErrUnknownQueue = errors.New("status for unbound queue")

// Config — конфигурация Executor.
type Config struct {
	Conn      *mq.Connection
	Publisher *mq.Publisher

	// HeartbeatTTL — сколько отчёт host'а подтверждает живость job.
	HeartbeatTTL time.Duration

	Logger *slog.Logger
}

// Executor отправляет jobs агентам hosts через RabbitMQ.
type Executor struct {
	conn   *mq.Connection
	pub    *mq.Publisher
	ttl    time.Duration
	logger *slog.Logger
	now    func() time.Time

	mu        sync.Mutex
	reporters map[string]executor.Reporter
	lastSeen  map[uuid.UUID]time.Time
	hosts     map[string]bool
}

// New создаёт Executor.
func New(cfg Config) *Executor {
	ttl := cfg.HeartbeatTTL
	if ttl <= 0 {
		ttl = defaultHeartbeatTTL
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Executor{
		conn:      cfg.Conn,
		pub:       cfg.Publisher,
		ttl:       ttl,
		logger:    logger.With("component", "remote-executor"),
		now:       time.Now,
		reporters: make(map[string]executor.Reporter),
		lastSeen:  make(map[uuid.UUID]time.Time),
		hosts:     make(map[string]bool),
	}
}

// Bind привязывает Reporter очереди.
func (e *Executor) Bind(queue string, r executor.Reporter) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.reporters[queue] = r
}

// Start публикует job.start на host.
func (e *Executor) Start(ctx context.Context, job *domain.Job, task *domain.TaskDefinition, host *domain.Host) (executor.Handle, error) {
	if err := e.ensureHostQueue(ctx, host.ID); err != nil {
		return executor.Handle{}, err
	}

	payload := mq.JobStartPayload{
		JobID:      job.ID,
		Queue:      job.Queue,
		TaskID:     job.TaskID,
		Runner:     task.Runner,
		HostID:     host.ID,
		Parameters: job.Parameters,
		Config:     task.Config,
		TimeoutSec: int(task.Timeout.Seconds()),
	}
	if err := e.pub.PublishJobStart(ctx, payload); err != nil {
		return executor.Handle{}, fmt.Errorf("start job %s on %s: %w", job.ID, host.ID, err)
	}

	e.touch(job.ID)
	return executor.Handle{JobID: job.ID, Queue: job.Queue, HostID: host.ID}, nil
}

// Cancel публикует job.cancel на host. Без соединения возвращает ошибку.
func (e *Executor) Cancel(ctx context.Context, h executor.Handle) error {
	if h.HostID == "" {
		return fmt.Errorf("%w: %s has no host", executor.ErrNotRunning, h.JobID)
	}
	err := e.pub.PublishJobCancel(ctx, mq.JobCancelPayload{JobID: h.JobID, Queue: h.Queue, HostID: h.HostID})
	if err != nil {
		return fmt.Errorf("cancel job %s on %s: %w", h.JobID, h.HostID, err)
	}
	return nil
}

// IsAlive возвращает true, если отчёт о job приходил за последние HeartbeatTTL.
func (e *Executor) IsAlive(_ context.Context, job *domain.Job) (bool, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	seen, ok := e.lastSeen[job.ID]
	if !ok {
		return false, nil
	}
	if e.now().Sub(seen) > e.ttl {
		delete(e.lastSeen, job.ID)
		return false, nil
	}
	return true, nil
}

// Run потребляет очереди отчётов всех привязанных очередей.
// Блокируется до отмены ctx.
func (e *Executor) Run(ctx context.Context) error {
	e.mu.Lock()
	queues := make([]string, 0, len(e.reporters))
	for q := range e.reporters {
		queues = append(queues, q)
	}
	e.mu.Unlock()

	g, ctx := errgroup.WithContext(ctx)
	for _, queue := range queues {
		consumer := mq.NewConsumer(e.conn, e.logger, mq.ConsumerConfig{
			Declare: func(ch *amqp.Channel) (string, error) {
				return mq.DeclareStatusQueue(ch, queue)
			},
			Handler:  e.handleDelivery,
			Prefetch: 16,
		})
		g.Go(func() error {
			return consumer.Start(ctx)
		})
	}

	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (e *Executor) handleDelivery(ctx context.Context, d *mq.Delivery) error {
	return e.HandleStatus(ctx, &d.Message)
}

// HandleStatus обрабатывает один отчёт host'а.
func (e *Executor) HandleStatus(ctx context.Context, msg *mq.Message) error {
	payload, err := mq.ParsePayload[mq.JobStatusPayload](msg)
	if err != nil {
		return err
	}

	e.mu.Lock()
	reporter, ok := e.reporters[payload.Queue]
	e.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownQueue, payload.Queue)
	}

	logger := e.logger.With("job_id", payload.JobID, "host_id", payload.HostID, "type", msg.Type)

	switch msg.Type {
	case mq.MessageTypeJobHeartbeat:
		e.touch(payload.JobID)
		return nil

	case mq.MessageTypeJobStarted:
		e.touch(payload.JobID)
		return reporter.ReportStarted(ctx, payload.JobID)

	case mq.MessageTypeJobProgress:
		e.touch(payload.JobID)
		return reporter.ReportProgress(ctx, payload.JobID, payload.Progress, payload.Message)

	case mq.MessageTypeJobCompleted:
		status, ok := domain.ParseJobStatus(payload.Status)
		if !ok || !status.IsTerminal() {
			logger.Warn("completion with non-terminal status", "status", payload.Status)
			status = domain.JobStatusError
		}
		e.forget(payload.JobID)
		return reporter.ReportCompleted(ctx, payload.JobID, status, payload.Message)

	default:
		logger.Warn("unknown status message")
		return nil
	}
}

func (e *Executor) touch(jobID uuid.UUID) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.lastSeen[jobID] = e.now()
}

func (e *Executor) forget(jobID uuid.UUID) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.lastSeen, jobID)
}

func (e *Executor) ensureHostQueue(ctx context.Context, hostID string) error {
	e.mu.Lock()
	declared := e.hosts[hostID]
	e.mu.Unlock()
	if declared {
		return nil
	}

	err := e.conn.WithChannel(ctx, func(ch *amqp.Channel) error {
		_, err := mq.DeclareHostQueue(ch, hostID)
		return err
	})
	if err != nil {
		return err
	}

	e.mu.Lock()
	e.hosts[hostID] = true
	e.mu.Unlock()
	return nil
}
