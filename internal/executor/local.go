package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shaiso/Jobhost/internal/domain"
	"github.com/shaiso/Jobhost/internal/telemetry"
)

// reportTimeout — таймаут одного вызова Reporter из горутины выполнения.
const reportTimeout = 30 * time.Second

// LocalConfig — конфигурация Local.
type LocalConfig struct {
	// Runners — реестр runner'ов. nil — NewRegistry().
	Runners *Registry

	Logger *slog.Logger
}

// Local выполняет workflows в текущем процессе, каждый в своей горутине.
//
// IsAlive подтверждает только выполнения, запущенные этим экземпляром,
// поэтому после рестарта все активные jobs считаются осиротевшими.
type Local struct {
	runners *Registry
	logger  *slog.Logger

	mu        sync.Mutex
	reporters map[string]Reporter
	runs      map[uuid.UUID]*localRun
	closed    bool
	wg        sync.WaitGroup
}

type localRun struct {
	handle    Handle
	cancel    context.CancelFunc
	cancelled bool
}

// NewLocal создаёт Local executor.
func NewLocal(cfg LocalConfig) *Local {
	runners := cfg.Runners
	if runners == nil {
		runners = NewRegistry()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Local{
		runners:   runners,
		logger:    logger.With("component", "local-executor"),
		reporters: make(map[string]Reporter),
		runs:      make(map[uuid.UUID]*localRun),
	}
}

// Bind привязывает Reporter очереди.
func (l *Local) Bind(queue string, r Reporter) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.reporters[queue] = r
}

// Start запускает runner task.Runner в отдельной горутине.
func (l *Local) Start(_ context.Context, job *domain.Job, task *domain.TaskDefinition, host *domain.Host) (Handle, error) {
	runner, err := l.runners.Get(task.Runner)
	if err != nil {
		return Handle{}, err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return Handle{}, ErrClosed
	}
	reporter, ok := l.reporters[job.Queue]
	if !ok {
		return Handle{}, fmt.Errorf("%w: %s", ErrNoReporter, job.Queue)
	}
	if _, running := l.runs[job.ID]; running {
		return Handle{}, fmt.Errorf("job %s is already running", job.ID)
	}

	// Выполнение живёт дольше запроса, который его запустил
	ctx, cancel := context.WithCancel(context.Background())
	handle := Handle{JobID: job.ID, Queue: job.Queue, HostID: host.ID}
	run := &localRun{handle: handle, cancel: cancel}
	l.runs[job.ID] = run

	r := &Run{Job: job.Clone(), Task: task, Host: host}
	r.progress = func(progress int, message string) {
		l.report(job.ID, func(ctx context.Context) error {
			return reporter.ReportProgress(ctx, job.ID, progress, message)
		})
	}

	l.wg.Add(1)
	go l.execute(ctx, run, runner, r, reporter)

	return handle, nil
}

func (l *Local) execute(ctx context.Context, run *localRun, runner Runner, r *Run, reporter Reporter) {
	defer l.wg.Done()
	jobID := run.handle.JobID
	logger := telemetry.WithHostID(telemetry.WithJobID(l.logger, jobID.String()), run.handle.HostID).
		With("runner", r.Task.Runner)
	ctx = telemetry.WithLogger(ctx, logger)

	l.report(jobID, func(ctx context.Context) error {
		return reporter.ReportStarted(ctx, jobID)
	})

	message, err := runner.Run(ctx, r)

	l.mu.Lock()
	delete(l.runs, jobID)
	cancelled, closed := run.cancelled, l.closed
	l.mu.Unlock()
	run.cancel()

	if closed {
		// Процесс останавливается: jobs подберёт Clean после рестарта
		logger.Info("execution abandoned on shutdown")
		return
	}

	status := domain.JobStatusCompleted
	switch {
	case cancelled && (err == nil || errors.Is(err, context.Canceled)):
		status, message = domain.JobStatusCancelled, "cancelled"
	case err != nil:
		status, message = domain.JobStatusError, err.Error()
	}

	logger.Debug("execution finished", "status", status)
	l.report(jobID, func(ctx context.Context) error {
		return reporter.ReportCompleted(ctx, jobID, status, message)
	})
}

func (l *Local) report(jobID uuid.UUID, fn func(ctx context.Context) error) {
	ctx, cancel := context.WithTimeout(context.Background(), reportTimeout)
	defer cancel()
	if err := fn(ctx); err != nil {
		l.logger.Warn("report failed", "job_id", jobID, "error", err)
	}
}

// Cancel отменяет context выполнения. Подтверждение придёт через
// ReportCompleted(JobStatusCancelled).
func (l *Local) Cancel(_ context.Context, h Handle) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	run, ok := l.runs[h.JobID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotRunning, h.JobID)
	}
	run.cancelled = true
	run.cancel()
	return nil
}

// IsAlive возвращает true, если job выполняется этим экземпляром.
func (l *Local) IsAlive(_ context.Context, job *domain.Job) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.runs[job.ID]
	return ok, nil
}

// Running возвращает число выполнений.
func (l *Local) Running() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.runs)
}

// Close прерывает все выполнения без отчётов и ждёт их горутины.
func (l *Local) Close() {
	l.mu.Lock()
	l.closed = true
	for _, run := range l.runs {
		run.cancel()
	}
	l.mu.Unlock()

	l.wg.Wait()
}
