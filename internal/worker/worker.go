package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/shaiso/Jobhost/internal/balancer"
	"github.com/shaiso/Jobhost/internal/domain"
	"github.com/shaiso/Jobhost/internal/events"
	"github.com/shaiso/Jobhost/internal/executor"
	"github.com/shaiso/Jobhost/internal/repo"
	"github.com/shaiso/Jobhost/internal/retry"
	"github.com/shaiso/Jobhost/internal/telemetry"
)

// Значения по умолчанию.
const (
	defaultJobTimeout   = 24 * time.Hour
	defaultStartTimeout = 2 * time.Minute
	defaultCancelGrace  = 30 * time.Second
	defaultStoreTimeout = 10 * time.Second
	defaultBatchSize    = 50
)

// Сообщения финальных статусов.
const (
	interruptedMessage = "Interrupted"
	restartMessage     = "interrupted by restart"
)

// JobStore — хранилище jobs, которое нужно воркеру.
//
// UpdatePending обязан быть условным: запись проходит, только пока job
// в хранилище PENDING, иначе repo.ErrInvalidState.
type JobStore interface {
	ListPending(ctx context.Context, queue string, after *repo.PendingCursor, limit int) ([]domain.Job, error)
	Get(ctx context.Context, id uuid.UUID) (*domain.Job, error)
	Update(ctx context.Context, job *domain.Job) error
	UpdatePending(ctx context.Context, job *domain.Job) error
	ListActive(ctx context.Context, queue string) ([]domain.Job, error)
	ListActiveOlderThan(ctx context.Context, queue string, age time.Duration) ([]domain.Job, error)
	DeleteOlderThan(ctx context.Context, queue string, age time.Duration, terminalOnly bool) (int64, error)
}

// TaskDirectory — источник определений task.
type TaskDirectory interface {
	Get(ctx context.Context, id string) (*domain.TaskDefinition, error)
}

// HostBalancer выбирает host и освобождает его. Реализуется balancer.Balancer.
type HostBalancer interface {
	Acquire(ctx context.Context, job *domain.Job, task *domain.TaskDefinition) (*domain.Host, error)
	Release(ctx context.Context, jobID uuid.UUID, hostID string) (bool, error)
}

// Config — конфигурация Worker.
type Config struct {
	// ID — идентификатор воркера (для логов и событий).
	ID string

	// Queue — очередь jobs, которой владеет воркер. По умолчанию равна ID.
	Queue string

	// Instance — постоянный идентификатор процесса. Записывается в Owner
	// взятых jobs; Clean и Sweep не трогают jobs других экземпляров.
	Instance string

	Jobs     JobStore
	Tasks    TaskDirectory
	Balancer HostBalancer
	Executor executor.Executor

	// JobTimeout — максимальная длительность выполнения, если у task
	// свой таймаут не задан (default: 24h).
	JobTimeout time.Duration

	// StartTimeout — сколько job может ждать старта (default: 2m).
	StartTimeout time.Duration

	// MaxAge — срок хранения финальных jobs. 0 — не удалять.
	MaxAge time.Duration

	// CancelGrace — сколько ждать подтверждения отмены (default: 30s).
	CancelGrace time.Duration

	// StoreTimeout — таймаут одного обращения к хранилищу (default: 10s).
	StoreTimeout time.Duration

	// BatchSize — размер страницы PENDING jobs при Poll (default: 50).
	BatchSize int

	// Retry — политика повторов обращений к хранилищу.
	Retry retry.Policy

	// Verbose — подробные логи решений.
	Verbose bool

	// OnEvent получает события жизненного цикла. Может быть nil.
	OnEvent events.Handler

	Logger *slog.Logger
}

// Worker — Job Worker одной очереди.
//
// Poll, Sweep и Clean вызываются оркестратором из одной горутины.
// Методы Reporter и Cancel могут вызываться конкурентно с ними.
type Worker struct {
	id       string
	queue    string
	instance string
	jobs     JobStore
	tasks    TaskDirectory
	balancer HostBalancer
	executor executor.Executor

	jobTimeout   time.Duration
	startTimeout time.Duration
	maxAge       time.Duration
	cancelGrace  time.Duration
	storeTimeout time.Duration
	batchSize    int
	retry        retry.Policy
	verbose      bool
	onEvent      events.Handler

	logger *slog.Logger
	now    func() time.Time

	mu       sync.Mutex
	inflight map[uuid.UUID]*execution
}

// execution — запись о job, который воркер ведёт прямо сейчас.
//
// Путь, первым выставивший finishing, владеет финальным переходом
// и освобождением host'а. Запись удаляется из inflight только после
// сохранения финального статуса.
type execution struct {
	// mu сериализует изменения job и их запись в хранилище.
	mu           sync.Mutex
	job          *domain.Job
	task         *domain.TaskDefinition
	handle       executor.Handle
	assignedAt   time.Time
	runningSince time.Time
	cancelling   bool
	grace        *time.Timer

	// finishing защищён Worker.mu.
	finishing bool
}

// RunningJob — снимок job в работе.
type RunningJob struct {
	JobID      uuid.UUID
	TaskID     string
	HostID     string
	Status     domain.JobStatus
	AssignedAt time.Time
}

// New создаёт Worker.
//
// Если executor реализует executor.Binder, воркер привязывается
// к нему как Reporter своей очереди.
func New(cfg Config) (*Worker, error) {
	var missing []error
	if cfg.ID == "" {
		missing = append(missing, fmt.Errorf("%w: id", ErrMissingDependency))
	}
	if cfg.Jobs == nil {
		missing = append(missing, fmt.Errorf("%w: job store", ErrMissingDependency))
	}
	if cfg.Tasks == nil {
		missing = append(missing, fmt.Errorf("%w: task directory", ErrMissingDependency))
	}
	if cfg.Balancer == nil {
		missing = append(missing, fmt.Errorf("%w: balancer", ErrMissingDependency))
	}
	if cfg.Executor == nil {
		missing = append(missing, fmt.Errorf("%w: executor", ErrMissingDependency))
	}
	if err := errors.Join(missing...); err != nil {
		return nil, err
	}

	queue := cfg.Queue
	if queue == "" {
		queue = cfg.ID
	}

	jobTimeout := cfg.JobTimeout
	if jobTimeout <= 0 {
		jobTimeout = defaultJobTimeout
	}

	startTimeout := cfg.StartTimeout
	if startTimeout <= 0 {
		startTimeout = defaultStartTimeout
	}

	cancelGrace := cfg.CancelGrace
	if cancelGrace <= 0 {
		cancelGrace = defaultCancelGrace
	}

	storeTimeout := cfg.StoreTimeout
	if storeTimeout <= 0 {
		storeTimeout = defaultStoreTimeout
	}

	batchSize := cfg.BatchSize
	if batchSize <= 0 {
		batchSize = defaultBatchSize
	}

	policy := cfg.Retry
	if policy.MaxAttempts <= 0 {
		policy = retry.DefaultPolicy()
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	w := &Worker{
		id:           cfg.ID,
		queue:        queue,
		instance:     cfg.Instance,
		jobs:         cfg.Jobs,
		tasks:        cfg.Tasks,
		balancer:     cfg.Balancer,
		executor:     cfg.Executor,
		jobTimeout:   jobTimeout,
		startTimeout: startTimeout,
		maxAge:       cfg.MaxAge,
		cancelGrace:  cancelGrace,
		storeTimeout: storeTimeout,
		batchSize:    batchSize,
		retry:        policy,
		verbose:      cfg.Verbose,
		onEvent:      cfg.OnEvent,
		logger:       telemetry.WithWorkerID(logger.With("component", "worker"), cfg.ID).With("queue", queue),
		now:          time.Now,
		inflight:     make(map[uuid.UUID]*execution),
	}

	if w.verbose {
		w.logger.Info("Verbose logging is enabled.")
	}
	if b, ok := cfg.Executor.(executor.Binder); ok {
		b.Bind(queue, w)
	}
	return w, nil
}

// ID возвращает идентификатор воркера.
func (w *Worker) ID() string { return w.id }

// Queue возвращает очередь воркера.
func (w *Worker) Queue() string { return w.queue }

// CleaningEnabled сообщает, удаляет ли воркер старые финальные jobs.
func (w *Worker) CleaningEnabled() bool { return w.maxAge > 0 }

// Poll — один проход execution tick.
//
// Проверяет таймауты jobs в работе, затем назначает PENDING jobs
// очереди в порядке постановки. Job без свободного host'а остаётся
// PENDING и не мешает следующим: очередь читается страницами, пока
// хоть у одного host'а есть свободный слот.
func (w *Worker) Poll(ctx context.Context) error {
	w.enforceTimeouts(ctx)

	pass := newPollPass()
	var after *repo.PendingCursor
	for {
		var page []domain.Job
		err := w.withStore(ctx, "list pending jobs", func(ctx context.Context) error {
			var err error
			page, err = w.jobs.ListPending(ctx, w.queue, after, w.batchSize)
			return err
		})
		if err != nil {
			return err
		}

		for i := range page {
			if err := ctx.Err(); err != nil {
				return err
			}
			pass.seen++
			w.dispatch(ctx, &page[i], pass)
		}

		if len(page) < w.batchSize || pass.saturated {
			break
		}
		after = repo.CursorAt(&page[len(page)-1])
	}

	if pass.seen > 0 {
		w.logger.Debug("poll finished", "pending", pass.seen, "assigned", pass.assigned, "saturated", pass.saturated)
	}
	return nil
}

// pollPass — состояние одного Poll.
type pollPass struct {
	tasks map[string]*domain.TaskDefinition
	// full — группы hosts, в которых на этом проходе не нашлось слота.
	full map[string]bool
	// saturated — свободных слотов нет ни в одной группе.
	saturated bool

	seen     int
	assigned int
}

func newPollPass() *pollPass {
	return &pollPass{
		tasks: make(map[string]*domain.TaskDefinition),
		full:  make(map[string]bool),
	}
}

// Sweep — один проход cleaning tick.
//
// Проверяет таймауты, разбирает зависшие активные jobs, которых нет
// среди выполняемых, и удаляет финальные jobs старше MaxAge.
func (w *Worker) Sweep(ctx context.Context) error {
	w.enforceTimeouts(ctx)

	var errs []error

	var stuck []domain.Job
	err := w.withStore(ctx, "list overdue jobs", func(ctx context.Context) error {
		var err error
		stuck, err = w.jobs.ListActiveOlderThan(ctx, w.queue, w.startTimeout)
		return err
	})
	if err != nil {
		errs = append(errs, err)
	} else {
		w.reconcile(ctx, stuck)
	}

	if w.maxAge > 0 {
		var deleted int64
		err := w.withStore(ctx, "purge old jobs", func(ctx context.Context) error {
			var err error
			deleted, err = w.jobs.DeleteOlderThan(ctx, w.queue, w.maxAge, true)
			return err
		})
		if err != nil {
			errs = append(errs, err)
		} else if deleted > 0 {
			w.logger.Info("purged finished jobs", "count", deleted, "max_age", w.maxAge)
		}
	}

	return errors.Join(errs...)
}

// Clean разбирает активные jobs очереди, оставшиеся от прошлого
// экземпляра. Jobs, живость которых executor подтверждает, берутся
// в работу; остальные переводятся в ERROR "interrupted by restart".
//
// Повторный вызов без новых событий ничего не меняет.
func (w *Worker) Clean(ctx context.Context) error {
	var active []domain.Job
	err := w.withStore(ctx, "list active jobs", func(ctx context.Context) error {
		var err error
		active, err = w.jobs.ListActive(ctx, w.queue)
		return err
	})
	if err != nil {
		return err
	}

	w.reconcile(ctx, active)
	return nil
}

// Running возвращает снимок jobs в работе, отсортированный по времени назначения.
func (w *Worker) Running() []RunningJob {
	execs := w.executions()

	out := make([]RunningJob, 0, len(execs))
	for _, exec := range execs {
		exec.mu.Lock()
		if !exec.job.Status.IsTerminal() {
			out = append(out, RunningJob{
				JobID:      exec.job.ID,
				TaskID:     exec.job.TaskID,
				HostID:     exec.job.HostID,
				Status:     exec.job.Status,
				AssignedAt: exec.assignedAt,
			})
		}
		exec.mu.Unlock()
	}

	sort.Slice(out, func(i, k int) bool { return out[i].AssignedAt.Before(out[k].AssignedAt) })
	return out
}

// Close останавливает таймеры ожидания отмены. Jobs в CANCELLING
// разберёт Clean следующего запуска.
func (w *Worker) Close() {
	for _, exec := range w.executions() {
		exec.mu.Lock()
		if exec.grace != nil {
			exec.grace.Stop()
		}
		exec.mu.Unlock()
	}
}

// dispatch пытается запустить один PENDING job.
func (w *Worker) dispatch(ctx context.Context, job *domain.Job, pass *pollPass) {
	logger := w.jobLogger(job.ID, "").With("task_id", job.TaskID)

	if w.lookup(job.ID) != nil {
		return
	}

	if job.Age(w.now()) > w.startTimeout {
		w.failPending(ctx, job, fmt.Sprintf("not started within %s", w.startTimeout))
		return
	}

	task, ok := pass.tasks[job.TaskID]
	if !ok {
		err := w.withStore(ctx, "get task", func(ctx context.Context) error {
			var err error
			task, err = w.tasks.Get(ctx, job.TaskID)
			return err
		})
		if errors.Is(err, repo.ErrNotFound) {
			w.failPending(ctx, job, fmt.Sprintf("unknown task %q", job.TaskID))
			return
		}
		if err != nil {
			logger.Error("failed to resolve task, job skipped", "error", err)
			return
		}
		pass.tasks[job.TaskID] = task
	}

	params, err := task.ValidateParameters(job.Parameters)
	if err != nil {
		w.failPending(ctx, job, err.Error())
		return
	}
	job.Parameters = params

	group := job.EffectiveHostGroup(task)
	if pass.full[group] {
		return
	}

	host, err := w.balancer.Acquire(ctx, job, task)
	if errors.Is(err, balancer.ErrNoHostAvailable) {
		pass.full[group] = true
		if group == "" {
			pass.saturated = true
		}
		if w.verbose {
			logger.Info("no host available, job stays pending", "group", group)
		}
		return
	}
	if err != nil {
		logger.Error("failed to acquire host, job skipped", "error", err)
		return
	}
	logger = telemetry.WithHostID(logger, host.ID)

	job.Owner = w.instance
	if err := job.MarkStarting(host.ID); err != nil {
		logger.Error("failed to mark job starting", "error", err)
		w.release(ctx, job.ID, host.ID)
		return
	}

	// Запись регистрируется до Start: отчёт о старте может прийти раньше, чем Start вернётся
	exec := &execution{
		job:        job.Clone(),
		task:       task,
		handle:     executor.HandleFor(job),
		assignedAt: w.now(),
	}

	exec.mu.Lock()
	w.track(exec)
	err = w.withStore(ctx, "claim job", func(ctx context.Context) error {
		return w.jobs.UpdatePending(ctx, exec.job)
	})
	if err != nil {
		// Запись не наша: Cancel и отчёты её больше не трогают
		w.claim(exec)
	}
	exec.mu.Unlock()
	if err != nil {
		w.untrack(job.ID)
		w.release(ctx, job.ID, host.ID)
		if errors.Is(err, repo.ErrInvalidState) || errors.Is(err, repo.ErrNotFound) {
			logger.Info("job taken by another worker, host released", "reason", err)
			return
		}
		// В хранилище job остался PENDING: вернём его на следующем проходе
		logger.Error("failed to persist job start, job skipped", "error", err)
		return
	}

	pass.assigned++
	w.emit(events.ForJob(events.Executing, job, ""))
	logger.Info("job assigned", "runner", task.Runner)

	handle, err := w.executor.Start(ctx, job.Clone(), task, host)
	if err != nil {
		logger.Error("executor failed to start job", "error", err)
		if w.claim(exec) {
			w.finish(ctx, exec, domain.JobStatusError, fmt.Sprintf("start failed: %v", err), events.Executed)
		}
		return
	}

	exec.mu.Lock()
	exec.handle = handle
	exec.mu.Unlock()
}

// failPending переводит job, так и не назначенный на host, в ERROR.
// Job, который тем временем взял другой процесс, не трогается.
func (w *Worker) failPending(ctx context.Context, job *domain.Job, message string) {
	logger := w.jobLogger(job.ID, "").With("task_id", job.TaskID)

	if err := job.MarkError(message); err != nil {
		logger.Error("failed to mark job error", "error", err)
		return
	}
	err := w.withStore(ctx, "update pending job", func(ctx context.Context) error {
		return w.jobs.UpdatePending(ctx, job)
	})
	if errors.Is(err, repo.ErrInvalidState) {
		logger.Debug("job left pending state concurrently", "reason", err)
		return
	}
	if err != nil {
		logger.Error("failed to persist job error", "status", job.Status, "message", message, "error", err)
		return
	}

	logger.Warn("job failed before start", "message", message)
	w.emit(events.ForJob(events.Executed, job, message))
}

// enforceTimeouts проверяет таймауты старта и выполнения jobs в работе.
func (w *Worker) enforceTimeouts(ctx context.Context) {
	now := w.now()

	for _, exec := range w.executions() {
		exec.mu.Lock()
		status := exec.job.Status
		cancelling := exec.cancelling
		assignedAt := exec.assignedAt
		runningSince := exec.runningSince
		handle := exec.handle
		timeout := exec.task.EffectiveTimeout(w.jobTimeout)
		exec.mu.Unlock()

		if cancelling {
			continue
		}

		switch {
		case status == domain.JobStatusStarting && now.Sub(assignedAt) > w.startTimeout:
			if !w.claim(exec) {
				continue
			}
			// Host мог так и не получить задание: отмена best-effort
			if err := w.executor.Cancel(ctx, handle); err != nil && w.verbose {
				w.logger.Debug("cancel of unstarted job failed", "job_id", handle.JobID, "error", err)
			}
			w.finish(ctx, exec, domain.JobStatusError, fmt.Sprintf("not started within %s", w.startTimeout), events.Executed)

		case status == domain.JobStatusInProgress && now.Sub(runningSince) > timeout:
			reason := fmt.Sprintf("timed out after %s", timeout)
			if err := w.beginCancel(ctx, exec, reason); err != nil {
				w.logger.Error("failed to cancel timed out job", "job_id", handle.JobID, "error", err)
			}
		}
	}
}

// reconcile разбирает активные jobs, которых нет среди выполняемых.
func (w *Worker) reconcile(ctx context.Context, jobs []domain.Job) {
	for i := range jobs {
		job := &jobs[i]
		if w.lookup(job.ID) != nil {
			continue
		}
		logger := w.jobLogger(job.ID, job.HostID).With("status", job.Status)

		// Job ведёт другой экземпляр оркестратора
		if job.Owner != "" && job.Owner != w.instance {
			if w.verbose {
				logger.Info("job owned by another instance, skipped", "owner", job.Owner)
			}
			continue
		}

		alive, err := w.executor.IsAlive(ctx, job)
		if err != nil {
			logger.Warn("failed to check execution liveness, job skipped", "error", err)
			continue
		}
		if alive {
			w.adopt(ctx, job)
			logger.Info("adopted live execution")
			continue
		}

		hostID := job.HostID
		if err := job.MarkError(restartMessage); err != nil {
			logger.Error("failed to mark orphaned job", "error", err)
			continue
		}
		if err := w.persist(ctx, job); err != nil {
			if !errors.Is(err, repo.ErrInvalidState) {
				logger.Error("failed to persist orphaned job", "status", job.Status, "error", err)
			}
			continue
		}
		if hostID != "" {
			w.release(ctx, job.ID, hostID)
		}

		logger.Warn("orphaned job interrupted")
		w.emit(events.ForJob(events.Interrupted, job, restartMessage))
	}
}

// adopt берёт в работу job, живое выполнение которого подтвердил executor.
func (w *Worker) adopt(ctx context.Context, job *domain.Job) {
	since := job.RequestedAt
	if job.StartedAt != nil {
		since = *job.StartedAt
	}

	var task *domain.TaskDefinition
	err := w.withStore(ctx, "get task", func(ctx context.Context) error {
		var err error
		task, err = w.tasks.Get(ctx, job.TaskID)
		return err
	})
	if err != nil {
		// Без task работает таймаут воркера
		w.logger.Warn("task of adopted job not resolved", "job_id", job.ID, "task_id", job.TaskID, "error", err)
		task = nil
	}

	exec := &execution{
		job:          job.Clone(),
		task:         task,
		handle:       executor.HandleFor(job),
		assignedAt:   since,
		runningSince: since,
	}
	w.track(exec)

	// Отмена была запрошена прошлым экземпляром: ждём подтверждения заново
	if job.Status == domain.JobStatusCancelling {
		exec.mu.Lock()
		exec.cancelling = true
		w.armGrace(exec)
		exec.mu.Unlock()
	}
}

// withStore выполняет обращение к хранилищу с таймаутом и повторами.
// ErrNotFound и ErrInvalidState не повторяются.
func (w *Worker) withStore(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	err := retry.Do(ctx, w.retry, func(ctx context.Context) error {
		ctx, cancel := context.WithTimeout(ctx, w.storeTimeout)
		defer cancel()

		err := fn(ctx)
		if errors.Is(err, repo.ErrNotFound) || errors.Is(err, repo.ErrInvalidState) {
			return retry.Permanent(err)
		}
		return err
	})
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

// persist сохраняет job.
func (w *Worker) persist(ctx context.Context, job *domain.Job) error {
	return w.withStore(ctx, "update job", func(ctx context.Context) error {
		return w.jobs.Update(ctx, job)
	})
}

// release освобождает host. Ошибка только логируется.
func (w *Worker) release(ctx context.Context, jobID uuid.UUID, hostID string) {
	var released bool
	err := w.withStore(ctx, "release host", func(ctx context.Context) error {
		var err error
		released, err = w.balancer.Release(ctx, jobID, hostID)
		return err
	})
	if err != nil {
		w.logger.Error("failed to release host", "job_id", jobID, "host_id", hostID, "error", err)
		return
	}
	if w.verbose {
		w.logger.Info("host released", "job_id", jobID, "host_id", hostID, "released", released)
	}
}

// jobLogger — логгер воркера с job_id и, если назначен, host_id.
func (w *Worker) jobLogger(jobID uuid.UUID, hostID string) *slog.Logger {
	logger := telemetry.WithJobID(w.logger, jobID.String())
	if hostID != "" {
		logger = telemetry.WithHostID(logger, hostID)
	}
	return logger
}

func (w *Worker) emit(e events.Event) {
	if w.onEvent != nil {
		w.onEvent(e)
	}
}

// --- in-flight ---

func (w *Worker) track(exec *execution) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.inflight[exec.job.ID] = exec
}

func (w *Worker) untrack(jobID uuid.UUID) {
	w.mu.Lock()
	defer w.mu.Unlock()
	delete(w.inflight, jobID)
}

func (w *Worker) lookup(jobID uuid.UUID) *execution {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.inflight[jobID]
}

// claim закрепляет финальный переход за вызывающим. true — только один раз.
func (w *Worker) claim(exec *execution) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if exec.finishing {
		return false
	}
	exec.finishing = true
	return true
}

func (w *Worker) isFinishing(exec *execution) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return exec.finishing
}

func (w *Worker) executions() []*execution {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]*execution, 0, len(w.inflight))
	for _, exec := range w.inflight {
		out = append(out, exec)
	}
	return out
}
