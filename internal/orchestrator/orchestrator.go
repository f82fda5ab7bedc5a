package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/shaiso/Jobhost/internal/events"
	"github.com/shaiso/Jobhost/internal/mq"
	"github.com/shaiso/Jobhost/internal/scheduler"
	"github.com/shaiso/Jobhost/internal/worker"
)

// JobWorker — воркер, которым управляет оркестратор. Реализуется worker.Worker.
type JobWorker interface {
	ID() string
	Queue() string
	Poll(ctx context.Context) error
	Sweep(ctx context.Context) error
	Clean(ctx context.Context) error
	Cancel(ctx context.Context, jobID uuid.UUID, reason string) error
	Running() []worker.RunningJob
	CleaningEnabled() bool
	Close()
}

// TelemetrySink принимает скалярную телеметрию. Реализуется
// telemetry.PrometheusSink.
type TelemetrySink interface {
	// PublishRunning — число jobs в работе у воркера по hosts.
	PublishRunning(workerID string, byHost map[string]int)

	// ObserveEvent учитывает событие жизненного цикла.
	ObserveEvent(e events.Event)

	// PublishDropped — сколько событий шина отбросила для медленных подписчиков.
	PublishDropped(n int64)
}

// Config — конфигурация Orchestrator.
type Config struct {
	// Workers — воркеры, по одному на очередь.
	Workers []JobWorker

	// ExecutionSchedule — расписание execution tick (Poll).
	ExecutionSchedule scheduler.Schedule

	// CleaningSchedule — расписание cleaning tick (Sweep).
	CleaningSchedule scheduler.Schedule

	// Events — шина, в которую воркеры публикуют события через Relay.
	// nil — создаётся новая.
	Events *events.Bus

	// Telemetry — опциональный приёмник телеметрии. nil — не публикуется.
	Telemetry TelemetrySink

	// Control — соединение для управляющих сообщений (job.cancel,
	// jobs.submitted). nil — только polling.
	Control *mq.Connection

	Logger *slog.Logger
}

// Orchestrator — Job Orchestrator.
//
// Один контроллер владеет обоими расписаниями и раздаёт tick'и
// горутинам воркеров через каналы с буфером в один tick. Занятый
// воркер получает отложенный tick после текущего прохода, а не
// второй проход параллельно.
type Orchestrator struct {
	workers   []*runner
	byID      map[string]*runner
	execution scheduler.Schedule
	cleaning  scheduler.Schedule
	bus       *events.Bus
	telemetry TelemetrySink
	control   *mq.Connection

	// Lifecycle
	logger      *slog.Logger
	cancelFunc  context.CancelFunc
	unsubscribe func()
	eventsDone  chan struct{}
	wg          sync.WaitGroup
	started     bool
	stopped     bool
	stateMu     sync.Mutex
}

// runner — горутина одного воркера и её входные каналы.
type runner struct {
	worker JobWorker
	poll   chan struct{}
	sweep  chan struct{}
}

// New создаёт Orchestrator. Ошибки конфигурации фатальны для
// процесса и возвращаются сразу.
func New(cfg Config) (*Orchestrator, error) {
	if len(cfg.Workers) == 0 {
		return nil, ErrNoWorkers
	}
	if cfg.ExecutionSchedule == nil {
		return nil, fmt.Errorf("%w: execution schedule is required", ErrInvalidSchedule)
	}
	if cfg.CleaningSchedule == nil {
		return nil, fmt.Errorf("%w: cleaning schedule is required", ErrInvalidSchedule)
	}

	byID := make(map[string]*runner, len(cfg.Workers))
	queues := make(map[string]string, len(cfg.Workers))
	workers := make([]*runner, 0, len(cfg.Workers))
	for _, w := range cfg.Workers {
		if w == nil {
			return nil, fmt.Errorf("%w: nil worker", ErrNoWorkers)
		}
		if _, dup := byID[w.ID()]; dup {
			return nil, fmt.Errorf("%w: id %q", ErrDuplicateWorker, w.ID())
		}
		if owner, dup := queues[w.Queue()]; dup {
			return nil, fmt.Errorf("%w: queue %q owned by %q and %q", ErrDuplicateWorker, w.Queue(), owner, w.ID())
		}
		queues[w.Queue()] = w.ID()

		r := &runner{
			worker: w,
			poll:   make(chan struct{}, 1),
			sweep:  make(chan struct{}, 1),
		}
		byID[w.ID()] = r
		workers = append(workers, r)
	}

	bus := cfg.Events
	if bus == nil {
		bus = events.NewBus()
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Orchestrator{
		workers:   workers,
		byID:      byID,
		execution: cfg.ExecutionSchedule,
		cleaning:  cfg.CleaningSchedule,
		bus:       bus,
		telemetry: cfg.Telemetry,
		control:   cfg.Control,
		logger:    logger.With("component", "orchestrator"),
	}, nil
}

// Start запускает Orchestrator.
//
// Сначала каждый воркер выполняет Clean, затем запускаются:
//   - Горутина логирования событий (и телеметрии событий)
//   - Горутина на каждый воркер
//   - Контроллер расписаний
//   - Consumer управляющих сообщений (если задан Control)
//
// Первый Poll выполняется сразу, не дожидаясь tick'а.
func (o *Orchestrator) Start(ctx context.Context) error {
	o.stateMu.Lock()
	if o.started {
		o.stateMu.Unlock()
		return ErrAlreadyStarted
	}
	o.started = true
	o.stateMu.Unlock()

	o.logger.Info("starting orchestrator", "workers", o.WorkerIDs())
	o.logSettings()

	// Подписываемся до Clean: его события тоже попадают в лог
	evts, unsubscribe := o.bus.Subscribe()
	o.eventsDone = make(chan struct{})
	go func() {
		defer close(o.eventsDone)
		o.logEvents(evts)
	}()

	g, gctx := errgroup.WithContext(ctx)
	for _, r := range o.workers {
		w := r.worker
		g.Go(func() error {
			if err := w.Clean(gctx); err != nil {
				return fmt.Errorf("clean worker %s: %w", w.ID(), err)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		unsubscribe()
		return err
	}
	o.unsubscribe = unsubscribe

	ctx, cancel := context.WithCancel(ctx)
	o.cancelFunc = cancel

	// Проход, начатый до Stop, доводится до конца
	passCtx := context.WithoutCancel(ctx)

	for _, r := range o.workers {
		r.poll <- struct{}{}

		o.wg.Add(1)
		go func() {
			defer o.wg.Done()
			o.runWorker(ctx, passCtx, r)
		}()
	}

	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		o.controlLoop(ctx)
	}()

	if o.control != nil {
		o.wg.Add(1)
		go func() {
			defer o.wg.Done()
			if err := o.consumeControl(ctx); err != nil && !errors.Is(err, context.Canceled) {
				o.logger.Error("control consumer error", "error", err)
			}
		}()
	}

	o.logger.Info("orchestrator started")
	return nil
}

// Stop останавливает расписания, дожидается текущих проходов
// воркеров и закрывает шину событий.
func (o *Orchestrator) Stop() {
	o.stateMu.Lock()
	if o.stopped {
		o.stateMu.Unlock()
		return
	}
	o.stopped = true
	o.stateMu.Unlock()

	o.logger.Info("stopping orchestrator...")

	if o.cancelFunc != nil {
		o.cancelFunc()
	}

	// Ждём завершения горутин
	o.wg.Wait()

	for _, r := range o.workers {
		r.worker.Close()
	}
	if o.unsubscribe != nil {
		o.unsubscribe()
	}
	o.bus.Close()
	if o.eventsDone != nil {
		<-o.eventsDone
	}

	o.logger.Info("orchestrator stopped")
}

// IsStopped проверяет, остановлен ли Orchestrator.
func (o *Orchestrator) IsStopped() bool {
	o.stateMu.Lock()
	defer o.stateMu.Unlock()
	return o.stopped
}

// Cancel передаёт запрос оператора на отмену воркеру, которому
// принадлежит job.
func (o *Orchestrator) Cancel(ctx context.Context, jobID uuid.UUID, reason string) error {
	if o.IsStopped() {
		return ErrOrchestratorStopped
	}

	for _, r := range o.workers {
		err := r.worker.Cancel(ctx, jobID, reason)
		if errors.Is(err, worker.ErrWrongQueue) {
			continue
		}
		return err
	}
	return fmt.Errorf("%w: %s", ErrUnknownJob, jobID)
}

// TriggerPoll запрашивает внеочередной Poll воркера. Если Poll уже
// запрошен или идёт, запрос сливается с ним.
func (o *Orchestrator) TriggerPoll(workerID string) error {
	r, ok := o.byID[workerID]
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownWorker, workerID)
	}
	signal(r.poll)
	return nil
}

// Subscribe возвращает независимый канал событий всех воркеров.
func (o *Orchestrator) Subscribe() (<-chan events.Event, func()) {
	return o.bus.Subscribe()
}

// CleaningEnabled сообщает, удаляет ли хотя бы один воркер старые jobs.
func (o *Orchestrator) CleaningEnabled() bool {
	for _, r := range o.workers {
		if r.worker.CleaningEnabled() {
			return true
		}
	}
	return false
}

// TelemetryEnabled сообщает, публикуется ли телеметрия.
func (o *Orchestrator) TelemetryEnabled() bool {
	return o.telemetry != nil
}

// logSettings сообщает, включены ли очистка и телеметрия. Без очистки
// обе строки пишутся как предупреждения.
func (o *Orchestrator) logSettings() {
	level, cleaning := slog.LevelInfo, "enabled"
	if !o.CleaningEnabled() {
		level, cleaning = slog.LevelWarn, "disabled"
	}
	scalars := "enabled"
	if !o.TelemetryEnabled() {
		scalars = "disabled"
	}

	ctx := context.Background()
	o.logger.Log(ctx, level, "Cleaning is "+cleaning+".")
	o.logger.Log(ctx, level, "Scalars are "+scalars+".")
}

// WorkerIDs возвращает ID воркеров в порядке конфигурации.
func (o *Orchestrator) WorkerIDs() []string {
	ids := make([]string, 0, len(o.workers))
	for _, r := range o.workers {
		ids = append(ids, r.worker.ID())
	}
	return ids
}

// controlLoop — контроллер: владеет обоими расписаниями.
func (o *Orchestrator) controlLoop(ctx context.Context) {
	execTicker := scheduler.NewTicker(o.execution)
	defer execTicker.Stop()
	cleanTicker := scheduler.NewTicker(o.cleaning)
	defer cleanTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-execTicker.C:
			for _, r := range o.workers {
				signal(r.poll)
			}
			o.publishTelemetry()
		case <-cleanTicker.C:
			for _, r := range o.workers {
				signal(r.sweep)
			}
		}
	}
}

// runWorker выполняет проходы одного воркера строго по очереди.
func (o *Orchestrator) runWorker(ctx, passCtx context.Context, r *runner) {
	logger := o.logger.With("worker_id", r.worker.ID())

	for {
		select {
		case <-ctx.Done():
			return
		case <-r.poll:
			// После Stop новый проход не начинается, даже если tick уже в канале
			if ctx.Err() != nil {
				return
			}
			start := time.Now()
			if err := r.worker.Poll(passCtx); err != nil {
				logger.Error("poll failed", "error", err)
			}
			logger.Debug("poll finished", "duration", time.Since(start))
		case <-r.sweep:
			if ctx.Err() != nil {
				return
			}
			if err := r.worker.Sweep(passCtx); err != nil {
				logger.Error("sweep failed", "error", err)
			}
		}
	}
}

// publishTelemetry публикует число jobs в работе по воркерам и hosts.
func (o *Orchestrator) publishTelemetry() {
	if o.telemetry == nil {
		return
	}
	for _, r := range o.workers {
		byHost := make(map[string]int)
		for _, job := range r.worker.Running() {
			byHost[job.HostID]++
		}
		o.telemetry.PublishRunning(r.worker.ID(), byHost)
	}
	o.telemetry.PublishDropped(o.bus.Dropped())
}

// signal отправляет запрос без блокировки. Уже ожидающий запрос
// поглощает новый.
func signal(c chan struct{}) {
	select {
	case c <- struct{}{}:
	default:
	}
}
