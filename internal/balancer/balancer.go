package balancer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shaiso/Jobhost/internal/domain"
)

// HostDirectory — источник hosts и счётчиков их загрузки.
//
// IncrementLoad обязан быть условным: при current_load >= capacity
// или недоступном host возвращается domain.ErrCapacityExceeded.
// DecrementLoad не опускает загрузку ниже нуля и в этом случае
// возвращает domain.ErrHostIdle.
type HostDirectory interface {
	ListAvailable(ctx context.Context) ([]domain.Host, error)
	IncrementLoad(ctx context.Context, id string) error
	DecrementLoad(ctx context.Context, id string) error
}

// releasedTTL — сколько помнить освобождённые jobs.
const releasedTTL = 24 * time.Hour

// Config — конфигурация Balancer.
type Config struct {
	// WorkerID — для логов.
	WorkerID string

	// Hosts — директория hosts.
	Hosts HostDirectory

	// Verbose — логировать каждое решение (кандидаты, выбор, причина).
	Verbose bool

	Logger *slog.Logger
}

// Balancer — Load Balancer одного job worker'а.
type Balancer struct {
	hosts   HostDirectory
	verbose bool
	logger  *slog.Logger

	mu          sync.Mutex
	hostLocks   map[string]*sync.Mutex
	assignments map[uuid.UUID]domain.Assignment
	released    map[uuid.UUID]time.Time
}

// New создаёт Balancer.
func New(cfg Config) (*Balancer, error) {
	if cfg.Hosts == nil {
		return nil, ErrNilHostDirectory
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "balancer")
	if cfg.WorkerID != "" {
		logger = logger.With("worker_id", cfg.WorkerID)
	}

	return &Balancer{
		hosts:       cfg.Hosts,
		verbose:     cfg.Verbose,
		logger:      logger,
		hostLocks:   make(map[string]*sync.Mutex),
		assignments: make(map[uuid.UUID]domain.Assignment),
		released:    make(map[uuid.UUID]time.Time),
	}, nil
}

// Acquire выбирает host для job и занимает на нём слот.
//
// task может быть nil. Возвращает ErrNoHostAvailable, если свободных
// hosts нет.
func (b *Balancer) Acquire(ctx context.Context, job *domain.Job, task *domain.TaskDefinition) (*domain.Host, error) {
	b.mu.Lock()
	if a, ok := b.assignments[job.ID]; ok {
		b.mu.Unlock()
		return nil, fmt.Errorf("%w: %s on %s", ErrAlreadyAssigned, job.ID, a.HostID)
	}
	b.mu.Unlock()

	group := job.EffectiveHostGroup(task)

	hosts, err := b.hosts.ListAvailable(ctx)
	if err != nil {
		return nil, fmt.Errorf("list hosts: %w", err)
	}

	candidates := Candidates(hosts, group)
	if b.verbose {
		b.logCandidates(job, group, candidates)
	}

	var lastErr error
	for i := range candidates {
		host := candidates[i]

		err := b.increment(ctx, host.ID)
		if err == nil {
			host.CurrentLoad++

			b.mu.Lock()
			b.assignments[job.ID] = domain.Assignment{
				JobID:      job.ID,
				HostID:     host.ID,
				AssignedAt: time.Now().UTC(),
			}
			delete(b.released, job.ID)
			b.mu.Unlock()

			if b.verbose {
				b.logger.Info("host selected",
					"job_id", job.ID,
					"host_id", host.ID,
					"load", host.CurrentLoad,
					"capacity", host.Capacity,
					"reason", "lowest load ratio",
				)
			}
			return &host, nil
		}

		if errors.Is(err, domain.ErrCapacityExceeded) {
			if b.verbose {
				b.logger.Info("host skipped", "job_id", job.ID, "host_id", host.ID, "reason", "capacity taken concurrently")
			}
			continue
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		b.logger.Warn("increment host load failed", "job_id", job.ID, "host_id", host.ID, "error", err)
		lastErr = err
	}

	if lastErr != nil {
		return nil, fmt.Errorf("acquire host: %w", lastErr)
	}
	if b.verbose {
		b.logger.Info("no host available", "job_id", job.ID, "group", group, "reason", "all candidates full")
	}
	return nil, ErrNoHostAvailable
}

// Release освобождает слот, занятый job на hostID.
//
// Возвращает true, если загрузка была уменьшена этим вызовом.
// Для job, назначенного этим balancer'ом, используется запомненный host.
func (b *Balancer) Release(ctx context.Context, jobID uuid.UUID, hostID string) (bool, error) {
	b.mu.Lock()
	b.pruneReleased()

	assignment, owned := b.assignments[jobID]
	switch {
	case owned:
		hostID = assignment.HostID
		delete(b.assignments, jobID)
	case hostID == "":
		b.mu.Unlock()
		return false, nil
	default:
		if _, done := b.released[jobID]; done {
			b.mu.Unlock()
			return false, nil
		}
	}
	b.released[jobID] = time.Now()
	b.mu.Unlock()

	err := b.decrement(ctx, hostID)
	if errors.Is(err, domain.ErrHostIdle) {
		b.logger.Warn("host load already zero", "job_id", jobID, "host_id", hostID)
		return false, nil
	}
	if err != nil {
		// Возвращаем состояние, чтобы повторный Release мог попробовать снова
		b.mu.Lock()
		delete(b.released, jobID)
		if owned {
			b.assignments[jobID] = assignment
		}
		b.mu.Unlock()
		return false, fmt.Errorf("release host %s: %w", hostID, err)
	}

	if b.verbose {
		b.logger.Info("host released", "job_id", jobID, "host_id", hostID, "orphan", !owned)
	}
	return true, nil
}

// Candidates фильтрует и упорядочивает hosts для группы.
func Candidates(hosts []domain.Host, group string) []domain.Host {
	result := make([]domain.Host, 0, len(hosts))
	for _, h := range hosts {
		if h.HasCapacity() && h.InGroup(group) {
			result = append(result, h)
		}
	}

	sort.SliceStable(result, func(i, k int) bool {
		a, b := result[i], result[k]
		if ra, rb := a.LoadRatio(), b.LoadRatio(); ra != rb {
			return ra < rb
		}
		if a.Priority != b.Priority {
			return a.Priority > b.Priority
		}
		return a.ID < b.ID
	})
	return result
}

func (b *Balancer) increment(ctx context.Context, hostID string) error {
	lock := b.hostLock(hostID)
	lock.Lock()
	defer lock.Unlock()
	return b.hosts.IncrementLoad(ctx, hostID)
}

func (b *Balancer) decrement(ctx context.Context, hostID string) error {
	lock := b.hostLock(hostID)
	lock.Lock()
	defer lock.Unlock()
	return b.hosts.DecrementLoad(ctx, hostID)
}

func (b *Balancer) hostLock(hostID string) *sync.Mutex {
	b.mu.Lock()
	defer b.mu.Unlock()

	lock, ok := b.hostLocks[hostID]
	if !ok {
		lock = &sync.Mutex{}
		b.hostLocks[hostID] = lock
	}
	return lock
}

// pruneReleased удаляет старые записи. Вызывается под b.mu.
func (b *Balancer) pruneReleased() {
	cutoff := time.Now().Add(-releasedTTL)
	for id, at := range b.released {
		if at.Before(cutoff) {
			delete(b.released, id)
		}
	}
}

func (b *Balancer) logCandidates(job *domain.Job, group string, candidates []domain.Host) {
	attrs := make([]string, 0, len(candidates))
	for _, h := range candidates {
		attrs = append(attrs, fmt.Sprintf("%s(%d/%d,p=%d)", h.ID, h.CurrentLoad, h.Capacity, h.Priority))
	}
	b.logger.Info("host candidates",
		"job_id", job.ID,
		"task_id", job.TaskID,
		"group", group,
		"candidates", attrs,
	)
}
