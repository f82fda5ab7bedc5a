package repo

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shaiso/Jobhost/internal/domain"
)

// MemoryJobStore — Job Store в памяти. Используется в тестах
// и в режиме store.driver=memory.
//
// Семантика совпадает с JobRepo: финальные jobs не обновляются,
// наружу отдаются копии.
type MemoryJobStore struct {
	mu   sync.Mutex
	jobs map[uuid.UUID]*domain.Job
	now  func() time.Time
}

// NewMemoryJobStore создаёт пустой MemoryJobStore.
func NewMemoryJobStore() *MemoryJobStore {
	return &MemoryJobStore{
		jobs: make(map[uuid.UUID]*domain.Job),
		now:  time.Now,
	}
}

// Create сохраняет новый job.
func (s *MemoryJobStore) Create(_ context.Context, job *domain.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.jobs[job.ID]; ok {
		return fmt.Errorf("%w: job %s", ErrAlreadyExists, job.ID)
	}
	s.jobs[job.ID] = job.Clone()
	return nil
}

// Get возвращает копию job.
func (s *MemoryJobStore) Get(_ context.Context, id uuid.UUID) (*domain.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[id]
	if !ok {
		return nil, ErrNotFound
	}
	return job.Clone(), nil
}

// ListPending возвращает PENDING jobs очереди (FIFO) после курсора.
func (s *MemoryJobStore) ListPending(_ context.Context, queue string, after *PendingCursor, limit int) ([]domain.Job, error) {
	jobs := s.filter(func(j *domain.Job) bool {
		if j.Queue != queue || j.Status != domain.JobStatusPending {
			return false
		}
		return after == nil || after.before(j)
	})
	sort.SliceStable(jobs, func(i, k int) bool {
		return CursorAt(&jobs[i]).before(&jobs[k])
	})
	if limit > 0 && len(jobs) > limit {
		jobs = jobs[:limit]
	}
	return jobs, nil
}

// before сообщает, стоит ли позиция c в очереди раньше job.
func (c *PendingCursor) before(job *domain.Job) bool {
	if !c.RequestedAt.Equal(job.RequestedAt) {
		return c.RequestedAt.Before(job.RequestedAt)
	}
	if c.Priority != job.Priority {
		return c.Priority > job.Priority
	}
	return c.ID.String() < job.ID.String()
}

// ListActive возвращает активные jobs очереди.
func (s *MemoryJobStore) ListActive(_ context.Context, queue string) ([]domain.Job, error) {
	jobs := s.filter(func(j *domain.Job) bool {
		return j.Queue == queue && j.Status.IsActive()
	})
	sortByRequested(jobs)
	return jobs, nil
}

// ListActiveOlderThan возвращает активные jobs, назначенные раньше чем age назад.
func (s *MemoryJobStore) ListActiveOlderThan(_ context.Context, queue string, age time.Duration) ([]domain.Job, error) {
	cutoff := s.now().UTC().Add(-age)
	jobs := s.filter(func(j *domain.Job) bool {
		if j.Queue != queue || !j.Status.IsActive() {
			return false
		}
		since := j.RequestedAt
		if j.StartedAt != nil {
			since = *j.StartedAt
		}
		return since.Before(cutoff)
	})
	sortByRequested(jobs)
	return jobs, nil
}

// List возвращает jobs с фильтрацией (новые первыми).
func (s *MemoryJobStore) List(_ context.Context, filter JobFilter) ([]domain.Job, error) {
	jobs := s.filter(func(j *domain.Job) bool {
		if filter.Queue != "" && j.Queue != filter.Queue {
			return false
		}
		return filter.Status == "" || j.Status == filter.Status
	})
	sort.SliceStable(jobs, func(i, k int) bool {
		return jobs[i].RequestedAt.After(jobs[k].RequestedAt)
	})

	if filter.Offset > 0 {
		if filter.Offset >= len(jobs) {
			return nil, nil
		}
		jobs = jobs[filter.Offset:]
	}
	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	if len(jobs) > limit {
		jobs = jobs[:limit]
	}
	return jobs, nil
}

// Update заменяет job, если он ещё не в финальном статусе.
func (s *MemoryJobStore) Update(_ context.Context, job *domain.Job) error {
	return s.replace(job, func(current *domain.Job) bool {
		return !current.Status.IsTerminal()
	})
}

// UpdatePending заменяет job, только если он ещё PENDING.
func (s *MemoryJobStore) UpdatePending(_ context.Context, job *domain.Job) error {
	return s.replace(job, func(current *domain.Job) bool {
		return current.Status == domain.JobStatusPending
	})
}

func (s *MemoryJobStore) replace(job *domain.Job, allowed func(current *domain.Job) bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.jobs[job.ID]
	if !ok {
		return ErrNotFound
	}
	if !allowed(current) {
		return fmt.Errorf("%w: job %s is %s", ErrInvalidState, job.ID, current.Status)
	}
	s.jobs[job.ID] = job.Clone()
	return nil
}

// CancelPending переводит job в CANCELLED, только если он ещё PENDING.
func (s *MemoryJobStore) CancelPending(_ context.Context, id uuid.UUID, message string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.jobs[id]
	if !ok {
		return ErrNotFound
	}
	if current.Status != domain.JobStatusPending {
		return fmt.Errorf("%w: job %s is %s", ErrInvalidState, id, current.Status)
	}
	return current.MarkCancelled(message)
}

// DeleteOlderThan удаляет jobs очереди старше age.
func (s *MemoryJobStore) DeleteOlderThan(_ context.Context, queue string, age time.Duration, terminalOnly bool) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := s.now().UTC().Add(-age)
	var deleted int64
	for id, job := range s.jobs {
		if job.Queue != queue {
			continue
		}
		if terminalOnly && !job.Status.IsTerminal() {
			continue
		}
		since := job.RequestedAt
		if job.EndedAt != nil {
			since = *job.EndedAt
		}
		if since.Before(cutoff) {
			delete(s.jobs, id)
			deleted++
		}
	}
	return deleted, nil
}

func (s *MemoryJobStore) filter(match func(*domain.Job) bool) []domain.Job {
	s.mu.Lock()
	defer s.mu.Unlock()

	var jobs []domain.Job
	for _, job := range s.jobs {
		if match(job) {
			jobs = append(jobs, *job.Clone())
		}
	}
	return jobs
}

func sortByRequested(jobs []domain.Job) {
	sort.SliceStable(jobs, func(i, k int) bool {
		return jobs[i].RequestedAt.Before(jobs[k].RequestedAt)
	})
}

// MemoryHostDirectory — Host Directory в памяти.
type MemoryHostDirectory struct {
	mu    sync.Mutex
	hosts map[string]*domain.Host
}

// NewMemoryHostDirectory создаёт директорию с заданными hosts.
func NewMemoryHostDirectory(hosts ...domain.Host) *MemoryHostDirectory {
	d := &MemoryHostDirectory{hosts: make(map[string]*domain.Host)}
	for _, h := range hosts {
		host := h
		d.hosts[h.ID] = &host
	}
	return d
}

// Upsert создаёт host или обновляет его описание, сохраняя текущую загрузку.
func (d *MemoryHostDirectory) Upsert(_ context.Context, host *domain.Host) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	next := *host
	if current, ok := d.hosts[host.ID]; ok {
		next.CurrentLoad = current.CurrentLoad
	}
	d.hosts[host.ID] = &next
	return nil
}

// Get возвращает копию host.
func (d *MemoryHostDirectory) Get(_ context.Context, id string) (*domain.Host, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	host, ok := d.hosts[id]
	if !ok {
		return nil, ErrNotFound
	}
	h := *host
	return &h, nil
}

// List возвращает все hosts.
func (d *MemoryHostDirectory) List(_ context.Context) ([]domain.Host, error) {
	return d.snapshot(func(*domain.Host) bool { return true }), nil
}

// ListAvailable возвращает доступные hosts.
func (d *MemoryHostDirectory) ListAvailable(_ context.Context) ([]domain.Host, error) {
	return d.snapshot(func(h *domain.Host) bool { return h.IsAvailable }), nil
}

// SetAvailable меняет флаг доступности host.
func (d *MemoryHostDirectory) SetAvailable(_ context.Context, id string, available bool) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	host, ok := d.hosts[id]
	if !ok {
		return ErrNotFound
	}
	host.IsAvailable = available
	return nil
}

// IncrementLoad увеличивает загрузку, если есть свободное место.
func (d *MemoryHostDirectory) IncrementLoad(_ context.Context, id string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	host, ok := d.hosts[id]
	if !ok {
		return ErrNotFound
	}
	if !host.HasCapacity() {
		return fmt.Errorf("%w: %s", ErrCapacityExceeded, id)
	}
	host.CurrentLoad++
	return nil
}

// DecrementLoad уменьшает загрузку, не опускаясь ниже нуля.
func (d *MemoryHostDirectory) DecrementLoad(_ context.Context, id string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	host, ok := d.hosts[id]
	if !ok {
		return ErrNotFound
	}
	if host.CurrentLoad == 0 {
		return fmt.Errorf("%w: %s", ErrHostIdle, id)
	}
	host.CurrentLoad--
	return nil
}

func (d *MemoryHostDirectory) snapshot(match func(*domain.Host) bool) []domain.Host {
	d.mu.Lock()
	defer d.mu.Unlock()

	var hosts []domain.Host
	for _, h := range d.hosts {
		if match(h) {
			hosts = append(hosts, *h)
		}
	}
	sort.Slice(hosts, func(i, k int) bool { return hosts[i].ID < hosts[k].ID })
	return hosts
}

// MemoryTaskDirectory — Task Directory в памяти.
type MemoryTaskDirectory struct {
	mu    sync.RWMutex
	tasks map[string]domain.TaskDefinition
}

// NewMemoryTaskDirectory создаёт директорию с заданными определениями.
func NewMemoryTaskDirectory(tasks ...domain.TaskDefinition) *MemoryTaskDirectory {
	d := &MemoryTaskDirectory{tasks: make(map[string]domain.TaskDefinition)}
	for _, t := range tasks {
		d.tasks[t.ID] = t
	}
	return d
}

// Upsert создаёт или заменяет определение task.
func (d *MemoryTaskDirectory) Upsert(_ context.Context, task *domain.TaskDefinition) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.tasks[task.ID] = *task
	return nil
}

// Get возвращает определение task.
func (d *MemoryTaskDirectory) Get(_ context.Context, id string) (*domain.TaskDefinition, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	task, ok := d.tasks[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &task, nil
}

// List возвращает все определения task.
func (d *MemoryTaskDirectory) List(_ context.Context) ([]domain.TaskDefinition, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	tasks := make([]domain.TaskDefinition, 0, len(d.tasks))
	for _, t := range d.tasks {
		tasks = append(tasks, t)
	}
	sort.Slice(tasks, func(i, k int) bool { return tasks[i].ID < tasks[k].ID })
	return tasks, nil
}
