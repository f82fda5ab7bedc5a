package worker

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/shaiso/Jobhost/internal/balancer"
	"github.com/shaiso/Jobhost/internal/domain"
	"github.com/shaiso/Jobhost/internal/events"
	"github.com/shaiso/Jobhost/internal/executor"
	"github.com/shaiso/Jobhost/internal/repo"
	"github.com/shaiso/Jobhost/internal/retry"
)

const testQueue = "models"

// --- Fakes ---

// fakeExecutor запоминает вызовы; отчёты тест шлёт сам.
type fakeExecutor struct {
	mu        sync.Mutex
	started   []uuid.UUID
	cancelled []uuid.UUID
	alive     map[uuid.UUID]bool
	startErr  error
	cancelErr error
}

func newFakeExecutor() *fakeExecutor {
	return &fakeExecutor{alive: make(map[uuid.UUID]bool)}
}

func (e *fakeExecutor) Start(_ context.Context, job *domain.Job, _ *domain.TaskDefinition, host *domain.Host) (executor.Handle, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.startErr != nil {
		return executor.Handle{}, e.startErr
	}
	e.started = append(e.started, job.ID)
	return executor.Handle{JobID: job.ID, Queue: job.Queue, HostID: host.ID}, nil
}

func (e *fakeExecutor) Cancel(_ context.Context, h executor.Handle) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.cancelled = append(e.cancelled, h.JobID)
	return e.cancelErr
}

func (e *fakeExecutor) IsAlive(_ context.Context, job *domain.Job) (bool, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.alive[job.ID], nil
}

func (e *fakeExecutor) startedCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.started)
}

func (e *fakeExecutor) cancelledCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.cancelled)
}

// failingStore — Job Store, у которого можно сломать запись.
// Считает чтения очереди PENDING.
type failingStore struct {
	*repo.MemoryJobStore
	mu        sync.Mutex
	failWrite bool
	lists     int
}

func (s *failingStore) writeErr() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failWrite {
		return errors.New("connection refused")
	}
	return nil
}

func (s *failingStore) Update(ctx context.Context, job *domain.Job) error {
	if err := s.writeErr(); err != nil {
		return err
	}
	return s.MemoryJobStore.Update(ctx, job)
}

func (s *failingStore) UpdatePending(ctx context.Context, job *domain.Job) error {
	if err := s.writeErr(); err != nil {
		return err
	}
	return s.MemoryJobStore.UpdatePending(ctx, job)
}

func (s *failingStore) ListPending(ctx context.Context, queue string, after *repo.PendingCursor, limit int) ([]domain.Job, error) {
	s.mu.Lock()
	s.lists++
	s.mu.Unlock()
	return s.MemoryJobStore.ListPending(ctx, queue, after, limit)
}

func (s *failingStore) listCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lists
}

type eventLog struct {
	mu     sync.Mutex
	events []events.Event
}

func (l *eventLog) handle(e events.Event) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, e)
}

func (l *eventLog) count(typ events.Type) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, e := range l.events {
		if e.Type == typ {
			n++
		}
	}
	return n
}

func (l *eventLog) total() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.events)
}

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// --- Harness ---

type harness struct {
	w      *Worker
	store  *failingStore
	hosts  *repo.MemoryHostDirectory
	exec   *fakeExecutor
	events *eventLog
	clock  *clock
}

func testTask() domain.TaskDefinition {
	return domain.TaskDefinition{ID: "model", Name: "Model run", Runner: "delay"}
}

func newHarness(t *testing.T, mutate func(*Config), hosts ...domain.Host) *harness {
	t.Helper()

	h := &harness{
		store:  &failingStore{MemoryJobStore: repo.NewMemoryJobStore()},
		hosts:  repo.NewMemoryHostDirectory(hosts...),
		exec:   newFakeExecutor(),
		events: &eventLog{},
		clock:  &clock{now: time.Now().UTC()},
	}

	lb, err := balancer.New(balancer.Config{WorkerID: "w1", Hosts: h.hosts})
	if err != nil {
		t.Fatalf("balancer.New: %v", err)
	}

	cfg := Config{
		ID:       "w1",
		Queue:    testQueue,
		Jobs:     h.store,
		Tasks:    repo.NewMemoryTaskDirectory(testTask(), requiredParamTask()),
		Balancer: lb,
		Executor: h.exec,
		Retry: retry.Policy{
			MaxAttempts:  2,
			Backoff:      retry.BackoffFixed,
			InitialDelay: time.Millisecond,
			MaxDelay:     time.Millisecond,
		},
		OnEvent: h.events.handle,
	}
	if mutate != nil {
		mutate(&cfg)
	}

	w, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	w.now = h.clock.Now
	h.w = w
	return h
}

func requiredParamTask() domain.TaskDefinition {
	return domain.TaskDefinition{
		ID:     "strict",
		Name:   "Strict",
		Runner: "delay",
		Parameters: []domain.ParameterDef{
			{Name: "model", Type: domain.ParamTypeString, Required: true},
		},
	}
}

func availableHost(id string, capacity, load int) domain.Host {
	return domain.Host{ID: id, Capacity: capacity, CurrentLoad: load, IsAvailable: true}
}

// submit создаёт PENDING job, поставленный offset назад.
func (h *harness) submit(t *testing.T, taskID string, offset time.Duration) *domain.Job {
	t.Helper()
	job := domain.NewJob(taskID, testQueue, "acc", nil)
	job.RequestedAt = h.clock.Now().Add(-offset)
	if err := h.store.Create(context.Background(), job); err != nil {
		t.Fatalf("Create: %v", err)
	}
	return job
}

func (h *harness) job(t *testing.T, id uuid.UUID) *domain.Job {
	t.Helper()
	job, err := h.store.Get(context.Background(), id)
	if err != nil {
		t.Fatalf("Get %s: %v", id, err)
	}
	return job
}

func (h *harness) load(t *testing.T, hostID string) int {
	t.Helper()
	host, err := h.hosts.Get(context.Background(), hostID)
	if err != nil {
		t.Fatalf("Get host %s: %v", hostID, err)
	}
	return host.CurrentLoad
}

func (h *harness) poll(t *testing.T) {
	t.Helper()
	if err := h.w.Poll(context.Background()); err != nil {
		t.Fatalf("Poll: %v", err)
	}
}

func assertStatus(t *testing.T, job *domain.Job, want domain.JobStatus) {
	t.Helper()
	if job.Status != want {
		t.Fatalf("job %s: expected %s, got %s (%q)", job.ID, want, job.Status, job.ErrorMessage)
	}
	if job.Status.IsActive() != (job.HostID != "") {
		t.Fatalf("job %s: host_id %q inconsistent with status %s", job.ID, job.HostID, job.Status)
	}
}

// --- Scenarios ---

func TestPoll_FIFOWithSingleSlot(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil, availableHost("h1", 1, 0))

	j1 := h.submit(t, "model", 2*time.Second)
	j2 := h.submit(t, "model", time.Second)

	h.poll(t)
	assertStatus(t, h.job(t, j1.ID), domain.JobStatusStarting)
	assertStatus(t, h.job(t, j2.ID), domain.JobStatusPending)
	if got := h.load(t, "h1"); got != 1 {
		t.Fatalf("expected load 1, got %d", got)
	}

	if err := h.w.ReportStarted(ctx, j1.ID); err != nil {
		t.Fatalf("ReportStarted: %v", err)
	}
	assertStatus(t, h.job(t, j1.ID), domain.JobStatusInProgress)

	if err := h.w.ReportCompleted(ctx, j1.ID, domain.JobStatusCompleted, "done"); err != nil {
		t.Fatalf("ReportCompleted: %v", err)
	}
	done := h.job(t, j1.ID)
	assertStatus(t, done, domain.JobStatusCompleted)
	if done.EndedAt == nil || done.ErrorMessage != "done" {
		t.Errorf("expected ended_at and message, got %v %q", done.EndedAt, done.ErrorMessage)
	}
	if got := h.load(t, "h1"); got != 0 {
		t.Fatalf("expected load 0 after completion, got %d", got)
	}

	h.poll(t)
	assertStatus(t, h.job(t, j2.ID), domain.JobStatusStarting)

	if h.events.count(events.Executing) != 2 || h.events.count(events.Executed) != 1 {
		t.Errorf("unexpected events: %+v", h.events.events)
	}
}

func TestPoll_NoHostsLeavesPending(t *testing.T) {
	h := newHarness(t, func(c *Config) { c.StartTimeout = time.Hour })
	job := h.submit(t, "model", 0)

	h.poll(t)
	h.poll(t)
	assertStatus(t, h.job(t, job.ID), domain.JobStatusPending)
	if h.events.total() != 0 {
		t.Fatalf("expected no events, got %d", h.events.total())
	}

	if err := h.hosts.Upsert(context.Background(), &domain.Host{ID: "h1", Capacity: 2, IsAvailable: true}); err != nil {
		t.Fatalf("Upsert: %v", err)
	}
	h.poll(t)
	assertStatus(t, h.job(t, job.ID), domain.JobStatusStarting)
}

func TestClean_InterruptsOrphans(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil, availableHost("h1", 2, 1))

	job := h.submit(t, "model", time.Hour)
	if err := job.MarkStarting("h1"); err != nil {
		t.Fatal(err)
	}
	if err := job.MarkInProgress(); err != nil {
		t.Fatal(err)
	}
	if err := h.store.Update(ctx, job); err != nil {
		t.Fatal(err)
	}

	if err := h.w.Clean(ctx); err != nil {
		t.Fatalf("Clean: %v", err)
	}
	got := h.job(t, job.ID)
	assertStatus(t, got, domain.JobStatusError)
	if got.ErrorMessage != "interrupted by restart" {
		t.Errorf("unexpected message %q", got.ErrorMessage)
	}
	if load := h.load(t, "h1"); load != 0 {
		t.Fatalf("expected load 0, got %d", load)
	}
	if h.events.count(events.Interrupted) != 1 {
		t.Fatalf("expected one Interrupted event, got %d", h.events.count(events.Interrupted))
	}

	// Второй проход ничего не меняет
	if err := h.w.Clean(ctx); err != nil {
		t.Fatalf("second Clean: %v", err)
	}
	if h.events.total() != 1 {
		t.Errorf("second Clean produced events: %d", h.events.total())
	}
	if load := h.load(t, "h1"); load != 0 {
		t.Errorf("second Clean changed load to %d", load)
	}
}

func TestClean_AdoptsLiveExecution(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil, availableHost("h1", 2, 1))

	job := h.submit(t, "model", time.Minute)
	if err := job.MarkStarting("h1"); err != nil {
		t.Fatal(err)
	}
	if err := job.MarkInProgress(); err != nil {
		t.Fatal(err)
	}
	if err := h.store.Update(ctx, job); err != nil {
		t.Fatal(err)
	}
	h.exec.alive[job.ID] = true

	if err := h.w.Clean(ctx); err != nil {
		t.Fatalf("Clean: %v", err)
	}
	assertStatus(t, h.job(t, job.ID), domain.JobStatusInProgress)

	running := h.w.Running()
	if len(running) != 1 || running[0].JobID != job.ID || running[0].HostID != "h1" {
		t.Fatalf("expected adopted job in Running, got %+v", running)
	}

	if err := h.w.ReportCompleted(ctx, job.ID, domain.JobStatusCompleted, "ok"); err != nil {
		t.Fatalf("ReportCompleted: %v", err)
	}
	assertStatus(t, h.job(t, job.ID), domain.JobStatusCompleted)
	if load := h.load(t, "h1"); load != 0 {
		t.Fatalf("expected load 0, got %d", load)
	}
}

func TestSweep_PurgesOldTerminalJobs(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, func(c *Config) { c.MaxAge = time.Hour }, availableHost("h1", 2, 1))

	terminal := func(endedAgo time.Duration) *domain.Job {
		job := domain.NewJob("model", testQueue, "", nil)
		job.RequestedAt = time.Now().UTC().Add(-endedAgo - time.Minute)
		if err := job.MarkCancelled("done"); err != nil {
			t.Fatal(err)
		}
		ended := time.Now().UTC().Add(-endedAgo)
		job.EndedAt = &ended
		if err := h.store.Create(ctx, job); err != nil {
			t.Fatal(err)
		}
		return job
	}
	old := terminal(2 * time.Hour)
	recent := terminal(10 * time.Minute)

	active := domain.NewJob("model", testQueue, "", nil)
	active.RequestedAt = time.Now().UTC().Add(-3 * time.Hour)
	if err := active.MarkStarting("h1"); err != nil {
		t.Fatal(err)
	}
	if err := active.MarkInProgress(); err != nil {
		t.Fatal(err)
	}
	if err := h.store.Create(ctx, active); err != nil {
		t.Fatal(err)
	}
	h.exec.alive[active.ID] = true

	if err := h.w.Sweep(ctx); err != nil {
		t.Fatalf("Sweep: %v", err)
	}

	if _, err := h.store.Get(ctx, old.ID); !errors.Is(err, repo.ErrNotFound) {
		t.Errorf("expected old job purged, got %v", err)
	}
	assertStatus(t, h.job(t, recent.ID), domain.JobStatusCancelled)
	assertStatus(t, h.job(t, active.ID), domain.JobStatusInProgress)
}

// --- Timeouts ---

func TestStartTimeout_InFlight(t *testing.T) {
	h := newHarness(t, nil, availableHost("h1", 1, 0))
	job := h.submit(t, "model", 0)

	h.poll(t)
	assertStatus(t, h.job(t, job.ID), domain.JobStatusStarting)

	h.clock.Advance(3 * time.Minute)
	h.poll(t)

	got := h.job(t, job.ID)
	assertStatus(t, got, domain.JobStatusError)
	if got.ErrorMessage != "not started within 2m0s" {
		t.Errorf("unexpected message %q", got.ErrorMessage)
	}
	if load := h.load(t, "h1"); load != 0 {
		t.Fatalf("expected load 0, got %d", load)
	}
	if h.exec.cancelledCount() != 1 {
		t.Errorf("expected best-effort cancel, got %d", h.exec.cancelledCount())
	}
	if len(h.w.Running()) != 0 {
		t.Errorf("expected no running jobs")
	}
}

func TestStartTimeout_PendingWithoutHost(t *testing.T) {
	h := newHarness(t, nil)
	job := h.submit(t, "model", 3*time.Minute)

	h.poll(t)

	got := h.job(t, job.ID)
	assertStatus(t, got, domain.JobStatusError)
	if !strings.HasPrefix(got.ErrorMessage, "not started within") {
		t.Errorf("unexpected message %q", got.ErrorMessage)
	}
	if h.events.count(events.Executed) != 1 {
		t.Errorf("expected Executed event")
	}
}

func startRunning(t *testing.T, h *harness) *domain.Job {
	t.Helper()
	job := h.submit(t, "model", 0)
	h.poll(t)
	if err := h.w.ReportStarted(context.Background(), job.ID); err != nil {
		t.Fatalf("ReportStarted: %v", err)
	}
	return job
}

func TestRunTimeout_Acknowledged(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, func(c *Config) { c.JobTimeout = time.Minute }, availableHost("h1", 1, 0))
	job := startRunning(t, h)

	h.clock.Advance(2 * time.Minute)
	h.poll(t)

	assertStatus(t, h.job(t, job.ID), domain.JobStatusCancelling)
	if h.exec.cancelledCount() != 1 || h.events.count(events.Cancelling) != 1 {
		t.Fatalf("expected cancel request and Cancelling event")
	}

	// Повторный tick не шлёт вторую отмену
	h.poll(t)
	if h.exec.cancelledCount() != 1 {
		t.Errorf("expected single cancel request, got %d", h.exec.cancelledCount())
	}

	if err := h.w.ReportCompleted(ctx, job.ID, domain.JobStatusCancelled, "cancelled"); err != nil {
		t.Fatalf("ReportCompleted: %v", err)
	}
	assertStatus(t, h.job(t, job.ID), domain.JobStatusCancelled)
	if h.events.count(events.Cancelled) != 1 {
		t.Errorf("expected Cancelled event")
	}
	if load := h.load(t, "h1"); load != 0 {
		t.Fatalf("expected load 0, got %d", load)
	}
}

func TestRunTimeout_TaskOverride(t *testing.T) {
	h := newHarness(t, func(c *Config) {
		c.Tasks = repo.NewMemoryTaskDirectory(domain.TaskDefinition{
			ID: "model", Name: "Model", Runner: "delay", Timeout: 10 * time.Hour,
		})
	}, availableHost("h1", 1, 0))
	job := startRunning(t, h)

	// Таймаут воркера (24h) не важен: у task свой, и он ещё не истёк
	h.clock.Advance(5 * time.Hour)
	h.poll(t)
	assertStatus(t, h.job(t, job.ID), domain.JobStatusInProgress)

	h.clock.Advance(6 * time.Hour)
	h.poll(t)
	assertStatus(t, h.job(t, job.ID), domain.JobStatusCancelling)
}

func waitStatus(t *testing.T, h *harness, id uuid.UUID, want domain.JobStatus) *domain.Job {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for {
		job := h.job(t, id)
		if job.Status == want {
			return job
		}
		if time.Now().After(deadline) {
			t.Fatalf("job %s: timed out waiting for %s, last %s", id, want, job.Status)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestRunTimeout_NoAcknowledgement(t *testing.T) {
	h := newHarness(t, func(c *Config) {
		c.JobTimeout = time.Minute
		c.CancelGrace = 20 * time.Millisecond
	}, availableHost("h1", 1, 0))
	job := startRunning(t, h)

	h.clock.Advance(2 * time.Minute)
	h.poll(t)

	got := waitStatus(t, h, job.ID, domain.JobStatusError)
	if got.ErrorMessage != "Interrupted" {
		t.Errorf("unexpected message %q", got.ErrorMessage)
	}
	if h.events.count(events.Interrupted) != 1 {
		t.Errorf("expected Interrupted event")
	}
	if load := h.load(t, "h1"); load != 0 {
		t.Fatalf("expected load 0, got %d", load)
	}

	// Запоздалое подтверждение ничего не меняет
	if err := h.w.ReportCompleted(context.Background(), job.ID, domain.JobStatusCancelled, "late"); err != nil {
		t.Fatalf("late ReportCompleted: %v", err)
	}
	assertStatus(t, h.job(t, job.ID), domain.JobStatusError)
	if load := h.load(t, "h1"); load != 0 {
		t.Fatalf("late ack changed load to %d", load)
	}
}

// --- Cancel ---

func TestCancel_ExecutorUnreachable(t *testing.T) {
	h := newHarness(t, nil, availableHost("h1", 1, 0))
	job := startRunning(t, h)
	h.exec.cancelErr = errors.New("broker down")

	if err := h.w.Cancel(context.Background(), job.ID, ""); err != nil {
		t.Fatalf("Cancel: %v", err)
	}

	got := h.job(t, job.ID)
	assertStatus(t, got, domain.JobStatusError)
	if got.ErrorMessage != "Interrupted" {
		t.Errorf("unexpected message %q", got.ErrorMessage)
	}
	if h.events.count(events.Cancelling) != 1 || h.events.count(events.Interrupted) != 1 {
		t.Errorf("expected Cancelling and Interrupted events, got %+v", h.events.events)
	}
	if load := h.load(t, "h1"); load != 0 {
		t.Fatalf("expected load 0, got %d", load)
	}
}

func TestCancel_Pending(t *testing.T) {
	h := newHarness(t, nil)
	job := h.submit(t, "model", 0)

	if err := h.w.Cancel(context.Background(), job.ID, "not needed"); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	got := h.job(t, job.ID)
	assertStatus(t, got, domain.JobStatusCancelled)
	if got.ErrorMessage != "not needed" {
		t.Errorf("unexpected message %q", got.ErrorMessage)
	}
}

func TestCancel_Errors(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil)

	other := domain.NewJob("model", "other", "", nil)
	if err := h.store.Create(ctx, other); err != nil {
		t.Fatal(err)
	}
	if err := h.w.Cancel(ctx, other.ID, ""); !errors.Is(err, ErrWrongQueue) {
		t.Errorf("expected ErrWrongQueue, got %v", err)
	}

	finished := h.submit(t, "model", 0)
	if err := finished.MarkCancelled("withdrawn"); err != nil {
		t.Fatal(err)
	}
	if err := h.store.Update(ctx, finished); err != nil {
		t.Fatal(err)
	}
	if err := h.w.Cancel(ctx, finished.ID, ""); !errors.Is(err, ErrJobFinished) {
		t.Errorf("expected ErrJobFinished, got %v", err)
	}

	if err := h.w.Cancel(ctx, uuid.New(), ""); !errors.Is(err, repo.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

// --- Failures ---

func TestPoll_StartFailureReleasesHost(t *testing.T) {
	h := newHarness(t, nil, availableHost("h1", 1, 0))
	h.exec.startErr = errors.New("agent offline")
	job := h.submit(t, "model", 0)

	h.poll(t)

	got := h.job(t, job.ID)
	assertStatus(t, got, domain.JobStatusError)
	if !strings.Contains(got.ErrorMessage, "agent offline") {
		t.Errorf("unexpected message %q", got.ErrorMessage)
	}
	if load := h.load(t, "h1"); load != 0 {
		t.Fatalf("expected load 0, got %d", load)
	}
}

func TestPoll_InvalidParameters(t *testing.T) {
	h := newHarness(t, nil, availableHost("h1", 1, 0))
	job := h.submit(t, "strict", 0)

	h.poll(t)

	assertStatus(t, h.job(t, job.ID), domain.JobStatusError)
	if h.exec.startedCount() != 0 {
		t.Errorf("executor must not be called")
	}
	if load := h.load(t, "h1"); load != 0 {
		t.Errorf("expected load 0, got %d", load)
	}
}

func TestPoll_UnknownTask(t *testing.T) {
	h := newHarness(t, nil, availableHost("h1", 1, 0))
	job := h.submit(t, "missing", 0)

	h.poll(t)

	got := h.job(t, job.ID)
	assertStatus(t, got, domain.JobStatusError)
	if !strings.Contains(got.ErrorMessage, "missing") {
		t.Errorf("unexpected message %q", got.ErrorMessage)
	}
}

func TestPoll_StoreOutageSkipsJob(t *testing.T) {
	h := newHarness(t, nil, availableHost("h1", 1, 0))
	job := h.submit(t, "model", 0)

	h.store.mu.Lock()
	h.store.failWrite = true
	h.store.mu.Unlock()

	h.poll(t)

	assertStatus(t, h.job(t, job.ID), domain.JobStatusPending)
	if load := h.load(t, "h1"); load != 0 {
		t.Fatalf("expected host released, got load %d", load)
	}
	if h.exec.startedCount() != 0 || h.events.total() != 0 {
		t.Fatalf("job must be skipped without side effects")
	}

	h.store.mu.Lock()
	h.store.failWrite = false
	h.store.mu.Unlock()

	h.poll(t)
	assertStatus(t, h.job(t, job.ID), domain.JobStatusStarting)
}

func TestReportCompleted_ExactlyOnce(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil, availableHost("h1", 1, 0))
	job := startRunning(t, h)

	var wg sync.WaitGroup
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = h.w.ReportCompleted(ctx, job.ID, domain.JobStatusCompleted, "ok")
		}()
	}
	wg.Wait()

	assertStatus(t, h.job(t, job.ID), domain.JobStatusCompleted)
	if load := h.load(t, "h1"); load != 0 {
		t.Fatalf("expected load 0, got %d", load)
	}
	if n := h.events.count(events.Executed); n != 1 {
		t.Fatalf("expected one Executed event, got %d", n)
	}
}

func TestReportCompleted_RejectsNonTerminal(t *testing.T) {
	h := newHarness(t, nil)
	err := h.w.ReportCompleted(context.Background(), uuid.New(), domain.JobStatusInProgress, "")
	if !errors.Is(err, ErrInvalidStatus) {
		t.Fatalf("expected ErrInvalidStatus, got %v", err)
	}
}

func TestReportProgress(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil, availableHost("h1", 1, 0))
	job := h.submit(t, "model", 0)
	h.poll(t)

	if err := h.w.ReportProgress(ctx, job.ID, 140, "step 3"); err != nil {
		t.Fatalf("ReportProgress: %v", err)
	}
	got := h.job(t, job.ID)
	assertStatus(t, got, domain.JobStatusInProgress)
	if got.Progress != 100 || got.ProgressMessage != "step 3" {
		t.Errorf("unexpected progress %d %q", got.Progress, got.ProgressMessage)
	}

	if err := h.w.ReportProgress(ctx, uuid.New(), 1, ""); !errors.Is(err, ErrNotInFlight) {
		t.Errorf("expected ErrNotInFlight, got %v", err)
	}
}

func TestNew_MissingDependencies(t *testing.T) {
	_, err := New(Config{ID: "w"})
	if !errors.Is(err, ErrMissingDependency) {
		t.Fatalf("expected ErrMissingDependency, got %v", err)
	}
}

func TestNew_BindsReporter(t *testing.T) {
	local := executor.NewLocal(executor.LocalConfig{})
	defer local.Close()

	lb, err := balancer.New(balancer.Config{Hosts: repo.NewMemoryHostDirectory()})
	if err != nil {
		t.Fatal(err)
	}
	w, err := New(Config{
		ID:       "w",
		Jobs:     repo.NewMemoryJobStore(),
		Tasks:    repo.NewMemoryTaskDirectory(),
		Balancer: lb,
		Executor: local,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if w.Queue() != "w" {
		t.Errorf("expected queue to default to id, got %q", w.Queue())
	}

	// Без привязанного Reporter Local отказал бы в старте
	job := domain.NewJob("t", "w", "", nil)
	host := &domain.Host{ID: "h"}
	task := &domain.TaskDefinition{ID: "t", Runner: "delay"}
	if _, err := local.Start(context.Background(), job, task, host); err != nil {
		t.Fatalf("expected reporter bound, got %v", err)
	}
}

func TestNew_LogsVerbose(t *testing.T) {
	for _, verbose := range []bool{false, true} {
		var out bytes.Buffer
		newHarness(t, func(c *Config) {
			c.Verbose = verbose
			c.Logger = slog.New(slog.NewTextHandler(&out, nil))
		})

		got := strings.Contains(out.String(), `msg="Verbose logging is enabled."`)
		if got != verbose {
			t.Errorf("verbose=%v: unexpected log:\n%s", verbose, out.String())
		}
	}
}

// --- Several orchestrator processes on one store ---

// newPeer создаёт второй воркер той же очереди поверх хранилища и hosts
// harness'а, как в соседнем процессе оркестратора.
func newPeer(t *testing.T, h *harness, instance string) (*Worker, *fakeExecutor) {
	t.Helper()

	lb, err := balancer.New(balancer.Config{WorkerID: "w1", Hosts: h.hosts})
	if err != nil {
		t.Fatalf("balancer.New: %v", err)
	}
	exec := newFakeExecutor()
	w, err := New(Config{
		ID:       "w1",
		Queue:    testQueue,
		Instance: instance,
		Jobs:     h.store,
		Tasks:    repo.NewMemoryTaskDirectory(testTask()),
		Balancer: lb,
		Executor: exec,
		Retry:    retry.Policy{MaxAttempts: 1},
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	w.now = h.clock.Now
	return w, exec
}

func TestDispatch_StaleCopyLosesClaim(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, func(c *Config) { c.Instance = "orch-a" },
		availableHost("h1", 1, 0), availableHost("h2", 1, 0))
	peer, peerExec := newPeer(t, h, "orch-b")

	job := h.submit(t, "model", 0)
	stale := h.job(t, job.ID)

	h.poll(t)

	// Соседний процесс прочитал job до того, как его взяли
	peer.dispatch(ctx, stale, newPollPass())

	got := h.job(t, job.ID)
	assertStatus(t, got, domain.JobStatusStarting)
	if got.HostID != "h1" || got.Owner != "orch-a" {
		t.Fatalf("claim overwritten: host=%q owner=%q", got.HostID, got.Owner)
	}
	if h.exec.startedCount() != 1 || peerExec.startedCount() != 0 {
		t.Fatalf("expected exactly one start, got %d and %d", h.exec.startedCount(), peerExec.startedCount())
	}
	if load := h.load(t, "h2"); load != 0 {
		t.Fatalf("losing worker must release its host, h2 load %d", load)
	}
	if len(peer.Running()) != 0 {
		t.Fatalf("losing worker must not track the job")
	}
	if err := peer.Cancel(ctx, job.ID, "stop"); !errors.Is(err, ErrNotOwned) {
		t.Fatalf("expected ErrNotOwned from the losing worker, got %v", err)
	}
}

func TestPoll_ConcurrentWorkersStartEachJobOnce(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, func(c *Config) { c.Instance = "orch-a" },
		availableHost("h1", 4, 0), availableHost("h2", 4, 0))
	peer, peerExec := newPeer(t, h, "orch-b")

	const total = 8
	for i := range total {
		h.submit(t, "model", time.Duration(total-i)*time.Second)
	}

	for range 3 {
		var wg sync.WaitGroup
		wg.Add(2)
		go func() { defer wg.Done(); _ = h.w.Poll(ctx) }()
		go func() { defer wg.Done(); _ = peer.Poll(ctx) }()
		wg.Wait()
	}
	// Слот, временно занятый проигравшим, мог оставить job PENDING
	h.poll(t)

	starts := make(map[uuid.UUID]int)
	for _, e := range []*fakeExecutor{h.exec, peerExec} {
		e.mu.Lock()
		for _, id := range e.started {
			starts[id]++
		}
		e.mu.Unlock()
	}
	for id, n := range starts {
		if n != 1 {
			t.Errorf("job %s started %d times", id, n)
		}
	}
	if len(starts) != total {
		t.Errorf("expected all %d jobs started, got %d", total, len(starts))
	}
	if load := h.load(t, "h1") + h.load(t, "h2"); load != len(starts) {
		t.Errorf("host load %d does not match %d started jobs", load, len(starts))
	}
}

func TestSweep_LeavesOtherInstanceJobs(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, func(c *Config) { c.Instance = "orch-a" }, availableHost("h1", 4, 2))

	active := func(owner string) *domain.Job {
		job := h.submit(t, "model", time.Hour)
		if err := job.MarkStarting("h1"); err != nil {
			t.Fatal(err)
		}
		job.Owner = owner
		started := h.clock.Now().Add(-time.Hour)
		job.StartedAt = &started
		if err := h.store.Update(ctx, job); err != nil {
			t.Fatal(err)
		}
		return job
	}
	foreign := active("orch-b")
	own := active("orch-a")

	if err := h.w.Sweep(ctx); err != nil {
		t.Fatalf("Sweep: %v", err)
	}

	assertStatus(t, h.job(t, foreign.ID), domain.JobStatusStarting)
	assertStatus(t, h.job(t, own.ID), domain.JobStatusError)
	if load := h.load(t, "h1"); load != 1 {
		t.Fatalf("only the own orphan releases its slot, load %d", load)
	}
}

// --- Host affinity and paging ---

func (h *harness) submitToGroup(t *testing.T, group string, offset time.Duration) *domain.Job {
	t.Helper()
	job := domain.NewJob("model", testQueue, "acc", nil)
	job.HostGroup = group
	job.RequestedAt = h.clock.Now().Add(-offset)
	if err := h.store.Create(context.Background(), job); err != nil {
		t.Fatalf("Create: %v", err)
	}
	return job
}

func TestPoll_UnassignableJobsDoNotStarveOthers(t *testing.T) {
	cpu := availableHost("cpu-1", 1, 0)
	cpu.Group = "cpu"
	h := newHarness(t, func(c *Config) {
		c.BatchSize = 2
		c.StartTimeout = time.Hour
	}, cpu)

	gpu1 := h.submitToGroup(t, "gpu", 3*time.Second)
	gpu2 := h.submitToGroup(t, "gpu", 2*time.Second)
	plain := h.submitToGroup(t, "", time.Second)

	h.poll(t)

	assertStatus(t, h.job(t, gpu1.ID), domain.JobStatusPending)
	assertStatus(t, h.job(t, gpu2.ID), domain.JobStatusPending)
	got := h.job(t, plain.ID)
	assertStatus(t, got, domain.JobStatusStarting)
	if got.HostID != "cpu-1" {
		t.Fatalf("expected cpu-1, got %q", got.HostID)
	}
}

func TestPoll_StopsPagingWhenAllHostsFull(t *testing.T) {
	h := newHarness(t, func(c *Config) {
		c.BatchSize = 1
		c.StartTimeout = time.Hour
	}, availableHost("h1", 1, 0))

	for i := range 5 {
		h.submit(t, "model", time.Duration(5-i)*time.Second)
	}

	h.poll(t)

	if h.exec.startedCount() != 1 {
		t.Fatalf("expected one start, got %d", h.exec.startedCount())
	}
	// Первая страница заняла слот, на второй hosts кончились
	if calls := h.store.listCalls(); calls != 2 {
		t.Fatalf("expected 2 page reads, got %d", calls)
	}
}
