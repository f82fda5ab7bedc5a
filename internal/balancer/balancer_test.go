package balancer

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/shaiso/Jobhost/internal/domain"
	"github.com/shaiso/Jobhost/internal/repo"
)

func host(id string, capacity, load, priority int) domain.Host {
	return domain.Host{ID: id, Capacity: capacity, CurrentLoad: load, Priority: priority, IsAvailable: true}
}

func newBalancer(t *testing.T, dir HostDirectory) *Balancer {
	t.Helper()
	b, err := New(Config{WorkerID: "test", Hosts: dir})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return b
}

func newJob() *domain.Job {
	return domain.NewJob("task", "q", "", nil)
}

func assignmentOf(b *Balancer, jobID uuid.UUID) (domain.Assignment, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	a, ok := b.assignments[jobID]
	return a, ok
}

// runningByHost считает назначенные balancer'ом jobs по hosts.
func runningByHost(b *Balancer) map[string]int {
	b.mu.Lock()
	defer b.mu.Unlock()
	counts := make(map[string]int)
	for _, a := range b.assignments {
		counts[a.HostID]++
	}
	return counts
}

func TestNew_RequiresHosts(t *testing.T) {
	if _, err := New(Config{}); !errors.Is(err, ErrNilHostDirectory) {
		t.Errorf("expected ErrNilHostDirectory, got %v", err)
	}
}

func TestCandidates_Order(t *testing.T) {
	hosts := []domain.Host{
		host("c", 4, 2, 0), // 0.5
		host("b", 4, 1, 0), // 0.25
		host("a", 4, 1, 0), // 0.25, id wins
		host("d", 4, 1, 5), // 0.25, priority wins
		host("full", 1, 1, 9),
		{ID: "down", Capacity: 4, IsAvailable: false},
	}

	got := Candidates(hosts, "")
	want := []string{"d", "a", "b", "c"}
	if len(got) != len(want) {
		t.Fatalf("expected %d candidates, got %d", len(want), len(got))
	}
	for i, id := range want {
		if got[i].ID != id {
			t.Errorf("position %d: expected %s, got %s", i, id, got[i].ID)
		}
	}
}

func TestCandidates_Group(t *testing.T) {
	gpu := host("gpu", 2, 0, 0)
	gpu.Group = "gpu"
	cpu := host("cpu", 2, 0, 0)
	cpu.Group = "cpu"

	got := Candidates([]domain.Host{gpu, cpu}, "gpu")
	if len(got) != 1 || got[0].ID != "gpu" {
		t.Errorf("expected only gpu host, got %+v", got)
	}

	if got := Candidates([]domain.Host{gpu, cpu}, ""); len(got) != 2 {
		t.Errorf("empty group should match all hosts, got %d", len(got))
	}
}

func TestAcquire_PicksLeastLoaded(t *testing.T) {
	dir := repo.NewMemoryHostDirectory(host("h1", 4, 3, 0), host("h2", 4, 1, 0))
	b := newBalancer(t, dir)

	got, err := b.Acquire(context.Background(), newJob(), nil)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if got.ID != "h2" {
		t.Errorf("expected h2, got %s", got.ID)
	}

	h2, _ := dir.Get(context.Background(), "h2")
	if h2.CurrentLoad != 2 {
		t.Errorf("expected load 2, got %d", h2.CurrentLoad)
	}
}

func TestAcquire_JobGroupOverridesTaskGroup(t *testing.T) {
	a := host("a", 1, 0, 0)
	a.Group = "job-group"
	bHost := host("b", 1, 0, 0)
	bHost.Group = "task-group"
	b := newBalancer(t, repo.NewMemoryHostDirectory(a, bHost))

	job := newJob()
	job.HostGroup = "job-group"
	task := &domain.TaskDefinition{ID: "task", HostGroup: "task-group"}

	got, err := b.Acquire(context.Background(), job, task)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if got.ID != "a" {
		t.Errorf("expected host from job group, got %s", got.ID)
	}

	got, err = b.Acquire(context.Background(), newJob(), task)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if got.ID != "b" {
		t.Errorf("expected host from task group, got %s", got.ID)
	}
}

func TestAcquire_NoHostAvailable(t *testing.T) {
	b := newBalancer(t, repo.NewMemoryHostDirectory(host("h1", 1, 1, 0)))

	_, err := b.Acquire(context.Background(), newJob(), nil)
	if !errors.Is(err, ErrNoHostAvailable) {
		t.Errorf("expected ErrNoHostAvailable, got %v", err)
	}
}

func TestAcquire_AlreadyAssigned(t *testing.T) {
	b := newBalancer(t, repo.NewMemoryHostDirectory(host("h1", 2, 0, 0)))
	job := newJob()

	if _, err := b.Acquire(context.Background(), job, nil); err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if _, err := b.Acquire(context.Background(), job, nil); !errors.Is(err, ErrAlreadyAssigned) {
		t.Errorf("expected ErrAlreadyAssigned, got %v", err)
	}
}

// racyDirectory отдаёт устаревший список hosts: другой процесс
// успел занять слот между ListAvailable и IncrementLoad.
type racyDirectory struct {
	*repo.MemoryHostDirectory
	stale []domain.Host
}

func (d *racyDirectory) ListAvailable(context.Context) ([]domain.Host, error) {
	return d.stale, nil
}

func TestAcquire_SkipsHostTakenConcurrently(t *testing.T) {
	dir := &racyDirectory{
		MemoryHostDirectory: repo.NewMemoryHostDirectory(host("h1", 1, 1, 0), host("h2", 2, 1, 0)),
		stale:               []domain.Host{host("h1", 1, 0, 0), host("h2", 2, 1, 0)},
	}
	b := newBalancer(t, dir)

	got, err := b.Acquire(context.Background(), newJob(), nil)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if got.ID != "h2" {
		t.Errorf("expected fallback to h2, got %s", got.ID)
	}
}

type failingDirectory struct {
	*repo.MemoryHostDirectory
	err error
}

func (d *failingDirectory) DecrementLoad(context.Context, string) error { return d.err }

func TestRelease_ExactlyOnce(t *testing.T) {
	dir := repo.NewMemoryHostDirectory(host("h1", 2, 0, 0))
	b := newBalancer(t, dir)
	job := newJob()

	if _, err := b.Acquire(context.Background(), job, nil); err != nil {
		t.Fatalf("Acquire: %v", err)
	}

	released, err := b.Release(context.Background(), job.ID, "h1")
	if err != nil || !released {
		t.Fatalf("first release: released=%v err=%v", released, err)
	}
	released, err = b.Release(context.Background(), job.ID, "h1")
	if err != nil || released {
		t.Errorf("second release should be a no-op: released=%v err=%v", released, err)
	}

	h1, _ := dir.Get(context.Background(), "h1")
	if h1.CurrentLoad != 0 {
		t.Errorf("expected load 0, got %d", h1.CurrentLoad)
	}
	if len(runningByHost(b)) != 0 {
		t.Errorf("expected no assignments")
	}
}

func TestRelease_OrphanOnce(t *testing.T) {
	dir := repo.NewMemoryHostDirectory(host("h1", 2, 2, 0))
	b := newBalancer(t, dir)
	orphan := uuid.New()

	for i := 0; i < 3; i++ {
		if _, err := b.Release(context.Background(), orphan, "h1"); err != nil {
			t.Fatalf("Release: %v", err)
		}
	}

	h1, _ := dir.Get(context.Background(), "h1")
	if h1.CurrentLoad != 1 {
		t.Errorf("expected load 1 after orphan release, got %d", h1.CurrentLoad)
	}
}

func TestRelease_NeverNegative(t *testing.T) {
	dir := repo.NewMemoryHostDirectory(host("h1", 2, 0, 0))
	b := newBalancer(t, dir)

	released, err := b.Release(context.Background(), uuid.New(), "h1")
	if err != nil || released {
		t.Errorf("expected no-op on idle host: released=%v err=%v", released, err)
	}
	h1, _ := dir.Get(context.Background(), "h1")
	if h1.CurrentLoad != 0 {
		t.Errorf("expected load 0, got %d", h1.CurrentLoad)
	}
}

func TestRelease_RetryAfterStoreError(t *testing.T) {
	mem := repo.NewMemoryHostDirectory(host("h1", 2, 0, 0))
	dir := &failingDirectory{MemoryHostDirectory: mem, err: errors.New("connection refused")}
	b := newBalancer(t, dir)
	job := newJob()

	if _, err := b.Acquire(context.Background(), job, nil); err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if _, err := b.Release(context.Background(), job.ID, "h1"); err == nil {
		t.Fatal("expected store error")
	}
	if _, ok := assignmentOf(b, job.ID); !ok {
		t.Fatal("assignment should survive a failed release")
	}

	dir.err = nil
	b.hosts = mem
	released, err := b.Release(context.Background(), job.ID, "")
	if err != nil || !released {
		t.Errorf("retry should release: released=%v err=%v", released, err)
	}
}

func TestAcquire_ConcurrentNeverExceedsCapacity(t *testing.T) {
	dir := repo.NewMemoryHostDirectory(host("h1", 3, 0, 0), host("h2", 2, 0, 0))
	b := newBalancer(t, dir)

	var wg sync.WaitGroup
	var mu sync.Mutex
	acquired := 0
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := b.Acquire(context.Background(), newJob(), nil); err == nil {
				mu.Lock()
				acquired++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if acquired != 5 {
		t.Errorf("expected 5 successful acquisitions, got %d", acquired)
	}
	hosts, _ := dir.List(context.Background())
	for _, h := range hosts {
		if h.CurrentLoad > h.Capacity {
			t.Errorf("host %s: load %d exceeds capacity %d", h.ID, h.CurrentLoad, h.Capacity)
		}
	}
	if got := runningByHost(b); got["h1"] != 3 || got["h2"] != 2 {
		t.Errorf("unexpected running by host: %v", got)
	}
}
