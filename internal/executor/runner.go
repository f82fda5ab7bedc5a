package executor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/shaiso/Jobhost/internal/domain"
)

// Run — одно выполнение workflow, переданное runner'у.
type Run struct {
	Job  *domain.Job
	Task *domain.TaskDefinition
	Host *domain.Host

	progress func(progress int, message string)
}

// Progress отправляет отчёт о прогрессе.
func (r *Run) Progress(progress int, message string) {
	if r.progress != nil {
		r.progress(progress, message)
	}
}

// Param возвращает параметр job, а если его нет — значение из конфигурации task.
func (r *Run) Param(key string) (any, bool) {
	if v, ok := r.Job.Parameters[key]; ok {
		return v, true
	}
	if r.Task != nil {
		if v, ok := r.Task.Config[key]; ok {
			return v, true
		}
	}
	return nil, false
}

// String возвращает строковый параметр.
func (r *Run) String(key, defaultVal string) string {
	if v, ok := r.Param(key); ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return defaultVal
}

// Seconds возвращает параметр в секундах как Duration.
func (r *Run) Seconds(key string, defaultVal time.Duration) time.Duration {
	v, ok := r.Param(key)
	if !ok {
		return defaultVal
	}
	switch n := v.(type) {
	case float64:
		if n > 0 {
			return time.Duration(n * float64(time.Second))
		}
	case int:
		if n > 0 {
			return time.Duration(n) * time.Second
		}
	case int64:
		if n > 0 {
			return time.Duration(n) * time.Second
		}
	}
	return defaultVal
}

// Runner выполняет workflow одного вида внутри процесса.
//
// Возвращаемая строка — сообщение результата. Runner обязан
// завершаться при отмене ctx.
type Runner interface {
	Run(ctx context.Context, run *Run) (string, error)
}

// RunnerFunc — адаптер функции к Runner.
type RunnerFunc func(ctx context.Context, run *Run) (string, error)

// Run вызывает f.
func (f RunnerFunc) Run(ctx context.Context, run *Run) (string, error) {
	return f(ctx, run)
}

// Registry — реестр runner'ов по виду.
type Registry struct {
	mu      sync.RWMutex
	runners map[string]Runner
}

// NewRegistry создаёт реестр с runner'ами delay, http, command.
func NewRegistry() *Registry {
	r := &Registry{runners: make(map[string]Runner)}
	r.Register("delay", &DelayRunner{})
	r.Register("http", &HTTPRunner{})
	r.Register("command", &CommandRunner{})
	return r
}

// Register добавляет runner.
func (r *Registry) Register(kind string, runner Runner) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.runners[kind] = runner
}

// Get возвращает runner по виду.
func (r *Registry) Get(kind string) (Runner, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	runner, ok := r.runners[kind]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownRunner, kind)
	}
	return runner, nil
}
