// Package executor определяет контракт Workflow Executor'а и содержит
// локальную реализацию.
//
// Executor запускает workflow на host'е асинхронно: Start возвращается
// сразу, а старт, прогресс и завершение приходят позже через Reporter
// очереди, которой принадлежит job.
package executor

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/shaiso/Jobhost/internal/domain"
)

var (
	// ErrUnknownRunner — нет runner'а для TaskDefinition.Runner.
	ErrUnknownRunner = errors.New("unknown runner")

	// ErrNotRunning — executor не знает такого выполнения.
	ErrNotRunning = errors.New("execution is not running")

	// ErrNoReporter — для очереди job не привязан Reporter.
	ErrNoReporter = errors.New("no reporter bound for queue")

	// ErrClosed — executor закрыт.
	ErrClosed = errors.New("executor closed")

	// ErrHTTPRequest — HTTP-запрос runner'а завершился ошибкой.
	ErrHTTPRequest = errors.New("http request failed")
)

// Handle идентифицирует запущенное выполнение.
type Handle struct {
	JobID  uuid.UUID
	Queue  string
	HostID string
}

// HandleFor строит Handle для активного job.
func HandleFor(job *domain.Job) Handle {
	return Handle{JobID: job.ID, Queue: job.Queue, HostID: job.HostID}
}

// Reporter получает отчёты о выполнении. Реализуется Job Worker'ом.
//
// ReportCompleted с JobStatusCancelled — подтверждение отмены.
type Reporter interface {
	ReportStarted(ctx context.Context, jobID uuid.UUID) error
	ReportProgress(ctx context.Context, jobID uuid.UUID, progress int, message string) error
	ReportCompleted(ctx context.Context, jobID uuid.UUID, status domain.JobStatus, message string) error
}

// Executor запускает и отменяет workflows на hosts.
type Executor interface {
	// Start отправляет job на host. Не ждёт завершения.
	Start(ctx context.Context, job *domain.Job, task *domain.TaskDefinition, host *domain.Host) (Handle, error)

	// Cancel просит host прервать выполнение. Ошибка означает, что
	// запрос не доставлен (executor недоступен).
	Cancel(ctx context.Context, h Handle) error

	// IsAlive подтверждает, что выполнение job действительно идёт.
	IsAlive(ctx context.Context, job *domain.Job) (bool, error)
}

// Binder — executor, которому нужен Reporter очереди.
// Job Worker вызывает Bind при создании.
type Binder interface {
	Bind(queue string, r Reporter)
}
