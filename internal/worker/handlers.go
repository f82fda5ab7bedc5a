package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/shaiso/Jobhost/internal/domain"
	"github.com/shaiso/Jobhost/internal/events"
	"github.com/shaiso/Jobhost/internal/executor"
	"github.com/shaiso/Jobhost/internal/repo"
)

// ReportStarted фиксирует подтверждённый старт: STARTING → IN_PROGRESS.
func (w *Worker) ReportStarted(ctx context.Context, jobID uuid.UUID) error {
	exec := w.lookup(jobID)
	if exec == nil {
		return fmt.Errorf("%w: %s", ErrNotInFlight, jobID)
	}

	exec.mu.Lock()
	defer exec.mu.Unlock()

	// Отмена или завершение уже идут
	if exec.job.Status != domain.JobStatusStarting {
		return nil
	}
	if err := exec.job.MarkInProgress(); err != nil {
		return err
	}
	exec.runningSince = w.now()

	if err := w.persist(ctx, exec.job); err != nil {
		w.logger.Error("failed to persist job start", "job_id", jobID, "error", err)
		return err
	}

	w.logger.Info("job in progress", "job_id", jobID, "host_id", exec.job.HostID)
	return nil
}

// ReportProgress сохраняет прогресс выполнения. Событий не создаёт.
func (w *Worker) ReportProgress(ctx context.Context, jobID uuid.UUID, progress int, message string) error {
	exec := w.lookup(jobID)
	if exec == nil {
		return fmt.Errorf("%w: %s", ErrNotInFlight, jobID)
	}

	exec.mu.Lock()
	defer exec.mu.Unlock()

	if exec.job.Status.IsTerminal() {
		return nil
	}
	// Прогресс без отчёта о старте тоже означает старт
	if exec.job.Status == domain.JobStatusStarting {
		if err := exec.job.MarkInProgress(); err != nil {
			return err
		}
		exec.runningSince = w.now()
	}
	exec.job.SetProgress(progress, message)

	if err := w.persist(ctx, exec.job); err != nil {
		w.logger.Warn("failed to persist job progress", "job_id", jobID, "error", err)
		return err
	}
	return nil
}

// ReportCompleted фиксирует финальный статус по отчёту executor'а.
//
// JobStatusCancelled — подтверждение отмены, создаёт событие Cancelled;
// остальные статусы создают Executed.
func (w *Worker) ReportCompleted(ctx context.Context, jobID uuid.UUID, status domain.JobStatus, message string) error {
	if !status.IsTerminal() {
		return fmt.Errorf("%w: %s", ErrInvalidStatus, status)
	}

	typ := events.Executed
	if status == domain.JobStatusCancelled {
		typ = events.Cancelled
	}

	exec := w.lookup(jobID)
	if exec == nil {
		return w.completeDetached(ctx, jobID, status, message, typ)
	}
	if !w.claim(exec) {
		return nil
	}

	w.finish(ctx, exec, status, message, typ)
	return nil
}

// Cancel — отмена по запросу оператора.
//
// PENDING job сразу переводится в CANCELLED. Для job в работе
// запускается отмена через executor; результат придёт событием.
func (w *Worker) Cancel(ctx context.Context, jobID uuid.UUID, reason string) error {
	if reason == "" {
		reason = "cancelled by operator"
	}

	if exec := w.lookup(jobID); exec != nil {
		return w.beginCancel(ctx, exec, reason)
	}

	var job *domain.Job
	err := w.withStore(ctx, "get job", func(ctx context.Context) error {
		var err error
		job, err = w.jobs.Get(ctx, jobID)
		return err
	})
	if err != nil {
		return err
	}

	switch {
	case job.Queue != w.queue:
		return fmt.Errorf("%w: %s is in %q", ErrWrongQueue, jobID, job.Queue)
	case job.Status.IsTerminal():
		return fmt.Errorf("%w: %s is %s", ErrJobFinished, jobID, job.Status)
	case job.Status != domain.JobStatusPending:
		return fmt.Errorf("%w: %s is %s", ErrNotOwned, jobID, job.Status)
	}

	if err := job.MarkCancelled(reason); err != nil {
		return err
	}
	err = w.withStore(ctx, "cancel pending job", func(ctx context.Context) error {
		return w.jobs.UpdatePending(ctx, job)
	})
	if errors.Is(err, repo.ErrInvalidState) {
		// Job успели взять в работу
		return fmt.Errorf("%w: %s: %v", ErrNotOwned, jobID, err)
	}
	if err != nil {
		return err
	}

	w.logger.Info("pending job cancelled", "job_id", jobID, "reason", reason)
	w.emit(events.ForJob(events.Cancelled, job, reason))
	return nil
}

// beginCancel переводит job в CANCELLING и просит executor его прервать.
//
// Недоступный executor сразу даёт ERROR "Interrupted". Иначе ждём
// подтверждения CancelGrace; без него job тоже прерывается.
func (w *Worker) beginCancel(ctx context.Context, exec *execution, reason string) error {
	exec.mu.Lock()
	// Проверка под exec.mu: dispatch выставляет finishing, не отпуская его
	if w.isFinishing(exec) {
		exec.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrJobFinished, exec.handle.JobID)
	}
	if exec.cancelling {
		exec.mu.Unlock()
		return nil
	}
	if err := exec.job.MarkCancelling(); err != nil {
		exec.mu.Unlock()
		if errors.Is(err, domain.ErrTerminal) {
			return fmt.Errorf("%w: %s", ErrJobFinished, exec.job.ID)
		}
		return err
	}
	exec.cancelling = true
	snapshot := exec.job.Clone()
	handle := exec.handle
	persistErr := w.persist(ctx, exec.job)
	exec.mu.Unlock()

	logger := w.jobLogger(handle.JobID, handle.HostID)
	if persistErr != nil {
		// Финальный статус всё равно будет записан по итогам отмены
		logger.Warn("failed to persist cancelling status", "error", persistErr)
	}

	logger.Info("cancelling job", "reason", reason)
	w.emit(events.ForJob(events.Cancelling, snapshot, reason))

	err := w.executor.Cancel(ctx, handle)
	if err != nil && !errors.Is(err, executor.ErrNotRunning) {
		logger.Warn("executor unreachable, job interrupted", "error", err)
		if w.claim(exec) {
			w.finish(ctx, exec, domain.JobStatusError, interruptedMessage, events.Interrupted)
		}
		return nil
	}

	// ErrNotRunning: выполнение уже закончилось, отчёт о нём в пути
	exec.mu.Lock()
	w.armGrace(exec)
	exec.mu.Unlock()
	return nil
}

// armGrace запускает ожидание подтверждения отмены. Вызывается под exec.mu.
func (w *Worker) armGrace(exec *execution) {
	if exec.grace != nil {
		return
	}
	exec.grace = time.AfterFunc(w.cancelGrace, func() {
		if !w.claim(exec) {
			return
		}
		w.logger.Warn("cancellation not acknowledged", "job_id", exec.handle.JobID, "grace", w.cancelGrace)
		w.finish(context.Background(), exec, domain.JobStatusError, interruptedMessage, events.Interrupted)
	})
}

// finish записывает финальный статус, освобождает host и создаёт событие.
// Вызывается только владельцем claim.
func (w *Worker) finish(ctx context.Context, exec *execution, status domain.JobStatus, message string, typ events.Type) {
	// Финальная запись не должна теряться из-за остановки вызывающего
	ctx = context.WithoutCancel(ctx)

	exec.mu.Lock()
	if exec.grace != nil {
		exec.grace.Stop()
	}
	job := exec.job
	hostID := job.HostID

	if err := finishJob(job, status, message); err != nil {
		exec.mu.Unlock()
		w.logger.Error("invalid final transition", "job_id", job.ID, "status", status, "error", err)
		w.release(ctx, job.ID, hostID)
		w.untrack(job.ID)
		return
	}
	snapshot := job.Clone()
	err := w.persist(ctx, job)
	exec.mu.Unlock()

	if typ == events.Cancelled && snapshot.Status != domain.JobStatusCancelled {
		typ = events.Executed
	}

	logger := w.jobLogger(snapshot.ID, hostID)
	if err != nil {
		logger.Error("failed to persist final status", "status", snapshot.Status, "message", message, "error", err)
	}

	w.release(ctx, snapshot.ID, hostID)
	w.untrack(snapshot.ID)

	logger.Info("job finished", "status", snapshot.Status, "duration", snapshot.Duration())
	w.emit(events.ForJob(typ, snapshot, message))
}

// completeDetached обрабатывает отчёт о завершении job, которого нет
// среди выполняемых (например, отчёт пришёл после рестарта до Clean).
func (w *Worker) completeDetached(ctx context.Context, jobID uuid.UUID, status domain.JobStatus, message string, typ events.Type) error {
	var job *domain.Job
	err := w.withStore(ctx, "get job", func(ctx context.Context) error {
		var err error
		job, err = w.jobs.Get(ctx, jobID)
		return err
	})
	if errors.Is(err, repo.ErrNotFound) {
		return fmt.Errorf("%w: %s", ErrNotInFlight, jobID)
	}
	if err != nil {
		return err
	}
	if job.Queue != w.queue {
		return fmt.Errorf("%w: %s is in %q", ErrWrongQueue, jobID, job.Queue)
	}
	if !job.Status.IsActive() {
		return nil
	}

	hostID := job.HostID
	if err := finishJob(job, status, message); err != nil {
		return err
	}
	if err := w.persist(ctx, job); err != nil {
		if errors.Is(err, repo.ErrInvalidState) {
			return nil
		}
		return err
	}
	w.release(ctx, jobID, hostID)

	w.logger.Info("detached job finished", "job_id", jobID, "host_id", hostID, "status", job.Status)
	w.emit(events.ForJob(typ, job, message))
	return nil
}

// finishJob переводит job в финальный статус. Переход, недопустимый
// из текущего статуса (например, CANCELLED из STARTING), записывается
// как ERROR с тем же сообщением.
func finishJob(job *domain.Job, status domain.JobStatus, message string) error {
	err := job.Finish(status, message)
	if errors.Is(err, domain.ErrInvalidTransition) {
		return job.MarkError(message)
	}
	return err
}
