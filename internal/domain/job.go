package domain

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ErrTerminal — попытка изменить job в финальном статусе.
var ErrTerminal = errors.New("job is in a terminal state")

// ErrInvalidTransition — недопустимый переход статуса.
var ErrInvalidTransition = errors.New("invalid job status transition")

// Job — запрос на выполнение одного workflow (task) на одном из hosts.
//
// Job создаётся клиентом в Job Store в статусе PENDING и дальше
// переводится только воркером, которому принадлежит его очередь.
//
// Инвариант: HostID заполнен тогда и только тогда, когда
// Status ∈ {STARTING, IN_PROGRESS, CANCELLING}.
type Job struct {
	// ID — уникальный идентификатор job.
	ID uuid.UUID `json:"id"`

	// TaskID — какой workflow выполнять.
	TaskID string `json:"task_id"`

	// Queue — очередь (job worker), которой принадлежит job.
	Queue string `json:"queue"`

	// HostID — назначенный host. Пустой, пока job не назначен.
	HostID string `json:"host_id,omitempty"`

	// HostGroup — группа hosts, на которых разрешено выполнение.
	// Пустая строка — любой host (или группа из TaskDefinition).
	HostGroup string `json:"host_group,omitempty"`

	// Owner — экземпляр оркестратора, который взял job в работу.
	Owner string `json:"owner,omitempty"`

	// AccountID — кто поставил job.
	AccountID string `json:"account_id,omitempty"`

	// Status — текущий статус.
	Status JobStatus `json:"status"`

	// Priority — приоритет внутри очереди (больше — раньше при равном RequestedAt).
	Priority int `json:"priority,omitempty"`

	// Parameters — параметры, передаваемые executor'у как есть.
	Parameters map[string]any `json:"parameters,omitempty"`

	// Progress — прогресс выполнения 0..100.
	Progress int `json:"progress"`

	// ProgressMessage — текстовое описание текущего шага.
	ProgressMessage string `json:"progress_message,omitempty"`

	// ErrorMessage — сообщение об ошибке или результат для финальных статусов.
	ErrorMessage string `json:"error_message,omitempty"`

	// RequestedAt — время постановки job.
	RequestedAt time.Time `json:"requested_at"`

	// StartedAt — время назначения на host (переход в STARTING).
	StartedAt *time.Time `json:"started_at,omitempty"`

	// EndedAt — время перехода в финальный статус.
	EndedAt *time.Time `json:"ended_at,omitempty"`
}

// NewJob создаёт job в статусе PENDING.
func NewJob(taskID, queue, accountID string, params map[string]any) *Job {
	return &Job{
		ID:          uuid.New(),
		TaskID:      taskID,
		Queue:       queue,
		AccountID:   accountID,
		Status:      JobStatusPending,
		Parameters:  params,
		RequestedAt: time.Now().UTC(),
	}
}

// IsFinished возвращает true, если job завершён (в любом финальном статусе).
func (j *Job) IsFinished() bool {
	return j.Status.IsTerminal()
}

// Duration возвращает время от назначения до завершения.
// Возвращает 0, если job ещё не завершён.
func (j *Job) Duration() time.Duration {
	if j.StartedAt == nil || j.EndedAt == nil {
		return 0
	}
	return j.EndedAt.Sub(*j.StartedAt)
}

// Age возвращает время, прошедшее с момента постановки.
func (j *Job) Age(now time.Time) time.Duration {
	return now.Sub(j.RequestedAt)
}

// EffectiveHostGroup возвращает группу hosts для job: своя группа job
// важнее группы task. Пустая строка — любой host.
func (j *Job) EffectiveHostGroup(task *TaskDefinition) string {
	if j.HostGroup == "" && task != nil {
		return task.HostGroup
	}
	return j.HostGroup
}

// transition проверяет переход и меняет статус.
func (j *Job) transition(next JobStatus) error {
	if j.Status.IsTerminal() {
		return fmt.Errorf("%w: %s is %s", ErrTerminal, j.ID, j.Status)
	}
	if !j.Status.CanTransitionTo(next) {
		return fmt.Errorf("%w: %s → %s", ErrInvalidTransition, j.Status, next)
	}
	j.Status = next
	return nil
}

// MarkStarting закрепляет job за host'ом и переводит в STARTING.
func (j *Job) MarkStarting(hostID string) error {
	if hostID == "" {
		return fmt.Errorf("%w: empty host id", ErrInvalidTransition)
	}
	if err := j.transition(JobStatusStarting); err != nil {
		return err
	}
	now := time.Now().UTC()
	j.HostID = hostID
	j.StartedAt = &now
	j.ErrorMessage = ""
	return nil
}

// MarkInProgress фиксирует подтверждённый executor'ом старт.
func (j *Job) MarkInProgress() error {
	return j.transition(JobStatusInProgress)
}

// MarkCancelling переводит job в CANCELLING.
func (j *Job) MarkCancelling() error {
	return j.transition(JobStatusCancelling)
}

// MarkCompleted переводит job в COMPLETED.
func (j *Job) MarkCompleted(message string) error {
	if err := j.transition(JobStatusCompleted); err != nil {
		return err
	}
	j.Progress = 100
	j.finish(message)
	return nil
}

// MarkError переводит job в ERROR с сообщением.
func (j *Job) MarkError(message string) error {
	if err := j.transition(JobStatusError); err != nil {
		return err
	}
	j.finish(message)
	return nil
}

// MarkCancelled переводит job в CANCELLED.
func (j *Job) MarkCancelled(message string) error {
	if err := j.transition(JobStatusCancelled); err != nil {
		return err
	}
	j.finish(message)
	return nil
}

// Finish переводит job в указанный финальный статус.
func (j *Job) Finish(status JobStatus, message string) error {
	switch status {
	case JobStatusCompleted:
		return j.MarkCompleted(message)
	case JobStatusError:
		return j.MarkError(message)
	case JobStatusCancelled:
		return j.MarkCancelled(message)
	default:
		return fmt.Errorf("%w: %s is not terminal", ErrInvalidTransition, status)
	}
}

// SetProgress обновляет прогресс (значение обрезается до 0..100).
func (j *Job) SetProgress(progress int, message string) {
	j.Progress = max(0, min(progress, 100))
	j.ProgressMessage = message
}

// finish освобождает host и фиксирует время завершения.
func (j *Job) finish(message string) {
	now := time.Now().UTC()
	j.HostID = ""
	j.EndedAt = &now
	j.ErrorMessage = message
}

// Clone возвращает копию job (Parameters копируются поверхностно).
func (j *Job) Clone() *Job {
	c := *j
	if j.Parameters != nil {
		c.Parameters = make(map[string]any, len(j.Parameters))
		for k, v := range j.Parameters {
			c.Parameters[k] = v
		}
	}
	if j.StartedAt != nil {
		t := *j.StartedAt
		c.StartedAt = &t
	}
	if j.EndedAt != nil {
		t := *j.EndedAt
		c.EndedAt = &t
	}
	return &c
}
