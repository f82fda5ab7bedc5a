// Package events — события жизненного цикла jobs и их рассылка подписчикам.
package events

import (
	"time"

	"github.com/google/uuid"
	"github.com/shaiso/Jobhost/internal/domain"
)

// Type — тип события.
type Type string

const (
	// Executing — job назначен на host и отправлен executor'у.
	Executing Type = "executing"

	// Executed — job завершён (COMPLETED, ERROR или CANCELLED по отчёту executor'а).
	Executed Type = "executed"

	// Cancelling — запрошена отмена job.
	Cancelling Type = "cancelling"

	// Cancelled — executor подтвердил отмену.
	Cancelled Type = "cancelled"

	// Interrupted — job прерван без подтверждения executor'а
	// (таймаут отмены, недоступный executor, рестарт).
	Interrupted Type = "interrupted"
)

// Event — событие о job.
//
// Job — снимок job на момент события (может быть nil для Interrupted
// и Cancelled, когда известен только ID).
type Event struct {
	Type     Type             `json:"type"`
	WorkerID string           `json:"worker_id,omitempty"`
	JobID    uuid.UUID        `json:"job_id"`
	TaskID   string           `json:"task_id,omitempty"`
	HostID   string           `json:"host_id,omitempty"`
	Status   domain.JobStatus `json:"status,omitempty"`
	Message  string           `json:"message,omitempty"`
	Job      *domain.Job      `json:"job,omitempty"`
	Time     time.Time        `json:"time"`
}

// ForJob создаёт событие со снимком job.
func ForJob(typ Type, job *domain.Job, message string) Event {
	snapshot := job.Clone()
	return Event{
		Type:    typ,
		JobID:   job.ID,
		TaskID:  job.TaskID,
		HostID:  job.HostID,
		Status:  job.Status,
		Message: message,
		Job:     snapshot,
		Time:    time.Now().UTC(),
	}
}

// Handler получает события. Вызывается синхронно из горутины воркера.
type Handler func(Event)
