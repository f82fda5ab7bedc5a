package orchestrator

import (
	"context"
	"log/slog"

	"github.com/shaiso/Jobhost/internal/domain"
	"github.com/shaiso/Jobhost/internal/events"
)

// Relay возвращает обработчик событий для воркера workerID: событие
// дополняется ID воркера и публикуется в шину. Публикация не блокируется.
func Relay(bus *events.Bus, workerID string) events.Handler {
	return func(e events.Event) {
		e.WorkerID = workerID
		bus.Publish(e)
	}
}

// logEvents пишет строку лога на каждое событие и передаёт его
// в телеметрию. Завершается, когда канал закрыт.
func (o *Orchestrator) logEvents(evts <-chan events.Event) {
	for e := range evts {
		o.logEvent(e)
		if o.telemetry != nil {
			o.telemetry.ObserveEvent(e)
		}
	}
}

func (o *Orchestrator) logEvent(e events.Event) {
	attrs := []any{
		"worker_id", e.WorkerID,
		"job_id", e.JobID,
		"task_id", e.TaskID,
	}
	if e.HostID != "" {
		attrs = append(attrs, "host_id", e.HostID)
	}
	if e.Message != "" {
		attrs = append(attrs, "message", e.Message)
	}

	level := slog.LevelInfo
	switch e.Type {
	case events.Executed:
		attrs = append(attrs, "status", e.Status)
		if e.Status == domain.JobStatusError {
			level = slog.LevelError
		}
	case events.Interrupted:
		level = slog.LevelWarn
	}

	o.logger.Log(context.Background(), level, "job "+string(e.Type), attrs...)
}
