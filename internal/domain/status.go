package domain

// JobStatus — статус выполнения job.
//
// Жизненный цикл:
//
//	PENDING → STARTING → IN_PROGRESS → COMPLETED
//	                                 ↘ ERROR
//	                                 ↘ CANCELLING → CANCELLED
//
// ERROR достижим из любого нефинального статуса (таймаут старта,
// недоступный executor, рестарт оркестратора).
type JobStatus string

const (
	// JobStatusPending — job создан и ждёт свободный host.
	JobStatusPending JobStatus = "PENDING"

	// JobStatusStarting — host назначен, executor ещё не подтвердил старт.
	JobStatusStarting JobStatus = "STARTING"

	// JobStatusInProgress — executor подтвердил старт, workflow выполняется.
	JobStatusInProgress JobStatus = "IN_PROGRESS"

	// JobStatusCancelling — запрошена отмена, ждём подтверждения от executor.
	JobStatusCancelling JobStatus = "CANCELLING"

	// JobStatusCompleted — workflow успешно завершён.
	JobStatusCompleted JobStatus = "COMPLETED"

	// JobStatusError — workflow упал, не стартовал вовремя или был прерван.
	JobStatusError JobStatus = "ERROR"

	// JobStatusCancelled — отмена подтверждена executor'ом.
	JobStatusCancelled JobStatus = "CANCELLED"
)

// IsTerminal возвращает true, если статус финальный.
func (s JobStatus) IsTerminal() bool {
	switch s {
	case JobStatusCompleted, JobStatusError, JobStatusCancelled:
		return true
	default:
		return false
	}
}

// IsActive возвращает true для статусов, в которых за job закреплён host.
func (s JobStatus) IsActive() bool {
	switch s {
	case JobStatusStarting, JobStatusInProgress, JobStatusCancelling:
		return true
	default:
		return false
	}
}

// IsValid проверяет, что статус известен.
func (s JobStatus) IsValid() bool {
	switch s {
	case JobStatusPending, JobStatusStarting, JobStatusInProgress, JobStatusCancelling,
		JobStatusCompleted, JobStatusError, JobStatusCancelled:
		return true
	default:
		return false
	}
}

// CanTransitionTo проверяет допустимость перехода s → next.
func (s JobStatus) CanTransitionTo(next JobStatus) bool {
	if s.IsTerminal() {
		return false
	}
	if next == JobStatusError {
		return true
	}

	switch s {
	case JobStatusPending:
		return next == JobStatusStarting || next == JobStatusCancelled
	case JobStatusStarting:
		return next == JobStatusInProgress || next == JobStatusCompleted || next == JobStatusCancelling
	case JobStatusInProgress:
		return next == JobStatusCompleted || next == JobStatusCancelling || next == JobStatusCancelled
	case JobStatusCancelling:
		return next == JobStatusCancelled || next == JobStatusCompleted
	default:
		return false
	}
}

// String возвращает строковое представление JobStatus.
func (s JobStatus) String() string {
	return string(s)
}

// ParseJobStatus парсит строку в JobStatus.
// Неизвестные значения возвращают пустой статус и false.
func ParseJobStatus(s string) (JobStatus, bool) {
	status := JobStatus(s)
	if !status.IsValid() {
		return "", false
	}
	return status, true
}
