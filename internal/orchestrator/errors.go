package orchestrator

import "errors"

// Ошибки оркестратора.
var (
	// ErrNoWorkers — оркестратор создан без воркеров.
	ErrNoWorkers = errors.New("no job workers configured")

	// ErrDuplicateWorker — два воркера с одинаковым ID или очередью.
	ErrDuplicateWorker = errors.New("duplicate job worker")

	// ErrInvalidSchedule — не задано расписание execution или cleaning tick.
	ErrInvalidSchedule = errors.New("invalid schedule")

	// ErrUnknownWorker — воркера с таким ID нет.
	ErrUnknownWorker = errors.New("unknown worker")

	// ErrUnknownJob — ни один воркер не владеет очередью job.
	ErrUnknownJob = errors.New("job is not owned by any worker")

	// ErrAlreadyStarted — Start вызван повторно.
	ErrAlreadyStarted = errors.New("orchestrator already started")

	// ErrOrchestratorStopped — оркестратор остановлен.
	ErrOrchestratorStopped = errors.New("orchestrator stopped")
)
