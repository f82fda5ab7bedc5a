package worker

import "errors"

// Ошибки воркера.
var (
	// ErrMissingDependency — в Config не задан обязательный компонент.
	ErrMissingDependency = errors.New("missing worker dependency")

	// ErrNotInFlight — отчёт executor'а для job, который воркер не выполняет.
	ErrNotInFlight = errors.New("job is not in flight")

	// ErrWrongQueue — job принадлежит другой очереди.
	ErrWrongQueue = errors.New("job belongs to another queue")

	// ErrJobFinished — job уже в финальном статусе.
	ErrJobFinished = errors.New("job already finished")

	// ErrNotOwned — job активен, но выполняется не этим воркером.
	ErrNotOwned = errors.New("job is active but not owned by this worker")

	// ErrInvalidStatus — executor сообщил нефинальный статус завершения.
	ErrInvalidStatus = errors.New("invalid completion status")
)
