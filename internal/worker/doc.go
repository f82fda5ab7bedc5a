// Package worker реализует Job Worker — владельца одной очереди jobs.
//
// # Обзор
//
// Worker не имеет собственного цикла: оркестратор вызывает Poll на
// каждом execution tick и Sweep на каждом cleaning tick. Clean вызывается
// один раз перед первым Poll. Выполнение workflow асинхронно: Start
// executor'а возвращается сразу, а старт, прогресс и завершение
// приходят через методы Reporter (ReportStarted, ReportProgress,
// ReportCompleted).
//
//	w, err := worker.New(worker.Config{
//	    ID:       "models",
//	    Jobs:     jobRepo,
//	    Tasks:    taskRepo,
//	    Balancer: lb,
//	    Executor: exec,
//	    OnEvent:  handler,
//	    Logger:   logger,
//	})
//
// # Жизненный цикл job
//
//	PENDING → STARTING → IN_PROGRESS → COMPLETED | ERROR | CANCELLED
//	                                 ↘ CANCELLING → CANCELLED | ERROR("Interrupted")
//
// Poll:
//  1. Проверка таймаутов jobs в работе
//  2. PENDING jobs очереди в порядке RequestedAt
//  3. Job старше StartTimeout → ERROR "not started within <d>"
//  4. Task из TaskDirectory, проверка параметров
//  5. Balancer.Acquire; нет host'а — job остаётся PENDING
//  6. STARTING, событие Executing, Executor.Start
//
// # Таймауты и отмена
//
// Job в STARTING дольше StartTimeout переводится в ERROR. Job в
// IN_PROGRESS дольше таймаута task (или JobTimeout) отменяется:
// CANCELLING, событие Cancelling, Executor.Cancel. Подтверждение в
// пределах CancelGrace даёт CANCELLED, иначе ERROR "Interrupted".
//
// # Освобождение host'а
//
// У каждого job в работе одна запись execution. Финальный переход и
// освобождение host'а выполняет только путь, первым захвативший запись
// (завершение, таймаут, отмена, прерывание).
//
// # Рестарт
//
// Clean проверяет активные jobs очереди через Executor.IsAlive. Живые
// берутся в работу, остальные получают ERROR "interrupted by restart",
// а их host освобождается.
//
// # Ошибки хранилища
//
// Каждое обращение к хранилищу ограничено StoreTimeout и повторяется
// по политике retry. Исчерпанные повторы логируются, job пропускается
// до следующего прохода.
package worker
